// Package engine runs workflows: it executes steps in order or along the
// branch an operation selects, suspends runs on async and timed steps,
// resumes them on signals or expiry, and compensates completed steps in
// reverse when a step fails.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/internal/logging"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/internal/suspension"
	"github.com/rendis/sagaflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultPoolSize   = 10
	DefaultSweepBatch = 100
)

// Config tunes the engine.
type Config struct {
	// PoolSize bounds how many expired tokens a sweep handles concurrently.
	PoolSize int
	// SweepBatch caps the tokens expired per sweep; 0 uses the default.
	SweepBatch int
}

// Deps are the engine's collaborators. Store and Catalog are required.
type Deps struct {
	Store   store.Store
	Catalog *Catalog
	Clock   clock.Clock   // nil = wall clock
	Logger  *slog.Logger  // nil = slog.Default()
	Events  EventAppender // nil = Store
}

// Engine is the workflow runner. All state lives in the store; the engine
// only serializes work per run.
type Engine struct {
	store   store.Store
	catalog *Catalog
	events  EventAppender
	tokens  *suspension.Store
	clock   clock.Clock
	logger  *slog.Logger
	fsm     *RunFSM
	exec    *StepExecutor
	comp    *Compensator
	pool    *WorkerPool
	locks   *runLocks
	cfg     Config
}

// New creates an Engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = deps.Store
	}

	return &Engine{
		store:   deps.Store,
		catalog: deps.Catalog,
		events:  events,
		tokens:  suspension.New(deps.Store, clk),
		clock:   clk,
		logger:  logger,
		fsm:     NewRunFSM(events),
		exec:    NewStepExecutor(deps.Catalog.Operations(), clk, logger),
		comp:    NewCompensator(deps.Store, events, clk, logger),
		pool:    NewWorkerPool(cfg.PoolSize),
		locks:   newRunLocks(),
		cfg:     cfg,
	}
}

// Catalog returns the workflow catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// PoolMetrics returns the sweep worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Close waits for in-flight sweep work and stops the pool.
func (e *Engine) Close() { e.pool.Shutdown() }

// StartResult is returned by Start.
type StartResult struct {
	RunID string `json:"run_id"`
	// Status is completed, suspended or failed.
	Status    string                 `json:"status"`
	RunStatus schema.RunStatus       `json:"run_status"`
	TokenID   string                 `json:"token_id,omitempty"`
	Result    *expressions.DataChain `json:"result,omitempty"`
	Error     *schema.SagaError      `json:"error,omitempty"`
}

// SignalResult is returned by Signal.
type SignalResult struct {
	Accepted bool             `json:"accepted"`
	Reason   string           `json:"reason,omitempty"`
	RunID    string           `json:"run_id"`
	Status   schema.RunStatus `json:"status"`
}

// CancelOptions tune Cancel. The zero value compensates.
type CancelOptions struct {
	SkipCompensation bool
	Reason           string
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Accepted bool             `json:"accepted"`
	Reason   string           `json:"reason,omitempty"`
	RunID    string           `json:"run_id"`
	Status   schema.RunStatus `json:"status"`
}

// SweepReport counts what a Sweep or Recover did.
type SweepReport struct {
	Expired int `json:"expired"`
	Resumed int `json:"resumed"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Stale   int `json:"stale"`
	Errors  int `json:"errors"`
}

// Start validates input, creates a run and drives it until it completes,
// suspends or fails. An unknown workflow or invalid input is returned as an
// error and no run is created.
func (e *Engine) Start(ctx context.Context, name string, input any) (*StartResult, error) {
	def, err := e.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	normalized, err := expressions.Normalize(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q: input is not JSON-serializable", name).WithCause(err)
	}
	if len(def.InputSchema) > 0 {
		if err := e.catalog.Validator().Validate(normalized, def.InputSchema); err != nil {
			return nil, schema.AsSagaError(err, schema.ErrCodeValidation)
		}
	}

	now := e.clock.Now().UTC()
	run := &store.Run{
		ID:        uuid.New().String(),
		Workflow:  def.Name,
		Status:    schema.RunStatusRunning,
		Cursor:    def.Steps[0].ID,
		Input:     normalized,
		Chain:     expressions.NewDataChain(),
		Completed: []store.CompletedStep{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx = logging.WithRunID(ctx, run.ID)
	unlock := e.locks.Lock(run.ID)
	defer unlock()

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.AsSagaError(err, schema.ErrCodeStore)
	}
	e.emit(ctx, run.ID, "", schema.EventRunStarted, map[string]any{"workflow": def.Name})
	e.logger.InfoContext(ctx, "run started", "workflow", def.Name)

	if err := e.advance(ctx, run, def); err != nil {
		return nil, err
	}
	return startResult(run), nil
}

func startResult(run *store.Run) *StartResult {
	res := &StartResult{RunID: run.ID, RunStatus: run.Status, Error: run.Error}
	switch run.Status {
	case schema.RunStatusCompleted:
		res.Status = "completed"
		res.Result = run.Chain
	case schema.RunStatusSuspended:
		res.Status = "suspended"
		res.TokenID = run.TokenID
	default:
		res.Status = "failed"
	}
	return res
}

// Signal resolves a waiting token and resumes its run. A failed outcome
// fails the suspended step. Duplicate signals are not accepted and report
// ALREADY_RESOLVED; a signal past the deadline reports SUSPENSION_EXPIRED
// after the expiry has been applied.
func (e *Engine) Signal(ctx context.Context, tokenID string, outcome schema.Outcome) (*SignalResult, error) {
	tok, err := e.tokens.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithTokenID(logging.WithRunID(ctx, tok.RunID), tokenID)
	unlock := e.locks.Lock(tok.RunID)
	defer unlock()

	resolved, err := e.tokens.Signal(ctx, tokenID, outcome)
	switch {
	case schema.IsCode(err, schema.ErrCodeAlreadyResolved):
		e.logger.InfoContext(ctx, "duplicate signal ignored")
		return e.rejected(ctx, tok.RunID, schema.ErrCodeAlreadyResolved)
	case schema.IsCode(err, schema.ErrCodeSuspensionExpired):
		if _, herr := e.handleExpired(ctx, resolved); herr != nil {
			return nil, herr
		}
		return e.rejected(ctx, tok.RunID, schema.ErrCodeSuspensionExpired)
	case err != nil:
		return nil, err
	}

	e.emit(ctx, tok.RunID, tok.StepID, schema.EventTokenSignaled, map[string]any{
		"token_id": tokenID,
		"success":  outcome.Success,
	})
	if err := e.resumeSignaled(ctx, resolved); err != nil {
		return nil, err
	}

	run, err := e.store.GetRun(ctx, tok.RunID)
	if err != nil {
		return nil, err
	}
	return &SignalResult{Accepted: true, RunID: run.ID, Status: run.Status}, nil
}

func (e *Engine) rejected(ctx context.Context, runID, reason string) (*SignalResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &SignalResult{Accepted: false, Reason: reason, RunID: runID, Status: run.Status}, nil
}

// Cancel stops a suspended run. Its token is invalidated first, so no later
// signal can resume it; then the run compensates unless opts skip it, in
// which case it fails directly. Runs in any other status are not accepted.
func (e *Engine) Cancel(ctx context.Context, runID string, opts CancelOptions) (*CancelResult, error) {
	ctx = logging.WithRunID(ctx, runID)
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusSuspended {
		return &CancelResult{Accepted: false, Reason: "run is " + string(run.Status), RunID: runID, Status: run.Status}, nil
	}
	def, err := e.catalog.Get(run.Workflow)
	if err != nil {
		return nil, err
	}

	if run.TokenID != "" {
		_, err := e.tokens.Cancel(ctx, run.TokenID)
		switch {
		case err == nil:
			e.emit(ctx, runID, run.Cursor, schema.EventTokenCancelled, map[string]any{"token_id": run.TokenID})
		case !schema.IsCode(err, schema.ErrCodeAlreadyResolved):
			return nil, err
		}
	}
	if err := e.finishCancel(ctx, run, def, opts); err != nil {
		return nil, err
	}
	return &CancelResult{Accepted: true, RunID: runID, Status: run.Status}, nil
}

func (e *Engine) finishCancel(ctx context.Context, run *store.Run, def *WorkflowDefinition, opts CancelOptions) error {
	reason := opts.Reason
	if reason == "" {
		reason = "cancelled"
	}
	e.emit(ctx, run.ID, "", schema.EventRunCancelled, map[string]any{
		"reason":     reason,
		"compensate": !opts.SkipCompensation,
	})
	e.logger.InfoContext(ctx, "run cancelled", "reason", reason, "compensate", !opts.SkipCompensation)

	run.Error = schema.NewError(schema.ErrCodeCancelled, reason)
	pending := takePending(run)
	if opts.SkipCompensation {
		return e.transition(ctx, run, schema.RunStatusFailed, map[string]any{"reason": reason})
	}
	e.logKickoff(run, pending)
	return e.compensate(ctx, run, def)
}

// Status returns the persisted run.
func (e *Engine) Status(ctx context.Context, runID string) (*store.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// Events returns a run's events with sequence > since.
func (e *Engine) Events(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, runID, since)
}

// Timeline replays a run's event log into per-step traces.
func (e *Engine) Timeline(ctx context.Context, runID string) (*store.Timeline, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return store.Replay(ctx, e.store, runID)
}

// ListRuns lists runs matching filter, newest first.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// Sweep expires every token past its deadline and handles each expiry on
// the worker pool: timers resume their run, signal tokens with retries left
// are re-issued, exhausted ones fail the step. Runs are independent, so
// expiries of different runs proceed concurrently.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	due, sweepErr := e.tokens.ExpireDue(ctx, e.cfg.SweepBatch)
	report := &SweepReport{Expired: len(due)}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, tok := range due {
		tok := tok
		wg.Add(1)
		err := e.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			action, err := e.expire(ctx, tok)
			mu.Lock()
			report.count(action, err)
			mu.Unlock()
			return err
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			report.Errors++
			mu.Unlock()
			e.logger.WarnContext(ctx, "sweep submit failed", "token_id", tok.ID, "error", err)
		}
	}
	wg.Wait()

	if report.Expired == 0 {
		e.logger.DebugContext(ctx, "sweep: nothing due")
	} else {
		e.logger.InfoContext(ctx, "sweep finished",
			"expired", report.Expired, "resumed", report.Resumed, "retried", report.Retried,
			"failed", report.Failed, "stale", report.Stale, "errors", report.Errors)
	}
	return report, sweepErr
}

func (e *Engine) expire(ctx context.Context, tok *store.Token) (expiryAction, error) {
	ctx = logging.WithTokenID(logging.WithRunID(ctx, tok.RunID), tok.ID)
	unlock := e.locks.Lock(tok.RunID)
	defer unlock()
	return e.handleExpired(ctx, tok)
}

type expiryAction int

const (
	expiryStale expiryAction = iota
	expiryResumed
	expiryRetried
	expiryFailed
)

func (r *SweepReport) count(action expiryAction, err error) {
	if err != nil {
		r.Errors++
		return
	}
	switch action {
	case expiryResumed:
		r.Resumed++
	case expiryRetried:
		r.Retried++
	case expiryFailed:
		r.Failed++
	default:
		r.Stale++
	}
}

// Recover finishes work interrupted by a crash: suspended runs whose token
// was already resolved are resumed, expired, or cancelled accordingly, and
// runs stopped mid-compensation continue unwinding where they left off.
func (e *Engine) Recover(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	suspended, err := e.store.ListRuns(ctx, store.RunFilter{Status: schema.RunStatusSuspended})
	if err != nil {
		return nil, err
	}
	for _, run := range suspended {
		if run.TokenID == "" {
			continue
		}
		action, err := e.recoverSuspended(ctx, run.ID, run.TokenID)
		report.count(action, err)
		if err != nil {
			e.logger.ErrorContext(ctx, "recover suspended run", "run_id", run.ID, "error", err)
		}
	}

	compensating, err := e.store.ListRuns(ctx, store.RunFilter{Status: schema.RunStatusCompensating})
	if err != nil {
		return report, err
	}
	for _, run := range compensating {
		err := e.resumeCompensation(ctx, run.ID)
		report.count(expiryFailed, err)
		if err != nil {
			e.logger.ErrorContext(ctx, "recover compensation", "run_id", run.ID, "error", err)
		}
	}
	return report, nil
}

func (e *Engine) recoverSuspended(ctx context.Context, runID, tokenID string) (expiryAction, error) {
	ctx = logging.WithTokenID(logging.WithRunID(ctx, runID), tokenID)
	unlock := e.locks.Lock(runID)
	defer unlock()

	tok, err := e.tokens.Get(ctx, tokenID)
	if err != nil {
		return expiryStale, err
	}
	switch tok.Status {
	case schema.TokenStatusExpired:
		return e.handleExpired(ctx, tok)
	case schema.TokenStatusSignaled:
		return expiryResumed, e.resumeSignaled(ctx, tok)
	case schema.TokenStatusCancelled:
		run, def, ok, err := e.loadSuspended(ctx, tok)
		if err != nil || !ok {
			return expiryStale, err
		}
		return expiryFailed, e.finishCancel(ctx, run, def, CancelOptions{Reason: "cancelled"})
	default:
		return expiryStale, nil
	}
}

func (e *Engine) resumeCompensation(ctx context.Context, runID string) error {
	ctx = logging.WithRunID(ctx, runID)
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusCompensating {
		return nil
	}
	def, err := e.catalog.Get(run.Workflow)
	if err != nil {
		return err
	}
	return e.unwind(ctx, run, def)
}

// --- run driving (callers hold the run lock) ---

// advance executes steps from the cursor until the run completes, suspends
// or fails. Only persistence errors are returned; step failures end in
// compensation and are recorded on the run.
func (e *Engine) advance(ctx context.Context, run *store.Run, def *WorkflowDefinition) error {
	for {
		step, _ := def.step(run.Cursor)
		if step == nil {
			return e.failStep(ctx, run, def,
				schema.NewErrorf(schema.ErrCodeStepExecution, "cursor at unknown step %q", run.Cursor).WithStep(run.Cursor))
		}
		sctx := logging.WithStepID(ctx, step.ID)

		e.emit(sctx, run.ID, step.ID, schema.EventStepStarted, map[string]any{"attempt": 0})
		out := e.exec.Execute(sctx, run, step, 0)
		if out.Err != nil {
			return e.failStep(sctx, run, def, out.Err)
		}
		next, serr := e.resolveNext(def, step, out.Branch)
		if serr != nil {
			return e.failStep(sctx, run, def, serr)
		}
		if out.Branch != "" {
			e.emit(sctx, run.ID, step.ID, schema.EventBranchSelected, map[string]any{
				"branch": out.Branch,
				"next":   orEnd(next),
			})
		}

		switch {
		case out.Sleep > 0:
			return e.suspend(sctx, run, def, step, out, suspension.SuspendRequest{
				Kind: schema.TokenKindTimer, Timeout: out.Sleep,
			})
		case step.Async != nil:
			return e.suspend(sctx, run, def, step, out, suspension.SuspendRequest{
				Kind: schema.TokenKindSignal, Timeout: step.Async.Timeout, MaxRetries: step.Async.MaxRetries,
			})
		}

		stop, err := e.finishStep(sctx, run, def, step, out)
		if stop || err != nil {
			return err
		}
	}
}

// finishStep records a successful step and moves the cursor. stop is true
// when the run reached a terminal status.
func (e *Engine) finishStep(ctx context.Context, run *store.Run, def *WorkflowDefinition, step *StepDefinition, out StepOutcome) (stop bool, err error) {
	next, serr := e.resolveNext(def, step, out.Branch)
	if serr != nil {
		return true, e.failStep(ctx, run, def, serr)
	}
	if err := e.exec.Record(run, step.ID, out); err != nil {
		return true, e.failStep(ctx, run, def, schema.AsSagaError(err, schema.ErrCodeStepExecution))
	}
	e.emit(ctx, run.ID, step.ID, schema.EventStepCompleted, nil)

	if next == "" {
		e.logger.InfoContext(ctx, "run completed", "steps", run.Chain.Len())
		return true, e.transition(ctx, run, schema.RunStatusCompleted, nil)
	}
	run.Cursor = next
	return false, e.persist(ctx, run)
}

// resolveNext returns the step after step, or "" when the run ends there.
func (e *Engine) resolveNext(def *WorkflowDefinition, step *StepDefinition, branch string) (string, *schema.SagaError) {
	if branch != "" {
		target, ok := step.Branches[branch]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeUnknownBranch, "branch %q has no declared target", branch).
				WithStep(step.ID).
				WithDetails(map[string]any{"branch": branch})
		}
		return endToEmpty(target), nil
	}
	if step.Next != "" {
		return endToEmpty(step.Next), nil
	}
	if _, i := def.step(step.ID); i >= 0 && i+1 < len(def.Steps) {
		return def.Steps[i+1].ID, nil
	}
	return "", nil
}

func endToEmpty(target string) string {
	if target == End {
		return ""
	}
	return target
}

func orEnd(next string) string {
	if next == "" {
		return End
	}
	return next
}

// suspend issues a token for step and parks the run on it.
func (e *Engine) suspend(ctx context.Context, run *store.Run, def *WorkflowDefinition, step *StepDefinition, out StepOutcome, req suspension.SuspendRequest) error {
	req.RunID = run.ID
	req.StepID = step.ID
	tok, err := e.tokens.Suspend(ctx, req)
	if err != nil {
		return e.failStep(ctx, run, def, schema.AsSagaError(err, schema.ErrCodeStore).WithStep(step.ID))
	}

	run.TokenID = tok.ID
	run.Pending = &store.PendingStep{
		StepID:    step.ID,
		Input:     out.Input,
		Output:    out.Output,
		UndoState: out.UndoState,
		Branch:    out.Branch,
	}
	ctx = logging.WithTokenID(ctx, tok.ID)
	e.emit(ctx, run.ID, step.ID, schema.EventTokenCreated, map[string]any{
		"token_id": tok.ID,
		"kind":     string(tok.Kind),
		"deadline": tok.Deadline,
		"attempt":  tok.Attempt,
	})
	e.logger.InfoContext(ctx, "run suspended", "kind", tok.Kind, "deadline", tok.Deadline, "attempt", tok.Attempt)
	return e.transition(ctx, run, schema.RunStatusSuspended, map[string]any{"token_id": tok.ID})
}

// resumeSignaled continues a run whose signal token has been resolved.
func (e *Engine) resumeSignaled(ctx context.Context, tok *store.Token) error {
	run, def, ok, err := e.loadSuspended(ctx, tok)
	if err != nil || !ok {
		return err
	}
	step, _ := def.step(tok.StepID)
	pending := takePending(run)
	if err := e.transition(ctx, run, schema.RunStatusRunning, map[string]any{"token_id": tok.ID}); err != nil {
		return err
	}
	ctx = logging.WithStepID(ctx, tok.StepID)

	if step == nil {
		return e.failStep(ctx, run, def,
			schema.NewErrorf(schema.ErrCodeStepExecution, "suspended step %q no longer exists", tok.StepID).WithStep(tok.StepID))
	}
	if tok.Outcome == nil || !tok.Outcome.Success {
		reason := "async step reported failure"
		if tok.Outcome != nil && tok.Outcome.Error != "" {
			reason = tok.Outcome.Error
		}
		return e.failStep(ctx, run, def, schema.NewError(schema.ErrCodeStepExecution, reason).WithStep(step.ID))
	}

	out := StepOutcome{
		Input:     pending.Input,
		Output:    tok.Outcome.Output,
		UndoState: pending.UndoState,
		Branch:    pending.Branch,
	}
	stop, err := e.finishStep(ctx, run, def, step, out)
	if stop || err != nil {
		return err
	}
	return e.advance(ctx, run, def)
}

// handleExpired applies an expired token to its run: a timer resumes the
// run with the sleep output, a signal token with retries left re-runs the
// kick-off under a fresh token, and an exhausted one fails the step with
// SUSPENSION_EXPIRED.
func (e *Engine) handleExpired(ctx context.Context, tok *store.Token) (expiryAction, error) {
	run, def, ok, err := e.loadSuspended(ctx, tok)
	if err != nil || !ok {
		return expiryStale, err
	}
	ctx = logging.WithStepID(ctx, tok.StepID)
	e.emit(ctx, run.ID, tok.StepID, schema.EventTokenExpired, map[string]any{
		"token_id": tok.ID,
		"kind":     string(tok.Kind),
		"attempt":  tok.Attempt,
	})

	step, _ := def.step(tok.StepID)
	pending := takePending(run)

	switch {
	case step == nil:
		run.Error = schema.NewErrorf(schema.ErrCodeStepExecution, "suspended step %q no longer exists", tok.StepID).WithStep(tok.StepID)
		return expiryFailed, e.compensate(ctx, run, def)

	case tok.Kind == schema.TokenKindTimer:
		if err := e.transition(ctx, run, schema.RunStatusRunning, map[string]any{"token_id": tok.ID}); err != nil {
			return expiryResumed, err
		}
		out := StepOutcome{
			Input:     pending.Input,
			Output:    withElapsed(pending.Output, e.clock.Now().Sub(tok.CreatedAt)),
			UndoState: pending.UndoState,
			Branch:    pending.Branch,
		}
		stop, err := e.finishStep(ctx, run, def, step, out)
		if stop || err != nil {
			return expiryResumed, err
		}
		return expiryResumed, e.advance(ctx, run, def)

	case tok.RetriesLeft() > 0 && step.Async != nil:
		attempt := tok.Attempt + 1
		if err := e.transition(ctx, run, schema.RunStatusRunning, map[string]any{"token_id": tok.ID, "retry": attempt}); err != nil {
			return expiryRetried, err
		}
		if len(undoActions(def, step.ID)) > 0 {
			prev := e.exec.Kickoff(pending)
			if _, serr := e.comp.Undo(ctx, run, def, &prev); serr != nil {
				return expiryFailed, e.abandonRetry(ctx, run, prev, serr)
			}
		}
		e.emit(ctx, run.ID, step.ID, schema.EventStepStarted, map[string]any{"attempt": attempt})
		out := e.exec.Execute(ctx, run, step, attempt)
		if out.Err != nil {
			return expiryFailed, e.failStep(ctx, run, def, out.Err)
		}
		e.emit(ctx, run.ID, step.ID, schema.EventTokenRetried, map[string]any{
			"previous_token": tok.ID,
			"attempt":        attempt,
		})
		e.logger.InfoContext(ctx, "async step retried", "attempt", attempt, "max_retries", tok.MaxRetries)
		return expiryRetried, e.suspend(ctx, run, def, step, out, suspension.SuspendRequest{
			Kind:       schema.TokenKindSignal,
			Timeout:    step.Async.Timeout,
			MaxRetries: step.Async.MaxRetries,
			Attempt:    attempt,
		})

	default:
		cause := schema.NewErrorf(schema.ErrCodeSuspensionExpired,
			"step %s received no signal before its deadline after %d attempt(s)", tok.StepID, tok.Attempt+1).
			WithStep(tok.StepID).
			WithDetails(map[string]any{"token_id": tok.ID, "attempts": tok.Attempt + 1})
		e.emit(ctx, run.ID, tok.StepID, schema.EventStepFailed, map[string]any{"error": cause})
		e.logger.WarnContext(ctx, "async step expired", "attempts", tok.Attempt+1)
		run.Error = cause
		e.logKickoff(run, pending)
		return expiryFailed, e.compensate(ctx, run, def)
	}
}

// logKickoff puts the forward action of an abandoned async step on the
// compensation log, so it is undone first.
func (e *Engine) logKickoff(run *store.Run, pending store.PendingStep) {
	if pending.StepID == "" {
		return
	}
	run.Completed = append(run.Completed, e.exec.Kickoff(pending))
}

// abandonRetry fails a run whose previous kick-off could not be undone
// before a retry. Like any failed compensation, nothing further is unwound.
func (e *Engine) abandonRetry(ctx context.Context, run *store.Run, prev store.CompletedStep, cause *schema.SagaError) error {
	run.Completed = append(run.Completed, prev)
	run.Error = cause
	if err := e.transition(ctx, run, schema.RunStatusCompensating, map[string]any{"cause": cause.Code}); err != nil {
		return err
	}
	e.logger.ErrorContext(ctx, "run failed undoing async attempt", "at_step", prev.StepID)
	return e.transition(ctx, run, schema.RunStatusFailed, map[string]any{"at_step": prev.StepID})
}

// withElapsed reports the time a sleep actually waited on its output.
func withElapsed(output any, elapsed time.Duration) any {
	m, ok := output.(map[string]any)
	if !ok {
		return output
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["elapsed_ms"] = elapsed.Milliseconds()
	return out
}

// loadSuspended loads the run tok belongs to. ok is false when the run is no
// longer parked on tok, for example because it was cancelled meanwhile.
func (e *Engine) loadSuspended(ctx context.Context, tok *store.Token) (*store.Run, *WorkflowDefinition, bool, error) {
	run, err := e.store.GetRun(ctx, tok.RunID)
	if err != nil {
		return nil, nil, false, err
	}
	if run.Status != schema.RunStatusSuspended || run.TokenID != tok.ID {
		e.logger.DebugContext(ctx, "token no longer owns its run", "run_status", run.Status)
		return nil, nil, false, nil
	}
	def, err := e.catalog.Get(run.Workflow)
	if err != nil {
		return nil, nil, false, err
	}
	return run, def, true, nil
}

func takePending(run *store.Run) store.PendingStep {
	var p store.PendingStep
	if run.Pending != nil {
		p = *run.Pending
	}
	run.Pending = nil
	run.TokenID = ""
	return p
}

// failStep records cause on the run and compensates.
func (e *Engine) failStep(ctx context.Context, run *store.Run, def *WorkflowDefinition, cause *schema.SagaError) error {
	e.emit(ctx, run.ID, cause.StepID, schema.EventStepFailed, map[string]any{"error": cause})
	e.logger.WarnContext(ctx, "step failed", "code", cause.Code, "error", cause.Message)
	run.Error = cause
	return e.compensate(ctx, run, def)
}

// compensate moves the run to compensating and unwinds it.
func (e *Engine) compensate(ctx context.Context, run *store.Run, def *WorkflowDefinition) error {
	payload := map[string]any{}
	if run.Error != nil {
		payload["cause"] = run.Error.Code
	}
	if err := e.transition(ctx, run, schema.RunStatusCompensating, payload); err != nil {
		return err
	}
	return e.unwind(ctx, run, def)
}

func (e *Engine) unwind(ctx context.Context, run *store.Run, def *WorkflowDefinition) error {
	res := e.comp.Compensate(ctx, run, def)
	if res.Status == schema.RunStatusFailed {
		run.Error = res.Err
		e.logger.ErrorContext(ctx, "run failed during compensation", "at_step", res.AtStep)
		return e.transition(ctx, run, schema.RunStatusFailed, map[string]any{"at_step": res.AtStep})
	}
	e.logger.InfoContext(ctx, "run compensated", "steps", len(res.Trace))
	return e.transition(ctx, run, schema.RunStatusCompensated, nil)
}

// transition moves the run to status, emitting its event, and persists it.
// Terminal runs are archived. Only an invalid transition or a failed persist
// stops it; a failed event append is logged.
func (e *Engine) transition(ctx context.Context, run *store.Run, to schema.RunStatus, payload map[string]any) error {
	if err := e.fsm.Transition(ctx, run.ID, run.Status, to, payload); err != nil {
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			return err
		}
		e.logger.WarnContext(ctx, "append transition event", "to", to, "error", err)
	}
	run.Status = to
	if to.Terminal() {
		now := e.clock.Now().UTC()
		run.CompletedAt = &now
		run.ArchivedAt = &now
		run.Cursor = ""
		run.TokenID = ""
		run.Pending = nil
	}
	return e.persist(ctx, run)
}

func (e *Engine) persist(ctx context.Context, run *store.Run) error {
	run.UpdatedAt = e.clock.Now().UTC()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist run: %s", err.Error()).WithCause(err)
	}
	return nil
}

// emit appends an audit event; failures are logged, not returned.
func (e *Engine) emit(ctx context.Context, runID, stepID, eventType string, payload map[string]any) {
	if err := emit(ctx, e.events, &store.Event{
		RunID:     runID,
		StepID:    stepID,
		TokenID:   logging.TokenID(ctx),
		Type:      eventType,
		Timestamp: e.clock.Now().UTC(),
	}, payload); err != nil {
		e.logger.WarnContext(ctx, "append event", "type", eventType, "error", err)
	}
}

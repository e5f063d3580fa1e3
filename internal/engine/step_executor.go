package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/internal/logging"
	"github.com/rendis/sagaflow/internal/operations"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// StepOutcome is the result of executing one step. Err is nil on success.
type StepOutcome struct {
	Input     any
	Output    any
	UndoState any
	Branch    string
	// Sleep > 0 means the step asked for a timer suspension before Output is recorded.
	Sleep time.Duration
	Err   *schema.SagaError
}

// StepExecutor runs a single step's forward action or operation. It never
// mutates the run; Record applies a successful outcome.
type StepExecutor struct {
	ops    *operations.Registry
	interp *expressions.Interpolator
	clock  clock.Clock
	logger *slog.Logger
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(ops *operations.Registry, clk clock.Clock, logger *slog.Logger) *StepExecutor {
	return &StepExecutor{
		ops:    ops,
		interp: expressions.NewInterpolator(),
		clock:  clk,
		logger: logger,
	}
}

// Execute runs step against run's current DataChain. Panics and errors from
// the step are converted into a StepOutcome.Err carrying the step id.
func (x *StepExecutor) Execute(ctx context.Context, run *store.Run, step *StepDefinition, attempt int) (out StepOutcome) {
	ctx = logging.WithStepID(ctx, step.ID)
	defer func() {
		if r := recover(); r != nil {
			x.logger.ErrorContext(ctx, "step panicked", "panic", r, "stack", string(debug.Stack()))
			out = StepOutcome{Err: schema.NewErrorf(schema.ErrCodeStepExecution, "step panicked: %v", r).WithStep(step.ID)}
		}
	}()

	if step.Operation != "" {
		out = x.executeOperation(ctx, run, step)
	} else {
		out = x.executeForward(ctx, run, step, attempt)
	}
	if out.Err != nil {
		return out
	}

	var err error
	if out.Output, err = expressions.Normalize(out.Output); err != nil {
		return StepOutcome{Err: stepError(step.ID, "output is not JSON-serializable", err)}
	}
	if out.UndoState, err = expressions.Normalize(out.UndoState); err != nil {
		return StepOutcome{Err: stepError(step.ID, "undo state is not JSON-serializable", err)}
	}
	return out
}

func (x *StepExecutor) executeForward(ctx context.Context, run *store.Run, step *StepDefinition, attempt int) StepOutcome {
	input, serr := x.resolveInput(ctx, run, step, run.Input)
	if serr != nil {
		return StepOutcome{Err: serr}
	}

	res, err := step.Forward(ctx, StepContext{
		RunID:    run.ID,
		Workflow: run.Workflow,
		StepID:   step.ID,
		Input:    input,
		Chain:    run.Chain.Clone(),
		Attempt:  attempt,
		Clock:    x.clock,
		Logger:   logging.LogWith(ctx, x.logger),
	})
	if err != nil {
		return StepOutcome{Err: stepError(step.ID, "forward action failed", err)}
	}
	return StepOutcome{Input: input, Output: res.Output, UndoState: res.UndoState}
}

func (x *StepExecutor) executeOperation(ctx context.Context, run *store.Run, step *StepDefinition) StepOutcome {
	scope := expressions.NewScope(run.Chain, run.Input, workflowVars(run))

	options, err := x.interp.Resolve(step.Options, scope)
	if err != nil {
		return StepOutcome{Err: schema.AsSagaError(err, schema.ErrCodeInterpolation).WithStep(step.ID)}
	}

	var decoded any = map[string]any{}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &decoded); err != nil {
			return StepOutcome{Err: schema.NewError(schema.ErrCodeValidation, "options are not valid JSON").WithStep(step.ID).WithCause(err)}
		}
	}
	input, serr := x.resolveInput(ctx, run, step, decoded)
	if serr != nil {
		return StepOutcome{Err: serr}
	}

	res, err := x.ops.Execute(ctx, step.Operation, options, scope)
	if err != nil {
		se := schema.AsSagaError(err, schema.ErrCodeStepExecution)
		switch se.Code {
		case schema.ErrCodeValidation, schema.ErrCodeUnknownBranch, schema.ErrCodeStepExecution:
			return StepOutcome{Err: se.WithStep(step.ID)}
		default:
			return StepOutcome{Err: stepError(step.ID, fmt.Sprintf("operation %q failed", step.Operation), err)}
		}
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("operation %q reported failure", step.Operation)
		}
		return StepOutcome{Err: schema.NewError(schema.ErrCodeStepExecution, msg).WithStep(step.ID)}
	}

	return StepOutcome{Input: input, Output: res.Data, Branch: res.Branch, Sleep: res.Sleep}
}

func (x *StepExecutor) resolveInput(ctx context.Context, run *store.Run, step *StepDefinition, fallback any) (any, *schema.SagaError) {
	if step.Input == nil {
		return fallback, nil
	}
	input, err := step.Input(ctx, InputContext{
		RunID:  run.ID,
		Input:  run.Input,
		Chain:  run.Chain.Clone(),
		StepID: step.ID,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "resolve step input: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return input, nil
}

// Record appends a successful outcome to the run's DataChain and completed
// log. The undo state defaults to the step input.
func (x *StepExecutor) Record(run *store.Run, stepID string, out StepOutcome) error {
	input, err := expressions.Normalize(out.Input)
	if err != nil {
		return stepError(stepID, "input is not JSON-serializable", err)
	}
	if err := run.Chain.Append(stepID, out.Output); err != nil {
		return schema.AsSagaError(err, schema.ErrCodeStepExecution).WithStep(stepID)
	}

	undo := out.UndoState
	if undo == nil {
		undo = input
	}
	output, _ := run.Chain.Get(stepID)
	run.Completed = append(run.Completed, store.CompletedStep{
		StepID:      stepID,
		Input:       input,
		Output:      output,
		UndoState:   undo,
		CompletedAt: x.clock.Now().UTC(),
	})
	return nil
}

// Kickoff builds the compensation entry for an async step whose forward
// action ran but whose signal never arrived. Its undo state defaults to the
// input, as in Record.
func (x *StepExecutor) Kickoff(p store.PendingStep) store.CompletedStep {
	input, err := expressions.Normalize(p.Input)
	if err != nil {
		input = p.Input
	}
	undo := p.UndoState
	if undo == nil {
		undo = input
	}
	return store.CompletedStep{
		StepID:      p.StepID,
		Input:       input,
		Output:      p.Output,
		UndoState:   undo,
		CompletedAt: x.clock.Now().UTC(),
	}
}

func stepError(stepID, msg string, cause error) *schema.SagaError {
	se := schema.NewErrorf(schema.ErrCodeStepExecution, "%s: %s", msg, cause.Error()).
		WithStep(stepID).WithCause(cause)
	var inner *schema.SagaError
	if errors.As(cause, &inner) {
		se.WithDetails(map[string]any{"cause_code": inner.Code})
	}
	return se
}

func workflowVars(run *store.Run) map[string]any {
	return map[string]any{"run_id": run.ID, "name": run.Workflow}
}

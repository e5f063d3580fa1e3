package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/benbjohnson/clock"

	"github.com/rendis/sagaflow/internal/logging"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// CompensationResult reports how unwinding a run ended.
type CompensationResult struct {
	// Status is compensated on full success, failed otherwise.
	Status schema.RunStatus  `json:"status"`
	AtStep string            `json:"at_step,omitempty"`
	Err    *schema.SagaError `json:"error,omitempty"`
	// Trace lists every completed step in unwind order with what happened to it.
	Trace []CompensationTrace `json:"trace"`
}

// CompensationTrace is one entry of the unwind.
type CompensationTrace struct {
	StepID string                   `json:"step_id"`
	State  schema.CompensationState `json:"state"`
	Error  string                   `json:"error,omitempty"`
}

// Compensator walks a run's completed-step log in reverse and undoes each step.
type Compensator struct {
	store  store.Store
	events EventAppender
	clock  clock.Clock
	logger *slog.Logger
}

// NewCompensator creates a Compensator.
func NewCompensator(s store.Store, events EventAppender, clk clock.Clock, logger *slog.Logger) *Compensator {
	return &Compensator{store: s, events: events, clock: clk, logger: logger}
}

// Compensate undoes the run's completed steps, last first. Each entry is
// marked and the run persisted before moving on, so a compensation restarted
// after a crash skips entries already undone. The first failing action stops
// the unwind. The run's status is left to the caller.
func (c *Compensator) Compensate(ctx context.Context, run *store.Run, def *WorkflowDefinition) CompensationResult {
	result := CompensationResult{Status: schema.RunStatusCompensated}

	for i := len(run.Completed) - 1; i >= 0; i-- {
		entry := &run.Completed[i]
		if entry.Compensation != schema.CompensationPending {
			result.Trace = append(result.Trace, CompensationTrace{StepID: entry.StepID, State: entry.Compensation})
			continue
		}

		trace, serr := c.Undo(ctx, run, def, entry)
		result.Trace = append(result.Trace, trace)
		if serr != nil {
			result.Status = schema.RunStatusFailed
			result.AtStep = entry.StepID
			result.Err = serr
			return result
		}
	}
	return result
}

// Undo runs the compensate action and subscribers of one entry, marks it and
// persists the run. The entry need not be on run.Completed yet; the runner
// uses that to undo a retried async kick-off.
func (c *Compensator) Undo(ctx context.Context, run *store.Run, def *WorkflowDefinition, entry *store.CompletedStep) (CompensationTrace, *schema.SagaError) {
	actions := undoActions(def, entry.StepID)

	ctx = logging.WithStepID(ctx, entry.StepID)
	eventType := schema.EventStepCompensated
	if len(actions) == 0 {
		entry.Compensation = schema.CompensationSkipped
		eventType = schema.EventStepCompensateSkipped
	} else if err := c.runActions(ctx, run, entry, actions); err != nil {
		entry.Compensation = schema.CompensationFailedState
		entry.CompensationError = err.Error()
		run.CompensationFailedAt = entry.StepID

		serr := schema.NewErrorf(schema.ErrCodeCompensation, "compensation failed at step %s: %s", entry.StepID, err.Error()).
			WithStep(entry.StepID).WithCause(err)
		if run.Error != nil {
			serr.WithDetails(map[string]any{"cause": run.Error})
		}

		c.logger.ErrorContext(ctx, "compensation failed", "error", err)
		c.persist(ctx, run)
		c.emit(ctx, run.ID, entry.StepID, schema.EventCompensationFailed, map[string]any{"error": entry.CompensationError})
		return CompensationTrace{StepID: entry.StepID, State: entry.Compensation, Error: entry.CompensationError}, serr
	} else {
		entry.Compensation = schema.CompensationDone
	}

	c.persist(ctx, run)
	c.emit(ctx, run.ID, entry.StepID, eventType, nil)
	return CompensationTrace{StepID: entry.StepID, State: entry.Compensation}, nil
}

// undoActions lists the step's compensate action followed by its subscribers.
func undoActions(def *WorkflowDefinition, stepID string) []CompensateFunc {
	step, _ := def.step(stepID)
	if step == nil {
		return nil
	}
	var actions []CompensateFunc
	if step.Compensate != nil {
		actions = append(actions, step.Compensate)
	}
	return append(actions, step.Subscribers...)
}

// runActions runs the step's compensate action and its subscribers in order,
// stopping at the first failure. Panics count as failures.
func (c *Compensator) runActions(ctx context.Context, run *store.Run, entry *store.CompletedStep, actions []CompensateFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "compensation panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()

	cc := CompensationContext{
		RunID:     run.ID,
		StepID:    entry.StepID,
		Input:     entry.Input,
		Output:    entry.Output,
		UndoState: entry.UndoState,
		Clock:     c.clock,
		Logger:    logging.LogWith(ctx, c.logger),
	}
	for _, action := range actions {
		if err := action(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compensator) persist(ctx context.Context, run *store.Run) {
	run.UpdatedAt = c.clock.Now().UTC()
	if err := c.store.UpdateRun(ctx, run); err != nil {
		c.logger.ErrorContext(ctx, "persist compensation progress", "error", err)
	}
}

func (c *Compensator) emit(ctx context.Context, runID, stepID, eventType string, payload map[string]any) {
	if err := emit(ctx, c.events, &store.Event{RunID: runID, StepID: stepID, Type: eventType, Timestamp: c.clock.Now().UTC()}, payload); err != nil {
		c.logger.WarnContext(ctx, "emit compensation event", "error", err)
	}
}

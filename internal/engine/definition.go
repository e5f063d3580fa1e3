package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/sagaflow/internal/expressions"
)

// End is the reserved Next/Branches target that finishes the run.
const End = "$end"

// WorkflowDefinition is a named, ordered list of steps. It must not be
// modified after it is registered in a Catalog.
type WorkflowDefinition struct {
	Name        string
	Description string
	// InputSchema is an optional JSON Schema the start input must satisfy.
	InputSchema json.RawMessage
	Steps       []StepDefinition
}

// StepDefinition is one step. Exactly one of Forward or Operation is set.
type StepDefinition struct {
	ID string

	// Forward is the step's business action.
	Forward ForwardFunc

	// Operation names a registry operation run with Options, which may hold
	// ${{ }} references resolved against the DataChain.
	Operation string
	Options   json.RawMessage

	// Compensate undoes the forward action. Subscribers run after it, in order.
	Compensate  CompensateFunc
	Subscribers []CompensateFunc

	// Async makes the step wait for an external signal after the forward
	// action (if any) has run as the kick-off.
	Async *AsyncPolicy

	// Next overrides the declared-order successor. Branches maps an
	// operation's selected branch to the next step id. Either may be End.
	Next     string
	Branches map[string]string

	// Input computes the step input. Without it a forward step receives the
	// workflow input and an operation step its resolved options.
	Input InputResolver
}

// AsyncPolicy bounds how long a step waits for its signal.
type AsyncPolicy struct {
	Timeout    time.Duration
	MaxRetries int
}

// ForwardFunc is a step's forward action.
type ForwardFunc func(ctx context.Context, sc StepContext) (StepResult, error)

// CompensateFunc undoes a completed step.
type CompensateFunc func(ctx context.Context, cc CompensationContext) error

// InputResolver derives a step's input from the workflow input and the
// outputs of earlier steps.
type InputResolver func(ctx context.Context, ic InputContext) (any, error)

// InputContext is what an InputResolver may read.
type InputContext struct {
	RunID  string
	Input  any
	Chain  *expressions.DataChain
	StepID string
}

// StepContext is passed to a forward action. Chain is a copy; writes to it
// do not reach the run.
type StepContext struct {
	RunID    string
	Workflow string
	StepID   string
	Input    any
	Chain    *expressions.DataChain
	// Attempt counts signal-token retries of an async step, starting at 0.
	Attempt int
	Clock   clock.Clock
	Logger  *slog.Logger
}

// StepResult is what a forward action returns on success.
type StepResult struct {
	Output any
	// UndoState is handed to compensation. When nil the step input is used.
	UndoState any
}

// CompensationContext is passed to compensating actions.
type CompensationContext struct {
	RunID     string
	StepID    string
	Input     any
	Output    any
	UndoState any
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (d *WorkflowDefinition) step(id string) (*StepDefinition, int) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], i
		}
	}
	return nil, -1
}

// successors lists the step ids a step can move to, excluding End.
func (d *WorkflowDefinition) successors(i int) []string {
	s := &d.Steps[i]
	var out []string
	switch {
	case len(s.Branches) > 0:
		for _, target := range s.Branches {
			if target != End {
				out = append(out, target)
			}
		}
		sort.Strings(out)
	case s.Next != "":
		if s.Next != End {
			out = append(out, s.Next)
		}
	case i+1 < len(d.Steps):
		out = append(out, d.Steps[i+1].ID)
	}
	return out
}

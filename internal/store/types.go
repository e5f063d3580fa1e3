package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/pkg/schema"
)

// Run is the persisted state of one workflow execution.
type Run struct {
	ID       string           `json:"id"`
	Workflow string           `json:"workflow"`
	Status   schema.RunStatus `json:"status"`
	// Cursor is the step the run is on (or suspended at). Empty once finished.
	Cursor string `json:"cursor,omitempty"`
	Input  any    `json:"input,omitempty"`
	// Chain holds the outputs of completed steps in completion order.
	Chain *expressions.DataChain `json:"chain"`
	// Completed is the append-only log compensation walks in reverse.
	Completed []CompletedStep `json:"completed"`
	// TokenID references the live suspension token while suspended.
	TokenID string `json:"token_id,omitempty"`
	// Pending holds the suspended step's kick-off result until its token resolves.
	Pending              *PendingStep      `json:"pending,omitempty"`
	Error                *schema.SagaError `json:"error,omitempty"`
	CompensationFailedAt string            `json:"compensation_failed_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	ArchivedAt           *time.Time        `json:"archived_at,omitempty"`
}

// CompletedStep records what compensation needs to undo one step.
type CompletedStep struct {
	StepID            string                   `json:"step_id"`
	Input             any                      `json:"input,omitempty"`
	Output            any                      `json:"output,omitempty"`
	UndoState         any                      `json:"undo_state,omitempty"`
	CompletedAt       time.Time                `json:"completed_at"`
	Compensation      schema.CompensationState `json:"compensation,omitempty"`
	CompensationError string                   `json:"compensation_error,omitempty"`
}

// PendingStep is the part of a step result known before its suspension resolves.
type PendingStep struct {
	StepID    string `json:"step_id"`
	Input     any    `json:"input,omitempty"`
	Output    any    `json:"output,omitempty"`
	UndoState any    `json:"undo_state,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// Token is a persisted suspension token.
type Token struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id"`
	StepID     string             `json:"step_id"`
	Kind       schema.TokenKind   `json:"kind"`
	Status     schema.TokenStatus `json:"status"`
	Attempt    int                `json:"attempt"`
	MaxRetries int                `json:"max_retries"`
	CreatedAt  time.Time          `json:"created_at"`
	Deadline   time.Time          `json:"deadline"`
	Outcome    *schema.Outcome    `json:"outcome,omitempty"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}

// RetriesLeft reports how many more times the token may be re-issued after expiry.
func (t *Token) RetriesLeft() int {
	if n := t.MaxRetries - t.Attempt; n > 0 {
		return n
	}
	return 0
}

// Event is an immutable entry in a run's event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	TokenID   string          `json:"token_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Flow is a versioned JSON flow document.
type Flow struct {
	Name       string          `json:"name"`
	Version    int             `json:"version"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status   schema.RunStatus
	Workflow string
	Limit    int
}

// TokenFilter narrows ListTokens. Zero values match everything.
type TokenFilter struct {
	Status    schema.TokenStatus
	RunID     string
	DueBefore *time.Time // deadline <= DueBefore
	Limit     int
}

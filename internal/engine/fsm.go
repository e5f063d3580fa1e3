package engine

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// EventAppender is satisfied by the Store and by decorators around it; the
// engine emits every event through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:      {schema.RunStatusSuspended, schema.RunStatusCompleted, schema.RunStatusCompensating},
	schema.RunStatusSuspended:    {schema.RunStatusRunning, schema.RunStatusCompensating, schema.RunStatusFailed},
	schema.RunStatusCompensating: {schema.RunStatusCompensated, schema.RunStatusFailed},
	schema.RunStatusCompleted:    {},
	schema.RunStatusCompensated:  {},
	schema.RunStatusFailed:       {},
}

// RunFSM validates run status transitions and emits one event per transition.
// The caller persists the new status.
type RunFSM struct {
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition checks from -> to and emits the matching event with payload.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload map[string]any) error {
	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(from, to)
	if eventType == "" {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(from)
	return emit(ctx, f.appender, &store.Event{RunID: runID, Type: eventType}, payload)
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusSuspended {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusCompensating:
		return schema.EventRunCompensating
	case schema.RunStatusCompensated:
		return schema.EventRunCompensated
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// emit encodes payload onto event and appends it.
func emit(ctx context.Context, appender EventAppender, event *store.Event, payload map[string]any) error {
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload: %s", event.Type, err.Error()).WithCause(err)
		}
		event.Payload = b
	}
	if err := appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", event.Type, err.Error()).
			WithStep(event.StepID).WithCause(err)
	}
	return nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// failAppender always returns an error.
type failAppender struct{}

func (failAppender) AppendEvent(context.Context, *store.Event) error {
	return errors.New("store unavailable")
}

func TestRunFSM_ValidTransitionsEmitEvents(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "r1", schema.RunStatusRunning, schema.RunStatusSuspended, nil))
	require.NoError(t, fsm.Transition(ctx, "r1", schema.RunStatusSuspended, schema.RunStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "r1", schema.RunStatusRunning, schema.RunStatusCompensating, map[string]any{"cause": "X"}))
	require.NoError(t, fsm.Transition(ctx, "r1", schema.RunStatusCompensating, schema.RunStatusCompensated, nil))

	assert.Equal(t, []string{
		schema.EventRunSuspended,
		schema.EventRunResumed,
		schema.EventRunCompensating,
		schema.EventRunCompensated,
	}, app.types())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(app.events[2].Payload, &payload))
	assert.Equal(t, "X", payload["cause"])
	assert.Equal(t, "running", payload["from"])
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	fsm := NewRunFSM(&mockAppender{})
	ctx := context.Background()

	cases := []struct{ from, to schema.RunStatus }{
		{schema.RunStatusRunning, schema.RunStatusFailed},
		{schema.RunStatusRunning, schema.RunStatusCompensated},
		{schema.RunStatusSuspended, schema.RunStatusCompleted},
		{schema.RunStatusCompensating, schema.RunStatusRunning},
		{schema.RunStatusCompleted, schema.RunStatusRunning},
		{schema.RunStatusCompensated, schema.RunStatusCompensating},
		{schema.RunStatusFailed, schema.RunStatusRunning},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "r1", tc.from, tc.to, nil)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", tc.from, tc.to)
	}
}

func TestRunFSM_EmitFailure(t *testing.T) {
	fsm := NewRunFSM(failAppender{})
	err := fsm.Transition(context.Background(), "r1", schema.RunStatusRunning, schema.RunStatusCompleted, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestRunTransitionTable_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.RunStatus{
		schema.RunStatusRunning, schema.RunStatusSuspended, schema.RunStatusCompleted,
		schema.RunStatusFailed, schema.RunStatusCompensating, schema.RunStatusCompensated,
	} {
		allowed, ok := ValidRunTransitions[s]
		assert.True(t, ok, "missing status %s", s)
		if s.Terminal() {
			assert.Empty(t, allowed, "terminal status %s must have no transitions", s)
		}
	}
}

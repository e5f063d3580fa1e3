package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/internal/operations"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/internal/validation"
)

var testEpoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type harness struct {
	eng   *Engine
	store *store.MemoryStore
	clock *clock.Mock
	cat   *Catalog
}

func newHarness(t *testing.T, defs ...WorkflowDefinition) *harness {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	ops, err := operations.NewDefaultRegistry(v, operations.Config{MaxSleep: time.Hour})
	require.NoError(t, err)

	cat := NewCatalog(ops, v)
	for _, d := range defs {
		require.NoError(t, cat.Register(d))
	}

	mock := clock.NewMock()
	mock.Set(testEpoch)
	mem := store.NewMemoryStore()
	eng := New(Deps{
		Store:   mem,
		Catalog: cat,
		Clock:   mock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{PoolSize: 4})
	t.Cleanup(eng.Close)

	return &harness{eng: eng, store: mem, clock: mock, cat: cat}
}

func (h *harness) run(t *testing.T, id string) *store.Run {
	t.Helper()
	r, err := h.eng.Status(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := h.eng.Events(context.Background(), runID, 0)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// recorder captures forward and compensation calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	undo  map[string]any
}

func newRecorder() *recorder { return &recorder{undo: map[string]any{}} }

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) forward(id string, output any) ForwardFunc {
	return func(ctx context.Context, sc StepContext) (StepResult, error) {
		r.add("fwd:" + id)
		return StepResult{Output: output}, nil
	}
}

func (r *recorder) compensate(id string) CompensateFunc {
	return func(ctx context.Context, cc CompensationContext) error {
		r.mu.Lock()
		r.undo[id] = cc.UndoState
		r.mu.Unlock()
		r.add("comp:" + id)
		return nil
	}
}

func (r *recorder) step(id string, output any) StepDefinition {
	return StepDefinition{ID: id, Forward: r.forward(id, output), Compensate: r.compensate(id)}
}

func failingForward(msg string) ForwardFunc {
	return func(ctx context.Context, sc StepContext) (StepResult, error) {
		return StepResult{}, errors.New(msg)
	}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// newChain builds a chain from alternating step IDs and outputs.
func newChain(t *testing.T, pairs ...any) *expressions.DataChain {
	t.Helper()
	chain := expressions.NewDataChain()
	for i := 0; i+1 < len(pairs); i += 2 {
		require.NoError(t, chain.Append(pairs[i].(string), pairs[i+1]))
	}
	return chain
}

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/pkg/schema"
)

func newTestLibSQL(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("libsql", func(t *testing.T) { fn(t, newTestLibSQL(t)) })
}

func seedRun(t *testing.T, s Store, workflow string) *Run {
	t.Helper()
	chain := expressions.NewDataChain()
	require.NoError(t, chain.Append("a", map[string]any{"n": 1}))
	r := &Run{
		ID:       uuid.New().String(),
		Workflow: workflow,
		Status:   schema.RunStatusRunning,
		Cursor:   "b",
		Input:    map[string]any{"x": "y"},
		Chain:    chain,
		Completed: []CompletedStep{
			{StepID: "a", Input: map[string]any{"k": "v"}, Output: map[string]any{"n": 1}, CompletedAt: time.Now().UTC()},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func seedToken(t *testing.T, s Store, runID string, deadline time.Time) *Token {
	t.Helper()
	tok := &Token{
		ID:         uuid.New().String(),
		RunID:      runID,
		StepID:     "b",
		Kind:       schema.TokenKindSignal,
		Status:     schema.TokenStatusWaiting,
		MaxRetries: 2,
		CreatedAt:  time.Now().UTC(),
		Deadline:   deadline,
	}
	require.NoError(t, s.CreateToken(context.Background(), tok))
	return tok
}

func TestRunRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRun(t, s, "orders")

		got, err := s.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, "orders", got.Workflow)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.Equal(t, "b", got.Cursor)
		assert.Equal(t, map[string]any{"x": "y"}, got.Input)
		require.Len(t, got.Completed, 1)
		assert.Equal(t, "a", got.Completed[0].StepID)

		out, ok := got.Chain.Get("a")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"n": float64(1)}, out)
	})
}

func TestRunNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetRun(context.Background(), "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

		err = s.UpdateRun(context.Background(), &Run{ID: "missing", Status: schema.RunStatusFailed})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestUpdateRun(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRun(t, s, "orders")

		now := time.Now().UTC()
		r.Status = schema.RunStatusFailed
		r.Cursor = ""
		r.Error = schema.NewError(schema.ErrCodeStepExecution, "boom").WithStep("b")
		r.CompletedAt = &now
		r.Completed[0].Compensation = schema.CompensationDone
		require.NoError(t, s.UpdateRun(ctx, r))

		got, err := s.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusFailed, got.Status)
		assert.Empty(t, got.Cursor)
		require.NotNil(t, got.Error)
		assert.Equal(t, schema.ErrCodeStepExecution, got.Error.Code)
		assert.Equal(t, "b", got.Error.StepID)
		require.NotNil(t, got.CompletedAt)
		assert.Equal(t, schema.CompensationDone, got.Completed[0].Compensation)
	})
}

func TestListRunsFilter(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRun(t, s, "orders")
		seedRun(t, s, "orders")
		other := seedRun(t, s, "billing")
		other.Status = schema.RunStatusCompleted
		require.NoError(t, s.UpdateRun(ctx, other))

		runs, err := s.ListRuns(ctx, RunFilter{Workflow: "orders"})
		require.NoError(t, err)
		assert.Len(t, runs, 2)

		runs, err = s.ListRuns(ctx, RunFilter{Status: schema.RunStatusCompleted})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, other.ID, runs[0].ID)

		runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRun(t, s, "orders")
		deadline := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
		tok := seedToken(t, s, r.ID, deadline)

		got, err := s.GetToken(ctx, tok.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.RunID)
		assert.Equal(t, schema.TokenKindSignal, got.Kind)
		assert.Equal(t, schema.TokenStatusWaiting, got.Status)
		assert.Equal(t, 2, got.RetriesLeft())
		assert.True(t, deadline.Equal(got.Deadline), "deadline %v != %v", deadline, got.Deadline)
		assert.Nil(t, got.Outcome)

		_, err = s.GetToken(ctx, "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestResolveToken(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRun(t, s, "orders")
		tok := seedToken(t, s, r.ID, time.Now().Add(time.Hour))

		out := schema.SuccessOutcome(map[string]any{"approved": true})
		got, err := s.ResolveToken(ctx, tok.ID, schema.TokenStatusSignaled, &out, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, schema.TokenStatusSignaled, got.Status)
		require.NotNil(t, got.Outcome)
		assert.True(t, got.Outcome.Success)
		assert.Equal(t, map[string]any{"approved": true}, got.Outcome.Output)
		assert.NotNil(t, got.ResolvedAt)

		_, err = s.ResolveToken(ctx, tok.ID, schema.TokenStatusExpired, nil, time.Now().UTC())
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyResolved))

		_, err = s.ResolveToken(ctx, "missing", schema.TokenStatusSignaled, nil, time.Now().UTC())
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestResolveToken_ConcurrentSingleWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRun(t, s, "orders")
		tok := seedToken(t, s, r.ID, time.Now().Add(time.Hour))

		const n = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			resolved int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out := schema.SuccessOutcome(nil)
				_, err := s.ResolveToken(ctx, tok.ID, schema.TokenStatusSignaled, &out, time.Now().UTC())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case schema.IsCode(err, schema.ErrCodeAlreadyResolved):
					resolved++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, n-1, resolved)
	})
}

func TestListTokensDue(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRun(t, s, "orders")
		now := time.Now().UTC()
		past := seedToken(t, s, r.ID, now.Add(-time.Minute))
		earlier := seedToken(t, s, r.ID, now.Add(-time.Hour))
		seedToken(t, s, r.ID, now.Add(time.Hour))

		due, err := s.ListTokens(ctx, TokenFilter{Status: schema.TokenStatusWaiting, DueBefore: &now})
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, earlier.ID, due[0].ID, "earliest deadline first")
		assert.Equal(t, past.ID, due[1].ID)

		_, err = s.ResolveToken(ctx, earlier.ID, schema.TokenStatusExpired, nil, now)
		require.NoError(t, err)

		due, err = s.ListTokens(ctx, TokenFilter{Status: schema.TokenStatusWaiting, DueBefore: &now})
		require.NoError(t, err)
		assert.Len(t, due, 1)

		all, err := s.ListTokens(ctx, TokenFilter{RunID: r.ID})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestEvents_MonotonicSequencePerRun(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r1 := seedRun(t, s, "orders")
		r2 := seedRun(t, s, "orders")

		for i := 0; i < 3; i++ {
			e := &Event{RunID: r1.ID, StepID: "a", Type: schema.EventStepStarted}
			require.NoError(t, s.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
		}
		e := &Event{RunID: r2.ID, Type: schema.EventRunStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(1), e.Sequence)

		events, err := s.GetEvents(ctx, r1.ID, 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Sequence)
		assert.Equal(t, int64(3), events[1].Sequence)
	})
}

func TestEvents_ConcurrentAppend(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRun(t, s, "orders")

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Type: schema.EventStepStarted, StepID: "a"}))
			}()
		}
		wg.Wait()

		events, err := s.GetEvents(ctx, r.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})
}

func TestFlowVersions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		v1 := &Flow{Name: "approve", Definition: json.RawMessage(`{"name":"approve","steps":[]}`)}
		require.NoError(t, s.SaveFlow(ctx, v1))
		assert.Equal(t, 1, v1.Version)

		v2 := &Flow{Name: "approve", Definition: json.RawMessage(`{"name":"approve","description":"v2","steps":[]}`)}
		require.NoError(t, s.SaveFlow(ctx, v2))
		assert.Equal(t, 2, v2.Version)

		require.NoError(t, s.SaveFlow(ctx, &Flow{Name: "archive", Definition: json.RawMessage(`{}`)}))

		latest, err := s.GetFlow(ctx, "approve", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)
		assert.JSONEq(t, string(v2.Definition), string(latest.Definition))

		first, err := s.GetFlow(ctx, "approve", 1)
		require.NoError(t, err)
		assert.JSONEq(t, string(v1.Definition), string(first.Definition))

		_, err = s.GetFlow(ctx, "approve", 9)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		_, err = s.GetFlow(ctx, "nope", 0)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

		flows, err := s.ListFlows(ctx)
		require.NoError(t, err)
		require.Len(t, flows, 2)
		assert.Equal(t, "approve", flows[0].Name)
		assert.Equal(t, 2, flows[0].Version)
		assert.Equal(t, "archive", flows[1].Name)
	})
}

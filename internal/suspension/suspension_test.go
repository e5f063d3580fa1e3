package suspension

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock, string) {
	t.Helper()
	mem := store.NewMemoryStore()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	runID := uuid.New().String()
	require.NoError(t, mem.CreateRun(context.Background(), &store.Run{
		ID: runID, Workflow: "wf", Status: schema.RunStatusSuspended, CreatedAt: mock.Now(),
	}))
	return New(mem, mock), mock, runID
}

func TestSuspend_SetsDeadline(t *testing.T) {
	s, mock, runID := newTestStore(t)
	ctx := context.Background()

	tok, err := s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "b", Timeout: time.Hour, MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, schema.TokenStatusWaiting, tok.Status)
	assert.Equal(t, schema.TokenKindSignal, tok.Kind)
	assert.Equal(t, mock.Now().Add(time.Hour), tok.Deadline)
	assert.Equal(t, 1, tok.RetriesLeft())

	got, err := s.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
}

func TestSuspend_RejectsBadRequests(t *testing.T) {
	s, _, runID := newTestStore(t)
	ctx := context.Background()

	_, err := s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "b"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "b", Timeout: time.Second, MaxRetries: -1})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = s.Suspend(ctx, SuspendRequest{StepID: "b", Timeout: time.Second})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSignal_ResolvesOnce(t *testing.T) {
	s, _, runID := newTestStore(t)
	ctx := context.Background()
	tok, err := s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "b", Timeout: time.Hour})
	require.NoError(t, err)

	got, err := s.Signal(ctx, tok.ID, schema.SuccessOutcome(map[string]any{"x": 1.0}))
	require.NoError(t, err)
	assert.Equal(t, schema.TokenStatusSignaled, got.Status)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, map[string]any{"x": 1.0}, got.Outcome.Output)

	_, err = s.Signal(ctx, tok.ID, schema.SuccessOutcome(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyResolved))

	_, err = s.Cancel(ctx, tok.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyResolved))
}

func TestSignal_UnknownToken(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Signal(context.Background(), "missing", schema.SuccessOutcome(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestSignal_PastDeadlineExpiresToken(t *testing.T) {
	s, mock, runID := newTestStore(t)
	ctx := context.Background()
	tok, err := s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "b", Timeout: time.Minute})
	require.NoError(t, err)

	mock.Add(time.Minute)

	got, err := s.Signal(ctx, tok.ID, schema.SuccessOutcome(nil))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSuspensionExpired))
	require.NotNil(t, got)
	assert.Equal(t, schema.TokenStatusExpired, got.Status)

	// The sweep must not fire a second expiry for the same token.
	swept, err := s.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestSignal_TimerTokenRejected(t *testing.T) {
	s, _, runID := newTestStore(t)
	ctx := context.Background()
	tok, err := s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "nap", Kind: schema.TokenKindTimer, Timeout: time.Minute})
	require.NoError(t, err)

	_, err = s.Signal(ctx, tok.ID, schema.SuccessOutcome(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	got, err := s.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TokenStatusWaiting, got.Status)
}

func TestCancel(t *testing.T) {
	s, _, runID := newTestStore(t)
	ctx := context.Background()
	tok, err := s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "b", Timeout: time.Hour})
	require.NoError(t, err)

	got, err := s.Cancel(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TokenStatusCancelled, got.Status)

	_, err = s.Signal(ctx, tok.ID, schema.SuccessOutcome(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyResolved))
}

func TestExpireDue_Idempotent(t *testing.T) {
	s, mock, runID := newTestStore(t)
	ctx := context.Background()

	short, err := s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "a", Timeout: time.Minute})
	require.NoError(t, err)
	_, err = s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "b", Timeout: time.Hour})
	require.NoError(t, err)

	swept, err := s.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, swept, "nothing due yet")

	mock.Add(2 * time.Minute)

	swept, err = s.ExpireDue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, short.ID, swept[0].ID)
	assert.Equal(t, schema.TokenStatusExpired, swept[0].Status)

	swept, err = s.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestExpireDue_RacesSignalOnce(t *testing.T) {
	s, mock, runID := newTestStore(t)
	ctx := context.Background()
	tok, err := s.Suspend(ctx, SuspendRequest{RunID: runID, StepID: "b", Timeout: time.Minute})
	require.NoError(t, err)
	mock.Add(time.Minute)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		expiries int
	)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			swept, err := s.ExpireDue(ctx, 0)
			assert.NoError(t, err)
			mu.Lock()
			expiries += len(swept)
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			_, err := s.Signal(ctx, tok.ID, schema.SuccessOutcome(nil))
			if schema.IsCode(err, schema.ErrCodeSuspensionExpired) {
				mu.Lock()
				expiries++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, expiries)
}

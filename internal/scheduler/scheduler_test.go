package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/sagaflow/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSweeper counts sweeps and can block or fail them.
type fakeSweeper struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
}

func (f *fakeSweeper) Sweep(ctx context.Context) (*engine.SweepReport, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	return &engine.SweepReport{Expired: n}, f.err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestParseSchedule(t *testing.T) {
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		spec string
		want time.Time
	}{
		{"@every 5s", from.Add(5 * time.Second)},
		{"*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"30 * * * * *", from.Add(30 * time.Second)},
		{"@hourly", from.Add(time.Hour)},
	}
	for _, tt := range tests {
		sched, err := ParseSchedule(tt.spec)
		require.NoError(t, err, tt.spec)
		assert.Equal(t, tt.want, sched.Next(from), tt.spec)
	}

	_, err := ParseSchedule("whenever")
	assert.Error(t, err)
}

func TestNew_DefaultsAndErrors(t *testing.T) {
	s, err := New(&fakeSweeper{}, "", nil, nil)
	require.NoError(t, err)
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(time.Second), s.NextSweep(from))

	_, err = New(&fakeSweeper{}, "not a schedule", nil, nil)
	assert.Error(t, err)
}

func TestRunOnce_ReturnsReport(t *testing.T) {
	sw := &fakeSweeper{}
	s, err := New(sw, "@every 1s", clock.NewMock(), slog.Default())
	require.NoError(t, err)

	report := s.RunOnce(context.Background())
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Expired)
}

func TestRunOnce_ErrorIsLoggedNotFatal(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("db locked")}
	s, err := New(sw, "@every 1s", clock.NewMock(), slog.Default())
	require.NoError(t, err)

	assert.NotNil(t, s.RunOnce(context.Background()))
	assert.NotNil(t, s.RunOnce(context.Background()))
	assert.Equal(t, 2, sw.count())
}

func TestRunOnce_SkipsWhileSweeping(t *testing.T) {
	sw := &fakeSweeper{release: make(chan struct{})}
	s, err := New(sw, "@every 1s", clock.NewMock(), slog.Default())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunOnce(context.Background())
	}()
	require.Eventually(t, func() bool { return sw.count() == 1 }, time.Second, time.Millisecond)

	assert.Nil(t, s.RunOnce(context.Background()), "overlapping sweep is skipped")
	close(sw.release)
	<-done
	assert.Equal(t, 1, sw.count())
}

func TestStart_SweepsOnSchedule(t *testing.T) {
	sw := &fakeSweeper{}
	mock := clock.NewMock()
	s, err := New(sw, "@every 10s", mock, slog.Default())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return sw.count() >= 1 }, time.Second, time.Millisecond, "initial sweep")

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return sw.count() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	after := sw.count()
	mock.Add(time.Minute)
	assert.Equal(t, after, sw.count(), "no sweeps after Stop")
}

func TestStart_Twice(t *testing.T) {
	s, err := New(&fakeSweeper{}, "@every 1s", clock.NewMock(), slog.Default())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}

func TestStop_WithoutStart(t *testing.T) {
	s, err := New(&fakeSweeper{}, "@every 1s", clock.NewMock(), slog.Default())
	require.NoError(t, err)
	s.Stop()
}

func TestStart_ParentContextCancels(t *testing.T) {
	sw := &fakeSweeper{}
	s, err := New(sw, "@every 1s", clock.NewMock(), slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return sw.count() >= 1 }, time.Second, time.Millisecond)
	cancel()
	s.Stop()
}

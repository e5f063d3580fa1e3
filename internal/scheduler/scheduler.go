// Package scheduler drives the periodic expiry sweep: on every tick of a cron
// schedule it asks the engine to expire overdue suspension tokens and apply
// their consequences.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/rendis/sagaflow/internal/engine"
)

// DefaultSchedule sweeps once a second.
const DefaultSchedule = "@every 1s"

// ExpirySweeper is the part of the engine the scheduler drives.
// Satisfied by *engine.Engine.
type ExpirySweeper interface {
	Sweep(ctx context.Context) (*engine.SweepReport, error)
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression (optional seconds field) or a
// descriptor such as "@every 5s" or "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler runs the sweep on a schedule until stopped.
type Scheduler struct {
	sweeper  ExpirySweeper
	schedule cron.Schedule
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sweepMu  sync.Mutex
	sweeping bool
}

// New creates a Scheduler. An empty spec uses DefaultSchedule; a nil clock
// uses the wall clock.
func New(sweeper ExpirySweeper, spec string, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: sweeper, schedule: sched, clock: clk, logger: logger}, nil
}

// Start launches the background loop. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("sweep scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.RunOnce(ctx)
	for {
		now := s.clock.Now()
		timer := s.clock.Timer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep unless another is still in progress, in which
// case it returns nil without sweeping.
func (s *Scheduler) RunOnce(ctx context.Context) *engine.SweepReport {
	if !s.tryAcquire() {
		s.logger.Debug("sweep already in progress, skipping tick")
		return nil
	}
	defer s.release()

	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
	}
	return report
}

func (s *Scheduler) tryAcquire() bool {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweeping {
		return false
	}
	s.sweeping = true
	return true
}

func (s *Scheduler) release() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	s.sweeping = false
}

// NextSweep reports when the sweep after from is due.
func (s *Scheduler) NextSweep(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("sweep scheduler stopped")
}

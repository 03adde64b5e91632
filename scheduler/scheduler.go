// Package scheduler runs the iteration engine on a fixed cadence,
// absorbing slow iterations without ever letting two iterations overlap.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nbari/dbpulse/probe"
)

// Scheduler drives a single probe.Engine. Exactly one goroutine runs the
// loop; Start and Stop are idempotent.
type Scheduler struct {
	engine   *probe.Engine
	interval time.Duration
	logger   *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New builds a Scheduler that will run engine every interval.
func New(engine *probe.Engine, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop in a background goroutine. Calling Start more
// than once is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)
}

// Stop cancels the loop and waits for the in-flight iteration (if any)
// to finish. Calling Stop more than once is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// run is the non-overlapping cooperative loop: run one iteration, sleep
// the remainder of the interval (or the full interval after a panic),
// then check for shutdown.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		startedAt := time.Now()
		outcome := s.engine.Run(ctx)
		elapsed := time.Since(startedAt)

		var sleepFor time.Duration
		if outcome.Panicked {
			// Always the full interval after a panic, to prevent panic
			// loops from hammering a misbehaving database.
			sleepFor = s.interval
		} else {
			remaining := s.interval - elapsed
			if remaining <= 0 {
				s.logger.Warn("iteration ran back-to-back with no idle time",
					"database", s.engine.Dialect.Name(), "elapsed", elapsed, "interval", s.interval)
				sleepFor = 0
			} else {
				sleepFor = remaining
			}
		}

		if sleepFor > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleepFor):
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

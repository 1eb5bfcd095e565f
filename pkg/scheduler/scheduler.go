// Package scheduler drives periodic reconciliation from a single goroutine.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

const (
	DefaultInterval = 10 * time.Minute
	DefaultPoll     = time.Second
)

// Reconciler is the unit of work run on every tick.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Options configures a Scheduler.
type Options struct {
	// Interval is measured from the end of one run to the start of the next.
	Interval time.Duration
	// Poll is how often the scheduler checks whether a run is due.
	Poll  time.Duration
	Clock clock.WithTicker
}

type Scheduler struct {
	reconciler Reconciler
	logger     *slog.Logger
	interval   time.Duration
	poll       time.Duration
	clock      clock.WithTicker
}

func New(reconciler Reconciler, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	return &Scheduler{
		reconciler: reconciler,
		logger:     logger,
		interval:   opts.Interval,
		poll:       opts.Poll,
		clock:      opts.Clock,
	}
}

// Run reconciles once immediately and then every interval until ctx is done. Failed
// runs are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "interval", s.interval)

	s.runOnce(ctx)
	last := s.clock.Now()

	ticker := s.clock.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C():
			if s.clock.Since(last) < s.interval {
				continue
			}
			s.runOnce(ctx)
			last = s.clock.Now()
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := s.clock.Now()
	if err := s.reconciler.Reconcile(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("Reconcile failed", "error", err)
		return
	}
	s.logger.Debug("Reconcile completed", "duration", s.clock.Since(start))
}

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"coupon-orchestrator/pkg/models"

	"k8s.io/utils/clock"
)

// DefaultTimeout bounds the runtime of one worker.
const DefaultTimeout = 30 * time.Minute

// Launcher starts a worker for a coupon type behind a proxy.
type Launcher interface {
	Launch(ctx context.Context, couponType string, proxy *models.Proxy) (Process, error)
}

// StockCounter reports how many usable codes of a type are in stock.
type StockCounter interface {
	StockCount(ctx context.Context, couponType string) (int, error)
}

// Leaser hands out proxies. Lease may block until one is available.
type Leaser interface {
	Lease(ctx context.Context) (*models.Proxy, error)
}

// Options configures a Supervisor.
type Options struct {
	// ActiveTypes are refilled in order while their stock is below MinStock.
	ActiveTypes []string
	// DefaultType is run when every active type is stocked.
	DefaultType string
	MinStock    int
	Timeout     time.Duration
	// Each launch waits a random duration in [JitterMin, JitterMax].
	JitterMin time.Duration
	JitterMax time.Duration
	Clock     clock.Clock
	Rand      *rand.Rand
}

// Supervisor runs at most one worker session at a time and replaces it when it
// finishes or overruns its timeout. Reconcile is meant to be driven by a single
// goroutine; Snapshot may be called concurrently.
type Supervisor struct {
	launcher Launcher
	stock    StockCounter
	leaser   Leaser
	logger   *slog.Logger

	activeTypes []string
	defaultType string
	minStock    int
	timeout     time.Duration
	jitterMin   time.Duration
	jitterMax   time.Duration
	clock       clock.Clock
	rng         *rand.Rand

	mu      sync.Mutex
	ready   []*Session
	running []*Session
	done    []*Session
}

func NewSupervisor(launcher Launcher, stock StockCounter, leaser Leaser, logger *slog.Logger, opts Options) *Supervisor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.JitterMax < opts.JitterMin {
		opts.JitterMax = opts.JitterMin
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Supervisor{
		launcher:    launcher,
		stock:       stock,
		leaser:      leaser,
		logger:      logger,
		activeTypes: opts.ActiveTypes,
		defaultType: opts.DefaultType,
		minStock:    opts.MinStock,
		timeout:     opts.Timeout,
		jitterMin:   opts.JitterMin,
		jitterMax:   opts.JitterMax,
		clock:       opts.Clock,
		rng:         opts.Rand,
	}
}

// Reconcile advances every session by one step: overrun workers are killed, exited
// ones are retired, and when nothing is running or queued a new session is leased a
// proxy and launched.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	if s.sweep() {
		couponType, err := s.chooseType(ctx)
		if err != nil {
			return err
		}

		proxy, err := s.leaser.Lease(ctx)
		if err != nil {
			return fmt.Errorf("failed to lease proxy: %w", err)
		}

		session := newSession(couponType, proxy)
		s.mu.Lock()
		s.ready = append(s.ready, session)
		s.mu.Unlock()

		s.logger.Info("Session created", "session", session.ID, "couponType", couponType, "proxy", proxy.String())
	}

	return s.launchReady(ctx)
}

// sweep retires last cycle's terminal sessions and checks the running ones. It
// reports whether a new session is needed.
func (s *Supervisor) sweep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done = nil
	now := s.clock.Now()

	running := s.running[:0]
	for _, session := range s.running {
		elapsed, err := session.Elapsed(now)
		if err != nil {
			continue
		}

		if elapsed > s.timeout {
			if err := session.Kill(); err != nil {
				s.logger.Error("Failed to kill session", "session", session.ID, "error", err)
			}
			s.logger.Warn("Session timed out and was killed",
				"session", session.ID,
				"couponType", session.CouponType,
				"elapsed", elapsed)
			s.done = append(s.done, session)
			continue
		}

		completed, err := session.Completed()
		if err == nil && completed {
			s.logger.Info("Session finished",
				"session", session.ID,
				"couponType", session.CouponType,
				"runtime", session.process.Runtime())
			s.done = append(s.done, session)
			continue
		}

		running = append(running, session)
	}
	s.running = running

	return len(s.running) == 0 && len(s.ready) == 0
}

// chooseType returns the first active type that is low on stock, else the default.
func (s *Supervisor) chooseType(ctx context.Context) (string, error) {
	for _, couponType := range s.activeTypes {
		stock, err := s.stock.StockCount(ctx, couponType)
		if err != nil {
			return "", fmt.Errorf("failed to count stock for %s: %w", couponType, err)
		}
		if stock < s.minStock {
			s.logger.Info("Coupon type below minimum stock", "couponType", couponType, "stock", stock, "minStock", s.minStock)
			return couponType, nil
		}
	}

	s.logger.Debug("All active coupon types stocked", "defaultType", s.defaultType)
	return s.defaultType, nil
}

// launchReady starts queued sessions while nothing is running. A failed launch leaves
// the session queued for the next cycle.
func (s *Supervisor) launchReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.running) > 0 || len(s.ready) == 0 {
			s.mu.Unlock()
			return nil
		}
		session := s.ready[0]
		s.mu.Unlock()

		jitter := s.jitter()
		s.logger.Debug("Waiting before launch", "session", session.ID, "jitter", jitter)
		if err := s.wait(ctx, jitter); err != nil {
			return err
		}

		process, err := s.launcher.Launch(ctx, session.CouponType, session.Proxy)
		if err != nil {
			return fmt.Errorf("failed to launch session %s: %w", session.ID, err)
		}

		s.mu.Lock()
		session.start(process, s.clock.Now())
		s.ready = s.ready[1:]
		s.running = append(s.running, session)
		s.mu.Unlock()

		s.logger.Info("Session started", "session", session.ID, "couponType", session.CouponType)
	}
}

func (s *Supervisor) jitter() time.Duration {
	span := s.jitterMax - s.jitterMin
	if span <= 0 {
		return s.jitterMin
	}
	return s.jitterMin + time.Duration(s.rng.Int63n(int64(span)+1))
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

// Shutdown kills every running worker and forgets all sessions.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.running {
		if err := session.Kill(); err != nil {
			s.logger.Error("Failed to kill session", "session", session.ID, "error", err)
			continue
		}
		s.logger.Info("Session killed on shutdown", "session", session.ID)
	}

	s.ready = nil
	s.running = nil
	s.done = nil
}

// Snapshot lists the queued, running and last cycle's terminal sessions.
func (s *Supervisor) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]Info, 0, len(s.ready)+len(s.running)+len(s.done))
	for _, group := range [][]*Session{s.running, s.ready, s.done} {
		for _, session := range group {
			infos = append(infos, session.info())
		}
	}
	return infos
}

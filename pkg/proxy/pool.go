package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"coupon-orchestrator/pkg/models"

	"k8s.io/utils/clock"
)

// DefaultRetryDelay is how long Lease waits before polling an empty pool again.
const DefaultRetryDelay = 5 * time.Second

// Store is the persistence the pool needs.
type Store interface {
	ReplaceProxies(ctx context.Context, proxies []models.Proxy) (int, error)
	LeaseProxy(ctx context.Context, now time.Time) (*models.Proxy, error)
}

// Options configures a Pool.
type Options struct {
	// Primary allows Resync on this instance.
	Primary bool
	// SnapshotPath receives the expanded source as JSON before every resync. Empty disables it.
	SnapshotPath string
	RetryDelay   time.Duration
	Clock        clock.Clock
	Rand         *rand.Rand
}

// Pool leases proxy endpoints least-recently-used first and rebuilds the endpoint set
// from a provider source.
type Pool struct {
	store  Store
	logger *slog.Logger

	primary      bool
	snapshotPath string
	retryDelay   time.Duration
	clock        clock.Clock

	// mu makes Resync exclusive with respect to Lease; it also guards rng.
	mu  sync.Mutex
	rng *rand.Rand
}

func NewPool(store Store, logger *slog.Logger, opts Options) *Pool {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Pool{
		store:        store,
		logger:       logger,
		primary:      opts.Primary,
		snapshotPath: opts.SnapshotPath,
		retryDelay:   opts.RetryDelay,
		clock:        opts.Clock,
		rng:          opts.Rand,
	}
}

// Primary reports whether this pool may resync.
func (p *Pool) Primary() bool {
	return p.primary
}

// Resync replaces the endpoint set with the expansion of the given source lines and
// returns the number of leasable endpoints afterwards.
func (p *Pool) Resync(ctx context.Context, lines []string) (int, error) {
	if !p.primary {
		p.logger.Info("Proxy updates are disabled for this instance")
		return 0, ErrNotPrimary
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	proxies, err := ParseSource(lines, p.rng)
	if err != nil {
		return 0, err
	}
	p.logger.Info("Loaded proxies from source", "lines", len(lines), "proxies", len(proxies))

	if err := p.writeSnapshot(proxies); err != nil {
		return 0, err
	}

	active, err := p.store.ReplaceProxies(ctx, proxies)
	if err != nil {
		return 0, fmt.Errorf("failed to update proxy database: %w", err)
	}

	p.logger.Info("Proxy database updated", "active", active)
	return active, nil
}

// ResyncFile runs Resync over the lines of a source file.
func (p *Pool) ResyncFile(ctx context.Context, filename string) (int, error) {
	if !p.primary {
		p.logger.Info("Proxy updates are disabled for this instance")
		return 0, ErrNotPrimary
	}

	lines, err := ReadSourceFile(filename)
	if err != nil {
		return 0, err
	}
	return p.Resync(ctx, lines)
}

// Lease returns the least recently used active endpoint, stamping it as used now.
// While the pool is empty it polls every retry delay until ctx is done.
func (p *Pool) Lease(ctx context.Context) (*models.Proxy, error) {
	for {
		p.mu.Lock()
		proxy, err := p.store.LeaseProxy(ctx, p.clock.Now().UTC())
		p.mu.Unlock()

		switch {
		case err != nil:
			p.logger.Error("Error retrieving new proxy", "error", err)
		case proxy != nil:
			p.logger.Debug("Leased proxy", "proxy", proxy.String())
			return proxy, nil
		default:
			p.logger.Warn("No proxies available, retrying", "delay", p.retryDelay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(p.retryDelay):
		}
	}
}

func (p *Pool) writeSnapshot(proxies []models.Proxy) error {
	if p.snapshotPath == "" {
		return nil
	}
	if proxies == nil {
		proxies = []models.Proxy{}
	}

	data, err := json.MarshalIndent(proxies, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode proxy snapshot: %w", err)
	}
	if err := os.WriteFile(p.snapshotPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write proxy snapshot: %w", err)
	}
	return nil
}

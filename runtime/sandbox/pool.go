package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weaveline/loom/runtime/telemetry"
)

// PoolOptions tune the warm pool. Zero values take the defaults listed on
// each field.
type PoolOptions struct {
	// MinSize is the warm target the pool replenishes up to. Default 5.
	MinSize int

	// MaxSize caps how many pooled sandboxes may exist. Default 20.
	MaxSize int

	// ReplenishBelow triggers a replenish run when the pool shrinks under
	// it. Default 3.
	ReplenishBelow int

	// ParallelCreateLimit bounds concurrent launcher calls during a
	// replenish run. Default 3.
	ParallelCreateLimit int

	// StaleAfter is the pooled-sandbox age the background loop expires at.
	// Default 24h.
	StaleAfter time.Duration

	// ReplenishInterval paces the background loop. Default 30s.
	ReplenishInterval time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time
}

func (o *PoolOptions) defaults() {
	if o.MinSize <= 0 {
		o.MinSize = 5
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 20
	}
	if o.ReplenishBelow <= 0 {
		o.ReplenishBelow = 3
	}
	if o.ParallelCreateLimit <= 0 {
		o.ParallelCreateLimit = 3
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 24 * time.Hour
	}
	if o.ReplenishInterval <= 0 {
		o.ReplenishInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Pool keeps warm sandboxes ready to claim.
type Pool struct {
	store    Store
	launcher Launcher
	opts     PoolOptions
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	clock    func() time.Time

	// replenishing is the single-process lock against overlapping
	// replenish runs.
	replenishing atomic.Bool

	hits    atomic.Int64
	misses  atomic.Int64
	created atomic.Int64
	expired atomic.Int64
}

// PoolStats is a point-in-time snapshot for dashboards.
type PoolStats struct {
	Pooled  int     `json:"pooled"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Created int64   `json:"created"`
	Expired int64   `json:"expired"`
}

// NewPool builds a pool over the given store and launcher.
func NewPool(store Store, launcher Launcher, opts PoolOptions) (*Pool, error) {
	if store == nil {
		return nil, errors.New("sandbox: store is required")
	}
	if launcher == nil {
		return nil, errors.New("sandbox: launcher is required")
	}
	opts.defaults()
	if opts.MaxSize < opts.MinSize {
		return nil, fmt.Errorf("sandbox: max size %d below min size %d", opts.MaxSize, opts.MinSize)
	}
	return &Pool{
		store:    store,
		launcher: launcher,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
	}, nil
}

// PoolSize reports how many sandboxes are waiting in the pool.
func (p *Pool) PoolSize(ctx context.Context) (int, error) {
	return p.store.CountByStatus(ctx, StatusPooled)
}

// CreatePooled launches one sandbox and records it as pooled.
func (p *Pool) CreatePooled(ctx context.Context) (Resource, error) {
	inst, err := p.launcher.Launch(ctx)
	if err != nil {
		return Resource{}, fmt.Errorf("launch sandbox: %w", err)
	}
	now := p.clock()
	res := Resource{
		ID:         uuid.NewString(),
		ExternalID: inst.ExternalID,
		Status:     StatusPooled,
		PreviewURL: inst.PreviewURL,
		Token:      inst.Token,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.Insert(ctx, res); err != nil {
		// The external sandbox exists but the record does not; tear it
		// down rather than leak it.
		if terr := p.launcher.Terminate(ctx, inst.ExternalID); terr != nil {
			p.logger.Error(ctx, "orphaned sandbox after insert failure",
				"external_id", inst.ExternalID, "err", terr)
		}
		return Resource{}, fmt.Errorf("record sandbox: %w", err)
	}
	p.created.Add(1)
	p.metrics.IncCounter("loom.sandbox.pool.created", 1)
	return res, nil
}

// Claim hands one pooled sandbox to the given owner. Returns ErrPoolEmpty
// when nothing is warm; callers fall back to creating a fresh sandbox.
func (p *Pool) Claim(ctx context.Context, accountID, projectID string) (Resource, error) {
	started := p.clock()
	res, err := p.store.ClaimPooled(ctx, accountID, projectID)
	if err != nil {
		if errors.Is(err, ErrPoolEmpty) {
			p.misses.Add(1)
			p.metrics.IncCounter("loom.sandbox.pool.misses", 1)
		}
		return Resource{}, err
	}
	p.hits.Add(1)
	p.metrics.IncCounter("loom.sandbox.pool.hits", 1)
	p.metrics.RecordTimer("loom.sandbox.claim.duration", p.clock().Sub(started))
	return res, nil
}

// EnsurePoolSize tops the pool back up to MinSize when it dropped under
// ReplenishBelow. At most one replenish runs per process at a time; callers
// that lose the race return immediately with zero created.
func (p *Pool) EnsurePoolSize(ctx context.Context) (int, error) {
	if !p.replenishing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.replenishing.Store(false)

	size, err := p.store.CountByStatus(ctx, StatusPooled)
	if err != nil {
		return 0, fmt.Errorf("count pool: %w", err)
	}
	if size >= p.opts.ReplenishBelow {
		return 0, nil
	}
	want := p.opts.MinSize - size
	if room := p.opts.MaxSize - size; want > room {
		want = room
	}
	if want <= 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ParallelCreateLimit)
	var made atomic.Int64
	for i := 0; i < want; i++ {
		g.Go(func() error {
			if _, err := p.CreatePooled(gctx); err != nil {
				return err
			}
			made.Add(1)
			return nil
		})
	}
	err = g.Wait()
	n := int(made.Load())
	if n > 0 {
		p.logger.Info(ctx, "replenished sandbox pool", "created", n, "target", p.opts.MinSize)
	}
	if err != nil {
		return n, fmt.Errorf("replenish pool: %w", err)
	}
	return n, nil
}

// CleanupStale expires pooled sandboxes older than maxAge. The external
// sandbox is terminated first; rows whose termination fails are left for
// the next pass.
func (p *Pool) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	rows, err := p.store.ListByStatus(ctx, StatusPooled, 0)
	if err != nil {
		return 0, fmt.Errorf("list pooled: %w", err)
	}
	cutoff := p.clock().Add(-maxAge)
	removed := 0
	for _, r := range rows {
		if r.CreatedAt.After(cutoff) {
			continue
		}
		if err := p.launcher.Terminate(ctx, r.ExternalID); err != nil {
			p.logger.Warn(ctx, "failed to terminate stale sandbox",
				"resource_id", r.ID, "external_id", r.ExternalID, "err", err)
			continue
		}
		if err := p.store.SetStatus(ctx, r.ID, StatusDeleted); err != nil {
			p.logger.Warn(ctx, "failed to mark stale sandbox deleted", "resource_id", r.ID, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		p.expired.Add(int64(removed))
		p.metrics.IncCounter("loom.sandbox.pool.expired", float64(removed))
	}
	return removed, nil
}

// Stats snapshots pool counters for the admin API.
func (p *Pool) Stats(ctx context.Context) (PoolStats, error) {
	size, err := p.store.CountByStatus(ctx, StatusPooled)
	if err != nil {
		return PoolStats{}, err
	}
	s := PoolStats{
		Pooled:  size,
		Hits:    p.hits.Load(),
		Misses:  p.misses.Load(),
		Created: p.created.Load(),
		Expired: p.expired.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}

// Run replenishes and expires the pool until the context ends.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReplenishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.EnsurePoolSize(ctx); err != nil {
				p.logger.Error(ctx, "pool replenish failed", "err", err)
			}
			if _, err := p.CleanupStale(ctx, p.opts.StaleAfter); err != nil {
				p.logger.Error(ctx, "pool cleanup failed", "err", err)
			}
		}
	}
}

package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/loom/runtime/sandbox"
	"github.com/weaveline/loom/runtime/sandbox/inmem"
)

type fakeLauncher struct {
	mu         sync.Mutex
	seq        int
	launched   []string
	terminated []string
	launchErr  error

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (f *fakeLauncher) Launch(_ context.Context) (sandbox.Instance, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	// Let overlapping launches actually overlap.
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return sandbox.Instance{}, f.launchErr
	}
	f.seq++
	id := fmt.Sprintf("ext-%d", f.seq)
	f.launched = append(f.launched, id)
	return sandbox.Instance{
		ExternalID: id,
		PreviewURL: "https://" + id + ".sandbox.test",
		Token:      "tok-" + id,
	}, nil
}

func (f *fakeLauncher) Terminate(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, externalID)
	return nil
}

func (f *fakeLauncher) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func newPool(t *testing.T, opts sandbox.PoolOptions) (*sandbox.Pool, *inmem.Resources, *fakeLauncher) {
	t.Helper()
	store := inmem.NewResources()
	launcher := &fakeLauncher{}
	p, err := sandbox.NewPool(store, launcher, opts)
	require.NoError(t, err)
	return p, store, launcher
}

func TestCreatePooledRecordsResource(t *testing.T) {
	p, store, _ := newPool(t, sandbox.PoolOptions{})
	ctx := context.Background()

	res, err := p.CreatePooled(ctx)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusPooled, res.Status)
	assert.NotEmpty(t, res.ID)
	assert.NotEmpty(t, res.ExternalID)
	assert.NotEmpty(t, res.PreviewURL)
	assert.NotEmpty(t, res.Token)

	stored, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res, stored)

	n, err := p.PoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimTransitionsPooledToActive(t *testing.T) {
	p, store, _ := newPool(t, sandbox.PoolOptions{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.CreatePooled(ctx)
		require.NoError(t, err)
	}

	res, err := p.Claim(ctx, "acct-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusActive, res.Status)
	assert.Equal(t, "acct-1", res.AccountID)
	assert.Equal(t, "proj-1", res.ProjectID)
	assert.False(t, res.ClaimedAt.IsZero())

	n, err := p.PoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	active, err := store.CountByStatus(ctx, sandbox.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestClaimEmptyPool(t *testing.T) {
	p, _, _ := newPool(t, sandbox.PoolOptions{})
	_, err := p.Claim(context.Background(), "acct-1", "proj-1")
	require.ErrorIs(t, err, sandbox.ErrPoolEmpty)
}

func TestConcurrentClaimsNeverShareAResource(t *testing.T) {
	p, _, _ := newPool(t, sandbox.PoolOptions{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := p.CreatePooled(ctx)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed []string
		empty   atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Claim(ctx, "acct-1", fmt.Sprintf("proj-%d", i))
			if errors.Is(err, sandbox.ErrPoolEmpty) {
				empty.Add(1)
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			claimed = append(claimed, res.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, 4)
	assert.EqualValues(t, 4, empty.Load())
	seen := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		assert.False(t, seen[id], "resource %s claimed twice", id)
		seen[id] = true
	}
}

func TestEnsurePoolSizeReplenishesToMin(t *testing.T) {
	p, _, launcher := newPool(t, sandbox.PoolOptions{MinSize: 5, ReplenishBelow: 3, ParallelCreateLimit: 2})
	ctx := context.Background()

	created, err := p.EnsurePoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, created)

	n, err := p.PoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.LessOrEqual(t, launcher.maxInFlight.Load(), int64(2))
}

func TestEnsurePoolSizeSkipsWhenAboveThreshold(t *testing.T) {
	p, _, _ := newPool(t, sandbox.PoolOptions{MinSize: 5, ReplenishBelow: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.CreatePooled(ctx)
		require.NoError(t, err)
	}

	created, err := p.EnsurePoolSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestEnsurePoolSizeRespectsMaxSize(t *testing.T) {
	p, _, _ := newPool(t, sandbox.PoolOptions{MinSize: 5, MaxSize: 5, ReplenishBelow: 5})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.CreatePooled(ctx)
		require.NoError(t, err)
	}

	created, err := p.EnsurePoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	n, err := p.PoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestEnsurePoolSizeSingleFlight(t *testing.T) {
	p, _, _ := newPool(t, sandbox.PoolOptions{MinSize: 6, ReplenishBelow: 6, ParallelCreateLimit: 1})
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		totals atomic.Int64
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := p.EnsurePoolSize(ctx)
			assert.NoError(t, err)
			totals.Add(int64(n))
		}()
	}
	wg.Wait()

	// Losers of the replenish lock return immediately; only one run
	// creates sandboxes.
	assert.EqualValues(t, 6, totals.Load())
	n, err := p.PoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestCleanupStaleExpiresOldPooled(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, store, launcher := newPool(t, sandbox.PoolOptions{Clock: func() time.Time { return now }})
	ctx := context.Background()

	stale := sandbox.Resource{
		ID: "res-old", ExternalID: "ext-old", Status: sandbox.StatusPooled,
		CreatedAt: now.Add(-25 * time.Hour),
	}
	fresh := sandbox.Resource{
		ID: "res-new", ExternalID: "ext-new", Status: sandbox.StatusPooled,
		CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, store.Insert(ctx, stale))
	require.NoError(t, store.Insert(ctx, fresh))

	removed, err := p.CleanupStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"ext-old"}, launcher.terminatedIDs())

	got, err := store.Get(ctx, "res-old")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusDeleted, got.Status)

	got, err = store.Get(ctx, "res-new")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusPooled, got.Status)
}

func TestCreatePooledTerminatesOnInsertFailure(t *testing.T) {
	store := inmem.NewResources()
	launcher := &fakeLauncher{}
	p, err := sandbox.NewPool(store, launcher, sandbox.PoolOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := p.CreatePooled(ctx)
	require.NoError(t, err)

	failing := &failingStore{Resources: store}
	p2, err := sandbox.NewPool(failing, launcher, sandbox.PoolOptions{})
	require.NoError(t, err)

	_, err = p2.CreatePooled(ctx)
	require.Error(t, err)
	assert.Contains(t, launcher.terminatedIDs(), "ext-2")

	// The original resource is untouched.
	got, gerr := store.Get(ctx, first.ID)
	require.NoError(t, gerr)
	assert.Equal(t, sandbox.StatusPooled, got.Status)
}

type failingStore struct {
	*inmem.Resources
}

func (f *failingStore) Insert(context.Context, sandbox.Resource) error {
	return errors.New("boom")
}

func TestStatsReportsHitRate(t *testing.T) {
	p, _, _ := newPool(t, sandbox.PoolOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.CreatePooled(ctx)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := p.Claim(ctx, "acct-1", fmt.Sprintf("proj-%d", i))
		require.NoError(t, err)
	}
	_, err := p.Claim(ctx, "acct-1", "proj-x")
	require.ErrorIs(t, err, sandbox.ErrPoolEmpty)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pooled)
	assert.EqualValues(t, 3, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 3, stats.Created)
	assert.InDelta(t, 0.75, stats.HitRate, 0.001)
}

func TestNewPoolValidatesSizes(t *testing.T) {
	_, err := sandbox.NewPool(inmem.NewResources(), &fakeLauncher{}, sandbox.PoolOptions{MinSize: 10, MaxSize: 5})
	require.Error(t, err)
}

package resources_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/resources"
	"github.com/weaveline/loom/runtime/run"
	runmem "github.com/weaveline/loom/runtime/run/inmem"
	"github.com/weaveline/loom/runtime/sandbox"
	sandmem "github.com/weaveline/loom/runtime/sandbox/inmem"
)

type countingLauncher struct {
	mu       sync.Mutex
	launches atomic.Int64
	seq      int
}

func (f *countingLauncher) Launch(_ context.Context) (sandbox.Instance, error) {
	f.launches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("ext-%d", f.seq)
	return sandbox.Instance{ExternalID: id, PreviewURL: "https://" + id + ".test", Token: "tok-" + id}, nil
}

func (f *countingLauncher) Terminate(context.Context, string) error { return nil }

type env struct {
	projects *runmem.Projects
	store    *sandmem.Resources
	pool     *sandbox.Pool
	launcher *countingLauncher
}

func setup(t *testing.T) *env {
	t.Helper()
	e := &env{
		projects: runmem.NewProjects(),
		store:    sandmem.NewResources(),
		launcher: &countingLauncher{},
	}
	pool, err := sandbox.NewPool(e.store, e.launcher, sandbox.PoolOptions{})
	require.NoError(t, err)
	e.pool = pool

	require.NoError(t, e.projects.Create(context.Background(), run.Project{
		ID: "proj-1", AccountID: "acct-1", Name: "demo",
	}))
	return e
}

func (e *env) resolver(t *testing.T, pool resources.Claimer) *resources.Resolver {
	t.Helper()
	r, err := resources.New(e.projects, e.store, pool, e.launcher, resources.Options{
		ReadyWait: time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

func TestResolveCreatesFreshSandbox(t *testing.T) {
	e := setup(t)
	r := e.resolver(t, nil)
	ctx := context.Background()

	info, err := r.Resolve(ctx, "acct-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, resources.SourceCreated, info.Source)
	assert.NotEmpty(t, info.ResourceID)
	assert.NotEmpty(t, info.PreviewURL)
	assert.NotEmpty(t, info.Token)

	res, err := e.store.Get(ctx, info.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusActive, res.Status)
	assert.Equal(t, "acct-1", res.AccountID)
	assert.Equal(t, "proj-1", res.ProjectID)

	proj, err := e.projects.Get(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, info.ResourceID, proj.ResourceID)
}

func TestResolveAnswersFromCache(t *testing.T) {
	e := setup(t)
	r := e.resolver(t, nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "acct-1", "proj-1")
	require.NoError(t, err)

	second, err := r.Resolve(ctx, "acct-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, resources.SourceCache, second.Source)
	assert.Equal(t, first.ResourceID, second.ResourceID)
	assert.EqualValues(t, 1, e.launcher.launches.Load())
}

func TestResolveReadsPersistedLink(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	warm := e.resolver(t, nil)
	first, err := warm.Resolve(ctx, "acct-1", "proj-1")
	require.NoError(t, err)

	// A fresh process has a cold cache but the link is in the store.
	cold := e.resolver(t, nil)
	again, err := cold.Resolve(ctx, "acct-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, resources.SourceRecord, again.Source)
	assert.Equal(t, first.ResourceID, again.ResourceID)
	assert.EqualValues(t, 1, e.launcher.launches.Load())
}

func TestResolveClaimsFromPool(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.pool.CreatePooled(ctx)
	require.NoError(t, err)

	r := e.resolver(t, e.pool)
	info, err := r.Resolve(ctx, "acct-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, resources.SourcePool, info.Source)

	n, err := e.pool.PoolSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := e.store.Get(ctx, info.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusActive, res.Status)
	assert.Equal(t, "proj-1", res.ProjectID)

	proj, err := e.projects.Get(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, info.ResourceID, proj.ResourceID)
}

func TestResolveFallsBackToLauncherOnEmptyPool(t *testing.T) {
	e := setup(t)
	r := e.resolver(t, e.pool)

	info, err := r.Resolve(context.Background(), "acct-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, resources.SourceCreated, info.Source)
	assert.EqualValues(t, 1, e.launcher.launches.Load())
}

func TestResolveSerializesPerProject(t *testing.T) {
	e := setup(t)
	r := e.resolver(t, nil)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := r.Resolve(ctx, "acct-1", "proj-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids = append(ids, info.ResourceID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, ids, 8)
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.EqualValues(t, 1, e.launcher.launches.Load(), "duplicate sandbox created")
}

func TestResolveRebindsDeadLink(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	r := e.resolver(t, nil)
	first, err := r.Resolve(ctx, "acct-1", "proj-1")
	require.NoError(t, err)

	// Sandbox died out-of-band: row stopped, cache dropped.
	require.NoError(t, e.store.SetStatus(ctx, first.ResourceID, sandbox.StatusStopped))
	r.Forget("proj-1")

	second, err := r.Resolve(ctx, "acct-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, resources.SourceCreated, second.Source)
	assert.NotEqual(t, first.ResourceID, second.ResourceID)

	proj, err := e.projects.Get(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, second.ResourceID, proj.ResourceID)
}

func TestResolveRejectsForeignAccount(t *testing.T) {
	e := setup(t)
	r := e.resolver(t, nil)

	_, err := r.Resolve(context.Background(), "acct-2", "proj-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
}

func TestResolveUnknownProject(t *testing.T) {
	e := setup(t)
	r := e.resolver(t, nil)

	_, err := r.Resolve(context.Background(), "acct-1", "proj-missing")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
}

func TestResolveRequiresProjectID(t *testing.T) {
	e := setup(t)
	r := e.resolver(t, nil)

	_, err := r.Resolve(context.Background(), "acct-1", "")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
}

package node

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvredis "github.com/weaveline/loom/features/kv/redis"
	"github.com/weaveline/loom/features/model/middleware"
	"github.com/weaveline/loom/runtime/breaker"
	"github.com/weaveline/loom/runtime/buffer"
	"github.com/weaveline/loom/runtime/cluster"
	"github.com/weaveline/loom/runtime/credits"
	"github.com/weaveline/loom/runtime/lease"
	"github.com/weaveline/loom/runtime/orchestrator"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/run/inmem"
	"github.com/weaveline/loom/runtime/stream"
	"github.com/weaveline/loom/runtime/sweeper"
	"github.com/weaveline/loom/runtime/telemetry"
	"github.com/weaveline/loom/runtime/writer"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]float64
}

func (l *fakeLedger) Balance(_ context.Context, accountID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID], nil
}

func (l *fakeLedger) Deduct(_ context.Context, accountID string, amount float64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] -= amount
	return nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []writer.DLQEntry
}

func (q *fakeDLQ) Append(_ context.Context, e writer.DLQEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return nil
}

func (q *fakeDLQ) List(_ context.Context, limit int) ([]writer.DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]writer.DLQEntry, len(q.entries))
	copy(out, q.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *fakeDLQ) Get(_ context.Context, id string) (writer.DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return writer.DLQEntry{}, errors.New("dlq entry not found")
}

func (q *fakeDLQ) Update(_ context.Context, e writer.DLQEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == e.ID {
			q.entries[i] = e
			return nil
		}
	}
	return errors.New("dlq entry not found")
}

func (q *fakeDLQ) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return errors.New("dlq entry not found")
}

func (q *fakeDLQ) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var kept []writer.DLQEntry
	var purged int64
	for _, e := range q.entries {
		if e.FailedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return purged, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	records   map[string][]stream.Record
	completed map[string]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{records: map[string][]stream.Record{}, completed: map[string]bool{}}
}

func (p *fakePublisher) Publish(_ context.Context, runID string, rec stream.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[runID] = append(p.records[runID], rec)
	return nil
}

func (p *fakePublisher) Complete(_ context.Context, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed[runID] = true
	return nil
}

type fakeMap struct {
	mu sync.Mutex
	kv map[string]string
}

func newFakeMap() *fakeMap { return &fakeMap{kv: map[string]string{}} }

func (m *fakeMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok
}

func (m *fakeMap) Set(_ context.Context, key, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.kv[key]
	m.kv[key] = value
	return prev, nil
}

func (m *fakeMap) Delete(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.kv[key]
	delete(m.kv, key)
	return prev, nil
}

func (m *fakeMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.kv))
	for k := range m.kv {
		keys = append(keys, k)
	}
	return keys
}

type adminEnv struct {
	node   *Node
	runs   *inmem.Runs
	ledger *fakeLedger
	dlq    *fakeDLQ
	pub    *fakePublisher
	now    time.Time
	mu     sync.Mutex
}

func (e *adminEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *adminEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

// setupAdmin assembles a node over miniredis and in-memory stores, skipping
// the model plane and the dispatch queue, which the admin surface never
// touches.
func setupAdmin(t *testing.T) *adminEnv {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := kvredis.NewFromClient(rdb, 2*time.Second)
	t.Cleanup(func() { _ = kv.Close() })

	e := &adminEnv{
		runs:   inmem.NewRuns(),
		ledger: &fakeLedger{balances: map[string]float64{"acct-1": 100}},
		dlq:    &fakeDLQ{},
		pub:    newFakePublisher(),
		now:    time.Unix(1_700_000_000, 0),
	}

	leases, err := lease.New(kv, lease.Options{WorkerID: "n1", Clock: e.clock})
	require.NoError(t, err)
	creditMgr, err := credits.New(e.ledger, kv, credits.Options{Clock: e.clock})
	require.NoError(t, err)
	w, err := writer.New(inmem.NewMessages(), creditMgr, e.ledger, e.dlq, writer.Options{Clock: e.clock})
	require.NoError(t, err)
	buf, err := buffer.New(w, buffer.Options{Runs: e.runs, Clock: e.clock})
	require.NoError(t, err)
	membership, err := cluster.New(newFakeMap(), cluster.Options{NodeID: "n1", Clock: e.clock})
	require.NoError(t, err)
	sw, err := sweeper.New(leases, e.runs, buf, e.pub, nil, sweeper.Options{MaxRunDuration: 30 * time.Minute})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Node.ID = "n1"
	e.node = &Node{
		cfg:        cfg,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		kv:         kv,
		rdb:        rdb,
		leases:     leases,
		credits:    creditMgr,
		writer:     w,
		buffer:     buf,
		breakers:   breaker.NewRegistry(breaker.Options{}),
		limiters:   map[string]*middleware.AdaptiveLimiter{},
		membership: membership,
		sweeper:    sw,
		canceler:   orchestrator.NewCanceler(kv),
		history:    telemetry.NewHistory(kv, 16),
		execCtx:    context.Background(),
	}
	return e
}

func TestAdminActiveRunsAndForceComplete(t *testing.T) {
	e := setupAdmin(t)
	ctx := context.Background()
	a := e.node.Admin()

	require.NoError(t, e.runs.Create(ctx, run.Run{ID: "r1", ThreadID: "t1", Status: run.StatusRunning}))
	claimed, err := e.node.leases.Claim(ctx, "r1")
	require.NoError(t, err)
	require.True(t, claimed)

	infos, err := a.ActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "r1", infos[0].RunID)
	assert.Equal(t, "n1", infos[0].Owner)

	res := a.ForceComplete(ctx, "r1", "operator decision")
	assert.Empty(t, res.Error)
	assert.Equal(t, "force_complete", res.Action)

	r, err := e.runs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, "operator decision", r.TerminationReason)

	infos, err = a.ActiveRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	assert.NotEmpty(t, e.pub.records["r1"])
	assert.True(t, e.pub.completed["r1"])
}

func TestAdminStuckRuns(t *testing.T) {
	e := setupAdmin(t)
	ctx := context.Background()
	a := e.node.Admin()

	require.NoError(t, e.runs.Create(ctx, run.Run{ID: "r2", ThreadID: "t1", Status: run.StatusRunning}))
	claimed, err := e.node.leases.Claim(ctx, "r2")
	require.NoError(t, err)
	require.True(t, claimed)

	stuck, err := a.StuckRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	e.advance(31 * time.Minute)

	stuck, err = a.StuckRuns(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "r2", stuck[0].RunID)
	assert.Greater(t, stuck[0].Duration, 30*time.Minute)
}

func TestAdminDeadLetters(t *testing.T) {
	e := setupAdmin(t)
	ctx := context.Background()
	a := e.node.Admin()

	base := e.clock()
	require.NoError(t, e.dlq.Append(ctx, writer.DLQEntry{ID: "dl-1", RunID: "r1", WriteType: "deduction", FailedAt: base.Add(-time.Hour)}))
	require.NoError(t, e.dlq.Append(ctx, writer.DLQEntry{ID: "dl-2", RunID: "r2", WriteType: "message", FailedAt: base}))

	entries, err := a.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dl-2", entries[0].ID)

	require.NoError(t, a.DeleteDeadLetter(ctx, "dl-2"))
	entries, err = a.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dl-1", entries[0].ID)

	purged, err := a.PurgeDeadLetters(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestAdminDashboard(t *testing.T) {
	e := setupAdmin(t)
	ctx := context.Background()
	a := e.node.Admin()

	require.NoError(t, e.node.membership.Join(ctx))
	e.node.buffer.Register(ctx, buffer.NewRunState("r3", "t1", "acct-1", e.clock()))
	e.node.breakers.Get("anthropic")

	d := a.Dashboard(ctx)
	assert.Equal(t, "n1", d.Node)
	assert.Contains(t, d.Nodes, "n1")
	assert.Equal(t, 1, d.BufferedRuns)
	assert.Equal(t, 0, d.CreditHolds)
	assert.Equal(t, "reservation", d.WriterMode)
	require.Len(t, d.Breakers, 1)
	assert.Equal(t, "anthropic", d.Breakers[0].Name)
	assert.Equal(t, breaker.StateClosed, d.Breakers[0].State)
	assert.Nil(t, d.Sandbox)
}

func TestAdminAvailablePassesThroughHolds(t *testing.T) {
	e := setupAdmin(t)
	ctx := context.Background()
	a := e.node.Admin()

	avail, err := a.Available(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, avail)

	_, err = e.node.credits.Reserve(ctx, "acct-1", "r4", 25)
	require.NoError(t, err)

	avail, err = a.Available(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 75.0, avail)
}

func TestStopSignalRoundTrip(t *testing.T) {
	e := setupAdmin(t)
	ctx := context.Background()

	require.NoError(t, e.node.canceler.RequestStop(ctx, "r9", "operator"))
	stopped, reason, err := e.node.canceler.Stopped(ctx, "r9")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, "operator", reason)
}

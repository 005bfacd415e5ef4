// Package buffer implements the write-behind buffer between the execution
// orchestrator and durable storage. Each registered run owns a FIFO queue
// of pending writes; a background loop flushes queues through a Sink,
// largest backlog first, under a bounded concurrency semaphore. Writes are
// removed only after the sink applies them, and writes that keep failing
// are handed to the sink's dead letter queue so one poison write cannot
// stall a run forever.
package buffer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/telemetry"
)

// WriteKind discriminates pending write payloads.
type WriteKind string

const (
	// WriteMessage inserts a new thread message.
	WriteMessage WriteKind = "message"
	// WriteCreditDeduction records a usage deduction against an account.
	WriteCreditDeduction WriteKind = "credit_deduction"
	// WriteMessageUpdate patches an existing message (tool calls, omitted
	// flag). Used by pairing repair.
	WriteMessageUpdate WriteKind = "message_update"
)

type (
	// PendingWrite is one not-yet-persisted artifact. Exactly one of
	// Message, Deduction, and Update is set, matching Kind. ID doubles as
	// the idempotency reference for deductions and the dead letter key.
	PendingWrite struct {
		ID        string         `json:"id"`
		Kind      WriteKind      `json:"kind"`
		RunID     string         `json:"run_id"`
		ThreadID  string         `json:"thread_id,omitempty"`
		AccountID string         `json:"account_id,omitempty"`
		Message   *run.Message   `json:"message,omitempty"`
		Deduction *Deduction     `json:"deduction,omitempty"`
		Update    *MessageUpdate `json:"update,omitempty"`

		EnqueuedAt time.Time `json:"enqueued_at"`
		Attempts   int       `json:"attempts"`
	}

	// Deduction describes a credit charge carried by a pending write.
	Deduction struct {
		AccountID string  `json:"account_id"`
		Amount    float64 `json:"amount"`
		Reason    string  `json:"reason,omitempty"`
	}

	// MessageUpdate patches a persisted message in place.
	MessageUpdate struct {
		MessageID   string         `json:"message_id"`
		ToolCalls   []run.ToolCall `json:"tool_calls,omitempty"`
		MarkOmitted bool           `json:"mark_omitted,omitempty"`
	}

	// Sink applies pending writes durably. Apply returns nil only once the
	// write's effect is persisted. Deadletter receives writes that
	// exhausted their attempts.
	Sink interface {
		Apply(ctx context.Context, w *PendingWrite) error
		Deadletter(ctx context.Context, w *PendingWrite, cause error) error
	}

	// Options configures a Buffer.
	Options struct {
		// MaxBufferedRuns caps registered runs; registering beyond it evicts
		// the oldest run first. Defaults to 500.
		MaxBufferedRuns int
		// PressureThreshold triggers memory-pressure eviction when the run
		// count exceeds it. Defaults to MaxBufferedRuns + MaxBufferedRuns/5.
		PressureThreshold int
		// FlushInterval is the background flush period. Defaults to 500ms.
		FlushInterval time.Duration
		// CleanupInterval is the stale-run sweep period. Defaults to 1m.
		CleanupInterval time.Duration
		// StaleThreshold is the age beyond which an idle terminal run is
		// removed. Defaults to 10m.
		StaleThreshold time.Duration
		// MaxRunAge removes any run regardless of state. Defaults to 30m.
		MaxRunAge time.Duration
		// FlushConcurrency bounds parallel per-run flushes. Defaults to 50.
		FlushConcurrency int64
		// MaxWriteAttempts is how many times a write is tried before it is
		// dead-lettered. Defaults to 3.
		MaxWriteAttempts int
		// Runs, when set, lets Finalize transition the run row.
		Runs run.RunStore
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Clock is injectable for tests. Defaults to time.Now.
		Clock func() time.Time
	}

	// Buffer routes pending writes to per-run queues and flushes them.
	Buffer struct {
		sink    Sink
		opts    Options
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time
		sem     *semaphore.Weighted

		mu   sync.RWMutex
		runs map[string]*RunState
	}

	// FlushStats aggregates one FlushAll pass.
	FlushStats struct {
		Runs        int
		Writes      int
		Failures    int
		Deadletters int
	}
)

var (
	// ErrUnknownRun reports an enqueue for a run that is not registered.
	ErrUnknownRun = errors.New("buffer: unknown run")
	// ErrSinkRequired reports construction without a sink.
	ErrSinkRequired = errors.New("buffer: sink is required")
)

const (
	defaultMaxBufferedRuns  = 500
	defaultFlushInterval    = 500 * time.Millisecond
	defaultCleanupInterval  = time.Minute
	defaultStaleThreshold   = 10 * time.Minute
	defaultMaxRunAge        = 30 * time.Minute
	defaultFlushConcurrency = 50
	defaultMaxWriteAttempts = 3

	// Idle cutoffs used by the stale-run rules.
	staleIdle    = 120 * time.Second
	terminalIdle = 300 * time.Second
)

// New constructs a buffer flushing through sink.
func New(sink Sink, opts Options) (*Buffer, error) {
	if sink == nil {
		return nil, ErrSinkRequired
	}
	if opts.MaxBufferedRuns <= 0 {
		opts.MaxBufferedRuns = defaultMaxBufferedRuns
	}
	if opts.PressureThreshold <= 0 {
		opts.PressureThreshold = opts.MaxBufferedRuns + opts.MaxBufferedRuns/5
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = defaultStaleThreshold
	}
	if opts.MaxRunAge <= 0 {
		opts.MaxRunAge = defaultMaxRunAge
	}
	if opts.FlushConcurrency <= 0 {
		opts.FlushConcurrency = defaultFlushConcurrency
	}
	if opts.MaxWriteAttempts <= 0 {
		opts.MaxWriteAttempts = defaultMaxWriteAttempts
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Buffer{
		sink:    sink,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		sem:     semaphore.NewWeighted(opts.FlushConcurrency),
		runs:    make(map[string]*RunState),
	}, nil
}

// Register adds a run to the buffer. When the buffer is full the oldest run
// by start time is evicted asynchronously (flushed, then removed) to make
// room.
func (b *Buffer) Register(ctx context.Context, st *RunState) {
	b.mu.Lock()
	if len(b.runs) >= b.opts.MaxBufferedRuns {
		if victim := b.oldestLocked(); victim != nil {
			go b.evict(ctx, victim.runID, "buffer_full")
		}
	}
	b.runs[st.runID] = st
	size := len(b.runs)
	b.mu.Unlock()
	b.metrics.RecordGauge("loom.buffer.runs", float64(size))
}

// Unregister removes a run without flushing. Callers flush first when the
// queue must survive.
func (b *Buffer) Unregister(runID string) {
	b.mu.Lock()
	delete(b.runs, runID)
	size := len(b.runs)
	b.mu.Unlock()
	b.metrics.RecordGauge("loom.buffer.runs", float64(size))
}

// Get returns the registered state for a run, if any.
func (b *Buffer) Get(runID string) (*RunState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.runs[runID]
	return st, ok
}

// Len returns the number of registered runs.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runs)
}

// Enqueue appends a write to its run's FIFO queue, assigning an id when the
// caller did not.
func (b *Buffer) Enqueue(w *PendingWrite) error {
	b.mu.RLock()
	st, ok := b.runs[w.RunID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, w.RunID)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = b.clock()
	}
	st.push(w, b.clock())
	return nil
}

// FlushAll flushes every run's queue, largest backlog first, bounded by the
// flush concurrency semaphore. Per-run failures are logged and counted;
// other runs continue.
func (b *Buffer) FlushAll(ctx context.Context) FlushStats {
	started := b.clock()

	b.mu.RLock()
	h := make(flushHeap, 0, len(b.runs))
	var pending int
	for id, st := range b.runs {
		n := st.Pending()
		pending += n
		if n > 0 {
			h = append(h, flushTarget{runID: id, pending: n})
		}
	}
	b.mu.RUnlock()
	b.metrics.RecordGauge("loom.buffer.pending_writes", float64(pending))
	if len(h) == 0 {
		return FlushStats{}
	}
	heap.Init(&h)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		stats FlushStats
	)
	for h.Len() > 0 {
		target := heap.Pop(&h).(flushTarget)
		if err := b.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			defer b.sem.Release(1)
			res := b.flushRun(ctx, runID)
			mu.Lock()
			stats.Runs++
			stats.Writes += res.Writes
			stats.Failures += res.Failures
			stats.Deadletters += res.Deadletters
			mu.Unlock()
		}(target.runID)
	}
	wg.Wait()

	b.metrics.RecordTimer("loom.buffer.flush.duration", b.clock().Sub(started))
	if stats.Writes > 0 {
		b.metrics.IncCounter("loom.buffer.writes.flushed", float64(stats.Writes))
	}
	if stats.Failures > 0 {
		b.metrics.IncCounter("loom.buffer.writes.failed", float64(stats.Failures))
	}
	if stats.Deadletters > 0 {
		b.metrics.IncCounter("loom.buffer.writes.deadlettered", float64(stats.Deadletters))
	}
	return stats
}

// FlushRun drains the current queue of one run in FIFO order. A transient
// failure leaves the write at the head and stops the pass so ordering is
// preserved; a write that exhausted its attempts is dead-lettered and
// skipped.
func (b *Buffer) FlushRun(ctx context.Context, runID string) (int, error) {
	b.mu.RLock()
	_, ok := b.runs[runID]
	b.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	res := b.flushRun(ctx, runID)
	return res.Writes, nil
}

// FlushUntilEmpty flushes a run repeatedly until its queue is empty or a
// pass makes no progress.
func (b *Buffer) FlushUntilEmpty(ctx context.Context, runID string) error {
	for {
		b.mu.RLock()
		st, ok := b.runs[runID]
		b.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		if st.Pending() == 0 {
			return nil
		}
		res := b.flushRun(ctx, runID)
		if res.Writes == 0 && res.Deadletters == 0 {
			return fmt.Errorf("flush %s: no progress with %d writes pending", runID, st.Pending())
		}
	}
}

type flushResult struct {
	Writes      int
	Failures    int
	Deadletters int
}

func (b *Buffer) flushRun(ctx context.Context, runID string) flushResult {
	b.mu.RLock()
	st, ok := b.runs[runID]
	b.mu.RUnlock()
	if !ok {
		return flushResult{}
	}

	var res flushResult
	// Bound the pass to the writes present at entry so concurrent appends
	// cannot keep it spinning.
	for budget := st.Pending(); budget > 0; budget-- {
		w, ok := st.peek()
		if !ok {
			break
		}
		err := b.sink.Apply(ctx, w)
		if err == nil {
			st.popHead(w)
			res.Writes++
			continue
		}
		w.Attempts++
		res.Failures++
		if w.Attempts < b.opts.MaxWriteAttempts {
			b.logger.Warn(ctx, "pending write failed, will retry",
				"run_id", runID, "kind", string(w.Kind), "attempts", w.Attempts, "err", err)
			break
		}
		st.popHead(w)
		res.Deadletters++
		b.logger.Error(ctx, "pending write exhausted attempts, dead-lettering",
			"run_id", runID, "kind", string(w.Kind), "attempts", w.Attempts, "err", err)
		if dlqErr := b.sink.Deadletter(ctx, w, err); dlqErr != nil {
			b.logger.Error(ctx, "dead letter append failed, dropping write",
				"run_id", runID, "kind", string(w.Kind), "err", dlqErr)
		}
	}
	return res
}

// Run drives the background flush and cleanup loops until ctx is canceled,
// then makes a final bounded flush pass.
func (b *Buffer) Run(ctx context.Context) {
	flush := time.NewTicker(b.opts.FlushInterval)
	defer flush.Stop()
	cleanup := time.NewTicker(b.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.FlushAll(drainCtx)
			cancel()
			return
		case <-flush.C:
			b.FlushAll(ctx)
			b.EvictUnderPressure(ctx)
		case <-cleanup.C:
			if n := b.CleanupStaleRuns(ctx); n > 0 {
				b.logger.Info(ctx, "cleaned up stale runs", "count", n)
			}
		}
	}
}

// CleanupStaleRuns removes runs that are terminal and idle, or older than
// the hard age cap, flushing their queues first. Returns the removed count.
func (b *Buffer) CleanupStaleRuns(ctx context.Context) int {
	now := b.clock()

	b.mu.RLock()
	var stale []string
	for id, st := range b.runs {
		age := st.Age(now)
		idle := st.IdleFor(now)
		terminal := st.Terminal()
		switch {
		case terminal && age > b.opts.StaleThreshold && idle > staleIdle:
			stale = append(stale, id)
		case age > b.opts.MaxRunAge:
			stale = append(stale, id)
		case terminal && idle > terminalIdle:
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range stale {
		b.evict(ctx, id, "stale")
	}
	return len(stale)
}

// EvictUnderPressure sheds runs when the buffer exceeds the pressure
// threshold: terminal runs first (oldest first), then the most idle active
// runs, until the count is back at MaxBufferedRuns.
func (b *Buffer) EvictUnderPressure(ctx context.Context) int {
	b.mu.RLock()
	over := len(b.runs) - b.opts.PressureThreshold
	if over <= 0 {
		b.mu.RUnlock()
		return 0
	}
	now := b.clock()
	type candidate struct {
		id       string
		terminal bool
		age      time.Duration
		idle     time.Duration
	}
	cands := make([]candidate, 0, len(b.runs))
	for id, st := range b.runs {
		cands = append(cands, candidate{
			id:       id,
			terminal: st.Terminal(),
			age:      st.Age(now),
			idle:     st.IdleFor(now),
		})
	}
	b.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].terminal != cands[j].terminal {
			return cands[i].terminal
		}
		if cands[i].terminal {
			return cands[i].age > cands[j].age
		}
		return cands[i].idle > cands[j].idle
	})

	// Shed past the trigger point so the buffer does not oscillate around
	// the threshold.
	floor := b.opts.MaxBufferedRuns
	if b.opts.PressureThreshold < floor {
		floor = b.opts.PressureThreshold
	}
	target := len(cands) - floor
	evicted := 0
	for _, c := range cands {
		if evicted >= target {
			break
		}
		b.evict(ctx, c.id, "memory_pressure")
		evicted++
	}
	if evicted > 0 {
		b.metrics.IncCounter("loom.buffer.runs.evicted", float64(evicted))
		b.logger.Warn(ctx, "buffer memory pressure eviction", "evicted", evicted)
	}
	return evicted
}

// Finalize flushes a run's remaining writes, transitions the run row to the
// terminal status, and unregisters the run.
func (b *Buffer) Finalize(ctx context.Context, runID string, status run.Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize %s: status %q is not terminal", runID, status)
	}
	if err := b.FlushUntilEmpty(ctx, runID); err != nil {
		return err
	}
	if st, ok := b.Get(runID); ok {
		st.MarkTerminal(reason)
	}
	if b.opts.Runs != nil {
		if err := b.opts.Runs.SetStatus(ctx, runID, status, reason); err != nil && !errors.Is(err, run.ErrInvalidTransition) {
			return fmt.Errorf("finalize %s: %w", runID, err)
		}
	}
	b.Unregister(runID)
	return nil
}

func (b *Buffer) evict(ctx context.Context, runID, why string) {
	if err := b.FlushUntilEmpty(ctx, runID); err != nil && !errors.Is(err, ErrUnknownRun) {
		b.logger.Warn(ctx, "evicting run with unflushed writes", "run_id", runID, "reason", why, "err", err)
	}
	b.Unregister(runID)
	b.logger.Debug(ctx, "run evicted from buffer", "run_id", runID, "reason", why)
}

func (b *Buffer) oldestLocked() *RunState {
	var oldest *RunState
	for _, st := range b.runs {
		if oldest == nil || st.startTime.Before(oldest.startTime) {
			oldest = st
		}
	}
	return oldest
}

type flushTarget struct {
	runID   string
	pending int
}

// flushHeap is a max-heap by pending write count.
type flushHeap []flushTarget

func (h flushHeap) Len() int           { return len(h) }
func (h flushHeap) Less(i, j int) bool { return h[i].pending > h[j].pending }
func (h flushHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *flushHeap) Push(x any)        { *h = append(*h, x.(flushTarget)) }
func (h *flushHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

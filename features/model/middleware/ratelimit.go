package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"github.com/weaveline/loom/runtime/compactor"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/telemetry"
)

const (
	// defaultInitialTPM is the budget used when callers provide none.
	defaultInitialTPM = 60000
	// minTPMFraction of the initial budget is the floor the limiter backs
	// off to; recoveryFraction is the per-success additive probe step.
	minTPMFraction   = 0.1
	recoveryFraction = 0.05
	// requestOverheadTokens pads every estimate for system prompts, tool
	// schemas, and provider framing the transcript does not show.
	requestOverheadTokens = 500
)

type (
	// AdaptiveLimiter is an AIMD tokens-per-minute limiter for one model
	// backend. Each dispatch waits for estimated token capacity; a
	// rate-limit signal halves the budget (multiplicative decrease) and
	// each success adds a small probe increment back (additive increase)
	// up to the configured ceiling.
	//
	// When constructed with a Pulse replicated map the effective budget is
	// shared across the cluster: local backoffs and probes are pushed to
	// the map with compare-and-swap, and remote changes reconcile the
	// local bucket, so every node converges on the same budget.
	AdaptiveLimiter struct {
		mu sync.Mutex

		bucket *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64
		step       float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)

		metrics telemetry.Metrics
	}

	// LimiterOptions configures an AdaptiveLimiter.
	LimiterOptions struct {
		// InitialTPM is the starting tokens-per-minute budget. Defaults to
		// 60000.
		InitialTPM float64
		// MaxTPM caps the budget the limiter probes back up to. Clamped to
		// InitialTPM when smaller.
		MaxTPM float64
		// Metrics records budget changes on the loom.limiter.tpm gauge.
		Metrics telemetry.Metrics
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveLimiter
	}

	// clusterMap is the subset of rmap.Map the cluster-shared limiter
	// needs. Narrow so tests can fake it.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewAdaptiveLimiter constructs the limiter. When m and key are set the
// budget is coordinated through the replicated map; otherwise the limiter is
// process-local.
func NewAdaptiveLimiter(ctx context.Context, m *rmap.Map, key string, opts LimiterOptions) *AdaptiveLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterLimiter(ctx, cm, key, opts)
}

func newLocalLimiter(opts LimiterOptions) *AdaptiveLimiter {
	initial := opts.InitialTPM
	if initial <= 0 {
		initial = defaultInitialTPM
	}
	ceiling := opts.MaxTPM
	if ceiling < initial {
		ceiling = initial
	}
	floor := initial * minTPMFraction
	if floor < 1 {
		floor = 1
	}
	step := initial * recoveryFraction
	if step < 1 {
		step = 1
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &AdaptiveLimiter{
		bucket:     rate.NewLimiter(rate.Limit(initial/60.0), int(initial)),
		currentTPM: initial,
		minTPM:     floor,
		maxTPM:     ceiling,
		step:       step,
		metrics:    metrics,
	}
}

// Wrapper returns the model.Client decoration enforcing this limiter on
// both Complete and Stream dispatches.
func (l *AdaptiveLimiter) Wrapper() Wrapper {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// TPM returns the current effective budget for the admin surface.
func (l *AdaptiveLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	st, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return st, err
}

func (l *AdaptiveLimiter) wait(ctx context.Context, req *model.Request) error {
	return l.bucket.WaitN(ctx, estimateTokens(req))
}

// observe backs the budget off on the provider rate-limit signal only.
// Other failures say nothing about token throughput.
func (l *AdaptiveLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.backoff()
	}
}

// backoff halves the budget down to the floor.
func (l *AdaptiveLimiter) backoff() {
	l.mu.Lock()
	next := l.currentTPM * 0.5
	if next < l.minTPM {
		next = l.minTPM
	}
	if next == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPMLocked(next)
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}

// probe adds one recovery step up to the ceiling.
func (l *AdaptiveLimiter) probe() {
	l.mu.Lock()
	next := l.currentTPM + l.step
	if next > l.maxTPM {
		next = l.maxTPM
	}
	if next == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPMLocked(next)
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}

// replaceTPM adopts an externally published budget, clamped to the limiter's
// range.
func (l *AdaptiveLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		return
	}
	l.setTPMLocked(tpm)
}

func (l *AdaptiveLimiter) setTPMLocked(tpm float64) {
	l.currentTPM = tpm
	l.bucket.SetLimit(rate.Limit(tpm / 60.0))
	l.bucket.SetBurst(int(tpm))
	l.metrics.RecordGauge("loom.limiter.tpm", tpm)
}

func (l *AdaptiveLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

// estimateTokens prices a request for the bucket: the transcript estimate
// from the shared token heuristic, plus the response reservation, plus fixed
// request overhead.
func estimateTokens(req *model.Request) int {
	tokens := compactor.Estimate(req.Messages)
	if req.MaxTokens > 0 {
		tokens += req.MaxTokens
	}
	if tokens < 1 {
		tokens = 1
	}
	return tokens + requestOverheadTokens
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

// newClusterLimiter builds a limiter that shares its budget through the
// replicated map under key. Seeding and reads are best-effort: when the map
// is unreachable the limiter degrades to process-local behavior.
func newClusterLimiter(ctx context.Context, m clusterMap, key string, opts LimiterOptions) *AdaptiveLimiter {
	if m == nil || key == "" {
		return newLocalLimiter(opts)
	}

	initial := opts.InitialTPM
	if initial <= 0 {
		initial = defaultInitialTPM
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initial))); err != nil {
			return newLocalLimiter(opts)
		}
	}
	// Adopt whatever budget the cluster has already converged on.
	shared := opts
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			shared.InitialTPM = v
			if shared.MaxTPM < opts.MaxTPM {
				shared.MaxTPM = opts.MaxTPM
			}
		}
	}

	l := newLocalLimiter(shared)

	floor, ceiling, step := l.minTPM, l.maxTPM, l.step
	l.setClusterCallbacks(
		func(float64) { go publishBackoff(context.Background(), m, key, floor) },
		func(float64) { go publishProbe(context.Background(), m, key, step, ceiling) },
	)

	// Reconcile the local bucket whenever another node moves the shared
	// budget.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

// publishBackoff halves the shared budget with compare-and-swap, retrying a
// few times when another node raced the update.
func publishBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

// publishProbe adds one recovery step to the shared budget with
// compare-and-swap.
func publishProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 || cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

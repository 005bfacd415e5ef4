// Package breaker guards external backends. Each backend gets a circuit
// breaker (consecutive transient failures open it, a cooldown admits probe
// requests, probe successes close it) layered over a token-bucket rate
// limiter that throttles outbound calls. Open circuits short-circuit with a
// classified fault so callers can decide between failing the turn and
// falling back.
package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/telemetry"
)

type (
	// State is the circuit position.
	State int

	// Options configures one breaker.
	Options struct {
		// FailureThreshold is the consecutive trip-class failures that open
		// the circuit. Defaults to 5.
		FailureThreshold int
		// Cooldown is how long an open circuit waits before admitting
		// probes. Defaults to 30s.
		Cooldown time.Duration
		// ProbeSuccesses is how many half-open successes close the circuit.
		// Defaults to 2.
		ProbeSuccesses int
		// Rate is the sustained request rate. Zero disables throttling.
		Rate rate.Limit
		// Burst is the token bucket depth when Rate is set. Defaults to 1.
		Burst int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Breaker is one backend's circuit breaker and throttle.
	Breaker struct {
		name    string
		opts    Options
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time
		limiter *rate.Limiter

		mu       sync.Mutex
		state    State
		failures int
		probes   int
		inProbe  int
		openedAt time.Time
	}

	// Status is the admin view of one breaker.
	Status struct {
		Name     string    `json:"name"`
		State    string    `json:"state"`
		Failures int       `json:"failures"`
		OpenedAt time.Time `json:"opened_at"`
		// Tokens is the current bucket fill, -1 when unthrottled.
		Tokens float64 `json:"tokens"`
	}

	// Registry creates and indexes breakers by backend name.
	Registry struct {
		mu       sync.Mutex
		defaults Options
		entries  map[string]*Breaker
	}
)

const (
	// StateClosed admits all requests.
	StateClosed State = iota
	// StateOpen short-circuits all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe requests.
	StateHalfOpen
)

// ErrOpen is wrapped into the fault returned while a circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
	defaultProbeSuccesses   = 2
)

// String renders the state for logs and admin output.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// New constructs a breaker for the named backend.
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.ProbeSuccesses <= 0 {
		opts.ProbeSuccesses = defaultProbeSuccesses
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
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.Rate, burst)
	}
	return &Breaker{
		name:    name,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		limiter: limiter,
	}
}

// Do runs fn behind the circuit and the throttle. Trip-class failures
// (transient, overload) count toward opening the circuit; validation and
// other permanent failures pass through without tripping it.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	b.Report(err)
	return err
}

// Allow reserves the right to issue one request: it short-circuits when the
// circuit is open and waits on the token bucket otherwise. Callers that use
// Allow directly must pair it with Report.
func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	now := b.clock()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.opts.Cooldown {
			b.mu.Unlock()
			b.metrics.IncCounter("loom.breaker.short_circuits", 1, "backend", b.name)
			return fault.Wrap(fault.KindCircuitOpen, b.name+" backend unavailable", ErrOpen)
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.inProbe = 0
		fallthrough
	case StateHalfOpen:
		// Admit only as many in-flight probes as successes still needed.
		if b.inProbe >= b.opts.ProbeSuccesses-b.probes {
			b.mu.Unlock()
			b.metrics.IncCounter("loom.breaker.short_circuits", 1, "backend", b.name)
			return fault.Wrap(fault.KindCircuitOpen, b.name+" backend in recovery", ErrOpen)
		}
		b.inProbe++
	}
	b.mu.Unlock()

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			b.probeDone()
			return fault.Wrap(fault.KindOverload, b.name+" backend throttled", err)
		}
	}
	return nil
}

// Report records the outcome of a request admitted by Allow.
func (b *Breaker) Report(err error) {
	trip := err != nil && tripClass(err)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if b.inProbe > 0 {
			b.inProbe--
		}
		if trip {
			b.openLocked()
			return
		}
		if err == nil {
			b.probes++
			if b.probes >= b.opts.ProbeSuccesses {
				b.state = StateClosed
				b.failures = 0
				b.probes = 0
				b.metrics.IncCounter("loom.breaker.closed", 1, "backend", b.name)
				b.logger.Info(context.Background(), "circuit closed", "backend", b.name)
			}
		}
	default:
		if trip {
			b.failures++
			if b.failures >= b.opts.FailureThreshold {
				b.openLocked()
			}
			return
		}
		if err == nil {
			b.failures = 0
		}
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock().Sub(b.openedAt) >= b.opts.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns the admin view.
func (b *Breaker) Snapshot() Status {
	st := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := -1.0
	if b.limiter != nil {
		tokens = b.limiter.Tokens()
	}
	s := Status{Name: b.name, State: st.String(), Failures: b.failures, Tokens: tokens}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.failures = 0
	b.probes = 0
	b.inProbe = 0
	b.metrics.IncCounter("loom.breaker.opened", 1, "backend", b.name)
	b.logger.Warn(context.Background(), "circuit opened",
		"backend", b.name, "cooldown", b.opts.Cooldown)
}

// probeDone releases a probe slot that never reached the backend.
func (b *Breaker) probeDone() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.inProbe > 0 {
		b.inProbe--
	}
	b.mu.Unlock()
}

// tripClass reports whether the failure should count toward opening the
// circuit. Cancellation and caller mistakes say nothing about backend
// health.
func tripClass(err error) bool {
	switch fault.Classify(err) {
	case fault.KindTransient, fault.KindOverload:
		return true
	default:
		return false
	}
}

// NewRegistry builds a breaker registry. defaults apply to breakers created
// lazily by Get.
func NewRegistry(defaults Options) *Registry {
	return &Registry{defaults: defaults, entries: make(map[string]*Breaker)}
}

// Get returns the breaker for a backend, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.entries[name]; ok {
		return b
	}
	b := New(name, r.defaults)
	r.entries[name] = b
	return b
}

// Do runs fn behind the named backend's breaker.
func (r *Registry) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Do(ctx, fn)
}

// States returns all breaker snapshots ordered by backend name.
func (r *Registry) States() []Status {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.entries))
	for _, b := range r.entries {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Status, len(breakers))
	for i, b := range breakers {
		out[i] = b.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

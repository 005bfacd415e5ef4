// Package gateway routes model requests to registered backends by model id
// prefix. A request for "anthropic/claude-sonnet-4-5" resolves to the client
// registered under "anthropic/" and dispatches with the prefix stripped, so
// backend adapters only ever see their own naming scheme. When a backend
// sheds load and a fallback rewrite is configured for the requested model,
// the gateway reroutes the request once before surfacing the error. Backend
// health is tracked from observed call outcomes and exposed both as a
// snapshot and as health.Pinger instances for the node checker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/clue/health"

	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/telemetry"
)

var (
	// ErrNoRoute reports a model id that matches no registered backend.
	ErrNoRoute = errors.New("model gateway: no route for model")
	// ErrRouteRequired indicates construction without any backend route.
	ErrRouteRequired = errors.New("model gateway: at least one route is required")
)

// defaultUnhealthyAfter is the consecutive-failure count at which a backend
// is reported unhealthy.
const defaultUnhealthyAfter = 3

type (
	// Gateway implements model.Client over a set of prefix-keyed backends.
	Gateway struct {
		routes        []*route
		byPrefix      map[string]*route
		rewrites      map[string]string
		defaultPrefix string
		logger        telemetry.Logger
		metrics       telemetry.Metrics
	}

	// Option configures a Gateway during construction.
	Option func(*config)

	config struct {
		routes         []*route
		rewrites       map[string]string
		defaultPrefix  string
		logger         telemetry.Logger
		metrics        telemetry.Metrics
		unhealthyAfter int
	}

	// route binds one backend client to its model id prefix and tracks the
	// outcome of calls dispatched through it.
	route struct {
		prefix         string
		name           string
		client         model.Client
		unhealthyAfter int

		mu          sync.Mutex
		consecutive int
		lastErr     error
		lastOKAt    time.Time
		lastErrAt   time.Time
	}

	// BackendStatus is a point-in-time health summary for one backend.
	BackendStatus struct {
		// Backend is the route name (prefix without the separator).
		Backend string
		// Healthy is false once consecutive failures reach the threshold.
		Healthy bool
		// ConsecutiveFailures counts failures since the last success.
		ConsecutiveFailures int
		// LastError is the most recent failure message, empty when none.
		LastError string
		// LastSuccess is the time of the most recent successful call.
		LastSuccess time.Time
		// LastFailure is the time of the most recent failed call.
		LastFailure time.Time
	}
)

// WithRoute registers a backend client under a model id prefix, for example
// WithRoute("anthropic/", anthropicClient). The prefix is stripped before
// dispatch. Longer prefixes win when several match.
func WithRoute(prefix string, client model.Client) Option {
	return func(c *config) {
		c.routes = append(c.routes, &route{
			prefix: prefix,
			name:   strings.TrimSuffix(prefix, "/"),
			client: client,
		})
	}
}

// WithRewrite configures a fallback route for a model id. When a dispatch
// for from fails with the provider-overloaded signal, the gateway reroutes
// the request to the to model id and retries once.
func WithRewrite(from, to string) Option {
	return func(c *config) {
		if c.rewrites == nil {
			c.rewrites = make(map[string]string)
		}
		c.rewrites[from] = to
	}
}

// WithDefaultRoute names the prefix that handles model ids matching no
// registered prefix. The id is passed through unmodified so the backend can
// apply its own default model.
func WithDefaultRoute(prefix string) Option {
	return func(c *config) { c.defaultPrefix = prefix }
}

// WithLogger sets the logger used for reroute notices.
func WithLogger(l telemetry.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithUnhealthyAfter overrides the consecutive-failure threshold at which a
// backend is reported unhealthy.
func WithUnhealthyAfter(n int) Option {
	return func(c *config) { c.unhealthyAfter = n }
}

// New constructs a Gateway. At least one route is required; rewrite targets
// and the default route must resolve against the registered prefixes so
// misconfiguration fails at boot rather than mid-run.
func New(opts ...Option) (*Gateway, error) {
	cfg := config{
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		unhealthyAfter: defaultUnhealthyAfter,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if len(cfg.routes) == 0 {
		return nil, ErrRouteRequired
	}

	g := &Gateway{
		routes:        cfg.routes,
		byPrefix:      make(map[string]*route, len(cfg.routes)),
		rewrites:      cfg.rewrites,
		defaultPrefix: cfg.defaultPrefix,
		logger:        cfg.logger,
		metrics:       cfg.metrics,
	}
	for _, rt := range g.routes {
		if rt.prefix == "" {
			return nil, fmt.Errorf("model gateway: empty route prefix")
		}
		if rt.client == nil {
			return nil, fmt.Errorf("model gateway: route %q has no client", rt.prefix)
		}
		if _, dup := g.byPrefix[rt.prefix]; dup {
			return nil, fmt.Errorf("model gateway: duplicate route prefix %q", rt.prefix)
		}
		rt.unhealthyAfter = cfg.unhealthyAfter
		g.byPrefix[rt.prefix] = rt
	}
	// Longest prefix first so "bedrock/anthropic." style routes can coexist
	// with their shorter parents.
	sort.SliceStable(g.routes, func(i, j int) bool {
		return len(g.routes[i].prefix) > len(g.routes[j].prefix)
	})
	if g.defaultPrefix != "" {
		if _, ok := g.byPrefix[g.defaultPrefix]; !ok {
			return nil, fmt.Errorf("model gateway: default route %q is not registered", g.defaultPrefix)
		}
	}
	for from, to := range g.rewrites {
		if from == to {
			return nil, fmt.Errorf("model gateway: rewrite for %q targets itself", from)
		}
		if _, _, err := g.resolve(to); err != nil {
			return nil, fmt.Errorf("model gateway: rewrite %q -> %q: %w", from, to, err)
		}
	}
	return g, nil
}

// Complete resolves the backend for req.Model and dispatches. On an
// overload failure with a configured rewrite the request is rerouted once;
// all other errors surface unchanged for upstream classification.
func (g *Gateway) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	rt, id, err := g.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	resp, err := rt.client.Complete(ctx, requestWithModel(req, id))
	rt.observe(err)
	if err == nil {
		return resp, nil
	}
	frt, fid, ok := g.fallbackFor(ctx, req.Model, err)
	if !ok {
		return nil, err
	}
	resp, err = frt.client.Complete(ctx, requestWithModel(req, fid))
	frt.observe(err)
	return resp, err
}

// Stream resolves the backend for req.Model and opens a stream. Overload at
// dial time is rerouted like Complete; failures after the stream is
// established belong to the caller, which owns the Streamer.
func (g *Gateway) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	rt, id, err := g.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	st, err := rt.client.Stream(ctx, requestWithModel(req, id))
	rt.observe(err)
	if err == nil {
		return st, nil
	}
	frt, fid, ok := g.fallbackFor(ctx, req.Model, err)
	if !ok {
		return nil, err
	}
	st, err = frt.client.Stream(ctx, requestWithModel(req, fid))
	frt.observe(err)
	return st, err
}

// Health reports the tracked status of every backend, sorted by name.
func (g *Gateway) Health() []BackendStatus {
	out := make([]BackendStatus, 0, len(g.routes))
	for _, rt := range g.routes {
		out = append(out, rt.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

// Pingers returns one health.Pinger per backend for the node health
// checker. Model backends have no cheap ping operation, so Ping reports the
// tracked call outcomes instead of dialing.
func (g *Gateway) Pingers() []health.Pinger {
	out := make([]health.Pinger, 0, len(g.routes))
	for _, rt := range g.routes {
		out = append(out, (*routePinger)(rt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// resolve matches id against the registered prefixes, longest first, and
// returns the route plus the id with the prefix stripped. Unmatched ids fall
// through to the default route when one is configured.
func (g *Gateway) resolve(id string) (*route, string, error) {
	for _, rt := range g.routes {
		if strings.HasPrefix(id, rt.prefix) {
			return rt, strings.TrimPrefix(id, rt.prefix), nil
		}
	}
	if g.defaultPrefix != "" {
		return g.byPrefix[g.defaultPrefix], id, nil
	}
	return nil, "", fmt.Errorf("%w %q", ErrNoRoute, id)
}

// fallbackFor resolves the rewrite target for modelID when err carries the
// overload signal and a rewrite is configured. The reroute is logged and
// counted so operators can see traffic shifting.
func (g *Gateway) fallbackFor(ctx context.Context, modelID string, err error) (*route, string, bool) {
	if len(g.rewrites) == 0 {
		return nil, "", false
	}
	if !errors.Is(err, model.ErrOverloaded) && !fault.IsOverload(err) {
		return nil, "", false
	}
	to, ok := g.rewrites[modelID]
	if !ok {
		return nil, "", false
	}
	rt, id, rerr := g.resolve(to)
	if rerr != nil {
		return nil, "", false
	}
	g.logger.Warn(ctx, "backend overloaded, rerouting model",
		"from", modelID, "to", to, "cause", err.Error())
	g.metrics.IncCounter("loom.gateway.reroutes", 1, "backend", rt.name)
	return rt, id, true
}

// requestWithModel returns req with its model id replaced, copying only when
// the id actually changes.
func requestWithModel(req *model.Request, id string) *model.Request {
	if req.Model == id {
		return req
	}
	clone := *req
	clone.Model = id
	return &clone
}

// observe folds one call outcome into the route's health state. Context
// cancellation says nothing about the backend and is ignored.
func (rt *route) observe(err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err == nil {
		rt.consecutive = 0
		rt.lastErr = nil
		rt.lastOKAt = time.Now()
		return
	}
	rt.consecutive++
	rt.lastErr = err
	rt.lastErrAt = time.Now()
}

func (rt *route) status() BackendStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s := BackendStatus{
		Backend:             rt.name,
		Healthy:             rt.consecutive < rt.unhealthyAfter,
		ConsecutiveFailures: rt.consecutive,
		LastSuccess:         rt.lastOKAt,
		LastFailure:         rt.lastErrAt,
	}
	if rt.lastErr != nil {
		s.LastError = rt.lastErr.Error()
	}
	return s
}

// routePinger adapts a route's tracked health to the clue checker contract.
type routePinger route

func (p *routePinger) Name() string { return "model-" + p.name }

func (p *routePinger) Ping(context.Context) error {
	st := (*route)(p).status()
	if st.Healthy {
		return nil
	}
	return fmt.Errorf("backend %s unhealthy after %d consecutive failures: %s",
		st.Backend, st.ConsecutiveFailures, st.LastError)
}

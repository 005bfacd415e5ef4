package middleware

import (
	"context"
	"math/rand"
	"time"

	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/telemetry"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMax      = 8 * time.Second
	defaultRetryJitter   = 0.2
)

// RetryOptions configures the retry wrapper.
type RetryOptions struct {
	// MaxAttempts bounds total dispatches, first call included. Defaults
	// to 3.
	MaxAttempts int
	// BaseDelay is the first backoff interval, doubled per attempt.
	// Defaults to 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval. Defaults to 8s.
	MaxDelay time.Duration
	// Jitter is the fraction of the interval randomized in both
	// directions. Defaults to 0.2 (plus or minus 20 percent).
	Jitter float64
	// Logger defaults to a no-op logger.
	Logger telemetry.Logger
	// Metrics defaults to no-op metrics.
	Metrics telemetry.Metrics
	// sleep overrides the backoff wait in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps a client with bounded exponential backoff. Only transient
// failures (provider 429, backend timeouts, connection resets) are retried.
// Overload is deliberately not retried here: the gateway reroutes it to a
// fallback model, and hammering an overloaded backend only extends the
// incident. Streams retry the dial, never an established stream.
func WithRetry(opts RetryOptions) Wrapper {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultRetryAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultRetryBase
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultRetryMax
	}
	if opts.Jitter < 0 || opts.Jitter > 1 {
		opts.Jitter = defaultRetryJitter
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &retryClient{next: next, opts: opts}
	}
}

type retryClient struct {
	next model.Client
	opts RetryOptions
}

func (c *retryClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	var (
		resp *model.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		resp, err = c.next.Complete(ctx, req)
		err = classify("complete", err)
		if done := c.settle(ctx, "complete", attempt, err); done {
			return resp, err
		}
	}
}

func (c *retryClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	var (
		st  model.Streamer
		err error
	)
	for attempt := 1; ; attempt++ {
		st, err = c.next.Stream(ctx, req)
		err = classify("stream", err)
		if done := c.settle(ctx, "stream", attempt, err); done {
			return st, err
		}
	}
}

// settle decides whether the attempt outcome is final, sleeping through the
// backoff interval when another attempt follows.
func (c *retryClient) settle(ctx context.Context, op string, attempt int, err error) bool {
	if err == nil || attempt >= c.opts.MaxAttempts || fault.Classify(err) != fault.KindTransient {
		return true
	}
	delay := c.backoff(attempt)
	c.opts.Logger.Debug(ctx, "retrying model call",
		"op", op, "attempt", attempt, "delay_ms", delay.Milliseconds(), "cause", err.Error())
	c.opts.Metrics.IncCounter("loom.model.retries", 1, "op", op)
	if serr := c.opts.sleep(ctx, delay); serr != nil {
		return true
	}
	return false
}

// backoff computes the jittered exponential interval for the given attempt
// (1-based).
func (c *retryClient) backoff(attempt int) time.Duration {
	d := c.opts.BaseDelay << uint(attempt-1)
	if d > c.opts.MaxDelay || d <= 0 {
		d = c.opts.MaxDelay
	}
	if c.opts.Jitter > 0 {
		spread := float64(d) * c.opts.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

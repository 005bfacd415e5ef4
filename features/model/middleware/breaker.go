package middleware

import (
	"context"

	"github.com/weaveline/loom/runtime/breaker"
	"github.com/weaveline/loom/runtime/model"
)

// WithBreaker guards a backend client with its circuit breaker: every
// dispatch reserves admission with Allow and reports the classified outcome,
// so consecutive transient and overload failures open the circuit and
// short-circuit callers until the cooldown elapses. Errors returned to the
// caller carry their fault classification.
func WithBreaker(b *breaker.Breaker) Wrapper {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &breakerClient{next: next, breaker: b}
	}
}

type breakerClient struct {
	next    model.Client
	breaker *breaker.Breaker
}

func (c *breakerClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.breaker.Allow(ctx); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	err = classify("complete", err)
	c.breaker.Report(err)
	return resp, err
}

func (c *breakerClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.breaker.Allow(ctx); err != nil {
		return nil, err
	}
	st, err := c.next.Stream(ctx, req)
	err = classify("stream", err)
	c.breaker.Report(err)
	return st, err
}

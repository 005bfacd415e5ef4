// Package middleware provides composable model.Client wrappers for the
// cross-cutting concerns of LLM dispatch: retry with exponential backoff,
// adaptive tokens-per-minute limiting, and circuit breaking. Wrappers
// compose with Chain and classify provider sentinel errors into the fault
// taxonomy so downstream policy (gateway reroute, orchestrator retry
// decisions) acts on kinds rather than string matching.
package middleware

import (
	"context"
	"errors"

	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/model"
)

// Wrapper decorates a model.Client with one cross-cutting concern.
type Wrapper func(model.Client) model.Client

// Chain applies wrappers to client so the first listed wrapper is the
// outermost layer. Chain(c, WithRetry(o), lim.Wrapper()) retries around the
// limiter, which waits before each attempt reaches c.
func Chain(client model.Client, wrappers ...Wrapper) model.Client {
	for i := len(wrappers) - 1; i >= 0; i-- {
		if wrappers[i] == nil {
			continue
		}
		client = wrappers[i](client)
	}
	return client
}

// classify maps SDK sentinel errors onto fault kinds so breakers and retry
// policies see classified failures. Errors already carrying a Fault pass
// through untouched, as do errors matching no known signal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		return err
	}
	switch {
	case errors.Is(err, model.ErrOverloaded):
		return fault.Wrap(fault.KindOverload, op, err)
	case errors.Is(err, model.ErrRateLimited):
		return fault.Wrap(fault.KindTransient, op, err)
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.KindCanceled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.KindTransient, op, err)
	}
	return err
}

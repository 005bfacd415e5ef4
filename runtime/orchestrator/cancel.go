package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weaveline/loom/runtime/kv"
)

type (
	// CancelKV is the key-value subset the stop signal needs.
	CancelKV interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		Del(ctx context.Context, keys ...string) error
	}

	// Canceler is the per-run stop signal. The stop endpoint and admin
	// actions set it; the owning worker polls it at safe points (before
	// dispatch, between stream chunks, at iteration boundaries) and winds the
	// run down with a stopped status. Signals expire on their own so a signal
	// for a run that died mid-flight does not linger.
	Canceler struct {
		kv  CancelKV
		ttl time.Duration
	}
)

// cancelTTL bounds signal lifetime. Far longer than any run; short enough
// that leaked signals cannot pin keys forever.
const cancelTTL = time.Hour

// NewCanceler wraps a KV client in the stop-signal protocol.
func NewCanceler(kvc CancelKV) *Canceler {
	return &Canceler{kv: kvc, ttl: cancelTTL}
}

func cancelKey(runID string) string { return "run:" + runID + ":cancel" }

// RequestStop sets the stop signal with a reason surfaced on the terminal
// status record.
func (c *Canceler) RequestStop(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "canceled"
	}
	if err := c.kv.Set(ctx, cancelKey(runID), reason, c.ttl); err != nil {
		return fmt.Errorf("request stop %s: %w", runID, err)
	}
	return nil
}

// Stopped reports whether the signal is set and the recorded reason.
func (c *Canceler) Stopped(ctx context.Context, runID string) (bool, string, error) {
	v, err := c.kv.Get(ctx, cancelKey(runID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("read stop signal %s: %w", runID, err)
	}
	return true, v, nil
}

// Clear removes the signal once the run reaches a terminal status.
func (c *Canceler) Clear(ctx context.Context, runID string) error {
	if err := c.kv.Del(ctx, cancelKey(runID)); err != nil {
		return fmt.Errorf("clear stop signal %s: %w", runID, err)
	}
	return nil
}

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Snapshot is one entry in the metrics history ring buffer. Gauges carry
	// point-in-time values collected from the core components (buffered runs,
	// breaker states, pool size) for the admin dashboard.
	Snapshot struct {
		Time   time.Time          `json:"time"`
		Node   string             `json:"node"`
		Gauges map[string]float64 `json:"gauges"`
	}

	// HistoryKV is the subset of the KV client the history buffer needs.
	HistoryKV interface {
		LPush(ctx context.Context, key string, values ...string) error
		LTrim(ctx context.Context, key string, start, stop int64) error
		LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	}

	// History maintains a bounded ring buffer of metric snapshots in the KV
	// store under a single list key. Writers push, readers range; the list is
	// trimmed to MaxEntries after every push.
	History struct {
		kv         HistoryKV
		key        string
		maxEntries int64
	}
)

// historyKey is the KV list holding metric snapshots.
const historyKey = "metrics:history"

// defaultHistoryEntries bounds the ring buffer to one day of minute samples.
const defaultHistoryEntries = 1440

// NewHistory constructs a metrics history ring buffer. maxEntries <= 0 uses
// the default of 1440 entries.
func NewHistory(kv HistoryKV, maxEntries int64) *History {
	if maxEntries <= 0 {
		maxEntries = defaultHistoryEntries
	}
	return &History{kv: kv, key: historyKey, maxEntries: maxEntries}
}

// Push appends a snapshot to the ring buffer and trims it to capacity.
func (h *History) Push(ctx context.Context, snap Snapshot) error {
	if snap.Time.IsZero() {
		snap.Time = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := h.kv.LPush(ctx, h.key, string(data)); err != nil {
		return fmt.Errorf("push snapshot: %w", err)
	}
	if err := h.kv.LTrim(ctx, h.key, 0, h.maxEntries-1); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

// List returns up to n most recent snapshots, newest first. n <= 0 returns
// the full buffer.
func (h *History) List(ctx context.Context, n int64) ([]Snapshot, error) {
	if n <= 0 || n > h.maxEntries {
		n = h.maxEntries
	}
	raw, err := h.kv.LRange(ctx, h.key, 0, n-1)
	if err != nil {
		return nil, fmt.Errorf("range history: %w", err)
	}
	snaps := make([]Snapshot, 0, len(raw))
	for _, r := range raw {
		var s Snapshot
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			continue
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

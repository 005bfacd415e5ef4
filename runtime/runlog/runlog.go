// Package runlog defines the durable run event archive contract. The per-run
// redis stream is capped, so an archiver tees published records into a
// queryable log that survives stream trimming. Archiving is best-effort: a
// failed append never fails the run.
package runlog

import (
	"context"
	"time"

	"github.com/weaveline/loom/runtime/stream"
)

type (
	// Event is one archived stream record.
	Event struct {
		// RunID identifies the run the record belongs to.
		RunID string
		// Sequence is the record's position within the run.
		Sequence int64
		// Type is the record kind (stream.Type* values).
		Type string
		// Payload is the JSON-encoded stream record.
		Payload []byte
		// CreatedAt is the archive insertion time.
		CreatedAt time.Time
	}

	// Store persists archived events.
	Store interface {
		// Append stores one event.
		Append(ctx context.Context, ev Event) error
		// List returns a run's events ordered by sequence, at most limit
		// entries starting after the given sequence. limit <= 0 means no
		// bound.
		List(ctx context.Context, runID string, afterSeq int64, limit int) ([]Event, error)
		// Purge deletes events older than the retention cutoff and returns
		// the number removed.
		Purge(ctx context.Context, olderThan time.Time) (int64, error)
	}
)

// FromRecord builds an archive event from a published stream record.
func FromRecord(runID string, rec stream.Record, now time.Time) (Event, error) {
	payload, err := stream.Encode(rec)
	if err != nil {
		return Event{}, err
	}
	return Event{
		RunID:     runID,
		Sequence:  rec.Sequence,
		Type:      rec.Type,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

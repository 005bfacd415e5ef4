// Package redis implements the run event stream over capped redis streams.
// Each run gets one stream keyed agent_run:{id}:stream holding JSON-encoded
// records in a data field, trimmed to an approximate maximum length. A
// companion control key agent_run:{id}:control carries the out-of-band
// STREAM_COMPLETE signal so subscribers can distinguish a finished run from
// one whose terminal record was trimmed away. When an archive store is
// configured, published records are teed to it asynchronously; archiving is
// best-effort and never fails or delays a publish.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weaveline/loom/runtime/kv"
	"github.com/weaveline/loom/runtime/runlog"
	"github.com/weaveline/loom/runtime/stream"
	"github.com/weaveline/loom/runtime/telemetry"
)

const (
	defaultMaxLen        = 8192
	defaultControlTTL    = time.Hour
	defaultArchiveBuffer = 256
	archiveTimeout       = 5 * time.Second
)

type (
	// Store is the narrow KV surface the stream consumes.
	Store interface {
		XAdd(ctx context.Context, key string, maxLen int64, values map[string]any) (string, error)
		XRange(ctx context.Context, key, start, stop string, count int64) ([]kv.StreamEntry, error)
		XLen(ctx context.Context, key string) (int64, error)
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key, value string, ttl time.Duration) error
	}

	// Options configures a Stream.
	Options struct {
		// MaxLen caps each run stream; trimming is approximate. Defaults to
		// 8192 records.
		MaxLen int64
		// ControlTTL bounds how long the completion signal outlives the
		// run. Defaults to 1h.
		ControlTTL time.Duration
		// Archive, when set, receives every published record.
		Archive runlog.Store
		// ArchiveBuffer is the tee queue depth. Records beyond it are
		// dropped and counted. Defaults to 256.
		ArchiveBuffer int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Stream implements stream.Publisher and stream.Reader over redis.
	Stream struct {
		store      Store
		maxLen     int64
		controlTTL time.Duration
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		clock      func() time.Time

		archive   runlog.Store
		archiveCh chan runlog.Event
		done      chan struct{}
		closeOnce sync.Once
	}
)

// New builds a Stream over the given KV store. Close must be called when an
// archive store is configured so the tee worker drains.
func New(store Store, opts Options) (*Stream, error) {
	if store == nil {
		return nil, errors.New("stream: kv store is required")
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultMaxLen
	}
	if opts.ControlTTL <= 0 {
		opts.ControlTTL = defaultControlTTL
	}
	if opts.ArchiveBuffer <= 0 {
		opts.ArchiveBuffer = defaultArchiveBuffer
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
	s := &Stream{
		store:      store,
		maxLen:     opts.MaxLen,
		controlTTL: opts.ControlTTL,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		archive:    opts.Archive,
		done:       make(chan struct{}),
	}
	if s.archive != nil {
		s.archiveCh = make(chan runlog.Event, opts.ArchiveBuffer)
		go s.drainArchive()
	}
	return s, nil
}

// Close stops the archive tee worker after draining queued events. Safe to
// call more than once and without an archive configured.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.archiveCh != nil {
			close(s.archiveCh)
			<-s.done
		}
	})
	return nil
}

// Publish appends one record to the run's stream and tees it to the archive
// when one is configured.
func (s *Stream) Publish(ctx context.Context, runID string, rec stream.Record) error {
	data, err := stream.Encode(rec)
	if err != nil {
		return err
	}
	if _, err := s.store.XAdd(ctx, streamKey(runID), s.maxLen, map[string]any{"data": string(data)}); err != nil {
		return fmt.Errorf("stream publish %s: %w", runID, err)
	}
	s.tee(runID, rec)
	return nil
}

// Complete writes the out-of-band completion signal to the run's control
// key. Readers treat it as EOF even when the terminal record was trimmed.
func (s *Stream) Complete(ctx context.Context, runID string) error {
	if err := s.store.Set(ctx, controlKey(runID), stream.StreamComplete, s.controlTTL); err != nil {
		return fmt.Errorf("stream complete %s: %w", runID, err)
	}
	return nil
}

// ReadFrom returns records after lastID; an empty lastID reads from the
// stream head. The returned position feeds the next call.
func (s *Stream) ReadFrom(ctx context.Context, runID, lastID string, limit int) ([]stream.Entry, string, error) {
	start := "-"
	if lastID != "" {
		// Exclusive range start so the caller never sees the same entry
		// twice.
		start = "(" + lastID
	}
	raw, err := s.store.XRange(ctx, streamKey(runID), start, "+", int64(limit))
	if err != nil {
		return nil, lastID, fmt.Errorf("stream read %s: %w", runID, err)
	}
	entries := make([]stream.Entry, 0, len(raw))
	pos := lastID
	for _, e := range raw {
		rec, err := stream.Decode([]byte(e.Values["data"]))
		if err != nil {
			s.logger.Warn(ctx, "skipping undecodable stream record",
				"run_id", runID, "entry_id", e.ID, "error", err.Error())
			pos = e.ID
			continue
		}
		entries = append(entries, stream.Entry{ID: e.ID, Record: rec})
		pos = e.ID
	}
	return entries, pos, nil
}

// Len returns the number of retained records in the run's stream.
func (s *Stream) Len(ctx context.Context, runID string) (int64, error) {
	n, err := s.store.XLen(ctx, streamKey(runID))
	if err != nil {
		return 0, fmt.Errorf("stream len %s: %w", runID, err)
	}
	return n, nil
}

// Completed reports whether the run's completion signal is set.
func (s *Stream) Completed(ctx context.Context, runID string) (bool, error) {
	v, err := s.store.Get(ctx, controlKey(runID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stream control %s: %w", runID, err)
	}
	return v == stream.StreamComplete, nil
}

// tee queues the record for archival without ever blocking the publish
// path. Overflow drops the record and bumps a counter.
func (s *Stream) tee(runID string, rec stream.Record) {
	if s.archiveCh == nil {
		return
	}
	ev, err := runlog.FromRecord(runID, rec, s.clock())
	if err != nil {
		return
	}
	select {
	case s.archiveCh <- ev:
	default:
		s.metrics.IncCounter("loom.runlog.dropped", 1)
	}
}

func (s *Stream) drainArchive() {
	defer close(s.done)
	for ev := range s.archiveCh {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := s.archive.Append(ctx, ev); err != nil {
			s.metrics.IncCounter("loom.runlog.errors", 1)
			s.logger.Warn(ctx, "run event archive append failed",
				"run_id", ev.RunID, "sequence", ev.Sequence, "error", err.Error())
		}
		cancel()
	}
}

func streamKey(runID string) string { return "agent_run:" + runID + ":stream" }

func controlKey(runID string) string { return "agent_run:" + runID + ":control" }

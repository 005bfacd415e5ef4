// Package sweeper implements crash recovery. A periodic pass finds orphaned
// runs (active set members whose lease died), reclaims them with an atomic
// claim, and hands them to registered recovery callbacks; a second scan
// force-completes runs that exceeded the maximum total duration; a third
// re-dispatches runs stranded in queued by a worker that died between ack
// and claim. The same primitives back the administrative
// force-resume/complete/fail actions.
//
// Several sweepers may run concurrently: the claim step guarantees each
// orphan is recovered by exactly one of them, and shard configuration
// partitions the scan so they do not contend on the same runs.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weaveline/loom/runtime/buffer"
	"github.com/weaveline/loom/runtime/lease"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/stream"
	"github.com/weaveline/loom/runtime/telemetry"
)

type (
	// Leases is the ownership surface the sweeper drives.
	Leases interface {
		Claim(ctx context.Context, runID string) (bool, error)
		Release(ctx context.Context, runID, status string) error
		FindOrphansSharded(ctx context.Context, shard, total int) ([]string, error)
		Active(ctx context.Context) ([]string, error)
		Info(ctx context.Context, runID string) (lease.Info, error)
	}

	// Flusher drains a run's buffered writes before a forced transition.
	Flusher interface {
		FlushUntilEmpty(ctx context.Context, runID string) error
	}

	// Enqueuer dispatches continuation runs created by ForceResume.
	Enqueuer interface {
		EnqueueRun(ctx context.Context, r run.Run) error
	}

	// RecoveryFunc is invoked for each reclaimed orphan. The callback takes
	// over the claimed lease; returning an error releases it and fails the
	// run.
	RecoveryFunc func(ctx context.Context, runID string) error

	// Options configures a Sweeper.
	Options struct {
		// Interval is the periodic pass cadence. Defaults to 10s.
		Interval time.Duration
		// MaxRunDuration is the stuck-run threshold. Defaults to 30m.
		MaxRunDuration time.Duration
		// RequeueAfter is the age at which a queued run with no owner is
		// dispatched again. Covers dispatches acked by a worker that died
		// before claiming. Defaults to 2m.
		RequeueAfter time.Duration
		// Shards supplies this instance's (shard, total) partition. Defaults
		// to the unsharded 0/1.
		Shards func() (int, int)
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Sweeper reclaims orphaned and stuck runs.
	Sweeper struct {
		leases  Leases
		runs    run.RunStore
		flusher Flusher
		pub     stream.Publisher
		queue   Enqueuer
		opts    Options
		logger  telemetry.Logger
		metrics telemetry.Metrics

		callbacks []RecoveryFunc
	}

	// SweepStats aggregates one pass.
	SweepStats struct {
		Orphans        int
		Recovered      int
		Stuck          int
		ForceCompleted int
		Requeued       int
	}

	// RecoveryResult reports one administrative action.
	RecoveryResult struct {
		RunID  string `json:"run_id"`
		Action string `json:"action"`
		Error  string `json:"error,omitempty"`
	}
)

// ContinuationPrompt seeds runs enqueued by ForceResume.
const ContinuationPrompt = "Continue from where you left off"

const (
	defaultInterval       = 10 * time.Second
	defaultMaxRunDuration = 30 * time.Minute
	defaultRequeueAfter   = 2 * time.Minute
)

// New constructs a sweeper. queue may be nil when ForceResume is not used.
func New(leases Leases, runs run.RunStore, flusher Flusher, pub stream.Publisher, queue Enqueuer, opts Options) (*Sweeper, error) {
	if leases == nil {
		return nil, errors.New("sweeper: lease manager is required")
	}
	if runs == nil {
		return nil, errors.New("sweeper: run store is required")
	}
	if flusher == nil {
		return nil, errors.New("sweeper: flusher is required")
	}
	if pub == nil {
		return nil, errors.New("sweeper: stream publisher is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxRunDuration <= 0 {
		opts.MaxRunDuration = defaultMaxRunDuration
	}
	if opts.RequeueAfter <= 0 {
		opts.RequeueAfter = defaultRequeueAfter
	}
	if opts.Shards == nil {
		opts.Shards = func() (int, int) { return 0, 1 }
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Sweeper{
		leases:  leases,
		runs:    runs,
		flusher: flusher,
		pub:     pub,
		queue:   queue,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// OnRecover registers a recovery callback. Callbacks run in registration
// order for each reclaimed orphan. Not safe to call after Run starts.
func (s *Sweeper) OnRecover(fn RecoveryFunc) {
	s.callbacks = append(s.callbacks, fn)
}

// Run drives periodic sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error(ctx, "sweep pass failed", "err", err)
			}
		}
	}
}

// RecoverOnStartup runs a single sweep before the node accepts traffic,
// reclaiming runs abandoned by prior instances.
func (s *Sweeper) RecoverOnStartup(ctx context.Context) error {
	stats, err := s.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if stats.Recovered > 0 || stats.ForceCompleted > 0 {
		s.logger.Info(ctx, "startup recovery finished",
			"orphans", stats.Orphans, "recovered", stats.Recovered,
			"stuck", stats.Stuck, "force_completed", stats.ForceCompleted)
	}
	return nil
}

// Sweep performs one recovery pass: orphan reclaim then stuck-run scan.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	started := time.Now()
	var stats SweepStats

	shard, total := s.opts.Shards()
	orphans, err := s.leases.FindOrphansSharded(ctx, shard, total)
	if err != nil {
		return stats, fmt.Errorf("sweep: find orphans: %w", err)
	}
	stats.Orphans = len(orphans)
	for _, id := range orphans {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		won, err := s.leases.Claim(ctx, id)
		if err != nil {
			s.logger.Warn(ctx, "orphan claim failed", "run_id", id, "err", err)
			continue
		}
		if !won {
			// Another sweeper or a returning owner got there first.
			continue
		}
		if err := s.recover(ctx, id); err != nil {
			s.logger.Error(ctx, "orphan recovery failed", "run_id", id, "err", err)
			s.failRecovered(ctx, id, err)
			continue
		}
		stats.Recovered++
	}
	if stats.Recovered > 0 {
		s.metrics.IncCounter("loom.runs.recovered", float64(stats.Recovered))
	}

	stuck, err := s.FindStuck(ctx)
	if err != nil {
		return stats, fmt.Errorf("sweep: find stuck: %w", err)
	}
	stats.Stuck = len(stuck)
	for _, info := range stuck {
		res := s.ForceComplete(ctx, info.RunID, "max_duration")
		if res.Error == "" {
			stats.ForceCompleted++
		} else {
			s.logger.Warn(ctx, "stuck run force-complete failed",
				"run_id", info.RunID, "err", res.Error)
		}
	}
	if stats.Stuck > 0 {
		s.metrics.IncCounter("loom.runs.stuck", float64(stats.Stuck))
	}

	if s.queue != nil {
		if err := s.requeueStale(ctx, &stats); err != nil {
			return stats, fmt.Errorf("sweep: requeue queued: %w", err)
		}
	}

	s.metrics.RecordTimer("loom.sweeper.pass.duration", time.Since(started))
	return stats, nil
}

// requeueStale re-dispatches runs that sat in queued past RequeueAfter. A
// dispatch is acked before the worker claims, so a crash in that window
// strands the run in queued with no owner and nothing pending on the queue.
func (s *Sweeper) requeueStale(ctx context.Context, stats *SweepStats) error {
	queued, err := s.runs.ListByStatus(ctx, run.StatusQueued, 0)
	if err != nil {
		return err
	}
	shard, total := s.opts.Shards()
	cutoff := time.Now().Add(-s.opts.RequeueAfter)
	for _, r := range queued {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lease.Shard(r.ID, total) != shard {
			continue
		}
		if r.UpdatedAt.After(cutoff) {
			continue
		}
		info, err := s.leases.Info(ctx, r.ID)
		if err != nil {
			s.logger.Warn(ctx, "requeue info lookup failed", "run_id", r.ID, "err", err)
			continue
		}
		if info.Owner != "" {
			// Claimed since the listing; the row transition is in flight.
			continue
		}
		if err := s.queue.EnqueueRun(ctx, r); err != nil {
			s.logger.Warn(ctx, "requeue failed", "run_id", r.ID, "err", err)
			continue
		}
		// Stamp the row so the run is not dispatched again before another
		// RequeueAfter elapses. Duplicate deliveries are rejected at claim.
		if err := s.runs.SetStatus(ctx, r.ID, run.StatusQueued, ""); err != nil {
			s.logger.Warn(ctx, "requeue stamp failed", "run_id", r.ID, "err", err)
		}
		s.logger.Info(ctx, "stale queued run re-dispatched", "run_id", r.ID)
		stats.Requeued++
	}
	if stats.Requeued > 0 {
		s.metrics.IncCounter("loom.runs.requeued", float64(stats.Requeued))
	}
	return nil
}

// FindStuck returns active runs whose total duration exceeds the maximum.
func (s *Sweeper) FindStuck(ctx context.Context) ([]lease.Info, error) {
	ids, err := s.leases.Active(ctx)
	if err != nil {
		return nil, err
	}
	var stuck []lease.Info
	for _, id := range ids {
		info, err := s.leases.Info(ctx, id)
		if err != nil {
			s.logger.Warn(ctx, "run info failed during stuck scan", "run_id", id, "err", err)
			continue
		}
		if !info.Start.IsZero() && info.Duration > s.opts.MaxRunDuration {
			stuck = append(stuck, info)
		}
	}
	return stuck, nil
}

// ForceResume stops a wedged run and enqueues a fresh continuation run on
// the same thread.
func (s *Sweeper) ForceResume(ctx context.Context, runID string) RecoveryResult {
	res := RecoveryResult{RunID: runID, Action: "force_resume"}
	if s.queue == nil {
		res.Error = "no queue configured"
		return res
	}
	orig, err := s.runs.Get(ctx, runID)
	if err != nil {
		res.Error = fmt.Sprintf("load run: %v", err)
		return res
	}
	if err := s.leases.Release(ctx, runID, string(run.StatusStopped)); err != nil {
		res.Error = fmt.Sprintf("release: %v", err)
		return res
	}
	if err := s.runs.SetStatus(ctx, runID, run.StatusStopped, "force_resume"); err != nil && !errors.Is(err, run.ErrInvalidTransition) {
		res.Error = fmt.Sprintf("mark stopped: %v", err)
		return res
	}

	cont := run.Run{
		ID:        uuid.NewString(),
		ThreadID:  orig.ThreadID,
		ProjectID: orig.ProjectID,
		AccountID: orig.AccountID,
		Status:    run.StatusQueued,
		Prompt:    ContinuationPrompt,
		Model:     orig.Model,
	}
	if err := s.runs.Create(ctx, cont); err != nil {
		res.Error = fmt.Sprintf("create continuation: %v", err)
		return res
	}
	if err := s.queue.EnqueueRun(ctx, cont); err != nil {
		res.Error = fmt.Sprintf("enqueue continuation: %v", err)
		return res
	}
	s.logger.Info(ctx, "run force-resumed",
		"run_id", runID, "continuation_run_id", cont.ID, "thread_id", orig.ThreadID)
	return res
}

// ForceComplete flushes a run's buffered writes, marks it completed, and
// releases ownership.
func (s *Sweeper) ForceComplete(ctx context.Context, runID, reason string) RecoveryResult {
	res := RecoveryResult{RunID: runID, Action: "force_complete"}
	s.flush(ctx, runID)
	if err := s.runs.SetStatus(ctx, runID, run.StatusCompleted, reason); err != nil && !errors.Is(err, run.ErrInvalidTransition) {
		res.Error = fmt.Sprintf("mark completed: %v", err)
	}
	if err := s.pub.Publish(ctx, runID, stream.Terminal(0, stream.StatusCompleted, reason, "")); err != nil {
		s.logger.Warn(ctx, "terminal status publish failed", "run_id", runID, "err", err)
	}
	if err := s.pub.Complete(ctx, runID); err != nil {
		s.logger.Warn(ctx, "stream completion signal failed", "run_id", runID, "err", err)
	}
	if err := s.leases.Release(ctx, runID, string(run.StatusCompleted)); err != nil && res.Error == "" {
		res.Error = fmt.Sprintf("release: %v", err)
	}
	s.logger.Info(ctx, "run force-completed", "run_id", runID, "reason", reason)
	return res
}

// ForceFail flushes a run's buffered writes, pushes a terminal error into
// its stream, marks it failed, and releases ownership.
func (s *Sweeper) ForceFail(ctx context.Context, runID, reason string) RecoveryResult {
	res := RecoveryResult{RunID: runID, Action: "force_fail"}
	s.flush(ctx, runID)
	if err := s.pub.Publish(ctx, runID, stream.Record{Type: stream.TypeError, Content: reason}); err != nil {
		s.logger.Warn(ctx, "error record publish failed", "run_id", runID, "err", err)
	}
	if err := s.pub.Publish(ctx, runID, stream.Terminal(0, stream.StatusError, reason, "")); err != nil {
		s.logger.Warn(ctx, "terminal status publish failed", "run_id", runID, "err", err)
	}
	if err := s.pub.Complete(ctx, runID); err != nil {
		s.logger.Warn(ctx, "stream completion signal failed", "run_id", runID, "err", err)
	}
	if err := s.runs.SetStatus(ctx, runID, run.StatusFailed, reason); err != nil && !errors.Is(err, run.ErrInvalidTransition) {
		res.Error = fmt.Sprintf("mark failed: %v", err)
	}
	if err := s.leases.Release(ctx, runID, string(run.StatusFailed)); err != nil && res.Error == "" {
		res.Error = fmt.Sprintf("release: %v", err)
	}
	s.logger.Info(ctx, "run force-failed", "run_id", runID, "reason", reason)
	return res
}

func (s *Sweeper) recover(ctx context.Context, runID string) error {
	s.logger.Info(ctx, "recovering orphaned run", "run_id", runID)
	for _, fn := range s.callbacks {
		if err := fn(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

// failRecovered cleans up after a recovery callback error: the claimed
// lease is released and the run is failed so it does not orphan again.
func (s *Sweeper) failRecovered(ctx context.Context, runID string, cause error) {
	res := s.ForceFail(ctx, runID, fmt.Sprintf("recovery failed: %v", cause))
	if res.Error != "" {
		s.logger.Error(ctx, "post-recovery cleanup failed", "run_id", runID, "err", res.Error)
	}
}

func (s *Sweeper) flush(ctx context.Context, runID string) {
	if err := s.flusher.FlushUntilEmpty(ctx, runID); err != nil && !errors.Is(err, buffer.ErrUnknownRun) {
		s.logger.Warn(ctx, "pre-transition flush failed", "run_id", runID, "err", err)
	}
}

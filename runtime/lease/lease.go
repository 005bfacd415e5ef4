// Package lease implements distributed run ownership over the KV store.
// A worker claims a run with SET NX EX, keeps the claim alive by
// heartbeating at a third of the lease TTL, and releases it on terminal
// transition. Runs whose owner key expired, or whose heartbeat is older
// than twice the lease TTL, are orphans the recovery sweeper may reclaim.
//
// Only SET NX EX atomicity is assumed of the store; there is no consensus
// service. A worker crash recovers automatically when its owner keys
// expire.
package lease

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/weaveline/loom/runtime/kv"
	"github.com/weaveline/loom/runtime/telemetry"
)

type (
	// KV is the subset of the key-value client the lease manager needs.
	KV interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		Del(ctx context.Context, keys ...string) error
		Expire(ctx context.Context, key string, ttl time.Duration) error
		SAdd(ctx context.Context, key string, members ...string) error
		SRem(ctx context.Context, key string, members ...string) error
		SMembers(ctx context.Context, key string) ([]string, error)
	}

	// Options configures a Manager.
	Options struct {
		// WorkerID identifies this worker in owner keys. Required.
		WorkerID string
		// LeaseTTL is the owner key lifetime. Defaults to 60s. The
		// heartbeat interval is LeaseTTL/3 and the orphan threshold is
		// 2*LeaseTTL.
		LeaseTTL time.Duration
		// StatusTTL bounds the lifetime of the informational status,
		// heartbeat, and start keys. Defaults to 1h.
		StatusTTL time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Clock is injectable for tests. Defaults to time.Now.
		Clock func() time.Time
	}

	// Manager coordinates run ownership for one worker.
	Manager struct {
		kv        KV
		worker    string
		leaseTTL  time.Duration
		statusTTL time.Duration
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		clock     func() time.Time
	}

	// Info describes a run's ownership state for dashboards.
	Info struct {
		RunID        string
		Owner        string
		Status       string
		Heartbeat    time.Time
		HeartbeatAge time.Duration
		Start        time.Time
		Duration     time.Duration
	}
)

// ErrNotOwner reports a heartbeat from a worker that no longer holds the
// lease.
var ErrNotOwner = errors.New("lease: not the owner")

const (
	defaultLeaseTTL  = 60 * time.Second
	defaultStatusTTL = time.Hour

	activeSetKey = "runs:active"
)

// New constructs a lease manager.
func New(kv KV, opts Options) (*Manager, error) {
	if kv == nil {
		return nil, errors.New("lease: kv client is required")
	}
	if opts.WorkerID == "" {
		return nil, errors.New("lease: worker id is required")
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = defaultStatusTTL
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
	return &Manager{
		kv:        kv,
		worker:    opts.WorkerID,
		leaseTTL:  opts.LeaseTTL,
		statusTTL: opts.StatusTTL,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
	}, nil
}

// WorkerID returns the identity this manager claims with.
func (m *Manager) WorkerID() string { return m.worker }

// HeartbeatInterval is the refresh period heartbeat loops should use.
func (m *Manager) HeartbeatInterval() time.Duration { return m.leaseTTL / 3 }

// OrphanThreshold is the heartbeat age beyond which a run counts as
// orphaned.
func (m *Manager) OrphanThreshold() time.Duration { return 2 * m.leaseTTL }

func ownerKey(runID string) string     { return "run:" + runID + ":owner" }
func heartbeatKey(runID string) string { return "run:" + runID + ":heartbeat" }
func statusKey(runID string) string    { return "run:" + runID + ":status" }
func startKey(runID string) string     { return "run:" + runID + ":start" }

// Claim attempts to take exclusive ownership of the run. Returns true iff
// this worker is now the owner. The run joins the active set and its start
// time is recorded on first claim.
func (m *Manager) Claim(ctx context.Context, runID string) (bool, error) {
	won, err := m.kv.SetNX(ctx, ownerKey(runID), m.worker, m.leaseTTL)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", runID, err)
	}
	if !won {
		return false, nil
	}
	now := m.clock()
	if err := m.kv.SAdd(ctx, activeSetKey, runID); err != nil {
		return false, fmt.Errorf("claim %s: add to active set: %w", runID, err)
	}
	if _, err := m.kv.SetNX(ctx, startKey(runID), unix(now), m.statusTTL); err != nil {
		return false, fmt.Errorf("claim %s: record start: %w", runID, err)
	}
	if err := m.kv.Set(ctx, statusKey(runID), "running", m.statusTTL); err != nil {
		return false, fmt.Errorf("claim %s: record status: %w", runID, err)
	}
	if err := m.kv.Set(ctx, heartbeatKey(runID), unix(now), m.statusTTL); err != nil {
		return false, fmt.Errorf("claim %s: record heartbeat: %w", runID, err)
	}
	m.metrics.IncCounter("loom.lease.claimed", 1)
	m.logger.Debug(ctx, "run claimed", "run_id", runID, "worker_id", m.worker)
	return true, nil
}

// Heartbeat refreshes the owner key TTL and records the heartbeat time.
// Returns ErrNotOwner when this worker no longer holds the lease.
func (m *Manager) Heartbeat(ctx context.Context, runID string) error {
	owner, err := m.kv.Get(ctx, ownerKey(runID))
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: run %s has no owner", ErrNotOwner, runID)
		}
		return fmt.Errorf("heartbeat %s: %w", runID, err)
	}
	if owner != m.worker {
		return fmt.Errorf("%w: run %s owned by %s", ErrNotOwner, runID, owner)
	}
	if err := m.kv.Expire(ctx, ownerKey(runID), m.leaseTTL); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: run %s lease expired", ErrNotOwner, runID)
		}
		return fmt.Errorf("heartbeat %s: refresh lease: %w", runID, err)
	}
	if err := m.kv.Set(ctx, heartbeatKey(runID), unix(m.clock()), m.statusTTL); err != nil {
		return fmt.Errorf("heartbeat %s: %w", runID, err)
	}
	return nil
}

// Release drops ownership and records the terminal status with a bounded
// TTL so dashboards can still resolve recently finished runs.
func (m *Manager) Release(ctx context.Context, runID, status string) error {
	if err := m.kv.Del(ctx, ownerKey(runID)); err != nil {
		return fmt.Errorf("release %s: %w", runID, err)
	}
	if err := m.kv.SRem(ctx, activeSetKey, runID); err != nil {
		return fmt.Errorf("release %s: remove from active set: %w", runID, err)
	}
	if status != "" {
		if err := m.kv.Set(ctx, statusKey(runID), status, m.statusTTL); err != nil {
			return fmt.Errorf("release %s: record status: %w", runID, err)
		}
	}
	m.metrics.IncCounter("loom.lease.released", 1)
	m.logger.Debug(ctx, "run released", "run_id", runID, "status", status)
	return nil
}

// FindOrphans returns all active runs with no live owner or a heartbeat
// older than the orphan threshold.
func (m *Manager) FindOrphans(ctx context.Context) ([]string, error) {
	return m.FindOrphansSharded(ctx, 0, 1)
}

// FindOrphansSharded restricts the orphan scan to run ids hashing into the
// given shard, so multiple sweepers can divide the active set without
// overlap.
func (m *Manager) FindOrphansSharded(ctx context.Context, shard, total int) ([]string, error) {
	if total <= 0 {
		total = 1
	}
	ids, err := m.kv.SMembers(ctx, activeSetKey)
	if err != nil {
		return nil, fmt.Errorf("find orphans: %w", err)
	}
	threshold := m.OrphanThreshold()
	now := m.clock()
	var orphans []string
	for _, id := range ids {
		if Shard(id, total) != shard {
			continue
		}
		if _, err := m.kv.Get(ctx, ownerKey(id)); err != nil {
			if isNotFound(err) {
				orphans = append(orphans, id)
				continue
			}
			return nil, fmt.Errorf("find orphans: owner %s: %w", id, err)
		}
		hb, err := m.kv.Get(ctx, heartbeatKey(id))
		if err != nil {
			if isNotFound(err) {
				// Owner alive but heartbeat evicted: leave it to the owner
				// TTL.
				continue
			}
			return nil, fmt.Errorf("find orphans: heartbeat %s: %w", id, err)
		}
		if t, ok := parseUnix(hb); ok && now.Sub(t) > threshold {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

// Active returns the members of the active run set.
func (m *Manager) Active(ctx context.Context) ([]string, error) {
	ids, err := m.kv.SMembers(ctx, activeSetKey)
	if err != nil {
		return nil, fmt.Errorf("active runs: %w", err)
	}
	return ids, nil
}

// Info reports a run's ownership state.
func (m *Manager) Info(ctx context.Context, runID string) (Info, error) {
	info := Info{RunID: runID}
	now := m.clock()
	if owner, err := m.kv.Get(ctx, ownerKey(runID)); err == nil {
		info.Owner = owner
	} else if !isNotFound(err) {
		return Info{}, fmt.Errorf("info %s: %w", runID, err)
	}
	if status, err := m.kv.Get(ctx, statusKey(runID)); err == nil {
		info.Status = status
	} else if !isNotFound(err) {
		return Info{}, fmt.Errorf("info %s: %w", runID, err)
	}
	if hb, err := m.kv.Get(ctx, heartbeatKey(runID)); err == nil {
		if t, ok := parseUnix(hb); ok {
			info.Heartbeat = t
			info.HeartbeatAge = now.Sub(t)
		}
	} else if !isNotFound(err) {
		return Info{}, fmt.Errorf("info %s: %w", runID, err)
	}
	if start, err := m.kv.Get(ctx, startKey(runID)); err == nil {
		if t, ok := parseUnix(start); ok {
			info.Start = t
			info.Duration = now.Sub(t)
		}
	} else if !isNotFound(err) {
		return Info{}, fmt.Errorf("info %s: %w", runID, err)
	}
	return info, nil
}

// InfoBatch resolves Info for a list of runs, skipping ones that error.
func (m *Manager) InfoBatch(ctx context.Context, runIDs []string) []Info {
	infos := make([]Info, 0, len(runIDs))
	for _, id := range runIDs {
		info, err := m.Info(ctx, id)
		if err != nil {
			m.logger.Warn(ctx, "run info failed", "run_id", id, "err", err)
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// StartHeartbeat runs a supervised heartbeat loop for the run at
// LeaseTTL/3. The loop stops when ctx is canceled, the returned stop
// function is called, or ownership is lost; lost ownership additionally
// invokes onLost.
func (m *Manager) StartHeartbeat(ctx context.Context, runID string, onLost func(error)) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := m.Heartbeat(hbCtx, runID); err != nil {
					if errors.Is(err, ErrNotOwner) {
						m.logger.Warn(hbCtx, "lease lost", "run_id", runID, "err", err)
						m.metrics.IncCounter("loom.lease.lost", 1)
						if onLost != nil {
							onLost(err)
						}
						return
					}
					if hbCtx.Err() != nil {
						return
					}
					m.logger.Warn(hbCtx, "heartbeat failed", "run_id", runID, "err", err)
				}
			}
		}
	}()
	return cancel
}

// Shard maps a run id onto one of total shards using FNV-32a. Stable across
// processes so independent sweepers partition the active set consistently.
func Shard(runID string, total int) int {
	if total <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return int(h.Sum32() % uint32(total))
}

func unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func parseUnix(s string) (time.Time, bool) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

func isNotFound(err error) bool {
	return errors.Is(err, kv.ErrNotFound)
}

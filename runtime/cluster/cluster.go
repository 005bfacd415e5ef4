// Package cluster tracks node membership over a replicated map and derives
// each node's shard assignment from it. Every node writes a heartbeat
// timestamp under its id; the sorted set of fresh ids defines the shard
// space (index = shard, count = total). Orphan scans and other partitioned
// work use the assignment to divide the key space without a coordinator.
//
// Assignments shift when nodes join or leave. Overlapping scans during a
// reshuffle are safe because all recovery actions go through atomic lease
// claims.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/weaveline/loom/runtime/telemetry"
)

const nodeKeyPrefix = "cluster:node:"

// Map is the subset of a pulse replicated map the membership tracker uses.
// Satisfied by *rmap.Map from goa.design/pulse/rmap.
type Map interface {
	Get(key string) (string, bool)
	Set(ctx context.Context, key, value string) (string, error)
	Delete(ctx context.Context, key string) (string, error)
	Keys() []string
}

// Options configure a Membership.
type Options struct {
	// NodeID identifies this process in the map. Required.
	NodeID string

	// PingInterval paces the heartbeat loop. Default 10s.
	PingInterval time.Duration

	// StaleAfter is the heartbeat age at which a node stops counting as
	// live. Default 3x PingInterval.
	StaleAfter time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time
}

// Membership is one node's view of the cluster.
type Membership struct {
	m          Map
	nodeID     string
	interval   time.Duration
	staleAfter time.Duration
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	clock      func() time.Time
}

// New builds a membership tracker over the given map.
func New(m Map, opts Options) (*Membership, error) {
	if m == nil {
		return nil, errors.New("cluster: map is required")
	}
	if opts.NodeID == "" {
		return nil, errors.New("cluster: node id is required")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 3 * opts.PingInterval
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
	return &Membership{
		m:          m,
		nodeID:     opts.NodeID,
		interval:   opts.PingInterval,
		staleAfter: opts.StaleAfter,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
	}, nil
}

// Join announces this node to the cluster.
func (c *Membership) Join(ctx context.Context) error {
	if err := c.ping(ctx); err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	shard, total := c.Shard()
	c.logger.Info(ctx, "joined cluster", "node_id", c.nodeID, "shard", shard, "total", total)
	return nil
}

// Leave withdraws this node. Peers stop counting it immediately instead of
// waiting for its heartbeat to go stale.
func (c *Membership) Leave(ctx context.Context) {
	if _, err := c.m.Delete(ctx, nodeKey(c.nodeID)); err != nil {
		c.logger.Warn(ctx, "failed to withdraw from cluster", "node_id", c.nodeID, "err", err)
	}
}

// Ping refreshes this node's heartbeat.
func (c *Membership) Ping(ctx context.Context) error {
	if err := c.ping(ctx); err != nil {
		return err
	}
	c.metrics.RecordGauge("loom.cluster.nodes", float64(len(c.Nodes())))
	return nil
}

func (c *Membership) ping(ctx context.Context) error {
	ts := strconv.FormatInt(c.clock().UnixNano(), 10)
	if _, err := c.m.Set(ctx, nodeKey(c.nodeID), ts); err != nil {
		return fmt.Errorf("cluster heartbeat: %w", err)
	}
	return nil
}

// Nodes returns the ids of nodes with a fresh heartbeat, sorted.
func (c *Membership) Nodes() []string {
	now := c.clock()
	var live []string
	for _, key := range c.m.Keys() {
		id := nodeFromKey(key)
		if id == "" {
			continue
		}
		val, ok := c.m.Get(key)
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.Unix(0, ts)) > c.staleAfter {
			continue
		}
		live = append(live, id)
	}
	sort.Strings(live)
	return live
}

// Shard reports this node's position in the live set as (shard, total).
// A node that is not (or no longer) a member scans the whole space as
// shard 0 of 1, which at worst duplicates work the lease claims already
// de-duplicate.
func (c *Membership) Shard() (int, int) {
	nodes := c.Nodes()
	for i, id := range nodes {
		if id == c.nodeID {
			return i, len(nodes)
		}
	}
	return 0, 1
}

// Run heartbeats until the context ends, then withdraws.
func (c *Membership) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			c.Leave(leaveCtx)
			cancel()
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				c.logger.Error(ctx, "cluster heartbeat failed", "err", err)
			}
		}
	}
}

func nodeKey(id string) string {
	return nodeKeyPrefix + id
}

func nodeFromKey(key string) string {
	if len(key) > len(nodeKeyPrefix) && key[:len(nodeKeyPrefix)] == nodeKeyPrefix {
		return key[len(nodeKeyPrefix):]
	}
	return ""
}

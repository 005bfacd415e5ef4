package node

import (
	"context"
	"errors"
	"time"

	"github.com/weaveline/loom/features/model/gateway"
	"github.com/weaveline/loom/runtime/breaker"
	"github.com/weaveline/loom/runtime/lease"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/sandbox"
	"github.com/weaveline/loom/runtime/sweeper"
	"github.com/weaveline/loom/runtime/telemetry"
	"github.com/weaveline/loom/runtime/writer"
)

// Admin is the operations surface of a node: live run inspection, manual
// recovery, dead letter management, and the health of the model plane.
// Every method acts on cluster-shared state, so any node's Admin sees and
// affects the same runs.
type Admin struct {
	n *Node
}

// RunView pairs the durable run row with the live lease, when one exists.
type RunView struct {
	Run   run.Run     `json:"run"`
	Lease *lease.Info `json:"lease,omitempty"`
}

// Dashboard is a point-in-time aggregate for operations consoles.
type Dashboard struct {
	Node         string                  `json:"node"`
	Nodes        []string                `json:"nodes"`
	ActiveRuns   int                     `json:"active_runs"`
	BufferedRuns int                     `json:"buffered_runs"`
	CreditHolds  int                     `json:"credit_holds"`
	WriterMode   string                  `json:"writer_mode"`
	Breakers     []breaker.Status        `json:"breakers,omitempty"`
	Backends     []gateway.BackendStatus `json:"backends,omitempty"`
	LimiterTPM   map[string]float64      `json:"limiter_tpm,omitempty"`
	Sandbox      *sandbox.PoolStats      `json:"sandbox,omitempty"`
}

// ActiveRuns lists every leased run in the cluster with owner, status, and
// heartbeat age.
func (a *Admin) ActiveRuns(ctx context.Context) ([]lease.Info, error) {
	ids, err := a.n.leases.Active(ctx)
	if err != nil {
		return nil, err
	}
	return a.n.leases.InfoBatch(ctx, ids), nil
}

// RunInfo returns the durable row for a run plus its live lease when one is
// held.
func (a *Admin) RunInfo(ctx context.Context, runID string) (RunView, error) {
	r, err := a.n.db.Runs().Get(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	view := RunView{Run: r}
	if info, err := a.n.leases.Info(ctx, runID); err == nil {
		view.Lease = &info
	}
	return view, nil
}

// StuckRuns lists runs a live owner has held past the maximum run
// duration. These need an operator decision; the sweeper never kills a run
// whose owner still heartbeats.
func (a *Admin) StuckRuns(ctx context.Context) ([]lease.Info, error) {
	return a.n.sweeper.FindStuck(ctx)
}

// Sweep triggers one recovery pass immediately instead of waiting for the
// interval.
func (a *Admin) Sweep(ctx context.Context) (sweeper.SweepStats, error) {
	return a.n.sweeper.Sweep(ctx)
}

// ForceResume releases a run's lease and re-dispatches it. The previous
// owner's heartbeat loses the lease and aborts.
func (a *Admin) ForceResume(ctx context.Context, runID string) sweeper.RecoveryResult {
	return a.n.sweeper.ForceResume(ctx, runID)
}

// ForceComplete marks a run completed and releases its lease.
func (a *Admin) ForceComplete(ctx context.Context, runID, reason string) sweeper.RecoveryResult {
	return a.n.sweeper.ForceComplete(ctx, runID, reason)
}

// ForceFail marks a run failed and releases its lease.
func (a *Admin) ForceFail(ctx context.Context, runID, reason string) sweeper.RecoveryResult {
	return a.n.sweeper.ForceFail(ctx, runID, reason)
}

// StopRun requests cooperative cancellation, same as Node.StopRun.
func (a *Admin) StopRun(ctx context.Context, runID, reason string) error {
	return a.n.StopRun(ctx, runID, reason)
}

// DeadLetters lists failed writes awaiting an operator, newest first.
func (a *Admin) DeadLetters(ctx context.Context, limit int) ([]writer.DLQEntry, error) {
	return a.n.writer.ListDeadLetters(ctx, limit)
}

// RetryDeadLetter replays one dead-lettered write and deletes the entry on
// success.
func (a *Admin) RetryDeadLetter(ctx context.Context, id string) error {
	return a.n.writer.RetryDeadLetter(ctx, id)
}

// DeleteDeadLetter discards a dead letter without replaying it.
func (a *Admin) DeleteDeadLetter(ctx context.Context, id string) error {
	return a.n.writer.DeleteDeadLetter(ctx, id)
}

// PurgeDeadLetters discards all dead letters older than the cutoff and
// reports how many were removed.
func (a *Admin) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	return a.n.writer.PurgeDeadLetters(ctx, olderThan)
}

// Breakers reports the state of every provider circuit breaker on this
// node.
func (a *Admin) Breakers() []breaker.Status {
	return a.n.breakers.States()
}

// Backends reports per-provider gateway health, empty when the model plane
// was injected.
func (a *Admin) Backends() []gateway.BackendStatus {
	if a.n.gateway == nil {
		return nil
	}
	return a.n.gateway.Health()
}

// LimiterTPM reports each backend's current tokens-per-minute budget.
func (a *Admin) LimiterTPM() map[string]float64 {
	out := make(map[string]float64, len(a.n.limiters))
	for name, lim := range a.n.limiters {
		out[name] = lim.TPM()
	}
	return out
}

// Available reports an account's ledger balance minus outstanding holds.
func (a *Admin) Available(ctx context.Context, accountID string) (float64, error) {
	return a.n.credits.Available(ctx, accountID)
}

// PoolStats reports warm pool efficiency. Fails when the node runs without
// a launcher.
func (a *Admin) PoolStats(ctx context.Context) (sandbox.PoolStats, error) {
	if a.n.pool == nil {
		return sandbox.PoolStats{}, errors.New("node: no sandbox pool configured")
	}
	return a.n.pool.Stats(ctx)
}

// MetricsHistory returns up to n most recent gauge snapshots, newest
// first, across all nodes that pushed them.
func (a *Admin) MetricsHistory(ctx context.Context, n int) ([]telemetry.Snapshot, error) {
	return a.n.history.List(ctx, n)
}

// Dashboard aggregates the live state an operations console renders.
// Partial failures degrade the aggregate instead of failing it.
func (a *Admin) Dashboard(ctx context.Context) Dashboard {
	d := Dashboard{
		Node:         a.n.cfg.Node.ID,
		Nodes:        a.n.membership.Nodes(),
		BufferedRuns: a.n.buffer.Len(),
		CreditHolds:  a.n.credits.Count(),
		WriterMode:   string(a.n.writer.Mode()),
		Breakers:     a.Breakers(),
		Backends:     a.Backends(),
		LimiterTPM:   a.LimiterTPM(),
	}
	if ids, err := a.n.leases.Active(ctx); err == nil {
		d.ActiveRuns = len(ids)
	}
	if a.n.pool != nil {
		if st, err := a.n.pool.Stats(ctx); err == nil {
			d.Sandbox = &st
		}
	}
	return d
}

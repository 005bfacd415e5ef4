// Package credits manages usage accounting: balance checks, short-lived
// reservations (holds) placed before a run consumes provider tokens, and
// the commit path that converts a hold into a durable ledger deduction.
//
// A hold lives in two places: a KV record
// `credit_reservation:{account}:{res_id}` with a 5 minute TTL, which is
// the authoritative durable component, and an in-process table used for
// available-balance math and sweeping. The in-process table is guarded by
// a single mutex.
package credits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaveline/loom/runtime/telemetry"
)

type (
	// Ledger is the durable balance backend.
	Ledger interface {
		// Balance returns the account's current credit balance.
		Balance(ctx context.Context, accountID string) (float64, error)
		// Deduct records a deduction against the account. ref identifies
		// the originating reservation or transaction for idempotency.
		Deduct(ctx context.Context, accountID string, amount float64, ref string) error
	}

	// KV is the subset of the key-value client the hold records need.
	KV interface {
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		Del(ctx context.Context, keys ...string) error
	}

	// Reservation is one credit hold.
	Reservation struct {
		ID        string
		AccountID string
		RunID     string
		Amount    float64
		CreatedAt time.Time
	}

	// Options configures a Manager.
	Options struct {
		// HoldTTL bounds a reservation's lifetime. Defaults to 5m.
		HoldTTL time.Duration
		// SweepGrace is added to HoldTTL before a hold is garbage
		// collected. Defaults to 1m.
		SweepGrace time.Duration
		// MaxOutstanding bounds holds per process; exceeding it triggers an
		// immediate sweep before the reserve is rejected. Defaults to 1000.
		MaxOutstanding int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Clock is injectable for tests. Defaults to time.Now.
		Clock func() time.Time
	}

	// Manager reserves, commits, and rolls back credit holds.
	Manager struct {
		ledger  Ledger
		kv      KV
		opts    Options
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time

		mu    sync.Mutex
		holds map[string]Reservation
	}
)

var (
	// ErrInsufficient reports an account balance too low to cover the
	// requested amount plus outstanding holds.
	ErrInsufficient = errors.New("credits: insufficient balance")
	// ErrTooManyHolds reports that the per-process hold bound is exhausted
	// even after sweeping.
	ErrTooManyHolds = errors.New("credits: too many outstanding holds")
	// ErrUnknownReservation reports a commit or rollback for a hold this
	// process does not track.
	ErrUnknownReservation = errors.New("credits: unknown reservation")
)

const (
	defaultHoldTTL        = 5 * time.Minute
	defaultSweepGrace     = time.Minute
	defaultMaxOutstanding = 1000
)

// New constructs a credit manager.
func New(ledger Ledger, kv KV, opts Options) (*Manager, error) {
	if ledger == nil {
		return nil, errors.New("credits: ledger is required")
	}
	if kv == nil {
		return nil, errors.New("credits: kv client is required")
	}
	if opts.HoldTTL <= 0 {
		opts.HoldTTL = defaultHoldTTL
	}
	if opts.SweepGrace <= 0 {
		opts.SweepGrace = defaultSweepGrace
	}
	if opts.MaxOutstanding <= 0 {
		opts.MaxOutstanding = defaultMaxOutstanding
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
		ledger:  ledger,
		kv:      kv,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		holds:   make(map[string]Reservation),
	}, nil
}

func holdKey(accountID, resID string) string {
	return "credit_reservation:" + accountID + ":" + resID
}

// Reserve places a hold of amount against the account. The hold counts
// against the available balance until committed, rolled back, or swept.
func (m *Manager) Reserve(ctx context.Context, accountID, runID string, amount float64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credits: reserve amount must be positive, got %v", amount)
	}
	if m.Count() >= m.opts.MaxOutstanding {
		m.Sweep(ctx)
		if m.Count() >= m.opts.MaxOutstanding {
			return nil, ErrTooManyHolds
		}
	}

	balance, err := m.ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("credits: balance %s: %w", accountID, err)
	}
	m.mu.Lock()
	outstanding := m.outstandingLocked(accountID)
	if balance-outstanding < amount {
		m.mu.Unlock()
		m.metrics.IncCounter("loom.credits.denied", 1)
		return nil, fmt.Errorf("%w: account %s has %v available, need %v",
			ErrInsufficient, accountID, balance-outstanding, amount)
	}
	res := Reservation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		RunID:     runID,
		Amount:    amount,
		CreatedAt: m.clock(),
	}
	m.holds[res.ID] = res
	m.mu.Unlock()

	if err := m.kv.Set(ctx, holdKey(accountID, res.ID),
		strconv.FormatFloat(amount, 'f', -1, 64), m.opts.HoldTTL); err != nil {
		m.mu.Lock()
		delete(m.holds, res.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("credits: persist hold: %w", err)
	}
	m.metrics.IncCounter("loom.credits.reserved", 1)
	m.logger.Debug(ctx, "credit hold placed",
		"account_id", accountID, "run_id", runID, "reservation_id", res.ID, "amount", amount)
	return &res, nil
}

// Commit converts a hold into a durable deduction: the KV record and local
// entry are removed, then the ledger deduction is recorded with the
// reservation id as the idempotency reference.
func (m *Manager) Commit(ctx context.Context, res *Reservation) error {
	if res == nil {
		return ErrUnknownReservation
	}
	m.mu.Lock()
	_, ok := m.holds[res.ID]
	delete(m.holds, res.ID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, res.ID)
	}
	if err := m.kv.Del(ctx, holdKey(res.AccountID, res.ID)); err != nil {
		m.logger.Warn(ctx, "hold record delete failed, record will expire",
			"reservation_id", res.ID, "err", err)
	}
	if err := m.ledger.Deduct(ctx, res.AccountID, res.Amount, res.ID); err != nil {
		return fmt.Errorf("credits: deduct %s: %w", res.AccountID, err)
	}
	m.metrics.IncCounter("loom.credits.committed", 1)
	return nil
}

// Rollback releases a hold without deducting.
func (m *Manager) Rollback(ctx context.Context, res *Reservation) error {
	if res == nil {
		return ErrUnknownReservation
	}
	m.mu.Lock()
	_, ok := m.holds[res.ID]
	delete(m.holds, res.ID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, res.ID)
	}
	if err := m.kv.Del(ctx, holdKey(res.AccountID, res.ID)); err != nil {
		m.logger.Warn(ctx, "hold record delete failed, record will expire",
			"reservation_id", res.ID, "err", err)
	}
	m.metrics.IncCounter("loom.credits.rolled_back", 1)
	return nil
}

// Available returns the balance minus outstanding holds for the account.
func (m *Manager) Available(ctx context.Context, accountID string) (float64, error) {
	balance, err := m.ledger.Balance(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("credits: balance %s: %w", accountID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return balance - m.outstandingLocked(accountID), nil
}

// Outstanding returns the sum of holds for the account in this process.
func (m *Manager) Outstanding(accountID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstandingLocked(accountID)
}

// Count returns the number of holds in this process.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holds)
}

// Sweep garbage-collects holds older than TTL plus grace. The KV records
// expire on their own; the sweep reclaims table capacity and deletes any
// lingering records best-effort. Returns the number of holds removed.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.clock().Add(-(m.opts.HoldTTL + m.opts.SweepGrace))
	m.mu.Lock()
	var expired []Reservation
	for id, res := range m.holds {
		if res.CreatedAt.Before(cutoff) {
			expired = append(expired, res)
			delete(m.holds, id)
		}
	}
	m.mu.Unlock()

	for _, res := range expired {
		if err := m.kv.Del(ctx, holdKey(res.AccountID, res.ID)); err != nil {
			m.logger.Warn(ctx, "expired hold delete failed",
				"reservation_id", res.ID, "err", err)
		}
	}
	if len(expired) > 0 {
		m.metrics.IncCounter("loom.credits.swept", float64(len(expired)))
		m.logger.Info(ctx, "swept expired credit holds", "count", len(expired))
	}
	return len(expired)
}

func (m *Manager) outstandingLocked(accountID string) float64 {
	var sum float64
	for _, res := range m.holds {
		if res.AccountID == accountID {
			sum += res.Amount
		}
	}
	return sum
}

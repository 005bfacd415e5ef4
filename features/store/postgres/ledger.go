package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaveline/loom/runtime/credits"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/writer"
)

type (
	// Ledger implements the credit ledger contracts. Every balance change
	// is a ledger_entries row keyed by the caller's reference, so replayed
	// deductions and grants apply exactly once.
	Ledger struct {
		pool *pgxpool.Pool
	}

	// DLQ implements writer.DLQ.
	DLQ struct {
		pool *pgxpool.Pool
	}
)

var (
	_ credits.Ledger = (*Ledger)(nil)
	_ writer.Ledger  = (*Ledger)(nil)
	_ writer.DLQ     = (*DLQ)(nil)
)

// Balance returns the account's current credit balance. Unknown accounts
// read as zero.
func (l *Ledger) Balance(ctx context.Context, accountID string) (float64, error) {
	var balance float64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance: %w", err)
	}
	return balance, nil
}

// Deduct records a deduction against the account. ref identifies the
// originating reservation; a ref seen before is a replay and changes
// nothing.
func (l *Ledger) Deduct(ctx context.Context, accountID string, amount float64, ref string) error {
	return l.apply(ctx, accountID, -amount, ref, "deduct")
}

// Credit adds amount to the account balance, creating the account row on
// first use. ref identifies the grant for idempotency.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount float64, ref string) error {
	return l.apply(ctx, accountID, amount, ref, "credit")
}

func (l *Ledger) apply(ctx context.Context, accountID string, delta float64, ref, op string) error {
	if ref == "" {
		return fmt.Errorf("postgres: %s: reference is required", op)
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (ref, account_id, amount, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (ref) DO NOTHING`,
		ref, accountID, delta, now)
	if err != nil {
		return fmt.Errorf("postgres: %s: record entry: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		// Replay of an already-applied entry.
		return nil
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   balance = accounts.balance + EXCLUDED.balance,
		   updated_at = EXCLUDED.updated_at`,
		accountID, delta, now); err != nil {
		return fmt.Errorf("postgres: %s: apply balance: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

const dlqColumns = `id, run_id, write_type, payload, error, attempt_count, created_at, failed_at`

// Append adds a dead-lettered write.
func (q *DLQ) Append(ctx context.Context, e writer.DLQEntry) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO dlq_entries (`+dlqColumns+`)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)`,
		e.ID, e.RunID, e.WriteType, nullableJSON(e.Payload), e.Error,
		e.AttemptCount, e.CreatedAt, e.FailedAt)
	if err != nil {
		return fmt.Errorf("postgres: append dlq entry: %w", err)
	}
	return nil
}

// List returns up to limit entries, most recently failed first. A
// non-positive limit returns all.
func (q *DLQ) List(ctx context.Context, limit int) ([]writer.DLQEntry, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+dlqColumns+` FROM dlq_entries
		 ORDER BY failed_at DESC
		 LIMIT NULLIF($1, 0)`,
		int64(max(limit, 0)))
	if err != nil {
		return nil, fmt.Errorf("postgres: list dlq entries: %w", err)
	}
	defer rows.Close()

	var out []writer.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan dlq entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list dlq entries: %w", err)
	}
	return out, nil
}

// Get retrieves one entry, or run.ErrNotFound.
func (q *DLQ) Get(ctx context.Context, id string) (writer.DLQEntry, error) {
	e, err := scanDLQEntry(q.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM dlq_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return writer.DLQEntry{}, run.ErrNotFound
	}
	if err != nil {
		return writer.DLQEntry{}, fmt.Errorf("postgres: get dlq entry: %w", err)
	}
	return e, nil
}

// Update rewrites an entry, typically after a failed retry bumped its
// attempt count.
func (q *DLQ) Update(ctx context.Context, e writer.DLQEntry) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE dlq_entries SET
			run_id = $2, write_type = $3, payload = $4::jsonb, error = $5,
			attempt_count = $6, failed_at = $7
		 WHERE id = $1`,
		e.ID, e.RunID, e.WriteType, nullableJSON(e.Payload), e.Error,
		e.AttemptCount, e.FailedAt)
	if err != nil {
		return fmt.Errorf("postgres: update dlq entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// Delete removes an entry.
func (q *DLQ) Delete(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM dlq_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete dlq entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// Purge removes entries that failed before olderThan and returns how many
// were removed.
func (q *DLQ) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM dlq_entries WHERE failed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge dlq entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDLQEntry(row pgx.Row) (writer.DLQEntry, error) {
	var (
		e       writer.DLQEntry
		payload []byte
	)
	err := row.Scan(&e.ID, &e.RunID, &e.WriteType, &payload, &e.Error,
		&e.AttemptCount, &e.CreatedAt, &e.FailedAt)
	if err != nil {
		return writer.DLQEntry{}, err
	}
	if payload != nil {
		e.Payload = json.RawMessage(payload)
	}
	return e, nil
}

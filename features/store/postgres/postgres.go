// Package postgres implements the durable store contracts over PostgreSQL:
// run, thread, message, and project rows, the credit ledger, the write
// dead letter queue, and sandbox resource records.
//
// All stores share an externally-owned *pgxpool.Pool passed to New; the
// caller creates and closes the pool. Init creates the schema and is safe
// to call on every boot, all statements are idempotent.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a connection pool and hands out the individual stores.
type DB struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool and is responsible
// for closing it.
func New(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// Name implements health.Pinger.
func (db *DB) Name() string { return "postgres" }

// Ping implements health.Pinger.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Runs returns the run row store.
func (db *DB) Runs() *Runs { return &Runs{pool: db.pool} }

// Threads returns the thread row store.
func (db *DB) Threads() *Threads { return &Threads{pool: db.pool} }

// Messages returns the thread message store.
func (db *DB) Messages() *Messages { return &Messages{pool: db.pool} }

// Projects returns the project row store.
func (db *DB) Projects() *Projects { return &Projects{pool: db.pool} }

// Ledger returns the credit ledger.
func (db *DB) Ledger() *Ledger { return &Ledger{pool: db.pool} }

// DLQ returns the write dead letter queue.
func (db *DB) DLQ() *DLQ { return &DLQ{pool: db.pool} }

// Resources returns the sandbox resource store.
func (db *DB) Resources() *Resources { return &Resources{pool: db.pool} }

// Init creates all tables and indexes. Safe to call multiple times.
func (db *DB) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMPTZ,
			heartbeat_time TIMESTAMPTZ,
			termination_reason TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS runs_thread_idx ON runs(thread_id)`,

		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			has_images BOOLEAN NOT NULL DEFAULT FALSE,
			cache_rebuild BOOLEAN NOT NULL DEFAULT FALSE,
			cache_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			content JSONB,
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			omitted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (thread_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, seq)`,

		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			ref TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_account_idx ON ledger_entries(account_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS dlq_entries (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			write_type TEXT NOT NULL DEFAULT '',
			payload JSONB,
			error TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			failed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS dlq_failed_idx ON dlq_entries(failed_at)`,

		`CREATE TABLE IF NOT EXISTS sandbox_resources (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			preview_url TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sandbox_status_idx ON sandbox_resources(status, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// timeOrZero maps SQL NULL back to the zero time.
func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

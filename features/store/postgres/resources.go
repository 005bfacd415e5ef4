package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaveline/loom/runtime/sandbox"
)

// Resources implements sandbox.Store.
type Resources struct {
	pool *pgxpool.Pool
}

var _ sandbox.Store = (*Resources)(nil)

const resourceColumns = `id, external_id, status, account_id, project_id,
	preview_url, token, created_at, claimed_at, updated_at`

// Insert adds a new resource row.
func (s *Resources) Insert(ctx context.Context, r sandbox.Resource) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sandbox_resources (`+resourceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ExternalID, string(r.Status), r.AccountID, r.ProjectID,
		r.PreviewURL, r.Token, r.CreatedAt, nullableTime(r.ClaimedAt), r.UpdatedAt)
	if isUniqueViolation(err) {
		return sandbox.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("postgres: insert resource: %w", err)
	}
	return nil
}

// Get retrieves a resource row, or sandbox.ErrNotFound.
func (s *Resources) Get(ctx context.Context, id string) (sandbox.Resource, error) {
	r, err := scanResource(s.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM sandbox_resources WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return sandbox.Resource{}, sandbox.ErrNotFound
	}
	if err != nil {
		return sandbox.Resource{}, fmt.Errorf("postgres: get resource: %w", err)
	}
	return r, nil
}

// ClaimPooled atomically transitions the oldest pooled row to active and
// assigns it to the given owner. SKIP LOCKED keeps two concurrent claims
// from receiving the same row; the loser moves on to the next one.
func (s *Resources) ClaimPooled(ctx context.Context, accountID, projectID string) (sandbox.Resource, error) {
	now := time.Now().UTC()
	r, err := scanResource(s.pool.QueryRow(ctx,
		`UPDATE sandbox_resources SET
			status = $3, account_id = $1, project_id = $2,
			claimed_at = $4, updated_at = $4
		 WHERE id = (
			SELECT id FROM sandbox_resources
			WHERE status = $5
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+resourceColumns,
		accountID, projectID, string(sandbox.StatusActive), now,
		string(sandbox.StatusPooled)))
	if errors.Is(err, pgx.ErrNoRows) {
		return sandbox.Resource{}, sandbox.ErrPoolEmpty
	}
	if err != nil {
		return sandbox.Resource{}, fmt.Errorf("postgres: claim pooled resource: %w", err)
	}
	return r, nil
}

// SetStatus transitions the resource status.
func (s *Resources) SetStatus(ctx context.Context, id string, status sandbox.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sandbox_resources SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: set resource status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sandbox.ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of rows in the given status.
func (s *Resources) CountByStatus(ctx context.Context, status sandbox.Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sandbox_resources WHERE status = $1`,
		string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count resources: %w", err)
	}
	return n, nil
}

// ListByStatus returns up to limit rows in the given status, oldest first.
// A zero limit returns all.
func (s *Resources) ListByStatus(ctx context.Context, status sandbox.Status, limit int) ([]sandbox.Resource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resourceColumns+` FROM sandbox_resources
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT NULLIF($2, 0)`,
		string(status), int64(max(limit, 0)))
	if err != nil {
		return nil, fmt.Errorf("postgres: list resources: %w", err)
	}
	defer rows.Close()

	var out []sandbox.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan resource: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list resources: %w", err)
	}
	return out, nil
}

func scanResource(row pgx.Row) (sandbox.Resource, error) {
	var (
		r       sandbox.Resource
		status  string
		claimed *time.Time
	)
	err := row.Scan(&r.ID, &r.ExternalID, &status, &r.AccountID, &r.ProjectID,
		&r.PreviewURL, &r.Token, &r.CreatedAt, &claimed, &r.UpdatedAt)
	if err != nil {
		return sandbox.Resource{}, err
	}
	r.Status = sandbox.Status(status)
	r.ClaimedAt = timeOrZero(claimed)
	return r, nil
}

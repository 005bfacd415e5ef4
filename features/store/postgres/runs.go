package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaveline/loom/runtime/run"
)

type (
	// Runs implements run.RunStore.
	Runs struct {
		pool *pgxpool.Pool
	}

	// Threads implements run.ThreadStore.
	Threads struct {
		pool *pgxpool.Pool
	}

	// Projects implements run.ProjectStore.
	Projects struct {
		pool *pgxpool.Pool
	}
)

var (
	_ run.RunStore     = (*Runs)(nil)
	_ run.ThreadStore  = (*Threads)(nil)
	_ run.ProjectStore = (*Projects)(nil)
)

const runColumns = `id, thread_id, project_id, account_id, status, owner,
	start_time, heartbeat_time, termination_reason, prompt, model,
	created_at, updated_at`

// Create inserts a new run row. Returns run.ErrDuplicate when the id exists.
func (s *Runs) Create(ctx context.Context, r run.Run) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		r.ID, r.ThreadID, r.ProjectID, r.AccountID, string(r.Status), r.Owner,
		nullableTime(r.StartTime), nullableTime(r.HeartbeatTime),
		r.TerminationReason, r.Prompt, r.Model, r.CreatedAt)
	if isUniqueViolation(err) {
		return run.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

// Get retrieves a run row, or run.ErrNotFound.
func (s *Runs) Get(ctx context.Context, id string) (run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Run{}, run.ErrNotFound
	}
	if err != nil {
		return run.Run{}, fmt.Errorf("postgres: get run: %w", err)
	}
	return r, nil
}

// SetStatus transitions the run status. Terminal states are monotone: the
// guarded update touches nothing when the row already holds a different
// terminal status, and the follow-up read distinguishes that from a
// missing row.
func (s *Runs) SetStatus(ctx context.Context, id string, status run.Status, terminationReason string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET
			status = $2,
			termination_reason = CASE WHEN $3 <> '' THEN $3 ELSE termination_reason END,
			start_time = CASE WHEN $2 = 'running' AND start_time IS NULL THEN $4 ELSE start_time END,
			updated_at = $4
		 WHERE id = $1
		   AND (status = $2 OR status NOT IN ('completed', 'failed', 'stopped'))`,
		id, string(status), terminationReason, now)
	if err != nil {
		return fmt.Errorf("postgres: set run status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var existing string
	err = s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return run.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: set run status: %w", err)
	}
	return run.ErrInvalidTransition
}

// SetOwner records the lease owner on the row.
func (s *Runs) SetOwner(ctx context.Context, id, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET owner = $2, updated_at = $3 WHERE id = $1`,
		id, owner, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: set run owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// ListByStatus returns up to limit runs in the given status, oldest first.
// A non-positive limit returns all.
func (s *Runs) ListByStatus(ctx context.Context, status run.Status, limit int) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT NULLIF($2, 0)`,
		string(status), int64(max(limit, 0)))
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var out []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (run.Run, error) {
	var (
		r         run.Run
		status    string
		start, hb *time.Time
	)
	err := row.Scan(&r.ID, &r.ThreadID, &r.ProjectID, &r.AccountID, &status,
		&r.Owner, &start, &hb, &r.TerminationReason, &r.Prompt, &r.Model,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return run.Run{}, err
	}
	r.Status = run.Status(status)
	r.StartTime = timeOrZero(start)
	r.HeartbeatTime = timeOrZero(hb)
	return r, nil
}

// Create inserts a new thread row.
func (s *Threads) Create(ctx context.Context, t run.Thread) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, project_id, title, has_images, cache_rebuild, cache_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		t.ID, t.ProjectID, t.Title, t.HasImages, t.CacheRebuild, t.CacheHash, t.CreatedAt)
	if isUniqueViolation(err) {
		return run.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("postgres: create thread: %w", err)
	}
	return nil
}

// Get retrieves a thread row, or run.ErrNotFound.
func (s *Threads) Get(ctx context.Context, id string) (run.Thread, error) {
	var t run.Thread
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, title, has_images, cache_rebuild, cache_hash, created_at, updated_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.ProjectID, &t.Title, &t.HasImages, &t.CacheRebuild,
		&t.CacheHash, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Thread{}, run.ErrNotFound
	}
	if err != nil {
		return run.Thread{}, fmt.Errorf("postgres: get thread: %w", err)
	}
	return t, nil
}

// SetCacheState updates the prompt cache rebuild flag and layout hash.
func (s *Threads) SetCacheState(ctx context.Context, id string, rebuild bool, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET cache_rebuild = $2, cache_hash = $3, updated_at = $4 WHERE id = $1`,
		id, rebuild, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: set thread cache state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// SetHasImages records that the thread contains image content.
func (s *Threads) SetHasImages(ctx context.Context, id string, hasImages bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET has_images = $2, updated_at = $3 WHERE id = $1`,
		id, hasImages, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: set thread has_images: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// Create inserts a new project row.
func (s *Projects) Create(ctx context.Context, p run.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, account_id, name, resource_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.AccountID, p.Name, p.ResourceID, p.CreatedAt)
	if isUniqueViolation(err) {
		return run.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("postgres: create project: %w", err)
	}
	return nil
}

// Get retrieves a project row, or run.ErrNotFound.
func (s *Projects) Get(ctx context.Context, id string) (run.Project, error) {
	var p run.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, name, resource_id, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &p.ResourceID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Project{}, run.ErrNotFound
	}
	if err != nil {
		return run.Project{}, fmt.Errorf("postgres: get project: %w", err)
	}
	return p, nil
}

// SetResource links the project to a sandbox resource row.
func (s *Projects) SetResource(ctx context.Context, id, resourceID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET resource_id = $2 WHERE id = $1`, id, resourceID)
	if err != nil {
		return fmt.Errorf("postgres: set project resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

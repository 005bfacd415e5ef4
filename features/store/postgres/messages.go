package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaveline/loom/runtime/run"
)

// Messages implements run.MessageStore. Sequence numbers are assigned at
// insert from the thread's current maximum. The lease protocol serializes
// appends per thread, and the unique (thread_id, seq) constraint rejects
// any insert that slips past it.
type Messages struct {
	pool *pgxpool.Pool
}

var _ run.MessageStore = (*Messages)(nil)

const messageColumns = `id, thread_id, run_id, seq, type, content,
	tool_calls, tool_call_id, metadata, omitted, created_at`

const insertMessageSQL = `INSERT INTO messages (` + messageColumns + `)
	 VALUES ($1, $2, $3,
		(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = $2),
		$4, $5::jsonb, $6::jsonb, $7, $8::jsonb, $9, $10)
	 RETURNING seq`

// Insert appends a message to its thread, assigning the next sequence
// number. The assigned Seq is written back to the caller's message.
func (s *Messages) Insert(ctx context.Context, m *run.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	args, err := insertArgs(m)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, insertMessageSQL, args...).Scan(&m.Seq)
	if isUniqueViolation(err) {
		return run.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

// InsertBatch persists the messages in one transaction: either all land or
// none do. Sequence numbers are assigned in slice order.
func (s *Messages) InsertBatch(ctx context.Context, ms []*run.Message) error {
	if len(ms) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, m := range ms {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		args, err := insertArgs(m)
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, insertMessageSQL, args...).Scan(&m.Seq)
		if isUniqueViolation(err) {
			return run.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("postgres: insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// Get retrieves a message, or run.ErrNotFound.
func (s *Messages) Get(ctx context.Context, id string) (run.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Message{}, run.ErrNotFound
	}
	if err != nil {
		return run.Message{}, fmt.Errorf("postgres: get message: %w", err)
	}
	return m, nil
}

// List returns all messages of a thread ordered by Seq, including omitted
// ones.
func (s *Messages) List(ctx context.Context, threadID string) ([]run.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY seq`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []run.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return out, nil
}

// LastOfType returns the most recent message of the given type in the
// thread, or run.ErrNotFound.
func (s *Messages) LastOfType(ctx context.Context, threadID string, typ run.MessageType) (run.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = $1 AND type = $2
		 ORDER BY seq DESC LIMIT 1`,
		threadID, string(typ)))
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Message{}, run.ErrNotFound
	}
	if err != nil {
		return run.Message{}, fmt.Errorf("postgres: last message of type: %w", err)
	}
	return m, nil
}

// MarkOmitted flips the omitted flag on the given messages. Unknown ids
// are skipped.
func (s *Messages) MarkOmitted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET omitted = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: mark omitted: %w", err)
	}
	return nil
}

// UpdateToolCalls rewrites the tool call list of an assistant message.
func (s *Messages) UpdateToolCalls(ctx context.Context, id string, calls []run.ToolCall) error {
	callsJSON, err := marshalNullable(calls, len(calls) > 0)
	if err != nil {
		return fmt.Errorf("postgres: encode tool calls: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET tool_calls = $2::jsonb WHERE id = $1`, id, callsJSON)
	if err != nil {
		return fmt.Errorf("postgres: update tool calls: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// Delete removes a message. Used only by saga compensation.
func (s *Messages) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

func insertArgs(m *run.Message) ([]any, error) {
	content := nullableJSON(m.Content)
	callsJSON, err := marshalNullable(m.ToolCalls, len(m.ToolCalls) > 0)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode tool calls: %w", err)
	}
	metaJSON, err := marshalNullable(m.Metadata, len(m.Metadata) > 0)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode metadata: %w", err)
	}
	return []any{
		m.ID, m.ThreadID, m.RunID, string(m.Type),
		content, callsJSON, m.ToolCallID, metaJSON, m.Omitted, m.CreatedAt,
	}, nil
}

func scanMessage(row pgx.Row) (run.Message, error) {
	var (
		m                          run.Message
		typ                        string
		content, callsRaw, metaRaw []byte
	)
	err := row.Scan(&m.ID, &m.ThreadID, &m.RunID, &m.Seq, &typ, &content,
		&callsRaw, &m.ToolCallID, &metaRaw, &m.Omitted, &m.CreatedAt)
	if err != nil {
		return run.Message{}, err
	}
	m.Type = run.MessageType(typ)
	if content != nil {
		m.Content = json.RawMessage(content)
	}
	if callsRaw != nil {
		if err := json.Unmarshal(callsRaw, &m.ToolCalls); err != nil {
			return run.Message{}, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if metaRaw != nil {
		if err := json.Unmarshal(metaRaw, &m.Metadata); err != nil {
			return run.Message{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return m, nil
}

// marshalNullable encodes v as a JSON parameter, or NULL when present is
// false.
func marshalNullable(v any, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// nullableJSON passes raw JSON through as a text parameter, or NULL when
// empty.
func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

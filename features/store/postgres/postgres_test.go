package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/sandbox"
	"github.com/weaveline/loom/runtime/writer"
)

var (
	pgOnce      sync.Once
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	skipPGTests bool
)

func setupPostgres() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "loom",
				"POSTGRES_PASSWORD": "loom",
				"POSTGRES_DB":       "loom_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
			Tmpfs: map[string]string{"/var/lib/postgresql/data": "rw"},
		}
		pgContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, PostgreSQL tests will be skipped: %v\n", containerErr)
		skipPGTests = true
		return
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipPGTests = true
		return
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipPGTests = true
		return
	}

	dsn := fmt.Sprintf("postgres://loom:loom@%s:%s/loom_test?sslmode=disable", host, port.Port())
	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Printf("Failed to connect to PostgreSQL: %v\n", err)
		skipPGTests = true
		return
	}
	if err := testPool.Ping(ctx); err != nil {
		fmt.Printf("Failed to ping PostgreSQL: %v\n", err)
		skipPGTests = true
	}
}

// getDB initializes the schema once and truncates all tables so each test
// starts from an empty database.
func getDB(t *testing.T) *DB {
	t.Helper()
	pgOnce.Do(setupPostgres)
	if skipPGTests {
		t.Skip("Docker not available, skipping PostgreSQL test")
	}
	db := New(testPool)
	ctx := context.Background()
	require.NoError(t, db.Init(ctx))
	_, err := testPool.Exec(ctx,
		`TRUNCATE runs, threads, messages, projects, accounts, ledger_entries, dlq_entries, sandbox_resources`)
	require.NoError(t, err)
	return db
}

func TestRunRowLifecycle(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	runs := db.Runs()

	r := run.Run{
		ID:        "r-1",
		ThreadID:  "t-1",
		ProjectID: "p-1",
		AccountID: "acct-9",
		Status:    run.StatusQueued,
		Prompt:    "hello",
		Model:     "anthropic/claude-sonnet-4",
	}
	require.NoError(t, runs.Create(ctx, r))
	require.ErrorIs(t, runs.Create(ctx, r), run.ErrDuplicate)

	got, err := runs.Get(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusQueued, got.Status)
	require.Equal(t, "hello", got.Prompt)
	require.True(t, got.StartTime.IsZero())
	require.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)

	require.NoError(t, runs.SetStatus(ctx, "r-1", run.StatusRunning, ""))
	require.NoError(t, runs.SetOwner(ctx, "r-1", "node-a"))

	got, err = runs.Get(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, got.Status)
	require.Equal(t, "node-a", got.Owner)
	require.False(t, got.StartTime.IsZero())

	_, err = runs.Get(ctx, "missing")
	require.ErrorIs(t, err, run.ErrNotFound)
	require.ErrorIs(t, runs.SetOwner(ctx, "missing", "node-a"), run.ErrNotFound)
}

func TestRunStatusTerminalMonotone(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	runs := db.Runs()

	require.NoError(t, runs.Create(ctx, run.Run{ID: "r-1", ThreadID: "t-1", Status: run.StatusRunning}))
	require.NoError(t, runs.SetStatus(ctx, "r-1", run.StatusCompleted, "done"))

	// Terminal states re-assert idempotently but never transition.
	require.NoError(t, runs.SetStatus(ctx, "r-1", run.StatusCompleted, ""))
	require.ErrorIs(t, runs.SetStatus(ctx, "r-1", run.StatusRunning, ""), run.ErrInvalidTransition)
	require.ErrorIs(t, runs.SetStatus(ctx, "missing", run.StatusRunning, ""), run.ErrNotFound)

	got, err := runs.Get(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status)
	require.Equal(t, "done", got.TerminationReason)
}

func TestListRunsByStatus(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	runs := db.Runs()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, runs.Create(ctx, run.Run{
			ID:        fmt.Sprintf("r-%d", i),
			ThreadID:  "t-1",
			Status:    run.StatusQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, runs.Create(ctx, run.Run{ID: "r-done", ThreadID: "t-1", Status: run.StatusCompleted}))

	queued, err := runs.ListByStatus(ctx, run.StatusQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	require.Equal(t, "r-0", queued[0].ID)
	require.Equal(t, "r-2", queued[2].ID)

	limited, err := runs.ListByStatus(ctx, run.StatusQueued, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "r-0", limited[0].ID)
}

func TestThreadCacheAndImageFlags(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	threads := db.Threads()

	require.NoError(t, threads.Create(ctx, run.Thread{ID: "t-1", ProjectID: "p-1", Title: "demo"}))
	require.ErrorIs(t, threads.Create(ctx, run.Thread{ID: "t-1"}), run.ErrDuplicate)

	require.NoError(t, threads.SetCacheState(ctx, "t-1", true, "abc123"))
	require.NoError(t, threads.SetHasImages(ctx, "t-1", true))

	got, err := threads.Get(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, got.CacheRebuild)
	require.Equal(t, "abc123", got.CacheHash)
	require.True(t, got.HasImages)

	require.ErrorIs(t, threads.SetCacheState(ctx, "missing", false, ""), run.ErrNotFound)
}

func TestProjectResourceBinding(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	projects := db.Projects()

	require.NoError(t, projects.Create(ctx, run.Project{ID: "p-1", AccountID: "acct-9", Name: "demo"}))
	require.NoError(t, projects.SetResource(ctx, "p-1", "res-1"))

	got, err := projects.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, "res-1", got.ResourceID)

	require.ErrorIs(t, projects.SetResource(ctx, "missing", "res-1"), run.ErrNotFound)
}

func TestMessageSequencePerThread(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	messages := db.Messages()

	m1 := &run.Message{ID: "m-1", ThreadID: "t-1", Type: run.TypeUser, Content: run.Text("hi")}
	m2 := &run.Message{ID: "m-2", ThreadID: "t-1", Type: run.TypeAssistant, Content: run.Text("hello")}
	other := &run.Message{ID: "m-3", ThreadID: "t-2", Type: run.TypeUser, Content: run.Text("elsewhere")}

	require.NoError(t, messages.Insert(ctx, m1))
	require.NoError(t, messages.Insert(ctx, m2))
	require.NoError(t, messages.Insert(ctx, other))

	// Sequences count per thread and are written back to the caller.
	require.Equal(t, int64(1), m1.Seq)
	require.Equal(t, int64(2), m2.Seq)
	require.Equal(t, int64(1), other.Seq)

	listed, err := messages.List(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "m-1", listed[0].ID)
	require.Equal(t, "hi", listed[0].TextContent())

	require.ErrorIs(t, messages.Insert(ctx, m1), run.ErrDuplicate)
}

func TestMessageBatchIsAtomic(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	messages := db.Messages()

	batch := []*run.Message{
		{ID: "m-1", ThreadID: "t-1", Type: run.TypeAssistant, Content: run.Text("a")},
		{ID: "m-1", ThreadID: "t-1", Type: run.TypeTool, Content: run.Text("b")},
	}
	require.ErrorIs(t, messages.InsertBatch(ctx, batch), run.ErrDuplicate)

	listed, err := messages.List(ctx, "t-1")
	require.NoError(t, err)
	require.Empty(t, listed)

	ok := []*run.Message{
		{ID: "m-1", ThreadID: "t-1", Type: run.TypeAssistant, Content: run.Text("a")},
		{ID: "m-2", ThreadID: "t-1", Type: run.TypeTool, Content: run.Text("b"), ToolCallID: "c-1"},
	}
	require.NoError(t, messages.InsertBatch(ctx, ok))
	require.Equal(t, int64(1), ok[0].Seq)
	require.Equal(t, int64(2), ok[1].Seq)
}

func TestMessageToolCallsAndMetadata(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	messages := db.Messages()

	asst := &run.Message{
		ID:       "m-1",
		ThreadID: "t-1",
		Type:     run.TypeAssistant,
		Content:  run.Text("calling"),
		ToolCalls: []run.ToolCall{
			{ID: "c-1", Name: "search", Args: json.RawMessage(`{"q":"go"}`)},
		},
	}
	toolMsg := &run.Message{
		ID:         "m-2",
		ThreadID:   "t-1",
		Type:       run.TypeTool,
		Content:    run.Text("result"),
		ToolCallID: "c-1",
		Metadata:   map[string]any{"assistant_message_id": "m-1", "tool_index": 0},
	}
	require.NoError(t, messages.InsertBatch(ctx, []*run.Message{asst, toolMsg}))

	got, err := messages.Get(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, got.ToolCalls, 1)
	require.Equal(t, "search", got.ToolCalls[0].Name)
	require.JSONEq(t, `{"q":"go"}`, string(got.ToolCalls[0].Args))

	tm, err := messages.Get(ctx, "m-2")
	require.NoError(t, err)
	require.Equal(t, "m-1", tm.AssistantMessageID())
	require.Equal(t, 0, tm.ToolIndex())

	last, err := messages.LastOfType(ctx, "t-1", run.TypeAssistant)
	require.NoError(t, err)
	require.Equal(t, "m-1", last.ID)
	_, err = messages.LastOfType(ctx, "t-1", run.TypeThreadSummary)
	require.ErrorIs(t, err, run.ErrNotFound)

	require.NoError(t, messages.UpdateToolCalls(ctx, "m-1", nil))
	got, err = messages.Get(ctx, "m-1")
	require.NoError(t, err)
	require.Empty(t, got.ToolCalls)

	require.NoError(t, messages.MarkOmitted(ctx, []string{"m-2", "missing"}))
	tm, err = messages.Get(ctx, "m-2")
	require.NoError(t, err)
	require.True(t, tm.Omitted)

	require.NoError(t, messages.Delete(ctx, "m-2"))
	_, err = messages.Get(ctx, "m-2")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestLedgerIdempotentDeduction(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	ledger := db.Ledger()

	balance, err := ledger.Balance(ctx, "acct-9")
	require.NoError(t, err)
	require.Zero(t, balance)

	require.NoError(t, ledger.Credit(ctx, "acct-9", 10, "grant-1"))
	require.NoError(t, ledger.Deduct(ctx, "acct-9", 3, "res-1"))

	balance, err = ledger.Balance(ctx, "acct-9")
	require.NoError(t, err)
	require.InDelta(t, 7.0, balance, 1e-9)

	// Replays change nothing.
	require.NoError(t, ledger.Deduct(ctx, "acct-9", 3, "res-1"))
	require.NoError(t, ledger.Credit(ctx, "acct-9", 10, "grant-1"))

	balance, err = ledger.Balance(ctx, "acct-9")
	require.NoError(t, err)
	require.InDelta(t, 7.0, balance, 1e-9)
}

func TestDLQLifecycle(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	dlq := db.DLQ()
	now := time.Now().UTC()

	entry := writer.DLQEntry{
		ID:           "d-1",
		RunID:        "r-1",
		WriteType:    "message",
		Payload:      json.RawMessage(`{"id":"m-1"}`),
		Error:        "connection refused",
		AttemptCount: 3,
		CreatedAt:    now.Add(-time.Hour),
		FailedAt:     now.Add(-time.Hour),
	}
	require.NoError(t, dlq.Append(ctx, entry))
	require.NoError(t, dlq.Append(ctx, writer.DLQEntry{
		ID: "d-2", RunID: "r-2", WriteType: "credit_deduction",
		Error: "timeout", AttemptCount: 3,
		CreatedAt: now, FailedAt: now,
	}))

	listed, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "d-2", listed[0].ID)

	got, err := dlq.Get(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, "connection refused", got.Error)
	require.JSONEq(t, `{"id":"m-1"}`, string(got.Payload))

	got.AttemptCount = 4
	got.FailedAt = now
	require.NoError(t, dlq.Update(ctx, got))
	got, err = dlq.Get(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, 4, got.AttemptCount)

	purged, err := dlq.Purge(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Zero(t, purged)

	require.NoError(t, dlq.Delete(ctx, "d-2"))
	_, err = dlq.Get(ctx, "d-2")
	require.ErrorIs(t, err, run.ErrNotFound)

	purged, err = dlq.Purge(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestSandboxResourceClaim(t *testing.T) {
	db := getDB(t)
	ctx := context.Background()
	resources := db.Resources()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 2; i++ {
		require.NoError(t, resources.Insert(ctx, sandbox.Resource{
			ID:         fmt.Sprintf("res-%d", i),
			ExternalID: fmt.Sprintf("ext-%d", i),
			Status:     sandbox.StatusPooled,
			PreviewURL: "https://sb.example.com",
			Token:      "tok",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	claimed, err := resources.ClaimPooled(ctx, "acct-9", "p-1")
	require.NoError(t, err)
	require.Equal(t, "res-0", claimed.ID)
	require.Equal(t, sandbox.StatusActive, claimed.Status)
	require.Equal(t, "acct-9", claimed.AccountID)
	require.Equal(t, "p-1", claimed.ProjectID)
	require.False(t, claimed.ClaimedAt.IsZero())

	pooled, err := resources.CountByStatus(ctx, sandbox.StatusPooled)
	require.NoError(t, err)
	require.Equal(t, 1, pooled)

	_, err = resources.ClaimPooled(ctx, "acct-9", "p-2")
	require.NoError(t, err)
	_, err = resources.ClaimPooled(ctx, "acct-9", "p-3")
	require.ErrorIs(t, err, sandbox.ErrPoolEmpty)

	require.NoError(t, resources.SetStatus(ctx, "res-0", sandbox.StatusStopped))
	got, err := resources.Get(ctx, "res-0")
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusStopped, got.Status)

	active, err := resources.ListByStatus(ctx, sandbox.StatusActive, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "res-1", active[0].ID)

	require.ErrorIs(t, resources.SetStatus(ctx, "missing", sandbox.StatusDeleted), sandbox.ErrNotFound)
}

// Package run defines the persistent records the runtime operates on and
// the store contracts that back them.
//
// # Core Concepts
//
// Run (execution layer):
//   - A single user-initiated agent execution, possibly spanning many LLM
//     turns through auto-continue.
//   - Owned by at most one worker at a time via the lease protocol; the
//     owner identity lives in the KV store, the durable row lives here.
//   - Lifespan: queued → running → {completed | failed | stopped}.
//
// Thread (conversation layer):
//   - The ordered message history runs operate on. Sequence numbers are
//     stable once assigned and messages are immutable after insert except
//     for the metadata-only omitted flag used by pairing repair.
//
// Project (tenancy layer):
//   - Groups threads under an account and binds at most one compute
//     sandbox. Created on first run submission.
//
// Relationship:
//
//	Project "p-1" (account "acct-9")
//	  └─ Thread "t-1"
//	       ├─ Message seq=1 (user)
//	       ├─ Message seq=2 (assistant, tool_calls=[c1])
//	       ├─ Message seq=3 (tool, tool_call_id=c1)
//	       └─ Run "r-1" (status=completed)
package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Status represents the lifecycle state of a run.
	Status string

	// Run is the durable record of a single agent execution. The Owner and
	// heartbeat fields mirror the KV lease for dashboards; the row is the
	// source of truth for terminal state.
	Run struct {
		// ID uniquely identifies the run (UUID).
		ID string
		// ThreadID is the conversation the run operates on.
		ThreadID string
		// ProjectID is the owning project.
		ProjectID string
		// AccountID is the billed account.
		AccountID string
		// Status is the current lifecycle state.
		Status Status
		// Owner is the worker identity holding the lease, empty when
		// unowned. Informational; the KV lease is authoritative.
		Owner string
		// StartTime records when execution began.
		StartTime time.Time
		// HeartbeatTime records the last observed owner heartbeat.
		HeartbeatTime time.Time
		// TerminationReason explains a terminal status ("credits",
		// "max_duration", "canceled", error text).
		TerminationReason string
		// Prompt is the user input that started the run.
		Prompt string
		// Model is the requested model id ("anthropic/...", "openai/...").
		Model string
		// CreatedAt and UpdatedAt track row lifecycle.
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// MessageType discriminates the message payload.
	MessageType string

	// ToolCall is a tool invocation announced by an assistant message.
	ToolCall struct {
		// ID is the provider-issued tool call identifier.
		ID string `json:"id"`
		// Name is the tool name.
		Name string `json:"name"`
		// Args carries the JSON-encoded arguments.
		Args json.RawMessage `json:"args,omitempty"`
	}

	// Message is one entry in a thread. Content is a structured document
	// (object, array, or string) stored as JSON. Messages are immutable
	// once inserted except for the Omitted flag and, for assistant
	// messages, the ToolCalls list which pairing repair may rewrite.
	Message struct {
		// ID uniquely identifies the message (UUID).
		ID string
		// ThreadID is the owning thread.
		ThreadID string
		// RunID is the run that produced the message, empty for user input
		// inserted before execution.
		RunID string
		// Seq is the stable per-thread sequence number, assigned at insert.
		Seq int64
		// Type discriminates the payload.
		Type MessageType
		// Content is the structured document.
		Content json.RawMessage
		// ToolCalls lists the calls announced by an assistant message.
		ToolCalls []ToolCall
		// ToolCallID links a tool message to the call it answers.
		ToolCallID string
		// Metadata carries auxiliary fields. Tool messages record
		// "assistant_message_id" and "tool_index" here.
		Metadata map[string]any
		// Omitted marks a message excluded from prompt assembly by repair
		// or compression. Metadata-only: content is never rewritten.
		Omitted bool
		// CreatedAt records insert time.
		CreatedAt time.Time
	}

	// Thread is the ordered message history runs operate on. The prompt
	// cache fields let the strategist reuse block cut points across turns.
	Thread struct {
		// ID uniquely identifies the thread (UUID).
		ID string
		// ProjectID is the owning project.
		ProjectID string
		// Title is the display name, may be empty.
		Title string
		// HasImages mirrors the KV thread_has_images flag durably.
		HasImages bool
		// CacheRebuild requests a prompt cache block recompute on the next
		// turn. Consumers clear it after use.
		CacheRebuild bool
		// CacheHash is the persisted hash of the current block layout.
		CacheHash string
		// CreatedAt and UpdatedAt track row lifecycle.
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Project groups threads under an account and binds at most one
	// compute sandbox.
	Project struct {
		// ID uniquely identifies the project (UUID).
		ID string
		// AccountID is the owning account.
		AccountID string
		// Name is the display name.
		Name string
		// ResourceID points at the bound sandbox resource row, empty when
		// none is bound.
		ResourceID string
		// CreatedAt records row creation.
		CreatedAt time.Time
	}

	// RunStore persists run rows.
	RunStore interface {
		Create(ctx context.Context, r Run) error
		Get(ctx context.Context, id string) (Run, error)
		// SetStatus transitions the run status. Terminal states are
		// monotone: transitions out of completed/failed/stopped return
		// ErrInvalidTransition.
		SetStatus(ctx context.Context, id string, status Status, terminationReason string) error
		// SetOwner mirrors lease ownership onto the row for dashboards.
		SetOwner(ctx context.Context, id, owner string) error
		// ListByStatus returns up to limit runs in the given status,
		// oldest first.
		ListByStatus(ctx context.Context, status Status, limit int) ([]Run, error)
	}

	// ThreadStore persists thread rows.
	ThreadStore interface {
		Create(ctx context.Context, t Thread) error
		Get(ctx context.Context, id string) (Thread, error)
		// SetCacheState updates the prompt cache rebuild flag and layout
		// hash.
		SetCacheState(ctx context.Context, id string, rebuild bool, hash string) error
		// SetHasImages records that the thread contains image content.
		SetHasImages(ctx context.Context, id string, hasImages bool) error
	}

	// MessageStore persists thread messages. Insert assigns the next
	// per-thread sequence number; inserts for a single run arrive in FIFO
	// order from the write buffer so sequence order matches production
	// order.
	MessageStore interface {
		Insert(ctx context.Context, m *Message) error
		// InsertBatch persists the messages atomically: either all land or
		// none do. Sequence numbers are assigned in slice order.
		InsertBatch(ctx context.Context, ms []*Message) error
		Get(ctx context.Context, id string) (Message, error)
		// List returns all messages of a thread ordered by Seq, including
		// omitted ones; callers filter.
		List(ctx context.Context, threadID string) ([]Message, error)
		// LastOfType returns the most recent message of the given type in
		// the thread, or ErrNotFound.
		LastOfType(ctx context.Context, threadID string, typ MessageType) (Message, error)
		// MarkOmitted flips the omitted flag on the given messages.
		MarkOmitted(ctx context.Context, ids []string) error
		// UpdateToolCalls rewrites the tool call list of an assistant
		// message (pairing repair).
		UpdateToolCalls(ctx context.Context, id string, calls []ToolCall) error
		// Delete removes a message. Used only by saga compensation.
		Delete(ctx context.Context, id string) error
	}

	// ProjectStore persists project rows.
	ProjectStore interface {
		Create(ctx context.Context, p Project) error
		Get(ctx context.Context, id string) (Project, error)
		// SetResource links the project to a sandbox resource row.
		SetResource(ctx context.Context, id, resourceID string) error
	}
)

const (
	// StatusQueued indicates the run has been accepted but not claimed yet.
	StatusQueued Status = "queued"
	// StatusRunning indicates a worker owns the run and is executing it.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
	// StatusStopped indicates the run was stopped by cancellation, credit
	// exhaustion, or an administrative action.
	StatusStopped Status = "stopped"
)

const (
	// TypeUser is end-user input.
	TypeUser MessageType = "user"
	// TypeAssistant is model output, possibly announcing tool calls.
	TypeAssistant MessageType = "assistant"
	// TypeTool is a tool execution result answering an assistant call.
	TypeTool MessageType = "tool"
	// TypeStatus is a lifecycle marker surfaced to subscribers.
	TypeStatus MessageType = "status"
	// TypeLLMResponseEnd records token accounting at the end of a prompt,
	// read back by the fast-path estimator on the next turn.
	TypeLLMResponseEnd MessageType = "llm_response_end"
	// TypeImageContext carries parsed file or image context blocks.
	TypeImageContext MessageType = "image_context"
	// TypeThreadSummary is the compressed representation of older history.
	TypeThreadSummary MessageType = "thread_summary"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition indicates an attempt to leave a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicate indicates an insert with an already-used identifier.
	ErrDuplicate = errors.New("duplicate record")
)

// Terminal reports whether s is a terminal status. Terminal statuses are
// monotone: once reached the run row never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether a run may move from one status to
// another. Any state may re-assert itself (idempotent updates); terminal
// states accept no other successor.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return !from.Terminal()
}

// AssistantMessageID returns the linked assistant message id of a tool
// message, empty when absent.
func (m *Message) AssistantMessageID() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["assistant_message_id"].(string); ok {
		return v
	}
	return ""
}

// ToolIndex returns the position of the answered call within the assistant
// message's announcements, -1 when absent.
func (m *Message) ToolIndex() int {
	if m.Metadata == nil {
		return -1
	}
	switch v := m.Metadata["tool_index"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}

// TextContent decodes Content as a plain string, returning "" when the
// content is a structured document.
func (m *Message) TextContent() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// Text encodes a plain string as message content.
func Text(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// Package stream defines the per-run event stream contract: the record
// schema subscribers consume for SSE playback, and the Publisher/Reader
// interfaces the runtime uses to emit and replay those records. The redis
// implementation lives in features/stream/redis.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Record is one event in a run's stream. Type discriminates the payload.
	Record struct {
		// Type is the record kind: content, tool, status, error, or
		// llm_response_end.
		Type string `json:"type"`

		// Content is the record payload: a string for content deltas, a
		// structured object for tool/status/usage records.
		Content any `json:"content,omitempty"`

		// Sequence orders records within one run. Monotonically increasing;
		// the terminal status record carries the highest sequence.
		Sequence int64 `json:"sequence"`

		// ToolCallID pairs tool records with the announcing call.
		ToolCallID string `json:"tool_call_id,omitempty"`

		// FinishReason is set on the terminal status record.
		FinishReason string `json:"finish_reason,omitempty"`
	}

	// StatusBody is the content of a status record.
	StatusBody struct {
		// Status is one of completed, stopped, or error.
		Status string `json:"status"`
		// Message is the optional human-readable detail.
		Message string `json:"message,omitempty"`
	}

	// ToolBody is the content of a tool record announcing a call.
	ToolBody struct {
		// Name is the canonical tool name.
		Name string `json:"name"`
		// Args is the raw JSON arguments.
		Args json.RawMessage `json:"args,omitempty"`
	}

	// UsageBody is the content of an llm_response_end record. It totals the
	// prompt so the next turn's fast-path token estimate can reuse it
	// without recounting history.
	UsageBody struct {
		Model            string `json:"model"`
		InputTokens      int    `json:"input_tokens"`
		OutputTokens     int    `json:"output_tokens"`
		TotalTokens      int    `json:"total_tokens"`
		CacheReadTokens  int    `json:"cache_read_tokens,omitempty"`
		CacheWriteTokens int    `json:"cache_write_tokens,omitempty"`
		Iteration        int    `json:"iteration,omitempty"`
	}

	// Entry is a stored record with its stream position id.
	Entry struct {
		// ID is the storage-assigned position (redis stream entry id).
		ID string
		// Record is the decoded payload.
		Record Record
	}

	// Publisher emits records into a run's stream.
	Publisher interface {
		// Publish appends one record to the run's stream.
		Publish(ctx context.Context, runID string, rec Record) error
		// Complete signals out-of-band that the stream is finished. Readers
		// treat it as EOF even if the terminal status record was trimmed.
		Complete(ctx context.Context, runID string) error
	}

	// Reader replays records from a run's stream.
	Reader interface {
		// ReadFrom returns records after the given position id. An empty
		// lastID reads from the beginning. The returned position resumes the
		// next call.
		ReadFrom(ctx context.Context, runID, lastID string, limit int) ([]Entry, string, error)
		// Len returns the number of retained records.
		Len(ctx context.Context, runID string) (int64, error)
		// Completed reports whether the stream's completion signal is set.
		Completed(ctx context.Context, runID string) (bool, error)
	}
)

// Record kinds.
const (
	TypeContent        = "content"
	TypeTool           = "tool"
	TypeStatus         = "status"
	TypeError          = "error"
	TypeLLMResponseEnd = "llm_response_end"
)

// Status values carried by StatusBody.
const (
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// StreamComplete is the control signal written to a run's control key when
// the stream is finished.
const StreamComplete = "STREAM_COMPLETE"

// Encode serializes a record for storage.
func Encode(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode stream record: %w", err)
	}
	return data, nil
}

// Decode parses a stored record.
func Decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode stream record: %w", err)
	}
	return rec, nil
}

// Status builds a status record.
func Status(seq int64, status, message string) Record {
	return Record{
		Type:     TypeStatus,
		Content:  StatusBody{Status: status, Message: message},
		Sequence: seq,
	}
}

// Terminal builds the final status record of a run, carrying the normalized
// finish reason.
func Terminal(seq int64, status, message, finishReason string) Record {
	rec := Status(seq, status, message)
	rec.FinishReason = finishReason
	return rec
}

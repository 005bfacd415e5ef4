package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/weaveline/loom/runtime/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func event(kind, payload string) ssestream.Event {
	return ssestream.Event{Type: kind, Data: []byte(payload)}
}

func drain(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("Recv: %v", err)
			}
			return chunks
		}
		chunks = append(chunks, ch)
	}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("message_start", `{
  "type": "message_start",
  "message": {
    "id": "msg_1", "type": "message", "role": "assistant", "content": [],
    "model": "claude-sonnet-4-5",
    "usage": {"input_tokens": 7, "output_tokens": 0, "cache_read_input_tokens": 3}
  }
}`),
		event("content_block_delta", `{
  "type": "content_block_delta", "index": 0,
  "delta": {"type": "text_delta", "text": "hello"}
}`),
		event("content_block_start", `{
  "type": "content_block_start", "index": 1,
  "content_block": {"type": "tool_use", "id": "t1", "name": "report_fetch"}
}`),
		event("content_block_delta", `{
  "type": "content_block_delta", "index": 1,
  "delta": {"type": "input_json_delta", "partial_json": "{\"x\":1}"}
}`),
		event("content_block_stop", `{"type": "content_block_stop", "index": 1}`),
		event("message_delta", `{
  "type": "message_delta",
  "delta": {"stop_reason": "tool_use"},
  "usage": {"output_tokens": 9}
}`),
		event("message_stop", `{"type": "message_stop"}`),
	}}

	sse := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(context.Background(), sse, map[string]string{"report_fetch": "report.fetch"})
	defer func() { _ = s.Close() }()

	chunks := drain(t, s)
	if len(chunks) == 0 {
		t.Fatalf("expected chunks, got none")
	}

	var text string
	var call *model.ToolCall
	var usage *model.TokenUsage
	var finish model.FinishReason
	for _, ch := range chunks {
		switch ch.Type {
		case model.ChunkTypeText:
			text += ch.Message.Text()
		case model.ChunkTypeToolCall:
			call = ch.ToolCall
		case model.ChunkTypeUsage:
			usage = ch.UsageDelta
		case model.ChunkTypeStop:
			finish = ch.FinishReason
		}
	}

	if text != "hello" {
		t.Fatalf("unexpected text %q", text)
	}
	if call == nil {
		t.Fatalf("expected tool call chunk")
	}
	if call.Name != "report.fetch" || call.ID != "t1" {
		t.Fatalf("unexpected call %+v", call)
	}
	if string(call.Args) != `{"x":1}` {
		t.Fatalf("unexpected args %s", call.Args)
	}
	if usage == nil {
		t.Fatalf("expected usage chunk")
	}
	if usage.InputTokens != 7 || usage.OutputTokens != 9 || usage.TotalTokens != 16 || usage.CacheReadTokens != 3 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if finish != model.FinishToolCalls {
		t.Fatalf("unexpected finish reason %q", finish)
	}

	meta := s.Metadata()
	if meta == nil {
		t.Fatalf("expected stream metadata")
	}
	if u, ok := meta["usage"].(model.TokenUsage); !ok || u.TotalTokens != 16 {
		t.Fatalf("unexpected metadata usage %+v", meta["usage"])
	}
}

func TestStreamerEmptyToolArgsDefaultToObject(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_start", `{
  "type": "content_block_start", "index": 0,
  "content_block": {"type": "tool_use", "id": "t1", "name": "ping"}
}`),
		event("content_block_stop", `{"type": "content_block_stop", "index": 0}`),
		event("message_stop", `{"type": "message_stop"}`),
	}}

	sse := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(context.Background(), sse, nil)
	defer func() { _ = s.Close() }()

	chunks := drain(t, s)
	var call *model.ToolCall
	for _, ch := range chunks {
		if ch.Type == model.ChunkTypeToolCall {
			call = ch.ToolCall
		}
	}
	if call == nil {
		t.Fatalf("expected tool call chunk")
	}
	if string(call.Args) != "{}" {
		t.Fatalf("unexpected args %s", call.Args)
	}
	if call.Name != "ping" {
		t.Fatalf("unexpected name %q", call.Name)
	}
}

func TestStreamerMaxTokensFinish(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_delta", `{
  "type": "content_block_delta", "index": 0,
  "delta": {"type": "text_delta", "text": "truncat"}
}`),
		event("message_delta", `{
  "type": "message_delta",
  "delta": {"stop_reason": "max_tokens"},
  "usage": {"output_tokens": 4}
}`),
		event("message_stop", `{"type": "message_stop"}`),
	}}

	sse := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(context.Background(), sse, nil)
	defer func() { _ = s.Close() }()

	chunks := drain(t, s)
	var finish model.FinishReason
	for _, ch := range chunks {
		if ch.Type == model.ChunkTypeStop {
			finish = ch.FinishReason
		}
	}
	if finish != model.FinishLength {
		t.Fatalf("unexpected finish reason %q", finish)
	}
}

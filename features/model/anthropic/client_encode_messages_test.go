package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/weaveline/loom/runtime/model"
)

func TestEncodeMessagesUnknownToolUseKeepsSanitizedName(t *testing.T) {
	// Tool history can reference tools that are no longer configured, for
	// example after the tool set changed mid-thread. Encoding must not fail.
	msgs, _, err := encodeMessages([]*model.Message{
		{
			Role: model.RoleAssistant,
			Parts: []model.Part{
				model.ToolUsePart{
					ID:    "tu1",
					Name:  "atlas.count_events",
					Input: json.RawMessage(`{"from":"2026-02-06T00:00:00Z"}`),
				},
			},
		},
		{
			Role: model.RoleUser,
			Parts: []model.Part{
				model.ToolResultPart{
					ToolUseID: "tu1",
					Content:   map[string]any{"error": "unknown tool"},
					IsError:   true,
				},
			},
		},
	}, nil)
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	tu := msgs[0].Content[0].OfToolUse
	if tu == nil {
		t.Fatalf("expected tool_use block")
	}
	if tu.Name != "atlas_count_events" {
		t.Fatalf("unexpected sanitized name %q", tu.Name)
	}
}

func TestEncodeMessagesSkipsEmptyAndSystem(t *testing.T) {
	msgs, system, err := encodeMessages([]*model.Message{
		{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: "stay terse"}}},
		{Role: model.RoleAssistant},
		{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
	}, nil)
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	if len(system) != 1 || system[0].Text != "stay terse" {
		t.Fatalf("unexpected system blocks: %+v", system)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected empty assistant message to drop, got %d messages", len(msgs))
	}
}

func TestEncodeMessagesRequiresConversation(t *testing.T) {
	_, _, err := encodeMessages([]*model.Message{
		{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: "only system"}}},
	}, nil)
	if err == nil {
		t.Fatalf("expected error for conversation without user/assistant messages")
	}
}

package bedrock

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/weaveline/loom/runtime/model"
)

func collectingTranslator(names map[string]string) (*translator, *[]model.Chunk, *model.TokenUsage) {
	var (
		chunks   []model.Chunk
		recorded model.TokenUsage
	)
	tr := newTranslator(
		func(c model.Chunk) error { chunks = append(chunks, c); return nil },
		func(u model.TokenUsage) { recorded = u },
		names,
	)
	return tr, &chunks, &recorded
}

func TestTranslatorUsageIncludesCacheTokens(t *testing.T) {
	tr, chunks, recorded := collectingTranslator(nil)

	err := tr.handle(&brtypes.ConverseStreamOutputMemberMetadata{
		Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{
				InputTokens:           aws.Int32(100),
				OutputTokens:          aws.Int32(25),
				TotalTokens:           aws.Int32(125),
				CacheReadInputTokens:  aws.Int32(60),
				CacheWriteInputTokens: aws.Int32(40),
			},
		},
	})
	if err != nil {
		t.Fatalf("handle metadata: %v", err)
	}
	if len(*chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(*chunks))
	}
	chunk := (*chunks)[0]
	if chunk.Type != model.ChunkTypeUsage || chunk.UsageDelta == nil {
		t.Fatalf("expected usage chunk, got %+v", chunk)
	}
	want := model.TokenUsage{InputTokens: 100, OutputTokens: 25, TotalTokens: 125, CacheReadTokens: 60, CacheWriteTokens: 40}
	if *chunk.UsageDelta != want {
		t.Fatalf("usage delta %+v, want %+v", *chunk.UsageDelta, want)
	}
	if *recorded != want {
		t.Fatalf("recorded usage %+v, want %+v", *recorded, want)
	}
}

func TestTranslatorEmptyToolArgsDefaultToObject(t *testing.T) {
	tr, chunks, _ := collectingTranslator(map[string]string{"report_fetch": "report.fetch"})

	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberContentBlockStart{
			Value: brtypes.ContentBlockStartEvent{
				ContentBlockIndex: aws.Int32(0),
				Start: &brtypes.ContentBlockStartMemberToolUse{
					Value: brtypes.ToolUseBlockStart{
						Name:      aws.String("report_fetch"),
						ToolUseId: aws.String("tool-1"),
					},
				},
			},
		},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{
			Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)},
		},
	}
	for _, ev := range events {
		if err := tr.handle(ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	if len(*chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(*chunks))
	}
	call := (*chunks)[0].ToolCall
	if call == nil {
		t.Fatalf("expected tool call chunk, got %+v", (*chunks)[0])
	}
	if call.Name != "report.fetch" {
		t.Fatalf("tool name %q, want report.fetch", call.Name)
	}
	if string(call.Args) != "{}" {
		t.Fatalf("args %q, want {}", call.Args)
	}
}

func TestTranslatorMaxTokensFinish(t *testing.T) {
	tr, chunks, _ := collectingTranslator(nil)

	err := tr.handle(&brtypes.ConverseStreamOutputMemberMessageStop{
		Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonMaxTokens},
	})
	if err != nil {
		t.Fatalf("handle stop: %v", err)
	}
	if len(*chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(*chunks))
	}
	chunk := (*chunks)[0]
	if chunk.Type != model.ChunkTypeStop {
		t.Fatalf("chunk type %q, want stop", chunk.Type)
	}
	if chunk.FinishReason != model.FinishLength {
		t.Fatalf("finish reason %q, want %q", chunk.FinishReason, model.FinishLength)
	}
}

func TestTranslatorPreservesWhitespaceText(t *testing.T) {
	tr, chunks, _ := collectingTranslator(nil)

	// A lone space between words arrives as its own delta. Dropping it
	// would glue the surrounding tokens together.
	err := tr.handle(&brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: " "},
		},
	})
	if err != nil {
		t.Fatalf("handle delta: %v", err)
	}
	if len(*chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(*chunks))
	}
	chunk := (*chunks)[0]
	if chunk.Type != model.ChunkTypeText || chunk.Message == nil {
		t.Fatalf("expected text chunk, got %+v", chunk)
	}
	if got := chunk.Message.Text(); got != " " {
		t.Fatalf("text %q, want single space", got)
	}
}

func TestTranslatorMissingBlockIndex(t *testing.T) {
	tr, _, _ := collectingTranslator(nil)

	err := tr.handle(&brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			Delta: &brtypes.ContentBlockDeltaMemberText{Value: "hi"},
		},
	})
	if err == nil {
		t.Fatal("expected error for missing content block index")
	}
}

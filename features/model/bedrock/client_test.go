package bedrock_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/loom/features/model/bedrock"
	"github.com/weaveline/loom/runtime/model"
)

func TestCompleteTextAndToolUse(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	mock.output = &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "pulling the report"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("tool-1"),
					Name:      aws.String("report_fetch"),
					Input:     document.NewLazyDocument(&map[string]any{"window": "24h"}),
				}},
			},
		}},
		Usage: &brtypes.TokenUsage{
			InputTokens:           aws.Int32(100),
			OutputTokens:          aws.Int32(20),
			TotalTokens:           aws.Int32(120),
			CacheReadInputTokens:  aws.Int32(40),
			CacheWriteInputTokens: aws.Int32(60),
		},
		StopReason: brtypes.StopReasonToolUse,
	}

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			systemText("You run reports."),
			userText("fetch the last day"),
		},
		Tools: []*model.ToolDefinition{{
			Name:        "report.fetch",
			Description: "Fetch a report window",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	require.Equal(t, "pulling the report", resp.Content[0].Text())
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "report.fetch", resp.ToolCalls[0].Name)
	require.Equal(t, "tool-1", resp.ToolCalls[0].ID)
	require.JSONEq(t, `{"window":"24h"}`, string(resp.ToolCalls[0].Args))
	require.Equal(t, model.FinishToolCalls, resp.FinishReason)
	require.Equal(t, model.TokenUsage{
		InputTokens:      100,
		OutputTokens:     20,
		TotalTokens:      120,
		CacheReadTokens:  40,
		CacheWriteTokens: 60,
	}, resp.Usage)

	input := mock.captured
	require.Equal(t, "anthropic.claude-sonnet-4-5", aws.ToString(input.ModelId))
	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 1)
	require.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 1)
	spec, ok := input.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	require.Equal(t, "report_fetch", aws.ToString(spec.Value.Name))
}

func TestCompleteRequiresConversation(t *testing.T) {
	client, err := bedrock.New(&mockRuntime{}, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{systemText("only system")},
	})
	require.Error(t, err)
}

func TestStreamChunkSequence(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "checking"},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{
			ContentBlockIndex: aws.Int32(0),
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStart{Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &brtypes.ContentBlockStartMemberToolUse{Value: brtypes.ToolUseBlockStart{
				Name:      aws.String("$FUNCTIONS.report_fetch"),
				ToolUseId: aws.String("tool-1"),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta: &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{
				Input: aws.String(`{"window":"24h"}`),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{
			ContentBlockIndex: aws.Int32(1),
		}},
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{
			StopReason: brtypes.StopReasonToolUse,
		}},
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{
				InputTokens:          aws.Int32(10),
				OutputTokens:         aws.Int32(2),
				TotalTokens:          aws.Int32(12),
				CacheReadInputTokens: aws.Int32(3),
			},
		}},
	}
	mock.streamOutput = newFakeStreamOutput(events, nil)

	streamer, err := client.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{userText("fetch the last day")},
		Tools: []*model.ToolDefinition{{
			Name:        "report.fetch",
			Description: "Fetch a report window",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	defer func() { _ = streamer.Close() }()

	chunks := drain(t, streamer)
	require.Len(t, chunks, 5)

	require.Equal(t, model.ChunkTypeText, chunks[0].Type)
	require.Equal(t, "checking", chunks[0].Message.Text())

	require.Equal(t, model.ChunkTypeToolCallDelta, chunks[1].Type)
	require.Equal(t, "report.fetch", chunks[1].ToolCallDelta.Name)
	require.Equal(t, "tool-1", chunks[1].ToolCallDelta.ID)

	require.Equal(t, model.ChunkTypeToolCall, chunks[2].Type)
	require.Equal(t, "report.fetch", chunks[2].ToolCall.Name)
	require.Equal(t, "tool-1", chunks[2].ToolCall.ID)
	require.JSONEq(t, `{"window":"24h"}`, string(chunks[2].ToolCall.Args))

	require.Equal(t, model.ChunkTypeStop, chunks[3].Type)
	require.Equal(t, model.FinishToolCalls, chunks[3].FinishReason)

	require.Equal(t, model.ChunkTypeUsage, chunks[4].Type)
	require.Equal(t, 10, chunks[4].UsageDelta.InputTokens)
	require.Equal(t, 2, chunks[4].UsageDelta.OutputTokens)
	require.Equal(t, 12, chunks[4].UsageDelta.TotalTokens)
	require.Equal(t, 3, chunks[4].UsageDelta.CacheReadTokens)

	meta := streamer.Metadata()
	require.NotNil(t, meta)
	usage, ok := meta["usage"].(model.TokenUsage)
	require.True(t, ok)
	require.Equal(t, 12, usage.TotalTokens)
}

func TestStreamThinkingSealedWithSignature(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta: &brtypes.ContentBlockDeltaMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockDeltaMemberText{Value: "weighing options"},
			},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta: &brtypes.ContentBlockDeltaMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockDeltaMemberSignature{Value: "sig-1"},
			},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{
			ContentBlockIndex: aws.Int32(0),
		}},
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{
			StopReason: brtypes.StopReasonEndTurn,
		}},
	}
	mock.streamOutput = newFakeStreamOutput(events, nil)

	streamer, err := client.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{userText("think it over")},
		Thinking: &model.ThinkingOptions{Enable: true, BudgetTokens: 2048},
	})
	require.NoError(t, err)
	defer func() { _ = streamer.Close() }()

	chunks := drain(t, streamer)
	require.Len(t, chunks, 3)

	require.Equal(t, model.ChunkTypeThinking, chunks[0].Type)
	require.Equal(t, "weighing options", chunks[0].Thinking)

	require.Equal(t, model.ChunkTypeThinking, chunks[1].Type)
	sealed, ok := chunks[1].Message.Parts[0].(model.ThinkingPart)
	require.True(t, ok)
	require.True(t, sealed.Final)
	require.Equal(t, "weighing options", sealed.Text)
	require.Equal(t, "sig-1", sealed.Signature)

	require.Equal(t, model.ChunkTypeStop, chunks[2].Type)
	require.Equal(t, model.FinishStop, chunks[2].FinishReason)

	require.NotNil(t, mock.streamInput)
	require.NotNil(t, mock.streamInput.AdditionalModelRequestFields)
	raw, err := mock.streamInput.AdditionalModelRequestFields.MarshalSmithyDocument()
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	thinking, ok := fields["thinking"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "enabled", thinking["type"])
	require.InDelta(t, 2048, thinking["budget_tokens"], 0.001)
}

func TestStreamSurfacesReaderError(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(mock, bedrock.Options{DefaultModel: "anthropic.claude-sonnet-4-5"})
	require.NoError(t, err)

	readerErr := errors.New("connection reset")
	mock.streamOutput = newFakeStreamOutput(nil, readerErr)

	streamer, err := client.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{userText("hi")},
	})
	require.NoError(t, err)
	defer func() { _ = streamer.Close() }()

	_, err = streamer.Recv()
	require.Error(t, err)
	require.ErrorIs(t, err, readerErr)
}

func systemText(text string) *model.Message {
	return &model.Message{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: text}}}
}

func userText(text string) *model.Message {
	return &model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: text}}}
}

func drain(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

type mockRuntime struct {
	captured     *bedrockruntime.ConverseInput
	output       *bedrockruntime.ConverseOutput
	err          error
	streamInput  *bedrockruntime.ConverseStreamInput
	streamOutput bedrock.StreamOutput
	streamErr    error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func (m *mockRuntime) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (bedrock.StreamOutput, error) {
	m.streamInput = params
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.streamOutput, nil
}

type fakeStreamOutput struct {
	stream *bedrockruntime.ConverseStreamEventStream
}

func (f *fakeStreamOutput) GetStream() *bedrockruntime.ConverseStreamEventStream {
	return f.stream
}

type fakeStreamReader struct {
	events chan brtypes.ConverseStreamOutput
	err    error
}

func (r *fakeStreamReader) Events() <-chan brtypes.ConverseStreamOutput { return r.events }
func (r *fakeStreamReader) Close() error                               { return nil }
func (r *fakeStreamReader) Err() error                                 { return r.err }

func newFakeStreamOutput(events []brtypes.ConverseStreamOutput, err error) *fakeStreamOutput {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeStreamReader{events: ch, err: err}
	stream := bedrockruntime.NewConverseStreamEventStream(func(es *bedrockruntime.ConverseStreamEventStream) {
		es.Reader = reader
	})
	return &fakeStreamOutput{stream: stream}
}

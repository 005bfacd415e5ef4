// Package bedrock implements model.Client on top of the AWS Bedrock Converse
// API. Requests are encoded into Converse inputs (system blocks, tool
// configuration, cache points) and Converse outputs are translated back into
// normalized messages, tool calls, and usage. Tool names are sanitized to
// Bedrock's [a-zA-Z0-9_-] alphabet on the way out and mapped back to their
// canonical identifiers on the way in.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/weaveline/loom/runtime/model"
)

const defaultThinkingBudget = 16384

// Runtime is the subset of *bedrockruntime.Client the adapter calls.
// ConverseStream returns a StreamOutput interface instead of the concrete SDK
// type so tests can inject fake event streams; wrap a real client with
// NewFromClient.
type Runtime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
}

// StreamOutput exposes the event stream of a ConverseStream call. It is
// satisfied by *bedrockruntime.ConverseStreamOutput.
type StreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// Options configures the Bedrock adapter.
type Options struct {
	// DefaultModel is the model identifier used when a request does not name
	// one. Required.
	DefaultModel string

	// MaxTokens caps completion tokens when a request does not set MaxTokens.
	// Zero leaves the cap to Bedrock.
	MaxTokens int

	// Temperature applies when a request does not set Temperature.
	Temperature float32

	// ThinkingBudget is the thinking token budget used when a request enables
	// thinking without a budget. Zero selects the adapter default.
	ThinkingBudget int
}

// Client implements model.Client using the Bedrock Converse API.
type Client struct {
	rt           Runtime
	defaultModel string
	maxTok       int
	temp         float32
	think        int
}

// New builds a Bedrock-backed model client from the provided runtime and
// configuration options.
func New(rt Runtime, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	think := opts.ThinkingBudget
	if think <= 0 {
		think = defaultThinkingBudget
	}
	return &Client{
		rt:           rt,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        think,
	}, nil
}

// NewFromClient wraps a concrete Bedrock runtime client.
func NewFromClient(rc *bedrockruntime.Client, opts Options) (*Client, error) {
	if rc == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return New(sdkRuntime{c: rc}, opts)
}

// sdkRuntime adapts *bedrockruntime.Client to the Runtime interface by
// widening the ConverseStream return type.
type sdkRuntime struct {
	c *bedrockruntime.Client
}

func (r sdkRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.c.Converse(ctx, params, optFns...)
}

func (r sdkRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.c.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete issues a non-streaming Converse request and translates the output
// into runtime structures (assistant messages + tool calls).
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.rt.Converse(ctx, c.converseInput(parts, req))
	if err != nil {
		return nil, wrapErr("converse", err)
	}
	return translateResponse(out, parts.provToCanon)
}

// Stream invokes ConverseStream and adapts the event stream to
// model.Streamer.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.rt.ConverseStream(ctx, c.converseStreamInput(parts, req))
	if err != nil {
		return nil, wrapErr("converse_stream", err)
	}
	es := out.GetStream()
	if es == nil {
		return nil, errors.New("bedrock: converse stream output has no event stream")
	}
	return newStreamer(ctx, es, parts.provToCanon), nil
}

// requestParts carries the encoded pieces of one Converse request together
// with the tool name maps used to translate between canonical and
// provider-visible identifiers.
type requestParts struct {
	modelID     string
	messages    []brtypes.Message
	system      []brtypes.SystemContentBlock
	toolConfig  *brtypes.ToolConfiguration
	canonToProv map[string]string
	provToCanon map[string]string
}

func (c *Client) prepareRequest(req *model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	var cacheAfterSystem, cacheAfterTools bool
	if req.Cache != nil {
		cacheAfterSystem = req.Cache.AfterSystem
		cacheAfterTools = req.Cache.AfterTools
	}
	// Nova models reject tool-level cache points. Fail fast instead of
	// letting Bedrock bounce the request with a generic validation error.
	if cacheAfterTools && isNovaModel(modelID) {
		return nil, fmt.Errorf("bedrock: Cache.AfterTools is not supported for Nova models (model=%s)", modelID)
	}
	// Tool encoding runs first so message encoding can reuse the exact
	// sanitized names when re-encoding historical tool_use blocks.
	toolConfig, canonToProv, provToCanon, err := encodeTools(req.Tools, req.ToolChoice, cacheAfterTools)
	if err != nil {
		return nil, err
	}
	// Bedrock rejects histories holding tool blocks when no tool
	// configuration rides along.
	if toolConfig == nil && messagesHaveToolBlocks(req.Messages) {
		return nil, errors.New("bedrock: history contains tool_use or tool_result blocks but the request defines no tools")
	}
	messages, system, err := encodeMessages(req.Messages, canonToProv, cacheAfterSystem)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		canonToProv: canonToProv,
		provToCanon: provToCanon,
	}, nil
}

func (c *Client) converseInput(parts *requestParts, req *model.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	if doc := c.thinkingFields(req.Thinking); doc != nil {
		input.AdditionalModelRequestFields = doc
	}
	return input
}

func (c *Client) converseStreamInput(parts *requestParts, req *model.Request) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	if doc := c.thinkingFields(req.Thinking); doc != nil {
		input.AdditionalModelRequestFields = doc
	}
	return input
}

// thinkingFields builds the model-specific request fields that enable
// extended thinking on Claude models served through Bedrock. The Converse API
// has no first-class thinking switch, so the configuration travels in
// AdditionalModelRequestFields.
func (c *Client) thinkingFields(opts *model.ThinkingOptions) document.Interface {
	if opts == nil || !opts.Enable {
		return nil
	}
	budget := opts.BudgetTokens
	if budget <= 0 {
		budget = c.think
	}
	fields := map[string]any{
		"thinking": map[string]any{
			"type":          "enabled",
			"budget_tokens": budget,
		},
	}
	return document.NewLazyDocument(&fields)
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []*model.Message, nameMap map[string]string, cacheAfterSystem bool) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	// toolUseIDMap remaps tool_use identifiers that violate Bedrock's
	// [a-zA-Z0-9_-] / 64 char constraints to short synthetic IDs. The map is
	// shared between tool_use and tool_result parts so correlation survives
	// the rewrite, and is local to one encode pass.
	toolUseIDMap := make(map[string]string)
	nextToolUseID := 0

	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.RoleSystem {
			for _, p := range m.Parts {
				switch v := p.(type) {
				case model.TextPart:
					if v.Text != "" {
						system = append(system, &brtypes.SystemContentBlockMemberText{Value: v.Text})
					}
				case model.CacheCheckpointPart:
					system = append(system, &brtypes.SystemContentBlockMemberCachePoint{
						Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
					})
				}
			}
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ThinkingPart:
				// Only provider-replayable variants are encoded: signed text
				// or a redacted payload. Unsigned interim deltas are dropped.
				if v.Text != "" && v.Signature != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
						Value: &brtypes.ReasoningContentBlockMemberReasoningText{
							Value: brtypes.ReasoningTextBlock{
								Text:      aws.String(v.Text),
								Signature: aws.String(v.Signature),
							},
						},
					})
				} else if len(v.Redacted) > 0 {
					blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
						Value: &brtypes.ReasoningContentBlockMemberRedactedContent{
							Value: v.Redacted,
						},
					})
				}
			case model.ImagePart:
				if m.Role != model.RoleUser {
					return nil, nil, fmt.Errorf("bedrock: image parts are only supported in user messages (role=%s)", m.Role)
				}
				block, err := encodeImage(v)
				if err != nil {
					return nil, nil, err
				}
				blocks = append(blocks, block)
			case model.ToolUsePart:
				tb := brtypes.ToolUseBlock{}
				if v.Name != "" {
					// Historical calls may reference tools absent from the
					// current configuration; send the sanitized name so the
					// transcript stays well formed.
					name, ok := nameMap[v.Name]
					if !ok || name == "" {
						name = sanitizeToolName(v.Name)
					}
					tb.Name = aws.String(name)
				}
				if v.ID != "" {
					if id := toolUseIDFor(v.ID, toolUseIDMap, &nextToolUseID); id != "" {
						tb.ToolUseId = aws.String(id)
					}
				}
				input := v.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				doc, err := jsonDocument(input)
				if err != nil {
					return nil, nil, fmt.Errorf("bedrock: tool_use %q input: %w", v.Name, err)
				}
				tb.Input = doc
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case model.ToolResultPart:
				// Bedrock expects tool_result blocks in user messages,
				// correlated to a prior tool_use by ID.
				tr := brtypes.ToolResultBlock{}
				if id := toolUseIDFor(v.ToolUseID, toolUseIDMap, &nextToolUseID); id != "" {
					tr.ToolUseId = aws.String(id)
				}
				content, err := encodeToolResult(v.Content)
				if err != nil {
					return nil, nil, fmt.Errorf("bedrock: tool_result %q content: %w", v.ToolUseID, err)
				}
				tr.Content = content
				if v.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			case model.CacheCheckpointPart:
				blocks = append(blocks, &brtypes.ContentBlockMemberCachePoint{
					Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
				})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleAssistant
		if m.Role == model.RoleUser {
			role = brtypes.ConversationRoleUser
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	if cacheAfterSystem && len(system) > 0 {
		system = append(system, &brtypes.SystemContentBlockMemberCachePoint{
			Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
		})
	}
	return conversation, system, nil
}

// encodeImage maps an image part onto a Bedrock image block. Converse only
// accepts inline bytes or S3 locations, so signed HTTP URLs cannot be
// forwarded; callers route image-bearing requests elsewhere unless the image
// lives in S3.
func encodeImage(part model.ImagePart) (brtypes.ContentBlock, error) {
	if !strings.HasPrefix(part.URL, "s3://") {
		return nil, fmt.Errorf("bedrock: image URL scheme not supported: %q (only s3:// URIs)", part.URL)
	}
	format, err := imageFormat(part.MediaType)
	if err != nil {
		return nil, err
	}
	return &brtypes.ContentBlockMemberImage{
		Value: brtypes.ImageBlock{
			Format: format,
			Source: &brtypes.ImageSourceMemberS3Location{
				Value: brtypes.S3Location{Uri: aws.String(part.URL)},
			},
		},
	}, nil
}

func imageFormat(mediaType string) (brtypes.ImageFormat, error) {
	switch mediaType {
	case "image/png":
		return brtypes.ImageFormatPng, nil
	case "image/jpeg":
		return brtypes.ImageFormatJpeg, nil
	case "image/gif":
		return brtypes.ImageFormatGif, nil
	case "image/webp":
		return brtypes.ImageFormatWebp, nil
	default:
		return "", fmt.Errorf("bedrock: unsupported image media type %q", mediaType)
	}
}

func encodeToolResult(content any) ([]brtypes.ToolResultContentBlock, error) {
	switch v := content.(type) {
	case nil:
		return []brtypes.ToolResultContentBlock{
			&brtypes.ToolResultContentBlockMemberText{Value: ""},
		}, nil
	case string:
		return []brtypes.ToolResultContentBlock{
			&brtypes.ToolResultContentBlockMemberText{Value: v},
		}, nil
	case []byte:
		doc, err := jsonDocument(json.RawMessage(v))
		if err != nil {
			// Raw bytes that are not JSON travel as text.
			return []brtypes.ToolResultContentBlock{
				&brtypes.ToolResultContentBlockMemberText{Value: string(v)},
			}, nil
		}
		return []brtypes.ToolResultContentBlock{
			&brtypes.ToolResultContentBlockMemberJson{Value: doc},
		}, nil
	case json.RawMessage:
		doc, err := jsonDocument(v)
		if err != nil {
			return nil, err
		}
		return []brtypes.ToolResultContentBlock{
			&brtypes.ToolResultContentBlockMemberJson{Value: doc},
		}, nil
	default:
		return []brtypes.ToolResultContentBlock{
			&brtypes.ToolResultContentBlockMemberJson{Value: lazyDocument(v)},
		}, nil
	}
}

func encodeTools(defs []*model.ToolDefinition, choice *model.ToolChoice, cacheAfterTools bool) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		if choice == nil || choice.Mode == model.ToolChoiceModeNone {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, errors.New("bedrock: tool choice is set but no tools are defined")
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		canonToProv[def.Name] = sanitized
		schema, err := schemaDocument(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schema},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		if choice == nil || choice.Mode == model.ToolChoiceModeNone {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, errors.New("bedrock: tool choice is set but no tools are defined")
	}
	if cacheAfterTools {
		toolList = append(toolList, &brtypes.ToolMemberCachePoint{
			Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
		})
	}

	cfg := brtypes.ToolConfiguration{Tools: toolList}
	if choice == nil {
		return &cfg, canonToProv, provToCanon, nil
	}
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		// Auto is the provider default; leave ToolChoice unset.
	case model.ToolChoiceModeNone:
		// Bedrock has no "none" member. The configuration is kept so
		// historical tool blocks remain interpretable and prompting prevents
		// new calls.
	case model.ToolChoiceModeAny:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return nil, nil, nil, fmt.Errorf("bedrock: tool choice mode %q requires a tool name", choice.Mode)
		}
		sanitized, ok := canonToProv[choice.Name]
		if !ok {
			return nil, nil, nil, fmt.Errorf("bedrock: tool choice name %q does not match any tool", choice.Name)
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(sanitized)},
		}
	default:
		return nil, nil, nil, fmt.Errorf("bedrock: unsupported tool choice mode %q", choice.Mode)
	}
	return &cfg, canonToProv, provToCanon, nil
}

// schemaDocument converts a tool input schema (map, json.RawMessage, or
// document) into a smithy document. A nil schema becomes the permissive empty
// object schema.
func schemaDocument(schema any) (document.Interface, error) {
	switch v := schema.(type) {
	case nil:
		return lazyDocument(map[string]any{"type": "object"}), nil
	case document.Interface:
		return v, nil
	case json.RawMessage:
		return jsonDocument(v)
	case []byte:
		return jsonDocument(json.RawMessage(v))
	default:
		return lazyDocument(v), nil
	}
}

// jsonDocument decodes raw JSON into a smithy document. Unlike schemaDocument
// it rejects malformed payloads instead of substituting a default.
func jsonDocument(raw json.RawMessage) (document.Interface, error) {
	if len(raw) == 0 {
		return lazyDocument(map[string]any{}), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return lazyDocument(decoded), nil
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func toolUseIDFor(canonical string, toolUseIDMap map[string]string, nextToolUseID *int) string {
	if canonical == "" {
		return ""
	}
	if isProviderSafeToolUseID(canonical) {
		return canonical
	}
	if id, ok := toolUseIDMap[canonical]; ok {
		return id
	}
	*nextToolUseID++
	id := fmt.Sprintf("t%d", *nextToolUseID)
	toolUseIDMap[canonical] = id
	return id
}

func translateResponse(out *bedrockruntime.ConverseOutput, nameMap map[string]string) (*model.Response, error) {
	if out == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{}
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				resp.Content = append(resp.Content, model.Message{
					Role:  model.RoleAssistant,
					Parts: []model.Part{model.TextPart{Text: v.Value}},
				})
			case *brtypes.ContentBlockMemberReasoningContent:
				if part, ok := translateReasoning(v.Value); ok {
					resp.Content = append(resp.Content, model.Message{
						Role:  model.RoleAssistant,
						Parts: []model.Part{part},
					})
				}
			case *brtypes.ContentBlockMemberToolUse:
				// A hallucinated tool name will not appear in the reverse
				// map; surface the call as-is so the runtime can answer with
				// an error result the model can recover from.
				var name string
				if v.Value.Name != nil {
					name = normalizeToolName(*v.Value.Name)
					if canonical, ok := nameMap[name]; ok {
						name = canonical
					}
				}
				var id string
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				args := decodeDocument(v.Value.Input)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:   id,
					Name: name,
					Args: args,
				})
			}
		}
	}
	if u := out.Usage; u != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:      int(ptrInt32(u.InputTokens)),
			OutputTokens:     int(ptrInt32(u.OutputTokens)),
			TotalTokens:      int(ptrInt32(u.TotalTokens)),
			CacheReadTokens:  int(ptrInt32(u.CacheReadInputTokens)),
			CacheWriteTokens: int(ptrInt32(u.CacheWriteInputTokens)),
		}
		if resp.Usage.TotalTokens == 0 {
			resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
		}
	}
	resp.FinishReason = finishFromStop(string(out.StopReason), len(resp.ToolCalls) > 0)
	return resp, nil
}

// translateReasoning maps a Bedrock reasoning block onto a final thinking
// part. Blocks without replayable content report ok=false.
func translateReasoning(block brtypes.ReasoningContentBlock) (model.ThinkingPart, bool) {
	switch v := block.(type) {
	case *brtypes.ReasoningContentBlockMemberReasoningText:
		text := aws.ToString(v.Value.Text)
		if text == "" {
			return model.ThinkingPart{}, false
		}
		return model.ThinkingPart{
			Text:      text,
			Signature: aws.ToString(v.Value.Signature),
			Final:     true,
		}, true
	case *brtypes.ReasoningContentBlockMemberRedactedContent:
		if len(v.Value) == 0 {
			return model.ThinkingPart{}, false
		}
		return model.ThinkingPart{
			Redacted: append([]byte(nil), v.Value...),
			Final:    true,
		}, true
	default:
		return model.ThinkingPart{}, false
	}
}

// finishFromStop maps Bedrock stop reasons onto normalized finish reasons.
// Unknown reasons normalize to FinishStop; an absent reason falls back on the
// presence of tool calls.
func finishFromStop(stop string, hasCalls bool) model.FinishReason {
	switch stop {
	case string(brtypes.StopReasonToolUse):
		return model.FinishToolCalls
	case string(brtypes.StopReasonMaxTokens):
		return model.FinishLength
	case "":
		if hasCalls {
			return model.FinishToolCalls
		}
		return model.FinishStop
	default:
		return model.FinishStop
	}
}

// wrapErr classifies provider failures. Throttling signals map onto
// ErrRateLimited and capacity exhaustion onto ErrOverloaded so orchestrator
// fault handling can pick retry versus reroute.
func wrapErr(op string, err error) error {
	if errors.Is(err, model.ErrRateLimited) || errors.Is(err, model.ErrOverloaded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case "ServiceUnavailableException", "ModelNotReadyException":
			return fmt.Errorf("%w: %w", model.ErrOverloaded, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %w", model.ErrOverloaded, err)
		}
	}
	return fmt.Errorf("bedrock %s: %w", op, err)
}

func ptrInt32(ptr *int32) int32 {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// isNovaModel reports whether the model identifier names an Amazon Nova
// family model. Nova models do not support tool-level cache checkpoints.
func isNovaModel(modelID string) bool {
	return strings.HasPrefix(modelID, "amazon.nova-")
}

// messagesHaveToolBlocks reports whether any message carries a tool_use or
// tool_result part. Bedrock requires a tool configuration whenever such
// blocks appear in the history.
func messagesHaveToolBlocks(msgs []*model.Message) bool {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			switch p.(type) {
			case model.ToolUsePart, model.ToolResultPart:
				return true
			}
		}
	}
	return false
}

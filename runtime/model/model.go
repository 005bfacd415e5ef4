// Package model defines the provider-agnostic contract the runtime uses to
// invoke LLM backends. It normalizes chat requests (message history, tool
// schemas, cache checkpoints) and responses (text, tool calls, usage, finish
// reasons) so the orchestrator never couples to a specific SDK. Adapters for
// concrete providers live under features/model.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Client is the contract the orchestrator uses to invoke LLM calls.
	// Implementations wrap provider SDKs (Anthropic, OpenAI, Bedrock) and
	// translate Request/Response to provider-specific formats. Clients must be
	// safe for concurrent use across runs.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Implementations map provider throttling to ErrRateLimited
		// and capacity exhaustion to ErrOverloaded so callers can classify.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks (text, tool calls, usage, stop). The
		// returned Streamer must be closed by callers. Providers that do not
		// support streaming return ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF. Safe for use from a single goroutine;
	// Close releases the underlying connection.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific metadata for the stream, such as
		// request ids or final usage. Contents are optional and provider
		// defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Gateway callers
		// use prefixed ids ("anthropic/...", "openai/...") which the gateway
		// strips before dispatch.
		Model string

		// Messages is the ordered conversation sent to the model. System
		// messages are extracted into the provider's system slot where the
		// provider requires it.
		Messages []*Message

		// Tools describes the tool schemas exposed to the model. Empty when
		// the model should not invoke tools.
		Tools []*ToolDefinition

		// ToolChoice constrains how the model may use the supplied tools.
		// Nil means provider default (auto).
		ToolChoice *ToolChoice

		// Temperature controls sampling. Zero means provider default.
		Temperature float32

		// MaxTokens caps completion tokens. Zero means the adapter default.
		MaxTokens int

		// Cache carries prompt-cache placement hints for providers that
		// support cache checkpoints. Nil disables caching.
		Cache *CacheOptions

		// Thinking configures extended reasoning for providers that support
		// it. Nil disables thinking.
		Thinking *ThinkingOptions
	}

	// CacheOptions positions provider cache checkpoints on stable request
	// prefixes. Checkpoints inside the conversation are expressed as
	// CacheCheckpointPart markers in Messages.
	CacheOptions struct {
		// AfterSystem places a checkpoint after the system prompt.
		AfterSystem bool
		// AfterTools places a checkpoint after the tool configuration.
		AfterTools bool
	}

	// ThinkingOptions toggles provider reasoning modes.
	ThinkingOptions struct {
		// Enable turns thinking on. When false the provider default applies.
		Enable bool
		// BudgetTokens caps tokens allocated to thinking. Zero means the
		// adapter default.
		BudgetTokens int
	}

	// Response wraps the generated content and tool call requests.
	Response struct {
		// Content contains the assistant messages returned by the model.
		// Empty if the model only requested tool calls.
		Content []Message

		// ToolCalls lists tool invocations requested by the model, in the
		// order they were announced.
		ToolCalls []ToolCall

		// Usage reports token consumption when the provider supplies it.
		Usage TokenUsage

		// FinishReason explains why generation ended.
		FinishReason FinishReason
	}

	// Message is one conversation entry composed of typed parts.
	Message struct {
		// Role is the conversation role of the message.
		Role Role
		// Parts holds the ordered content blocks.
		Parts []Part
		// Meta carries provider metadata (content indexes, request ids).
		// Adapters may read or ignore it.
		Meta map[string]any
	}

	// Part is a single content block inside a Message. Concrete types:
	// TextPart, ToolUsePart, ToolResultPart, ImagePart, ThinkingPart,
	// CacheCheckpointPart.
	Part interface{ part() }

	// TextPart is plain text content.
	TextPart struct {
		Text string
	}

	// ToolUsePart records a tool invocation announced by the assistant. It is
	// re-encoded into provider history on subsequent turns.
	ToolUsePart struct {
		// ID is the provider-issued tool call identifier.
		ID string
		// Name is the canonical tool name.
		Name string
		// Input is the raw JSON arguments.
		Input json.RawMessage
	}

	// ToolResultPart carries the outcome of a tool invocation back to the
	// model.
	ToolResultPart struct {
		// ToolUseID pairs the result with its announcing tool call.
		ToolUseID string
		// Content is the tool output: string, []byte, or a JSON-marshalable
		// value.
		Content any
		// IsError marks the result as a tool failure.
		IsError bool
	}

	// ImagePart references an image by URL. URLs may be signed and expire;
	// the runtime refreshes them before dispatch.
	ImagePart struct {
		// URL locates the image.
		URL string
		// MediaType is the MIME type when known (e.g. "image/png").
		MediaType string
		// ExpiresAt is the signed URL expiry; zero when the URL is stable.
		ExpiresAt time.Time
	}

	// ThinkingPart carries provider reasoning output. Final parts include the
	// provider signature needed to replay the block.
	ThinkingPart struct {
		Text      string
		Signature string
		Redacted  []byte
		Index     int
		Final     bool
	}

	// CacheCheckpointPart marks a prompt-cache boundary inside the
	// conversation. Providers that support caching translate it to their
	// native marker; others skip it.
	CacheCheckpointPart struct{}

	// ToolDefinition describes a tool schema passed to providers for function
	// calling.
	ToolDefinition struct {
		// Name is the canonical tool identifier.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool arguments,
		// typically a map[string]any or json.RawMessage.
		InputSchema any
	}

	// ToolChoice constrains tool usage for one request.
	ToolChoice struct {
		// Mode selects the constraint.
		Mode ToolChoiceMode
		// Name is the forced tool when Mode is ToolChoiceModeTool.
		Name string
	}

	// ToolChoiceMode enumerates tool usage constraints.
	ToolChoiceMode string

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-issued call identifier used for pairing.
		ID string
		// Name is the canonical tool name.
		Name string
		// Args is the raw JSON arguments.
		Args json.RawMessage
	}

	// ToolCallDelta is an incremental fragment of a streamed tool call's
	// arguments.
	ToolCallDelta struct {
		ID    string
		Name  string
		Delta string
	}

	// TokenUsage records token counts reported by the provider. All fields
	// are zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts prompt tokens, excluding cache reads.
		InputTokens int
		// OutputTokens counts completion tokens.
		OutputTokens int
		// TotalTokens is the aggregate when reported, otherwise input+output.
		TotalTokens int
		// CacheReadTokens counts prompt tokens served from the provider
		// cache.
		CacheReadTokens int
		// CacheWriteTokens counts prompt tokens written to the provider
		// cache.
		CacheWriteTokens int
	}

	// Chunk is one streaming event. Type indicates which fields are set.
	Chunk struct {
		// Type is the chunk kind.
		Type ChunkType
		// Message holds the assistant delta when Type is ChunkTypeText or
		// ChunkTypeThinking.
		Message *Message
		// Thinking is the reasoning delta when Type is ChunkTypeThinking.
		Thinking string
		// ToolCall is the completed invocation when Type is
		// ChunkTypeToolCall.
		ToolCall *ToolCall
		// ToolCallDelta is the argument fragment when Type is
		// ChunkTypeToolCallDelta.
		ToolCallDelta *ToolCallDelta
		// UsageDelta reports usage when Type is ChunkTypeUsage.
		UsageDelta *TokenUsage
		// FinishReason is set when Type is ChunkTypeStop.
		FinishReason FinishReason
	}

	// ChunkType enumerates streaming event kinds.
	ChunkType string

	// Role enumerates conversation roles.
	Role string

	// FinishReason is the normalized termination cause of one model turn.
	FinishReason string
)

func (TextPart) part()            {}
func (ToolUsePart) part()         {}
func (ToolResultPart) part()      {}
func (ImagePart) part()           {}
func (ThinkingPart) part()        {}
func (CacheCheckpointPart) part() {}

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Chunk kinds.
const (
	ChunkTypeText          ChunkType = "text"
	ChunkTypeThinking      ChunkType = "thinking"
	ChunkTypeToolCall      ChunkType = "tool_call"
	ChunkTypeToolCallDelta ChunkType = "tool_call_delta"
	ChunkTypeUsage         ChunkType = "usage"
	ChunkTypeStop          ChunkType = "stop"
)

// Tool choice modes.
const (
	// ToolChoiceModeAuto lets the model decide (provider default).
	ToolChoiceModeAuto ToolChoiceMode = "auto"
	// ToolChoiceModeNone forbids tool calls.
	ToolChoiceModeNone ToolChoiceMode = "none"
	// ToolChoiceModeAny requires the model to call some tool.
	ToolChoiceModeAny ToolChoiceMode = "any"
	// ToolChoiceModeTool forces a specific tool by name.
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

// Normalized finish reasons. Providers map their native stop reasons onto
// these; the runtime synthesizes FinishAgentTerminated and FinishXMLToolLimit
// when the agent control tools fire.
const (
	FinishStop            FinishReason = "stop"
	FinishLength          FinishReason = "length"
	FinishToolCalls       FinishReason = "tool_calls"
	FinishAgentTerminated FinishReason = "agent_terminated"
	FinishXMLToolLimit    FinishReason = "xml_tool_limit_reached"
)

// ParseFinishReason maps a recorded string back to a known FinishReason.
// Unknown values normalize to FinishStop so a malformed record never wedges
// the auto-continue loop.
func ParseFinishReason(s string) FinishReason {
	switch FinishReason(s) {
	case FinishStop, FinishLength, FinishToolCalls, FinishAgentTerminated, FinishXMLToolLimit:
		return FinishReason(s)
	default:
		return FinishStop
	}
}

// Continues reports whether the finish reason keeps the auto-continue loop
// running.
func (r FinishReason) Continues() bool {
	return r == FinishToolCalls || r == FinishLength
}

var (
	// ErrRateLimited indicates the provider throttled the request (HTTP 429
	// or an SDK throttling code). Callers may retry after backoff.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrOverloaded indicates the provider shed load (Anthropic 529
	// overloaded_error and equivalents). Callers reroute to a fallback model
	// when one is configured.
	ErrOverloaded = errors.New("model: provider overloaded")

	// ErrStreamingUnsupported indicates the provider does not implement
	// streaming for the requested model or parameters.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")
)

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// HasImages reports whether any message carries an image part.
func HasImages(msgs []*Message) bool {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			if _, ok := p.(ImagePart); ok {
				return true
			}
		}
	}
	return false
}

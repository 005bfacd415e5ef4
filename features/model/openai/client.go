// Package openai implements model.Client on top of the OpenAI Chat
// Completions API using github.com/openai/openai-go. Requests translate into
// ChatCompletion calls (tool schemas, tool history, usage) and responses map
// back into the runtime structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	oai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/weaveline/loom/runtime/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used by the adapter.
	// It is satisfied by *oai.ChatCompletionService so callers can pass either
	// a real client or a stub in tests.
	ChatClient interface {
		New(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is used when model.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed model client from the provided chat client and
// configuration options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := oai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Complete issues a chat completion request and translates the response into
// runtime structures (assistant messages + tool calls).
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, wrapErr("chat.completions.new", err)
	}
	return translateResponse(completion), nil
}

// Stream reports that this adapter does not stream; callers fall back to
// Complete.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req *model.Request) (*oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(modelID),
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(maxTokens))
	}
	temperature := float64(req.Temperature)
	if temperature <= 0 {
		temperature = c.temp
	}
	if temperature > 0 {
		params.Temperature = oai.Float(temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return params, nil
}

// encodeMessages flattens runtime messages into chat completion params. Tool
// calls announced by the assistant and their results are carried through so
// tool loops survive continuation requests. Cache checkpoints are skipped:
// OpenAI manages prompt caching server side without markers.
func encodeMessages(msgs []*model.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		var text string
		var calls []model.ToolUsePart
		var results []model.ToolResultPart
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				text += v.Text
			case model.ToolUsePart:
				calls = append(calls, v)
			case model.ToolResultPart:
				results = append(results, v)
			}
		}

		switch m.Role {
		case model.RoleSystem:
			if text != "" {
				out = append(out, oai.SystemMessage(text))
			}
		case model.RoleAssistant:
			if len(calls) > 0 {
				msg, err := assistantWithCalls(text, calls)
				if err != nil {
					return nil, err
				}
				out = append(out, msg)
			} else if text != "" {
				out = append(out, oai.AssistantMessage(text))
			}
		case model.RoleUser:
			// Tool results ride on user-role messages in the runtime history
			// but become dedicated tool-role entries for OpenAI.
			for _, r := range results {
				out = append(out, oai.ToolMessage(resultContent(r), r.ToolUseID))
			}
			if text != "" {
				out = append(out, oai.UserMessage(text))
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

func assistantWithCalls(text string, calls []model.ToolUsePart) (oai.ChatCompletionMessageParamUnion, error) {
	asst := oai.ChatCompletionAssistantMessageParam{}
	if text != "" {
		asst.Content.OfString = oai.String(text)
	}
	for _, c := range calls {
		if c.Name == "" {
			return oai.ChatCompletionMessageParamUnion{}, errors.New("openai: tool_use part missing name")
		}
		args := string(c.Input)
		if args == "" {
			args = "{}"
		}
		asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &oai.ChatCompletionMessageFunctionToolCallParam{
				ID: c.ID,
				Function: oai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      c.Name,
					Arguments: args,
				},
			},
		})
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
}

func resultContent(v model.ToolResultPart) string {
	switch c := v.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func encodeTools(defs []*model.ToolDefinition) ([]oai.ChatCompletionToolUnionParam, error) {
	tools := make([]oai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		params, err := schemaParameters(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		fn := oai.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = oai.String(def.Description)
		}
		if params != nil {
			fn.Parameters = params
		}
		tools = append(tools, oai.ChatCompletionFunctionTool(fn))
	}
	return tools, nil
}

func schemaParameters(schema any) (oai.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return oai.FunctionParameters(m), nil
}

func encodeToolChoice(choice *model.ToolChoice, defs []*model.ToolDefinition) (oai.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return oai.ChatCompletionToolChoiceOptionUnionParam{}, nil
	case model.ToolChoiceModeNone:
		return oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: oai.String("none")}, nil
	case model.ToolChoiceModeAny:
		return oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: oai.String("required")}, nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return oai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice mode %q requires a tool name", choice.Mode)
		}
		if !hasToolDefinition(defs, choice.Name) {
			return oai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Name)
		}
		return oai.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
				Function: oai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}, nil
	default:
		return oai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func hasToolDefinition(defs []*model.ToolDefinition, name string) bool {
	for _, def := range defs {
		if def != nil && def.Name == name {
			return true
		}
	}
	return false
}

// wrapErr normalizes provider failures: HTTP 429 maps to model.ErrRateLimited
// and 503 to model.ErrOverloaded so callers can back off or reroute.
func wrapErr(op string, err error) error {
	if errors.Is(err, model.ErrRateLimited) || errors.Is(err, model.ErrOverloaded) {
		return err
	}
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %w", model.ErrOverloaded, err)
		}
	}
	return fmt.Errorf("openai %s: %w", op, err)
}

func translateResponse(completion *oai.ChatCompletion) *model.Response {
	resp := &model.Response{}
	if completion == nil {
		resp.FinishReason = model.FinishStop
		return resp
	}
	finish := ""
	for i, choice := range completion.Choices {
		if i == 0 {
			finish = string(choice.FinishReason)
		}
		msg := choice.Message
		if msg.Content != "" {
			resp.Content = append(resp.Content, model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.TextPart{Text: msg.Content}},
			})
		}
		for _, call := range msg.ToolCalls {
			args := call.Function.Arguments
			if args == "" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:   call.ID,
				Name: call.Function.Name,
				Args: json.RawMessage(args),
			})
		}
	}
	resp.Usage = model.TokenUsage{
		InputTokens:     int(completion.Usage.PromptTokens),
		OutputTokens:    int(completion.Usage.CompletionTokens),
		TotalTokens:     int(completion.Usage.TotalTokens),
		CacheReadTokens: int(completion.Usage.PromptTokensDetails.CachedTokens),
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	resp.FinishReason = finishFromStop(finish, len(resp.ToolCalls) > 0)
	return resp
}

// finishFromStop maps OpenAI finish reasons onto normalized finish reasons.
func finishFromStop(finish string, hasCalls bool) model.FinishReason {
	switch finish {
	case "tool_calls", "function_call":
		return model.FinishToolCalls
	case "length":
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

// Package compactor compresses long thread histories. Messages older than a
// working-memory window are distilled by a cheap model call into a structured
// summary (narrative plus extracted facts) stored as a thread_summary
// message; the originals are marked omitted so prompt assembly skips them.
// The package also owns the token estimation heuristic and the per-model
// compression thresholds the orchestrator consults before dispatch.
package compactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/telemetry"
)

type (
	// Summary is the structured content of a thread_summary message.
	Summary struct {
		// Summary is the narrative recap of the compressed span.
		Summary string `json:"summary"`
		// Facts holds the structured extraction.
		Facts Facts `json:"facts"`
		// CompressedCount is the number of messages folded into the summary.
		CompressedCount int `json:"compressed_count"`
		// CompressedMessageIDs lists the folded message ids.
		CompressedMessageIDs []string `json:"compressed_message_ids"`
	}

	// Facts is the structured knowledge extracted from compressed history.
	Facts struct {
		UserInfo    UserInfo     `json:"user_info"`
		Project     ProjectFacts `json:"project"`
		Decisions   []string     `json:"decisions"`
		Entities    []string     `json:"entities"`
		CurrentGoal string       `json:"current_goal"`
	}

	// UserInfo captures what the conversation revealed about the user.
	UserInfo struct {
		Name        string   `json:"name"`
		Role        string   `json:"role"`
		Preferences []string `json:"preferences"`
	}

	// ProjectFacts captures what the conversation revealed about the project.
	ProjectFacts struct {
		Name      string   `json:"name"`
		Type      string   `json:"type"`
		TechStack []string `json:"tech_stack"`
	}

	// Result reports one compression attempt.
	Result struct {
		// Compressed is false when the trigger rule declined to compress.
		Compressed bool
		// Summary is the inserted thread_summary message.
		Summary *run.Message
		// CompressedCount is the number of messages folded in.
		CompressedCount int
		// TokensSaved is the estimated prompt token reduction.
		TokensSaved int
	}

	// Options configures a Compactor.
	Options struct {
		// WorkingMemory is the number of recent messages kept verbatim.
		// Defaults to 18.
		WorkingMemory int
		// TriggerSlack is how far past the working memory the history must
		// grow before compression triggers. Defaults to 20.
		TriggerSlack int
		// Model is the extraction model id. Defaults to a small Claude model
		// routed through the gateway.
		Model string
		// MaxSummaryTokens caps the extraction completion. Defaults to 2000.
		MaxSummaryTokens int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Compactor compresses thread histories.
	Compactor struct {
		messages run.MessageStore
		threads  run.ThreadStore
		llm      model.Client
		opts     Options
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		schema   *jsonschema.Schema
	}

	// extraction is the shape the model must return.
	extraction struct {
		Summary string `json:"summary"`
		Facts   Facts  `json:"facts"`
	}
)

const (
	defaultWorkingMemory    = 18
	defaultTriggerSlack     = 20
	defaultModel            = "anthropic/claude-haiku"
	defaultMaxSummaryTokens = 2000

	// overheadTokens is the fixed cost charged against the savings estimate
	// for the summary scaffolding (headers, fact labels).
	overheadTokens = 500

	// transcriptMessageLimit bounds how much of one message lands in the
	// extraction transcript.
	transcriptMessageLimit = 2000

	// fallbackSummaryLimit bounds the literal fallback summary.
	fallbackSummaryLimit = 4000
)

// extractionSchema is the strict shape the extraction model must produce.
const extractionSchema = `{
  "type": "object",
  "required": ["summary", "facts"],
  "additionalProperties": false,
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "facts": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "user_info": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "name": {"type": "string"},
            "role": {"type": "string"},
            "preferences": {"type": "array", "items": {"type": "string"}}
          }
        },
        "project": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "name": {"type": "string"},
            "type": {"type": "string"},
            "tech_stack": {"type": "array", "items": {"type": "string"}}
          }
        },
        "decisions": {"type": "array", "items": {"type": "string"}},
        "entities": {"type": "array", "items": {"type": "string"}},
        "current_goal": {"type": "string"}
      }
    }
  }
}`

const extractionSystemPrompt = `You compress conversation history for an AI agent. Read the transcript and return ONLY a JSON object with two keys:
"summary": a 500-800 word narrative of what happened, decisions made, and open threads.
"facts": an object with "user_info" {"name","role","preferences"}, "project" {"name","type","tech_stack"}, "decisions" (array of strings), "entities" (array of every named person, system, file, or service mentioned), and "current_goal" (string).
Include every named entity from the transcript in "facts.entities". Return raw JSON with no markdown fences and no commentary.`

// New constructs a Compactor.
func New(messages run.MessageStore, threads run.ThreadStore, llm model.Client, opts Options) (*Compactor, error) {
	if messages == nil {
		return nil, errors.New("compactor: message store is required")
	}
	if threads == nil {
		return nil, errors.New("compactor: thread store is required")
	}
	if llm == nil {
		return nil, errors.New("compactor: model client is required")
	}
	if opts.WorkingMemory <= 0 {
		opts.WorkingMemory = defaultWorkingMemory
	}
	if opts.TriggerSlack <= 0 {
		opts.TriggerSlack = defaultTriggerSlack
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxSummaryTokens <= 0 {
		opts.MaxSummaryTokens = defaultMaxSummaryTokens
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	schema, err := compileExtractionSchema()
	if err != nil {
		return nil, err
	}
	return &Compactor{
		messages: messages,
		threads:  threads,
		llm:      llm,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		schema:   schema,
	}, nil
}

// WorkingMemory returns the configured working-memory window.
func (c *Compactor) WorkingMemory() int { return c.opts.WorkingMemory }

// ShouldCompress reports whether the trigger rule fires for the given
// history: enough conversational messages past the working window and no
// summary yet.
func (c *Compactor) ShouldCompress(msgs []run.Message) bool {
	if _, ok := FindSummary(msgs); ok {
		return false
	}
	return len(Conversational(msgs)) >= c.opts.WorkingMemory+c.opts.TriggerSlack
}

// Compress folds messages older than the working-memory window into a
// thread_summary message and marks the originals omitted. Unless force is
// set, the trigger rule is honored and a no-op Result is returned when it
// does not fire. With force, an existing summary is folded into the new one.
func (c *Compactor) Compress(ctx context.Context, threadID string, msgs []run.Message, force bool) (*Result, error) {
	prior, hasPrior := FindSummary(msgs)
	if !force {
		if hasPrior || len(Conversational(msgs)) < c.opts.WorkingMemory+c.opts.TriggerSlack {
			return &Result{}, nil
		}
	}

	history := Conversational(msgs)
	if len(history) <= c.opts.WorkingMemory {
		return &Result{}, nil
	}
	old := history[:len(history)-c.opts.WorkingMemory]

	var priorNarrative string
	if hasPrior && force {
		if s, err := Decode(prior); err == nil {
			priorNarrative = s.Summary
		}
	}

	started := time.Now()
	ext := c.extract(ctx, old, priorNarrative)
	c.metrics.RecordTimer("loom.compactor.extract.duration", time.Since(started))

	ids := make([]string, len(old))
	oldBytes := 0
	for i, m := range old {
		ids[i] = m.ID
		oldBytes += len(m.Content)
	}
	if hasPrior && force {
		ids = append(ids, prior.ID)
	}

	summary := Summary{
		Summary:              ext.Summary,
		Facts:                ext.Facts,
		CompressedCount:      len(old),
		CompressedMessageIDs: ids,
	}
	content, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("compactor: encode summary: %w", err)
	}

	msg := &run.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Type:     run.TypeThreadSummary,
		Content:  content,
	}
	if err := c.messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("compactor: store summary: %w", err)
	}
	if err := c.messages.MarkOmitted(ctx, ids); err != nil {
		return nil, fmt.Errorf("compactor: omit compressed messages: %w", err)
	}
	// Cut points moved; force a cache layout rebuild on the next turn.
	if err := c.threads.SetCacheState(ctx, threadID, true, ""); err != nil {
		c.logger.Warn(ctx, "cache rebuild flag update failed", "thread_id", threadID, "err", err)
	}

	saved := oldBytes/4 - len(content)/4 - overheadTokens
	c.metrics.IncCounter("loom.compactor.compressions", 1)
	if saved > 0 {
		c.metrics.IncCounter("loom.compactor.tokens_saved", float64(saved))
	}
	c.logger.Info(ctx, "thread history compressed",
		"thread_id", threadID, "compressed", len(old), "tokens_saved", saved)

	return &Result{
		Compressed:      true,
		Summary:         msg,
		CompressedCount: len(old),
		TokensSaved:     saved,
	}, nil
}

// extract runs the cheap-model extraction. Any failure falls back to a
// literal summary with empty facts so compression still makes progress.
func (c *Compactor) extract(ctx context.Context, old []run.Message, priorNarrative string) extraction {
	transcript := Transcript(old, priorNarrative)
	req := &model.Request{
		Model: c.opts.Model,
		Messages: []*model.Message{
			{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: extractionSystemPrompt}}},
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: transcript}}},
		},
		MaxTokens: c.opts.MaxSummaryTokens,
	}
	resp, err := c.llm.Complete(ctx, req)
	if err != nil {
		c.logger.Warn(ctx, "summary extraction call failed", "err", err)
		return c.fallback(old, priorNarrative)
	}
	var text strings.Builder
	for i := range resp.Content {
		text.WriteString(resp.Content[i].Text())
	}
	ext, err := c.parse(text.String())
	if err != nil {
		c.logger.Warn(ctx, "summary extraction parse failed", "err", err)
		return c.fallback(old, priorNarrative)
	}
	return ext
}

func (c *Compactor) parse(raw string) (extraction, error) {
	raw = stripFences(raw)
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return extraction{}, fmt.Errorf("decode: %w", err)
	}
	if err := c.schema.Validate(payload); err != nil {
		return extraction{}, fmt.Errorf("schema: %w", err)
	}
	var ext extraction
	if err := json.Unmarshal([]byte(raw), &ext); err != nil {
		return extraction{}, fmt.Errorf("decode: %w", err)
	}
	return ext, nil
}

func (c *Compactor) fallback(old []run.Message, priorNarrative string) extraction {
	c.metrics.IncCounter("loom.compactor.fallbacks", 1)
	var b strings.Builder
	if priorNarrative != "" {
		b.WriteString(priorNarrative)
		b.WriteString("\n\n")
	}
	for _, m := range old {
		line := fmt.Sprintf("%s: %s\n", m.Type, contentText(m.Content))
		if b.Len()+len(line) > fallbackSummaryLimit {
			break
		}
		b.WriteString(line)
	}
	return extraction{Summary: strings.TrimSpace(b.String())}
}

// Conversational filters the history to non-omitted user, assistant, and
// tool messages, the population the trigger rule and the working window
// count.
func Conversational(msgs []run.Message) []run.Message {
	out := make([]run.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Omitted {
			continue
		}
		switch m.Type {
		case run.TypeUser, run.TypeAssistant, run.TypeTool:
			out = append(out, m)
		}
	}
	return out
}

// FindSummary returns the most recent non-omitted thread_summary message.
func FindSummary(msgs []run.Message) (run.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == run.TypeThreadSummary && !msgs[i].Omitted {
			return msgs[i], true
		}
	}
	return run.Message{}, false
}

// Decode parses the structured content of a thread_summary message.
func Decode(m run.Message) (Summary, error) {
	var s Summary
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return Summary{}, fmt.Errorf("compactor: decode summary: %w", err)
	}
	return s, nil
}

// Materialize renders a thread_summary message as an inline user-visible
// block placed before the working memory, so the model treats the recap as
// prior conversation rather than a system instruction.
func Materialize(m run.Message) (*model.Message, error) {
	s, err := Decode(m)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("[CONVERSATION SUMMARY]\n")
	b.WriteString(s.Summary)
	facts := s.Facts
	var lines []string
	if facts.UserInfo.Name != "" || facts.UserInfo.Role != "" || len(facts.UserInfo.Preferences) > 0 {
		lines = append(lines, "User: "+joinNonEmpty(facts.UserInfo.Name, facts.UserInfo.Role, strings.Join(facts.UserInfo.Preferences, ", ")))
	}
	if facts.Project.Name != "" || facts.Project.Type != "" || len(facts.Project.TechStack) > 0 {
		lines = append(lines, "Project: "+joinNonEmpty(facts.Project.Name, facts.Project.Type, strings.Join(facts.Project.TechStack, ", ")))
	}
	if len(facts.Decisions) > 0 {
		lines = append(lines, "Decisions: "+strings.Join(facts.Decisions, "; "))
	}
	if len(facts.Entities) > 0 {
		lines = append(lines, "Entities: "+strings.Join(facts.Entities, ", "))
	}
	if facts.CurrentGoal != "" {
		lines = append(lines, "Current goal: "+facts.CurrentGoal)
	}
	if len(lines) > 0 {
		b.WriteString("\n\nKnown facts:\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	return &model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.TextPart{Text: b.String()}},
	}, nil
}

// Transcript renders old messages as a role-prefixed transcript for the
// extraction call. A prior summary narrative, when present, leads the
// transcript so repeated compressions keep earlier context.
func Transcript(old []run.Message, priorNarrative string) string {
	var b strings.Builder
	if priorNarrative != "" {
		b.WriteString("[earlier summary]: ")
		b.WriteString(priorNarrative)
		b.WriteString("\n\n")
	}
	for _, m := range old {
		text := contentText(m.Content)
		if len(text) > transcriptMessageLimit {
			text = text[:transcriptMessageLimit] + "…"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Type, text)
	}
	return b.String()
}

// contentText renders structured message content for prompting: plain
// strings are unwrapped, everything else stays compact JSON.
func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

func compileExtractionSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(extractionSchema), &doc); err != nil {
		return nil, fmt.Errorf("compactor: extraction schema: %w", err)
	}
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource("extraction.schema.json", doc); err != nil {
		return nil, fmt.Errorf("compactor: extraction schema: %w", err)
	}
	schema, err := comp.Compile("extraction.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compactor: extraction schema: %w", err)
	}
	return schema, nil
}

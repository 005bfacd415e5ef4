package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weaveline/loom/runtime/compactor"
	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/stream"
)

type (
	// prepared is one iteration's assembled request.
	prepared struct {
		modelID string
		msgs    []*model.Message
		tools   []*model.ToolDefinition
		cache   *model.CacheOptions
	}

	// imageDoc is the stored content shape of an image_context message and
	// of the cached file_context document.
	imageDoc struct {
		Text   string     `json:"text,omitempty"`
		Images []imageRef `json:"images"`
	}

	imageRef struct {
		URL       string    `json:"url"`
		MediaType string    `json:"media_type,omitempty"`
		ExpiresAt time.Time `json:"expires_at,omitempty"`
	}
)

// prepare assembles the request for one iteration: model selection, history
// fetch, compression, pairing repair, image URL refresh, and cache markers.
// hintTokens carries the previous iteration's prompt total within a run;
// zero means read the last recorded accounting instead.
func (o *Orchestrator) prepare(ctx context.Context, r *run.Run, modelID string, iter, hintTokens int, forceToolFallback bool) (*prepared, error) {
	thread, err := o.threads.Get(ctx, r.ThreadID)
	if err != nil {
		return nil, fault.Wrap(fault.KindPersistence, "load thread", err)
	}

	info := o.catalog.Lookup(modelID)
	if thread.HasImages && !info.Vision && o.opts.VisionModel != "" {
		o.metrics.IncCounter("loom.orchestrator.vision_switches", 1)
		o.logger.Debug(ctx, "switching to vision model", "run_id", r.ID, "from", modelID, "to", o.opts.VisionModel)
		modelID = o.opts.VisionModel
		info = o.catalog.Lookup(modelID)
	}
	threshold := compactor.Threshold(info.ContextWindow)

	var (
		msgs      []run.Message
		defs      []*model.ToolDefinition
		fileDoc   json.RawMessage
		lastTotal = hintTokens
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		msgs, err = o.messages.List(gctx, r.ThreadID)
		if err != nil {
			return fault.Wrap(fault.KindPersistence, "load history", err)
		}
		return nil
	})
	if o.files != nil {
		g.Go(func() error {
			doc, ok, err := o.files.Load(gctx, r.ThreadID)
			if err != nil {
				// Best effort: a missing attachment block degrades the
				// prompt, not the run.
				o.logger.Warn(gctx, "file context load failed", "thread_id", r.ThreadID, "err", err)
				return nil
			}
			if ok {
				fileDoc = doc
			}
			return nil
		})
	}
	if o.tools != nil && !forceToolFallback {
		g.Go(func() error {
			defs = o.tools.Definitions()
			return nil
		})
	}
	if hintTokens == 0 {
		g.Go(func() error {
			last, err := o.messages.LastOfType(gctx, r.ThreadID, run.TypeLLMResponseEnd)
			if err != nil {
				if errors.Is(err, run.ErrNotFound) {
					return nil
				}
				return fault.Wrap(fault.KindPersistence, "load accounting", err)
			}
			var body stream.UsageBody
			if err := json.Unmarshal(last.Content, &body); err == nil {
				lastTotal = body.TotalTokens
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Fast path: the previous prompt total plus what this turn adds. Only
	// when that crosses the threshold is the full history recounted.
	estimate := lastTotal + o.newInputTokens(msgs, iter)
	if estimate >= threshold {
		o.metrics.IncCounter("loom.orchestrator.compressions_triggered", 1)
		res, err := o.compactor.Compress(ctx, r.ThreadID, msgs, false)
		if err != nil {
			o.logger.Warn(ctx, "history compression failed", "run_id", r.ID, "err", err)
		} else if res.Compressed {
			if msgs, err = o.messages.List(ctx, r.ThreadID); err != nil {
				return nil, fault.Wrap(fault.KindPersistence, "reload history", err)
			}
		}
	}

	msgs = o.repairPairings(ctx, r, msgs, forceToolFallback)

	prepMsgs, err := o.materialize(ctx, msgs, fileDoc)
	if err != nil {
		return nil, err
	}

	// Late guard: the fast path can undercount after repair and URL
	// refresh, so the final set is recounted once against the threshold.
	if compactor.Estimate(prepMsgs) >= threshold {
		o.metrics.IncCounter("loom.orchestrator.late_compressions", 1)
		res, err := o.compactor.Compress(ctx, r.ThreadID, msgs, true)
		if err != nil {
			o.logger.Warn(ctx, "forced compression failed", "run_id", r.ID, "err", err)
		} else if res.Compressed {
			if msgs, err = o.messages.List(ctx, r.ThreadID); err != nil {
				return nil, fault.Wrap(fault.KindPersistence, "reload history", err)
			}
			msgs = o.repairPairings(ctx, r, msgs, forceToolFallback)
			if prepMsgs, err = o.materialize(ctx, msgs, fileDoc); err != nil {
				return nil, err
			}
		}
	}

	// Markers go on last so no later rewrite can land on a cut point.
	annotated, cacheOpts, err := o.cache.Apply(ctx, thread, modelID, prepMsgs)
	if err != nil {
		o.logger.Warn(ctx, "cache layout failed, dispatching unmarked", "run_id", r.ID, "err", err)
		annotated, cacheOpts = prepMsgs, nil
	}

	return &prepared{modelID: modelID, msgs: annotated, tools: defs, cache: cacheOpts}, nil
}

// newInputTokens estimates what this turn adds on top of the previous
// prompt: the trailing user input and, on the first iteration, the
// materialized summary block.
func (o *Orchestrator) newInputTokens(msgs []run.Message, iter int) int {
	tokens := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Omitted {
			continue
		}
		if msgs[i].Type == run.TypeUser {
			tokens += len(msgs[i].Content) / 4
			break
		}
	}
	if iter == 1 {
		if s, ok := compactor.FindSummary(msgs); ok {
			tokens += len(s.Content) / 4
		}
	}
	return tokens
}

// materialize renders stored history as provider messages. Omitted rows and
// bookkeeping types are skipped; summaries become inline recap blocks; image
// URLs near expiry are re-signed. A cached parsed-file document leads the
// conversation, ahead of the working memory.
func (o *Orchestrator) materialize(ctx context.Context, msgs []run.Message, fileDoc json.RawMessage) ([]*model.Message, error) {
	out := make([]*model.Message, 0, len(msgs)+2)
	if o.opts.SystemPrompt != "" {
		out = append(out, &model.Message{
			Role:  model.RoleSystem,
			Parts: []model.Part{model.TextPart{Text: o.opts.SystemPrompt}},
		})
	}
	if len(fileDoc) > 0 {
		if block := o.fileBlock(ctx, fileDoc); block != nil {
			out = append(out, block)
		}
	}
	for i := range msgs {
		m := &msgs[i]
		if m.Omitted {
			continue
		}
		switch m.Type {
		case run.TypeUser:
			text := storedText(m)
			if text == "" {
				continue
			}
			out = append(out, &model.Message{
				Role:  model.RoleUser,
				Parts: []model.Part{model.TextPart{Text: text}},
			})
		case run.TypeAssistant:
			var parts []model.Part
			if text := storedText(m); text != "" {
				parts = append(parts, model.TextPart{Text: text})
			}
			for _, c := range m.ToolCalls {
				parts = append(parts, model.ToolUsePart{ID: c.ID, Name: c.Name, Input: c.Args})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &model.Message{Role: model.RoleAssistant, Parts: parts})
		case run.TypeTool:
			content, isErr := toolResultContent(m)
			out = append(out, &model.Message{
				Role: model.RoleUser,
				Parts: []model.Part{model.ToolResultPart{
					ToolUseID: m.ToolCallID,
					Content:   content,
					IsError:   isErr,
				}},
			})
		case run.TypeImageContext:
			var doc imageDoc
			if err := json.Unmarshal(m.Content, &doc); err != nil {
				o.logger.Warn(ctx, "malformed image context skipped", "message_id", m.ID, "err", err)
				continue
			}
			parts := o.docParts(ctx, doc)
			if len(parts) == 0 {
				continue
			}
			out = append(out, &model.Message{Role: model.RoleUser, Parts: parts})
		case run.TypeThreadSummary:
			block, err := compactor.Materialize(*m)
			if err != nil {
				o.logger.Warn(ctx, "summary materialization failed", "message_id", m.ID, "err", err)
				continue
			}
			out = append(out, block)
		}
	}
	return out, nil
}

// fileBlock renders a cached parsed-file document as a user message.
// Malformed documents are skipped.
func (o *Orchestrator) fileBlock(ctx context.Context, raw json.RawMessage) *model.Message {
	var doc imageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		o.logger.Warn(ctx, "malformed file context skipped", "err", err)
		return nil
	}
	parts := o.docParts(ctx, doc)
	if len(parts) == 0 {
		return nil
	}
	return &model.Message{Role: model.RoleUser, Parts: parts}
}

// docParts renders a text+images document, re-signing image URLs that are
// near expiry.
func (o *Orchestrator) docParts(ctx context.Context, doc imageDoc) []model.Part {
	var parts []model.Part
	if doc.Text != "" {
		parts = append(parts, model.TextPart{Text: doc.Text})
	}
	for _, img := range doc.Images {
		parts = append(parts, o.refreshImage(ctx, model.ImagePart{
			URL:       img.URL,
			MediaType: img.MediaType,
			ExpiresAt: img.ExpiresAt,
		}))
	}
	return parts
}

// refreshImage re-signs an image URL when it expires within the refresh
// slack. Refresh failures keep the stale URL; the provider error that may
// follow is clearer than dropping the image silently.
func (o *Orchestrator) refreshImage(ctx context.Context, p model.ImagePart) model.ImagePart {
	if o.signer == nil || p.ExpiresAt.IsZero() {
		return p
	}
	if o.clock().Add(o.opts.URLRefreshSlack).Before(p.ExpiresAt) {
		return p
	}
	url, expires, err := o.signer.Refresh(ctx, p.URL)
	if err != nil {
		o.logger.Warn(ctx, "image url refresh failed", "err", err)
		return p
	}
	o.metrics.IncCounter("loom.orchestrator.url_refreshes", 1)
	p.URL, p.ExpiresAt = url, expires
	return p
}

// storedText extracts the plain text of a stored message: a JSON string
// decodes to itself, anything structured renders as raw JSON.
func storedText(m *run.Message) string {
	if s := m.TextContent(); s != "" {
		return s
	}
	if len(m.Content) == 0 || string(m.Content) == `""` || string(m.Content) == "null" {
		return ""
	}
	var probe any
	if err := json.Unmarshal(m.Content, &probe); err != nil {
		return ""
	}
	if _, ok := probe.(string); ok {
		return ""
	}
	return string(m.Content)
}

// toolResultContent decodes a stored tool message into result content and
// an error flag. Errors are stored as {"error": "..."} documents.
func toolResultContent(m *run.Message) (any, bool) {
	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(m.Content, &failure); err == nil && failure.Error != "" {
		return failure.Error, true
	}
	if s := m.TextContent(); s != "" {
		return s, false
	}
	return json.RawMessage(m.Content), false
}

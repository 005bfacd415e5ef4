package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/weaveline/loom/runtime/buffer"
	"github.com/weaveline/loom/runtime/compactor"
	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/stream"
)

type (
	// turnResult aggregates one iteration's model output.
	turnResult struct {
		assistantID string
		text        string
		toolCalls   []model.ToolCall
		usage       model.TokenUsage
		finish      model.FinishReason
	}

	// partialCall accumulates streamed tool call argument fragments.
	partialCall struct {
		name string
		args strings.Builder
	}
)

// dispatch sends one prepared request through the global LLM gate and
// processes the response stream. Providers without streaming fall back to
// a single completion call.
func (o *Orchestrator) dispatch(ctx context.Context, r *run.Run, prep *prepared, seq *sequencer) (res *turnResult, err error) {
	ctx, span := o.tracer.Start(ctx, "loom.llm.dispatch")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
		}
		span.End()
	}()

	if err := o.gate.Acquire(ctx, 1); err != nil {
		return nil, fault.Wrap(fault.KindCanceled, "llm admission", err)
	}
	defer o.gate.Release(1)
	span.AddEvent("admitted", "model", model.StripProviderPrefix(prep.modelID), "messages", len(prep.msgs))

	req := &model.Request{
		Model:       prep.modelID,
		Messages:    prep.msgs,
		Tools:       prep.tools,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
		Cache:       prep.cache,
	}
	started := o.clock()
	defer func() {
		o.metrics.RecordTimer("loom.llm.duration", o.clock().Sub(started),
			"model", model.StripProviderPrefix(prep.modelID))
	}()

	streamer, err := o.llm.Stream(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrStreamingUnsupported) {
			return o.completeOnce(ctx, r, req, seq)
		}
		return nil, classifyModelErr("open stream", err)
	}
	return o.consume(ctx, r, streamer, seq)
}

// consume drains the response stream: content deltas publish as they
// arrive, tool calls collect in announcement order, usage accumulates, and
// the finish reason is captured. Cancellation is honoured between chunks.
func (o *Orchestrator) consume(ctx context.Context, r *run.Run, s model.Streamer, seq *sequencer) (*turnResult, error) {
	defer func() { _ = s.Close() }()

	res := &turnResult{assistantID: uuid.NewString()}
	var text strings.Builder
	partials := make(map[string]*partialCall)
	finished := make(map[string]model.ToolCall)
	var order []string
	var sawUsage bool

	for {
		if err := ctx.Err(); err != nil {
			return res, fault.Wrap(fault.KindCanceled, "stream interrupted", err)
		}
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, classifyModelErr("read stream", err)
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			t := chunk.Message.Text()
			if t == "" {
				continue
			}
			text.WriteString(t)
			o.publish(ctx, r.ID, stream.Record{Type: stream.TypeContent, Content: t, Sequence: seq.next()})
		case model.ChunkTypeToolCallDelta:
			d := chunk.ToolCallDelta
			if d == nil {
				continue
			}
			p, ok := partials[d.ID]
			if !ok {
				p = &partialCall{}
				partials[d.ID] = p
				order = append(order, d.ID)
			}
			if d.Name != "" {
				p.name = d.Name
			}
			p.args.WriteString(d.Delta)
		case model.ChunkTypeToolCall:
			if chunk.ToolCall == nil {
				continue
			}
			c := *chunk.ToolCall
			if _, seen := finished[c.ID]; !seen {
				if _, started := partials[c.ID]; !started {
					order = append(order, c.ID)
				}
			}
			finished[c.ID] = c
		case model.ChunkTypeUsage:
			// Providers report cumulative usage snapshots, so the latest one
			// wins rather than accumulating.
			if chunk.UsageDelta != nil {
				res.usage = *chunk.UsageDelta
				sawUsage = true
			}
		case model.ChunkTypeStop:
			res.finish = chunk.FinishReason
		}
	}

	if !sawUsage {
		if meta := s.Metadata(); meta != nil {
			if u, ok := meta["usage"].(model.TokenUsage); ok {
				res.usage = u
			}
		}
	}

	res.text = text.String()
	for _, id := range order {
		if c, ok := finished[id]; ok {
			res.toolCalls = append(res.toolCalls, c)
			continue
		}
		p := partials[id]
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}
		res.toolCalls = append(res.toolCalls, model.ToolCall{ID: id, Name: p.name, Args: json.RawMessage(args)})
	}
	o.announceCalls(ctx, r, res, seq)
	normalizeResult(res, o.opts.MaxToolCallsPerTurn)
	return res, nil
}

// completeOnce is the non-streaming path: one completion call, published as
// a single content record.
func (o *Orchestrator) completeOnce(ctx context.Context, r *run.Run, req *model.Request, seq *sequencer) (*turnResult, error) {
	resp, err := o.llm.Complete(ctx, req)
	if err != nil {
		return nil, classifyModelErr("complete", err)
	}
	res := &turnResult{
		assistantID: uuid.NewString(),
		toolCalls:   resp.ToolCalls,
		usage:       resp.Usage,
		finish:      resp.FinishReason,
	}
	var text strings.Builder
	for i := range resp.Content {
		text.WriteString(resp.Content[i].Text())
	}
	res.text = text.String()
	if res.text != "" {
		o.publish(ctx, r.ID, stream.Record{Type: stream.TypeContent, Content: res.text, Sequence: seq.next()})
	}
	o.announceCalls(ctx, r, res, seq)
	normalizeResult(res, o.opts.MaxToolCallsPerTurn)
	return res, nil
}

// announceCalls publishes one tool record per announced call, in order.
func (o *Orchestrator) announceCalls(ctx context.Context, r *run.Run, res *turnResult, seq *sequencer) {
	for _, c := range res.toolCalls {
		o.publish(ctx, r.ID, stream.Record{
			Type:       stream.TypeTool,
			Content:    stream.ToolBody{Name: c.Name, Args: c.Args},
			Sequence:   seq.next(),
			ToolCallID: c.ID,
		})
	}
}

// normalizeResult settles usage totals and the finish reason: a missing
// stop chunk infers from content, and an announcement flood converts to
// the tool-limit stop.
func normalizeResult(res *turnResult, maxCalls int) {
	if res.usage.TotalTokens == 0 {
		res.usage.TotalTokens = res.usage.InputTokens + res.usage.OutputTokens
	}
	if len(res.toolCalls) > maxCalls {
		res.finish = model.FinishXMLToolLimit
		return
	}
	switch {
	case res.finish == "":
		if len(res.toolCalls) > 0 {
			res.finish = model.FinishToolCalls
		} else {
			res.finish = model.FinishStop
		}
	case res.finish == model.FinishToolCalls && len(res.toolCalls) == 0:
		res.finish = model.FinishStop
	}
}

// commitTurn persists one iteration's artifacts through the write buffer:
// the assistant message, the accounting record the next turn's fast path
// reads, and the credit deduction.
func (o *Orchestrator) commitTurn(ctx context.Context, r *run.Run, modelID string, res *turnResult, seq *sequencer, iter int) error {
	now := o.clock()
	if res.text != "" || len(res.toolCalls) > 0 {
		if err := o.enqueueMessage(r, &run.Message{
			ID:        res.assistantID,
			ThreadID:  r.ThreadID,
			RunID:     r.ID,
			Type:      run.TypeAssistant,
			Content:   run.Text(res.text),
			ToolCalls: storedCalls(res.toolCalls),
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}

	body := stream.UsageBody{
		Model:            modelID,
		InputTokens:      res.usage.InputTokens,
		OutputTokens:     res.usage.OutputTokens,
		TotalTokens:      res.usage.TotalTokens,
		CacheReadTokens:  res.usage.CacheReadTokens,
		CacheWriteTokens: res.usage.CacheWriteTokens,
		Iteration:        iter,
	}
	content, err := json.Marshal(body)
	if err != nil {
		return fault.Wrap(fault.KindPersistence, "encode accounting", err)
	}
	if err := o.enqueueMessage(r, &run.Message{
		ID:        uuid.NewString(),
		ThreadID:  r.ThreadID,
		RunID:     r.ID,
		Type:      run.TypeLLMResponseEnd,
		Content:   content,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	o.publish(ctx, r.ID, stream.Record{Type: stream.TypeLLMResponseEnd, Content: body, Sequence: seq.next()})

	if amount := o.opts.Pricer(modelID, res.usage); amount > 0 {
		w := &buffer.PendingWrite{
			Kind:      buffer.WriteCreditDeduction,
			RunID:     r.ID,
			ThreadID:  r.ThreadID,
			AccountID: r.AccountID,
			Deduction: &buffer.Deduction{AccountID: r.AccountID, Amount: amount, Reason: "llm_usage"},
		}
		if err := o.buffer.Enqueue(w); err != nil {
			return fault.Wrap(fault.KindPersistence, "enqueue deduction", err)
		}
	}
	return nil
}

// runTools executes announced calls in order, appends result messages, and
// reports whether a terminal control tool fired plus the estimated tokens
// the results add to the next prompt. Every call gets a result, error
// results included, so the stored pairing stays complete even when a
// terminal tool ends the loop.
func (o *Orchestrator) runTools(ctx context.Context, r *run.Run, res *turnResult, seq *sequencer) (bool, int, error) {
	terminal := false
	tokens := 0
	for i, call := range res.toolCalls {
		if err := ctx.Err(); err != nil {
			return terminal, tokens, fault.Wrap(fault.KindCanceled, "tool execution interrupted", err)
		}

		var out string
		var err error
		if o.tools == nil {
			err = errors.New("tool execution is not configured")
		} else {
			started := o.clock()
			out, err = o.tools.Execute(ctx, call)
			o.metrics.RecordTimer("loom.tools.duration", o.clock().Sub(started), "tool", call.Name)
		}

		var content json.RawMessage
		if err != nil {
			if fault.IsCanceled(err) {
				return terminal, tokens, err
			}
			o.metrics.IncCounter("loom.tools.errors", 1, "tool", call.Name)
			o.logger.Warn(ctx, "tool call failed", "run_id", r.ID, "tool", call.Name, "err", err)
			out = err.Error()
			content, _ = json.Marshal(map[string]string{"error": out})
		} else {
			content = run.Text(out)
		}

		now := o.clock()
		if err := o.enqueueMessage(r, &run.Message{
			ID:         uuid.NewString(),
			ThreadID:   r.ThreadID,
			RunID:      r.ID,
			Type:       run.TypeTool,
			Content:    content,
			ToolCallID: call.ID,
			Metadata:   map[string]any{"assistant_message_id": res.assistantID, "tool_index": i},
			CreatedAt:  now,
		}); err != nil {
			return terminal, tokens, err
		}
		o.publish(ctx, r.ID, stream.Record{Type: stream.TypeTool, Content: out, Sequence: seq.next(), ToolCallID: call.ID})
		tokens += compactor.EstimateText(out)

		if o.tools != nil && o.tools.IsTerminal(call.Name) {
			terminal = true
		}
	}
	return terminal, tokens, nil
}

func (o *Orchestrator) enqueueMessage(r *run.Run, m *run.Message) error {
	w := &buffer.PendingWrite{
		ID:        m.ID,
		Kind:      buffer.WriteMessage,
		RunID:     r.ID,
		ThreadID:  r.ThreadID,
		AccountID: r.AccountID,
		Message:   m,
	}
	if err := o.buffer.Enqueue(w); err != nil {
		return fault.Wrap(fault.KindPersistence, "enqueue message", err)
	}
	return nil
}

func storedCalls(calls []model.ToolCall) []run.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]run.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = run.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return out
}

// classifyModelErr maps SDK sentinels onto fault kinds. Errors already
// classified upstream (gateway, middleware) pass through untouched.
func classifyModelErr(op string, err error) error {
	var f *fault.Fault
	if errors.As(err, &f) {
		return err
	}
	switch {
	case errors.Is(err, model.ErrOverloaded):
		return fault.Wrap(fault.KindOverload, op, err)
	case errors.Is(err, model.ErrRateLimited):
		return fault.Wrap(fault.KindTransient, op, err)
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.KindCanceled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.KindTransient, op, err)
	default:
		return fault.Wrap(fault.KindUnknown, op, err)
	}
}

package orchestrator

import (
	"context"

	"github.com/weaveline/loom/runtime/buffer"
	"github.com/weaveline/loom/runtime/run"
)

// repairPairings enforces the tool pairing contract on stored history before
// materialization:
//   - a result whose call never appears is dropped and marked omitted,
//   - a call with no result is stripped from its assistant announcement,
//   - a result that precedes its call loses both sides.
//
// Store fixes ride the write buffer asynchronously; the repaired copy serves
// the current dispatch regardless of when they land. A history that still
// breaches the contract after repair, or the stripAll flag, degrades to
// removing all tool content.
func (o *Orchestrator) repairPairings(ctx context.Context, r *run.Run, msgs []run.Message, stripAll bool) []run.Message {
	if stripAll {
		return o.stripToolContent(ctx, r, msgs)
	}

	callPos := make(map[string]int)
	resultPos := make(map[string]int)
	dropResult := make(map[int]bool)
	for i, m := range msgs {
		if m.Omitted {
			continue
		}
		switch m.Type {
		case run.TypeAssistant:
			for _, c := range m.ToolCalls {
				if _, dup := callPos[c.ID]; !dup {
					callPos[c.ID] = i
				}
			}
		case run.TypeTool:
			if m.ToolCallID == "" {
				dropResult[i] = true
				continue
			}
			if _, dup := resultPos[m.ToolCallID]; dup {
				dropResult[i] = true
				continue
			}
			resultPos[m.ToolCallID] = i
		}
	}

	stripCall := make(map[int]map[string]bool)
	flag := func(idx int, id string) {
		if stripCall[idx] == nil {
			stripCall[idx] = make(map[string]bool)
		}
		stripCall[idx][id] = true
	}

	orphaned, unanswered, misordered := 0, 0, 0
	for id, rp := range resultPos {
		cp, ok := callPos[id]
		switch {
		case !ok:
			dropResult[rp] = true
			orphaned++
		case rp < cp:
			dropResult[rp] = true
			flag(cp, id)
			misordered++
		}
	}
	for id, cp := range callPos {
		if _, ok := resultPos[id]; !ok {
			flag(cp, id)
			unanswered++
		}
	}

	if len(dropResult) == 0 && len(stripCall) == 0 {
		return msgs
	}

	repaired := make([]run.Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if dropResult[i] {
			o.queueOmit(ctx, r, m.ID)
			continue
		}
		if ids := stripCall[i]; len(ids) > 0 {
			kept := make([]run.ToolCall, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				if !ids[c.ID] {
					kept = append(kept, c)
				}
			}
			m.ToolCalls = kept
			o.queueCallRewrite(ctx, r, m.ID, kept)
		}
		repaired = append(repaired, m)
	}

	o.metrics.IncCounter("loom.orchestrator.pairing_repairs", 1)
	o.logger.Warn(ctx, "tool pairing repaired", "run_id", r.ID, "thread_id", r.ThreadID,
		"orphaned", orphaned, "unanswered", unanswered, "misordered", misordered)

	if !pairingsValid(repaired) {
		o.metrics.IncCounter("loom.orchestrator.pairing_fallbacks", 1)
		o.logger.Warn(ctx, "pairing repair insufficient, stripping tool content", "run_id", r.ID)
		return o.stripToolContent(ctx, r, repaired)
	}
	return repaired
}

// stripToolContent is the emergency fallback: every tool result is omitted
// and every announcement list is cleared, leaving a plain text conversation
// no provider can reject on pairing grounds.
func (o *Orchestrator) stripToolContent(ctx context.Context, r *run.Run, msgs []run.Message) []run.Message {
	out := make([]run.Message, 0, len(msgs))
	stripped := 0
	for i := range msgs {
		m := msgs[i]
		if !m.Omitted {
			switch {
			case m.Type == run.TypeTool:
				o.queueOmit(ctx, r, m.ID)
				stripped++
				continue
			case m.Type == run.TypeAssistant && len(m.ToolCalls) > 0:
				m.ToolCalls = nil
				o.queueCallRewrite(ctx, r, m.ID, nil)
				stripped++
			}
		}
		out = append(out, m)
	}
	if stripped > 0 {
		o.metrics.IncCounter("loom.orchestrator.tool_strips", 1)
		o.logger.Warn(ctx, "tool content stripped from history", "run_id", r.ID, "messages", stripped)
	}
	return out
}

// pairingsValid checks the contract on a candidate history: every result
// answers exactly one earlier call and no call goes unanswered.
func pairingsValid(msgs []run.Message) bool {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Omitted {
			continue
		}
		switch m.Type {
		case run.TypeAssistant:
			for _, c := range m.ToolCalls {
				answered[c.ID] = false
			}
		case run.TypeTool:
			done, ok := answered[m.ToolCallID]
			if m.ToolCallID == "" || !ok || done {
				return false
			}
			answered[m.ToolCallID] = true
		}
	}
	for _, done := range answered {
		if !done {
			return false
		}
	}
	return true
}

func (o *Orchestrator) queueOmit(ctx context.Context, r *run.Run, messageID string) {
	w := &buffer.PendingWrite{
		Kind:      buffer.WriteMessageUpdate,
		RunID:     r.ID,
		ThreadID:  r.ThreadID,
		AccountID: r.AccountID,
		Update:    &buffer.MessageUpdate{MessageID: messageID, MarkOmitted: true},
	}
	if err := o.buffer.Enqueue(w); err != nil {
		o.logger.Warn(ctx, "repair omit enqueue failed", "message_id", messageID, "err", err)
	}
}

func (o *Orchestrator) queueCallRewrite(ctx context.Context, r *run.Run, messageID string, calls []run.ToolCall) {
	if calls == nil {
		// The writer applies only non-nil lists; an empty list clears.
		calls = []run.ToolCall{}
	}
	w := &buffer.PendingWrite{
		Kind:      buffer.WriteMessageUpdate,
		RunID:     r.ID,
		ThreadID:  r.ThreadID,
		AccountID: r.AccountID,
		Update:    &buffer.MessageUpdate{MessageID: messageID, ToolCalls: calls},
	}
	if err := o.buffer.Enqueue(w); err != nil {
		o.logger.Warn(ctx, "repair rewrite enqueue failed", "message_id", messageID, "err", err)
	}
}

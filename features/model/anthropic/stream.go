package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/weaveline/loom/runtime/model"
)

// streamer adapts an Anthropic SSE stream to model.Streamer. A pump goroutine
// drains the SDK stream and forwards translated chunks over a buffered channel
// so Recv never blocks inside SDK internals.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	sse    *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu sync.RWMutex
	meta   map[string]any
}

func newStreamer(ctx context.Context, sse *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		sse:    sse,
		chunks: make(chan model.Chunk, 32),
	}
	go s.pump(nameMap)
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.fail(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.sse == nil {
		return nil
	}
	return s.sse.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.meta))
	for k, v := range s.meta {
		out[k] = v
	}
	return out
}

func (s *streamer) pump(nameMap map[string]string) {
	defer close(s.chunks)
	defer func() {
		if s.sse != nil {
			_ = s.sse.Close()
		}
	}()

	tr := newTranslator(s.send, s.recordUsage, nameMap)
	for {
		select {
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			return
		default:
		}
		if !s.sse.Next() {
			switch {
			case s.sse.Err() != nil:
				s.fail(wrapErr("stream", s.sse.Err()))
			case s.ctx.Err() != nil:
				s.fail(s.ctx.Err())
			}
			return
		}
		if err := tr.handle(s.sse.Current()); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *streamer) send(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) recordUsage(usage model.TokenUsage) {
	s.metaMu.Lock()
	if s.meta == nil {
		s.meta = make(map[string]any)
	}
	s.meta["usage"] = usage
	s.metaMu.Unlock()
}

func (s *streamer) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// translator converts Anthropic streaming events into model.Chunks. Tool and
// thinking blocks accumulate across content_block events keyed by block index
// and are emitted whole on content_block_stop.
type translator struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)
	names       map[string]string

	tools    map[int]*toolAccumulator
	thoughts map[int]*thinkingAccumulator

	// usage is assembled across the stream: message_start seeds the input and
	// cache counters, message_delta carries cumulative output counters.
	usage model.TokenUsage
	stop  string
}

func newTranslator(emit func(model.Chunk) error, recordUsage func(model.TokenUsage), names map[string]string) *translator {
	return &translator{
		emit:        emit,
		recordUsage: recordUsage,
		names:       names,
		tools:       make(map[int]*toolAccumulator),
		thoughts:    make(map[int]*thinkingAccumulator),
	}
}

func (p *translator) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.reset()
		u := ev.Message.Usage
		p.usage = model.TokenUsage{
			InputTokens:      int(u.InputTokens),
			CacheReadTokens:  int(u.CacheReadInputTokens),
			CacheWriteTokens: int(u.CacheCreationInputTokens),
		}
		return nil

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			if start.ID == "" {
				return fmt.Errorf("anthropic stream: tool use block missing id")
			}
			if start.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", start.ID)
			}
			// The model echoes the provider-visible tool name. A hallucinated
			// name will not appear in the reverse map; surface it as-is so the
			// runtime can answer with an error result.
			name := start.Name
			if canonical, ok := p.names[name]; ok {
				name = canonical
			}
			p.tools[idx] = &toolAccumulator{id: start.ID, name: name}
		case sdk.RedactedThinkingBlock:
			p.thoughts[idx] = &thinkingAccumulator{redacted: []byte(start.Data)}
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		return p.handleDelta(int(ev.Index), ev.Delta.AsAny())

	case sdk.ContentBlockStopEvent:
		return p.sealBlock(int(ev.Index))

	case sdk.MessageDeltaEvent:
		p.stop = string(ev.Delta.StopReason)
		if ev.Usage.InputTokens > 0 {
			p.usage.InputTokens = int(ev.Usage.InputTokens)
		}
		if ev.Usage.CacheReadInputTokens > 0 {
			p.usage.CacheReadTokens = int(ev.Usage.CacheReadInputTokens)
		}
		if ev.Usage.CacheCreationInputTokens > 0 {
			p.usage.CacheWriteTokens = int(ev.Usage.CacheCreationInputTokens)
		}
		p.usage.OutputTokens = int(ev.Usage.OutputTokens)
		p.usage.TotalTokens = p.usage.InputTokens + p.usage.OutputTokens
		if p.recordUsage != nil {
			p.recordUsage(p.usage)
		}
		usage := p.usage
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})

	case sdk.MessageStopEvent:
		chunk := model.Chunk{Type: model.ChunkTypeStop}
		if p.stop != "" {
			chunk.FinishReason = finishFromStop(p.stop, false)
		}
		p.reset()
		return p.emit(chunk)
	}
	return nil
}

func (p *translator) handleDelta(idx int, delta any) error {
	switch d := delta.(type) {
	case sdk.TextDelta:
		if d.Text == "" {
			return nil
		}
		return p.emit(model.Chunk{
			Type: model.ChunkTypeText,
			Message: &model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.TextPart{Text: d.Text}},
				Meta:  map[string]any{"content_index": idx},
			},
		})
	case sdk.InputJSONDelta:
		if d.PartialJSON == "" {
			return nil
		}
		tb := p.tools[idx]
		if tb == nil {
			return nil
		}
		tb.fragments = append(tb.fragments, d.PartialJSON)
		return p.emit(model.Chunk{
			Type: model.ChunkTypeToolCallDelta,
			ToolCallDelta: &model.ToolCallDelta{
				ID:    tb.id,
				Name:  tb.name,
				Delta: d.PartialJSON,
			},
		})
	case sdk.ThinkingDelta:
		if d.Thinking == "" {
			return nil
		}
		th := p.thoughts[idx]
		if th == nil {
			th = &thinkingAccumulator{}
			p.thoughts[idx] = th
		}
		th.text.WriteString(d.Thinking)
		return p.emit(model.Chunk{
			Type:     model.ChunkTypeThinking,
			Thinking: d.Thinking,
			Message: &model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.ThinkingPart{Text: d.Thinking, Index: idx}},
			},
		})
	case sdk.SignatureDelta:
		if d.Signature == "" {
			return nil
		}
		th := p.thoughts[idx]
		if th == nil {
			th = &thinkingAccumulator{}
			p.thoughts[idx] = th
		}
		th.signature = d.Signature
		return nil
	default:
		return nil
	}
}

// sealBlock finalizes the tool or thinking block at idx and emits the
// assembled chunk.
func (p *translator) sealBlock(idx int) error {
	if th := p.thoughts[idx]; th != nil {
		delete(p.thoughts, idx)
		if part := th.seal(idx); part != nil {
			if err := p.emit(model.Chunk{
				Type:     model.ChunkTypeThinking,
				Thinking: part.Text,
				Message: &model.Message{
					Role:  model.RoleAssistant,
					Parts: []model.Part{*part},
				},
			}); err != nil {
				return err
			}
		}
	}
	if tb := p.tools[idx]; tb != nil {
		delete(p.tools, idx)
		return p.emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				ID:   tb.id,
				Name: tb.name,
				Args: tb.args(),
			},
		})
	}
	return nil
}

func (p *translator) reset() {
	p.tools = make(map[int]*toolAccumulator)
	p.thoughts = make(map[int]*thinkingAccumulator)
	p.stop = ""
}

type toolAccumulator struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolAccumulator) args() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

type thinkingAccumulator struct {
	text      strings.Builder
	signature string
	redacted  []byte
}

// seal returns the final thinking part for the block, or nil when the block
// carried nothing replayable (no signed text and no redacted payload).
func (th *thinkingAccumulator) seal(index int) *model.ThinkingPart {
	if len(th.redacted) > 0 {
		return &model.ThinkingPart{
			Redacted: append([]byte(nil), th.redacted...),
			Index:    index,
			Final:    true,
		}
	}
	if s := th.text.String(); s != "" && th.signature != "" {
		return &model.ThinkingPart{
			Text:      s,
			Signature: th.signature,
			Index:     index,
			Final:     true,
		}
	}
	return nil
}

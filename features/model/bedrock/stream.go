package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/weaveline/loom/runtime/model"
)

// streamer adapts a Bedrock ConverseStream event stream to model.Streamer. A
// pump goroutine drains the SDK event channel and forwards translated chunks
// over a buffered channel so Recv never blocks inside SDK internals.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	events *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu sync.RWMutex
	meta   map[string]any
}

func newStreamer(ctx context.Context, events *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		events: events,
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
	if s.events == nil {
		return nil
	}
	return s.events.Close()
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
	defer func() { _ = s.events.Close() }()

	tr := newTranslator(s.send, s.recordUsage, nameMap)
	events := s.events.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				switch {
				case s.events.Err() != nil:
					s.fail(wrapErr("stream", s.events.Err()))
				case s.ctx.Err() != nil:
					s.fail(s.ctx.Err())
				}
				return
			}
			if err := tr.handle(event); err != nil {
				s.fail(err)
				return
			}
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

// translator converts Bedrock streaming events into model.Chunks. Tool and
// thinking blocks accumulate across contentBlock events keyed by block index
// and are emitted whole on contentBlockStop. Usage arrives in a trailing
// metadata event, after messageStop.
type translator struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)
	names       map[string]string

	tools    map[int]*toolAccumulator
	thoughts map[int]*thinkingAccumulator

	sawTool bool
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

func (p *translator) handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.reset()
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		tb := &toolAccumulator{}
		if start.Value.ToolUseId != nil {
			tb.id = *start.Value.ToolUseId
		}
		if start.Value.Name != nil {
			// The model echoes the provider-visible tool name. A hallucinated
			// name will not appear in the reverse map; surface it as-is so
			// the runtime can answer with an error result.
			name := normalizeToolName(*start.Value.Name)
			if canonical, ok := p.names[name]; ok {
				name = canonical
			}
			tb.name = name
		}
		p.tools[idx] = tb
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		return p.handleDelta(idx, ev.Value.Delta)

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		return p.sealBlock(idx)

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		chunk := model.Chunk{Type: model.ChunkTypeStop}
		if reason := string(ev.Value.StopReason); reason != "" || p.sawTool {
			chunk.FinishReason = finishFromStop(reason, p.sawTool)
		}
		return p.emit(chunk)

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		u := ev.Value.Usage
		usage := model.TokenUsage{
			InputTokens:      int(ptrInt32(u.InputTokens)),
			OutputTokens:     int(ptrInt32(u.OutputTokens)),
			TotalTokens:      int(ptrInt32(u.TotalTokens)),
			CacheReadTokens:  int(ptrInt32(u.CacheReadInputTokens)),
			CacheWriteTokens: int(ptrInt32(u.CacheWriteInputTokens)),
		}
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		}
		if p.recordUsage != nil {
			p.recordUsage(usage)
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
	}
	return nil
}

func (p *translator) handleDelta(idx int, delta brtypes.ContentBlockDelta) error {
	switch d := delta.(type) {
	case *brtypes.ContentBlockDeltaMemberText:
		if d.Value == "" {
			return nil
		}
		return p.emit(model.Chunk{
			Type: model.ChunkTypeText,
			Message: &model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.TextPart{Text: d.Value}},
				Meta:  map[string]any{"content_index": idx},
			},
		})
	case *brtypes.ContentBlockDeltaMemberToolUse:
		if d.Value.Input == nil || *d.Value.Input == "" {
			return nil
		}
		tb := p.tools[idx]
		if tb == nil {
			return nil
		}
		fragment := *d.Value.Input
		tb.fragments = append(tb.fragments, fragment)
		return p.emit(model.Chunk{
			Type: model.ChunkTypeToolCallDelta,
			ToolCallDelta: &model.ToolCallDelta{
				ID:    tb.id,
				Name:  tb.name,
				Delta: fragment,
			},
		})
	case *brtypes.ContentBlockDeltaMemberReasoningContent:
		return p.handleReasoningDelta(idx, d.Value)
	default:
		return nil
	}
}

func (p *translator) handleReasoningDelta(idx int, delta brtypes.ReasoningContentBlockDelta) error {
	th := p.thoughts[idx]
	if th == nil {
		th = &thinkingAccumulator{}
		p.thoughts[idx] = th
	}
	switch d := delta.(type) {
	case *brtypes.ReasoningContentBlockDeltaMemberText:
		if d.Value == "" {
			return nil
		}
		th.text.WriteString(d.Value)
		return p.emit(model.Chunk{
			Type:     model.ChunkTypeThinking,
			Thinking: d.Value,
			Message: &model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.ThinkingPart{Text: d.Value, Index: idx}},
			},
		})
	case *brtypes.ReasoningContentBlockDeltaMemberSignature:
		if d.Value != "" {
			th.signature = d.Value
		}
		return nil
	case *brtypes.ReasoningContentBlockDeltaMemberRedactedContent:
		th.redacted = append(th.redacted, d.Value...)
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
		p.sawTool = true
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
	p.sawTool = false
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

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, fmt.Errorf("bedrock: content block event missing index")
	}
	return int(*idx), nil
}

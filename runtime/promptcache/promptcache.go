// Package promptcache places provider cache-control markers on the stable
// prefix of a prepared prompt. For Anthropic-style providers up to four
// blocks are marked: the system prompt and cut points inside the older
// conversation. The block layout is persisted per thread so subsequent turns
// reuse the same cut points and hit the provider cache; compression or a
// model change sets a rebuild flag that forces a fresh layout.
package promptcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/weaveline/loom/runtime/compactor"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/telemetry"
)

type (
	// Layout is one cache block arrangement: whether the system prompt is
	// marked and the message indexes after which conversation checkpoints
	// are placed.
	Layout struct {
		// Model is the catalog model id the layout was computed for.
		Model string
		// AfterSystem marks the system prompt as the first cache block.
		AfterSystem bool
		// Cuts are ascending message indexes carrying checkpoint markers.
		Cuts []int
	}

	// Options configures a Strategist.
	Options struct {
		// MaxBlocks is the provider cache block budget. Defaults to 4.
		MaxBlocks int
		// MinBlockTokens is the smallest block worth caching. Defaults to
		// 1024.
		MinBlockTokens int
		// VolatileTail is how many trailing messages are never marked (the
		// in-flight user turn). Defaults to 1.
		VolatileTail int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Strategist computes, validates, and persists cache block layouts.
	Strategist struct {
		threads run.ThreadStore
		catalog *model.Catalog
		opts    Options
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

var (
	// ErrTooManyBlocks reports a layout exceeding the provider block budget.
	ErrTooManyBlocks = errors.New("promptcache: too many cache blocks")

	// ErrBlockTooSmall reports a block below the minimum cacheable size.
	ErrBlockTooSmall = errors.New("promptcache: cache block too small")

	// ErrVolatileMarker reports a marker placed on volatile content.
	ErrVolatileMarker = errors.New("promptcache: marker on volatile content")
)

const (
	defaultMaxBlocks      = 4
	defaultMinBlockTokens = 1024
	defaultVolatileTail   = 1

	layoutVersion = "v1"
)

// New constructs a Strategist.
func New(threads run.ThreadStore, catalog *model.Catalog, opts Options) (*Strategist, error) {
	if threads == nil {
		return nil, errors.New("promptcache: thread store is required")
	}
	if catalog == nil {
		return nil, errors.New("promptcache: model catalog is required")
	}
	if opts.MaxBlocks <= 0 {
		opts.MaxBlocks = defaultMaxBlocks
	}
	if opts.MinBlockTokens <= 0 {
		opts.MinBlockTokens = defaultMinBlockTokens
	}
	if opts.VolatileTail <= 0 {
		opts.VolatileTail = defaultVolatileTail
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Strategist{
		threads: threads,
		catalog: catalog,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Apply annotates the prepared messages with cache checkpoints for the given
// model and returns the request-level cache options. Models without prompt
// cache support pass through untouched. The computed layout is persisted on
// the thread row; the rebuild flag is cleared in the same update.
func (s *Strategist) Apply(ctx context.Context, thread run.Thread, modelID string, msgs []*model.Message) ([]*model.Message, *model.CacheOptions, error) {
	info := s.catalog.Lookup(modelID)
	if !info.PromptCache || len(msgs) == 0 {
		return msgs, nil, nil
	}

	layout, reused := s.layout(thread, modelID, msgs)
	if err := s.Validate(layout, msgs); err != nil {
		if reused {
			// A stale persisted layout no longer fits this history.
			layout = s.compute(modelID, msgs)
			if err := s.Validate(layout, msgs); err != nil {
				return msgs, nil, nil
			}
			reused = false
		} else {
			return msgs, nil, nil
		}
	}

	if reused {
		s.metrics.IncCounter("loom.promptcache.reuses", 1)
	} else {
		s.metrics.IncCounter("loom.promptcache.rebuilds", 1)
	}

	encoded := layout.Encode()
	if thread.CacheRebuild || encoded != thread.CacheHash {
		if err := s.threads.SetCacheState(ctx, thread.ID, false, encoded); err != nil {
			s.logger.Warn(ctx, "cache layout persist failed", "thread_id", thread.ID, "err", err)
		}
	}

	blocks := len(layout.Cuts)
	if layout.AfterSystem {
		blocks++
	}
	s.metrics.RecordGauge("loom.promptcache.blocks", float64(blocks))

	var cacheOpts *model.CacheOptions
	if layout.AfterSystem {
		cacheOpts = &model.CacheOptions{AfterSystem: true}
	}
	return annotate(msgs, layout.Cuts), cacheOpts, nil
}

// Validate checks a layout against the provider constraints for the given
// message set.
func (s *Strategist) Validate(layout Layout, msgs []*model.Message) error {
	blocks := len(layout.Cuts)
	if layout.AfterSystem {
		blocks++
	}
	if blocks > s.opts.MaxBlocks {
		return fmt.Errorf("%w: %d > %d", ErrTooManyBlocks, blocks, s.opts.MaxBlocks)
	}
	if len(msgs) == 0 {
		if blocks > 0 {
			return fmt.Errorf("%w: empty message set", ErrVolatileMarker)
		}
		return nil
	}
	lastStable := len(msgs) - 1 - s.opts.VolatileTail
	if layout.AfterSystem && messageTokens(msgs[0]) < s.opts.MinBlockTokens {
		return fmt.Errorf("%w: system prompt", ErrBlockTooSmall)
	}
	prev := 0
	for _, cut := range layout.Cuts {
		if cut <= prev || cut >= len(msgs) {
			return fmt.Errorf("%w: cut %d out of order", ErrVolatileMarker, cut)
		}
		if cut > lastStable {
			return fmt.Errorf("%w: cut %d inside the volatile tail", ErrVolatileMarker, cut)
		}
		if spanTokens(msgs, prev+1, cut) < s.opts.MinBlockTokens {
			return fmt.Errorf("%w: block ending at %d", ErrBlockTooSmall, cut)
		}
		prev = cut
	}
	return nil
}

// layout returns the block layout to use: the persisted one when it is still
// applicable (extended forward when enough new stable history accumulated),
// or a freshly computed one.
func (s *Strategist) layout(thread run.Thread, modelID string, msgs []*model.Message) (Layout, bool) {
	id := model.StripProviderPrefix(modelID)
	if thread.CacheRebuild || thread.CacheHash == "" {
		return s.compute(modelID, msgs), false
	}
	layout, ok := ParseLayout(thread.CacheHash)
	if !ok || layout.Model != id {
		return s.compute(modelID, msgs), false
	}
	lastStable := len(msgs) - 1 - s.opts.VolatileTail
	for _, cut := range layout.Cuts {
		if cut > lastStable {
			return s.compute(modelID, msgs), false
		}
	}
	// Extend with one more checkpoint once enough new stable history built
	// up behind the last cut.
	maxCuts := s.opts.MaxBlocks
	if layout.AfterSystem {
		maxCuts--
	}
	last := 0
	if n := len(layout.Cuts); n > 0 {
		last = layout.Cuts[n-1]
	}
	if len(layout.Cuts) < maxCuts && lastStable > last &&
		spanTokens(msgs, last+1, lastStable) >= s.opts.MinBlockTokens {
		layout.Cuts = append(layout.Cuts, lastStable)
	}
	return layout, true
}

// compute builds a fresh layout: mark the system prompt when it is large
// enough, then greedily place conversation checkpoints every MinBlockTokens
// across the stable region.
func (s *Strategist) compute(modelID string, msgs []*model.Message) Layout {
	layout := Layout{Model: model.StripProviderPrefix(modelID)}
	start := 0
	if msgs[0].Role == model.RoleSystem {
		if messageTokens(msgs[0]) >= s.opts.MinBlockTokens {
			layout.AfterSystem = true
		}
		start = 1
	}
	maxCuts := s.opts.MaxBlocks
	if layout.AfterSystem {
		maxCuts--
	}
	lastStable := len(msgs) - 1 - s.opts.VolatileTail
	acc := 0
	for i := start; i <= lastStable && len(layout.Cuts) < maxCuts; i++ {
		acc += messageTokens(msgs[i])
		if acc >= s.opts.MinBlockTokens && i > 0 {
			layout.Cuts = append(layout.Cuts, i)
			acc = 0
		}
	}
	return layout
}

// Encode renders the layout for the thread row's cache hash column.
func (l Layout) Encode() string {
	sys := "-"
	if l.AfterSystem {
		sys = "s"
	}
	cuts := make([]string, len(l.Cuts))
	for i, c := range l.Cuts {
		cuts[i] = strconv.Itoa(c)
	}
	return strings.Join([]string{layoutVersion, l.Model, sys, strings.Join(cuts, ",")}, "|")
}

// ParseLayout decodes a persisted layout. ok is false for any malformed or
// unknown encoding, which callers treat as a rebuild.
func ParseLayout(encoded string) (Layout, bool) {
	parts := strings.Split(encoded, "|")
	if len(parts) != 4 || parts[0] != layoutVersion || parts[1] == "" {
		return Layout{}, false
	}
	layout := Layout{Model: parts[1], AfterSystem: parts[2] == "s"}
	if parts[2] != "s" && parts[2] != "-" {
		return Layout{}, false
	}
	if parts[3] != "" {
		for _, f := range strings.Split(parts[3], ",") {
			n, err := strconv.Atoi(f)
			if err != nil || n <= 0 {
				return Layout{}, false
			}
			if len(layout.Cuts) > 0 && n <= layout.Cuts[len(layout.Cuts)-1] {
				return Layout{}, false
			}
			layout.Cuts = append(layout.Cuts, n)
		}
	}
	return layout, true
}

// annotate appends a cache checkpoint part to each cut message. The input
// slice is not mutated; marked messages are shallow copies.
func annotate(msgs []*model.Message, cuts []int) []*model.Message {
	if len(cuts) == 0 {
		return msgs
	}
	out := make([]*model.Message, len(msgs))
	copy(out, msgs)
	for _, cut := range cuts {
		src := msgs[cut]
		cp := *src
		cp.Parts = make([]model.Part, len(src.Parts), len(src.Parts)+1)
		copy(cp.Parts, src.Parts)
		cp.Parts = append(cp.Parts, model.CacheCheckpointPart{})
		out[cut] = &cp
	}
	return out
}

func messageTokens(m *model.Message) int {
	return compactor.Estimate([]*model.Message{m})
}

// spanTokens sums the estimated tokens of msgs[from..to] inclusive.
func spanTokens(msgs []*model.Message, from, to int) int {
	if from < 0 {
		from = 0
	}
	total := 0
	for i := from; i <= to && i < len(msgs); i++ {
		total += messageTokens(msgs[i])
	}
	return total
}

package model

import (
	"strings"
	"sync"
)

type (
	// Info describes the capabilities of one model family the runtime cares
	// about: how much context it accepts, whether it can see images, and
	// whether the provider supports prompt caching for it.
	Info struct {
		// ContextWindow is the maximum prompt size in tokens.
		ContextWindow int
		// Vision reports whether the model accepts image input.
		Vision bool
		// PromptCache reports whether cache checkpoints are honored.
		PromptCache bool
	}

	// Catalog resolves model identifiers to capability Info using
	// longest-prefix matching, so "claude-sonnet-4-20250514" resolves through
	// the "claude-sonnet" entry. Safe for concurrent use.
	Catalog struct {
		mu      sync.RWMutex
		entries map[string]Info
	}
)

// DefaultContextWindow is assumed for models the catalog does not know.
const DefaultContextWindow = 128_000

// NewCatalog returns a catalog seeded with the provided entries layered over
// the built-in defaults. Keys are model id prefixes with any gateway provider
// prefix ("anthropic/") already stripped.
func NewCatalog(overrides map[string]Info) *Catalog {
	entries := make(map[string]Info, len(defaultCatalog)+len(overrides))
	for k, v := range defaultCatalog {
		entries[k] = v
	}
	for k, v := range overrides {
		entries[k] = v
	}
	return &Catalog{entries: entries}
}

// Register adds or replaces a capability entry.
func (c *Catalog) Register(prefix string, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[prefix] = info
}

// Lookup resolves a model id to its Info. Provider prefixes of the form
// "provider/" are stripped first. Unknown models report the default context
// window with vision and caching disabled.
func (c *Catalog) Lookup(modelID string) Info {
	id := StripProviderPrefix(modelID)
	c.mu.RLock()
	defer c.mu.RUnlock()

	best, bestLen := Info{ContextWindow: DefaultContextWindow}, 0
	for prefix, info := range c.entries {
		if strings.HasPrefix(id, prefix) && len(prefix) > bestLen {
			best, bestLen = info, len(prefix)
		}
	}
	return best
}

// StripProviderPrefix removes a leading "provider/" routing prefix from a
// model identifier, if present.
func StripProviderPrefix(modelID string) string {
	if i := strings.IndexByte(modelID, '/'); i >= 0 {
		return modelID[i+1:]
	}
	return modelID
}

// ProviderPrefix returns the "provider" portion of a prefixed model id and
// true, or "" and false when the id carries no prefix.
func ProviderPrefix(modelID string) (string, bool) {
	if i := strings.IndexByte(modelID, '/'); i > 0 {
		return modelID[:i], true
	}
	return "", false
}

// defaultCatalog covers the model families the runtime routes to out of the
// box. Context windows are provider-published values.
var defaultCatalog = map[string]Info{
	"claude-opus":    {ContextWindow: 200_000, Vision: true, PromptCache: true},
	"claude-sonnet":  {ContextWindow: 200_000, Vision: true, PromptCache: true},
	"claude-haiku":   {ContextWindow: 200_000, Vision: true, PromptCache: true},
	"claude-3":       {ContextWindow: 200_000, Vision: true, PromptCache: true},
	"gpt-5":          {ContextWindow: 400_000, Vision: true},
	"gpt-4.1":        {ContextWindow: 1_000_000, Vision: true},
	"gpt-4o":         {ContextWindow: 128_000, Vision: true},
	"gpt-4o-mini":    {ContextWindow: 128_000, Vision: true},
	"o3":             {ContextWindow: 200_000, Vision: true},
	"o4-mini":        {ContextWindow: 200_000, Vision: true},
	"amazon.nova":    {ContextWindow: 300_000, Vision: true, PromptCache: true},
	"anthropic.claude": {
		ContextWindow: 200_000,
		Vision:        true,
		PromptCache:   true,
	},
}

// Package tools holds the tool descriptors the orchestrator exposes to the
// model: name, argument schema, and the function that executes the call.
// A Registry indexes descriptors by name, validates arguments against their
// JSON schemas, and produces the provider-facing definitions.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weaveline/loom/runtime/model"
)

type (
	// Handler executes one tool call and returns the content of the tool
	// result message. Errors are surfaced to the model as error results, not
	// as run failures.
	Handler func(ctx context.Context, args json.RawMessage) (string, error)

	// Descriptor declares one tool.
	Descriptor struct {
		// Name is the canonical tool identifier.
		Name string
		// Description documents the tool for the model.
		Description string
		// InputSchema is the JSON Schema for the tool arguments. Empty skips
		// argument validation.
		InputSchema json.RawMessage
		// Execute runs the tool.
		Execute Handler
		// Terminal marks agent control tools (task completion, asking the
		// user). A call to a terminal tool ends the auto-continue loop with
		// an agent_terminated finish reason.
		Terminal bool
	}

	// Registry is a read-only-after-setup index of tool descriptors. New
	// tools may still be registered lazily; lookups are safe concurrently.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]*entry
	}

	entry struct {
		desc   *Descriptor
		schema *jsonschema.Schema
	}
)

var (
	// ErrUnknownTool reports a call to a tool that is not registered.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidArgs reports tool arguments that failed schema validation.
	ErrInvalidArgs = errors.New("tools: invalid arguments")
)

// NewRegistry builds a registry from the given descriptors. Descriptor
// schemas are compiled eagerly so malformed schemas fail at startup.
func NewRegistry(descs ...*Descriptor) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(descs))}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor, replacing any previous tool with the same name.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return errors.New("tools: descriptor name is required")
	}
	if d.Execute == nil && !d.Terminal {
		return fmt.Errorf("tools: tool %q has no handler", d.Name)
	}
	var schema *jsonschema.Schema
	if len(d.InputSchema) > 0 {
		var err error
		schema, err = compileSchema(d.Name, d.InputSchema)
		if err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.Name] = &entry{desc: d, schema: schema}
	return nil
}

// Lookup returns the descriptor for a tool name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// Names returns the registered tool names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Definitions renders the provider-facing tool definitions.
func (r *Registry) Definitions() []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*model.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		var schema any
		if len(e.desc.InputSchema) > 0 {
			schema = e.desc.InputSchema
		}
		defs = append(defs, &model.ToolDefinition{
			Name:        e.desc.Name,
			Description: e.desc.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// ValidateArgs checks raw arguments against the tool's schema. Tools without
// a schema accept any arguments.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if e.schema == nil {
		return nil
	}
	var payload any
	raw := args
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidArgs, name, err)
	}
	if err := e.schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidArgs, name, err)
	}
	return nil
}

// Execute validates and runs the named tool. Unknown tools and validation
// failures are returned as errors; the orchestrator converts them into error
// tool results so the model can recover.
func (r *Registry) Execute(ctx context.Context, call model.ToolCall) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	if err := r.ValidateArgs(call.Name, call.Args); err != nil {
		return "", err
	}
	if e.desc.Execute == nil {
		return "", nil
	}
	out, err := e.desc.Execute(ctx, call.Args)
	if err != nil {
		return "", fmt.Errorf("tool %q: %w", call.Name, err)
	}
	return out, nil
}

// IsTerminal reports whether the named tool ends the agent loop.
func (r *Registry) IsTerminal(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.desc.Terminal
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tools: tool %q schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	res := name + ".schema.json"
	if err := c.AddResource(res, doc); err != nil {
		return nil, fmt.Errorf("tools: tool %q schema: %w", name, err)
	}
	schema, err := c.Compile(res)
	if err != nil {
		return nil, fmt.Errorf("tools: tool %q schema: %w", name, err)
	}
	return schema, nil
}

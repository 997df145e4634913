package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/nuka-swarm/internal/provider"
)

var (
	// ErrUnknownTool is returned when a tool name is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Tool is a callable capability exposed to the language model.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Validate(args json.RawMessage) error
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolHandler executes a tool call and returns the result as a string.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// FuncTool adapts a handler function into a Tool.
type FuncTool struct {
	name        string
	description string
	schema      map[string]interface{}
	handler     ToolHandler
}

// NewFuncTool creates a tool from a JSON schema and handler.
func NewFuncTool(name, description string, schema map[string]interface{}, handler ToolHandler) *FuncTool {
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return &FuncTool{name: name, description: description, schema: schema, handler: handler}
}

func (t *FuncTool) Name() string                        { return t.name }
func (t *FuncTool) Description() string                 { return t.description }
func (t *FuncTool) InputSchema() map[string]interface{} { return t.schema }

// Validate checks that args is a JSON object carrying every required field.
func (t *FuncTool) Validate(args json.RawMessage) error {
	var obj map[string]interface{}
	if err := json.Unmarshal(normalizeArgs(args), &obj); err != nil {
		return fmt.Errorf("%s: arguments must be a JSON object: %w", t.name, err)
	}
	for _, key := range requiredFields(t.schema) {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("%s: missing required field %q", t.name, key)
		}
	}
	return nil
}

// Execute runs the handler.
func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.handler(ctx, normalizeArgs(args))
}

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}

// ToolRegistry maps stable tool names to constructed tools. Tools are
// registered at startup; lookups never construct anything.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool under its name.
func (r *ToolRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("register %s: %w", t.Name(), ErrDuplicateTool)
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Subset builds a registry holding only the named tools.
func (r *ToolRegistry) Subset(names []string) (*ToolRegistry, error) {
	sub := NewToolRegistry()
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("resolve tool %s: %w", name, ErrUnknownTool)
		}
		if err := sub.Register(t); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// Definitions returns all tool definitions for the LLM request.
func (r *ToolRegistry) Definitions() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.InputSchema(),
			},
		})
	}
	return defs
}

// Info describes every registered tool.
func (r *ToolRegistry) Info() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, ToolInfo{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return out
}

// Execute validates and runs a tool by name with the given JSON arguments.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	raw := json.RawMessage(args)
	if err := t.Validate(raw); err != nil {
		return "", err
	}
	return t.Execute(ctx, raw)
}

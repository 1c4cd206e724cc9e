// Package tool exposes the fragment read/write tools that agents can call
// during a run.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	serrors "github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/llm"
)

// Handler executes one tool call against the story's corpus.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool couples a tool's wire schema with its handler.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Run         Handler
}

// Registry is the named tool set handed to one agent run. Registration
// order is preserved; it is the order the model sees the tools in.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewRegistry builds a registry from tool definitions.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends a tool definition. Duplicate names and nil handlers are
// rejected.
func (r *Registry) Add(t Tool) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.tools[t.Name]; taken {
		return fmt.Errorf("duplicate tool name %q", t.Name)
	}
	r.order = append(r.order, t.Name)
	r.tools[t.Name] = t
	return nil
}

// Lookup returns the named tool definition.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs renders the registry as model-facing tool schemas, in registration
// order.
func (r *Registry) Specs() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return specs
}

// Call dispatches a tool by name. Failures come back as ToolError so the
// agent loop can report them to the model instead of raising.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) (string, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return "", &serrors.ToolError{Tool: name, Err: fmt.Errorf("no such tool")}
	}
	out, err := t.Run(ctx, input)
	if err != nil {
		return "", &serrors.ToolError{Tool: name, Err: err}
	}
	return out, nil
}

// Clear drops all tools. For tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.tools = make(map[string]Tool)
}

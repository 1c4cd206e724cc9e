// Package agent implements the named-agent registry and the runner that
// enforces depth, cycle, call-count and timeout discipline around agent runs.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	serrors "github.com/storyloom/storyloom/internal/errors"
)

// Definition describes a named agent. Run receives the invocation context
// and the validated input and returns the agent's output.
type Definition struct {
	Name         string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	AllowedCalls []string
	Run          func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error)
}

// TraceEntry records one agent invocation, successful or not.
type TraceEntry struct {
	RunID       string    `json:"runId"`
	ParentRunID string    `json:"parentRunId,omitempty"`
	RootRunID   string    `json:"rootRunId"`
	AgentName   string    `json:"agentName"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	DurationMs  int64     `json:"durationMs"`
	Status      string    `json:"status"` // success | error
	Error       string    `json:"error,omitempty"`
}

// Registry holds agent definitions. It is populated at startup; lookups are
// read-mostly.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Definition
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Definition)}
}

// Register adds an agent definition. Returns an error on duplicate names.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("agent definition needs a name")
	}
	if def.Run == nil {
		return fmt.Errorf("agent %q has no run function", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[def.Name]; exists {
		return fmt.Errorf("agent already registered: %s", def.Name)
	}
	r.agents[def.Name] = def
	return nil
}

// Get returns an agent definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	return def, ok
}

// Has reports whether an agent is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	return names
}

// Clear removes all registered agents. For tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*Definition)
}

func (r *Registry) resolve(name string) (*Definition, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", name, serrors.ErrUnknownAgent)
	}
	return def, nil
}

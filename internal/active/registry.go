// Package active tracks currently running agents in memory for UI polling.
package active

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TTL after which an entry is removed even if never unregistered.
const TTL = 10 * time.Minute

// Agent is one running agent entry.
type Agent struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"storyId"`
	AgentName string    `json:"agentName"`
	StartedAt time.Time `json:"startedAt"`
}

type entry struct {
	agent Agent
	timer *time.Timer
}

// Registry is the in-memory active-agent registry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
}

// NewRegistry creates an empty registry with the default TTL.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry), ttl: TTL}
}

// NewRegistryTTL creates a registry with a custom TTL. For tests.
func NewRegistryTTL(ttl time.Duration) *Registry {
	return &Registry{entries: make(map[string]*entry), ttl: ttl}
}

// Register records a running agent and returns its id. A safety timer
// removes the entry after the TTL if Unregister is never called.
func (r *Registry) Register(storyID, agentName string) string {
	id := uuid.NewString()
	a := Agent{
		ID:        id,
		StoryID:   storyID,
		AgentName: agentName,
		StartedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := &entry{agent: a}
	e.timer = time.AfterFunc(r.ttl, func() { r.Unregister(id) })
	r.entries[id] = e
	return id
}

// Unregister removes an entry. Safe to call twice.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.timer.Stop()
		delete(r.entries, id)
	}
}

// List returns a snapshot of current entries, optionally filtered by story,
// oldest first.
func (r *Registry) List(storyID string) []Agent {
	r.mu.Lock()
	out := make([]Agent, 0, len(r.entries))
	for _, e := range r.entries {
		if storyID != "" && e.agent.StoryID != storyID {
			continue
		}
		out = append(out, e.agent)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Clear removes all entries and stops their timers. For tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, id)
	}
}

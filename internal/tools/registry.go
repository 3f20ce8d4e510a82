package tools

import (
	"sort"
	"sync"
	"time"
)

// Tool is one registered tool and its advertised capabilities.
type Tool struct {
	ID           string    `json:"tool_id"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry tracks tools that announced themselves on either side of the
// bridge. Registering an id again replaces the previous entry.
type Registry struct {
	mu    sync.Mutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register records a tool under id and returns the stored entry.
func (r *Registry) Register(id string, capabilities []string) Tool {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	t := Tool{ID: id, Capabilities: caps, RegisteredAt: time.Now()}
	r.mu.Lock()
	r.tools[id] = t
	r.mu.Unlock()
	return t
}

// Lookup returns the entry for id, if any.
func (r *Registry) Lookup(id string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[id]
	return t, ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

// Snapshot returns all entries sorted by id.
func (r *Registry) Snapshot() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

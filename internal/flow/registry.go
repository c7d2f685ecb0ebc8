package flow

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ResiLeads/LeadPipe/internal/models"
	"github.com/ResiLeads/LeadPipe/internal/store"
)

// Registry is the read-only flow graph accessor. Flows are loaded from the
// store on first use, validated once, and cached by name. A flow failing
// validation is a configuration error and is never served.
type Registry struct {
	store store.Store
	mu    sync.RWMutex
	cache map[string]*models.FlowGraph
}

// NewRegistry creates a Registry backed by the given store.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st, cache: make(map[string]*models.FlowGraph)}
}

// Get returns the validated flow graph with the given name, or nil when no
// such flow is configured.
func (r *Registry) Get(name string) (*models.FlowGraph, error) {
	if name == "" {
		return nil, nil
	}

	r.mu.RLock()
	cached := r.cache[name]
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	flow, err := r.store.GetFlow(name)
	if err != nil {
		slog.Error("Registry flow load failed", "error", err, "flow", name)
		return nil, fmt.Errorf("failed to load flow %s: %w", name, err)
	}
	if flow == nil {
		slog.Debug("Registry flow not found", "flow", name)
		return nil, nil
	}
	if err := flow.Validate(); err != nil {
		slog.Error("Registry flow failed validation", "error", err, "flow", name)
		return nil, fmt.Errorf("flow %s failed validation: %w", name, err)
	}

	r.mu.Lock()
	r.cache[name] = flow
	r.mu.Unlock()

	slog.Debug("Registry flow loaded", "flow", name, "nodes", len(flow.Nodes))
	return flow, nil
}

// Invalidate drops a cached flow so the next Get reloads it from the store.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
	slog.Debug("Registry flow invalidated", "flow", name)
}

// Package strategy holds the built-in signal strategies and their registry.
// Strategies are pure over the tick window and feature snapshot they receive
// and perform no I/O.
package strategy

import (
	"sort"
	"sync"

	"option_trader/internal/core"
)

// Factory builds a strategy instance from per-run params.
type Factory func(params map[string]float64) core.IStrategy

// Registry maps strategy ids to factories. The built-ins are registered on
// construction; callers may add their own.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("momentum", NewMomentum)
	r.Register("meanrev", NewMeanRev)
	r.Register("followline", NewFollowLine)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// New instantiates the strategy registered under id.
func (r *Registry) New(id string, params map[string]float64) (core.IStrategy, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewErrorf(core.KindValidation, "unknown strategy %q", id)
	}
	return f(params), nil
}

// IDs lists the registered strategy ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package engine executes runs: it resolves blueprints from the registry,
// drives the per-run transactional session, and enforces the lease and
// finalization protocols.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"loom/internal/domain/run"
)

// Blueprint is the unit of executable workflow logic. It receives the
// run's inputs and the RunContext for steps, events, spawning, and
// waiting. The returned document becomes the run's outputs.
//
// Blueprints must be deterministic with respect to their recorded steps
// on re-execution after a crash: committed steps are visible again, and
// spawn idempotency keys make child creation safe to repeat.
type Blueprint func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error)

// Registry maps blueprint names (conventionally "area.name@vN") to
// implementations. Register everything before starting workers; lookups
// of unknown names fail the run permanently.
type Registry struct {
	mu         sync.RWMutex
	blueprints map[string]Blueprint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{blueprints: make(map[string]Blueprint)}
}

// Register adds a blueprint under name. Registering a duplicate name is a
// programming error and panics, matching how HTTP muxes treat duplicate
// routes.
func (r *Registry) Register(name string, bp Blueprint) {
	if name == "" || bp == nil {
		panic("engine: Register requires a name and a blueprint")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blueprints[name]; exists {
		panic(fmt.Sprintf("engine: blueprint %q registered twice", name))
	}
	r.blueprints[name] = bp
}

// Get resolves a blueprint by name.
func (r *Registry) Get(name string) (Blueprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.blueprints[name]
	return bp, ok
}

// Names returns the registered blueprint names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.blueprints))
	for name := range r.blueprints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

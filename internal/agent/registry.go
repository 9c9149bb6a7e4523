package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/aristath/agentmesh/internal/task"
)

// Registry maps task types to the runtimes able to handle them. The map is
// built as agents register, so matching a task never inspects agents that
// lack the capability.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
	order    []string
	byType   map[string][]*Runtime
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]*Runtime),
		byType:   make(map[string][]*Runtime),
	}
}

// Register adds rt. Agent IDs must be unique.
func (r *Registry) Register(rt *Runtime) error {
	spec := rt.Spec()
	if spec.ID == "" {
		return errors.New("agent id is required")
	}
	if len(spec.Capabilities) == 0 {
		return fmt.Errorf("agent %q has no capabilities", spec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runtimes[spec.ID]; exists {
		return fmt.Errorf("agent %q already registered", spec.ID)
	}
	r.runtimes[spec.ID] = rt
	r.order = append(r.order, spec.ID)
	for _, c := range spec.Capabilities {
		if !slices.Contains(r.byType[c], rt) {
			r.byType[c] = append(r.byType[c], rt)
		}
	}
	return nil
}

// Get returns the runtime for an agent ID.
func (r *Registry) Get(id string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	return rt, ok
}

// All returns every runtime in registration order.
func (r *Registry) All() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Runtime, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.runtimes[id])
	}
	return out
}

// Capable returns the runtimes that accept t, in registration order.
func (r *Registry) Capable(t task.Task) []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Runtime
	for _, rt := range r.byType[t.Type] {
		if rt.Spec().Accepts(t) {
			out = append(out, rt)
		}
	}
	return out
}

// Types returns every task type some agent can handle, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate fails listing every type in types no registered agent handles.
func (r *Registry) Validate(types []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, t := range types {
		if len(r.byType[t]) == 0 {
			errs = append(errs, fmt.Errorf("task type %q: %w", t, task.ErrNoAgentsAvailable))
		}
	}
	return errors.Join(errs...)
}

// Close closes every registered runtime.
func (r *Registry) Close() {
	for _, rt := range r.All() {
		rt.Close()
	}
}

package replay

import (
	"sort"
	"strings"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// Workflow is deterministic orchestration logic. Returning a value completes
// the instance, returning an error fails it. Await operations return
// ErrSuspended when history does not yet hold the awaited result; workflows
// must return that error unchanged.
type Workflow func(ctx *Context) (any, error)

// Registry maps workflow names to their logic.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register adds a workflow under name.
func (r *Registry) Register(name string, wf Workflow) error {
	if r == nil {
		return durable.NewError(durable.ErrInvalidInput, "workflow registry not configured", nil, nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return durable.NewError(durable.ErrInvalidInput, "workflow name required", nil, nil)
	}
	if wf == nil {
		return durable.NewError(durable.ErrInvalidInput, "workflow func required", nil, map[string]any{"workflow": name})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return durable.NewError(durable.ErrInvalidInput, "workflow already registered", nil, map[string]any{"workflow": name})
	}
	r.workflows[name] = wf
	return nil
}

// MustRegister panics when Register fails.
func (r *Registry) MustRegister(name string, wf Workflow) {
	if err := r.Register(name, wf); err != nil {
		panic(err)
	}
}

// Lookup returns the workflow registered under name.
func (r *Registry) Lookup(name string) (Workflow, error) {
	if r == nil {
		return nil, durable.NewError(durable.ErrWorkflowNotRegistered, "", nil, map[string]any{"workflow": name})
	}
	name = strings.TrimSpace(name)
	r.mu.RLock()
	wf, ok := r.workflows[name]
	r.mu.RUnlock()
	if !ok {
		return nil, durable.NewError(durable.ErrWorkflowNotRegistered, "", nil, map[string]any{"workflow": name})
	}
	return wf, nil
}

// Names lists registered workflows in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/govflow/pkg/schema"
)

// Catalog receives executor bindings. The graph store implements it, so
// publishing a registry makes its executors resolvable by the engine.
type Catalog interface {
	RegisterExecutor(ctx context.Context, ref schema.ExecutorRef) error
}

// Registry is a thread-safe set of executors keyed by "engine/requestType".
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor. Returns CONFLICT on a duplicate key.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	ref := ex.Ref()
	if ref.EngineName == "" || ref.RequestType == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor engine name and request type are required")
	}
	key := ref.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", key)
	}
	r.executors[key] = ex
	return nil
}

// Get retrieves the executor bound to engineName and requestType.
func (r *Registry) Get(engineName, requestType string) (Executor, error) {
	key := schema.ExecutorKey(engineName, requestType)

	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "executor %q not registered", key).
			WithReason(schema.ReasonUnknownExecutor)
	}
	return ex, nil
}

// List returns info for all registered executors, sorted by key.
func (r *Registry) List() []ExecutorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ExecutorInfo, 0, len(r.executors))
	for _, ex := range r.executors {
		infos = append(infos, ex.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos
}

// Engines returns the distinct engine names with at least one executor.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var names []string
	for _, ex := range r.executors {
		name := ex.Ref().EngineName
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has checks if an executor is registered.
func (r *Registry) Has(engineName, requestType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[schema.ExecutorKey(engineName, requestType)]
	return ok
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// Publish binds every registered executor in the catalog.
func (r *Registry) Publish(ctx context.Context, c Catalog) error {
	r.mu.RLock()
	refs := make([]schema.ExecutorRef, 0, len(r.executors))
	for _, ex := range r.executors {
		refs = append(refs, ex.Ref())
	}
	r.mu.RUnlock()

	for _, ref := range refs {
		if err := c.RegisterExecutor(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

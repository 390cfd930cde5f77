package ensemble

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tremor/tremor/internal/models"
)

// ComputeFunc performs one local model computation. The returned payload is
// encoded as JSON into the run result.
type ComputeFunc func(ctx context.Context, req models.ModelRunRequest) (any, error)

// Registry maps local model types to their computations. It is built once at
// startup and handed to the Dispatcher.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]ComputeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]ComputeFunc)}
}

// Register binds modelType to fn.
func (r *Registry) Register(modelType string, fn ComputeFunc) error {
	if modelType == "" || modelType == models.ModelTypeRemote {
		return fmt.Errorf("cannot register model type %q", modelType)
	}
	if fn == nil {
		return fmt.Errorf("model type %s: nil compute function", modelType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[modelType]; exists {
		return fmt.Errorf("model type %s already registered", modelType)
	}
	r.funcs[modelType] = fn
	return nil
}

// Lookup returns the computation for modelType.
func (r *Registry) Lookup(modelType string) (ComputeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[modelType]
	return fn, ok
}

// Types returns the registered model types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.funcs))
	for t := range r.funcs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

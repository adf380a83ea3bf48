// Package inference resolves named segmentation models and runs them.
//
// A model is any value satisfying Model: it takes the (1, 5, X, Y, Z) input
// tensor and returns (1, 1, X, Y, Z) raw logits. Concrete implementations are
// registered by backend name in a Registry at start-up; nothing is loaded from
// arbitrary code at run time.
package inference

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"neuroseg/pkg/tensor"
)

// Model is a loaded network. Implementations must be safe for concurrent use
// and must not mutate their inputs.
type Model interface {
	Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error)
}

// ModelFunc adapts a function to the Model interface
type ModelFunc func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error)

// Forward calls f
func (f ModelFunc) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	return f(ctx, in)
}

// Loader builds a Model from its descriptor and weights on a device.
// weights is nil when the descriptor names no weights artifact.
type Loader func(ctx context.Context, d *Descriptor, weights []byte, device string) (Model, error)

// Registry maps backend names to loaders.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// NewDefaultRegistry creates a registry holding the built-in backends
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(BackendSeedGrow, LoadSeedGrow)
	r.Register(BackendKServe, LoadKServe)
	return r
}

// Register adds a backend. Registering the same name twice panics.
func (r *Registry) Register(backend string, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loader == nil {
		panic("inference: Register loader is nil")
	}
	if _, dup := r.loaders[backend]; dup {
		panic("inference: Register called twice for backend " + backend)
	}
	r.loaders[backend] = loader
}

// Lookup returns the loader of a backend
func (r *Registry) Lookup(backend string) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	return l, nil
}

// Backends lists the registered backend names
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.loaders))
	for n := range r.loaders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

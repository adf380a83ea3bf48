package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/semaphore"

	"neuroseg/internal/models"
	"neuroseg/pkg/artifacts"
	"neuroseg/pkg/tensor"
)

// Options configures an Invoker
type Options struct {
	// Device is handed to loaders, e.g. "cpu"
	Device string

	// Slots bounds how many forward passes may run on the device at once.
	// Values below 1 mean one.
	Slots int64

	// CacheSize keeps up to this many loaded models keyed by name.
	// Zero loads the model on every call.
	CacheSize int

	// Logger receives load and run timings; nil uses slog.Default()
	Logger *slog.Logger
}

// Loaded is a model ready to run together with its descriptor
type Loaded struct {
	Descriptor *Descriptor
	Model      Model
}

// Invoker resolves models by name, loads them and runs them one device slot
// at a time.
type Invoker struct {
	catalog  *Catalog
	registry *Registry
	store    artifacts.Store
	device   string
	slots    *semaphore.Weighted
	logger   *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache
}

// NewInvoker creates an invoker
func NewInvoker(catalog *Catalog, registry *Registry, store artifacts.Store, opts Options) *Invoker {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	if opts.Device == "" {
		opts.Device = "cpu"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	inv := &Invoker{
		catalog:  catalog,
		registry: registry,
		store:    store,
		device:   opts.Device,
		slots:    semaphore.NewWeighted(opts.Slots),
		logger:   opts.Logger,
	}
	if opts.CacheSize > 0 {
		inv.cache = lru.New(opts.CacheSize)
	}
	return inv
}

// Catalog returns the catalog models are resolved from
func (inv *Invoker) Catalog() *Catalog {
	return inv.catalog
}

// Load resolves a model and builds it with its backend's loader.
//
// Returns:
//   - A ModelNotFoundError when the name does not resolve
//   - An InferenceError when the backend is unknown or the loader fails
//   - An InternalError when the store cannot be read
func (inv *Invoker) Load(ctx context.Context, name string) (*Loaded, error) {
	if l := inv.cached(name); l != nil {
		return l, nil
	}

	d, err := inv.catalog.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	loader, err := inv.registry.Lookup(d.Backend)
	if err != nil {
		return nil, models.NewError(models.InferenceError, fmt.Sprintf("model %q", name), err)
	}

	var weights []byte
	if key := d.WeightsKey(); key != "" {
		weights, err = inv.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				return nil, models.Errorf(models.ModelNotFoundError, "weights %q of model %q not found", d.Weights, name)
			}
			return nil, models.NewError(models.InternalError, fmt.Sprintf("reading weights of model %q", name), err)
		}
	}

	start := time.Now()
	m, err := loader(ctx, d, weights, inv.device)
	if err != nil {
		return nil, models.NewError(models.InferenceError, fmt.Sprintf("loading model %q", name), err)
	}
	inv.logger.Debug("model loaded", "model", name, "backend", d.Backend, "device", inv.device, "duration", time.Since(start))

	l := &Loaded{Descriptor: d, Model: m}
	inv.remember(name, l)
	return l, nil
}

func (inv *Invoker) cached(name string) *Loaded {
	if inv.cache == nil {
		return nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if v, ok := inv.cache.Get(name); ok {
		return v.(*Loaded)
	}
	return nil
}

func (inv *Invoker) remember(name string, l *Loaded) {
	if inv.cache == nil {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.cache.Add(name, l)
}

// Run executes one forward pass while holding a device slot and checks the
// output is (1, 1, X, Y, Z) over the input grid. A failing or panicking model
// is reported as an InferenceError.
func (inv *Invoker) Run(ctx context.Context, l *Loaded, in *tensor.Tensor) (*tensor.Tensor, error) {
	if err := inv.slots.Acquire(ctx, 1); err != nil {
		return nil, models.NewError(models.InferenceError, "waiting for a device slot", err)
	}
	defer inv.slots.Release(1)

	start := time.Now()
	out, err := inv.forward(ctx, l, in)
	if err != nil {
		return nil, models.NewError(models.InferenceError, fmt.Sprintf("model %q failed", l.Descriptor.Name), err)
	}
	if err := out.CheckShape(1, in.Spatial()); err != nil {
		return nil, models.NewError(models.InferenceError, fmt.Sprintf("model %q returned a mismatched output", l.Descriptor.Name), err)
	}
	inv.logger.Debug("forward pass", "model", l.Descriptor.Name, "grid", in.Spatial().String(), "duration", time.Since(start))
	return out, nil
}

func (inv *Invoker) forward(ctx context.Context, l *Loaded, in *tensor.Tensor) (out *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("model panicked", "model", l.Descriptor.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.Model.Forward(ctx, in)
}

// Invoke loads a model by name and runs it on in
func (inv *Invoker) Invoke(ctx context.Context, name string, in *tensor.Tensor) (*tensor.Tensor, error) {
	l, err := inv.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return inv.Run(ctx, l, in)
}

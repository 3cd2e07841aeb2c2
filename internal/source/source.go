package source

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/gantry/pkg/schema"
)

// ExecutionSource is the adapter contract for one workflow engine. Adapters
// translate gantry control actions into the engine's native API and map its
// status vocabulary into ExecutionState.
type ExecutionSource interface {
	// Name identifies the source in contexts, logs, and metrics.
	Name() string
	// Snapshot reads the ground-truth view of one execution.
	Snapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
	// Dispatch issues a control command. Accepted=false means the engine
	// declined; the detail is passed through verbatim.
	Dispatch(ctx context.Context, executionID string, action schema.Action, params map[string]any) (*schema.DispatchResult, error)
	// Ping checks source reachability for health reporting.
	Ping(ctx context.Context) error
}

// Info is the read-only description of a registered source.
type Info struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Default bool   `json:"default"`
}

// Registry holds the named execution sources. One source is the default and
// handles every execution id that does not name a source explicitly.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]ExecutionSource
	kinds       map[string]string
	defaultName string
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]ExecutionSource),
		kinds:   make(map[string]string),
	}
}

// Register adds a source under its name. The first registered source becomes
// the default; later calls can override with SetDefault.
func (r *Registry) Register(src ExecutionSource, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.Name()] = src
	r.kinds[src.Name()] = kind
	if r.defaultName == "" {
		r.defaultName = src.Name()
	}
}

// SetDefault marks an already-registered source as the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "source %q is not registered", name)
	}
	r.defaultName = name
	return nil
}

// Get returns the named source, or the default when name is empty.
func (r *Registry) Get(name string) (ExecutionSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	src, ok := r.sources[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "source %q is not registered", name)
	}
	return src, nil
}

// Default returns the default source.
func (r *Registry) Default() (ExecutionSource, error) {
	return r.Get("")
}

// List describes all registered sources, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, Info{
			Name:    name,
			Kind:    r.kinds[name],
			Default: name == r.defaultName,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps persistence system names to their builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global persistence registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder. The name should match the PersistenceSystem config
// value (for example "sqlite" or "postgres").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates a Store with the builder registered for cfg.GetPersistenceSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := cfg.GetPersistenceSystem()

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown persistence system: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg, logger)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a builder is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a Store using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Store, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}

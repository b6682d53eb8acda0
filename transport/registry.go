package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	ErrConfigRequired   = errors.New("transport: config is required")
	ErrUnknownTransport = errors.New("transport: unknown pubsub system")
)

type registration struct {
	build Builder
	caps  *Capabilities
}

// Registry maps PubSubSystem names to transport builders.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is filled by the transport packages' Register functions.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds name to builder. Capabilities registered earlier are kept.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[name]
	entry.build = builder
	r.entries[name] = entry
}

func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registration{build: builder, caps: &caps}
}

// GetCapabilities falls back to a value carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if caps, ok := r.LookupCapabilities(name); ok {
		return caps
	}
	return Capabilities{Name: name}
}

func (r *Registry) LookupCapabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok || entry.caps == nil {
		return Capabilities{}, false
	}
	return *entry.caps, true
}

// Build runs the builder registered for the configured PubSubSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	system := cfg.GetPubSubSystem()
	r.mu.RLock()
	build := r.entries[system].build
	r.mu.RUnlock()
	if build == nil {
		return Transport{}, fmt.Errorf("%w %q, registered: %v", ErrUnknownTransport, system, r.Names())
	}
	return build(ctx, cfg, logger)
}

// Names is sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

func Register(name string, builder Builder) { DefaultRegistry.Register(name, builder) }

func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}

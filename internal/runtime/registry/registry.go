// Package registry maps message kinds to the sagas that start or handle
// them. A Builder collects registrations during configuration; Build freezes
// them into a Registry that is never mutated afterwards and can be read from
// any goroutine without locking.
package registry

import "sort"

// Descriptor is the static registration record of a saga kind.
type Descriptor struct {
	SagaKind  string `json:"saga_kind"`
	StateKind string `json:"state_kind"`
	// Starts lists the message kinds that create a new saga instance.
	Starts []string `json:"starts"`
	// Handles lists the message kinds processed by an existing instance.
	Handles []string `json:"handles,omitempty"`
}

// MessageKinds returns Starts followed by Handles, without duplicates.
func (d Descriptor) MessageKinds() []string {
	seen := make(map[string]struct{}, len(d.Starts)+len(d.Handles))
	out := make([]string, 0, len(d.Starts)+len(d.Handles))
	for _, list := range [][]string{d.Starts, d.Handles} {
		for _, kind := range list {
			if _, ok := seen[kind]; ok {
				continue
			}
			seen[kind] = struct{}{}
			out = append(out, kind)
		}
	}
	return out
}

// CanStart reports whether kind creates a new instance of the saga.
func (d Descriptor) CanStart(kind string) bool {
	return contains(d.Starts, kind)
}

// CanHandle reports whether the saga accepts kind at all.
func (d Descriptor) CanHandle(kind string) bool {
	return contains(d.Starts, kind) || contains(d.Handles, kind)
}

func (d Descriptor) clone() Descriptor {
	d.Starts = append([]string(nil), d.Starts...)
	d.Handles = append([]string(nil), d.Handles...)
	return d
}

// Entry pairs a descriptor with the value dispatch needs for it, typically
// the saga runner.
type Entry[T any] struct {
	Descriptor Descriptor
	Value      T
}

// Builder accumulates registrations. It is not safe for concurrent use.
type Builder[T any] struct {
	entries []Entry[T]
	index   map[string]int
}

// NewBuilder returns an empty builder.
func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{index: make(map[string]int)}
}

// From seeds a builder with the registrations of a frozen registry, so
// sagas can be added to a running process.
func From[T any](r *Registry[T]) *Builder[T] {
	b := NewBuilder[T]()
	if r == nil {
		return b
	}
	for _, e := range r.entries {
		b.index[e.Descriptor.SagaKind] = len(b.entries)
		b.entries = append(b.entries, e)
	}
	return b
}

// Register records a saga. It returns false when the descriptor declares no
// message kinds; such a saga is not wired into dispatch. Registering a saga
// kind twice keeps the first registration.
func (b *Builder[T]) Register(desc Descriptor, value T) bool {
	if desc.SagaKind == "" || len(desc.MessageKinds()) == 0 {
		return false
	}
	if _, ok := b.index[desc.SagaKind]; ok {
		return true
	}
	b.index[desc.SagaKind] = len(b.entries)
	b.entries = append(b.entries, Entry[T]{Descriptor: desc.clone(), Value: value})
	return true
}

// Has reports whether sagaKind was registered.
func (b *Builder[T]) Has(sagaKind string) bool {
	_, ok := b.index[sagaKind]
	return ok
}

// Lookup returns the registration of sagaKind.
func (b *Builder[T]) Lookup(sagaKind string) (Entry[T], bool) {
	i, ok := b.index[sagaKind]
	if !ok {
		return Entry[T]{}, false
	}
	return b.entries[i], true
}

// Build freezes the registrations. The builder can keep being used; later
// registrations do not affect registries built before them.
func (b *Builder[T]) Build() *Registry[T] {
	r := &Registry[T]{
		entries: append([]Entry[T](nil), b.entries...),
		byKind:  make(map[string][]Entry[T]),
		bySaga:  make(map[string]Entry[T], len(b.entries)),
	}
	for _, e := range r.entries {
		r.bySaga[e.Descriptor.SagaKind] = e
		for _, kind := range e.Descriptor.MessageKinds() {
			r.byKind[kind] = append(r.byKind[kind], e)
		}
	}
	return r
}

// Registry is the frozen message kind to saga map.
type Registry[T any] struct {
	entries []Entry[T]
	byKind  map[string][]Entry[T]
	bySaga  map[string]Entry[T]
}

// Resolve returns the sagas accepting kind in registration order. The
// returned slice must not be modified.
func (r *Registry[T]) Resolve(kind string) []Entry[T] {
	if r == nil {
		return nil
	}
	return r.byKind[kind]
}

// Lookup returns the entry registered for sagaKind.
func (r *Registry[T]) Lookup(sagaKind string) (Entry[T], bool) {
	if r == nil {
		return Entry[T]{}, false
	}
	e, ok := r.bySaga[sagaKind]
	return e, ok
}

// Descriptors lists every registration in order.
func (r *Registry[T]) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Descriptor.clone())
	}
	return out
}

// MessageKinds lists every routed message kind, sorted.
func (r *Registry[T]) MessageKinds() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byKind))
	for kind := range r.byKind {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered sagas.
func (r *Registry[T]) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

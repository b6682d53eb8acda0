// Package saga declares sagas as data and drives one inbound message through
// a saga instance: load or create state, run the handler under a retry
// policy, then commit the state together with every produced message.
package saga

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	"github.com/drblury/sagaflow/internal/runtime/registry"
)

// Handler processes message M on a saga instance.
type Handler[S State, M messages.Message] func(ctx context.Context, saga *Instance[S], msg M) error

// Saga is the type-erased view of a Definition used by registration and
// dispatch.
type Saga interface {
	Kind() string
	Descriptor() registry.Descriptor
	// Prototypes maps every declared message kind to a constructor of fresh
	// values, used to decode inbound payloads.
	Prototypes() map[string]func() any
	Validate() error
	NewRunner(env Env) Runner
}

type step[S State] struct {
	kind      string
	starts    bool
	prototype func() any
	accepts   func(msg messages.Message) bool
	run       func(ctx context.Context, inst *Instance[S], msg messages.Message) error
	newState  func(msg messages.Message) S
}

// Definition is the capability set of one saga kind: which message kinds
// start it, which it handles, and the handler bound to each.
type Definition[S State] struct {
	kind     string
	newState func(correlationID string) S
	steps    map[string]*step[S]
	order    []string
	retry    *RetryPolicy
}

var _ Saga = (*Definition[*StateBase])(nil)

// NewDefinition declares a saga kind. newState builds the zero state of a new
// instance and is also used to decode stored state.
func NewDefinition[S State](kind string, newState func(correlationID string) S) *Definition[S] {
	return &Definition[S]{
		kind:     kind,
		newState: newState,
		steps:    make(map[string]*step[S]),
	}
}

// StartedBy declares that M creates a new instance.
func StartedBy[S State, M messages.Message](def *Definition[S], handler Handler[S, M]) error {
	return declare(def, handler, true, nil)
}

// StartedWith is StartedBy with a state factory fed by the starting message.
func StartedWith[S State, M messages.Message](def *Definition[S], newState func(msg M) S, handler Handler[S, M]) error {
	if newState == nil {
		return errspkg.ErrStateFactoryRequired
	}
	return declare(def, handler, true, func(msg messages.Message) S {
		return newState(msg.(M))
	})
}

// Handles declares that M is processed by an already started instance.
func Handles[S State, M messages.Message](def *Definition[S], handler Handler[S, M]) error {
	return declare(def, handler, false, nil)
}

func declare[S State, M messages.Message](def *Definition[S], handler Handler[S, M], starts bool, newState func(messages.Message) S) error {
	if def == nil {
		return errspkg.ErrSagaKindRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	factory, err := messages.PrototypeFactory[M]()
	if err != nil {
		return err
	}
	kind := messages.KindOf(factory())
	if _, exists := def.steps[kind]; exists {
		return fmt.Errorf("%w: saga %s, message %s", errspkg.ErrMessageKindDeclared, def.kind, kind)
	}

	def.steps[kind] = &step[S]{
		kind:      kind,
		starts:    starts,
		prototype: func() any { return factory() },
		accepts: func(msg messages.Message) bool {
			_, ok := msg.(M)
			return ok
		},
		newState: newState,
		run: func(ctx context.Context, inst *Instance[S], msg messages.Message) error {
			return handler(ctx, inst, msg.(M))
		},
	}
	def.order = append(def.order, kind)
	return nil
}

// WithRetryPolicy overrides the service-wide retry policy for this saga.
func (d *Definition[S]) WithRetryPolicy(p RetryPolicy) *Definition[S] {
	d.retry = &p
	return d
}

// Kind returns the saga kind.
func (d *Definition[S]) Kind() string { return d.kind }

// StateKind returns the Go type name of the state.
func (d *Definition[S]) StateKind() string {
	return fmt.Sprintf("%T", *new(S))
}

func (d *Definition[S]) Descriptor() registry.Descriptor {
	desc := registry.Descriptor{SagaKind: d.kind, StateKind: d.StateKind()}
	for _, kind := range d.order {
		if d.steps[kind].starts {
			desc.Starts = append(desc.Starts, kind)
		} else {
			desc.Handles = append(desc.Handles, kind)
		}
	}
	return desc
}

func (d *Definition[S]) Prototypes() map[string]func() any {
	out := make(map[string]func() any, len(d.steps))
	for kind, st := range d.steps {
		out[kind] = st.prototype
	}
	return out
}

// Validate checks the parts a runner cannot work without.
func (d *Definition[S]) Validate() error {
	if d.kind == "" {
		return errspkg.ErrSagaKindRequired
	}
	if d.newState == nil {
		return fmt.Errorf("%w: saga %s", errspkg.ErrStateFactoryRequired, d.kind)
	}
	if isNil(d.newState("")) {
		return fmt.Errorf("%w: saga %s state factory returned nil", errspkg.ErrStateFactoryRequired, d.kind)
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

package saga

import (
	"context"

	"github.com/drblury/sagaflow/internal/runtime/bus"
	"github.com/drblury/sagaflow/internal/runtime/messages"
)

// Instance is what a handler works on: the saga state plus a bus whose
// messages are committed together with the state.
type Instance[S State] struct {
	State S

	bus       *bus.Collector
	completed bool
}

var _ bus.Bus = (*Instance[*StateBase])(nil)

func newInstance[S State](state S, collector *bus.Collector) *Instance[S] {
	return &Instance[S]{State: state, bus: collector}
}

// CorrelationID returns the id of the saga instance.
func (i *Instance[S]) CorrelationID() string {
	return i.State.base().ID
}

// Publish stages an event.
func (i *Instance[S]) Publish(ctx context.Context, msg messages.Message) error {
	return i.bus.Publish(ctx, msg)
}

// Send stages a command. The message must carry a correlation id.
func (i *Instance[S]) Send(ctx context.Context, msg messages.Message) error {
	return i.bus.Send(ctx, msg)
}

// MarkAsCompleted flags the saga completed once the invocation commits.
func (i *Instance[S]) MarkAsCompleted() {
	i.completed = true
}

// IsCompleted reports whether the saga is, or is about to be, completed.
func (i *Instance[S]) IsCompleted() bool {
	return i.completed || i.State.base().Completed
}

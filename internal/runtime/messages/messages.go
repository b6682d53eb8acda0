// Package messages defines the message contract sagas exchange and how a
// message's kind is derived.
package messages

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/ids"
)

// Message is implemented by every value routed through sagaflow. The getter
// names match protobuf generated code, so proto messages declaring `id` and
// `correlation_id` fields satisfy it without wrappers.
type Message interface {
	GetId() string
	GetCorrelationId() string
}

// Kinded lets a message choose its routing kind. Messages that do not
// implement it are routed by their Go type name.
type Kinded interface {
	MessageKind() string
}

// Base gives plain structs the Message contract when embedded.
type Base struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id"`
}

// NewBase returns a Base with a fresh ULID for the given correlation id.
func NewBase(correlationID string) Base {
	return Base{ID: ids.NewMessageID(), CorrelationID: correlationID}
}

func (b Base) GetId() string            { return b.ID }
func (b Base) GetCorrelationId() string { return b.CorrelationID }

// KindOf returns the routing kind of msg: MessageKind() when implemented,
// the full protobuf name for proto messages, the Go type name otherwise.
func KindOf(msg any) string {
	if k, ok := msg.(Kinded); ok {
		if kind := k.MessageKind(); kind != "" {
			return kind
		}
	}
	if pm, ok := msg.(proto.Message); ok {
		return string(pm.ProtoReflect().Descriptor().FullName())
	}
	return fmt.Sprintf("%T", msg)
}

// Validate checks the identity fields every message must carry.
func Validate(msg Message) error {
	if msg == nil || reflect.ValueOf(msg).Kind() == reflect.Ptr && reflect.ValueOf(msg).IsNil() {
		return errspkg.ErrMessageRequired
	}
	if msg.GetId() == "" {
		return errspkg.ErrMessageIDRequired
	}
	return nil
}

// PrototypeFactory returns a constructor for fresh zero values of T. T must be
// a pointer type so decoders can fill it.
func PrototypeFactory[T Message]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

// KindFor returns the routing kind of the message type T.
func KindFor[T Message]() (string, error) {
	factory, err := PrototypeFactory[T]()
	if err != nil {
		return "", err
	}
	return KindOf(factory()), nil
}

// Package bus is the only way sagas and client code produce messages. Both
// implementations stage messages in the outbox; the transport is only ever
// touched by the outbox processor.
package bus

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
)

// Bus produces messages.
type Bus interface {
	// Publish broadcasts an event. The correlation id may be empty.
	Publish(ctx context.Context, msg messages.Message) error
	// Send delivers a command to the saga instance named by the message's
	// correlation id, which is therefore required.
	Send(ctx context.Context, msg messages.Message) error
}

// Encoder turns a message into an outbox entry.
type Encoder struct {
	serializer serializer.Serializer
	senderID   string
	now        func() time.Time
}

// NewEncoder returns an Encoder stamping senderID on every entry.
func NewEncoder(s serializer.Serializer, senderID string) *Encoder {
	if s == nil {
		s = serializer.New()
	}
	return &Encoder{serializer: s, senderID: senderID, now: time.Now}
}

// Encode serializes msg and builds its headers. The trace context of ctx is
// propagated through the headers.
func (e *Encoder) Encode(ctx context.Context, msg messages.Message) (persistence.OutboxMessage, error) {
	if err := messages.Validate(msg); err != nil {
		return persistence.OutboxMessage{}, err
	}
	payload, err := e.serializer.Serialize(msg)
	if err != nil {
		return persistence.OutboxMessage{}, fmt.Errorf("serialize message %s: %w", msg.GetId(), err)
	}

	kind := messages.KindOf(msg)
	now := e.now().UTC()
	md := metadata.New(
		metadata.KeyMessageKind, kind,
		metadata.KeyMessageID, msg.GetId(),
		metadata.KeyCreatedAt, now.Format(time.RFC3339Nano),
	)
	if corr := msg.GetCorrelationId(); corr != "" {
		md[metadata.KeyCorrelationID] = corr
	}
	if e.senderID != "" {
		md[metadata.KeySenderID] = e.senderID
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(md))

	return persistence.OutboxMessage{
		ID:            msg.GetId(),
		CorrelationID: msg.GetCorrelationId(),
		Kind:          kind,
		Payload:       payload,
		Metadata:      md,
		CreatedAt:     now,
	}, nil
}

func (e *Encoder) encodeCommand(ctx context.Context, msg messages.Message) (persistence.OutboxMessage, error) {
	if err := messages.Validate(msg); err != nil {
		return persistence.OutboxMessage{}, err
	}
	if msg.GetCorrelationId() == "" {
		return persistence.OutboxMessage{}, fmt.Errorf("send %s: %w", messages.KindOf(msg), errspkg.ErrCorrelationIDRequired)
	}
	return e.Encode(ctx, msg)
}

// Collector stages the messages produced by one handler invocation. The
// saga runner appends them in the same unit of work as the state change.
type Collector struct {
	enc    *Encoder
	staged []persistence.OutboxMessage
	ids    map[string]struct{}
}

var _ Bus = (*Collector)(nil)

// NewCollector returns an empty Collector.
func NewCollector(enc *Encoder) *Collector {
	return &Collector{enc: enc, ids: make(map[string]struct{})}
}

func (c *Collector) Publish(ctx context.Context, msg messages.Message) error {
	out, err := c.enc.Encode(ctx, msg)
	if err != nil {
		return err
	}
	return c.stage(out)
}

func (c *Collector) Send(ctx context.Context, msg messages.Message) error {
	out, err := c.enc.encodeCommand(ctx, msg)
	if err != nil {
		return err
	}
	return c.stage(out)
}

func (c *Collector) stage(out persistence.OutboxMessage) error {
	if _, dup := c.ids[out.ID]; dup {
		return fmt.Errorf("%w: %s", persistence.ErrDuplicateMessage, out.ID)
	}
	c.ids[out.ID] = struct{}{}
	c.staged = append(c.staged, out)
	return nil
}

// Staged returns the collected entries in production order.
func (c *Collector) Staged() []persistence.OutboxMessage {
	return c.staged
}

// OutboxBus appends straight to the outbox repository. It is the bus
// exposed to code running outside a saga handler.
type OutboxBus struct {
	enc  *Encoder
	repo persistence.OutboxRepository
}

var _ Bus = (*OutboxBus)(nil)

// NewOutboxBus returns a bus writing to repo.
func NewOutboxBus(enc *Encoder, repo persistence.OutboxRepository) *OutboxBus {
	return &OutboxBus{enc: enc, repo: repo}
}

func (b *OutboxBus) Publish(ctx context.Context, msg messages.Message) error {
	out, err := b.enc.Encode(ctx, msg)
	if err != nil {
		return err
	}
	return b.repo.Append(ctx, out)
}

func (b *OutboxBus) Send(ctx context.Context, msg messages.Message) error {
	out, err := b.enc.encodeCommand(ctx, msg)
	if err != nil {
		return err
	}
	return b.repo.Append(ctx, out)
}

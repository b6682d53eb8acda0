package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
	"github.com/drblury/sagaflow/persistence/memory"
)

type invoiceIssued struct {
	messages.Base
	Amount int `json:"amount"`
}

func (invoiceIssued) MessageKind() string { return "billing.invoice_issued" }

func newEncoder() *Encoder {
	enc := NewEncoder(serializer.New(), "client-1")
	enc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return enc
}

func TestEncode(t *testing.T) {
	msg := &invoiceIssued{Base: messages.NewBase("c1"), Amount: 42}

	out, err := newEncoder().Encode(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, out.ID)
	assert.Equal(t, "c1", out.CorrelationID)
	assert.Equal(t, "billing.invoice_issued", out.Kind)
	assert.JSONEq(t, `{"id":"`+msg.ID+`","correlation_id":"c1","amount":42}`, string(out.Payload))

	md := metadata.Metadata(out.Metadata)
	assert.Equal(t, "billing.invoice_issued", md.Kind())
	assert.Equal(t, "c1", md.CorrelationID())
	assert.Equal(t, "client-1", md[metadata.KeySenderID])
	assert.Equal(t, msg.ID, md[metadata.KeyMessageID])
	assert.Equal(t, "2026-01-02T03:04:05Z", md[metadata.KeyCreatedAt])
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	enc := newEncoder()

	_, err := enc.Encode(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrMessageRequired)

	_, err = enc.Encode(context.Background(), &invoiceIssued{})
	assert.ErrorIs(t, err, errspkg.ErrMessageIDRequired)
}

func TestCollectorStagesInOrder(t *testing.T) {
	c := NewCollector(newEncoder())
	ctx := context.Background()

	first := &invoiceIssued{Base: messages.NewBase("")}
	second := &invoiceIssued{Base: messages.NewBase("c2")}

	require.NoError(t, c.Publish(ctx, first))
	require.NoError(t, c.Send(ctx, second))

	staged := c.Staged()
	require.Len(t, staged, 2)
	assert.Equal(t, first.ID, staged[0].ID)
	assert.Equal(t, second.ID, staged[1].ID)
	assert.NotContains(t, staged[0].Metadata, metadata.KeyCorrelationID)
}

func TestCollectorRejectsDuplicatesAndUncorrelatedCommands(t *testing.T) {
	c := NewCollector(newEncoder())
	ctx := context.Background()

	msg := &invoiceIssued{Base: messages.NewBase("c1")}
	require.NoError(t, c.Publish(ctx, msg))
	assert.ErrorIs(t, c.Publish(ctx, msg), persistence.ErrDuplicateMessage)

	err := c.Send(ctx, &invoiceIssued{Base: messages.NewBase("")})
	assert.ErrorIs(t, err, errspkg.ErrCorrelationIDRequired)
	assert.Len(t, c.Staged(), 1)
}

func TestOutboxBusAppendsPending(t *testing.T) {
	store := memory.New(memory.Options{})
	b := NewOutboxBus(newEncoder(), store)
	ctx := context.Background()

	msg := &invoiceIssued{Base: messages.NewBase("c1")}
	require.NoError(t, b.Send(ctx, msg))

	got, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusPending, got.Status)
	assert.Equal(t, "billing.invoice_issued", got.Kind)

	assert.ErrorIs(t, b.Publish(ctx, msg), persistence.ErrDuplicateMessage)
	assert.ErrorIs(t, b.Send(ctx, &invoiceIssued{Base: messages.NewBase("")}), errspkg.ErrCorrelationIDRequired)
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderDescriptor() Descriptor {
	return Descriptor{
		SagaKind:  "orders",
		StateKind: "*app.OrderState",
		Starts:    []string{"order.placed"},
		Handles:   []string{"payment.received", "order.shipped"},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	b := NewBuilder[string]()
	require.True(t, b.Register(orderDescriptor(), "orders-runner"))
	require.True(t, b.Register(Descriptor{
		SagaKind: "billing",
		Starts:   []string{"payment.received"},
	}, "billing-runner"))

	r := b.Build()

	entries := r.Resolve("payment.received")
	require.Len(t, entries, 2)
	assert.Equal(t, "orders-runner", entries[0].Value)
	assert.Equal(t, "billing-runner", entries[1].Value)

	assert.Empty(t, r.Resolve("unknown"))
	assert.Equal(t, []string{"order.placed", "order.shipped", "payment.received"}, r.MessageKinds())
	assert.Equal(t, 2, r.Len())
}

func TestRegisterWithoutKindsIsNoOp(t *testing.T) {
	b := NewBuilder[int]()
	assert.False(t, b.Register(Descriptor{SagaKind: "empty"}, 1))
	assert.False(t, b.Register(Descriptor{Starts: []string{"x"}}, 2))
	assert.False(t, b.Has("empty"))
	assert.Zero(t, b.Build().Len())
}

func TestRegisterIsIdempotentBySagaKind(t *testing.T) {
	b := NewBuilder[int]()
	require.True(t, b.Register(orderDescriptor(), 1))
	require.True(t, b.Register(orderDescriptor(), 2))

	r := b.Build()
	require.Equal(t, 1, r.Len())
	e, ok := r.Lookup("orders")
	require.True(t, ok)
	assert.Equal(t, 1, e.Value)
}

func TestBuilderLookup(t *testing.T) {
	b := NewBuilder[int]()
	_, ok := b.Lookup("orders")
	assert.False(t, ok)

	require.True(t, b.Register(orderDescriptor(), 7))
	e, ok := b.Lookup("orders")
	require.True(t, ok)
	assert.Equal(t, 7, e.Value)
	assert.Equal(t, orderDescriptor(), e.Descriptor)
}

func TestBuildFreezesRegistrations(t *testing.T) {
	desc := orderDescriptor()
	b := NewBuilder[int]()
	b.Register(desc, 1)
	r := b.Build()

	desc.Starts[0] = "mutated"
	b.Register(Descriptor{SagaKind: "late", Handles: []string{"late.kind"}}, 2)

	assert.Len(t, r.Resolve("order.placed"), 1)
	assert.Empty(t, r.Resolve("late.kind"))
	assert.Equal(t, 1, r.Len())

	d := r.Descriptors()
	d[0].Handles[0] = "mutated"
	assert.Len(t, r.Resolve("payment.received"), 1)
}

func TestFromSeedsHotAdd(t *testing.T) {
	b := NewBuilder[int]()
	b.Register(orderDescriptor(), 1)
	first := b.Build()

	next := From(first)
	assert.True(t, next.Has("orders"))
	next.Register(Descriptor{SagaKind: "shipping", Starts: []string{"order.shipped"}}, 2)
	second := next.Build()

	assert.Equal(t, 1, first.Len())
	assert.Equal(t, 2, second.Len())
	assert.Len(t, second.Resolve("order.shipped"), 2)
	assert.Len(t, first.Resolve("order.shipped"), 1)
}

func TestDescriptorCapabilities(t *testing.T) {
	d := orderDescriptor()
	d.Handles = append(d.Handles, "order.placed")

	assert.True(t, d.CanStart("order.placed"))
	assert.False(t, d.CanStart("payment.received"))
	assert.True(t, d.CanHandle("payment.received"))
	assert.False(t, d.CanHandle("other"))
	assert.Equal(t, []string{"order.placed", "payment.received", "order.shipped"}, d.MessageKinds())
}

func TestNilRegistry(t *testing.T) {
	var r *Registry[int]
	assert.Nil(t, r.Resolve("x"))
	assert.Zero(t, r.Len())
	assert.Nil(t, r.Descriptors())
	_, ok := r.Lookup("x")
	assert.False(t, ok)
	assert.Zero(t, From(r).Build().Len())
}

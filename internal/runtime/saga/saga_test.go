package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
	"github.com/drblury/sagaflow/persistence/memory"
)

func orderDefinition(t *testing.T) *Definition[*orderState] {
	t.Helper()
	def := NewDefinition("orders", newOrderState)
	require.NoError(t, StartedBy(def, func(ctx context.Context, s *Instance[*orderState], msg *orderPlaced) error {
		s.State.Total = msg.Total
		return nil
	}))
	require.NoError(t, Handles(def, func(ctx context.Context, s *Instance[*orderState], msg *paymentReceived) error {
		s.State.Paid += msg.Amount
		s.State.Payments++
		if s.State.Paid >= s.State.Total {
			return s.Send(ctx, &shipOrder{Base: messages.NewBase(s.CorrelationID())})
		}
		return nil
	}))
	require.NoError(t, Handles(def, func(ctx context.Context, s *Instance[*orderState], msg *orderShipped) error {
		s.MarkAsCompleted()
		return nil
	}))
	return def
}

func loadOrder(t *testing.T, store *memory.Store, correlationID string) (*orderState, persistence.StateRecord) {
	t.Helper()
	rec, err := store.LoadState(context.Background(), "orders", correlationID)
	require.NoError(t, err)
	state := &orderState{}
	require.NoError(t, serializer.Unmarshal(rec.Data, state))
	return state, rec
}

func TestDefinitionDescriptor(t *testing.T) {
	def := orderDefinition(t)

	desc := def.Descriptor()
	assert.Equal(t, "orders", desc.SagaKind)
	assert.Equal(t, "*saga.orderState", desc.StateKind)
	assert.Equal(t, []string{"orders.placed"}, desc.Starts)
	assert.Equal(t, []string{"orders.payment_received", "orders.shipped"}, desc.Handles)

	protos := def.Prototypes()
	require.Len(t, protos, 3)
	assert.IsType(t, &paymentReceived{}, protos["orders.payment_received"]())
	assert.NoError(t, def.Validate())
}

func TestDefinitionRejectsInvalidDeclarations(t *testing.T) {
	def := orderDefinition(t)

	err := Handles(def, func(context.Context, *Instance[*orderState], *orderPlaced) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrMessageKindDeclared)

	assert.ErrorIs(t, Handles[*orderState, *shipOrder](def, nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, StartedWith[*orderState, *shipOrder](def, nil, nil), errspkg.ErrStateFactoryRequired)

	assert.ErrorIs(t, NewDefinition[*orderState]("", newOrderState).Validate(), errspkg.ErrSagaKindRequired)
	assert.ErrorIs(t, NewDefinition[*orderState]("x", nil).Validate(), errspkg.ErrStateFactoryRequired)
	assert.ErrorIs(t, NewDefinition("x", func(string) *orderState { return nil }).Validate(), errspkg.ErrStateFactoryRequired)
}

func TestSagaLifecycle(t *testing.T) {
	store := memory.New(memory.Options{})
	r := orderDefinition(t).NewRunner(newEnv(store))
	ctx := context.Background()

	res, err := r.Run(ctx, &orderPlaced{Base: messages.NewBase("c1"), Total: 10})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "orders", res.SagaKind)

	state, rec := loadOrder(t, store, "c1")
	assert.Equal(t, "c1", state.ID)
	assert.Equal(t, 10, state.Total)
	assert.EqualValues(t, 1, rec.Version)

	res, err = r.Run(ctx, &paymentReceived{Base: messages.NewBase("c1"), Amount: 10})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 1, res.Produced)

	state, rec = loadOrder(t, store, "c1")
	assert.Equal(t, 10, state.Paid)
	assert.EqualValues(t, 2, rec.Version)
	assert.False(t, rec.Completed)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "shipping.ship_order", pending[0].Kind)
	assert.Equal(t, "c1", pending[0].CorrelationID)

	res, err = r.Run(ctx, &orderShipped{Base: messages.NewBase("c1")})
	require.NoError(t, err)
	assert.True(t, res.Completed)

	state, rec = loadOrder(t, store, "c1")
	assert.True(t, rec.Completed)
	assert.True(t, state.IsCompleted())

	// Completed sagas keep receiving declared messages.
	_, err = r.Run(ctx, &paymentReceived{Base: messages.NewBase("c1"), Amount: 1})
	require.NoError(t, err)
	state, rec = loadOrder(t, store, "c1")
	assert.Equal(t, 11, state.Paid)
	assert.True(t, rec.Completed)
}

func TestHandlingMessageWithoutStartedSaga(t *testing.T) {
	store := memory.New(memory.Options{})
	r := orderDefinition(t).NewRunner(newEnv(store))

	_, err := r.Run(context.Background(), &paymentReceived{Base: messages.NewBase("missing")})
	assert.ErrorIs(t, err, persistence.ErrStateNotFound)

	_, err = store.LoadState(context.Background(), "orders", "missing")
	assert.ErrorIs(t, err, persistence.ErrStateNotFound)
}

func TestRunRejectsUnroutableMessages(t *testing.T) {
	r := orderDefinition(t).NewRunner(newEnv(memory.New(memory.Options{})))
	ctx := context.Background()

	_, err := r.Run(ctx, &shipOrder{Base: messages.NewBase("c1")})
	assert.ErrorIs(t, err, errspkg.ErrUnknownMessageKind)

	_, err = r.Run(ctx, &orderPlaced{Base: messages.NewBase("")})
	assert.ErrorIs(t, err, errspkg.ErrCorrelationIDRequired)

	_, err = r.Run(ctx, &orderPlaced{})
	assert.ErrorIs(t, err, errspkg.ErrMessageIDRequired)
}

func TestHandlerRetriesStartFromCleanState(t *testing.T) {
	store := memory.New(memory.Options{})
	var calls atomic.Int32

	def := NewDefinition("orders", newOrderState)
	require.NoError(t, StartedBy(def, func(ctx context.Context, s *Instance[*orderState], msg *orderPlaced) error {
		s.State.Total += msg.Total
		if err := s.Publish(ctx, &shipOrder{Base: messages.NewBase(msg.CorrelationID)}); err != nil {
			return err
		}
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	res, err := def.NewRunner(newEnv(store)).Run(context.Background(), &orderPlaced{Base: messages.NewBase("c1"), Total: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, res.HandlerAttempts)
	assert.Equal(t, 1, res.Produced)

	state, _ := loadOrder(t, store, "c1")
	assert.Equal(t, 5, state.Total)

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHandlerFailureLeavesNothingBehind(t *testing.T) {
	store := memory.New(memory.Options{})
	var calls atomic.Int32

	def := NewDefinition("orders", newOrderState).WithRetryPolicy(fastRetry(2))
	require.NoError(t, StartedBy(def, func(ctx context.Context, s *Instance[*orderState], msg *orderPlaced) error {
		calls.Add(1)
		_ = s.Publish(ctx, &shipOrder{Base: messages.NewBase(msg.CorrelationID)})
		return errors.New("boom")
	}))

	res, err := def.NewRunner(newEnv(store)).Run(context.Background(), &orderPlaced{Base: messages.NewBase("c1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrHandlerFailed)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 2, res.HandlerAttempts)
	assert.EqualValues(t, 2, calls.Load())

	_, err = store.LoadState(context.Background(), "orders", "c1")
	assert.ErrorIs(t, err, persistence.ErrStateNotFound)
	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPermanentErrorStopsRetries(t *testing.T) {
	var calls atomic.Int32
	permanent := errors.New("invalid order")

	def := NewDefinition("orders", newOrderState)
	require.NoError(t, StartedBy(def, func(context.Context, *Instance[*orderState], *orderPlaced) error {
		calls.Add(1)
		return Permanent(permanent)
	}))

	_, err := def.NewRunner(newEnv(memory.New(memory.Options{}))).Run(context.Background(), &orderPlaced{Base: messages.NewBase("c1")})
	assert.ErrorIs(t, err, permanent)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDuplicateDeliveryIsSkipped(t *testing.T) {
	store := memory.New(memory.Options{})
	r := orderDefinition(t).NewRunner(newEnv(store))
	ctx := context.Background()

	_, err := r.Run(ctx, &orderPlaced{Base: messages.NewBase("c1"), Total: 10})
	require.NoError(t, err)

	payment := &paymentReceived{Base: messages.NewBase("c1"), Amount: 4}
	_, err = r.Run(ctx, payment)
	require.NoError(t, err)

	res, err := r.Run(ctx, payment)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	state, rec := loadOrder(t, store, "c1")
	assert.Equal(t, 4, state.Paid)
	assert.Equal(t, 1, state.Payments)
	assert.EqualValues(t, 2, rec.Version)
	assert.True(t, state.HasProcessed(payment.ID))
}

func TestStartedWithUsesMessageFactory(t *testing.T) {
	store := memory.New(memory.Options{})
	def := NewDefinition("orders", newOrderState)
	require.NoError(t, StartedWith(def,
		func(msg *orderPlaced) *orderState { return &orderState{Total: msg.Total * 2} },
		func(context.Context, *Instance[*orderState], *orderPlaced) error { return nil },
	))

	_, err := def.NewRunner(newEnv(store)).Run(context.Background(), &orderPlaced{Base: messages.NewBase("c1"), Total: 3})
	require.NoError(t, err)

	state, _ := loadOrder(t, store, "c1")
	assert.Equal(t, 6, state.Total)
	assert.Equal(t, "c1", state.ID)
}

func TestVersionConflictRerunsInvocation(t *testing.T) {
	store := &conflictingStore{Store: memory.New(memory.Options{})}
	def := orderDefinition(t)
	ctx := context.Background()

	_, err := def.NewRunner(newEnv(store.Store)).Run(ctx, &orderPlaced{Base: messages.NewBase("c1"), Total: 5})
	require.NoError(t, err)

	store.remaining = 1
	res, err := def.NewRunner(newEnv(store)).Run(ctx, &paymentReceived{Base: messages.NewBase("c1"), Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictRetries)
	assert.Equal(t, 1, res.Produced)

	state, rec := loadOrder(t, store.Store, "c1")
	assert.Equal(t, 5, state.Paid)
	assert.EqualValues(t, 3, rec.Version)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestVersionConflictExhaustion(t *testing.T) {
	store := &conflictingStore{Store: memory.New(memory.Options{})}
	def := orderDefinition(t)
	ctx := context.Background()

	_, err := def.NewRunner(newEnv(store.Store)).Run(ctx, &orderPlaced{Base: messages.NewBase("c1"), Total: 5})
	require.NoError(t, err)

	store.remaining = 10
	env := newEnv(store)
	env.ConflictAttempts = 2
	res, err := def.NewRunner(env).Run(ctx, &paymentReceived{Base: messages.NewBase("c1"), Amount: 5})
	assert.ErrorIs(t, err, persistence.ErrVersionConflict)
	assert.Equal(t, 1, res.ConflictRetries)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConcurrentInvocationsCommitEveryMessage(t *testing.T) {
	store := memory.New(memory.Options{})
	env := newEnv(store)
	env.ConflictAttempts = 50
	r := orderDefinition(t).NewRunner(env)
	ctx := context.Background()

	_, err := r.Run(ctx, &orderPlaced{Base: messages.NewBase("c1"), Total: 1000})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Run(ctx, &paymentReceived{Base: messages.NewBase("c1"), Amount: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	state, rec := loadOrder(t, store, "c1")
	assert.Equal(t, workers, state.Payments)
	assert.Equal(t, workers, state.Paid)
	assert.EqualValues(t, workers+1, rec.Version)
}

func TestConcurrentStartsCreateOneState(t *testing.T) {
	store := memory.New(memory.Options{})
	r := orderDefinition(t).NewRunner(newEnv(store))
	ctx := context.Background()

	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Run(ctx, &orderPlaced{Base: messages.NewBase("c1"), Total: 7})
			if err == nil && res.Created {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	_, rec := loadOrder(t, store, "c1")
	assert.EqualValues(t, 4, rec.Version)
}

func TestStateBaseProcessedWindow(t *testing.T) {
	var s StateBase
	for i := 0; i < MaxProcessedMessages+10; i++ {
		s.markProcessed(messages.NewBase("").ID)
	}
	assert.Len(t, s.ProcessedMessages, MaxProcessedMessages)

	s.markProcessed(s.ProcessedMessages[0])
	assert.Len(t, s.ProcessedMessages, MaxProcessedMessages)
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, MaxInterval: time.Millisecond}.withDefaults()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.MaxInterval)

	assert.Equal(t, 1, NoRetry().MaxAttempts)
	assert.Equal(t, 3, DefaultRetryPolicy().MaxAttempts)
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Hour, MaxInterval: time.Hour}.execute(ctx, func() error {
		return errors.New("fail")
	})
	assert.Error(t, err)
	assert.LessOrEqual(t, attempts, 1)
}

package saga

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/bus"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
	"github.com/drblury/sagaflow/persistence/memory"
)

type orderPlaced struct {
	messages.Base
	Total int `json:"total"`
}

func (orderPlaced) MessageKind() string { return "orders.placed" }

type paymentReceived struct {
	messages.Base
	Amount int `json:"amount"`
}

func (paymentReceived) MessageKind() string { return "orders.payment_received" }

type orderShipped struct {
	messages.Base
}

func (orderShipped) MessageKind() string { return "orders.shipped" }

type shipOrder struct {
	messages.Base
}

func (shipOrder) MessageKind() string { return "shipping.ship_order" }

type orderState struct {
	StateBase
	Total    int `json:"total"`
	Paid     int `json:"paid"`
	Payments int `json:"payments"`
}

func newOrderState(string) *orderState { return &orderState{} }

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newEnv(store Store) Env {
	return Env{
		Store:   store,
		Encoder: bus.NewEncoder(serializer.New(), "test-client"),
		Retry:   fastRetry(3),
	}
}

// conflictingStore commits a competing write before the first n transactions
// so the runner observes version conflicts.
type conflictingStore struct {
	*memory.Store

	mu        sync.Mutex
	remaining int
}

func (c *conflictingStore) Transact(ctx context.Context, fn func(ctx context.Context, s persistence.Session) error) error {
	c.mu.Lock()
	inject := c.remaining > 0
	if inject {
		c.remaining--
	}
	c.mu.Unlock()

	if inject {
		if err := c.bump(ctx); err != nil {
			return err
		}
	}
	return c.Store.Transact(ctx, fn)
}

func (c *conflictingStore) bump(ctx context.Context) error {
	rec, err := c.Store.LoadState(ctx, "orders", "c1")
	if err != nil {
		return err
	}
	return c.Store.Transact(ctx, func(ctx context.Context, s persistence.Session) error {
		_, err := s.SaveState(ctx, rec, rec.Version)
		return err
	})
}

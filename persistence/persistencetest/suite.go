// Package persistencetest holds the behavioural suite every persistence
// backend must pass. Backend packages call Run from their own tests.
package persistencetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/persistence"
)

// Clock is a manually advanced time source shared with the store under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory opens an empty store driven by clock with the given lock timeout.
type Factory func(t *testing.T, clock *Clock, lockTimeout time.Duration) persistence.Store

const testLockTimeout = time.Minute

// NewMessage builds a pending outbox entry with a small JSON payload.
func NewMessage(id string) persistence.OutboxMessage {
	return persistence.OutboxMessage{
		ID:            id,
		CorrelationID: "corr-" + id,
		Kind:          "test.message",
		Payload:       []byte(`{"id":"` + id + `"}`),
		Metadata:      map[string]string{"source": "suite"},
	}
}

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("outbox", func(t *testing.T) { RunOutboxRepositoryTests(t, newStore) })
	t.Run("state", func(t *testing.T) { RunStateStoreTests(t, newStore) })
	t.Run("unit of work", func(t *testing.T) { RunUnitOfWorkTests(t, newStore) })
}

func open(t *testing.T, newStore Factory) (persistence.Store, *Clock) {
	t.Helper()
	clock := NewClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	store := newStore(t, clock, testLockTimeout)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func requireOutcome(t *testing.T, err error, sentinel error, want persistence.Outcome) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
	outcome, ok := persistence.OutcomeOf(err)
	require.True(t, ok, "expected an outbox protocol error, got %v", err)
	assert.Equal(t, want, outcome)
}

// RunOutboxRepositoryTests covers the append/lock/release/clean protocol.
func RunOutboxRepositoryTests(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("append then lock grants a token", func(t *testing.T) {
		store, _ := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))

		lockID, err := store.Lock(ctx, "m1")
		require.NoError(t, err)
		require.NotEmpty(t, lockID)

		stored, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, persistence.StatusLocked, stored.Status)
		assert.Equal(t, lockID, stored.LockID)
		assert.NotNil(t, stored.LockTime)
		assert.Equal(t, "corr-m1", stored.CorrelationID)
		assert.Equal(t, "test.message", stored.Kind)
		assert.JSONEq(t, `{"id":"m1"}`, string(stored.Payload))
		assert.Equal(t, "suite", stored.Metadata["source"])
	})

	t.Run("append rejects duplicates and empty ids", func(t *testing.T) {
		store, _ := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))

		err := store.Append(ctx, NewMessage("m1"))
		assert.ErrorIs(t, err, persistence.ErrDuplicateMessage)

		err = store.Append(ctx, NewMessage(""))
		assert.ErrorIs(t, err, persistence.ErrMessageIDRequired)
	})

	t.Run("get missing message", func(t *testing.T) {
		store, _ := open(t, newStore)
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, persistence.ErrOutboxMessageNotFound)
	})

	t.Run("lock on missing message fails", func(t *testing.T) {
		store, _ := open(t, newStore)
		_, err := store.Lock(ctx, "missing")
		requireOutcome(t, err, persistence.ErrLock, persistence.OutcomeNotFound)
	})

	t.Run("lock twice fails while the lock is held", func(t *testing.T) {
		store, _ := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))
		_, err := store.Lock(ctx, "m1")
		require.NoError(t, err)

		_, err = store.Lock(ctx, "m1")
		requireOutcome(t, err, persistence.ErrLock, persistence.OutcomeAlreadyLocked)
	})

	t.Run("expired lock can be taken again", func(t *testing.T) {
		store, clock := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))
		first, err := store.Lock(ctx, "m1")
		require.NoError(t, err)

		clock.Advance(testLockTimeout + time.Second)

		second, err := store.Lock(ctx, "m1")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		err = store.Release(ctx, "m1", first)
		requireOutcome(t, err, persistence.ErrRelease, persistence.OutcomeLockMismatch)
		require.NoError(t, store.Release(ctx, "m1", second))
	})

	t.Run("lock after processed fails", func(t *testing.T) {
		store, _ := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))
		lockID, err := store.Lock(ctx, "m1")
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, "m1", lockID))

		_, err = store.Lock(ctx, "m1")
		requireOutcome(t, err, persistence.ErrLock, persistence.OutcomeAlreadyProcessed)
	})

	t.Run("release without append fails", func(t *testing.T) {
		store, _ := open(t, newStore)
		err := store.Release(ctx, "missing", "token")
		requireOutcome(t, err, persistence.ErrRelease, persistence.OutcomeNotFound)
	})

	t.Run("release of an unlocked message fails", func(t *testing.T) {
		store, _ := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))
		err := store.Release(ctx, "m1", "token")
		requireOutcome(t, err, persistence.ErrRelease, persistence.OutcomeLockMismatch)
	})

	t.Run("release with a foreign lock id fails", func(t *testing.T) {
		store, _ := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))
		_, err := store.Lock(ctx, "m1")
		require.NoError(t, err)

		err = store.Release(ctx, "m1", "not-the-token")
		requireOutcome(t, err, persistence.ErrRelease, persistence.OutcomeLockMismatch)

		stored, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, persistence.StatusLocked, stored.Status)
	})

	t.Run("release marks the message processed", func(t *testing.T) {
		store, _ := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))
		lockID, err := store.Lock(ctx, "m1")
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, "m1", lockID))

		stored, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, persistence.StatusProcessed, stored.Status)
		assert.Empty(t, stored.LockID)
		assert.Nil(t, stored.LockTime)
		assert.NotNil(t, stored.ProcessedAt)

		err = store.Release(ctx, "m1", lockID)
		requireOutcome(t, err, persistence.ErrRelease, persistence.OutcomeAlreadyProcessed)
	})

	t.Run("clean removes only processed messages", func(t *testing.T) {
		store, _ := open(t, newStore)
		for _, id := range []string{"p1", "p2", "p3", "done"} {
			require.NoError(t, store.Append(ctx, NewMessage(id)))
		}
		lockID, err := store.Lock(ctx, "done")
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, "done", lockID))

		removed, err := store.CleanProcessed(ctx, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		_, err = store.Get(ctx, "done")
		assert.ErrorIs(t, err, persistence.ErrOutboxMessageNotFound)
		for _, id := range []string{"p1", "p2", "p3"} {
			stored, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, persistence.StatusPending, stored.Status)
		}
	})

	t.Run("clean leaves locked messages regardless of age", func(t *testing.T) {
		store, clock := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))
		_, err := store.Lock(ctx, "m1")
		require.NoError(t, err)
		clock.Advance(24 * time.Hour)

		removed, err := store.CleanProcessed(ctx, clock.Now())
		require.NoError(t, err)
		assert.Zero(t, removed)

		_, err = store.Get(ctx, "m1")
		assert.NoError(t, err)
	})

	t.Run("clean honours the retention cutoff", func(t *testing.T) {
		store, clock := open(t, newStore)
		require.NoError(t, store.Append(ctx, NewMessage("m1")))
		lockID, err := store.Lock(ctx, "m1")
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, "m1", lockID))
		processedAt := clock.Now()

		removed, err := store.CleanProcessed(ctx, processedAt.Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, removed)

		removed, err = store.CleanProcessed(ctx, processedAt.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
	})

	t.Run("list pending returns lockable messages oldest first", func(t *testing.T) {
		store, clock := open(t, newStore)
		for _, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, store.Append(ctx, NewMessage(id)))
			clock.Advance(time.Second)
		}
		_, err := store.Lock(ctx, "b")
		require.NoError(t, err)
		lockID, err := store.Lock(ctx, "c")
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, "c", lockID))

		pending, err := store.ListPending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "d"}, ids(pending))

		limited, err := store.ListPending(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(limited))

		clock.Advance(testLockTimeout + time.Second)
		pending, err = store.ListPending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "d"}, ids(pending))
	})
}

// RunStateStoreTests covers loading and versioned saving of saga state.
func RunStateStoreTests(t *testing.T, newStore Factory) {
	ctx := context.Background()

	save := func(store persistence.Store, rec persistence.StateRecord, expected int64) (int64, error) {
		var version int64
		err := store.Transact(ctx, func(ctx context.Context, s persistence.Session) error {
			var err error
			version, err = s.SaveState(ctx, rec, expected)
			return err
		})
		return version, err
	}

	t.Run("load missing state", func(t *testing.T) {
		store, _ := open(t, newStore)
		_, err := store.LoadState(ctx, "order", "c1")
		assert.ErrorIs(t, err, persistence.ErrStateNotFound)
	})

	t.Run("insert then compare and swap", func(t *testing.T) {
		store, _ := open(t, newStore)
		rec := persistence.StateRecord{SagaKind: "order", CorrelationID: "c1", Data: []byte(`{"step":1}`)}

		version, err := save(store, rec, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)

		loaded, err := store.LoadState(ctx, "order", "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version)
		assert.JSONEq(t, `{"step":1}`, string(loaded.Data))
		assert.False(t, loaded.Completed)

		_, err = save(store, rec, 0)
		assert.ErrorIs(t, err, persistence.ErrVersionConflict)

		rec.Data = []byte(`{"step":2}`)
		rec.Completed = true
		version, err = save(store, rec, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)

		_, err = save(store, rec, 1)
		assert.ErrorIs(t, err, persistence.ErrVersionConflict)

		loaded, err = store.LoadState(ctx, "order", "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), loaded.Version)
		assert.True(t, loaded.Completed)
		assert.JSONEq(t, `{"step":2}`, string(loaded.Data))
	})

	t.Run("saga kinds are isolated", func(t *testing.T) {
		store, _ := open(t, newStore)
		_, err := save(store, persistence.StateRecord{SagaKind: "order", CorrelationID: "c1", Data: []byte(`{}`)}, 0)
		require.NoError(t, err)
		_, err = save(store, persistence.StateRecord{SagaKind: "billing", CorrelationID: "c1", Data: []byte(`{}`)}, 0)
		require.NoError(t, err)

		_, err = store.LoadState(ctx, "shipping", "c1")
		assert.ErrorIs(t, err, persistence.ErrStateNotFound)
	})

	t.Run("update of a missing record conflicts", func(t *testing.T) {
		store, _ := open(t, newStore)
		_, err := save(store, persistence.StateRecord{SagaKind: "order", CorrelationID: "ghost", Data: []byte(`{}`)}, 3)
		assert.ErrorIs(t, err, persistence.ErrVersionConflict)
	})
}

// RunUnitOfWorkTests checks that state and outbox writes commit together.
func RunUnitOfWorkTests(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("commit persists state and outbox", func(t *testing.T) {
		store, _ := open(t, newStore)
		err := store.Transact(ctx, func(ctx context.Context, s persistence.Session) error {
			if _, err := s.SaveState(ctx, persistence.StateRecord{SagaKind: "order", CorrelationID: "c1", Data: []byte(`{}`)}, 0); err != nil {
				return err
			}
			if err := s.Append(ctx, NewMessage("out-1")); err != nil {
				return err
			}
			return s.Append(ctx, NewMessage("out-2"))
		})
		require.NoError(t, err)

		_, err = store.LoadState(ctx, "order", "c1")
		require.NoError(t, err)
		pending, err := store.ListPending(ctx, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"out-1", "out-2"}, ids(pending))
	})

	t.Run("callback error discards everything", func(t *testing.T) {
		store, _ := open(t, newStore)
		boom := errors.New("boom")
		err := store.Transact(ctx, func(ctx context.Context, s persistence.Session) error {
			if _, err := s.SaveState(ctx, persistence.StateRecord{SagaKind: "order", CorrelationID: "c1", Data: []byte(`{}`)}, 0); err != nil {
				return err
			}
			if err := s.Append(ctx, NewMessage("out-1")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = store.LoadState(ctx, "order", "c1")
		assert.ErrorIs(t, err, persistence.ErrStateNotFound)
		_, err = store.Get(ctx, "out-1")
		assert.ErrorIs(t, err, persistence.ErrOutboxMessageNotFound)
	})

	t.Run("version conflict rolls back staged messages", func(t *testing.T) {
		store, _ := open(t, newStore)
		rec := persistence.StateRecord{SagaKind: "order", CorrelationID: "c1", Data: []byte(`{}`)}
		require.NoError(t, store.Transact(ctx, func(ctx context.Context, s persistence.Session) error {
			_, err := s.SaveState(ctx, rec, 0)
			return err
		}))

		err := store.Transact(ctx, func(ctx context.Context, s persistence.Session) error {
			if err := s.Append(ctx, NewMessage("lost")); err != nil {
				return err
			}
			_, err := s.SaveState(ctx, rec, 0)
			return err
		})
		require.ErrorIs(t, err, persistence.ErrVersionConflict)

		_, err = store.Get(ctx, "lost")
		assert.ErrorIs(t, err, persistence.ErrOutboxMessageNotFound)
	})
}

func ids(msgs []persistence.OutboxMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

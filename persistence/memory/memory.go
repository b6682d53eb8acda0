// Package memory provides an in-process persistence backend. State and outbox
// live in maps guarded by a single mutex, which makes every unit of work
// trivially atomic. Useful for tests and single-process deployments that can
// afford to lose data on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/persistence"
)

// SystemName is the name used to register this backend.
const SystemName = "memory"

// Options tunes the memory store.
type Options struct {
	LockTimeout time.Duration
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = persistence.DefaultLockTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type stateKey struct {
	sagaKind      string
	correlationID string
}

// Store keeps saga state and outbox entries in memory.
type Store struct {
	mu     sync.Mutex
	opts   Options
	states map[stateKey]persistence.StateRecord
	outbox map[string]persistence.OutboxMessage
}

var _ persistence.Store = (*Store)(nil)

func init() {
	Register()
}

// Register adds the memory backend to the default persistence registry.
func Register() {
	persistence.Register(SystemName, Build)
}

// Build creates a memory store from config.
func Build(_ context.Context, cfg persistence.Config, _ watermill.LoggerAdapter) (persistence.Store, error) {
	return New(Options{LockTimeout: cfg.GetOutboxLockTimeout()}), nil
}

// New creates an empty memory store.
func New(opts Options) *Store {
	return &Store{
		opts:   opts.withDefaults(),
		states: make(map[stateKey]persistence.StateRecord),
		outbox: make(map[string]persistence.OutboxMessage),
	}
}

// LoadState implements persistence.StateStore.
func (s *Store) LoadState(_ context.Context, sagaKind, correlationID string) (persistence.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.states[stateKey{sagaKind, correlationID}]
	if !ok {
		return persistence.StateRecord{}, persistence.ErrStateNotFound
	}
	return cloneState(rec), nil
}

// Transact runs fn against a staging session and applies the staged writes
// only when fn succeeds.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, sess persistence.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &session{
		store:  s,
		states: make(map[stateKey]persistence.StateRecord),
		outbox: make(map[string]persistence.OutboxMessage),
	}
	if err := fn(ctx, sess); err != nil {
		return err
	}
	for key, rec := range sess.states {
		s.states[key] = rec
	}
	for id, msg := range sess.outbox {
		s.outbox[id] = msg
	}
	return nil
}

// Append implements persistence.OutboxRepository.
func (s *Store) Append(_ context.Context, msg persistence.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepared, err := s.prepareAppend(msg, nil)
	if err != nil {
		return err
	}
	s.outbox[prepared.ID] = prepared
	return nil
}

func (s *Store) prepareAppend(msg persistence.OutboxMessage, staged map[string]persistence.OutboxMessage) (persistence.OutboxMessage, error) {
	if msg.ID == "" {
		return msg, persistence.ErrMessageIDRequired
	}
	if _, ok := s.outbox[msg.ID]; ok {
		return msg, persistence.ErrDuplicateMessage
	}
	if _, ok := staged[msg.ID]; ok {
		return msg, persistence.ErrDuplicateMessage
	}

	prepared := cloneMessage(msg)
	prepared.Status = persistence.StatusPending
	prepared.LockID = ""
	prepared.LockTime = nil
	prepared.ProcessedAt = nil
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = s.opts.Now()
	}
	return prepared, nil
}

// Lock implements persistence.OutboxRepository.
func (s *Store) Lock(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.outbox[id]
	if !ok {
		return "", persistence.NewLockError(id, persistence.OutcomeNotFound)
	}

	now := s.opts.Now()
	if !s.lockable(msg, now) {
		return "", persistence.NewLockError(id, persistence.ClassifyLockFailure(msg.Status))
	}

	lockID := ids.NewLockID()
	msg.Status = persistence.StatusLocked
	msg.LockID = lockID
	msg.LockTime = &now
	s.outbox[id] = msg
	return lockID, nil
}

// Release implements persistence.OutboxRepository.
func (s *Store) Release(_ context.Context, id, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.outbox[id]
	if !ok {
		return persistence.NewReleaseError(id, persistence.OutcomeNotFound)
	}
	if msg.Status != persistence.StatusLocked || msg.LockID != lockID {
		return persistence.NewReleaseError(id, persistence.ClassifyReleaseFailure(msg.Status))
	}

	now := s.opts.Now()
	msg.Status = persistence.StatusProcessed
	msg.LockID = ""
	msg.LockTime = nil
	msg.ProcessedAt = &now
	s.outbox[id] = msg
	return nil
}

// CleanProcessed implements persistence.OutboxRepository.
func (s *Store) CleanProcessed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, msg := range s.outbox {
		if msg.Status != persistence.StatusProcessed {
			continue
		}
		if !before.IsZero() && msg.ProcessedAt != nil && !msg.ProcessedAt.Before(before) {
			continue
		}
		delete(s.outbox, id)
		removed++
	}
	return removed, nil
}

// Get implements persistence.OutboxRepository.
func (s *Store) Get(_ context.Context, id string) (persistence.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.outbox[id]
	if !ok {
		return persistence.OutboxMessage{}, persistence.ErrOutboxMessageNotFound
	}
	return cloneMessage(msg), nil
}

// ListPending implements persistence.OutboxRepository.
func (s *Store) ListPending(_ context.Context, limit int) ([]persistence.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	var out []persistence.OutboxMessage
	for _, msg := range s.outbox {
		if s.lockable(msg, now) {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements persistence.Store.
func (s *Store) Close() error { return nil }

func (s *Store) lockable(msg persistence.OutboxMessage, now time.Time) bool {
	switch msg.Status {
	case persistence.StatusPending:
		return true
	case persistence.StatusLocked:
		return persistence.LockExpired(msg.LockTime, s.opts.LockTimeout, now)
	default:
		return false
	}
}

type session struct {
	store  *Store
	states map[stateKey]persistence.StateRecord
	outbox map[string]persistence.OutboxMessage
}

func (s *session) SaveState(_ context.Context, rec persistence.StateRecord, expectedVersion int64) (int64, error) {
	key := stateKey{rec.SagaKind, rec.CorrelationID}

	current, ok := s.states[key]
	if !ok {
		current, ok = s.store.states[key]
	}

	switch {
	case expectedVersion == 0 && ok:
		return 0, persistence.ErrVersionConflict
	case expectedVersion != 0 && (!ok || current.Version != expectedVersion):
		return 0, persistence.ErrVersionConflict
	}

	saved := cloneState(rec)
	saved.Version = expectedVersion + 1
	saved.UpdatedAt = s.store.opts.Now()
	s.states[key] = saved
	return saved.Version, nil
}

func (s *session) Append(_ context.Context, msg persistence.OutboxMessage) error {
	prepared, err := s.store.prepareAppend(msg, s.outbox)
	if err != nil {
		return err
	}
	s.outbox[prepared.ID] = prepared
	return nil
}

func cloneState(rec persistence.StateRecord) persistence.StateRecord {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}

func cloneMessage(msg persistence.OutboxMessage) persistence.OutboxMessage {
	msg.Payload = append([]byte(nil), msg.Payload...)
	if msg.Metadata != nil {
		md := make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			md[k] = v
		}
		msg.Metadata = md
	}
	if msg.LockTime != nil {
		t := *msg.LockTime
		msg.LockTime = &t
	}
	if msg.ProcessedAt != nil {
		t := *msg.ProcessedAt
		msg.ProcessedAt = &t
	}
	return msg
}

// Package persistence defines the storage contracts sagaflow depends on: the
// saga state store, the outbox repository and the unit of work that commits
// both atomically. Each backend (memory, sqlite, postgres, mongo) lives in its
// own sub-package and registers itself with the persistence registry.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Status is the delivery state of an outbox entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusProcessed Status = "processed"
)

// OutboxMessage is a produced message staged for delivery.
type OutboxMessage struct {
	ID            string
	CorrelationID string
	Kind          string
	Payload       []byte
	Metadata      map[string]string

	Status      Status
	LockID      string
	LockTime    *time.Time
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// StateRecord is the persisted form of one saga instance. Version is the
// optimistic concurrency token; zero means the record was never stored.
type StateRecord struct {
	SagaKind      string
	CorrelationID string
	Data          []byte
	Completed     bool
	Version       int64
	UpdatedAt     time.Time
}

// StateStore loads saga state. Writes go through a Session.
type StateStore interface {
	// LoadState returns ErrStateNotFound when no record exists.
	LoadState(ctx context.Context, sagaKind, correlationID string) (StateRecord, error)
}

// OutboxRepository implements the append/lock/release/clean protocol.
//
// Lock grants a fresh token on a pending (or lock-expired) entry. Release
// requires the token of the most recent successful Lock and moves the entry
// to processed. CleanProcessed never touches pending or locked entries.
type OutboxRepository interface {
	Append(ctx context.Context, msg OutboxMessage) error
	Lock(ctx context.Context, id string) (string, error)
	Release(ctx context.Context, id, lockID string) error
	// CleanProcessed deletes processed entries. A zero before removes all of
	// them, otherwise only those processed before the cutoff.
	CleanProcessed(ctx context.Context, before time.Time) (int64, error)
	Get(ctx context.Context, id string) (OutboxMessage, error)
	// ListPending returns up to limit entries eligible for Lock, oldest first.
	ListPending(ctx context.Context, limit int) ([]OutboxMessage, error)
}

// Session is the transactional view handed to a unit of work.
type Session interface {
	// SaveState inserts the record when expectedVersion is zero and otherwise
	// performs a compare-and-swap on the version. It returns the new version
	// or ErrVersionConflict.
	SaveState(ctx context.Context, rec StateRecord, expectedVersion int64) (int64, error)
	Append(ctx context.Context, msg OutboxMessage) error
}

// UnitOfWork commits everything written through the session when fn returns
// nil and discards it otherwise.
type UnitOfWork interface {
	Transact(ctx context.Context, fn func(ctx context.Context, s Session) error) error
}

// Store is what a backend provides to the service.
type Store interface {
	StateStore
	OutboxRepository
	UnitOfWork
	Close() error
}

// Config provides the values persistence backends read.
type Config interface {
	GetPersistenceSystem() string
	GetSQLiteFile() string
	GetPostgresURL() string
	GetMongoURI() string
	GetMongoDatabase() string
	GetOutboxLockTimeout() time.Duration
}

// Builder creates a Store from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Store, error)

// DefaultLockTimeout is used by backends when no lock timeout is configured.
const DefaultLockTimeout = time.Minute

var (
	ErrStateNotFound         = errors.New("sagaflow: saga state not found")
	ErrVersionConflict       = errors.New("sagaflow: saga state version conflict")
	ErrDuplicateMessage      = errors.New("sagaflow: outbox message already exists")
	ErrOutboxMessageNotFound = errors.New("sagaflow: outbox message not found")
	ErrMessageIDRequired     = errors.New("sagaflow: outbox message id is required")

	// ErrLock matches every rejected Lock call.
	ErrLock = errors.New("sagaflow: outbox lock rejected")
	// ErrRelease matches every rejected Release call.
	ErrRelease = errors.New("sagaflow: outbox release rejected")
)

// Outcome classifies the result of a Lock or Release call.
type Outcome uint8

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeAlreadyLocked
	OutcomeAlreadyProcessed
	OutcomeLockMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeAlreadyLocked:
		return "already_locked"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	case OutcomeLockMismatch:
		return "lock_mismatch"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

const (
	OpLock    = "lock"
	OpRelease = "release"
)

// OutboxError reports a rejected Lock or Release.
type OutboxError struct {
	Op        string
	MessageID string
	Outcome   Outcome
}

func (e *OutboxError) Error() string {
	return fmt.Sprintf("sagaflow: outbox %s of message %q rejected: %s", e.Op, e.MessageID, e.Outcome)
}

// Is lets callers match ErrLock and ErrRelease.
func (e *OutboxError) Is(target error) bool {
	switch target {
	case ErrLock:
		return e.Op == OpLock
	case ErrRelease:
		return e.Op == OpRelease
	}
	return false
}

// NewLockError builds the error returned by a rejected Lock.
func NewLockError(id string, outcome Outcome) error {
	return &OutboxError{Op: OpLock, MessageID: id, Outcome: outcome}
}

// NewReleaseError builds the error returned by a rejected Release.
func NewReleaseError(id string, outcome Outcome) error {
	return &OutboxError{Op: OpRelease, MessageID: id, Outcome: outcome}
}

// OutcomeOf extracts the outcome from a Lock or Release error. The boolean is
// false when err is neither nil nor an *OutboxError, for example a storage
// failure.
func OutcomeOf(err error) (Outcome, bool) {
	if err == nil {
		return OutcomeOK, true
	}
	var oe *OutboxError
	if errors.As(err, &oe) {
		return oe.Outcome, true
	}
	return OutcomeOK, false
}

// LockExpired reports whether a lock taken at lockTime is no longer valid.
func LockExpired(lockTime *time.Time, timeout time.Duration, now time.Time) bool {
	if lockTime == nil {
		return true
	}
	return !lockTime.Add(timeout).After(now)
}

// ClassifyLockFailure maps the current state of an entry to the outcome of a
// Lock that did not apply.
func ClassifyLockFailure(status Status) Outcome {
	if status == StatusProcessed {
		return OutcomeAlreadyProcessed
	}
	return OutcomeAlreadyLocked
}

// ClassifyReleaseFailure maps the current state of an entry to the outcome of
// a Release that did not apply.
func ClassifyReleaseFailure(status Status) Outcome {
	if status == StatusProcessed {
		return OutcomeAlreadyProcessed
	}
	return OutcomeLockMismatch
}

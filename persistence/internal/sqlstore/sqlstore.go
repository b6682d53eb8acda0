// Package sqlstore implements the persistence contracts on database/sql. The
// sqlite and postgres backends supply a Dialect and their migrations; the
// queries themselves are shared.
//
// Timestamps are stored as Unix nanoseconds so both engines compare them the
// same way and the injected clock is the only source of time.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	// Numbered rewrites ? placeholders to $1, $2, ...
	Numbered bool
	// IsUniqueViolation reports a primary key or unique constraint error.
	IsUniqueViolation func(error) bool
}

// Options tunes a Store.
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

// Store implements persistence.Store on a *sql.DB whose schema was migrated
// by the backend.
type Store struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
}

var _ persistence.Store = (*Store)(nil)

// New wraps db. The store owns db and closes it on Close.
func New(db *sql.DB, dialect Dialect, opts Options) *Store {
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(error) bool { return false }
	}
	return &Store{db: db, dialect: dialect, opts: opts.withDefaults()}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close implements persistence.Store.
func (s *Store) Close() error { return s.db.Close() }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) bind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const outboxColumns = `id, correlation_id, kind, payload, metadata, status, lock_id, lock_time, created_at, processed_at`

// LoadState implements persistence.StateStore.
func (s *Store) LoadState(ctx context.Context, sagaKind, correlationID string) (persistence.StateRecord, error) {
	rec := persistence.StateRecord{SagaKind: sagaKind, CorrelationID: correlationID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT data, completed, version, updated_at FROM saga_state WHERE saga_kind = ? AND correlation_id = ?`),
		sagaKind, correlationID,
	).Scan(&rec.Data, &rec.Completed, &rec.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.StateRecord{}, persistence.ErrStateNotFound
	}
	if err != nil {
		return persistence.StateRecord{}, fmt.Errorf("load saga state: %w", err)
	}
	rec.UpdatedAt = fromNanos(updatedAt)
	return rec, nil
}

// Transact implements persistence.UnitOfWork.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, sess persistence.Session) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &session{store: s, tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Append implements persistence.OutboxRepository.
func (s *Store) Append(ctx context.Context, msg persistence.OutboxMessage) error {
	return s.append(ctx, s.db, msg)
}

func (s *Store) append(ctx context.Context, q querier, msg persistence.OutboxMessage) error {
	if msg.ID == "" {
		return persistence.ErrMessageIDRequired
	}
	md, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.opts.Now()
	}
	_, err = q.ExecContext(ctx, s.bind(
		`INSERT INTO outbox (id, correlation_id, kind, payload, metadata, status, lock_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?)`),
		msg.ID, msg.CorrelationID, msg.Kind, msg.Payload, md, string(persistence.StatusPending), createdAt.UnixNano(),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return persistence.ErrDuplicateMessage
		}
		return fmt.Errorf("append outbox message %s: %w", msg.ID, err)
	}
	return nil
}

// Lock implements persistence.OutboxRepository.
func (s *Store) Lock(ctx context.Context, id string) (string, error) {
	now := s.opts.Now()
	lockID := ids.NewLockID()
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE outbox SET status = ?, lock_id = ?, lock_time = ?
		 WHERE id = ? AND (status = ? OR (status = ? AND lock_time <= ?))`),
		string(persistence.StatusLocked), lockID, now.UnixNano(),
		id, string(persistence.StatusPending), string(persistence.StatusLocked), s.expiredBefore(now),
	)
	if err != nil {
		return "", fmt.Errorf("lock outbox message %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("lock outbox message %s: %w", id, err)
	} else if n == 1 {
		return lockID, nil
	}

	status, found, err := s.status(ctx, id)
	switch {
	case err != nil:
		return "", err
	case !found:
		return "", persistence.NewLockError(id, persistence.OutcomeNotFound)
	default:
		return "", persistence.NewLockError(id, persistence.ClassifyLockFailure(status))
	}
}

// Release implements persistence.OutboxRepository.
func (s *Store) Release(ctx context.Context, id, lockID string) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE outbox SET status = ?, lock_id = '', lock_time = NULL, processed_at = ?
		 WHERE id = ? AND status = ? AND lock_id = ?`),
		string(persistence.StatusProcessed), s.opts.Now().UnixNano(),
		id, string(persistence.StatusLocked), lockID,
	)
	if err != nil {
		return fmt.Errorf("release outbox message %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("release outbox message %s: %w", id, err)
	} else if n == 1 {
		return nil
	}

	status, found, err := s.status(ctx, id)
	switch {
	case err != nil:
		return err
	case !found:
		return persistence.NewReleaseError(id, persistence.OutcomeNotFound)
	default:
		return persistence.NewReleaseError(id, persistence.ClassifyReleaseFailure(status))
	}
}

func (s *Store) status(ctx context.Context, id string) (persistence.Status, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT status FROM outbox WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read outbox status %s: %w", id, err)
	}
	return persistence.Status(status), true, nil
}

// CleanProcessed implements persistence.OutboxRepository.
func (s *Store) CleanProcessed(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM outbox WHERE status = ?`
	args := []any{string(persistence.StatusProcessed)}
	if !before.IsZero() {
		query += ` AND processed_at < ?`
		args = append(args, before.UnixNano())
	}
	res, err := s.db.ExecContext(ctx, s.bind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("clean outbox: %w", err)
	}
	return res.RowsAffected()
}

// Get implements persistence.OutboxRepository.
func (s *Store) Get(ctx context.Context, id string) (persistence.OutboxMessage, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+outboxColumns+` FROM outbox WHERE id = ?`), id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.OutboxMessage{}, persistence.ErrOutboxMessageNotFound
	}
	if err != nil {
		return persistence.OutboxMessage{}, fmt.Errorf("get outbox message %s: %w", id, err)
	}
	return msg, nil
}

// ListPending implements persistence.OutboxRepository.
func (s *Store) ListPending(ctx context.Context, limit int) ([]persistence.OutboxMessage, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox
		WHERE status = ? OR (status = ? AND lock_time <= ?)
		ORDER BY created_at, id`
	args := []any{string(persistence.StatusPending), string(persistence.StatusLocked), s.expiredBefore(s.opts.Now())}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox messages: %w", err)
	}
	defer rows.Close()

	var out []persistence.OutboxMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// expiredBefore is the newest lock time that counts as expired at now.
func (s *Store) expiredBefore(now time.Time) int64 {
	return now.Add(-s.opts.LockTimeout).UnixNano()
}

type session struct {
	store *Store
	tx    *sql.Tx
}

func (s *session) SaveState(ctx context.Context, rec persistence.StateRecord, expectedVersion int64) (int64, error) {
	st := s.store
	now := st.opts.Now().UnixNano()
	next := expectedVersion + 1

	if expectedVersion == 0 {
		_, err := s.tx.ExecContext(ctx, st.bind(
			`INSERT INTO saga_state (saga_kind, correlation_id, data, completed, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			rec.SagaKind, rec.CorrelationID, rec.Data, rec.Completed, next, now,
		)
		if err != nil {
			if st.dialect.IsUniqueViolation(err) {
				return 0, persistence.ErrVersionConflict
			}
			return 0, fmt.Errorf("insert saga state: %w", err)
		}
		return next, nil
	}

	res, err := s.tx.ExecContext(ctx, st.bind(
		`UPDATE saga_state SET data = ?, completed = ?, version = ?, updated_at = ?
		 WHERE saga_kind = ? AND correlation_id = ? AND version = ?`),
		rec.Data, rec.Completed, next, now,
		rec.SagaKind, rec.CorrelationID, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update saga state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update saga state: %w", err)
	}
	if n != 1 {
		return 0, persistence.ErrVersionConflict
	}
	return next, nil
}

func (s *session) Append(ctx context.Context, msg persistence.OutboxMessage) error {
	return s.store.append(ctx, s.tx, msg)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (persistence.OutboxMessage, error) {
	var (
		msg         persistence.OutboxMessage
		md          string
		status      string
		lockTime    sql.NullInt64
		createdAt   int64
		processedAt sql.NullInt64
	)
	err := row.Scan(&msg.ID, &msg.CorrelationID, &msg.Kind, &msg.Payload, &md, &status,
		&msg.LockID, &lockTime, &createdAt, &processedAt)
	if err != nil {
		return persistence.OutboxMessage{}, err
	}
	if msg.Metadata, err = decodeMetadata(md); err != nil {
		return persistence.OutboxMessage{}, err
	}
	msg.Status = persistence.Status(status)
	msg.CreatedAt = fromNanos(createdAt)
	if lockTime.Valid {
		t := fromNanos(lockTime.Int64)
		msg.LockTime = &t
	}
	if processedAt.Valid {
		t := fromNanos(processedAt.Int64)
		msg.ProcessedAt = &t
	}
	return msg, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := serializer.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode outbox metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	md := map[string]string{}
	if err := serializer.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("decode outbox metadata: %w", err)
	}
	return md, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

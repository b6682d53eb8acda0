// Package sqlite provides a SQLite persistence backend. The whole database
// is served through a single connection, which serialises units of work and
// keeps ":memory:" databases alive for the lifetime of the store.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/drblury/sagaflow/persistence"
	"github.com/drblury/sagaflow/persistence/internal/sqlstore"
)

// SystemName is the name used to register this backend.
const SystemName = "sqlite"

// MigrationsTable records the applied schema version.
const MigrationsTable = "sagaflow_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options configures a SQLite store.
type Options struct {
	// File is the database path. ":memory:" keeps everything in process.
	File        string
	LockTimeout time.Duration
	Now         func() time.Time
}

func init() {
	Register()
}

// Register adds the sqlite backend to the default persistence registry.
func Register() {
	persistence.Register(SystemName, Build)
}

// Build opens the store selected by cfg.
func Build(ctx context.Context, cfg persistence.Config, logger watermill.LoggerAdapter) (persistence.Store, error) {
	store, err := Open(ctx, Options{File: cfg.GetSQLiteFile(), LockTimeout: cfg.GetOutboxLockTimeout()})
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("SQLite persistence ready", watermill.LogFields{"file": cfg.GetSQLiteFile()})
	}
	return store, nil
}

// Open opens the database and applies pending migrations.
func Open(ctx context.Context, opts Options) (*sqlstore.Store, error) {
	if opts.File == "" {
		return nil, errors.New("sqlite: file is required")
	}

	db, err := sql.Open("sqlite3", opts.File+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sqlstore.New(db, sqlstore.Dialect{IsUniqueViolation: isUniqueViolation}, sqlstore.Options{
		LockTimeout: opts.LockTimeout,
		Now:         opts.Now,
	}), nil
}

// migrateUp applies the embedded migrations. The migrate instance is not
// closed because closing it would close db.
func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("sqlite: migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

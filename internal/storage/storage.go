// Package storage persists network snapshots and schedule definitions
// in PostgreSQL. Snapshots are stored with their device inventory as
// JSONB so a full historical record can be diffed without schema churn.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
	"github.com/TakashiAihara/nmapper-sub001/internal/metrics"
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultConnLifetime = 5 * time.Minute
)

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	db      *sqlx.DB
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// Connect opens the database, verifies connectivity, and ensures the
// schema exists. Errors are sanitized so DSN credentials never leak
// into logs or API responses.
func Connect(ctx context.Context, cfg config.StorageConfig, m *metrics.Metrics) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageConnection,
			"failed to connect to database", "connect", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	lifetime := cfg.ConnLifetime
	if lifetime <= 0 {
		lifetime = defaultConnLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	store := &Store{
		db:      db,
		logger:  logging.Default().WithComponent("storage"),
		metrics: m,
	}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.logger.InfoStorage("connected to database",
		"host", cfg.Host,
		"database", cfg.Database)
	return store, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sqlx.DB, m *metrics.Metrics) *Store {
	return &Store{
		db:      db,
		logger:  logging.Default().WithComponent("storage"),
		metrics: m,
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapStorageError(errors.CodeStorageConnection,
			"database unreachable", "ping", err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			device_count INTEGER NOT NULL,
			total_open_ports INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			scan_type TEXT NOT NULL DEFAULT '',
			scan_duration_ms BIGINT NOT NULL DEFAULT 0,
			scan_errors JSONB,
			devices JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_created_at
			ON snapshots (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			targets TEXT[] NOT NULL,
			ports TEXT NOT NULL DEFAULT '',
			profile TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			interval_ms BIGINT NOT NULL DEFAULT 0,
			cron_expr TEXT NOT NULL DEFAULT '',
			max_retries INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			state TEXT NOT NULL DEFAULT 'scheduled',
			last_run TIMESTAMPTZ,
			next_run TIMESTAMPTZ,
			run_count BIGINT NOT NULL DEFAULT 0,
			fail_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapStorageError(errors.CodeStorageQuery,
				"failed to initialize schema", "ensure schema", err)
		}
	}
	return nil
}

// sanitizeError converts raw database errors into typed storage errors
// without exposing SQL details to callers.
func sanitizeError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errors.WrapStorageError(errors.CodeNotFound,
			"resource not found", operation, err)
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505":
			return errors.WrapStorageError(errors.CodeValidation,
				"resource already exists", operation, err)
		case "57014":
			return errors.WrapStorageError(errors.CodeCanceled,
				"operation canceled", operation, err)
		case "08000", "08003", "08006", "57P01":
			return errors.WrapStorageError(errors.CodeStorageConnection,
				"database connection error", operation, err)
		}
	}
	return errors.WrapStorageError(errors.CodeStorageQuery,
		fmt.Sprintf("database operation failed: %s", operation), operation, err)
}

// observe records one storage operation's outcome in the metrics sink.
func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordStorageOp(operation, time.Since(start), err)
	}
}

// JSONB is a raw JSON column value.
type JSONB json.RawMessage

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

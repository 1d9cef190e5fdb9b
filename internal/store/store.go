// Package store persists the invocation audit log to PostgreSQL via pgx.
//
// It intentionally does not persist module metadata, aliases, or the
// registry itself — those live in-memory (internal/registry,
// internal/alias) and are rebuilt by re-resolving on restart. Store only
// backs the durable record of what was invoked, when, and with what
// outcome, consumed through internal/logsink's pluggable LogSink.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InvocationLog is one row of the invocation audit trail.
type InvocationLog struct {
	ID         string // request id (uuid)
	FQN        string // fully-qualified module name, string form
	EntryPoint string
	DurationMs int64
	Compiled   bool // true if this call triggered a fresh wazero compilation
	Success    bool
	Outcome    string // ok, trap, timeout, error
	Error      string
	InputSize  int
	OutputSize int
	CreatedAt  time.Time
}

// Store is a PostgreSQL-backed invocation audit log.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks connectivity to PostgreSQL.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invocation_logs (
			id TEXT PRIMARY KEY,
			fqn TEXT NOT NULL,
			entry_point TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			compiled BOOLEAN NOT NULL DEFAULT FALSE,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			outcome TEXT NOT NULL DEFAULT 'ok',
			error_message TEXT,
			input_size INTEGER NOT NULL DEFAULT 0,
			output_size INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure invocation_logs schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS invocation_logs_fqn_created_at_idx
		ON invocation_logs (fqn, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("ensure invocation_logs index: %w", err)
	}
	return nil
}

// SaveInvocationLog inserts a single invocation record.
func (s *Store) SaveInvocationLog(ctx context.Context, log *InvocationLog) error {
	if log.ID == "" {
		return fmt.Errorf("invocation log id is required")
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO invocation_logs (id, fqn, entry_point, duration_ms, compiled, success, outcome, error_message, input_size, output_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, log.ID, log.FQN, log.EntryPoint, log.DurationMs, log.Compiled, log.Success, log.Outcome, log.Error, log.InputSize, log.OutputSize, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("save invocation log: %w", err)
	}
	return nil
}

// SaveInvocationLogs inserts a batch of invocation records in one round trip.
func (s *Store) SaveInvocationLogs(ctx context.Context, logs []*InvocationLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, log := range logs {
		if log.ID == "" {
			return fmt.Errorf("invocation log id is required")
		}
		if log.CreatedAt.IsZero() {
			log.CreatedAt = time.Now()
		}
		batch.Queue(`
			INSERT INTO invocation_logs (id, fqn, entry_point, duration_ms, compiled, success, outcome, error_message, input_size, output_size, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`, log.ID, log.FQN, log.EntryPoint, log.DurationMs, log.Compiled, log.Success, log.Outcome, log.Error, log.InputSize, log.OutputSize, log.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save invocation log batch: %w", err)
		}
	}
	return nil
}

// ListInvocationLogs returns the most recent invocation logs for a module,
// newest first.
func (s *Store) ListInvocationLogs(ctx context.Context, fqn string, limit int) ([]*InvocationLog, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, fqn, entry_point, duration_ms, compiled, success, outcome, error_message, input_size, output_size, created_at
		FROM invocation_logs
		WHERE fqn = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, fqn, limit)
	if err != nil {
		return nil, fmt.Errorf("list invocation logs: %w", err)
	}
	defer rows.Close()

	var logs []*InvocationLog
	for rows.Next() {
		log := &InvocationLog{}
		if err := rows.Scan(&log.ID, &log.FQN, &log.EntryPoint, &log.DurationMs, &log.Compiled, &log.Success, &log.Outcome, &log.Error, &log.InputSize, &log.OutputSize, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invocation log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocation logs: %w", err)
	}
	return logs, nil
}

package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nixh/nixh/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file, or ":memory:".
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	// BusyTimeout bounds how long a writer waits for another process.
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) inMemory() bool {
	return s.cfg.Path == ":memory:"
}

// Init opens the database. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if !s.inMemory() {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o700); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
			s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is its own database.
	if s.inMemory() {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordExecution appends a finished result. Recording the same ID twice
// is an error.
func (s *SQLiteStore) RecordExecution(ctx context.Context, res engine.ExecutionResult) error {
	e := FromResult(res)
	query := `
		INSERT INTO executions (id, label, method, tier, dry_run, succeeded, state_changed, rollback_token,
			error_kind, error_code, error_message, attempts, disclosure, duration_ms, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Label,
		e.Method,
		e.Tier,
		e.DryRun,
		e.Succeeded,
		e.StateChanged,
		e.RollbackToken,
		e.ErrorKind,
		e.ErrorCode,
		e.ErrorMessage,
		e.attemptsJSON(),
		e.Disclosure,
		e.DurationMS,
		e.StartedAt,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

const executionColumns = `id, label, method, tier, dry_run, succeeded, state_changed, rollback_token,
	error_kind, error_code, error_message, attempts, disclosure, duration_ms, started_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	e := &Execution{}
	var attempts string
	err := row.Scan(
		&e.ID,
		&e.Label,
		&e.Method,
		&e.Tier,
		&e.DryRun,
		&e.Succeeded,
		&e.StateChanged,
		&e.RollbackToken,
		&e.ErrorKind,
		&e.ErrorCode,
		&e.ErrorMessage,
		&attempts,
		&e.Disclosure,
		&e.DurationMS,
		&e.StartedAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attempts), &e.Attempts); err != nil {
		return nil, fmt.Errorf("failed to decode attempts: %w", err)
	}
	return e, nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = ?`

	e, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns executions newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter Filter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1 = 1`
	var args []any
	if filter.FailedOnly {
		query += ` AND succeeded = 0`
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// LastRollbackToken returns the token of the newest applied execution that
// succeeded or changed the system.
func (s *SQLiteStore) LastRollbackToken(ctx context.Context) (string, error) {
	query := `
		SELECT rollback_token FROM executions
		WHERE rollback_token != '' AND dry_run = 0
			AND (succeeded = 1 OR state_changed = 1)
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`

	var token string
	err := s.db.QueryRowContext(ctx, query).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("rollback token: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get rollback token: %w", err)
	}
	return token, nil
}

// AppendEvent appends an event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, type, source, request_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.Type,
		event.Source,
		event.RequestID,
		event.Level,
		event.Message,
		event.Data,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents returns events newest first, optionally of one type.
func (s *SQLiteStore) ListEvents(ctx context.Context, eventType string, limit int) ([]*Event, error) {
	query := `SELECT id, event_id, type, source, request_id, level, message, data, timestamp FROM events`
	var args []any
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.Type, &e.Source, &e.RequestID, &e.Level, &e.Message, &e.Data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Prune deletes all but the newest keep executions.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM executions WHERE id NOT IN (
			SELECT id FROM executions ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

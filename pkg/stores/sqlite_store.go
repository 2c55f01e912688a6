package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns, cfg.MaxIdleConns = 1, 1
		cfg.ConnMaxLifetime = -1
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
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

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Summary == "" {
		run.Summary = "{}"
	}

	query := `
		INSERT INTO runs (id, playbook, workspace, status, started_at, completed_at, error,
			tasks, success, failed, skipped, changed, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Playbook,
		run.Workspace,
		run.Status,
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.Error,
		run.Tasks,
		run.Success,
		run.Failed,
		run.Skipped,
		run.Changed,
		run.Summary,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun stores the final status, counters and summary of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	if run.Summary == "" {
		run.Summary = "{}"
	}

	query := `
		UPDATE runs
		SET playbook = ?, status = ?, completed_at = ?, error = ?,
			tasks = ?, success = ?, failed = ?, skipped = ?, changed = ?,
			summary = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		run.Playbook,
		run.Status,
		run.CompletedAt,
		run.Error,
		run.Tasks,
		run.Success,
		run.Failed,
		run.Skipped,
		run.Changed,
		run.Summary,
		run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `id, playbook, workspace, status, started_at, completed_at, error,
	tasks, success, failed, skipped, changed, summary, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Playbook,
		&run.Workspace,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Tasks,
		&run.Success,
		&run.Failed,
		&run.Skipped,
		&run.Changed,
		&run.Summary,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its task results and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// AddTaskResult appends the outcome of one task to its run.
func (s *SQLiteStore) AddTaskResult(ctx context.Context, result *TaskResult) error {
	query := `
		INSERT INTO task_results (run_id, position, name, kind, command, disposition,
			exit_status, message, stdout, stderr, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		result.RunID,
		result.Position,
		result.Name,
		result.Kind,
		result.Command,
		result.Disposition,
		result.ExitStatus,
		result.Message,
		result.Stdout,
		result.Stderr,
		result.StartedAt.UTC(),
		result.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add task result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task result ID: %w", err)
	}

	result.ID = id
	return nil
}

// ListTaskResults returns a run's task results in execution order.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, runID string) ([]*TaskResult, error) {
	query := `
		SELECT id, run_id, position, name, kind, command, disposition,
			exit_status, message, stdout, stderr, started_at, ended_at
		FROM task_results
		WHERE run_id = ?
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	results := []*TaskResult{}
	for rows.Next() {
		r := &TaskResult{}
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Position,
			&r.Name,
			&r.Kind,
			&r.Command,
			&r.Disposition,
			&r.ExitStatus,
			&r.Message,
			&r.Stdout,
			&r.Stderr,
			&r.StartedAt,
			&r.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return results, nil
}

// AddEvent appends a new event to the log
func (s *SQLiteStore) AddEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, run_id, type, level, task, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Type,
		event.Level,
		event.Task,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination, in the
// order they were appended. A negative limit returns every match.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, eventType *string, limit, offset int) ([]*Event, error) {
	if limit == 0 {
		limit = 100
	}
	query := `
		SELECT id, event_id, run_id, type, level, task, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR type = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, eventType, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Type,
			&event.Level,
			&event.Task,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ListEvents returns every event of a run in the order it was recorded.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	return s.GetEvents(ctx, &runID, nil, -1, 0)
}

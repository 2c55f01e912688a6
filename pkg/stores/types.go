package stores

import (
	"context"
	"errors"
	"time"

	"github.com/chgops/chgops/pkg/engine"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Run is one playbook run.
type Run struct {
	ID          string           `json:"id"`
	Playbook    string           `json:"playbook"`
	Workspace   string           `json:"workspace"`
	Status      engine.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`

	Tasks   int `json:"tasks"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Changed int `json:"changed"`

	Summary   string    `json:"summary"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration is the run's elapsed time, zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// TaskResult is the recorded outcome of one task.
type TaskResult struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Position    int       `json:"position"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Command     string    `json:"command"`
	Disposition string    `json:"disposition"`
	ExitStatus  int       `json:"exit_status"`
	Message     string    `json:"message"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Event is an append-only telemetry event.
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	RunID     *string   `json:"run_id,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Task      *string   `json:"task,omitempty"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the run history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Task results
	AddTaskResult(ctx context.Context, result *TaskResult) error
	ListTaskResults(ctx context.Context, runID string) ([]*TaskResult, error)

	// Events
	AddEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, eventType *string, limit, offset int) ([]*Event, error)
	ListEvents(ctx context.Context, runID string) ([]*Event, error)
}

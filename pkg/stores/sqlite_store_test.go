package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chgops/chgops/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string, started time.Time) *Run {
	t.Helper()
	run := &Run{
		ID:        id,
		Playbook:  "deploy",
		Workspace: "/work",
		Status:    engine.RunStatusRunning,
		StartedAt: started,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("health check should fail before Init")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("migrate should fail before Init")
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "task_results", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	store, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	createTestRun(t, store, "run-1", time.Now())
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRun(context.Background(), "run-1"); err != nil {
		t.Errorf("GetRun() after reopen error = %v", err)
	}
}

func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	createTestRun(t, store, "run-1", started)

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != engine.RunStatusRunning || got.Playbook != "deploy" || got.CompletedAt != nil {
		t.Errorf("GetRun() = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Duration() != 0 {
		t.Errorf("Duration() of a running run = %v", got.Duration())
	}

	completed := started.Add(90 * time.Second)
	msg := "boom"
	err = store.FinishRun(ctx, &Run{
		ID:          "run-1",
		Playbook:    "Deploy app",
		Status:      engine.RunStatusFailed,
		CompletedAt: &completed,
		Error:       &msg,
		Tasks:       3,
		Success:     2,
		Failed:      1,
		Changed:     1,
		Summary:     `{"status":"failed"}`,
	})
	if err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != engine.RunStatusFailed || got.Tasks != 3 || got.Failed != 1 || got.Error == nil || *got.Error != "boom" {
		t.Errorf("finished run = %+v", got)
	}
	if got.Playbook != "Deploy app" || got.Workspace != "/work" {
		t.Errorf("Playbook = %q, Workspace = %q", got.Playbook, got.Workspace)
	}
	if got.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v", got.Duration())
	}

	if err := store.FinishRun(ctx, &Run{ID: "absent"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun(absent) error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetRun(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(absent) error = %v, want ErrNotFound", err)
	}
	if err := store.CreateRun(ctx, &Run{ID: "run-1", Status: engine.RunStatusRunning, StartedAt: started}); err == nil {
		t.Error("duplicate run id should fail")
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		createTestRun(t, store, id, base.Add(time.Duration(i)*time.Minute))
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("ListRuns(2, 0) = %v", runIDs(runs))
	}

	runs, err = store.ListRuns(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "a" {
		t.Errorf("ListRuns(10, 2) = %v", runIDs(runs))
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestTaskResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	createTestRun(t, store, "run-1", now)

	for i, d := range []string{"changed", "skipped"} {
		err := store.AddTaskResult(ctx, &TaskResult{
			RunID:       "run-1",
			Position:    1 - i,
			Name:        d,
			Kind:        "dx.core.bash",
			Disposition: d,
			StartedAt:   now,
			EndedAt:     now.Add(time.Second),
		})
		if err != nil {
			t.Fatalf("AddTaskResult() error = %v", err)
		}
	}

	results, err := store.ListTaskResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListTaskResults() error = %v", err)
	}
	if len(results) != 2 || results[0].Position != 0 || results[0].Name != "skipped" {
		t.Errorf("results = %+v", results)
	}

	dup := &TaskResult{RunID: "run-1", Position: 0, Name: "x", Kind: "k", Disposition: "changed", StartedAt: now, EndedAt: now}
	if err := store.AddTaskResult(ctx, dup); err == nil {
		t.Error("duplicate position should fail")
	}

	orphan := &TaskResult{RunID: "absent", Position: 0, Name: "x", Kind: "k", Disposition: "changed", StartedAt: now, EndedAt: now}
	if err := store.AddTaskResult(ctx, orphan); err == nil {
		t.Error("task result without a run should violate the foreign key")
	}
}

func TestEventsAndCascade(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	createTestRun(t, store, "run-1", now)

	runID := "run-1"
	task := "greet"
	events := []*Event{
		{EventID: "e1", RunID: &runID, Type: "run.started", Level: "info", Message: "started", Timestamp: now},
		{EventID: "e2", RunID: &runID, Type: "task.started", Level: "info", Task: &task, Message: "task", Timestamp: now},
		{EventID: "e3", Type: "policy.violation", Level: "warning", Message: "no run", Timestamp: now},
	}
	for _, e := range events {
		if err := store.AddEvent(ctx, e); err != nil {
			t.Fatalf("AddEvent() error = %v", err)
		}
		if e.ID == 0 {
			t.Error("AddEvent() should set the ID")
		}
	}

	got, err := store.GetEvents(ctx, &runID, nil, 0, 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(got) != 2 || got[0].EventID != "e1" || got[1].Task == nil || *got[1].Task != "greet" {
		t.Errorf("GetEvents(run) = %+v", got)
	}

	eventType := "policy.violation"
	got, err = store.GetEvents(ctx, nil, &eventType, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(got) != 1 || got[0].RunID != nil {
		t.Errorf("GetEvents(type) = %+v", got)
	}

	err = store.AddTaskResult(ctx, &TaskResult{RunID: "run-1", Name: "t", Kind: "k", Disposition: "changed", StartedAt: now, EndedAt: now})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRun() error = %v, want ErrNotFound", err)
	}

	results, _ := store.ListTaskResults(ctx, "run-1")
	remaining, _ := store.GetEvents(ctx, nil, nil, 10, 0)
	if len(results) != 0 || len(remaining) != 1 {
		t.Errorf("after delete: %d task results, %d events", len(results), len(remaining))
	}
}

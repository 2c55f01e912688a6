package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/chgops/chgops/pkg/engine"
	"github.com/chgops/chgops/pkg/tasks"
	"github.com/chgops/chgops/pkg/telemetry"
)

// HistoryRecorder writes runs, task results and events to a Store. It
// implements engine.RunRecorder.
type HistoryRecorder struct {
	store  Store
	logger zerolog.Logger
}

var _ engine.RunRecorder = (*HistoryRecorder)(nil)

// NewHistoryRecorder creates a recorder backed by store.
func NewHistoryRecorder(store Store, logger zerolog.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		store:  store,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// RecordRunStarted inserts the run row.
func (h *HistoryRecorder) RecordRunStarted(ctx context.Context, run engine.RunInfo) error {
	return h.store.CreateRun(ctx, &Run{
		ID:        run.ID,
		Playbook:  run.Playbook,
		Workspace: run.Workspace,
		Status:    engine.RunStatusRunning,
		StartedAt: run.StartedAt,
	})
}

// RecordTaskResult appends one task result. Output is stored as the task
// displayed it, with secrets masked.
func (h *HistoryRecorder) RecordTaskResult(ctx context.Context, runID string, index int, task tasks.Task, out tasks.Output) error {
	return h.store.AddTaskResult(ctx, &TaskResult{
		RunID:       runID,
		Position:    index,
		Name:        task.Name(),
		Kind:        string(task.Kind()),
		Command:     task.Spec().Command,
		Disposition: string(out.Disposition),
		ExitStatus:  out.Status,
		Message:     out.Message,
		Stdout:      out.Stdout,
		Stderr:      out.Stderr,
		StartedAt:   out.StartTime,
		EndedAt:     out.EndTime,
	})
}

// RecordRunFinished completes the run row with the summary.
func (h *HistoryRecorder) RecordRunFinished(ctx context.Context, summary *engine.RunSummary, runErr error) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	completed := summary.EndTime.UTC()
	run := &Run{
		ID:          summary.RunID,
		Playbook:    summary.Playbook,
		Status:      summary.Status,
		CompletedAt: &completed,
		Tasks:       summary.TasksCounter,
		Success:     summary.Success,
		Failed:      summary.Failed,
		Skipped:     summary.Skipped,
		Changed:     summary.Changed,
		Summary:     string(data),
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	return h.store.FinishRun(ctx, run)
}

// Subscribe persists every event published on events. Events without a
// run are stored with a NULL run.
func (h *HistoryRecorder) Subscribe(events *telemetry.EventPublisher) {
	events.Subscribe(h.recordEvent, nil)
}

func (h *HistoryRecorder) recordEvent(ev telemetry.Event) {
	e := &Event{
		EventID:   ev.ID,
		Type:      ev.Type,
		Level:     ev.Level,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.RunID != "" {
		e.RunID = &ev.RunID
	}
	if ev.Task != "" {
		e.Task = &ev.Task
	}
	if len(ev.Data) > 0 {
		if data, err := json.Marshal(ev.Data); err == nil {
			details := string(data)
			e.Details = &details
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.AddEvent(ctx, e); err != nil {
		h.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("failed to record event")
	}
}

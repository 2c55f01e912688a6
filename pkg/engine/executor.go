package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chgops/chgops/pkg/tasks"
	"github.com/chgops/chgops/pkg/telemetry"
)

// Run resolves the playbook and executes its tasks in file order. The
// returned summary is never nil. A task failure is not an error: it is
// counted in the summary. The error is non-nil only when a stage failed or
// the context was cancelled.
func (e *Engine) Run(ctx context.Context, params Params) (*RunSummary, error) {
	runID := uuid.New().String()
	ctx = e.tel.WithContext(ctx)
	logger := e.logger.WithRunID(runID).WithField("playbook", params.Playbook)
	ctx = logger.WithContext(ctx)

	ctx, span := e.tel.Tracer.StartRunSpan(ctx, runID)
	summary := NewRunSummary(runID, params.Playbook, e.now())

	e.recordRunStarted(ctx, RunInfo{
		ID:        runID,
		Playbook:  params.Playbook,
		Workspace: e.cfg.Workspace,
		StartedAt: summary.StartTime,
	})
	e.tel.Metrics.RecordRunStarted()
	e.tel.Events.ForRun(runID).Started(params.Playbook, e.cfg.Workspace)
	logger.Info("run started")

	res, err := e.resolve(ctx, params, runID)
	if err != nil && ctx.Err() != nil && !IsCancelled(err) {
		err = NewCancelledError(err)
	}
	if err != nil && ClassOf(err) == "" {
		err = NewExecutionError("run failed", err)
	}
	if err == nil {
		summary.Playbook = res.Playbook.Name
		summary.Status = RunStatusRunning
		err = e.execute(ctx, runID, res.Playbook, summary)
	}

	e.finish(context.WithoutCancel(ctx), summary, err)
	telemetry.EndSpan(span, err)
	return summary, err
}

// execute runs the tasks sequentially, stopping early on cancellation or,
// with fail_fast, on the first failure.
func (e *Engine) execute(ctx context.Context, runID string, pb *Playbook, summary *RunSummary) error {
	stage := telemetry.StartStage(ctx, string(StageExecute))

	for i, task := range pb.Tasks {
		if err := ctx.Err(); err != nil {
			cerr := NewCancelledError(err).WithStage(StageExecute).
				WithDetail("remaining", len(pb.Tasks)-i)
			stage.End(cerr)
			return cerr
		}

		out := e.executeTask(stage.Ctx, runID, i, task)
		summary.IncrementAsTask(out)

		if out.Disposition == tasks.DispositionFailed && pb.Settings.FailFast {
			stage.Logger.WithTask(task.Name(), string(task.Kind())).
				Warnf("fail_fast: stopping after task %d of %d", i+1, len(pb.Tasks))
			break
		}
	}

	if err := ctx.Err(); err != nil {
		cerr := NewCancelledError(err).WithStage(StageExecute)
		stage.End(cerr)
		return cerr
	}
	stage.End(nil)
	return nil
}

func (e *Engine) executeTask(ctx context.Context, runID string, index int, task tasks.Task) tasks.Output {
	name, kind := task.Name(), string(task.Kind())
	if name == "" {
		name = kind
	}
	logger := telemetry.FromContext(ctx).WithTask(name, kind).WithField("index", index)
	ctx, span := e.tel.Tracer.StartTaskSpan(ctx, index, name, kind)
	ctx = logger.WithContext(ctx)

	events := e.tel.Events.ForRun(runID).Task(index, name, kind)
	events.Started()
	logger.Debug("task started")

	out := task.Execute(ctx)
	task.Display(e.out, e.verbosity)

	e.tel.Metrics.RecordTask(kind, string(out.Disposition), out.Duration())
	events.Finished(string(out.Disposition), out.Status, out.Message, out.Duration())
	span.SetAttributes(telemetry.AttrTaskDisposition.String(string(out.Disposition)))

	switch out.Disposition {
	case tasks.DispositionSkipped:
		logger.Debug("task skipped")
		telemetry.EndSpan(span, nil)
	case tasks.DispositionFailed:
		logger.WithField("status", out.Status).Warnf("task failed: %s", out.Message)
		telemetry.EndSpan(span, errors.New(out.Message))
	default:
		logger.WithField("disposition", string(out.Disposition)).Infof("task finished in %s", formatDuration(out.Duration()))
		telemetry.EndSpan(span, nil)
	}

	if e.recorder != nil {
		if err := e.recorder.RecordTaskResult(context.WithoutCancel(ctx), runID, index, task, out); err != nil {
			logger.WithError(err).Warn("failed to record task result")
		}
	}
	return out
}

// finish settles the run status, emits the summary and records it.
func (e *Engine) finish(ctx context.Context, summary *RunSummary, runErr error) {
	summary.Finish(e.now())

	switch {
	case IsCancelled(runErr):
		summary.Status = RunStatusCancelled
	case runErr != nil:
		summary.Status = RunStatusErrored
	case summary.Failed > 0:
		summary.Status = RunStatusFailed
	default:
		summary.Status = RunStatusSucceeded
	}

	logger := telemetry.FromContext(ctx).WithFields(map[string]any{
		"status":   string(summary.Status),
		"tasks":    summary.TasksCounter,
		"success":  summary.Success,
		"changed":  summary.Changed,
		"failed":   summary.Failed,
		"skipped":  summary.Skipped,
		"duration": summary.HumanDuration(),
	})

	if runErr != nil {
		summary.Error = runErr.Error()
		e.tel.Metrics.RecordError(string(ClassOf(runErr)))
		e.tel.Events.ForRun(summary.RunID).Failed(string(summary.Status), runErr)
		logger.WithError(runErr).Error("run stopped")
	} else {
		e.tel.Events.ForRun(summary.RunID).Completed(string(summary.Status), summary.Duration())
		logger.Info("run finished")
	}
	e.tel.Metrics.RecordRunCompleted(string(summary.Status), summary.Duration())

	stage := telemetry.StartStage(ctx, string(StageSummary))
	summary.Display(e.out)
	if e.recorder != nil {
		if err := e.recorder.RecordRunFinished(stage.Ctx, summary, runErr); err != nil {
			stage.Logger.WithError(err).Warn("failed to record run")
		}
	}
	stage.End(nil)
}

func (e *Engine) recordRunStarted(ctx context.Context, run RunInfo) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordRunStarted(ctx, run); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn(fmt.Sprintf("failed to record run %s", run.ID))
	}
}

package engine

import (
	"context"

	"github.com/chgops/chgops/pkg/policy"
	"github.com/chgops/chgops/pkg/tasks"
)

// RunRecorder persists run history. Recorder failures are logged and never
// fail a run.
type RunRecorder interface {
	// RecordRunStarted is called once, before any task runs.
	RecordRunStarted(ctx context.Context, run RunInfo) error

	// RecordTaskResult is called after each executed or skipped task.
	RecordTaskResult(ctx context.Context, runID string, index int, task tasks.Task, out tasks.Output) error

	// RecordRunFinished is called once with the final summary and the error
	// that stopped the run, if any.
	RecordRunFinished(ctx context.Context, summary *RunSummary, runErr error) error
}

// PolicyEvaluator checks a playbook before execution. *policy.Engine
// implements it.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input any) (*policy.Result, error)
}

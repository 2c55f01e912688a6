package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a playbook run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started executing tasks.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates tasks are executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every task succeeded, changed or was skipped.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one task failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run's context was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusErrored indicates a pipeline stage failed before or between
	// tasks.
	RunStatusErrored RunStatus = "errored"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusErrored
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusErrored:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Stage names one step of the run pipeline.
type Stage string

const (
	StageDiscover  Stage = "discover"
	StageMerge     Stage = "merge"
	StageArtifacts Stage = "artifacts"
	StageRender    Stage = "render"
	StagePublish   Stage = "publish"
	StagePlaybook  Stage = "playbook"
	StageValidate  Stage = "validate"
	StagePolicy    Stage = "policy"
	StageExecute   Stage = "execute"
	StageSummary   Stage = "summary"
)

// Stages lists the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{
		StageDiscover, StageMerge, StageArtifacts, StageRender, StagePublish,
		StagePlaybook, StageValidate, StagePolicy, StageExecute, StageSummary,
	}
}

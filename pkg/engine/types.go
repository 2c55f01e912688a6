package engine

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chgops/chgops/pkg/facts"
	"github.com/chgops/chgops/pkg/policy"
	"github.com/chgops/chgops/pkg/tasks"
)

// Params identify one playbook run.
type Params struct {
	// Playbook is the playbook name; the file is <workspace>/<name>.yaml.
	Playbook string `json:"playbook"`

	// Arguments are inserted into the facts under "args" before the
	// playbook is rendered.
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Settings are the playbook-level execution settings.
type Settings struct {
	// Name overrides the playbook name in reports.
	Name string `mapstructure:"name" json:"name,omitempty"`

	// Description is free text.
	Description string `mapstructure:"description" json:"description,omitempty"`

	// FailFast stops the run after the first failed task.
	FailFast bool `mapstructure:"fail_fast" json:"fail_fast"`

	// DefaultTimeout bounds tasks without their own timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" json:"default_timeout"`
}

// Playbook is a resolved, validated playbook ready to execute.
type Playbook struct {
	// Name is the playbook's display name.
	Name string

	// Path is the playbook file.
	Path string

	Settings Settings

	// Tasks run in file order.
	Tasks []tasks.Task

	// Document is the merged configuration and playbook as plain values.
	Document map[string]any
}

// Resolution is everything the pipeline produces before execution.
type Resolution struct {
	// Files are the discovered configuration files in merge order.
	Files []string

	// Facts is the run's fact store.
	Facts *facts.Store

	// RenderPasses is how many self-render passes the configuration took.
	RenderPasses int

	// Converged is false when the render pass limit was reached first.
	Converged bool

	// Artifacts are the files written to the artifacts dir.
	Artifacts []string

	// Playbook is nil when the pipeline stopped before the playbook stage.
	Playbook *Playbook

	// Policy is nil when policies are disabled.
	Policy *policy.Result
}

// RunInfo describes a run when it starts.
type RunInfo struct {
	ID        string    `json:"id"`
	Playbook  string    `json:"playbook"`
	Workspace string    `json:"workspace"`
	StartedAt time.Time `json:"started_at"`
}

// RunSummary aggregates the outcome of a run. Counters are the sums of the
// per-task flags.
type RunSummary struct {
	RunID    string    `json:"run_id"`
	Playbook string    `json:"playbook"`
	Status   RunStatus `json:"status"`

	TasksCounter int `json:"tasks_counter"`
	Success      int `json:"success"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	Changed      int `json:"changed"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	// Error is the message of the error that stopped the run, if any.
	Error string `json:"error,omitempty"`
}

// NewRunSummary starts a summary at now.
func NewRunSummary(runID, playbook string, now time.Time) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		Playbook:  playbook,
		Status:    RunStatusPending,
		StartTime: now,
	}
}

// IncrementAsTask counts one task and adds its flags to the totals.
func (s *RunSummary) IncrementAsTask(out tasks.Output) {
	s.TasksCounter++
	s.Success += out.Success
	s.Failed += out.Failed
	s.Skipped += out.Skipped
	s.Changed += out.Changed
}

// Finish stamps the end of the run.
func (s *RunSummary) Finish(now time.Time) {
	s.EndTime = now
}

// Duration is the elapsed time between start and end. An unfinished run
// reports zero.
func (s *RunSummary) Duration() time.Duration {
	if s.EndTime.IsZero() || s.EndTime.Before(s.StartTime) {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// HumanDuration formats Duration as hours, minutes, seconds and
// milliseconds, omitting zero units, e.g. "1m 2s 340ms".
func (s *RunSummary) HumanDuration() string {
	return formatDuration(s.Duration())
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Millisecond)
	if d == 0 {
		return "0ms"
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	d -= sec * time.Second
	ms := d / time.Millisecond

	var parts []string
	for _, u := range []struct {
		n      time.Duration
		suffix string
	}{{h, "h"}, {m, "m"}, {sec, "s"}, {ms, "ms"}} {
		if u.n > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", u.n, u.suffix))
		}
	}
	return strings.Join(parts, " ")
}

// Display writes the run banner.
func (s *RunSummary) Display(w io.Writer) {
	styles := tasks.NewStyles(w)

	status := styles.Success
	switch s.Status {
	case RunStatusFailed, RunStatusErrored:
		status = styles.Error
	case RunStatusCancelled:
		status = styles.Warning
	}

	fmt.Fprintf(w, "%s %s %s\n",
		styles.Title.Render("PLAY RECAP ["+s.Playbook+"]"),
		status.Render(string(s.Status)),
		styles.Muted.Render(s.HumanDuration()),
	)
	fmt.Fprintf(w, "  tasks=%d %s %s %s %s\n",
		s.TasksCounter,
		styles.Success.Render(fmt.Sprintf("ok=%d", s.Success)),
		styles.Warning.Render(fmt.Sprintf("changed=%d", s.Changed)),
		styles.Error.Render(fmt.Sprintf("failed=%d", s.Failed)),
		styles.Muted.Render(fmt.Sprintf("skipped=%d", s.Skipped)),
	)
	if s.Error != "" {
		fmt.Fprintf(w, "  %s\n", styles.Error.Render(s.Error))
	}
}

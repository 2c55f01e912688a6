package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chgops/chgops/pkg/document"
	"github.com/chgops/chgops/pkg/render"
	"github.com/chgops/chgops/pkg/tasks"
)

func TestRunSummaryTotals(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewRunSummary("run-1", "deploy", start)

	for _, d := range []tasks.Disposition{
		tasks.DispositionSucceeded,
		tasks.DispositionChanged,
		tasks.DispositionChanged,
		tasks.DispositionFailed,
		tasks.DispositionSkipped,
	} {
		out := tasks.Output{Disposition: d}
		switch d {
		case tasks.DispositionSucceeded:
			out.Success = 1
		case tasks.DispositionChanged:
			out.Success, out.Changed = 1, 1
		case tasks.DispositionFailed:
			out.Failed = 1
		case tasks.DispositionSkipped:
			out.Skipped = 1
		}
		s.IncrementAsTask(out)
	}

	if s.TasksCounter != 5 || s.Success != 3 || s.Changed != 2 || s.Failed != 1 || s.Skipped != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.Success+s.Failed+s.Skipped != s.TasksCounter {
		t.Errorf("success+failed+skipped should equal tasks")
	}

	if s.Duration() != 0 {
		t.Errorf("unfinished Duration() = %v, want 0", s.Duration())
	}
	s.Finish(start.Add(62*time.Second + 340*time.Millisecond))
	if got := s.HumanDuration(); got != "1m 2s 340ms" {
		t.Errorf("HumanDuration() = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0ms"},
		{400 * time.Microsecond, "0ms"},
		{15 * time.Millisecond, "15ms"},
		{3 * time.Second, "3s"},
		{time.Hour + 5*time.Millisecond, "1h 5ms"},
		{2*time.Hour + 30*time.Minute + 10*time.Second, "2h 30m 10s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunSummaryDisplay(t *testing.T) {
	s := NewRunSummary("run-1", "deploy", time.Now())
	s.IncrementAsTask(tasks.Output{Failed: 1})
	s.Status = RunStatusFailed
	s.Error = "boom"
	s.Finish(s.StartTime.Add(time.Second))

	var buf bytes.Buffer
	s.Display(&buf)
	out := buf.String()

	for _, want := range []string{"PLAY RECAP [deploy]", "failed", "1s", "tasks=1", "failed=1", "boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("Display() missing %q:\n%s", want, out)
		}
	}
}

func TestRunStatus(t *testing.T) {
	for _, s := range []RunStatus{RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusErrored} {
		if !s.IsTerminal() || s.IsActive() {
			t.Errorf("%s should be terminal", s)
		}
		if err := s.Validate(); err != nil {
			t.Errorf("Validate(%s) error = %v", s, err)
		}
	}
	if RunStatusRunning.IsTerminal() || !RunStatusPending.IsActive() {
		t.Error("pending and running are active")
	}
	if err := RunStatus("bogus").Validate(); err == nil {
		t.Error("Validate() expected error for unknown status")
	}
	if len(Stages()) != 10 || Stages()[0] != StageDiscover {
		t.Errorf("Stages() = %v", Stages())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
		code  string
	}{
		{"render", &render.RenderError{Template: "x", Err: errors.New("bad")}, ErrorClassTemplate, ErrCodeRender},
		{"parse", &document.ConfigError{File: "a.yaml", Message: "bad"}, ErrorClassConfig, ErrCodeParse},
		{"cancelled", fmt.Errorf("wrapped: %w", context.Canceled), ErrorClassCancelled, ErrCodeCancelled},
		{"timeout", context.DeadlineExceeded, ErrorClassCancelled, ErrCodeCancelled},
		{"other", errors.New("plain"), ErrorClassConfig, ""},
		{"engine error kept", NewPolicyError("denied", nil).WithCode(ErrCodePolicy), ErrorClassPolicy, ErrCodePolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, "failed")
			if got.Class != tt.class || got.Code != tt.code {
				t.Errorf("classify() = %s/%s, want %s/%s", got.Class, got.Code, tt.class, tt.code)
			}
			if ClassOf(got) != tt.class {
				t.Errorf("ClassOf() = %s", ClassOf(got))
			}
		})
	}
}

func TestEngineError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewConfigError("failed to write artifact", cause).
		WithCode(ErrCodeArtifact).
		WithStage(StageArtifacts).
		WithTask("t1").
		WithDetail("path", "/tmp/x")

	want := "[config] failed to write artifact (stage=artifacts) (task=t1): disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassConfig}) {
		t.Error("errors.Is should match on class")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassConfig, Code: ErrCodeParse}) {
		t.Error("errors.Is should not match a different code")
	}
	if err.Details["path"] != "/tmp/x" {
		t.Errorf("Details = %v", err.Details)
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !IsConfig(wrapped) || IsPolicy(wrapped) || IsTemplate(wrapped) || IsCancelled(wrapped) {
		t.Error("class predicates should see through wrapping")
	}
	if ClassOf(errors.New("x")) != "" {
		t.Error("ClassOf() of a plain error should be empty")
	}
	if ClassOf(NewExecutionError("run failed", cause)) != ErrorClassExecution {
		t.Error("ClassOf() of an execution error should be execution")
	}
}

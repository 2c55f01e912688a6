package policy

import (
	"strconv"
	"time"
)

// Severity represents the severity level of a policy finding.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity aborts a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module. Its package may define a "deny" set, whose
// members are violations, and a "warn" set, whose members are warnings.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module source.
	Rego string `json:"rego"`

	// Severity is the default severity for deny results.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny or warn result.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Task is the name of the offending task, if any.
	Task string `json:"task,omitempty"`

	// Index is the position of the offending task, or -1.
	Index int `json:"index"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Severity is the finding's severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Index >= 0 {
		name := v.Task
		if name == "" {
			name = "unnamed"
		}
		return "[" + v.Policy + "] tasks[" + strconv.Itoa(v.Index) + "] (" + name + "): " + v.Message
	}
	return "[" + v.Policy + "] " + v.Message
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists deny results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists warn results. They never block.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies whose evaluation failed.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that abort a run.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as "input".
type Input struct {
	Playbook PlaybookInput `json:"playbook"`
	Tasks    []TaskInput   `json:"tasks"`
}

// PlaybookInput describes the playbook as a whole.
type PlaybookInput struct {
	Name     string         `json:"name"`
	Settings map[string]any `json:"settings,omitempty"`
}

// TaskInput describes one task before it is decoded. Kind is empty when
// the task names no known kind.
type TaskInput struct {
	Index    int            `json:"index"`
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Command  string         `json:"command"`
	Register string         `json:"register,omitempty"`
	When     string         `json:"when,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
	Keys     []string       `json:"keys"`
}

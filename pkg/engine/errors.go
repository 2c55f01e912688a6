package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/chgops/chgops/pkg/document"
	"github.com/chgops/chgops/pkg/render"
)

// ErrorClass classifies why a run stopped before or during execution.
type ErrorClass string

const (
	// ErrorClassConfig covers unreadable, unparsable or schema-invalid
	// configuration and playbook documents.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassTemplate covers template parse and execution failures while
	// resolving the configuration or the playbook.
	ErrorClassTemplate ErrorClass = "template"

	// ErrorClassPolicy covers blocking policy violations.
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassExecution covers failures of the engine itself while running
	// tasks. Task failures are not errors; they are folded into the task
	// output.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassCancelled indicates the run's context was cancelled.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Error codes for programmatic handling.
const (
	ErrCodeDiscovery   = "DISCOVERY_FAILED"
	ErrCodeParse       = "PARSE_FAILED"
	ErrCodeArtifact    = "ARTIFACT_WRITE_FAILED"
	ErrCodeRender      = "RENDER_FAILED"
	ErrCodePlaybook    = "PLAYBOOK_INVALID"
	ErrCodeSchema      = "SCHEMA_VIOLATION"
	ErrCodeTaskDecode  = "TASK_DECODE_FAILED"
	ErrCodePolicy      = "POLICY_DENIED"
	ErrCodePolicyEval  = "POLICY_EVALUATION_FAILED"
	ErrCodeFacts       = "FACTS_FAILED"
	ErrCodeCancelled   = "CANCELLED"
	ErrCodeHistory     = "HISTORY_FAILED"
	ErrCodeInvalidArgs = "INVALID_ARGUMENTS"
)

// EngineError is a classified pipeline error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Stage is the pipeline stage that failed.
	Stage Stage `json:"stage,omitempty"`

	// Task is the task that was running, if any.
	Task string `json:"task,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	prefix := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Stage != "" {
		prefix += fmt.Sprintf(" (stage=%s)", e.Stage)
	}
	if e.Task != "" {
		prefix += fmt.Sprintf(" (task=%s)", e.Task)
	}
	if e.Err != nil {
		return prefix + ": " + e.Err.Error()
	}
	return prefix
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConfig, Message: message, Err: err}
}

// NewTemplateError creates a new template error.
func NewTemplateError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTemplate, Message: message, Err: err}
}

// NewPolicyError creates a new policy error.
func NewPolicyError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPolicy, Message: message, Err: err}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(err error) *EngineError {
	return &EngineError{Class: ErrorClassCancelled, Message: "run cancelled", Code: ErrCodeCancelled, Err: err}
}

// WithStage adds stage context to an error.
func (e *EngineError) WithStage(stage Stage) *EngineError {
	e.Stage = stage
	return e
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(task string) *EngineError {
	e.Task = task
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// classify wraps err as an EngineError. Errors that already carry a class
// keep it; document and template errors are recognized by type.
func classify(err error, message string) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewCancelledError(err)
	}

	var re *render.RenderError
	if errors.As(err, &re) {
		return NewTemplateError(message, err).WithCode(ErrCodeRender)
	}
	var ce *document.ConfigError
	if errors.As(err, &ce) {
		return NewConfigError(message, err).WithCode(ErrCodeParse)
	}
	return NewConfigError(message, err)
}

// ClassOf returns the class of err, or "" when err is not an EngineError.
func ClassOf(err error) ErrorClass {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Class
	}
	return ""
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	return ClassOf(err) == ErrorClassConfig
}

// IsTemplate reports whether err is a template error.
func IsTemplate(err error) bool {
	return ClassOf(err) == ErrorClassTemplate
}

// IsPolicy reports whether err is a policy error.
func IsPolicy(err error) bool {
	return ClassOf(err) == ErrorClassPolicy
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return ClassOf(err) == ErrorClassCancelled
}

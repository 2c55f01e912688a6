// Package runner executes external commands on behalf of tasks.
//
// A Runner takes a shell (or program) and its arguments and returns the
// captured output and exit status. A command that runs and exits non-zero is
// not an error; Run only fails when the command could not be started or the
// context ended first.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner runs a command and waits for it.
type Runner interface {
	Run(ctx context.Context, shell string, args []string) (*Result, error)
}

// Error describes a command that could not be run to completion.
type Error struct {
	Op        string
	Command   string
	Err       error
	Timeout   bool
	Temporary bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %q: timed out: %v", e.Op, e.Command, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func contextError(op, command string, err error) *Error {
	return &Error{
		Op:      op,
		Command: command,
		Err:     err,
		Timeout: errors.Is(err, context.DeadlineExceeded),
	}
}

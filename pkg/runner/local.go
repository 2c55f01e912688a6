package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// LocalRunner runs commands as child processes of chgops.
type LocalRunner struct {
	// WorkDir is the working directory of spawned commands.
	WorkDir string

	// Env is appended to the inherited environment.
	Env []string

	logger zerolog.Logger
}

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner(workDir string, logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{
		WorkDir: workDir,
		logger:  logger.With().Str("component", "runner").Str("runner", "local").Logger(),
	}
}

// Run executes shell with args and waits for it to exit.
func (r *LocalRunner) Run(ctx context.Context, shell string, args []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, shell, args...)
	cmd.Dir = r.WorkDir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, contextError("run", shell, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			result.ExitCode = -1
			return result, &Error{Op: "spawn", Command: shell, Err: err}
		}
		result.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug().
		Int("args", len(args)).
		Str("shell", shell).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")
	return result, nil
}

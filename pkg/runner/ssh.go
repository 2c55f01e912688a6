package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHRunner runs commands on a remote host over one shared SSH connection.
type SSHRunner struct {
	config *SSHConfig
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner validates config and returns an unconnected runner. The
// connection is opened on first use.
func NewSSHRunner(config *SSHConfig, logger zerolog.Logger) (*SSHRunner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SSHRunner{
		config: config,
		logger: logger.With().Str("component", "runner").Str("runner", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Run executes shell with args on the remote host.
func (r *SSHRunner) Run(ctx context.Context, shell string, args []string) (*Result, error) {
	client, err := r.connect(ctx)
	if err != nil {
		return &Result{ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		r.reset()
		return &Result{ExitCode: -1}, &Error{Op: "session", Command: shell, Err: err, Temporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(QuoteCommand(shell, args))
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Signal(ssh.SIGKILL)
		result := &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, Duration: time.Since(start)}
		return result, contextError("run", shell, ctx.Err())
	case runErr = <-done:
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			result.ExitCode = -1
			return result, &Error{Op: "run", Command: shell, Err: runErr, Temporary: true}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	r.logger.Debug().
		Str("shell", shell).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("remote command completed")
	return result, nil
}

// Close closes the underlying connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	clientConfig, err := r.config.ClientConfig()
	if err != nil {
		return nil, &Error{Op: "connect", Command: r.config.Address(), Err: err}
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", r.config.Address(), clientConfig)
		ch <- dialResult{c, err}
	}()

	select {
	case <-ctx.Done():
		return nil, contextError("connect", r.config.Address(), ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, &Error{Op: "connect", Command: r.config.Address(), Err: res.err, Temporary: true}
		}
		r.client = res.client
		r.logger.Info().Str("address", r.config.Address()).Msg("SSH connection established")
		return r.client, nil
	}
}

func (r *SSHRunner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
}

// QuoteCommand joins shell and args into a single POSIX command line,
// single-quoting every argument that needs it.
func QuoteCommand(shell string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(shell))
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chgops/chgops/pkg/config"
	"github.com/chgops/chgops/pkg/facts"
	"github.com/chgops/chgops/pkg/render"
	"github.com/chgops/chgops/pkg/runner"
)

// Kind selects a task variant. Each kind is also the YAML key that
// introduces the task.
type Kind string

const (
	KindBash       Kind = "dx.core.bash"
	KindWinCmd     Kind = "dx.core.wincmd"
	KindPrint      Kind = "dx.core.print"
	KindAzureCLI   Kind = "dx.azure.cli"
	KindAzureLogin Kind = "dx.azure.login"
)

// Kinds returns every known task kind.
func Kinds() []Kind {
	return []Kind{KindBash, KindWinCmd, KindPrint, KindAzureCLI, KindAzureLogin}
}

// Verbosity controls how much Display writes.
type Verbosity int

const (
	VerbosityNone Verbosity = iota
	// VerbosityV adds the task definition details.
	VerbosityV
	// VerbosityVV adds captured output.
	VerbosityVV
	// VerbosityVVV adds a full YAML dump of the task and its output.
	VerbosityVVV
)

// Task is one executable step of a playbook.
type Task interface {
	Name() string
	Kind() Kind
	Register() string
	Spec() Spec

	// Execute runs the task once and returns its fresh output. A task never
	// returns an error; failures are reported in the output.
	Execute(ctx context.Context) Output

	// Display writes a human summary of the last execution to w.
	Display(w io.Writer, verbosity Verbosity)

	// Output returns a copy of the last execution's result.
	Output() Output
}

// Spec holds the fields shared by every task kind.
type Spec struct {
	Name     string         `mapstructure:"name" yaml:"name,omitempty"`
	Command  string         `mapstructure:"command" yaml:"command,omitempty"`
	Vars     map[string]any `mapstructure:"vars" yaml:"vars,omitempty"`
	Register string         `mapstructure:"register" yaml:"register,omitempty"`

	// State is informational (present or absent) and only shows up in
	// messages.
	State string `mapstructure:"state" yaml:"state,omitempty"`

	// When guards execution. "false" skips, "true" or empty runs, anything
	// else is evaluated as a Starlark expression over the facts.
	When string `mapstructure:"when" yaml:"when,omitempty"`

	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// Deps are the collaborators injected into every task.
type Deps struct {
	Facts      *facts.Store
	Runner     runner.Runner
	Renderer   *render.Renderer
	Conditions *config.ConditionEvaluator
	Logger     zerolog.Logger

	// DefaultTimeout bounds tasks that do not set their own timeout. Zero
	// means unbounded.
	DefaultTimeout time.Duration

	// GOOS selects the shell dispatch of cloud CLI tasks. Defaults to
	// runtime.GOOS.
	GOOS string

	// Getenv resolves credential fallbacks. Defaults to os.Getenv.
	Getenv func(string) string

	// Now is the task clock. Defaults to time.Now.
	Now func() time.Time
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Facts == nil {
		return d, errors.New("tasks: a fact store is required")
	}
	if d.Renderer == nil {
		d.Renderer = render.New()
	}
	if d.Conditions == nil {
		d.Conditions = config.NewConditionEvaluator(0)
	}
	if d.GOOS == "" {
		d.GOOS = runtime.GOOS
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d, nil
}

// base carries the state machine shared by all kinds.
type base struct {
	spec   Spec
	kind   Kind
	deps   Deps
	out    Output
	masker *Masker
	logger zerolog.Logger
}

func newBase(kind Kind, spec Spec, deps Deps) base {
	return base{
		spec:   spec,
		kind:   kind,
		deps:   deps,
		masker: NewMasker(),
		logger: deps.Logger.With().Str("component", "task").Str("task", spec.Name).Str("kind", string(kind)).Logger(),
	}
}

func (b *base) Name() string     { return b.spec.Name }
func (b *base) Kind() Kind       { return b.kind }
func (b *base) Register() string { return b.spec.Register }
func (b *base) Output() Output   { return b.out }

// Spec returns the task definition with credentials masked.
func (b *base) Spec() Spec {
	s := b.spec
	if s.Vars != nil {
		s.Vars = b.masker.Value(s.Vars).(map[string]any)
	}
	s.Command = b.masker.String(s.Command)
	return s
}

func (b *base) Display(w io.Writer, verbosity Verbosity) {
	display(w, b, verbosity)
}

// performFunc carries out the kind-specific action against a facts snapshot
// and fills out.
type performFunc func(ctx context.Context, data map[string]any, out *Output)

// execute runs the shared state machine around perform. The returned output
// is stamped with both start and end time.
func (b *base) execute(ctx context.Context, perform performFunc) Output {
	b.out = Output{StartTime: b.deps.Now()}
	b.step(ctx, perform)
	b.out.EndTime = b.deps.Now()

	b.logger.Debug().
		Str("disposition", string(b.out.Disposition)).
		Int("status", b.out.Status).
		Dur("duration", b.out.Duration()).
		Msg("task finished")
	return b.out
}

// step evaluates the guard, performs the action and registers the result.
func (b *base) step(ctx context.Context, perform performFunc) {
	data := b.deps.Facts.Snapshot()

	run, err := b.shouldRun(ctx, data)
	if err != nil {
		b.out.fail(b.masker.String(err.Error()))
		return
	}
	if !run {
		b.out.settle(DispositionSkipped, "Skipped")
		return
	}

	timeout := b.spec.Timeout
	if timeout == 0 {
		timeout = b.deps.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	perform(ctx, data, &b.out)

	b.out.Stdout = b.masker.String(b.out.Stdout)
	b.out.Stderr = b.masker.String(b.out.Stderr)
	b.out.Message = b.masker.String(b.out.Message)

	if b.spec.Register != "" {
		value := b.out.Data
		if value == nil {
			value = b.out.Stdout
		}
		if err := b.deps.Facts.Insert(b.spec.Register, value); err != nil {
			b.out.fail(fmt.Sprintf("failed to register %q: %v", b.spec.Register, err))
		}
	}
}

// shouldRun evaluates the when guard.
func (b *base) shouldRun(ctx context.Context, data map[string]any) (bool, error) {
	when, err := b.render("when", b.spec.When, data)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(when) {
	case "false":
		return false, nil
	case "", "true":
		return true, nil
	}
	ok, err := b.deps.Conditions.Eval(ctx, when, data)
	if err != nil {
		return false, fmt.Errorf("when %q: %w", when, err)
	}
	return ok, nil
}

func (b *base) render(field, text string, data map[string]any) (string, error) {
	return b.deps.Renderer.Render(b.templateName(field), text, data)
}

func (b *base) templateName(field string) string {
	name := b.spec.Name
	if name == "" {
		name = string(b.kind)
	}
	return name + "." + field
}

// settleCommand folds a runner result into out. Exit status 0 yields ok;
// anything else fails the task.
func (b *base) settleCommand(res *runner.Result, err error, ok Disposition, out *Output) {
	if res != nil {
		out.Stdout = res.Stdout
		out.Stderr = res.Stderr
		out.Status = res.ExitCode
	}

	if err != nil {
		out.Status = -1
		var rerr *runner.Error
		if errors.As(err, &rerr) && rerr.Timeout {
			out.fail(fmt.Sprintf("timed out: %v", err))
			return
		}
		out.fail(err.Error())
		return
	}

	if out.Status != 0 {
		out.fail(fmt.Sprintf("exit status %d", out.Status))
		return
	}

	msg := "OK"
	if b.spec.State != "" {
		msg = fmt.Sprintf("OK (state: %s)", b.spec.State)
	}
	out.settle(ok, msg)
}

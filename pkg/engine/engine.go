package engine

import (
	"context"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/chgops/chgops/pkg/config"
	"github.com/chgops/chgops/pkg/policy"
	"github.com/chgops/chgops/pkg/render"
	"github.com/chgops/chgops/pkg/runner"
	"github.com/chgops/chgops/pkg/tasks"
	"github.com/chgops/chgops/pkg/telemetry"
)

// Engine runs playbooks for one workspace.
type Engine struct {
	cfg        *config.EngineConfig
	runner     runner.Runner
	renderer   *render.Renderer
	schemas    *config.SchemaRegistry
	conditions *config.ConditionEvaluator
	policies   PolicyEvaluator
	recorder   RunRecorder
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger

	out       io.Writer
	verbosity tasks.Verbosity
	now       func() time.Time
	getenv    func(string) string
	goos      string
	debounce  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner sets the command runner. The default runs commands locally
// in the workspace.
func WithRunner(r runner.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithRenderer sets the template renderer.
func WithRenderer(r *render.Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithPolicy sets the policy evaluator, replacing the one built from the
// configuration.
func WithPolicy(p PolicyEvaluator) Option {
	return func(e *Engine) { e.policies = p }
}

// WithRecorder sets the run history recorder.
func WithRecorder(r RunRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithTelemetry sets logging, metrics, tracing and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = t }
}

// WithOutput sets where task and summary displays are written.
func WithOutput(w io.Writer, verbosity tasks.Verbosity) Option {
	return func(e *Engine) {
		e.out = w
		e.verbosity = verbosity
	}
}

// WithClock sets the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEnv sets the environment lookup used for credential fallbacks.
func WithEnv(getenv func(string) string) Option {
	return func(e *Engine) { e.getenv = getenv }
}

// WithGOOS sets the platform used to dispatch cloud CLI commands.
func WithGOOS(goos string) Option {
	return func(e *Engine) { e.goos = goos }
}

// WithWatchDebounce sets how long Watch waits for file changes to settle.
func WithWatchDebounce(d time.Duration) Option {
	return func(e *Engine) { e.debounce = d }
}

// New creates an engine. Policies are compiled here when enabled and no
// evaluator was given.
func New(ctx context.Context, cfg *config.EngineConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, NewConfigError("engine config is required", nil)
	}

	e := &Engine{
		cfg:       cfg,
		out:       io.Discard,
		verbosity: tasks.VerbosityNone,
		now:       time.Now,
		getenv:    os.Getenv,
		goos:      runtime.GOOS,
		debounce:  DefaultWatchDebounce,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.tel == nil {
		e.tel = telemetry.Noop()
	}
	e.logger = e.tel.Logger.NewComponentLogger("engine")

	if e.renderer == nil {
		e.renderer = render.New()
	}
	if e.runner == nil {
		e.runner = runner.NewLocalRunner(cfg.Workspace, e.tel.Logger.Zerolog())
	}
	e.schemas = config.NewSchemaRegistry()
	e.conditions = config.NewConditionEvaluator(cfg.ConditionTimeout)

	if e.policies == nil && cfg.Policy.Enabled {
		p, err := policy.NewEngine(ctx, policy.Config{
			Builtin:     cfg.Policy.Builtin,
			Dirs:        cfg.Policy.Dirs,
			FailOnError: cfg.Policy.FailOnError,
		}, e.tel.Logger.Zerolog())
		if err != nil {
			return nil, NewPolicyError("failed to load policies", err).WithCode(ErrCodePolicyEval)
		}
		e.policies = p
	}

	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.EngineConfig {
	return e.cfg
}

// Policies returns the policy evaluator, or nil when policies are off.
func (e *Engine) Policies() PolicyEvaluator {
	return e.policies
}

func (e *Engine) taskDeps(res *Resolution, settings Settings) tasks.Deps {
	return tasks.Deps{
		Facts:          res.Facts,
		Runner:         e.runner,
		Renderer:       e.renderer,
		Conditions:     e.conditions,
		Logger:         e.tel.Logger.Zerolog(),
		DefaultTimeout: settings.DefaultTimeout,
		GOOS:           e.goos,
		Getenv:         e.getenv,
		Now:            e.now,
	}
}

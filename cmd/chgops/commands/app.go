package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chgops/chgops/pkg/config"
	"github.com/chgops/chgops/pkg/engine"
	"github.com/chgops/chgops/pkg/runner"
	"github.com/chgops/chgops/pkg/stores"
	"github.com/chgops/chgops/pkg/tasks"
	"github.com/chgops/chgops/pkg/telemetry"
)

// app is everything a command needs to run playbooks.
type app struct {
	cfg     *config.EngineConfig
	tel     *telemetry.Telemetry
	engine  *engine.Engine
	store   *stores.SQLiteStore
	closers []func(context.Context) error
}

type setupOptions struct {
	history bool
}

// setup loads the configuration and builds telemetry, the runner, the
// history store and the engine.
func setup(cmd *cobra.Command, opts setupOptions) (*app, error) {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel
	a.closers = append(a.closers, tel.Shutdown)
	logger := tel.Logger.Zerolog()

	engineOpts := []engine.Option{
		engine.WithTelemetry(tel),
		engine.WithOutput(cmd.OutOrStdout(), tasks.Verbosity(min(verbosity, int(tasks.VerbosityVVV)))),
	}

	if cfg.Runner.Type == "ssh" {
		r, err := runner.NewSSHRunner(cfg.Runner.SSH, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create ssh runner: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return r.Close() })
		engineOpts = append(engineOpts, engine.WithRunner(r))
	}

	if opts.history && cfg.History.Enabled && !noHistory {
		store, err := stores.Open(ctx, stores.Config{Path: cfg.History.Path})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })

		recorder := stores.NewHistoryRecorder(store, logger)
		recorder.Subscribe(tel.Events)
		engineOpts = append(engineOpts, engine.WithRecorder(recorder))
	}

	e, err := engine.New(ctx, cfg, engineOpts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = e
	return a, nil
}

// close releases everything setup opened, last opened first.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil && a.tel != nil {
		a.tel.Logger.WithError(err).Warn("shutdown incomplete")
	}
}

// loadConfig reads the engine configuration and applies the global flags.
func loadConfig() (*config.EngineConfig, error) {
	cfg, err := config.Load(configPath, workspace)
	if err != nil {
		return nil, err
	}
	level := logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level != "" {
		cfg.Telemetry.Logging.Level = level
	}
	if buildInfo.Version != "" {
		cfg.Telemetry.ServiceVersion = buildInfo.Version
	}
	return cfg, nil
}

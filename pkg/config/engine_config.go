package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/chgops/chgops/pkg/runner"
	"github.com/chgops/chgops/pkg/telemetry"
)

// ConfigName is the base name of the engine configuration file.
const ConfigName = "chgops"

// EngineConfig is the configuration of one chgops engine instance.
type EngineConfig struct {
	// Workspace is the directory holding the playbook and its vars tree.
	Workspace string `mapstructure:"workspace" validate:"required"`

	// CollectionsDir is the root of the shared collection tree. Relative
	// paths are resolved against Workspace.
	CollectionsDir string `mapstructure:"collections_dir"`

	// CollectionsPatterns select collection variable files.
	CollectionsPatterns []string `mapstructure:"collections_patterns" validate:"min=1,dive,required"`

	// VarsDir is the workspace variable tree.
	VarsDir string `mapstructure:"vars_dir" validate:"required"`

	// VarsPatterns select workspace variable files.
	VarsPatterns []string `mapstructure:"vars_patterns" validate:"min=1,dive,required"`

	// ArtifactsDir receives merged.yaml, final.yaml and playbook.yaml.
	ArtifactsDir string `mapstructure:"artifacts_dir" validate:"required"`

	// MaxRenderPasses bounds the self-referential render of the configuration.
	MaxRenderPasses int `mapstructure:"max_render_passes" validate:"min=1,max=16"`

	// DefaultTaskTimeout applies to tasks without their own timeout. Zero
	// disables the limit.
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout" validate:"gte=0"`

	// ConditionTimeout bounds the evaluation of a single "when" expression.
	ConditionTimeout time.Duration `mapstructure:"condition_timeout" validate:"gt=0"`

	Policy    PolicyConfig     `mapstructure:"policy"`
	History   HistoryConfig    `mapstructure:"history"`
	Runner    RunnerConfig     `mapstructure:"runner"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// PolicyConfig configures pre-flight policy evaluation.
type PolicyConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Builtin     bool     `mapstructure:"builtin"`
	Dirs        []string `mapstructure:"dirs"`
	FailOnError bool     `mapstructure:"fail_on_error"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// RunnerConfig selects where task commands run.
type RunnerConfig struct {
	Type string            `mapstructure:"type" validate:"oneof=local ssh"`
	SSH  *runner.SSHConfig `mapstructure:"ssh" validate:"required_if=Type ssh"`
}

// Defaults returns the built-in configuration for a workspace.
func Defaults(workspace string) *EngineConfig {
	tel := telemetry.DefaultConfig()
	return &EngineConfig{
		Workspace:           workspace,
		CollectionsDir:      "collections",
		CollectionsPatterns: []string{"*/vars/*.yaml"},
		VarsDir:             "vars",
		VarsPatterns:        []string{"*.yaml"},
		ArtifactsDir:        filepath.Join(".chgops", "artifacts"),
		MaxRenderPasses:     3,
		DefaultTaskTimeout:  30 * time.Minute,
		ConditionTimeout:    5 * time.Second,
		Policy: PolicyConfig{
			Enabled: true,
			Builtin: true,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(".chgops", "history.db"),
		},
		Runner: RunnerConfig{
			Type: "local",
		},
		Telemetry: *tel,
	}
}

// Load reads the engine configuration. An explicit path must exist;
// otherwise chgops.yaml is searched for in the workspace and in
// $HOME/.chgops, and a missing file means defaults. CHGOPS_* environment
// variables override file values, e.g. CHGOPS_MAX_RENDER_PASSES.
func Load(path, workspace string) (*EngineConfig, error) {
	if workspace == "" {
		workspace = "."
	}

	v := viper.New()
	setDefaults(v, Defaults(workspace))

	v.SetEnvPrefix("CHGOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(workspace)
		v.AddConfigPath("$HOME/.chgops")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &EngineConfig{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// The command line wins over the file for the workspace itself.
	cfg.Workspace = workspace
	cfg.Resolve()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve makes every relative directory absolute under the workspace.
func (c *EngineConfig) Resolve() {
	if abs, err := filepath.Abs(c.Workspace); err == nil {
		c.Workspace = abs
	}
	c.CollectionsDir = c.underWorkspace(c.CollectionsDir)
	c.VarsDir = c.underWorkspace(c.VarsDir)
	c.ArtifactsDir = c.underWorkspace(c.ArtifactsDir)
	c.History.Path = c.underWorkspace(c.History.Path)
	for i, dir := range c.Policy.Dirs {
		c.Policy.Dirs[i] = c.underWorkspace(dir)
	}
}

func (c *EngineConfig) underWorkspace(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace, p)
}

var validate = validator.New()

// Validate checks if the configuration is valid.
func (c *EngineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if c.Runner.Type == "ssh" {
		if err := c.Runner.SSH.Validate(); err != nil {
			return err
		}
	}
	return c.Telemetry.Validate()
}

func setDefaults(v *viper.Viper, d *EngineConfig) {
	v.SetDefault("collections_dir", d.CollectionsDir)
	v.SetDefault("collections_patterns", d.CollectionsPatterns)
	v.SetDefault("vars_dir", d.VarsDir)
	v.SetDefault("vars_patterns", d.VarsPatterns)
	v.SetDefault("artifacts_dir", d.ArtifactsDir)
	v.SetDefault("max_render_passes", d.MaxRenderPasses)
	v.SetDefault("default_task_timeout", d.DefaultTaskTimeout)
	v.SetDefault("condition_timeout", d.ConditionTimeout)

	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.builtin", d.Policy.Builtin)
	v.SetDefault("policy.dirs", d.Policy.Dirs)
	v.SetDefault("policy.fail_on_error", d.Policy.FailOnError)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)

	v.SetDefault("runner.type", d.Runner.Type)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.enable_async", t.Events.EnableAsync)
}

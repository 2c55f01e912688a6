package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// ErrRunFailed is returned when a run finished with failed tasks or stopped
// early.
var ErrRunFailed = errors.New("run failed")

var (
	// Global flags
	configPath string
	workspace  string
	verbosity  int
	logLevel   string
	noHistory  bool

	buildInfo versionInfo
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildInfo = versionInfo{Version: version, Commit: commit, BuildDate: buildDate}

	rootCmd := &cobra.Command{
		Use:   "chgops",
		Short: "chgops - playbook-driven infrastructure automation",
		Long: `chgops merges layered YAML variables, renders them against themselves and
runs the tasks of a playbook against the resulting facts.

A workspace holds:
  - vars/*.yaml                   workspace variables
  - collections/*/vars/*.yaml     shared collection variables
  - <playbook>.yaml               playbooks with a tasks list
  - chgops.yaml                   optional engine configuration`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "engine config file (default: <workspace>/chgops.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "task output detail (-v, -vv, -vvv)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noHistory, "no-history", false, "do not record the run history")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// parseArguments turns key=value pairs into a map. The value may contain
// further '=' characters.
func parseArguments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q: expected key=value", pair)
		}
		args[key] = value
	}
	return args, nil
}

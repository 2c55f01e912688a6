package commands

import (
	"github.com/spf13/cobra"

	"github.com/chgops/chgops/pkg/engine"
	"github.com/chgops/chgops/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	var (
		arguments []string
		metrics   bool
	)

	cmd := &cobra.Command{
		Use:   "watch <playbook>",
		Short: "Run a playbook again whenever the workspace changes",
		Long: `Run the playbook once, then watch the workspace and the collections tree
and run it again when a YAML file changes. Changes are debounced, and policy
directories are reloaded as they change.

With --metrics the Prometheus endpoint from telemetry.metrics is served for
as long as the command runs.`,
		Example: `  # Re-run deploy on every save
  chgops watch deploy -a env=dev

  # Expose metrics while watching
  chgops watch deploy --metrics`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := playbookParams(args[0], arguments)
			if err != nil {
				return err
			}

			a, err := setup(cmd, setupOptions{history: true})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			logger := a.tel.Logger.NewComponentLogger("watch")

			if metrics {
				go func() {
					if err := a.tel.Metrics.Serve(ctx); err != nil {
						logger.WithError(err).Error("metrics server stopped")
					}
				}()
			}

			if p, ok := a.engine.Policies().(*policy.Engine); ok {
				if err := p.Watch(ctx); err != nil {
					logger.WithError(err).Warn("policy directories are not watched")
				}
			}

			return a.engine.Watch(ctx, params, func(summary *engine.RunSummary, err error) {
				if err != nil {
					logger.WithError(err).Error("run stopped")
					return
				}
				if err := runResult(summary); err != nil {
					logger.Warn(err.Error())
				}
			})
		},
	}

	addArgumentsFlag(cmd, &arguments)
	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics while watching")
	return cmd
}

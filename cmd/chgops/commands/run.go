package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chgops/chgops/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var arguments []string

	cmd := &cobra.Command{
		Use:   "run <playbook>",
		Short: "Run a playbook",
		Long: `Resolve the workspace configuration and run the tasks of a playbook.

The pipeline merges collection and workspace variables, resolves references,
renders the result against itself, applies the playbook, checks policies and
then executes the tasks in order. Artifacts of every stage are written to
.chgops/artifacts in the workspace.

The command exits with status 1 when any task failed or the run stopped.`,
		Example: `  # Run deploy.yaml in the current workspace
  chgops run deploy

  # Run with arguments available as {{ .args.env }}
  chgops run deploy -a env=prod -a region=westeurope

  # Show captured output of every task
  chgops run deploy -w ./infra -vv`,
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

			summary, err := a.engine.Run(cmd.Context(), params)
			if err != nil {
				return err
			}
			return runResult(summary)
		},
	}

	addArgumentsFlag(cmd, &arguments)
	return cmd
}

func addArgumentsFlag(cmd *cobra.Command, arguments *[]string) {
	cmd.Flags().StringArrayVarP(arguments, "arguments", "a", nil, "playbook argument as key=value, published as args.<key> (repeatable)")
}

func playbookParams(playbook string, arguments []string) (engine.Params, error) {
	args, err := parseArguments(arguments)
	if err != nil {
		return engine.Params{}, err
	}
	return engine.Params{Playbook: playbook, Arguments: args}, nil
}

// runResult maps a finished run to the command's error.
func runResult(summary *engine.RunSummary) error {
	if summary.Status == engine.RunStatusSucceeded {
		return nil
	}
	return fmt.Errorf("%w: %s with %d of %d tasks failed", ErrRunFailed, summary.Status, summary.Failed, summary.TasksCounter)
}

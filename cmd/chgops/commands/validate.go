package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chgops/chgops/pkg/tasks"
)

func newValidateCommand() *cobra.Command {
	var arguments []string

	cmd := &cobra.Command{
		Use:   "validate <playbook>",
		Short: "Resolve and check a playbook without running it",
		Long: `Run every stage of the pipeline up to and including the policy check.

This command checks:
  - YAML syntax of every variable file and the playbook
  - Reference and template resolution
  - Playbook schema conformance (CUE)
  - Task definitions
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate deploy.yaml
  chgops validate deploy

  # Validate with the arguments the run will get
  chgops validate deploy -a env=prod`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := playbookParams(args[0], arguments)
			if err != nil {
				return err
			}

			a, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.Validate(cmd.Context(), params)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			styles := tasks.NewStyles(w)
			fmt.Fprintf(w, "%s %s\n", styles.Success.Render("valid"), styles.Title.Render(res.Playbook.Name))
			fmt.Fprintf(w, "  files:   %d\n", len(res.Files))
			fmt.Fprintf(w, "  passes:  %d (converged: %v)\n", res.RenderPasses, res.Converged)
			fmt.Fprintf(w, "  tasks:   %d\n", len(res.Playbook.Tasks))
			if res.Policy != nil {
				fmt.Fprintf(w, "  policies: %d evaluated\n", len(res.Policy.EvaluatedPolicies))
				for _, v := range res.Policy.Warnings {
					fmt.Fprintf(w, "  %s %s\n", styles.Warning.Render("warning"), v.String())
				}
			}
			return nil
		},
	}

	addArgumentsFlag(cmd, &arguments)
	return cmd
}

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newFactsCommand() *cobra.Command {
	var (
		arguments  []string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "facts <playbook> [path]",
		Short: "Show the facts a playbook starts with",
		Long: `Resolve the workspace configuration and the playbook variables and print
the resulting facts, the context every task template is rendered against.

An optional dotted path selects one value, e.g. "app.region" or
"subnets.0.name".`,
		Example: `  # All facts as YAML
  chgops facts deploy

  # One value as JSON
  chgops facts deploy app.network --json`,
		Args: cobra.RangeArgs(1, 2),
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

			store, err := a.engine.Facts(cmd.Context(), params)
			if err != nil {
				return err
			}

			path := ""
			if len(args) == 2 {
				path = args[1]
			}
			value, ok := store.Get(path)
			if !ok {
				return fmt.Errorf("fact %q is not set", path)
			}
			return printValue(cmd, value, jsonOutput)
		},
	}

	addArgumentsFlag(cmd, &arguments)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func printValue(cmd *cobra.Command, value any, asJSON bool) error {
	w := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("failed to encode facts: %w", err)
	}
	return enc.Close()
}

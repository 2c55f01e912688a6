package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func newVersionCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printValue(cmd, map[string]any{
					"version":    buildInfo.Version,
					"commit":     buildInfo.Commit,
					"build_date": buildInfo.BuildDate,
					"go":         runtime.Version(),
					"platform":   runtime.GOOS + "/" + runtime.GOARCH,
				}, true)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chgops %s (commit: %s, built: %s, %s %s/%s)\n",
				buildInfo.Version, buildInfo.Commit, buildInfo.BuildDate,
				runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/chgops/chgops/pkg/stores"
	"github.com/chgops/chgops/pkg/tasks"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		events     bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `List the most recent runs of the workspace, or the task results of one run.

History is kept in .chgops/history.db unless history.path says otherwise.`,
		Example: `  # Last 20 runs
  chgops history

  # Task results of one run
  chgops history 3f1c2a4e-...

  # Events of one run as JSON
  chgops history 3f1c2a4e-... --events --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := stores.Open(cmd.Context(), stores.Config{Path: cfg.History.Path})
			if err != nil {
				return fmt.Errorf("failed to open history: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printValue(cmd, runs, true)
				}
				printRuns(cmd, runs)
				return nil
			}

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if events {
				list, err := store.ListEvents(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printValue(cmd, list, true)
				}
				printEvents(cmd, list)
				return nil
			}

			results, err := store.ListTaskResults(ctx, run.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printValue(cmd, map[string]any{"run": run, "tasks": results}, true)
			}
			printRun(cmd, run, results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().BoolVar(&events, "events", false, "show the events of the run instead of its tasks")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func newTable(cmd *cobra.Command, headers ...string) *table.Table {
	styles := tasks.NewStyles(cmd.OutOrStdout())
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Title.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func printRuns(cmd *cobra.Command, runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
		return
	}
	t := newTable(cmd, "RUN", "PLAYBOOK", "STATUS", "STARTED", "DURATION", "TASKS", "CHANGED", "FAILED")
	for _, r := range runs {
		t.Row(
			r.ID,
			r.Playbook,
			string(r.Status),
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Millisecond).String(),
			strconv.Itoa(r.Tasks),
			strconv.Itoa(r.Changed),
			strconv.Itoa(r.Failed),
		)
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.String())
}

func printRun(cmd *cobra.Command, run *stores.Run, results []*stores.TaskResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run %s  %s  %s  started %s\n", run.ID, run.Playbook, run.Status,
		run.StartedAt.Local().Format(time.DateTime))
	if run.Error != nil {
		fmt.Fprintf(w, "error: %s\n", *run.Error)
	}

	t := newTable(cmd, "#", "TASK", "KIND", "RESULT", "EXIT", "DURATION", "MESSAGE")
	for _, r := range results {
		t.Row(
			strconv.Itoa(r.Position),
			r.Name,
			r.Kind,
			r.Disposition,
			strconv.Itoa(r.ExitStatus),
			r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			r.Message,
		)
	}
	fmt.Fprintln(w, t.String())
}

func printEvents(cmd *cobra.Command, events []*stores.Event) {
	t := newTable(cmd, "TIME", "TYPE", "LEVEL", "MESSAGE")
	for _, e := range events {
		t.Row(e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.Level, e.Message)
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.String())
}

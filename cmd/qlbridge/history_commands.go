package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"qlbridge/internal/history"
	"qlbridge/internal/services"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage recorded query runs",
	}

	historyCmd.AddCommand(newHistoryListCommand(ctx))
	historyCmd.AddCommand(newHistoryShowCommand(ctx))
	historyCmd.AddCommand(newHistoryRemoveCommand(ctx))
	historyCmd.AddCommand(newHistoryPruneCommand(ctx))
	historyCmd.AddCommand(newHistoryStatsCommand(ctx))

	return historyCmd
}

func newHistoryListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var statusFilters []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]history.Status, 0, len(statusFilters))
			for _, raw := range statusFilters {
				status, ok := history.ParseStatus(raw)
				if !ok {
					return services.Wrap(services.ErrValidation, cliComponent, "history list", fmt.Sprintf("unknown status %q", raw), nil)
				}
				statuses = append(statuses, status)
			}
			return ctx.withStore(func(store *history.Store) error {
				runs, err := store.List(cmd.Context(), limit, statuses...)
				if err != nil {
					return err
				}
				if jsonOutput {
					payload := make([]runJSON, 0, len(runs))
					for _, run := range runs {
						payload = append(payload, toRunJSON(run, nil, nil))
					}
					return writeJSON(cmd, payload)
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Query", "Database", "Status", "Results", "Evaluation", "Started"},
					buildHistoryRows(runs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to show (0 for all)")
	cmd.Flags().StringSliceVar(&statusFilters, "status", nil, "Only show runs with these statuses")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print runs as JSON")
	return cmd
}

func buildHistoryRows(runs []*history.Run) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		status := string(run.Status)
		if run.ResultType != "" && run.Status != history.StatusCompleted {
			status += " (" + run.ResultType + ")"
		}
		results := "-"
		if run.Status == history.StatusCompleted {
			results = strconv.FormatInt(run.ResultCount, 10)
		}
		rows = append(rows, []string{
			shortID(run.ID),
			run.QueryName,
			lastPathElements(run.DatabasePath, 2),
			status,
			results,
			formatDuration(run.Evaluation),
			run.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func lastPathElements(path string, n int) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	if len(parts) <= n {
		return path
	}
	return strings.Join(parts[len(parts)-n:], "/")
}

func newHistoryShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *history.Store) error {
				run, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, toRunJSON(run, nil, nil))
				}
				rows := [][]string{
					{"ID", run.ID},
					{"Query", run.QueryPath},
					{"Database", run.DatabasePath},
					{"Status", string(run.Status)},
					{"Result type", run.ResultType},
					{"Results", strconv.FormatInt(run.ResultCount, 10)},
					{"Evaluation", formatDuration(run.Evaluation)},
					{"Elapsed", formatDuration(run.Elapsed(time.Now()))},
					{"Started", run.CreatedAt.Local().Format(time.DateTime)},
					{"Output", run.OutputPath},
					{"Evaluator log", run.EvaluatorLogPath()},
				}
				if run.Message != "" {
					rows = append(rows, []string{"Message", run.Message})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run as JSON")
	return cmd
}

func newHistoryRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <run-id>...",
		Short: "Delete runs and their output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *history.Store) error {
				for _, id := range args {
					run, err := store.Get(cmd.Context(), id)
					if err != nil {
						return err
					}
					if err := store.Remove(cmd.Context(), run.ID); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed run %s (%s)\n", shortID(run.ID), run.QueryName)
				}
				return nil
			})
		},
	}
}

func newHistoryPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			age, err := parseAge(olderThan)
			if err != nil {
				return services.Wrap(services.ErrValidation, cliComponent, "history prune", "invalid --older-than", err)
			}
			return ctx.withStore(func(store *history.Store) error {
				removed, err := store.Prune(cmd.Context(), age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "30d", "Minimum age, e.g. 12h or 7d")
	return cmd
}

func newHistoryStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count runs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *history.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(stats))
				for _, status := range history.AllStatuses() {
					if count := stats[status]; count > 0 {
						rows = append(rows, []string{string(status), strconv.Itoa(count)})
					}
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

// parseAge accepts Go durations plus a day suffix.
func parseAge(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad day count %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("age must be positive")
	}
	return d, nil
}

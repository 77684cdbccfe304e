package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"qlbridge/internal/history"
	"qlbridge/internal/services"
)

func newResultsCommand(ctx *commandContext) *cobra.Command {
	var resultSet string
	var page int
	var rows int
	var jsonOutput bool
	var listSets bool
	var exportDir string

	cmd := &cobra.Command{
		Use:   "results <run-id>",
		Short: "Show decoded results of a completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if page < 0 {
				return services.Wrap(services.ErrValidation, cliComponent, "results", "--page must not be negative", nil)
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *history.Store) error {
				run, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if run.Status != history.StatusCompleted {
					return services.Wrap(services.ErrValidation, cliComponent, "results",
						fmt.Sprintf("run %s is %s", shortID(run.ID), run.Status), nil)
				}
				if _, err := os.Stat(run.OutputPath); err != nil {
					return services.Wrap(services.ErrNotFound, cliComponent, "results", run.OutputPath, err)
				}

				decoder := ctx.decoder(logger, rows)
				if listSets {
					info, err := decoder.Info(cmd.Context(), run.OutputPath)
					if err != nil {
						return err
					}
					tableRows := make([][]string, 0, len(info.ResultSets))
					for _, rs := range info.ResultSets {
						tableRows = append(tableRows, []string{rs.Name, strconv.FormatInt(rs.Rows, 10), strconv.Itoa(len(rs.Columns))})
					}
					fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Result set", "Rows", "Columns"}, tableRows,
						[]columnAlignment{alignLeft, alignRight, alignRight}))
					return nil
				}

				if exportDir != "" {
					target, n, err := exportCSV(cmd.Context(), decoder, run, resultSet, exportDir)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rows to %s\n", n, target)
					return nil
				}

				decoded, err := decoder.Decode(cmd.Context(), run.OutputPath, resultSet, page)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, toResultSetJSON(decoded))
				}
				renderResultSet(cmd.OutOrStdout(), decoded)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&resultSet, "result-set", "", "Result set to show (default #select)")
	cmd.Flags().IntVar(&page, "page", 0, "Zero-based page to show")
	cmd.Flags().IntVar(&rows, "rows", 0, "Rows per page (default results.page_size)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the page as JSON")
	cmd.Flags().BoolVar(&listSets, "list", false, "List the result sets instead of decoding one")
	cmd.Flags().StringVar(&exportDir, "export", "", "Write every page of the result set as CSV into this directory")
	return cmd
}

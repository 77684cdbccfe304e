package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"qlbridge/internal/codeql"
	"qlbridge/internal/history"
	"qlbridge/internal/logging"
	"qlbridge/internal/metrics"
	"qlbridge/internal/queryserver"
	"qlbridge/internal/runner"
	"qlbridge/internal/services"
)

type runOptions struct {
	database        string
	rows            int
	resultSet       string
	jsonOutput      bool
	quiet           bool
	parallel        int
	additionalPacks []string
	externalInputs  map[string]string
	metricsFile     string
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	opts := runOptions{externalInputs: map[string]string{}}

	cmd := &cobra.Command{
		Use:   "run <query.ql|dir|suite.qls>...",
		Short: "Evaluate queries against a database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.database) == "" {
				return services.Wrap(services.ErrValidation, cliComponent, "run", "--db is required", nil)
			}
			return ctx.runQueries(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.database, "db", "d", "", "CodeQL database directory")
	cmd.Flags().IntVar(&opts.rows, "rows", 0, "Rows to show per result set (default results.page_size)")
	cmd.Flags().StringVar(&opts.resultSet, "result-set", "", "Result set to show (default #select)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print runs and results as JSON")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Hide the progress line")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "j", 0, "Queries evaluated at once (default query_server.max_parallel_queries)")
	cmd.Flags().StringSliceVar(&opts.additionalPacks, "additional-packs", nil, "Extra pack search paths")
	cmd.Flags().StringToStringVar(&opts.externalInputs, "external", nil, "External predicate inputs as name=path.csv")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")
	return cmd
}

func (c *commandContext) runQueries(cmd *cobra.Command, queries []string, opts runOptions) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return err
	}
	cli := c.codeqlClient(logger)
	queries, err = expandQueries(cmd.Context(), cli, queries)
	if err != nil {
		return err
	}
	dbInfo, err := cli.ResolveDatabase(cmd.Context(), opts.database)
	if err != nil {
		return services.Wrap(services.ErrValidation, cliComponent, "run", opts.database+" is not a CodeQL database", err)
	}
	logger.Info("database resolved",
		logging.String(logging.FieldDatabase, opts.database),
		logging.String("languages", strings.Join(dbInfo.Languages, ",")),
		logging.Int("queries", len(queries)),
	)
	collector := metrics.New()

	var results []*runner.Result
	var runErr error
	err = c.withStore(func(store *history.Store) error {
		return c.withServer(cmd, collector, func(runCtx context.Context, server *queryserver.Client, logger *slog.Logger) error {
			// The server lock is held, so no other process owns a running row.
			if n, err := store.MarkInterrupted(runCtx); err != nil {
				logger.Warn("mark interrupted runs failed", logging.Error(err))
			} else if n > 0 {
				logger.Info("marked interrupted runs", logging.Int64("count", n))
			}

			printer := newProgressPrinter(cmd.ErrOrStderr(), opts.quiet || opts.jsonOutput)
			parallel := opts.parallel
			if parallel <= 0 {
				parallel = cfg.QueryServer.MaxParallelQueries
			}
			r := runner.New(server, store, c.decoder(logger, opts.rows),
				runner.WithLogger(logger),
				runner.WithObserver(collector),
				runner.WithParallelism(parallel),
				runner.WithProgress(printer.Handle),
			)

			reqs := make([]runner.Request, 0, len(queries))
			for _, q := range queries {
				reqs = append(reqs, runner.Request{
					QueryPath:       q,
					DatabasePath:    opts.database,
					AdditionalPacks: opts.additionalPacks,
					ExternalInputs:  opts.externalInputs,
					ResultSet:       opts.resultSet,
				})
			}
			results, runErr = r.RunAll(runCtx, reqs)
			printer.Done()
			return c.printRunResults(cmd, store, results, opts.jsonOutput)
		})
	})

	if path := strings.TrimSpace(opts.metricsFile); path != "" {
		if werr := collector.WriteFile(path); werr != nil {
			err = errors.Join(err, werr)
		}
	}
	if err != nil {
		return err
	}
	return runErr
}

// expandQueries keeps plain .ql files and asks codeql to expand
// directories, packs and suites.
func expandQueries(ctx context.Context, cli *codeql.Client, args []string) ([]string, error) {
	var queries []string
	for _, arg := range args {
		if info, err := os.Stat(arg); err == nil && info.Mode().IsRegular() && filepath.Ext(arg) == ".ql" {
			queries = append(queries, arg)
			continue
		}
		resolved, err := cli.ResolveQueries(ctx, arg)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, cliComponent, "run", "resolve queries in "+arg, err)
		}
		if len(resolved) == 0 {
			return nil, services.Wrap(services.ErrNotFound, cliComponent, "run", "no queries found in "+arg, nil)
		}
		queries = append(queries, resolved...)
	}
	return queries, nil
}

func (c *commandContext) printRunResults(cmd *cobra.Command, store *history.Store, results []*runner.Result, jsonOutput bool) error {
	ctx := context.WithoutCancel(cmd.Context())
	out := cmd.OutOrStdout()

	payload := make([]runJSON, 0, len(results))
	for _, res := range results {
		if res == nil || res.Run == nil {
			if res != nil && res.Err != nil && !jsonOutput {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", res.Err)
			}
			continue
		}
		run := res.Run
		if fresh, err := store.Get(ctx, run.ID); err == nil {
			run = fresh
		}
		if jsonOutput {
			payload = append(payload, toRunJSON(run, res.Page, res.Err))
			continue
		}
		renderRunSummary(out, run, res.Err)
		if res.Page != nil {
			renderResultSet(out, res.Page)
		}
		fmt.Fprintln(out)
	}
	if jsonOutput {
		return writeJSON(cmd, payload)
	}
	return nil
}

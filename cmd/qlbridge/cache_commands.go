package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"qlbridge/internal/queryserver"
	"qlbridge/internal/services"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage a database's evaluation cache",
	}

	cacheCmd.AddCommand(newCacheClearCommand(ctx))
	cacheCmd.AddCommand(newCacheTrimCommand(ctx))

	return cacheCmd
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var database string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cached predicates for a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCacheDatabase(cmd, database, "cache clear", func(runCtx context.Context, server *queryserver.Client, db string) (string, error) {
				return server.ClearCache(runCtx, db, dryRun, nil)
			})
		},
	}
	cmd.Flags().StringVarP(&database, "db", "d", "", "CodeQL database directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be removed without deleting")
	return cmd
}

func newCacheTrimCommand(ctx *commandContext) *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Trim a database's cache to the configured size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCacheDatabase(cmd, database, "cache trim", func(runCtx context.Context, server *queryserver.Client, db string) (string, error) {
				return server.TrimCache(runCtx, db, nil)
			})
		},
	}
	cmd.Flags().StringVarP(&database, "db", "d", "", "CodeQL database directory")
	return cmd
}

// withCacheDatabase registers database with a fresh server, runs op, and
// prints the server's report.
func (c *commandContext) withCacheDatabase(cmd *cobra.Command, database, op string, fn func(context.Context, *queryserver.Client, string) (string, error)) error {
	database = strings.TrimSpace(database)
	if database == "" {
		return services.Wrap(services.ErrValidation, cliComponent, op, "--db is required", nil)
	}
	db, err := filepath.Abs(database)
	if err != nil {
		return services.Wrap(services.ErrValidation, cliComponent, op, "resolve database path", err)
	}
	return c.withServer(cmd, nil, func(runCtx context.Context, server *queryserver.Client, logger *slog.Logger) error {
		if err := server.RegisterDatabases(runCtx, []string{db}, nil); err != nil {
			return err
		}
		report, err := fn(runCtx, server, db)
		if err != nil {
			return err
		}
		report = strings.TrimSpace(report)
		if report == "" {
			report = "Done"
		}
		fmt.Fprintln(cmd.OutOrStdout(), report)
		return nil
	})
}

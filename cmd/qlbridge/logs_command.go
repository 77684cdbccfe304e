package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qlbridge/internal/history"
	"qlbridge/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "logs [run-id]",
		Short: "Show the qlbridge log, or a run's evaluator log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := cfg.LogPath()
			if len(args) == 1 {
				err := ctx.withStore(func(store *history.Store) error {
					run, err := store.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					path = run.EvaluatorLogPath()
					return nil
				})
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			tailer := logs.NewTailer(path)
			initial, err := tailer.Last(lines)
			if err != nil {
				return err
			}
			for _, line := range initial {
				fmt.Fprintln(out, line)
			}
			if !follow {
				if len(initial) == 0 {
					fmt.Fprintln(out, "No log entries available")
				}
				return nil
			}

			for {
				next, err := tailer.Next(cmd.Context(), time.Second)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				for _, line := range next {
					fmt.Fprintln(out, line)
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing lines as they are written")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Trailing lines to print first")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"qlbridge/internal/history"
	"qlbridge/internal/preflight"
	"qlbridge/internal/services"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the CodeQL toolchain and qlbridge directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			probes := preflight.Probes{CodeQL: ctx.codeqlClient(logger)}
			store, storeErr := history.Open(cfg)
			if storeErr == nil {
				defer store.Close()
				probes.History = store
			}

			results := preflight.RunAll(cmd.Context(), cfg, probes)
			if storeErr != nil {
				results = append(results, preflight.Result{Name: "Run history", Detail: storeErr.Error()})
			}

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Name, passFail(r.Passed), r.Detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Check", "Status", "Detail"}, rows, nil))

			if preflight.Failed(results) {
				return services.Wrap(services.ErrConfiguration, cliComponent, "doctor", "one or more checks failed", nil)
			}
			return nil
		},
	}
}

func passFail(passed bool) string {
	if passed {
		return "ok"
	}
	return "FAIL"
}

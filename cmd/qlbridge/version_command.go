package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func newVersionCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print qlbridge and CodeQL versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			info, err := ctx.codeqlClient(logger).Version(cmd.Context())
			if jsonOutput {
				payload := map[string]any{"qlbridge": buildVersion}
				if err == nil {
					payload["codeql"] = info
				}
				if werr := writeJSON(cmd, payload); werr != nil {
					return werr
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "qlbridge %s\n", buildVersion)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s (%s)\n", info.ProductName, info.Version, info.UnpackedLocation)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print versions as JSON")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ingest, derive, evaluate and write as one recorded run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := p.Run(ctx)
		if res != nil {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s %s\n", res.RunID, res.Status)
			if res.Ingest != nil {
				formatLoadResult(out, res.Ingest)
			}
			if res.Report != nil {
				formatSummary(out, res.Report)
			}
			if res.Artifacts != nil {
				fmt.Fprintf(out, "artifacts: %s\n", res.Artifacts.Dir)
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

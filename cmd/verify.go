package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/janus/internal/artifact"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <dir>",
	Short: "Check that an artifact directory is complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := artifact.Verify(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s complete: %d files verified\n", m.RunID, len(m.Files))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

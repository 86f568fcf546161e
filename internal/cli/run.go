package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watch loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Poll every watched address once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := getApp().RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"addresses: %d\nfetch failures: %d\nevaluated: %d\nnotified: %d\nconfirmed: %d\nabsorbed: %d\nbelow cutoff: %d\n",
			summary.Addresses,
			summary.FetchFailures,
			summary.Evaluated,
			summary.Notified,
			summary.Confirmed,
			summary.Absorbed,
			summary.BelowCutoff,
		)
		return nil
	},
}

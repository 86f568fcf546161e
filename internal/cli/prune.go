package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"txwatch/internal/app"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired observation records and notification history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneOlderThan < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}

		res, err := getApp().Prune(cmd.Context(), app.PruneOptions{
			OlderThan: pruneOlderThan,
			DryRun:    pruneDryRun,
		})
		if err != nil {
			return err
		}

		verb := "removed"
		if pruneDryRun {
			verb = "would remove"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d records, %d notifications\n", verb, res.Records, res.Notifications)
		return nil
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Retention window (defaults to watch.retention)")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report without deleting anything")
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"txwatch/internal/app"
)

var (
	showLimit    int
	showAddress  string
	historyLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored observation records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}

		opts := app.ShowOptions{
			Address: showAddress,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display recent notifications from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{Limit: historyLimit})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Number of records to display (0 for all)")
	showCmd.Flags().StringVar(&showAddress, "address", "", "Only show records of this address")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of notifications to display")
}

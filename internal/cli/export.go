package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"txwatch/internal/app"
	"txwatch/internal/config"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export notification history as CSV and/or a USD value chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		opts.From = from

		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}
		opts.To = to

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts the same formats as watch.cutoff; empty means unset.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := config.ParseCutoff(value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &t, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start time, inclusive (RFC3339, date or epoch seconds; defaults to now - watch.retention)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End time, exclusive (defaults to now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum chart points (defaults to export.max_data_points)")
}

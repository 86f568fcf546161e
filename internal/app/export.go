package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"txwatch/internal/alerting"
	"txwatch/internal/storage"
)

const exportQueryLimit = 100000

// Export renders the notification audit log as CSV and/or a PNG chart of USD value.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-a.Config.Watch.Retention)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListNotificationsBetween(ctx, from, to, exportQueryLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no notifications found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		if err := writeNotificationsCSV(opts.CSVPath, records); err != nil {
			return err
		}
		a.Logger.Info().Int("rows", len(records)).Str("path", opts.CSVPath).Msg("exported notifications csv")
	}

	if opts.PNGPath != "" {
		priced := pricedIncoming(records)
		if len(priced) < 2 {
			a.Logger.Warn().Int("points", len(priced)).Msg("not enough priced notifications to draw a chart")
			return nil
		}
		downsampled := downsampleRecords(priced, opts.MaxPoints)
		if err := writeNotificationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
		a.Logger.Info().Int("total", len(priced)).Int("exported", len(downsampled)).Str("path", opts.PNGPath).Msg("exported notifications chart")
	}

	return nil
}

// pricedIncoming keeps incoming notifications that carry a USD value.
func pricedIncoming(records []storage.NotificationRecord) []storage.NotificationRecord {
	out := make([]storage.NotificationRecord, 0, len(records))
	for _, rec := range records {
		if rec.Kind != string(alerting.KindIncoming) || rec.USDValue == nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func downsampleRecords(records []storage.NotificationRecord, max int) []storage.NotificationRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.NotificationRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeNotificationsCSV(path string, records []storage.NotificationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"created_at", "kind", "network", "address", "label", "transfer_id", "amount", "symbol", "usd_value"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		usd := ""
		if rec.USDValue != nil {
			usd = rec.USDValue.String()
		}
		row := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Kind,
			rec.Network,
			rec.Address,
			rec.Label,
			rec.TransferID,
			rec.Amount.String(),
			rec.Symbol,
			usd,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeNotificationsPNG(path string, records []storage.NotificationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	usd := make([]float64, len(records))
	cumulative := make([]float64, len(records))

	total := decimal.Zero
	for i, rec := range records {
		x[i] = rec.CreatedAt
		usd[i] = rec.USDValue.InexactFloat64()
		total = total.Add(*rec.USDValue)
		cumulative[i] = total.InexactFloat64()
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Transfer (USD)",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative (USD)",
			ValueFormatter: usdFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Incoming USD",
				XValues: x,
				YValues: usd,
			},
			chart.TimeSeries{
				Name:    "Cumulative USD",
				XValues: x,
				YValues: cumulative,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

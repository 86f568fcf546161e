package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"txwatch/internal/state"
	"txwatch/internal/storage"
)

// Show prints stored observation records, newest activity first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	db, closeDB, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	states, err := a.openState(ctx, db)
	if err != nil {
		return err
	}
	return writeRecords(os.Stdout, states.Snapshot(), opts)
}

// History prints the most recent entries of the notification audit log.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show notification history")
	}
	defer closeStore()

	records, err := store.ListRecentNotifications(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeNotifications(os.Stdout, records)
}

type recordRow struct {
	address string
	id      string
	rec     state.Record
}

func writeRecords(w io.Writer, snapshot []state.AddressState, opts ShowOptions) error {
	rows := make([]recordRow, 0)
	for _, st := range snapshot {
		if opts.Address != "" && !strings.EqualFold(st.Address, opts.Address) {
			continue
		}
		for id, rec := range st.Records {
			rows = append(rows, recordRow{address: st.Address, id: id, rec: rec})
		}
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no records found")
		return nil
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].rec.LastSeenAt != rows[j].rec.LastSeenAt {
			return rows[i].rec.LastSeenAt > rows[j].rec.LastSeenAt
		}
		if rows[i].address != rows[j].address {
			return rows[i].address < rows[j].address
		}
		return rows[i].id < rows[j].id
	})
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Address\tTx\tFirst seen (UTC)\tLast seen (UTC)\tNotified\tConfirmed")
	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%t\n",
			row.address,
			sanitizeInline(row.id),
			formatUnix(row.rec.FirstSeenAt),
			formatUnix(row.rec.LastSeenAt),
			row.rec.Notified,
			row.rec.Confirmed,
		)
	}
	return writer.Flush()
}

func writeNotifications(w io.Writer, records []storage.NotificationRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "no notifications found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tNetwork\tWallet\tAmount\tUSD\tTx")
	for _, rec := range records {
		usd := "-"
		if rec.USDValue != nil {
			usd = formatDecimal(*rec.USDValue, 2)
		}
		wallet := rec.Label
		if wallet == "" {
			wallet = rec.Address
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s %s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Kind,
			rec.Network,
			sanitizeInline(wallet),
			rec.Amount.String(),
			rec.Symbol,
			usd,
			rec.TransferID,
		)
	}
	return writer.Flush()
}

func formatUnix(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

package app

import (
	"context"
	"errors"
	"time"

	"txwatch/internal/state"
)

// PruneResult reports what a prune run removed, or would remove in dry-run mode.
type PruneResult struct {
	Records       int
	Notifications int64
}

// Prune removes observation records and audit log entries older than the retention
// window. Notification history is left untouched when no database is configured.
func (a *App) Prune(ctx context.Context, opts PruneOptions) (PruneResult, error) {
	window := opts.OlderThan
	if window <= 0 {
		window = a.Config.Watch.Retention
	}
	if window <= 0 {
		return PruneResult{}, errors.New("prune window must be greater than zero")
	}

	db, closeDB, err := a.openStore(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	if closeDB != nil {
		defer closeDB()
	}

	states, err := a.openState(ctx, db)
	if err != nil {
		return PruneResult{}, err
	}

	now := time.Now().UTC()
	var res PruneResult
	if opts.DryRun {
		a.Logger.Warn().Msg("prune dry-run：不会修改任何数据")
		res.Records = countExpired(states.Snapshot(), window, now)
		a.Logger.Info().Int("records", res.Records).Dur("window", window).Msg("prune dry-run complete")
		return res, nil
	}

	res.Records = states.Prune(ctx, window, now)

	if db != nil {
		deleted, err := db.DeleteNotificationsBefore(ctx, now.Add(-window))
		if err != nil {
			return res, err
		}
		res.Notifications = deleted
	}

	a.Logger.Info().
		Int("records", res.Records).
		Int64("notifications", res.Notifications).
		Dur("window", window).
		Msg("prune complete")
	return res, nil
}

// countExpired mirrors the store's prune rule without mutating anything.
func countExpired(snapshot []state.AddressState, window time.Duration, now time.Time) int {
	limit := int64(window / time.Second)
	ts := now.Unix()
	count := 0
	for _, st := range snapshot {
		for _, rec := range st.Records {
			if ts-rec.LastSeenAt > limit {
				count++
			}
		}
	}
	return count
}

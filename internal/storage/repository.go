package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"txwatch/internal/state"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	loadWatchStateSQL = `SELECT address, records, updated_at FROM watch_state;`

	upsertWatchStateSQL = `INSERT INTO watch_state (
        address,
        records,
        updated_at
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (address) DO UPDATE
    SET records    = EXCLUDED.records,
        updated_at = EXCLUDED.updated_at;`

	deleteWatchStateSQL = `DELETE FROM watch_state WHERE address = $1;`

	insertNotificationSQL = `INSERT INTO notifications (
        address,
        network,
        transfer_id,
        kind,
        label,
        amount,
        symbol,
        usd_value
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (address, transfer_id, kind) DO NOTHING;`

	notificationColumns = `id,
        address,
        network,
        transfer_id,
        kind,
        label,
        amount::text,
        symbol,
        usd_value::text,
        created_at`

	listRecentNotificationsSQL = `SELECT ` + notificationColumns + `
    FROM notifications
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	listNotificationsBetweenSQL = `SELECT ` + notificationColumns + `
    FROM notifications
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at
    LIMIT $3;`

	countNotificationsSQL = `SELECT COUNT(*) FROM notifications;`

	deleteNotificationsBeforeSQL = `DELETE FROM notifications WHERE created_at < $1;`
)

// NotificationStore defines operations for notification auditing.
type NotificationStore interface {
	InsertNotification(ctx context.Context, rec NotificationRecord) error
	ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)
	ListNotificationsBetween(ctx context.Context, from, to time.Time, limit int) ([]NotificationRecord, error)
	CountNotifications(ctx context.Context) (int64, error)
	DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store aggregates access to watch state and the notification log.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Load reads every address row. Record payloads go through the same legacy upgrade
// as the state file.
func (s *Store) Load(ctx context.Context) (map[string]state.AddressState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadWatchStateSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load watch state: %w", queryErr)
	}
	defer rows.Close()

	now := s.now()
	states := make(map[string]state.AddressState)
	for rows.Next() {
		var (
			address   string
			raw       json.RawMessage
			updatedAt time.Time
		)
		if err := rows.Scan(&address, &raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan watch state: %w", err)
		}
		records, err := state.DecodeRecords(raw, now)
		if err != nil {
			return nil, fmt.Errorf("decode records of %s: %w", address, err)
		}
		if len(records) == 0 {
			continue
		}
		states[address] = state.AddressState{
			Address:   address,
			UpdatedAt: updatedAt.Unix(),
			Records:   records,
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// Save upserts the changed addresses in one batch; addresses no longer present are deleted.
func (s *Store) Save(ctx context.Context, states map[string]state.AddressState, changed []string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, address := range changed {
		st, ok := states[address]
		if !ok || len(st.Records) == 0 {
			batch.Queue(deleteWatchStateSQL, address)
			continue
		}
		payload, err := json.Marshal(st.Records)
		if err != nil {
			return fmt.Errorf("marshal records of %s: %w", address, err)
		}
		updated := st.UpdatedAt
		if updated == 0 {
			updated = s.now().Unix()
		}
		batch.Queue(upsertWatchStateSQL, address, payload, time.Unix(updated, 0).UTC())
	}

	br := pool.SendBatch(ctx, batch)
	defer br.Close()

	for range changed {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save watch state: %w", err)
		}
	}
	return nil
}

// InsertNotification appends a dispatched notification. Re-inserting the same
// (address, transfer_id, kind) is ignored.
func (s *Store) InsertNotification(ctx context.Context, rec NotificationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var usd interface{}
	if rec.USDValue != nil {
		usd = rec.USDValue.String()
	}

	if _, execErr := pool.Exec(ctx, insertNotificationSQL,
		rec.Address,
		rec.Network,
		rec.TransferID,
		rec.Kind,
		rec.Label,
		rec.Amount.String(),
		rec.Symbol,
		usd,
	); execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// ListRecentNotifications lists the newest notifications first.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	return collectNotifications(rows, limit)
}

// ListNotificationsBetween lists notifications within [from, to) in ascending time order.
func (s *Store) ListNotificationsBetween(ctx context.Context, from, to time.Time, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listNotificationsBetweenSQL, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list notifications between: %w", queryErr)
	}
	return collectNotifications(rows, 0)
}

// CountNotifications counts stored notifications.
func (s *Store) CountNotifications(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countNotificationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count notifications: %w", scanErr)
	}
	return count, nil
}

// DeleteNotificationsBefore deletes historical notifications and reports how many were removed.
func (s *Store) DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteNotificationsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete notifications before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectNotifications(rows pgx.Rows, capacity int) ([]NotificationRecord, error) {
	defer rows.Close()

	out := make([]NotificationRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanNotification(rows pgx.Rows) (NotificationRecord, error) {
	var (
		rec       NotificationRecord
		amountStr string
		usdStr    *string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Address,
		&rec.Network,
		&rec.TransferID,
		&rec.Kind,
		&rec.Label,
		&amountStr,
		&rec.Symbol,
		&usdStr,
		&rec.CreatedAt,
	); err != nil {
		return NotificationRecord{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return NotificationRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	rec.Amount = amount

	if usdStr != nil {
		usd, err := decimal.NewFromString(*usdStr)
		if err != nil {
			return NotificationRecord{}, fmt.Errorf("parse usd value: %w", err)
		}
		rec.USDValue = &usd
	}
	return rec, nil
}

var (
	_ state.Backend     = (*Store)(nil)
	_ NotificationStore = (*Store)(nil)
)

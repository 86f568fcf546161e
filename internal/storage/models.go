package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationRecord is one dispatched notification kept for auditing and export.
type NotificationRecord struct {
	ID         int64
	Address    string
	Network    string
	TransferID string
	Kind       string
	Label      string
	Amount     decimal.Decimal
	Symbol     string
	// USDValue is nil when no price was available at dispatch time.
	USDValue  *decimal.Decimal
	CreatedAt time.Time
}

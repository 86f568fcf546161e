package fetcher

import (
	"context"

	"github.com/shopspring/decimal"

	"txwatch/internal/model"
)

// TransferFetcher lists the most recent inbound transfers of one address, newest
// first. Provider failures are returned as errors, never as an empty result.
type TransferFetcher interface {
	FetchRecent(ctx context.Context, address string) ([]model.Transfer, error)
}

// PriceFetcher retrieves the USD quote of a symbol.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

const defaultMaxResults = 10

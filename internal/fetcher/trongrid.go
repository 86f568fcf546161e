package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"txwatch/internal/model"
)

// TronGridOptions parameterise the TronGrid fetcher.
type TronGridOptions struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	RateLimit  float64
	Timeout    time.Duration
	UserAgent  string
}

// TronGrid lists inbound TRC20 token transfers.
type TronGrid struct {
	opts    TronGridOptions
	src     httpSource
	logger  zerolog.Logger
	baseURL string
}

// NewTronGrid constructs a TronGrid fetcher.
func NewTronGrid(opts TronGridOptions, logger zerolog.Logger) *TronGrid {
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.trongrid.io"
	}
	return &TronGrid{
		opts:    opts,
		src:     newHTTPSource("trongrid", opts.Timeout, opts.RateLimit, opts.UserAgent),
		logger:  logger.With().Str("component", "trongrid_fetcher").Logger(),
		baseURL: baseURL,
	}
}

// FetchRecent returns the newest confirmed TRC20 transfers paid to address.
func (t *TronGrid) FetchRecent(ctx context.Context, address string) ([]model.Transfer, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("tron address required")
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(t.opts.MaxResults))
	q.Set("only_to", "true")
	q.Set("only_confirmed", "true")
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s", t.baseURL, url.PathEscape(address), q.Encode())

	header := http.Header{}
	if t.opts.APIKey != "" {
		header.Set("TRON-PRO-API-KEY", t.opts.APIKey)
	}

	var res trc20Response
	if err := t.src.getJSON(ctx, endpoint, header, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		if res.Error != "" {
			return nil, fmt.Errorf("trongrid error: %s", res.Error)
		}
		return nil, errors.New("trongrid returned success=false")
	}

	transfers := make([]model.Transfer, 0, len(res.Data))
	for _, tx := range res.Data {
		if len(transfers) >= t.opts.MaxResults {
			break
		}
		if !strings.EqualFold(tx.To, address) {
			continue
		}
		raw, err := decimal.NewFromString(tx.Value)
		if err != nil {
			t.logger.Warn().Err(err).Str("tx", tx.TransactionID).Msg("skip transfer with malformed value")
			continue
		}
		if tx.TokenInfo.Decimals < 0 || tx.TokenInfo.Decimals > 36 {
			t.logger.Warn().Int("decimals", tx.TokenInfo.Decimals).Str("tx", tx.TransactionID).Msg("skip transfer with malformed token decimals")
			continue
		}

		from := tx.From
		if from == "" {
			from = model.UnknownCounterparty
		}
		transfers = append(transfers, model.Transfer{
			ID:           tx.TransactionID,
			Network:      model.Tron,
			Counterparty: from,
			Destination:  tx.To,
			Amount:       raw.Shift(-int32(tx.TokenInfo.Decimals)),
			Symbol:       strings.ToUpper(tx.TokenInfo.Symbol),
			ObservedAt:   time.UnixMilli(tx.BlockTimestamp).UTC(),
			Confirmed:    true,
		})
	}
	return transfers, nil
}

type trc20Response struct {
	Data    []trc20Tx `json:"data"`
	Success bool      `json:"success"`
	Error   string    `json:"error"`
}

type trc20Tx struct {
	TransactionID  string `json:"transaction_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Value          string `json:"value"`
	BlockTimestamp int64  `json:"block_timestamp"`
	TokenInfo      struct {
		Symbol   string `json:"symbol"`
		Address  string `json:"address"`
		Decimals int    `json:"decimals"`
	} `json:"token_info"`
}

var _ TransferFetcher = (*TronGrid)(nil)

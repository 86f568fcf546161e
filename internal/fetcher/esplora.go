package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"txwatch/internal/model"
)

const satoshiDecimals = 8

// EsploraOptions parameterise the Esplora (mempool.space / blockstream) fetcher.
type EsploraOptions struct {
	BaseURL    string
	MaxResults int
	RateLimit  float64
	Timeout    time.Duration
	UserAgent  string
}

// Esplora lists inbound bitcoin transfers, mempool entries included.
type Esplora struct {
	opts    EsploraOptions
	src     httpSource
	logger  zerolog.Logger
	baseURL string
	now     func() time.Time
}

// NewEsplora constructs an Esplora fetcher.
func NewEsplora(opts EsploraOptions, logger zerolog.Logger) *Esplora {
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://mempool.space/api"
	}
	return &Esplora{
		opts:    opts,
		src:     newHTTPSource("esplora", opts.Timeout, opts.RateLimit, opts.UserAgent),
		logger:  logger.With().Str("component", "esplora_fetcher").Logger(),
		baseURL: baseURL,
		now:     time.Now,
	}
}

// FetchRecent returns the newest transactions paying address. A transaction is
// inbound when at least one output pays the address and none of its inputs spend
// from it; the amount is the sum of those outputs.
func (e *Esplora) FetchRecent(ctx context.Context, address string) ([]model.Transfer, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("bitcoin address required")
	}

	endpoint := fmt.Sprintf("%s/address/%s/txs", e.baseURL, url.PathEscape(address))
	var txs []esploraTx
	if err := e.src.getJSON(ctx, endpoint, nil, &txs); err != nil {
		return nil, err
	}

	polledAt := e.now().UTC()
	transfers := make([]model.Transfer, 0, e.opts.MaxResults)
	for _, tx := range txs {
		if len(transfers) >= e.opts.MaxResults {
			break
		}
		if tx.TxID == "" {
			e.logger.Warn().Msg("skip transaction without txid")
			continue
		}
		if tx.spends(address) {
			continue
		}

		var sats int64
		for _, out := range tx.Vout {
			if out.ScriptPubKeyAddress == address {
				sats += out.Value
			}
		}
		if sats <= 0 {
			continue
		}

		observed := polledAt
		if tx.Status.Confirmed && tx.Status.BlockTime > 0 {
			observed = time.Unix(tx.Status.BlockTime, 0).UTC()
		}

		transfers = append(transfers, model.Transfer{
			ID:           tx.TxID,
			Network:      model.Bitcoin,
			Counterparty: tx.sender(),
			Destination:  address,
			Amount:       decimal.New(sats, -satoshiDecimals),
			Symbol:       model.Bitcoin.NativeSymbol(),
			ObservedAt:   observed,
			Confirmed:    tx.Status.Confirmed,
		})
	}
	return transfers, nil
}

type esploraTx struct {
	TxID string `json:"txid"`
	Vin  []struct {
		Prevout *esploraOutput `json:"prevout"`
	} `json:"vin"`
	Vout   []esploraOutput `json:"vout"`
	Status struct {
		Confirmed bool  `json:"confirmed"`
		BlockTime int64 `json:"block_time"`
	} `json:"status"`
}

type esploraOutput struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

func (tx esploraTx) spends(address string) bool {
	for _, in := range tx.Vin {
		if in.Prevout != nil && in.Prevout.ScriptPubKeyAddress == address {
			return true
		}
	}
	return false
}

func (tx esploraTx) sender() string {
	if len(tx.Vin) > 0 && tx.Vin[0].Prevout != nil && tx.Vin[0].Prevout.ScriptPubKeyAddress != "" {
		return tx.Vin[0].Prevout.ScriptPubKeyAddress
	}
	return model.UnknownCounterparty
}

var _ TransferFetcher = (*Esplora)(nil)

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"txwatch/internal/model"
)

const (
	etherscanPageSize = 50
	weiDecimals       = 18
)

// EtherscanOptions parameterise the Etherscan fetcher.
type EtherscanOptions struct {
	BaseURL    string
	APIKey     string
	ChainID    int64
	MaxResults int
	RateLimit  float64
	Timeout    time.Duration
	UserAgent  string
}

// Etherscan lists inbound native ETH transfers through the Etherscan account API.
type Etherscan struct {
	opts    EtherscanOptions
	src     httpSource
	logger  zerolog.Logger
	baseURL string
}

// NewEtherscan constructs an Etherscan fetcher.
func NewEtherscan(opts EtherscanOptions, logger zerolog.Logger) *Etherscan {
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	if opts.ChainID <= 0 {
		opts.ChainID = 1
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.etherscan.io/v2/api"
	}

	return &Etherscan{
		opts:    opts,
		src:     newHTTPSource("etherscan", opts.Timeout, opts.RateLimit, opts.UserAgent),
		logger:  logger.With().Str("component", "etherscan_fetcher").Logger(),
		baseURL: baseURL,
	}
}

// FetchRecent returns the newest inbound transfers of address. Failed transactions and
// zero-value calls are skipped.
func (e *Etherscan) FetchRecent(ctx context.Context, address string) ([]model.Transfer, error) {
	if e.opts.APIKey == "" {
		return nil, errors.New("etherscan api key not configured")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid ethereum address %q", address)
	}
	watched := common.HexToAddress(address)

	q := url.Values{}
	q.Set("chainid", strconv.FormatInt(e.opts.ChainID, 10))
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(etherscanPageSize))
	q.Set("sort", "desc")
	q.Set("apikey", e.opts.APIKey)

	var res etherscanResponse
	if err := e.src.getJSON(ctx, e.baseURL+"?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}

	if res.Status != "1" {
		if strings.Contains(strings.ToLower(res.Message), "no transactions found") {
			return []model.Transfer{}, nil
		}
		var detail string
		_ = json.Unmarshal(res.Result, &detail)
		return nil, fmt.Errorf("etherscan status %s: %s %s", res.Status, res.Message, detail)
	}

	var txs []etherscanTx
	if err := json.Unmarshal(res.Result, &txs); err != nil {
		return nil, fmt.Errorf("decode etherscan result: %w", err)
	}

	transfers := make([]model.Transfer, 0, e.opts.MaxResults)
	for _, tx := range txs {
		if len(transfers) >= e.opts.MaxResults {
			break
		}
		if !common.IsHexAddress(tx.To) || common.HexToAddress(tx.To) != watched {
			continue
		}
		if tx.IsError == "1" || tx.TxReceiptStatus == "0" {
			continue
		}

		wei, err := decimal.NewFromString(tx.Value)
		if err != nil {
			e.logger.Warn().Err(err).Str("tx", tx.Hash).Msg("skip transfer with malformed value")
			continue
		}
		if !wei.IsPositive() {
			continue
		}
		ts, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
		if err != nil {
			e.logger.Warn().Err(err).Str("tx", tx.Hash).Msg("skip transfer with malformed timestamp")
			continue
		}

		from := tx.From
		if from == "" {
			from = model.UnknownCounterparty
		}
		transfers = append(transfers, model.Transfer{
			ID:           tx.Hash,
			Network:      model.Ethereum,
			Counterparty: from,
			Destination:  tx.To,
			Amount:       wei.Shift(-weiDecimals),
			Symbol:       model.Ethereum.NativeSymbol(),
			ObservedAt:   time.Unix(ts, 0).UTC(),
			Confirmed:    true,
		})
	}
	return transfers, nil
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanTx struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	TimeStamp       string `json:"timeStamp"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
}

var _ TransferFetcher = (*Etherscan)(nil)

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
)

// BinanceOptions parameterise the Binance ticker price fetcher.
type BinanceOptions struct {
	BaseURL string
	// Pairs maps a symbol to its ticker pair; unmapped symbols use SYMBOL+"USDT".
	Pairs     map[string]string
	Timeout   time.Duration
	UserAgent string
}

// Binance reads spot prices from the public ticker endpoint.
type Binance struct {
	opts    BinanceOptions
	src     httpSource
	logger  zerolog.Logger
	baseURL string
}

// NewBinance constructs a Binance price fetcher.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	pairs := make(map[string]string, len(opts.Pairs))
	for sym, pair := range opts.Pairs {
		pairs[strings.ToUpper(sym)] = strings.ToUpper(pair)
	}
	opts.Pairs = pairs

	return &Binance{
		opts:    opts,
		src:     newHTTPSource("binance", opts.Timeout, 0, opts.UserAgent),
		logger:  logger.With().Str("component", "price_fetcher").Logger(),
		baseURL: baseURL,
	}
}

// FetchPrice returns the last traded USD(T) price of symbol.
func (b *Binance) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return decimal.Decimal{}, errors.New("symbol required")
	}
	pair, ok := b.opts.Pairs[symbol]
	if !ok {
		pair = symbol + "USDT"
	}

	endpoint := b.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(pair)
	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := b.src.getJSON(ctx, endpoint, nil, &res); err != nil {
		return decimal.Decimal{}, err
	}

	price, err := decimal.NewFromString(res.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s price: %w", pair, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s price is not positive: %s", pair, price)
	}
	return price, nil
}

var _ PriceFetcher = (*Binance)(nil)

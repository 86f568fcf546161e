package pricing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Fetcher looks up the USD quote of a symbol.
type Fetcher interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Entry is one cached quote.
type Entry struct {
	Symbol   string
	Price    decimal.Decimal
	CachedAt time.Time
}

// Options tune the cache.
type Options struct {
	TTL            time.Duration
	RequestTimeout time.Duration
	// Fixed pins symbols (stablecoins) to a constant price; they are never fetched.
	Fixed map[string]decimal.Decimal
}

// Cache keeps short-lived USD quotes. Entries whose refresh fails stay in place and
// keep being served.
type Cache struct {
	opts    Options
	fetcher Fetcher
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCache builds a price cache on top of fetcher.
func NewCache(opts Options, fetcher Fetcher, logger zerolog.Logger) *Cache {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	fixed := make(map[string]decimal.Decimal, len(opts.Fixed))
	for sym, price := range opts.Fixed {
		fixed[normalize(sym)] = price
	}
	opts.Fixed = fixed

	return &Cache{
		opts:    opts,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "price_cache").Logger(),
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

// Refresh fetches every symbol whose entry is missing or older than the TTL.
func (c *Cache) Refresh(ctx context.Context, symbols []string) {
	for _, sym := range symbols {
		sym = normalize(sym)
		if sym == "" {
			continue
		}
		if _, fixed := c.opts.Fixed[sym]; fixed {
			continue
		}
		if c.fresh(sym) {
			continue
		}
		if c.fetcher == nil {
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		price, err := c.fetcher.FetchPrice(fetchCtx, sym)
		cancel()
		if err != nil {
			entry, stale := c.entry(sym)
			ev := c.logger.Warn().Err(err).Str("symbol", sym)
			if stale {
				ev = ev.Time("cached_at", entry.CachedAt)
			}
			ev.Bool("serving_stale", stale).Msg("price refresh failed")
			continue
		}

		c.mu.Lock()
		c.entries[sym] = Entry{Symbol: sym, Price: price, CachedAt: c.now()}
		c.mu.Unlock()
		c.logger.Debug().Str("symbol", sym).Str("price", price.String()).Msg("price refreshed")
	}
}

// Price returns the cached quote for symbol, stale or not.
func (c *Cache) Price(symbol string) (decimal.Decimal, bool) {
	sym := normalize(symbol)
	if price, ok := c.opts.Fixed[sym]; ok {
		return price, true
	}
	entry, ok := c.entry(sym)
	return entry.Price, ok
}

// USDValue converts amount of symbol into USD. ok is false when no quote has ever
// been obtained for the symbol.
func (c *Cache) USDValue(symbol string, amount decimal.Decimal) (decimal.Decimal, bool) {
	price, ok := c.Price(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(price), true
}

func (c *Cache) entry(sym string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sym]
	return e, ok
}

func (c *Cache) fresh(sym string) bool {
	e, ok := c.entry(sym)
	if !ok {
		return false
	}
	return c.opts.TTL > 0 && c.now().Sub(e.CachedAt) < c.opts.TTL
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

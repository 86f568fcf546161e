package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	prices map[string]decimal.Decimal
	err    error
	calls  map[string]int
}

func (s *stubFetcher) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[symbol]++
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Decimal{}, errors.New("unknown symbol")
	}
	return p, nil
}

func TestRefreshSkipsFreshEntries(t *testing.T) {
	now := time.Unix(1_000, 0)
	f := &stubFetcher{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(3000)}}
	c := NewCache(Options{TTL: time.Minute}, f, zerolog.Nop())
	c.now = func() time.Time { return now }

	c.Refresh(context.Background(), []string{"eth"})
	c.Refresh(context.Background(), []string{"ETH"})
	require.Equal(t, 1, f.calls["ETH"])

	now = now.Add(2 * time.Minute)
	c.Refresh(context.Background(), []string{"ETH"})
	require.Equal(t, 2, f.calls["ETH"])

	usd, ok := c.USDValue("eth", decimal.RequireFromString("0.5"))
	require.True(t, ok)
	require.True(t, usd.Equal(decimal.NewFromInt(1500)))
}

func TestRefreshFailureServesStale(t *testing.T) {
	now := time.Unix(1_000, 0)
	f := &stubFetcher{prices: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(60000)}}
	c := NewCache(Options{TTL: time.Second}, f, zerolog.Nop())
	c.now = func() time.Time { return now }

	c.Refresh(context.Background(), []string{"BTC"})
	f.err = errors.New("provider down")
	now = now.Add(time.Hour)
	c.Refresh(context.Background(), []string{"BTC"})

	price, ok := c.Price("BTC")
	require.True(t, ok)
	require.True(t, price.Equal(decimal.NewFromInt(60000)))
}

func TestMissingPriceHasNoValue(t *testing.T) {
	f := &stubFetcher{err: errors.New("provider down")}
	c := NewCache(Options{TTL: time.Minute}, f, zerolog.Nop())

	c.Refresh(context.Background(), []string{"TRX"})
	usd, ok := c.USDValue("TRX", decimal.NewFromInt(100))
	require.False(t, ok)
	require.True(t, usd.IsZero())
}

func TestFixedPricesAreNeverFetched(t *testing.T) {
	f := &stubFetcher{}
	c := NewCache(Options{TTL: time.Minute, Fixed: map[string]decimal.Decimal{"usdt": decimal.NewFromInt(1)}}, f, zerolog.Nop())

	c.Refresh(context.Background(), []string{"USDT"})
	require.Zero(t, f.calls["USDT"])

	usd, ok := c.USDValue("USDT", decimal.NewFromInt(25))
	require.True(t, ok)
	require.True(t, usd.Equal(decimal.NewFromInt(25)))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"txwatch/internal/model"
)

const validETH = "0x52908400098527886E0F7030069857D2E4169EE7"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearLegacyEnv(t *testing.T) {
	t.Helper()
	for _, name := range legacyEnv {
		t.Setenv(name, "")
	}
}

func TestLoadDefaultsAndFile(t *testing.T) {
	clearLegacyEnv(t)
	path := writeConfig(t, `
chains:
  ethereum:
    api_key: key
    cutoff: "2024-01-01"
    wallets:
      - "`+validETH+`:Treasury"
  bitcoin:
    wallets: ["bc1qexample:Cold"]
watch:
  threshold_usd: 5.5
  cutoff: "1700000000"
pricing:
  fixed:
    usdt: 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 10*time.Second, cfg.Scheduler.Interval)
	require.True(t, cfg.Scheduler.RunOnStart)
	require.Equal(t, 8, cfg.Watch.Workers)
	require.Equal(t, 15*time.Second, cfg.Watch.FetchTimeout)
	require.Equal(t, 720*time.Hour, cfg.Watch.Retention)
	require.True(t, cfg.Watch.OnlyLatest)
	require.True(t, cfg.Watch.ThresholdUSD.Equal(decimal.RequireFromString("5.5")))
	require.Equal(t, BackendFile, cfg.Watch.StateBackend)
	require.False(t, cfg.Alerting.Telegram.Enabled)

	watchlist, err := cfg.WatchList()
	require.NoError(t, err)
	require.Len(t, watchlist, 2)
	require.Equal(t, model.Ethereum, watchlist[0].Network)
	require.Equal(t, "Treasury", watchlist[0].Label)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), watchlist[0].Cutoff)
	require.Equal(t, model.Bitcoin, watchlist[1].Network)
	require.True(t, watchlist[1].Cutoff.IsZero())

	global, err := cfg.GlobalCutoff()
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), global.Unix())

	require.Equal(t, []string{"BTC", "ETH"}, cfg.PriceSymbols())
}

func TestPriceSymbolsSkipsTronNative(t *testing.T) {
	cfg := &Config{}
	cfg.Chains.Tron = ChainConfig{Enabled: true, Wallets: []string{"TXYZ:Hot"}}
	cfg.Chains.Bitcoin = ChainConfig{Enabled: true, Wallets: []string{"bc1q:Cold"}}
	cfg.Pricing.Symbols = []string{" jst ", "usdt", ""}
	cfg.Pricing.Fixed = map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1)}

	require.Equal(t, []string{"BTC", "JST"}, cfg.PriceSymbols())
}

func TestLoadLegacyEnv(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("TELEGRAM_TOKEN", "tok")
	t.Setenv("CHAT_ID", "42")
	t.Setenv("ETHERSCAN_API_KEY", "ekey")
	t.Setenv("ETH_LABELS", validETH+":Hot,"+"0x0000000000000000000000000000000000000001:Ops")
	t.Setenv("TRON_LABELS", "TXYZ:Payments")

	cfg, err := Load(writeConfig(t, "app:\n  name: txwatch\n"))
	require.NoError(t, err)

	require.True(t, cfg.Alerting.Telegram.Enabled)
	require.Equal(t, "tok", cfg.Alerting.Telegram.BotToken)
	require.Equal(t, "42", cfg.Alerting.Telegram.ChatID)
	require.Equal(t, "ekey", cfg.Chains.Ethereum.APIKey)

	watchlist, err := cfg.WatchList()
	require.NoError(t, err)
	require.Len(t, watchlist, 3)
	require.Equal(t, "Ops", watchlist[1].Label)
	require.Equal(t, model.Tron, watchlist[2].Network)
}

func TestValidateFatalErrors(t *testing.T) {
	base := func() Config {
		return Config{
			Scheduler: SchedulerConfig{Interval: time.Second},
			Watch: WatchConfig{
				Workers:      1,
				FetchTimeout: time.Second,
				Retention:    time.Hour,
				StateBackend: BackendFile,
				StateFile:    "state.json",
			},
			Chains: ChainsConfig{
				Ethereum: ChainConfig{Enabled: true, APIKey: "k", Wallets: []string{validETH}},
			},
			Pricing: PricingConfig{TTL: time.Minute},
			Export:  ExportConfig{MaxDataPoints: 10},
		}
	}

	ok := base()
	require.NoError(t, ok.Validate())

	cases := map[string]func(*Config){
		"no wallets":           func(c *Config) { c.Chains.Ethereum.Wallets = nil },
		"missing api key":      func(c *Config) { c.Chains.Ethereum.APIKey = "" },
		"bad eth address":      func(c *Config) { c.Chains.Ethereum.Wallets = []string{"0x123:bad"} },
		"telegram no token":    func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, ChatID: "1"} },
		"telegram no chat":     func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, BotToken: "t"} },
		"bad global cutoff":    func(c *Config) { c.Watch.Cutoff = "yesterday" },
		"bad chain cutoff":     func(c *Config) { c.Chains.Ethereum.Cutoff = "01/02/2024" },
		"zero interval":        func(c *Config) { c.Scheduler.Interval = 0 },
		"zero workers":         func(c *Config) { c.Watch.Workers = 0 },
		"zero fetch timeout":   func(c *Config) { c.Watch.FetchTimeout = 0 },
		"negative threshold":   func(c *Config) { c.Watch.ThresholdUSD = decimal.NewFromInt(-1) },
		"unknown backend":      func(c *Config) { c.Watch.StateBackend = "redis" },
		"postgres without dsn": func(c *Config) { c.Watch.StateBackend = BackendPostgres },
		"duplicate wallet":     func(c *Config) { c.Chains.Ethereum.Wallets = []string{validETH, validETH + ":again"} },
		"tokens without rpc":   func(c *Config) { c.Chains.Ethereum.Tokens = []string{validETH} },
		"bad token address":    func(c *Config) {
			c.Chains.Ethereum.RPCURL = "http://localhost:8545"
			c.Chains.Ethereum.Tokens = []string{"usdt"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateDisabledChainIgnored(t *testing.T) {
	cfg := Config{
		Scheduler: SchedulerConfig{Interval: time.Second},
		Watch:     WatchConfig{Workers: 1, FetchTimeout: time.Second, Retention: time.Hour, StateBackend: BackendFile, StateFile: "s.json"},
		Chains: ChainsConfig{
			Ethereum: ChainConfig{Enabled: false, Wallets: []string{"not-an-address"}},
			Bitcoin:  ChainConfig{Enabled: true, Wallets: []string{"bc1q"}},
		},
		Pricing: PricingConfig{TTL: time.Minute},
		Export:  ExportConfig{MaxDataPoints: 1},
	}
	require.NoError(t, cfg.Validate())
}

func TestParseCutoff(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"1000", time.Unix(1000, 0).UTC()},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03-01 12:30:00", time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)},
		{"2024-03-01T12:30:00+02:00", time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseCutoff(tc.in)
		require.NoError(t, err, tc.in)
		require.True(t, tc.want.Equal(got), "%s: got %v", tc.in, got)
	}

	_, err := ParseCutoff("next week")
	require.Error(t, err)
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := Config{Export: ExportConfig{MaxDataPoints: 50}}
	require.Equal(t, 50, cfg.ResolveMaxPoints(0))
	require.Equal(t, 7, cfg.ResolveMaxPoints(7))
}

package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"txwatch/internal/logging"
	"txwatch/internal/model"
	"txwatch/internal/version"
)

// State backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Chains    ChainsConfig    `mapstructure:"chains"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	UserAgent   string `mapstructure:"user_agent"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
}

// WatchConfig tunes the watch engine.
type WatchConfig struct {
	Workers             int             `mapstructure:"workers"`
	FetchTimeout        time.Duration   `mapstructure:"fetch_timeout"`
	ThresholdUSD        decimal.Decimal `mapstructure:"threshold_usd"`
	Retention           time.Duration   `mapstructure:"retention"`
	OnlyLatest          bool            `mapstructure:"only_latest"`
	ConfirmationUpdates bool            `mapstructure:"confirmation_updates"`
	Cutoff              string          `mapstructure:"cutoff"`
	StateBackend        string          `mapstructure:"state_backend"`
	StateFile           string          `mapstructure:"state_file"`
}

// ChainsConfig groups per-network provider settings.
type ChainsConfig struct {
	Ethereum ChainConfig `mapstructure:"ethereum"`
	Tron     ChainConfig `mapstructure:"tron"`
	Bitcoin  ChainConfig `mapstructure:"bitcoin"`
}

// ChainConfig covers one network's provider and watched wallets.
type ChainConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	BaseURL    string   `mapstructure:"base_url"`
	APIKey     string   `mapstructure:"api_key"`
	ChainID    int64    `mapstructure:"chain_id"`
	RateLimit  float64  `mapstructure:"rate_limit"`
	MaxResults int      `mapstructure:"max_results"`
	Cutoff     string   `mapstructure:"cutoff"`
	Wallets    []string `mapstructure:"wallets"`
	// RPCURL and Tokens enable ERC-20 transfer watching (ethereum only).
	RPCURL         string   `mapstructure:"rpc_url"`
	Tokens         []string `mapstructure:"tokens"`
	LookbackBlocks uint64   `mapstructure:"lookback_blocks"`
}

// PricingConfig configures the USD quote source.
type PricingConfig struct {
	BaseURL        string                     `mapstructure:"base_url"`
	TTL            time.Duration              `mapstructure:"ttl"`
	RequestTimeout time.Duration              `mapstructure:"request_timeout"`
	Pairs          map[string]string          `mapstructure:"pairs"`
	Fixed          map[string]decimal.Decimal `mapstructure:"fixed"`
	// Symbols are pre-warmed every tick; unlisted token symbols are priced on demand.
	Symbols        []string                   `mapstructure:"symbols"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// legacyEnv maps config keys to the environment names used by the original watcher script.
var legacyEnv = map[string]string{
	"alerting.telegram.bot_token": "TELEGRAM_TOKEN",
	"alerting.telegram.chat_id":   "CHAT_ID",
	"chains.ethereum.api_key":     "ETHERSCAN_API_KEY",
	"chains.ethereum.wallets":     "ETH_LABELS",
	"chains.bitcoin.wallets":      "BTC_LABELS",
	"chains.tron.wallets":         "TRON_LABELS",
}

const envPrefix = "TXWATCH"

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 旧脚本只要给出 token 与 chat 即推送 Telegram。
	tg := &cfg.Alerting.Telegram
	if !v.IsSet("alerting.telegram.enabled") && tg.BotToken != "" && tg.ChatID != "" {
		tg.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		primary := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, primary, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "txwatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.user_agent", version.UserAgent())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "10s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("watch.workers", 8)
	v.SetDefault("watch.fetch_timeout", "15s")
	v.SetDefault("watch.threshold_usd", "2")
	v.SetDefault("watch.retention", "720h")
	v.SetDefault("watch.only_latest", true)
	v.SetDefault("watch.confirmation_updates", true)
	v.SetDefault("watch.cutoff", "")
	v.SetDefault("watch.state_backend", BackendFile)
	v.SetDefault("watch.state_file", "./data/state.json")

	v.SetDefault("chains.ethereum.enabled", true)
	v.SetDefault("chains.ethereum.base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("chains.ethereum.chain_id", 1)
	v.SetDefault("chains.ethereum.rate_limit", 4.0)
	v.SetDefault("chains.ethereum.max_results", 10)
	v.SetDefault("chains.ethereum.wallets", []string{})
	v.SetDefault("chains.ethereum.rpc_url", "")
	v.SetDefault("chains.ethereum.tokens", []string{})
	v.SetDefault("chains.ethereum.lookback_blocks", 5000)

	v.SetDefault("chains.tron.enabled", true)
	v.SetDefault("chains.tron.base_url", "https://api.trongrid.io")
	v.SetDefault("chains.tron.rate_limit", 5.0)
	v.SetDefault("chains.tron.max_results", 10)
	v.SetDefault("chains.tron.wallets", []string{})

	v.SetDefault("chains.bitcoin.enabled", true)
	v.SetDefault("chains.bitcoin.base_url", "https://mempool.space/api")
	v.SetDefault("chains.bitcoin.rate_limit", 5.0)
	v.SetDefault("chains.bitcoin.max_results", 10)
	v.SetDefault("chains.bitcoin.wallets", []string{})

	v.SetDefault("pricing.base_url", "https://api.binance.com")
	v.SetDefault("pricing.ttl", "60s")
	v.SetDefault("pricing.request_timeout", "10s")
	v.SetDefault("pricing.pairs", map[string]string{"ETH": "ETHUSDT", "BTC": "BTCUSDT", "TRX": "TRXUSDT"})
	v.SetDefault("pricing.fixed", map[string]string{"USDT": "1", "USDC": "1"})
	v.SetDefault("pricing.symbols", []string{})

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.request_timeout", "10s")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHookFunc 将字符串或数字解析为 decimal.Decimal。
func decimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(val))
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		case float64:
			return decimal.NewFromFloat(val), nil
		}
		return data, nil
	}
}

// Validate performs the sanity checks that are fatal at startup.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Watch.Workers <= 0 {
		return fmt.Errorf("watch.workers must be greater than zero")
	}
	if c.Watch.FetchTimeout <= 0 {
		return fmt.Errorf("watch.fetch_timeout must be greater than zero")
	}
	if c.Watch.ThresholdUSD.IsNegative() {
		return fmt.Errorf("watch.threshold_usd cannot be negative")
	}
	if c.Watch.Retention <= 0 {
		return fmt.Errorf("watch.retention must be greater than zero")
	}
	if c.Pricing.TTL <= 0 {
		return fmt.Errorf("pricing.ttl must be greater than zero")
	}

	switch c.Watch.StateBackend {
	case BackendFile:
		if strings.TrimSpace(c.Watch.StateFile) == "" {
			return fmt.Errorf("watch.state_file 必须配置")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("watch.state_backend=postgres 需要 database.dsn")
		}
	default:
		return fmt.Errorf("unknown watch.state_backend %q", c.Watch.StateBackend)
	}

	if _, err := c.GlobalCutoff(); err != nil {
		return err
	}

	watchlist, err := c.WatchList()
	if err != nil {
		return err
	}
	if len(watchlist) == 0 {
		return fmt.Errorf("no wallets configured (chains.<network>.wallets)")
	}
	for _, w := range watchlist {
		if w.Network != model.Ethereum {
			continue
		}
		if c.Chains.Ethereum.APIKey == "" {
			return fmt.Errorf("chains.ethereum.api_key 必须配置")
		}
		if !common.IsHexAddress(w.Address) {
			return fmt.Errorf("invalid ethereum address %q", w.Address)
		}
	}

	if c.Chains.Ethereum.Enabled && len(c.Chains.Ethereum.Tokens) > 0 {
		if c.Chains.Ethereum.RPCURL == "" {
			return fmt.Errorf("chains.ethereum.tokens 需要 chains.ethereum.rpc_url")
		}
		for _, token := range c.Chains.Ethereum.Tokens {
			if !common.IsHexAddress(strings.TrimSpace(token)) {
				return fmt.Errorf("invalid erc20 token address %q", token)
			}
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Chain returns the provider settings of network.
func (c *Config) Chain(network model.Network) ChainConfig {
	switch network {
	case model.Ethereum:
		return c.Chains.Ethereum
	case model.Tron:
		return c.Chains.Tron
	case model.Bitcoin:
		return c.Chains.Bitcoin
	}
	return ChainConfig{}
}

// WatchList expands the enabled chains' wallet lists, attaching each chain's cutoff.
func (c *Config) WatchList() ([]model.WatchedAddress, error) {
	var out []model.WatchedAddress
	for _, network := range model.Networks {
		chain := c.Chain(network)
		if !chain.Enabled {
			continue
		}
		wallets, err := model.ParseWallets(network, chain.Wallets)
		if err != nil {
			return nil, err
		}
		cutoff, err := ParseCutoff(chain.Cutoff)
		if err != nil {
			return nil, fmt.Errorf("chains.%s.cutoff: %w", network, err)
		}
		for i := range wallets {
			wallets[i].Cutoff = cutoff
		}
		out = append(out, wallets...)
	}
	return out, nil
}

// GlobalCutoff returns watch.cutoff, zero when unset.
func (c *Config) GlobalCutoff() (time.Time, error) {
	cutoff, err := ParseCutoff(c.Watch.Cutoff)
	if err != nil {
		return time.Time{}, fmt.Errorf("watch.cutoff: %w", err)
	}
	return cutoff, nil
}

// PriceSymbols lists the symbols the price cache refreshes at the start of each tick:
// the native asset of every chain with wallets plus pricing.symbols, fixed-price
// symbols excluded. Tron is skipped because TronGrid only lists TRC20 transfers.
func (c *Config) PriceSymbols() []string {
	set := make(map[string]struct{})
	for _, network := range model.Networks {
		if network == model.Tron {
			continue
		}
		chain := c.Chain(network)
		if chain.Enabled && len(chain.Wallets) > 0 {
			set[network.NativeSymbol()] = struct{}{}
		}
	}
	for _, sym := range c.Pricing.Symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			set[sym] = struct{}{}
		}
	}
	for sym := range c.Pricing.Fixed {
		delete(set, strings.ToUpper(sym))
	}

	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

var cutoffLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseCutoff accepts RFC3339, "2006-01-02 15:04:05", "2006-01-02" (all UTC unless
// zoned) or unix seconds. An empty value yields the zero time.
func ParseCutoff(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range cutoffLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised cutoff %q", raw)
}

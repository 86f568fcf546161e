package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"txwatch/internal/alerting"
	"txwatch/internal/config"
	"txwatch/internal/fetcher"
	"txwatch/internal/model"
	"txwatch/internal/pricing"
	"txwatch/internal/scheduler"
	"txwatch/internal/service"
	"txwatch/internal/state"
	"txwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() (map[model.Network]fetcher.TransferFetcher, error) {
	ua := a.Config.App.UserAgent
	timeout := a.Config.Watch.FetchTimeout
	chains := a.Config.Chains

	fetchers := make(map[model.Network]fetcher.TransferFetcher, len(model.Networks))
	if chains.Ethereum.Enabled {
		var eth fetcher.TransferFetcher = fetcher.NewEtherscan(fetcher.EtherscanOptions{
			BaseURL:    chains.Ethereum.BaseURL,
			APIKey:     chains.Ethereum.APIKey,
			ChainID:    chains.Ethereum.ChainID,
			MaxResults: chains.Ethereum.MaxResults,
			RateLimit:  chains.Ethereum.RateLimit,
			Timeout:    timeout,
			UserAgent:  ua,
		}, a.Logger)
		if len(chains.Ethereum.Tokens) > 0 {
			tokens, err := fetcher.NewERC20(fetcher.ERC20Options{
				RPCURL:         chains.Ethereum.RPCURL,
				Tokens:         chains.Ethereum.Tokens,
				LookbackBlocks: chains.Ethereum.LookbackBlocks,
				MaxResults:     chains.Ethereum.MaxResults,
				Timeout:        timeout,
			}, a.Logger)
			if err != nil {
				return nil, err
			}
			eth = fetcher.NewMerged(chains.Ethereum.MaxResults, eth, tokens)
		}
		fetchers[model.Ethereum] = eth
	}
	if chains.Tron.Enabled {
		fetchers[model.Tron] = fetcher.NewTronGrid(fetcher.TronGridOptions{
			BaseURL:    chains.Tron.BaseURL,
			APIKey:     chains.Tron.APIKey,
			MaxResults: chains.Tron.MaxResults,
			RateLimit:  chains.Tron.RateLimit,
			Timeout:    timeout,
			UserAgent:  ua,
		}, a.Logger)
	}
	if chains.Bitcoin.Enabled {
		fetchers[model.Bitcoin] = fetcher.NewEsplora(fetcher.EsploraOptions{
			BaseURL:    chains.Bitcoin.BaseURL,
			MaxResults: chains.Bitcoin.MaxResults,
			RateLimit:  chains.Bitcoin.RateLimit,
			Timeout:    timeout,
			UserAgent:  ua,
		}, a.Logger)
	}
	return fetchers, nil
}

func (a *App) newPriceCache() *pricing.Cache {
	cfg := a.Config.Pricing
	binance := fetcher.NewBinance(fetcher.BinanceOptions{
		BaseURL:   cfg.BaseURL,
		Pairs:     cfg.Pairs,
		Timeout:   cfg.RequestTimeout,
		UserAgent: a.Config.App.UserAgent,
	}, a.Logger)

	return pricing.NewCache(pricing.Options{
		TTL:            cfg.TTL,
		RequestTimeout: cfg.RequestTimeout,
		Fixed:          cfg.Fixed,
	}, binance, a.Logger)
}

// newNotifier returns nil when alerting is disabled; without Telegram the
// notifications go to the log.
func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.RequestTimeout, a.Logger)
	}
	a.Logger.Warn().Msg("telegram not configured; notifications are written to the log")
	return alerting.NewLogNotifier(a.Logger)
}

// openStore connects to PostgreSQL and applies migrations. It returns a nil store
// when no DSN is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		closer()
		return nil, nil, err
	}
	if len(applied) > 0 {
		a.Logger.Debug().Strs("migrations", applied).Msg("database migrations applied")
	}
	return store, closer, nil
}

// openState loads the confirmation state from the configured backend.
func (a *App) openState(ctx context.Context, db *storage.Store) (*state.Store, error) {
	var backend state.Backend
	switch a.Config.Watch.StateBackend {
	case config.BackendPostgres:
		if db == nil {
			return nil, errors.New("watch.state_backend=postgres 需要 database.dsn")
		}
		backend = db
	default:
		backend = state.NewFileBackend(a.Config.Watch.StateFile)
	}

	store := state.NewStore(backend, a.Config.Watch.Retention, a.Logger)
	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("load watch state: %w", err)
	}
	return store, nil
}

func (a *App) newService(ctx context.Context, sched *scheduler.Scheduler) (*service.Service, func(), error) {
	db, closeDB, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if closeDB != nil {
			closeDB()
		}
	}
	if db == nil {
		a.Logger.Warn().Msg("database.dsn not configured; notification history disabled")
	}

	states, err := a.openState(ctx, db)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	watchlist, err := a.Config.WatchList()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	opts, err := service.OptionsFromConfig(a.Config)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	fetchers, err := a.newFetchers()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var audit storage.NotificationStore
	if db != nil {
		audit = db
	}

	svc := service.New(opts, sched, watchlist, fetchers, a.newPriceCache(), states, audit, a.newNotifier(), a.Logger)
	a.Logger.Info().
		Int("addresses", len(watchlist)).
		Int("records", states.Len()).
		Str("state_backend", a.Config.Watch.StateBackend).
		Strs("price_symbols", opts.Symbols).
		Msg("watch service ready")
	return svc, cleanup, nil
}

// Run executes the long-running watch loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	svc, cleanup, err := a.newService(ctx, sched)
	if err != nil {
		return err
	}
	defer cleanup()

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting watch service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch service stopped")
	return nil
}

// RunOnce executes a single polling round and exits.
func (a *App) RunOnce(ctx context.Context) (service.TickSummary, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, cleanup, err := a.newService(ctx, nil)
	if err != nil {
		return service.TickSummary{}, err
	}
	defer cleanup()

	return svc.RunOnce(ctx)
}

// ExportOptions hold parameters for exporting notification history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Address string
	Limit   int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit int
}

// PruneOptions configure the prune maintenance job.
type PruneOptions struct {
	OlderThan time.Duration
	DryRun    bool
}

// SimulateOptions describe the synthetic transfer sent by test-notify.
type SimulateOptions struct {
	Network   model.Network
	Address   string
	Label     string
	Amount    decimal.Decimal
	Symbol    string
	Confirmed bool
	// PriceUSD pins the symbol's price instead of querying the price provider.
	PriceUSD decimal.Decimal
}

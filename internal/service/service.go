package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"txwatch/internal/alerting"
	"txwatch/internal/config"
	"txwatch/internal/fetcher"
	"txwatch/internal/model"
	"txwatch/internal/pricing"
	"txwatch/internal/scheduler"
	"txwatch/internal/state"
	"txwatch/internal/storage"
)

// Options tune one watch round.
type Options struct {
	Workers      int
	FetchTimeout time.Duration
	ThresholdUSD decimal.Decimal
	Retention    time.Duration
	// OnlyLatest limits first-sight notifications on UTXO chains to the newest transfer;
	// older unseen entries are absorbed silently. When false every unseen entry notifies.
	OnlyLatest          bool
	ConfirmationUpdates bool
	// GlobalCutoff applies to addresses without a chain cutoff. Zero disables it.
	GlobalCutoff time.Time
	// Symbols are refreshed in the price cache at the start of every tick. Any other
	// symbol is looked up the first time a transfer in it needs a USD value.
	Symbols []string
}

// OptionsFromConfig derives watch options from configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	cutoff, err := cfg.GlobalCutoff()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Workers:             cfg.Watch.Workers,
		FetchTimeout:        cfg.Watch.FetchTimeout,
		ThresholdUSD:        cfg.Watch.ThresholdUSD,
		Retention:           cfg.Watch.Retention,
		OnlyLatest:          cfg.Watch.OnlyLatest,
		ConfirmationUpdates: cfg.Watch.ConfirmationUpdates,
		GlobalCutoff:        cutoff,
		Symbols:             cfg.PriceSymbols(),
	}, nil
}

// Service orchestrates fetching, state transitions and alerting.
type Service struct {
	opts      Options
	scheduler *scheduler.Scheduler
	watchlist []model.WatchedAddress
	fetchers  map[model.Network]fetcher.TransferFetcher
	prices    *pricing.Cache
	store     *state.Store
	audit     storage.NotificationStore
	notifier  alerting.Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the watch service. prices, audit and notifier may be nil.
func New(opts Options, sched *scheduler.Scheduler, watchlist []model.WatchedAddress, fetchers map[model.Network]fetcher.TransferFetcher, prices *pricing.Cache, store *state.Store, audit storage.NotificationStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}

	return &Service{
		opts:      opts,
		scheduler: sched,
		watchlist: watchlist,
		fetchers:  fetchers,
		prices:    prices,
		store:     store,
		audit:     audit,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// TickSummary counts what one tick did.
type TickSummary struct {
	Addresses     int
	FetchFailures int
	Evaluated     int
	Notified      int
	Confirmed     int
	Absorbed      int
	BelowCutoff   int
	Malformed     int
	Pruned        int
}

type fetchResult struct {
	target    model.WatchedAddress
	transfers []model.Transfer
	err       error
	took      time.Duration
}

// ProcessTick 执行一轮轮询。单个地址的失败不会影响其他地址；
// 聚合阶段的 panic 在此处恢复并作为本轮失败返回。
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) (err error) {
	_, err = s.processTick(ctx, tick)
	return err
}

// RunOnce executes a single tick and returns its summary.
func (s *Service) RunOnce(ctx context.Context) (TickSummary, error) {
	return s.processTick(ctx, s.now().UTC())
}

func (s *Service) processTick(ctx context.Context, tick time.Time) (summary TickSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Time("tick", tick).
				Msg("recovered from panic during tick")
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	if s.store == nil {
		return summary, fmt.Errorf("state store not configured")
	}

	// 本轮已尝试过报价的币种；未预先配置的代币在首次需要时按需拉取。
	quoted := make(map[string]struct{}, len(s.opts.Symbols))
	if s.prices != nil && len(s.opts.Symbols) > 0 {
		s.prices.Refresh(ctx, s.opts.Symbols)
		for _, sym := range s.opts.Symbols {
			quoted[normalizeSymbol(sym)] = struct{}{}
		}
	}

	summary.Addresses = len(s.watchlist)
	for res := range s.fetchAll(ctx) {
		log := s.logger.With().
			Str("network", string(res.target.Network)).
			Str("address", res.target.Address).
			Str("label", res.target.Label).
			Logger()

		if res.err != nil {
			summary.FetchFailures++
			log.Warn().Err(res.err).Dur("took", res.took).Msg("fetch failed; skipping address this tick")
			continue
		}
		log.Debug().Int("transfers", len(res.transfers)).Dur("took", res.took).Msg("fetched transfers")
		s.evaluate(ctx, log, res.target, res.transfers, quoted, &summary)
	}

	summary.Pruned = s.store.Prune(ctx, s.opts.Retention, s.now())

	s.logger.Info().
		Time("tick", tick).
		Int("addresses", summary.Addresses).
		Int("fetch_failures", summary.FetchFailures).
		Int("notified", summary.Notified).
		Int("confirmed", summary.Confirmed).
		Int("absorbed", summary.Absorbed).
		Int("below_cutoff", summary.BelowCutoff).
		Int("pruned", summary.Pruned).
		Msg("tick complete")
	return summary, nil
}

// fetchAll fans out one fetch per watched address over a bounded pool. Results are
// delivered in completion order and the channel closes once every fetch returned.
func (s *Service) fetchAll(ctx context.Context) <-chan fetchResult {
	results := make(chan fetchResult, len(s.watchlist))
	go func() {
		defer close(results)
		var g errgroup.Group
		g.SetLimit(s.opts.Workers)
		for _, target := range s.watchlist {
			g.Go(func() error {
				results <- s.fetchOne(ctx, target)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return results
}

func (s *Service) fetchOne(ctx context.Context, target model.WatchedAddress) (res fetchResult) {
	res.target = target
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.transfers = nil
			res.err = fmt.Errorf("fetch panic: %v", r)
		}
		res.took = time.Since(started)
	}()

	f, ok := s.fetchers[target.Network]
	if !ok || f == nil {
		res.err = fmt.Errorf("no fetcher for network %s", target.Network)
		return res
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	res.transfers, res.err = f.FetchRecent(fetchCtx, target.Address)
	return res
}

func (s *Service) evaluate(ctx context.Context, log zerolog.Logger, target model.WatchedAddress, transfers []model.Transfer, quoted map[string]struct{}, summary *TickSummary) {
	if len(transfers) == 0 {
		return
	}

	candidates := transfers
	if target.Kind() == model.AccountBased {
		candidates = transfers[:1]
	}
	cutoff := s.effectiveCutoff(target)
	now := s.now()
	// leading is true until the first entry survives the id and cutoff checks; only
	// that entry may notify in only-latest mode.
	leading := true

	for i, tr := range candidates {
		if tr.ID == "" {
			summary.Malformed++
			log.Warn().Int("index", i).Msg("skip transfer without id")
			continue
		}
		if !cutoff.IsZero() && tr.ObservedAt.Before(cutoff) {
			summary.BelowCutoff++
			continue
		}
		summary.Evaluated++
		latest := leading
		leading = false

		switch s.store.Classify(target.Address, tr) {
		case state.New:
			if !latest && s.opts.OnlyLatest {
				s.store.RecordNew(ctx, target.Address, tr, false, now)
				summary.Absorbed++
				log.Debug().Str("tx", tr.ID).Msg("absorbed older unseen transfer")
				continue
			}
			s.ensurePrice(ctx, tr.Symbol, quoted)
			if s.handleNew(ctx, log, target, tr) {
				summary.Notified++
			}
			s.store.RecordNew(ctx, target.Address, tr, true, now)
		case state.Reconfirmed:
			if s.opts.ConfirmationUpdates {
				s.ensurePrice(ctx, tr.Symbol, quoted)
				s.dispatch(ctx, log, alerting.KindConfirmed, target, tr)
				summary.Confirmed++
			}
			s.store.RecordConfirmation(ctx, target.Address, tr.ID, now)
		case state.Duplicate:
			s.store.Touch(ctx, target.Address, tr, now)
		}
	}
}

// handleNew dispatches an incoming notification when the transfer clears the USD
// threshold. A missing price counts as below threshold.
func (s *Service) handleNew(ctx context.Context, log zerolog.Logger, target model.WatchedAddress, tr model.Transfer) bool {
	usd, ok := s.usdValue(tr)
	if !ok {
		log.Info().Str("tx", tr.ID).Str("symbol", tr.Symbol).Msg("no price available; recording transfer without notification")
		return false
	}
	if usd.LessThan(s.opts.ThresholdUSD) {
		log.Debug().Str("tx", tr.ID).Str("usd", usd.StringFixed(2)).Msg("transfer below threshold")
		return false
	}
	s.dispatch(ctx, log, alerting.KindIncoming, target, tr)
	return true
}

func (s *Service) dispatch(ctx context.Context, log zerolog.Logger, kind alerting.Kind, target model.WatchedAddress, tr model.Transfer) {
	usd, hasPrice := s.usdValue(tr)
	note := alerting.Notification{
		Kind:     kind,
		Address:  target,
		Transfer: tr,
		USDValue: usd,
		HasPrice: hasPrice,
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, note); err != nil {
			log.Error().Err(err).Str("tx", tr.ID).Str("kind", string(kind)).Msg("failed to dispatch notification")
		}
	}

	if s.audit != nil {
		rec := storage.NotificationRecord{
			Address:    target.Address,
			Network:    string(target.Network),
			TransferID: tr.ID,
			Kind:       string(kind),
			Label:      target.Label,
			Amount:     tr.Amount,
			Symbol:     tr.Symbol,
		}
		if hasPrice {
			rec.USDValue = &usd
		}
		if err := s.audit.InsertNotification(ctx, rec); err != nil {
			log.Error().Err(err).Str("tx", tr.ID).Msg("failed to persist notification record")
		}
	}
}

// ensurePrice refreshes symbol at most once per tick, so tokens outside the
// configured symbol list are still priced when a transfer needs them.
func (s *Service) ensurePrice(ctx context.Context, symbol string, quoted map[string]struct{}) {
	sym := normalizeSymbol(symbol)
	if s.prices == nil || sym == "" {
		return
	}
	if _, done := quoted[sym]; done {
		return
	}
	quoted[sym] = struct{}{}
	s.prices.Refresh(ctx, []string{sym})
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (s *Service) usdValue(tr model.Transfer) (decimal.Decimal, bool) {
	if s.prices == nil {
		return decimal.Zero, false
	}
	return s.prices.USDValue(tr.Symbol, tr.Amount)
}

// effectiveCutoff returns the address's chain cutoff, else the global one.
func (s *Service) effectiveCutoff(target model.WatchedAddress) time.Time {
	if !target.Cutoff.IsZero() {
		return target.Cutoff
	}
	return s.opts.GlobalCutoff
}

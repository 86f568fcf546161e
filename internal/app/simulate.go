package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"txwatch/internal/fetcher"
	"txwatch/internal/model"
	"txwatch/internal/pricing"
	"txwatch/internal/service"
	"txwatch/internal/state"
)

// SimulateTransfer 构造一笔入账交易，走一遍完整的轮询流程并通过配置的通道发送通知。
// 状态只保存在内存里，不会影响真实的去重记录。
func (a *App) SimulateTransfer(ctx context.Context, opts SimulateOptions) (service.TickSummary, error) {
	if !a.Config.Alerting.Enabled {
		return service.TickSummary{}, errors.New("alerting 未启用")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return service.TickSummary{}, errors.New("未配置任何告警通道")
	}
	if !opts.Amount.IsPositive() {
		return service.TickSummary{}, errors.New("amount must be greater than zero")
	}

	target, err := a.simulatedTarget(opts)
	if err != nil {
		return service.TickSummary{}, err
	}

	symbol := opts.Symbol
	if symbol == "" {
		symbol = target.Network.NativeSymbol()
	}

	now := time.Now().UTC()
	transfer := model.Transfer{
		ID:           fmt.Sprintf("simulated-%d", now.UnixNano()),
		Network:      target.Network,
		Counterparty: model.UnknownCounterparty,
		Destination:  target.Address,
		Amount:       opts.Amount,
		Symbol:       symbol,
		ObservedAt:   now,
		Confirmed:    opts.Confirmed,
	}

	prices := a.newPriceCache()
	symbols := []string{symbol}
	if opts.PriceUSD.IsPositive() {
		prices = pricing.NewCache(pricing.Options{
			Fixed: map[string]decimal.Decimal{symbol: opts.PriceUSD},
		}, nil, a.Logger)
		symbols = nil
	}

	svcOpts := service.Options{
		Workers:             1,
		FetchTimeout:        a.Config.Watch.FetchTimeout,
		ThresholdUSD:        decimal.Zero,
		Retention:           a.Config.Watch.Retention,
		OnlyLatest:          true,
		ConfirmationUpdates: true,
		Symbols:             symbols,
	}
	fetchers := map[model.Network]fetcher.TransferFetcher{
		target.Network: &staticTransferFetcher{transfers: []model.Transfer{transfer}},
	}
	store := state.NewStore(nil, a.Config.Watch.Retention, a.Logger)

	svc := service.New(svcOpts, nil, []model.WatchedAddress{target}, fetchers, prices, store, nil, notifier, a.Logger)
	summary, err := svc.RunOnce(ctx)
	if err != nil {
		return summary, err
	}
	if summary.Notified == 0 {
		return summary, fmt.Errorf("no notification dispatched: no USD price for %s", symbol)
	}
	return summary, nil
}

// simulatedTarget picks the configured wallet matching opts, or a synthetic one.
func (a *App) simulatedTarget(opts SimulateOptions) (model.WatchedAddress, error) {
	network := opts.Network
	if network == "" {
		network = model.Ethereum
	}

	watchlist, err := a.Config.WatchList()
	if err != nil {
		return model.WatchedAddress{}, err
	}
	for _, w := range watchlist {
		if w.Network != network {
			continue
		}
		if opts.Address == "" || w.Address == opts.Address {
			if opts.Label != "" {
				w.Label = opts.Label
			}
			w.Cutoff = time.Time{}
			return w, nil
		}
	}

	address := opts.Address
	if address == "" {
		address = "simulated-" + string(network)
	}
	return model.WatchedAddress{Network: network, Address: address, Label: opts.Label}, nil
}

type staticTransferFetcher struct {
	transfers []model.Transfer
}

func (s *staticTransferFetcher) FetchRecent(ctx context.Context, address string) ([]model.Transfer, error) {
	return s.transfers, nil
}

var _ fetcher.TransferFetcher = (*staticTransferFetcher)(nil)

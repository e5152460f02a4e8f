package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"spot-grid/internal/alert"
	"spot-grid/internal/config"
	"spot-grid/internal/core"
	"spot-grid/internal/costbasis"
	"spot-grid/internal/engine"
	"spot-grid/internal/exchange"
	"spot-grid/internal/exchange/binance"
	"spot-grid/internal/exchange/paper"
	"spot-grid/internal/grid"
	"spot-grid/internal/healthz"
	"spot-grid/internal/logging"
	"spot-grid/internal/metrics"
	"spot-grid/internal/retry"
	"spot-grid/internal/safety"
	"spot-grid/internal/store"
	"spot-grid/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := logging.New(cfg.Observability.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(
		zap.String("mode", string(cfg.Mode)),
		zap.String("symbol", cfg.Symbol),
		zap.String("instance_id", cfg.InstanceID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, configPath, logger); err != nil {
		logger.Error("gridbot_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("gridbot_stopped")
}

func run(ctx context.Context, cfg config.Config, configPath string, logger *zap.Logger) error {
	stateDir := cfg.StateDir()
	files, err := store.New(stateDir, logger)
	if err != nil {
		return err
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	lock, err := store.AcquireInstanceLockWithOptions(stateDir, store.LockOptions{
		InstanceID:      cfg.InstanceID,
		Symbol:          cfg.Symbol,
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			logger.Warn("instance_lock_release_failed", zap.Error(relErr))
		}
	}()

	persister, err := openPersister(cfg, files)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := persister.Close(); closeErr != nil {
			logger.Warn("state_close_failed", zap.Error(closeErr))
		}
	}()

	manager, err := buildAlertManager(cfg, logger)
	if err != nil {
		return err
	}
	var alerts alert.Alerter
	if manager != nil {
		alerts = manager
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := manager.Close(closeCtx); err != nil {
				logger.Warn("alert_manager_close_failed", zap.Error(err))
			}
		}()
	}

	venue, closeVenue, err := buildVenue(cfg, logger, alerts)
	if err != nil {
		return err
	}
	defer closeVenue()

	m := metrics.New()
	breaker := safety.NewBreaker(safety.Options{
		Enabled:           cfg.CircuitBreaker.Enabled,
		MaxPlaceFailures:  cfg.CircuitBreaker.MaxPlaceFailures,
		MaxCycleFailures:  cfg.CircuitBreaker.MaxCycleFailures,
		Cooldown:          time.Duration(cfg.CircuitBreaker.CooldownSec) * time.Second,
		HalfOpenSuccesses: cfg.CircuitBreaker.HalfOpenSuccesses,
	}, logger)
	breaker.SetAlerter(alerts)

	limiter := rate.NewLimiter(rate.Limit(cfg.Cycle.RateLimitPerSec), cfg.Cycle.RateLimitBurst)
	wrapped := retry.Wrap(venue, retryPolicy(cfg, m), limiter, cfg.Exchange.ClientOrderPrefix)

	useVenueField := true
	if cfg.CostBasis.UseExchangeField != nil {
		useVenueField = *cfg.CostBasis.UseExchangeField
	}
	runner := &engine.LiveRunner{
		Exchange:   safety.NewGuardedExchange(wrapped, breaker),
		Symbol:     cfg.Symbol,
		Mode:       string(cfg.Mode),
		InstanceID: cfg.InstanceID,
		GridMode:   string(cfg.Grid.Mode),
		Builder:    grid.NewBuilder(gridSpec(cfg.Grid)),
		Interval:   cfg.Interval(),
		CostBasis: costbasis.Options{
			UseVenueField: useVenueField,
			MaxPages:      cfg.CostBasis.MaxPages,
		},
		Store:   persister,
		Status:  files,
		Breaker: breaker,
		Alerts:  alerts,
		Metrics: m,
		Logger:  logger,
	}
	runner.SetParams(paramsFrom(cfg.Symbol, cfg.Trading))

	logger.Info("gridbot_starting",
		zap.String("venue", venue.Name()),
		zap.String("state_dir", stateDir),
		zap.String("backend", string(cfg.State.Backend)),
		zap.Duration("interval", cfg.Interval()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if addr := cfg.Observability.HTTP.Addr; addr != "" {
		srv := healthz.New(runner, m.Handler(), 3*cfg.Interval()+time.Minute, logger)
		g.Go(func() error {
			return srv.Run(gctx, addr)
		})
	}
	if cfg.HotReload {
		w := &config.Watcher{
			Path:    configPath,
			Current: cfg,
			Logger:  logger,
			OnChange: func(tc config.TradingConfig) {
				runner.SetParams(paramsFrom(cfg.Symbol, tc))
			},
		}
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func openPersister(cfg config.Config, files *store.Store) (store.Persister, error) {
	if cfg.State.Backend != config.BackendSQLite {
		return files, nil
	}
	return store.OpenSQLite(filepath.Join(files.Root(), "state.db"), cfg.Symbol)
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) (*alert.Manager, error) {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil, nil
	}
	notifier, err := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	if err != nil {
		return nil, err
	}
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		BatchWindow:        time.Duration(cfg.Observability.Runtime.AlertBatchMs) * time.Millisecond,
		Logger:             logger,
	}), nil
}

// buildVenue returns the raw venue for cfg.Mode and a func releasing what it
// opened.
func buildVenue(cfg config.Config, logger *zap.Logger, alerts alert.Alerter) (exchange.Exchange, func(), error) {
	if cfg.Mode != config.ModePaper {
		client, err := binance.NewClient(binance.OptionsFromConfig(cfg.Exchange, logger))
		if err != nil {
			return nil, nil, err
		}
		if alerts != nil {
			client.SetAlerter(alerts)
		}
		return client, func() { _ = client.Close() }, nil
	}

	var (
		prices  exchange.MarketData
		release = func() {}
	)
	switch cfg.Paper.PriceSource {
	case config.PriceBinance:
		public := binance.NewClientWithOptions(binance.OptionsFromConfig(cfg.Exchange, logger))
		prices = public
		release = func() { _ = public.Close() }
	case config.PriceReplay:
		replay, err := paper.NewReplay(cfg.Paper.ReplayPath, cfg.Paper.ReplayLoop)
		if err != nil {
			return nil, nil, err
		}
		prices = replay
		release = func() { _ = replay.Close() }
	default:
		info := paperInfo(cfg)
		synthetic, err := paper.NewSynthetic(
			cfg.Paper.SyntheticCenter.Decimal,
			cfg.Paper.SyntheticAmplitude.Decimal,
			time.Duration(cfg.Paper.SyntheticPeriodSec)*time.Second,
			info.Filters,
		)
		if err != nil {
			return nil, nil, err
		}
		prices = synthetic
	}
	ex, err := paper.New(paper.Options{
		Info:              paperInfo(cfg),
		InitialBase:       cfg.Paper.InitialBase.Decimal,
		InitialQuote:      cfg.Paper.InitialQuote.Decimal,
		FeeRate:           cfg.Paper.FeeRate.Decimal,
		ClientOrderPrefix: cfg.Exchange.ClientOrderPrefix,
		Prices:            prices,
		Logger:            logger,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return ex, release, nil
}

func paperInfo(cfg config.Config) core.SymbolInfo {
	r := cfg.Paper.Rules
	return core.SymbolInfo{
		Symbol:     cfg.Symbol,
		BaseAsset:  cfg.Paper.BaseAsset,
		QuoteAsset: cfg.Paper.QuoteAsset,
		Filters: core.SymbolFilters{
			PriceTick:   r.PriceTick.Decimal,
			QtyStep:     r.QtyStep.Decimal,
			MinQty:      r.MinQty.Decimal,
			MaxQty:      r.MaxQty.Decimal,
			MinPrice:    r.MinPrice.Decimal,
			MaxPrice:    r.MaxPrice.Decimal,
			MinNotional: r.MinNotional.Decimal,
		},
	}
}

func gridSpec(gc config.GridConfig) grid.Spec {
	return grid.Spec{
		Mode:  grid.Mode(gc.Mode),
		Min:   gc.Min.Decimal,
		Max:   gc.Max.Decimal,
		Nodes: gc.Nodes,
		Width: gc.NodeWidth.Decimal,
		Gap:   gc.NodeGap.Decimal,
	}
}

func paramsFrom(symbol string, tc config.TradingConfig) strategy.Params {
	fee := decimal.Zero
	if tc.FeeAllowance != nil {
		fee = tc.FeeAllowance.Decimal
	}
	return strategy.Params{
		Symbol:       symbol,
		TradeSize:    tc.TradeSize.Decimal,
		SellStrategy: strategy.SellStrategy(tc.SellStrategy),
		SellOffset:   tc.SellOffset.Decimal,
		SellMargin:   tc.SellMargin.Decimal,
		FeeAllowance: fee,
	}
}

func retryPolicy(cfg config.Config, m *metrics.Metrics) retry.Policy {
	p := retry.DefaultPolicy()
	p.Attempts = cfg.Cycle.Retry.Attempts
	p.BaseDelay = time.Duration(cfg.Cycle.Retry.BaseDelayMs) * time.Millisecond
	p.MaxDelay = time.Duration(cfg.Cycle.Retry.MaxDelayMs) * time.Millisecond
	p.CallTimeout = time.Duration(cfg.Cycle.CallTimeoutSec) * time.Second
	if m != nil {
		p.OnRetry = m.RetryHook
	}
	return p
}

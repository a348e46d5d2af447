// executiond is a multi-account derivatives trading execution engine.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	internal/engine            — orchestrator: signal consumer, reconcile ticker, position monitor
//	internal/strategy          — volatility-breakout evaluator, produces OrderPlans from candles
//	internal/risk              — central pre-trade gate: per-VA state, ordered review, sizing
//	internal/governor          — per-VA cooldown and open-position throttle
//	internal/filters           — pre-trade market-quality gate (spread, latency, slippage, session)
//	internal/router            — one-symbol-per-VA claim map
//	internal/orders            — order lifecycle, position book, stop-loss triggering
//	internal/reconciler        — closes the loop between exchange and local state
//	internal/exchange          — REST + WebSocket adapters for the linear-perp exchange
//	internal/store             — durable state: SQLite in production, in-memory for tests
//	internal/metrics           — Prometheus instrumentation over /metrics
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"executiond/internal/config"
	"executiond/internal/engine"
	"executiond/internal/exchange"
	"executiond/internal/governor"
	"executiond/internal/metrics"
	"executiond/internal/orders"
	"executiond/internal/reconciler"
	"executiond/internal/risk"
	"executiond/internal/router"
	"executiond/internal/store"
	"executiond/internal/strategy"
)

// statsPersister adapts the durable store's trade_stats table to the
// governor's Persister contract, writing each VA's trade counters, loss
// streak and drawdown after every governor mutation. The cooldown flag and
// expiry are not stored, and nothing reads the table back at startup.
type statsPersister struct {
	store store.Store
}

func (p statsPersister) SaveGovernorState(va string, s governor.State) error {
	return p.store.UpsertTradeStats(context.Background(), store.TradeStats{
		VAID:              va,
		TotalTrades:       s.TotalTrades,
		WinningTrades:     s.WinningTrades,
		LosingTrades:      s.LosingTrades,
		ConsecutiveLosses: s.ConsecutiveLosses,
		CurrentDrawdown:   s.CurrentDrawdown,
		MaxDrawdown:       s.MaxDrawdown,
		UpdatedAt:         time.Now().UTC(),
	})
}

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXECD_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("invalid config")
	}

	logger := buildLogger(cfg.Logging)
	logger.Info().Str("path", cfgPath).Msg("config loaded")

	st, err := store.OpenSQLStore(cfg.Store.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("database_path", cfg.Store.DatabasePath).Msg("failed to open store")
	}
	defer st.Close()

	vas, err := st.ListVAs(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load virtual accounts")
	}
	if len(vas) == 0 {
		logger.Warn().Msg("no virtual accounts configured; the engine will accept no signals until one is registered")
	}

	exch := exchange.NewRESTClient(cfg.Exchange, logger)
	feed := exchange.NewMarketFeed(cfg.Exchange.WSURL, logger)
	for _, symbol := range cfg.Engine.Symbols {
		feed.Subscribe(symbol)
	}

	var realEquity float64
	for _, va := range vas {
		realEquity += va.Allocation
	}

	riskMgr := risk.New(cfg.Risk, cfg.Sizer, realEquity, logger)
	for i := range vas {
		riskMgr.RegisterVA(&vas[i])
	}

	gov := governor.New(cfg.Governor, riskMgr, logger)
	gov.SetPersister(statsPersister{store: st})

	rtr := router.New(st, logger)
	orderMgr := orders.New(cfg.Orders, exch, riskMgr, gov, rtr, st, logger)
	rec := reconciler.New(cfg.Reconciler, exch, st, rtr, orderMgr, logger)
	eval := strategy.New(cfg.Strategy)

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = metrics.NewServer(":"+strconv.Itoa(cfg.Metrics.Port), logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Int("port", cfg.Metrics.Port).Msg("metrics server starting")
	}

	eng := engine.New(*cfg, exch, feed, rtr, gov, riskMgr, orderMgr, rec, eval, m, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Start(ctx)
	}()

	logger.Info().
		Int("virtual_accounts", len(vas)).
		Strs("symbols", cfg.Engine.Symbols).
		Msg("executiond started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("engine exited unexpectedly")
		}
	}

	cancel()
	eng.Stop()
	<-errCh

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to stop metrics server")
		}
	}

	logger.Info().Msg("shutdown complete")
}

func buildLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

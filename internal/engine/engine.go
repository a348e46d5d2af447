// Package engine is the central orchestrator of the execution engine.
//
// It wires together every subsystem named in §4: the signal router, the
// governor's cooldown/throttle gate, the risk manager's ordered pre-trade
// review, the pre-trade filters, the order manager, and the reconciler.
//
// Lifecycle: New() -> Start(ctx) -> [runs until ctx is cancelled] -> Stop()
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"executiond/internal/config"
	"executiond/internal/exchange"
	"executiond/internal/filters"
	"executiond/internal/governor"
	"executiond/internal/metrics"
	"executiond/internal/orders"
	"executiond/internal/reconciler"
	"executiond/internal/risk"
	"executiond/internal/router"
	"executiond/internal/store"
	"executiond/internal/strategy"
	"executiond/pkg/types"
)

// Engine orchestrates the full signal -> order pipeline plus the two
// background loops (reconcile, position-monitor) that keep local state
// honest between signals.
type Engine struct {
	cfg config.Config

	exchange  exchange.Client
	feed      *exchange.MarketFeed
	router    *router.Router
	governor  *governor.Governor
	risk      *risk.Manager
	orders    *orders.Manager
	reconcile *reconciler.Reconciler
	evaluator *strategy.Evaluator
	metrics   *metrics.Metrics
	store     store.Store
	log       zerolog.Logger

	signals chan types.OrderPlan

	snapMu sync.RWMutex
	snaps  map[string]types.MarketSnapshot

	cancel context.CancelFunc
}

// New wires every subsystem together. Callers own constructing the
// individual subsystems (each has its own configuration-driven
// constructor); Engine only coordinates them.
func New(
	cfg config.Config,
	exch exchange.Client,
	feed *exchange.MarketFeed,
	rtr *router.Router,
	gov *governor.Governor,
	riskMgr *risk.Manager,
	orderMgr *orders.Manager,
	rec *reconciler.Reconciler,
	eval *strategy.Evaluator,
	m *metrics.Metrics,
	st store.Store,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		exchange:  exch,
		feed:      feed,
		router:    rtr,
		governor:  gov,
		risk:      riskMgr,
		orders:    orderMgr,
		reconcile: rec,
		evaluator: eval,
		metrics:   m,
		store:     st,
		log:       logger.With().Str("component", "engine").Logger(),
		signals:   make(chan types.OrderPlan, cfg.Engine.SignalQueueSize),
		snaps:     make(map[string]types.MarketSnapshot),
	}
}

// SubmitSignal enqueues plan for processing. Non-blocking: if the signal
// queue is full, the plan is dropped and false is returned rather than
// stalling whatever produced it (§5's drop-on-full ordering guarantee).
func (e *Engine) SubmitSignal(plan types.OrderPlan) bool {
	select {
	case e.signals <- plan:
		return true
	default:
		e.log.Warn().Str("va", plan.VAID).Str("symbol", plan.Symbol).Msg("signal queue full, dropping plan")
		return false
	}
}

// Start launches the background activities — market feed, snapshot cache
// feeder, signal consumer, reconcile ticker, position monitor — and
// blocks until ctx is cancelled or one of them returns a non-nil error.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		e.feed.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.consumeSnapshots(gctx)
		return nil
	})
	g.Go(func() error {
		e.consumeSignals(gctx)
		return nil
	})
	g.Go(func() error {
		e.runReconcileTicker(gctx)
		return nil
	})
	g.Go(func() error {
		e.runPositionMonitor(gctx)
		return nil
	})

	return g.Wait()
}

// Stop cancels every background activity started by Start. It does not
// block on their exit; callers that need that should let Start's error
// group return instead.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// consumeSnapshots drains the market feed into a per-symbol cache the
// signal path and position monitor both read from. The feed has no
// pull-based "latest snapshot" accessor, so the engine owns the cache.
func (e *Engine) consumeSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-e.feed.Snapshots():
			if !ok {
				return
			}
			e.snapMu.Lock()
			e.snaps[snap.Symbol] = snap
			e.snapMu.Unlock()
		}
	}
}

func (e *Engine) latestSnapshot(symbol string) (types.MarketSnapshot, bool) {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	snap, ok := e.snaps[symbol]
	return snap, ok
}

// consumeSignals drains the signal queue in FIFO order, running each plan
// through the full admission sequence (§4.8) before submission.
func (e *Engine) consumeSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case plan, ok := <-e.signals:
			if !ok {
				return
			}
			e.handleSignal(ctx, plan)
		}
	}
}

// handleSignal runs the ordered admission sequence: kill-switch pre-check,
// symbol ownership, cooldown, throttle, market-quality filters, stop-loss
// fallback, and finally the risk manager's authoritative review and
// sizing. risk.Manager.ReviewOrderPlan re-checks kill-switch and several
// other conditions on its own — the checks here are cheap short-circuits
// that avoid a wasted market-data read and filter pass on a plan that was
// never going anywhere, not a substitute for that final gate.
func (e *Engine) handleSignal(ctx context.Context, plan types.OrderPlan) {
	log := e.log.With().Str("va", plan.VAID).Str("symbol", plan.Symbol).Logger()

	va, ok := e.risk.VA(plan.VAID)
	if !ok {
		log.Warn().Msg("signal for unregistered VA, dropping")
		return
	}
	if va.KillSwitch {
		e.reject(risk.ReasonKillSwitch)
		return
	}

	if ok, reason := e.router.CanTradeSymbol(ctx, plan.VAID, plan.Symbol); !ok {
		log.Info().Str("reason", reason).Msg("signal rejected by router")
		e.reject("symbol_claimed_by_other_va")
		return
	}

	now := time.Now().UTC()
	if d := e.governor.CanTrade(plan.VAID, now); !d.Allowed {
		log.Info().Str("reason", d.Reason).Msg("signal rejected by governor cooldown")
		e.reject("governor_cooldown")
		return
	}
	if d := e.governor.CheckThrottle(plan.VAID); !d.Allowed {
		log.Info().Str("reason", d.Reason).Msg("signal rejected by governor throttle")
		e.reject("governor_throttle")
		return
	}

	snap, ok := e.latestSnapshot(plan.Symbol)
	if !ok {
		log.Warn().Msg("no market snapshot cached yet, dropping signal")
		e.reject("no_market_data")
		return
	}
	if r := filters.CheckAll(snap, plan.EntryPrice, now, e.cfg.Filters); !r.Ok {
		log.Info().Str("reason", r.Reason).Msg("signal rejected by filters")
		e.reject(r.Reason)
		return
	}

	if plan.StopLoss == nil {
		// Expressed as a distance from entry: the risk review demands a
		// take-profit only for a fixed-price stop, and this plan has none.
		plan.StopLoss = &types.StopLossSpec{Kind: types.StopLossTrailing, TrailBy: plan.EntryPrice * e.cfg.Orders.StopLossPercentage}
	}

	result, err := e.risk.ReviewOrderPlan(plan, now, true)
	if err != nil {
		log.Warn().Err(err).Msg("risk review failed")
		return
	}
	if !result.Approved {
		log.Info().Str("reason", result.Reason).Msg("signal rejected by risk manager")
		e.reject(result.Reason)
		return
	}

	if _, err := e.orders.SubmitOrder(ctx, plan, result.Qty); err != nil {
		log.Warn().Err(err).Msg("order submission failed")
		return
	}
	if e.metrics != nil {
		e.metrics.OrdersSubmitted.Inc()
	}
}

func (e *Engine) reject(reason string) {
	if e.metrics != nil {
		e.metrics.RecordRejection(reason)
	}
}

// runReconcileTicker drives the reconciler on its own cadence,
// independent of the signal path (§4.7).
func (e *Engine) runReconcileTicker(ctx context.Context) {
	interval := time.Duration(e.cfg.Reconciler.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile.Run(ctx)
		}
	}
}

// runPositionMonitor sweeps every open position against its symbol's
// cached snapshot price, triggering a stop-loss exit when the price has
// crossed it.
func (e *Engine) runPositionMonitor(ctx context.Context) {
	interval := time.Duration(e.cfg.Engine.PositionMonitorIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkStopLosses(ctx)
		}
	}
}

func (e *Engine) checkStopLosses(ctx context.Context) {
	for _, pos := range e.orders.Positions() {
		snap, ok := e.latestSnapshot(pos.Symbol)
		if !ok {
			continue
		}
		triggered, err := e.orders.CheckStopLoss(ctx, pos, snap.Last)
		if err != nil {
			e.log.Warn().Err(err).Str("va", pos.VAID).Str("symbol", pos.Symbol).Msg("stop-loss check failed")
			continue
		}
		if triggered {
			e.log.Info().Str("va", pos.VAID).Str("symbol", pos.Symbol).Float64("price", snap.Last).Msg("stop-loss triggered")
		}
	}
}

// Package reconciler closes the loop between the exchange's view of orders
// and positions and the local state the order manager derives from fills.
// It runs on its own ticker (§4.7/§5), independent of the signal path, so a
// missed fill notification or a dropped websocket message is repaired
// within one reconcile_interval_seconds instead of silently diverging.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"executiond/internal/config"
	"executiond/internal/exchange"
	"executiond/internal/store"
	"executiond/pkg/types"
)

// SymbolOwner resolves which VA currently claims a symbol. Satisfied by the
// signal router's claim map.
type SymbolOwner interface {
	OwnerOf(symbol string) (string, bool)
}

// FillNotifier routes a detected fill into the order manager's normal fill
// path (position book update, risk/governor bookkeeping).
type FillNotifier interface {
	OnFill(ctx context.Context, clientOrderID string, fillPrice, fillQty float64, now time.Time) error
}

// Reconciler runs the order and position reconciliation passes.
type Reconciler struct {
	cfg      config.ReconcilerConfig
	exchange exchange.Client
	store    store.Store
	owners   SymbolOwner
	fills    FillNotifier
	log      zerolog.Logger
}

func New(cfg config.ReconcilerConfig, exch exchange.Client, st store.Store, owners SymbolOwner, fills FillNotifier, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		exchange: exch,
		store:    st,
		owners:   owners,
		fills:    fills,
		log:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run executes one full reconciliation pass: orders, then positions. Each
// sub-pass catches its own per-item errors and continues, so one broken
// symbol or position never aborts the rest of the pass.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.reconcileOrders(ctx); err != nil {
		r.log.Warn().Err(err).Msg("order reconciliation pass failed")
	}
	if err := r.reconcilePositions(ctx); err != nil {
		r.log.Warn().Err(err).Msg("position reconciliation pass failed")
	}
}

func (r *Reconciler) reconcileOrders(ctx context.Context) error {
	vas, err := r.store.ListVAs(ctx)
	if err != nil {
		return fmt.Errorf("list VAs: %w", err)
	}
	for _, va := range vas {
		local, err := r.store.ListOpenOrders(ctx, va.ID)
		if err != nil {
			r.log.Warn().Err(err).Str("va", va.ID).Msg("list open orders failed")
			continue
		}
		bySymbol := make(map[string][]types.Order)
		for _, o := range local {
			bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
		}
		for symbol, orders := range bySymbol {
			r.reconcileSymbolOrders(ctx, symbol, orders)
		}
	}
	return nil
}

func (r *Reconciler) reconcileSymbolOrders(ctx context.Context, symbol string, local []types.Order) {
	remote, err := r.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", symbol).Msg("get open orders failed")
		return
	}
	remoteByID := make(map[string]types.ExchangeOrder, len(remote))
	for _, ro := range remote {
		remoteByID[ro.ID] = ro
	}

	now := time.Now().UTC()
	for _, o := range local {
		ro, ok := remoteByID[o.ID]
		if !ok {
			// No longer open on the venue; position reconciliation or a
			// later pass surfaces the terminal state via a fill or cancel.
			continue
		}
		delta := ro.FilledQty - o.FilledQty
		if delta > types.PositionDustThreshold {
			if err := r.fills.OnFill(ctx, o.ClientOrderID, ro.Price, delta, now); err != nil {
				r.log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("reconciled fill rejected")
			}
			continue
		}
		if ro.Status != o.Status {
			o.Status = ro.Status
			o.UpdatedAt = now
			if err := r.store.UpdateOrder(ctx, o); err != nil {
				r.log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("persist reconciled order status failed")
			}
		}
	}
}

func (r *Reconciler) reconcilePositions(ctx context.Context) error {
	positions, err := r.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	for _, ep := range positions {
		if ep.Qty == 0 {
			continue
		}
		vaID, ok := r.owners.OwnerOf(ep.Symbol)
		if !ok {
			r.log.Warn().Str("symbol", ep.Symbol).Msg("exchange position has no known owning VA")
			r.recordIncident(ctx, types.IncidentReconcileDivergence, types.SeverityWarning, "", ep.Symbol, "", "no VA claims this symbol")
		}
		if !ep.HasStopLoss {
			r.enforceStopLoss(ctx, ep, vaID)
		}
	}
	return nil
}

// enforceStopLoss attempts to attach a 2%-from-entry stop to an
// unprotected exchange position; any failure to do so — including not
// knowing the owning VA or its entry order — falls through to panic-close.
func (r *Reconciler) enforceStopLoss(ctx context.Context, ep types.ExchangePosition, vaID string) {
	if vaID == "" {
		r.panicClose(ctx, ep, vaID, "missing owning VA")
		return
	}
	entryOrder, found, err := r.store.FindLatestFilledOrder(ctx, vaID, ep.Symbol)
	if err != nil || !found {
		r.panicClose(ctx, ep, vaID, "no entry order on record")
		return
	}

	pct := r.cfg.RepairSLPct
	if pct <= 0 {
		pct = 0.02
	}
	var slPrice float64
	if ep.Side == types.Buy {
		slPrice = ep.EntryPrice * (1 - pct)
	} else {
		slPrice = ep.EntryPrice * (1 + pct)
	}

	ok, err := r.exchange.AttachStopLoss(ctx, ep.Symbol, entryOrder.ID, slPrice)
	if err != nil || !ok {
		reason := "attach_stop_loss failed"
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) {
			reason = fmt.Sprintf("attach_stop_loss rejected by venue: %s", apiErr.Msg)
		}
		r.panicClose(ctx, ep, vaID, reason)
		return
	}
	entryOrder.LinkedSLID = entryOrder.ID
	if err := r.store.UpdateOrder(ctx, entryOrder); err != nil {
		r.log.Warn().Err(err).Str("client_order_id", entryOrder.ClientOrderID).Msg("persist repaired stop-loss link failed")
	}
}

func (r *Reconciler) panicClose(ctx context.Context, ep types.ExchangePosition, vaID, reason string) {
	exOrder, err := r.exchange.PanicClosePosition(ctx, ep.Symbol, ep.Side, ep.Qty)
	if err != nil {
		r.log.Error().Err(err).Str("symbol", ep.Symbol).Str("va", vaID).Str("reason", reason).Msg("panic close failed")
		r.recordIncident(ctx, types.IncidentPanicCloseFailed, types.SeverityCritical, vaID, ep.Symbol, "", reason+": "+err.Error())
		return
	}
	r.log.Warn().Str("symbol", ep.Symbol).Str("va", vaID).Str("reason", reason).Str("order_id", exOrder.ID).Msg("panic closed unprotected position")
	r.recordIncident(ctx, types.IncidentPanicClose, types.SeverityWarning, vaID, ep.Symbol, exOrder.ID, reason)
}

func (r *Reconciler) recordIncident(ctx context.Context, typ types.IncidentType, sev types.IncidentSeverity, vaID, symbol, orderID, description string) {
	inc := types.Incident{
		ID: uuid.NewString(), Type: typ, Severity: sev, Description: description,
		VAID: vaID, Symbol: symbol, OrderID: orderID, Timestamp: time.Now().UTC(),
	}
	if err := r.store.InsertIncident(ctx, inc); err != nil {
		r.log.Error().Err(err).Msg("persist incident failed")
	}
}

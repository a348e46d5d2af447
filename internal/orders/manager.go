// Package orders owns order lifecycle: submission, fill promotion, the
// position book derived from fills, stop-loss triggering, and the stale-
// order guard that covers for a reconciler pass that hasn't run yet.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"executiond/internal/config"
	"executiond/internal/exchange"
	"executiond/internal/governor"
	"executiond/internal/risk"
	"executiond/internal/store"
	"executiond/pkg/types"
)

// SymbolReleaser frees a VA's one-symbol claim once its position for that
// symbol has fully closed (§4.9). Satisfied by *router.Router.
type SymbolReleaser interface {
	ReleaseSymbol(va string)
}

// Manager is the authoritative position book: risk.Manager keeps a lighter
// parallel view (qty, avg entry) for pre-trade sizing and exposure checks,
// but stop-loss price and realized P&L live here, persisted through store.
type Manager struct {
	mu sync.Mutex

	cfg      config.OrdersConfig
	exchange exchange.Client
	risk     *risk.Manager
	governor *governor.Governor
	router   SymbolReleaser
	store    store.Store
	log      zerolog.Logger

	lastTS int64

	positions    map[string]*types.Position  // posKey(va, symbol)
	openOrders   map[string]*types.Order     // client_order_id -> order, removed once terminal
	pendingPlans map[string]types.OrderPlan  // client_order_id -> originating plan, consumed on fill
}

func New(cfg config.OrdersConfig, exch exchange.Client, riskMgr *risk.Manager, gov *governor.Governor, rtr SymbolReleaser, st store.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		exchange:     exch,
		risk:         riskMgr,
		governor:     gov,
		router:       rtr,
		store:        st,
		log:          logger.With().Str("component", "orders").Logger(),
		positions:    make(map[string]*types.Position),
		openOrders:   make(map[string]*types.Order),
		pendingPlans: make(map[string]types.OrderPlan),
	}
}

func posKey(va, symbol string) string { return va + "|" + symbol }

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// nextClientOrderID returns a deterministic, strictly monotonic client order
// id: "ORD-{va}-{monotonic-ts}". The counter is clamped forward whenever
// wall-clock time would otherwise produce a non-increasing value (fast
// back-to-back calls within the same nanosecond, clock adjustment).
func (m *Manager) nextClientOrderID(va string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := time.Now().UnixNano()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	return fmt.Sprintf("ORD-%s-%d", va, ts)
}

// Position returns the current canonical position for (va, symbol).
func (m *Manager) Position(va, symbol string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[posKey(va, symbol)]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Positions returns a snapshot of every open position, for the position
// monitor ticker to sweep.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// SubmitOrder places plan's market entry for qty, persisting the order with
// status SUBMITTED first so a crash between persistence and the exchange
// call never loses the record. A limit entry whose stop-loss price is
// already resolvable is submitted alongside the entry; a market entry's
// stop-loss is deferred until the fill notification, since the fill price
// isn't known up front.
func (m *Manager) SubmitOrder(ctx context.Context, plan types.OrderPlan, qty float64) (types.Order, error) {
	clientID := m.nextClientOrderID(plan.VAID)
	now := time.Now().UTC()

	order := types.Order{
		ClientOrderID: clientID,
		VAID:          plan.VAID,
		Symbol:        plan.Symbol,
		Side:          plan.Side,
		Type:          plan.EntryType,
		Price:         plan.EntryPrice,
		Qty:           qty,
		Status:        types.OrderSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
		SubmittedAt:   now,
	}
	if err := m.store.InsertOrder(ctx, order); err != nil {
		return types.Order{}, fmt.Errorf("persist order: %w", err)
	}

	m.mu.Lock()
	m.openOrders[clientID] = &order
	m.pendingPlans[clientID] = plan
	m.mu.Unlock()

	exOrder, err := m.exchange.PlaceMarketOrder(ctx, plan.Symbol, plan.Side, qty, false, clientID)
	if err != nil {
		order.Status = types.OrderRejected
		order.UpdatedAt = time.Now().UTC()
		m.store.UpdateOrder(ctx, order)
		m.forgetOpenOrder(clientID)
		return order, fmt.Errorf("place market order: %w", err)
	}
	order.ID = exOrder.ID

	if plan.EntryType == types.EntryLimit && plan.StopLoss != nil {
		slPrice := plan.StopLoss.Resolve(plan.EntryPrice, plan.Side)
		slOrder, slErr := m.exchange.PlaceStopLoss(ctx, plan.Symbol, plan.Side, slPrice, qty, clientID+"-SL")
		if slErr != nil {
			m.log.Warn().Err(slErr).Str("client_order_id", clientID).Msg("attach stop loss at entry failed, deferring to fill")
		} else {
			order.LinkedSLID = slOrder.ID
		}
	}

	if err := m.store.UpdateOrder(ctx, order); err != nil {
		m.log.Warn().Err(err).Str("client_order_id", clientID).Msg("persist post-submit order state failed")
	}
	m.mu.Lock()
	m.openOrders[clientID] = &order
	m.mu.Unlock()
	return order, nil
}

func (m *Manager) forgetOpenOrder(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openOrders, clientID)
	delete(m.pendingPlans, clientID)
}

// OnFill promotes an order's status and routes the fill into either the
// close-position or open-or-add-position path.
func (m *Manager) OnFill(ctx context.Context, clientOrderID string, fillPrice, fillQty float64, now time.Time) error {
	order, ok, err := m.store.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", clientOrderID, err)
	}
	if !ok {
		return fmt.Errorf("fill for unknown order %s", clientOrderID)
	}

	order.FilledQty += fillQty
	if order.FilledQty >= order.Qty-types.PositionDustThreshold {
		order.FilledQty = order.Qty
		order.Status = types.OrderFilled
	} else {
		order.Status = types.OrderPartialFill
	}
	order.UpdatedAt = now
	if err := m.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("persist filled order: %w", err)
	}
	if err := m.store.InsertFill(ctx, types.Fill{
		ID: uuid.NewString(), OrderID: order.ID, Symbol: order.Symbol, Side: order.Side,
		Qty: fillQty, Price: fillPrice, Timestamp: now,
	}); err != nil {
		m.log.Warn().Err(err).Str("client_order_id", clientOrderID).Msg("persist fill record failed")
	}
	if order.Status.Terminal() {
		// Deferred so openOrAdd can still read the pending plan's stop-loss.
		defer m.forgetOpenOrder(clientOrderID)
	}

	m.mu.Lock()
	pos, exists := m.positions[posKey(order.VAID, order.Symbol)]
	m.mu.Unlock()

	closes := exists && !pos.IsFlat() && (order.ReduceOnly || order.Side == pos.Side().Opposite())
	if closes {
		return m.closePosition(ctx, order, pos, fillPrice, fillQty, now)
	}
	return m.openOrAdd(ctx, order, fillPrice, fillQty, now)
}

func (m *Manager) closePosition(ctx context.Context, order types.Order, pos *types.Position, fillPrice, fillQty float64, now time.Time) error {
	closeQty := fillQty
	if closeQty > absf(pos.Qty) {
		closeQty = absf(pos.Qty)
	}

	var pnl float64
	if pos.Qty > 0 {
		pnl = (fillPrice - pos.AvgEntry) * closeQty
	} else {
		pnl = (pos.AvgEntry - fillPrice) * closeQty
	}

	m.mu.Lock()
	pos.RealizedPnL += pnl
	if pos.Qty > 0 {
		pos.Qty -= closeQty
	} else {
		pos.Qty += closeQty
	}
	pos.UpdatedAt = now
	flat := pos.IsFlat()
	snapshot := *pos
	if flat {
		delete(m.positions, posKey(order.VAID, order.Symbol))
	}
	m.mu.Unlock()

	var storeErr error
	if flat {
		storeErr = m.store.DeletePosition(ctx, order.VAID, order.Symbol)
	} else {
		storeErr = m.store.UpsertPosition(ctx, snapshot)
	}
	if storeErr != nil {
		m.log.Warn().Err(storeErr).Str("va", order.VAID).Str("symbol", order.Symbol).Msg("persist position after close failed")
	}

	riskQty, riskEntry := snapshot.Qty, snapshot.AvgEntry
	if flat {
		riskQty, riskEntry = 0, 0
	}
	if err := m.risk.RecordPosition(order.VAID, order.Symbol, riskQty, riskEntry, now); err != nil {
		m.log.Warn().Err(err).Str("va", order.VAID).Msg("risk.RecordPosition after close failed")
	}
	if err := m.risk.RecordTradePnL(order.VAID, order.Symbol, pnl, now); err != nil {
		m.log.Warn().Err(err).Str("va", order.VAID).Msg("risk.RecordTradePnL failed")
	}
	m.governor.RecordTradeResult(order.VAID, pnl)

	if flat && m.router != nil {
		m.router.ReleaseSymbol(order.VAID)
	}

	return nil
}

func (m *Manager) openOrAdd(ctx context.Context, order types.Order, fillPrice, fillQty float64, now time.Time) error {
	m.mu.Lock()
	key := posKey(order.VAID, order.Symbol)
	existing, ok := m.positions[key]
	var snapshot types.Position
	var isNew bool
	if ok {
		totalQty := absf(existing.Qty) + fillQty
		existing.AvgEntry = (existing.AvgEntry*absf(existing.Qty) + fillPrice*fillQty) / totalQty
		if order.Side == types.Sell {
			existing.Qty = -totalQty
		} else {
			existing.Qty = totalQty
		}
		existing.UpdatedAt = now
		snapshot = *existing
	} else {
		isNew = true
		slPrice := m.resolveDefaultStopLoss(order)
		qty := fillQty
		if order.Side == types.Sell {
			qty = -qty
		}
		pos := &types.Position{
			VAID: order.VAID, Symbol: order.Symbol, Qty: qty, AvgEntry: fillPrice,
			StopLoss: slPrice, OpenedAt: now, UpdatedAt: now,
		}
		m.positions[key] = pos
		snapshot = *pos
	}
	m.mu.Unlock()

	if err := m.store.UpsertPosition(ctx, snapshot); err != nil {
		m.log.Warn().Err(err).Str("va", order.VAID).Str("symbol", order.Symbol).Msg("persist position after open/add failed")
	}
	if err := m.risk.RecordPosition(order.VAID, order.Symbol, snapshot.Qty, snapshot.AvgEntry, now); err != nil {
		m.log.Warn().Err(err).Str("va", order.VAID).Msg("risk.RecordPosition after open/add failed")
	}

	if isNew && order.Type == types.EntryMarket && order.LinkedSLID == "" {
		slOrder, err := m.exchange.PlaceStopLoss(ctx, order.Symbol, order.Side, snapshot.StopLoss, absf(snapshot.Qty), order.ClientOrderID+"-SL")
		if err != nil {
			m.log.Warn().Err(err).Str("client_order_id", order.ClientOrderID).Msg("attach stop loss on fill failed")
		} else {
			order.LinkedSLID = slOrder.ID
			if uErr := m.store.UpdateOrder(ctx, order); uErr != nil {
				m.log.Warn().Err(uErr).Str("client_order_id", order.ClientOrderID).Msg("persist linked stop loss id failed")
			}
		}
	}

	m.mu.Lock()
	delete(m.pendingPlans, order.ClientOrderID)
	m.mu.Unlock()
	return nil
}

// resolveDefaultStopLoss uses the originating plan's stop-loss spec if one
// is still pending for this order, else falls back to the configured
// percentage distance from the fill price.
func (m *Manager) resolveDefaultStopLoss(order types.Order) float64 {
	m.mu.Lock()
	plan, ok := m.pendingPlans[order.ClientOrderID]
	m.mu.Unlock()
	if ok && plan.StopLoss != nil {
		return plan.StopLoss.Resolve(order.Price, order.Side)
	}
	pct := m.cfg.StopLossPercentage
	if order.Side == types.Buy {
		return order.Price * (1 - pct)
	}
	return order.Price * (1 + pct)
}

// CheckStopLoss evaluates pos against the latest price and, if triggered,
// submits a reduce-only market order to flatten it. Returns whether the
// stop fired.
func (m *Manager) CheckStopLoss(ctx context.Context, pos types.Position, price float64) (bool, error) {
	if pos.StopLoss <= 0 || pos.IsFlat() {
		return false, nil
	}
	triggered := (pos.Qty > 0 && price <= pos.StopLoss) || (pos.Qty < 0 && price >= pos.StopLoss)
	if !triggered {
		return false, nil
	}

	side := pos.Side().Opposite()
	clientID := m.nextClientOrderID(pos.VAID)
	now := time.Now().UTC()
	order := types.Order{
		ClientOrderID: clientID, VAID: pos.VAID, Symbol: pos.Symbol, Side: side,
		Type: types.EntryMarket, Qty: absf(pos.Qty), ReduceOnly: true,
		Status: types.OrderSubmitted, CreatedAt: now, UpdatedAt: now, SubmittedAt: now,
	}
	if err := m.store.InsertOrder(ctx, order); err != nil {
		return true, fmt.Errorf("persist stop-loss order: %w", err)
	}
	m.mu.Lock()
	m.openOrders[clientID] = &order
	m.mu.Unlock()

	if _, err := m.exchange.PlaceMarketOrder(ctx, pos.Symbol, side, order.Qty, true, clientID); err != nil {
		order.Status = types.OrderRejected
		order.UpdatedAt = time.Now().UTC()
		m.store.UpdateOrder(ctx, order)
		m.forgetOpenOrder(clientID)
		return true, fmt.Errorf("submit stop-loss order: %w", err)
	}
	return true, nil
}

// ReconcileOrders marks any SUBMITTED order older than staleAfter CANCELLED
// locally. This is a stale-guard only; the reconciler is the source of
// truth and may later find the order actually filled on the exchange.
func (m *Manager) ReconcileOrders(ctx context.Context, staleAfter time.Duration, now time.Time) []string {
	m.mu.Lock()
	var stale []*types.Order
	for id, o := range m.openOrders {
		if o.Status == types.OrderSubmitted && now.Sub(o.SubmittedAt) > staleAfter {
			stale = append(stale, o)
			delete(m.openOrders, id)
			delete(m.pendingPlans, id)
		}
	}
	m.mu.Unlock()

	cancelled := make([]string, 0, len(stale))
	for _, o := range stale {
		o.Status = types.OrderCancelled
		o.UpdatedAt = now
		if err := m.store.UpdateOrder(ctx, *o); err != nil {
			m.log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("persist stale-cancelled order failed")
			continue
		}
		cancelled = append(cancelled, o.ClientOrderID)
	}
	return cancelled
}

// Package types defines shared data structures used across all packages.
//
// This is the common vocabulary for the execution engine — virtual accounts,
// order intents, order lifecycle records, positions, fills, and audit
// records. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the reduce-only direction for this side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// EntryType enumerates the supported order entry mechanisms.
type EntryType string

const (
	EntryMarket EntryType = "MARKET"
	EntryStop   EntryType = "STOP"
	EntryLimit  EntryType = "LIMIT"
)

// OrderStatus is the monotonic order lifecycle state. Once reached, a
// terminal status never reverts.
type OrderStatus string

const (
	OrderNew         OrderStatus = "NEW"
	OrderSubmitted   OrderStatus = "SUBMITTED"
	OrderPartialFill OrderStatus = "PARTIAL_FILL"
	OrderFilled      OrderStatus = "FILLED"
	OrderCancelled   OrderStatus = "CANCELLED"
	OrderRejected    OrderStatus = "REJECTED"
)

// Terminal reports whether status is a side-exit or final fill state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// StopLossKind distinguishes the two StopLossSpec variants.
type StopLossKind string

const (
	StopLossFixed    StopLossKind = "fixed"
	StopLossTrailing StopLossKind = "trailing"
)

// IncidentType enumerates the audit-record categories an incident may carry.
type IncidentType string

const (
	IncidentSLFailed            IncidentType = "sl_failed"
	IncidentPanicClose          IncidentType = "panic_close"
	IncidentPanicCloseFailed    IncidentType = "panic_close_failed"
	IncidentReconcileDivergence IncidentType = "reconcile_divergence"
)

// IncidentSeverity ranks how urgently an incident needs operator attention.
type IncidentSeverity string

const (
	SeverityInfo     IncidentSeverity = "info"
	SeverityWarning  IncidentSeverity = "warning"
	SeverityCritical IncidentSeverity = "critical"
)

// ————————————————————————————————————————————————————————————————————————
// Virtual account
// ————————————————————————————————————————————————————————————————————————

// VirtualAccount is an isolated trading silo with its own equity tracking
// and risk limits, layered on top of a shared pool of real exchange equity.
type VirtualAccount struct {
	ID                string
	Allocation        float64 // real equity assigned to this VA
	VirtualEquity     float64 // tracks cumulative P&L against Allocation
	PeakVirtualEquity float64
	DailyPnL          float64
	DailyTrades       int
	DayID             string // "2006-01-02" UTC date shifted back by the reset hour; empty until first roll
	ConsecutiveLosses int
	KillSwitch        bool
	BlockedUntil      map[string]time.Time // symbol -> cooldown expiry (governor-applied)
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Orders and stops
// ————————————————————————————————————————————————————————————————————————

// StopLossSpec is a tagged variant: fixed(price) or trailing(trail distance).
// Exactly one of Price / TrailBy is meaningful, selected by Kind.
type StopLossSpec struct {
	Kind    StopLossKind
	Price   float64 // meaningful when Kind == StopLossFixed
	TrailBy float64 // meaningful when Kind == StopLossTrailing; a distance, not a price
}

// Resolve returns the absolute stop price given the entry price and side.
// For a trailing stop this is the price TrailBy away from entry. The order
// manager sets a position's stop once, when the position opens, and does not
// move it as price moves.
func (s StopLossSpec) Resolve(entry float64, side Side) float64 {
	dist := s.TrailBy
	if s.Kind == StopLossFixed {
		return s.Price
	}
	if side == Buy {
		return entry - dist
	}
	return entry + dist
}

// TakeProfitSpec is a plain absolute price target. Required whenever the
// paired StopLossSpec.Kind is fixed.
type TakeProfitSpec struct {
	Price float64
}

// OrderPlan is the immutable intent to trade, produced by the strategy
// evaluator and consumed by the risk manager and order manager.
type OrderPlan struct {
	VAID        string
	Symbol      string
	Side        Side
	EntryType   EntryType
	EntryPrice  float64
	RiskTag     string
	StopLoss    *StopLossSpec
	TakeProfit  *TakeProfitSpec
	GeneratedAt time.Time
}

// Order is the durable record of a submitted order.
type Order struct {
	ID             string // exchange-assigned order id, empty until acknowledged
	ClientOrderID  string
	VAID           string
	Symbol         string
	Side           Side
	Type           EntryType
	Price          float64
	Qty            float64
	FilledQty      float64
	ReduceOnly     bool
	Status         OrderStatus
	LinkedSLID     string
	LinkedTPID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SubmittedAt    time.Time
}

// Remaining returns the unfilled quantity. Never negative in a valid record.
func (o Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// ————————————————————————————————————————————————————————————————————————
// Positions and fills
// ————————————————————————————————————————————————————————————————————————

// Position is derived from fills, keyed uniquely by (VA, Symbol). A position
// with |Qty| < PositionDustThreshold is considered closed and destroyed.
type Position struct {
	VAID        string
	Symbol      string
	Qty         float64 // signed: positive = long, negative = short
	AvgEntry    float64
	RealizedPnL float64 // cumulative across the position's lifetime
	StopLoss    float64 // 0 means unset
	OpenedAt    time.Time
	UpdatedAt   time.Time
}

// PositionDustThreshold is the |qty| below which a position is considered
// flat and removed.
const PositionDustThreshold = 1e-4

// Side reports the position's directional side. Meaningless if Qty == 0.
func (p Position) Side() Side {
	if p.Qty < 0 {
		return Sell
	}
	return Buy
}

// IsFlat reports whether the position has wound down to dust.
func (p Position) IsFlat() bool {
	return absf(p.Qty) < PositionDustThreshold
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Fill is an immutable exchange execution record linked to an Order.
type Fill struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      Side
	Qty       float64
	Price     float64
	Fee       float64
	FeeAsset  string
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Audit trail
// ————————————————————————————————————————————————————————————————————————

// Incident is an append-only audit record of an operational anomaly.
type Incident struct {
	ID          string
	Type        IncidentType
	Severity    IncidentSeverity
	Description string
	VAID        string
	Symbol      string
	OrderID     string
	Metadata    map[string]string
	Timestamp   time.Time
}

// GovernorEvent records a cooldown or throttle activation with its duration.
type GovernorEvent struct {
	ID        string
	VAID      string
	Reason    string
	Duration  time.Duration
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is one closed OHLC price bar.
type Candle struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	OpenTime  time.Time
	CloseTime time.Time
}

// MarketSnapshot is a point-in-time quote used by the pre-trade filters and
// the position monitor.
type MarketSnapshot struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	LatencyMS int64
	Timestamp time.Time
}

// Mid returns the midpoint of bid/ask, or 0 if either side is unset.
func (m MarketSnapshot) Mid() float64 {
	if m.Bid <= 0 || m.Ask <= 0 {
		return 0
	}
	return (m.Bid + m.Ask) / 2
}

// ————————————————————————————————————————————————————————————————————————
// Exchange-side mirrors
// ————————————————————————————————————————————————————————————————————————

// ExchangePosition is the exchange's view of an open position, as returned
// by the exchange adapter's get_positions call.
type ExchangePosition struct {
	Symbol       string
	Side         Side
	Qty          float64
	EntryPrice   float64
	HasStopLoss  bool
	StopLossID   string
	Timestamp    time.Time
}

// ExchangeOrder is the exchange's view of an order, as returned by
// place_* and get_open_orders calls.
type ExchangeOrder struct {
	ID         string
	Symbol     string
	Side       Side
	Type       EntryType
	Price      float64
	Qty        float64
	FilledQty  float64
	ReduceOnly bool
	Status     OrderStatus
	Timestamp  time.Time
}

// Package store defines the durable-state contract for virtual accounts,
// orders, positions, fills, and the audit trail, plus two implementations:
// a SQLite-backed Store for production and an in-memory Store for tests.
package store

import (
	"context"
	"time"

	"executiond/pkg/types"
)

// TradeStats is the durable counterpart of the governor's in-memory State —
// one row per VA, uniquely keyed.
type TradeStats struct {
	VAID              string
	TotalTrades       int
	WinningTrades     int
	LosingTrades      int
	ConsecutiveLosses int
	CurrentDrawdown   float64
	MaxDrawdown       float64
	UpdatedAt         time.Time
}

// DailyPnL is one (va_id, date) row tracking a VA's daily realized P&L and
// trade count, the durable counterpart of VirtualAccount.DailyPnL/DailyTrades.
type DailyPnL struct {
	VAID   string
	Date   string // "2006-01-02"
	PnL    float64
	Trades int
}

// Store is the durable-state contract. Every method takes a context so a
// slow disk or a crashed SQLite connection cannot wedge a caller forever.
type Store interface {
	// Virtual accounts
	UpsertVA(ctx context.Context, va types.VirtualAccount) error
	GetVA(ctx context.Context, id string) (types.VirtualAccount, bool, error)
	ListVAs(ctx context.Context) ([]types.VirtualAccount, error)

	// Orders. client_order_id is unique; InsertOrder must fail on collision.
	InsertOrder(ctx context.Context, o types.Order) error
	UpdateOrder(ctx context.Context, o types.Order) error
	GetOrderByClientID(ctx context.Context, clientOrderID string) (types.Order, bool, error)
	ListOpenOrders(ctx context.Context, vaID string) ([]types.Order, error)
	// FindLatestFilledOrder locates the most recently updated FILLED order
	// for (vaID, symbol) — used by the reconciler to find an entry order to
	// attach a stop-loss to when the exchange reports none.
	FindLatestFilledOrder(ctx context.Context, vaID, symbol string) (types.Order, bool, error)

	// Positions, unique on (va_id, symbol).
	UpsertPosition(ctx context.Context, p types.Position) error
	DeletePosition(ctx context.Context, vaID, symbol string) error
	GetPosition(ctx context.Context, vaID, symbol string) (types.Position, bool, error)
	ListPositions(ctx context.Context, vaID string) ([]types.Position, error)

	// Fills, append-only.
	InsertFill(ctx context.Context, f types.Fill) error

	// Equity snapshots, append-only.
	InsertEquitySnapshot(ctx context.Context, vaID string, equity float64, ts time.Time) error

	// Daily P&L, unique on (va_id, date).
	UpsertDailyPnL(ctx context.Context, d DailyPnL) error
	GetDailyPnL(ctx context.Context, vaID, date string) (DailyPnL, bool, error)

	// Trade stats, unique on va_id.
	UpsertTradeStats(ctx context.Context, s TradeStats) error
	GetTradeStats(ctx context.Context, vaID string) (TradeStats, bool, error)

	// Incidents, append-only.
	InsertIncident(ctx context.Context, inc types.Incident) error
	ListIncidents(ctx context.Context, limit int) ([]types.Incident, error)

	// Governor events, append-only.
	InsertGovernorEvent(ctx context.Context, ev types.GovernorEvent) error

	Close() error
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"executiond/pkg/types"
)

// MemStore is a plain-map Store for unit tests and for running the engine
// without a database. Not durable across restarts.
type MemStore struct {
	mu sync.Mutex

	vas        map[string]types.VirtualAccount
	orders     map[string]types.Order // key: client_order_id
	positions  map[string]types.Position // key: va|symbol
	fills      []types.Fill
	snapshots  []equitySnapshot
	dailyPnL   map[string]DailyPnL // key: va|date
	tradeStats map[string]TradeStats
	incidents  []types.Incident
	govEvents  []types.GovernorEvent
}

type equitySnapshot struct {
	VAID   string
	Equity float64
	Ts     time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		vas:        make(map[string]types.VirtualAccount),
		orders:     make(map[string]types.Order),
		positions:  make(map[string]types.Position),
		dailyPnL:   make(map[string]DailyPnL),
		tradeStats: make(map[string]TradeStats),
	}
}

func (m *MemStore) Close() error { return nil }

func posKey(va, symbol string) string { return va + "|" + symbol }

func (m *MemStore) UpsertVA(ctx context.Context, va types.VirtualAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	va.UpdatedAt = time.Now().UTC()
	if va.CreatedAt.IsZero() {
		if existing, ok := m.vas[va.ID]; ok {
			va.CreatedAt = existing.CreatedAt
		} else {
			va.CreatedAt = va.UpdatedAt
		}
	}
	if va.BlockedUntil == nil {
		va.BlockedUntil = make(map[string]time.Time)
	}
	m.vas[va.ID] = va
	return nil
}

func (m *MemStore) GetVA(ctx context.Context, id string) (types.VirtualAccount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	va, ok := m.vas[id]
	return va, ok, nil
}

func (m *MemStore) ListVAs(ctx context.Context) ([]types.VirtualAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.VirtualAccount, 0, len(m.vas))
	for _, va := range m.vas {
		out = append(out, va)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) InsertOrder(ctx context.Context, o types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ClientOrderID]; exists {
		return fmt.Errorf("client_order_id %q already exists", o.ClientOrderID)
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	m.orders[o.ClientOrderID] = o
	return nil
}

func (m *MemStore) UpdateOrder(ctx context.Context, o types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ClientOrderID]; !exists {
		return fmt.Errorf("order %q not found", o.ClientOrderID)
	}
	o.UpdatedAt = time.Now().UTC()
	m.orders[o.ClientOrderID] = o
	return nil
}

func (m *MemStore) GetOrderByClientID(ctx context.Context, clientOrderID string) (types.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	return o, ok, nil
}

func (m *MemStore) ListOpenOrders(ctx context.Context, vaID string) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.orders {
		if o.VAID == vaID && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) FindLatestFilledOrder(ctx context.Context, vaID, symbol string) (types.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best types.Order
	found := false
	for _, o := range m.orders {
		if o.VAID != vaID || o.Symbol != symbol || o.Status != types.OrderFilled {
			continue
		}
		if !found || o.UpdatedAt.After(best.UpdatedAt) {
			best = o
			found = true
		}
	}
	return best, found, nil
}

func (m *MemStore) UpsertPosition(ctx context.Context, p types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if p.OpenedAt.IsZero() {
		if existing, ok := m.positions[posKey(p.VAID, p.Symbol)]; ok {
			p.OpenedAt = existing.OpenedAt
		} else {
			p.OpenedAt = now
		}
	}
	p.UpdatedAt = now
	m.positions[posKey(p.VAID, p.Symbol)] = p
	return nil
}

func (m *MemStore) DeletePosition(ctx context.Context, vaID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, posKey(vaID, symbol))
	return nil
}

func (m *MemStore) GetPosition(ctx context.Context, vaID, symbol string) (types.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[posKey(vaID, symbol)]
	return p, ok, nil
}

func (m *MemStore) ListPositions(ctx context.Context, vaID string) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.positions {
		if p.VAID == vaID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemStore) InsertFill(ctx context.Context, f types.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
	return nil
}

func (m *MemStore) InsertEquitySnapshot(ctx context.Context, vaID string, equity float64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, equitySnapshot{VAID: vaID, Equity: equity, Ts: ts})
	return nil
}

func (m *MemStore) UpsertDailyPnL(ctx context.Context, d DailyPnL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL[posKey(d.VAID, d.Date)] = d
	return nil
}

func (m *MemStore) GetDailyPnL(ctx context.Context, vaID, date string) (DailyPnL, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dailyPnL[posKey(vaID, date)]
	return d, ok, nil
}

func (m *MemStore) UpsertTradeStats(ctx context.Context, st TradeStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	m.tradeStats[st.VAID] = st
	return nil
}

func (m *MemStore) GetTradeStats(ctx context.Context, vaID string) (TradeStats, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tradeStats[vaID]
	return st, ok, nil
}

func (m *MemStore) InsertIncident(ctx context.Context, inc types.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, inc)
	return nil
}

func (m *MemStore) ListIncidents(ctx context.Context, limit int) ([]types.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Incident, len(m.incidents))
	copy(out, m.incidents)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) InsertGovernorEvent(ctx context.Context, ev types.GovernorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.govEvents = append(m.govEvents, ev)
	return nil
}

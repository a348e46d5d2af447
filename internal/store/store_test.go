package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"executiond/pkg/types"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQLStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLStore() err = %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"mem": NewMemStore(),
		"sql": sqlStore,
	}
}

func TestVirtualAccountRoundTrip(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			va := types.VirtualAccount{
				ID: "va-1", Allocation: 10000, VirtualEquity: 10500.25,
				PeakVirtualEquity: 10600, DailyPnL: -150.5, DailyTrades: 3,
				DayID: "2026-07-30", ConsecutiveLosses: 2, KillSwitch: false,
			}
			if err := s.UpsertVA(ctx, va); err != nil {
				t.Fatalf("UpsertVA() err = %v", err)
			}

			got, ok, err := s.GetVA(ctx, "va-1")
			if err != nil || !ok {
				t.Fatalf("GetVA() = (%+v, %v, %v), want found", got, ok, err)
			}
			if got.VirtualEquity != 10500.25 || got.DailyTrades != 3 || got.DayID != "2026-07-30" {
				t.Errorf("GetVA() = %+v, want equity=10500.25 trades=3 day=2026-07-30", got)
			}

			va.KillSwitch = true
			va.DailyTrades = 4
			if err := s.UpsertVA(ctx, va); err != nil {
				t.Fatalf("UpsertVA() update err = %v", err)
			}
			got, _, _ = s.GetVA(ctx, "va-1")
			if !got.KillSwitch || got.DailyTrades != 4 {
				t.Errorf("GetVA() after update = %+v, want kill_switch=true trades=4", got)
			}

			if _, ok, err := s.GetVA(ctx, "missing"); ok || err != nil {
				t.Errorf("GetVA(missing) = (ok=%v, err=%v), want not found, no error", ok, err)
			}

			list, err := s.ListVAs(ctx)
			if err != nil || len(list) != 1 {
				t.Errorf("ListVAs() = (%v, %v), want one VA", list, err)
			}
		})
	}
}

func TestOrderLifecycle(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			o := types.Order{
				ID: "ex-1", ClientOrderID: "ORD-va1-1", VAID: "va-1", Symbol: "BTCUSDT",
				Side: types.Buy, Type: types.EntryMarket, Qty: 1, Status: types.OrderSubmitted,
			}
			if err := s.InsertOrder(ctx, o); err != nil {
				t.Fatalf("InsertOrder() err = %v", err)
			}
			if err := s.InsertOrder(ctx, o); err == nil {
				t.Error("InsertOrder() duplicate client_order_id, want error")
			}

			got, ok, err := s.GetOrderByClientID(ctx, "ORD-va1-1")
			if err != nil || !ok || got.Status != types.OrderSubmitted {
				t.Fatalf("GetOrderByClientID() = (%+v, %v, %v), want SUBMITTED", got, ok, err)
			}

			o.Status = types.OrderFilled
			o.FilledQty = 1
			if err := s.UpdateOrder(ctx, o); err != nil {
				t.Fatalf("UpdateOrder() err = %v", err)
			}
			got, _, _ = s.GetOrderByClientID(ctx, "ORD-va1-1")
			if got.Status != types.OrderFilled || got.FilledQty != 1 {
				t.Errorf("GetOrderByClientID() after update = %+v, want FILLED filled_qty=1", got)
			}

			open, err := s.ListOpenOrders(ctx, "va-1")
			if err != nil || len(open) != 0 {
				t.Errorf("ListOpenOrders() = (%v, %v), want empty (order is terminal)", open, err)
			}

			o2 := o
			o2.ClientOrderID = "ORD-va1-2"
			o2.Status = types.OrderSubmitted
			o2.FilledQty = 0
			if err := s.InsertOrder(ctx, o2); err != nil {
				t.Fatalf("InsertOrder() second order err = %v", err)
			}
			open, err = s.ListOpenOrders(ctx, "va-1")
			if err != nil || len(open) != 1 || open[0].ClientOrderID != "ORD-va1-2" {
				t.Errorf("ListOpenOrders() = (%v, %v), want one open order ORD-va1-2", open, err)
			}
		})
	}
}

func TestFindLatestFilledOrder(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)

			older := types.Order{
				ClientOrderID: "ORD-va1-1", VAID: "va-1", Symbol: "BTCUSDT", Side: types.Buy,
				Type: types.EntryMarket, Qty: 1, Status: types.OrderFilled, FilledQty: 1,
				CreatedAt: base, UpdatedAt: base,
			}
			newer := types.Order{
				ClientOrderID: "ORD-va1-2", VAID: "va-1", Symbol: "BTCUSDT", Side: types.Buy,
				Type: types.EntryMarket, Qty: 1, Status: types.OrderFilled, FilledQty: 1,
				CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
			}
			if err := s.InsertOrder(ctx, older); err != nil {
				t.Fatalf("InsertOrder() err = %v", err)
			}
			if err := s.InsertOrder(ctx, newer); err != nil {
				t.Fatalf("InsertOrder() err = %v", err)
			}

			got, ok, err := s.FindLatestFilledOrder(ctx, "va-1", "BTCUSDT")
			if err != nil || !ok {
				t.Fatalf("FindLatestFilledOrder() = (%+v, %v, %v), want found", got, ok, err)
			}
			if got.ClientOrderID != "ORD-va1-2" {
				t.Errorf("FindLatestFilledOrder() = %+v, want the most recently updated order", got)
			}

			if _, ok, err := s.FindLatestFilledOrder(ctx, "va-1", "ETHUSDT"); ok || err != nil {
				t.Errorf("FindLatestFilledOrder(other symbol) = (ok=%v, err=%v), want not found", ok, err)
			}
		})
	}
}

func TestPositionUpsertAndDelete(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			p := types.Position{VAID: "va-1", Symbol: "ETHUSDT", Qty: 2, AvgEntry: 3000, StopLoss: 2900}
			if err := s.UpsertPosition(ctx, p); err != nil {
				t.Fatalf("UpsertPosition() err = %v", err)
			}

			got, ok, err := s.GetPosition(ctx, "va-1", "ETHUSDT")
			if err != nil || !ok || got.Qty != 2 || got.AvgEntry != 3000 {
				t.Fatalf("GetPosition() = (%+v, %v, %v), want qty=2 avg_entry=3000", got, ok, err)
			}

			p.Qty = 3
			p.AvgEntry = 3050
			if err := s.UpsertPosition(ctx, p); err != nil {
				t.Fatalf("UpsertPosition() update err = %v", err)
			}
			got, _, _ = s.GetPosition(ctx, "va-1", "ETHUSDT")
			if got.Qty != 3 || got.AvgEntry != 3050 {
				t.Errorf("GetPosition() after update = %+v, want qty=3 avg_entry=3050", got)
			}

			list, err := s.ListPositions(ctx, "va-1")
			if err != nil || len(list) != 1 {
				t.Fatalf("ListPositions() = (%v, %v), want one position", list, err)
			}

			if err := s.DeletePosition(ctx, "va-1", "ETHUSDT"); err != nil {
				t.Fatalf("DeletePosition() err = %v", err)
			}
			if _, ok, _ := s.GetPosition(ctx, "va-1", "ETHUSDT"); ok {
				t.Error("GetPosition() after delete, want not found")
			}
		})
	}
}

func TestFillsEquitySnapshotsAppendOnly(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			f := types.Fill{ID: "fill-1", OrderID: "ex-1", Symbol: "BTCUSDT", Side: types.Buy, Qty: 1, Price: 100, Timestamp: now}
			if err := s.InsertFill(ctx, f); err != nil {
				t.Fatalf("InsertFill() err = %v", err)
			}
			if err := s.InsertEquitySnapshot(ctx, "va-1", 10500, now); err != nil {
				t.Fatalf("InsertEquitySnapshot() err = %v", err)
			}
		})
	}
}

func TestDailyPnLUpsert(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			d := DailyPnL{VAID: "va-1", Date: "2026-07-30", PnL: -100, Trades: 2}
			if err := s.UpsertDailyPnL(ctx, d); err != nil {
				t.Fatalf("UpsertDailyPnL() err = %v", err)
			}
			got, ok, err := s.GetDailyPnL(ctx, "va-1", "2026-07-30")
			if err != nil || !ok || got.PnL != -100 || got.Trades != 2 {
				t.Fatalf("GetDailyPnL() = (%+v, %v, %v), want pnl=-100 trades=2", got, ok, err)
			}

			d.PnL = -250
			d.Trades = 3
			if err := s.UpsertDailyPnL(ctx, d); err != nil {
				t.Fatalf("UpsertDailyPnL() update err = %v", err)
			}
			got, _, _ = s.GetDailyPnL(ctx, "va-1", "2026-07-30")
			if got.PnL != -250 || got.Trades != 3 {
				t.Errorf("GetDailyPnL() after update = %+v, want pnl=-250 trades=3", got)
			}

			if _, ok, err := s.GetDailyPnL(ctx, "va-1", "2026-07-29"); ok || err != nil {
				t.Errorf("GetDailyPnL(different date) = (ok=%v, err=%v), want not found", ok, err)
			}
		})
	}
}

func TestTradeStatsUpsert(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := TradeStats{VAID: "va-1", TotalTrades: 5, WinningTrades: 3, LosingTrades: 2, CurrentDrawdown: -30, MaxDrawdown: -50}
			if err := s.UpsertTradeStats(ctx, st); err != nil {
				t.Fatalf("UpsertTradeStats() err = %v", err)
			}
			got, ok, err := s.GetTradeStats(ctx, "va-1")
			if err != nil || !ok || got.TotalTrades != 5 || got.MaxDrawdown != -50 {
				t.Fatalf("GetTradeStats() = (%+v, %v, %v), want total=5 max_drawdown=-50", got, ok, err)
			}
		})
	}
}

func TestIncidentsAppendOnlyOrderedByTime(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			first := types.Incident{ID: "inc-1", Type: types.IncidentSLFailed, Severity: types.SeverityWarning, VAID: "va-1", Symbol: "BTCUSDT", Timestamp: base}
			second := types.Incident{ID: "inc-2", Type: types.IncidentPanicClose, Severity: types.SeverityCritical, VAID: "va-1", Symbol: "BTCUSDT", Timestamp: base.Add(time.Minute)}
			if err := s.InsertIncident(ctx, first); err != nil {
				t.Fatalf("InsertIncident() err = %v", err)
			}
			if err := s.InsertIncident(ctx, second); err != nil {
				t.Fatalf("InsertIncident() err = %v", err)
			}

			list, err := s.ListIncidents(ctx, 10)
			if err != nil || len(list) != 2 {
				t.Fatalf("ListIncidents() = (%v, %v), want two incidents", list, err)
			}
			if list[0].ID != "inc-2" {
				t.Errorf("ListIncidents()[0] = %+v, want most recent (inc-2) first", list[0])
			}

			limited, err := s.ListIncidents(ctx, 1)
			if err != nil || len(limited) != 1 {
				t.Errorf("ListIncidents(limit=1) = (%v, %v), want one incident", limited, err)
			}
		})
	}
}

func TestGovernorEventsAppendOnly(t *testing.T) {
	t.Parallel()
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			ev := types.GovernorEvent{ID: "gov-1", VAID: "va-1", Reason: "cooldown_activated", Duration: 60 * time.Second, Timestamp: time.Now().UTC()}
			if err := s.InsertGovernorEvent(ctx, ev); err != nil {
				t.Fatalf("InsertGovernorEvent() err = %v", err)
			}
		})
	}
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"executiond/internal/config"
	"executiond/internal/exchange"
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

type fakeExchange struct {
	nextOrderID int
	marketCalls []marketCall
}

type marketCall struct {
	symbol     string
	side       types.Side
	qty        float64
	reduceOnly bool
}

func (f *fakeExchange) nextID() string {
	f.nextOrderID++
	return "ex-1"
}

func (f *fakeExchange) GetServerTime(ctx context.Context) (time.Time, error) { return time.Now(), nil }

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, reduceOnly bool, clientOrderID string) (types.ExchangeOrder, error) {
	f.marketCalls = append(f.marketCalls, marketCall{symbol, side, qty, reduceOnly})
	return types.ExchangeOrder{ID: f.nextID(), Symbol: symbol, Side: side, Qty: qty, Status: types.OrderSubmitted}, nil
}

func (f *fakeExchange) PlaceStopLoss(ctx context.Context, symbol string, side types.Side, stopPrice, qty float64, clientOrderID string) (types.ExchangeOrder, error) {
	return types.ExchangeOrder{ID: f.nextID()}, nil
}

func (f *fakeExchange) PlaceTakeProfit(ctx context.Context, symbol string, side types.Side, tpPrice, qty float64, clientOrderID string) (types.ExchangeOrder, error) {
	return types.ExchangeOrder{ID: f.nextID()}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	return true, nil
}

func (f *fakeExchange) CancelReplaceOrder(ctx context.Context, symbol, orderID string, newQty, newPrice *float64) (types.ExchangeOrder, error) {
	return types.ExchangeOrder{ID: f.nextID()}, nil
}

func (f *fakeExchange) AttachStopLoss(ctx context.Context, symbol, orderID string, stopPrice float64) (bool, error) {
	return true, nil
}

func (f *fakeExchange) PanicClosePosition(ctx context.Context, symbol string, side types.Side, qty float64) (types.ExchangeOrder, error) {
	return types.ExchangeOrder{ID: f.nextID()}, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error) {
	return nil, nil
}

func (f *fakeExchange) GetFills(ctx context.Context, symbol string, limit int) ([]types.Fill, error) {
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		Filters: config.FilterConfig{
			MaxSpreadBps:   100,
			MaxSlippageBps: 500,
			MaxLatencyMS:   10000,
		},
		Sizer: config.SizerConfig{
			RiskPerTradePct: 0.01,
			DefaultLeverage: 1,
			MaxLeverage:     10,
			MinQty:          0.001,
			MinNotional:     1,
			MaxPositionSize: 1_000_000,
		},
		Risk: config.RiskConfig{
			KillSwitchEnabled:          true,
			MaxDailyLoss:               1000,
			MaxTradesPerDay:            100,
			DailyResetHourUTC:          0,
			MaxDrawdownPct:             0.5,
			MaxSymbolExposurePctEquity: 0.5,
		},
		Governor: config.GovernorConfig{
			MaxLossCooldown:         3,
			CooldownDurationSeconds: 60,
			MaxOpenPositionsPerVA:   5,
		},
		Orders: config.OrdersConfig{
			StopLossPercentage: 0.02,
		},
		Reconciler: config.ReconcilerConfig{
			IntervalSeconds: 1,
			RepairSLPct:     0.02,
		},
		Strategy: config.StrategyConfig{
			LookbackN: 3,
			TPMode:    "fixed",
			FixedTPR:  2,
		},
		Engine: config.EngineConfig{
			SignalQueueSize:                2,
			PositionMonitorIntervalSeconds: 1,
		},
	}
}

// testEngine wires a full Engine over fakes/in-memory collaborators and
// registers a single VA, "va-1", with 10000 of virtual equity.
func testEngine(t *testing.T) (*Engine, *fakeExchange, store.Store) {
	t.Helper()
	cfg := testConfig()
	log := zerolog.Nop()

	st := store.NewMemStore()
	exch := &fakeExchange{}
	feed := exchange.NewMarketFeed("", log)
	riskMgr := risk.New(cfg.Risk, cfg.Sizer, 100_000, log)
	riskMgr.RegisterVA(&types.VirtualAccount{ID: "va-1", Allocation: 10_000, VirtualEquity: 10_000})
	gov := governor.New(cfg.Governor, riskMgr, log)
	rtr := router.New(st, log)
	orderMgr := orders.New(cfg.Orders, exch, riskMgr, gov, rtr, st, log)
	rec := reconciler.New(cfg.Reconciler, exch, st, rtr, orderMgr, log)
	eval := strategy.New(cfg.Strategy)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	e := New(cfg, exch, feed, rtr, gov, riskMgr, orderMgr, rec, eval, m, st, log)
	return e, exch, st
}

func TestHandleSignalSubmitsOrderWhenAllChecksPass(t *testing.T) {
	t.Parallel()
	e, exch, _ := testEngine(t)
	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 99.9, Ask: 100.1, Last: 100, Timestamp: time.Now()}

	plan := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), plan)

	if len(exch.marketCalls) != 1 {
		t.Fatalf("marketCalls = %d, want 1", len(exch.marketCalls))
	}
	if got := exch.marketCalls[0].symbol; got != "BTC-USDT" {
		t.Errorf("submitted symbol = %q, want BTC-USDT", got)
	}
}

func TestHandleSignalRejectsOnKillSwitch(t *testing.T) {
	t.Parallel()
	e, exch, _ := testEngine(t)
	va, _ := e.risk.VA("va-1")
	va.KillSwitch = true
	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 99.9, Ask: 100.1, Last: 100}

	plan := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), plan)

	if len(exch.marketCalls) != 0 {
		t.Fatalf("marketCalls = %d, want 0 (kill switch active)", len(exch.marketCalls))
	}
}

func TestHandleSignalRejectsForUnregisteredVA(t *testing.T) {
	t.Parallel()
	e, exch, _ := testEngine(t)
	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 99.9, Ask: 100.1, Last: 100}

	plan := types.OrderPlan{VAID: "va-unknown", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), plan)

	if len(exch.marketCalls) != 0 {
		t.Fatalf("marketCalls = %d, want 0 (unregistered VA)", len(exch.marketCalls))
	}
}

func TestHandleSignalRejectsWhenRouterDenies(t *testing.T) {
	t.Parallel()
	e, exch, _ := testEngine(t)
	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 99.9, Ask: 100.1, Last: 100}
	e.snaps["ETH-USDT"] = types.MarketSnapshot{Symbol: "ETH-USDT", Bid: 49.9, Ask: 50.1, Last: 50}

	first := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), first)
	if len(exch.marketCalls) != 1 {
		t.Fatalf("first signal: marketCalls = %d, want 1", len(exch.marketCalls))
	}

	second := types.OrderPlan{VAID: "va-1", Symbol: "ETH-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 50}
	e.handleSignal(context.Background(), second)
	if len(exch.marketCalls) != 1 {
		t.Fatalf("second signal: marketCalls = %d, want still 1 (router should reject second symbol)", len(exch.marketCalls))
	}
}

func TestHandleSignalRejectsOnGovernorCooldown(t *testing.T) {
	t.Parallel()
	e, exch, _ := testEngine(t)
	e.governor.RecordTradeResult("va-1", -10)
	e.governor.RecordTradeResult("va-1", -10)
	e.governor.RecordTradeResult("va-1", -10)
	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 99.9, Ask: 100.1, Last: 100}

	plan := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), plan)

	if len(exch.marketCalls) != 0 {
		t.Fatalf("marketCalls = %d, want 0 (cooldown active)", len(exch.marketCalls))
	}
}

func TestHandleSignalRejectsWhenNoMarketSnapshot(t *testing.T) {
	t.Parallel()
	e, exch, _ := testEngine(t)

	plan := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), plan)

	if len(exch.marketCalls) != 0 {
		t.Fatalf("marketCalls = %d, want 0 (no cached snapshot)", len(exch.marketCalls))
	}
}

func TestHandleSignalRejectsOnWideSpread(t *testing.T) {
	t.Parallel()
	e, exch, _ := testEngine(t)
	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 90, Ask: 110, Last: 100}

	plan := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), plan)

	if len(exch.marketCalls) != 0 {
		t.Fatalf("marketCalls = %d, want 0 (spread too wide)", len(exch.marketCalls))
	}
}

func TestHandleSignalFillsInMissingStopLoss(t *testing.T) {
	t.Parallel()
	e, exch, st := testEngine(t)
	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 99.9, Ask: 100.1, Last: 100}

	plan := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), plan)

	if len(exch.marketCalls) != 1 {
		t.Fatalf("marketCalls = %d, want 1", len(exch.marketCalls))
	}
	orders, err := st.ListOpenOrders(context.Background(), "va-1")
	if err != nil {
		t.Fatalf("ListOpenOrders() err = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("open orders = %d, want 1", len(orders))
	}
}

func TestSubmitSignalDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	e, _, _ := testEngine(t)

	plan := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT"}
	for i := 0; i < e.cfg.Engine.SignalQueueSize; i++ {
		if !e.SubmitSignal(plan) {
			t.Fatalf("SubmitSignal() unexpectedly dropped signal %d while queue had room", i)
		}
	}
	if e.SubmitSignal(plan) {
		t.Error("SubmitSignal() = true once queue is full, want false")
	}
}

func TestCheckStopLossesTriggersExit(t *testing.T) {
	t.Parallel()
	e, exch, st := testEngine(t)
	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 99.9, Ask: 100.1, Last: 100}

	plan := types.OrderPlan{VAID: "va-1", Symbol: "BTC-USDT", Side: types.Buy, EntryType: types.EntryMarket, EntryPrice: 100}
	e.handleSignal(context.Background(), plan)
	if len(exch.marketCalls) != 1 {
		t.Fatalf("marketCalls = %d, want 1 entry order placed", len(exch.marketCalls))
	}

	openOrders, err := st.ListOpenOrders(context.Background(), "va-1")
	if err != nil || len(openOrders) != 1 {
		t.Fatalf("ListOpenOrders() = %v, %v, want exactly one open order", openOrders, err)
	}
	if err := e.orders.OnFill(context.Background(), openOrders[0].ClientOrderID, 100, openOrders[0].Qty, time.Now().UTC()); err != nil {
		t.Fatalf("OnFill() err = %v", err)
	}

	pos, ok := e.orders.Position("va-1", "BTC-USDT")
	if !ok {
		t.Fatal("position not opened after fill")
	}
	if pos.StopLoss <= 0 {
		t.Fatal("expected a default stop-loss to be set on the new position")
	}

	e.snaps["BTC-USDT"] = types.MarketSnapshot{Symbol: "BTC-USDT", Bid: 1, Ask: 1, Last: pos.StopLoss - 1}
	e.checkStopLosses(context.Background())

	if len(exch.marketCalls) != 2 {
		t.Fatalf("marketCalls = %d, want 2 (entry + stop-loss exit)", len(exch.marketCalls))
	}
	if got := exch.marketCalls[1]; !got.reduceOnly {
		t.Errorf("stop-loss exit order reduceOnly = %v, want true", got.reduceOnly)
	}
}

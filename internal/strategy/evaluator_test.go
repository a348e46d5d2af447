package strategy

import (
	"math"
	"testing"
	"time"

	"executiond/internal/config"
	"executiond/pkg/types"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-3
}

func breakoutCfg() config.StrategyConfig {
	return config.StrategyConfig{
		LookbackN:   3,
		TPMode:      "fixed",
		FixedTPR:    1.7,
		SLRangeMult: 1.0,
	}
}

func candle(symbol string, o, h, l, c float64, openTime time.Time) types.Candle {
	return types.Candle{
		Symbol:    symbol,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		OpenTime:  openTime,
		CloseTime: openTime.Add(5 * time.Minute),
	}
}

func TestEvaluateBreakoutBuy(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []types.Candle{
		candle("S", 100, 101, 99, 100, t0),
		candle("S", 100, 102, 99, 101, t0.Add(5*time.Minute)),
		candle("S", 101, 103, 100, 102, t0.Add(10*time.Minute)),
		candle("S", 102, 104, 101, 105, t0.Add(15*time.Minute)),
	}

	eval := New(breakoutCfg())
	plan := eval.Evaluate("va1", "S", t0.Add(20*time.Minute), candles)
	if plan == nil {
		t.Fatal("Evaluate() = nil, want BUY plan")
	}
	if plan.Side != types.Buy {
		t.Errorf("Side = %v, want BUY", plan.Side)
	}
	if !approxEqual(plan.EntryPrice, 105.0) {
		t.Errorf("EntryPrice = %v, want 105.0", plan.EntryPrice)
	}
	if plan.StopLoss == nil || plan.StopLoss.Kind != types.StopLossFixed {
		t.Fatal("expected a fixed stop loss")
	}
	if !approxEqual(plan.StopLoss.Price, 102.3333) {
		t.Errorf("StopLoss.Price = %v, want ~102.333", plan.StopLoss.Price)
	}
	if plan.TakeProfit == nil || !approxEqual(plan.TakeProfit.Price, 109.5333) {
		t.Errorf("TakeProfit = %+v, want ~109.533", plan.TakeProfit)
	}
}

func TestEvaluateNoLookaheadGating(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []types.Candle{
		candle("S", 100, 101, 99, 100, t0),
		candle("S", 100, 102, 99, 101, t0.Add(5*time.Minute)),
		candle("S", 101, 103, 100, 102, t0.Add(10*time.Minute)),
		candle("S", 102, 104, 101, 105, t0.Add(15*time.Minute)),
		candle("S", 105, 110, 104, 109, t0.Add(20*time.Minute)), // closes at t0+25m
	}

	eval := New(breakoutCfg())

	// The fifth candle hasn't closed yet — evaluator must not fall back to
	// the older, fully-eligible window; it reports no signal.
	if plan := eval.Evaluate("va1", "S", t0.Add(24*time.Minute+59*time.Second), candles); plan != nil {
		t.Errorf("Evaluate() before newest close = %+v, want nil", plan)
	}

	// Once the fifth candle closes, it becomes the trigger.
	plan := eval.Evaluate("va1", "S", t0.Add(25*time.Minute), candles)
	if plan == nil {
		t.Fatal("Evaluate() at newest close = nil, want plan")
	}
	if !approxEqual(plan.EntryPrice, 109.0) {
		t.Errorf("EntryPrice = %v, want 109.0 (new trigger candle)", plan.EntryPrice)
	}
}

func TestEvaluateInsufficientHistory(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []types.Candle{
		candle("S", 100, 101, 99, 100, t0),
		candle("S", 100, 102, 99, 101, t0.Add(5*time.Minute)),
	}

	eval := New(breakoutCfg())
	if plan := eval.Evaluate("va1", "S", t0.Add(10*time.Minute), candles); plan != nil {
		t.Errorf("Evaluate() with 2 candles (need 4) = %+v, want nil", plan)
	}
}

func TestEvaluateNoBreakoutNoSignal(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []types.Candle{
		candle("S", 100, 101, 99, 100, t0),
		candle("S", 100, 102, 99, 101, t0.Add(5*time.Minute)),
		candle("S", 101, 103, 100, 102, t0.Add(10*time.Minute)),
		candle("S", 102, 102.5, 101.5, 102, t0.Add(15*time.Minute)), // stays inside range
	}

	eval := New(breakoutCfg())
	if plan := eval.Evaluate("va1", "S", t0.Add(20*time.Minute), candles); plan != nil {
		t.Errorf("Evaluate() with no breakout = %+v, want nil", plan)
	}
}

func TestEvaluateTrailingMode(t *testing.T) {
	t.Parallel()

	cfg := breakoutCfg()
	cfg.TPMode = "trailing"

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []types.Candle{
		candle("S", 100, 101, 99, 100, t0),
		candle("S", 100, 102, 99, 101, t0.Add(5*time.Minute)),
		candle("S", 101, 103, 100, 102, t0.Add(10*time.Minute)),
		candle("S", 102, 104, 101, 105, t0.Add(15*time.Minute)),
	}

	eval := New(cfg)
	plan := eval.Evaluate("va1", "S", t0.Add(20*time.Minute), candles)
	if plan == nil {
		t.Fatal("Evaluate() = nil, want plan")
	}
	if plan.StopLoss.Kind != types.StopLossTrailing {
		t.Errorf("StopLoss.Kind = %v, want trailing", plan.StopLoss.Kind)
	}
	if plan.TakeProfit != nil {
		t.Errorf("TakeProfit = %+v, want nil in trailing mode", plan.TakeProfit)
	}
}

func TestEvaluateIgnoresOtherSymbols(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []types.Candle{
		candle("OTHER", 1, 2, 0, 1, t0),
		candle("S", 100, 101, 99, 100, t0),
		candle("S", 100, 102, 99, 101, t0.Add(5*time.Minute)),
		candle("S", 101, 103, 100, 102, t0.Add(10*time.Minute)),
		candle("S", 102, 104, 101, 105, t0.Add(15*time.Minute)),
	}

	eval := New(breakoutCfg())
	plan := eval.Evaluate("va1", "S", t0.Add(20*time.Minute), candles)
	if plan == nil || plan.Symbol != "S" {
		t.Fatalf("Evaluate() = %+v, want S plan", plan)
	}
}

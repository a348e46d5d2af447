package types

import (
	"testing"
	"time"
)

func TestStopLossSpecResolveFixed(t *testing.T) {
	t.Parallel()

	spec := StopLossSpec{Kind: StopLossFixed, Price: 95.5}
	if got := spec.Resolve(100, Buy); got != 95.5 {
		t.Errorf("Resolve() = %v, want 95.5", got)
	}
	if got := spec.Resolve(100, Sell); got != 95.5 {
		t.Errorf("Resolve() = %v, want 95.5 regardless of side", got)
	}
}

func TestStopLossSpecResolveTrailing(t *testing.T) {
	t.Parallel()

	spec := StopLossSpec{Kind: StopLossTrailing, TrailBy: 2.5}
	if got := spec.Resolve(100, Buy); got != 97.5 {
		t.Errorf("Resolve(BUY) = %v, want 97.5", got)
	}
	if got := spec.Resolve(100, Sell); got != 102.5 {
		t.Errorf("Resolve(SELL) = %v, want 102.5", got)
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if Buy.Opposite() != Sell {
		t.Errorf("Buy.Opposite() = %v, want SELL", Buy.Opposite())
	}
	if Sell.Opposite() != Buy {
		t.Errorf("Sell.Opposite() = %v, want BUY", Sell.Opposite())
	}
}

func TestPositionIsFlat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		qty  float64
		want bool
	}{
		{0, true},
		{0.00005, true},
		{-0.00005, true},
		{0.001, false},
		{-1.5, false},
	}

	for _, tt := range tests {
		p := Position{Qty: tt.qty}
		if got := p.IsFlat(); got != tt.want {
			t.Errorf("Position{Qty: %v}.IsFlat() = %v, want %v", tt.qty, got, tt.want)
		}
	}
}

func TestPositionSide(t *testing.T) {
	t.Parallel()

	if (Position{Qty: 1.5}).Side() != Buy {
		t.Error("positive qty should be BUY side")
	}
	if (Position{Qty: -1.5}).Side() != Sell {
		t.Error("negative qty should be SELL side")
	}
}

func TestOrderRemaining(t *testing.T) {
	t.Parallel()

	o := Order{Qty: 10, FilledQty: 3}
	if got := o.Remaining(); got != 7 {
		t.Errorf("Remaining() = %v, want 7", got)
	}

	// Overfilled records (should not happen, but Remaining must not go negative)
	o2 := Order{Qty: 10, FilledQty: 12}
	if got := o2.Remaining(); got != 0 {
		t.Errorf("Remaining() = %v, want 0 clamp", got)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderStatus{OrderFilled, OrderCancelled, OrderRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}

	nonTerminal := []OrderStatus{OrderNew, OrderSubmitted, OrderPartialFill}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}

func TestMarketSnapshotMid(t *testing.T) {
	t.Parallel()

	m := MarketSnapshot{Bid: 99, Ask: 101}
	if got := m.Mid(); got != 100 {
		t.Errorf("Mid() = %v, want 100", got)
	}

	zero := MarketSnapshot{Bid: 0, Ask: 101}
	if got := zero.Mid(); got != 0 {
		t.Errorf("Mid() with zero bid = %v, want 0", got)
	}
}

func TestCandleFields(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := Candle{Symbol: "BTCUSDT", Open: 100, High: 105, Low: 98, Close: 102, CloseTime: now}
	if c.CloseTime != now {
		t.Error("CloseTime not preserved")
	}
}

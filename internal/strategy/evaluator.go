// Package strategy implements the deterministic signal generator: a
// volatility-breakout evaluator over closed price bars. It never looks
// ahead of the as-of timestamp it is given, and it emits at most one
// OrderPlan per call — no state is carried between calls.
package strategy

import (
	"time"

	"executiond/internal/config"
	"executiond/pkg/types"
)

// Evaluator produces OrderPlans from closed candle sequences using a
// breakout-over-range rule: the trigger candle's close crossing the
// high/low of the preceding reference window signals entry in that
// direction, with a stop sized off the reference window's average range.
type Evaluator struct {
	cfg config.StrategyConfig
}

// New constructs an Evaluator bound to a fixed configuration.
func New(cfg config.StrategyConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate returns an OrderPlan, or nil if no signal fires — either because
// there is not yet enough no-lookahead-eligible history, or because the
// trigger candle's close didn't break the reference range.
//
// candles need not be pre-filtered but must be in chronological order.
// Evaluate always looks at the most recent N+1 candles on file for the
// symbol; it does not fall back to an older, fully-closed window when the
// latest one hasn't closed yet as of asOf — that would trade on a stale
// signal instead of reporting "nothing new yet".
func (e *Evaluator) Evaluate(vaID, symbol string, asOf time.Time, candles []types.Candle) *types.OrderPlan {
	series := make([]types.Candle, 0, len(candles))
	for _, c := range candles {
		if c.Symbol == symbol {
			series = append(series, c)
		}
	}

	n := e.cfg.LookbackN
	if len(series) < n+1 {
		return nil
	}

	window := series[len(series)-(n+1):]
	for _, c := range window {
		if c.CloseTime.After(asOf) {
			return nil
		}
	}
	reference := window[:n]
	trigger := window[n]

	prevHigh := reference[0].High
	prevLow := reference[0].Low
	var sumRange float64
	for _, c := range reference {
		if c.High > prevHigh {
			prevHigh = c.High
		}
		if c.Low < prevLow {
			prevLow = c.Low
		}
		sumRange += c.High - c.Low
	}
	avgRange := sumRange / float64(n)

	stopDistance := e.cfg.SLRangeMult * avgRange
	if e.cfg.MinStopDistance > stopDistance {
		stopDistance = e.cfg.MinStopDistance
	}

	entry := trigger.Close

	var side types.Side
	var sl, tp float64
	switch {
	case trigger.Close > prevHigh:
		side = types.Buy
		sl = entry - stopDistance
		tp = entry + e.cfg.FixedTPR*stopDistance
	case trigger.Close < prevLow:
		side = types.Sell
		sl = entry + stopDistance
		tp = entry - e.cfg.FixedTPR*stopDistance
	default:
		return nil
	}

	plan := &types.OrderPlan{
		VAID:        vaID,
		Symbol:      symbol,
		Side:        side,
		EntryType:   types.EntryMarket,
		EntryPrice:  entry,
		RiskTag:     e.cfg.RiskTag,
		GeneratedAt: asOf,
	}

	if e.cfg.TPMode == "trailing" {
		plan.StopLoss = &types.StopLossSpec{Kind: types.StopLossTrailing, TrailBy: stopDistance}
		return plan
	}

	plan.StopLoss = &types.StopLossSpec{Kind: types.StopLossFixed, Price: sl}
	plan.TakeProfit = &types.TakeProfitSpec{Price: tp}
	return plan
}

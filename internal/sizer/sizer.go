// Package sizer computes a risk-adjusted position quantity from a trade
// plan, account equity, and recent loss streak. It is a pure, deterministic
// function — no I/O, no state — callable directly from the risk manager's
// review path and from tests.
package sizer

import "executiond/pkg/types"

const (
	ReasonEquityNonPositive = "virtual_equity_non_positive"
	ReasonLeverageInvalid   = "leverage_invalid"
	ReasonStopDistanceZero  = "stop_loss_distance_zero"
	ReasonBelowMinQty       = "below_min_qty"
	ReasonBelowMinNotional  = "below_min_notional"
)

// Constraints carries the venue-reported minimums a sized order must clear.
type Constraints struct {
	MinQty      float64
	MinNotional float64
}

// Result is the outcome of Size. Qty is signed (negative for SELL) only
// when Approved; callers must not use Qty when Approved is false.
type Result struct {
	Approved bool
	Reason   string
	Qty      float64
}

func rejected(reason string) Result { return Result{Approved: false, Reason: reason} }

// Size runs the sizing algorithm: loss-decayed, leverage-capped, equity-at-risk
// sizing with the min_qty/min_notional market-constraint gates applied last.
//
// leverageOverride == 0 means "use cfgDefaultLeverage" (a negative override
// is used as given and so rejected as leverage_invalid); consecutiveLosses
// selects the decay tier (>=4 -> 0.25x, >=2 -> 0.5x, else 1x), ties resolving
// to the higher tier.
func Size(
	plan types.OrderPlan,
	virtualEquity float64,
	consecutiveLosses int,
	leverageOverride float64,
	cfgDefaultLeverage float64,
	cfgMaxLeverage float64,
	riskPerTradePct float64,
	constraints Constraints,
) Result {
	if virtualEquity <= 0 {
		return rejected(ReasonEquityNonPositive)
	}

	leverage := cfgDefaultLeverage
	if leverageOverride != 0 {
		leverage = leverageOverride
	}
	if leverage > cfgMaxLeverage {
		leverage = cfgMaxLeverage
	}
	if leverage <= 0 {
		return rejected(ReasonLeverageInvalid)
	}

	if plan.StopLoss == nil {
		return rejected(ReasonStopDistanceZero)
	}
	slPrice := plan.StopLoss.Resolve(plan.EntryPrice, plan.Side)
	riskPerUnit := absf(plan.EntryPrice - slPrice)
	if riskPerUnit <= 0 {
		return rejected(ReasonStopDistanceZero)
	}

	rawQty := (virtualEquity * riskPerTradePct) / riskPerUnit
	qtyCap := (virtualEquity * leverage) / plan.EntryPrice
	qty := rawQty
	if qtyCap < qty {
		qty = qtyCap
	}

	decay := decayFactor(consecutiveLosses)
	qty *= decay

	if qty < constraints.MinQty {
		return rejected(ReasonBelowMinQty)
	}
	if qty*plan.EntryPrice < constraints.MinNotional {
		return rejected(ReasonBelowMinNotional)
	}

	if plan.Side == types.Sell {
		qty = -qty
	}

	return Result{Approved: true, Qty: qty}
}

// decayFactor applies the loss-decay schedule. Tie-breaks at thresholds
// favor the more conservative (lower) factor.
func decayFactor(consecutiveLosses int) float64 {
	switch {
	case consecutiveLosses >= 4:
		return 0.25
	case consecutiveLosses >= 2:
		return 0.5
	default:
		return 1.0
	}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

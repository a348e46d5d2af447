// Package filters implements the pre-trade market-quality gate: spread,
// latency, slippage, and trading-session checks run against a quote
// snapshot before any order is sized or submitted. Every predicate is a
// pure function with no side effects; check_all short-circuits on the
// first failure.
package filters

import (
	"time"

	"executiond/internal/config"
	"executiond/pkg/types"
)

// Result is the outcome of a single predicate or of CheckAll. Ok is the
// success flag; Reason is populated only on failure and is one of the
// stable strings below.
type Result struct {
	Ok     bool
	Reason string
}

func pass() Result { return Result{Ok: true} }

func fail(reason string) Result { return Result{Ok: false, Reason: reason} }

const (
	ReasonSpread   = "spread_too_wide"
	ReasonLatency  = "latency_too_high"
	ReasonSlippage = "slippage_too_high"
	ReasonWindow   = "outside_trading_window"
)

// SpreadOk reports whether the quoted spread, in basis points of mid, is
// within the configured cap. A zero mid (one-sided or empty book) is
// treated as spread_bps == 0 — it passes rather than divides by zero.
func SpreadOk(snap types.MarketSnapshot, cfg config.FilterConfig) Result {
	mid := snap.Mid()
	if mid == 0 {
		return pass()
	}
	spreadBps := ((snap.Ask - snap.Bid) / mid) * 10000
	if spreadBps > cfg.MaxSpreadBps {
		return fail(ReasonSpread)
	}
	return pass()
}

// LatencyOk reports whether the snapshot's reported latency is within bounds.
func LatencyOk(snap types.MarketSnapshot, cfg config.FilterConfig) Result {
	if snap.LatencyMS > cfg.MaxLatencyMS {
		return fail(ReasonLatency)
	}
	return pass()
}

// SlippageOk reports whether last traded price has not moved too far from
// an expected reference price. Always passes when expected is 0 (no
// reference to compare against).
func SlippageOk(snap types.MarketSnapshot, expected float64, cfg config.FilterConfig) Result {
	if expected == 0 {
		return pass()
	}
	slippageBps := absf(snap.Last-expected) / expected * 10000
	if slippageBps > cfg.MaxSlippageBps {
		return fail(ReasonSlippage)
	}
	return pass()
}

// WindowOk reports whether now falls within [trading_window_start,
// trading_window_end] at HH:MM resolution, inclusive on both ends, in the
// configured location. Parameterizing the location resolves the ambiguity
// between exchange-local and UTC trading sessions rather than guessing.
func WindowOk(now time.Time, cfg config.FilterConfig) Result {
	if cfg.TradingWindowStart == "" || cfg.TradingWindowEnd == "" {
		return pass()
	}

	loc := cfg.Location()
	local := now.In(loc)
	nowMinutes := local.Hour()*60 + local.Minute()

	start, err := parseHHMM(cfg.TradingWindowStart)
	if err != nil {
		return pass()
	}
	end, err := parseHHMM(cfg.TradingWindowEnd)
	if err != nil {
		return pass()
	}

	if nowMinutes < start || nowMinutes > end {
		return fail(ReasonWindow)
	}
	return pass()
}

// CheckAll runs every predicate in spec order and returns the first
// failure, or a passing Result if all predicates clear.
func CheckAll(snap types.MarketSnapshot, expected float64, now time.Time, cfg config.FilterConfig) Result {
	if r := SpreadOk(snap, cfg); !r.Ok {
		return r
	}
	if r := LatencyOk(snap, cfg); !r.Ok {
		return r
	}
	if r := SlippageOk(snap, expected, cfg); !r.Ok {
		return r
	}
	if r := WindowOk(now, cfg); !r.Ok {
		return r
	}
	return pass()
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

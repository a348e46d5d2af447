// Package risk implements the central trading gate: per-virtual-account
// state, the ordered pre-trade review a plan must clear before an order is
// sized and submitted, and the post-fill bookkeeping that feeds that review
// on the next pass.
//
// Every mutation is guarded by one mutex — the same mutex-guarded-map shape
// used by the market-wide risk gate this package replaced. There is no
// background goroutine here; the engine drives roll_day/review/record calls
// inline on its own loop.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"executiond/internal/config"
	"executiond/internal/sizer"
	"executiond/pkg/types"
)

// ErrVANotRegistered is returned by any call naming a VA the manager has
// never seen via RegisterVA.
var ErrVANotRegistered = errors.New("va_not_registered")

// Stable rejection reasons returned by ReviewOrderPlan, in check order.
const (
	ReasonKillSwitch           = "kill_switch"
	ReasonStopLossRequired     = "stop_loss_required"
	ReasonTakeProfitRequired   = "take_profit_required_for_fixed"
	ReasonCooldownActive       = "cooldown_active"
	ReasonMaxDailyLoss         = "max_daily_loss"
	ReasonMaxTradesPerDay      = "max_trades_per_day"
	ReasonSymbolOwnedByOtherVA = "symbol_owned_by_other_va"
	ReasonOpposingExposure     = "opposing_exposure_not_allowed"
	ReasonNetExposureCap       = "net_exposure_cap"
)

// Result is the outcome of ReviewOrderPlan.
type Result struct {
	Approved bool
	Reason   string
	Qty      float64
}

func rejected(reason string) Result { return Result{Reason: reason} }

// Manager is the central risk gate. It owns VA state, open positions, the
// symbol-ownership map, and per-(VA,symbol) cooldowns applied by the
// governor.
type Manager struct {
	mu sync.Mutex

	cfg        config.RiskConfig
	sizerCfg   config.SizerConfig
	realEquity float64
	log        zerolog.Logger

	vas          map[string]*types.VirtualAccount
	positions    map[string]*types.Position // key: posKey(va, symbol)
	symbolOwner  map[string]string          // symbol -> VA id
	blockedUntil map[string]time.Time       // key: posKey(va, symbol)
}

// New constructs a Manager over a fixed pool of real exchange equity.
func New(cfg config.RiskConfig, sizerCfg config.SizerConfig, realEquity float64, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		sizerCfg:     sizerCfg,
		realEquity:   realEquity,
		log:          logger.With().Str("component", "risk").Logger(),
		vas:          make(map[string]*types.VirtualAccount),
		positions:    make(map[string]*types.Position),
		symbolOwner:  make(map[string]string),
		blockedUntil: make(map[string]time.Time),
	}
}

func posKey(va, symbol string) string { return va + "|" + symbol }

// RegisterVA adds or replaces a VA's state, e.g. after loading it from
// storage at startup.
func (m *Manager) RegisterVA(va *types.VirtualAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vas[va.ID] = va
}

// VA returns a VA's current state.
func (m *Manager) VA(va string) (*types.VirtualAccount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.vas[va]
	return s, ok
}

// Position returns a VA's position on a symbol, if any.
func (m *Manager) Position(va, symbol string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[posKey(va, symbol)]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// OpenPositionCount returns how many non-flat positions a VA currently
// holds. Used by the governor's per-VA throttle.
func (m *Manager) OpenPositionCount(va string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if p.VAID == va && !p.IsFlat() {
			n++
		}
	}
	return n
}

// dayID computes the reset-anchored calendar day for now, shifted back by
// the configured reset hour so that a day boundary falls at that hour UTC
// rather than at midnight.
func dayID(now time.Time, resetHourUTC int) string {
	shifted := now.UTC().Add(-time.Duration(resetHourUTC) * time.Hour)
	return shifted.Format("2006-01-02")
}

// rollDay resets daily counters when the calendar day (per RiskConfig's
// reset hour) has turned over since the VA's last review. The first call
// for a VA only stamps its day id, without resetting anything.
func (m *Manager) rollDay(va *types.VirtualAccount, now time.Time) {
	id := dayID(now, m.cfg.DailyResetHourUTC)
	if va.DayID == "" {
		va.DayID = id
		return
	}
	if va.DayID != id {
		va.DayID = id
		va.DailyPnL = 0
		va.DailyTrades = 0
	}
}

// ReviewOrderPlan runs the ordered pre-trade check list against plan and,
// if every check passes, sizes it. With reserve=true, an approval also
// claims the trade slot: it increments daily_trades and, if the symbol is
// unclaimed, assigns it to plan.VAID.
func (m *Manager) ReviewOrderPlan(plan types.OrderPlan, now time.Time, reserve bool) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	va, ok := m.vas[plan.VAID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrVANotRegistered, plan.VAID)
	}
	m.rollDay(va, now)

	if va.KillSwitch {
		return rejected(ReasonKillSwitch), nil
	}
	if plan.StopLoss == nil {
		return rejected(ReasonStopLossRequired), nil
	}
	if plan.StopLoss.Kind == types.StopLossFixed && plan.TakeProfit == nil {
		return rejected(ReasonTakeProfitRequired), nil
	}
	if until, ok := m.blockedUntil[posKey(plan.VAID, plan.Symbol)]; ok && until.After(now) {
		return rejected(ReasonCooldownActive), nil
	}
	if m.cfg.MaxDailyLoss > 0 && -va.DailyPnL >= m.cfg.MaxDailyLoss {
		return rejected(ReasonMaxDailyLoss), nil
	}
	if va.DailyTrades >= m.cfg.MaxTradesPerDay {
		return rejected(ReasonMaxTradesPerDay), nil
	}
	if owner, ok := m.symbolOwner[plan.Symbol]; ok && owner != plan.VAID {
		return rejected(ReasonSymbolOwnedByOtherVA), nil
	}
	if existing, ok := m.positions[posKey(plan.VAID, plan.Symbol)]; ok && !existing.IsFlat() {
		if existing.Side() != plan.Side {
			return rejected(ReasonOpposingExposure), nil
		}
	}

	sized := sizer.Size(
		plan,
		va.VirtualEquity,
		va.ConsecutiveLosses,
		0,
		m.sizerCfg.DefaultLeverage,
		m.sizerCfg.MaxLeverage,
		m.sizerCfg.RiskPerTradePct,
		sizer.Constraints{MinQty: m.sizerCfg.MinQty, MinNotional: m.sizerCfg.MinNotional},
	)
	if !sized.Approved {
		return rejected(sized.Reason), nil
	}

	exposureCap := m.realEquity * m.cfg.MaxSymbolExposurePctEquity
	var existingNotional float64
	if existing, ok := m.positions[posKey(plan.VAID, plan.Symbol)]; ok {
		existingNotional = absf(existing.Qty) * existing.AvgEntry
	}
	newNotional := absf(sized.Qty) * plan.EntryPrice
	if exposureCap <= 0 || existingNotional+newNotional > exposureCap {
		return rejected(ReasonNetExposureCap), nil
	}

	if reserve {
		va.DailyTrades++
		if _, owned := m.symbolOwner[plan.Symbol]; !owned {
			m.symbolOwner[plan.Symbol] = plan.VAID
		}
	}

	return Result{Approved: true, Qty: sized.Qty}, nil
}

// RecordTradePnL applies a closed trade's P&L to a VA's equity and
// loss-streak state, evaluating the kill switch against drawdown and
// equity-exhaustion.
func (m *Manager) RecordTradePnL(vaID, symbol string, pnl float64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	va, ok := m.vas[vaID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVANotRegistered, vaID)
	}
	m.rollDay(va, now)

	va.VirtualEquity += pnl
	va.DailyPnL += pnl
	if pnl < 0 {
		va.ConsecutiveLosses++
	} else {
		va.ConsecutiveLosses = 0
	}
	if va.VirtualEquity > va.PeakVirtualEquity {
		va.PeakVirtualEquity = va.VirtualEquity
	}

	if va.PeakVirtualEquity > 0 && 1-va.VirtualEquity/va.PeakVirtualEquity >= m.cfg.MaxDrawdownPct {
		va.KillSwitch = true
		m.log.Warn().Str("va", vaID).Msg("kill switch: max drawdown breached")
	}
	if va.VirtualEquity <= 0 {
		va.KillSwitch = true
		m.log.Warn().Str("va", vaID).Msg("kill switch: virtual equity exhausted")
	}
	va.UpdatedAt = now
	return nil
}

// RecordPosition upserts or removes (qty==0) a VA's position on symbol and
// keeps the symbol-ownership map in sync.
func (m *Manager) RecordPosition(vaID, symbol string, qty, avgEntry float64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vas[vaID]; !ok {
		return fmt.Errorf("%w: %s", ErrVANotRegistered, vaID)
	}
	key := posKey(vaID, symbol)

	if qty == 0 {
		delete(m.positions, key)
		stillHeld := false
		for _, p := range m.positions {
			if p.Symbol == symbol {
				stillHeld = true
				break
			}
		}
		if !stillHeld {
			delete(m.symbolOwner, symbol)
		}
		return nil
	}

	m.positions[key] = &types.Position{
		VAID:      vaID,
		Symbol:    symbol,
		Qty:       qty,
		AvgEntry:  avgEntry,
		UpdatedAt: now,
	}
	m.symbolOwner[symbol] = vaID
	return nil
}

// ApplyGovernorBreach records a cooldown the governor has activated for
// (va, symbol), blocking new entries on that pair until it expires.
func (m *Manager) ApplyGovernorBreach(vaID, symbol string, now time.Time, cooldown time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockedUntil[posKey(vaID, symbol)] = now.Add(cooldown)
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

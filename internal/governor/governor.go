// Package governor implements the per-VA short-horizon trading brake: a
// loss-streak cooldown and an open-position throttle, both complementary
// to the risk manager's longer-horizon, cross-VA invariants.
package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"executiond/internal/config"
)

// PositionCounter reports how many open positions a VA currently holds.
// internal/risk.Manager satisfies this.
type PositionCounter interface {
	OpenPositionCount(va string) int
}

// Persister is notified after every state mutation so the governor's state
// survives a restart. A nil Persister (the default) makes every call a
// no-op — useful in tests and before a store is wired in.
type Persister interface {
	SaveGovernorState(va string, s State) error
}

// State is one VA's governor bookkeeping.
type State struct {
	InCooldown        bool
	CooldownUntil     time.Time
	ConsecutiveLosses int
	TotalTrades       int
	WinningTrades     int
	LosingTrades      int
	CurrentDrawdown   float64 // running sum of losses since the last win, <= 0
	MaxDrawdown       float64 // most negative CurrentDrawdown ever observed
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(reason string) Decision { return Decision{Reason: reason} }

var allow = Decision{Allowed: true}

// Governor tracks per-VA cooldown and throttle state.
type Governor struct {
	mu sync.Mutex

	cfg       config.GovernorConfig
	positions PositionCounter
	persist   Persister
	log       zerolog.Logger

	states map[string]*State
}

// New constructs a Governor. positions supplies the open-position count
// used by check_throttle.
func New(cfg config.GovernorConfig, positions PositionCounter, logger zerolog.Logger) *Governor {
	return &Governor{
		cfg:       cfg,
		positions: positions,
		log:       logger.With().Str("component", "governor").Logger(),
		states:    make(map[string]*State),
	}
}

// SetPersister wires a storage-backed Persister after construction (the
// store package is built independently of the governor).
func (g *Governor) SetPersister(p Persister) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.persist = p
}

func (g *Governor) state(va string) *State {
	s, ok := g.states[va]
	if !ok {
		s = &State{}
		g.states[va] = s
	}
	return s
}

// State returns a copy of a VA's current governor state.
func (g *Governor) State(va string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.state(va)
}

// CanTrade runs the cooldown state machine: an active cooldown denies with
// its remaining duration; an expired cooldown clears itself and the loss
// streak; a loss streak at or past the threshold activates a fresh
// cooldown and denies.
func (g *Governor) CanTrade(va string, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state(va)

	if s.InCooldown {
		if s.CooldownUntil.After(now) {
			remaining := s.CooldownUntil.Sub(now)
			return deny(fmt.Sprintf("cooldown active, %s remaining", remaining.Round(time.Second)))
		}
		s.InCooldown = false
		s.ConsecutiveLosses = 0
		g.save(va, s)
	}

	if s.ConsecutiveLosses >= g.cfg.MaxLossCooldown {
		s.InCooldown = true
		s.CooldownUntil = now.Add(time.Duration(g.cfg.CooldownDurationSeconds) * time.Second)
		g.save(va, s)
		return deny("loss streak cooldown activated")
	}

	return allow
}

// CheckThrottle denies when a VA already holds the configured maximum
// number of concurrently open positions.
func (g *Governor) CheckThrottle(va string) Decision {
	if g.positions.OpenPositionCount(va) >= g.cfg.MaxOpenPositionsPerVA {
		return deny("max_open_positions_per_va reached")
	}
	return allow
}

// RecordTradeResult folds a closed trade's P&L into the running totals,
// the consecutive-loss streak, and the drawdown high-water mark.
func (g *Governor) RecordTradeResult(va string, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state(va)
	s.TotalTrades++

	if pnl < 0 {
		s.LosingTrades++
		s.ConsecutiveLosses++
		s.CurrentDrawdown += pnl
		if s.CurrentDrawdown < s.MaxDrawdown {
			s.MaxDrawdown = s.CurrentDrawdown
		}
	} else {
		s.WinningTrades++
		s.ConsecutiveLosses = 0
		s.CurrentDrawdown = 0
	}

	g.save(va, s)
}

func (g *Governor) save(va string, s *State) {
	if g.persist == nil {
		return
	}
	if err := g.persist.SaveGovernorState(va, *s); err != nil {
		g.log.Warn().Err(err).Str("va", va).Msg("failed to persist governor state")
	}
}

package governor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"executiond/internal/config"
)

type fakeCounter struct {
	counts map[string]int
}

func (f fakeCounter) OpenPositionCount(va string) int { return f.counts[va] }

func baseCfg() config.GovernorConfig {
	return config.GovernorConfig{
		MaxLossCooldown:         3,
		CooldownDurationSeconds: 60,
		MaxOpenPositionsPerVA:   2,
	}
}

func TestCanTradeAllowsFreshVA(t *testing.T) {
	t.Parallel()

	g := New(baseCfg(), fakeCounter{}, zerolog.Nop())
	d := g.CanTrade("va1", time.Now())
	if !d.Allowed {
		t.Errorf("CanTrade() = %+v, want allowed", d)
	}
}

func TestCanTradeActivatesCooldownAtThreshold(t *testing.T) {
	t.Parallel()

	g := New(baseCfg(), fakeCounter{}, zerolog.Nop())
	now := time.Now()
	g.RecordTradeResult("va1", -10)
	g.RecordTradeResult("va1", -10)
	g.RecordTradeResult("va1", -10) // 3rd consecutive loss == MaxLossCooldown

	d := g.CanTrade("va1", now)
	if d.Allowed {
		t.Errorf("CanTrade() = %+v, want denied", d)
	}

	st := g.State("va1")
	if !st.InCooldown {
		t.Error("InCooldown = false, want true")
	}
}

func TestCanTradeDeniesDuringCooldownThenClearsAfterExpiry(t *testing.T) {
	t.Parallel()

	g := New(baseCfg(), fakeCounter{}, zerolog.Nop())
	now := time.Now()
	for i := 0; i < 3; i++ {
		g.RecordTradeResult("va1", -1)
	}
	g.CanTrade("va1", now) // activates cooldown

	d := g.CanTrade("va1", now.Add(30*time.Second))
	if d.Allowed {
		t.Errorf("CanTrade() mid-cooldown = %+v, want denied", d)
	}

	d = g.CanTrade("va1", now.Add(61*time.Second))
	if !d.Allowed {
		t.Errorf("CanTrade() after cooldown expiry = %+v, want allowed", d)
	}
	st := g.State("va1")
	if st.InCooldown || st.ConsecutiveLosses != 0 {
		t.Errorf("state after expiry = %+v, want cleared", st)
	}
}

func TestCheckThrottleDeniesAtLimit(t *testing.T) {
	t.Parallel()

	g := New(baseCfg(), fakeCounter{counts: map[string]int{"va1": 2}}, zerolog.Nop())
	if d := g.CheckThrottle("va1"); d.Allowed {
		t.Errorf("CheckThrottle() = %+v, want denied", d)
	}
}

func TestCheckThrottleAllowsUnderLimit(t *testing.T) {
	t.Parallel()

	g := New(baseCfg(), fakeCounter{counts: map[string]int{"va1": 1}}, zerolog.Nop())
	if d := g.CheckThrottle("va1"); !d.Allowed {
		t.Errorf("CheckThrottle() = %+v, want allowed", d)
	}
}

func TestRecordTradeResultDrawdownTracking(t *testing.T) {
	t.Parallel()

	g := New(baseCfg(), fakeCounter{}, zerolog.Nop())
	g.RecordTradeResult("va1", -10)
	g.RecordTradeResult("va1", -15)

	st := g.State("va1")
	if st.CurrentDrawdown != -25 {
		t.Errorf("CurrentDrawdown = %v, want -25", st.CurrentDrawdown)
	}
	if st.MaxDrawdown != -25 {
		t.Errorf("MaxDrawdown = %v, want -25", st.MaxDrawdown)
	}

	g.RecordTradeResult("va1", 100) // win resets current drawdown but not the high-water mark
	st = g.State("va1")
	if st.CurrentDrawdown != 0 {
		t.Errorf("CurrentDrawdown after win = %v, want 0", st.CurrentDrawdown)
	}
	if st.MaxDrawdown != -25 {
		t.Errorf("MaxDrawdown after win = %v, want -25 (preserved)", st.MaxDrawdown)
	}
	if st.WinningTrades != 1 || st.LosingTrades != 2 || st.TotalTrades != 3 {
		t.Errorf("trade counts = %+v, want 1 win / 2 loss / 3 total", st)
	}
}

type fakePersister struct {
	saved map[string]State
}

func (f *fakePersister) SaveGovernorState(va string, s State) error {
	if f.saved == nil {
		f.saved = make(map[string]State)
	}
	f.saved[va] = s
	return nil
}

func TestSetPersisterReceivesUpdates(t *testing.T) {
	t.Parallel()

	g := New(baseCfg(), fakeCounter{}, zerolog.Nop())
	p := &fakePersister{}
	g.SetPersister(p)

	g.RecordTradeResult("va1", -5)
	if _, ok := p.saved["va1"]; !ok {
		t.Error("persister did not receive a save for va1")
	}
}

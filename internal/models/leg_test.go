package models

import (
	"errors"
	"math"
	"strconv"
	"testing"
	"time"
)

func testInstrument(strike int, kind OptionKind) Instrument {
	return Instrument{
		Symbol: "NIFTY25NOV25" + strconv.Itoa(strike) + string(kind),
		Token:  strconv.Itoa(strike) + string(kind),
		Strike: strike,
		Kind:   kind,
	}
}

func newTestLeg(kind OptionKind) *Leg {
	return NewLeg(testInstrument(26000, kind), 100, DefaultLegConfig())
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestLeg_LossPct(t *testing.T) {
	leg := newTestLeg(Call)

	tests := []struct {
		premium float64
		want    float64
	}{
		{100, 0},
		{125, 25},
		{80, -20},
		{0, -20}, // ignored, keeps previous premium
	}

	for _, tt := range tests {
		leg.UpdatePremium(tt.premium)
		if got := leg.LossPct(); !approx(got, tt.want) {
			t.Errorf("premium %.1f: LossPct() = %.2f, want %.2f", tt.premium, got, tt.want)
		}
	}
}

func TestLeg_EntryAndReversalReload(t *testing.T) {
	now := time.Now()
	leg := newTestLeg(Call)

	leg.UpdatePremium(115)
	if _, ok := leg.EntryLevel(now); ok {
		t.Fatal("15% loss should not trigger level 1")
	}

	leg.UpdatePremium(125)
	level, ok := leg.EntryLevel(now)
	if !ok || level != 1 {
		t.Fatalf("EntryLevel() = %d, %v; want 1, true", level, ok)
	}

	hedgeInst := testInstrument(26300, Call)
	ev, err := leg.OpenHedge(hedgeInst, 30, level, CondHedgeEntered, now)
	if err != nil {
		t.Fatalf("OpenHedge failed: %v", err)
	}
	if ev.Kind != EventHedgeEntered || ev.Level != 1 {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if st, _ := leg.LevelState(1); st != LevelFired {
		t.Errorf("Level 1 should be fired, got %s", st)
	}
	if leg.NextTriggerPct() != 40 {
		t.Errorf("NextTriggerPct = %.1f, want 40", leg.NextTriggerPct())
	}

	// Second crossing while hedged does not re-enter
	leg.UpdatePremium(126)
	if _, ok := leg.EntryLevel(now); ok {
		t.Error("EntryLevel should not fire while hedged")
	}
	if _, err := leg.OpenHedge(hedgeInst, 30, 1, CondHedgeEntered, now); !errors.Is(err, ErrHedgeActive) {
		t.Errorf("Expected ErrHedgeActive, got %v", err)
	}

	leg.UpdatePremium(115)
	if leg.ReversalDue() {
		t.Error("15% loss is above 20-10 and should not reverse")
	}

	leg.UpdatePremium(105)
	if !leg.ReversalDue() {
		t.Fatal("5% loss should trigger reversal exit")
	}
	closed, err := leg.CloseHedge(36, CloseReversal, now)
	if err != nil {
		t.Fatalf("CloseHedge failed: %v", err)
	}
	if !approx(closed.PnL, (36-30)*65) {
		t.Errorf("Hedge PnL = %.2f, want %.2f", closed.PnL, float64((36-30)*65))
	}
	if st, _ := leg.LevelState(1); st != LevelArmed {
		t.Errorf("Level 1 should be re-armed, got %s", st)
	}
	if leg.NextTriggerPct() != 20 {
		t.Errorf("NextTriggerPct = %.1f, want 20", leg.NextTriggerPct())
	}

	leg.UpdatePremium(125)
	if level, ok := leg.EntryLevel(now); !ok || level != 1 {
		t.Errorf("After reload EntryLevel() = %d, %v; want 1, true", level, ok)
	}
}

func TestLeg_UpgradeKeepsLevelOneFired(t *testing.T) {
	now := time.Now()
	leg := newTestLeg(Put)
	leg.UpdatePremium(125)
	if _, err := leg.OpenHedge(testInstrument(25700, Put), 30, 1, CondHedgeEntered, now); err != nil {
		t.Fatalf("OpenHedge failed: %v", err)
	}

	leg.UpdatePremium(145)
	to, ok := leg.UpgradeLevel()
	if !ok || to != 2 {
		t.Fatalf("UpgradeLevel() = %d, %v; want 2, true", to, ok)
	}

	closed, opened, err := leg.UpgradeHedge(45, testInstrument(25600, Put), 40, now)
	if err != nil {
		t.Fatalf("UpgradeHedge failed: %v", err)
	}
	if closed.Level != 1 || opened.Level != 2 {
		t.Errorf("closed level %d opened level %d, want 1 and 2", closed.Level, opened.Level)
	}
	if !approx(leg.RealizedHedgePnL(), (45-30)*65) {
		t.Errorf("RealizedHedgePnL = %.2f", leg.RealizedHedgePnL())
	}
	if st, _ := leg.LevelState(1); st != LevelFired {
		t.Errorf("Level 1 should stay fired after upgrade, got %s", st)
	}
	if st, _ := leg.LevelState(2); st != LevelFired {
		t.Errorf("Level 2 should be fired, got %s", st)
	}
	if leg.HedgeLevel() != 2 {
		t.Errorf("HedgeLevel = %d, want 2", leg.HedgeLevel())
	}
	if leg.NextTriggerPct() != 60 {
		t.Errorf("NextTriggerPct = %.1f, want hard stop 60", leg.NextTriggerPct())
	}
	if _, ok := leg.UpgradeLevel(); ok {
		t.Error("No upgrade above the top level")
	}

	// Level 2 reversal re-arms only level 2
	leg.UpdatePremium(128)
	if !leg.ReversalDue() {
		t.Fatal("28% loss should reverse a level 2 hedge")
	}
	if _, err := leg.CloseHedge(35, CloseReversal, now); err != nil {
		t.Fatalf("CloseHedge failed: %v", err)
	}
	if st, _ := leg.LevelState(1); st != LevelFired {
		t.Errorf("Level 1 should stay fired, got %s", st)
	}
	if st, _ := leg.LevelState(2); st != LevelArmed {
		t.Errorf("Level 2 should be re-armed, got %s", st)
	}
	if leg.NextTriggerPct() != 40 {
		t.Errorf("NextTriggerPct = %.1f, want 40", leg.NextTriggerPct())
	}

	leg.UpdatePremium(145)
	if level, ok := leg.EntryLevel(now); !ok || level != 2 {
		t.Errorf("EntryLevel() = %d, %v; want 2, true", level, ok)
	}
}

func TestLeg_LevelTwoNeverBeforeLevelOne(t *testing.T) {
	leg := newTestLeg(Call)
	leg.UpdatePremium(145)

	_, err := leg.OpenHedge(testInstrument(26300, Call), 30, 2, CondHedgeEntered, time.Now())
	if !errors.Is(err, ErrLevelUnavailable) {
		t.Fatalf("Expected ErrLevelUnavailable, got %v", err)
	}
	if leg.HedgeLevel() != 0 {
		t.Error("Failed open must not attach a hedge")
	}

	// A big gap still enters at level 1 first
	if level, ok := leg.EntryLevel(time.Now()); !ok || level != 1 {
		t.Errorf("EntryLevel() = %d, %v; want 1, true", level, ok)
	}
}

func TestLeg_HardStop(t *testing.T) {
	now := time.Now()

	t.Run("not while level one hedged", func(t *testing.T) {
		leg := newTestLeg(Call)
		leg.UpdatePremium(125)
		_, _ = leg.OpenHedge(testInstrument(26300, Call), 30, 1, CondHedgeEntered, now)
		leg.UpdatePremium(170)
		if leg.HardStopTriggered() {
			t.Error("Hard stop must not skip the level 2 upgrade")
		}
	})

	t.Run("after level two", func(t *testing.T) {
		leg := newTestLeg(Call)
		leg.UpdatePremium(125)
		_, _ = leg.OpenHedge(testInstrument(26300, Call), 30, 1, CondHedgeEntered, now)
		leg.UpdatePremium(145)
		_, _, _ = leg.UpgradeHedge(40, testInstrument(26400, Call), 35, now)
		leg.UpdatePremium(165)
		if !leg.HardStopTriggered() {
			t.Error("65% loss with level 2 hedged should hard stop")
		}
		if leg.State() != LegHardStop {
			t.Errorf("State = %s, want %s", leg.State(), LegHardStop)
		}
	})

	t.Run("no hedge after all levels skipped", func(t *testing.T) {
		leg := newTestLeg(Call)
		_, _ = leg.SkipLevel(1, now)
		_, _ = leg.SkipLevel(2, now)
		if leg.NextTriggerPct() != 60 {
			t.Fatalf("NextTriggerPct = %.1f, want 60", leg.NextTriggerPct())
		}
		leg.UpdatePremium(165)
		if !leg.HardStopTriggered() {
			t.Error("Exhausted ladder should hard stop from no hedge")
		}
	})

	t.Run("not from fresh leg", func(t *testing.T) {
		leg := newTestLeg(Call)
		leg.UpdatePremium(170)
		if leg.HardStopTriggered() {
			t.Error("Fresh leg must hedge before hard stop")
		}
	})
}

func TestLeg_SkipLevel(t *testing.T) {
	now := time.Now()
	leg := newTestLeg(Put)

	if _, err := leg.SkipLevel(1, now); err != nil {
		t.Fatalf("SkipLevel failed: %v", err)
	}
	if leg.NextTriggerPct() != 40 {
		t.Errorf("NextTriggerPct = %.1f, want 40", leg.NextTriggerPct())
	}
	if got := leg.CompletedLevels(); len(got) != 1 || got[0] != 1 {
		t.Errorf("CompletedLevels = %v, want [1]", got)
	}

	leg.UpdatePremium(125)
	if _, ok := leg.EntryLevel(now); ok {
		t.Error("Skipped level must not fire")
	}
	leg.UpdatePremium(145)
	if level, ok := leg.EntryLevel(now); !ok || level != 2 {
		t.Errorf("EntryLevel() = %d, %v; want 2, true", level, ok)
	}

	if _, err := leg.SkipLevel(1, now); !errors.Is(err, ErrLevelUnavailable) {
		t.Errorf("Skipping twice should fail, got %v", err)
	}
	if _, err := leg.SkipLevel(3, now); !errors.Is(err, ErrLevelUnavailable) {
		t.Errorf("Skipping out of range should fail, got %v", err)
	}
}

func TestLeg_ManualHedgeSync(t *testing.T) {
	now := time.Now()
	leg := newTestLeg(Call)
	leg.UpdatePremium(124)

	ev, err := leg.SyncManualHedgeAddition(testInstrument(26300, Call), 0, now)
	if err != nil {
		t.Fatalf("SyncManualHedgeAddition failed: %v", err)
	}
	if ev.Level != 1 {
		t.Errorf("24%% loss should map to level 1, got %d", ev.Level)
	}
	h, ok := leg.Hedge()
	if !ok || !h.Manual {
		t.Fatalf("Expected manual hedge, got %+v", h)
	}
	leg.UpdateHedgePremium(20)

	exit, err := leg.SyncManualHedgeExit(0, now)
	if err != nil {
		t.Fatalf("SyncManualHedgeExit failed: %v", err)
	}
	if exit.Price != 20 {
		t.Errorf("Missing last price should fall back to current hedge premium, got %.2f", exit.Price)
	}
	if got := leg.CompletedLevels(); len(got) != 1 || got[0] != 1 {
		t.Errorf("CompletedLevels = %v, want [1]", got)
	}
	if leg.NextTriggerPct() != 40 {
		t.Errorf("NextTriggerPct = %.1f, want 40", leg.NextTriggerPct())
	}

	leg.UpdatePremium(145)
	if _, ok := leg.EntryLevel(now.Add(30 * time.Second)); ok {
		t.Error("Entry must wait for the manual exit cooldown")
	}
	if level, ok := leg.EntryLevel(now.Add(61 * time.Second)); !ok || level != 2 {
		t.Errorf("EntryLevel() = %d, %v; want 2, true", level, ok)
	}
}

func TestLeg_ManualAdditionPicksNearestArmedLevel(t *testing.T) {
	leg := newTestLeg(Call)
	leg.UpdatePremium(137)

	ev, err := leg.SyncManualHedgeAddition(testInstrument(26300, Call), 25, time.Now())
	if err != nil {
		t.Fatalf("SyncManualHedgeAddition failed: %v", err)
	}
	if ev.Level != 2 {
		t.Errorf("37%% loss should map to level 2, got %d", ev.Level)
	}
	if leg.NextTriggerPct() != 60 {
		t.Errorf("NextTriggerPct = %.1f, want 60", leg.NextTriggerPct())
	}
}

func TestLeg_ForcedExitStartsCooldown(t *testing.T) {
	now := time.Now()
	leg := newTestLeg(Put)
	leg.UpdatePremium(125)
	_, _ = leg.OpenHedge(testInstrument(25700, Put), 30, 1, CondOperatorEntry, now)

	if _, err := leg.CloseHedge(25, CloseForced, now); err != nil {
		t.Fatalf("CloseHedge failed: %v", err)
	}
	if st, _ := leg.LevelState(1); st != LevelArmed {
		t.Errorf("Forced exit should re-arm the level, got %s", st)
	}
	if _, ok := leg.EntryLevel(now.Add(10 * time.Second)); ok {
		t.Error("Forced exit should block immediate re-entry")
	}
	if _, ok := leg.EntryLevel(now.Add(2 * time.Minute)); !ok {
		t.Error("Entry should resume after the cooldown")
	}
}

func TestLeg_UpgradeAbortedAllowsLevelTwoEntry(t *testing.T) {
	now := time.Now()
	leg := newTestLeg(Call)
	leg.UpdatePremium(125)
	_, _ = leg.OpenHedge(testInstrument(26300, Call), 30, 1, CondHedgeEntered, now)
	leg.UpdatePremium(145)

	if _, err := leg.CloseHedge(40, CloseUpgradeAborted, now); err != nil {
		t.Fatalf("CloseHedge failed: %v", err)
	}
	if st, _ := leg.LevelState(1); st != LevelFired {
		t.Errorf("Level 1 should stay fired, got %s", st)
	}
	if level, ok := leg.EntryLevel(now); !ok || level != 2 {
		t.Errorf("EntryLevel() = %d, %v; want 2, true", level, ok)
	}
}

func TestLeg_PnL(t *testing.T) {
	now := time.Now()

	t.Run("buy hedge", func(t *testing.T) {
		leg := newTestLeg(Call)
		leg.UpdatePremium(125)
		_, _ = leg.OpenHedge(testInstrument(26300, Call), 30, 1, CondHedgeEntered, now)
		leg.UpdateHedgePremium(40)

		pnl := leg.PnL()
		if !approx(pnl.LegPnL, -25*65) {
			t.Errorf("LegPnL = %.2f", pnl.LegPnL)
		}
		if !approx(pnl.UnrealizedHedgePnL, 10*65) {
			t.Errorf("UnrealizedHedgePnL = %.2f", pnl.UnrealizedHedgePnL)
		}
		if !approx(pnl.Total, -15*65) {
			t.Errorf("Total = %.2f", pnl.Total)
		}
		if !approx(leg.TotalPremium(true), 165) || !approx(leg.TotalPremium(false), 125) {
			t.Errorf("TotalPremium = %.2f / %.2f", leg.TotalPremium(true), leg.TotalPremium(false))
		}
	})

	t.Run("sell hedge", func(t *testing.T) {
		cfg := DefaultLegConfig()
		cfg.Direction = SellProfitSide
		leg := NewLeg(testInstrument(26000, Call), 100, cfg)
		leg.UpdatePremium(125)
		_, _ = leg.OpenHedge(testInstrument(25800, Put), 30, 1, CondHedgeEntered, now)
		h, _ := leg.Hedge()
		if h.Side != Sell || h.SignedQuantity(65) != -65 {
			t.Errorf("Sell hedge side=%s qty=%d", h.Side, h.SignedQuantity(65))
		}
		ev, _ := leg.CloseHedge(20, CloseReversal, now)
		if !approx(ev.PnL, 10*65) {
			t.Errorf("Sell hedge PnL = %.2f, want %.2f", ev.PnL, float64(10*65))
		}
	})

	t.Run("closed leg", func(t *testing.T) {
		leg := newTestLeg(Put)
		realized := leg.Close(90)
		if !approx(realized, 10*65) {
			t.Errorf("Close() = %.2f", realized)
		}
		if leg.State() != LegClosed {
			t.Errorf("State = %s, want closed", leg.State())
		}
		leg.UpdatePremium(200)
		if !approx(leg.PnL().LegPnL, 10*65) {
			t.Error("Closed leg should ignore further premium updates")
		}
	})

	t.Run("paise exact", func(t *testing.T) {
		leg := NewLeg(testInstrument(26000, Call), 150.1, DefaultLegConfig())
		if realized := leg.Close(45.35); realized != 6808.75 {
			t.Errorf("Close() = %v, want exactly 6808.75", realized)
		}
		h := HedgeState{Side: Buy, EntryPremium: 0.1, CurrentPremium: 0.3}
		if got := h.PnLAt(0.3, 65); got != 13 {
			t.Errorf("PnLAt() = %v, want exactly 13", got)
		}
	})
}

func TestLegConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LegConfig)
		wantErr bool
	}{
		{"default", func(*LegConfig) {}, false},
		{"zero lot", func(c *LegConfig) { c.LotSize = 0 }, true},
		{"no triggers", func(c *LegConfig) { c.TriggerPcts = nil }, true},
		{"descending triggers", func(c *LegConfig) { c.TriggerPcts = []float64{40, 20} }, true},
		{"hard stop below trigger", func(c *LegConfig) { c.HardStopPct = 30 }, true},
		{"reversal too large", func(c *LegConfig) { c.ReversalExitPct = 31 }, true},
		{"reversal zero", func(c *LegConfig) { c.ReversalExitPct = 0 }, false},
		{"bad direction", func(c *LegConfig) { c.Direction = "sideways" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLegConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package hedge

import (
	"bytes"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

func inst(strike int, kind models.OptionKind) models.Instrument {
	s := strconv.Itoa(strike) + string(kind)
	return models.Instrument{Symbol: "NIFTY25NOV25" + s, Token: s, Strike: strike, Kind: kind}
}

// testChain builds a snapshot from strike -> premium maps.
func testChain(spot float64, calls, puts map[int]float64) *models.ChainSnapshot {
	snap := models.NewChainSnapshot(spot, time.Now())
	for s, p := range calls {
		snap.Set(models.OptionQuote{Instrument: inst(s, models.Call), Premium: p})
	}
	for s, p := range puts {
		snap.Set(models.OptionQuote{Instrument: inst(s, models.Put), Premium: p})
	}
	return snap
}

func defaultChain() *models.ChainSnapshot {
	return testChain(26120,
		map[int]float64{25900: 260, 25950: 220, 26000: 190, 26050: 120, 26100: 95, 26200: 60, 26300: 40, 26400: 25},
		map[int]float64{25800: 30, 25900: 45, 25950: 60, 26000: 148, 26050: 130, 26100: 160, 26200: 210},
	)
}

func newLegs(cfg models.LegConfig) (ce, pe *models.Leg) {
	ce = models.NewLeg(inst(26000, models.Call), 150, cfg)
	pe = models.NewLeg(inst(26000, models.Put), 148, cfg)
	return ce, pe
}

func newTestEngine(dir models.HedgeDirection) (*Engine, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewEngine(Config{Direction: dir}, log.New(&buf, "", 0)), &buf
}

func TestDecide_EnterReversalScenario(t *testing.T) {
	e, _ := newTestEngine(models.BuyLosingSide)
	ce, pe := newLegs(models.DefaultLegConfig())
	chain := defaultChain()
	now := time.Now()

	ce.UpdatePremium(190)
	d := e.Decide(ce, pe, chain, now)
	require.Equal(t, Enter, d.Action, d.Reason)
	assert.Equal(t, 1, d.Level)
	assert.Equal(t, 26300, d.Instrument.Strike)
	assert.Equal(t, models.Call, d.Instrument.Kind)
	assert.InDelta(t, 42, d.TargetPremium, 1e-9)
	assert.InDelta(t, 40, d.Premium, 1e-9)

	_, err := ce.OpenHedge(d.Instrument, d.Premium, d.Level, models.CondHedgeEntered, now)
	require.NoError(t, err)

	ce.UpdatePremium(170)
	assert.Equal(t, Hold, e.Decide(ce, pe, chain, now).Action, "13.3% is above the reversal line")

	ce.UpdatePremium(160)
	d = e.Decide(ce, pe, chain, now)
	assert.Equal(t, Exit, d.Action)
	assert.Equal(t, 1, d.Level)
	assert.Equal(t, 26300, d.Instrument.Strike)
}

func TestDecide_Upgrade(t *testing.T) {
	e, _ := newTestEngine(models.BuyLosingSide)
	ce, pe := newLegs(models.DefaultLegConfig())
	chain := defaultChain()
	now := time.Now()

	ce.UpdatePremium(190)
	_, err := ce.OpenHedge(inst(26300, models.Call), 40, 1, models.CondHedgeEntered, now)
	require.NoError(t, err)

	ce.UpdatePremium(215)
	d := e.Decide(ce, pe, chain, now)
	require.Equal(t, Upgrade, d.Action, d.Reason)
	assert.Equal(t, 1, d.FromLevel)
	assert.Equal(t, 2, d.Level)
	assert.Equal(t, 26200, d.Instrument.Strike)
	assert.InDelta(t, 67, d.TargetPremium, 1e-9)
}

func TestDecide_UpgradeWithoutCandidateHolds(t *testing.T) {
	e, buf := newTestEngine(models.BuyLosingSide)
	ce, pe := newLegs(models.DefaultLegConfig())
	now := time.Now()

	ce.UpdatePremium(190)
	_, err := ce.OpenHedge(inst(26300, models.Call), 40, 1, models.CondHedgeEntered, now)
	require.NoError(t, err)
	ce.UpdatePremium(215)

	onlyStraddle := testChain(26100, map[int]float64{26000: 215}, map[int]float64{26000: 148})
	d := e.Decide(ce, pe, onlyStraddle, now)
	assert.Equal(t, Hold, d.Action)
	assert.Equal(t, 1, ce.HedgeLevel(), "old hedge must stay active")
	assert.Contains(t, buf.String(), "WARNING")
}

func TestDecide_HoldCases(t *testing.T) {
	e, _ := newTestEngine(models.BuyLosingSide)
	chain := defaultChain()
	now := time.Now()

	t.Run("below trigger", func(t *testing.T) {
		ce, pe := newLegs(models.DefaultLegConfig())
		ce.UpdatePremium(165)
		assert.Equal(t, Hold, e.Decide(ce, pe, chain, now).Action)
	})

	t.Run("hard stop", func(t *testing.T) {
		ce, pe := newLegs(models.DefaultLegConfig())
		_, _ = ce.SkipLevel(1, now)
		_, _ = ce.SkipLevel(2, now)
		ce.UpdatePremium(250)
		d := e.Decide(ce, pe, chain, now)
		assert.Equal(t, Hold, d.Action)
		assert.Equal(t, "hard stop", d.Reason)
	})

	t.Run("no candidate", func(t *testing.T) {
		ce, pe := newLegs(models.DefaultLegConfig())
		ce.UpdatePremium(190)
		d := e.Decide(ce, pe, testChain(26000, map[int]float64{26000: 190}, nil), now)
		assert.Equal(t, Hold, d.Action)
		assert.Contains(t, d.Reason, ErrNoCandidate.Error())
	})
}

func TestCandidates_DirectionalConstraint(t *testing.T) {
	chain := defaultChain()

	t.Run("buy losing call", func(t *testing.T) {
		e, _ := newTestEngine(models.BuyLosingSide)
		ce, _ := newLegs(models.DefaultLegConfig())
		got := e.Candidates(ce, chain)
		require.NotEmpty(t, got)
		for _, s := range got {
			assert.Greater(t, s, 26000)
		}
	})

	t.Run("buy losing put", func(t *testing.T) {
		e, _ := newTestEngine(models.BuyLosingSide)
		_, pe := newLegs(models.DefaultLegConfig())
		got := e.Candidates(pe, chain)
		require.NotEmpty(t, got)
		for _, s := range got {
			assert.Less(t, s, 26000)
		}
	})

	t.Run("sell losing call stays at or below spot", func(t *testing.T) {
		e, _ := newTestEngine(models.SellProfitSide)
		ce, _ := newLegs(models.DefaultLegConfig())
		got := e.Candidates(ce, chain)
		assert.Equal(t, []int{25800, 25900, 25950, 26050, 26100}, got)
	})

	t.Run("sell losing put stays at or above spot", func(t *testing.T) {
		e, _ := newTestEngine(models.SellProfitSide)
		_, pe := newLegs(models.DefaultLegConfig())
		got := e.Candidates(pe, chain)
		assert.Equal(t, []int{26200, 26300, 26400}, got)
	})
}

func TestSelectInstrument_SellDirection(t *testing.T) {
	e, _ := newTestEngine(models.SellProfitSide)
	cfg := models.DefaultLegConfig()
	cfg.Direction = models.SellProfitSide
	ce, pe := newLegs(cfg)
	ce.UpdatePremium(190)

	q, target, err := e.SelectInstrument(ce, pe, defaultChain())
	require.NoError(t, err)
	assert.InDelta(t, 42, target, 1e-9)
	assert.Equal(t, models.Put, q.Instrument.Kind)
	assert.Equal(t, 25900, q.Instrument.Strike)
}

func TestSelectInstrument_Fallback(t *testing.T) {
	e, buf := newTestEngine(models.BuyLosingSide)
	ce, pe := newLegs(models.DefaultLegConfig())
	ce.UpdatePremium(190)

	chain := testChain(26000, map[int]float64{25900: 250, 25950: 45, 26000: 190}, map[int]float64{26000: 148})
	q, _, err := e.SelectInstrument(ce, pe, chain)
	require.NoError(t, err)
	assert.Equal(t, 25950, q.Instrument.Strike)
	assert.Contains(t, buf.String(), "direction constraint")
}

func TestSelectInstrument_TargetIncludesHedge(t *testing.T) {
	e := NewEngine(Config{Direction: models.BuyLosingSide, IncludeHedgeInTarget: true}, log.New(&bytes.Buffer{}, "", 0))
	ce, pe := newLegs(models.DefaultLegConfig())
	ce.UpdatePremium(190)
	_, err := ce.OpenHedge(inst(26300, models.Call), 40, 1, models.CondHedgeEntered, time.Now())
	require.NoError(t, err)

	assert.InDelta(t, 82, e.TargetPremium(ce, pe), 1e-9)
}

func TestDecideLevel_ForcedEntry(t *testing.T) {
	e, _ := newTestEngine(models.BuyLosingSide)
	ce, pe := newLegs(models.DefaultLegConfig())
	chain := defaultChain()

	d := e.DecideLevel(pe, ce, chain, 1)
	require.Equal(t, Enter, d.Action, d.Reason)
	assert.Less(t, d.Instrument.Strike, 26000)

	d = e.DecideLevel(pe, ce, chain, 2)
	assert.Equal(t, Hold, d.Action, "level 2 requires level 1 first")
}

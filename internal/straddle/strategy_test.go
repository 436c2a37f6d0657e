package straddle

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

func chain(spot float64, quotes map[int][2]float64) *models.ChainSnapshot {
	snap := models.NewChainSnapshot(spot, time.Now())
	for strike, p := range quotes {
		for i, k := range []models.OptionKind{models.Call, models.Put} {
			if p[i] <= 0 {
				continue
			}
			sym := fmt.Sprintf("NIFTY25NOV25%d%s", strike, k)
			snap.Set(models.OptionQuote{
				Instrument: models.Instrument{Symbol: sym, Token: sym, Strike: strike, Kind: k},
				Premium:    p[i],
			})
		}
	}
	return snap
}

func testPosition(t *testing.T, ce, pe float64) *models.StraddlePosition {
	t.Helper()
	cfg := models.DefaultLegConfig()
	call := models.NewLeg(models.Instrument{Symbol: "CE", Token: "CE", Strike: 26000, Kind: models.Call}, 150, cfg)
	put := models.NewLeg(models.Instrument{Symbol: "PE", Token: "PE", Strike: 26000, Kind: models.Put}, 150, cfg)
	call.UpdatePremium(ce)
	put.UpdatePremium(pe)
	pos, err := models.NewStraddlePosition("s1", 26000, 26000, call, put, time.Now())
	require.NoError(t, err)
	return pos
}

func TestScanBestStrike(t *testing.T) {
	snap := chain(26010, map[int][2]float64{
		25950: {180, 130},
		26000: {150, 148},
		26050: {120, 175},
		26100: {95, 0},
	})
	c, err := ScanBestStrike(snap)
	require.NoError(t, err)
	assert.Equal(t, 26000, c.Strike)
	assert.Equal(t, 2.0, c.Diff())
}

func TestScanBestStrike_TieKeepsLowerStrike(t *testing.T) {
	snap := chain(26025, map[int][2]float64{
		26000: {140, 130},
		26050: {120, 130},
	})
	c, err := ScanBestStrike(snap)
	require.NoError(t, err)
	assert.Equal(t, 26000, c.Strike)
}

func TestScanBestStrike_NothingPriced(t *testing.T) {
	_, err := ScanBestStrike(chain(26000, map[int][2]float64{26000: {150, 0}}))
	assert.Error(t, err)
}

func TestValidateEntryPremiums(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name    string
		ce, pe  float64
		spot    float64
		wantErr bool
	}{
		{"balanced", 150, 148, 26000, false},
		{"at ratio floor", 150, 45, 26000, false},
		{"below ratio floor", 150, 44, 26000, true},
		{"too cheap", 4.5, 6, 26000, true},
		{"too rich for spot", 2700, 2650, 26000, true},
		{"unknown spot skips the cap", 2700, 2650, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cfg.ValidateEntryPremiums(tt.ce, tt.pe, tt.spot)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPremiums)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckExitConditions(t *testing.T) {
	cfg := DefaultConfig()

	r, _ := cfg.CheckExitConditions(nil)
	assert.Equal(t, ExitNone, r)

	r, _ = cfg.CheckExitConditions(testPosition(t, 170, 130))
	assert.Equal(t, ExitNone, r)

	r, why := cfg.CheckExitConditions(testPosition(t, 300, 99))
	assert.Equal(t, ExitPremiumDivergence, r)
	assert.Contains(t, why, "0.33")

	// the hard stop applies only once the ladder is exhausted
	pos := testPosition(t, 240, 150)
	r, _ = cfg.CheckExitConditions(pos)
	assert.Equal(t, ExitNone, r)
	for _, lvl := range []int{1, 2} {
		_, err := pos.PE.SkipLevel(lvl, time.Now())
		require.NoError(t, err)
	}
	pos.PE.UpdatePremium(225)
	r, _ = cfg.CheckExitConditions(pos)
	assert.Equal(t, ExitNone, r, "PE loss below the stop")

	pos.PE.UpdatePremium(240)
	pos.CE.UpdatePremium(235)
	r, _ = cfg.CheckExitConditions(pos)
	assert.Equal(t, ExitHardStopPE, r)
}

func TestConfigNormalize(t *testing.T) {
	c := Config{}.normalize()
	d := DefaultConfig()
	assert.Equal(t, d.Leg.TriggerPcts, c.Leg.TriggerPcts)
	assert.Equal(t, d.FillWait, c.FillWait)
	assert.Equal(t, 3, c.CriticalAttempts)
	assert.Equal(t, "straddle", c.TagPrefix)
}

func TestScanStrikes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScanWindow = 2

	strikes := cfg.ScanStrikes(26012.4, 26100, 26300)
	assert.Equal(t, []int{25900, 25950, 26000, 26050, 26100, 26300}, strikes)

	cfg.ScanWindow = 1
	assert.Equal(t, []int{26000, 26050, 26100}, cfg.ScanStrikes(26040))
}

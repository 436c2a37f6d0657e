// Package straddle runs the short straddle: entry, per-tick hedging and exit.
package straddle

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/util"
)

// Orchestrator errors
var (
	ErrNotActive        = errors.New("no active straddle")
	ErrAlreadyActive    = errors.New("straddle already active")
	ErrHalted           = errors.New("automated entry halted")
	ErrInvalidPremiums  = errors.New("entry premiums out of bounds")
	ErrHedgeUnavailable = errors.New("hedge unavailable")
)

// ExitReason explains why a straddle was closed.
type ExitReason string

const (
	ExitNone              ExitReason = ""
	ExitPremiumDivergence ExitReason = "premium_ratio"
	ExitHardStopCE        ExitReason = "hard_stop_ce"
	ExitHardStopPE        ExitReason = "hard_stop_pe"
	ExitSquareOff         ExitReason = "square_off"
	ExitEmergency         ExitReason = "emergency_stop"
	ExitManual            ExitReason = "manual"
	ExitExternal          ExitReason = "closed_externally"
)

// Config holds the strategy parameters.
type Config struct {
	Leg               models.LegConfig
	OrderType         broker.OrderType
	LimitSlippage     float64 // LIMIT orders cross the quote by this fraction
	TagPrefix         string
	StrikeInterval    int
	ScanWindow        int     // strikes either side of ATM
	ForceExitRatio    float64 // exit when min/max leg premium falls to this
	MinEntryRatio     float64
	MinPremium        float64
	MaxPremiumSpotPct float64 // max leg premium as a fraction of spot
	FillWait          time.Duration
	CriticalFillWait  time.Duration
	CriticalAttempts  int
	RetryBackoff      time.Duration
}

// DefaultConfig returns the standard NIFTY weekly parameters.
func DefaultConfig() Config {
	return Config{
		Leg:               models.DefaultLegConfig(),
		OrderType:         broker.Market,
		LimitSlippage:     0.02,
		TagPrefix:         "straddle",
		StrikeInterval:    50,
		ScanWindow:        10,
		ForceExitRatio:    0.33,
		MinEntryRatio:     0.30,
		MinPremium:        5,
		MaxPremiumSpotPct: 0.10,
		FillWait:          30 * time.Second,
		CriticalFillWait:  60 * time.Second,
		CriticalAttempts:  3,
		RetryBackoff:      2 * time.Second,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if len(c.Leg.TriggerPcts) == 0 {
		c.Leg = d.Leg
	}
	if c.OrderType == "" {
		c.OrderType = d.OrderType
	}
	if c.LimitSlippage <= 0 || c.LimitSlippage >= 1 {
		c.LimitSlippage = d.LimitSlippage
	}
	if c.TagPrefix == "" {
		c.TagPrefix = d.TagPrefix
	}
	if c.StrikeInterval <= 0 {
		c.StrikeInterval = d.StrikeInterval
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = d.ScanWindow
	}
	if c.FillWait <= 0 {
		c.FillWait = d.FillWait
	}
	if c.CriticalFillWait <= 0 {
		c.CriticalFillWait = d.CriticalFillWait
	}
	if c.CriticalAttempts <= 0 {
		c.CriticalAttempts = d.CriticalAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

// ScanStrikes lists the strikes within ScanWindow intervals of the ATM strike for spot,
// followed by any extra strikes outside that range.
func (c Config) ScanStrikes(spot float64, extra ...int) []int {
	c = c.normalize()
	atm := util.ATMStrike(spot, c.StrikeInterval)
	seen := make(map[int]bool, 2*c.ScanWindow+1+len(extra))
	strikes := make([]int, 0, 2*c.ScanWindow+1+len(extra))
	for i := -c.ScanWindow; i <= c.ScanWindow; i++ {
		s := atm + i*c.StrikeInterval
		if s > 0 && !seen[s] {
			seen[s] = true
			strikes = append(strikes, s)
		}
	}
	for _, s := range extra {
		if s > 0 && !seen[s] {
			seen[s] = true
			strikes = append(strikes, s)
		}
	}
	return strikes
}

// Candidate is a strike with both sides priced.
type Candidate struct {
	Strike int
	Call   models.OptionQuote
	Put    models.OptionQuote
}

// Diff is the absolute call/put premium gap.
func (c Candidate) Diff() float64 {
	return math.Abs(c.Call.Premium - c.Put.Premium)
}

// ScanBestStrike picks the strike whose call and put premiums are closest.
// Strikes are scanned in ascending order; the first of equal gaps wins.
func ScanBestStrike(snap *models.ChainSnapshot) (Candidate, error) {
	var best Candidate
	bestDiff := math.Inf(1)
	scanned := 0
	for _, s := range snap.SortedStrikes() {
		c, ok := candidateAt(snap, s)
		if !ok {
			continue
		}
		scanned++
		if d := c.Diff(); d < bestDiff {
			best, bestDiff = c, d
		}
	}
	if scanned == 0 {
		return Candidate{}, errors.New("no strike with both premiums priced")
	}
	return best, nil
}

func candidateAt(snap *models.ChainSnapshot, strike int) (Candidate, bool) {
	ce, okCE := snap.Quote(strike, models.Call)
	pe, okPE := snap.Quote(strike, models.Put)
	if !okCE || !okPE {
		return Candidate{}, false
	}
	return Candidate{Strike: strike, Call: ce, Put: pe}, true
}

// ValidateEntryPremiums rejects premiums that are too rich for spot, too cheap, or too imbalanced.
func (c Config) ValidateEntryPremiums(ce, pe, spot float64) error {
	if maxPrem := spot * c.MaxPremiumSpotPct; spot > 0 && c.MaxPremiumSpotPct > 0 && (ce > maxPrem || pe > maxPrem) {
		return fmt.Errorf("%w: premium above %.2f (%.0f%% of spot %.2f): CE %.2f PE %.2f",
			ErrInvalidPremiums, maxPrem, c.MaxPremiumSpotPct*100, spot, ce, pe)
	}
	if ce < c.MinPremium || pe < c.MinPremium {
		return fmt.Errorf("%w: premium below %.2f: CE %.2f PE %.2f", ErrInvalidPremiums, c.MinPremium, ce, pe)
	}
	if ratio := math.Min(ce, pe) / math.Max(ce, pe); ratio < c.MinEntryRatio {
		return fmt.Errorf("%w: CE/PE ratio %.2f below %.2f", ErrInvalidPremiums, ratio, c.MinEntryRatio)
	}
	return nil
}

// CheckExitConditions returns the reason the straddle must be closed this tick, if any.
func (c Config) CheckExitConditions(pos *models.StraddlePosition) (ExitReason, string) {
	if pos == nil || !pos.Active {
		return ExitNone, "no position"
	}
	if ratio := pos.PremiumRatio(); ratio <= c.ForceExitRatio {
		return ExitPremiumDivergence, fmt.Sprintf("premium ratio %.2f <= %.2f (CE %.2f PE %.2f)",
			ratio, c.ForceExitRatio, pos.CE.CurrentPremium(), pos.PE.CurrentPremium())
	}
	if pos.CE.HardStopTriggered() {
		return ExitHardStopCE, fmt.Sprintf("CE loss %.1f%% >= hard stop %.1f%%", pos.CE.LossPct(), c.Leg.HardStopPct)
	}
	if pos.PE.HardStopTriggered() {
		return ExitHardStopPE, fmt.Sprintf("PE loss %.1f%% >= hard stop %.1f%%", pos.PE.LossPct(), c.Leg.HardStopPct)
	}
	return ExitNone, "no exit conditions met"
}

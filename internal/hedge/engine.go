// Package hedge decides when a losing straddle leg is hedged and which contract protects it.
// It performs no I/O; the caller executes the returned decision.
package hedge

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

// ErrNoCandidate is returned when no strike can serve as a hedge.
var ErrNoCandidate = errors.New("no hedge candidate")

// Action is the outcome of one decision.
type Action string

const (
	Hold    Action = "hold"
	Enter   Action = "enter"
	Upgrade Action = "upgrade"
	Exit    Action = "exit"
)

// Decision describes what the orchestrator should do with a leg's hedge.
type Decision struct {
	Action        Action            `json:"action"`
	Reason        string            `json:"reason,omitempty"`
	Leg           models.OptionKind `json:"leg"`
	Instrument    models.Instrument `json:"instrument"`
	Level         int               `json:"level,omitempty"`
	FromLevel     int               `json:"from_level,omitempty"`
	Premium       float64           `json:"premium,omitempty"`
	TargetPremium float64           `json:"target_premium,omitempty"`
}

// Config parameterizes the engine.
type Config struct {
	Direction models.HedgeDirection
	// IncludeHedgeInTarget adds each side's active hedge premium when computing the premium gap.
	IncludeHedgeInTarget bool
}

// Engine evaluates hedge decisions.
type Engine struct {
	logger *log.Logger
	cfg    Config
}

// NewEngine creates an engine.
func NewEngine(cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "hedge: ", log.LstdFlags)
	}
	if !cfg.Direction.Valid() {
		cfg.Direction = models.BuyLosingSide
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Direction returns the configured hedge direction.
func (e *Engine) Direction() models.HedgeDirection {
	return e.cfg.Direction
}

// Decide evaluates the losing leg against its counterpart.
// Upgrade is checked before reversal, and both only apply to an active hedge.
func (e *Engine) Decide(losing, profit *models.Leg, snap *models.ChainSnapshot, now time.Time) Decision {
	hold := Decision{Action: Hold, Leg: losing.Kind()}

	if losing.Closed() || profit.Closed() {
		hold.Reason = "leg closed"
		return hold
	}
	if losing.HardStopTriggered() {
		hold.Reason = "hard stop"
		return hold
	}

	if h, ok := losing.Hedge(); ok {
		if to, ok := losing.UpgradeLevel(); ok {
			q, target, err := e.SelectInstrument(losing, profit, snap)
			if err != nil {
				e.logger.Printf("WARNING: %s upgrade L%d->L%d held at %.1f%% loss: %v",
					losing.Kind(), h.Level, to, losing.LossPct(), err)
				hold.Reason = fmt.Sprintf("upgrade to L%d: %v", to, err)
				return hold
			}
			return Decision{
				Action:        Upgrade,
				Reason:        fmt.Sprintf("loss %.1f%% >= L%d trigger %.1f%%", losing.LossPct(), to, losing.ThresholdPct(to)),
				Leg:           losing.Kind(),
				Instrument:    q.Instrument,
				Level:         to,
				FromLevel:     h.Level,
				Premium:       q.Premium,
				TargetPremium: target,
			}
		}
		if losing.ReversalDue() {
			return Decision{
				Action:     Exit,
				Reason:     fmt.Sprintf("loss %.1f%% retraced below L%d exit", losing.LossPct(), h.Level),
				Leg:        losing.Kind(),
				Instrument: h.Instrument,
				Level:      h.Level,
			}
		}
		hold.Reason = fmt.Sprintf("holding L%d hedge", h.Level)
		return hold
	}

	level, ok := losing.EntryLevel(now)
	if !ok {
		return hold
	}
	d := e.DecideLevel(losing, profit, snap, level)
	if d.Action == Enter {
		d.Reason = fmt.Sprintf("loss %.1f%% >= L%d trigger %.1f%%", losing.LossPct(), level, losing.ThresholdPct(level))
	}
	return d
}

// DecideLevel builds an entry decision for a specific level regardless of the current loss.
func (e *Engine) DecideLevel(losing, profit *models.Leg, snap *models.ChainSnapshot, level int) Decision {
	hold := Decision{Action: Hold, Leg: losing.Kind(), Level: level}
	if err := losing.CanOpen(level); err != nil {
		hold.Reason = err.Error()
		return hold
	}
	q, target, err := e.SelectInstrument(losing, profit, snap)
	if err != nil {
		e.logger.Printf("WARNING: %s L%d entry held at %.1f%% loss: %v", losing.Kind(), level, losing.LossPct(), err)
		hold.Reason = err.Error()
		return hold
	}
	return Decision{
		Action:        Enter,
		Leg:           losing.Kind(),
		Instrument:    q.Instrument,
		Level:         level,
		Premium:       q.Premium,
		TargetPremium: target,
	}
}

// TargetPremium is the premium gap between the two sides.
func (e *Engine) TargetPremium(losing, profit *models.Leg) float64 {
	return math.Abs(losing.TotalPremium(e.cfg.IncludeHedgeInTarget) - profit.TotalPremium(e.cfg.IncludeHedgeInTarget))
}

// SelectInstrument picks the quote whose premium is closest to the premium gap.
// Directionally valid strikes are preferred; otherwise any strike except the straddle strike is used.
func (e *Engine) SelectInstrument(losing, profit *models.Leg, snap *models.ChainSnapshot) (models.OptionQuote, float64, error) {
	target := e.TargetPremium(losing, profit)
	kind := e.cfg.Direction.HedgeKind(losing.Kind())

	if q, ok := closest(snap, kind, target, e.Candidates(losing, snap)); ok {
		return q, target, nil
	}

	straddle := losing.Instrument().Strike
	var fallback []int
	for _, s := range snap.SortedStrikes() {
		if s != straddle {
			fallback = append(fallback, s)
		}
	}
	if q, ok := closest(snap, kind, target, fallback); ok {
		e.logger.Printf("WARNING: no %s strike satisfies the direction constraint, using %s", kind, q.Instrument)
		return q, target, nil
	}
	return models.OptionQuote{}, target, fmt.Errorf("%w: %s kind %s target %.2f", ErrNoCandidate, losing.Kind(), kind, target)
}

// Candidates returns the strikes allowed by the direction constraint, ascending.
func (e *Engine) Candidates(losing *models.Leg, snap *models.ChainSnapshot) []int {
	straddle := losing.Instrument().Strike
	ref := float64(straddle)
	if snap != nil && snap.Spot > 0 {
		ref = snap.Spot
	}

	var out []int
	for _, s := range snap.SortedStrikes() {
		if allowed(e.cfg.Direction, losing.Kind(), s, straddle, ref) {
			out = append(out, s)
		}
	}
	return out
}

// allowed applies the direction constraint to one strike.
// Buying hedges the losing side beyond the straddle strike; selling stays on the profit side of spot.
func allowed(dir models.HedgeDirection, losing models.OptionKind, strike, straddle int, spot float64) bool {
	if dir == models.SellProfitSide {
		if strike == straddle {
			return false
		}
		if losing == models.Call {
			return float64(strike) <= spot
		}
		return float64(strike) >= spot
	}
	if losing == models.Call {
		return strike > straddle
	}
	return strike < straddle
}

func closest(snap *models.ChainSnapshot, kind models.OptionKind, target float64, strikes []int) (models.OptionQuote, bool) {
	var best models.OptionQuote
	bestDiff := math.Inf(1)
	found := false
	for _, s := range strikes {
		q, ok := snap.Quote(s, kind)
		if !ok {
			continue
		}
		if d := math.Abs(q.Premium - target); d < bestDiff {
			best, bestDiff, found = q, d, true
		}
	}
	return best, found
}

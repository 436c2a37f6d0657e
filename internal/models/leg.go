package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/util"
)

// Leg errors
var (
	ErrInvalidTransition = errors.New("invalid level transition")
	ErrHedgeActive       = errors.New("hedge already active")
	ErrNoHedge           = errors.New("no active hedge")
	ErrLevelUnavailable  = errors.New("hedge level unavailable")
	ErrLegClosed         = errors.New("leg closed")
)

// LegState summarizes a leg for decisions and display
type LegState string

const (
	LegNoHedge  LegState = "no_hedge"
	LegHedged   LegState = "hedged"
	LegHardStop LegState = "hard_stop"
	LegClosed   LegState = "closed"
)

// CloseReason explains why a hedge was closed
type CloseReason string

const (
	CloseReversal       CloseReason = "reversal"
	CloseForced         CloseReason = "forced"
	CloseUpgradeAborted CloseReason = "upgrade_aborted"
	CloseStraddleExit   CloseReason = "straddle_exit"
)

// HedgeEventKind classifies hedge lifecycle events
type HedgeEventKind string

const (
	EventHedgeEntered   HedgeEventKind = "hedge_entered"
	EventHedgeClosed    HedgeEventKind = "hedge_closed"
	EventManualAddition HedgeEventKind = "manual_addition"
	EventManualExit     HedgeEventKind = "manual_exit"
	EventLevelSkipped   HedgeEventKind = "level_skipped"
)

// HedgeEvent is a fact emitted by a hedge transition
type HedgeEvent struct {
	At         time.Time      `json:"at"`
	Kind       HedgeEventKind `json:"kind"`
	Reason     string         `json:"reason,omitempty"`
	Leg        OptionKind     `json:"leg"`
	Instrument Instrument     `json:"instrument"`
	Level      int            `json:"level"`
	Price      float64        `json:"price"`
	PnL        float64        `json:"pnl"`
	LossPct    float64        `json:"loss_pct"`
}

// LegConfig holds the hedge ladder applied to each leg
type LegConfig struct {
	Direction          HedgeDirection
	TriggerPcts        []float64
	LotSize            int
	HardStopPct        float64
	ReversalExitPct    float64
	ManualExitCooldown time.Duration
}

// DefaultLegConfig returns the standard two-level ladder
func DefaultLegConfig() LegConfig {
	return LegConfig{
		Direction:          BuyLosingSide,
		TriggerPcts:        []float64{20, 40},
		LotSize:            65,
		HardStopPct:        60,
		ReversalExitPct:    10,
		ManualExitCooldown: time.Minute,
	}
}

// MaxLevel is the highest hedge level
func (c LegConfig) MaxLevel() int {
	return len(c.TriggerPcts)
}

// Validate checks the ladder is usable
func (c LegConfig) Validate() error {
	if c.LotSize <= 0 {
		return fmt.Errorf("lot size must be positive, got %d", c.LotSize)
	}
	if len(c.TriggerPcts) == 0 {
		return fmt.Errorf("at least one hedge trigger is required")
	}
	prev := 0.0
	for i, pct := range c.TriggerPcts {
		if pct <= prev {
			return fmt.Errorf("hedge trigger %d (%.1f%%) must be positive and above the previous trigger", i+1, pct)
		}
		prev = pct
	}
	if c.HardStopPct <= prev {
		return fmt.Errorf("hard stop %.1f%% must be above the last hedge trigger %.1f%%", c.HardStopPct, prev)
	}
	if c.ReversalExitPct < 0 || c.ReversalExitPct > 30 {
		return fmt.Errorf("reversal exit must be between 0 and 30, got %.1f", c.ReversalExitPct)
	}
	if !c.Direction.Valid() {
		return fmt.Errorf("unknown hedge direction %q", c.Direction)
	}
	return nil
}

// HedgeState is the active hedge attached to a leg
type HedgeState struct {
	EnteredAt      time.Time  `json:"entered_at"`
	Side           Side       `json:"side"`
	Instrument     Instrument `json:"instrument"`
	Level          int        `json:"level"`
	EntryPremium   float64    `json:"entry_premium"`
	CurrentPremium float64    `json:"current_premium"`
	Manual         bool       `json:"manual"`
}

// PnLAt returns the hedge P&L if closed at price
func (h HedgeState) PnLAt(price float64, lotSize int) float64 {
	if h.Side == Sell {
		return util.PnL(h.EntryPremium, price, lotSize).InexactFloat64()
	}
	return util.PnL(price, h.EntryPremium, lotSize).InexactFloat64()
}

// SignedQuantity is the venue net quantity this hedge represents
func (h HedgeState) SignedQuantity(lotSize int) int {
	return h.Side.Sign() * lotSize
}

// PnLBreakdown splits leg P&L into its components
type PnLBreakdown struct {
	LegPnL             float64 `json:"leg_pnl"`
	RealizedHedgePnL   float64 `json:"realized_hedge_pnl"`
	UnrealizedHedgePnL float64 `json:"unrealized_hedge_pnl"`
	Total              float64 `json:"total"`
}

// Leg is one short side of the straddle and its hedge ladder
type Leg struct {
	manualExitAt     time.Time
	hedge            *HedgeState
	instrument       Instrument
	levels           []*LevelTrigger
	cfg              LegConfig
	entryPremium     float64
	currentPremium   float64
	nextTriggerPct   float64
	realizedHedgePnL float64
	realizedLegPnL   float64
	closed           bool
}

// NewLeg creates a leg sold at entryPremium
func NewLeg(inst Instrument, entryPremium float64, cfg LegConfig) *Leg {
	cfg.TriggerPcts = append([]float64(nil), cfg.TriggerPcts...)
	levels := make([]*LevelTrigger, len(cfg.TriggerPcts))
	for i, pct := range cfg.TriggerPcts {
		levels[i] = NewLevelTrigger(i+1, pct)
	}
	next := cfg.HardStopPct
	if len(cfg.TriggerPcts) > 0 {
		next = cfg.TriggerPcts[0]
	}
	return &Leg{
		instrument:     inst,
		entryPremium:   entryPremium,
		currentPremium: entryPremium,
		levels:         levels,
		cfg:            cfg,
		nextTriggerPct: next,
	}
}

// Accessors
func (l *Leg) Kind() OptionKind          { return l.instrument.Kind }
func (l *Leg) Instrument() Instrument    { return l.instrument }
func (l *Leg) EntryPremium() float64     { return l.entryPremium }
func (l *Leg) CurrentPremium() float64   { return l.currentPremium }
func (l *Leg) LotSize() int              { return l.cfg.LotSize }
func (l *Leg) Config() LegConfig         { return l.cfg }
func (l *Leg) NextTriggerPct() float64   { return l.nextTriggerPct }
func (l *Leg) RealizedHedgePnL() float64 { return l.realizedHedgePnL }
func (l *Leg) Closed() bool              { return l.closed }
func (l *Leg) ManualExitAt() time.Time   { return l.manualExitAt }

// UpdatePremium records the latest leg premium; non-positive prices are ignored
func (l *Leg) UpdatePremium(p float64) {
	if p > 0 && !l.closed {
		l.currentPremium = p
	}
}

// UpdateHedgePremium records the latest hedge premium
func (l *Leg) UpdateHedgePremium(p float64) {
	if p > 0 && l.hedge != nil {
		l.hedge.CurrentPremium = p
	}
}

// LossPct is the adverse move of the short leg as a percentage of entry
func (l *Leg) LossPct() float64 {
	if l.entryPremium <= 0 {
		return 0
	}
	return (l.currentPremium - l.entryPremium) / l.entryPremium * 100
}

// Hedge returns a copy of the active hedge
func (l *Leg) Hedge() (HedgeState, bool) {
	if l.hedge == nil {
		return HedgeState{}, false
	}
	return *l.hedge, true
}

// HedgeLevel returns the active hedge level, or 0
func (l *Leg) HedgeLevel() int {
	if l.hedge == nil {
		return 0
	}
	return l.hedge.Level
}

// LevelState returns the trigger state of level n
func (l *Leg) LevelState(n int) (LevelState, bool) {
	t := l.level(n)
	if t == nil {
		return "", false
	}
	return t.State(), true
}

// CompletedLevels lists retired levels in ascending order
func (l *Leg) CompletedLevels() []int {
	var out []int
	for _, t := range l.levels {
		if t.Completed() {
			out = append(out, t.Level)
		}
	}
	return out
}

// ThresholdPct returns the loss threshold of level n
func (l *Leg) ThresholdPct(n int) float64 {
	if t := l.level(n); t != nil {
		return t.ThresholdPct
	}
	return l.cfg.HardStopPct
}

// State summarizes the leg
func (l *Leg) State() LegState {
	switch {
	case l.closed:
		return LegClosed
	case l.HardStopTriggered():
		return LegHardStop
	case l.hedge != nil:
		return LegHedged
	default:
		return LegNoHedge
	}
}

// InCooldown reports whether a recent manual or forced exit blocks automatic entry
func (l *Leg) InCooldown(now time.Time) bool {
	return !l.manualExitAt.IsZero() && now.Sub(l.manualExitAt) < l.cfg.ManualExitCooldown
}

// HardStopTriggered reports whether loss reached the hard stop after the ladder was exhausted
func (l *Leg) HardStopTriggered() bool {
	return !l.closed && l.nextTriggerPct == l.cfg.HardStopPct && l.LossPct() >= l.cfg.HardStopPct
}

// EntryLevel returns the level that should open a hedge now, if any
func (l *Leg) EntryLevel(now time.Time) (int, bool) {
	if l.closed || l.hedge != nil || l.InCooldown(now) {
		return 0, false
	}
	level := l.levelForThreshold(l.nextTriggerPct)
	if level == 0 || l.LossPct() < l.nextTriggerPct {
		return 0, false
	}
	if err := l.canOpen(level); err != nil {
		return 0, false
	}
	return level, true
}

// UpgradeLevel returns the level the active hedge should be upgraded to, if any
func (l *Leg) UpgradeLevel() (int, bool) {
	if l.closed || l.hedge == nil {
		return 0, false
	}
	to := l.hedge.Level + 1
	t := l.level(to)
	if t == nil || !t.Armed() || l.LossPct() < t.ThresholdPct {
		return 0, false
	}
	return to, true
}

// ReversalDue reports whether loss retraced far enough to close the active hedge
func (l *Leg) ReversalDue() bool {
	if l.closed || l.hedge == nil {
		return false
	}
	return l.LossPct() <= l.ThresholdPct(l.hedge.Level)-l.cfg.ReversalExitPct
}

// NextOpenLevel returns the lowest level that can still fire, or 0
func (l *Leg) NextOpenLevel() int {
	for _, t := range l.levels {
		if t.Armed() {
			return t.Level
		}
	}
	return 0
}

// CanOpen reports whether a hedge could be opened at level now
func (l *Leg) CanOpen(level int) error {
	if l.closed {
		return ErrLegClosed
	}
	if l.hedge != nil {
		return ErrHedgeActive
	}
	return l.canOpen(level)
}

// OpenHedge fires level and attaches a hedge bought or sold at premium
func (l *Leg) OpenHedge(inst Instrument, premium float64, level int, condition string, now time.Time) (HedgeEvent, error) {
	if err := l.CanOpen(level); err != nil {
		return HedgeEvent{}, err
	}
	if err := l.level(level).Transition(LevelFired, condition, now); err != nil {
		return HedgeEvent{}, err
	}
	l.attach(inst, premium, level, now, false)
	return l.event(EventHedgeEntered, level, inst, premium, 0, condition, now), nil
}

// UpgradeHedge closes the active hedge at exitPremium and opens the next level in one step.
// The outgoing level stays fired.
func (l *Leg) UpgradeHedge(exitPremium float64, inst Instrument, premium float64, now time.Time) (closed, opened HedgeEvent, err error) {
	if l.closed {
		return closed, opened, ErrLegClosed
	}
	if l.hedge == nil {
		return closed, opened, ErrNoHedge
	}
	from := l.hedge.Level
	to := from + 1
	t := l.level(to)
	if t == nil {
		return closed, opened, fmt.Errorf("%w: no level above %d", ErrLevelUnavailable, from)
	}
	if err := t.IsValidTransition(LevelFired, CondHedgeEntered); err != nil {
		return closed, opened, err
	}

	old := *l.hedge
	pnl := old.PnLAt(exitPremium, l.cfg.LotSize)
	l.realizedHedgePnL += pnl
	closed = l.event(EventHedgeClosed, from, old.Instrument, exitPremium, pnl, "upgrade", now)

	l.hedge = nil
	_ = t.Transition(LevelFired, CondHedgeEntered, now)
	l.attach(inst, premium, to, now, false)
	opened = l.event(EventHedgeEntered, to, inst, premium, 0, "upgrade", now)
	return closed, opened, nil
}

// CloseHedge closes the active hedge at exitPremium and applies reason to the ladder
func (l *Leg) CloseHedge(exitPremium float64, reason CloseReason, now time.Time) (HedgeEvent, error) {
	if l.hedge == nil {
		return HedgeEvent{}, ErrNoHedge
	}
	level := l.hedge.Level
	t := l.level(level)

	var cond string
	switch reason {
	case CloseReversal:
		cond = CondReversalExit
	case CloseForced:
		cond = CondForcedExit
	}
	if cond != "" && t != nil {
		if err := t.IsValidTransition(LevelArmed, cond); err != nil {
			return HedgeEvent{}, err
		}
	}

	h := *l.hedge
	pnl := h.PnLAt(exitPremium, l.cfg.LotSize)
	l.realizedHedgePnL += pnl
	l.hedge = nil

	switch reason {
	case CloseReversal, CloseForced:
		if t != nil {
			_ = t.Transition(LevelArmed, cond, now)
		}
		l.nextTriggerPct = l.ThresholdPct(level)
		if reason == CloseForced {
			l.manualExitAt = now
		}
	case CloseUpgradeAborted:
		l.nextTriggerPct = l.nextThresholdFrom(level + 1)
	}
	return l.event(EventHedgeClosed, level, h.Instrument, exitPremium, pnl, string(reason), now), nil
}

// SyncManualHedgeAddition adopts a hedge opened outside the bot.
// The level is the armed level whose threshold is nearest to the current loss.
func (l *Leg) SyncManualHedgeAddition(inst Instrument, premium float64, now time.Time) (HedgeEvent, error) {
	if l.closed {
		return HedgeEvent{}, ErrLegClosed
	}
	if l.hedge != nil {
		return HedgeEvent{}, ErrHedgeActive
	}
	level := l.nearestArmedLevel(math.Abs(l.LossPct()))
	if level == 0 {
		return HedgeEvent{}, fmt.Errorf("%w: every level has fired or completed", ErrLevelUnavailable)
	}
	if err := l.level(level).Transition(LevelFired, CondManualAdded, now); err != nil {
		return HedgeEvent{}, err
	}
	l.attach(inst, premium, level, now, true)
	return l.event(EventManualAddition, level, inst, premium, 0, CondManualAdded, now), nil
}

// SyncManualHedgeExit records a hedge closed outside the bot at the last known price.
// The level is retired and automatic entry pauses for the cooldown.
func (l *Leg) SyncManualHedgeExit(lastPrice float64, now time.Time) (HedgeEvent, error) {
	if l.hedge == nil {
		return HedgeEvent{}, ErrNoHedge
	}
	h := *l.hedge
	price := lastPrice
	if price <= 0 {
		price = h.CurrentPremium
	}
	pnl := h.PnLAt(price, l.cfg.LotSize)
	l.realizedHedgePnL += pnl
	l.hedge = nil
	if t := l.level(h.Level); t != nil {
		t.Complete(now)
	}
	l.nextTriggerPct = l.nextThresholdFrom(h.Level + 1)
	l.manualExitAt = now
	return l.event(EventManualExit, h.Level, h.Instrument, price, pnl, "closed outside bot", now), nil
}

// SkipLevel retires level without trading it
func (l *Leg) SkipLevel(level int, now time.Time) (HedgeEvent, error) {
	t := l.level(level)
	if t == nil {
		return HedgeEvent{}, fmt.Errorf("%w: level %d out of range", ErrLevelUnavailable, level)
	}
	if l.hedge != nil && l.hedge.Level == level {
		return HedgeEvent{}, fmt.Errorf("%w: level %d is hedged", ErrHedgeActive, level)
	}
	if t.Completed() {
		return HedgeEvent{}, fmt.Errorf("%w: level %d already completed", ErrLevelUnavailable, level)
	}
	t.Complete(now)
	l.nextTriggerPct = l.nextThresholdFrom(1)
	return l.event(EventLevelSkipped, level, Instrument{}, 0, 0, "operator skip", now), nil
}

// TotalPremium is the side premium, optionally including the active hedge
func (l *Leg) TotalPremium(includeHedge bool) float64 {
	total := l.currentPremium
	if includeHedge && l.hedge != nil {
		total += l.hedge.CurrentPremium
	}
	return total
}

// PnL returns the leg P&L breakdown
func (l *Leg) PnL() PnLBreakdown {
	legPnL := util.PnL(l.entryPremium, l.currentPremium, l.cfg.LotSize).InexactFloat64()
	if l.closed {
		legPnL = l.realizedLegPnL
	}
	var unrealized float64
	if l.hedge != nil && l.hedge.CurrentPremium > 0 {
		unrealized = l.hedge.PnLAt(l.hedge.CurrentPremium, l.cfg.LotSize)
	}
	return PnLBreakdown{
		LegPnL:             legPnL,
		RealizedHedgePnL:   l.realizedHedgePnL,
		UnrealizedHedgePnL: unrealized,
		Total:              legPnL + l.realizedHedgePnL + unrealized,
	}
}

// Close marks the leg bought back at exitPremium and returns the realized leg P&L
func (l *Leg) Close(exitPremium float64) float64 {
	if l.closed {
		return l.realizedLegPnL
	}
	if exitPremium <= 0 {
		exitPremium = l.currentPremium
	}
	l.currentPremium = exitPremium
	l.realizedLegPnL = util.PnL(l.entryPremium, exitPremium, l.cfg.LotSize).InexactFloat64()
	l.closed = true
	return l.realizedLegPnL
}

// LegSnapshot is a read-only view of a leg
type LegSnapshot struct {
	Hedge          *HedgeState        `json:"hedge,omitempty"`
	Levels         map[int]LevelState `json:"levels"`
	State          LegState           `json:"state"`
	Instrument     Instrument         `json:"instrument"`
	Completed      []int              `json:"completed_levels,omitempty"`
	PnL            PnLBreakdown       `json:"pnl"`
	EntryPremium   float64            `json:"entry_premium"`
	CurrentPremium float64            `json:"current_premium"`
	LossPct        float64            `json:"loss_pct"`
	NextTriggerPct float64            `json:"next_trigger_pct"`
}

// Snapshot returns a copy of the leg state
func (l *Leg) Snapshot() LegSnapshot {
	s := LegSnapshot{
		State:          l.State(),
		Instrument:     l.instrument,
		Completed:      l.CompletedLevels(),
		PnL:            l.PnL(),
		EntryPremium:   l.entryPremium,
		CurrentPremium: l.currentPremium,
		LossPct:        l.LossPct(),
		NextTriggerPct: l.nextTriggerPct,
		Levels:         make(map[int]LevelState, len(l.levels)),
	}
	for _, t := range l.levels {
		s.Levels[t.Level] = t.State()
	}
	if h, ok := l.Hedge(); ok {
		s.Hedge = &h
	}
	return s
}

func (l *Leg) level(n int) *LevelTrigger {
	if n < 1 || n > len(l.levels) {
		return nil
	}
	return l.levels[n-1]
}

func (l *Leg) levelForThreshold(pct float64) int {
	for _, t := range l.levels {
		if t.ThresholdPct == pct {
			return t.Level
		}
	}
	return 0
}

// canOpen enforces the ladder order: a level fires only while armed and after every lower level fired or was retired.
func (l *Leg) canOpen(level int) error {
	t := l.level(level)
	if t == nil {
		return fmt.Errorf("%w: level %d out of range", ErrLevelUnavailable, level)
	}
	if t.Completed() {
		return fmt.Errorf("%w: level %d completed", ErrLevelUnavailable, level)
	}
	if t.State() != LevelArmed {
		return fmt.Errorf("%w: level %d is %s", ErrLevelUnavailable, level, t.State())
	}
	for _, lower := range l.levels[:level-1] {
		if !lower.Satisfied() {
			return fmt.Errorf("%w: level %d requires level %d first", ErrLevelUnavailable, level, lower.Level)
		}
	}
	return nil
}

func (l *Leg) nextThresholdFrom(level int) float64 {
	for _, t := range l.levels {
		if t.Level >= level && t.Armed() {
			return t.ThresholdPct
		}
	}
	return l.cfg.HardStopPct
}

func (l *Leg) nearestArmedLevel(lossPct float64) int {
	best, bestDiff := 0, math.Inf(1)
	for _, t := range l.levels {
		if !t.Armed() {
			continue
		}
		if d := math.Abs(t.ThresholdPct - lossPct); d < bestDiff {
			best, bestDiff = t.Level, d
		}
	}
	return best
}

func (l *Leg) attach(inst Instrument, premium float64, level int, now time.Time, manual bool) {
	l.hedge = &HedgeState{
		EnteredAt:      now,
		Side:           l.cfg.Direction.OrderSide(),
		Instrument:     inst,
		Level:          level,
		EntryPremium:   premium,
		CurrentPremium: premium,
		Manual:         manual,
	}
	l.nextTriggerPct = l.nextThresholdFrom(level + 1)
}

func (l *Leg) event(kind HedgeEventKind, level int, inst Instrument, price, pnl float64, reason string, now time.Time) HedgeEvent {
	return HedgeEvent{
		At:         now,
		Kind:       kind,
		Reason:     reason,
		Leg:        l.instrument.Kind,
		Instrument: inst,
		Level:      level,
		Price:      price,
		PnL:        pnl,
		LossPct:    l.LossPct(),
	}
}

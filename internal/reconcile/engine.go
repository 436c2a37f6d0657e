// Package reconcile compares the positions the straddle expects with what the venue holds
// and repairs the internal model when the difference is a hedge traded at the terminal.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/audit"
	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/lock"
	"github.com/eddiefleurent/straddle_hedger/internal/metrics"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/straddle"
)

// StateSource is the straddle state reconciliation reads and repairs.
// The repair methods are called with the lock coordinator held.
type StateSource interface {
	ExpectedPositions() models.ExpectedPositions
	ActiveStrike() (int, bool)
	Direction() models.HedgeDirection
	ApplyManualAddition(ctx context.Context, kind models.OptionKind, inst models.Instrument, premium float64) (models.HedgeEvent, error)
	ApplyManualExit(ctx context.Context, kind models.OptionKind, lastPrice float64) (models.HedgeEvent, error)
	MarkClosedExternally(ctx context.Context) (*straddle.ExitSummary, error)
}

// Config controls when passes run and when repeated mismatches halt entry.
type Config struct {
	SettleDelay      time.Duration // wait after a mutation before checking
	Interval         time.Duration // fallback period between passes
	MaxDiscrepancies int           // consecutive unresolved passes before halting
}

// DefaultConfig returns the standard reconciliation timing.
func DefaultConfig() Config {
	return Config{
		SettleDelay:      5 * time.Second,
		Interval:         5 * time.Minute,
		MaxDiscrepancies: 3,
	}
}

// Discrepancy is one instrument whose venue quantity differs from the expected one.
type Discrepancy struct {
	Instrument models.Instrument   `json:"instrument"`
	Role       models.PositionRole `json:"role,omitempty"`
	Leg        models.OptionKind   `json:"leg,omitempty"`
	Expected   int                 `json:"expected"`
	Actual     int                 `json:"actual"`
}

// ChangeKind names a repair applied to the straddle.
type ChangeKind string

const (
	ManualAddition ChangeKind = "manual_addition"
	ManualExit     ChangeKind = "manual_exit"
)

// Change is a manual trade adopted into the straddle state.
type Change struct {
	Kind       ChangeKind        `json:"kind"`
	Leg        models.OptionKind `json:"leg"`
	Instrument models.Instrument `json:"instrument"`
	Level      int               `json:"level"`
	Price      float64           `json:"price"`
}

// Delta is the outcome of one pass.
type Delta struct {
	At        time.Time             `json:"at"`
	Missing   []Discrepancy         `json:"missing,omitempty"`
	Extra     []Discrepancy         `json:"extra,omitempty"`
	Changes   []Change              `json:"changes,omitempty"`
	Exit      *straddle.ExitSummary `json:"exit,omitempty"` // set when an external close was booked
	Expected  int                   `json:"expected"`
	Actual    int                   `json:"actual"`
	Matched   bool                  `json:"matched"`
	Critical  bool                  `json:"critical"`
	AllClosed bool                  `json:"all_closed"`
}

// Unresolved reports whether the pass left differences it could not repair.
func (d *Delta) Unresolved() bool {
	return len(d.Missing) > 0 || len(d.Extra) > 0
}

// Engine runs reconciliation passes and owns the entry halt.
type Engine struct {
	lastRun       time.Time
	lastMutation  time.Time
	gw            broker.Gateway
	state         StateSource
	lock          *lock.Coordinator
	journal       audit.Sink
	logger        *log.Logger
	now           func() time.Time
	haltReason    string
	cfg           Config
	discrepancies int
	pending       bool
	halted        bool
	mu            sync.Mutex
}

// NewEngine creates a reconciliation engine sharing lk with the orchestrator.
func NewEngine(gw broker.Gateway, state StateSource, lk *lock.Coordinator, journal audit.Sink, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "reconcile: ", log.LstdFlags)
	}
	if gw == nil || state == nil {
		panic("reconcile.NewEngine: gateway and state must not be nil")
	}
	if lk == nil {
		lk = lock.New(logger)
	}
	if journal == nil {
		journal = audit.Discard{}
	}
	d := DefaultConfig()
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = d.SettleDelay
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.MaxDiscrepancies <= 0 {
		cfg.MaxDiscrepancies = d.MaxDiscrepancies
	}
	return &Engine{
		gw:      gw,
		state:   state,
		lock:    lk,
		journal: journal,
		logger:  logger,
		now:     time.Now,
		cfg:     cfg,
	}
}

// MarkMutation schedules a pass once the settle delay has passed.
func (e *Engine) MarkMutation(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = true
	e.lastMutation = now
}

// ShouldReconcile reports whether a pass is due: a settled mutation, no pass yet, or the interval elapsed.
func (e *Engine) ShouldReconcile(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending && now.Sub(e.lastMutation) >= e.cfg.SettleDelay {
		return true
	}
	if e.lastRun.IsZero() {
		return true
	}
	return now.Sub(e.lastRun) >= e.cfg.Interval
}

// Halted reports whether automated entry is suspended.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// HaltReason returns why entry is suspended.
func (e *Engine) HaltReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haltReason
}

// Restore reinstates a halt persisted before a restart.
func (e *Engine) Restore(halted bool, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = halted
	e.haltReason = reason
	metrics.Halted.Set(metrics.Bool(halted))
}

// Acknowledge clears the halt after the operator has checked the account.
func (e *Engine) Acknowledge(ctx context.Context) bool {
	e.mu.Lock()
	was := e.halted
	e.halted = false
	e.haltReason = ""
	e.discrepancies = 0
	e.mu.Unlock()
	metrics.Halted.Set(0)
	if was {
		e.logger.Printf("Halt acknowledged by operator, automated entry resumed")
		e.record(ctx, audit.Event{Kind: audit.HaltAcknowledged})
	}
	return was
}

// Reconcile runs one pass. It returns lock.ErrBusy without touching the venue while a trade holds the lock.
func (e *Engine) Reconcile(ctx context.Context) (*Delta, error) {
	var delta *Delta
	err := e.lock.TryRun(ctx, "reconcile", func(ctx context.Context) error {
		d, err := e.reconcile(ctx)
		delta = d
		return err
	})
	switch {
	case errors.Is(err, lock.ErrBusy), errors.Is(err, lock.ErrReauthInProgress):
		metrics.ReconcileTotal.WithLabelValues("skipped").Inc()
		e.logger.Printf("Reconciliation skipped: %v", err)
	case err != nil:
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
	}
	return delta, err
}

func (e *Engine) reconcile(ctx context.Context) (*Delta, error) {
	now := e.now()
	delta := &Delta{At: now}
	expected := e.state.ExpectedPositions()
	delta.Expected = len(expected)

	if _, active := e.state.ActiveStrike(); len(expected) == 0 && !active {
		delta.Matched = true
		e.finish(ctx, delta)
		return delta, nil
	}

	positions, err := e.gw.GetPositions(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetch positions: %w", err)
	}
	actual := make(map[string]models.VenuePosition, len(positions))
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		if prev, ok := actual[p.Instrument.Key()]; ok {
			p.NetQty += prev.NetQty
		}
		actual[p.Instrument.Key()] = p
	}
	delta.Actual = len(actual)
	e.logger.Printf("Reconciling %d expected with %d venue positions", len(expected), len(actual))

	switch {
	case len(actual) == 0 && len(expected) == 0:
		e.settleExit(ctx, delta)
		e.finish(ctx, delta)
		return delta, nil
	case len(actual) == 0 && expectsLeg(expected):
		e.allClosed(ctx, delta)
		e.finish(ctx, delta)
		return delta, nil
	}

	for _, key := range sortedKeys(expected) {
		exp := expected[key]
		got := actual[key].NetQty
		if got == exp.Quantity {
			continue
		}
		if exp.Role == models.RoleHedge && got == 0 {
			if c, ok := e.applyExit(ctx, exp, actual); ok {
				delta.Changes = append(delta.Changes, c)
				continue
			}
		}
		delta.Missing = append(delta.Missing, Discrepancy{
			Instrument: exp.Instrument, Role: exp.Role, Leg: exp.Leg,
			Expected: exp.Quantity, Actual: got,
		})
	}

	for _, key := range sortedKeys(actual) {
		if _, ok := expected[key]; ok {
			continue
		}
		p := actual[key]
		if c, ok := e.applyAddition(ctx, p); ok {
			delta.Changes = append(delta.Changes, c)
			continue
		}
		delta.Extra = append(delta.Extra, Discrepancy{Instrument: p.Instrument, Actual: p.NetQty})
	}

	delta.Matched = !delta.Unresolved() && len(delta.Changes) == 0
	delta.Critical = delta.Unresolved()
	e.finish(ctx, delta)
	return delta, nil
}

// applyExit books an expected hedge that is gone from the venue as closed at the terminal.
func (e *Engine) applyExit(ctx context.Context, exp models.PositionEntry, actual map[string]models.VenuePosition) (Change, bool) {
	ev, err := e.state.ApplyManualExit(ctx, exp.Leg, actual[exp.Instrument.Key()].LastPrice)
	if err != nil {
		e.logger.Printf("Manual hedge exit on %s not applied: %v", exp.Leg, err)
		return Change{}, false
	}
	e.logger.Printf("MANUAL HEDGE EXIT synced: %s L%d %s @ %.2f", exp.Leg, ev.Level, exp.Instrument, ev.Price)
	return Change{Kind: ManualExit, Leg: exp.Leg, Instrument: exp.Instrument, Level: ev.Level, Price: ev.Price}, true
}

// applyAddition adopts an unexpected venue position when it looks like a hedge for one leg.
func (e *Engine) applyAddition(ctx context.Context, p models.VenuePosition) (Change, bool) {
	kind, ok := e.hedgedLeg(p)
	if !ok {
		return Change{}, false
	}
	ev, err := e.state.ApplyManualAddition(ctx, kind, p.Instrument, p.LastPrice)
	if err != nil {
		e.logger.Printf("Position %s looks like a %s hedge but was not adopted: %v", p.Instrument, kind, err)
		return Change{}, false
	}
	e.logger.Printf("MANUAL HEDGE ADDITION synced: %s L%d %s x%d @ %.2f", kind, ev.Level, p.Instrument, p.NetQty, ev.Price)
	return Change{Kind: ManualAddition, Leg: kind, Instrument: p.Instrument, Level: ev.Level, Price: ev.Price}, true
}

// hedgedLeg maps a venue position to the leg it would hedge.
// The position must carry the hedge direction's sign at a strike other than the straddle strike.
// Bought hedges protect the leg of the same kind; sold hedges sit on the opposite kind.
func (e *Engine) hedgedLeg(p models.VenuePosition) (models.OptionKind, bool) {
	straddleStrike, ok := e.state.ActiveStrike()
	if !ok {
		return "", false
	}
	strike, kind := p.Instrument.Strike, p.Instrument.Kind
	if strike == 0 || !kind.Valid() {
		if strike, kind, ok = broker.ParseOptionSymbol(p.Instrument.Symbol); !ok {
			return "", false
		}
	}
	if strike == straddleStrike {
		return "", false
	}
	dir := e.state.Direction()
	if sign := dir.OrderSide().Sign(); p.NetQty*sign <= 0 {
		return "", false
	}
	if dir == models.SellProfitSide {
		return kind.Opposite(), true
	}
	return kind, true
}

// allClosed handles a venue with nothing open while the straddle is still on the books.
func (e *Engine) allClosed(ctx context.Context, delta *Delta) {
	delta.AllClosed = true
	delta.Critical = true
	e.logger.Printf("ALL POSITIONS CLOSED EXTERNALLY: venue is flat while %d positions are expected", delta.Expected)
	if s, err := e.state.MarkClosedExternally(ctx); err != nil {
		e.logger.Printf("Failed to book external close: %v", err)
	} else {
		delta.Exit = s
		e.logger.Printf("Straddle %s booked as closed externally, P&L %.2f", s.ID, s.Total)
	}
	e.halt(ctx, "all positions closed externally")
}

// settleExit books a straddle whose remaining positions are all gone, e.g. after an
// incomplete exit whose last hedge was closed at the terminal. Nothing was lost, so entry stays allowed.
func (e *Engine) settleExit(ctx context.Context, delta *Delta) {
	s, err := e.state.MarkClosedExternally(ctx)
	if err != nil {
		e.logger.Printf("Failed to book the finished exit: %v", err)
		return
	}
	delta.Exit = s
	delta.Matched = true
	e.logger.Printf("Straddle %s has nothing left at the venue, booked as closed, P&L %.2f", s.ID, s.Total)
}

// finish updates timing and counters after a completed pass.
func (e *Engine) finish(ctx context.Context, delta *Delta) {
	e.mu.Lock()
	e.lastRun = delta.At
	e.pending = false
	if delta.Unresolved() {
		e.discrepancies++
	} else {
		e.discrepancies = 0
	}
	count := e.discrepancies
	e.mu.Unlock()

	result := "matched"
	switch {
	case delta.Critical:
		result = "critical"
	case len(delta.Changes) > 0:
		result = "synced"
	}
	metrics.ReconcileTotal.WithLabelValues(result).Inc()

	if !delta.Unresolved() {
		if len(delta.Changes) > 0 {
			e.logger.Printf("Reconciliation applied %d manual change(s)", len(delta.Changes))
		}
		return
	}

	for _, m := range delta.Missing {
		e.logger.Printf("RECONCILIATION CRITICAL: %s %s expected %d, venue %d", m.Role, m.Instrument, m.Expected, m.Actual)
	}
	for _, x := range delta.Extra {
		e.logger.Printf("RECONCILIATION CRITICAL: unexpected venue position %s qty %d", x.Instrument, x.Actual)
	}
	e.record(ctx, audit.Event{
		Kind:   audit.ReconcileCritical,
		Reason: fmt.Sprintf("%d missing, %d extra (pass %d of %d)", len(delta.Missing), len(delta.Extra), count, e.cfg.MaxDiscrepancies),
	})
	if count >= e.cfg.MaxDiscrepancies {
		e.halt(ctx, fmt.Sprintf("%d consecutive reconciliation mismatches", count))
	}
}

func (e *Engine) halt(ctx context.Context, reason string) {
	e.mu.Lock()
	already := e.halted
	e.halted = true
	e.haltReason = reason
	e.mu.Unlock()
	metrics.Halted.Set(1)
	if already {
		return
	}
	e.logger.Printf("AUTOMATED ENTRY HALTED: %s; acknowledge to resume", reason)
	e.record(ctx, audit.Event{Kind: audit.Halted, Reason: reason})
}

func (e *Engine) record(ctx context.Context, ev audit.Event) {
	if err := e.journal.Record(ctx, audit.Stamp(ev, e.now())); err != nil {
		e.logger.Printf("Warning: audit %s not recorded: %v", ev.Kind, err)
	}
}

func expectsLeg(expected models.ExpectedPositions) bool {
	for _, p := range expected {
		if p.Role == models.RoleLeg {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

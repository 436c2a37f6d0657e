package straddle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/straddle_hedger/internal/audit"
	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/hedge"
	"github.com/eddiefleurent/straddle_hedger/internal/lock"
	"github.com/eddiefleurent/straddle_hedger/internal/metrics"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/util"
)

// HaltSource reports whether automated entry is suspended.
type HaltSource interface {
	Halted() bool
}

// Dependencies are the collaborators injected into the orchestrator.
type Dependencies struct {
	Gateway broker.Gateway
	Feed    broker.PriceFeed
	Engine  *hedge.Engine
	Lock    *lock.Coordinator
	Audit   audit.Sink
	Now     func() time.Time
}

// Status is a read-only view for the control surface.
type Status struct {
	LastExit       time.Time                `json:"last_exit,omitempty"`
	Position       *models.StraddleSnapshot `json:"position,omitempty"`
	LastExitReason ExitReason               `json:"last_exit_reason,omitempty"`
	SessionPnL     float64                  `json:"session_pnl"`
	Straddles      int                      `json:"straddles"`
	Active         bool                     `json:"active"`
	Halted         bool                     `json:"halted"`
}

// ExitSummary reports the realized result of a closed straddle.
type ExitSummary struct {
	ExitedAt time.Time  `json:"exited_at"`
	ID       string     `json:"id"`
	Reason   ExitReason `json:"reason"`
	Strike   int        `json:"strike"`
	LegPnL   float64    `json:"leg_pnl"`
	HedgePnL float64    `json:"hedge_pnl"`
	Total    float64    `json:"total"`
}

// Orchestrator owns the straddle and is the only writer of its legs, together with reconciliation.
// Every venue-mutating operation runs inside the lock coordinator.
type Orchestrator struct {
	lastExit   time.Time
	deps       Dependencies
	pos        *models.StraddlePosition
	halt       HaltSource
	logger     *log.Logger
	onMutation []func(time.Time)
	lastReason ExitReason
	unfinished ExitReason // exit that left positions open, retried on the next tick
	cfg        Config
	sessionPnL float64
	straddles  int
	mu         sync.RWMutex
}

// NewOrchestrator creates an orchestrator with no open straddle.
func NewOrchestrator(deps Dependencies, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "straddle: ", log.LstdFlags)
	}
	if deps.Gateway == nil {
		panic("straddle.NewOrchestrator: gateway must not be nil")
	}
	if deps.Engine == nil {
		deps.Engine = hedge.NewEngine(hedge.Config{Direction: cfg.Leg.Direction}, logger)
	}
	if deps.Lock == nil {
		deps.Lock = lock.New(logger)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.normalize()
	cfg.Leg.Direction = deps.Engine.Direction()
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}
}

// SetHaltSource makes EnterStraddle refuse while h reports a halt.
func (o *Orchestrator) SetHaltSource(h HaltSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.halt = h
}

// OnMutation registers fn to run after any operation that changed venue positions.
func (o *Orchestrator) OnMutation(fn func(time.Time)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onMutation = append(o.onMutation, fn)
}

// RestoreSession seeds the session counters from persisted state.
func (o *Orchestrator) RestoreSession(pnl float64, straddles int, lastExit time.Time, reason ExitReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionPnL = pnl
	o.straddles = straddles
	o.lastExit = lastExit
	o.lastReason = reason
	metrics.SessionPnL.Set(pnl)
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Active reports whether a straddle is open.
func (o *Orchestrator) Active() bool {
	return o.position() != nil
}

// EnterStraddle sells the call and put at one strike.
// With manualStrike > 0 that strike is used, otherwise the best-balanced strike in snap.
// Both legs are placed concurrently; if only one fills it is bought back and the entry fails.
func (o *Orchestrator) EnterStraddle(ctx context.Context, spot float64, snap *models.ChainSnapshot, manualStrike int) (bool, error) {
	entered := false
	err := o.deps.Lock.Run(ctx, "enter_straddle", func(ctx context.Context) error {
		if o.position() != nil {
			return ErrAlreadyActive
		}
		if h := o.haltSource(); h != nil && h.Halted() {
			return ErrHalted
		}

		var c Candidate
		if manualStrike > 0 {
			var ok bool
			if c, ok = candidateAt(snap, manualStrike); !ok {
				return fmt.Errorf("manual strike %d not priced", manualStrike)
			}
		} else {
			var err error
			if c, err = ScanBestStrike(snap); err != nil {
				return err
			}
		}
		if err := o.cfg.ValidateEntryPremiums(c.Call.Premium, c.Put.Premium, spot); err != nil {
			return err
		}
		o.logger.Printf("Entering straddle at %d (spot %.2f): CE %.2f PE %.2f diff %.2f",
			c.Strike, spot, c.Call.Premium, c.Put.Premium, c.Diff())

		lot := o.cfg.Leg.LotSize
		ceReq := o.order(c.Call.Instrument, models.Sell, lot, "CE-ENTRY")
		peReq := o.order(c.Put.Instrument, models.Sell, lot, "PE-ENTRY")

		var ceFill, peFill fill
		var ceErr, peErr error
		var g errgroup.Group
		g.Go(func() error {
			ceFill, ceErr = o.execute(ctx, ceReq, c.Call.Premium, true)
			return ceErr
		})
		g.Go(func() error {
			peFill, peErr = o.execute(ctx, peReq, c.Put.Premium, true)
			return peErr
		})
		if err := g.Wait(); err != nil {
			if ceErr == nil || peErr == nil {
				o.mutated()
			}
			return o.rollbackEntry(ctx, c, ceFill, ceErr, peFill, peErr)
		}

		now := o.now()
		ce := models.NewLeg(c.Call.Instrument, ceFill.Price, o.cfg.Leg)
		pe := models.NewLeg(c.Put.Instrument, peFill.Price, o.cfg.Leg)
		pos, err := models.NewStraddlePosition(uuid.NewString(), c.Strike, spot, ce, pe, now)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.pos = pos
		o.mu.Unlock()
		o.mutated()

		o.logger.Printf("STRADDLE ENTERED %s at %d: CE %.2f (order %s) PE %.2f (order %s)",
			shortID(pos.ID), c.Strike, ceFill.Price, ceFill.OrderID, peFill.Price, peFill.OrderID)
		o.record(ctx, audit.Event{
			At: now, Kind: audit.StraddleEntered, StraddleID: pos.ID,
			Instrument: fmt.Sprintf("%s+%s", c.Call.Instrument, c.Put.Instrument),
			Price:      ceFill.Price + peFill.Price,
			Reason:     fmt.Sprintf("spot %.2f", spot),
		})
		metrics.StraddlesTotal.WithLabelValues("entered", "").Inc()
		o.publishGauges(pos)
		entered = true
		return nil
	})
	return entered, err
}

// rollbackEntry buys back whichever leg filled when the other did not.
func (o *Orchestrator) rollbackEntry(ctx context.Context, c Candidate, ceFill fill, ceErr error, peFill fill, peErr error) error {
	o.record(ctx, audit.Event{Kind: audit.EntryFailed, Reason: fmt.Sprintf("strike %d: CE %v, PE %v", c.Strike, ceErr, peErr)})
	metrics.StraddlesTotal.WithLabelValues("entry_failed", "").Inc()

	if ceErr != nil && peErr != nil {
		return fmt.Errorf("straddle entry at %d failed: CE: %v; PE: %w", c.Strike, ceErr, peErr)
	}

	filled, f, inst, failed := models.Call, ceFill, c.Call.Instrument, peErr
	if ceErr != nil {
		filled, f, inst, failed = models.Put, peFill, c.Put.Instrument, ceErr
	}
	o.logger.Printf("Entry at %d one-sided: %s filled (order %s), %s failed: %v; rolling back",
		c.Strike, filled, f.OrderID, filled.Opposite(), failed)

	req := o.order(inst, models.Buy, o.cfg.Leg.LotSize, string(filled)+"-ROLLBACK")
	if _, err := o.execute(ctx, req, f.Price, true); err != nil {
		o.logger.Printf("CRITICAL: rollback of %s %s failed, short position left at venue (entry order %s): %v",
			filled, inst, f.OrderID, err)
		return fmt.Errorf("straddle entry at %d failed (%s: %v) and rollback of %s order %s failed: %w",
			c.Strike, filled.Opposite(), failed, filled, f.OrderID, err)
	}
	return fmt.Errorf("straddle entry at %d failed (%s: %v); %s order %s rolled back",
		c.Strike, filled.Opposite(), failed, filled, f.OrderID)
}

// UpdateTick reprices the straddle and runs the hedge ladder for the call leg, then the put leg.
// It returns a non-empty reason when the straddle must be closed; the caller then calls ExitStraddle.
func (o *Orchestrator) UpdateTick(ctx context.Context, snap *models.ChainSnapshot) (ExitReason, error) {
	reason := ExitNone
	err := o.deps.Lock.Run(ctx, "tick", func(ctx context.Context) error {
		pos := o.position()
		if pos == nil {
			return nil
		}
		o.refreshPremiums(ctx, pos, snap)
		defer o.publishGauges(pos)

		o.mu.RLock()
		unfinished := o.unfinished
		o.mu.RUnlock()
		if unfinished != ExitNone {
			o.logger.Printf("Straddle %s exit (%s) still incomplete, retrying", shortID(pos.ID), unfinished)
			reason = unfinished
			return nil
		}

		if r, why := o.cfg.CheckExitConditions(pos); r != ExitNone {
			o.logger.Printf("Exit signal for %s: %s", shortID(pos.ID), why)
			reason = r
			return nil
		}

		var errs []error
		for _, leg := range pos.Legs() {
			d := o.deps.Engine.Decide(leg, pos.Counterpart(leg.Kind()), snap, o.now())
			if err := o.apply(ctx, pos, leg, d); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return reason, err
}

func (o *Orchestrator) apply(ctx context.Context, pos *models.StraddlePosition, leg *models.Leg, d hedge.Decision) error {
	switch d.Action {
	case hedge.Enter:
		return o.openHedge(ctx, pos, leg, d, models.CondHedgeEntered)
	case hedge.Upgrade:
		return o.upgradeHedge(ctx, pos, leg, d)
	case hedge.Exit:
		o.logger.Printf("%s reversal: %s", leg.Kind(), d.Reason)
		return o.closeHedge(ctx, pos, leg, models.CloseReversal)
	default:
		return nil
	}
}

func (o *Orchestrator) openHedge(ctx context.Context, pos *models.StraddlePosition, leg *models.Leg, d hedge.Decision, cond string) error {
	side := o.cfg.Leg.Direction.OrderSide()
	req := o.order(d.Instrument, side, leg.LotSize(), fmt.Sprintf("%s-L%d", leg.Kind(), d.Level))
	f, err := o.execute(ctx, req, d.Premium, true)
	if err != nil {
		return fmt.Errorf("%s L%d hedge entry: %w", leg.Kind(), d.Level, err)
	}
	o.mutated()

	o.mu.Lock()
	ev, err := leg.OpenHedge(d.Instrument, f.Price, d.Level, cond, o.now())
	o.mu.Unlock()
	if err != nil {
		o.logger.Printf("CRITICAL: %s hedge %s filled but the leg refused it: %v", leg.Kind(), d.Instrument, err)
		return fmt.Errorf("%s L%d hedge state: %w", leg.Kind(), d.Level, err)
	}
	o.logger.Printf("HEDGE ENTERED %s L%d: %s %s @ %.2f (target %.2f) %s",
		leg.Kind(), d.Level, side, d.Instrument, f.Price, d.TargetPremium, d.Reason)
	o.recordHedge(ctx, pos, ev)
	return nil
}

// upgradeHedge closes the active hedge and opens the next level.
// If the close does not fill the old hedge stays in place; if the open fails the leg is left
// unhedged with the old level still fired so the next tick retries the higher level.
func (o *Orchestrator) upgradeHedge(ctx context.Context, pos *models.StraddlePosition, leg *models.Leg, d hedge.Decision) error {
	h, ok := leg.Hedge()
	if !ok {
		return models.ErrNoHedge
	}
	closeReq := o.order(h.Instrument, h.Side.Opposite(), leg.LotSize(), fmt.Sprintf("%s-L%d-UP", leg.Kind(), h.Level))
	cf, err := o.execute(ctx, closeReq, h.CurrentPremium, true)
	if err != nil {
		o.logger.Printf("UPGRADE ABORTED %s L%d->L%d: could not close %s, keeping it: %v",
			leg.Kind(), h.Level, d.Level, h.Instrument, err)
		return fmt.Errorf("%s upgrade close: %w", leg.Kind(), err)
	}
	o.mutated()

	openReq := o.order(d.Instrument, h.Side, leg.LotSize(), fmt.Sprintf("%s-L%d", leg.Kind(), d.Level))
	of, openErr := o.execute(ctx, openReq, d.Premium, true)

	o.mu.Lock()
	now := o.now()
	if openErr != nil {
		ev, err := leg.CloseHedge(cf.Price, models.CloseUpgradeAborted, now)
		o.mu.Unlock()
		if err == nil {
			o.recordHedge(ctx, pos, ev)
		}
		o.logger.Printf("UPGRADE INCOMPLETE %s: L%d closed @ %.2f but L%d entry failed: %v",
			leg.Kind(), h.Level, cf.Price, d.Level, openErr)
		return fmt.Errorf("%s upgrade open: %w", leg.Kind(), openErr)
	}
	closed, opened, err := leg.UpgradeHedge(cf.Price, d.Instrument, of.Price, now)
	o.mu.Unlock()
	if err != nil {
		o.logger.Printf("CRITICAL: %s upgrade filled but the leg refused it: %v", leg.Kind(), err)
		return err
	}
	o.logger.Printf("HEDGE UPGRADED %s L%d->L%d: closed %s @ %.2f (P&L %.2f), opened %s @ %.2f",
		leg.Kind(), h.Level, d.Level, h.Instrument, cf.Price, closed.PnL, d.Instrument, of.Price)
	o.recordHedge(ctx, pos, closed)
	o.recordHedge(ctx, pos, opened)
	return nil
}

func (o *Orchestrator) closeHedge(ctx context.Context, pos *models.StraddlePosition, leg *models.Leg, reason models.CloseReason) error {
	h, ok := leg.Hedge()
	if !ok {
		return models.ErrNoHedge
	}
	req := o.order(h.Instrument, h.Side.Opposite(), leg.LotSize(), fmt.Sprintf("%s-L%d-X", leg.Kind(), h.Level))
	f, err := o.execute(ctx, req, h.CurrentPremium, true)
	if err != nil {
		return fmt.Errorf("%s L%d hedge exit: %w", leg.Kind(), h.Level, err)
	}
	o.mutated()

	o.mu.Lock()
	ev, err := leg.CloseHedge(f.Price, reason, o.now())
	o.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s L%d hedge state: %w", leg.Kind(), h.Level, err)
	}
	o.logger.Printf("HEDGE CLOSED %s L%d (%s): %s @ %.2f P&L %.2f", leg.Kind(), h.Level, reason, h.Instrument, f.Price, ev.PnL)
	o.recordHedge(ctx, pos, ev)
	return nil
}

// ExitStraddle closes active hedges, then both legs, from fresh venue positions.
// Anything that fails to close stays on the books and the straddle remains active.
func (o *Orchestrator) ExitStraddle(ctx context.Context, reason ExitReason) (*ExitSummary, error) {
	var summary *ExitSummary
	err := o.deps.Lock.Run(ctx, "exit_straddle", func(ctx context.Context) error {
		pos := o.position()
		if pos == nil {
			return ErrNotActive
		}
		o.logger.Printf("Exiting straddle %s at %d: %s", shortID(pos.ID), pos.Strike, reason)

		held, heldErr := o.holdings(ctx)
		if heldErr != nil {
			o.logger.Printf("Warning: positions unavailable before exit, closing everything on the books: %v", heldErr)
		}
		atVenue := func(inst models.Instrument) bool {
			return heldErr != nil || held[inst.Key()] != 0
		}

		var errs []error
		for _, leg := range pos.Legs() {
			h, ok := leg.Hedge()
			if !ok {
				continue
			}
			if !atVenue(h.Instrument) {
				o.logger.Printf("%s hedge %s already flat at venue, booking at %.2f", leg.Kind(), h.Instrument, h.CurrentPremium)
				o.mu.Lock()
				ev, err := leg.CloseHedge(h.CurrentPremium, models.CloseStraddleExit, o.now())
				o.mu.Unlock()
				if err == nil {
					o.recordHedge(ctx, pos, ev)
				}
				continue
			}
			if err := o.closeHedge(ctx, pos, leg, models.CloseStraddleExit); err != nil {
				errs = append(errs, err)
			}
		}

		var g errgroup.Group
		legErrs := make([]error, 2)
		for i, leg := range pos.Legs() {
			if leg.Closed() {
				continue
			}
			if !atVenue(leg.Instrument()) {
				o.logger.Printf("%s leg %s already flat at venue, booking at %.2f", leg.Kind(), leg.Instrument(), leg.CurrentPremium())
				o.mu.Lock()
				leg.Close(leg.CurrentPremium())
				o.mu.Unlock()
				continue
			}
			i, leg := i, leg
			g.Go(func() error {
				req := o.order(leg.Instrument(), models.Buy, leg.LotSize(), string(leg.Kind())+"-EXIT")
				f, err := o.execute(ctx, req, leg.CurrentPremium(), true)
				if err != nil {
					legErrs[i] = fmt.Errorf("%s leg exit: %w", leg.Kind(), err)
					return legErrs[i]
				}
				o.mu.Lock()
				pnl := leg.Close(f.Price)
				o.mu.Unlock()
				o.logger.Printf("%s leg closed @ %.2f (order %s) P&L %.2f", leg.Kind(), f.Price, f.OrderID, pnl)
				return nil
			})
		}
		_ = g.Wait()
		errs = append(errs, legErrs...)
		o.mutated()

		if err := errors.Join(errs...); err != nil {
			o.mu.Lock()
			o.unfinished = reason
			o.mu.Unlock()
			o.logger.Printf("CRITICAL: straddle %s exit incomplete, remaining positions stay managed: %v", shortID(pos.ID), err)
			return err
		}
		summary = o.finish(ctx, pos, reason)
		return nil
	})
	return summary, err
}

// finish books a fully closed straddle.
func (o *Orchestrator) finish(ctx context.Context, pos *models.StraddlePosition, reason ExitReason) *ExitSummary {
	now := o.now()
	s := &ExitSummary{ExitedAt: now, ID: pos.ID, Reason: reason, Strike: pos.Strike}
	legs, hedges := decimal.Zero, decimal.Zero
	for _, leg := range pos.Legs() {
		p := leg.PnL()
		legs = legs.Add(util.Money(p.LegPnL))
		hedges = hedges.Add(util.Money(p.RealizedHedgePnL)).Add(util.Money(p.UnrealizedHedgePnL))
	}
	s.LegPnL = legs.InexactFloat64()
	s.HedgePnL = hedges.InexactFloat64()
	s.Total = legs.Add(hedges).InexactFloat64()

	o.mu.Lock()
	pos.Active = false
	o.pos = nil
	o.unfinished = ExitNone
	o.lastExit = now
	o.lastReason = reason
	o.sessionPnL = util.Money(o.sessionPnL).Add(util.Money(s.Total)).InexactFloat64()
	o.straddles++
	session := o.sessionPnL
	o.mu.Unlock()

	o.logger.Printf("STRADDLE EXITED %s (%s): legs %.2f hedges %.2f total %.2f, session %.2f",
		shortID(pos.ID), reason, s.LegPnL, s.HedgePnL, s.Total, session)
	o.record(ctx, audit.Event{At: now, Kind: audit.StraddleExited, StraddleID: pos.ID, PnL: s.Total, Reason: string(reason)})
	metrics.StraddlesTotal.WithLabelValues("exited", string(reason)).Inc()
	metrics.SessionPnL.Set(session)
	o.publishGauges(nil)
	return s
}

// ForceHedgeEntry opens a hedge at level on leg kind, selecting the contract as the ladder would.
func (o *Orchestrator) ForceHedgeEntry(ctx context.Context, kind models.OptionKind, level int, snap *models.ChainSnapshot) error {
	return o.deps.Lock.Run(ctx, "force_hedge_entry", func(ctx context.Context) error {
		pos := o.position()
		if pos == nil {
			return ErrNotActive
		}
		o.refreshPremiums(ctx, pos, snap)
		leg := pos.Leg(kind)
		d := o.deps.Engine.DecideLevel(leg, pos.Counterpart(kind), snap, level)
		if d.Action != hedge.Enter {
			return fmt.Errorf("%w: %s L%d: %s", ErrHedgeUnavailable, kind, level, d.Reason)
		}
		d.Reason = "operator"
		return o.openHedge(ctx, pos, leg, d, models.CondOperatorEntry)
	})
}

// ForceHedgeExit closes the active hedge on leg kind and pauses automatic entry for the cooldown.
func (o *Orchestrator) ForceHedgeExit(ctx context.Context, kind models.OptionKind) error {
	return o.deps.Lock.Run(ctx, "force_hedge_exit", func(ctx context.Context) error {
		pos := o.position()
		if pos == nil {
			return ErrNotActive
		}
		return o.closeHedge(ctx, pos, pos.Leg(kind), models.CloseForced)
	})
}

// SkipLevel retires level on leg kind without trading it.
func (o *Orchestrator) SkipLevel(ctx context.Context, kind models.OptionKind, level int) error {
	return o.deps.Lock.Run(ctx, "skip_level", func(ctx context.Context) error {
		pos := o.position()
		if pos == nil {
			return ErrNotActive
		}
		o.mu.Lock()
		ev, err := pos.Leg(kind).SkipLevel(level, o.now())
		o.mu.Unlock()
		if err != nil {
			return err
		}
		o.logger.Printf("%s L%d skipped by operator", kind, level)
		o.recordHedge(ctx, pos, ev)
		return nil
	})
}

// ExpectedPositions derives the venue positions the straddle should hold.
func (o *Orchestrator) ExpectedPositions() models.ExpectedPositions {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pos.ExpectedPositions()
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := Status{
		LastExit:       o.lastExit,
		LastExitReason: o.lastReason,
		SessionPnL:     o.sessionPnL,
		Straddles:      o.straddles,
		Active:         o.pos != nil,
	}
	if o.pos != nil {
		snap := o.pos.Snapshot()
		s.Position = &snap
	}
	if o.halt != nil {
		s.Halted = o.halt.Halted()
	}
	return s
}

func (o *Orchestrator) refreshPremiums(ctx context.Context, pos *models.StraddlePosition, snap *models.ChainSnapshot) {
	price := func(inst models.Instrument) (float64, bool) {
		if p, ok := snap.Premium(inst); ok {
			return p, true
		}
		if o.deps.Feed != nil {
			return o.deps.Feed.GetPrice(ctx, inst)
		}
		return 0, false
	}

	for _, leg := range pos.Legs() {
		if leg.Closed() {
			continue
		}
		p, ok := price(leg.Instrument())
		h, hedged := leg.Hedge()
		var hp float64
		hok := false
		if hedged {
			hp, hok = price(h.Instrument)
		}

		o.mu.Lock()
		if ok {
			leg.UpdatePremium(p)
		}
		if hok {
			leg.UpdateHedgePremium(hp)
		}
		o.mu.Unlock()

		if !ok {
			o.logger.Printf("Warning: %s premium unavailable, keeping %.2f", leg.Instrument(), leg.CurrentPremium())
		}
		if hedged && !hok {
			o.logger.Printf("Warning: hedge %s premium unavailable, keeping %.2f", h.Instrument, h.CurrentPremium)
		}
	}
}

func (o *Orchestrator) position() *models.StraddlePosition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pos
}

func (o *Orchestrator) haltSource() HaltSource {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.halt
}

func (o *Orchestrator) now() time.Time {
	return o.deps.Now()
}

func (o *Orchestrator) mutated() {
	o.mu.RLock()
	hooks := append([]func(time.Time){}, o.onMutation...)
	o.mu.RUnlock()
	now := o.now()
	for _, fn := range hooks {
		fn(now)
	}
}

func (o *Orchestrator) record(ctx context.Context, e audit.Event) {
	if err := o.deps.Audit.Record(ctx, audit.Stamp(e, o.now())); err != nil {
		o.logger.Printf("Warning: audit %s not recorded: %v", e.Kind, err)
	}
}

func (o *Orchestrator) recordHedge(ctx context.Context, pos *models.StraddlePosition, ev models.HedgeEvent) {
	metrics.HedgeEventsTotal.WithLabelValues(string(ev.Leg), string(ev.Kind)).Inc()
	o.record(ctx, audit.FromHedgeEvent(pos.ID, ev))
}

func (o *Orchestrator) publishGauges(pos *models.StraddlePosition) {
	metrics.PositionActive.Set(metrics.Bool(pos != nil))
	for _, k := range []models.OptionKind{models.Call, models.Put} {
		if pos == nil {
			metrics.LegLossPct.WithLabelValues(string(k)).Set(0)
			metrics.HedgeLevel.WithLabelValues(string(k)).Set(0)
			continue
		}
		o.mu.RLock()
		leg := pos.Leg(k)
		metrics.LegLossPct.WithLabelValues(string(k)).Set(leg.LossPct())
		metrics.HedgeLevel.WithLabelValues(string(k)).Set(float64(leg.HedgeLevel()))
		o.mu.RUnlock()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

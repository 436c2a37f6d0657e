package straddle

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/straddle_hedger/internal/audit"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

// The methods below let reconciliation apply changes made outside the bot.
// Callers must hold the lock coordinator.

// ActiveStrike returns the straddle strike while a straddle is open.
func (o *Orchestrator) ActiveStrike() (int, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.pos == nil {
		return 0, false
	}
	return o.pos.Strike, true
}

// Direction is the configured hedge direction.
func (o *Orchestrator) Direction() models.HedgeDirection {
	return o.cfg.Leg.Direction
}

// ApplyManualAddition adopts a hedge opened at the terminal as the hedge of leg kind.
func (o *Orchestrator) ApplyManualAddition(ctx context.Context, kind models.OptionKind, inst models.Instrument, premium float64) (models.HedgeEvent, error) {
	pos := o.position()
	if pos == nil {
		return models.HedgeEvent{}, ErrNotActive
	}
	if premium <= 0 {
		premium = o.quote(ctx, inst, 0)
	}
	o.mu.Lock()
	ev, err := pos.Leg(kind).SyncManualHedgeAddition(inst, premium, o.now())
	o.mu.Unlock()
	if err != nil {
		return ev, fmt.Errorf("%s manual hedge %s: %w", kind, inst, err)
	}
	o.logger.Printf("MANUAL HEDGE ADDED %s L%d: %s @ %.2f", kind, ev.Level, inst, premium)
	o.recordHedge(ctx, pos, ev)
	return ev, nil
}

// ApplyManualExit books the hedge of leg kind as closed at the terminal.
func (o *Orchestrator) ApplyManualExit(ctx context.Context, kind models.OptionKind, lastPrice float64) (models.HedgeEvent, error) {
	pos := o.position()
	if pos == nil {
		return models.HedgeEvent{}, ErrNotActive
	}
	o.mu.Lock()
	ev, err := pos.Leg(kind).SyncManualHedgeExit(lastPrice, o.now())
	o.mu.Unlock()
	if err != nil {
		return ev, fmt.Errorf("%s manual hedge exit: %w", kind, err)
	}
	o.logger.Printf("MANUAL HEDGE EXIT %s L%d: %s @ %.2f P&L %.2f", kind, ev.Level, ev.Instrument, ev.Price, ev.PnL)
	o.recordHedge(ctx, pos, ev)
	return ev, nil
}

// MarkClosedExternally books every open leg and hedge at its last premium and drops the straddle.
func (o *Orchestrator) MarkClosedExternally(ctx context.Context) (*ExitSummary, error) {
	pos := o.position()
	if pos == nil {
		return nil, ErrNotActive
	}
	o.mu.Lock()
	now := o.now()
	var events []models.HedgeEvent
	for _, leg := range pos.Legs() {
		if h, ok := leg.Hedge(); ok {
			if ev, err := leg.CloseHedge(h.CurrentPremium, models.CloseStraddleExit, now); err == nil {
				events = append(events, ev)
			}
		}
		leg.Close(leg.CurrentPremium())
	}
	o.mu.Unlock()
	for _, ev := range events {
		o.recordHedge(ctx, pos, ev)
	}
	o.record(ctx, audit.Event{At: now, Kind: audit.ManualExit, StraddleID: pos.ID, Reason: "all positions closed externally"})
	return o.finish(ctx, pos, ExitExternal), nil
}

package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/lock"
	"github.com/eddiefleurent/straddle_hedger/internal/metrics"
	"github.com/eddiefleurent/straddle_hedger/internal/straddle"
)

// Tick outcomes, also used as metric labels.
const (
	outcomeEmergency  = "emergency_stop"
	outcomeClosed     = "market_closed"
	outcomeSquareOff  = "square_off"
	outcomeMonitored  = "monitored"
	outcomeExited     = "exited"
	outcomeEntered    = "entered"
	outcomeNoEntry    = "no_entry"
	outcomeReentry    = "reentry_wait"
	outcomeHalted     = "halted"
	outcomeError      = "error"
	trackerRetention  = 2 * time.Hour
	chainFetchTimeout = 30 * time.Second
)

// TradingCycle encapsulates the per-tick trading logic
type TradingCycle struct {
	bot      *Bot
	lastExit time.Time // last exit already counted for the re-entry wait
	wait     int       // ticks left before a new straddle may be entered
}

// NewTradingCycle creates a new trading cycle handler
func NewTradingCycle(bot *Bot) *TradingCycle {
	return &TradingCycle{bot: bot}
}

// Run executes one trading cycle at now and returns its outcome.
func (tc *TradingCycle) Run(ctx context.Context, now time.Time) string {
	outcome := tc.run(ctx, now.In(tc.bot.loc))
	metrics.TicksTotal.WithLabelValues(outcome).Inc()
	tc.bot.gateway.Tracker().Prune(now.Add(-trackerRetention))
	return outcome
}

func (tc *TradingCycle) run(ctx context.Context, now time.Time) string {
	b := tc.bot
	cfg := b.config

	if tc.emergencyStop() {
		b.logger.Printf("EMERGENCY STOP: %s present, no trading", cfg.Schedule.EmergencyStopFile)
		if b.orch.Active() {
			if err := tc.exit(ctx, straddle.ExitEmergency); err != nil {
				return outcomeError
			}
		}
		return outcomeEmergency
	}

	if !cfg.IsMarketOpen(now) {
		if b.orch.Active() {
			b.logger.Printf("WARNING: market closed at %s with a straddle still open", now.Format("15:04"))
		}
		return outcomeClosed
	}

	if cfg.IsSquareOffTime(now) {
		if !b.orch.Active() {
			return outcomeClosed
		}
		b.logger.Printf("Square-off time %s reached, closing straddle", cfg.Schedule.SquareOff)
		if err := tc.exit(ctx, straddle.ExitSquareOff); err != nil {
			return outcomeError
		}
		return outcomeSquareOff
	}

	tc.reconcile(ctx, now)

	if b.orch.Active() {
		return tc.monitor(ctx)
	}
	return tc.checkEntry(ctx, now)
}

func (tc *TradingCycle) emergencyStop() bool {
	path := tc.bot.config.Schedule.EmergencyStopFile
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// reconcile runs a pass when one is due and persists what it changed.
func (tc *TradingCycle) reconcile(ctx context.Context, now time.Time) {
	b := tc.bot
	if !b.reconciler.ShouldReconcile(now) {
		return
	}
	delta, err := b.reconciler.Reconcile(ctx)
	if err != nil {
		if !errors.Is(err, lock.ErrBusy) && !errors.Is(err, lock.ErrReauthInProgress) {
			b.logger.Printf("Reconciliation failed: %v", err)
		}
		return
	}
	if delta.Exit != nil {
		b.persistExit(ctx, delta.Exit)
	}
	b.persistHalt()
}

// monitor reprices the open straddle, runs the hedge ladders and closes it on an exit signal.
func (tc *TradingCycle) monitor(ctx context.Context) string {
	b := tc.bot
	chainCtx, cancel := context.WithTimeout(ctx, chainFetchTimeout)
	snap, err := b.chainAroundPosition(chainCtx)
	cancel()
	if err != nil {
		b.logger.Printf("Could not load option chain, skipping tick: %v", err)
		return outcomeError
	}

	reason, err := b.orch.UpdateTick(ctx, snap)
	if err != nil {
		b.logger.Printf("Tick completed with errors: %v", err)
	}
	if reason == straddle.ExitNone {
		if err != nil {
			return outcomeError
		}
		st := b.orch.Snapshot()
		if st.Position != nil {
			b.logger.Printf("Straddle %d: CE %.2f (%.1f%%) PE %.2f (%.1f%%) ratio %.2f P&L %.2f",
				st.Position.Strike, st.Position.CE.CurrentPremium, st.Position.CE.LossPct,
				st.Position.PE.CurrentPremium, st.Position.PE.LossPct, st.Position.Ratio, st.Position.PnL)
		}
		return outcomeMonitored
	}
	if err := tc.exit(ctx, reason); err != nil {
		return outcomeError
	}
	return outcomeExited
}

func (tc *TradingCycle) exit(ctx context.Context, reason straddle.ExitReason) error {
	b := tc.bot
	summary, err := b.orch.ExitStraddle(ctx, reason)
	if err != nil {
		b.logger.Printf("CRITICAL: straddle exit (%s) failed, retrying next tick: %v", reason, err)
		return err
	}
	b.persistExit(ctx, summary)
	b.logger.Printf("Straddle closed (%s) at %d: legs %.2f hedges %.2f total %.2f",
		reason, summary.Strike, summary.LegPnL, summary.HedgePnL, summary.Total)
	return nil
}

// checkEntry opens a new straddle when the entry window, halt flag and re-entry wait allow it.
// The configured manual strike applies to the first straddle of the session only.
func (tc *TradingCycle) checkEntry(ctx context.Context, now time.Time) string {
	b := tc.bot
	cfg := b.config
	st := b.orch.Snapshot()

	if !st.LastExit.Equal(tc.lastExit) {
		tc.lastExit = st.LastExit
		if !st.LastExit.IsZero() {
			tc.wait = cfg.Schedule.ReentryWaitTicks
		}
	}
	if tc.wait > 0 {
		tc.wait--
		b.logger.Printf("Waiting before re-entry (%d tick(s) left after this one)", tc.wait)
		return outcomeReentry
	}
	if !cfg.InEntryWindow(now) {
		return outcomeNoEntry
	}
	if st.Halted {
		b.logger.Printf("Automated entry halted (%s); acknowledge to resume", b.reconciler.HaltReason())
		return outcomeHalted
	}

	manual := 0
	if st.Straddles == 0 {
		manual = cfg.Strategy.ManualStrike
	}

	chainCtx, cancel := context.WithTimeout(ctx, chainFetchTimeout)
	defer cancel()
	spot, err := b.feed.GetSpot(chainCtx)
	if err != nil {
		b.logger.Printf("Could not get spot: %v", err)
		return outcomeError
	}
	var extra []int
	if manual > 0 {
		extra = append(extra, manual)
	}
	snap, err := b.feed.GetOptionChain(chainCtx, b.orch.Config().ScanStrikes(spot, extra...))
	if err != nil {
		b.logger.Printf("Could not load option chain: %v", err)
		return outcomeError
	}

	entered, err := b.orch.EnterStraddle(ctx, spot, snap, manual)
	switch {
	case err == nil && entered:
		return outcomeEntered
	case errors.Is(err, straddle.ErrInvalidPremiums):
		b.logger.Printf("Entry conditions not met: %v", err)
		return outcomeNoEntry
	case errors.Is(err, straddle.ErrHalted):
		return outcomeHalted
	case err != nil:
		b.logger.Printf("Straddle entry failed: %v", err)
		return outcomeError
	default:
		return outcomeNoEntry
	}
}

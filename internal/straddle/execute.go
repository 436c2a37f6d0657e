package straddle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/metrics"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/util"
)

// fill is a confirmed execution.
type fill struct {
	OrderID  string
	Price    float64
	Inferred bool // confirmed from venue positions rather than order status
}

// execute places req and waits for its fill.
// Critical orders are placed up to CriticalAttempts times, but a new attempt is made only after the
// previous order is confirmed dead and the venue positions show it did not fill. Orders the venue
// rejects or cancels are never re-placed, and an order left working fails the call. expected prices
// the fill when neither the venue nor the feed can.
func (o *Orchestrator) execute(ctx context.Context, req broker.OrderRequest, expected float64, critical bool) (fill, error) {
	attempts, wait := 1, o.cfg.FillWait
	if critical {
		attempts, wait = o.cfg.CriticalAttempts, o.cfg.CriticalFillWait
	}
	label := fmt.Sprintf("%s %s x%d", req.Side, req.Instrument, req.Quantity)

	var baseline int
	baselineOK := false
	if attempts > 1 {
		baseline, baselineOK = o.netQty(ctx, req.Instrument)
	}

	backoff := o.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if !baselineOK {
				return fill{}, fmt.Errorf("%s: no position baseline, not re-placing: %w", label, lastErr)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fill{}, fmt.Errorf("%s canceled before attempt %d: %w", label, attempt, lastErr)
			}
			backoff *= 2

			qty, ok := o.netQty(ctx, req.Instrument)
			if !ok {
				return fill{}, fmt.Errorf("%s: positions unavailable, not re-placing: %w", label, lastErr)
			}
			if qty-baseline == req.Side.Sign()*req.Quantity {
				o.logger.Printf("%s: venue positions show the previous attempt filled", label)
				return fill{Price: o.quote(ctx, req.Instrument, expected), Inferred: true}, nil
			}
			o.logger.Printf("%s: attempt %d/%d after: %v", label, attempt, attempts, lastErr)
		}

		if req.Type == broker.Limit {
			req.Price = o.limitPrice(ctx, req, expected)
		}
		start := time.Now()
		resp, err := o.deps.Gateway.PlaceOrder(ctx, req)
		if err != nil {
			metrics.OrdersTotal.WithLabelValues(string(req.Side), "error").Inc()
			lastErr = err
			if broker.Classify(err) == broker.ClassRejected {
				return fill{}, fmt.Errorf("%s rejected: %w", label, err)
			}
			continue
		}

		filled, err := o.deps.Gateway.VerifyFill(ctx, resp.OrderID, resp.Status, wait)
		if err != nil {
			if broker.Classify(err) == broker.ClassRejected {
				metrics.OrdersTotal.WithLabelValues(string(req.Side), "rejected").Inc()
				o.logger.Printf("%s: %v, not re-placing", label, err)
				return fill{}, fmt.Errorf("%s rejected: %w", label, err)
			}
			metrics.OrdersTotal.WithLabelValues(string(req.Side), "unconfirmed").Inc()
			if baselineOK {
				if qty, ok := o.netQty(ctx, req.Instrument); ok && qty-baseline == req.Side.Sign()*req.Quantity {
					o.logger.Printf("%s: order %s unconfirmed but venue positions show the fill", label, resp.OrderID)
					return fill{Price: o.quote(ctx, req.Instrument, expected), Inferred: true}, nil
				}
			}
			o.logger.Printf("CRITICAL: %s: %v, not re-placing while the order may still fill", label, err)
			return fill{}, fmt.Errorf("%s unconfirmed: %w", label, err)
		}
		if !filled {
			metrics.OrdersTotal.WithLabelValues(string(req.Side), "not_filled").Inc()
			lastErr = fmt.Errorf("order %s cancelled unfilled", resp.OrderID)
			continue
		}

		metrics.OrdersTotal.WithLabelValues(string(req.Side), "filled").Inc()
		metrics.FillLatency.Observe(time.Since(start).Seconds())
		price, ok := o.deps.Gateway.GetFillPrice(ctx, resp.OrderID)
		if !ok {
			price = o.quote(ctx, req.Instrument, expected)
		}
		return fill{OrderID: resp.OrderID, Price: price}, nil
	}
	return fill{}, fmt.Errorf("%s failed after %d attempt(s): %w", label, attempts, lastErr)
}

// netQty returns the fresh venue net quantity held in inst.
func (o *Orchestrator) netQty(ctx context.Context, inst models.Instrument) (int, bool) {
	held, err := o.holdings(ctx)
	if err != nil {
		o.logger.Printf("Warning: positions unavailable for %s: %v", inst, err)
		return 0, false
	}
	return held[inst.Key()], true
}

// holdings returns fresh venue net quantities keyed by instrument key.
func (o *Orchestrator) holdings(ctx context.Context) (map[string]int, error) {
	positions, err := o.deps.Gateway.GetPositions(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(positions))
	for _, p := range positions {
		out[p.Instrument.Key()] += p.NetQty
	}
	return out, nil
}

// quote returns a fresh premium for inst, or fallback.
func (o *Orchestrator) quote(ctx context.Context, inst models.Instrument, fallback float64) float64 {
	if o.deps.Feed != nil {
		if p, ok := o.deps.Feed.GetPrice(ctx, inst); ok {
			return p
		}
	}
	return fallback
}

// limitPrice crosses the current premium by LimitSlippage so the order is marketable, snapped to
// the option tick away from the quote.
func (o *Orchestrator) limitPrice(ctx context.Context, req broker.OrderRequest, expected float64) float64 {
	ref := o.quote(ctx, req.Instrument, expected)
	if req.Side == models.Buy {
		return util.CeilToTick(util.Money(ref*(1+o.cfg.LimitSlippage)).InexactFloat64(), util.OptionTick)
	}
	limit := util.FloorToTick(util.Money(ref*(1-o.cfg.LimitSlippage)).InexactFloat64(), util.OptionTick)
	return math.Max(limit, util.OptionTick)
}

func (o *Orchestrator) order(inst models.Instrument, side models.Side, qty int, tag string) broker.OrderRequest {
	return broker.OrderRequest{
		Instrument: inst,
		Side:       side,
		Type:       o.cfg.OrderType,
		Tag:        o.tag(tag),
		Quantity:   qty,
	}
}

// tag builds a venue order tag; AngelOne accepts at most 20 characters.
func (o *Orchestrator) tag(suffix string) string {
	t := strings.ToUpper(o.cfg.TagPrefix + "-" + suffix)
	if len(t) > 20 {
		t = t[:20]
	}
	return t
}

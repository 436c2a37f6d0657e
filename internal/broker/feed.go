package broker

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/cache"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

// Runner executes one venue call, typically retrying it and re-authenticating on auth errors.
type Runner interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

type direct struct{}

func (direct) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// QuoteFeed implements PriceFeed with a short-lived quote cache.
// Batch quotes are preferred; tokens missing from a batch fall back to single quotes.
type QuoteFeed struct {
	venue    Venue
	resolver Resolver
	runner   Runner
	quotes   *cache.TTL[string, float64]
	logger   *log.Logger
	now      func() time.Time
}

// Ensure QuoteFeed implements PriceFeed at compile time.
var _ PriceFeed = (*QuoteFeed)(nil)

// NewQuoteFeed creates a feed whose cached quotes live for ttl.
func NewQuoteFeed(venue Venue, resolver Resolver, ttl time.Duration, logger *log.Logger) *QuoteFeed {
	if logger == nil {
		logger = log.New(os.Stderr, "[FEED] ", log.LstdFlags)
	}
	return &QuoteFeed{
		venue:    venue,
		resolver: resolver,
		runner:   direct{},
		quotes:   cache.New[string, float64](ttl),
		logger:   logger,
		now:      time.Now,
	}
}

// SetRunner routes every venue call of the feed through r.
func (f *QuoteFeed) SetRunner(r Runner) {
	if r == nil {
		r = direct{}
	}
	f.runner = r
}

// GetSpot returns the live underlying level. Spot is never cached.
func (f *QuoteFeed) GetSpot(ctx context.Context) (float64, error) {
	var spot float64
	err := f.runner.Do(ctx, "spot", func(ctx context.Context) error {
		var err error
		spot, err = f.venue.Spot(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("spot: %w", err)
	}
	if spot <= 0 {
		return 0, fmt.Errorf("spot: non-positive value %.2f", spot)
	}
	return spot, nil
}

// GetPrice returns the premium of one contract, or false when unknown.
func (f *QuoteFeed) GetPrice(ctx context.Context, inst models.Instrument) (float64, bool) {
	key := inst.Key()
	if p, ok := f.quotes.Get(key); ok {
		return p, true
	}
	var p float64
	err := f.runner.Do(ctx, "quote "+inst.Symbol, func(ctx context.Context) error {
		var err error
		p, err = f.venue.Quote(ctx, inst)
		return err
	})
	if err != nil || p <= 0 {
		if err != nil {
			f.logger.Printf("quote %s: %v", inst, err)
		}
		return 0, false
	}
	f.quotes.Set(key, p)
	return p, true
}

// Prime stores a known premium, typically a fill price.
func (f *QuoteFeed) Prime(inst models.Instrument, premium float64) {
	if premium > 0 {
		f.quotes.Set(inst.Key(), premium)
	}
}

// Invalidate drops every cached quote.
func (f *QuoteFeed) Invalidate() {
	f.quotes.Clear()
}

// GetOptionChain quotes both sides of each strike. Unpriced contracts are omitted.
func (f *QuoteFeed) GetOptionChain(ctx context.Context, strikes []int) (*models.ChainSnapshot, error) {
	spot, err := f.GetSpot(ctx)
	if err != nil {
		return nil, err
	}

	var insts []models.Instrument
	for _, s := range strikes {
		for _, k := range []models.OptionKind{models.Call, models.Put} {
			inst, err := f.resolver.Option(s, k)
			if err != nil {
				f.logger.Printf("skipping %d%s: %v", s, k, err)
				continue
			}
			insts = append(insts, inst)
		}
	}

	snap := models.NewChainSnapshot(spot, f.now())
	var prices map[string]float64
	err = f.runner.Do(ctx, "batch quotes", func(ctx context.Context) error {
		var err error
		prices, err = f.venue.BatchQuotes(ctx, insts)
		return err
	})
	if err != nil {
		f.logger.Printf("batch quote failed, using single quotes: %v", err)
	}
	for _, inst := range insts {
		p, ok := prices[inst.Token]
		if ok && p > 0 {
			f.quotes.Set(inst.Key(), p)
		} else {
			p, ok = f.GetPrice(ctx, inst)
		}
		if ok {
			snap.Set(models.OptionQuote{Instrument: inst, Premium: p})
		}
	}
	if len(snap.Strikes) == 0 {
		return snap, fmt.Errorf("option chain: no prices for %d strikes", len(strikes))
	}
	return snap, nil
}

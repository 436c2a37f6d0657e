// Package ratelimit spaces venue calls per operation category.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Category groups venue calls that share a minimum spacing.
type Category string

const (
	Order      Category = "order"
	Position   Category = "position"
	Quote      Category = "quote"
	BatchQuote Category = "batch_quote"
	OrderBook  Category = "order_book"
	Default    Category = "default"
)

// DefaultSpacing is the minimum interval between two calls of the same category.
var DefaultSpacing = map[Category]time.Duration{
	Order:      120 * time.Millisecond,
	Position:   1 * time.Second,
	Quote:      350 * time.Millisecond,
	BatchQuote: 2500 * time.Millisecond,
	OrderBook:  1 * time.Second,
	Default:    500 * time.Millisecond,
}

// Limiter holds one single-token bucket per category, so a call waits only for its own category.
type Limiter struct {
	limiters map[Category]*rate.Limiter
	spacing  map[Category]time.Duration
	mu       sync.Mutex
}

// New creates a limiter; categories missing from spacing use DefaultSpacing.
func New(spacing map[Category]time.Duration) *Limiter {
	merged := make(map[Category]time.Duration, len(DefaultSpacing))
	for c, d := range DefaultSpacing {
		merged[c] = d
	}
	for c, d := range spacing {
		merged[c] = d
	}
	return &Limiter{
		limiters: make(map[Category]*rate.Limiter),
		spacing:  merged,
	}
}

// Wait blocks until a call in cat is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, cat Category) error {
	return l.limiter(cat).Wait(ctx)
}

// Spacing returns the configured spacing for cat.
func (l *Limiter) Spacing(cat Category) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.spacing[cat]; ok {
		return d
	}
	return l.spacing[Default]
}

func (l *Limiter) limiter(cat Category) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[cat]; ok {
		return lim
	}
	d, ok := l.spacing[cat]
	if !ok {
		d = l.spacing[Default]
	}
	limit := rate.Inf
	if d > 0 {
		limit = rate.Every(d)
	}
	lim := rate.NewLimiter(limit, 1)
	l.limiters[cat] = lim
	return lim
}

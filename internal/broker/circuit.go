package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

// CircuitBreakerVenue wraps a Venue with circuit breaker functionality.
// Order rejections count as successes so bad parameters never open the circuit.
type CircuitBreakerVenue struct {
	venue   Venue
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at 60% failures over at least 5 requests.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// Ensure the wrapper is itself a Venue.
var _ Venue = (*CircuitBreakerVenue)(nil)

// NewCircuitBreakerVenue creates a CircuitBreakerVenue with custom settings
func NewCircuitBreakerVenue(venue Venue, settings CircuitBreakerSettings, logger *log.Logger) *CircuitBreakerVenue {
	if logger == nil {
		logger = log.Default()
	}
	gbSettings := gobreaker.Settings{
		Name:        "VenueCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			c := Classify(err)
			return c == ClassRejected || c == ClassAuth
		},
	}

	return &CircuitBreakerVenue{
		venue:   venue,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker state.
func (c *CircuitBreakerVenue) State() gobreaker.State {
	return c.breaker.State()
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	venue Venue,
	fn func(Venue) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(venue) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Login is not guarded; a tripped breaker must not block re-authentication.
func (c *CircuitBreakerVenue) Login(ctx context.Context) (*Session, error) {
	return c.venue.Login(ctx)
}

func (c *CircuitBreakerVenue) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.venue, func(v Venue) (*OrderResponse, error) { return v.PlaceOrder(ctx, req) })
}

func (c *CircuitBreakerVenue) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.venue, func(v Venue) (*OrderStatus, error) { return v.OrderStatus(ctx, orderID) })
}

func (c *CircuitBreakerVenue) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.venue, func(v Venue) (struct{}, error) { return struct{}{}, v.CancelOrder(ctx, orderID) })
	return err
}

func (c *CircuitBreakerVenue) Positions(ctx context.Context) ([]models.VenuePosition, error) {
	return execCircuitBreaker(c.breaker, c.venue, func(v Venue) ([]models.VenuePosition, error) { return v.Positions(ctx) })
}

func (c *CircuitBreakerVenue) Quote(ctx context.Context, inst models.Instrument) (float64, error) {
	return execCircuitBreaker(c.breaker, c.venue, func(v Venue) (float64, error) { return v.Quote(ctx, inst) })
}

func (c *CircuitBreakerVenue) BatchQuotes(ctx context.Context, insts []models.Instrument) (map[string]float64, error) {
	return execCircuitBreaker(c.breaker, c.venue, func(v Venue) (map[string]float64, error) { return v.BatchQuotes(ctx, insts) })
}

func (c *CircuitBreakerVenue) Spot(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.venue, func(v Venue) (float64, error) { return v.Spot(ctx) })
}

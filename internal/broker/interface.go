// Package broker defines the venue contracts and the AngelOne SmartAPI client.
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

// Venue is the raw brokerage API. Each method is one request.
type Venue interface {
	// Session
	Login(ctx context.Context) (*Session, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Account
	Positions(ctx context.Context) ([]models.VenuePosition, error)

	// Market data
	Quote(ctx context.Context, inst models.Instrument) (float64, error)
	BatchQuotes(ctx context.Context, insts []models.Instrument) (map[string]float64, error)
	Spot(ctx context.Context) (float64, error)
}

// Gateway places and verifies orders on behalf of the trading core.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	// VerifyFill waits up to maxWait for a terminal status; known is the status returned at placement.
	// An order still working afterwards is cancelled. (false, nil) means the order is confirmed dead
	// without a fill; venue rejections and cancellations, and orders whose state cannot be settled,
	// are reported as errors (ErrOrderRejected, ErrOrderCancelled, ErrOrderUnconfirmed).
	VerifyFill(ctx context.Context, orderID string, known OrderState, maxWait time.Duration) (bool, error)
	GetFillPrice(ctx context.Context, orderID string) (float64, bool)
	GetPositions(ctx context.Context, forceRefresh bool) ([]models.VenuePosition, error)
	Login(ctx context.Context) error
}

// PriceFeed serves premiums. Missing prices are reported as absent, never as stale values.
type PriceFeed interface {
	GetSpot(ctx context.Context) (float64, error)
	GetPrice(ctx context.Context, inst models.Instrument) (float64, bool)
	GetOptionChain(ctx context.Context, strikes []int) (*models.ChainSnapshot, error)
}

// Resolver maps a strike and kind to a tradable contract.
type Resolver interface {
	Option(strike int, kind models.OptionKind) (models.Instrument, error)
}

// Session holds the tokens returned by login.
type Session struct {
	IssuedAt     time.Time
	JWT          string
	RefreshToken string
	FeedToken    string
}

// OrderType is the venue order type.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderRequest describes one option order.
type OrderRequest struct {
	Instrument models.Instrument
	Side       models.Side
	Type       OrderType
	Tag        string
	Quantity   int
	Price      float64
}

// OrderState is the normalized order status.
type OrderState string

const (
	StatePending   OrderState = "pending"
	StateOpen      OrderState = "open"
	StateComplete  OrderState = "complete"
	StateRejected  OrderState = "rejected"
	StateCancelled OrderState = "cancelled"
	StateUnknown   OrderState = "unknown"
)

// Filled reports whether the order traded.
func (s OrderState) Filled() bool {
	return s == StateComplete
}

// Terminal reports whether the order will not change again.
func (s OrderState) Terminal() bool {
	return s == StateComplete || s == StateRejected || s == StateCancelled
}

// ParseOrderState normalizes a venue status string.
func ParseOrderState(s string) OrderState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "complete", "completed", "traded", "filled":
		return StateComplete
	case "rejected":
		return StateRejected
	case "cancelled", "canceled":
		return StateCancelled
	case "open", "open pending", "trigger pending", "modify pending":
		return StateOpen
	case "validation pending", "put order req received", "pending", "after market order req received":
		return StatePending
	default:
		return StateUnknown
	}
}

// OrderResponse is returned by order placement.
type OrderResponse struct {
	OrderID string
	Status  OrderState
	Message string
}

// OrderStatus is the latest known state of an order. Order-update events use the same shape.
type OrderStatus struct {
	UpdatedAt    time.Time
	OrderID      string
	Status       OrderState
	Message      string
	AveragePrice float64
	FilledQty    int
}

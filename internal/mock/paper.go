// Package mock provides an in-process paper venue with a synthetic NIFTY option chain.
package mock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/util"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// PlacedOrder records one order accepted by the paper venue.
type PlacedOrder struct {
	Request broker.OrderRequest
	Status  broker.OrderStatus
}

// PaperVenue simulates the brokerage: instant fills at the current premium and signed net positions.
// Premiums set explicitly win over the synthetic pricing model.
type PaperVenue struct {
	premiums  map[string]float64
	positions map[string]*models.VenuePosition
	orders    map[string]*PlacedOrder
	rejects   map[string]string
	holds     map[string]bool
	updates   chan broker.OrderStatus
	placeErr  error
	cancelErr error
	now       func() time.Time
	order     []string
	spot      float64
	vol       float64 // annualized implied volatility used by the model
	daysLeft  float64
	logins    int
	model     bool
	mu        sync.Mutex
}

// Ensure PaperVenue implements broker.Venue at compile time.
var _ broker.Venue = (*PaperVenue)(nil)

// NewPaperVenue creates a venue with spot set and the pricing model enabled.
func NewPaperVenue(spot float64) *PaperVenue {
	return &PaperVenue{
		premiums:  make(map[string]float64),
		positions: make(map[string]*models.VenuePosition),
		orders:    make(map[string]*PlacedOrder),
		rejects:   make(map[string]string),
		holds:     make(map[string]bool),
		updates:   make(chan broker.OrderStatus, 256),
		now:       time.Now,
		spot:      spot,
		vol:       0.12 + secureFloat64()*0.06, // 12-18% like NIFTY weeklies
		daysLeft:  3,
		model:     true,
	}
}

// NewScriptedVenue creates a venue that only knows premiums set with SetPremium.
func NewScriptedVenue(spot float64) *PaperVenue {
	v := NewPaperVenue(spot)
	v.model = false
	return v
}

// Updates is the order-update stream. Sends never block; updates are dropped when the buffer is full.
func (v *PaperVenue) Updates() <-chan broker.OrderStatus {
	return v.updates
}

// SetSpot moves the underlying. A non-positive spot makes Spot fail.
func (v *PaperVenue) SetSpot(spot float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.spot = spot
}

// SetPremium pins the premium of inst. A non-positive premium removes the quote.
func (v *PaperVenue) SetPremium(inst models.Instrument, premium float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if premium <= 0 {
		delete(v.premiums, inst.Key())
		return
	}
	v.premiums[inst.Key()] = premium
}

// ClearPremiums drops pinned premiums so the model prices everything.
func (v *PaperVenue) ClearPremiums() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.premiums = make(map[string]float64)
}

// Step moves spot by a random walk of up to maxMove points in either direction.
func (v *PaperVenue) Step(maxMove float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.spot += (secureFloat64() - 0.5) * 2 * maxMove
	return v.spot
}

// Reject makes every later order on inst end rejected with msg.
func (v *PaperVenue) Reject(inst models.Instrument, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejects[inst.Key()] = msg
}

// Hold leaves later orders on inst open without filling.
func (v *PaperVenue) Hold(inst models.Instrument) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.holds[inst.Key()] = true
}

// FailPlacement makes PlaceOrder return err until cleared with nil.
func (v *PaperVenue) FailPlacement(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeErr = err
}

// FailCancel makes CancelOrder return err, leaving the order as it is, until cleared with nil.
func (v *PaperVenue) FailCancel(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelErr = err
}

// SetPosition overwrites the net quantity held in inst, as a manual trade at the terminal would.
func (v *PaperVenue) SetPosition(inst models.Instrument, netQty int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if netQty == 0 {
		delete(v.positions, inst.Key())
		return
	}
	v.positions[inst.Key()] = &models.VenuePosition{Instrument: inst, NetQty: netQty}
}

// ClearPositions flattens the account.
func (v *PaperVenue) ClearPositions() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions = make(map[string]*models.VenuePosition)
}

// NetQty returns the net quantity held in inst.
func (v *PaperVenue) NetQty(inst models.Instrument) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.positions[inst.Key()]; ok {
		return p.NetQty
	}
	return 0
}

// Orders returns placed orders oldest first.
func (v *PaperVenue) Orders() []PlacedOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]PlacedOrder, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, *v.orders[id])
	}
	return out
}

// Logins returns how many times Login was called.
func (v *PaperVenue) Logins() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.logins
}

// Login always succeeds.
func (v *PaperVenue) Login(ctx context.Context) (*broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logins++
	return &broker.Session{IssuedAt: v.now(), JWT: "paper-" + uuid.NewString(), FeedToken: "paper"}, nil
}

// PlaceOrder accepts the order and settles it at once unless it is held or rejected.
func (v *PaperVenue) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, &broker.APIError{Status: 400, Message: fmt.Sprintf("invalid quantity %d", req.Quantity)}
	}

	v.mu.Lock()
	if v.placeErr != nil {
		err := v.placeErr
		v.mu.Unlock()
		return nil, err
	}

	id := uuid.NewString()
	key := req.Instrument.Key()
	st := broker.OrderStatus{UpdatedAt: v.now(), OrderID: id, Status: broker.StateOpen}
	switch {
	case v.rejects[key] != "":
		st.Status = broker.StateRejected
		st.Message = v.rejects[key]
	case v.holds[key]:
	default:
		price, ok := v.priceLocked(req.Instrument)
		if !ok {
			st.Status = broker.StateRejected
			st.Message = "no quote for " + req.Instrument.String()
			break
		}
		st.Status = broker.StateComplete
		st.AveragePrice = price
		st.FilledQty = req.Quantity
		v.applyFillLocked(req, price)
	}
	v.orders[id] = &PlacedOrder{Request: req, Status: st}
	v.order = append(v.order, id)
	v.mu.Unlock()

	select {
	case v.updates <- st:
	default:
	}
	return &broker.OrderResponse{OrderID: id, Status: broker.StatePending}, nil
}

// OrderStatus returns the recorded status of orderID.
func (v *PaperVenue) OrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Message: "order " + orderID + " not found"}
	}
	st := o.Status
	return &st, nil
}

// CancelOrder cancels a working order. Orders already complete, rejected or cancelled cannot be cancelled.
func (v *PaperVenue) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	if v.cancelErr != nil {
		err := v.cancelErr
		v.mu.Unlock()
		return err
	}
	o, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return &broker.APIError{Status: 404, Message: "order " + orderID + " not found"}
	}
	if o.Status.Status.Terminal() {
		st := o.Status.Status
		v.mu.Unlock()
		return &broker.APIError{Status: 400, Code: "AB4009", Message: fmt.Sprintf("order %s already %s", orderID, st)}
	}
	o.Status.Status = broker.StateCancelled
	o.Status.Message = "cancelled by user"
	o.Status.UpdatedAt = v.now()
	st := o.Status
	v.mu.Unlock()

	select {
	case v.updates <- st:
	default:
	}
	return nil
}

// Positions returns open positions sorted by key, marked at the current premium.
func (v *PaperVenue) Positions(ctx context.Context) ([]models.VenuePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.positions))
	for k := range v.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.VenuePosition, 0, len(keys))
	for _, k := range keys {
		p := *v.positions[k]
		if price, ok := v.priceLocked(p.Instrument); ok {
			p.LastPrice = price
		}
		out = append(out, p)
	}
	return out, nil
}

// Quote returns the premium of inst.
func (v *PaperVenue) Quote(ctx context.Context, inst models.Instrument) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.priceLocked(inst)
	if !ok {
		return 0, fmt.Errorf("no quote for %s", inst)
	}
	return p, nil
}

// BatchQuotes prices every known instrument, keyed by instrument key.
func (v *PaperVenue) BatchQuotes(ctx context.Context, insts []models.Instrument) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]float64, len(insts))
	for _, inst := range insts {
		if p, ok := v.priceLocked(inst); ok {
			out[inst.Key()] = p
		}
	}
	return out, nil
}

// Spot returns the underlying level.
func (v *PaperVenue) Spot(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.spot <= 0 {
		return 0, errors.New("spot unavailable")
	}
	return v.spot, nil
}

func (v *PaperVenue) applyFillLocked(req broker.OrderRequest, price float64) {
	key := req.Instrument.Key()
	p, ok := v.positions[key]
	if !ok {
		p = &models.VenuePosition{Instrument: req.Instrument}
		v.positions[key] = p
	}
	p.NetQty += req.Side.Sign() * req.Quantity
	p.LastPrice = price
	if p.NetQty == 0 {
		delete(v.positions, key)
	}
}

func (v *PaperVenue) priceLocked(inst models.Instrument) (float64, bool) {
	if p, ok := v.premiums[inst.Key()]; ok {
		return p, true
	}
	if !v.model || v.spot <= 0 || inst.Strike <= 0 || !inst.Kind.Valid() {
		return 0, false
	}
	return modelPremium(v.spot, float64(inst.Strike), inst.Kind, v.vol, v.daysLeft), true
}

// modelPremium approximates an option price as intrinsic value plus a time value
// that peaks at the money and decays with distance from spot.
func modelPremium(spot, strike float64, kind models.OptionKind, vol, days float64) float64 {
	intrinsic := math.Max(0, spot-strike)
	if kind == models.Put {
		intrinsic = math.Max(0, strike-spot)
	}
	sigma := spot * vol * math.Sqrt(days/365)
	if sigma <= 0 {
		return math.Max(intrinsic, util.OptionTick)
	}
	d := (spot - strike) / sigma
	timeValue := 0.4 * sigma * math.Exp(-d*d/2)
	return math.Max(util.RoundToTick(intrinsic+timeValue, util.OptionTick), util.OptionTick)
}

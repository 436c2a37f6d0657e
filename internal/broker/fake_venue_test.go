package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

// fakeVenue is a scripted Venue for tests.
type fakeVenue struct {
	mu         sync.Mutex
	err        error
	spot       float64
	quotes     map[string]float64
	batch      map[string]float64
	batchErr   error
	positions  []models.VenuePosition
	quoteCalls int
	batchCalls int
	orderCalls int
}

var _ Venue = (*fakeVenue)(nil)

var errFakeDown = errors.New("connection refused")

func (f *fakeVenue) Login(ctx context.Context) (*Session, error) {
	return &Session{JWT: "jwt"}, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &OrderResponse{OrderID: "1", Status: StatePending}, nil
}

func (f *fakeVenue) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &OrderStatus{OrderID: orderID, Status: StateComplete}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, orderID string) error {
	return f.err
}

func (f *fakeVenue) Positions(ctx context.Context) ([]models.VenuePosition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

func (f *fakeVenue) Quote(ctx context.Context, inst models.Instrument) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls++
	if f.err != nil {
		return 0, f.err
	}
	p, ok := f.quotes[inst.Key()]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

func (f *fakeVenue) BatchQuotes(ctx context.Context, insts []models.Instrument) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make(map[string]float64)
	for _, inst := range insts {
		if p, ok := f.batch[inst.Token]; ok {
			out[inst.Token] = p
		}
	}
	return out, nil
}

func (f *fakeVenue) Spot(ctx context.Context) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.spot, nil
}

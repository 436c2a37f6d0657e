package orders

import (
	"context"
	"sync"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
)

// Tracker records order-update events and wakes goroutines waiting on a terminal status.
type Tracker struct {
	latest  map[string]broker.OrderStatus
	waiters map[string][]chan broker.OrderStatus
	mu      sync.Mutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		latest:  make(map[string]broker.OrderStatus),
		waiters: make(map[string][]chan broker.OrderStatus),
	}
}

// Run consumes updates until ctx is done or the channel closes.
func (t *Tracker) Run(ctx context.Context, updates <-chan broker.OrderStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			t.Observe(u)
		}
	}
}

// Observe records one status. Terminal statuses are delivered to every waiter for the order.
func (t *Tracker) Observe(u broker.OrderStatus) {
	if u.OrderID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.latest[u.OrderID]; ok && prev.Status.Terminal() && !u.Status.Terminal() {
		return
	}
	t.latest[u.OrderID] = u
	if !u.Status.Terminal() {
		return
	}
	for _, ch := range t.waiters[u.OrderID] {
		ch <- u
	}
	delete(t.waiters, u.OrderID)
}

// Latest returns the last status seen for orderID.
func (t *Tracker) Latest(orderID string) (broker.OrderStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.latest[orderID]
	return u, ok
}

// Wait blocks until orderID reaches a terminal status, timeout elapses, or ctx is done.
func (t *Tracker) Wait(ctx context.Context, orderID string, timeout time.Duration) (broker.OrderStatus, bool) {
	t.mu.Lock()
	if u, ok := t.latest[orderID]; ok && u.Status.Terminal() {
		t.mu.Unlock()
		return u, true
	}
	ch := make(chan broker.OrderStatus, 1)
	t.waiters[orderID] = append(t.waiters[orderID], ch)
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case u := <-ch:
		return u, true
	case <-timer.C:
	case <-ctx.Done():
	}
	t.removeWaiter(orderID, ch)
	return broker.OrderStatus{}, false
}

// Prune forgets statuses last updated before cutoff.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, u := range t.latest {
		if u.UpdatedAt.Before(cutoff) && len(t.waiters[id]) == 0 {
			delete(t.latest, id)
			n++
		}
	}
	return n
}

func (t *Tracker) removeWaiter(orderID string, ch chan broker.OrderStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[orderID]
	for i, c := range list {
		if c == ch {
			t.waiters[orderID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.waiters[orderID]) == 0 {
		delete(t.waiters, orderID)
	}
}

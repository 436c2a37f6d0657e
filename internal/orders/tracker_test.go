package orders

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
)

func TestTracker_WaitDelivered(t *testing.T) {
	tr := NewTracker()
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Observe(broker.OrderStatus{OrderID: "a", Status: broker.StateOpen})
		tr.Observe(broker.OrderStatus{OrderID: "a", Status: broker.StateComplete, AveragePrice: 99})
	}()
	u, ok := tr.Wait(context.Background(), "a", time.Second)
	if !ok || u.Status != broker.StateComplete || u.AveragePrice != 99 {
		t.Fatalf("Wait = %+v, %v", u, ok)
	}
}

func TestTracker_WaitAlreadyTerminal(t *testing.T) {
	tr := NewTracker()
	tr.Observe(broker.OrderStatus{OrderID: "a", Status: broker.StateRejected})
	u, ok := tr.Wait(context.Background(), "a", time.Millisecond)
	if !ok || u.Status != broker.StateRejected {
		t.Fatalf("Wait = %+v, %v", u, ok)
	}
}

func TestTracker_TerminalIsSticky(t *testing.T) {
	tr := NewTracker()
	tr.Observe(broker.OrderStatus{OrderID: "a", Status: broker.StateComplete})
	tr.Observe(broker.OrderStatus{OrderID: "a", Status: broker.StateOpen})
	if u, _ := tr.Latest("a"); u.Status != broker.StateComplete {
		t.Errorf("late non-terminal update overwrote terminal status: %s", u.Status)
	}
	tr.Observe(broker.OrderStatus{Status: broker.StateComplete})
	if _, ok := tr.Latest(""); ok {
		t.Error("updates without an order id must be ignored")
	}
}

func TestTracker_WaitTimeoutRemovesWaiter(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.Wait(context.Background(), "a", 5*time.Millisecond); ok {
		t.Fatal("expected timeout")
	}
	tr.mu.Lock()
	n := len(tr.waiters)
	tr.mu.Unlock()
	if n != 0 {
		t.Errorf("waiters left behind: %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := tr.Wait(ctx, "b", time.Second); ok {
		t.Fatal("expected cancellation")
	}
}

func TestTracker_Run(t *testing.T) {
	tr := NewTracker()
	ch := make(chan broker.OrderStatus, 1)
	done := make(chan struct{})
	go func() {
		tr.Run(context.Background(), ch)
		close(done)
	}()
	ch <- broker.OrderStatus{OrderID: "a", Status: broker.StateComplete}
	if _, ok := tr.Wait(context.Background(), "a", time.Second); !ok {
		t.Fatal("update not consumed")
	}
	close(ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
}

func TestTracker_Prune(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.Observe(broker.OrderStatus{OrderID: "old", Status: broker.StateComplete, UpdatedAt: now.Add(-time.Hour)})
	tr.Observe(broker.OrderStatus{OrderID: "new", Status: broker.StateComplete, UpdatedAt: now})
	if n := tr.Prune(now.Add(-time.Minute)); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, ok := tr.Latest("new"); !ok {
		t.Error("recent status pruned")
	}
}

// Package audit keeps an append-only record of trades, hedge transitions and manual interventions.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

// Kind classifies an audit event.
type Kind string

const (
	StraddleEntered   Kind = "straddle_entered"
	StraddleExited    Kind = "straddle_exited"
	EntryFailed       Kind = "entry_failed"
	HedgeEntered      Kind = "hedge_entered"
	HedgeClosed       Kind = "hedge_closed"
	ManualAddition    Kind = "manual_addition"
	ManualExit        Kind = "manual_exit"
	LevelSkipped      Kind = "level_skipped"
	ReconcileCritical Kind = "reconcile_critical"
	Halted            Kind = "halted"
	HaltAcknowledged  Kind = "halt_acknowledged"
)

// Event is one structured fact.
type Event struct {
	At         time.Time         `json:"at"`
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	StraddleID string            `json:"straddle_id,omitempty"`
	Leg        models.OptionKind `json:"leg,omitempty"`
	Instrument string            `json:"instrument,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Level      int               `json:"level,omitempty"`
	Price      float64           `json:"price,omitempty"`
	PnL        float64           `json:"pnl,omitempty"`
}

// Sink stores events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// FromHedgeEvent converts a leg transition into an audit event.
func FromHedgeEvent(straddleID string, he models.HedgeEvent) Event {
	kind := Kind(he.Kind)
	return Event{
		At:         he.At,
		Kind:       kind,
		StraddleID: straddleID,
		Leg:        he.Leg,
		Instrument: he.Instrument.String(),
		Reason:     he.Reason,
		Level:      he.Level,
		Price:      he.Price,
		PnL:        he.PnL,
	}
}

// Stamp fills the ID and timestamp when unset.
func Stamp(e Event, now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = now
	}
	return e
}

// Memory is an in-process sink.
type Memory struct {
	events []Event
	mu     sync.Mutex
}

// NewMemory creates an empty sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends e.
func (m *Memory) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Stamp(e, time.Now()))
	return nil
}

// Events returns recorded events, optionally only those of the given kinds.
func (m *Memory) Events(kinds ...Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(kinds) == 0 {
		return append([]Event(nil), m.events...)
	}
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []Event
	for _, e := range m.events {
		if want[e.Kind] {
			out = append(out, e)
		}
	}
	return out
}

// Discard drops every event.
type Discard struct{}

// Record does nothing.
func (Discard) Record(context.Context, Event) error { return nil }

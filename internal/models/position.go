package models

import (
	"fmt"
	"math"
	"time"
)

// StraddlePosition is the paired short call and put at one strike.
// Both legs are created and closed together.
type StraddlePosition struct {
	EntryTime time.Time `json:"entry_time"`
	CE        *Leg      `json:"-"`
	PE        *Leg      `json:"-"`
	ID        string    `json:"id"`
	Strike    int       `json:"strike"`
	EntrySpot float64   `json:"entry_spot"`
	Active    bool      `json:"active"`
}

// NewStraddlePosition creates an active straddle from two filled legs.
func NewStraddlePosition(id string, strike int, spot float64, ce, pe *Leg, entryTime time.Time) (*StraddlePosition, error) {
	if ce == nil || pe == nil {
		return nil, fmt.Errorf("straddle requires both legs")
	}
	if ce.Kind() != Call || pe.Kind() != Put {
		return nil, fmt.Errorf("straddle legs must be CE and PE, got %s and %s", ce.Kind(), pe.Kind())
	}
	if ce.Instrument().Strike != strike || pe.Instrument().Strike != strike {
		return nil, fmt.Errorf("straddle legs must share strike %d", strike)
	}
	return &StraddlePosition{
		ID:        id,
		Strike:    strike,
		EntrySpot: spot,
		EntryTime: entryTime,
		CE:        ce,
		PE:        pe,
		Active:    true,
	}, nil
}

// Leg returns the leg of kind k
func (p *StraddlePosition) Leg(k OptionKind) *Leg {
	if k == Put {
		return p.PE
	}
	return p.CE
}

// Counterpart returns the leg opposite to k
func (p *StraddlePosition) Counterpart(k OptionKind) *Leg {
	return p.Leg(k.Opposite())
}

// Legs returns the legs in evaluation order: call first, then put
func (p *StraddlePosition) Legs() []*Leg {
	return []*Leg{p.CE, p.PE}
}

// PremiumRatio is min(ce, pe) / max(ce, pe) of the current leg premiums
func (p *StraddlePosition) PremiumRatio() float64 {
	ce, pe := p.CE.CurrentPremium(), p.PE.CurrentPremium()
	hi := math.Max(ce, pe)
	if hi <= 0 {
		return 0
	}
	return math.Min(ce, pe) / hi
}

// PnL returns the combined P&L of both legs and their hedges
func (p *StraddlePosition) PnL() float64 {
	return p.CE.PnL().Total + p.PE.PnL().Total
}

// PositionRole tells reconciliation what an expected entry represents
type PositionRole string

const (
	RoleLeg   PositionRole = "leg"
	RoleHedge PositionRole = "hedge"
)

// PositionEntry is one expected venue position
type PositionEntry struct {
	Instrument Instrument   `json:"instrument"`
	Role       PositionRole `json:"role"`
	Leg        OptionKind   `json:"leg"`
	Quantity   int          `json:"quantity"`
	Level      int          `json:"level,omitempty"`
}

// ExpectedPositions is keyed by Instrument.Key()
type ExpectedPositions map[string]PositionEntry

// ExpectedPositions derives the signed venue quantities the straddle should hold.
// A hedge is expected while it is active, even when its leg is already closed.
func (p *StraddlePosition) ExpectedPositions() ExpectedPositions {
	out := make(ExpectedPositions)
	if p == nil || !p.Active {
		return out
	}
	for _, leg := range p.Legs() {
		if !leg.Closed() {
			out.add(PositionEntry{
				Instrument: leg.Instrument(),
				Role:       RoleLeg,
				Leg:        leg.Kind(),
				Quantity:   -leg.LotSize(),
			})
		}
		if h, ok := leg.Hedge(); ok {
			out.add(PositionEntry{
				Instrument: h.Instrument,
				Role:       RoleHedge,
				Leg:        leg.Kind(),
				Quantity:   h.SignedQuantity(leg.LotSize()),
				Level:      h.Level,
			})
		}
	}
	return out
}

func (e ExpectedPositions) add(entry PositionEntry) {
	key := entry.Instrument.Key()
	if prev, ok := e[key]; ok {
		prev.Quantity += entry.Quantity
		e[key] = prev
		return
	}
	e[key] = entry
}

// VenuePosition is one open position as reported by the venue
type VenuePosition struct {
	Instrument Instrument `json:"instrument"`
	NetQty     int        `json:"net_qty"`
	LastPrice  float64    `json:"last_price"`
}

// StraddleSnapshot is a read-only view of the straddle
type StraddleSnapshot struct {
	EntryTime time.Time   `json:"entry_time"`
	ID        string      `json:"id"`
	CE        LegSnapshot `json:"ce"`
	PE        LegSnapshot `json:"pe"`
	Strike    int         `json:"strike"`
	EntrySpot float64     `json:"entry_spot"`
	Ratio     float64     `json:"ratio"`
	PnL       float64     `json:"pnl"`
	Active    bool        `json:"active"`
}

// Snapshot returns a copy of the straddle state
func (p *StraddlePosition) Snapshot() StraddleSnapshot {
	return StraddleSnapshot{
		EntryTime: p.EntryTime,
		ID:        p.ID,
		CE:        p.CE.Snapshot(),
		PE:        p.PE.Snapshot(),
		Strike:    p.Strike,
		EntrySpot: p.EntrySpot,
		Ratio:     p.PremiumRatio(),
		PnL:       p.PnL(),
		Active:    p.Active,
	}
}

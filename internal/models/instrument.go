// Package models provides the straddle, leg and hedge state shared by the trading packages.
package models

import (
	"fmt"
	"sort"
	"time"
)

// OptionKind identifies the call or put side of a contract.
type OptionKind string

const (
	Call OptionKind = "CE"
	Put  OptionKind = "PE"
)

// Valid reports whether k is a known option kind.
func (k OptionKind) Valid() bool {
	return k == Call || k == Put
}

// Opposite returns the other side of the straddle.
func (k OptionKind) Opposite() OptionKind {
	if k == Call {
		return Put
	}
	return Call
}

// Side is an order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign returns +1 for long exposure and -1 for short exposure.
func (s Side) Sign() int {
	if s == Buy {
		return 1
	}
	return -1
}

// HedgeDirection selects how a losing leg is protected.
type HedgeDirection string

const (
	// BuyLosingSide buys an out-of-the-money option of the losing leg's kind.
	BuyLosingSide HedgeDirection = "buy_losing_side"
	// SellProfitSide sells an option of the profitable leg's kind.
	SellProfitSide HedgeDirection = "sell_profit_side"
)

// Valid reports whether d is a known direction.
func (d HedgeDirection) Valid() bool {
	return d == BuyLosingSide || d == SellProfitSide
}

// OrderSide is the side used to open a hedge in this direction.
func (d HedgeDirection) OrderSide() Side {
	if d == SellProfitSide {
		return Sell
	}
	return Buy
}

// HedgeKind is the option kind used to hedge a losing leg of kind losing.
func (d HedgeDirection) HedgeKind(losing OptionKind) OptionKind {
	if d == SellProfitSide {
		return losing.Opposite()
	}
	return losing
}

// Instrument identifies a tradable option contract.
type Instrument struct {
	Symbol string     `json:"symbol"`
	Token  string     `json:"token"`
	Strike int        `json:"strike"`
	Kind   OptionKind `json:"kind"`
}

// IsZero reports whether the instrument is unset.
func (i Instrument) IsZero() bool {
	return i.Symbol == "" && i.Token == ""
}

// Key is the identity used to compare expected and actual positions.
func (i Instrument) Key() string {
	if i.Token != "" {
		return i.Token
	}
	return i.Symbol
}

func (i Instrument) String() string {
	if i.Symbol != "" {
		return i.Symbol
	}
	return fmt.Sprintf("%d%s", i.Strike, i.Kind)
}

// OptionQuote is one side of a strike in a chain snapshot.
type OptionQuote struct {
	Instrument Instrument `json:"instrument"`
	Premium    float64    `json:"premium"`
}

// Known reports whether the quote carries a usable premium.
func (q OptionQuote) Known() bool {
	return !q.Instrument.IsZero() && q.Premium > 0
}

// StrikeQuote holds the call and put quotes at one strike.
type StrikeQuote struct {
	Strike int         `json:"strike"`
	Call   OptionQuote `json:"call"`
	Put    OptionQuote `json:"put"`
}

// Side returns the quote for kind k.
func (s StrikeQuote) Side(k OptionKind) OptionQuote {
	if k == Put {
		return s.Put
	}
	return s.Call
}

// ChainSnapshot is a point-in-time view of option premiums around spot.
// Strikes with no known price are absent rather than zero-filled.
type ChainSnapshot struct {
	Spot    float64             `json:"spot"`
	Strikes map[int]StrikeQuote `json:"strikes"`
	TakenAt time.Time           `json:"taken_at"`
}

// NewChainSnapshot creates an empty snapshot.
func NewChainSnapshot(spot float64, takenAt time.Time) *ChainSnapshot {
	return &ChainSnapshot{
		Spot:    spot,
		Strikes: make(map[int]StrikeQuote),
		TakenAt: takenAt,
	}
}

// Set stores a quote for one side of a strike.
func (c *ChainSnapshot) Set(q OptionQuote) {
	sq := c.Strikes[q.Instrument.Strike]
	sq.Strike = q.Instrument.Strike
	if q.Instrument.Kind == Put {
		sq.Put = q
	} else {
		sq.Call = q
	}
	c.Strikes[sq.Strike] = sq
}

// Quote returns the quote for kind k at strike, if known.
func (c *ChainSnapshot) Quote(strike int, k OptionKind) (OptionQuote, bool) {
	if c == nil {
		return OptionQuote{}, false
	}
	sq, ok := c.Strikes[strike]
	if !ok {
		return OptionQuote{}, false
	}
	q := sq.Side(k)
	return q, q.Known()
}

// Premium returns the premium of instrument inst, if present in the snapshot.
func (c *ChainSnapshot) Premium(inst Instrument) (float64, bool) {
	if c == nil {
		return 0, false
	}
	q, ok := c.Quote(inst.Strike, inst.Kind)
	if ok && q.Instrument.Key() == inst.Key() {
		return q.Premium, true
	}
	return 0, false
}

// SortedStrikes returns the snapshot strikes in ascending order.
func (c *ChainSnapshot) SortedStrikes() []int {
	if c == nil {
		return nil
	}
	strikes := make([]int, 0, len(c.Strikes))
	for s := range c.Strikes {
		strikes = append(strikes, s)
	}
	sort.Ints(strikes)
	return strikes
}

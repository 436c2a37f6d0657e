package models

import (
	"reflect"
	"testing"
	"time"
)

func TestHedgeDirection(t *testing.T) {
	if BuyLosingSide.OrderSide() != Buy || BuyLosingSide.HedgeKind(Call) != Call {
		t.Error("Buy direction should buy the losing kind")
	}
	if SellProfitSide.OrderSide() != Sell || SellProfitSide.HedgeKind(Call) != Put {
		t.Error("Sell direction should sell the opposite kind")
	}
	if Buy.Opposite() != Sell || Sell.Sign() != -1 {
		t.Error("Side helpers mismatch")
	}
}

func TestChainSnapshot(t *testing.T) {
	snap := NewChainSnapshot(26010, time.Now())
	ce := OptionQuote{Instrument: testInstrument(26000, Call), Premium: 150}
	pe := OptionQuote{Instrument: testInstrument(26000, Put), Premium: 148}
	stale := OptionQuote{Instrument: testInstrument(26100, Call), Premium: 0}
	snap.Set(ce)
	snap.Set(pe)
	snap.Set(stale)

	if q, ok := snap.Quote(26000, Put); !ok || q.Premium != 148 {
		t.Errorf("Quote(26000, PE) = %+v, %v", q, ok)
	}
	if _, ok := snap.Quote(26100, Call); ok {
		t.Error("Zero premium must be reported as absent")
	}
	if p, ok := snap.Premium(ce.Instrument); !ok || p != 150 {
		t.Errorf("Premium() = %.1f, %v", p, ok)
	}
	if got := snap.SortedStrikes(); !reflect.DeepEqual(got, []int{26000, 26100}) {
		t.Errorf("SortedStrikes() = %v", got)
	}

	var nilSnap *ChainSnapshot
	if _, ok := nilSnap.Quote(26000, Call); ok {
		t.Error("Nil snapshot has no quotes")
	}
}

// Package util provides price, strike and money rounding helpers.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// OptionTick is the NSE option premium tick size.
const OptionTick = 0.05

// RoundToTick rounds x to the nearest multiple of tick; ties round away from zero.
// A negative tick is treated as its absolute value, a zero tick returns x unchanged.
func RoundToTick(x, tick float64) float64 {
	q, t, ok := quotient(x, tick)
	if !ok {
		return x
	}
	return q.Round(0).Mul(t).InexactFloat64()
}

// FloorToTick rounds x down to a multiple of tick.
func FloorToTick(x, tick float64) float64 {
	q, t, ok := quotient(x, tick)
	if !ok {
		return x
	}
	return q.Floor().Mul(t).InexactFloat64()
}

// CeilToTick rounds x up to a multiple of tick.
func CeilToTick(x, tick float64) float64 {
	q, t, ok := quotient(x, tick)
	if !ok {
		return x
	}
	return q.Ceil().Mul(t).InexactFloat64()
}

// ATMStrike returns the strike nearest to spot on an interval grid.
func ATMStrike(spot float64, interval int) int {
	if interval <= 0 {
		return int(math.Round(spot))
	}
	return int(RoundToTick(spot, float64(interval)))
}

// Money converts a rupee amount to a decimal rounded to paise.
func Money(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(2)
}

// PnL is the short-premium profit for qty units sold at entry and bought back at exit.
func PnL(entry, exit float64, qty int) decimal.Decimal {
	return Money(entry).Sub(Money(exit)).Mul(decimal.NewFromInt(int64(qty)))
}

func quotient(x, tick float64) (decimal.Decimal, decimal.Decimal, bool) {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) || math.IsInf(tick, 0) {
		return decimal.Zero, decimal.Zero, false
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(x).Div(t), t, true
}

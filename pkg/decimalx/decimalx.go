// Package decimalx provides the rounding and arithmetic helpers shared by
// every package that touches price, quantity, or PnL. All arithmetic is
// done in decimal; float64 appears only as an input CoerceNumeric converts.
package decimalx

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundUpToStep rounds qty UP to the nearest multiple of step, never down.
// Rounding down below the exchange's minimum notional is a hard, observed
// failure mode; ceil(x/step)*step is the only direction that is always safe.
func RoundUpToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.DivRound(step, 16).Ceil().Mul(step)
}

// RoundToTick snaps price to the nearest tick below it.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.DivRound(tick, 16).Floor().Mul(tick)
}

// EnsureMinNotional bumps qty up by one step at a time until price*qty meets
// minNotional. Signal §4.1 rule 2: never round down, verify, bump again.
func EnsureMinNotional(qty, price, step, minNotional decimal.Decimal) decimal.Decimal {
	qty = RoundUpToStep(qty, step)
	for !minNotional.IsZero() && price.Mul(qty).LessThan(minNotional) {
		if step.IsZero() {
			break
		}
		qty = qty.Add(step)
	}
	return qty
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp restricts value to [lo, hi].
func Clamp(value, lo, hi decimal.Decimal) decimal.Decimal {
	if value.LessThan(lo) {
		return lo
	}
	if value.GreaterThan(hi) {
		return hi
	}
	return value
}

// VWAP computes the new volume-weighted average entry price after a fill.
func VWAP(oldQty, oldEntry, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	totalQty := oldQty.Add(fillQty)
	if totalQty.IsZero() {
		return oldEntry
	}
	num := oldQty.Mul(oldEntry).Add(fillQty.Mul(fillPrice))
	return num.Div(totalQty)
}

// PnL computes realized PnL for a quantity closed at exitPrice against
// entryPrice, sign-adjusted for side. isLong=true for LONG/buy positions.
func PnL(entryPrice, exitPrice, qty decimal.Decimal, isLong bool) decimal.Decimal {
	diff := exitPrice.Sub(entryPrice)
	if !isLong {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// CoerceNumeric converts an any that may be a JSON string or number (the
// exchange occasionally returns prices as strings) into a decimal.
func CoerceNumeric(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	case decimal.Decimal:
		return t, nil
	case int64:
		return decimal.NewFromInt(t), nil
	default:
		return decimal.Zero, fmt.Errorf("decimalx: cannot coerce %T to decimal", v)
	}
}

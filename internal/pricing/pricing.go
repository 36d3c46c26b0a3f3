// Package pricing is the one place fee math lives. Both the bid summary
// endpoints and server-side charge creation go through it, so the numbers a
// builder sees before accepting are exactly the numbers Stripe is asked to
// charge.
//
// All amounts are integer cents. The platform fee is 15% of the base amount,
// rounded half-up to the cent, and it is computed once on the final scope
// total - never per line item - so summing many items cannot accumulate
// rounding drift.
package pricing

import "math"

// FeeRate is the platform surcharge charged to the builder on top of the
// base price.
const FeeRate = 0.15

// Fee returns round(base * 0.15) in cents, rounding half-up. Equivalent to
// round(dollars * 0.15, 2) on a decimal representation.
func Fee(baseCents int64) int64 {
	return (baseCents*15 + 50) / 100
}

// Total returns base plus platform fee.
func Total(baseCents int64) int64 {
	return baseCents + Fee(baseCents)
}

// Sum adds item prices. Kept trivial on purpose: the rounding point of a
// scope total is here, at the sum of exact cent amounts, with Fee applied
// exactly once to the result.
func Sum(itemCents ...int64) int64 {
	var total int64
	for _, c := range itemCents {
		total += c
	}
	return total
}

// ToCents converts a dollar amount from an API payload to cents, rounding
// half-away-from-zero to absorb float noise (24.9999999 -> 2500).
func ToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

// ToDollars converts cents back to a dollar amount for API responses.
func ToDollars(cents int64) float64 {
	return float64(cents) / 100
}

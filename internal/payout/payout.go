// Package payout implements the prize-pool payout curve used at settlement.
//
// A Curve maps finishing rank to a fraction of the prize pool. Fractions are
// non-negative and sum to at most 1; whatever the curve leaves unassigned
// stays with the house.
//
// All monetary values use shopspring/decimal, never float64 for money.
package payout

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeFraction is returned when a curve entry is below zero.
	ErrNegativeFraction = errors.New("payout: fraction must not be negative")

	// ErrCurveOverAllocated is returned when the fractions sum to more than 1.
	ErrCurveOverAllocated = errors.New("payout: fractions sum to more than 1")

	// ErrNegativePool is returned when asked to distribute a negative pool.
	ErrNegativePool = errors.New("payout: prize pool must not be negative")

	// AmountScale is the number of decimal places payouts are rounded to.
	AmountScale int32 = 2
)

// Curve is the fraction of the pool paid per rank; index 0 is rank 1.
// Ranks beyond the curve's length are paid nothing.
type Curve struct {
	fractions []decimal.Decimal
}

// NewCurve validates fractions and builds a curve.
func NewCurve(fractions []decimal.Decimal) (Curve, error) {
	total := decimal.Zero
	for _, f := range fractions {
		if f.IsNegative() {
			return Curve{}, ErrNegativeFraction
		}
		total = total.Add(f)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return Curve{}, ErrCurveOverAllocated
	}
	cp := make([]decimal.Decimal, len(fractions))
	copy(cp, fractions)
	return Curve{fractions: cp}, nil
}

// ParseCurve builds a curve from decimal strings, e.g. {"0.5", "0.3", "0.2"}.
func ParseCurve(fractions []string) (Curve, error) {
	ds := make([]decimal.Decimal, 0, len(fractions))
	for _, s := range fractions {
		f, err := decimal.NewFromString(s)
		if err != nil {
			return Curve{}, err
		}
		ds = append(ds, f)
	}
	return NewCurve(ds)
}

// Len returns the number of paid ranks.
func (c Curve) Len() int { return len(c.fractions) }

// Fraction returns the pool fraction for a 1-based rank.
func (c Curve) Fraction(rank int) decimal.Decimal {
	if rank < 1 || rank > len(c.fractions) {
		return decimal.Zero
	}
	return c.fractions[rank-1]
}

// Distribute splits pool across ranks 1..n.
//
// Each share is pool*fraction rounded down to AmountScale. The rounding dust
// of the paid ranks goes to rank 1, so the sum of the result equals
// pool * Σ fraction(1..n) rounded down to AmountScale.
func (c Curve) Distribute(pool decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if pool.IsNegative() {
		return nil, ErrNegativePool
	}
	out := make([]decimal.Decimal, n)
	if n == 0 {
		return out, nil
	}

	exactTotal := decimal.Zero
	paid := decimal.Zero
	for rank := 1; rank <= n; rank++ {
		share := pool.Mul(c.Fraction(rank))
		exactTotal = exactTotal.Add(share)
		out[rank-1] = share.RoundDown(AmountScale)
		paid = paid.Add(out[rank-1])
	}

	dust := exactTotal.RoundDown(AmountScale).Sub(paid)
	if dust.IsPositive() && c.Fraction(1).IsPositive() {
		out[0] = out[0].Add(dust)
	}
	return out, nil
}

package types

import "github.com/shopspring/decimal"

// Epsilon is the comparison tolerance used wherever the grid compares
// prices or quantities that may have passed through division.
var Epsilon = decimal.New(1, -8) // 1e-8

// Dust is the position size below which a basket counts as flat.
var Dust = decimal.New(1, -5) // 1e-5

// RoundDownToStep snaps x down to the nearest multiple of step.
// A zero step is the identity. Callers only pass non-negative x.
func RoundDownToStep(x, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return x
	}
	q, _ := x.QuoRem(step, 0)
	return q.Mul(step)
}

// RoundUpToStep snaps x up to the nearest multiple of step.
func RoundUpToStep(x, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return x
	}
	q, r := x.QuoRem(step, 0)
	if r.IsZero() {
		return x
	}
	return q.Add(decimal.New(1, 0)).Mul(step)
}

// StepAligned reports whether x is a multiple of step within Epsilon.
// The remainder is compared against both ends of the step so values an
// epsilon below a boundary also pass.
func StepAligned(x, step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	_, r := x.QuoRem(step, 0)
	r = r.Abs()
	return r.LessThanOrEqual(Epsilon) || step.Sub(r).Abs().LessThanOrEqual(Epsilon)
}

// WithinEpsilon reports |a-b| <= Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// IsFlat reports whether a position is indistinguishable from zero.
func IsFlat(position decimal.Decimal) bool {
	return position.Abs().LessThanOrEqual(Dust)
}

package risk

import "math/big"

// Fixed-point conventions: prices and monetary amounts are int64 micro-units
// (1e-6), ratios are basis points (10000 == 1.0), leverage is whole units.
const (
	PrecisionBps = 10000
	MicroUnit    = 1_000_000

	MinLeverage = 1
	MaxLeverage = 500
)

// mulDiv computes a*b/den with an arbitrary-precision intermediate product.
// Returns ErrOverflow when the result does not fit in int64.
func mulDiv(a, b, den int64) (int64, error) {
	if den == 0 {
		return 0, ErrDivideByZero
	}
	p := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	p.Quo(p, big.NewInt(den))
	if !p.IsInt64() {
		return 0, ErrOverflow
	}
	return p.Int64(), nil
}

// checkedMul multiplies two int64 values, failing on overflow.
func checkedMul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	r := a * b
	if r/b != a {
		return 0, ErrOverflow
	}
	return r, nil
}

// isqrt returns the integer square root of n using Newton iteration.
// Converges in well under 20 iterations for any uint64 input.
func isqrt(n uint64) uint64 {
	if n < 2 {
		return n
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

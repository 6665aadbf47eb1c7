package mathx

import (
	"golang.org/x/exp/constraints"
)

// Sign returns -1, 0 or 1. Only integer inputs are accepted.
func Sign[I constraints.Integer](x I) int {
	switch {
	case x < 0:
		return -1
	case x > 0:
		return 1
	default:
		return 0
	}
}

func Indicator[T comparable](a, b T) float64 {
	if a == b {
		return 1.0
	}
	return 0.0
}

// CentralDifference is the symmetric finite-difference slope (f(x+h) - f(x-h)) / 2h.
func CentralDifference[F constraints.Float](plusY, minusY, h F) F {
	return (plusY - minusY) / (2.0 * h)
}

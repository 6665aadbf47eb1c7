package randx

import (
	"errors"
	"math/rand/v2"

	"github.com/seehuhn/mt19937"
	"golang.org/x/exp/constraints"
)

var (
	ErrEmptySlice = errors.New("randx: empty slice")
	ErrBadWeights = errors.New("randx: weights must be non-negative with a positive sum")
)

// NewMT returns a generator backed by a seeded Mersenne Twister.
func NewMT(seed int64) *rand.Rand {
	mt := mt19937.New()
	mt.Seed(seed)
	return rand.New(mt)
}

func Bool(rng *rand.Rand) bool {
	return rng.IntN(2) == 0
}

// Rademacher returns -1 or 1 with equal probability.
func Rademacher(rng *rand.Rand) int {
	if Bool(rng) {
		return 1
	}
	return -1
}

func Choice[S ~[]E, E any](s S, rng *rand.Rand) (E, error) {
	if len(s) == 0 {
		var zero E
		return zero, ErrEmptySlice
	}
	return s[rng.IntN(len(s))], nil
}

// IntByWeights draws an index with probability proportional to its weight.
func IntByWeights[F constraints.Float](ws []F, rng *rand.Rand) (int, error) {
	if len(ws) == 0 {
		return 0, ErrEmptySlice
	}
	var sum float64
	for _, w := range ws {
		if w < 0 {
			return 0, ErrBadWeights
		}
		sum += float64(w)
	}
	if sum <= 0 {
		return 0, ErrBadWeights
	}

	r := rng.Float64() * sum
	var acc float64
	for i, w := range ws {
		acc += float64(w)
		if r < acc {
			return i, nil
		}
	}
	return len(ws) - 1, nil
}

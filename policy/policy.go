package policy

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sw965/tokens/mathx/randx"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrEmptyScores            = errors.New("policy: scores must not be empty")
	ErrNonPositiveTemperature = errors.New("policy: temperature must be positive")
	ErrActionCount            = errors.New("policy: fallback requires exactly 3 actions (wait, left, right)")
	ErrBadEpsilon             = errors.New("policy: epsilon out of range")
	ErrUnknownPolicy          = errors.New("policy: unknown policy name")
)

// Policy turns a vector of action-values into an action index. Policies that sample from an explicit
// distribution also return it; the others return nil.
type Policy interface {
	Select(scores []float64) (int, []float64, error)
}

// Distribution is implemented by policies that always sample from an explicit distribution.
type Distribution interface {
	Probs(scores []float64) ([]float64, error)
}

func sample(probs []float64, rng *rand.Rand) int {
	return int(distuv.NewCategorical(probs, rng).Rand())
}

// Greedy picks an arg-max action. Ties among the maximal values, including the all-equal case, are
// broken uniformly at random.
type Greedy struct {
	rng *rand.Rand
}

func NewGreedy(rng *rand.Rand) *Greedy {
	return &Greedy{rng: rng}
}

func (g *Greedy) Select(scores []float64) (int, []float64, error) {
	if len(scores) == 0 {
		return 0, nil, ErrEmptyScores
	}
	idxs := MaxIndices(scores)
	idx, err := randx.Choice(idxs, g.rng)
	if err != nil {
		return 0, nil, err
	}
	return idx, nil, nil
}

func MaxIndices(scores []float64) []int {
	best := floats.Max(scores)
	idxs := make([]int, 0, len(scores))
	for i, s := range scores {
		if s == best {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// FallbackFunc returns the distribution used on the exploration branch of epsilon-greedy.
type FallbackFunc func(epsilon float64, n int) ([]float64, error)

func UniformFallback(epsilon float64, n int) ([]float64, error) {
	probs := make([]float64, n)
	for i := range probs {
		probs[i] = 1.0 / float64(n)
	}
	return probs, nil
}

// WaitBiasedFallback shifts epsilon of mass onto wait, taking it evenly from left and right.
func WaitBiasedFallback(epsilon float64, n int) ([]float64, error) {
	if n != 3 {
		return nil, fmt.Errorf("%w: got %d", ErrActionCount, n)
	}
	wait := 1.0/3.0 + epsilon
	side := 1.0/3.0 - epsilon/2
	if side < 0 {
		return nil, fmt.Errorf("%w: biased fallback needs epsilon <= 2/3, got %f", ErrBadEpsilon, epsilon)
	}
	return []float64{wait, side, side}, nil
}

// GameFallback puts epsilon on wait and splits the rest between left and right.
func GameFallback(epsilon float64, n int) ([]float64, error) {
	if n != 3 {
		return nil, fmt.Errorf("%w: got %d", ErrActionCount, n)
	}
	side := (1 - epsilon) / 2
	return []float64{epsilon, side, side}, nil
}

type EpsilonGreedy struct {
	Epsilon  float64
	Fallback FallbackFunc
	Default  Policy
	rng      *rand.Rand
}

func NewEpsilonGreedy(epsilon float64, rng *rand.Rand) *EpsilonGreedy {
	return &EpsilonGreedy{
		Epsilon:  epsilon,
		Fallback: UniformFallback,
		Default:  NewGreedy(rng),
		rng:      rng,
	}
}

func NewEpsilonGreedyBiased(epsilon float64, rng *rand.Rand) *EpsilonGreedy {
	p := NewEpsilonGreedy(epsilon, rng)
	p.Fallback = WaitBiasedFallback
	return p
}

func NewEpsilonGreedyGame(epsilon float64, rng *rand.Rand) *EpsilonGreedy {
	p := NewEpsilonGreedy(epsilon, rng)
	p.Fallback = GameFallback
	return p
}

func (p *EpsilonGreedy) SetEpsilon(epsilon float64) {
	p.Epsilon = epsilon
}

func (p *EpsilonGreedy) Select(scores []float64) (int, []float64, error) {
	n := len(scores)
	if n == 0 {
		return 0, nil, ErrEmptyScores
	}
	if p.Epsilon < 0 || p.Epsilon > 1 {
		return 0, nil, fmt.Errorf("%w: %f", ErrBadEpsilon, p.Epsilon)
	}

	if p.rng.Float64() < p.Epsilon {
		probs, err := p.Fallback(p.Epsilon, n)
		if err != nil {
			return 0, nil, err
		}
		return sample(probs, p.rng), nil, nil
	}
	idx, _, err := p.Default.Select(scores)
	return idx, nil, err
}

type Softmax struct {
	Temperature float64
	rng         *rand.Rand
}

func NewSoftmax(temperature float64, rng *rand.Rand) *Softmax {
	return &Softmax{Temperature: temperature, rng: rng}
}

func (p *Softmax) SetTemperature(temperature float64) {
	p.Temperature = temperature
}

func (p *Softmax) Probs(scores []float64) ([]float64, error) {
	if len(scores) == 0 {
		return nil, ErrEmptyScores
	}
	if p.Temperature <= 0 {
		return nil, fmt.Errorf("%w: %f", ErrNonPositiveTemperature, p.Temperature)
	}

	probs := make([]float64, len(scores))
	floats.ScaleTo(probs, 1/p.Temperature, scores)
	lse := floats.LogSumExp(probs)
	for i, v := range probs {
		probs[i] = math.Exp(v - lse)
	}
	return probs, nil
}

func (p *Softmax) Select(scores []float64) (int, []float64, error) {
	probs, err := p.Probs(scores)
	if err != nil {
		return 0, nil, err
	}
	return sample(probs, p.rng), probs, nil
}

type EpsilonSoft struct {
	Epsilon float64
	rng     *rand.Rand
}

func NewEpsilonSoft(epsilon float64, rng *rand.Rand) *EpsilonSoft {
	return &EpsilonSoft{Epsilon: epsilon, rng: rng}
}

func (p *EpsilonSoft) SetEpsilon(epsilon float64) {
	p.Epsilon = epsilon
}

func (p *EpsilonSoft) Probs(scores []float64) ([]float64, error) {
	n := len(scores)
	if n == 0 {
		return nil, ErrEmptyScores
	}
	if p.Epsilon < 0 || p.Epsilon > 1 {
		return nil, fmt.Errorf("%w: %f", ErrBadEpsilon, p.Epsilon)
	}

	probs := make([]float64, n)
	for i := range probs {
		probs[i] = p.Epsilon / float64(n)
	}
	probs[floats.MaxIdx(scores)] += 1 - p.Epsilon
	return probs, nil
}

func (p *EpsilonSoft) Select(scores []float64) (int, []float64, error) {
	probs, err := p.Probs(scores)
	if err != nil {
		return 0, nil, err
	}
	return sample(probs, p.rng), probs, nil
}

const (
	GreedyName              = "greedy"
	EpsilonGreedyName       = "epsilon-greedy"
	EpsilonGreedyBiasedName = "epsilon-greedy-biased"
	EpsilonGreedyGameName   = "epsilon-greedy-game"
	SoftmaxName             = "softmax"
	EpsilonSoftName         = "epsilon-soft"
)

// New builds a policy by name. param is epsilon, or the temperature for softmax; greedy ignores it.
func New(name string, param float64, rng *rand.Rand) (Policy, error) {
	switch name {
	case GreedyName:
		return NewGreedy(rng), nil
	case EpsilonGreedyName:
		return NewEpsilonGreedy(param, rng), nil
	case EpsilonGreedyBiasedName:
		return NewEpsilonGreedyBiased(param, rng), nil
	case EpsilonGreedyGameName:
		return NewEpsilonGreedyGame(param, rng), nil
	case SoftmaxName:
		return NewSoftmax(param, rng), nil
	case EpsilonSoftName:
		return NewEpsilonSoft(param, rng), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

package agent

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sw965/tokens/env"
	"github.com/sw965/tokens/mathx/randx"
	"github.com/sw965/tokens/policy"
	"gonum.org/v1/gonum/floats"
)

var (
	ErrNoStore       = errors.New("agent: at least one store is required")
	ErrTooManyStores = errors.New("agent: at most two stores are supported")
	ErrNilPolicy     = errors.New("agent: policy must not be nil")
	ErrNilRNG        = errors.New("agent: rng must not be nil")
)

// Store is anything that scores the actions of a state; *ql.Table and *linear.Weight both qualify.
type Store interface {
	Values(env.State) ([]float64, error)
}

type Decision struct {
	Action env.Action
	Index  int
	// Probs is the distribution the policy sampled from, nil for policies without one.
	Probs []float64
	// Forced is set when a wait on the last step was replaced by a random side.
	Forced bool
}

type Agent struct {
	Policy   policy.Policy
	Stores   []Store
	MaxSteps int
	rng      *rand.Rand
}

// New composes a policy with one store, or two for double Q-learning whose values are summed.
func New(p policy.Policy, maxSteps int, rng *rand.Rand, stores ...Store) (*Agent, error) {
	if p == nil {
		return nil, ErrNilPolicy
	}
	if rng == nil {
		return nil, ErrNilRNG
	}
	switch {
	case len(stores) == 0:
		return nil, ErrNoStore
	case len(stores) > 2:
		return nil, fmt.Errorf("%w: got %d", ErrTooManyStores, len(stores))
	}
	return &Agent{Policy: p, Stores: stores, MaxSteps: maxSteps, rng: rng}, nil
}

func (a *Agent) Scores(s env.State) ([]float64, error) {
	scores, err := a.Stores[0].Values(s)
	if err != nil {
		return nil, err
	}
	for _, store := range a.Stores[1:] {
		vs, err := store.Values(s)
		if err != nil {
			return nil, err
		}
		if len(vs) != len(scores) {
			return nil, fmt.Errorf("agent: stores disagree on action count: %d vs %d", len(scores), len(vs))
		}
		floats.Add(scores, vs)
	}
	return scores, nil
}

// SelectAction asks the policy for an action at s. On the last decision step a wait is not allowed:
// it is replaced by left or right uniformly at random.
func (a *Agent) SelectAction(s env.State, gameTimeStep int) (Decision, error) {
	scores, err := a.Scores(s)
	if err != nil {
		return Decision{}, err
	}

	idx, probs, err := a.Policy.Select(scores)
	if err != nil {
		return Decision{}, err
	}
	action, err := env.ActionAt(idx)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Action: action, Index: idx, Probs: probs}
	if gameTimeStep == a.MaxSteps && action == env.Wait {
		d.Action = env.Action(randx.Rademacher(a.rng))
		d.Index, err = d.Action.Index()
		if err != nil {
			return Decision{}, err
		}
		d.Forced = true
	}
	return d, nil
}

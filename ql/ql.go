// Package ql holds the tabular action-value store and the TD-error rules shared with the linear store.
package ql

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAlgorithm        = errors.New("ql: unknown algorithm")
	ErrUnknownRewardConvention = errors.New("ql: unknown reward convention")
	ErrShapeMismatch           = errors.New("ql: shape mismatch")
	ErrStateOutOfRange         = errors.New("ql: state out of range")
	ErrMissingCompanion        = errors.New("ql: double-q requires a companion table")
	ErrProbsLength             = errors.New("ql: expected-sarsa probabilities must cover every action")
)

type Algorithm int

const (
	Sarsa Algorithm = iota
	QLearning
	ExpectedSarsa
	DoubleQ
)

var algorithmNames = map[Algorithm]string{
	Sarsa:         "sarsa",
	QLearning:     "q-learning",
	ExpectedSarsa: "e-sarsa",
	DoubleQ:       "double-q",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

func (a Algorithm) Validate() error {
	if _, ok := algorithmNames[a]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAlgorithm, int(a))
	}
	return nil
}

func ParseAlgorithm(name string) (Algorithm, error) {
	for a, n := range algorithmNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

type RewardConvention int

const (
	Discounted RewardConvention = iota
	Average
	RVI
)

var conventionNames = map[RewardConvention]string{
	Discounted: "discounted",
	Average:    "average",
	RVI:        "rvi",
}

func (c RewardConvention) String() string {
	if name, ok := conventionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RewardConvention(%d)", int(c))
}

func (c RewardConvention) Validate() error {
	if _, ok := conventionNames[c]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRewardConvention, int(c))
	}
	return nil
}

func ParseRewardConvention(name string) (RewardConvention, error) {
	for c, n := range conventionNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRewardConvention, name)
}

// UpdateQ blends q toward the Q-learning target reward + gamma*nextMaxQ by lr.
func UpdateQ(q, nextMaxQ, reward, lr, gamma float64) float64 {
	delta, _ := Delta(Discounted, reward, gamma, nextMaxQ, q, 0)
	return q + lr*delta
}

// Delta combines the reward, the next and current estimates into a TD error. baseline is the running
// average reward under Average and the reference state-action value under RVI; Discounted ignores it.
func Delta(c RewardConvention, reward, gamma, next, current, baseline float64) (float64, error) {
	switch c {
	case Discounted:
		return reward + gamma*next - current, nil
	case Average, RVI:
		return reward - baseline + next - current, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownRewardConvention, int(c))
	}
}

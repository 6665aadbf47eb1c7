// Package optimizer holds first-order float32 optimizers that minimise a loss given its gradient.
package optimizer

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

var ErrLengthMismatch = errors.New("optimizer: weight and gradient lengths differ")

type Optimizer interface {
	Step(w, grad []float32) error
}

func checkLen(w, grad []float32) error {
	if len(w) != len(grad) {
		return fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(w), len(grad))
	}
	return nil
}

type SGD struct {
	LearningRate float32
}

func (opt SGD) Step(w, grad []float32) error {
	if err := checkLen(w, grad); err != nil {
		return err
	}
	for i := range w {
		w[i] -= opt.LearningRate * grad[i]
	}
	return nil
}

type Momentum struct {
	LearningRate float32
	Momentum     float32
	velocity     []float32
}

func (opt *Momentum) Step(w, grad []float32) error {
	if err := checkLen(w, grad); err != nil {
		return err
	}
	if len(opt.velocity) != len(w) {
		opt.velocity = make([]float32, len(w))
	}
	for i := range w {
		opt.velocity[i] = (opt.Momentum * opt.velocity[i]) - (opt.LearningRate * grad[i])
		w[i] += opt.velocity[i]
	}
	return nil
}

// Adam is Kingma & Ba with bias-corrected moment estimates.
type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	m            []float32
	v            []float32
	t            int
}

func NewAdam(lr float32) *Adam {
	return &Adam{LearningRate: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

func (opt *Adam) Step(w, grad []float32) error {
	if err := checkLen(w, grad); err != nil {
		return err
	}
	if len(opt.m) != len(w) {
		opt.m = make([]float32, len(w))
		opt.v = make([]float32, len(w))
		opt.t = 0
	}

	opt.t++
	c1 := 1 - math32.Pow(opt.Beta1, float32(opt.t))
	c2 := 1 - math32.Pow(opt.Beta2, float32(opt.t))
	for i, g := range grad {
		opt.m[i] = opt.Beta1*opt.m[i] + (1-opt.Beta1)*g
		opt.v[i] = opt.Beta2*opt.v[i] + (1-opt.Beta2)*g*g
		mHat := opt.m[i] / c1
		vHat := opt.v[i] / c2
		w[i] -= opt.LearningRate * mHat / (math32.Sqrt(vHat) + opt.Epsilon)
	}
	return nil
}

func New(name string, lr float32) (Optimizer, error) {
	switch name {
	case "sgd":
		return SGD{LearningRate: lr}, nil
	case "momentum":
		return &Momentum{LearningRate: lr, Momentum: 0.9}, nil
	case "adam":
		return NewAdam(lr), nil
	default:
		return nil, fmt.Errorf("optimizer: unknown optimizer %q", name)
	}
}

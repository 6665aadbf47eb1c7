// Package linear is the linear function-approximation counterpart of the ql table: an action-value is
// the dot product of a weight vector with a one-hot encoding of (state, action).
package linear

import (
	"errors"
	"fmt"
	"io"

	"github.com/sw965/tokens/env"
	"github.com/sw965/tokens/ql"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch   = errors.New("linear: shape mismatch")
	ErrStateOutOfRange = errors.New("linear: state out of range")
)

// Shape sizes the one-hot blocks. Each action owns one block of Nt+Ht+Time features.
type Shape struct {
	Nt      int
	Ht      int
	Time    int
	Actions int
}

func NewShape(terminal int) Shape {
	n := 2*terminal + 1
	return Shape{Nt: n, Ht: n, Time: terminal + 1, Actions: len(env.Actions)}
}

func (s Shape) BlockSize() int {
	return s.Nt + s.Ht + s.Time
}

func (s Shape) Dimension() int {
	return s.BlockSize() * s.Actions
}

type Config struct {
	Shape  Shape
	Height int
	// Dimension is optional; when set it must agree with the shape.
	Dimension            int
	ConvergeThreshold    float64
	InitialAverageReward float64
}

func (c Config) Validate() error {
	s := c.Shape
	if s.Nt < 1 || s.Ht < 1 || s.Time < 1 {
		return fmt.Errorf("%w: invalid shape %+v", ErrShapeMismatch, s)
	}
	if s.Actions != len(env.Actions) {
		return fmt.Errorf("%w: Actions must be %d, got %d", ErrShapeMismatch, len(env.Actions), s.Actions)
	}
	if c.Height < 0 {
		return fmt.Errorf("%w: negative height %d", ErrShapeMismatch, c.Height)
	}
	if n := 2*c.Height + 1; s.Nt < n || s.Ht < n {
		return fmt.Errorf("%w: shape %+v cannot hold height %d", ErrShapeMismatch, s, c.Height)
	}
	if c.Dimension != 0 && c.Dimension != s.Dimension() {
		return fmt.Errorf("%w: dimension %d, shape %+v needs %d", ErrShapeMismatch, c.Dimension, s, s.Dimension())
	}
	return nil
}

type Weight struct {
	w                 *mat.VecDense
	prev              *mat.VecDense
	diff              *mat.VecDense
	shape             Shape
	height            int
	convergeThreshold float64
	avgReward         float64
}

func NewWeight(cfg Config) (*Weight, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := cfg.Shape.Dimension()
	return &Weight{
		w:                 mat.NewVecDense(n, nil),
		prev:              mat.NewVecDense(n, nil),
		diff:              mat.NewVecDense(n, nil),
		shape:             cfg.Shape,
		height:            cfg.Height,
		convergeThreshold: cfg.ConvergeThreshold,
		avgReward:         cfg.InitialAverageReward,
	}, nil
}

func (w *Weight) Shape() Shape {
	return w.shape
}

func (w *Weight) Len() int {
	return w.w.Len()
}

// Offsets returns the three non-zero positions of the one-hot encoding of s inside the block of the
// action with index actionIdx. height shifts Nt and Ht to non-negative offsets.
func (sh Shape) Offsets(s env.State, actionIdx, height int) ([3]int, error) {
	if actionIdx < 0 || actionIdx >= sh.Actions {
		return [3]int{}, fmt.Errorf("%w: action index %d", ErrStateOutOfRange, actionIdx)
	}

	nt := s.Nt + height
	ht := s.Ht + height
	if nt < 0 || nt >= sh.Nt || ht < 0 || ht >= sh.Ht || s.T < 0 || s.T >= sh.Time {
		return [3]int{}, fmt.Errorf("%w: %v", ErrStateOutOfRange, s)
	}

	base := actionIdx * sh.BlockSize()
	return [3]int{
		base + nt,
		base + sh.Nt + ht,
		base + sh.Nt + sh.Ht + s.T,
	}, nil
}

// FeatureIndices returns the three non-zero offsets of the one-hot encoding of (s, a).
func (w *Weight) FeatureIndices(s env.State, a env.Action) ([3]int, error) {
	idx, err := a.Index()
	if err != nil {
		return [3]int{}, err
	}
	return w.shape.Offsets(s, idx, w.height)
}

func (w *Weight) Features(s env.State, a env.Action) (*mat.VecDense, error) {
	idxs, err := w.FeatureIndices(s, a)
	if err != nil {
		return nil, err
	}
	x := mat.NewVecDense(w.w.Len(), nil)
	for _, i := range idxs {
		x.SetVec(i, 1)
	}
	return x, nil
}

func (w *Weight) Value(s env.State, a env.Action) (float64, error) {
	idxs, err := w.FeatureIndices(s, a)
	if err != nil {
		return 0, err
	}
	var v float64
	for _, i := range idxs {
		v += w.w.AtVec(i)
	}
	return v, nil
}

// Values returns the value of every action at s, ordered by action index.
func (w *Weight) Values(s env.State) ([]float64, error) {
	y := make([]float64, len(env.Actions))
	for i, a := range env.Actions {
		v, err := w.Value(s, a)
		if err != nil {
			return nil, err
		}
		y[i] = v
	}
	return y, nil
}

// Update applies w += lr*grad, where grad already carries the feature vector (see Error), and
// reports whether the norm of the change is below the convergence threshold.
func (w *Weight) Update(lr float64, grad *mat.VecDense) (bool, error) {
	if grad.Len() != w.w.Len() {
		return false, fmt.Errorf("%w: gradient length %d, weight length %d", ErrShapeMismatch, grad.Len(), w.w.Len())
	}
	w.prev.CopyVec(w.w)
	w.w.AddScaledVec(w.w, lr, grad)
	w.diff.SubVec(w.w, w.prev)
	return mat.Norm(w.diff, 2) < w.convergeThreshold, nil
}

type ErrorInput struct {
	State      env.State
	Action     env.Action
	NextState  env.State
	NextAction env.Action
	Reward     float64
	Gamma      float64
	Done       bool
	RefState   env.State
	RefAction  env.Action
	Convention ql.RewardConvention
}

// TDError is the scalar semi-gradient SARSA error.
func (w *Weight) TDError(in ErrorInput) (float64, error) {
	if err := in.Convention.Validate(); err != nil {
		return 0, err
	}

	current, err := w.Value(in.State, in.Action)
	if err != nil {
		return 0, err
	}

	var next float64
	if !in.Done {
		next, err = w.Value(in.NextState, in.NextAction)
		if err != nil {
			return 0, err
		}
	}

	var baseline float64
	switch in.Convention {
	case ql.Average:
		baseline = w.avgReward
	case ql.RVI:
		baseline, err = w.Value(in.RefState, in.RefAction)
		if err != nil {
			return 0, fmt.Errorf("rvi reference: %w", err)
		}
	}
	return ql.Delta(in.Convention, in.Reward, in.Gamma, next, current, baseline)
}

// Error returns the TD error scaled by the features of (State, Action), ready for Update.
func (w *Weight) Error(in ErrorInput) (*mat.VecDense, error) {
	delta, err := w.TDError(in)
	if err != nil {
		return nil, err
	}
	x, err := w.Features(in.State, in.Action)
	if err != nil {
		return nil, err
	}
	x.ScaleVec(delta, x)
	return x, nil
}

func (w *Weight) SetAverageReward(delta, stepSize, lr float64) {
	w.avgReward += delta * stepSize * lr
}

func (w *Weight) AverageReward() float64 {
	return w.avgReward
}

func (w *Weight) Vector() mat.Vector {
	return w.w
}

func (w *Weight) MarshalBinaryTo(wr io.Writer) (int, error) {
	return w.w.MarshalBinaryTo(wr)
}

package ql

import (
	"fmt"
	"io"

	"github.com/sw965/tokens/env"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Shape is the layout of the encoded state space. TimeSteps == 0 means the table has no time dimension;
// otherwise TimeSteps+1 time slots are laid out per (Nt, ht) cell.
type Shape struct {
	Rows      int
	Cols      int
	TimeSteps int
}

// NewShape lays out Nt and ht over [-terminal, terminal], with time slots 0..terminal when withTime.
func NewShape(terminal int, withTime bool) Shape {
	n := 2*terminal + 1
	s := Shape{Rows: n, Cols: n}
	if withTime {
		s.TimeSteps = terminal
	}
	return s
}

func (s Shape) HasTime() bool {
	return s.TimeSteps > 0
}

func (s Shape) NumStates() int {
	n := s.Rows * s.Cols
	if s.HasTime() {
		n *= s.TimeSteps + 1
	}
	return n
}

type TableConfig struct {
	NumStates            int
	NumActions           int
	Shape                Shape
	Height               int
	ConvergeThreshold    float64
	InitialAverageReward float64
}

func (c TableConfig) Validate() error {
	if c.Shape.Rows < 1 || c.Shape.Cols < 1 || c.Shape.TimeSteps < 0 {
		return fmt.Errorf("%w: invalid shape %+v", ErrShapeMismatch, c.Shape)
	}
	if c.Height < 0 {
		return fmt.Errorf("%w: negative height %d", ErrShapeMismatch, c.Height)
	}
	if n := 2*c.Height + 1; c.Shape.Rows < n || c.Shape.Cols < n {
		return fmt.Errorf("%w: shape %+v cannot hold height %d", ErrShapeMismatch, c.Shape, c.Height)
	}
	if c.NumStates != c.Shape.NumStates() {
		return fmt.Errorf("%w: NumStates %d, shape %+v holds %d", ErrShapeMismatch, c.NumStates, c.Shape, c.Shape.NumStates())
	}
	if c.NumActions != len(env.Actions) {
		return fmt.Errorf("%w: NumActions must be %d, got %d", ErrShapeMismatch, len(env.Actions), c.NumActions)
	}
	return nil
}

// Table is a dense [numStates x numActions] action-value table.
type Table struct {
	q                 *mat.Dense
	prev              *mat.Dense
	diff              *mat.Dense
	shape             Shape
	height            int
	convergeThreshold float64
	avgReward         float64
}

func NewTable(cfg TableConfig) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Table{
		q:                 mat.NewDense(cfg.NumStates, cfg.NumActions, nil),
		prev:              mat.NewDense(cfg.NumStates, cfg.NumActions, nil),
		diff:              mat.NewDense(cfg.NumStates, cfg.NumActions, nil),
		shape:             cfg.Shape,
		height:            cfg.Height,
		convergeThreshold: cfg.ConvergeThreshold,
		avgReward:         cfg.InitialAverageReward,
	}, nil
}

func (t *Table) Shape() Shape {
	return t.shape
}

func (t *Table) Dims() (int, int) {
	return t.q.Dims()
}

// StateID shifts Nt and ht by the height so they are non-negative, then flattens (Nt, ht[, t]).
func (t *Table) StateID(s env.State) (int, error) {
	nt := s.Nt + t.height
	ht := s.Ht + t.height
	if nt < 0 || nt >= t.shape.Rows || ht < 0 || ht >= t.shape.Cols {
		return 0, fmt.Errorf("%w: %v", ErrStateOutOfRange, s)
	}

	id := nt*t.shape.Cols + ht
	if !t.shape.HasTime() {
		return id, nil
	}
	if s.T < 0 || s.T > t.shape.TimeSteps {
		return 0, fmt.Errorf("%w: %v", ErrStateOutOfRange, s)
	}
	return id*(t.shape.TimeSteps+1) + s.T, nil
}

func (t *Table) row(s env.State) ([]float64, error) {
	id, err := t.StateID(s)
	if err != nil {
		return nil, err
	}
	return t.q.RawRowView(id), nil
}

// Values returns a copy of the action-values at s, ordered by action index.
func (t *Table) Values(s env.State) ([]float64, error) {
	row, err := t.row(s)
	if err != nil {
		return nil, err
	}
	y := make([]float64, len(row))
	copy(y, row)
	return y, nil
}

func (t *Table) Value(s env.State, a env.Action) (float64, error) {
	idx, err := a.Index()
	if err != nil {
		return 0, err
	}
	return t.ReferenceValue(s, idx)
}

// ReferenceValue reads the value at s by action index, the form RVI reference pairs are given in.
func (t *Table) ReferenceValue(s env.State, actionIdx int) (float64, error) {
	row, err := t.row(s)
	if err != nil {
		return 0, err
	}
	if actionIdx < 0 || actionIdx >= len(row) {
		return 0, fmt.Errorf("%w: action index %d", ErrStateOutOfRange, actionIdx)
	}
	return row[actionIdx], nil
}

// Update adds lr*tdError to the (s, a) cell and reports whether the Frobenius norm of the change to
// the whole table is below the convergence threshold. The report never blocks the update.
func (t *Table) Update(lr float64, s env.State, a env.Action, tdError float64) (bool, error) {
	id, err := t.StateID(s)
	if err != nil {
		return false, err
	}
	idx, err := a.Index()
	if err != nil {
		return false, err
	}

	t.prev.Copy(t.q)
	t.q.Set(id, idx, t.q.At(id, idx)+lr*tdError)
	t.diff.Sub(t.q, t.prev)
	return mat.Norm(t.diff, 2) < t.convergeThreshold, nil
}

type TDInput struct {
	State      env.State
	Action     env.Action
	NextState  env.State
	NextAction env.Action
	// NextProbs is the behaviour distribution at NextState, read by ExpectedSarsa.
	NextProbs []float64
	Reward    float64
	Gamma     float64
	Done      bool
	Algorithm Algorithm
	// Companion evaluates the action this table selects under DoubleQ.
	Companion  *Table
	RefState   env.State
	RefAction  int
	Convention RewardConvention
}

func (t *Table) TDError(in TDInput) (float64, error) {
	if err := in.Algorithm.Validate(); err != nil {
		return 0, err
	}
	if err := in.Convention.Validate(); err != nil {
		return 0, err
	}

	current, err := t.Value(in.State, in.Action)
	if err != nil {
		return 0, err
	}

	var next float64
	if !in.Done {
		next, err = t.nextValue(in)
		if err != nil {
			return 0, err
		}
	}

	var baseline float64
	switch in.Convention {
	case Average:
		baseline = t.avgReward
	case RVI:
		baseline, err = t.ReferenceValue(in.RefState, in.RefAction)
		if err != nil {
			return 0, fmt.Errorf("rvi reference: %w", err)
		}
	}
	return Delta(in.Convention, in.Reward, in.Gamma, next, current, baseline)
}

func (t *Table) nextValue(in TDInput) (float64, error) {
	row, err := t.row(in.NextState)
	if err != nil {
		return 0, err
	}

	switch in.Algorithm {
	case Sarsa:
		return t.Value(in.NextState, in.NextAction)
	case QLearning:
		return floats.Max(row), nil
	case ExpectedSarsa:
		if len(in.NextProbs) != len(row) {
			return 0, fmt.Errorf("%w: got %d, want %d", ErrProbsLength, len(in.NextProbs), len(row))
		}
		return floats.Dot(row, in.NextProbs), nil
	case DoubleQ:
		if in.Companion == nil {
			return 0, ErrMissingCompanion
		}
		r, c := t.q.Dims()
		if r1, c1 := in.Companion.Dims(); r1 != r || c1 != c {
			return 0, fmt.Errorf("%w: companion table is %dx%d, want %dx%d", ErrShapeMismatch, r1, c1, r, c)
		}
		id, err := t.StateID(in.NextState)
		if err != nil {
			return 0, err
		}
		return in.Companion.q.At(id, floats.MaxIdx(row)), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, int(in.Algorithm))
	}
}

// SetAverageReward moves the running average-reward baseline by delta*stepSize*lr.
func (t *Table) SetAverageReward(delta, stepSize, lr float64) {
	t.avgReward += delta * stepSize * lr
}

func (t *Table) AverageReward() float64 {
	return t.avgReward
}

// Matrix exposes the table read-only.
func (t *Table) Matrix() mat.Matrix {
	return t.q
}

// MarshalBinaryTo dumps the table in its native [numStates x numActions] shape.
func (t *Table) MarshalBinaryTo(w io.Writer) (int, error) {
	return t.q.MarshalBinaryTo(w)
}

package linear_test

import (
	"errors"
	"math"
	"testing"

	"github.com/sw965/tokens/env"
	"github.com/sw965/tokens/ql"
	"github.com/sw965/tokens/ql/linear"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

const terminal = 3

func newWeight(t *testing.T, threshold float64) *linear.Weight {
	t.Helper()
	w, err := linear.NewWeight(linear.Config{
		Shape:             linear.NewShape(terminal),
		Height:            terminal,
		ConvergeThreshold: threshold,
	})
	if err != nil {
		t.Fatalf("NewWeight: %v", err)
	}
	return w
}

func TestNewWeightValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  linear.Config
	}{
		{name: "dimension", cfg: linear.Config{Shape: linear.NewShape(3), Height: 3, Dimension: 53}},
		{name: "actions", cfg: linear.Config{Shape: linear.Shape{Nt: 7, Ht: 7, Time: 4, Actions: 2}, Height: 3}},
		{name: "empty block", cfg: linear.Config{Shape: linear.Shape{Nt: 7, Ht: 0, Time: 4, Actions: 3}, Height: 3}},
		{name: "height too tall", cfg: linear.Config{Shape: linear.Shape{Nt: 3, Ht: 3, Time: 4, Actions: 3}, Height: 3}},
		{name: "ht too narrow", cfg: linear.Config{Shape: linear.Shape{Nt: 7, Ht: 5, Time: 4, Actions: 3}, Height: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := linear.NewWeight(tc.cfg); !errors.Is(err, linear.ErrShapeMismatch) {
				t.Errorf("want ErrShapeMismatch, got %v", err)
			}
		})
	}

	w := newWeight(t, 1)
	if w.Len() != 54 {
		t.Errorf("want dimension 54, got %d", w.Len())
	}
}

func TestFeatureIndices(t *testing.T) {
	w := newWeight(t, 1)
	s := env.State{Nt: -3, Ht: 2, T: 1}

	tests := []struct {
		action env.Action
		want   [3]int
	}{
		{action: env.Wait, want: [3]int{0, 12, 15}},
		{action: env.Left, want: [3]int{18, 30, 33}},
		{action: env.Right, want: [3]int{36, 48, 51}},
	}
	for _, tc := range tests {
		got, err := w.FeatureIndices(s, tc.action)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("%v: want %v, got %v", tc.action, tc.want, got)
		}

		x, err := w.Features(s, tc.action)
		if err != nil {
			t.Fatal(err)
		}
		if sum := mat.Sum(x); sum != 3 {
			t.Errorf("%v: one-hot must have three ones, sum %f", tc.action, sum)
		}
		for _, i := range tc.want {
			if x.AtVec(i) != 1 {
				t.Errorf("%v: feature %d not set", tc.action, i)
			}
		}
	}

	for _, bad := range []env.State{{Nt: 4}, {Ht: -4}, {T: 4}} {
		if _, err := w.FeatureIndices(bad, env.Wait); !errors.Is(err, linear.ErrStateOutOfRange) {
			t.Errorf("%v: want ErrStateOutOfRange, got %v", bad, err)
		}
	}
}

func TestErrorAndUpdate(t *testing.T) {
	s := env.State{Nt: 1, Ht: 0, T: 2}
	next := env.State{Nt: 2, Ht: 3, T: 3}

	tests := []struct {
		name      string
		threshold float64
		converged bool
	}{
		{name: "converged", threshold: 1, converged: true},
		{name: "not converged", threshold: 0.5, converged: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := newWeight(t, tc.threshold)
			grad, err := w.Error(linear.ErrorInput{
				State:      s,
				Action:     env.Right,
				NextState:  next,
				NextAction: env.Left,
				Reward:     1,
				Gamma:      1,
				Done:       true,
				Convention: ql.Discounted,
			})
			if err != nil {
				t.Fatal(err)
			}

			converged, err := w.Update(0.5, grad)
			if err != nil {
				t.Fatal(err)
			}
			if converged != tc.converged {
				t.Errorf("change norm is %f: want converged=%t, got %t", 0.5*math.Sqrt(3), tc.converged, converged)
			}

			v, err := w.Value(s, env.Right)
			if err != nil {
				t.Fatal(err)
			}
			if !scalar.EqualWithinAbs(v, 1.5, 1e-12) {
				t.Errorf("want 1.5, got %f", v)
			}
		})
	}
}

func TestTDErrorConventions(t *testing.T) {
	s := env.State{Nt: 1, Ht: 0, T: 2}
	prev := env.State{Nt: 0, Ht: 0, T: 1}

	w := newWeight(t, 1)
	grad, err := w.Error(linear.ErrorInput{State: s, Action: env.Right, Reward: 1, Done: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Update(0.5, grad); err != nil {
		t.Fatal(err)
	}
	w.SetAverageReward(1, 0.5, 0.2)

	tests := []struct {
		name       string
		convention ql.RewardConvention
		want       float64
	}{
		{name: "discounted", convention: ql.Discounted, want: 0.9 * 1.5},
		{name: "average", convention: ql.Average, want: -0.1 + 1.5},
		{name: "rvi", convention: ql.RVI, want: -1.5 + 1.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// prev with wait shares no features with s under right, so the current estimate is 0.
			got, err := w.TDError(linear.ErrorInput{
				State:      prev,
				Action:     env.Wait,
				NextState:  s,
				NextAction: env.Right,
				Gamma:      0.9,
				RefState:   s,
				RefAction:  env.Right,
				Convention: tc.convention,
			})
			if err != nil {
				t.Fatal(err)
			}
			if !scalar.EqualWithinAbs(got, tc.want, 1e-12) {
				t.Errorf("want %f, got %f", tc.want, got)
			}
		})
	}

	if _, err := w.TDError(linear.ErrorInput{Convention: ql.RewardConvention(5)}); !errors.Is(err, ql.ErrUnknownRewardConvention) {
		t.Errorf("want ErrUnknownRewardConvention, got %v", err)
	}
}

func TestUpdateLengthMismatch(t *testing.T) {
	w := newWeight(t, 1)
	if _, err := w.Update(0.1, mat.NewVecDense(3, nil)); !errors.Is(err, linear.ErrShapeMismatch) {
		t.Errorf("want ErrShapeMismatch, got %v", err)
	}
}

package ql_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sw965/tokens/env"
	"github.com/sw965/tokens/ql"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

const terminal = 3

var (
	// stateA encodes to id 5 and stateB to id 9 when terminal is 3.
	stateA = env.State{Nt: -3, Ht: 2}
	stateB = env.State{Nt: -2, Ht: -1}
)

func newTable(t *testing.T, withTime bool, threshold float64) *ql.Table {
	t.Helper()
	shape := ql.NewShape(terminal, withTime)
	table, err := ql.NewTable(ql.TableConfig{
		NumStates:         shape.NumStates(),
		NumActions:        3,
		Shape:             shape,
		Height:            terminal,
		ConvergeThreshold: threshold,
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func setRow(t *testing.T, table *ql.Table, s env.State, values []float64) {
	t.Helper()
	for i, v := range values {
		a, err := env.ActionAt(i)
		if err != nil {
			t.Fatal(err)
		}
		cur, err := table.Value(s, a)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := table.Update(1, s, a, v-cur); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStateIDFixture(t *testing.T) {
	table := newTable(t, false, 1e-3)
	tests := []struct {
		state env.State
		want  int
	}{
		{state: stateA, want: 5},
		{state: stateB, want: 9},
		{state: env.State{Nt: -3, Ht: -3}, want: 0},
		{state: env.State{Nt: 3, Ht: 3}, want: 48},
	}
	for _, tc := range tests {
		got, err := table.StateID(tc.state)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("%v: want %d, got %d", tc.state, tc.want, got)
		}
	}
}

func TestStateIDInjective(t *testing.T) {
	for _, withTime := range []bool{false, true} {
		table := newTable(t, withTime, 1e-3)
		n := table.Shape().NumStates()
		seen := map[int]env.State{}
		maxT := 0
		if withTime {
			maxT = terminal
		}
		for nt := -terminal; nt <= terminal; nt++ {
			for ht := -terminal; ht <= terminal; ht++ {
				for ts := 0; ts <= maxT; ts++ {
					s := env.State{Nt: nt, Ht: ht, T: ts}
					id, err := table.StateID(s)
					if err != nil {
						t.Fatal(err)
					}
					if id < 0 || id >= n {
						t.Fatalf("%v: id %d outside [0, %d)", s, id, n)
					}
					if other, ok := seen[id]; ok {
						t.Fatalf("%v and %v share id %d", s, other, id)
					}
					seen[id] = s
				}
			}
		}
		if len(seen) != n {
			t.Errorf("withTime=%t: %d ids cover a table of %d states", withTime, len(seen), n)
		}
	}
}

func TestStateIDOutOfRange(t *testing.T) {
	table := newTable(t, true, 1e-3)
	for _, s := range []env.State{{Nt: 4}, {Ht: -4}, {T: 4}, {T: -1}} {
		if _, err := table.StateID(s); !errors.Is(err, ql.ErrStateOutOfRange) {
			t.Errorf("%v: want ErrStateOutOfRange, got %v", s, err)
		}
	}
}

func TestNewTableShapeMismatch(t *testing.T) {
	tests := []struct {
		name string
		cfg  ql.TableConfig
	}{
		{name: "num states", cfg: ql.TableConfig{NumStates: 50, NumActions: 3, Shape: ql.NewShape(3, false), Height: 3}},
		{name: "num states with time", cfg: ql.TableConfig{NumStates: 49, NumActions: 3, Shape: ql.NewShape(3, true), Height: 3}},
		{name: "num actions", cfg: ql.TableConfig{NumStates: 49, NumActions: 2, Shape: ql.NewShape(3, false), Height: 3}},
		{name: "negative height", cfg: ql.TableConfig{NumStates: 49, NumActions: 3, Shape: ql.NewShape(3, false), Height: -1}},
		{name: "height too tall", cfg: ql.TableConfig{NumStates: 9, NumActions: 3, Shape: ql.Shape{Rows: 3, Cols: 3}, Height: 3}},
		{name: "cols too narrow", cfg: ql.TableConfig{NumStates: 35, NumActions: 3, Shape: ql.Shape{Rows: 7, Cols: 5}, Height: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ql.NewTable(tc.cfg); !errors.Is(err, ql.ErrShapeMismatch) {
				t.Errorf("want ErrShapeMismatch, got %v", err)
			}
		})
	}
}

func TestTDErrorQLearningFixture(t *testing.T) {
	table := newTable(t, false, 1e-3)
	setRow(t, table, stateB, []float64{0.1, 0.2, 0.3})

	got, err := table.TDError(ql.TDInput{
		State:      stateA,
		Action:     env.Right,
		NextState:  stateB,
		NextAction: env.Wait,
		Reward:     0,
		Gamma:      1,
		Algorithm:  ql.QLearning,
		Convention: ql.Discounted,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(got, 0.3, 1e-12) {
		t.Errorf("want 0.3, got %f", got)
	}
}

func TestTDError(t *testing.T) {
	base := ql.TDInput{
		State:      stateA,
		Action:     env.Right,
		NextState:  stateB,
		NextAction: env.Left,
		Gamma:      0.5,
		Convention: ql.Discounted,
	}

	tests := []struct {
		name   string
		modify func(in *ql.TDInput, companion *ql.Table)
		want   float64
	}{
		{
			name:   "sarsa",
			modify: func(in *ql.TDInput, _ *ql.Table) { in.Algorithm = ql.Sarsa },
			want:   0.5*0.2 - 0.7,
		},
		{
			name:   "q-learning",
			modify: func(in *ql.TDInput, _ *ql.Table) { in.Algorithm = ql.QLearning },
			want:   0.5*0.3 - 0.7,
		},
		{
			name: "expected sarsa",
			modify: func(in *ql.TDInput, _ *ql.Table) {
				in.Algorithm = ql.ExpectedSarsa
				in.NextProbs = []float64{0.2, 0.3, 0.5}
			},
			want: 0.5*0.23 - 0.7,
		},
		{
			name: "double q evaluates the selected action on the companion",
			modify: func(in *ql.TDInput, companion *ql.Table) {
				in.Algorithm = ql.DoubleQ
				in.Companion = companion
			},
			want: 0.5*4 - 0.7,
		},
		{
			name: "done ignores the next estimate",
			modify: func(in *ql.TDInput, _ *ql.Table) {
				in.Algorithm = ql.QLearning
				in.Done = true
				in.Reward = 1
			},
			want: 1 - 0.7,
		},
		{
			name: "average reward",
			modify: func(in *ql.TDInput, _ *ql.Table) {
				in.Algorithm = ql.QLearning
				in.Convention = ql.Average
			},
			want: -0.25 + 0.3 - 0.7,
		},
		{
			name: "rvi",
			modify: func(in *ql.TDInput, _ *ql.Table) {
				in.Algorithm = ql.QLearning
				in.Convention = ql.RVI
				in.RefState = stateB
				in.RefAction = 1
			},
			want: -0.2 + 0.3 - 0.7,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			table := newTable(t, false, 1e-3)
			setRow(t, table, stateA, []float64{0, 0, 0.7})
			setRow(t, table, stateB, []float64{0.1, 0.2, 0.3})
			table.SetAverageReward(0.5, 0.5, 1)

			companion := newTable(t, false, 1e-3)
			setRow(t, companion, stateB, []float64{9, 0, 4})

			in := base
			tc.modify(&in, companion)
			got, err := table.TDError(in)
			if err != nil {
				t.Fatal(err)
			}
			if !scalar.EqualWithinAbs(got, tc.want, 1e-12) {
				t.Errorf("want %f, got %f", tc.want, got)
			}
		})
	}
}

func TestTDErrorFailures(t *testing.T) {
	table := newTable(t, false, 1e-3)
	tests := []struct {
		name string
		in   ql.TDInput
		err  error
	}{
		{name: "unknown algorithm", in: ql.TDInput{Algorithm: ql.Algorithm(9), Done: true}, err: ql.ErrUnknownAlgorithm},
		{name: "unknown convention", in: ql.TDInput{Convention: ql.RewardConvention(7)}, err: ql.ErrUnknownRewardConvention},
		{name: "double q without companion", in: ql.TDInput{Algorithm: ql.DoubleQ}, err: ql.ErrMissingCompanion},
		{name: "expected sarsa without probs", in: ql.TDInput{Algorithm: ql.ExpectedSarsa}, err: ql.ErrProbsLength},
		{name: "state out of range", in: ql.TDInput{State: env.State{Nt: 10}}, err: ql.ErrStateOutOfRange},
		{name: "invalid action", in: ql.TDInput{Action: env.Action(4)}, err: env.ErrInvalidAction},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := table.TDError(tc.in); !errors.Is(err, tc.err) {
				t.Errorf("want %v, got %v", tc.err, err)
			}
		})
	}
}

func TestUpdateConvergence(t *testing.T) {
	tests := []struct {
		name    string
		lr      float64
		tdError float64
		want    bool
	}{
		{name: "small change", lr: 0.1, tdError: 1, want: true},
		{name: "change equal to threshold", lr: 0.5, tdError: 0.5, want: false},
		{name: "large change", lr: 1, tdError: -2, want: false},
		{name: "no change", lr: 0.5, tdError: 0, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			table := newTable(t, false, 0.25)
			setRow(t, table, stateB, []float64{1, 2, 3})
			before := mat.DenseCopyOf(table.Matrix())
			got, err := table.Update(tc.lr, stateA, env.Left, tc.tdError)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("want converged=%t, got %t", tc.want, got)
			}
			v, _ := table.Value(stateA, env.Left)
			if !scalar.EqualWithinAbs(v-before.At(5, 1), tc.lr*tc.tdError, 1e-12) {
				t.Errorf("update must apply regardless of convergence, cell moved by %f", v-before.At(5, 1))
			}
		})
	}
}

func TestUpdateQ(t *testing.T) {
	tests := []struct {
		name                           string
		q, nextMaxQ, reward, lr, gamma float64
		want                           float64
	}{
		{name: "blend", q: 0.5, nextMaxQ: 1, reward: 0.2, lr: 0.1, gamma: 0.9, want: 0.56},
		{name: "full step reaches target", q: 0.5, nextMaxQ: 1, reward: 0.2, lr: 1, gamma: 0.9, want: 1.1},
		{name: "zero rate keeps q", q: 0.5, nextMaxQ: 1, reward: 0.2, lr: 0, gamma: 0.9, want: 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ql.UpdateQ(tc.q, tc.nextMaxQ, tc.reward, tc.lr, tc.gamma)
			if !scalar.EqualWithinAbs(got, tc.want, 1e-12) {
				t.Errorf("want %f, got %f", tc.want, got)
			}
		})
	}
}

func TestParse(t *testing.T) {
	for _, a := range []ql.Algorithm{ql.Sarsa, ql.QLearning, ql.ExpectedSarsa, ql.DoubleQ} {
		got, err := ql.ParseAlgorithm(a.String())
		if err != nil || got != a {
			t.Errorf("%v: got %v, %v", a, got, err)
		}
	}
	for _, c := range []ql.RewardConvention{ql.Discounted, ql.Average, ql.RVI} {
		got, err := ql.ParseRewardConvention(c.String())
		if err != nil || got != c {
			t.Errorf("%v: got %v, %v", c, got, err)
		}
	}
	if _, err := ql.ParseAlgorithm("td-lambda"); !errors.Is(err, ql.ErrUnknownAlgorithm) {
		t.Errorf("want ErrUnknownAlgorithm, got %v", err)
	}
	if _, err := ql.ParseRewardConvention("gamma"); !errors.Is(err, ql.ErrUnknownRewardConvention) {
		t.Errorf("want ErrUnknownRewardConvention, got %v", err)
	}
}

func TestMarshalBinaryTo(t *testing.T) {
	table := newTable(t, false, 1e-3)
	setRow(t, table, stateB, []float64{0.1, 0.2, 0.3})

	var buf bytes.Buffer
	if _, err := table.MarshalBinaryTo(&buf); err != nil {
		t.Fatal(err)
	}
	var got mat.Dense
	if _, err := got.UnmarshalBinaryFrom(&buf); err != nil {
		t.Fatal(err)
	}
	if r, c := got.Dims(); r != 49 || c != 3 {
		t.Fatalf("want native 49x3 shape, got %dx%d", r, c)
	}
	if got.At(9, 2) != 0.3 {
		t.Errorf("want 0.3 at (9, 2), got %f", got.At(9, 2))
	}
}

package rl

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sw965/tokens/agent"
	"github.com/sw965/tokens/env"
	"github.com/sw965/tokens/ql"
	"github.com/sw965/tokens/ql/linear"
	"github.com/sw965/tokens/snapshot"
)

var (
	ErrInvalidConfig = errors.New("rl: invalid config")
	ErrNilStore      = errors.New("rl: store must not be nil")
)

// Config holds the learning hyper-parameters shared by every learner and the training loop.
type Config struct {
	Algorithm             ql.Algorithm
	Convention            ql.RewardConvention
	LearningRate          float64
	AverageRewardStepSize float64
	// RefState and RefAction anchor the RVI baseline.
	RefState  env.State
	RefAction env.Action

	Episodes int
	// SnapshotInterval saves the stores every n episodes; 0 disables snapshots.
	SnapshotInterval int
	// LogInterval emits an info summary every n episodes; 0 disables it.
	LogInterval int
}

func (c Config) Validate() error {
	if err := c.Algorithm.Validate(); err != nil {
		return err
	}
	if err := c.Convention.Validate(); err != nil {
		return err
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: LearningRate must be > 0, got %v", ErrInvalidConfig, c.LearningRate)
	}
	if c.Convention == ql.Average && c.AverageRewardStepSize <= 0 {
		return fmt.Errorf("%w: AverageRewardStepSize must be > 0 under %s", ErrInvalidConfig, c.Convention)
	}
	if !c.RefAction.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, env.ErrInvalidAction)
	}
	if c.Episodes < 0 || c.SnapshotInterval < 0 || c.LogInterval < 0 {
		return fmt.Errorf("%w: Episodes and intervals must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Transition is one on-policy step (s, a, r, s', a').
type Transition struct {
	State      env.State
	Action     env.Action
	Reward     float64
	NextState  env.State
	NextAction env.Action
	// NextProbs is the behaviour distribution that produced NextAction.
	NextProbs []float64
	Gamma     float64
	Done      bool
}

// Learner owns the value stores of an agent and updates them from transitions.
type Learner interface {
	Stores() []agent.Store
	// Learn applies one TD update and reports whether the store has converged.
	Learn(Transition) (bool, error)
	Save(sink snapshot.Sink, timestep int) error
}

type Tabular struct {
	table     *ql.Table
	cfg       Config
	refAction int
}

func NewTabular(table *ql.Table, cfg Config) (*Tabular, error) {
	if table == nil {
		return nil, ErrNilStore
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Algorithm == ql.DoubleQ {
		return nil, fmt.Errorf("%w: %s needs two tables, use NewDoubleQ", ErrInvalidConfig, cfg.Algorithm)
	}
	ref, err := cfg.RefAction.Index()
	if err != nil {
		return nil, err
	}
	return &Tabular{table: table, cfg: cfg, refAction: ref}, nil
}

func (l *Tabular) Table() *ql.Table {
	return l.table
}

func (l *Tabular) Stores() []agent.Store {
	return []agent.Store{l.table}
}

func (l *Tabular) Learn(tr Transition) (bool, error) {
	return learnTable(l.table, nil, l.cfg, l.refAction, tr)
}

func (l *Tabular) Save(sink snapshot.Sink, timestep int) error {
	return sink.Save("q_mat", timestep, l.table)
}

func learnTable(table, companion *ql.Table, cfg Config, refAction int, tr Transition) (bool, error) {
	td, err := table.TDError(ql.TDInput{
		State:      tr.State,
		Action:     tr.Action,
		NextState:  tr.NextState,
		NextAction: tr.NextAction,
		NextProbs:  tr.NextProbs,
		Reward:     tr.Reward,
		Gamma:      tr.Gamma,
		Done:       tr.Done,
		Algorithm:  cfg.Algorithm,
		Companion:  companion,
		RefState:   cfg.RefState,
		RefAction:  refAction,
		Convention: cfg.Convention,
	})
	if err != nil {
		return false, err
	}

	converged, err := table.Update(cfg.LearningRate, tr.State, tr.Action, td)
	if err != nil {
		return false, err
	}
	if cfg.Convention == ql.Average {
		table.SetAverageReward(td, cfg.AverageRewardStepSize, cfg.LearningRate)
	}
	return converged, nil
}

// DoubleQ keeps two tables. Each step one of them, chosen by a fair coin, is updated with the
// other acting as its companion.
type DoubleQ struct {
	tables    [2]*ql.Table
	cfg       Config
	refAction int
	rng       *rand.Rand
}

func NewDoubleQ(a, b *ql.Table, cfg Config, rng *rand.Rand) (*DoubleQ, error) {
	if a == nil || b == nil {
		return nil, ErrNilStore
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Algorithm != ql.DoubleQ {
		return nil, fmt.Errorf("%w: NewDoubleQ with algorithm %s", ErrInvalidConfig, cfg.Algorithm)
	}
	ra, ca := a.Dims()
	if rb, cb := b.Dims(); ra != rb || ca != cb {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ql.ErrShapeMismatch, ra, ca, rb, cb)
	}
	ref, err := cfg.RefAction.Index()
	if err != nil {
		return nil, err
	}
	return &DoubleQ{tables: [2]*ql.Table{a, b}, cfg: cfg, refAction: ref, rng: rng}, nil
}

func (l *DoubleQ) Tables() (*ql.Table, *ql.Table) {
	return l.tables[0], l.tables[1]
}

func (l *DoubleQ) Stores() []agent.Store {
	return []agent.Store{l.tables[0], l.tables[1]}
}

func (l *DoubleQ) Learn(tr Transition) (bool, error) {
	i := l.rng.IntN(2)
	return learnTable(l.tables[i], l.tables[1-i], l.cfg, l.refAction, tr)
}

func (l *DoubleQ) Save(sink snapshot.Sink, timestep int) error {
	if err := sink.Save("q_mat_a", timestep, l.tables[0]); err != nil {
		return err
	}
	return sink.Save("q_mat_b", timestep, l.tables[1])
}

// SemiGradient is SARSA with a linear value function.
type SemiGradient struct {
	weight *linear.Weight
	cfg    Config
}

func NewSemiGradient(w *linear.Weight, cfg Config) (*SemiGradient, error) {
	if w == nil {
		return nil, ErrNilStore
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Algorithm != ql.Sarsa {
		return nil, fmt.Errorf("%w: linear stores only support %s, got %s", ErrInvalidConfig, ql.Sarsa, cfg.Algorithm)
	}
	return &SemiGradient{weight: w, cfg: cfg}, nil
}

func (l *SemiGradient) Weight() *linear.Weight {
	return l.weight
}

func (l *SemiGradient) Stores() []agent.Store {
	return []agent.Store{l.weight}
}

func (l *SemiGradient) Learn(tr Transition) (bool, error) {
	in := linear.ErrorInput{
		State:      tr.State,
		Action:     tr.Action,
		NextState:  tr.NextState,
		NextAction: tr.NextAction,
		Reward:     tr.Reward,
		Gamma:      tr.Gamma,
		Done:       tr.Done,
		RefState:   l.cfg.RefState,
		RefAction:  l.cfg.RefAction,
		Convention: l.cfg.Convention,
	}
	td, err := l.weight.TDError(in)
	if err != nil {
		return false, err
	}
	grad, err := l.weight.Features(tr.State, tr.Action)
	if err != nil {
		return false, err
	}
	grad.ScaleVec(td, grad)

	converged, err := l.weight.Update(l.cfg.LearningRate, grad)
	if err != nil {
		return false, err
	}
	if l.cfg.Convention == ql.Average {
		l.weight.SetAverageReward(td, l.cfg.AverageRewardStepSize, l.cfg.LearningRate)
	}
	return converged, nil
}

func (l *SemiGradient) Save(sink snapshot.Sink, timestep int) error {
	return sink.Save("w", timestep, l.weight)
}

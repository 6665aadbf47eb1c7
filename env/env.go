// Package env implements the tokens task: evidence Nt random-walks by ±1 each step while the agent may
// commit once to a side, and the episode pays off at the horizon if the committed side matches sign(Nt).
package env

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sw965/tokens/mathx"
)

var (
	ErrInvalidAction = errors.New("env: action must belong to [-1, 0, 1]")
	ErrInvalidConfig = errors.New("env: invalid config")
	ErrEpisodeDone   = errors.New("env: episode is done, call Reset")
)

const DefaultInterTrialInterval = 7.5

type Action int

const (
	Left  Action = -1
	Wait  Action = 0
	Right Action = 1
)

func (a Action) Valid() bool {
	return a >= Left && a <= Right
}

func (a Action) String() string {
	switch a {
	case Left:
		return "left"
	case Wait:
		return "wait"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

var Actions = []Action{Wait, Left, Right}

// State packs the evidence accumulator Nt, the commitment Ht and the time step T.
type State struct {
	Nt int
	Ht int
	T  int
}

func (s State) Committed() bool {
	return s.Ht != 0
}

// Correct reports whether the committed side agrees with the sign of the evidence.
func (s State) Correct() bool {
	return mathx.Sign(s.Nt) == mathx.Sign(s.Ht)
}

func (s State) String() string {
	return fmt.Sprintf("(Nt=%d, ht=%d, t=%d)", s.Nt, s.Ht, s.T)
}

type Config struct {
	Gamma              float64
	Terminal           int
	FancyDiscount      bool
	InterTrialInterval float64
}

func (c Config) Validate() error {
	if c.Terminal < 1 {
		return fmt.Errorf("%w: Terminal must be >= 1, got %d", ErrInvalidConfig, c.Terminal)
	}
	if c.Gamma < 0 || c.Gamma > 1 || math.IsNaN(c.Gamma) {
		return fmt.Errorf("%w: Gamma must be in [0, 1], got %f", ErrInvalidConfig, c.Gamma)
	}
	if c.InterTrialInterval < 0 {
		return fmt.Errorf("%w: InterTrialInterval must be >= 0, got %f", ErrInvalidConfig, c.InterTrialInterval)
	}
	return nil
}

type Env struct {
	gamma              float64
	terminal           int
	fancyDiscount      bool
	interTrialInterval float64

	state     State
	timeSteps int
	done      bool
	rng       *rand.Rand
}

func New(cfg Config, rng *rand.Rand) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: rng must not be nil", ErrInvalidConfig)
	}

	iti := cfg.InterTrialInterval
	if iti == 0 {
		iti = DefaultInterTrialInterval
	}

	e := &Env{
		gamma:              cfg.Gamma,
		terminal:           cfg.Terminal,
		fancyDiscount:      cfg.FancyDiscount,
		interTrialInterval: iti,
		rng:                rng,
	}
	e.Reset()
	return e, nil
}

func (e *Env) Reset() (State, int) {
	e.state = State{}
	e.done = false
	e.timeSteps = 0
	return e.state, e.timeSteps
}

// Step advances the episode by one step and returns the next state, the reward, whether the
// episode is done and the in-game time step.
func (e *Env) Step(action Action) (State, float64, bool, int, error) {
	if !action.Valid() {
		return State{}, 0, false, e.timeSteps, fmt.Errorf("%w: got %d", ErrInvalidAction, int(action))
	}
	if e.done {
		return State{}, 0, true, e.timeSteps, ErrEpisodeDone
	}

	prev := e.state
	nt := prev.Nt
	if e.timeSteps < e.terminal {
		if e.rng.Float64() <= 0.5 {
			nt = prev.Nt - 1
		} else {
			nt = prev.Nt + 1
		}
	}

	// Commitment happens once, scaled by the step it was made on.
	ht := prev.Ht
	if prev.Ht == 0 {
		ht = prev.Ht + (e.timeSteps+1)*int(action)
	}

	if e.timeSteps == e.terminal {
		reward := mathx.Indicator(mathx.Sign(nt), mathx.Sign(ht))
		if e.fancyDiscount {
			reward = e.fancyDiscountReward(reward)
		}
		e.done = true
		return State{Nt: nt, Ht: ht, T: e.timeSteps}, reward, true, e.timeSteps, nil
	}

	e.timeSteps++
	e.state = State{Nt: nt, Ht: ht, T: e.timeSteps}
	return e.state, 0, false, e.timeSteps, nil
}

// fancyDiscountReward discounts the reward by the response-time dependent delay. The delay is taken
// from the retained state, i.e. the commitment as of the previous step.
func (e *Env) fancyDiscountReward(reward float64) float64 {
	T := float64(e.terminal)
	h := math.Abs(float64(e.state.Ht))
	return reward / T / (h/T + e.gamma*(1-h/T) + e.interTrialInterval/T)
}

func (e *Env) State() State {
	return e.state
}

func (e *Env) TimeSteps() int {
	return e.timeSteps
}

func (e *Env) Done() bool {
	return e.done
}

func (e *Env) Terminal() int {
	return e.terminal
}

func (e *Env) Gamma() float64 {
	return e.gamma
}

// NumStates counts the (Nt, ht) grid, each axis spanning [-Terminal, Terminal].
func (e *Env) NumStates() int {
	n := 2*e.terminal + 1
	return n * n
}

func (e *Env) NumActions() int {
	return len(Actions)
}

// Index maps an action to its policy index: wait 0, left 1, right 2.
func (a Action) Index() (int, error) {
	switch a {
	case Wait:
		return 0, nil
	case Left:
		return 1, nil
	case Right:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: got %d", ErrInvalidAction, int(a))
	}
}

// ActionAt is the inverse of Action.Index.
func ActionAt(idx int) (Action, error) {
	if idx < 0 || idx >= len(Actions) {
		return Wait, fmt.Errorf("%w: index %d", ErrInvalidAction, idx)
	}
	return Actions[idx], nil
}

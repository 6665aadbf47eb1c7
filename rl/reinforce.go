package rl

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/sw965/tokens/env"
	"github.com/sw965/tokens/mathx/randx"
	"github.com/sw965/tokens/optimizer"
	"github.com/sw965/tokens/ql/linear"
	"golang.org/x/sync/errgroup"
)

// float32 machine epsilon, added to the return standard deviation.
const eps32 float32 = 1.1920929e-07

type Experience struct {
	State       env.State
	ActionIndex int
	Reward      float32
}

type Experiences []Experience

// Returns computes the discounted return of every step and normalises them to zero mean and unit
// (sample) standard deviation.
func (es Experiences) Returns(gamma float32) []float32 {
	n := len(es)
	returns := make([]float32, n)
	var r float32
	for i := n - 1; i >= 0; i-- {
		r = es[i].Reward + gamma*r
		returns[i] = r
	}
	if n == 0 {
		return returns
	}

	var mean float32
	for _, g := range returns {
		mean += g
	}
	mean /= float32(n)

	var std float32
	if n > 1 {
		var ss float32
		for _, g := range returns {
			ss += (g - mean) * (g - mean)
		}
		std = math32.Sqrt(ss / float32(n-1))
	}
	for i := range returns {
		returns[i] = (returns[i] - mean) / (std + eps32)
	}
	return returns
}

type ReinforceConfig struct {
	Env env.Config
	// Gamma discounts the returns; it is independent of the environment's own gamma.
	Gamma     float32
	Optimizer optimizer.Optimizer
}

func (c ReinforceConfig) Validate() error {
	if err := c.Env.Validate(); err != nil {
		return err
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("%w: return gamma must be in [0, 1], got %v", ErrInvalidConfig, c.Gamma)
	}
	if c.Optimizer == nil {
		return fmt.Errorf("%w: optimizer must not be nil", ErrInvalidConfig)
	}
	return nil
}

// Reinforce is a linear softmax policy over the one-hot state encoding, trained by Monte-Carlo
// policy gradient.
type Reinforce struct {
	cfg    ReinforceConfig
	shape  linear.Shape
	height int
	w      []float32
	Logger *slog.Logger
}

func NewReinforce(cfg ReinforceConfig) (*Reinforce, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shape := linear.NewShape(cfg.Env.Terminal)
	return &Reinforce{
		cfg:    cfg,
		shape:  shape,
		height: cfg.Env.Terminal,
		w:      make([]float32, shape.Dimension()),
	}, nil
}

func (r *Reinforce) Weights() []float32 {
	return append([]float32(nil), r.w...)
}

func (r *Reinforce) SetWeights(w []float32) error {
	if len(w) != len(r.w) {
		return fmt.Errorf("%w: got %d weights, want %d", linear.ErrShapeMismatch, len(w), len(r.w))
	}
	copy(r.w, w)
	return nil
}

func (r *Reinforce) logits(s env.State) ([]float32, [][3]int, error) {
	n := r.shape.Actions
	logits := make([]float32, n)
	offsets := make([][3]int, n)
	for a := range n {
		idxs, err := r.shape.Offsets(s, a, r.height)
		if err != nil {
			return nil, nil, err
		}
		offsets[a] = idxs
		for _, i := range idxs {
			logits[a] += r.w[i]
		}
	}
	return logits, offsets, nil
}

func softmax32(x []float32) []float32 {
	m := x[0]
	for _, v := range x[1:] {
		m = math32.Max(m, v)
	}
	y := make([]float32, len(x))
	var sum float32
	for i, v := range x {
		y[i] = math32.Exp(v - m)
		sum += y[i]
	}
	for i := range y {
		y[i] /= sum
	}
	return y
}

func (r *Reinforce) Probs(s env.State) ([]float32, error) {
	logits, _, err := r.logits(s)
	if err != nil {
		return nil, err
	}
	return softmax32(logits), nil
}

// LogProb is log pi(a|s).
func (r *Reinforce) LogProb(s env.State, actionIdx int) (float32, error) {
	logits, _, err := r.logits(s)
	if err != nil {
		return 0, err
	}
	if actionIdx < 0 || actionIdx >= len(logits) {
		return 0, fmt.Errorf("%w: action index %d", linear.ErrStateOutOfRange, actionIdx)
	}
	m := logits[0]
	for _, v := range logits[1:] {
		m = math32.Max(m, v)
	}
	var sum float32
	for _, v := range logits {
		sum += math32.Exp(v - m)
	}
	return logits[actionIdx] - m - math32.Log(sum), nil
}

// Play runs one episode with its own environment. A wait sampled on the last step is replaced by a
// random side; the experience keeps the sampled index.
func (r *Reinforce) Play(rng *rand.Rand) (Experiences, EpisodeStats, error) {
	var stats EpisodeStats
	e, err := env.New(r.cfg.Env, rng)
	if err != nil {
		return nil, stats, err
	}

	exps := make(Experiences, 0, e.Terminal()+1)
	s, ts := e.Reset()
	for {
		probs, err := r.Probs(s)
		if err != nil {
			return nil, stats, err
		}
		idx, err := randx.IntByWeights(probs, rng)
		if err != nil {
			return nil, stats, err
		}
		action, err := env.ActionAt(idx)
		if err != nil {
			return nil, stats, err
		}
		if ts == e.Terminal() && action == env.Wait {
			action = env.Action(randx.Rademacher(rng))
		}

		next, reward, done, nextTS, err := e.Step(action)
		if err != nil {
			return nil, stats, err
		}
		exps = append(exps, Experience{State: s, ActionIndex: idx, Reward: float32(reward)})
		stats.Steps++
		stats.Reward += reward
		if done {
			stats.Correct = next.Correct()
			return exps, stats, nil
		}
		s, ts = next, nextTS
	}
}

// CollectExperiences plays n episodes spread over len(rngs) workers. Worker k plays episodes
// k, k+p, k+2p, ... with rngs[k], so results do not depend on scheduling.
func (r *Reinforce) CollectExperiences(ctx context.Context, n int, rngs []*rand.Rand) ([]Experiences, []EpisodeStats, error) {
	p := len(rngs)
	if p == 0 {
		return nil, nil, fmt.Errorf("%w: at least one rng is required", ErrInvalidConfig)
	}

	exps := make([]Experiences, n)
	stats := make([]EpisodeStats, n)
	g, ctx := errgroup.WithContext(ctx)
	for k := range p {
		g.Go(func() error {
			rng := rngs[k]
			for i := k; i < n; i += p {
				if err := ctx.Err(); err != nil {
					return err
				}
				e, s, err := r.Play(rng)
				if err != nil {
					return err
				}
				s.Episode = i
				exps[i] = e
				stats[i] = s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return exps, stats, nil
}

// Gradient returns the gradient of -sum log pi(a_t|s_t) * G_t over the given episodes.
func (r *Reinforce) Gradient(episodes ...Experiences) ([]float32, error) {
	grad := make([]float32, len(r.w))
	for _, es := range episodes {
		returns := es.Returns(r.cfg.Gamma)
		for t, exp := range es {
			logits, offsets, err := r.logits(exp.State)
			if err != nil {
				return nil, err
			}
			probs := softmax32(logits)
			for b, p := range probs {
				coef := p
				if b == exp.ActionIndex {
					coef -= 1
				}
				coef *= returns[t]
				for _, i := range offsets[b] {
					grad[i] += coef
				}
			}
		}
	}
	return grad, nil
}

func (r *Reinforce) Learn(episodes ...Experiences) error {
	grad, err := r.Gradient(episodes...)
	if err != nil {
		return err
	}
	return r.cfg.Optimizer.Step(r.w, grad)
}

// Train plays batches of len(rngs) episodes and applies one policy-gradient step per batch until
// episodes have been played. With a single rng this is one update per episode.
func (r *Reinforce) Train(ctx context.Context, episodes, logInterval int, rngs []*rand.Rand) (Summary, error) {
	sum := Summary{ConvergedAt: -1}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "rl.reinforce")

	batch := len(rngs)
	for sum.Episodes < episodes {
		n := min(batch, episodes-sum.Episodes)
		exps, stats, err := r.CollectExperiences(ctx, n, rngs[:n])
		if err != nil {
			return sum, err
		}
		if err := r.Learn(exps...); err != nil {
			return sum, err
		}

		for _, s := range stats {
			sum.Episodes++
			sum.TotalReward += s.Reward
			if s.Correct {
				sum.NumCorrect++
			}
			sum.Rewards = append(sum.Rewards, s.Reward)
			sum.Accuracies = append(sum.Accuracies, sum.Accuracy())
			if logInterval > 0 && sum.Episodes%logInterval == 0 {
				log.Info("progress",
					"episode", sum.Episodes,
					"last_reward", s.Reward,
					"avg_reward", sum.AverageReward(),
					"accuracy", sum.Accuracy(),
				)
			}
		}
	}
	return sum, nil
}

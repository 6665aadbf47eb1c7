package rl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sw965/tokens/agent"
	"github.com/sw965/tokens/env"
	"github.com/sw965/tokens/policy"
	"github.com/sw965/tokens/ql"
	"github.com/sw965/tokens/snapshot"
)

var ErrIncomplete = errors.New("rl: trainer is missing a component")

// Annealer is satisfied by policy.EpsilonTracker and policy.TemperatureTracker.
type Annealer interface {
	Set(frame int) float64
}

type EpisodeStats struct {
	Episode   int
	Reward    float64
	Correct   bool
	Converged bool
	Steps     int
}

func (s EpisodeStats) Snapshot() snapshot.Episode {
	return snapshot.Episode{
		Episode:   s.Episode,
		Reward:    s.Reward,
		Correct:   s.Correct,
		Converged: s.Converged,
		Steps:     s.Steps,
	}
}

type Summary struct {
	Episodes    int
	TotalReward float64
	NumCorrect  int
	// ConvergedAt is the first episode whose last update converged, -1 if none did.
	ConvergedAt int
	Rewards     []float64
	Accuracies  []float64
}

func (s Summary) AverageReward() float64 {
	if s.Episodes == 0 {
		return 0
	}
	return s.TotalReward / float64(s.Episodes)
}

func (s Summary) Accuracy() float64 {
	if s.Episodes == 0 {
		return 0
	}
	return float64(s.NumCorrect) / float64(s.Episodes)
}

// Trainer runs on-policy episodes: the agent picks (s, a), the environment answers, the agent picks
// a' at s' and the learner is updated from (s, a, r, s', a').
type Trainer struct {
	Config    Config
	Env       *env.Env
	Agent     *agent.Agent
	Learner   Learner
	Annealers []Annealer
	// Sink and Recorder are optional.
	Sink     snapshot.Sink
	Recorder snapshot.Recorder
	Logger   *slog.Logger
}

func (t *Trainer) Validate() error {
	if t.Env == nil || t.Agent == nil || t.Learner == nil {
		return ErrIncomplete
	}
	if t.Config.SnapshotInterval > 0 && t.Sink == nil {
		return fmt.Errorf("%w: SnapshotInterval set without a Sink", ErrIncomplete)
	}
	if t.Config.Algorithm == ql.ExpectedSarsa {
		if _, ok := t.Agent.Policy.(policy.Distribution); !ok {
			return fmt.Errorf("%w: %s needs a policy with a distribution, got %T", ErrInvalidConfig, t.Config.Algorithm, t.Agent.Policy)
		}
	}
	return t.Config.Validate()
}

func (t *Trainer) logger() *slog.Logger {
	l := t.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "rl.trainer")
}

func (t *Trainer) RunEpisode(episode int) (EpisodeStats, error) {
	stats := EpisodeStats{Episode: episode}
	for _, a := range t.Annealers {
		a.Set(episode)
	}

	s, ts := t.Env.Reset()
	d, err := t.Agent.SelectAction(s, ts)
	if err != nil {
		return stats, err
	}

	for {
		next, reward, done, nextTS, err := t.Env.Step(d.Action)
		if err != nil {
			return stats, err
		}

		var nd agent.Decision
		if !done {
			nd, err = t.Agent.SelectAction(next, nextTS)
			if err != nil {
				return stats, err
			}
		}

		converged, err := t.Learner.Learn(Transition{
			State:      s,
			Action:     d.Action,
			Reward:     reward,
			NextState:  next,
			NextAction: nd.Action,
			NextProbs:  nd.Probs,
			Gamma:      t.Env.Gamma(),
			Done:       done,
		})
		if err != nil {
			return stats, fmt.Errorf("episode %d step %d: %w", episode, stats.Steps, err)
		}

		stats.Steps++
		stats.Reward += reward
		stats.Converged = converged
		if done {
			stats.Correct = next.Correct()
			return stats, nil
		}
		s, d = next, nd
	}
}

// Run trains for Config.Episodes episodes or until ctx is cancelled.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	sum := Summary{ConvergedAt: -1}
	if err := t.Validate(); err != nil {
		return sum, err
	}
	log := t.logger()
	log.Info("training started",
		"algorithm", t.Config.Algorithm.String(),
		"convention", t.Config.Convention.String(),
		"episodes", t.Config.Episodes,
	)

	for ep := range t.Config.Episodes {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		stats, err := t.RunEpisode(ep)
		if err != nil {
			return sum, err
		}

		sum.Episodes++
		sum.TotalReward += stats.Reward
		if stats.Correct {
			sum.NumCorrect++
		}
		if stats.Converged && sum.ConvergedAt < 0 {
			sum.ConvergedAt = ep
		}
		sum.Rewards = append(sum.Rewards, stats.Reward)
		sum.Accuracies = append(sum.Accuracies, sum.Accuracy())

		log.Debug("episode",
			"episode", ep,
			"reward", stats.Reward,
			"correct", stats.Correct,
			"converged", stats.Converged,
		)

		if t.Recorder != nil {
			if err := t.Recorder.RecordEpisode(stats.Snapshot()); err != nil {
				return sum, err
			}
		}
		if n := t.Config.SnapshotInterval; n > 0 && ep%n == 0 {
			if err := t.Learner.Save(t.Sink, ep); err != nil {
				return sum, err
			}
		}
		if n := t.Config.LogInterval; n > 0 && (ep+1)%n == 0 {
			log.Info("progress",
				"episode", ep+1,
				"avg_reward", sum.AverageReward(),
				"accuracy", sum.Accuracy(),
				"converged", stats.Converged,
			)
		}
	}

	log.Info("training finished",
		"episodes", sum.Episodes,
		"avg_reward", sum.AverageReward(),
		"accuracy", sum.Accuracy(),
		"converged_at", sum.ConvergedAt,
	)
	return sum, nil
}

// Command tokens trains a TD or policy-gradient agent on the tokens task.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/logrusorgru/aurora"
	"github.com/sw965/tokens/agent"
	"github.com/sw965/tokens/env"
	"github.com/sw965/tokens/mathx/randx"
	"github.com/sw965/tokens/optimizer"
	"github.com/sw965/tokens/plot"
	"github.com/sw965/tokens/policy"
	"github.com/sw965/tokens/ql"
	"github.com/sw965/tokens/ql/linear"
	"github.com/sw965/tokens/rl"
	"github.com/sw965/tokens/snapshot"
)

const reinforceName = "reinforce"

type options struct {
	Algorithm    string  `json:"algorithm"`
	Store        string  `json:"store"`
	WithTime     bool    `json:"with_time"`
	Convention   string  `json:"convention"`
	Policy       string  `json:"policy"`
	Param        float64 `json:"param"`
	AnnealFinal  float64 `json:"anneal_final"`
	AnnealFrames int     `json:"anneal_frames"`

	Episodes      int     `json:"episodes"`
	LearningRate  float64 `json:"lr"`
	StepSize      float64 `json:"step_size"`
	RefNt         int     `json:"ref_nt"`
	RefHt         int     `json:"ref_ht"`
	RefAction     int     `json:"ref_action"`
	Converge      float64 `json:"converge"`
	Gamma         float64 `json:"gamma"`
	Terminal      int     `json:"terminal"`
	FancyDiscount bool    `json:"fancy_discount"`
	Seed          int64   `json:"seed"`

	Optimizer   string  `json:"optimizer"`
	ReturnGamma float64 `json:"return_gamma"`
	Workers     int     `json:"workers"`

	SnapshotInterval int    `json:"snapshot_interval"`
	LogInterval      int    `json:"log_interval"`
	Out              string `json:"-"`
	DB               string `json:"-"`
	Plot             string `json:"-"`
	Verbose          bool   `json:"-"`
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("tokens", flag.ContinueOnError)
	fs.StringVar(&o.Algorithm, "algorithm", ql.QLearning.String(), "sarsa | q-learning | e-sarsa | double-q | reinforce")
	fs.StringVar(&o.Store, "store", "table", "value store: table | linear (linear supports sarsa only)")
	fs.BoolVar(&o.WithTime, "time", false, "include the time step in the table state")
	fs.StringVar(&o.Convention, "convention", ql.Discounted.String(), "discounted | average | rvi")
	fs.StringVar(&o.Policy, "policy", policy.EpsilonGreedyName, "greedy | epsilon-greedy | epsilon-greedy-biased | epsilon-greedy-game | softmax | epsilon-soft")
	fs.Float64Var(&o.Param, "param", 0.1, "epsilon, or temperature for softmax")
	fs.Float64Var(&o.AnnealFinal, "anneal-final", 0.01, "final epsilon or temperature")
	fs.IntVar(&o.AnnealFrames, "anneal-frames", 0, "episodes over which to anneal; 0 disables annealing")

	fs.IntVar(&o.Episodes, "episodes", 1000, "number of training episodes")
	fs.Float64Var(&o.LearningRate, "lr", 0.1, "learning rate")
	fs.Float64Var(&o.StepSize, "step-size", 0.01, "average-reward step size")
	fs.IntVar(&o.RefNt, "ref-nt", 0, "RVI reference state Nt")
	fs.IntVar(&o.RefHt, "ref-ht", 0, "RVI reference state ht")
	fs.IntVar(&o.RefAction, "ref-action", 0, "RVI reference action (-1, 0, 1)")
	fs.Float64Var(&o.Converge, "converge", 1e-3, "convergence threshold")
	fs.Float64Var(&o.Gamma, "gamma", 0.75, "environment discount")
	fs.IntVar(&o.Terminal, "terminal", 15, "last time step of an episode")
	fs.BoolVar(&o.FancyDiscount, "fancy", false, "discount the terminal reward by response time")
	fs.Int64Var(&o.Seed, "seed", 5, "random seed")

	fs.StringVar(&o.Optimizer, "optimizer", "adam", "reinforce optimizer: sgd | momentum | adam")
	fs.Float64Var(&o.ReturnGamma, "return-gamma", 0.99, "reinforce return discount")
	fs.IntVar(&o.Workers, "workers", 1, "reinforce episodes collected in parallel per update")

	fs.IntVar(&o.SnapshotInterval, "snapshot-interval", 0, "save stores every n episodes; 0 disables")
	fs.IntVar(&o.LogInterval, "log-interval", 100, "log progress every n episodes; 0 disables")
	fs.StringVar(&o.Out, "out", envOr("TOKENS_OUT", ""), "snapshot directory (env TOKENS_OUT)")
	fs.StringVar(&o.DB, "db", envOr("TOKENS_DB", ""), "SQLite run database (env TOKENS_DB)")
	fs.StringVar(&o.Plot, "plot", "", "write an HTML learning curve to this file")
	fs.BoolVar(&o.Verbose, "v", false, "log every episode")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.Workers < 1 {
		return o, fmt.Errorf("workers must be >= 1, got %d", o.Workers)
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, logger, os.Stdout); err != nil {
		logger.Error("run failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger *slog.Logger, stdout io.Writer) error {
	envCfg := env.Config{
		Gamma:         o.Gamma,
		Terminal:      o.Terminal,
		FancyDiscount: o.FancyDiscount,
	}

	var sinks snapshot.Multi
	if o.Out != "" {
		sinks = append(sinks, snapshot.Dir{Path: o.Out})
	}

	var recorder snapshot.Recorder
	var runID string
	if o.DB != "" {
		store, err := snapshot.OpenSQLite(o.DB)
		if err != nil {
			return err
		}
		defer store.Close()

		cfgJSON, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		r, err := store.StartRun(snapshot.RunInfo{
			Algorithm:  o.Algorithm,
			Convention: o.Convention,
			Policy:     o.Policy,
			ConfigJSON: string(cfgJSON),
		})
		if err != nil {
			return err
		}
		runID = r.ID()
		sinks = append(sinks, r)
		recorder = r
		logger = logger.With("run_id", runID)
	}

	var sum rl.Summary
	var err error
	if o.Algorithm == reinforceName {
		sum, err = runReinforce(ctx, o, envCfg, logger)
	} else {
		var sink snapshot.Sink
		if len(sinks) > 0 {
			sink = sinks
		}
		sum, err = runTD(ctx, o, envCfg, sink, recorder, logger)
	}
	if err != nil {
		return err
	}

	if o.Plot != "" {
		if err := writePlot(o, sum); err != nil {
			return err
		}
	}
	printSummary(stdout, o, sum, runID)
	return nil
}

func runTD(ctx context.Context, o options, envCfg env.Config, sink snapshot.Sink, recorder snapshot.Recorder, logger *slog.Logger) (rl.Summary, error) {
	algorithm, err := ql.ParseAlgorithm(o.Algorithm)
	if err != nil {
		return rl.Summary{}, err
	}
	convention, err := ql.ParseRewardConvention(o.Convention)
	if err != nil {
		return rl.Summary{}, err
	}
	cfg := rl.Config{
		Algorithm:             algorithm,
		Convention:            convention,
		LearningRate:          o.LearningRate,
		AverageRewardStepSize: o.StepSize,
		RefState:              env.State{Nt: o.RefNt, Ht: o.RefHt},
		RefAction:             env.Action(o.RefAction),
		Episodes:              o.Episodes,
		SnapshotInterval:      o.SnapshotInterval,
		LogInterval:           o.LogInterval,
	}

	rngs := newStreams(o.Seed)
	e, err := env.New(envCfg, rngs.env)
	if err != nil {
		return rl.Summary{}, err
	}

	learner, err := newLearner(o, cfg, rngs.learner)
	if err != nil {
		return rl.Summary{}, err
	}
	p, err := policy.New(o.Policy, o.Param, rngs.policy)
	if err != nil {
		return rl.Summary{}, err
	}
	a, err := agent.New(p, o.Terminal, rngs.learner, learner.Stores()...)
	if err != nil {
		return rl.Summary{}, err
	}

	tr := &rl.Trainer{
		Config:    cfg,
		Env:       e,
		Agent:     a,
		Learner:   learner,
		Annealers: annealers(o, p),
		Sink:      sink,
		Recorder:  recorder,
		Logger:    logger,
	}
	return tr.Run(ctx)
}

// streams keeps the environment, the learner and the policy on separate generators so that changing
// one does not shift the samples another draws. The agent's forced decision shares the learner stream.
type streams struct {
	env     *rand.Rand
	learner *rand.Rand
	policy  *rand.Rand
}

func newStreams(seed int64) streams {
	return streams{
		env:     randx.NewMT(seed),
		learner: randx.NewMT(seed + 1),
		policy:  randx.NewMT(seed + 2),
	}
}

func newLearner(o options, cfg rl.Config, rng *rand.Rand) (rl.Learner, error) {
	switch o.Store {
	case "table":
		shape := ql.NewShape(o.Terminal, o.WithTime)
		newTable := func() (*ql.Table, error) {
			return ql.NewTable(ql.TableConfig{
				NumStates:         shape.NumStates(),
				NumActions:        len(env.Actions),
				Shape:             shape,
				Height:            o.Terminal,
				ConvergeThreshold: o.Converge,
			})
		}
		t1, err := newTable()
		if err != nil {
			return nil, err
		}
		if cfg.Algorithm != ql.DoubleQ {
			return rl.NewTabular(t1, cfg)
		}
		t2, err := newTable()
		if err != nil {
			return nil, err
		}
		return rl.NewDoubleQ(t1, t2, cfg, rng)
	case "linear":
		w, err := linear.NewWeight(linear.Config{
			Shape:             linear.NewShape(o.Terminal),
			Height:            o.Terminal,
			ConvergeThreshold: o.Converge,
		})
		if err != nil {
			return nil, err
		}
		return rl.NewSemiGradient(w, cfg)
	default:
		return nil, fmt.Errorf("unknown store %q", o.Store)
	}
}

func annealers(o options, p policy.Policy) []rl.Annealer {
	if o.AnnealFrames <= 0 {
		return nil
	}
	switch p := p.(type) {
	case policy.TemperatureSetter:
		return []rl.Annealer{policy.TemperatureTracker{Start: o.Param, Final: o.AnnealFinal, NumFrames: o.AnnealFrames, Policy: p}}
	case policy.EpsilonSetter:
		return []rl.Annealer{policy.EpsilonTracker{Start: o.Param, Final: o.AnnealFinal, NumFrames: o.AnnealFrames, Policy: p}}
	default:
		return nil
	}
}

func runReinforce(ctx context.Context, o options, envCfg env.Config, logger *slog.Logger) (rl.Summary, error) {
	opt, err := optimizer.New(o.Optimizer, float32(o.LearningRate))
	if err != nil {
		return rl.Summary{}, err
	}
	r, err := rl.NewReinforce(rl.ReinforceConfig{
		Env:       envCfg,
		Gamma:     float32(o.ReturnGamma),
		Optimizer: opt,
	})
	if err != nil {
		return rl.Summary{}, err
	}
	r.Logger = logger

	rngs := make([]*rand.Rand, o.Workers)
	for i := range rngs {
		rngs[i] = randx.NewMT(o.Seed + int64(i))
	}
	return r.Train(ctx, o.Episodes, o.LogInterval, rngs)
}

func writePlot(o options, sum rl.Summary) (err error) {
	if dir := filepath.Dir(o.Plot); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("plot dir: %w", err)
		}
	}
	f, err := os.Create(o.Plot)
	if err != nil {
		return fmt.Errorf("create plot: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	window := max(1, o.Episodes/50)
	title := fmt.Sprintf("tokens %s (%s, %s)", o.Algorithm, o.Convention, o.Policy)
	return plot.LearningCurve(f, title,
		plot.Series{Name: "reward (moving avg)", Values: plot.MovingAverage(sum.Rewards, window)},
		plot.Series{Name: "accuracy", Values: sum.Accuracies},
	)
}

func printSummary(w io.Writer, o options, sum rl.Summary, runID string) {
	acc := sum.Accuracy()
	accText := aurora.Red(fmt.Sprintf("%.3f", acc))
	if acc > 0.5 {
		accText = aurora.Green(fmt.Sprintf("%.3f", acc))
	}

	fmt.Fprintln(w, aurora.Bold(aurora.Cyan("=== tokens ===")))
	fmt.Fprintf(w, "  algorithm:  %s (%s, %s)\n", o.Algorithm, o.Convention, o.Policy)
	fmt.Fprintf(w, "  episodes:   %d\n", sum.Episodes)
	fmt.Fprintf(w, "  avg reward: %.4f\n", sum.AverageReward())
	fmt.Fprintf(w, "  accuracy:   %s\n", accText)
	if sum.ConvergedAt >= 0 {
		fmt.Fprintf(w, "  converged:  episode %d\n", sum.ConvergedAt)
	} else {
		fmt.Fprintf(w, "  converged:  %s\n", aurora.Yellow("no"))
	}
	if runID != "" {
		fmt.Fprintf(w, "  run id:     %s\n", runID)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// internal/training/trainer.go
package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/agent"
	"github.com/xkilldash9x/sqlpaf/internal/browser"
	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/env"
	"github.com/xkilldash9x/sqlpaf/internal/observability"
	"github.com/xkilldash9x/sqlpaf/internal/perception"
	"github.com/xkilldash9x/sqlpaf/internal/qnet"
	"github.com/xkilldash9x/sqlpaf/internal/store"
)

const (
	defaultEpisodes        = 10
	defaultCheckpointEvery = 5
	// finalSaveTimeout bounds the final checkpoint write after cancellation.
	finalSaveTimeout = 10 * time.Second
)

// Environment is the episode interface the loop drives.
type Environment interface {
	Reset(ctx context.Context) (perception.Observation, error)
	Step(ctx context.Context, a env.Action) (env.StepResult, error)
	Close(ctx context.Context) error
}

var _ Environment = (*env.Environment)(nil)

// Learner is the agent interface the loop drives.
type Learner interface {
	ChooseAction(obs perception.Observation) env.Action
	StoreTransition(state perception.Observation, action env.Action, reward float64, next perception.Observation, terminal bool)
	Update() (agent.UpdateStats, bool, error)
	Epsilon() float64
	Updates() int
	Params() ([]byte, error)
	LoadParams(data []byte) error
}

var _ Learner = (*agent.Agent)(nil)

// EnvFactory opens an environment rooted at target. The loop closes it when
// the target's episodes are done.
type EnvFactory func(ctx context.Context, target string) (Environment, error)

// Config drives the episode loop.
type Config struct {
	Episodes        int
	CheckpointEvery int
	Targets         []string
}

// FromConfig maps the training section. With no targets configured the
// environment start URL is trained on.
func FromConfig(cfg *config.Config) Config {
	targets := cfg.Training.Targets
	if len(targets) == 0 && cfg.Environment.StartURL != "" {
		targets = []string{cfg.Environment.StartURL}
	}
	return Config{
		Episodes:        cfg.Training.Episodes,
		CheckpointEvery: cfg.Training.CheckpointEvery,
		Targets:         append([]string(nil), targets...),
	}
}

// Summary is the outcome of a training run.
type Summary struct {
	RunID    string
	Episodes []store.EpisodeRecord
}

// InjectionsFound counts episodes that ended on a confirmed injection.
func (s Summary) InjectionsFound() int {
	n := 0
	for _, ep := range s.Episodes {
		if ep.InjectionFound {
			n++
		}
	}
	return n
}

// Option customizes a Trainer.
type Option func(*Trainer)

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(t *Trainer) { t.runID = id }
}

// WithClock replaces the time source for episode durations.
func WithClock(now func() time.Time) Option {
	return func(t *Trainer) { t.now = now }
}

// Trainer runs episodes for each target in turn. Steps, transitions and
// updates happen on the calling goroutine only.
type Trainer struct {
	cfg    Config
	agent  Learner
	store  store.Store
	open   EnvFactory
	runID  string
	now    func() time.Time
	logger *zap.Logger
}

func New(cfg Config, learner Learner, st store.Store, open EnvFactory, logger *zap.Logger, opts ...Option) (*Trainer, error) {
	if learner == nil {
		return nil, errors.New("learner cannot be nil")
	}
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}
	if open == nil {
		return nil, errors.New("environment factory cannot be nil")
	}
	if len(cfg.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	if cfg.Episodes <= 0 {
		cfg.Episodes = defaultEpisodes
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = defaultCheckpointEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Trainer{
		cfg:    cfg,
		agent:  learner,
		store:  st,
		open:   open,
		runID:  uuid.NewString(),
		now:    time.Now,
		logger: logger.Named("training"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RunID identifies this run in logs and stored metrics.
func (t *Trainer) RunID() string { return t.runID }

// Resume loads the most recent checkpoint of target into the learner. It
// returns the checkpoint, or store.ErrNotFound when there is none.
func (t *Trainer) Resume(ctx context.Context, target string) (store.Checkpoint, error) {
	cp, err := t.store.LatestCheckpoint(ctx, target)
	if err != nil {
		return store.Checkpoint{}, err
	}
	if err := t.agent.LoadParams(cp.Params); err != nil {
		return store.Checkpoint{}, fmt.Errorf("failed to restore checkpoint %s/%s: %w", cp.Target, cp.Label, err)
	}
	t.logger.Info("Resumed from checkpoint.",
		zap.String("target", cp.Target),
		zap.String("label", cp.Label),
		zap.String("from_run", cp.RunID),
		zap.Int("episode", cp.Episode))
	return cp, nil
}

// Run trains on every target and writes a final checkpoint per target once at
// least one of its episodes completed. On cancellation the final checkpoint of
// the current target is still written.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: t.runID}
	t.logger.Info("Training started.",
		zap.String("run_id", t.runID),
		zap.Strings("targets", t.cfg.Targets),
		zap.Int("episodes", t.cfg.Episodes))

	for _, target := range t.cfg.Targets {
		records, err := t.trainTarget(ctx, target)
		summary.Episodes = append(summary.Episodes, records...)
		if err != nil {
			return summary, err
		}
	}
	t.logger.Info("Training finished.",
		zap.String("run_id", t.runID),
		zap.Int("episodes", len(summary.Episodes)),
		zap.Int("injections", summary.InjectionsFound()),
		zap.Int("updates", t.agent.Updates()))
	return summary, nil
}

func (t *Trainer) trainTarget(ctx context.Context, target string) ([]store.EpisodeRecord, error) {
	environment, err := t.open(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to open environment for %s: %w", target, err)
	}
	defer func() {
		if cerr := environment.Close(context.WithoutCancel(ctx)); cerr != nil {
			t.logger.Warn("Failed to close environment.", zap.String("target", target), zap.Error(cerr))
		}
	}()

	var (
		records []store.EpisodeRecord
		last    int
		runErr  error
	)
	for ep := 1; ep <= t.cfg.Episodes; ep++ {
		rec, err := t.runEpisode(ctx, environment, target, ep)
		if err != nil {
			runErr = err
			break
		}
		last = ep
		records = append(records, rec)
		if err := t.store.RecordEpisode(ctx, rec); err != nil {
			t.logger.Warn("Failed to record episode metrics.", zap.String("target", target), zap.Int("episode", ep), zap.Error(err))
		}
		if ep%t.cfg.CheckpointEvery == 0 {
			if err := t.checkpoint(ctx, target, store.EpisodeLabel(ep), ep); err != nil {
				t.logger.Error("Failed to save checkpoint.", zap.String("target", target), zap.Int("episode", ep), zap.Error(err))
			}
		}
	}

	if last == 0 {
		return records, runErr
	}
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
		defer cancel()
	}
	if err := t.checkpoint(saveCtx, target, store.FinalLabel, last); err != nil {
		return records, errors.Join(runErr, fmt.Errorf("failed to save final checkpoint: %w", err))
	}
	return records, runErr
}

func (t *Trainer) checkpoint(ctx context.Context, target, label string, episode int) error {
	params, err := t.agent.Params()
	if err != nil {
		return fmt.Errorf("failed to serialize parameters: %w", err)
	}
	cp := store.Checkpoint{
		Target:    target,
		Label:     label,
		RunID:     t.runID,
		Episode:   episode,
		Params:    params,
		CreatedAt: t.now(),
	}
	if err := t.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	t.logger.Info("Checkpoint saved.", zap.String("target", target), zap.String("label", label), zap.Int("bytes", len(params)))
	return nil
}

// runEpisode plays one episode to its terminal step. A failed Reset is logged
// and the episode starts from whatever observation it produced, unless the
// page is closed for good. A rejected Step ends training; a numerically
// unstable update is skipped.
func (t *Trainer) runEpisode(ctx context.Context, environment Environment, target string, episode int) (store.EpisodeRecord, error) {
	log := observability.ForEpisode(t.logger, t.runID, target, episode)
	start := t.now()
	rec := store.EpisodeRecord{RunID: t.runID, Target: target, Episode: episode}

	obs, err := environment.Reset(ctx)
	switch {
	case errors.Is(err, browser.ErrClosed):
		return rec, fmt.Errorf("episode %d: %w", episode, err)
	case err != nil:
		log.Warn("Reset failed; continuing from the current page.", zap.Error(err))
	}

	var (
		lossSum float64
		updates int
	)
	for {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		action := t.agent.ChooseAction(obs)
		res, err := environment.Step(ctx, action)
		if err != nil {
			return rec, fmt.Errorf("episode %d step %d: %w", episode, rec.Steps+1, err)
		}
		t.agent.StoreTransition(obs, action, res.Reward, res.Observation, res.Done)

		stats, updated, err := t.agent.Update()
		switch {
		case errors.Is(err, qnet.ErrNumerical):
			log.Warn("Skipped a numerically unstable update.", zap.Int("step", rec.Steps+1))
		case err != nil:
			return rec, fmt.Errorf("episode %d update: %w", episode, err)
		case updated:
			lossSum += stats.Loss
			updates++
		}

		rec.Steps++
		rec.TotalReward += res.Reward
		if res.Info.Injection != nil && res.Info.Injection.Success {
			rec.InjectionFound = true
		}
		obs = res.Observation
		if res.Done {
			break
		}
	}

	rec.Epsilon = t.agent.Epsilon()
	rec.Updates = updates
	if updates > 0 {
		rec.LossMean = lossSum / float64(updates)
	}
	rec.Duration = t.now().Sub(start)

	log.Info("Episode finished.",
		zap.Float64("total_reward", rec.TotalReward),
		zap.Int("steps", rec.Steps),
		zap.Float64("epsilon", rec.Epsilon),
		zap.Float64("loss_mean", rec.LossMean),
		zap.Int("updates", rec.Updates),
		zap.Bool("injection_found", rec.InjectionFound),
		zap.Duration("duration", rec.Duration))
	return rec, nil
}

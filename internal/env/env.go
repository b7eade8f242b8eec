// internal/env/env.go
package env

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/browser"
	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/perception"
	"github.com/xkilldash9x/sqlpaf/internal/probe"
)

// Reward schedule.
const (
	RewardLinkFollowed   = 5.0
	RewardLinkFailed     = -2.0
	RewardScrolled       = 1.0
	RewardScrollFailed   = -1.0
	RewardNoForm         = -2.0
	RewardFormDetected   = 10.0
	RewardInjection      = 50.0
	PenaltyInjectionMiss = -3.0
	RewardBack           = 2.0
	RewardBackFailed     = -2.0
	RewardRefresh        = 1.0
	RewardRefreshFailed  = -1.0
	ExplorationBonus     = 5.0
)

// DefaultMaxSteps is the episode horizon when none is configured.
const DefaultMaxSteps = 100

var (
	// ErrEpisodeOver is returned by Step after a terminal step until Reset.
	ErrEpisodeOver = errors.New("episode is over; call Reset")
	// ErrNotStarted is returned by Step before the first Reset.
	ErrNotStarted = errors.New("environment not reset")
)

// Config holds the construction parameters of an environment.
type Config struct {
	StartURL string
	// Headless is honored by whoever opens the browser session for the environment.
	Headless bool
	MaxSteps int
}

// FromConfig builds the environment parameters from application configuration.
func FromConfig(cfg *config.Config) Config {
	return Config{
		StartURL: cfg.Environment.StartURL,
		Headless: cfg.Browser.Headless,
		MaxSteps: cfg.Environment.MaxSteps,
	}
}

// BrowserConfig applies the environment's headless choice to a browser config.
func (c Config) BrowserConfig(base config.BrowserConfig) config.BrowserConfig {
	base.Headless = c.Headless
	return base
}

// EpisodeState is the mutable per-episode record.
type EpisodeState struct {
	CurrentURL   string
	StepCount    int
	MaxLinksSeen int
}

// Info carries diagnostics for a step. Error is set whenever the action's
// driver call failed or found nothing to act on.
type Info struct {
	Action           Action
	URL              string
	Error            string
	FormDetected     bool
	Injection        *probe.Result
	ExplorationBonus bool
}

// StepResult is the outcome of one step.
type StepResult struct {
	Observation perception.Observation
	Reward      float64
	Done        bool
	Info        Info
}

// Environment turns a live page into a finite-horizon decision process.
// It is not safe for concurrent use; one goroutine drives it.
type Environment struct {
	page     browser.Page
	builder  *perception.Builder
	injector *probe.Injector
	cfg      Config
	logger   *zap.Logger

	state   EpisodeState
	started bool
	done    bool
}

// New wires an environment over page. The page must stay dedicated to it.
func New(page browser.Page, injector *probe.Injector, cfg Config, logger *zap.Logger) (*Environment, error) {
	if page == nil {
		return nil, errors.New("page cannot be nil")
	}
	if injector == nil {
		return nil, errors.New("injector cannot be nil")
	}
	if cfg.StartURL == "" {
		return nil, errors.New("start URL is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Environment{
		page:     page,
		builder:  perception.NewBuilder(),
		injector: injector,
		cfg:      cfg,
		logger:   logger.Named("env"),
	}, nil
}

// State returns a copy of the episode state.
func (e *Environment) State() EpisodeState { return e.state }

// Config returns the construction parameters.
func (e *Environment) Config() Config { return e.cfg }

// Reset starts a new episode at the start URL. When navigation fails the
// episode still begins with a best-effort observation and the error is returned.
func (e *Environment) Reset(ctx context.Context) (perception.Observation, error) {
	e.state = EpisodeState{CurrentURL: e.cfg.StartURL}
	e.started = true
	e.done = false

	navErr := e.page.Navigate(ctx, e.cfg.StartURL)
	if navErr != nil {
		e.logger.Error("Failed to reach start URL.", zap.String("url", e.cfg.StartURL), zap.Error(navErr))
	}
	obs, _ := e.observe(ctx)
	if navErr != nil {
		return obs, fmt.Errorf("reset: navigate to %s: %w", e.cfg.StartURL, navErr)
	}
	return obs, nil
}

// Step applies action a and returns the next observation, the reward and
// whether the episode ended. Driver failures become negative rewards with
// Info.Error set; only misuse (no Reset, step after terminal, unknown action)
// returns an error.
func (e *Environment) Step(ctx context.Context, a Action) (StepResult, error) {
	if !e.started {
		return StepResult{}, ErrNotStarted
	}
	if e.done {
		return StepResult{}, ErrEpisodeOver
	}
	if !a.Valid() {
		return StepResult{}, fmt.Errorf("invalid action %d", int(a))
	}

	e.state.StepCount++
	info := Info{Action: a}
	var reward float64
	injected := false

	switch a {
	case FollowFirstLink:
		reward = e.followFirstLink(ctx, &info)
	case ScrollDown:
		reward = e.scrollDown(ctx, &info)
	case ProbeFormsAndInject:
		reward, injected = e.probeFormsAndInject(ctx, &info)
	case GoBack:
		reward = e.goBack(ctx, &info)
	case Refresh:
		reward = e.refresh(ctx, &info)
	}

	obs, _ := e.observe(ctx)
	if links := obs.Links(); links > e.state.MaxLinksSeen {
		reward += ExplorationBonus
		info.ExplorationBonus = true
		e.logger.Debug("Exploration bonus.", zap.Int("links", links), zap.Int("previous_max", e.state.MaxLinksSeen))
		e.state.MaxLinksSeen = links
	}

	e.done = injected || e.state.StepCount >= e.cfg.MaxSteps
	info.URL = e.state.CurrentURL

	e.logger.Debug("Step.",
		zap.Int("step", e.state.StepCount),
		zap.Stringer("action", a),
		zap.Float64("reward", reward),
		zap.Bool("done", e.done),
		zap.String("url", e.state.CurrentURL))

	return StepResult{Observation: obs, Reward: reward, Done: e.done, Info: info}, nil
}

func (e *Environment) followFirstLink(ctx context.Context, info *Info) float64 {
	err := e.page.ClickFirstLink(ctx)
	switch {
	case errors.Is(err, browser.ErrNoLink):
		info.Error = browser.ErrNoLink.Error()
		return RewardLinkFailed
	case err != nil:
		e.driverFailure(info, err)
		return RewardLinkFailed
	}
	e.syncURL(ctx)
	return RewardLinkFollowed
}

func (e *Environment) scrollDown(ctx context.Context, info *Info) float64 {
	if err := e.page.ScrollDown(ctx); err != nil {
		e.driverFailure(info, err)
		return RewardScrollFailed
	}
	return RewardScrolled
}

// probeFormsAndInject reports the reward and whether an injection was confirmed.
func (e *Environment) probeFormsAndInject(ctx context.Context, info *Info) (float64, bool) {
	html, err := e.page.Source(ctx)
	if err != nil {
		e.driverFailure(info, err)
		return RewardNoForm, false
	}
	if perception.CountForms(html) == 0 {
		info.Error = browser.ErrNoForm.Error()
		return RewardNoForm, false
	}

	info.FormDetected = true
	reward := RewardFormDetected

	res, err := e.injector.Probe(ctx, e.page, e.state.CurrentURL)
	info.Injection = &res
	if err != nil {
		e.driverFailure(info, err)
	}
	if res.Success {
		e.logger.Info("Injection found.",
			zap.String("url", e.state.CurrentURL),
			zap.String("technique", string(res.Technique)),
			zap.String("payload", res.Payload))
		return reward + RewardInjection, true
	}
	return reward + PenaltyInjectionMiss, false
}

func (e *Environment) goBack(ctx context.Context, info *Info) float64 {
	if err := e.page.Back(ctx); err != nil {
		e.driverFailure(info, err)
		return RewardBackFailed
	}
	e.syncURL(ctx)
	return RewardBack
}

func (e *Environment) refresh(ctx context.Context, info *Info) float64 {
	if err := e.page.Refresh(ctx); err != nil {
		e.driverFailure(info, err)
		return RewardRefreshFailed
	}
	e.syncURL(ctx)
	return RewardRefresh
}

func (e *Environment) driverFailure(info *Info, err error) {
	info.Error = err.Error()
	e.logger.Warn("Action failed.",
		zap.Stringer("action", info.Action),
		zap.String("url", e.state.CurrentURL),
		zap.Error(err))
}

// syncURL records the page's location after a navigation-like action.
func (e *Environment) syncURL(ctx context.Context) {
	if u, err := e.page.CurrentURL(ctx); err == nil && u != "" {
		e.state.CurrentURL = u
	}
}

// observe captures the page. Capture failures yield zeroed parts and are
// reported for logging only.
func (e *Environment) observe(ctx context.Context) (perception.Observation, error) {
	shot, shotErr := e.page.Screenshot(ctx)
	html, srcErr := e.page.Source(ctx)
	obs, buildErr := e.builder.Build(shot, html)
	err := errors.Join(shotErr, srcErr, buildErr)
	if err != nil {
		e.logger.Debug("Observation degraded.", zap.Error(err))
	}
	return obs, err
}

// Close releases the page.
func (e *Environment) Close(ctx context.Context) error {
	return e.page.Close(ctx)
}

// internal/agent/agent.go
package agent

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/env"
	"github.com/xkilldash9x/sqlpaf/internal/perception"
	"github.com/xkilldash9x/sqlpaf/internal/qnet"
	"github.com/xkilldash9x/sqlpaf/internal/replay"
)

// Config holds the learning hyperparameters.
type Config struct {
	Gamma           float64
	LearningRate    float64
	BatchSize       int
	BufferCapacity  int
	EpsilonStart    float64
	EpsilonDecay    float64
	EpsilonMin      float64
	TargetSyncEvery int
	DoubleQ         bool
	HiddenUnits     int
	Seed            int64
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Gamma:           0.95,
		LearningRate:    1e-4,
		BatchSize:       32,
		BufferCapacity:  replay.DefaultCapacity,
		EpsilonStart:    1.0,
		EpsilonDecay:    0.995,
		EpsilonMin:      0.1,
		TargetSyncEvery: 1000,
		DoubleQ:         true,
		HiddenUnits:     64,
	}
}

// FromConfig converts the agent section of the application config.
func FromConfig(c config.AgentConfig) Config {
	return Config{
		Gamma:           c.Gamma,
		LearningRate:    c.LearningRate,
		BatchSize:       c.BatchSize,
		BufferCapacity:  c.BufferCapacity,
		EpsilonStart:    c.EpsilonStart,
		EpsilonDecay:    c.EpsilonDecay,
		EpsilonMin:      c.EpsilonMin,
		TargetSyncEvery: c.TargetSyncEvery,
		DoubleQ:         c.DoubleQ,
		HiddenUnits:     c.HiddenUnits,
		Seed:            c.Seed,
	}
}

func (c Config) validate() error {
	switch {
	case c.Gamma < 0 || c.Gamma > 1:
		return fmt.Errorf("gamma must be in [0,1], got %v", c.Gamma)
	case c.BatchSize <= 0:
		return errors.New("batch size must be positive")
	case c.BufferCapacity < c.BatchSize:
		return fmt.Errorf("buffer capacity %d is smaller than batch size %d", c.BufferCapacity, c.BatchSize)
	case c.EpsilonMin < 0 || c.EpsilonMin > c.EpsilonStart || c.EpsilonStart > 1:
		return fmt.Errorf("epsilon bounds invalid: start=%v min=%v", c.EpsilonStart, c.EpsilonMin)
	case c.EpsilonDecay <= 0 || c.EpsilonDecay > 1:
		return fmt.Errorf("epsilon decay must be in (0,1], got %v", c.EpsilonDecay)
	case c.TargetSyncEvery <= 0:
		return errors.New("target sync interval must be positive")
	}
	return nil
}

// UpdateStats describes one learning update.
type UpdateStats struct {
	Loss    float64
	Epsilon float64
	Updates int
	Synced  bool
}

// Agent is an epsilon-greedy DQN learner with an online and a target network.
// All methods are safe for concurrent use; updates are serialized.
type Agent struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	online  *qnet.Network
	target  *qnet.Network
	buffer  *replay.Buffer
	rng     *rand.Rand
	epsilon float64
	updates int
}

// New builds an agent whose target network starts as a copy of the online one.
func New(cfg Config, logger *zap.Logger) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	buffer, err := replay.NewBuffer(cfg.BufferCapacity)
	if err != nil {
		return nil, err
	}

	netCfg := qnet.Config{
		Actions:      env.NumActions,
		Hidden:       cfg.HiddenUnits,
		LearningRate: cfg.LearningRate,
		Seed:         cfg.Seed,
	}
	online := qnet.New(netCfg)
	target := qnet.New(netCfg)
	if err := target.CopyFrom(online); err != nil {
		return nil, fmt.Errorf("failed to initialize target network: %w", err)
	}

	return &Agent{
		cfg:     cfg,
		logger:  logger.Named("agent"),
		online:  online,
		target:  target,
		buffer:  buffer,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		epsilon: cfg.EpsilonStart,
	}, nil
}

// ChooseAction returns a uniformly random action with probability epsilon and
// the greedy action otherwise.
func (a *Agent) ChooseAction(obs perception.Observation) env.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rng.Float64() < a.epsilon {
		return env.Action(a.rng.Intn(env.NumActions))
	}
	return env.Action(qnet.Argmax(a.online.Predict(obs)))
}

// Greedy returns argmax of the online network's action values.
func (a *Agent) Greedy(obs perception.Observation) env.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return env.Action(qnet.Argmax(a.online.Predict(obs)))
}

// QValues returns the online network's action values for obs.
func (a *Agent) QValues(obs perception.Observation) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online.Predict(obs)
}

// StoreTransition appends one transition to the replay buffer.
func (a *Agent) StoreTransition(state perception.Observation, action env.Action, reward float64, next perception.Observation, terminal bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer.Push(replay.Transition{
		State:     state,
		Action:    action,
		Reward:    reward,
		NextState: next,
		Terminal:  terminal,
	})
}

// Update performs one learning step. It reports false without touching any
// state when the buffer holds less than one batch.
func (a *Agent) Update() (UpdateStats, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buffer.Len() < a.cfg.BatchSize {
		return UpdateStats{Epsilon: a.epsilon, Updates: a.updates}, false, nil
	}
	batch, err := a.buffer.Sample(a.cfg.BatchSize, a.rng)
	if err != nil {
		return UpdateStats{Epsilon: a.epsilon, Updates: a.updates}, false, nil
	}

	train := qnet.Batch{
		States:  make([]perception.Observation, len(batch)),
		Actions: make([]int, len(batch)),
		Targets: a.targets(batch),
	}
	for i, t := range batch {
		train.States[i] = t.State
		train.Actions[i] = int(t.Action)
	}

	loss, err := a.online.TrainStep(train)
	if err != nil {
		a.logger.Warn("Learning step rejected.", zap.Error(err))
		return UpdateStats{Loss: loss, Epsilon: a.epsilon, Updates: a.updates}, false, err
	}

	a.updates++
	a.epsilon = math.Max(a.epsilon*a.cfg.EpsilonDecay, a.cfg.EpsilonMin)

	stats := UpdateStats{Loss: loss, Epsilon: a.epsilon, Updates: a.updates}
	if a.updates%a.cfg.TargetSyncEvery == 0 {
		if err := a.target.CopyFrom(a.online); err != nil {
			return stats, true, fmt.Errorf("target sync failed: %w", err)
		}
		stats.Synced = true
		a.logger.Debug("Target network synchronized.", zap.Int("updates", a.updates))
	}
	return stats, true, nil
}

// targets computes r + gamma * Q_target(s', a*) * (1 - terminal), where a* is
// the online argmax with double Q and the target argmax otherwise.
func (a *Agent) targets(batch []replay.Transition) []float64 {
	next := make([]perception.Observation, len(batch))
	for i, t := range batch {
		next[i] = t.NextState
	}
	targetQ := a.target.PredictBatch(next)

	var onlineQ *mat.Dense
	if a.cfg.DoubleQ {
		onlineQ = a.online.PredictBatch(next)
	}

	out := make([]float64, len(batch))
	for i, t := range batch {
		if t.Terminal {
			out[i] = t.Reward
			continue
		}
		row := targetQ.RawRowView(i)
		best := qnet.Argmax(row)
		if onlineQ != nil {
			best = qnet.Argmax(onlineQ.RawRowView(i))
		}
		out[i] = t.Reward + a.cfg.Gamma*row[best]
	}
	return out
}

// Epsilon returns the current exploration rate.
func (a *Agent) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epsilon
}

// SetEpsilon overrides the exploration rate, clamped to [EpsilonMin, 1].
func (a *Agent) SetEpsilon(eps float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epsilon = math.Min(math.Max(eps, a.cfg.EpsilonMin), 1)
}

// Updates returns the number of learning steps performed.
func (a *Agent) Updates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updates
}

// BufferLen returns the number of stored transitions.
func (a *Agent) BufferLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffer.Len()
}

// Params serializes the online network.
func (a *Agent) Params() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online.Snapshot()
}

// LoadParams restores serialized parameters into both networks.
func (a *Agent) LoadParams(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.online.Restore(data); err != nil {
		return err
	}
	return a.target.CopyFrom(a.online)
}

// internal/agent/agent_test.go
package agent

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sqlpaf/internal/env"
	"github.com/xkilldash9x/sqlpaf/internal/perception"
	"github.com/xkilldash9x/sqlpaf/internal/qnet"
	"github.com/xkilldash9x/sqlpaf/internal/replay"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	cfg.BufferCapacity = 64
	cfg.HiddenUnits = 8
	cfg.Seed = 7
	return cfg
}

func newTestAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func observation(links int) perception.Observation {
	obs := perception.Zero()
	for i := range obs.Visual {
		obs.Visual[i] = uint8((i * (links + 3)) % 251)
	}
	obs.Features[perception.FeatureNumLinks] = float32(links)
	return obs
}

func fill(a *Agent, n int) {
	for i := 0; i < n; i++ {
		a.StoreTransition(observation(i), env.Action(i%env.NumActions), float64(i%3)-1, observation(i+1), i%5 == 4)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"gamma", func(c *Config) { c.Gamma = 1.5 }},
		{"batch", func(c *Config) { c.BatchSize = 0 }},
		{"capacity below batch", func(c *Config) { c.BufferCapacity = 2 }},
		{"epsilon floor above start", func(c *Config) { c.EpsilonMin = 1; c.EpsilonStart = 0.5 }},
		{"decay", func(c *Config) { c.EpsilonDecay = 0 }},
		{"sync", func(c *Config) { c.TargetSyncEvery = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestChooseAction_UniformAtEpsilonOne(t *testing.T) {
	a := newTestAgent(t, testConfig())
	require.Equal(t, 1.0, a.Epsilon())

	const draws = 10000
	counts := make([]int, env.NumActions)
	obs := observation(2)
	for i := 0; i < draws; i++ {
		counts[a.ChooseAction(obs)]++
	}
	expected := float64(draws) / env.NumActions
	for action, c := range counts {
		assert.InDeltaf(t, expected, float64(c), expected*0.15, "action %s", env.Action(action))
	}
}

func TestChooseAction_GreedyAtEpsilonZero(t *testing.T) {
	cfg := testConfig()
	cfg.EpsilonStart = 0
	cfg.EpsilonMin = 0
	a := newTestAgent(t, cfg)

	obs := observation(4)
	want := env.Action(qnet.Argmax(a.QValues(obs)))
	for i := 0; i < 50; i++ {
		assert.Equal(t, want, a.ChooseAction(obs))
	}
	assert.Equal(t, want, a.Greedy(obs))
}

func TestUpdate_NoOpUntilBatchAvailable(t *testing.T) {
	a := newTestAgent(t, testConfig())
	fill(a, 3)
	before := a.QValues(observation(1))

	stats, ok, err := a.Update()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, stats.Epsilon)
	assert.Equal(t, 0, a.Updates())
	assert.Equal(t, before, a.QValues(observation(1)))

	fill(a, 1)
	_, ok, err = a.Update()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, a.Updates())
}

func TestUpdate_EpsilonDecaysToFloor(t *testing.T) {
	cfg := testConfig()
	cfg.EpsilonDecay = 0.5
	cfg.EpsilonMin = 0.1
	a := newTestAgent(t, cfg)
	fill(a, 8)

	prev := a.Epsilon()
	for i := 0; i < 10; i++ {
		stats, ok, err := a.Update()
		require.NoError(t, err)
		require.True(t, ok)
		assert.LessOrEqual(t, stats.Epsilon, prev)
		assert.GreaterOrEqual(t, stats.Epsilon, 0.1)
		prev = stats.Epsilon
	}
	assert.Equal(t, 0.1, a.Epsilon())
}

func TestUpdate_TargetHardSync(t *testing.T) {
	cfg := testConfig()
	cfg.TargetSyncEvery = 3
	cfg.LearningRate = 1e-2
	a := newTestAgent(t, cfg)
	fill(a, 16)
	obs := observation(3)

	for i := 1; i <= 2; i++ {
		stats, ok, err := a.Update()
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, stats.Synced)
	}
	assert.NotEqual(t, a.online.Predict(obs), a.target.Predict(obs), "target lags the online network between syncs")

	stats, ok, err := a.Update()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stats.Synced)
	assert.Equal(t, 3, stats.Updates)
	assert.Equal(t, a.online.Predict(obs), a.target.Predict(obs))
}

func TestTargets(t *testing.T) {
	batch := []replay.Transition{
		{State: observation(1), Action: env.ProbeFormsAndInject, Reward: 60, NextState: observation(2), Terminal: true},
		{State: observation(2), Action: env.FollowFirstLink, Reward: 5, NextState: observation(6)},
	}

	for _, doubleQ := range []bool{true, false} {
		cfg := testConfig()
		cfg.DoubleQ = doubleQ
		cfg.Gamma = 0.9
		a := newTestAgent(t, cfg)
		// Decouple the networks so the two estimators can disagree.
		a.target = qnet.New(qnet.Config{Actions: env.NumActions, Hidden: cfg.HiddenUnits, Seed: 99})

		got := a.targets(batch)
		assert.Equal(t, 60.0, got[0], "terminal transitions do not bootstrap")

		targetQ := a.target.Predict(batch[1].NextState)
		best := qnet.Argmax(targetQ)
		if doubleQ {
			best = qnet.Argmax(a.online.Predict(batch[1].NextState))
		}
		assert.InDelta(t, 5+0.9*targetQ[best], got[1], 1e-12)
	}
}

func TestParamsRoundTrip(t *testing.T) {
	src := newTestAgent(t, testConfig())
	fill(src, 8)
	_, _, err := src.Update()
	require.NoError(t, err)

	data, err := src.Params()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Seed = 1234
	dst := newTestAgent(t, cfg)
	require.NoError(t, dst.LoadParams(data))

	obs := observation(5)
	assert.Equal(t, src.QValues(obs), dst.QValues(obs))
	assert.Equal(t, dst.online.Predict(obs), dst.target.Predict(obs))

	assert.Error(t, dst.LoadParams([]byte("garbage")))
}

func TestSetEpsilon_Clamped(t *testing.T) {
	a := newTestAgent(t, testConfig())
	a.SetEpsilon(0.01)
	assert.Equal(t, 0.1, a.Epsilon())
	a.SetEpsilon(3)
	assert.Equal(t, 1.0, a.Epsilon())
}

func TestAgent_ConcurrentFeeders(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newTestAgent(t, testConfig())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 10; i++ {
				obs := observation(rng.Intn(10))
				a.StoreTransition(obs, a.ChooseAction(obs), 1, observation(rng.Intn(10)), false)
				_, _, err := a.Update()
				assert.NoError(t, err)
			}
		}(int64(w))
	}
	wg.Wait()
	assert.Equal(t, 40, a.BufferLen())
	// Updates only skip while fewer than one batch has been stored.
	assert.GreaterOrEqual(t, a.Updates(), 37)
}

package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	assert.Equal(t, float32(0.01), config.LearningRate)
	assert.Zero(t, config.Momentum)
	assert.False(t, config.Nesterov)
}

func TestSGDPlainStep(t *testing.T) {
	cfg := DefaultSGDConfig()
	cfg.LearningRate = 0.1
	sgd, err := NewSGDOptimizer(cfg, [][]int{{1}})
	require.NoError(t, err)
	w := []float32{1}
	require.NoError(t, sgd.SetWeightBuffers([][]float32{w}))

	require.NoError(t, sgd.Step([][]float32{{0.5}}))
	assert.InDelta(t, 0.95, w[0], 1e-7)
}

func TestSGDMomentum(t *testing.T) {
	cfg := SGDConfig{LearningRate: 0.1, Momentum: 0.9}
	sgd, err := NewSGDOptimizer(cfg, [][]int{{1}})
	require.NoError(t, err)
	w := []float32{1}
	require.NoError(t, sgd.SetWeightBuffers([][]float32{w}))

	require.NoError(t, sgd.Step([][]float32{{0.5}}))
	assert.InDelta(t, 0.95, w[0], 1e-6)
	require.NoError(t, sgd.Step([][]float32{{0.5}}))
	assert.InDelta(t, 0.855, w[0], 1e-6) // velocity 0.95
}

func TestSGDNesterov(t *testing.T) {
	cfg := SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}
	sgd, err := NewSGDOptimizer(cfg, [][]int{{1}})
	require.NoError(t, err)
	w := []float32{1}
	require.NoError(t, sgd.SetWeightBuffers([][]float32{w}))

	// buf = 0.5; d = 0.5 + 0.9*0.5 = 0.95
	require.NoError(t, sgd.Step([][]float32{{0.5}}))
	assert.InDelta(t, 0.905, w[0], 1e-6)

	_, err = NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Nesterov: true}, [][]int{{1}})
	assert.Error(t, err)
}

func TestSGDWeightDecay(t *testing.T) {
	cfg := SGDConfig{LearningRate: 0.1, WeightDecay: 0.5}
	sgd, err := NewSGDOptimizer(cfg, [][]int{{1}})
	require.NoError(t, err)
	w := []float32{2}
	require.NoError(t, sgd.SetWeightBuffers([][]float32{w}))

	require.NoError(t, sgd.Step([][]float32{{0}}))
	assert.InDelta(t, 1.9, w[0], 1e-6)
}

func TestSGDStateRoundTrip(t *testing.T) {
	cfg := SGDConfig{LearningRate: 0.1, Momentum: 0.9}
	a, err := NewSGDOptimizer(cfg, [][]int{{2}})
	require.NoError(t, err)
	wa := []float32{1, -1}
	require.NoError(t, a.SetWeightBuffers([][]float32{wa}))
	require.NoError(t, a.Step([][]float32{{0.2, 0.4}}))

	state, err := a.GetState()
	require.NoError(t, err)
	require.Len(t, state.StateData, 1)
	assert.Equal(t, "momentum_0", state.StateData[0].Name)

	b, err := NewSGDOptimizer(DefaultSGDConfig(), [][]int{{2}})
	require.NoError(t, err)
	require.NoError(t, b.LoadState(state))
	assert.Equal(t, float32(0.9), b.Momentum)
	assert.Equal(t, float32(0.1), b.LearningRate())

	wb := append([]float32(nil), wa...)
	require.NoError(t, b.SetWeightBuffers([][]float32{wb}))
	require.NoError(t, a.Step([][]float32{{0.2, 0.4}}))
	require.NoError(t, b.Step([][]float32{{0.2, 0.4}}))
	assert.Equal(t, wa, wb)
}

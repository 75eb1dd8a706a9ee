package optimizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allOptimizers = []string{"adam", "SGD", "rmsprop", "adagrad", "adadelta", "nadam"}

func TestNewByName(t *testing.T) {
	for _, name := range allOptimizers {
		opt, err := New(name, 0.05, [][]int{{2, 2}, {2}})
		require.NoError(t, err, name)
		assert.Equal(t, float32(0.05), opt.LearningRate(), name)
		assert.Zero(t, opt.GetStepCount())
	}
	_, err := New("lbfgs", 0.1, [][]int{{1}})
	assert.Error(t, err)
}

// Every optimizer must reduce a convex quadratic when following its gradient.
func TestOptimizersDescendQuadratic(t *testing.T) {
	for _, name := range allOptimizers {
		t.Run(name, func(t *testing.T) {
			opt, err := New(name, 0.05, [][]int{{3}})
			require.NoError(t, err)
			w := []float32{2, -3, 1}
			require.NoError(t, opt.SetWeightBuffers([][]float32{w}))

			loss := func() float32 {
				var s float32
				for _, v := range w {
					s += v * v
				}
				return s
			}
			start := loss()
			for i := 0; i < 50; i++ {
				g := make([]float32, len(w))
				for j, v := range w {
					g[j] = 2 * v
				}
				require.NoError(t, opt.Step([][]float32{g}))
			}
			assert.Less(t, loss(), start)
			assert.Equal(t, uint64(50), opt.GetStepCount())
		})
	}
}

// State survives JSON encoding, which turns every number into float64.
func TestStateSurvivesJSON(t *testing.T) {
	for _, name := range allOptimizers {
		t.Run(name, func(t *testing.T) {
			shapes := [][]int{{2}}
			a, err := New(name, 0.05, shapes)
			require.NoError(t, err)
			wa := []float32{0.5, -0.5}
			require.NoError(t, a.SetWeightBuffers([][]float32{wa}))
			require.NoError(t, a.Step([][]float32{{0.1, 0.2}}))

			state, err := a.GetState()
			require.NoError(t, err)
			data, err := json.Marshal(state)
			require.NoError(t, err)
			var decoded OptimizerState
			require.NoError(t, json.Unmarshal(data, &decoded))

			b, err := New(name, 0.9, shapes)
			require.NoError(t, err)
			require.NoError(t, b.LoadState(&decoded))
			assert.Equal(t, a.LearningRate(), b.LearningRate())
			assert.Equal(t, a.GetStepCount(), b.GetStepCount())

			wb := append([]float32(nil), wa...)
			require.NoError(t, b.SetWeightBuffers([][]float32{wb}))
			require.NoError(t, a.Step([][]float32{{0.3, -0.1}}))
			require.NoError(t, b.Step([][]float32{{0.3, -0.1}}))
			assert.Equal(t, wa, wb)
		})
	}
}

func TestUpdateLearningRate(t *testing.T) {
	for _, name := range allOptimizers {
		opt, err := New(name, 0.05, [][]int{{1}})
		require.NoError(t, err)
		opt.UpdateLearningRate(0.5)
		assert.Equal(t, float32(0.5), opt.LearningRate(), name)
	}
}

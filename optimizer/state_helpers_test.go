package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-asl/checkpoints"
)

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{
		"momentum_0":          0,
		"variance_12":         12,
		"squared_grad_avg_3":  3,
		"momentum":            -1,
		"momentum_x":          -1,
		"momentum_-1":         -1,
		"":                    -1,
		"squared_update_avg_": -1,
	}
	for name, want := range tests {
		assert.Equal(t, want, extractBufferIndex(name), name)
	}
}

func TestCalculateTensorSize(t *testing.T) {
	assert.Equal(t, 24, calculateTensorSize([]int{2, 3, 4}))
	assert.Equal(t, 1, calculateTensorSize(nil))
}

func TestParamExtraction(t *testing.T) {
	params := map[string]interface{}{
		"f32":  float32(0.5),
		"f64":  0.25,
		"bool": true,
		"u64":  uint64(7),
		"json": 9.0,
	}
	assert.Equal(t, float32(0.5), extractFloat32Param(params, "f32", 0))
	assert.Equal(t, float32(0.25), extractFloat32Param(params, "f64", 0))
	assert.Equal(t, float32(1), extractFloat32Param(params, "missing", 1))
	assert.True(t, extractBoolParam(params, "bool", false))
	assert.Equal(t, uint64(7), extractUint64Param(params, "u64", 0))
	assert.Equal(t, uint64(9), extractUint64Param(params, "json", 0))
}

func TestRestoreBufferStatesValidates(t *testing.T) {
	b, err := newBuffers([][]int{{2}})
	require.NoError(t, err)
	dst := b.zeroState()

	bad := &OptimizerState{StateData: []checkpoints.OptimizerTensor{
		{Name: "momentum_5", StateType: "momentum", Data: []float32{1, 2}},
	}}
	assert.Error(t, b.restoreBufferStates(bad, "momentum", dst))

	short := &OptimizerState{StateData: []checkpoints.OptimizerTensor{
		{Name: "momentum_0", StateType: "momentum", Data: []float32{1}},
	}}
	assert.Error(t, b.restoreBufferStates(short, "momentum", dst))

	ok := &OptimizerState{StateData: []checkpoints.OptimizerTensor{
		{Name: "momentum_0", StateType: "momentum", Data: []float32{1, 2}},
		{Name: "variance_0", StateType: "variance", Data: []float32{9, 9}},
	}}
	require.NoError(t, b.restoreBufferStates(ok, "momentum", dst))
	assert.Equal(t, []float32{1, 2}, dst[0])
}

func TestNewBuffersRejectsEmptyShapes(t *testing.T) {
	_, err := newBuffers(nil)
	assert.Error(t, err)
	_, err = newBuffers([][]int{{0, 3}})
	assert.Error(t, err)
}

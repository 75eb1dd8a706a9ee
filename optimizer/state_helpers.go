package optimizer

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// buffers holds what every optimizer shares: the bound weights, their
// shapes and the step counter.
type buffers struct {
	shapes  [][]int
	sizes   []int
	weights [][]float32
	step    uint64
}

func newBuffers(weightShapes [][]int) (buffers, error) {
	if len(weightShapes) == 0 {
		return buffers{}, errors.New("no weight shapes provided")
	}
	b := buffers{
		shapes: make([][]int, len(weightShapes)),
		sizes:  make([]int, len(weightShapes)),
	}
	for i, shape := range weightShapes {
		b.shapes[i] = append([]int(nil), shape...)
		b.sizes[i] = calculateTensorSize(shape)
		if b.sizes[i] <= 0 {
			return buffers{}, errors.Errorf("weight %d has invalid shape %v", i, shape)
		}
	}
	return b, nil
}

// zeroState allocates one zeroed slice per weight tensor.
func (b *buffers) zeroState() [][]float32 {
	out := make([][]float32, len(b.sizes))
	for i, n := range b.sizes {
		out[i] = make([]float32, n)
	}
	return out
}

// SetWeightBuffers binds the weight slices updated by Step.
func (b *buffers) SetWeightBuffers(weights [][]float32) error {
	if len(weights) != len(b.sizes) {
		return errors.Errorf("expected %d weight buffers, got %d", len(b.sizes), len(weights))
	}
	for i, w := range weights {
		if len(w) != b.sizes[i] {
			return errors.Errorf("weight buffer %d has %d elements, expected %d", i, len(w), b.sizes[i])
		}
	}
	b.weights = weights
	return nil
}

// GetStepCount returns the number of completed steps.
func (b *buffers) GetStepCount() uint64 {
	return b.step
}

func (b *buffers) checkGradients(gradients [][]float32) error {
	if b.weights == nil {
		return errors.New("weight buffers not set")
	}
	if len(gradients) != len(b.weights) {
		return errors.Errorf("gradient buffers length (%d) doesn't match weight buffers length (%d)",
			len(gradients), len(b.weights))
	}
	for i, g := range gradients {
		if len(g) != b.sizes[i] {
			return errors.Errorf("gradient %d has %d elements, expected %d", i, len(g), b.sizes[i])
		}
	}
	return nil
}

// extractBufferState copies one state slice into checkpoint form.
func (b *buffers) extractBufferState(data []float32, idx int, prefix string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      prefix + "_" + strconv.Itoa(idx),
		Shape:     append([]int(nil), b.shapes[idx]...),
		Data:      append([]float32(nil), data...),
		StateType: prefix,
	}
}

// restoreBufferStates copies every tensor of the given state type into dst,
// matching tensors to buffers by the index suffix of their name.
func (b *buffers) restoreBufferStates(state *OptimizerState, stateType string, dst [][]float32) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(dst) {
			return errors.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if len(t.Data) != len(dst[idx]) {
			return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, len(dst[idx]), len(t.Data))
		}
		copy(dst[idx], t.Data)
	}
	return nil
}

// calculateTensorSize calculates the number of elements in a tensor
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// extractBufferIndex extracts the buffer index from state tensor names like
// "momentum_0" or "squared_grad_avg_12".
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloat32Param reads a float parameter from state that may have been
// built in memory (float32) or decoded from JSON (float64).
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return defaultValue
}

func validateLearningRate(lr float32) error {
	if lr <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", lr)
	}
	return nil
}

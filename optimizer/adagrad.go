package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// AdaGradOptimizerState divides each step by the root of the accumulated
// squared gradients, so frequently updated weights slow down.
type AdaGradOptimizerState struct {
	buffers
	config AdaGradConfig

	squaredGradSum [][]float32
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float32 // Learning rate
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer
func NewAdaGradOptimizer(config AdaGradConfig, weightShapes [][]int) (*AdaGradOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}
	b, err := newBuffers(weightShapes)
	if err != nil {
		return nil, err
	}
	return &AdaGradOptimizerState{buffers: b, config: config, squaredGradSum: b.zeroState()}, nil
}

// Step performs a single AdaGrad optimization step
func (ada *AdaGradOptimizerState) Step(gradients [][]float32) error {
	if err := ada.checkGradients(gradients); err != nil {
		return err
	}
	ada.step++

	c := ada.config
	for i, w := range ada.weights {
		g, sum := gradients[i], ada.squaredGradSum[i]
		for j := range w {
			gj := g[j] + c.WeightDecay*w[j]
			sum[j] += gj * gj
			w[j] -= c.LearningRate * gj / (float32(math.Sqrt(float64(sum[j]))) + c.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (ada *AdaGradOptimizerState) UpdateLearningRate(lr float32) {
	ada.config.LearningRate = lr
}

// LearningRate returns the current learning rate.
func (ada *AdaGradOptimizerState) LearningRate() float32 {
	return ada.config.LearningRate
}

// Name returns "AdaGrad".
func (ada *AdaGradOptimizerState) Name() string {
	return "AdaGrad"
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(ada.squaredGradSum))
	for i, buf := range ada.squaredGradSum {
		stateData = append(stateData, ada.extractBufferState(buf, i, "squared_grad_sum"))
	}
	return &OptimizerState{
		Type: ada.Name(),
		Parameters: map[string]interface{}{
			"learning_rate": ada.config.LearningRate,
			"epsilon":       ada.config.Epsilon,
			"weight_decay":  ada.config.WeightDecay,
			"step_count":    ada.step,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (ada *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(ada.Name(), state); err != nil {
		return err
	}
	c := &ada.config
	c.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", c.LearningRate)
	c.Epsilon = extractFloat32Param(state.Parameters, "epsilon", c.Epsilon)
	c.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", c.WeightDecay)
	ada.step = extractUint64Param(state.Parameters, "step_count", ada.step)
	return ada.restoreBufferStates(state, "squared_grad_sum", ada.squaredGradSum)
}

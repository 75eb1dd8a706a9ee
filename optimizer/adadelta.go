package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// AdaDeltaOptimizerState adapts the step from running averages of squared
// gradients and squared updates.
type AdaDeltaOptimizerState struct {
	buffers
	config AdaDeltaConfig

	squaredGradAvg   [][]float32
	squaredUpdateAvg [][]float32
}

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	LearningRate float32 // scales the computed update, 1.0 in Zeiler's formulation
	Rho          float32 // Decay rate for moving averages (typically 0.95)
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaDeltaConfig returns default AdaDelta optimizer configuration
func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{
		LearningRate: 1.0,
		Rho:          0.95,
		Epsilon:      1e-6,
		WeightDecay:  0.0,
	}
}

// NewAdaDeltaOptimizer creates a new AdaDelta optimizer
func NewAdaDeltaOptimizer(config AdaDeltaConfig, weightShapes [][]int) (*AdaDeltaOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Rho <= 0 || config.Rho >= 1 {
		return nil, errors.Errorf("rho must be in (0, 1), got %g", config.Rho)
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
	return &AdaDeltaOptimizerState{
		buffers:          b,
		config:           config,
		squaredGradAvg:   b.zeroState(),
		squaredUpdateAvg: b.zeroState(),
	}, nil
}

// Step performs a single AdaDelta optimization step
func (ada *AdaDeltaOptimizerState) Step(gradients [][]float32) error {
	if err := ada.checkGradients(gradients); err != nil {
		return err
	}
	ada.step++

	c := ada.config
	for i, w := range ada.weights {
		g, sg, su := gradients[i], ada.squaredGradAvg[i], ada.squaredUpdateAvg[i]
		for j := range w {
			gj := g[j] + c.WeightDecay*w[j]
			sg[j] = c.Rho*sg[j] + (1-c.Rho)*gj*gj
			delta := float32(math.Sqrt(float64(su[j]+c.Epsilon)/float64(sg[j]+c.Epsilon))) * gj
			su[j] = c.Rho*su[j] + (1-c.Rho)*delta*delta
			w[j] -= c.LearningRate * delta
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (ada *AdaDeltaOptimizerState) UpdateLearningRate(lr float32) {
	ada.config.LearningRate = lr
}

// LearningRate returns the current learning rate.
func (ada *AdaDeltaOptimizerState) LearningRate() float32 {
	return ada.config.LearningRate
}

// Name returns "AdaDelta".
func (ada *AdaDeltaOptimizerState) Name() string {
	return "AdaDelta"
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaDeltaOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(ada.squaredGradAvg))
	for i := range ada.squaredGradAvg {
		stateData = append(stateData,
			ada.extractBufferState(ada.squaredGradAvg[i], i, "squared_grad_avg"),
			ada.extractBufferState(ada.squaredUpdateAvg[i], i, "squared_update_avg"))
	}
	return &OptimizerState{
		Type: ada.Name(),
		Parameters: map[string]interface{}{
			"learning_rate": ada.config.LearningRate,
			"rho":           ada.config.Rho,
			"epsilon":       ada.config.Epsilon,
			"weight_decay":  ada.config.WeightDecay,
			"step_count":    ada.step,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (ada *AdaDeltaOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(ada.Name(), state); err != nil {
		return err
	}
	c := &ada.config
	c.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", c.LearningRate)
	c.Rho = extractFloat32Param(state.Parameters, "rho", c.Rho)
	c.Epsilon = extractFloat32Param(state.Parameters, "epsilon", c.Epsilon)
	c.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", c.WeightDecay)
	ada.step = extractUint64Param(state.Parameters, "step_count", ada.step)

	if err := ada.restoreBufferStates(state, "squared_grad_avg", ada.squaredGradAvg); err != nil {
		return err
	}
	return ada.restoreBufferStates(state, "squared_update_avg", ada.squaredUpdateAvg)
}

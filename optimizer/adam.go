package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// AdamOptimizerState implements Adam with the bias correction folded into
// the step size:
//
//	lr_t = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
//	m    = beta1*m + (1-beta1)*g
//	v    = beta2*v + (1-beta2)*g^2
//	w   -= lr_t * m / (sqrt(v) + epsilon)
type AdamOptimizerState struct {
	buffers

	lr          float32
	Beta1       float32 // Momentum decay (typically 0.9)
	Beta2       float32 // Variance decay (typically 0.999)
	Epsilon     float32
	WeightDecay float32 // L2 coefficient added to the gradient

	momentum [][]float32 // First moment for each weight tensor
	variance [][]float32 // Second moment for each weight tensor
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns the classifier's Adam configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer with zeroed moments for
// tensors of the given shapes.
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1), got %g", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1), got %g", config.Beta2)
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
	return &AdamOptimizerState{
		buffers:     b,
		lr:          config.LearningRate,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		momentum:    b.zeroState(),
		variance:    b.zeroState(),
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(gradients [][]float32) error {
	if err := adam.checkGradients(gradients); err != nil {
		return err
	}
	adam.step++

	t := float64(adam.step)
	lrT := float32(float64(adam.lr) *
		math.Sqrt(1-math.Pow(float64(adam.Beta2), t)) /
		(1 - math.Pow(float64(adam.Beta1), t)))
	b1, b2 := adam.Beta1, adam.Beta2

	for i, w := range adam.weights {
		g, m, v := gradients[i], adam.momentum[i], adam.variance[i]
		for j := range w {
			gj := g[j] + adam.WeightDecay*w[j]
			m[j] = b1*m[j] + (1-b1)*gj
			v[j] = b2*v[j] + (1-b2)*gj*gj
			w[j] -= lrT * m[j] / (float32(math.Sqrt(float64(v[j]))) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float32) {
	adam.lr = lr
}

// LearningRate returns the base learning rate.
func (adam *AdamOptimizerState) LearningRate() float32 {
	return adam.lr
}

// Name returns "Adam".
func (adam *AdamOptimizerState) Name() string {
	return "Adam"
}

// GetState extracts both moment buffers and the hyperparameters.
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.momentum))
	for i := range adam.momentum {
		stateData = append(stateData,
			adam.extractBufferState(adam.momentum[i], i, "momentum"),
			adam.extractBufferState(adam.variance[i], i, "variance"))
	}
	return &OptimizerState{
		Type: adam.Name(),
		Parameters: map[string]interface{}{
			"learning_rate": adam.lr,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.step,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(adam.Name(), state); err != nil {
		return err
	}
	adam.lr = extractFloat32Param(state.Parameters, "learning_rate", adam.lr)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.step = extractUint64Param(state.Parameters, "step_count", adam.step)

	if err := adam.restoreBufferStates(state, "momentum", adam.momentum); err != nil {
		return err
	}
	return adam.restoreBufferStates(state, "variance", adam.variance)
}

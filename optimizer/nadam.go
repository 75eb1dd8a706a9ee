package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// NadamOptimizerState combines Adam's adaptive learning rates with
// Nesterov momentum: the first moment is looked ahead one step before the
// update is applied.
type NadamOptimizerState struct {
	buffers
	config NadamConfig

	momentum [][]float32
	variance [][]float32
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// NewNadamOptimizer creates a new Nadam optimizer
func NewNadamOptimizer(config NadamConfig, weightShapes [][]int) (*NadamOptimizerState, error) {
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
	return &NadamOptimizerState{
		buffers:  b,
		config:   config,
		momentum: b.zeroState(),
		variance: b.zeroState(),
	}, nil
}

// Step performs a single Nadam optimization step
func (nadam *NadamOptimizerState) Step(gradients [][]float32) error {
	if err := nadam.checkGradients(gradients); err != nil {
		return err
	}
	nadam.step++

	c := nadam.config
	t := float64(nadam.step)
	b1, b2 := float64(c.Beta1), float64(c.Beta2)
	mScale := float32(b1 / (1 - math.Pow(b1, t+1)))
	gScale := float32((1 - b1) / (1 - math.Pow(b1, t)))
	vScale := float32(1 / (1 - math.Pow(b2, t)))

	for i, w := range nadam.weights {
		g, m, v := gradients[i], nadam.momentum[i], nadam.variance[i]
		for j := range w {
			gj := g[j] + c.WeightDecay*w[j]
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*gj
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*gj*gj
			mHat := mScale*m[j] + gScale*gj
			vHat := vScale * v[j]
			w[j] -= c.LearningRate * mHat / (float32(math.Sqrt(float64(vHat))) + c.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (nadam *NadamOptimizerState) UpdateLearningRate(lr float32) {
	nadam.config.LearningRate = lr
}

// LearningRate returns the current learning rate.
func (nadam *NadamOptimizerState) LearningRate() float32 {
	return nadam.config.LearningRate
}

// Name returns "Nadam".
func (nadam *NadamOptimizerState) Name() string {
	return "Nadam"
}

// GetState extracts optimizer state for checkpointing
func (nadam *NadamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(nadam.momentum))
	for i := range nadam.momentum {
		stateData = append(stateData,
			nadam.extractBufferState(nadam.momentum[i], i, "momentum"),
			nadam.extractBufferState(nadam.variance[i], i, "variance"))
	}
	c := nadam.config
	return &OptimizerState{
		Type: nadam.Name(),
		Parameters: map[string]interface{}{
			"learning_rate": c.LearningRate,
			"beta1":         c.Beta1,
			"beta2":         c.Beta2,
			"epsilon":       c.Epsilon,
			"weight_decay":  c.WeightDecay,
			"step_count":    nadam.step,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (nadam *NadamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(nadam.Name(), state); err != nil {
		return err
	}
	p := state.Parameters
	c := &nadam.config
	c.LearningRate = extractFloat32Param(p, "learning_rate", c.LearningRate)
	c.Beta1 = extractFloat32Param(p, "beta1", c.Beta1)
	c.Beta2 = extractFloat32Param(p, "beta2", c.Beta2)
	c.Epsilon = extractFloat32Param(p, "epsilon", c.Epsilon)
	c.WeightDecay = extractFloat32Param(p, "weight_decay", c.WeightDecay)
	nadam.step = extractUint64Param(p, "step_count", nadam.step)

	if err := nadam.restoreBufferStates(state, "momentum", nadam.momentum); err != nil {
		return err
	}
	return nadam.restoreBufferStates(state, "variance", nadam.variance)
}

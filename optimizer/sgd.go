package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// SGDOptimizerState implements stochastic gradient descent with optional
// momentum, Nesterov momentum and L2 weight decay.
type SGDOptimizerState struct {
	buffers

	lr          float32
	Momentum    float32
	WeightDecay float32
	Nesterov    bool

	velocity [][]float32 // nil unless Momentum > 0
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, errors.Errorf("momentum must be in [0, 1), got %g", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov momentum requires momentum > 0")
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}

	b, err := newBuffers(weightShapes)
	if err != nil {
		return nil, err
	}
	sgd := &SGDOptimizerState{
		buffers:     b,
		lr:          config.LearningRate,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
	if sgd.Momentum > 0 {
		sgd.velocity = b.zeroState()
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(gradients [][]float32) error {
	if err := sgd.checkGradients(gradients); err != nil {
		return err
	}
	sgd.step++

	for i, w := range sgd.weights {
		g := gradients[i]
		for j := range w {
			d := g[j] + sgd.WeightDecay*w[j]
			if sgd.velocity != nil {
				buf := sgd.velocity[i]
				buf[j] = sgd.Momentum*buf[j] + d
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}
			w[j] -= sgd.lr * d
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float32) {
	sgd.lr = lr
}

// LearningRate returns the current learning rate.
func (sgd *SGDOptimizerState) LearningRate() float32 {
	return sgd.lr
}

// Name returns "SGD".
func (sgd *SGDOptimizerState) Name() string {
	return "SGD"
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.velocity))
	for i, buf := range sgd.velocity {
		stateData = append(stateData, sgd.extractBufferState(buf, i, "momentum"))
	}
	return &OptimizerState{
		Type: sgd.Name(),
		Parameters: map[string]interface{}{
			"learning_rate": sgd.lr,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.step,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(sgd.Name(), state); err != nil {
		return err
	}
	sgd.lr = extractFloat32Param(state.Parameters, "learning_rate", sgd.lr)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.step = extractUint64Param(state.Parameters, "step_count", sgd.step)

	if sgd.Momentum > 0 && sgd.velocity == nil {
		sgd.velocity = sgd.zeroState()
	}
	return sgd.restoreBufferStates(state, "momentum", sgd.velocity)
}

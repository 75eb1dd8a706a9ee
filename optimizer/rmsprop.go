package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// RMSPropOptimizerState scales each step by a running RMS of the gradient.
// The centered variant subtracts the squared running mean first.
type RMSPropOptimizerState struct {
	buffers
	config RMSPropConfig

	squaredGradAvg [][]float32
	gradAvg        [][]float32 // centered only
	momentum       [][]float32 // Momentum > 0 only
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32 // smoothing constant for the squared gradient average
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig, weightShapes [][]int) (*RMSPropOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, errors.Errorf("alpha must be in (0, 1), got %g", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.Momentum < 0 || config.WeightDecay < 0 {
		return nil, errors.New("momentum and weight decay must be non-negative")
	}

	b, err := newBuffers(weightShapes)
	if err != nil {
		return nil, err
	}
	rms := &RMSPropOptimizerState{
		buffers:        b,
		config:         config,
		squaredGradAvg: b.zeroState(),
	}
	if config.Centered {
		rms.gradAvg = b.zeroState()
	}
	if config.Momentum > 0 {
		rms.momentum = b.zeroState()
	}
	return rms, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step(gradients [][]float32) error {
	if err := rms.checkGradients(gradients); err != nil {
		return err
	}
	rms.step++

	c := rms.config
	for i, w := range rms.weights {
		g, sq := gradients[i], rms.squaredGradAvg[i]
		for j := range w {
			gj := g[j] + c.WeightDecay*w[j]
			sq[j] = c.Alpha*sq[j] + (1-c.Alpha)*gj*gj

			avg := sq[j]
			if rms.gradAvg != nil {
				ga := rms.gradAvg[i]
				ga[j] = c.Alpha*ga[j] + (1-c.Alpha)*gj
				avg -= ga[j] * ga[j]
			}
			denom := float32(math.Sqrt(float64(avg))) + c.Epsilon

			if rms.momentum != nil {
				buf := rms.momentum[i]
				buf[j] = c.Momentum*buf[j] + gj/denom
				w[j] -= c.LearningRate * buf[j]
			} else {
				w[j] -= c.LearningRate * gj / denom
			}
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(lr float32) {
	rms.config.LearningRate = lr
}

// LearningRate returns the current learning rate.
func (rms *RMSPropOptimizerState) LearningRate() float32 {
	return rms.config.LearningRate
}

// Name returns "RMSProp".
func (rms *RMSPropOptimizerState) Name() string {
	return "RMSProp"
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	var stateData []checkpoints.OptimizerTensor
	for i := range rms.squaredGradAvg {
		stateData = append(stateData, rms.extractBufferState(rms.squaredGradAvg[i], i, "squared_grad_avg"))
		if rms.gradAvg != nil {
			stateData = append(stateData, rms.extractBufferState(rms.gradAvg[i], i, "grad_avg"))
		}
		if rms.momentum != nil {
			stateData = append(stateData, rms.extractBufferState(rms.momentum[i], i, "momentum"))
		}
	}
	c := rms.config
	return &OptimizerState{
		Type: rms.Name(),
		Parameters: map[string]interface{}{
			"learning_rate": c.LearningRate,
			"alpha":         c.Alpha,
			"epsilon":       c.Epsilon,
			"weight_decay":  c.WeightDecay,
			"momentum":      c.Momentum,
			"centered":      c.Centered,
			"step_count":    rms.step,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(rms.Name(), state); err != nil {
		return err
	}
	p := state.Parameters
	c := &rms.config
	c.LearningRate = extractFloat32Param(p, "learning_rate", c.LearningRate)
	c.Alpha = extractFloat32Param(p, "alpha", c.Alpha)
	c.Epsilon = extractFloat32Param(p, "epsilon", c.Epsilon)
	c.WeightDecay = extractFloat32Param(p, "weight_decay", c.WeightDecay)
	c.Momentum = extractFloat32Param(p, "momentum", c.Momentum)
	c.Centered = extractBoolParam(p, "centered", c.Centered)
	rms.step = extractUint64Param(p, "step_count", rms.step)

	if c.Centered && rms.gradAvg == nil {
		rms.gradAvg = rms.zeroState()
	}
	if c.Momentum > 0 && rms.momentum == nil {
		rms.momentum = rms.zeroState()
	}
	if err := rms.restoreBufferStates(state, "squared_grad_avg", rms.squaredGradAvg); err != nil {
		return err
	}
	if err := rms.restoreBufferStates(state, "grad_avg", rms.gradAvg); err != nil {
		return err
	}
	return rms.restoreBufferStates(state, "momentum", rms.momentum)
}

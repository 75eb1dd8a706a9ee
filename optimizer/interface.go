package optimizer

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// Weights and gradients are flat float32 slices, one per parameter tensor,
// in the order the model reports its parameters. Step updates the weights
// in place.
type Optimizer interface {
	// SetWeightBuffers binds the weight slices the optimizer updates.
	// It must be called before the first Step.
	SetWeightBuffers(weights [][]float32) error

	// Step performs a single optimization step.
	// gradients must line up with the weight buffers.
	Step(gradients [][]float32) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32

	// Name returns the optimizer type as stored in checkpoints
	Name() string
}

// OptimizerState is the serializable optimizer state.
type OptimizerState = checkpoints.OptimizerState

// New builds an optimizer by name with its default hyperparameters and the
// given learning rate. Names are matched case-insensitively.
func New(name string, lr float32, weightShapes [][]int) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg, weightShapes)
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg, weightShapes)
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSPropOptimizer(cfg, weightShapes)
	case "adagrad":
		cfg := DefaultAdaGradConfig()
		cfg.LearningRate = lr
		return NewAdaGradOptimizer(cfg, weightShapes)
	case "adadelta":
		cfg := DefaultAdaDeltaConfig()
		cfg.LearningRate = lr
		return NewAdaDeltaOptimizer(cfg, weightShapes)
	case "nadam":
		cfg := DefaultNadamConfig()
		cfg.LearningRate = lr
		return NewNadamOptimizer(cfg, weightShapes)
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}

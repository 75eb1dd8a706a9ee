package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
)

// Checkpoint snapshots the trained model: topology, weights, the label
// order of the output layer, progress counters and optimizer moments.
func (t *Trainer) Checkpoint(classNames []string, description string) (*checkpoints.Checkpoint, error) {
	if n := t.engine.Spec().NumClasses(); len(classNames) != 0 && len(classNames) != n {
		return nil, errors.Errorf("got %d class names for a %d-class model", len(classNames), n)
	}
	optState, err := t.optimizer.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to export optimizer state")
	}

	state := t.state
	if math.IsInf(float64(state.BestLoss), 1) {
		state.BestLoss = 0
	}
	state.LearningRate = t.optimizer.LearningRate()

	return &checkpoints.Checkpoint{
		ModelSpec:      t.engine.Spec(),
		Weights:        t.engine.ExtractWeights(),
		ClassNames:     append([]string(nil), classNames...),
		TrainingState:  state,
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			Description: description,
			Tags:        []string{t.optimizer.Name(), t.loss.Name()},
		},
	}, nil
}

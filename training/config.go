package training

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-asl/layers"
)

// DefaultEpochs is the length of the classifier's training run.
const DefaultEpochs = 30

// Loss function names accepted by TrainerConfig.
const (
	LossCategoricalCrossEntropy = "categorical_crossentropy"
	LossMSE                     = "mse"
)

// TrainerConfig holds configuration for a Trainer
type TrainerConfig struct {
	// Training parameters
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float32 `json:"learning_rate"`

	// Optimizer name understood by optimizer.New ("adam", "sgd", ...)
	OptimizerType string `json:"optimizer_type"`
	// LossFunction is LossCategoricalCrossEntropy or LossMSE
	LossFunction string `json:"loss_function"`

	// Scheduler adjusts the learning rate once per epoch; nil keeps it constant
	Scheduler LRScheduler `json:"-"`

	// EarlyStoppingPatience stops training after this many epochs without a
	// validation loss improvement. Zero disables early stopping.
	EarlyStoppingPatience int `json:"early_stopping_patience"`

	// ModelName is shown in the architecture printout
	ModelName string `json:"model_name"`

	// Progress receives progress bars and epoch summaries; nil disables them
	Progress io.Writer `json:"-"`

	// Logger receives structured per-epoch records
	Logger logrus.FieldLogger `json:"-"`
}

// DefaultTrainerConfig returns the classifier's fixed training setup:
// 30 epochs of batch 32 with Adam at 1e-4 on categorical cross-entropy.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Epochs:        DefaultEpochs,
		BatchSize:     layers.DefaultBatchSize,
		LearningRate:  1e-4,
		OptimizerType: "adam",
		LossFunction:  LossCategoricalCrossEntropy,
		ModelName:     "SignLanguageCNN",
		Logger:        logrus.StandardLogger(),
	}
}

// Validate checks the configuration for obvious mistakes
func (c TrainerConfig) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.EarlyStoppingPatience < 0 {
		return errors.Errorf("early stopping patience must be non-negative, got %d", c.EarlyStoppingPatience)
	}
	if _, err := NewLoss(c.LossFunction); err != nil {
		return err
	}
	if strings.TrimSpace(c.OptimizerType) == "" {
		return errors.New("optimizer type is required")
	}
	return nil
}

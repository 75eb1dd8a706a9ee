package training

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-asl/checkpoints"
	"github.com/tsawler/go-asl/engine"
	"github.com/tsawler/go-asl/optimizer"
	"github.com/tsawler/go-asl/tensor"
	"github.com/tsawler/go-asl/vision/dataloader"
)

// ErrDiverged is returned when a batch produces a NaN or infinite loss.
var ErrDiverged = errors.New("training diverged: loss is not finite")

// BatchSource yields batches; Len is the number of batches per epoch.
type BatchSource interface {
	NextBatch() (*dataloader.Batch, error)
	Len() int
}

// StepResult is the outcome of one optimisation step.
type StepResult struct {
	Loss    float32
	Correct int
	Size    int
}

// EpochMetrics summarises one epoch. Validation fields are only meaningful
// when Validated is set.
type EpochMetrics struct {
	Epoch        int           `json:"epoch"`
	Loss         float64       `json:"loss"`
	Accuracy     float64       `json:"accuracy"`
	ValLoss      float64       `json:"val_loss"`
	ValAccuracy  float64       `json:"val_accuracy"`
	Validated    bool          `json:"validated"`
	Duration     time.Duration `json:"duration"`
	LearningRate float64       `json:"learning_rate"`
}

// History is the per-epoch record of a Fit call.
type History struct {
	Epochs       []EpochMetrics `json:"epochs"`
	StoppedEarly bool           `json:"stopped_early"`
}

// Last returns the metrics of the final completed epoch.
func (h *History) Last() (EpochMetrics, bool) {
	if h == nil || len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Trainer fits a ModelEngine with a loss and an optimizer.
type Trainer struct {
	engine    *engine.ModelEngine
	config    TrainerConfig
	optimizer optimizer.Optimizer
	loss      Loss
	scheduler LRScheduler
	logger    logrus.FieldLogger
	grads     [][]float32
	state     checkpoints.TrainingState

	// per-class counts of the most recent evaluation
	confusion *ConfusionMatrix
}

// NewTrainer binds an optimizer to every parameter of eng.
func NewTrainer(eng *engine.ModelEngine, cfg TrainerConfig) (*Trainer, error) {
	if eng == nil {
		return nil, errors.New("model engine is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid trainer config")
	}
	if err := eng.Spec().ValidateForTraining(); err != nil {
		return nil, errors.Wrap(err, "model cannot be trained")
	}

	loss, err := NewLoss(cfg.LossFunction)
	if err != nil {
		return nil, err
	}

	params := eng.Parameters()
	shapes := make([][]int, len(params))
	weights := make([][]float32, len(params))
	grads := make([][]float32, len(params))
	for i, p := range params {
		shapes[i] = p.Value.Shape
		weights[i] = p.Value.Data
		grads[i] = p.Grad.Data
	}

	opt, err := optimizer.New(cfg.OptimizerType, cfg.LearningRate, shapes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create optimizer")
	}
	if err := opt.SetWeightBuffers(weights); err != nil {
		return nil, errors.Wrap(err, "failed to bind optimizer to model weights")
	}

	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = &NoOpScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Trainer{
		engine:    eng,
		config:    cfg,
		optimizer: opt,
		loss:      loss,
		scheduler: scheduler,
		logger:    logger,
		grads:     grads,
		confusion: NewConfusionMatrix(eng.Spec().NumClasses()),
		state: checkpoints.TrainingState{
			LearningRate: cfg.LearningRate,
			BestLoss:     float32(math.Inf(1)),
		},
	}, nil
}

// Engine returns the model being trained.
func (t *Trainer) Engine() *engine.ModelEngine {
	return t.engine
}

// Optimizer returns the bound optimizer.
func (t *Trainer) Optimizer() optimizer.Optimizer {
	return t.optimizer
}

// State returns the current training progress.
func (t *Trainer) State() checkpoints.TrainingState {
	return t.state
}

// TrainBatch runs forward, loss, backward and one optimizer step.
func (t *Trainer) TrainBatch(batch *dataloader.Batch) (StepResult, error) {
	if err := checkBatch(batch); err != nil {
		return StepResult{}, err
	}

	t.engine.ZeroGrad()
	out, err := t.engine.Forward(batch.Images, true)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "forward pass failed")
	}
	lossValue, err := t.loss.Forward(out, batch.Labels)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "loss computation failed")
	}
	if math.IsNaN(float64(lossValue)) || math.IsInf(float64(lossValue), 0) {
		return StepResult{}, errors.Wrapf(ErrDiverged, "step %d", t.state.Step+1)
	}
	grad, err := t.loss.Backward(out, batch.Labels)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "loss gradient failed")
	}
	if err := t.engine.Backward(grad); err != nil {
		return StepResult{}, errors.Wrap(err, "backward pass failed")
	}
	if err := t.optimizer.Step(t.grads); err != nil {
		return StepResult{}, errors.Wrap(err, "optimizer step failed")
	}
	t.state.Step++

	correct, err := CategoricalAccuracy(out, batch.Labels)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Loss: lossValue, Correct: correct, Size: batch.Size}, nil
}

// ConfusionMatrix returns the per-class counts of the most recent Evaluate
// or validation pass. It is overwritten by the next one.
func (t *Trainer) ConfusionMatrix() *ConfusionMatrix {
	return t.confusion
}

// Evaluate runs src.Len() batches in inference mode and returns the
// sample-weighted mean loss and accuracy. Per-class counts are kept in
// ConfusionMatrix.
func (t *Trainer) Evaluate(ctx context.Context, src BatchSource) (float64, float64, error) {
	return t.evaluate(ctx, src, nil)
}

func (t *Trainer) evaluate(ctx context.Context, src BatchSource, progress func(step int, loss, acc float64)) (float64, float64, error) {
	if src == nil || src.Len() == 0 {
		return 0, 0, errors.New("evaluation source is empty")
	}
	t.confusion.Reset()
	var lossMeter, accMeter Meter
	for step := 0; step < src.Len(); step++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, errors.Wrap(err, "evaluation interrupted")
		}
		batch, err := src.NextBatch()
		if err != nil {
			return 0, 0, errors.Wrapf(err, "failed to load evaluation batch %d", step)
		}
		if err := checkBatch(batch); err != nil {
			return 0, 0, err
		}
		out, err := t.engine.Predict(batch.Images)
		if err != nil {
			return 0, 0, errors.Wrap(err, "forward pass failed")
		}
		lossValue, err := t.loss.Forward(out, batch.Labels)
		if err != nil {
			return 0, 0, errors.Wrap(err, "loss computation failed")
		}
		correct, err := CategoricalAccuracy(out, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		if err := t.confusion.UpdateFromPredictions(out, batch.Labels); err != nil {
			return 0, 0, err
		}
		lossMeter.Add(float64(lossValue), batch.Size)
		accMeter.Add(float64(correct)/float64(batch.Size), batch.Size)
		if progress != nil {
			progress(step+1, lossMeter.Mean(), accMeter.Mean())
		}
	}
	return lossMeter.Mean(), accMeter.Mean(), nil
}

// Predict returns class probabilities for x with dropout disabled.
func (t *Trainer) Predict(x *tensor.Tensor) (*tensor.Tensor, error) {
	return t.engine.Predict(x)
}

// Fit trains for the configured number of epochs. Each epoch consumes
// train.Len() batches and then, when val is non-nil, evaluates val.Len()
// batches. On error the history of completed epochs is still returned.
func (t *Trainer) Fit(ctx context.Context, train, val BatchSource) (*History, error) {
	if train == nil || train.Len() == 0 {
		return nil, errors.New("training source is empty")
	}
	validationSteps := 0
	if val != nil {
		validationSteps = val.Len()
	}

	cfg := t.config
	session := NewTrainingSession(cfg.Progress, cfg.ModelName, cfg.Epochs, train.Len(), validationSteps)
	session.StartTraining(t.engine.Spec())

	t.state.TotalSteps = t.state.Step + cfg.Epochs*train.Len()
	t.logger.WithFields(logrus.Fields{
		"epochs":          cfg.Epochs,
		"steps_per_epoch": train.Len(),
		"val_steps":       validationSteps,
		"optimizer":       t.optimizer.Name(),
		"loss":            t.loss.Name(),
		"scheduler":       t.scheduler.GetName(),
		"parameters":      t.engine.Spec().TotalParameters,
	}).Info("starting training")

	history := &History{}
	baseLR := float64(cfg.LearningRate)
	bestValLoss := math.Inf(1)
	staleEpochs := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		lr := t.scheduler.GetLR(epoch, t.state.Step, baseLR)
		t.optimizer.UpdateLearningRate(float32(lr))
		t.state.LearningRate = float32(lr)

		start := time.Now()
		session.StartEpoch(epoch + 1)

		var lossMeter, accMeter Meter
		for step := 0; step < train.Len(); step++ {
			if err := ctx.Err(); err != nil {
				return history, errors.Wrap(err, "training interrupted")
			}
			batch, err := train.NextBatch()
			if err != nil {
				return history, errors.Wrapf(err, "failed to load batch %d of epoch %d", step, epoch+1)
			}
			res, err := t.TrainBatch(batch)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d", epoch+1)
			}
			lossMeter.Add(float64(res.Loss), res.Size)
			accMeter.Add(float64(res.Correct)/float64(res.Size), res.Size)
			session.UpdateTrainingProgress(step+1, lossMeter.Mean(), accMeter.Mean())
		}
		session.FinishTrainingEpoch()

		metrics := EpochMetrics{
			Epoch:        epoch + 1,
			Loss:         lossMeter.Mean(),
			Accuracy:     accMeter.Mean(),
			LearningRate: lr,
		}
		if validationSteps > 0 {
			session.StartValidation()
			valLoss, valAcc, err := t.evaluate(ctx, val, session.UpdateValidationProgress)
			if err != nil {
				return history, errors.Wrapf(err, "validation failed in epoch %d", epoch+1)
			}
			session.FinishValidationEpoch()
			metrics.ValLoss = valLoss
			metrics.ValAccuracy = valAcc
			metrics.Validated = true
		}
		metrics.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, metrics)
		t.recordEpoch(metrics)
		session.PrintEpochSummary()

		fields := logrus.Fields{
			"epoch":    metrics.Epoch,
			"loss":     metrics.Loss,
			"accuracy": metrics.Accuracy,
			"lr":       lr,
			"duration": metrics.Duration.Round(time.Millisecond),
		}
		if metrics.Validated {
			fields["val_loss"] = metrics.ValLoss
			fields["val_accuracy"] = metrics.ValAccuracy
		}
		t.logger.WithFields(fields).Info("epoch complete")
		if metrics.Validated {
			t.logger.WithFields(logrus.Fields{
				"epoch":           metrics.Epoch,
				"macro_precision": t.confusion.GetMetric(MacroPrecision),
				"macro_recall":    t.confusion.GetMetric(MacroRecall),
				"macro_f1":        t.confusion.GetMetric(MacroF1),
			}).Debug("validation class metrics")
		}

		monitored := metrics.Loss
		if metrics.Validated {
			monitored = metrics.ValLoss
		}
		if ms, ok := t.scheduler.(MetricScheduler); ok {
			ms.Step(monitored, lr)
		}

		if cfg.EarlyStoppingPatience > 0 {
			if monitored < bestValLoss {
				bestValLoss = monitored
				staleEpochs = 0
			} else {
				staleEpochs++
				if staleEpochs >= cfg.EarlyStoppingPatience {
					history.StoppedEarly = true
					t.logger.WithField("epoch", metrics.Epoch).Info("early stopping: no improvement")
					break
				}
			}
		}
	}
	return history, nil
}

func (t *Trainer) recordEpoch(m EpochMetrics) {
	t.state.Epoch = m.Epoch
	loss, acc := m.Loss, m.Accuracy
	if m.Validated {
		loss, acc = m.ValLoss, m.ValAccuracy
	}
	if float32(loss) < t.state.BestLoss {
		t.state.BestLoss = float32(loss)
	}
	if float32(acc) > t.state.BestAccuracy {
		t.state.BestAccuracy = float32(acc)
	}
}

func checkBatch(batch *dataloader.Batch) error {
	if batch == nil || batch.Images == nil || batch.Labels == nil || batch.Size <= 0 {
		return errors.New("empty batch")
	}
	if batch.Images.Shape[0] != batch.Size || batch.Labels.Shape[0] != batch.Size {
		return errors.Errorf("batch size %d disagrees with images %v and labels %v",
			batch.Size, batch.Images.Shape, batch.Labels.Shape)
	}
	return nil
}

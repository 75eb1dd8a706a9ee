package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/tensor"
)

// probabilityEpsilon bounds predicted probabilities away from 0 and 1 before
// taking logarithms.
const probabilityEpsilon = 1e-7

// Loss interface for all loss functions. Forward returns the batch-mean
// loss; Backward returns dLoss/dPredicted with the predicted shape.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float32, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// NewLoss returns the loss registered under name.
func NewLoss(name string) (Loss, error) {
	switch name {
	case LossCategoricalCrossEntropy:
		return NewCategoricalCrossEntropy(), nil
	case LossMSE:
		return NewMSELoss(), nil
	default:
		return nil, errors.Errorf("unknown loss function %q", name)
	}
}

// CategoricalCrossEntropy computes -mean_n sum_c y[n,c] * log(p[n,c]) over
// probabilities (the output of a softmax) and one-hot targets.
type CategoricalCrossEntropy struct{}

// NewCategoricalCrossEntropy creates a categorical cross-entropy loss
func NewCategoricalCrossEntropy() *CategoricalCrossEntropy {
	return &CategoricalCrossEntropy{}
}

// Name returns the config name of the loss.
func (ce *CategoricalCrossEntropy) Name() string {
	return LossCategoricalCrossEntropy
}

// Forward computes the mean cross-entropy of the batch
func (ce *CategoricalCrossEntropy) Forward(predicted, target *tensor.Tensor) (float32, error) {
	if err := checkPair(predicted, target); err != nil {
		return 0, err
	}
	n := predicted.Shape[0]
	var sum float64
	for i, y := range target.Data {
		if y == 0 {
			continue
		}
		p := clip(predicted.Data[i])
		sum -= float64(y) * math.Log(float64(p))
	}
	return float32(sum / float64(n)), nil
}

// Backward computes -y / (p * n); clipped probabilities receive no gradient.
func (ce *CategoricalCrossEntropy) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkPair(predicted, target); err != nil {
		return nil, err
	}
	n := float32(predicted.Shape[0])
	grad := tensor.Zeros(predicted.Shape...)
	for i, y := range target.Data {
		p := predicted.Data[i]
		if y == 0 || p < probabilityEpsilon || p > 1-probabilityEpsilon {
			continue
		}
		grad.Data[i] = -y / (p * n)
	}
	return grad, nil
}

func clip(p float32) float32 {
	if p < probabilityEpsilon {
		return probabilityEpsilon
	}
	if p > 1-probabilityEpsilon {
		return 1 - probabilityEpsilon
	}
	return p
}

// MSELoss implements mean squared error over every element
type MSELoss struct{}

// NewMSELoss creates a new MSE loss function
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

// Name returns the config name of the loss.
func (mse *MSELoss) Name() string {
	return LossMSE
}

// Forward computes mean((predicted - target)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (float32, error) {
	if err := checkPair(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p - target.Data[i])
		sum += d * d
	}
	return float32(sum / float64(predicted.Numel())), nil
}

// Backward computes 2 * (predicted - target) / numel
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkPair(predicted, target); err != nil {
		return nil, err
	}
	scale := 2 / float32(predicted.Numel())
	grad := tensor.Zeros(predicted.Shape...)
	for i, p := range predicted.Data {
		grad.Data[i] = scale * (p - target.Data[i])
	}
	return grad, nil
}

func checkPair(predicted, target *tensor.Tensor) error {
	if predicted == nil || target == nil {
		return errors.New("predicted and target tensors are required")
	}
	if !predicted.SameShape(target) {
		return errors.Errorf("shape mismatch: predicted %v, target %v", predicted.Shape, target.Shape)
	}
	if predicted.Dim() != 2 || predicted.Shape[0] == 0 {
		return errors.Errorf("expected non-empty [batch, classes] tensors, got %v", predicted.Shape)
	}
	return nil
}

package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-asl/tensor"
)

func TestNewLoss(t *testing.T) {
	l, err := NewLoss(LossCategoricalCrossEntropy)
	require.NoError(t, err)
	assert.Equal(t, LossCategoricalCrossEntropy, l.Name())

	l, err = NewLoss(LossMSE)
	require.NoError(t, err)
	assert.Equal(t, LossMSE, l.Name())

	_, err = NewLoss("hinge")
	assert.Error(t, err)
}

func TestCrossEntropyValue(t *testing.T) {
	ce := NewCategoricalCrossEntropy()
	pred := tensor.MustNew([]int{2, 2}, []float32{0.5, 0.5, 0.25, 0.75})
	target := tensor.MustNew([]int{2, 2}, []float32{1, 0, 0, 1})

	loss, err := ce.Forward(pred, target)
	require.NoError(t, err)
	want := (math.Log(2) - math.Log(0.75)) / 2
	assert.InDelta(t, want, loss, 1e-6)
}

func TestCrossEntropyClipsZeroProbability(t *testing.T) {
	ce := NewCategoricalCrossEntropy()
	pred := tensor.MustNew([]int{1, 2}, []float32{0, 1})
	target := tensor.MustNew([]int{1, 2}, []float32{1, 0})

	loss, err := ce.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(1e-7), loss, 1e-3)

	grad, err := ce.Backward(pred, target)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, grad.Data)
}

func TestCrossEntropyGradientMatchesFiniteDifferences(t *testing.T) {
	ce := NewCategoricalCrossEntropy()
	pred := tensor.MustNew([]int{2, 3}, []float32{0.2, 0.5, 0.3, 0.6, 0.1, 0.3})
	target := tensor.MustNew([]int{2, 3}, []float32{0, 1, 0, 0, 0, 1})

	grad, err := ce.Backward(pred, target)
	require.NoError(t, err)

	const h = 1e-3
	for i := range pred.Data {
		orig := pred.Data[i]
		pred.Data[i] = orig + h
		up, err := ce.Forward(pred, target)
		require.NoError(t, err)
		pred.Data[i] = orig - h
		down, err := ce.Forward(pred, target)
		require.NoError(t, err)
		pred.Data[i] = orig

		numeric := float64(up-down) / (2 * h)
		assert.InDelta(t, numeric, grad.Data[i], 2e-2, "element %d", i)
	}
}

func TestMSELoss(t *testing.T) {
	mse := NewMSELoss()
	pred := tensor.MustNew([]int{1, 2}, []float32{1, 3})
	target := tensor.MustNew([]int{1, 2}, []float32{0, 1})

	loss, err := mse.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, loss, 1e-6)

	grad, err := mse.Backward(pred, target)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 2}, grad.Data, 1e-6)
}

func TestLossRejectsMismatchedShapes(t *testing.T) {
	for _, l := range []Loss{NewCategoricalCrossEntropy(), NewMSELoss()} {
		_, err := l.Forward(tensor.Zeros(2, 3), tensor.Zeros(2, 4))
		assert.Error(t, err, l.Name())
		_, err = l.Backward(tensor.Zeros(2, 3), nil)
		assert.Error(t, err, l.Name())
		_, err = l.Forward(tensor.Zeros(6), tensor.Zeros(6))
		assert.Error(t, err, l.Name())
	}
}

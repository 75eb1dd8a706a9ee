package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, calculateStrides(test.shape), "shape %v", test.shape)
	}
}

func TestNew(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		x, err := New([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
		require.NoError(t, err)
		assert.Equal(t, 6, x.Numel())
		assert.Equal(t, 2, x.Dim())
		assert.Equal(t, []float32{4, 5, 6}, x.Row(1))
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		_, err := New([]int{2, 3}, []float32{1, 2})
		assert.Error(t, err)
	})

	t.Run("InvalidShape", func(t *testing.T) {
		_, err := New([]int{0, 3}, nil)
		assert.Error(t, err)
		_, err = New(nil, nil)
		assert.Error(t, err)
	})
}

func TestReshape(t *testing.T) {
	x := Zeros(2, 3, 4)

	y, err := x.Reshape(2, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12}, y.Shape)
	assert.Equal(t, []int{12, 1}, y.Strides)

	y.Data[0] = 7
	assert.Equal(t, float32(7), x.Data[0], "reshape must share storage")

	_, err = x.Reshape(5, -1)
	assert.Error(t, err)
	_, err = x.Reshape(-1, -1)
	assert.Error(t, err)
	_, err = x.Reshape(2, 3)
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	x := MustNew([]int{3}, []float32{1, 2, 3})
	c := x.Clone()
	c.Data[0] = 100
	assert.Equal(t, float32(1), x.Data[0])
	assert.True(t, x.SameShape(c))
}

func TestArgmaxRows(t *testing.T) {
	x := MustNew([]int{3, 3}, []float32{
		0.1, 0.7, 0.2,
		0.9, 0.05, 0.05,
		0.3, 0.3, 0.4,
	})
	assert.Equal(t, []int{1, 0, 2}, x.ArgmaxRows())
	assert.Equal(t, 0, Argmax([]float32{1, 1, 1}), "ties resolve to the first index")
}

func TestAllCloseAndNaN(t *testing.T) {
	a := MustNew([]int{2}, []float32{1, 2})
	b := MustNew([]int{2}, []float32{1.0000001, 2})
	assert.True(t, a.AllClose(b, 1e-5))
	assert.False(t, a.AllClose(MustNew([]int{1, 2}, []float32{1, 2}), 1e-5))

	assert.False(t, a.HasNaN())
	a.Data[1] = float32(math.NaN())
	assert.True(t, a.HasNaN())
	a.Data[1] = float32(math.Inf(1))
	assert.True(t, a.HasNaN())
}

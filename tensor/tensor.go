package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense, row-major float32 array.
// Image batches use NCHW layout: [batch, channels, height, width].
type Tensor struct {
	Shape   []int
	Strides []int
	Data    []float32
}

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := Volume(shape)
	if len(data) != n {
		return nil, errors.Errorf("data length %d does not match tensor size %d for shape %v", len(data), n, shape)
	}
	return &Tensor{
		Shape:   copyShape(shape),
		Strides: calculateStrides(shape),
		Data:    data,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		Shape:   copyShape(shape),
		Strides: calculateStrides(shape),
		Data:    make([]float32, Volume(shape)),
	}
}

// MustNew is New that panics on error. Intended for tests and constants.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Volume returns the product of dims.
func Volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("shape cannot be empty")
	}
	for i, d := range shape {
		if d <= 0 {
			return errors.Errorf("dimension %d must be positive, got %d", i, d)
		}
	}
	return nil
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

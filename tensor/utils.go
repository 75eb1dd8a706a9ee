package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Reshape returns a view with a new shape over the same data.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := copyShape(newShape)
	known := 1
	infer := -1
	for i, d := range shape {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, errors.New("only one dimension can be -1")
			}
			infer = i
		case d <= 0:
			return nil, errors.Errorf("invalid dimension %d at index %d", d, i)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if len(t.Data)%known != 0 {
			return nil, errors.Errorf("cannot reshape tensor of size %d into %v", len(t.Data), newShape)
		}
		shape[infer] = len(t.Data) / known
		known *= shape[infer]
	}
	if known != len(t.Data) {
		return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", len(t.Data), shape, known)
	}
	return &Tensor{Shape: shape, Strides: calculateStrides(shape), Data: t.Data}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: copyShape(t.Shape), Strides: copyShape(t.Strides), Data: data}
}

// Row returns the i-th slice along the first dimension as a sub-slice of Data.
func (t *Tensor) Row(i int) []float32 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// ArgmaxRows returns the index of the largest value in every row of a 2D tensor.
func (t *Tensor) ArgmaxRows() []int {
	rows := t.Shape[0]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		out[r] = Argmax(t.Row(r))
	}
	return out
}

// Argmax returns the index of the first maximum in v.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// AllClose reports whether every element differs by at most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !t.SameShape(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// PrintData renders up to maxElements values.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(": [")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(" ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", v))
	}
	sb.WriteString("]")
	return sb.String()
}

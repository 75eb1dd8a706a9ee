package engine

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/tensor"
)

// dense computes y = x*W + b with W stored as [in, out].
type dense struct {
	name   string
	in     int
	out    int
	weight *Parameter
	bias   *Parameter

	input *tensor.Tensor
}

func (d *dense) layerName() string        { return d.name }
func (d *dense) parameters() []*Parameter { return nonNilParams(d.weight, d.bias) }

func (d *dense) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	n := x.Shape[0]
	if x.Numel() != n*d.in {
		return nil, errors.Errorf("%s: expected %d features per sample, got shape %v", d.name, d.in, x.Shape)
	}
	y := tensor.Zeros(n, d.out)
	gemm(false, false, n, d.out, d.in, 1, x.Data, d.weight.Value.Data, 0, y.Data)
	if d.bias != nil {
		for r := 0; r < n; r++ {
			axpy(y.Row(r), d.bias.Value.Data)
		}
	}
	if training {
		d.input = x
	} else {
		d.input = nil
	}
	return y, nil
}

func (d *dense) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", d.name)
	}
	x := d.input
	n := x.Shape[0]

	// dW += x^T * g
	gemm(true, false, d.in, d.out, n, 1, x.Data, grad.Data, 1, d.weight.Grad.Data)
	if d.bias != nil {
		for r := 0; r < n; r++ {
			axpy(d.bias.Grad.Data, grad.Row(r))
		}
	}

	// dx = g * W^T
	dx := tensor.Zeros(x.Shape...)
	gemm(false, true, n, d.in, d.out, 1, grad.Data, d.weight.Value.Data, 0, dx.Data)
	return dx, nil
}

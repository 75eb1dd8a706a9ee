package engine

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/tensor"
)

var errNoForward = errors.New("backward called without a training forward pass")

type relu struct {
	name   string
	output *tensor.Tensor
}

func (r *relu) layerName() string        { return r.name }
func (r *relu) parameters() []*Parameter { return nil }

func (r *relu) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y := tensor.Zeros(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	r.output = keepIf(training, y)
	return y, nil
}

func (r *relu) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, errors.Wrap(errNoForward, r.name)
	}
	dx := tensor.Zeros(grad.Shape...)
	for i, y := range r.output.Data {
		if y > 0 {
			dx.Data[i] = grad.Data[i]
		}
	}
	return dx, nil
}

type leakyReLU struct {
	name  string
	slope float32
	input *tensor.Tensor
}

func (l *leakyReLU) layerName() string        { return l.name }
func (l *leakyReLU) parameters() []*Parameter { return nil }

func (l *leakyReLU) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y := tensor.Zeros(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		} else {
			y.Data[i] = l.slope * v
		}
	}
	l.input = keepIf(training, x)
	return y, nil
}

func (l *leakyReLU) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.Wrap(errNoForward, l.name)
	}
	dx := tensor.Zeros(grad.Shape...)
	for i, v := range l.input.Data {
		if v > 0 {
			dx.Data[i] = grad.Data[i]
		} else {
			dx.Data[i] = l.slope * grad.Data[i]
		}
	}
	return dx, nil
}

type elu struct {
	name   string
	alpha  float32
	input  *tensor.Tensor
	output *tensor.Tensor
}

func (e *elu) layerName() string        { return e.name }
func (e *elu) parameters() []*Parameter { return nil }

func (e *elu) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y := tensor.Zeros(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		} else {
			y.Data[i] = e.alpha * float32(math.Expm1(float64(v)))
		}
	}
	e.input = keepIf(training, x)
	e.output = keepIf(training, y)
	return y, nil
}

func (e *elu) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if e.input == nil {
		return nil, errors.Wrap(errNoForward, e.name)
	}
	dx := tensor.Zeros(grad.Shape...)
	for i, v := range e.input.Data {
		if v > 0 {
			dx.Data[i] = grad.Data[i]
		} else {
			dx.Data[i] = grad.Data[i] * (e.output.Data[i] + e.alpha)
		}
	}
	return dx, nil
}

// softmax normalises the last dimension.
type softmax struct {
	name   string
	output *tensor.Tensor
}

func (s *softmax) layerName() string        { return s.name }
func (s *softmax) parameters() []*Parameter { return nil }

func (s *softmax) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	width := x.Shape[x.Dim()-1]
	y := tensor.Zeros(x.Shape...)
	for off := 0; off < x.Numel(); off += width {
		softmaxRow(x.Data[off:off+width], y.Data[off:off+width])
	}
	s.output = keepIf(training, y)
	return y, nil
}

func softmaxRow(in, out []float32) {
	maxV := in[0]
	for _, v := range in[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range in {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range out {
		out[i] *= inv
	}
}

func (s *softmax) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if s.output == nil {
		return nil, errors.Wrap(errNoForward, s.name)
	}
	y := s.output
	width := y.Shape[y.Dim()-1]
	dx := tensor.Zeros(y.Shape...)
	// dx = y * (g - <g, y>)
	for off := 0; off < y.Numel(); off += width {
		yr := y.Data[off : off+width]
		gr := grad.Data[off : off+width]
		var dot float32
		for i := range yr {
			dot += yr[i] * gr[i]
		}
		for i := range yr {
			dx.Data[off+i] = yr[i] * (gr[i] - dot)
		}
	}
	return dx, nil
}

// dropout is inverted dropout: kept units are scaled by 1/(1-rate) during
// training so inference is the identity.
type dropout struct {
	name string
	rate float32
	rng  *rand.Rand
	mask []float32
}

func (d *dropout) layerName() string        { return d.name }
func (d *dropout) parameters() []*Parameter { return nil }

func (d *dropout) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training || d.rate == 0 {
		d.mask = nil
		return x.Clone(), nil
	}
	if cap(d.mask) < x.Numel() {
		d.mask = make([]float32, x.Numel())
	}
	d.mask = d.mask[:x.Numel()]
	scale := 1 / (1 - d.rate)
	y := tensor.Zeros(x.Shape...)
	for i, v := range x.Data {
		if d.rng.Float32() >= d.rate {
			d.mask[i] = scale
			y.Data[i] = v * scale
		} else {
			d.mask[i] = 0
		}
	}
	return y, nil
}

func (d *dropout) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return grad.Clone(), nil
	}
	dx := tensor.Zeros(grad.Shape...)
	for i, m := range d.mask {
		dx.Data[i] = grad.Data[i] * m
	}
	return dx, nil
}

type flatten struct {
	name    string
	inShape []int
}

func (f *flatten) layerName() string        { return f.name }
func (f *flatten) parameters() []*Parameter { return nil }

func (f *flatten) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	f.inShape = append(f.inShape[:0], x.Shape...)
	return x.Reshape(x.Shape[0], -1)
}

func (f *flatten) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if len(f.inShape) == 0 {
		return nil, errors.Wrap(errNoForward, f.name)
	}
	return grad.Reshape(f.inShape...)
}

func keepIf(training bool, t *tensor.Tensor) *tensor.Tensor {
	if training {
		return t
	}
	return nil
}

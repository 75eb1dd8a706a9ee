package engine

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/tensor"
)

// maxPool2D takes the maximum over non-overlapping (or strided) windows with
// valid padding. The winning input offset of every output is kept for the
// backward pass.
type maxPool2D struct {
	name    string
	size    int
	stride  int
	workers int

	inShape []int
	argmax  []int32
}

func (p *maxPool2D) layerName() string        { return p.name }
func (p *maxPool2D) parameters() []*Parameter { return nil }

func (p *maxPool2D) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 {
		return nil, errors.Errorf("%s: expected 4D input, got %v", p.name, x.Shape)
	}
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h-p.size)/p.stride + 1
	ow := (w-p.size)/p.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("%s: input %dx%d smaller than pool %d", p.name, h, w, p.size)
	}

	out := tensor.Zeros(n, ch, oh, ow)
	var argmax []int32
	if training {
		if cap(p.argmax) < out.Numel() {
			p.argmax = make([]int32, out.Numel())
		}
		argmax = p.argmax[:out.Numel()]
	}

	planes := n * ch
	parallelFor(planes, p.workers, func(_, plane int) {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				y0, x0 := oy*p.stride, ox*p.stride
				best := y0*w + x0
				for ky := 0; ky < p.size; ky++ {
					for kx := 0; kx < p.size; kx++ {
						idx := (y0+ky)*w + x0 + kx
						if src[idx] > src[best] {
							best = idx
						}
					}
				}
				o := oy*ow + ox
				dst[o] = src[best]
				if argmax != nil {
					argmax[plane*oh*ow+o] = int32(plane*h*w + best)
				}
			}
		}
	})

	if training {
		p.inShape = append(p.inShape[:0], x.Shape...)
	} else {
		p.inShape = nil
	}
	return out, nil
}

func (p *maxPool2D) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if p.inShape == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", p.name)
	}
	dx := tensor.Zeros(p.inShape...)
	for i, g := range grad.Data {
		dx.Data[p.argmax[i]] += g
	}
	return dx, nil
}

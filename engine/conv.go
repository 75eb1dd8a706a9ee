package engine

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/tensor"
)

// conv2D is a cross-correlation layer computed as im2col followed by GEMM,
// one sample per worker.
type conv2D struct {
	name    string
	inC     int
	outC    int
	k       int
	stride  int
	pad     int
	weight  *Parameter
	bias    *Parameter
	workers int

	input   *tensor.Tensor
	outH    int
	outW    int
	cols    [][]float32
	dcols   [][]float32
	dWeight [][]float32
	dBias   [][]float32
}

func (c *conv2D) layerName() string        { return c.name }
func (c *conv2D) parameters() []*Parameter { return nonNilParams(c.weight, c.bias) }

func (c *conv2D) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 || x.Shape[1] != c.inC {
		return nil, errors.Errorf("%s: expected [n, %d, h, w] input, got %v", c.name, c.inC, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	c.outH = (h+2*c.pad-c.k)/c.stride + 1
	c.outW = (w+2*c.pad-c.k)/c.stride + 1
	if c.outH <= 0 || c.outW <= 0 {
		return nil, errors.Errorf("%s: input %dx%d smaller than kernel %d", c.name, h, w, c.k)
	}

	ckk := c.inC * c.k * c.k
	spatial := c.outH * c.outW
	c.cols = ensureScratch(c.cols, c.workers, ckk*spatial)

	out := tensor.Zeros(n, c.outC, c.outH, c.outW)
	wData := c.weight.Value.Data
	parallelFor(n, c.workers, func(worker, i int) {
		col := c.cols[worker][:ckk*spatial]
		c.im2col(x.Row(i), h, w, col)
		o := out.Row(i)
		gemm(false, false, c.outC, spatial, ckk, 1, wData, col, 0, o)
		if c.bias != nil {
			for oc, b := range c.bias.Value.Data {
				plane := o[oc*spatial : (oc+1)*spatial]
				for j := range plane {
					plane[j] += b
				}
			}
		}
	})

	if training {
		c.input = x
	} else {
		c.input = nil
	}
	return out, nil
}

func (c *conv2D) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", c.name)
	}
	x := c.input
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	ckk := c.inC * c.k * c.k
	spatial := c.outH * c.outW

	c.cols = ensureScratch(c.cols, c.workers, ckk*spatial)
	c.dcols = ensureScratch(c.dcols, c.workers, ckk*spatial)
	c.dWeight = ensureScratch(c.dWeight, c.workers, c.outC*ckk)
	c.dBias = ensureScratch(c.dBias, c.workers, c.outC)
	for wk := 0; wk < len(c.dWeight); wk++ {
		zero(c.dWeight[wk][:c.outC*ckk])
		zero(c.dBias[wk][:c.outC])
	}

	dx := tensor.Zeros(x.Shape...)
	wData := c.weight.Value.Data
	parallelFor(n, c.workers, func(worker, i int) {
		g := grad.Row(i)
		col := c.cols[worker][:ckk*spatial]
		dcol := c.dcols[worker][:ckk*spatial]

		c.im2col(x.Row(i), h, w, col)
		// dW += g_i * col^T
		gemm(false, true, c.outC, ckk, spatial, 1, g, col, 1, c.dWeight[worker][:c.outC*ckk])
		// dcol = W^T * g_i
		gemm(true, false, ckk, spatial, c.outC, 1, wData, g, 0, dcol)
		c.col2im(dcol, h, w, dx.Row(i))

		db := c.dBias[worker]
		for oc := 0; oc < c.outC; oc++ {
			var s float32
			for _, v := range g[oc*spatial : (oc+1)*spatial] {
				s += v
			}
			db[oc] += s
		}
	})

	for wk := range c.dWeight {
		axpy(c.weight.Grad.Data, c.dWeight[wk][:c.outC*ckk])
		if c.bias != nil {
			axpy(c.bias.Grad.Data, c.dBias[wk][:c.outC])
		}
	}
	return dx, nil
}

// im2col lays out every receptive field of one CHW sample as a column:
// col has shape [inC*k*k, outH*outW].
func (c *conv2D) im2col(src []float32, h, w int, col []float32) {
	spatial := c.outH * c.outW
	row := 0
	for ch := 0; ch < c.inC; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < c.k; ky++ {
			for kx := 0; kx < c.k; kx++ {
				dst := col[row*spatial : (row+1)*spatial]
				p := 0
				for oy := 0; oy < c.outH; oy++ {
					iy := oy*c.stride - c.pad + ky
					if iy < 0 || iy >= h {
						for ox := 0; ox < c.outW; ox++ {
							dst[p] = 0
							p++
						}
						continue
					}
					srcRow := plane[iy*w : (iy+1)*w]
					for ox := 0; ox < c.outW; ox++ {
						ix := ox*c.stride - c.pad + kx
						if ix < 0 || ix >= w {
							dst[p] = 0
						} else {
							dst[p] = srcRow[ix]
						}
						p++
					}
				}
				row++
			}
		}
	}
}

// col2im scatters column gradients back onto a CHW sample, accumulating
// where receptive fields overlap.
func (c *conv2D) col2im(col []float32, h, w int, dst []float32) {
	spatial := c.outH * c.outW
	row := 0
	for ch := 0; ch < c.inC; ch++ {
		plane := dst[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < c.k; ky++ {
			for kx := 0; kx < c.k; kx++ {
				src := col[row*spatial : (row+1)*spatial]
				p := 0
				for oy := 0; oy < c.outH; oy++ {
					iy := oy*c.stride - c.pad + ky
					if iy < 0 || iy >= h {
						p += c.outW
						continue
					}
					dstRow := plane[iy*w : (iy+1)*w]
					for ox := 0; ox < c.outW; ox++ {
						ix := ox*c.stride - c.pad + kx
						if ix >= 0 && ix < w {
							dstRow[ix] += src[p]
						}
						p++
					}
				}
				row++
			}
		}
	}
}

func ensureScratch(bufs [][]float32, workers, size int) [][]float32 {
	if len(bufs) < workers {
		bufs = append(bufs, make([][]float32, workers-len(bufs))...)
	}
	for i := range bufs {
		if cap(bufs[i]) < size {
			bufs[i] = make([]float32, size)
		}
		bufs[i] = bufs[i][:cap(bufs[i])]
	}
	return bufs
}

func zero(v []float32) {
	for i := range v {
		v[i] = 0
	}
}

// axpy adds src to dst element-wise.
func axpy(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

package engine

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/checkpoints"
	"github.com/tsawler/go-asl/layers"
	"github.com/tsawler/go-asl/tensor"
)

// Kernel initialisation schemes.
const (
	GlorotUniform = "glorot_uniform"
	HeNormal      = "he_normal"
)

// Config controls engine construction.
type Config struct {
	Seed        int64  // seeds weight initialisation and dropout masks
	Workers     int    // goroutines for per-sample work, <= 0 means DefaultWorkers()
	Initializer string // GlorotUniform (default) or HeNormal
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Seed:        42,
		Workers:     DefaultWorkers(),
		Initializer: GlorotUniform,
	}
}

// Parameter is a learnable tensor and its accumulated gradient.
type Parameter struct {
	Name  string // "<layer>.weight" or "<layer>.bias"
	Layer string
	Kind  string // "weight" or "bias"
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

type layer interface {
	layerName() string
	parameters() []*Parameter
	forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor) (*tensor.Tensor, error)
}

// ModelEngine executes a compiled ModelSpec on the CPU. It is not safe for
// concurrent use: Forward caches the activations Backward consumes.
type ModelEngine struct {
	spec    *layers.ModelSpec
	layers  []layer
	params  []*Parameter
	rng     *rand.Rand
	trained bool
	workers int
}

// NewModelEngine instantiates every layer of spec and initialises its
// parameters: kernels per cfg.Initializer, biases to zero.
func NewModelEngine(spec *layers.ModelSpec, cfg Config) (*ModelEngine, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model spec must be compiled")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.Initializer == "" {
		cfg.Initializer = GlorotUniform
	}
	if cfg.Initializer != GlorotUniform && cfg.Initializer != HeNormal {
		return nil, errors.Errorf("unknown initializer %q", cfg.Initializer)
	}

	e := &ModelEngine{
		spec:    spec,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		workers: cfg.Workers,
	}

	for i := range spec.Layers {
		ls := &spec.Layers[i]
		l, err := e.buildLayer(ls, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build layer %d (%s)", i, ls.Name)
		}
		e.layers = append(e.layers, l)
		e.params = append(e.params, l.parameters()...)
	}
	return e, nil
}

func (e *ModelEngine) buildLayer(ls *layers.LayerSpec, cfg Config) (layer, error) {
	switch ls.Type {
	case layers.Conv2D:
		c := &conv2D{
			name:    ls.Name,
			inC:     ls.IntParam("input_channels", 0),
			outC:    ls.IntParam("output_channels", 0),
			k:       ls.IntParam("kernel_size", 0),
			stride:  ls.IntParam("stride", 1),
			pad:     ls.IntParam("padding", 0),
			workers: e.workers,
		}
		if c.inC <= 0 || c.outC <= 0 || c.k <= 0 {
			return nil, errors.New("conv layer is missing compiled channel or kernel parameters")
		}
		c.weight = newParameter(ls.Name, "weight", c.outC, c.inC, c.k, c.k)
		e.initKernel(cfg.Initializer, c.weight, c.inC*c.k*c.k, c.outC*c.k*c.k)
		if ls.BoolParam("use_bias", true) {
			c.bias = newParameter(ls.Name, "bias", c.outC)
		}
		return c, nil

	case layers.Dense:
		d := &dense{
			name: ls.Name,
			in:   ls.IntParam("input_size", 0),
			out:  ls.IntParam("output_size", 0),
		}
		if d.in <= 0 || d.out <= 0 {
			return nil, errors.New("dense layer is missing compiled size parameters")
		}
		d.weight = newParameter(ls.Name, "weight", d.in, d.out)
		e.initKernel(cfg.Initializer, d.weight, d.in, d.out)
		if ls.BoolParam("use_bias", true) {
			d.bias = newParameter(ls.Name, "bias", d.out)
		}
		return d, nil

	case layers.MaxPool2D:
		size := ls.IntParam("pool_size", 2)
		return &maxPool2D{name: ls.Name, size: size, stride: ls.IntParam("stride", size), workers: e.workers}, nil
	case layers.Flatten:
		return &flatten{name: ls.Name}, nil
	case layers.ReLU:
		return &relu{name: ls.Name}, nil
	case layers.LeakyReLU:
		return &leakyReLU{name: ls.Name, slope: ls.FloatParam("negative_slope", 0.01)}, nil
	case layers.ELU:
		return &elu{name: ls.Name, alpha: ls.FloatParam("alpha", 1.0)}, nil
	case layers.Softmax:
		return &softmax{name: ls.Name}, nil
	case layers.Dropout:
		return &dropout{name: ls.Name, rate: ls.FloatParam("rate", 0), rng: e.rng}, nil
	default:
		return nil, errors.Errorf("unsupported layer type: %s", ls.Type)
	}
}

func (e *ModelEngine) initKernel(scheme string, p *Parameter, fanIn, fanOut int) {
	if scheme == HeNormal {
		initializeHe(e.rng, p.Value, fanIn)
		return
	}
	initializeGlorot(e.rng, p.Value, fanIn, fanOut)
}

func newParameter(layerName, kind string, shape ...int) *Parameter {
	return &Parameter{
		Name:  layerName + "." + kind,
		Layer: layerName,
		Kind:  kind,
		Value: tensor.Zeros(shape...),
		Grad:  tensor.Zeros(shape...),
	}
}

func nonNilParams(ps ...*Parameter) []*Parameter {
	out := make([]*Parameter, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Spec returns the model specification the engine was built from.
func (e *ModelEngine) Spec() *layers.ModelSpec {
	return e.spec
}

// Parameters returns learnable parameters in layer order.
func (e *ModelEngine) Parameters() []*Parameter {
	return e.params
}

// Workers returns the per-sample parallelism.
func (e *ModelEngine) Workers() int {
	return e.workers
}

// Forward runs x through every layer. With training set, dropout is active
// and activations are cached for Backward. The batch dimension of x may
// differ from the compiled one; the remaining dimensions must match.
func (e *ModelEngine) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := e.checkInput(x); err != nil {
		return nil, err
	}
	out := x
	for _, l := range e.layers {
		var err error
		out, err = l.forward(out, training)
		if err != nil {
			return nil, errors.Wrapf(err, "forward pass failed at layer %s", l.layerName())
		}
	}
	e.trained = training
	return out, nil
}

// Predict runs inference: dropout disabled, nothing cached.
func (e *ModelEngine) Predict(x *tensor.Tensor) (*tensor.Tensor, error) {
	return e.Forward(x, false)
}

// Backward propagates grad (dLoss/dOutput) through the network and
// accumulates parameter gradients. Forward must have been called with
// training set.
func (e *ModelEngine) Backward(grad *tensor.Tensor) error {
	if !e.trained {
		return errors.New("backward requires a preceding training forward pass")
	}
	g := grad
	for i := len(e.layers) - 1; i >= 0; i-- {
		var err error
		g, err = e.layers[i].backward(g)
		if err != nil {
			return errors.Wrapf(err, "backward pass failed at layer %s", e.layers[i].layerName())
		}
	}
	return nil
}

// ZeroGrad clears every accumulated gradient.
func (e *ModelEngine) ZeroGrad() {
	for _, p := range e.params {
		p.Grad.Fill(0)
	}
}

func (e *ModelEngine) checkInput(x *tensor.Tensor) error {
	want := e.spec.InputShape
	if x == nil || x.Dim() != len(want) {
		return errors.Errorf("input must have %d dimensions matching %v", len(want), want)
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return errors.Errorf("input shape %v incompatible with model input %v", x.Shape, want)
		}
	}
	return nil
}

// ExtractWeights copies every parameter into checkpoint form.
func (e *ModelEngine) ExtractWeights() []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, 0, len(e.params))
	for _, p := range e.params {
		data := make([]float32, p.Value.Numel())
		copy(data, p.Value.Data)
		weights = append(weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
			Layer: p.Layer,
			Type:  p.Kind,
		})
	}
	return weights
}

// LoadWeights overwrites parameters by name. Every parameter must be
// present with a matching shape.
func (e *ModelEngine) LoadWeights(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	if len(byName) != len(e.params) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(byName), len(e.params))
	}
	for _, p := range e.params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("missing weight %s", p.Name)
		}
		if !sameShape(w.Shape, p.Value.Shape) || len(w.Data) != p.Value.Numel() {
			return errors.Errorf("shape mismatch for weight %s: parameter %v vs weight %v (%d values)",
				p.Name, p.Value.Shape, w.Shape, len(w.Data))
		}
	}
	for _, p := range e.params {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

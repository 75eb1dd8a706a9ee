package layers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	Flatten
	LeakyReLU
	ELU
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case Flatten:
		return "Flatten"
	case LeakyReLU:
		return "LeakyReLU"
	case ELU:
		return "ELU"
	default:
		return "Unknown"
	}
}

// ParseLayerType is the inverse of LayerType.String.
func ParseLayerType(s string) (LayerType, error) {
	for lt := Dense; lt <= ELU; lt++ {
		if strings.EqualFold(lt.String(), s) {
			return lt, nil
		}
	}
	return 0, errors.Errorf("unknown layer type %q", s)
}

// LayerSpec defines layer configuration. It carries no execution logic;
// the engine package turns a compiled ModelSpec into runnable layers.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape is NCHW for image
// models, with the batch dimension first.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size is computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddMaxPool2D adds a max pooling layer. Padding is always "valid".
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddFlatten collapses every dimension except the batch dimension
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	})
}

// AddDropout adds a Dropout layer to the model
// rate: fraction of units zeroed during training (0.0 = no dropout)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
// negativeSlope: slope for negative input values (default: 0.01)
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddELU adds an ELU activation to the model
// alpha: controls saturation level for negative inputs (default: 1.0)
func (mb *ModelBuilder) AddELU(alpha float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: ELU,
		Name: name,
		Parameters: map[string]interface{}{
			"alpha": alpha,
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, errors.Errorf("input shape %v must include a batch dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	for i, l := range mb.layers {
		l.Parameters = copyParams(l.Parameters)
		model.Layers[i] = l
	}

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%s_%d", strings.ToLower(layer.Type.String()), i)
		}

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case Flatten:
		return computeFlattenInfo(inputShape)
	case Dropout:
		rate := layer.FloatParam("rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, 0, errors.Errorf("dropout rate %g must be in [0, 1)", rate)
		}
		return computeActivationInfo(inputShape)
	case ReLU, Softmax, LeakyReLU, ELU:
		return computeActivationInfo(inputShape)
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, errors.New("dense layer requires at least 2D input")
	}

	outputSize := layer.IntParam("output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, errors.New("missing output_size parameter")
	}
	useBias := layer.BoolParam("use_bias", true)
	layer.Parameters["use_bias"] = useBias

	// Dense flattens every non-batch dimension
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := layer.IntParam("output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, errors.New("missing output_channels parameter")
	}
	kernelSize := layer.IntParam("kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}
	stride := layer.IntParam("stride", 1)
	if stride <= 0 {
		return nil, nil, 0, errors.Errorf("stride must be positive, got %d", stride)
	}
	padding := layer.IntParam("padding", 0)
	useBias := layer.BoolParam("use_bias", true)

	batchSize := inputShape[0]
	inputChannels := inputShape[1]
	inputHeight := inputShape[2]
	inputWidth := inputShape[3]

	layer.Parameters["input_channels"] = inputChannels
	layer.Parameters["stride"] = stride
	layer.Parameters["padding"] = padding
	layer.Parameters["use_bias"] = useBias

	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, errors.Errorf("input %dx%d too small for kernel %d", inputHeight, inputWidth, kernelSize)
	}

	outputShape := []int{batchSize, outputChannels, outputHeight, outputWidth}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}
	poolSize := layer.IntParam("pool_size", 2)
	stride := layer.IntParam("stride", poolSize)
	if poolSize <= 0 || stride <= 0 {
		return nil, nil, 0, errors.Errorf("invalid pool size %d / stride %d", poolSize, stride)
	}
	layer.Parameters["pool_size"] = poolSize
	layer.Parameters["stride"] = stride

	outH := (inputShape[2]-poolSize)/stride + 1
	outW := (inputShape[3]-poolSize)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, errors.Errorf("input %dx%d too small for pool %d", inputShape[2], inputShape[3], poolSize)
	}
	return []int{inputShape[0], inputShape[1], outH, outW}, [][]int{}, 0, nil
}

func computeFlattenInfo(inputShape []int) ([]int, [][]int, int64, error) {
	features := 1
	for _, d := range inputShape[1:] {
		features *= d
	}
	return []int{inputShape[0], features}, [][]int{}, 0, nil
}

// Activation layers don't change shape and have no parameters
func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)
	return outputShape, [][]int{}, 0, nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, errors.New("model not compiled - call Compile() first")
	}
	return mb.Compile()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String()))
		sb.WriteString(fmt.Sprintf("  Input:  %v\n", layer.InputShape))
		sb.WriteString(fmt.Sprintf("  Output: %v\n", layer.OutputShape))
		sb.WriteString(fmt.Sprintf("  Params: %d\n\n", layer.ParameterCount))
	}

	return sb.String()
}

// ValidateForTraining checks that a compiled model ends in a probability
// distribution, which categorical cross-entropy requires.
func (ms *ModelSpec) ValidateForTraining() error {
	if !ms.Compiled {
		return errors.New("model not compiled")
	}
	if len(ms.OutputShape) != 2 {
		return errors.Errorf("model output must be 2D [batch, classes], got %v", ms.OutputShape)
	}
	last := ms.Layers[len(ms.Layers)-1]
	if last.Type != Softmax {
		return errors.Errorf("final layer must be Softmax, got %s", last.Type)
	}
	seen := make(map[string]bool, len(ms.Layers))
	for _, l := range ms.Layers {
		if seen[l.Name] {
			return errors.Errorf("duplicate layer name %q", l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// NumClasses returns the width of the model output.
func (ms *ModelSpec) NumClasses() int {
	if len(ms.OutputShape) == 0 {
		return 0
	}
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// WithBatchSize recompiles the spec for a different batch dimension.
func (ms *ModelSpec) WithBatchSize(batch int) (*ModelSpec, error) {
	input := append([]int(nil), ms.InputShape...)
	input[0] = batch
	mb := NewModelBuilder(input)
	for _, l := range ms.Layers {
		mb.AddLayer(LayerSpec{Type: l.Type, Name: l.Name, Parameters: l.Parameters})
	}
	return mb.Compile()
}

// IntParam reads an integer parameter. JSON-decoded specs carry float64.
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return defaultValue
}

// FloatParam reads a float parameter.
func (ls *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	switch v := ls.Parameters[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}

// BoolParam reads a boolean parameter.
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	if v, ok := ls.Parameters[key].(bool); ok {
		return v
	}
	return defaultValue
}

func copyParams(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

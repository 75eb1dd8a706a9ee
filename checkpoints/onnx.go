package checkpoints

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/layers"
)

const (
	onnxIRVersion    = 7
	onnxOpsetVersion = 13

	onnxInputName = "input"
	onnxBatchDim  = "N"
)

// Keys stored in ModelProto.metadata_props.
const (
	metaClassNames   = "class_names"
	metaBatchSize    = "batch_size"
	metaEpoch        = "epoch"
	metaStep         = "step"
	metaLearningRate = "learning_rate"
	metaBestLoss     = "best_loss"
	metaBestAccuracy = "best_accuracy"
	metaTotalSteps   = "total_steps"
	metaRunID        = "run_id"
	metaCreatedAt    = "created_at"
	metaTags         = "tags"
)

// ONNXExporter writes checkpoints as ONNX models. Weights become graph
// initializers; class names and training progress go into metadata_props.
// Optimizer state is not representable in ONNX and is dropped.
type ONNXExporter struct {
	opset int64
}

// NewONNXExporter creates an exporter targeting opset 13.
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{opset: onnxOpsetVersion}
}

// Marshal encodes checkpoint as a serialized ModelProto.
func (e *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}
	graph, err := e.buildGraph(checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build ONNX graph")
	}

	model := &onnxModel{
		IRVersion:       onnxIRVersion,
		ProducerName:    FrameworkName,
		ProducerVersion: FrameworkVersion,
		Domain:          "ai.go-asl",
		ModelVersion:    1,
		DocString:       checkpoint.Metadata.Description,
		Graph:           *graph,
		Opsets:          []onnxOpset{{Domain: "", Version: e.opset}},
	}
	meta, err := exportMetadata(checkpoint)
	if err != nil {
		return nil, err
	}
	model.Metadata = meta
	return model.marshal(), nil
}

func (e *ONNXExporter) buildGraph(checkpoint *Checkpoint) (*onnxGraph, error) {
	spec := checkpoint.ModelSpec
	weights := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weights[w.Name] = w
	}

	g := &onnxGraph{Name: FrameworkName}
	g.Inputs = []onnxValueInfo{valueInfo(onnxInputName, spec.InputShape)}

	current := onnxInputName
	addInit := func(name string) (string, error) {
		w, ok := weights[name]
		if !ok {
			return "", errors.Errorf("missing weight %s", name)
		}
		g.Initializers = append(g.Initializers, onnxTensor{
			Dims:     toInt64s(w.Shape),
			DataType: onnxFloat,
			Name:     w.Name,
			Data:     w.Data,
		})
		return w.Name, nil
	}

	for i := range spec.Layers {
		ls := &spec.Layers[i]
		hasBias := len(ls.ParameterShapes) > 1
		node := onnxNode{Name: ls.Name, Inputs: []string{current}, Outputs: []string{ls.Name}}

		switch ls.Type {
		case layers.Conv2D:
			k := int64(ls.IntParam("kernel_size", 0))
			s := int64(ls.IntParam("stride", 1))
			p := int64(ls.IntParam("padding", 0))
			node.OpType = "Conv"
			node.Attrs = []onnxAttr{
				{Name: "kernel_shape", Type: attrInts, Ints: []int64{k, k}},
				{Name: "strides", Type: attrInts, Ints: []int64{s, s}},
				{Name: "pads", Type: attrInts, Ints: []int64{p, p, p, p}},
			}
			w, err := addInit(ls.Name + ".weight")
			if err != nil {
				return nil, err
			}
			node.Inputs = append(node.Inputs, w)
			if hasBias {
				b, err := addInit(ls.Name + ".bias")
				if err != nil {
					return nil, err
				}
				node.Inputs = append(node.Inputs, b)
			}

		case layers.Dense:
			// Weights are stored [in, out], so MatMul needs no transpose.
			w, err := addInit(ls.Name + ".weight")
			if err != nil {
				return nil, err
			}
			node.OpType = "MatMul"
			node.Inputs = append(node.Inputs, w)
			if hasBias {
				b, err := addInit(ls.Name + ".bias")
				if err != nil {
					return nil, err
				}
				node.Outputs = []string{ls.Name + "_matmul"}
				g.Nodes = append(g.Nodes, node)
				node = onnxNode{
					Name:    ls.Name + "_add_bias",
					OpType:  "Add",
					Inputs:  []string{ls.Name + "_matmul", b},
					Outputs: []string{ls.Name},
				}
			}

		case layers.MaxPool2D:
			size := int64(ls.IntParam("pool_size", 2))
			stride := int64(ls.IntParam("stride", int(size)))
			node.OpType = "MaxPool"
			node.Attrs = []onnxAttr{
				{Name: "kernel_shape", Type: attrInts, Ints: []int64{size, size}},
				{Name: "strides", Type: attrInts, Ints: []int64{stride, stride}},
			}

		case layers.Flatten:
			node.OpType = "Flatten"
			node.Attrs = []onnxAttr{{Name: "axis", Type: attrInt, I: 1}}

		case layers.ReLU:
			node.OpType = "Relu"

		case layers.LeakyReLU:
			node.OpType = "LeakyRelu"
			node.Attrs = []onnxAttr{{Name: "alpha", Type: attrFloat, F: ls.FloatParam("negative_slope", 0.01)}}

		case layers.ELU:
			node.OpType = "Elu"
			node.Attrs = []onnxAttr{{Name: "alpha", Type: attrFloat, F: ls.FloatParam("alpha", 1.0)}}

		case layers.Softmax:
			node.OpType = "Softmax"
			node.Attrs = []onnxAttr{{Name: "axis", Type: attrInt, I: -1}}

		case layers.Dropout:
			// Opset 13 takes the ratio as an optional scalar input.
			ratio := ls.Name + ".ratio"
			g.Initializers = append(g.Initializers, onnxTensor{
				DataType: onnxFloat,
				Name:     ratio,
				Data:     []float32{ls.FloatParam("rate", 0)},
			})
			node.OpType = "Dropout"
			node.Inputs = append(node.Inputs, ratio)

		default:
			return nil, errors.Errorf("layer %s: %s has no ONNX mapping", ls.Name, ls.Type)
		}

		g.Nodes = append(g.Nodes, node)
		current = ls.Name
	}

	out := valueInfo(current, spec.OutputShape)
	g.Outputs = []onnxValueInfo{out}
	return g, nil
}

// valueInfo describes a float tensor whose leading dimension is symbolic.
func valueInfo(name string, shape []int) onnxValueInfo {
	vi := onnxValueInfo{Name: name, ElemType: onnxFloat}
	for i, d := range shape {
		if i == 0 {
			vi.Dims = append(vi.Dims, onnxDim{Param: onnxBatchDim})
			continue
		}
		vi.Dims = append(vi.Dims, onnxDim{Value: int64(d)})
	}
	return vi
}

func exportMetadata(checkpoint *Checkpoint) ([]onnxEntry, error) {
	ts := checkpoint.TrainingState
	md := checkpoint.Metadata
	entries := []onnxEntry{
		{Key: metaBatchSize, Value: strconv.Itoa(checkpoint.ModelSpec.InputShape[0])},
		{Key: metaEpoch, Value: strconv.Itoa(ts.Epoch)},
		{Key: metaStep, Value: strconv.Itoa(ts.Step)},
		{Key: metaTotalSteps, Value: strconv.Itoa(ts.TotalSteps)},
		{Key: metaLearningRate, Value: formatFloat(ts.LearningRate)},
		{Key: metaBestLoss, Value: formatFloat(ts.BestLoss)},
		{Key: metaBestAccuracy, Value: formatFloat(ts.BestAccuracy)},
	}
	if len(checkpoint.ClassNames) > 0 {
		names, err := json.Marshal(checkpoint.ClassNames)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode class names")
		}
		entries = append(entries, onnxEntry{Key: metaClassNames, Value: string(names)})
	}
	if md.RunID != "" {
		entries = append(entries, onnxEntry{Key: metaRunID, Value: md.RunID})
	}
	if !md.CreatedAt.IsZero() {
		entries = append(entries, onnxEntry{Key: metaCreatedAt, Value: md.CreatedAt.Format(time.RFC3339Nano)})
	}
	if len(md.Tags) > 0 {
		entries = append(entries, onnxEntry{Key: metaTags, Value: strings.Join(md.Tags, ",")})
	}
	return entries, nil
}

// ONNXImporter reads ONNX models written by ONNXExporter, or any model
// restricted to the same operator set and layout.
type ONNXImporter struct{}

// NewONNXImporter creates a new importer.
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads and decodes the model at path.
func (im *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	checkpoint, err := im.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to import %s", path)
	}
	return checkpoint, nil
}

// Unmarshal rebuilds a compiled ModelSpec, weights and metadata from a
// serialized ModelProto.
func (im *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	model, err := unmarshalModel(data)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(model.Metadata))
	for _, e := range model.Metadata {
		meta[e.Key] = e.Value
	}

	g := &model.Graph
	if len(g.Inputs) == 0 {
		return nil, errors.New("graph has no inputs")
	}
	inputShape, err := resolveInputShape(g.Inputs[0], meta)
	if err != nil {
		return nil, err
	}

	inits := make(map[string]*onnxTensor, len(g.Initializers))
	for i := range g.Initializers {
		t := &g.Initializers[i]
		if t.DataType != onnxFloat {
			return nil, errors.Errorf("initializer %s has unsupported data type %d", t.Name, t.DataType)
		}
		inits[t.Name] = t
	}

	builder := layers.NewModelBuilder(inputShape)
	var weights []WeightTensor
	takeWeight := func(layerName, kind, initName string) error {
		t, ok := inits[initName]
		if !ok {
			return errors.Errorf("layer %s references missing initializer %s", layerName, initName)
		}
		shape := make([]int, len(t.Dims))
		for i, d := range t.Dims {
			shape[i] = int(d)
		}
		weights = append(weights, WeightTensor{
			Name:  layerName + "." + kind,
			Shape: shape,
			Data:  t.Data,
			Layer: layerName,
			Type:  kind,
		})
		return nil
	}

	for i := 0; i < len(g.Nodes); i++ {
		n := &g.Nodes[i]
		name := n.Name
		switch n.OpType {
		case "Conv":
			if len(n.Inputs) < 2 {
				return nil, errors.Errorf("Conv node %s has no weight input", name)
			}
			w, ok := inits[n.Inputs[1]]
			if !ok || len(w.Dims) != 4 {
				return nil, errors.Errorf("Conv node %s needs a 4D weight initializer", name)
			}
			kernel := intsAttr(n, "kernel_shape", []int64{w.Dims[2], w.Dims[3]})
			strides := intsAttr(n, "strides", []int64{1, 1})
			pads := intsAttr(n, "pads", []int64{0, 0, 0, 0})
			if len(kernel) != 2 || len(strides) != 2 || len(pads) == 0 ||
				kernel[0] != kernel[1] || strides[0] != strides[1] || !uniform(pads) {
				return nil, errors.Errorf("Conv node %s: only square kernels, strides and symmetric pads are supported", name)
			}
			useBias := len(n.Inputs) > 2
			builder.AddConv2D(int(w.Dims[0]), int(kernel[0]), int(strides[0]), int(pads[0]), useBias, name)
			if err := takeWeight(name, "weight", n.Inputs[1]); err != nil {
				return nil, err
			}
			if useBias {
				if err := takeWeight(name, "bias", n.Inputs[2]); err != nil {
					return nil, err
				}
			}

		case "MatMul", "Gemm":
			if len(n.Inputs) < 2 {
				return nil, errors.Errorf("%s node %s has no weight input", n.OpType, name)
			}
			w, ok := inits[n.Inputs[1]]
			if !ok || len(w.Dims) != 2 {
				return nil, errors.Errorf("%s node %s needs a 2D weight initializer", n.OpType, name)
			}
			if n.OpType == "Gemm" && intAttr(n, "transB", 0) != 0 {
				return nil, errors.Errorf("Gemm node %s: transposed weights are not supported", name)
			}
			biasInit := ""
			if n.OpType == "Gemm" && len(n.Inputs) > 2 {
				biasInit = n.Inputs[2]
			}
			// A MatMul followed by an Add of an initializer is one Dense layer.
			if n.OpType == "MatMul" && i+1 < len(g.Nodes) {
				next := &g.Nodes[i+1]
				if next.OpType == "Add" && len(next.Inputs) == 2 && len(n.Outputs) > 0 && next.Inputs[0] == n.Outputs[0] {
					if _, ok := inits[next.Inputs[1]]; ok {
						biasInit = next.Inputs[1]
						i++
					}
				}
			}
			builder.AddDense(int(w.Dims[1]), biasInit != "", name)
			if err := takeWeight(name, "weight", n.Inputs[1]); err != nil {
				return nil, err
			}
			if biasInit != "" {
				if err := takeWeight(name, "bias", biasInit); err != nil {
					return nil, err
				}
			}

		case "MaxPool":
			kernel := intsAttr(n, "kernel_shape", nil)
			if len(kernel) != 2 || kernel[0] != kernel[1] {
				return nil, errors.Errorf("MaxPool node %s: only square kernels are supported", name)
			}
			strides := intsAttr(n, "strides", []int64{1, 1})
			if len(strides) != 2 || strides[0] != strides[1] {
				return nil, errors.Errorf("MaxPool node %s: only equal strides are supported", name)
			}
			builder.AddMaxPool2D(int(kernel[0]), int(strides[0]), name)

		case "Flatten":
			if axis := intAttr(n, "axis", 1); axis != 1 {
				return nil, errors.Errorf("Flatten node %s: only axis=1 is supported, got %d", name, axis)
			}
			builder.AddFlatten(name)

		case "Relu":
			builder.AddReLU(name)

		case "LeakyRelu":
			builder.AddLeakyReLU(floatAttr(n, "alpha", 0.01), name)

		case "Elu":
			builder.AddELU(floatAttr(n, "alpha", 1.0), name)

		case "Softmax":
			builder.AddSoftmax(int(intAttr(n, "axis", -1)), name)

		case "Dropout":
			rate := floatAttr(n, "ratio", 0.5)
			if len(n.Inputs) > 1 && n.Inputs[1] != "" {
				t, ok := inits[n.Inputs[1]]
				if !ok || len(t.Data) != 1 {
					return nil, errors.Errorf("Dropout node %s: ratio must be a scalar initializer", name)
				}
				rate = t.Data[0]
			}
			builder.AddDropout(rate, name)

		default:
			return nil, errors.Errorf("unsupported ONNX operator %s (node %s)", n.OpType, name)
		}
	}

	spec, err := builder.Compile()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile imported model")
	}

	checkpoint := &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata: CheckpointMetadata{
			Version:     model.ProducerVersion,
			Framework:   model.ProducerName,
			Description: model.DocString,
			RunID:       meta[metaRunID],
		},
	}
	if err := importMetadata(checkpoint, meta); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// resolveInputShape replaces a symbolic batch dimension with the recorded
// batch size, falling back to 1.
func resolveInputShape(vi onnxValueInfo, meta map[string]string) ([]int, error) {
	if len(vi.Dims) < 2 {
		return nil, errors.Errorf("input %s must have a batch dimension", vi.Name)
	}
	shape := make([]int, len(vi.Dims))
	for i, d := range vi.Dims {
		switch {
		case d.Param == "" && d.Value > 0:
			shape[i] = int(d.Value)
		case i == 0:
			shape[0] = 1
			if s, ok := meta[metaBatchSize]; ok {
				b, err := strconv.Atoi(s)
				if err != nil || b <= 0 {
					return nil, errors.Errorf("invalid %s metadata %q", metaBatchSize, s)
				}
				shape[0] = b
			}
		default:
			return nil, errors.Errorf("input dimension %d of %s is not fixed", i, vi.Name)
		}
	}
	return shape, nil
}

func importMetadata(checkpoint *Checkpoint, meta map[string]string) error {
	if s, ok := meta[metaClassNames]; ok {
		if err := json.Unmarshal([]byte(s), &checkpoint.ClassNames); err != nil {
			return errors.Wrap(err, "failed to decode class names")
		}
	}
	if s, ok := meta[metaCreatedAt]; ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return errors.Wrap(err, "failed to parse creation time")
		}
		checkpoint.Metadata.CreatedAt = t
	}
	if s, ok := meta[metaTags]; ok && s != "" {
		checkpoint.Metadata.Tags = strings.Split(s, ",")
	}

	ts := &checkpoint.TrainingState
	ints := map[string]*int{metaEpoch: &ts.Epoch, metaStep: &ts.Step, metaTotalSteps: &ts.TotalSteps}
	for key, dst := range ints {
		if s, ok := meta[key]; ok {
			v, err := strconv.Atoi(s)
			if err != nil {
				return errors.Wrapf(err, "invalid %s metadata", key)
			}
			*dst = v
		}
	}
	floats := map[string]*float32{
		metaLearningRate: &ts.LearningRate,
		metaBestLoss:     &ts.BestLoss,
		metaBestAccuracy: &ts.BestAccuracy,
	}
	for key, dst := range floats {
		if s, ok := meta[key]; ok {
			v, err := strconv.ParseFloat(s, 32)
			if err != nil {
				return errors.Wrapf(err, "invalid %s metadata", key)
			}
			*dst = float32(v)
		}
	}
	return nil
}

func findAttr(n *onnxNode, name string) *onnxAttr {
	for i := range n.Attrs {
		if n.Attrs[i].Name == name {
			return &n.Attrs[i]
		}
	}
	return nil
}

func intsAttr(n *onnxNode, name string, def []int64) []int64 {
	if a := findAttr(n, name); a != nil && len(a.Ints) > 0 {
		return a.Ints
	}
	return def
}

func intAttr(n *onnxNode, name string, def int64) int64 {
	if a := findAttr(n, name); a != nil {
		return a.I
	}
	return def
}

func floatAttr(n *onnxNode, name string, def float32) float32 {
	if a := findAttr(n, name); a != nil {
		return a.F
	}
	return def
}

func uniform(vs []int64) bool {
	for _, v := range vs {
		if v != vs[0] {
			return false
		}
	}
	return true
}

func toInt64s(shape []int) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		out[i] = int64(d)
	}
	return out
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

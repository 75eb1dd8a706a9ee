package checkpoints

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-asl/layers"
)

func smallSpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	cfg := layers.DefaultArchitecture()
	cfg.BatchSize = 2
	cfg.ImageSize = 32
	cfg.NumClasses = 4
	cfg.ConvFilters = []int{4, 4, 4}
	cfg.DenseUnits = []int{8, 6}
	spec, err := layers.SignLanguageCNN(cfg)
	require.NoError(t, err)
	return spec
}

// weightsFor produces deterministic, distinct values for every parameter.
func weightsFor(spec *layers.ModelSpec) []WeightTensor {
	var ws []WeightTensor
	kinds := []string{"weight", "bias"}
	seed := float32(0)
	for _, l := range spec.Layers {
		for i, shape := range l.ParameterShapes {
			data := make([]float32, volume(shape))
			for j := range data {
				seed += 0.001
				data[j] = seed - float32(j%7)*0.01
			}
			ws = append(ws, WeightTensor{
				Name:  l.Name + "." + kinds[i],
				Shape: append([]int(nil), shape...),
				Data:  data,
				Layer: l.Name,
				Type:  kinds[i],
			})
		}
	}
	return ws
}

func sampleCheckpoint(t *testing.T) *Checkpoint {
	spec := smallSpec(t)
	return &Checkpoint{
		ModelSpec:  spec,
		Weights:    weightsFor(spec),
		ClassNames: []string{"A", "B", "C", "D"},
		TrainingState: TrainingState{
			Epoch:        3,
			Step:         12,
			LearningRate: 1e-4,
			BestLoss:     0.25,
			BestAccuracy: 0.875,
			TotalSteps:   40,
		},
		Metadata: CheckpointMetadata{
			CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			RunID:       "run-1234",
			Description: "unit test",
			Tags:        []string{"asl", "test"},
		},
	}
}

func assertSameWeights(t *testing.T, want, got []WeightTensor) {
	t.Helper()
	require.Len(t, got, len(want))
	byName := make(map[string]WeightTensor, len(got))
	for _, w := range got {
		byName[w.Name] = w
	}
	for _, w := range want {
		g, ok := byName[w.Name]
		require.True(t, ok, "missing %s", w.Name)
		assert.Equal(t, w.Shape, g.Shape, w.Name)
		assert.Equal(t, w.Data, g.Data, w.Name)
		assert.Equal(t, w.Layer, g.Layer)
		assert.Equal(t, w.Type, g.Type)
	}
}

func TestFormatFromPath(t *testing.T) {
	cases := map[string]CheckpointFormat{
		"model.onnx":    FormatONNX,
		"/tmp/M.ONNX":   FormatONNX,
		"model.json":    FormatJSON,
		"model.json.xz": FormatCompressedJSON,
	}
	for path, want := range cases {
		got, err := FormatFromPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err := FormatFromPath("model.h5")
	assert.Error(t, err)
	_, err = FormatFromPath("model")
	assert.Error(t, err)
}

func TestFormatString(t *testing.T) {
	assert.Equal(t, "ONNX", FormatONNX.String())
	assert.Equal(t, "JSON", FormatJSON.String())
	assert.Equal(t, "JSON+xz", FormatCompressedJSON.String())
	assert.Equal(t, "Unknown", CheckpointFormat(99).String())
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, sampleCheckpoint(t).Validate())
	})

	t.Run("no spec", func(t *testing.T) {
		assert.Error(t, (&Checkpoint{}).Validate())
	})

	t.Run("missing weight", func(t *testing.T) {
		c := sampleCheckpoint(t)
		c.Weights = c.Weights[1:]
		assert.ErrorContains(t, c.Validate(), "missing weight")
	})

	t.Run("wrong shape", func(t *testing.T) {
		c := sampleCheckpoint(t)
		c.Weights[0].Shape = []int{len(c.Weights[0].Data)}
		assert.ErrorContains(t, c.Validate(), "model expects")
	})

	t.Run("data length", func(t *testing.T) {
		c := sampleCheckpoint(t)
		c.Weights[1].Data = c.Weights[1].Data[:1]
		assert.Error(t, c.Validate())
	})

	t.Run("extra weight", func(t *testing.T) {
		c := sampleCheckpoint(t)
		c.Weights = append(c.Weights, WeightTensor{Name: "ghost.weight", Shape: []int{1}, Data: []float32{1}})
		assert.ErrorContains(t, c.Validate(), "declares")
	})

	t.Run("class names", func(t *testing.T) {
		c := sampleCheckpoint(t)
		c.ClassNames = []string{"A", "B"}
		assert.ErrorContains(t, c.Validate(), "class names")
	})
}

func TestRoundTrip(t *testing.T) {
	for _, ext := range []string{".json", ".json.xz", ".onnx"} {
		t.Run(ext, func(t *testing.T) {
			want := sampleCheckpoint(t)
			path := filepath.Join(t.TempDir(), "nested", "model"+ext)

			require.NoError(t, Save(want, path))
			got, err := Load(path)
			require.NoError(t, err)

			assertSameWeights(t, want.Weights, got.Weights)
			assert.Equal(t, want.ClassNames, got.ClassNames)
			assert.Equal(t, want.TrainingState, got.TrainingState)
			assert.Equal(t, want.ModelSpec.InputShape, got.ModelSpec.InputShape)
			assert.Equal(t, want.ModelSpec.OutputShape, got.ModelSpec.OutputShape)
			assert.Equal(t, want.ModelSpec.TotalParameters, got.ModelSpec.TotalParameters)
			require.Len(t, got.ModelSpec.Layers, len(want.ModelSpec.Layers))
			for i, l := range want.ModelSpec.Layers {
				assert.Equal(t, l.Name, got.ModelSpec.Layers[i].Name)
				assert.Equal(t, l.Type, got.ModelSpec.Layers[i].Type)
				assert.Equal(t, l.OutputShape, got.ModelSpec.Layers[i].OutputShape)
			}

			assert.Equal(t, FrameworkName, got.Metadata.Framework)
			assert.Equal(t, FrameworkVersion, got.Metadata.Version)
			assert.Equal(t, "run-1234", got.Metadata.RunID)
			assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
			assert.Equal(t, want.Metadata.Tags, got.Metadata.Tags)
			assert.Equal(t, "unit test", got.Metadata.Description)
		})
	}
}

func TestDropoutRateSurvivesONNX(t *testing.T) {
	want := sampleCheckpoint(t)
	data, err := NewONNXExporter().Marshal(want)
	require.NoError(t, err)

	got, err := NewONNXImporter().Unmarshal(data)
	require.NoError(t, err)
	for i, l := range want.ModelSpec.Layers {
		if l.Type != layers.Dropout {
			continue
		}
		assert.InDelta(t, l.FloatParam("rate", -1), got.ModelSpec.Layers[i].FloatParam("rate", -2), 1e-7)
	}
}

func TestJSONKeepsOptimizerState(t *testing.T) {
	c := sampleCheckpoint(t)
	c.OptimizerState = &OptimizerState{
		Type:       "Adam",
		Parameters: map[string]interface{}{"learning_rate": 0.0001, "step_count": 7.0},
		StateData: []OptimizerTensor{
			{Name: "m_0", Shape: []int{2}, Data: []float32{1, 2}, StateType: "m"},
		},
	}
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, Save(c, path))

	got, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, got.OptimizerState)
	assert.Equal(t, "Adam", got.OptimizerState.Type)
	assert.Equal(t, c.OptimizerState.StateData, got.OptimizerState.StateData)
	assert.Equal(t, 7.0, got.OptimizerState.Parameters["step_count"])
}

func TestSaveFillsMetadata(t *testing.T) {
	c := sampleCheckpoint(t)
	c.Metadata = CheckpointMetadata{}
	require.NoError(t, Save(c, filepath.Join(t.TempDir(), "m.json")))

	assert.Equal(t, FrameworkName, c.Metadata.Framework)
	assert.NotEmpty(t, c.Metadata.RunID)
	assert.False(t, c.Metadata.CreatedAt.IsZero())
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	require.NoError(t, Save(sampleCheckpoint(t), path))
	_, err := Load(path)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestSaveRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	c := sampleCheckpoint(t)
	c.Weights = nil
	assert.Error(t, Save(c, filepath.Join(dir, "model.onnx")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.onnx"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.onnx")
	require.NoError(t, os.WriteFile(garbage, []byte{0xff, 0xff, 0xff}, 0o644))
	_, err = Load(garbage)
	assert.Error(t, err)

	badJSON := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badJSON, []byte("{"), 0o644))
	_, err = Load(badJSON)
	assert.Error(t, err)
}

func TestONNXGraphLayout(t *testing.T) {
	c := sampleCheckpoint(t)
	data, err := NewONNXExporter().Marshal(c)
	require.NoError(t, err)

	model, err := unmarshalModel(data)
	require.NoError(t, err)
	assert.EqualValues(t, onnxIRVersion, model.IRVersion)
	require.Len(t, model.Opsets, 1)
	assert.EqualValues(t, onnxOpsetVersion, model.Opsets[0].Version)

	var ops []string
	for _, n := range model.Graph.Nodes {
		ops = append(ops, n.OpType)
	}
	assert.Equal(t, []string{
		"Conv", "Relu", "MaxPool",
		"Conv", "Relu", "MaxPool",
		"Conv", "Relu", "MaxPool",
		"Flatten",
		"MatMul", "Add", "Relu", "Dropout",
		"MatMul", "Add", "Relu", "Dropout",
		"MatMul", "Add",
		"Softmax",
	}, ops)

	require.Len(t, model.Graph.Inputs, 1)
	in := model.Graph.Inputs[0]
	assert.Equal(t, onnxInputName, in.Name)
	assert.Equal(t, onnxBatchDim, in.Dims[0].Param)
	assert.EqualValues(t, 32, in.Dims[3].Value)

	require.Len(t, model.Graph.Outputs, 1)
	assert.Equal(t, "softmax", model.Graph.Outputs[0].Name)
	assert.EqualValues(t, 4, model.Graph.Outputs[0].Dims[1].Value)
}

func TestONNXDecodesPackedFields(t *testing.T) {
	// A tensor with packed dims and float_data instead of raw_data.
	var b []byte
	var dims []byte
	dims = appendVarintRaw(dims, 2)
	dims = appendVarintRaw(dims, 3)
	b = appendMessage(b, 1, dims)
	b = appendVarint(b, 2, onnxFloat)
	floats := make([]byte, 0, 24)
	for _, v := range []float32{1, 2, 3, 4, 5, 6} {
		floats = appendFloatRaw(floats, v)
	}
	b = appendMessage(b, 4, floats)
	b = appendString(b, 8, "w")

	var tns onnxTensor
	require.NoError(t, tns.unmarshal(b))
	assert.Equal(t, []int64{2, 3}, tns.Dims)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tns.Data)
	assert.Equal(t, "w", tns.Name)
}

func appendVarintRaw(b []byte, v uint64) []byte {
	return protowire.AppendVarint(b, v)
}

func appendFloatRaw(b []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
}

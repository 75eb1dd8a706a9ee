package checkpoints_test

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-asl/checkpoints"
	"github.com/tsawler/go-asl/engine"
	"github.com/tsawler/go-asl/layers"
	"github.com/tsawler/go-asl/tensor"
)

// A model restored from any format must reproduce the saved model's
// predictions exactly.
func TestRestoredEnginePredictsIdentically(t *testing.T) {
	arch := layers.DefaultArchitecture()
	arch.BatchSize = 2
	arch.ImageSize = 24
	arch.NumClasses = 5
	arch.ConvFilters = []int{3, 4, 4}
	arch.DenseUnits = []int{6, 5}
	spec, err := layers.SignLanguageCNN(arch)
	require.NoError(t, err)

	cfg := engine.DefaultConfig()
	cfg.Workers = 2
	src, err := engine.NewModelEngine(spec, cfg)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	x := tensor.Zeros(2, 3, 24, 24)
	for i := range x.Data {
		x.Data[i] = rng.Float32()
	}
	want, err := src.Predict(x)
	require.NoError(t, err)

	ckpt := &checkpoints.Checkpoint{
		ModelSpec:  spec,
		Weights:    src.ExtractWeights(),
		ClassNames: []string{"A", "B", "C", "D", "E"},
	}

	for _, name := range []string{"model.json", "model.json.xz", "model.onnx"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, checkpoints.Save(ckpt, path))

			loaded, err := checkpoints.Load(path)
			require.NoError(t, err)
			assert.Equal(t, ckpt.ClassNames, loaded.ClassNames)

			cfg := engine.DefaultConfig()
			cfg.Seed = 99
			dst, err := engine.NewModelEngine(loaded.ModelSpec, cfg)
			require.NoError(t, err)
			require.NoError(t, dst.LoadWeights(loaded.Weights))

			got, err := dst.Predict(x)
			require.NoError(t, err)
			assert.Equal(t, want.Shape, got.Shape)
			assert.Equal(t, want.Data, got.Data)
		})
	}
}

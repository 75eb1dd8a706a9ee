package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-asl/checkpoints"
	"github.com/tsawler/go-asl/vision/dataset"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

// writeDataset creates one folder per class holding perClass solid PNGs.
func writeDataset(t *testing.T, classes map[string]color.RGBA, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for name, c := range classes {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < perClass; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 8, 8))
			for y := 0; y < 8; y++ {
				for x := 0; x < 8; x++ {
					img.Set(x, y, color.RGBA{c.R, c.G, c.B + uint8(i), 255})
				}
			}
			var buf bytes.Buffer
			require.NoError(t, png.Encode(&buf, img))
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s_%d.png", name, i)), buf.Bytes(), 0o644))
		}
	}
	return root
}

func tinyConfig(t *testing.T, data string) Config {
	cfg := DefaultConfig()
	cfg.DataDir = data
	cfg.OutputPath = filepath.Join(t.TempDir(), "out", "model.onnx")
	cfg.NumClasses = 2
	cfg.ImageSize = 24
	cfg.BatchSize = 4
	cfg.Epochs = 2
	cfg.Workers = 2
	cfg.Quiet = true
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "/kaggle/input/dataset/dataset", cfg.DataDir)
	assert.Equal(t, "/kaggle/working/asl_model.onnx", cfg.OutputPath)
	assert.Equal(t, 0.2, cfg.ValidationSplit)
	assert.Equal(t, 26, cfg.NumClasses)
	assert.Equal(t, 224, cfg.ImageSize)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 30, cfg.Epochs)
	assert.InDelta(t, 1e-4, cfg.LearningRate, 1e-9)
	assert.Equal(t, "constant", cfg.LRSchedule)
}

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := parseFlags([]string{"-data", "/tmp/asl", "-output", "m.json", "-epochs", "3", "-quiet"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/asl", cfg.DataDir)
	assert.Equal(t, "m.json", cfg.OutputPath)
	assert.Equal(t, 3, cfg.Epochs)
	assert.True(t, cfg.Quiet)
	assert.Equal(t, 32, cfg.BatchSize)

	_, err = parseFlags([]string{"-epochs", "0"}, &stderr)
	assert.Error(t, err)
	_, err = parseFlags([]string{"-batch-size", "-1"}, &stderr)
	assert.Error(t, err)
	_, err = parseFlags([]string{"extra"}, &stderr)
	assert.Error(t, err)
	_, err = parseFlags([]string{"-no-such-flag"}, &stderr)
	assert.Error(t, err)

	cfg, err = parseFlags([]string{"-lr-schedule", "cosine"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "cosine", cfg.LRSchedule)
	_, err = parseFlags([]string{"-lr-schedule", "warmup"}, &stderr)
	assert.Error(t, err)
}

func TestRunTrainsAndSavesModel(t *testing.T) {
	data := writeDataset(t, map[string]color.RGBA{
		"A": {R: 200, G: 10, B: 10},
		"B": {R: 10, G: 10, B: 200},
	}, 5)
	cfg := tinyConfig(t, data)

	var progress bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, quietLogger(), &progress))
	assert.Contains(t, progress.String(), "Epoch 2/2")

	ckpt, err := checkpoints.Load(cfg.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ckpt.ClassNames)
	assert.Equal(t, 2, ckpt.ModelSpec.NumClasses())
	assert.Equal(t, []int{4, 3, 24, 24}, ckpt.ModelSpec.InputShape)
	// 8 training images in batches of 4, two epochs.
	assert.Equal(t, 4, ckpt.TrainingState.Step)
}

func TestRunWithLearningRateSchedule(t *testing.T) {
	data := writeDataset(t, map[string]color.RGBA{
		"A": {R: 200, G: 10, B: 10},
		"B": {R: 10, G: 10, B: 200},
	}, 5)
	cfg := tinyConfig(t, data)
	cfg.OutputPath = filepath.Join(t.TempDir(), "model.json")
	cfg.LRSchedule = "cosine"

	require.NoError(t, run(context.Background(), cfg, quietLogger(), nil))
	ckpt, err := checkpoints.Load(cfg.OutputPath)
	require.NoError(t, err)
	// Cosine over two epochs: full rate, then half.
	assert.InDelta(t, cfg.LearningRate/2, ckpt.TrainingState.LearningRate, 1e-9)
}

func TestRunWithoutValidationImages(t *testing.T) {
	// Two files per class: floor(2*0.2) leaves validation empty.
	data := writeDataset(t, map[string]color.RGBA{
		"A": {R: 255},
		"B": {G: 255},
	}, 2)
	cfg := tinyConfig(t, data)
	cfg.OutputPath = filepath.Join(t.TempDir(), "model.json")
	cfg.Epochs = 1

	require.NoError(t, run(context.Background(), cfg, quietLogger(), nil))
	_, err := os.Stat(cfg.OutputPath)
	assert.NoError(t, err)
}

func TestRunFailures(t *testing.T) {
	data := writeDataset(t, map[string]color.RGBA{"A": {R: 1}, "B": {G: 1}}, 5)

	t.Run("MissingDataset", func(t *testing.T) {
		cfg := tinyConfig(t, filepath.Join(t.TempDir(), "absent"))
		assert.Error(t, run(context.Background(), cfg, quietLogger(), nil))
	})

	t.Run("WrongClassCount", func(t *testing.T) {
		cfg := tinyConfig(t, data)
		cfg.NumClasses = 26
		err := run(context.Background(), cfg, quietLogger(), nil)
		assert.ErrorIs(t, err, dataset.ErrClassMismatch)
	})

	t.Run("UnknownOutputFormat", func(t *testing.T) {
		cfg := tinyConfig(t, data)
		cfg.OutputPath = filepath.Join(t.TempDir(), "model.bin")
		assert.Error(t, run(context.Background(), cfg, quietLogger(), nil))
		_, err := os.Stat(cfg.OutputPath)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Cancelled", func(t *testing.T) {
		cfg := tinyConfig(t, data)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, run(ctx, cfg, quietLogger(), nil), context.Canceled)
		_, err := os.Stat(cfg.OutputPath)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestParseFlagsReportsValidationErrors(t *testing.T) {
	for _, args := range [][]string{{"-epochs", "0"}, {"-batch-size", "0"}, {"stray"}} {
		var stderr bytes.Buffer
		_, err := parseFlags(args, &stderr)
		require.Error(t, err, "%v", args)
		assert.Contains(t, stderr.String(), "asl-trainer: "+err.Error(), "%v", args)
		assert.Contains(t, stderr.String(), "-data", "usage follows the error")
	}
}

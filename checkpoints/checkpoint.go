package checkpoints

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/tsawler/go-asl/layers"
)

const (
	FrameworkName    = "go-asl"
	FrameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
	FormatCompressedJSON // JSON inside an xz stream
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	case FormatCompressedJSON:
		return "JSON+xz"
	default:
		return "Unknown"
	}
}

// FormatFromPath picks the format from a file extension:
// .onnx, .json, or .xz (compressed JSON).
func FormatFromPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return FormatONNX, nil
	case ".json":
		return FormatJSON, nil
	case ".xz":
		return FormatCompressedJSON, nil
	default:
		return 0, errors.Errorf("cannot infer checkpoint format from %q (use .onnx, .json or .json.xz)", path)
	}
}

// Checkpoint represents a complete model state: topology, weights, the
// label order the output layer was trained against, and training metadata.
type Checkpoint struct {
	ModelSpec  *layers.ModelSpec `json:"model_spec"`
	Weights    []WeightTensor    `json:"weights"`
	ClassNames []string          `json:"class_names,omitempty"`

	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, velocity, ...)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "velocity", ...
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewRunID returns a fresh identifier for a training run.
func NewRunID() string {
	return uuid.NewString()
}

// Validate checks that the weights cover every parameter the model declares.
func (c *Checkpoint) Validate() error {
	if c.ModelSpec == nil {
		return errors.New("checkpoint has no model spec")
	}
	if !c.ModelSpec.Compiled {
		return errors.New("checkpoint model spec is not compiled")
	}
	byName := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		if len(w.Data) != volume(w.Shape) {
			return errors.Errorf("weight %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
		byName[w.Name] = w
	}
	expected := 0
	for _, l := range c.ModelSpec.Layers {
		kinds := []string{"weight", "bias"}
		for i, shape := range l.ParameterShapes {
			name := l.Name + "." + kinds[i]
			w, ok := byName[name]
			if !ok {
				return errors.Errorf("missing weight %s", name)
			}
			if !equalShape(w.Shape, shape) {
				return errors.Errorf("weight %s has shape %v, model expects %v", name, w.Shape, shape)
			}
			expected++
		}
	}
	if expected != len(byName) {
		return errors.Errorf("checkpoint has %d weights, model declares %d", len(byName), expected)
	}
	if n := len(c.ClassNames); n > 0 && n != c.ModelSpec.NumClasses() {
		return errors.Errorf("checkpoint has %d class names for a %d-way output", n, c.ModelSpec.NumClasses())
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path, replacing any existing file.
// The file is written beside the target and renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if err := checkpoint.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid checkpoint")
	}
	fillMetadata(&checkpoint.Metadata)

	switch cs.format {
	case FormatJSON:
		return writeFileAtomic(path, func(w io.Writer) error {
			return encodeJSON(w, checkpoint)
		})
	case FormatCompressedJSON:
		return writeFileAtomic(path, func(w io.Writer) error {
			return encodeCompressedJSON(w, checkpoint)
		})
	case FormatONNX:
		data, err := NewONNXExporter().Marshal(checkpoint)
		if err != nil {
			return err
		}
		return writeFileAtomic(path, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// LoadCheckpoint loads and validates a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	var (
		checkpoint *Checkpoint
		err        error
	)
	switch cs.format {
	case FormatJSON:
		checkpoint, err = readFile(path, decodeJSON)
	case FormatCompressedJSON:
		checkpoint, err = readFile(path, decodeCompressedJSON)
	case FormatONNX:
		checkpoint, err = NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid checkpoint %s", path)
	}
	return checkpoint, nil
}

// Save infers the format from path and saves.
func Save(checkpoint *Checkpoint, path string) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	return NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path)
}

// Load infers the format from path and loads.
func Load(path string) (*Checkpoint, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

func fillMetadata(md *CheckpointMetadata) {
	if md.Framework == "" {
		md.Framework = FrameworkName
	}
	if md.Version == "" {
		md.Version = FrameworkVersion
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now().UTC()
	}
	if md.RunID == "" {
		md.RunID = NewRunID()
	}
}

func encodeJSON(w io.Writer, checkpoint *Checkpoint) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

func decodeJSON(r io.Reader) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &checkpoint, nil
}

func encodeCompressedJSON(w io.Writer, checkpoint *Checkpoint) error {
	zw, err := xz.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "failed to create xz writer")
	}
	if err := json.NewEncoder(zw).Encode(checkpoint); err != nil {
		zw.Close()
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return errors.Wrap(zw.Close(), "failed to finish xz stream")
}

func decodeCompressedJSON(r io.Reader) (*Checkpoint, error) {
	zr, err := xz.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open xz stream")
	}
	return decodeJSON(zr)
}

func readFile(path string, decode func(io.Reader) (*Checkpoint, error)) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()
	return decode(file)
}

// writeFileAtomic streams into a temporary file in the target directory and
// renames it over path once fully written and synced.
func writeFileAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync checkpoint file")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close checkpoint file")
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrap(err, "failed to set checkpoint permissions")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func equalShape(a, b []int) bool {
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

package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-asl/layers"
)

// ProgressBar renders a single-line, carriage-return refreshed progress bar
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	now         func() time.Time
}

// NewProgressBar creates a progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
}

// Update advances the progress bar to step and replaces its metrics
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar and ends the line
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		fmt.Fprintf(&sb, ", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			fmt.Fprintf(&sb, ", %s=%.2f%%", key, value*100)
		} else {
			fmt.Fprintf(&sb, ", %s=%.4f", key, value)
		}
	}
	sb.WriteString("]")
	fmt.Fprint(pb.out, sb.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a layer-by-layer model overview
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the architecture and parameter totals to out
func (p *ModelArchitecturePrinter) PrintArchitecture(out io.Writer, spec *layers.ModelSpec) {
	fmt.Fprintf(out, "%s(\n", p.modelName)
	for _, layer := range spec.Layers {
		fmt.Fprintf(out, "  %-60s %v\n", formatLayer(layer), layer.OutputShape)
	}
	fmt.Fprintf(out, ")\n")

	paramsMB := float64(spec.TotalParameters*4) / 1024 / 1024
	fmt.Fprintf(out, "Total parameters: %d (%s)\n", spec.TotalParameters, formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(out, "Input size (MB): %.3f\n", shapeMB(spec.InputShape))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", paramsMB)
	fmt.Fprintf(out, "Estimated activations (MB): %.3f\n\n", estimateActivationSize(spec))
}

func formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 0)
		s := layer.IntParam("stride", 1)
		return fmt.Sprintf("(%s): Conv2D(%d, %d, kernel=%dx%d, stride=%d, padding=%d)",
			layer.Name, layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0),
			k, k, s, layer.IntParam("padding", 0))
	case layers.Dense:
		return fmt.Sprintf("(%s): Dense(in=%d, out=%d, bias=%t)",
			layer.Name, layer.IntParam("input_size", 0), layer.IntParam("output_size", 0),
			layer.BoolParam("use_bias", true))
	case layers.MaxPool2D:
		k := layer.IntParam("pool_size", 0)
		return fmt.Sprintf("(%s): MaxPool2D(%dx%d, stride=%d)", layer.Name, k, k, layer.IntParam("stride", k))
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(rate=%.2f)", layer.Name, layer.FloatParam("rate", 0))
	case layers.Softmax:
		return fmt.Sprintf("(%s): Softmax(axis=%d)", layer.Name, layer.IntParam("axis", -1))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type)
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

func shapeMB(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

// estimateActivationSize sums every layer output, doubled for gradients
func estimateActivationSize(spec *layers.ModelSpec) float64 {
	var total float64
	for _, layer := range spec.Layers {
		total += shapeMB(layer.OutputShape)
	}
	return total * 2
}

// TrainingSession drives progress output for a run: an architecture
// printout, one bar per training and validation phase, and a summary line
// per epoch. A session with a nil writer prints nothing.
type TrainingSession struct {
	out             io.Writer
	printer         *ModelArchitecturePrinter
	epochs          int
	stepsPerEpoch   int
	validationSteps int
	currentEpoch    int

	trainProgress      *ProgressBar
	validationProgress *ProgressBar

	trainLoss          float64
	trainAccuracy      float64
	validationLoss     float64
	validationAccuracy float64
}

// NewTrainingSession creates a session for the given run shape
func NewTrainingSession(out io.Writer, modelName string, epochs, stepsPerEpoch, validationSteps int) *TrainingSession {
	return &TrainingSession{
		out:             out,
		printer:         NewModelArchitecturePrinter(modelName),
		epochs:          epochs,
		stepsPerEpoch:   stepsPerEpoch,
		validationSteps: validationSteps,
	}
}

func (ts *TrainingSession) enabled() bool {
	return ts != nil && ts.out != nil
}

// StartTraining prints the model architecture
func (ts *TrainingSession) StartTraining(spec *layers.ModelSpec) {
	if !ts.enabled() {
		return
	}
	ts.printer.PrintArchitecture(ts.out, spec)
	fmt.Fprintln(ts.out, "Starting training...")
}

// StartEpoch begins a new 1-based epoch
func (ts *TrainingSession) StartEpoch(epoch int) {
	if !ts.enabled() {
		return
	}
	ts.currentEpoch = epoch
	ts.trainProgress = NewProgressBar(ts.out, fmt.Sprintf("Epoch %d/%d (Training)", epoch, ts.epochs), ts.stepsPerEpoch)
}

// UpdateTrainingProgress shows the running training loss and accuracy
func (ts *TrainingSession) UpdateTrainingProgress(step int, loss, accuracy float64) {
	if !ts.enabled() {
		return
	}
	ts.trainLoss = loss
	ts.trainAccuracy = accuracy
	ts.trainProgress.Update(step, map[string]float64{"loss": loss, "accuracy": accuracy})
}

// FinishTrainingEpoch completes the training bar
func (ts *TrainingSession) FinishTrainingEpoch() {
	if !ts.enabled() {
		return
	}
	ts.trainProgress.Finish()
}

// StartValidation begins the validation bar
func (ts *TrainingSession) StartValidation() {
	if !ts.enabled() || ts.validationSteps <= 0 {
		return
	}
	ts.validationProgress = NewProgressBar(ts.out,
		fmt.Sprintf("Epoch %d/%d (Validation)", ts.currentEpoch, ts.epochs), ts.validationSteps)
}

// UpdateValidationProgress shows the running validation loss and accuracy
func (ts *TrainingSession) UpdateValidationProgress(step int, loss, accuracy float64) {
	if !ts.enabled() || ts.validationProgress == nil {
		return
	}
	ts.validationLoss = loss
	ts.validationAccuracy = accuracy
	ts.validationProgress.Update(step, map[string]float64{"val_loss": loss, "val_accuracy": accuracy})
}

// FinishValidationEpoch completes the validation bar
func (ts *TrainingSession) FinishValidationEpoch() {
	if !ts.enabled() || ts.validationProgress == nil {
		return
	}
	ts.validationProgress.Finish()
}

// PrintEpochSummary prints the final metrics of the current epoch
func (ts *TrainingSession) PrintEpochSummary() {
	if !ts.enabled() {
		return
	}
	fmt.Fprintf(ts.out, "Epoch %d/%d - loss: %.4f - accuracy: %.4f",
		ts.currentEpoch, ts.epochs, ts.trainLoss, ts.trainAccuracy)
	if ts.validationSteps > 0 {
		fmt.Fprintf(ts.out, " - val_loss: %.4f - val_accuracy: %.4f", ts.validationLoss, ts.validationAccuracy)
	}
	fmt.Fprintln(ts.out)
}

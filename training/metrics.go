package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/tensor"
)

// CategoricalAccuracy counts rows whose predicted argmax equals the
// target argmax.
func CategoricalAccuracy(predicted, target *tensor.Tensor) (int, error) {
	if err := checkPair(predicted, target); err != nil {
		return 0, err
	}
	correct := 0
	for r := 0; r < predicted.Shape[0]; r++ {
		if tensor.Argmax(predicted.Row(r)) == tensor.Argmax(target.Row(r)) {
			correct++
		}
	}
	return correct, nil
}

// Meter keeps a sample-weighted running mean.
type Meter struct {
	sum   float64
	count int
}

// Add records value as the mean over n samples.
func (m *Meter) Add(value float64, n int) {
	m.sum += value * float64(n)
	m.count += n
}

// Mean returns the running mean, or 0 before anything was added.
func (m *Meter) Mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Count returns the number of samples seen.
func (m *Meter) Count() int {
	return m.count
}

// Reset clears the meter.
func (m *Meter) Reset() {
	*m = Meter{}
}

// MetricType represents the multi-class metrics a ConfusionMatrix reports
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// UpdateFromPredictions adds one batch of probability rows and one-hot
// targets.
func (cm *ConfusionMatrix) UpdateFromPredictions(predicted, target *tensor.Tensor) error {
	if err := checkPair(predicted, target); err != nil {
		return err
	}
	if predicted.Shape[1] != cm.NumClasses {
		return errors.Errorf("predictions have %d classes, matrix has %d", predicted.Shape[1], cm.NumClasses)
	}
	for r := 0; r < predicted.Shape[0]; r++ {
		cm.Matrix[tensor.Argmax(target.Row(r))][tensor.Argmax(predicted.Row(r))]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy returns the fraction of samples on the diagonal
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassRecall returns the recall of class c (0 when it has no samples).
func (cm *ConfusionMatrix) ClassRecall(c int) float64 {
	total := 0
	for _, v := range cm.Matrix[c] {
		total += v
	}
	if total == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(total)
}

// ClassPrecision returns the precision of class c (0 when never predicted).
func (cm *ConfusionMatrix) ClassPrecision(c int) float64 {
	total := 0
	for i := 0; i < cm.NumClasses; i++ {
		total += cm.Matrix[i][c]
	}
	if total == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(total)
}

// GetMetric returns the requested metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case MacroPrecision:
		return cm.macro(cm.ClassPrecision)
	case MacroRecall:
		return cm.macro(cm.ClassRecall)
	case MacroF1:
		return f1(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	case MicroPrecision, MicroRecall, MicroF1:
		// Every sample is exactly one prediction, so all micro averages
		// collapse to accuracy.
		return cm.GetAccuracy()
	default:
		return 0
	}
}

func (cm *ConfusionMatrix) macro(per func(int) float64) float64 {
	if cm.NumClasses == 0 {
		return 0
	}
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += per(c)
	}
	return sum / float64(cm.NumClasses)
}

func f1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// Report renders per-class precision and recall, labelled by classNames
// when it has one entry per class.
func (cm *ConfusionMatrix) Report(classNames []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-10s %9s %9s %7s\n", "class", "precision", "recall", "support")
	for c := 0; c < cm.NumClasses; c++ {
		name := fmt.Sprintf("%d", c)
		if len(classNames) == cm.NumClasses {
			name = classNames[c]
		}
		support := 0
		for _, v := range cm.Matrix[c] {
			support += v
		}
		fmt.Fprintf(&sb, "%-10s %9.4f %9.4f %7d\n", name, cm.ClassPrecision(c), cm.ClassRecall(c), support)
	}
	fmt.Fprintf(&sb, "accuracy %.4f, macro-F1 %.4f over %d samples\n",
		cm.GetAccuracy(), cm.GetMetric(MacroF1), cm.TotalSamples)
	return sb.String()
}

package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler maps an epoch to a learning rate. The trainer asks once at the
// start of every epoch; GetLR must not change the scheduler.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64
	GetName() string
}

// MetricScheduler is an LRScheduler that also sees the monitored loss at the
// end of each epoch.
type MetricScheduler interface {
	LRScheduler
	Step(metric float64, currentLR float64) float64
}

// Schedule names understood by NewScheduler.
const (
	ScheduleConstant    = "constant"
	ScheduleStep        = "step"
	ScheduleExponential = "exponential"
	ScheduleCosine      = "cosine"
	SchedulePlateau     = "plateau"
)

// finalDecay is the fraction of the base rate the decaying schedules reach
// on the last epoch of a run.
const finalDecay = 0.01

// NewScheduler returns the named schedule sized for a run of epochs epochs:
//
//	constant     fixed rate
//	step         x0.1 at each third of the run
//	exponential  smooth decay to 1% of the base rate on the last epoch
//	cosine       half cosine from the base rate to zero over the run
//	plateau      x0.1 after a tenth of the run (at least 2 epochs) without improvement
func NewScheduler(name string, epochs int) (LRScheduler, error) {
	if epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", epochs)
	}
	switch strings.ToLower(name) {
	case "", ScheduleConstant:
		return &NoOpScheduler{}, nil
	case ScheduleStep:
		return NewStepLRScheduler(max(1, epochs/3), 0.1), nil
	case ScheduleExponential:
		if epochs == 1 {
			return &NoOpScheduler{}, nil
		}
		return NewExponentialLRScheduler(math.Pow(finalDecay, 1/float64(epochs-1))), nil
	case ScheduleCosine:
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	case SchedulePlateau:
		return NewReduceLROnPlateauScheduler(0.1, max(2, epochs/10), 1e-4, "min"), nil
	default:
		return nil, errors.Errorf("unknown learning rate schedule %q", name)
	}
}

// StepLRScheduler multiplies the rate by Gamma every StepSize epochs.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler falls back to three drops over a default-length run and
// a tenfold decay when the arguments are out of range.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = DefaultEpochs / 3
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

// GetLR returns baseLR * Gamma^(epoch/StepSize).
func (s *StepLRScheduler) GetLR(epoch int, _ int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

// GetName returns "StepLR".
func (s *StepLRScheduler) GetName() string { return "StepLR" }

// ExponentialLRScheduler multiplies the rate by Gamma every epoch.
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler uses 0.95 when gamma is not in (0, 1).
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

// GetLR returns baseLR * Gamma^epoch.
func (s *ExponentialLRScheduler) GetLR(epoch int, _ int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

// GetName returns "ExponentialLR".
func (s *ExponentialLRScheduler) GetName() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler follows half a cosine from the base rate down to
// EtaMin over TMax epochs and then holds EtaMin.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler anneals over a default-length run when tMax
// is not positive.
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = DefaultEpochs
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: math.Max(etaMin, 0)}
}

// GetLR returns the annealed rate for epoch.
func (s *CosineAnnealingLRScheduler) GetLR(epoch int, _ int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	progress := float64(epoch) / float64(s.TMax)
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*progress))/2
}

// GetName returns "CosineAnnealingLR".
func (s *CosineAnnealingLRScheduler) GetName() string { return "CosineAnnealingLR" }

// ReduceLROnPlateauScheduler cuts the rate by Factor once the monitored
// metric has failed to improve by more than Threshold for Patience
// consecutive epochs. It is stateful: Step advances it.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string // "min" for losses, "max" for accuracies

	best    float64
	stale   int
	rate    float64
	started bool
}

// NewReduceLROnPlateauScheduler replaces out-of-range arguments with a
// tenfold cut, a patience of 3, a 1e-4 threshold and "min".
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 3
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records an epoch's metric and returns the rate for the next epoch.
// The first call only establishes the baseline.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.started {
		s.best, s.rate, s.started = metric, currentLR, true
		return s.rate
	}
	if s.improves(metric) {
		s.best = metric
		s.stale = 0
		return s.rate
	}
	s.stale++
	if s.stale >= s.Patience {
		s.rate *= s.Factor
		s.stale = 0
	}
	return s.rate
}

func (s *ReduceLROnPlateauScheduler) improves(metric float64) bool {
	if s.Mode == "max" {
		return metric > s.best+s.Threshold
	}
	return metric < s.best-s.Threshold
}

// GetLR returns the current reduced rate, or baseLR before the first Step.
func (s *ReduceLROnPlateauScheduler) GetLR(_ int, _ int, baseLR float64) float64 {
	if !s.started {
		return baseLR
	}
	return s.rate
}

// GetName returns "ReduceLROnPlateau".
func (s *ReduceLROnPlateauScheduler) GetName() string { return "ReduceLROnPlateau" }

// NoOpScheduler keeps the learning rate constant.
type NoOpScheduler struct{}

// GetLR returns baseLR.
func (s *NoOpScheduler) GetLR(_ int, _ int, baseLR float64) float64 { return baseLR }

// GetName returns "ConstantLR".
func (s *NoOpScheduler) GetName() string { return "ConstantLR" }

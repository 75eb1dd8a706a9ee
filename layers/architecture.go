package layers

import (
	"strconv"

	"github.com/pkg/errors"
)

// Fixed dimensions of the sign-language alphabet classifier.
const (
	DefaultImageSize  = 224
	DefaultBatchSize  = 32
	DefaultNumClasses = 26
	InputChannels     = 3
)

// ArchitectureConfig parameterises the classifier topology. The zero value
// is not usable; start from DefaultArchitecture.
type ArchitectureConfig struct {
	BatchSize  int
	ImageSize  int
	NumClasses int

	ConvFilters  []int     // one Conv2D+ReLU+MaxPool block per entry
	KernelSize   int       // square kernel, stride 1, valid padding
	PoolSize     int       // square pool, stride == pool size
	DenseUnits   []int     // hidden Dense+ReLU+Dropout blocks
	DropoutRates []float32 // one rate per DenseUnits entry
}

// DefaultArchitecture returns the 26-class configuration for 224x224 RGB input.
func DefaultArchitecture() ArchitectureConfig {
	return ArchitectureConfig{
		BatchSize:    DefaultBatchSize,
		ImageSize:    DefaultImageSize,
		NumClasses:   DefaultNumClasses,
		ConvFilters:  []int{32, 64, 64},
		KernelSize:   3,
		PoolSize:     2,
		DenseUnits:   []int{128, 64},
		DropoutRates: []float32{0.3, 0.2},
	}
}

// SignLanguageCNN builds and compiles the classifier:
//
//	[Conv2D(f, 3x3) -> ReLU -> MaxPool(2x2)] x len(ConvFilters)
//	-> Flatten
//	-> [Dense(u) -> ReLU -> Dropout(r)] x len(DenseUnits)
//	-> Dense(NumClasses) -> Softmax
func SignLanguageCNN(cfg ArchitectureConfig) (*ModelSpec, error) {
	if cfg.BatchSize <= 0 || cfg.ImageSize <= 0 || cfg.NumClasses <= 0 {
		return nil, errors.Errorf("invalid architecture dimensions: batch=%d image=%d classes=%d",
			cfg.BatchSize, cfg.ImageSize, cfg.NumClasses)
	}
	if len(cfg.DenseUnits) != len(cfg.DropoutRates) {
		return nil, errors.Errorf("got %d dense blocks but %d dropout rates", len(cfg.DenseUnits), len(cfg.DropoutRates))
	}

	builder := NewModelBuilder([]int{cfg.BatchSize, InputChannels, cfg.ImageSize, cfg.ImageSize})
	for i, filters := range cfg.ConvFilters {
		n := strconv.Itoa(i + 1)
		builder.
			AddConv2D(filters, cfg.KernelSize, 1, 0, true, "conv"+n).
			AddReLU("relu"+n).
			AddMaxPool2D(cfg.PoolSize, cfg.PoolSize, "pool"+n)
	}
	builder.AddFlatten("flatten")
	for i, units := range cfg.DenseUnits {
		n := strconv.Itoa(i + 1)
		builder.
			AddDense(units, true, "fc"+n).
			AddReLU("fc"+n+"_relu").
			AddDropout(cfg.DropoutRates[i], "dropout"+n)
	}
	builder.
		AddDense(cfg.NumClasses, true, "output").
		AddSoftmax(-1, "softmax")

	model, err := builder.Compile()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile sign language CNN")
	}
	return model, nil
}

package engine

import (
	"math"
	"math/rand"

	"github.com/tsawler/go-asl/tensor"
)

// initializeGlorot fills t from U(-limit, limit) with
// limit = sqrt(6 / (fanIn + fanOut)).
func initializeGlorot(rng *rand.Rand, t *tensor.Tensor, fanIn, fanOut int) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	initializeUniform(rng, t, -limit, limit)
}

// initializeHe fills t from N(0, 2/fanIn).
func initializeHe(rng *rand.Rand, t *tensor.Tensor, fanIn int) {
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
}

func initializeUniform(rng *rand.Rand, t *tensor.Tensor, min, max float32) {
	for i := range t.Data {
		t.Data[i] = min + (max-min)*rng.Float32()
	}
}

package engine

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// DefaultWorkers returns the number of goroutines used for per-sample
// parallelism: the physical core count when it is known, else GOMAXPROCS.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// CPUSummary describes the host for start-up logging.
func CPUSummary() string {
	simd := "none"
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		simd = "AVX512F"
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		simd = "AVX2+FMA3"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		simd = "NEON"
	}
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores, simd=%s)",
		brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, simd)
}

// parallelFor runs fn(worker, i) for i in [0, n) on at most workers
// goroutines. Each worker index is used by exactly one goroutine, so fn may
// keep per-worker scratch buffers indexed by worker.
func parallelFor(n, workers int, fn func(worker, i int)) {
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(worker, start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(worker, i)
			}
		}(w, start, end)
	}
	wg.Wait()
}

package async

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/vision/dataloader"
)

// ErrStopped is returned by GetBatch once the prefetcher has been stopped.
var ErrStopped = errors.New("prefetcher has been stopped")

// BatchSource is a sequential producer of batches.
type BatchSource interface {
	NextBatch() (*dataloader.Batch, error)
	Len() int
}

// Config holds configuration for a Prefetcher
type Config struct {
	PrefetchDepth int // batches kept ready ahead of the consumer (default: 2)
}

// DefaultConfig returns the default prefetch settings.
func DefaultConfig() Config {
	return Config{PrefetchDepth: 2}
}

type result struct {
	batch *dataloader.Batch
	err   error
}

// Prefetcher loads batches from a BatchSource on a background goroutine
// while the consumer trains on earlier ones. A single producer keeps the
// source's batch order. Prefetcher itself satisfies BatchSource.
type Prefetcher struct {
	source BatchSource
	depth  int

	mu      sync.Mutex
	running bool
	stopped bool
	err     error
	batches chan result
	cancel  context.CancelFunc
	done    chan struct{}

	produced atomic.Uint64
	consumed atomic.Uint64
}

// NewPrefetcher wraps source.
func NewPrefetcher(source BatchSource, config Config) (*Prefetcher, error) {
	if source == nil {
		return nil, errors.New("batch source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = DefaultConfig().PrefetchDepth
	}
	return &Prefetcher{
		source: source,
		depth:  config.PrefetchDepth,
	}, nil
}

// Start launches the background producer. It stops when ctx is cancelled,
// when Stop is called, or after the source returns an error.
func (p *Prefetcher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("prefetcher is already running")
	}
	if p.stopped {
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.batches = make(chan result, p.depth)
	p.done = make(chan struct{})
	p.running = true

	go p.worker(ctx, p.batches, p.done)
	return nil
}

func (p *Prefetcher) worker(ctx context.Context, out chan<- result, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.source.NextBatch()
		if err == nil {
			p.produced.Add(1)
		}
		select {
		case out <- result{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// GetBatch returns the next batch, blocking until one is ready. A source
// error is returned once and then repeated for every later call.
func (p *Prefetcher) GetBatch() (*dataloader.Batch, error) {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	if !p.running {
		p.mu.Unlock()
		if p.stopped {
			return nil, ErrStopped
		}
		return nil, errors.New("prefetcher has not been started")
	}
	batches := p.batches
	p.mu.Unlock()

	r, ok := <-batches
	if !ok {
		return nil, ErrStopped
	}
	if r.err != nil {
		p.mu.Lock()
		p.err = errors.Wrap(r.err, "prefetch failed")
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	p.consumed.Add(1)
	return r.batch, nil
}

// NextBatch is GetBatch; it lets a Prefetcher stand in for its source.
func (p *Prefetcher) NextBatch() (*dataloader.Batch, error) {
	return p.GetBatch()
}

// Len returns the source's batches per epoch.
func (p *Prefetcher) Len() int {
	return p.source.Len()
}

// Stop cancels the producer, discards queued batches and waits for the
// goroutine to exit. It is safe to call more than once.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.running = false
	p.stopped = true
	cancel, batches, done := p.cancel, p.batches, p.done
	p.mu.Unlock()

	cancel()
	for range batches {
	}
	<-done
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		IsRunning:       p.running,
		BatchesProduced: p.produced.Load(),
		BatchesConsumed: p.consumed.Load(),
		QueueCapacity:   p.depth,
	}
	if p.batches != nil {
		stats.QueuedBatches = len(p.batches)
	}
	return stats
}

// Stats provides statistics about a Prefetcher
type Stats struct {
	IsRunning       bool
	BatchesProduced uint64
	BatchesConsumed uint64
	QueuedBatches   int
	QueueCapacity   int
}

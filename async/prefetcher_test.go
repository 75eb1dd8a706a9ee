package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-asl/vision/dataloader"
)

// countingSource hands out batches whose Size is their sequence number,
// failing with failErr once failAt batches have been produced.
type countingSource struct {
	mu      sync.Mutex
	next    int
	failAt  int
	failErr error
	perEp   int
}

func (s *countingSource) NextBatch() (*dataloader.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil && s.next == s.failAt {
		return nil, s.failErr
	}
	s.next++
	return &dataloader.Batch{Size: s.next}, nil
}

func (s *countingSource) Len() int { return s.perEp }

func (s *countingSource) produced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func TestNewPrefetcherDefaults(t *testing.T) {
	_, err := NewPrefetcher(nil, DefaultConfig())
	assert.Error(t, err)

	p, err := NewPrefetcher(&countingSource{perEp: 7}, Config{})
	require.NoError(t, err)
	assert.Equal(t, 7, p.Len())
	assert.Equal(t, 2, p.Stats().QueueCapacity)
	assert.False(t, p.Stats().IsRunning)
}

func TestPrefetcherPreservesOrder(t *testing.T) {
	src := &countingSource{perEp: 3}
	p, err := NewPrefetcher(src, Config{PrefetchDepth: 4})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for want := 1; want <= 20; want++ {
		b, err := p.GetBatch()
		require.NoError(t, err)
		assert.Equal(t, want, b.Size)
	}
	assert.Equal(t, uint64(20), p.Stats().BatchesConsumed)
}

func TestPrefetcherReadsAhead(t *testing.T) {
	src := &countingSource{perEp: 3}
	p, err := NewPrefetcher(src, Config{PrefetchDepth: 3})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// Depth queued plus one blocked on the send.
	assert.Eventually(t, func() bool { return src.produced() == 4 },
		time.Second, time.Millisecond)
	stats := p.Stats()
	assert.True(t, stats.IsRunning)
	assert.Equal(t, 3, stats.QueuedBatches)
	assert.Zero(t, stats.BatchesConsumed)
}

func TestPrefetcherStartTwice(t *testing.T) {
	p, err := NewPrefetcher(&countingSource{}, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	p.Stop()
	assert.ErrorIs(t, p.Start(context.Background()), ErrStopped)
}

func TestPrefetcherNotStarted(t *testing.T) {
	p, err := NewPrefetcher(&countingSource{}, DefaultConfig())
	require.NoError(t, err)
	_, err = p.GetBatch()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrStopped)
}

func TestPrefetcherSourceErrorIsSticky(t *testing.T) {
	boom := errors.New("disk gone")
	src := &countingSource{failAt: 2, failErr: boom}
	p, err := NewPrefetcher(src, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for i := 0; i < 2; i++ {
		_, err := p.NextBatch()
		require.NoError(t, err)
	}
	_, err = p.NextBatch()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "prefetch failed")

	_, err = p.NextBatch()
	assert.ErrorIs(t, err, boom)
}

func TestPrefetcherStop(t *testing.T) {
	p, err := NewPrefetcher(&countingSource{}, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	_, err = p.GetBatch()
	require.NoError(t, err)
	p.Stop()
	p.Stop()

	assert.False(t, p.Stats().IsRunning)
	_, err = p.GetBatch()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPrefetcherContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := NewPrefetcher(&countingSource{}, Config{PrefetchDepth: 1})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	cancel()
	// Queued batches may still drain; the channel then closes.
	deadline := time.After(time.Second)
	for {
		_, err := p.GetBatch()
		if err != nil {
			assert.ErrorIs(t, err, ErrStopped)
			return
		}
		select {
		case <-deadline:
			t.Fatal("prefetcher kept producing after cancel")
		default:
		}
	}
}

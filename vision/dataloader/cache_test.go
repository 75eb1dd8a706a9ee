package dataloader

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheManagerGetPut(t *testing.T) {
	cm := NewCacheManager(5, 2)

	_, ok := cm.Get("missing")
	assert.False(t, ok)

	cm.Put("a", []float32{1, 2})
	data, ok := cm.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, data)

	stats := cm.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 50.0, stats.HitRate)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(8), stats.Bytes)
}

func TestCacheManagerRejectsWrongSize(t *testing.T) {
	cm := NewCacheManager(5, 3)
	cm.Put("short", []float32{1})
	assert.Zero(t, cm.Len())

	disabled := NewCacheManager(0, 0)
	disabled.Put("a", []float32{1})
	assert.Zero(t, disabled.Len())
}

func TestCacheManagerEvictsLeastRecentlyUsed(t *testing.T) {
	cm := NewCacheManager(3, 1)
	for i, key := range []string{"a", "b", "c"} {
		cm.Put(key, []float32{float32(i)})
	}
	// Touch "a" so "b" becomes the oldest.
	_, ok := cm.Get("a")
	require.True(t, ok)

	cm.Put("d", []float32{3})
	assert.Equal(t, 3, cm.Len())
	_, ok = cm.Get("b")
	assert.False(t, ok)
	for _, key := range []string{"a", "c", "d"} {
		_, ok := cm.Get(key)
		assert.True(t, ok, key)
	}
}

func TestCacheManagerPutExistingRefreshes(t *testing.T) {
	cm := NewCacheManager(2, 1)
	cm.Put("a", []float32{1})
	cm.Put("b", []float32{2})
	cm.Put("a", []float32{9})
	cm.Put("c", []float32{3})

	data, ok := cm.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{9}, data)
	_, ok = cm.Get("b")
	assert.False(t, ok)
}

func TestCacheManagerClearKeepsStats(t *testing.T) {
	cm := NewCacheManager(4, 1)
	cm.Put("a", []float32{1})
	cm.Get("a")
	cm.Clear()

	assert.Zero(t, cm.Len())
	_, ok := cm.Get("a")
	assert.False(t, ok)
	stats := cm.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	cm.ResetStats()
	stats = cm.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.HitRate)
}

func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(50, 1)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (w*31+i)%80)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, []float32{float32(i)})
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, cm.Len(), 50)
	stats := cm.Stats()
	assert.Equal(t, int64(1600), stats.Hits+stats.Misses)
}

func TestCacheStatsString(t *testing.T) {
	s := CacheStats{Size: 2, MaxSize: 10, Hits: 3, Misses: 1, HitRate: 75, Bytes: 1024 * 1024}
	assert.Equal(t, "cache: 2/10 items (1.0 MB), hits: 3, misses: 1, hit rate: 75.0%", s.String())
}

package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is a thread-safe LRU cache of preprocessed images keyed by
// file path. It can be shared between DataLoaders.
type CacheManager struct {
	mu       sync.Mutex
	lru      *list.List // front is most recently used
	entries  map[string]*list.Element
	maxSize  int // in items; <= 0 disables caching
	itemSize int // float32 elements per item; 0 accepts any length

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding at most maxSize items of itemSize
// float32 values each.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		lru:      list.New(),
		entries:  make(map[string]*list.Element),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves an item and marks it most recently used. The returned
// slice is shared and must not be modified.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}
	cm.misses++
	return nil, false
}

// Put adds an item, evicting the least recently used ones beyond maxSize.
// Items of the wrong size are not cached.
func (cm *CacheManager) Put(key string, data []float32) {
	if cm.maxSize <= 0 || (cm.itemSize > 0 && len(data) != cm.itemSize) {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		elem.Value.(*cacheEntry).data = data
		cm.lru.MoveToFront(elem)
		return
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})
	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached items.
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
		Bytes:   int64(cm.lru.Len()) * int64(cm.itemSize) * 4,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every item. Statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.lru.Init()
	cm.entries = make(map[string]*list.Element)
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64 // percent
	Bytes   int64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("cache: %d/%d items (%.1f MB), hits: %d, misses: %d, hit rate: %.1f%%",
		cs.Size, cs.MaxSize, float64(cs.Bytes)/1024/1024, cs.Hits, cs.Misses, cs.HitRate)
}

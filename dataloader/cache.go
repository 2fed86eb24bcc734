package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// SampleCache keeps the most recently decoded samples of a dataset. It is
// safe for concurrent use by every worker sharing the dataset.
type SampleCache struct {
	mu      sync.Mutex
	items   map[int]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	idx      int
	features []float64
	label    int
}

// NewSampleCache holds at most maxSize samples.
func NewSampleCache(maxSize int) *SampleCache {
	return &SampleCache{
		items:   make(map[int]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get returns the sample at idx if cached. Callers must not modify features.
func (c *SampleCache) Get(idx int) ([]float64, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[idx]
	if !ok {
		c.misses++
		return nil, 0, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	e := elem.Value.(*cacheEntry)
	return e.features, e.label, true
}

// Put stores a sample, evicting the least recently used one when full.
func (c *SampleCache) Put(idx int, features []float64, label int) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[idx]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	c.items[idx] = c.lru.PushFront(&cacheEntry{idx: idx, features: features, label: label})

	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).idx)
	}
}

// Stats returns a snapshot of the cache statistics
func (c *SampleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d samples, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}

package cache

import (
	"container/list"
	"sync"

	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// MemoryStats holds LRU counters.
type MemoryStats struct {
	Capacity  int
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// MemoryCache is an LRU of published asset metadata. It saves a stat call
// per hit; the file on disk still decides whether an asset exists.
type MemoryCache struct {
	capacity int

	// LRU implementation
	items    map[string]*list.Element
	eviction *list.List

	mu    sync.Mutex
	stats MemoryStats
}

type memoryEntry struct {
	id    string
	asset ttypes.CachedAsset
}

// NewMemoryCache creates an LRU holding up to capacity entries.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		stats:    MemoryStats{Capacity: capacity},
	}
}

// Get retrieves an asset and marks it most recently used.
func (c *MemoryCache) Get(id string) (ttypes.CachedAsset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		c.stats.Misses++
		return ttypes.CachedAsset{}, false
	}
	c.eviction.MoveToFront(elem)
	c.stats.Hits++
	return elem.Value.(*memoryEntry).asset, true
}

// Put stores an asset, evicting the least recently used beyond capacity.
func (c *MemoryCache) Put(id string, asset ttypes.CachedAsset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	asset.Hit = false
	if elem, ok := c.items[id]; ok {
		elem.Value.(*memoryEntry).asset = asset
		c.eviction.MoveToFront(elem)
		return
	}
	c.items[id] = c.eviction.PushFront(&memoryEntry{id: id, asset: asset})
	for c.eviction.Len() > c.capacity {
		c.evictOldest()
	}
}

// Delete removes id if present.
func (c *MemoryCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[id]; ok {
		c.removeElement(elem)
	}
}

// Len returns the number of entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() MemoryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Items = c.eviction.Len()
	return s
}

// evictOldest removes the least recently used item (must be called with lock held).
func (c *MemoryCache) evictOldest() {
	if elem := c.eviction.Back(); elem != nil {
		c.removeElement(elem)
		c.stats.Evictions++
	}
}

// removeElement removes an element from the cache (must be called with lock held).
func (c *MemoryCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	delete(c.items, elem.Value.(*memoryEntry).id)
}

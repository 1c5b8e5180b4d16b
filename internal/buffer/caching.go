package buffer

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"
)

// CacheStats reports CachingBuffer effectiveness.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// CachingBuffer decorates a Buffer of pointers with a cache of weak
// references. A cached element stays reachable only while something else
// (typically the view showing it) holds it; once the garbage collector
// reclaims it, the next Get fetches it from the backing buffer again.
// The backing buffer is always authoritative.
type CachingBuffer[T any] struct {
	mu         sync.Mutex
	backing    Buffer[*T]
	entries    map[uint64]weak.Pointer[T]
	generation uint64

	hits     atomic.Uint64
	misses   atomic.Uint64
	onLookup func(hit bool)
}

type cacheKey[T any] struct {
	index uint64
	ref   weak.Pointer[T]
}

// NewCachingBuffer wraps backing.
func NewCachingBuffer[T any](backing Buffer[*T]) *CachingBuffer[T] {
	return &CachingBuffer[T]{
		backing: backing,
		entries: make(map[uint64]weak.Pointer[T]),
	}
}

// OnLookup registers fn to be called after every Get with whether it was
// served from the cache. A nil fn removes it.
func (c *CachingBuffer[T]) OnLookup(fn func(hit bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLookup = fn
}

// Get returns the element at index, from the cache when it is still live.
func (c *CachingBuffer[T]) Get(index uint64) (*T, error) {
	c.mu.Lock()
	backing := c.backing
	generation := c.generation
	observe := c.onLookup
	if ref, ok := c.entries[index]; ok {
		if v := ref.Value(); v != nil {
			c.mu.Unlock()
			c.hits.Add(1)
			if observe != nil {
				observe(true)
			}
			return v, nil
		}
		delete(c.entries, index)
	}
	c.mu.Unlock()

	c.misses.Add(1)
	if observe != nil {
		observe(false)
	}
	v, err := backing.Get(index)
	if err != nil || v == nil {
		return v, err
	}

	ref := weak.Make(v)
	c.mu.Lock()
	if c.generation == generation {
		if _, exists := c.entries[index]; !exists {
			c.entries[index] = ref
			runtime.AddCleanup(v, c.evict, cacheKey[T]{index: index, ref: ref})
		}
	}
	c.mu.Unlock()
	return v, nil
}

// evict drops the entry for a reclaimed element unless it was replaced.
func (c *CachingBuffer[T]) evict(key cacheKey[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key.index]; ok && cur == key.ref {
		delete(c.entries, key.index)
	}
}

// Size returns the backing buffer's size.
func (c *CachingBuffer[T]) Size() uint64 {
	return c.Backing().Size()
}

// Flush empties the cache. Call it when the backing data changes under
// the cache, for example after the backing buffer was cleared.
func (c *CachingBuffer[T]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]weak.Pointer[T])
	c.generation++
}

// SetBacking swaps the backing buffer and flushes the cache.
func (c *CachingBuffer[T]) SetBacking(b Buffer[*T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing = b
	c.entries = make(map[uint64]weak.Pointer[T])
	c.generation++
}

// Backing returns the current backing buffer.
func (c *CachingBuffer[T]) Backing() Buffer[*T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backing
}

// Growing forwards to the backing buffer.
func (c *CachingBuffer[T]) Growing() bool {
	return IsGrowing(c.Backing())
}

// Changed forwards to the backing buffer.
func (c *CachingBuffer[T]) Changed() <-chan struct{} {
	return ChangedChan(c.Backing())
}

// Stats returns hit/miss counters and the number of cached entries.
func (c *CachingBuffer[T]) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: n,
	}
}

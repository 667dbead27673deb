package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// ShardCount is the number of shards. Must be a power of 2.
	ShardCount = 16

	// DefaultCapacity is the default maximum entries per shard.
	DefaultCapacity = 64

	shardMask = ShardCount - 1
)

// Hasher computes the hash used for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes the FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	if total := s.Hits + s.Misses; total > 0 {
		return float64(s.Hits) / float64(total)
	}
	return 0
}

// ShardedCache is a thread-safe LRU cache split into ShardCount shards.
type ShardedCache[K comparable, V any] struct {
	shards   [ShardCount]shard[K, V]
	hasher   Hasher[K]
	capacity int

	// OnEvict, when set, receives values dropped by eviction, Delete or
	// Clear. It runs with the shard lock held and must not call back into
	// the cache.
	OnEvict func(K, V)

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	lru     lruList[K]
}

type entry[K comparable, V any] struct {
	value V
	node  lruNode[K]
}

// NewSharded creates a cache holding up to capacity entries per shard.
// If capacity <= 0, DefaultCapacity is used.
func NewSharded[K comparable, V any](capacity int, hasher Hasher[K]) *ShardedCache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &ShardedCache[K, V]{hasher: hasher, capacity: capacity}
	for i := range c.shards {
		c.shards[i].entries = make(map[K]*entry[K, V])
	}
	return c
}

func (c *ShardedCache[K, V]) shardFor(key K) *shard[K, V] {
	return &c.shards[c.hasher(key)&shardMask]
}

// Get returns the cached value for key and marks it recently used.
func (c *ShardedCache[K, V]) Get(key K) (V, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	s.lru.moveToFront(&e.node)
	c.hits.Add(1)
	return e.value, true
}

// GetOrCreate returns the cached value or stores the result of create.
// Errors from create are returned and nothing is cached. create runs with
// the shard lock held, so one key is never created twice concurrently.
func (c *ShardedCache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.lru.moveToFront(&e.node)
		c.hits.Add(1)
		return e.value, nil
	}
	c.misses.Add(1)
	value, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.insertLocked(s, key, value)
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (c *ShardedCache[K, V]) Set(key K, value V) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		old := e.value
		e.value = value
		s.lru.moveToFront(&e.node)
		if c.OnEvict != nil {
			c.OnEvict(key, old)
		}
		return
	}
	c.insertLocked(s, key, value)
}

func (c *ShardedCache[K, V]) insertLocked(s *shard[K, V], key K, value V) {
	for s.lru.len >= c.capacity {
		oldest, ok := s.lru.removeOldest()
		if !ok {
			break
		}
		c.dropLocked(s, oldest)
		c.evictions.Add(1)
	}
	e := &entry[K, V]{value: value, node: lruNode[K]{key: key}}
	s.entries[key] = e
	s.lru.pushFront(&e.node)
}

// dropLocked removes key from the map and reports it to OnEvict. The node
// must already be unlinked.
func (c *ShardedCache[K, V]) dropLocked(s *shard[K, V], key K) {
	e := s.entries[key]
	delete(s.entries, key)
	if c.OnEvict != nil && e != nil {
		c.OnEvict(key, e.value)
	}
}

// Delete removes key. It reports whether the key was present.
func (c *ShardedCache[K, V]) Delete(key K) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.lru.unlink(&e.node)
	c.dropLocked(s, key)
	return true
}

// Clear removes every entry.
func (c *ShardedCache[K, V]) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for {
			key, ok := s.lru.removeOldest()
			if !ok {
				break
			}
			c.dropLocked(s, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of entries across all shards.
func (c *ShardedCache[K, V]) Len() int {
	total := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Capacity returns the per-shard capacity.
func (c *ShardedCache[K, V]) Capacity() int { return c.capacity }

// Stats returns current counters.
func (c *ShardedCache[K, V]) Stats() Stats {
	return Stats{
		Len:       c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

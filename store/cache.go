package store

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// ContainerCache is a sharded LRU cache for hash-tree containers. Sharding
// reduces lock contention when many verification workers fetch containers of
// the same tree concurrently.
//
// The cache is what makes the verified-block tracking effective: as long as
// a container stays cached, its checked flag and the tracker's bits survive,
// and re-reads of the same file region short-circuit at the first verified
// level. Once evicted, a container is re-instantiated with the flag clear
// and its blocks are re-proven.
type ContainerCache struct {
	shards     []*cacheShard
	shardCount int
	pool       *BufferPool

	totalHits      atomic.Int64
	totalMisses    atomic.Int64
	totalEvictions atomic.Int64
}

const (
	// DefaultShardCount is the default number of cache shards.
	DefaultShardCount = 16
	// DefaultCacheCapacity is the default total number of cached containers.
	DefaultCacheCapacity = 1024
)

// NewContainerCache creates a sharded cache holding up to capacity
// containers, returning evicted buffers to pool.
func NewContainerCache(capacity int, pool *BufferPool) *ContainerCache {
	return NewContainerCacheWithShards(capacity, DefaultShardCount, pool)
}

// NewContainerCacheWithShards creates a cache with a custom shard count.
func NewContainerCacheWithShards(capacity, shardCount int, pool *BufferPool) *ContainerCache {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	perShard := capacity / shardCount
	if perShard == 0 {
		perShard = 1
	}

	shards := make([]*cacheShard, shardCount)
	for i := range shards {
		shards[i] = newCacheShard(perShard, pool)
	}
	return &ContainerCache{
		shards:     shards,
		shardCount: shardCount,
		pool:       pool,
	}
}

// Get retrieves a container by index. On a hit the container is returned
// with a reference already taken; the caller must Release it.
func (cc *ContainerCache) Get(index uint64) (*Container, bool) {
	c, ok := cc.shard(index).get(index)
	if ok {
		cc.totalHits.Add(1)
	} else {
		cc.totalMisses.Add(1)
	}
	return c, ok
}

// Insert adds a freshly loaded container and returns the canonical cached
// container for its index with a reference taken. If another loader won the
// race, the argument's buffer is returned to the pool and the existing
// container is handed back instead.
func (cc *ContainerCache) Insert(c *Container) *Container {
	canonical, evicted := cc.shard(c.Index).insert(c)
	if evicted {
		cc.totalEvictions.Add(1)
	}
	return canonical
}

// Contains reports whether the index is cached, without touching LRU order
// or reference counts. Used by readahead to skip already-resident containers.
func (cc *ContainerCache) Contains(index uint64) bool {
	return cc.shard(index).contains(index)
}

// Clear drops every unreferenced entry from all shards.
func (cc *ContainerCache) Clear() {
	for _, s := range cc.shards {
		s.clear()
	}
}

// CacheStats reports aggregated cache statistics.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Stats returns aggregated statistics across all shards.
func (cc *ContainerCache) Stats() CacheStats {
	size := 0
	for _, s := range cc.shards {
		size += s.size()
	}
	return CacheStats{
		Hits:      cc.totalHits.Load(),
		Misses:    cc.totalMisses.Load(),
		Evictions: cc.totalEvictions.Load(),
		Size:      size,
	}
}

// HitRate returns the cache hit rate as a percentage.
func (cc *ContainerCache) HitRate() float64 {
	hits := cc.totalHits.Load()
	misses := cc.totalMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total) * 100.0
}

// shard returns the shard owning a container index.
func (cc *ContainerCache) shard(index uint64) *cacheShard {
	h := fnv.New64a()
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], index)
	h.Write(key[:])
	return cc.shards[h.Sum64()%uint64(cc.shardCount)]
}

// cacheEntry links a container into a shard's intrusive LRU list.
type cacheEntry struct {
	cont *Container
	prev *cacheEntry
	next *cacheEntry
}

// cacheShard is a single LRU shard with its own lock.
type cacheShard struct {
	mu sync.Mutex

	entries map[uint64]*cacheEntry

	// Most recently used at head, least at tail.
	head *cacheEntry
	tail *cacheEntry

	maxEntries int
	pool       *BufferPool
}

func newCacheShard(maxEntries int, pool *BufferPool) *cacheShard {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &cacheShard{
		entries:    make(map[uint64]*cacheEntry),
		maxEntries: maxEntries,
		pool:       pool,
	}
}

func (s *cacheShard) get(index uint64) (*Container, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[index]
	if !ok {
		return nil, false
	}
	s.moveToFront(e)
	e.cont.Retain()
	return e.cont, true
}

func (s *cacheShard) contains(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[index]
	return ok
}

func (s *cacheShard) insert(c *Container) (*Container, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[c.Index]; ok {
		// Lost a load race. Keep the resident container so references and
		// verified state stay on one instance.
		s.pool.Dealloc(c.detach())
		s.moveToFront(existing)
		existing.cont.Retain()
		return existing.cont, false
	}

	e := &cacheEntry{cont: c}
	s.entries[c.Index] = e
	s.addToFront(e)
	c.Retain()

	evicted := false
	if len(s.entries) > s.maxEntries {
		evicted = s.evictLRU()
	}
	return c, evicted
}

func (s *cacheShard) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for index, e := range s.entries {
		if e.cont.Refs() > 0 {
			continue
		}
		delete(s.entries, index)
		s.removeFromList(e)
		s.pool.Dealloc(e.cont.detach())
	}
}

func (s *cacheShard) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLRU evicts the least recently used unreferenced entry.
// Must be called with the lock held.
func (s *cacheShard) evictLRU() bool {
	e := s.tail
	for e != nil && e.cont.Refs() > 0 {
		e = e.prev
	}
	if e == nil {
		// Every entry is referenced; let the shard run over capacity.
		return false
	}

	delete(s.entries, e.cont.Index)
	s.removeFromList(e)
	s.pool.Dealloc(e.cont.detach())
	return true
}

// moveToFront moves an entry to the front of the LRU list.
// Must be called with the lock held.
func (s *cacheShard) moveToFront(e *cacheEntry) {
	if e == s.head {
		return
	}
	s.removeFromList(e)
	s.addToFront(e)
}

// addToFront adds an entry to the front of the LRU list.
// Must be called with the lock held.
func (s *cacheShard) addToFront(e *cacheEntry) {
	e.next = s.head
	e.prev = nil
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

// removeFromList unlinks an entry from the LRU list.
// Must be called with the lock held.
func (s *cacheShard) removeFromList(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

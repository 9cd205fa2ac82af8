package store

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/verityfs/verity/log"
)

// TreeStore serves hash-tree containers out of LevelDB through a sharded
// container cache. Thread-safe: LevelDB handles its own synchronization and
// the cache shards carry their own locks.
//
// Containers are keyed by an application-chosen prefix (one per tree)
// followed by the big-endian container index. The store never writes tree
// bytes of its own making; WriteContainer exists so that externally built
// trees can be installed.
type TreeStore struct {
	db    *leveldb.DB
	cache *ContainerCache
	pool  *BufferPool

	containerSize int
	prefix        []byte

	fetches    atomic.Int64
	reads      atomic.Int64
	raReads    atomic.Int64
	notFound   atomic.Int64
	readErrors atomic.Int64
}

// OpenTreeStore opens or creates a LevelDB-backed tree store at path.
// An empty path uses in-memory storage.
func OpenTreeStore(path string, prefix []byte, containerSize, cacheCapacity int) (*TreeStore, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open tree store at %q: %w", path, err)
	}

	pool := NewBufferPool(containerSize)
	return &TreeStore{
		db:            db,
		cache:         NewContainerCache(cacheCapacity, pool),
		pool:          pool,
		containerSize: containerSize,
		prefix:        append([]byte(nil), prefix...),
	}, nil
}

// Close closes the underlying database. Cached containers are dropped.
func (ts *TreeStore) Close() error {
	ts.cache.Clear()
	return ts.db.Close()
}

// ContainerSize returns the size of the store's containers in bytes.
func (ts *TreeStore) ContainerSize() int { return ts.containerSize }

// Cache returns the store's container cache.
func (ts *TreeStore) Cache() *ContainerCache { return ts.cache }

// key builds the database key for a container index.
func (ts *TreeStore) key(index uint64) []byte {
	k := make([]byte, len(ts.prefix)+8)
	copy(k, ts.prefix)
	binary.BigEndian.PutUint64(k[len(ts.prefix):], index)
	return k
}

// WriteContainer installs externally produced container bytes.
// data must be exactly one container long.
func (ts *TreeStore) WriteContainer(index uint64, data []byte) error {
	if len(data) != ts.containerSize {
		return fmt.Errorf("container %d: got %d bytes, want %d", index, len(data), ts.containerSize)
	}
	return ts.db.Put(ts.key(index), data, nil)
}

// FetchContainer returns the container at index with a reference taken; the
// caller must Release it. readahead is a hint to pre-populate up to that
// many following containers into the cache; readahead failures are ignored.
func (ts *TreeStore) FetchContainer(index uint64, readahead uint64) (*Container, error) {
	ts.fetches.Add(1)

	if readahead > 0 {
		ts.prefetch(index+1, readahead)
	}

	if c, ok := ts.cache.Get(index); ok {
		return c, nil
	}

	c, err := ts.load(index)
	if err != nil {
		return nil, err
	}
	return ts.cache.Insert(c), nil
}

// load reads one container from the database into a pooled buffer.
func (ts *TreeStore) load(index uint64) (*Container, error) {
	ts.reads.Add(1)
	data, err := ts.db.Get(ts.key(index), nil)
	if err == leveldb.ErrNotFound {
		ts.notFound.Add(1)
		return nil, fmt.Errorf("hash container %d not found", index)
	}
	if err != nil {
		ts.readErrors.Add(1)
		return nil, fmt.Errorf("reading hash container %d: %w", index, err)
	}
	if len(data) != ts.containerSize {
		ts.readErrors.Add(1)
		return nil, fmt.Errorf("hash container %d: got %d bytes, want %d", index, len(data), ts.containerSize)
	}

	buf := ts.pool.Alloc()
	copy(buf, data)
	return NewContainer(index, buf), nil
}

// prefetch pulls up to count sequential containers into the cache.
// Best effort only: misses and read errors are logged at trace level and
// otherwise ignored, since readahead is purely a hint.
func (ts *TreeStore) prefetch(start, count uint64) {
	for i := uint64(0); i < count; i++ {
		index := start + i
		if ts.cache.Contains(index) {
			continue
		}
		ts.raReads.Add(1)
		c, err := ts.load(index)
		if err != nil {
			log.Trace(log.StoreModule, "readahead miss", "container", index, "err", err)
			return
		}
		ts.cache.Insert(c).Release()
	}
}

// TreeStoreStats reports store counters.
type TreeStoreStats struct {
	Fetches    int64
	Reads      int64
	RAReads    int64
	NotFound   int64
	ReadErrors int64
	Cache      CacheStats
	Pool       BufferPoolStats
}

// Stats returns current store statistics.
func (ts *TreeStore) Stats() TreeStoreStats {
	return TreeStoreStats{
		Fetches:    ts.fetches.Load(),
		Reads:      ts.reads.Load(),
		RAReads:    ts.raReads.Load(),
		NotFound:   ts.notFound.Load(),
		ReadErrors: ts.readErrors.Load(),
		Cache:      ts.cache.Stats(),
		Pool:       ts.pool.Stats(),
	}
}

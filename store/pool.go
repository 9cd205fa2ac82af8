package store

import (
	"sync"
	"sync/atomic"
)

// BufferPool is an allocator for container-sized byte buffers backed by a
// sync.Pool. Buffers handed back on cache eviction are recycled into later
// container loads.
type BufferPool struct {
	size int
	pool *sync.Pool

	allocCount   atomic.Int64
	deallocCount atomic.Int64
}

// NewBufferPool creates a pool of size-byte buffers.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		size: size,
		pool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// BufferSize returns the size of the pool's buffers.
func (bp *BufferPool) BufferSize() int { return bp.size }

// Alloc returns a buffer of the pool's size. The contents are arbitrary;
// callers overwrite the whole buffer when loading a container.
func (bp *BufferPool) Alloc() []byte {
	bp.allocCount.Add(1)
	return *bp.pool.Get().(*[]byte)
}

// Dealloc returns a buffer to the pool. Buffers of the wrong size are
// dropped rather than recycled.
func (bp *BufferPool) Dealloc(b []byte) {
	if len(b) != bp.size {
		return
	}
	bp.deallocCount.Add(1)
	bp.pool.Put(&b)
}

// BufferPoolStats reports allocation counters.
type BufferPoolStats struct {
	AllocCount   int64
	DeallocCount int64
}

// Stats returns current pool statistics.
func (bp *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		AllocCount:   bp.allocCount.Load(),
		DeallocCount: bp.deallocCount.Load(),
	}
}

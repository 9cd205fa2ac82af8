// Package store supplies hash-tree containers to the verification layer: a
// reference-counted container type, a sync.Pool-backed buffer allocator, a
// sharded LRU container cache, and a LevelDB-backed tree store.
package store

import (
	"sync/atomic"
)

// Container is one storage unit of the hash tree, holding one or more hash
// blocks. Containers are shared and read-mostly: the verification layer only
// reads their content and toggles the checked flag, never the data.
//
// The checked flag distinguishes freshly instantiated containers from ones
// that have been seen by the verifier before. A container evicted from the
// cache and re-read from the store comes back as a new Container with the
// flag clear, so any verified state recorded for its blocks is discarded and
// re-proven.
type Container struct {
	// Index is the container's position in the stored tree.
	Index uint64

	data []byte

	refs    atomic.Int32
	checked atomic.Bool
}

// NewContainer wraps freshly loaded container bytes. The container takes
// ownership of data; the checked flag starts clear.
func NewContainer(index uint64, data []byte) *Container {
	return &Container{Index: index, data: data}
}

// Bytes returns a borrowed view of n bytes at off. The view is only valid
// while the caller holds a reference.
func (c *Container) Bytes(off, n int) []byte {
	return c.data[off : off+n : off+n]
}

// Size returns the container size in bytes.
func (c *Container) Size() int { return len(c.data) }

// Retain increments the reference count.
func (c *Container) Retain() { c.refs.Add(1) }

// Release decrements the reference count. The cache only evicts containers
// whose count has returned to zero.
func (c *Container) Release() {
	if c.refs.Add(-1) < 0 {
		panic("store: container released more times than retained")
	}
}

// Refs returns the current reference count.
func (c *Container) Refs() int32 { return c.refs.Load() }

// Checked reports whether the verifier has already initialized this
// container's verified state. The load carries acquire semantics: a true
// result guarantees the bitmap clearing done before SetChecked is visible.
func (c *Container) Checked() bool { return c.checked.Load() }

// SetChecked marks the container as initialized. The store carries release
// semantics with respect to prior writes. Idempotent.
func (c *Container) SetChecked() { c.checked.Store(true) }

// detach surrenders the data buffer for return to a pool. Only the cache
// calls this, on eviction of an unreferenced container.
func (c *Container) detach() []byte {
	d := c.data
	c.data = nil
	return d
}

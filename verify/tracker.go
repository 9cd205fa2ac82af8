package verify

import (
	"sync/atomic"

	"github.com/verityfs/verity/core"
	"github.com/verityfs/verity/store"
)

// BlockTracker records which hash blocks of one tree have already been
// proven against the root, so repeat reads short-circuit their ascent at the
// lowest verified ancestor.
//
// When a container holds exactly one hash block, the container's checked
// flag alone carries the verified state: a container re-instantiated from
// the backing store starts with the flag clear, which is exactly the
// re-verification the protocol needs.
//
// When a container holds several hash blocks, a bitmap tracks each block and
// the checked flag instead marks whether the container's bits have been
// initialized. A fresh container's bits are cleared before the flag is set
// (release on the flag store, acquire on the flag load), so no reader can
// observe flag=true together with stale bits left over from a previous
// instantiation of the same indices.
//
// All operations are lock-free. Concurrent redundant clears and sets are
// idempotent; at worst a hash block is verified more than once.
type BlockTracker struct {
	// words is the per-hash-block bitmap, nil when containers hold a single
	// block.
	words []atomic.Uint32

	blocksPerContainer int
	totalBlocks        uint64
}

// NewBlockTracker allocates tracker state for a tree.
func NewBlockTracker(p *core.TreeParams) *BlockTracker {
	t := &BlockTracker{
		blocksPerContainer: p.BlocksPerContainer,
		totalBlocks:        p.TotalHashBlocks,
	}
	if p.BlocksPerContainer > 1 {
		t.words = make([]atomic.Uint32, (p.TotalHashBlocks+31)/32)
	}
	return t
}

// IsVerified reports whether the hash block with the given tree-wide index,
// located in container c, has already been verified. On the first query
// against a freshly instantiated container it clears the container's bitmap
// bits, marks the container checked, and reports false.
func (t *BlockTracker) IsVerified(c *store.Container, hblockIdx uint64) bool {
	if t.words == nil {
		return c.Checked()
	}

	if c.Checked() {
		return t.testBit(hblockIdx)
	}

	// Fresh container: its bits are untrustworthy. Clear them all, then set
	// the checked flag. Multiple threads may race through here; repeating
	// the clears is harmless and SetChecked is idempotent.
	first := hblockIdx &^ uint64(t.blocksPerContainer-1)
	for i := 0; i < t.blocksPerContainer; i++ {
		idx := first + uint64(i)
		if idx >= t.totalBlocks {
			break
		}
		t.clearBit(idx)
	}
	c.SetChecked()
	return false
}

// MarkVerified records that the hash block's content has been proven
// correct. Atomic and idempotent: the same block may be verified by several
// threads concurrently.
func (t *BlockTracker) MarkVerified(c *store.Container, hblockIdx uint64) {
	if t.words == nil {
		c.SetChecked()
		return
	}
	t.setBit(hblockIdx)
}

func (t *BlockTracker) testBit(idx uint64) bool {
	return t.words[idx/32].Load()&(1<<(idx%32)) != 0
}

func (t *BlockTracker) setBit(idx uint64) {
	// atomic.Uint32.Or requires Go 1.23; emulate it with a CAS loop.
	w := &t.words[idx/32]
	mask := uint32(1) << (idx % 32)
	for {
		old := w.Load()
		if old&mask != 0 || w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func (t *BlockTracker) clearBit(idx uint64) {
	// atomic.Uint32.And requires Go 1.23; emulate it with a CAS loop.
	w := &t.words[idx/32]
	mask := ^(uint32(1) << (idx % 32))
	for {
		old := w.Load()
		if old&^mask == 0 || w.CompareAndSwap(old, old&mask) {
			return
		}
	}
}

package verify

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/verityfs/verity/core"
	"github.com/verityfs/verity/store"
)

// testTree holds an externally "built" Merkle tree for a data buffer:
// the flattened hash blocks packed into containers, plus the root hash.
type testTree struct {
	params     *core.TreeParams
	engine     *core.Engine
	containers map[uint64][]byte
	rootHash   []byte
}

// buildTestTree computes the hash tree for data the way an external builder
// would lay it out: levels stored root first, each hash block packed with
// the digests of the level below and zero padded to the block size.
func buildTestTree(t *testing.T, p *core.TreeParams, e *core.Engine, data []byte) *testTree {
	t.Helper()

	bs := p.BlockSize
	ds := p.DigestSize

	// Zero pad the data to a whole number of blocks.
	if rem := len(data) % bs; rem != 0 {
		data = append(append([]byte(nil), data...), make([]byte, bs-rem)...)
	}

	// Digest every data block.
	var digests [][]byte
	for off := 0; off < len(data); off += bs {
		d := make([]byte, ds)
		if err := e.HashBlock(data[off:off+bs], d); err != nil {
			t.Fatalf("HashBlock: %v", err)
		}
		digests = append(digests, d)
	}

	tree := &testTree{params: p, engine: e, containers: make(map[uint64][]byte)}
	if p.NumLevels == 0 {
		if len(digests) != 1 {
			t.Fatalf("zero-level tree with %d data blocks", len(digests))
		}
		tree.rootHash = digests[0]
		return tree
	}

	// blocks[flattened index] = hash block bytes.
	blocks := make(map[uint64][]byte)
	arity := int(p.Arity())
	for level := 0; level < p.NumLevels; level++ {
		var next [][]byte
		for i := 0; i < len(digests); i += arity {
			blk := make([]byte, bs)
			off := 0
			for j := i; j < len(digests) && j < i+arity; j++ {
				copy(blk[off:], digests[j])
				off += ds
			}
			idx := p.LevelStart[level] + uint64(i/arity)
			blocks[idx] = blk

			d := make([]byte, ds)
			if err := e.HashBlock(blk, d); err != nil {
				t.Fatalf("HashBlock: %v", err)
			}
			next = append(next, d)
		}
		digests = next
	}
	if len(digests) != 1 {
		t.Fatalf("tree did not converge to a single root digest, got %d", len(digests))
	}
	tree.rootHash = digests[0]

	// Pack the flattened blocks into containers.
	bpc := uint64(p.BlocksPerContainer)
	for ci := uint64(0); ci < p.TreeContainers; ci++ {
		c := make([]byte, p.ContainerSize)
		for j := uint64(0); j < bpc; j++ {
			if blk, ok := blocks[ci*bpc+j]; ok {
				copy(c[int(j)*bs:], blk)
			}
		}
		tree.containers[ci] = c
	}
	return tree
}

// corruptHashBlock flips one byte of the stored hash block with the given
// flattened index.
func (tt *testTree) corruptHashBlock(t *testing.T, idx uint64) {
	t.Helper()
	bpc := uint64(tt.params.BlocksPerContainer)
	c, ok := tt.containers[idx/bpc]
	if !ok {
		t.Fatalf("no container for hash block %d", idx)
	}
	c[int(idx%bpc)*tt.params.BlockSize] ^= 0xff
}

// memSource serves containers from a testTree with the instrumentation the
// walker tests need: per-index fetch counts, injectable fetch errors, and
// explicit eviction to simulate cache pressure.
type memSource struct {
	mu   sync.Mutex
	tree *testTree

	// live containers, one per resident index.
	live map[uint64]*store.Container

	fetchCount map[uint64]int
	failAt     map[uint64]error

	raRequests atomic.Int64
}

func newMemSource(tree *testTree) *memSource {
	return &memSource{
		tree:       tree,
		live:       make(map[uint64]*store.Container),
		fetchCount: make(map[uint64]int),
		failAt:     make(map[uint64]error),
	}
}

func (s *memSource) FetchContainer(index uint64, readahead uint64) (*store.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if readahead > 0 {
		s.raRequests.Add(1)
	}
	s.fetchCount[index]++
	if err, ok := s.failAt[index]; ok {
		return nil, err
	}

	if c, ok := s.live[index]; ok {
		c.Retain()
		return c, nil
	}
	data, ok := s.tree.containers[index]
	if !ok {
		return nil, errNoContainer
	}
	c := store.NewContainer(index, append([]byte(nil), data...))
	s.live[index] = c
	c.Retain()
	return c, nil
}

// evict drops the resident container so the next fetch re-instantiates it
// from the (possibly modified) tree bytes with the checked flag clear.
func (s *memSource) evict(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, index)
}

// fetches returns how many times the index was fetched.
func (s *memSource) fetches(index uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCount[index]
}

// assertAllReleased fails the test if any resident container still holds
// references.
func (s *memSource) assertAllReleased(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, c := range s.live {
		if c.Refs() != 0 {
			t.Errorf("container %d still has %d references", idx, c.Refs())
		}
	}
}

var errNoContainer = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "container not found" }

// newTestVerifier builds a params/engine/tree/verifier stack over data.
// blockSize and containerSize control the geometry; alg defaults to sha256.
func newTestVerifier(t *testing.T, blockSize, containerSize int, data []byte, salt []byte) (*Verifier, *testTree, *memSource) {
	t.Helper()

	alg := core.SHA256
	engine, err := core.NewEngine(alg, salt, 4)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	params, err := core.NewTreeParams(alg, blockSize, containerSize, uint64(len(data)), salt)
	if err != nil {
		t.Fatalf("NewTreeParams: %v", err)
	}
	tree := buildTestTree(t, params, engine, data)
	src := newMemSource(tree)
	v, err := NewVerifier(params, engine, tree.rootHash, uint64(len(data)), src)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v, tree, src
}

// blockOfData returns the padded data block at the given block index.
func blockOfData(p *core.TreeParams, data []byte, idx uint64) []byte {
	bs := uint64(p.BlockSize)
	blk := make([]byte, bs)
	off := idx * bs
	if off < uint64(len(data)) {
		copy(blk, data[off:])
	}
	return blk
}

package verity

import (
	"github.com/verityfs/verity/verify"
)

// Options configures a verity File. All tree parameters are external
// inputs, fixed when the tree was built; verity only consumes them.
type Options struct {
	// Algorithm is the hash algorithm name ("sha256", "sha512",
	// "blake2b-256").
	Algorithm string

	// Salt is absorbed into the hash state before every block. May be nil.
	Salt []byte

	// BlockSize is the Merkle tree block size (power of two).
	BlockSize int

	// ContainerSize is the storage unit holding hash blocks. Zero means one
	// block per container.
	ContainerSize int

	// FileSize is the file's size in bytes.
	FileSize uint64

	// RootHash anchors the tree. Immutable after Open.
	RootHash []byte

	// MaxPendingBlocks bounds the multi-message hashing batch.
	// Zero selects the engine default.
	MaxPendingBlocks int

	// Source supplies hash-tree containers, e.g. a store.TreeStore.
	Source verify.ContainerSource
}

// DefaultOptions returns recommended defaults: SHA-256 over 4 KiB blocks
// with one block per container.
func DefaultOptions() Options {
	return Options{
		Algorithm: "sha256",
		BlockSize: 4096,
	}
}

func (o Options) containerSize() int {
	if o.ContainerSize == 0 {
		return o.BlockSize
	}
	return o.ContainerSize
}

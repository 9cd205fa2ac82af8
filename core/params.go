// Package core provides the Merkle tree geometry and the hash engine used by
// the verification layer. A tree is described by an immutable TreeParams
// value computed once when a file is opened; verification never mutates it.
package core

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	// MaxLevels is the maximum number of levels in the hash tree. With the
	// minimum arity of 2 this already covers files far beyond any practical
	// size, and it bounds the fixed-size chain array used during traversal.
	MaxLevels = 8

	// MaxDigestSize is the largest digest size supported (SHA-512).
	MaxDigestSize = 64
)

var (
	// ErrBlockSize is returned when the block size is not a power of two or
	// cannot hold at least two digests.
	ErrBlockSize = errors.New("block size must be a power of two holding at least two digests")
	// ErrContainerSize is returned when the container size is not a
	// power-of-two multiple of the block size.
	ErrContainerSize = errors.New("container size must be a power-of-two multiple of the block size")
	// ErrTooManyLevels is returned when the file would need a deeper tree
	// than MaxLevels.
	ErrTooManyLevels = errors.New("file too large: hash tree exceeds maximum depth")
)

// TreeParams describes the geometry of a file's Merkle hash tree.
//
// Levels are numbered 0 (closest to the data) through NumLevels-1 (closest to
// the root). The tree is stored root level first, so LevelStart[NumLevels-1]
// is 0 and LevelStart values are strictly decreasing toward level 0. Each
// hash block holds Arity() digests of the level below; the root hash covers
// the single block of the top level (or the lone data block when NumLevels
// is zero).
type TreeParams struct {
	// Algorithm is the hash algorithm used for every block in the tree.
	Algorithm *HashAlgorithm

	// Salt is absorbed into the hash state before every block. May be nil.
	Salt []byte

	BlockSize     int
	DigestSize    int
	LogBlockSize  uint
	LogArity      uint
	LogDigestSize uint

	// NumLevels is the number of hash levels. Zero for single-block files.
	NumLevels int

	// LevelStart[level] is the index of the level's first hash block in the
	// flattened block numbering of the stored tree.
	LevelStart [MaxLevels]uint64

	// TotalHashBlocks is the number of hash blocks across all levels.
	TotalHashBlocks uint64

	// Containers group one or more hash blocks into the unit fetched from
	// the backing store.
	ContainerSize         int
	LogContainerSize      uint
	BlocksPerContainer    int
	LogBlocksPerContainer uint

	// TreeContainers is the number of containers holding the whole tree.
	TreeContainers uint64
}

// NewTreeParams computes the tree geometry for a file of fileSize bytes.
//
// blockSize and containerSize must be powers of two with
// containerSize >= blockSize. The arity is blockSize / digest size, matching
// how the tree was laid out by whoever built it.
func NewTreeParams(alg *HashAlgorithm, blockSize, containerSize int, fileSize uint64, salt []byte) (*TreeParams, error) {
	if alg == nil {
		return nil, errors.New("nil hash algorithm")
	}
	ds := alg.DigestSize
	if ds <= 0 || ds > MaxDigestSize || bits.OnesCount(uint(ds)) != 1 {
		return nil, fmt.Errorf("unsupported digest size %d", ds)
	}
	if blockSize <= 0 || bits.OnesCount(uint(blockSize)) != 1 || blockSize < 2*ds {
		return nil, ErrBlockSize
	}
	if containerSize < blockSize || bits.OnesCount(uint(containerSize)) != 1 {
		return nil, ErrContainerSize
	}

	p := &TreeParams{
		Algorithm:        alg,
		Salt:             append([]byte(nil), salt...),
		BlockSize:        blockSize,
		DigestSize:       ds,
		LogBlockSize:     uint(bits.TrailingZeros(uint(blockSize))),
		LogDigestSize:    uint(bits.TrailingZeros(uint(ds))),
		ContainerSize:    containerSize,
		LogContainerSize: uint(bits.TrailingZeros(uint(containerSize))),
	}
	p.LogArity = p.LogBlockSize - p.LogDigestSize
	p.BlocksPerContainer = containerSize / blockSize
	p.LogBlocksPerContainer = p.LogContainerSize - p.LogBlockSize

	// Count the blocks of each level, from the leaves up. A level is needed
	// whenever the level below has more than one block.
	dataBlocks := (fileSize + uint64(blockSize) - 1) >> p.LogBlockSize
	var levelBlocks [MaxLevels]uint64
	cnt := dataBlocks
	for cnt > 1 {
		if p.NumLevels >= MaxLevels {
			return nil, ErrTooManyLevels
		}
		cnt = (cnt + p.Arity() - 1) >> p.LogArity
		levelBlocks[p.NumLevels] = cnt
		p.NumLevels++
	}

	// The tree is stored root level first.
	var off uint64
	for level := p.NumLevels - 1; level >= 0; level-- {
		p.LevelStart[level] = off
		off += levelBlocks[level]
	}
	p.TotalHashBlocks = off
	p.TreeContainers = (off + uint64(p.BlocksPerContainer) - 1) >> p.LogBlocksPerContainer

	return p, nil
}

// Arity returns the number of digests per hash block.
func (p *TreeParams) Arity() uint64 {
	return 1 << p.LogArity
}

// String returns a short description of the tree geometry.
func (p *TreeParams) String() string {
	return fmt.Sprintf("TreeParams(alg=%s block=%d digest=%d levels=%d hashblocks=%d containers=%d)",
		p.Algorithm.Name, p.BlockSize, p.DigestSize, p.NumLevels, p.TotalHashBlocks, p.TreeContainers)
}

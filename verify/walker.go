package verify

import (
	"bytes"
	"fmt"

	"github.com/verityfs/verity/core"
	"github.com/verityfs/verity/log"
	"github.com/verityfs/verity/store"
)

// ContainerSource supplies hash-tree containers. Fetches may block on
// storage I/O; readahead is a prefetch hint only. The returned container
// carries a reference that the caller must Release.
type ContainerSource interface {
	FetchContainer(index uint64, readahead uint64) (*store.Container, error)
}

// Verifier checks data blocks of one file against its Merkle tree.
//
// The root hash is set once at construction and immutable thereafter. A
// Verifier is safe for concurrent use: the only mutable state shared across
// verifications is the BlockTracker, whose update protocol tolerates
// unordered concurrent access.
type Verifier struct {
	params   *core.TreeParams
	engine   *core.Engine
	rootHash []byte
	fileSize uint64
	source   ContainerSource
	tracker  *BlockTracker
	metrics  *Metrics
}

// NewVerifier creates a verifier for a file of fileSize bytes whose tree is
// served by source and anchored at rootHash.
func NewVerifier(params *core.TreeParams, engine *core.Engine, rootHash []byte, fileSize uint64, source ContainerSource) (*Verifier, error) {
	if len(rootHash) != params.DigestSize {
		return nil, fmt.Errorf("root hash is %d bytes, want %d", len(rootHash), params.DigestSize)
	}
	if engine.DigestSize() != params.DigestSize {
		return nil, fmt.Errorf("engine digest size %d does not match tree digest size %d", engine.DigestSize(), params.DigestSize)
	}
	return &Verifier{
		params:   params,
		engine:   engine,
		rootHash: append([]byte(nil), rootHash...),
		fileSize: fileSize,
		source:   source,
		tracker:  NewBlockTracker(params),
		metrics:  NewMetrics(),
	}, nil
}

// Params returns the tree geometry.
func (v *Verifier) Params() *core.TreeParams { return v.params }

// Metrics returns the verifier's counters.
func (v *Verifier) Metrics() *Metrics { return v.metrics }

// hashBlockRef remembers one unverified hash block captured during ascent.
type hashBlockRef struct {
	// cont holds a reference that must be released exactly once.
	cont *store.Container
	// view is the hash block's bytes within cont.
	view []byte
	// index is the hash block's index in the tree overall.
	index uint64
	// hoffset is the byte offset of the wanted hash within view.
	hoffset int
}

// releaseChain releases the containers of every captured chain entry.
func releaseChain(chain []hashBlockRef) {
	for i := range chain {
		chain[i].cont.Release()
	}
}

// verifyDataBlock verifies the hash of a single data block against the
// file's Merkle tree.
//
// In principle the entire path to the root must be verified. Since hash
// containers stay cached, it suffices to ascend only until an
// already-verified hash block is seen and then verify the path to that
// block. maxRA is the container readahead budget, applied at level 0 only.
func (v *Verifier) verifyDataBlock(blk *pendingBlock, maxRA uint64) error {
	p := v.params
	ds := p.DigestSize

	if blk.pos >= v.fileSize {
		// A data block fully past EOF, possible when the tree block size is
		// smaller than the I/O granularity. The tree does not cover it, but
		// it can still be visible to readers, so it must be all zeroes.
		for _, b := range blk.data {
			if b != 0 {
				v.metrics.RecordCorruption()
				log.Error(log.VerifyModule, "FILE CORRUPTED! data past EOF is not zeroed", "pos", blk.pos)
				return &CorruptionError{Pos: blk.pos, Level: DataBlockLevel, Algorithm: p.Algorithm.Name}
			}
		}
		v.metrics.RecordBlockVerified()
		return nil
	}

	var want [core.MaxDigestSize]byte
	var real [core.MaxDigestSize]byte
	var chain [core.MaxLevels]hashBlockRef

	// The index of the previous level's block within that level; also the
	// index of that block's hash within the current level.
	hidx := blk.pos >> p.LogBlockSize

	// Ascend the tree saving hash blocks along the way until a hash block
	// that has already been verified is found, or the root is reached.
	level := 0
	anchored := false
	for ; level < p.NumLevels; level++ {
		nextHidx := hidx >> p.LogArity
		hblockIdx := p.LevelStart[level] + nextHidx
		containerIdx := hblockIdx >> p.LogBlocksPerContainer
		blockOff := int((hblockIdx << p.LogBlockSize) & uint64(p.ContainerSize-1))
		hoffset := int((hidx << p.LogDigestSize) & uint64(p.BlockSize-1))

		var ra uint64
		if level == 0 {
			ra = min(maxRA, p.TreeContainers-containerIdx)
		}
		cont, err := v.source.FetchContainer(containerIdx, ra)
		if err != nil {
			v.metrics.RecordIOError()
			log.Error(log.VerifyModule, "error reading hash container", "container", containerIdx, "level", level, "err", err)
			releaseChain(chain[:level])
			return &IOError{Level: level, Container: containerIdx, Err: err}
		}
		view := cont.Bytes(blockOff, p.BlockSize)
		if v.tracker.IsVerified(cont, hblockIdx) {
			// Trust anchor: the wanted hash can be taken from the verified
			// block directly.
			copy(want[:ds], view[hoffset:hoffset+ds])
			cont.Release()
			anchored = true
			break
		}
		chain[level] = hashBlockRef{cont: cont, view: view, index: hblockIdx, hoffset: hoffset}
		hidx = nextHidx
	}
	if !anchored {
		copy(want[:ds], v.rootHash)
	}

	// Descend the tree verifying hash blocks.
	for ; level > 0; level-- {
		ref := &chain[level-1]
		if err := v.engine.HashBlock(ref.view, real[:ds]); err != nil {
			v.metrics.RecordEngineError()
			log.Error(log.VerifyModule, "error hashing tree block", "pos", blk.pos, "level", level-1, "err", err)
			releaseChain(chain[:level])
			return &EngineError{Err: err}
		}
		if !bytes.Equal(want[:ds], real[:ds]) {
			err := v.corrupted(blk.pos, level-1, want[:ds], real[:ds])
			releaseChain(chain[:level])
			return err
		}
		// Mark the hash block as verified. Atomic and idempotent, as the
		// same hash block might be verified by multiple threads concurrently.
		v.tracker.MarkVerified(ref.cont, ref.index)
		v.metrics.RecordHashBlockVerified()
		copy(want[:ds], ref.view[ref.hoffset:ref.hoffset+ds])
		ref.cont.Release()
	}

	// Finally, verify the hash of the data block itself.
	if !bytes.Equal(want[:ds], blk.realHash[:ds]) {
		return v.corrupted(blk.pos, DataBlockLevel, want[:ds], blk.realHash[:ds])
	}
	v.metrics.RecordBlockVerified()
	return nil
}

// corrupted records and logs a hash mismatch and builds the error.
func (v *Verifier) corrupted(pos uint64, level int, want, got []byte) error {
	v.metrics.RecordCorruption()
	log.Error(log.VerifyModule, "FILE CORRUPTED!",
		"pos", pos,
		"level", level,
		"alg", v.params.Algorithm.Name,
		"want_hash", fmt.Sprintf("%x", want),
		"real_hash", fmt.Sprintf("%x", got))
	return &CorruptionError{
		Pos:       pos,
		Level:     level,
		Algorithm: v.params.Algorithm.Name,
		Want:      append([]byte(nil), want...),
		Got:       append([]byte(nil), got...),
	}
}

package verify

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// makeData returns len bytes of deterministic non-zero test data.
func makeData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i%251 + 1)
	}
	return data
}

// Geometry used by most walker tests: sha256 over 128-byte blocks gives
// arity 4; 24 data blocks need three hash levels (6 + 2 + 1 blocks).
const (
	testBlockSize = 128
	testFileSize  = 24 * testBlockSize
)

func TestVerifyAllBlocksValid(t *testing.T) {
	for _, containerSize := range []int{testBlockSize, 2 * testBlockSize, 4 * testBlockSize} {
		t.Run(fmt.Sprintf("container_%d", containerSize), func(t *testing.T) {
			data := makeData(testFileSize)
			v, _, src := newTestVerifier(t, testBlockSize, containerSize, data, nil)

			if v.Params().NumLevels != 3 {
				t.Fatalf("expected 3 levels, got %d", v.Params().NumLevels)
			}
			for i := uint64(0); i < 24; i++ {
				if !v.VerifyRange(blockOfData(v.Params(), data, i), testBlockSize, i*testBlockSize) {
					t.Fatalf("block %d failed verification", i)
				}
			}
			src.assertAllReleased(t)
		})
	}
}

func TestVerifyShortCircuitsAtVerifiedAncestor(t *testing.T) {
	data := makeData(testFileSize)
	v, _, src := newTestVerifier(t, testBlockSize, testBlockSize, data, nil)
	p := v.Params()

	rootContainer := p.LevelStart[p.NumLevels-1] // root level stored first

	if !v.VerifyRange(blockOfData(p, data, 0), testBlockSize, 0) {
		t.Fatal("first verification failed")
	}
	if got := src.fetches(rootContainer); got != 1 {
		t.Fatalf("root container fetched %d times, want 1", got)
	}

	// A second verification of the same block must stop its ascent at the
	// already-verified leaf-level hash block and never re-read the root.
	if !v.VerifyRange(blockOfData(p, data, 0), testBlockSize, 0) {
		t.Fatal("second verification failed")
	}
	if got := src.fetches(rootContainer); got != 1 {
		t.Fatalf("root container fetched %d times after hot re-verify, want 1", got)
	}

	snap := v.Metrics().Snapshot()
	if snap.HashBlocksVerified != uint64(p.NumLevels) {
		t.Fatalf("hash blocks verified = %d, want %d", snap.HashBlocksVerified, p.NumLevels)
	}
	src.assertAllReleased(t)
}

func TestVerifyCorruptHashBlockLevels(t *testing.T) {
	testCases := []struct {
		name      string
		level     int // level whose first hash block gets a byte flipped
		wantLevel int
	}{
		{"leaf level", 0, 0},
		{"middle level", 1, 1},
		{"top level", 2, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := makeData(testFileSize)
			v, tree, src := newTestVerifier(t, testBlockSize, testBlockSize, data, nil)
			p := v.Params()

			tree.corruptHashBlock(t, p.LevelStart[tc.level])

			err := verifyOne(v, data, 0)
			var cerr *CorruptionError
			if !errors.As(err, &cerr) {
				t.Fatalf("got %v, want CorruptionError", err)
			}
			if cerr.Level != tc.wantLevel {
				t.Fatalf("corruption reported at level %d, want %d", cerr.Level, tc.wantLevel)
			}
			if !errors.Is(err, ErrCorrupted) {
				t.Fatal("CorruptionError does not unwrap to ErrCorrupted")
			}
			src.assertAllReleased(t)
		})
	}
}

func TestVerifyCorruptRootHash(t *testing.T) {
	data := makeData(testFileSize)
	v, tree, src := newTestVerifier(t, testBlockSize, testBlockSize, data, nil)
	p := v.Params()

	// Flip a root hash byte: the mismatch must surface at the top level on
	// descent.
	badRoot := append([]byte(nil), tree.rootHash...)
	badRoot[0] ^= 0x01
	v2, err := NewVerifier(p, v.engine, badRoot, uint64(len(data)), src)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	verr := verifyOne(v2, data, 0)
	var cerr *CorruptionError
	if !errors.As(verr, &cerr) {
		t.Fatalf("got %v, want CorruptionError", verr)
	}
	if cerr.Level != p.NumLevels-1 {
		t.Fatalf("corruption reported at level %d, want %d", cerr.Level, p.NumLevels-1)
	}
	src.assertAllReleased(t)
}

func TestVerifyCorruptDataBlock(t *testing.T) {
	data := makeData(testFileSize)
	v, _, src := newTestVerifier(t, testBlockSize, testBlockSize, data, nil)

	blk := blockOfData(v.Params(), data, 3)
	blk[77] ^= 0x80

	err := verifyOneBlock(v, blk, 3*testBlockSize)
	var cerr *CorruptionError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want CorruptionError", err)
	}
	if cerr.Level != DataBlockLevel {
		t.Fatalf("corruption reported at level %d, want %d", cerr.Level, DataBlockLevel)
	}
	src.assertAllReleased(t)
}

func TestVerifyIOErrorMidAscent(t *testing.T) {
	data := makeData(testFileSize)
	v, _, src := newTestVerifier(t, testBlockSize, testBlockSize, data, nil)
	p := v.Params()

	// Fail the middle level's container. The walker has the leaf container
	// captured at that point; it must release it and report the failure.
	failIdx := p.LevelStart[1]
	src.failAt[failIdx] = errors.New("disk on fire")

	err := verifyOne(v, data, 0)
	var ioerr *IOError
	if !errors.As(err, &ioerr) {
		t.Fatalf("got %v, want IOError", err)
	}
	if ioerr.Level != 1 || ioerr.Container != failIdx {
		t.Fatalf("IOError level=%d container=%d, want level=1 container=%d", ioerr.Level, ioerr.Container, failIdx)
	}
	src.assertAllReleased(t)
}

func TestVerifyPastEOFBlocks(t *testing.T) {
	// File size smaller than the I/O granularity: the block at the file's
	// tail is covered by the tree, blocks past it are not and must be zero.
	data := makeData(5 * testBlockSize)
	v, _, src := newTestVerifier(t, testBlockSize, testBlockSize, data, nil)

	zero := make([]byte, testBlockSize)
	if err := verifyOneBlock(v, zero, uint64(len(data))); err != nil {
		t.Fatalf("all-zero past-EOF block rejected: %v", err)
	}

	nonzero := make([]byte, testBlockSize)
	nonzero[testBlockSize-1] = 1
	err := verifyOneBlock(v, nonzero, uint64(len(data)))
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("non-zero past-EOF block accepted: %v", err)
	}
	src.assertAllReleased(t)
}

func TestVerifyFreshContainerForcesReverification(t *testing.T) {
	data := makeData(testFileSize)

	// Two hash blocks per container so the bitmap path is exercised.
	v, _, src := newTestVerifier(t, testBlockSize, 2*testBlockSize, data, nil)
	p := v.Params()

	if err := verifyOne(v, data, 0); err != nil {
		t.Fatalf("initial verification failed: %v", err)
	}
	before := v.Metrics().Snapshot().HashBlocksVerified

	// Evict every container. Re-instantiated containers come back with the
	// checked flag clear, so even though the tracker's bits are still set
	// they must not be trusted and the whole chain is re-proven.
	for idx := uint64(0); idx < p.TreeContainers; idx++ {
		src.evict(idx)
	}
	if err := verifyOne(v, data, 0); err != nil {
		t.Fatalf("re-verification after eviction failed: %v", err)
	}
	after := v.Metrics().Snapshot().HashBlocksVerified
	if after != before*2 {
		t.Fatalf("hash blocks verified went %d -> %d, want full re-verification to %d", before, after, before*2)
	}
	src.assertAllReleased(t)
}

func TestVerifySingleBlockFile(t *testing.T) {
	// A file that fits in one block has a zero-level tree: the root hash is
	// the digest of the data block itself.
	data := makeData(100)
	v, _, src := newTestVerifier(t, testBlockSize, testBlockSize, data, nil)

	if v.Params().NumLevels != 0 {
		t.Fatalf("expected 0 levels, got %d", v.Params().NumLevels)
	}
	if err := verifyOneBlock(v, blockOfData(v.Params(), data, 0), 0); err != nil {
		t.Fatalf("single-block file failed verification: %v", err)
	}
	src.assertAllReleased(t)
}

func TestVerifySaltedTree(t *testing.T) {
	data := makeData(testFileSize)
	salt := []byte("0123456789abcdef")
	v, _, src := newTestVerifier(t, testBlockSize, testBlockSize, data, salt)

	for i := uint64(0); i < 24; i++ {
		if !v.VerifyRange(blockOfData(v.Params(), data, i), testBlockSize, i*testBlockSize) {
			t.Fatalf("salted block %d failed verification", i)
		}
	}

	// The same tree without the salt must not verify.
	unsalted, _, _ := newTestVerifier(t, testBlockSize, testBlockSize, data, nil)
	if bytes.Equal(unsalted.rootHash, v.rootHash) {
		t.Fatal("salted and unsalted trees share a root hash")
	}
	src.assertAllReleased(t)
}

// verifyOne runs a single data block of the file through a fresh context
// and returns the walker's error, if any.
func verifyOne(v *Verifier, data []byte, blockIdx uint64) error {
	return verifyOneBlock(v, blockOfData(v.Params(), data, blockIdx), blockIdx*uint64(v.Params().BlockSize))
}

func verifyOneBlock(v *Verifier, blk []byte, pos uint64) error {
	ctx := NewContext(v, 0)
	if err := ctx.AddBlocks(blk, uint64(len(blk)), pos); err != nil {
		ctx.ClearPending()
		return err
	}
	if err := ctx.FlushPending(); err != nil {
		ctx.ClearPending()
		return err
	}
	return nil
}

// Package verity verifies file data against an immutable, precomputed
// Merkle hash tree at read time. The host storage layer supplies raw data
// blocks and hash-tree containers; verity decides whether each data block
// may be trusted before it is exposed to readers.
//
// Typical use: open a File per verity-protected file, then feed every
// freshly read, not-yet-trusted region through VerifyBlocks or VerifyReadIO
// before marking it readable. Work can be pushed onto a shared WorkerPool to
// keep verification off latency-sensitive completion paths.
package verity

import (
	"fmt"

	"github.com/verityfs/verity/core"
	"github.com/verityfs/verity/verify"
)

// File is the per-file verification handle: tree geometry, hash engine,
// immutable root hash and verified-block state. Safe for concurrent use.
type File struct {
	verifier *verify.Verifier
	params   *core.TreeParams
	engine   *core.Engine
	source   verify.ContainerSource
}

// Open builds a File from externally supplied tree parameters.
func Open(opts Options) (*File, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	alg, err := core.LookupAlgorithm(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	engine, err := core.NewEngine(alg, opts.Salt, opts.MaxPendingBlocks)
	if err != nil {
		return nil, err
	}
	params, err := core.NewTreeParams(alg, opts.BlockSize, opts.containerSize(), opts.FileSize, opts.Salt)
	if err != nil {
		return nil, err
	}
	verifier, err := verify.NewVerifier(params, engine, opts.RootHash, opts.FileSize, opts.Source)
	if err != nil {
		return nil, err
	}

	return &File{
		verifier: verifier,
		params:   params,
		engine:   engine,
		source:   opts.Source,
	}, nil
}

// Params returns the file's tree geometry.
func (f *File) Params() *core.TreeParams { return f.params }

// Verifier returns the underlying verifier, for use with a WorkerPool.
func (f *File) Verifier() *verify.Verifier { return f.verifier }

// VerifyBlocks verifies the freshly read data in buf[:length] covering file
// positions [offset, offset+length). length and offset must be multiples of
// the tree block size. Returns true if every block is valid; on false the
// caller must treat the whole region as unreadable.
func (f *File) VerifyBlocks(buf []byte, length, offset uint64) bool {
	return f.verifier.VerifyRange(buf, length, offset)
}

// VerifyReadIO verifies all segments of one completed read. When
// isReadahead is set, tree containers are prefetched alongside the level-0
// fetches. Any failure fails the whole operation; the caller should map the
// error to an I/O error status on the aggregate read.
func (f *File) VerifyReadIO(segments []verify.Segment, isReadahead bool) error {
	return f.verifier.VerifyIO(segments, isReadahead)
}

// WorkerPool dispatches verification work onto a bounded set of workers.
type WorkerPool = verify.Pool

// NewWorkerPool creates and starts a worker pool. workers <= 0 selects one
// worker per available processor.
func NewWorkerPool(workers int) *WorkerPool {
	return verify.NewPool(workers)
}

// EnqueueVerifyWork submits this file's segments to pool for asynchronous
// verification. The returned channel yields the result.
func (f *File) EnqueueVerifyWork(pool *WorkerPool, segments []verify.Segment, isReadahead bool) <-chan error {
	return pool.Submit(f.verifier, segments, isReadahead)
}

func (o Options) validate() error {
	if o.Source == nil {
		return fmt.Errorf("verity: no container source")
	}
	if len(o.RootHash) == 0 {
		return fmt.Errorf("verity: no root hash")
	}
	return nil
}

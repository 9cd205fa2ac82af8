package verify

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityfs/verity/core"
	"github.com/verityfs/verity/log"
)

var tracer = otel.Tracer("github.com/verityfs/verity/verify")

// pendingBlock is one data block queued for verification. The data view is
// borrowed from the caller's buffer and released when the batch resolves.
type pendingBlock struct {
	data     []byte
	pos      uint64
	realHash [core.MaxDigestSize]byte
}

// Context batches data blocks awaiting verification so their hashes can be
// computed with one multi-message call, which on many CPUs improves
// throughput significantly.
//
// A Context is scoped to a single read or readahead operation and is not
// safe for concurrent use. It never flushes implicitly: callers must call
// FlushPending before relying on any result, and ClearPending on failure
// paths so borrowed views are released.
type Context struct {
	v     *Verifier
	maxRA uint64

	// pending never grows beyond the engine's multi-message bound.
	pending []pendingBlock
}

// NewContext creates a verification context. maxRAContainers is the
// container readahead budget for this operation (0 for ordinary reads).
func NewContext(v *Verifier, maxRAContainers uint64) *Context {
	return &Context{
		v:       v,
		maxRA:   maxRAContainers,
		pending: make([]pendingBlock, 0, v.engine.MaxMessages()),
	}
}

// AddBlocks queues the data in buf[:length], which covers file positions
// [offset, offset+length), for verification. length and offset must be
// multiples of the tree block size and the data must not yet be exposed as
// trusted. If the batch reaches the engine's multi-message bound it is
// flushed before more blocks are added.
func (c *Context) AddBlocks(buf []byte, length, offset uint64) error {
	bs := uint64(c.v.params.BlockSize)
	if length == 0 || length%bs != 0 || offset%bs != 0 {
		return fmt.Errorf("unaligned verification request: length=%d offset=%d block_size=%d", length, offset, bs)
	}
	if uint64(len(buf)) < length {
		return fmt.Errorf("verification buffer too short: %d < %d", len(buf), length)
	}

	for off := uint64(0); off < length; off += bs {
		c.pending = append(c.pending, pendingBlock{
			data: buf[off : off+bs : off+bs],
			pos:  offset + off,
		})
		if len(c.pending) == cap(c.pending) {
			if err := c.FlushPending(); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushPending computes the real hashes of all pending blocks in one
// multi-message operation, then resolves each block against the tree. The
// first failure aborts the remaining checks; on success the pending list is
// cleared.
func (c *Context) FlushPending() error {
	if len(c.pending) == 0 {
		return nil
	}

	_, span := tracer.Start(context.Background(), "verity.flush",
		trace.WithAttributes(attribute.Int("blocks", len(c.pending))))
	defer span.End()

	ds := c.v.engine.DigestSize()
	blocks := make([][]byte, len(c.pending))
	outs := make([][]byte, len(c.pending))
	for i := range c.pending {
		blocks[i] = c.pending[i].data
		outs[i] = c.pending[i].realHash[:ds]
	}

	if err := c.v.engine.HashBlocks(blocks, outs); err != nil {
		c.v.metrics.RecordEngineError()
		log.Error(log.VerifyModule, "error computing block hashes", "blocks", len(blocks), "err", err)
		span.SetAttributes(attribute.Bool("failed", true))
		return &EngineError{Err: err}
	}
	c.v.metrics.RecordBatch(len(blocks))

	for i := range c.pending {
		if err := c.v.verifyDataBlock(&c.pending[i], c.maxRA); err != nil {
			span.SetAttributes(attribute.Bool("failed", true))
			return err
		}
	}

	c.ClearPending()
	return nil
}

// ClearPending releases every borrowed data view and empties the batch.
func (c *Context) ClearPending() {
	for i := len(c.pending) - 1; i >= 0; i-- {
		c.pending[i].data = nil
	}
	c.pending = c.pending[:0]
}

// Segment is one contiguous block-aligned region of a file's data delivered
// by an I/O completion.
type Segment struct {
	// Data holds the freshly read, not yet trusted bytes.
	Data []byte
	// Offset is the file position of Data[0].
	Offset uint64
}

// VerifyRange verifies buf[:length] at file offset. One-shot wrapper with no
// readahead hint; pending state is cleared before returning regardless of
// outcome. Returns true if every block is valid.
func (v *Verifier) VerifyRange(buf []byte, length, offset uint64) bool {
	ctx := NewContext(v, 0)
	if ctx.AddBlocks(buf, length, offset) == nil && ctx.FlushPending() == nil {
		return true
	}
	ctx.ClearPending()
	return false
}

// VerifyIO verifies the segments of one completed I/O operation. When
// isReadahead is set, hash containers are prefetched alongside level-0
// fetches with a budget of a quarter of the operation's container count,
// which greatly reduces the number of tree reads on sequential scans. Any
// failure fails the entire operation.
func (v *Verifier) VerifyIO(segments []Segment, isReadahead bool) error {
	var maxRA uint64
	if isReadahead {
		var total uint64
		for _, seg := range segments {
			total += uint64(len(seg.Data))
		}
		maxRA = total >> (v.params.LogContainerSize + 2)
	}

	ctx := NewContext(v, maxRA)
	for _, seg := range segments {
		if err := ctx.AddBlocks(seg.Data, uint64(len(seg.Data)), seg.Offset); err != nil {
			ctx.ClearPending()
			return err
		}
	}
	if err := ctx.FlushPending(); err != nil {
		ctx.ClearPending()
		return err
	}
	return nil
}

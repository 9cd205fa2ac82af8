package core

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// HashBlocks computes the digests of up to MaxMessages independent blocks in
// one call, writing each digest into the corresponding out slot.
//
// Hashing fixed-size blocks is CPU bound, so the messages are fanned out
// across goroutines bounded by MaxMessages. This is the performance lever of
// the verification layer: one call amortizes the per-batch overhead across
// every pending data block of a read.
func (e *Engine) HashBlocks(blocks [][]byte, out [][]byte) error {
	if len(blocks) != len(out) {
		return fmt.Errorf("multi-message hash: %d blocks but %d outputs", len(blocks), len(out))
	}
	if len(blocks) > e.maxMessages {
		return fmt.Errorf("multi-message hash: %d blocks exceeds maximum of %d", len(blocks), e.maxMessages)
	}
	switch len(blocks) {
	case 0:
		return nil
	case 1:
		return e.HashBlock(blocks[0], out[0])
	}

	var g errgroup.Group
	g.SetLimit(e.maxMessages)
	for i := range blocks {
		i := i // per-iteration copy; required while building with a pre-1.22 language version
		g.Go(func() error {
			return e.HashBlock(blocks[i], out[i])
		})
	}
	return g.Wait()
}

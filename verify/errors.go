// Package verify implements read-time Merkle hash-chain verification of file
// data blocks: the verified-block tracker, the tree walker that ascends to a
// trusted anchor and descends proving each level, the batching verification
// context, and the worker pool that runs verification off the read path.
package verify

import (
	"errors"
	"fmt"
)

// DataBlockLevel is the level reported when the data block itself, rather
// than a hash block, fails verification.
const DataBlockLevel = -1

// ErrCorrupted is wrapped by every CorruptionError so callers can test with
// errors.Is.
var ErrCorrupted = errors.New("file data corrupted")

// CorruptionError reports a hash mismatch. Non-retryable: the data covered
// by the failed chain must not be exposed to readers.
type CorruptionError struct {
	// Pos is the file position of the data block being verified.
	Pos uint64
	// Level is the tree level where the mismatch occurred, or DataBlockLevel.
	Level int
	// Algorithm is the hash algorithm name, for forensic logging.
	Algorithm string
	// Want is the expected digest from the level above (or the root hash).
	Want []byte
	// Got is the digest actually computed. Nil for the past-EOF zero check.
	Got []byte
}

func (e *CorruptionError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("corrupted: data past EOF is not zeroed at pos %d", e.Pos)
	}
	return fmt.Sprintf("corrupted: pos=%d level=%d want_hash=%s:%x real_hash=%s:%x",
		e.Pos, e.Level, e.Algorithm, e.Want, e.Algorithm, e.Got)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupted }

// IOError reports a failure to fetch a hash container. Potentially
// transient; the caller may retry the whole read at a higher layer, but the
// verifier itself never retries.
type IOError struct {
	// Level is the tree level whose container fetch failed.
	Level int
	// Container is the index of the container that could not be fetched.
	Container uint64
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("i/o error reading hash container %d at level %d: %v", e.Container, e.Level, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// EngineError reports a failure of the hash computation itself. Fatal for
// the whole batch.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("hash engine error: %v", e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

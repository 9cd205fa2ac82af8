package core

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// HashAlgorithm describes one of the supported block hash functions.
type HashAlgorithm struct {
	// Name is the canonical lower-case algorithm name.
	Name string

	// DigestSize is the digest length in bytes.
	DigestSize int

	// New returns a fresh hash state.
	New func() hash.Hash
}

var (
	// SHA256 is the default algorithm.
	SHA256 = &HashAlgorithm{Name: "sha256", DigestSize: 32, New: sha256.New}

	// SHA512 trades digest size for a wider security margin.
	SHA512 = &HashAlgorithm{Name: "sha512", DigestSize: 64, New: sha512.New}

	// Blake2b256 is BLAKE2b with a 256-bit output.
	Blake2b256 = &HashAlgorithm{Name: "blake2b-256", DigestSize: 32, New: func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	}}
)

var algorithms = map[string]*HashAlgorithm{
	SHA256.Name:     SHA256,
	SHA512.Name:     SHA512,
	Blake2b256.Name: Blake2b256,
}

// LookupAlgorithm returns the algorithm with the given name.
func LookupAlgorithm(name string) (*HashAlgorithm, error) {
	alg, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown hash algorithm %q", name)
	}
	return alg, nil
}

// Engine computes block digests for one tree, carrying the salted initial
// hash state (if any) so the salt is absorbed only once.
//
// An Engine is stateless per call and safe for concurrent use.
type Engine struct {
	alg *HashAlgorithm

	// initState is the exported hash state after absorbing the salt.
	// Nil for unsalted trees.
	initState []byte

	// maxMessages bounds how many independent messages HashBlocks hashes
	// at once. It is the batching threshold of the verification layer.
	maxMessages int
}

// DefaultMaxMessages is the default multi-message hashing bound.
const DefaultMaxMessages = 8

// NewEngine creates an engine for the given algorithm and salt.
//
// maxMessages <= 0 selects DefaultMaxMessages. A non-empty salt requires the
// algorithm's hash state to support encoding.BinaryMarshaler so the salted
// midstate can be imported per message.
func NewEngine(alg *HashAlgorithm, salt []byte, maxMessages int) (*Engine, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	e := &Engine{alg: alg, maxMessages: maxMessages}
	if len(salt) > 0 {
		h := alg.New()
		m, ok := h.(encoding.BinaryMarshaler)
		if !ok {
			return nil, fmt.Errorf("algorithm %s does not support salted hash states", alg.Name)
		}
		if _, err := h.Write(salt); err != nil {
			return nil, fmt.Errorf("absorbing salt: %w", err)
		}
		state, err := m.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("exporting salted hash state for %s: %w", alg.Name, err)
		}
		e.initState = state
	}
	return e, nil
}

// Algorithm returns the engine's hash algorithm.
func (e *Engine) Algorithm() *HashAlgorithm { return e.alg }

// DigestSize returns the digest length in bytes.
func (e *Engine) DigestSize() int { return e.alg.DigestSize }

// MaxMessages returns the multi-message hashing bound.
func (e *Engine) MaxMessages() int { return e.maxMessages }

// newState returns a hash state with the salt already absorbed.
func (e *Engine) newState() (hash.Hash, error) {
	h := e.alg.New()
	if e.initState != nil {
		u, ok := h.(encoding.BinaryUnmarshaler)
		if !ok {
			return nil, fmt.Errorf("algorithm %s does not support salted hash states", e.alg.Name)
		}
		if err := u.UnmarshalBinary(e.initState); err != nil {
			return nil, fmt.Errorf("importing salted hash state: %w", err)
		}
	}
	return h, nil
}

// HashBlock computes the digest of one block into out, which must have
// capacity for DigestSize bytes.
func (e *Engine) HashBlock(block []byte, out []byte) error {
	if cap(out) < e.alg.DigestSize {
		return fmt.Errorf("digest output has capacity %d, need %d", cap(out), e.alg.DigestSize)
	}
	h, err := e.newState()
	if err != nil {
		return err
	}
	if _, err := h.Write(block); err != nil {
		return err
	}
	h.Sum(out[:0])
	return nil
}

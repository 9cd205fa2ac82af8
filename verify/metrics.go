package verify

import "sync/atomic"

// Metrics tracks verification counters for one verifier.
type Metrics struct {
	blocksVerified     atomic.Uint64
	hashBlocksVerified atomic.Uint64
	corruptions        atomic.Uint64
	ioErrors           atomic.Uint64
	engineErrors       atomic.Uint64
	batches            atomic.Uint64
	hashedMessages     atomic.Uint64
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordBlockVerified records one data block that passed verification.
func (m *Metrics) RecordBlockVerified() { m.blocksVerified.Add(1) }

// RecordHashBlockVerified records one hash block proven and marked verified.
func (m *Metrics) RecordHashBlockVerified() { m.hashBlocksVerified.Add(1) }

// RecordCorruption records a hash mismatch.
func (m *Metrics) RecordCorruption() { m.corruptions.Add(1) }

// RecordIOError records a failed hash container fetch.
func (m *Metrics) RecordIOError() { m.ioErrors.Add(1) }

// RecordEngineError records a hash computation failure.
func (m *Metrics) RecordEngineError() { m.engineErrors.Add(1) }

// RecordBatch records one multi-message hash call covering n blocks.
func (m *Metrics) RecordBatch(n int) {
	m.batches.Add(1)
	m.hashedMessages.Add(uint64(n))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BlocksVerified     uint64
	HashBlocksVerified uint64
	Corruptions        uint64
	IOErrors           uint64
	EngineErrors       uint64
	Batches            uint64
	HashedMessages     uint64
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		BlocksVerified:     m.blocksVerified.Load(),
		HashBlocksVerified: m.hashBlocksVerified.Load(),
		Corruptions:        m.corruptions.Load(),
		IOErrors:           m.ioErrors.Load(),
		EngineErrors:       m.engineErrors.Load(),
		Batches:            m.batches.Load(),
		HashedMessages:     m.hashedMessages.Load(),
	}
}

package verity

import (
	"github.com/verityfs/verity/store"
	"github.com/verityfs/verity/verify"
)

// Stats aggregates the counters of a File and, when the container source is
// a store.TreeStore, of its store and cache.
type Stats struct {
	Verify verify.Snapshot
	Store  *store.TreeStoreStats
}

// Stats returns a point-in-time snapshot of the file's counters.
func (f *File) Stats() Stats {
	s := Stats{Verify: f.verifier.Metrics().Snapshot()}
	if ts, ok := f.source.(*store.TreeStore); ok {
		st := ts.Stats()
		s.Store = &st
	}
	return s
}

package fuzzer

import (
	"sync/atomic"

	"github.com/pacfix/triagecore/internal/bitmap"
)

// PrimaryScheduler is the degenerate single-cluster Scheduler used when no
// external path-scheduling collaborator is wired in (non-directed mode,
// spec §9's "cluster 0 is always the primary" case). It exposes only the
// Fuzzer's own primary virgin map at cluster 0 and never grows the fringe,
// so the pipeline's re-query-after-commit pass (spec §4.D step 6) is a
// no-op here. A directed deployment replaces this with the real
// multi-cluster scheduler described in spec §6; that component is out of
// scope for this core.
type PrimaryScheduler struct {
	virgin bitmap.VirginMap
	cycle  atomic.Uint32
}

// NewPrimaryScheduler wraps virgin (typically a Fuzzer's VirginBits) as the
// sole cluster.
func NewPrimaryScheduler(virgin bitmap.VirginMap) *PrimaryScheduler {
	return &PrimaryScheduler{virgin: virgin}
}

// Virgins always returns the single primary map at cluster 0.
func (s *PrimaryScheduler) Virgins(_ []byte) ([]bitmap.VirginMap, []uint32) {
	return []bitmap.VirginMap{s.virgin}, []uint32{0}
}

// HasNewPath reports a new path whenever the folded tag's primary bits are
// non-zero; freachables/reachables/ctx are unused since there is no
// secondary cluster to reconcile them against.
func (s *PrimaryScheduler) HasNewPath(tag byte, _, _, _ []byte, _ int) bool {
	return tag&0x03 != 0
}

// SeedVirgins re-queries the same single map; the fringe never grows
// without a real multi-cluster scheduler.
func (s *PrimaryScheduler) SeedVirgins(_ int) ([]bitmap.VirginMap, []uint32) {
	return s.Virgins(nil)
}

// QueueCycle returns the number of times RecoverVirgin has rolled back a
// dropped zero-length input, repurposed here as a cheap liveness counter
// since there is no real queue-cycle concept without a directed scheduler.
func (s *PrimaryScheduler) QueueCycle() uint32 {
	return s.cycle.Load()
}

// RecoverVirgin leaves the virgin map untouched (the primary map's bits are
// never provisionally cleared ahead of a commit in the single-cluster case);
// it only increments the counter QueueCycle reports.
func (s *PrimaryScheduler) RecoverVirgin() {
	s.cycle.Add(1)
}

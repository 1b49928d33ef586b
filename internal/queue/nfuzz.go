package queue

import "sync"

// NFuzzCounters tracks, per path-hash, how many executions passed to the
// save pipeline have produced a given path. Counters saturate at MaxUint32
// rather than wrapping, mirroring the original fuzzer's n_fuzz array
// (supplemented from original_source: NFuzzSize / n_fuzz counters are not
// named directly in the distilled pipeline description but are the mechanism
// behind "reset its counter to 1" in spec §4.E step 4).
type NFuzzCounters struct {
	mu     sync.Mutex
	counts map[uint32]uint32
}

// NewNFuzzCounters returns an empty counter set.
func NewNFuzzCounters() *NFuzzCounters {
	return &NFuzzCounters{counts: make(map[uint32]uint32)}
}

// Reset sets the counter for hash to 1, used when save-if-interesting mints
// a fresh n_fuzz_entry for a newly queued testcase.
func (c *NFuzzCounters) Reset(hash uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[hash] = 1
}

// Increment bumps the counter for hash by one, saturating at MaxUint32. It
// is called by save-if-interesting (step 1) for every run whose trace hashes
// to hash.
func (c *NFuzzCounters) Increment(hash uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.counts[hash]
	if v != ^uint32(0) {
		v++
	}
	c.counts[hash] = v
	return v
}

// Get returns the current counter value for hash, or 0 if it has never been
// set.
func (c *NFuzzCounters) Get(hash uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[hash]
}

// Package bitmap implements the coverage-bitmap primitives of the triage
// core: population-count utilities over virgin maps, and the log-bucket
// classification tables applied to a raw trace after every execution.
//
// Nothing here is reusable outside the triage hot path: MapSize is fixed for
// the lifetime of a Fuzzer run, and every function assumes its caller
// zero-pads trailing bytes to the word boundary (see Trace and VirginMap).
package bitmap

import "math/bits"

// Trace is a raw or classified coverage trace: one hit counter per
// instrumented edge. Before classification each byte is in [0,255]; after
// classification each byte holds one of {0,1,2,4,8,16,32,64,128}.
type Trace []byte

// VirginMap is a per-cluster novelty bitmap. All bits start at 1 (byte
// 0xff); a cleared bit records that the corresponding (edge, bucket)
// combination has already been observed. VirginMap is strictly monotonic
// except during a dry-run (modify=false) multi-map detection pass.
type VirginMap []byte

// NewVirginMap allocates a VirginMap of length size with every byte set to
// 0xff ("nothing observed yet").
func NewVirginMap(size int) VirginMap {
	v := make(VirginMap, size)
	for i := range v {
		v[i] = 0xff
	}
	return v
}

// CountBits returns the total number of set bits in m, read 32 bits at a
// time. Bytes beyond a multiple of 4 must be zero-padded by the caller.
//
// Used only for status reporting; it does not need to be fast, but the
// 0xffffffff fast path keeps it cheap on the densely-set virgin maps it is
// usually called on.
func CountBits(m []byte) uint32 {
	var ret uint32
	n := len(m) / 4
	for i := 0; i < n; i++ {
		v := le32(m[i*4:])
		if v == 0xffffffff {
			ret += 32
			continue
		}
		ret += uint32(bits.OnesCount32(v))
	}
	return ret
}

// CountBytes returns the number of bytes in m that are non-zero.
func CountBytes(m []byte) uint32 {
	var ret uint32
	for _, b := range m {
		if b != 0 {
			ret++
		}
	}
	return ret
}

// CountNon255Bytes returns the number of bytes in m that are not 0xff. It is
// used on virgin maps to report how much of the map is still untouched, with
// a whole-word fast path for the common case of long untouched runs.
func CountNon255Bytes(m []byte) uint32 {
	var ret uint32
	n := len(m) / 4
	for i := 0; i < n; i++ {
		v := le32(m[i*4:])
		if v == 0xffffffff {
			continue
		}
		for _, b := range m[i*4 : i*4+4] {
			if b != 0xff {
				ret++
			}
		}
	}
	return ret
}

// le32 reads 4 bytes as a native-order word. The value is only ever compared
// against 0xffffffff or popcounted, both of which are endian-independent, so
// any consistent byte order works; little-endian matches the AFL original.
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

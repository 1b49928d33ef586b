// Package novelty implements the two-phase coverage-novelty detector: a
// read-only Skim pre-filter and the Discover/DiscoverMul primitives that
// update virgin maps in place. Every execution's trace is skimmed first;
// only the rare maybe-novel trace pays for classification and a mutating
// discover pass. See spec §4.C.
package novelty

import (
	"encoding/binary"

	"github.com/pacfix/triagecore/internal/bitmap"
)

// Level is the per-map novelty outcome: 0 none, 1 new count-bucket only,
// 2 new edge.
type Level byte

const (
	LevelNone    Level = 0
	LevelBucket  Level = 1
	LevelNewEdge Level = 2
)

// wordsOf returns m reinterpreted as a slice of little-endian 64-bit words.
// len(m) must be a multiple of 8; callers zero-pad the trailing bytes.
func wordsOf(m []byte) []uint64 {
	words := make([]uint64, len(m)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(m[i*8:])
	}
	return words
}

// putWord writes a 64-bit word back into m at the given word index.
func putWord(m []byte, i int, w uint64) {
	binary.LittleEndian.PutUint64(m[i*8:], w)
}

// Skim is a read-only pre-filter: it reports whether any word of current in
// [0,len) still has at least one bit set in the corresponding word of at
// least one virgin map. It mutates nothing. If Skim returns false,
// classification would not change the decision (spec §4.C invariant).
func Skim(virgins []bitmap.VirginMap, current bitmap.Trace) bool {
	words := wordsOf(current)
	for i, cw := range words {
		if cw == 0 {
			continue
		}
		for _, v := range virgins {
			vw := binary.LittleEndian.Uint64(v[i*8:])
			if cw&vw != 0 {
				return true
			}
		}
	}
	return false
}

// discoverWord evaluates one 64-bit word of current against one virgin
// word, raising level to reflect the highest novelty seen among the word's
// 8 edges, and clearing the seen bits from virgin in place.
func discoverWord(level *Level, current uint64, virgin *uint64) {
	hit := current & *virgin
	if hit == 0 {
		return
	}

	for shift := 0; shift < 64; shift += 8 {
		cb := byte(current >> shift)
		if cb == 0 {
			continue
		}
		vb := byte(*virgin >> shift)
		switch {
		case vb == 0xff:
			*level = LevelNewEdge
		case vb&cb != 0: // cb is one-hot: its own value is its class bit mask
			if *level < LevelBucket {
				*level = LevelBucket
			}
		}
	}
	*virgin &^= hit
}

// Discover runs the single-virgin-map novelty check over the whole trace,
// mutating virgin in place. It returns the overall Level for the run and
// flips changed to true iff at least one bit was cleared from virgin.
func Discover(current bitmap.Trace, virgin bitmap.VirginMap) (level Level, changed bool) {
	cWords := wordsOf(current)
	vWords := wordsOf(virgin)

	for i, cw := range cWords {
		if cw == 0 {
			continue
		}
		v := vWords[i]
		before := v
		discoverWord(&level, cw, &v)
		if v != before {
			changed = true
			vWords[i] = v
		}
	}
	if changed {
		for i, w := range vWords {
			putWord(virgin, i, w)
		}
	}
	return level, changed
}

// DiscoverMul is the multi-map variant: for each virgin map in virgins, it
// computes the per-map novelty Level and folds the result into newBits[k]
// (which callers must size to len(virgins) before calling). When modify is
// true, seen bits are cleared from every virgin map; when false, this is a
// pure read (used for the scheduler's dry-run query in §4.D step 3).
func DiscoverMul(current bitmap.Trace, virgins []bitmap.VirginMap, newBits []Level, modify bool) {
	cWords := wordsOf(current)

	// Per-map working copies of the virgin words, used only when we need to
	// mutate: reading straight from virgins[k] and writing back keeps the
	// "dry run never mutates" contract trivially true when modify is false.
	for k, vmap := range virgins {
		vWords := wordsOf(vmap)
		var level Level
		var changedWords []int
		for i, cw := range cWords {
			if cw == 0 {
				continue
			}
			v := vWords[i]
			before := v
			discoverWord(&level, cw, &v)
			if v != before {
				vWords[i] = v
				changedWords = append(changedWords, i)
			}
		}
		if level > newBits[k] {
			newBits[k] = level
		}
		if modify {
			for _, i := range changedWords {
				putWord(vmap, i, vWords[i])
			}
		}
	}
}

// FoldTag packs a per-map newBits slice (index 0 is always the primary
// cluster) into the two-tier (primary, diversity) tag byte described in
// spec §3/§4.D: bits 0..1 hold the primary level, bits 2..3 hold the max
// level seen across every non-primary (diversity) map.
func FoldTag(newBits []Level) byte {
	if len(newBits) == 0 {
		return 0
	}
	primary := newBits[0]
	var diversity Level
	for _, l := range newBits[1:] {
		if l > diversity {
			diversity = l
		}
	}
	return byte(primary) | byte(diversity)<<2
}

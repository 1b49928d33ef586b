package novelty_test

import (
	"testing"

	"github.com/pacfix/triagecore/internal/bitmap"
	"github.com/pacfix/triagecore/internal/novelty"
)

func TestSkimFalseWhenNoOverlap(t *testing.T) {
	virgin := bitmap.NewVirginMap(8)
	virgin[0] = 0x00 // fully observed word

	current := bitmap.Trace(make([]byte, 8))
	current[0] = 0x01

	if novelty.Skim([]bitmap.VirginMap{virgin}, current) {
		t.Fatal("Skim() = true, want false: current only touches an already-cleared word")
	}
}

func TestSkimTrueWhenOverlap(t *testing.T) {
	virgin := bitmap.NewVirginMap(8)
	current := bitmap.Trace(make([]byte, 8))
	current[0] = 0x01

	if !novelty.Skim([]bitmap.VirginMap{virgin}, current) {
		t.Fatal("Skim() = false, want true: fresh virgin map overlaps any non-zero trace")
	}
}

func TestSkimFalseImpliesDiscoverMulNoOp(t *testing.T) {
	virgin := bitmap.NewVirginMap(8)
	virgin[0] = 0x00

	current := bitmap.Trace(make([]byte, 8))
	current[0] = 0x01

	before := make(bitmap.VirginMap, len(virgin))
	copy(before, virgin)

	newBits := make([]novelty.Level, 1)
	novelty.DiscoverMul(current, []bitmap.VirginMap{virgin}, newBits, true)

	for i := range virgin {
		if virgin[i] != before[i] {
			t.Fatalf("virgin map mutated despite Skim()==false at byte %d: %02x -> %02x", i, before[i], virgin[i])
		}
	}
	if novelty.FoldTag(newBits) != 0 {
		t.Fatalf("FoldTag() = %d, want 0", novelty.FoldTag(newBits))
	}
}

func TestDiscoverNewEdge(t *testing.T) {
	virgin := bitmap.NewVirginMap(8)
	current := bitmap.Trace(make([]byte, 8))
	current[0] = 1 // classified hit-count bucket

	level, changed := novelty.Discover(current, virgin)
	if !changed {
		t.Fatal("Discover() changed = false, want true")
	}
	if level != novelty.LevelNewEdge {
		t.Fatalf("Discover() level = %d, want LevelNewEdge", level)
	}
	if virgin[0] == 0xff {
		t.Fatal("virgin byte not cleared after Discover()")
	}
}

func TestDiscoverNoNovelty(t *testing.T) {
	virgin := bitmap.NewVirginMap(8)
	virgin[0] = 0x00 // already fully observed

	current := bitmap.Trace(make([]byte, 8))
	current[0] = 1

	level, changed := novelty.Discover(current, virgin)
	if changed {
		t.Fatal("Discover() changed = true, want false")
	}
	if level != novelty.LevelNone {
		t.Fatalf("Discover() level = %d, want LevelNone", level)
	}
}

func TestDiscoverBucketOnlyNotNewEdge(t *testing.T) {
	// virgin still has the low bit of edge 0 set (new count-class) but not the
	// 0xff "never seen this edge at all" state, so this must report
	// LevelBucket, not LevelNewEdge.
	virgin := bitmap.NewVirginMap(8)
	virgin[0] = 0x01 // only the "count==1" class bit remains unseen

	current := bitmap.Trace(make([]byte, 8))
	current[0] = 1

	level, changed := novelty.Discover(current, virgin)
	if !changed {
		t.Fatal("Discover() changed = false, want true")
	}
	if level != novelty.LevelBucket {
		t.Fatalf("Discover() level = %d, want LevelBucket", level)
	}
}

func TestDiscoverMulDryRunLeavesMapsUnchanged(t *testing.T) {
	virgin := bitmap.NewVirginMap(8)
	before := make(bitmap.VirginMap, len(virgin))
	copy(before, virgin)

	current := bitmap.Trace(make([]byte, 8))
	current[0] = 1

	newBits := make([]novelty.Level, 1)
	novelty.DiscoverMul(current, []bitmap.VirginMap{virgin}, newBits, false)

	for i := range virgin {
		if virgin[i] != before[i] {
			t.Fatalf("dry run mutated virgin map at byte %d", i)
		}
	}
	if newBits[0] != novelty.LevelNewEdge {
		t.Fatalf("newBits[0] = %d, want LevelNewEdge even on dry run", newBits[0])
	}
}

func TestDiscoverMulFoldsMaxAcrossMaps(t *testing.T) {
	primary := bitmap.NewVirginMap(8)
	primary[0] = 0x00 // primary already fully observed

	diversity := bitmap.NewVirginMap(8) // diversity map still fresh

	current := bitmap.Trace(make([]byte, 8))
	current[0] = 1

	newBits := make([]novelty.Level, 2)
	novelty.DiscoverMul(current, []bitmap.VirginMap{primary, diversity}, newBits, true)

	if newBits[0] != novelty.LevelNone {
		t.Fatalf("newBits[0] (primary) = %d, want LevelNone", newBits[0])
	}
	if newBits[1] != novelty.LevelNewEdge {
		t.Fatalf("newBits[1] (diversity) = %d, want LevelNewEdge", newBits[1])
	}

	tag := novelty.FoldTag(newBits)
	want := byte(novelty.LevelNone) | byte(novelty.LevelNewEdge)<<2
	if tag != want {
		t.Fatalf("FoldTag() = %d, want %d", tag, want)
	}
}

func TestFoldTagEmpty(t *testing.T) {
	if got := novelty.FoldTag(nil); got != 0 {
		t.Fatalf("FoldTag(nil) = %d, want 0", got)
	}
}

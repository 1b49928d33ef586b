package bitmap_test

import (
	"testing"

	"github.com/pacfix/triagecore/internal/bitmap"
)

func TestClassifyBuckets(t *testing.T) {
	cases := []struct {
		raw  byte
		want byte
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 4},
		{4, 8}, {7, 8},
		{8, 16}, {15, 16},
		{16, 32}, {31, 32},
		{32, 64}, {127, 64},
		{128, 128}, {255, 128},
	}

	for _, c := range cases {
		trace := bitmap.Trace{c.raw, 0}
		bitmap.Classify(trace)
		if trace[0] != c.want {
			t.Errorf("classify(%d) = %d, want %d", c.raw, trace[0], c.want)
		}
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	for raw := 0; raw < 256; raw++ {
		once := bitmap.Trace{byte(raw), 0}
		bitmap.Classify(once)
		twice := bitmap.Trace{once[0], once[1]}
		bitmap.Classify(twice)
		if once[0] != twice[0] {
			t.Fatalf("classify not idempotent for raw=%d: once=%d twice=%d", raw, once[0], twice[0])
		}
	}
}

func TestClassifyOddLength(t *testing.T) {
	trace := bitmap.Trace{0, 3, 5}
	bitmap.Classify(trace)
	if trace[0] != 0 || trace[1] != 4 || trace[2] != 8 {
		t.Fatalf("unexpected classification of odd-length trace: %v", trace)
	}
}

func TestSimplifyHitNoHit(t *testing.T) {
	trace := bitmap.Trace{0, 1, 5, 0, 255}
	bitmap.Simplify(trace)
	want := bitmap.Trace{1, 128, 128, 1, 128}
	for i := range trace {
		if trace[i] != want[i] {
			t.Fatalf("Simplify()[%d] = %d, want %d", i, trace[i], want[i])
		}
	}
}

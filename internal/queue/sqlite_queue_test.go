package queue_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pacfix/triagecore/internal/queue"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// openMemQueue opens an in-memory SQLiteQueue and registers t.Cleanup to
// close it, ensuring the database is closed even when tests fail.
func openMemQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.Open(":memory:")
	if err != nil {
		t.Fatalf("queue.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func makeEntry(fname string) queue.Entry {
	return queue.Entry{
		Fname:     fname,
		Len:       128,
		PathCksum: 0xdeadbeef,
		ExecCksum: 0xcafef00d,
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestOpen_InMemory_EmptyCount(t *testing.T) {
	q := openMemQueue(t)
	if c := q.Count(); c != 0 {
		t.Errorf("Count() = %d after open, want 0", c)
	}
}

func TestOpen_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := queue.Open(path)
	if err != nil {
		t.Fatalf("queue.Open(%q): %v", path, err)
	}
	_ = q.Close()

	if _, err := filepath.Glob(path); err != nil {
		t.Fatalf("unexpected glob error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Add / Count
// ---------------------------------------------------------------------------

func TestAdd_AssignsID(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	e, err := q.Add(ctx, makeEntry("id:000000,src:000000,+cov2"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.ID == 0 {
		t.Error("Add() did not assign a non-zero ID")
	}
	if q.Count() != 1 {
		t.Errorf("Count() = %d, want 1", q.Count())
	}
}

func TestAdd_PreservesFlags(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	in := makeEntry("id:000001,src:000000,+cov2")
	in.HasNewCov = true
	in.AFLRunExtra = true
	in.NFuzzEntry = 1

	got, err := q.Add(ctx, in)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !got.HasNewCov || !got.AFLRunExtra || got.NFuzzEntry != 1 {
		t.Errorf("Add() round-trip lost flags: %+v", got)
	}
}

func TestMarkTested(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	e, err := q.Add(ctx, makeEntry("id:000000"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.MarkTested(ctx, e.ID); err != nil {
		t.Fatalf("MarkTested: %v", err)
	}
}

func TestCount_AccumulatesAcrossAdds(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := q.Add(ctx, makeEntry("id:00000x")); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	if c := q.Count(); c != 5 {
		t.Errorf("Count() = %d, want 5", c)
	}
}

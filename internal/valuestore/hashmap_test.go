package valuestore_test

import (
	"testing"

	"github.com/pacfix/triagecore/internal/valuestore"
)

func TestInsertThenGet(t *testing.T) {
	m := valuestore.NewHashmap(4)
	m.Insert(17, "payload")

	v, ok := m.Get(17)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if v != "payload" {
		t.Fatalf("Get() = %v, want %q", v, "payload")
	}
}

func TestGetMissingKey(t *testing.T) {
	m := valuestore.NewHashmap(4)
	if _, ok := m.Get(99); ok {
		t.Fatal("Get() ok = true for a key never inserted")
	}
}

func TestRemove(t *testing.T) {
	m := valuestore.NewHashmap(4)
	m.Insert(5, nil)
	m.Remove(5)
	if _, ok := m.Get(5); ok {
		t.Fatal("Get() found key after Remove()")
	}
	if m.Size() != 0 {
		t.Fatalf("Size() = %d after Remove(), want 0", m.Size())
	}
}

func TestResizeOnLoadFactor(t *testing.T) {
	m := valuestore.NewHashmap(4)
	// Inserting 3 keys into a 4-bucket table exceeds load factor 0.5 and
	// must trigger a resize; every previously inserted key must still be
	// reachable afterward.
	for k := uint32(0); k < 3; k++ {
		m.Insert(k, k)
	}
	for k := uint32(0); k < 3; k++ {
		v, ok := m.Get(k)
		if !ok || v != k {
			t.Fatalf("Get(%d) = %v, %v, want %d, true", k, v, ok, k)
		}
	}
}

func TestResizeHandlesCollisionsAcrossManyKeys(t *testing.T) {
	m := valuestore.NewHashmap(2)
	const n = 200
	for k := uint32(0); k < n; k++ {
		m.Insert(k, k*2)
	}
	if m.Size() != n {
		t.Fatalf("Size() = %d, want %d", m.Size(), n)
	}
	for k := uint32(0); k < n; k++ {
		v, ok := m.Get(k)
		if !ok || v != k*2 {
			t.Fatalf("Get(%d) = %v, %v, want %d, true", k, v, ok, k*2)
		}
	}
}

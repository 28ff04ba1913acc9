package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func mustApply(t *testing.T, r *Replica, update []byte) bool {
	t.Helper()
	added, err := r.Apply(update)
	if err != nil {
		t.Fatalf("Apply(%q) failed: %v", update, err)
	}
	return added
}

func TestApplyOrderConverges(t *testing.T) {
	a := []byte("insert 'H' at 0")
	b := []byte("insert 'i' at 1")

	first := New()
	mustApply(t, first, a)
	mustApply(t, first, b)

	second := New()
	mustApply(t, second, b)
	mustApply(t, second, a)

	if !bytes.Equal(first.Encode(), second.Encode()) {
		t.Error("replicas diverged after applying the same updates in a different order")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	update := []byte("delete range 3..5")

	once := New()
	mustApply(t, once, update)

	twice := New()
	if !mustApply(t, twice, update) {
		t.Error("first Apply reported the update as already present")
	}
	if mustApply(t, twice, update) {
		t.Error("second Apply reported the update as new")
	}

	if !bytes.Equal(once.Encode(), twice.Encode()) {
		t.Error("applying an update twice changed the encoded state")
	}
	if twice.Len() != 1 {
		t.Errorf("Len mismatch: got %d, want 1", twice.Len())
	}
}

func TestMergeIsAssociative(t *testing.T) {
	x, y, z := New(), New(), New()
	mustApply(t, x, []byte("x1"))
	mustApply(t, y, []byte("y1"))
	mustApply(t, y, []byte("shared"))
	mustApply(t, z, []byte("z1"))
	mustApply(t, z, []byte("shared"))

	left := x.Clone()
	left.Merge(y)
	left.Merge(z)

	yz := y.Clone()
	yz.Merge(z)
	right := x.Clone()
	right.Merge(yz)

	if !bytes.Equal(left.Encode(), right.Encode()) {
		t.Error("(x+y)+z and x+(y+z) encode differently")
	}
	if left.Len() != 4 {
		t.Errorf("Len mismatch: got %d, want 4", left.Len())
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := New()
	for i := 0; i < 20; i++ {
		mustApply(t, r, []byte(fmt.Sprintf("update-%d", i)))
	}

	snapshot := r.Encode()
	decoded, err := Decode(snapshot)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if decoded.Len() != r.Len() {
		t.Errorf("Len mismatch: got %d, want %d", decoded.Len(), r.Len())
	}
	if !bytes.Equal(decoded.Encode(), snapshot) {
		t.Error("re-encoded snapshot differs from the original")
	}
}

func TestDecodeEmpty(t *testing.T) {
	r, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil) failed: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty replica, got %d updates", r.Len())
	}
	if r.Encode() != nil {
		t.Error("empty replica should encode to nil")
	}
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode([]byte{0xc1, 0x00, 0xff})
	if !errors.Is(err, ErrCorruptSnapshot) {
		t.Errorf("expected ErrCorruptSnapshot, got %v", err)
	}
}

func TestApplyRejectsEmptyUpdate(t *testing.T) {
	r := New()
	if _, err := r.Apply(nil); !errors.Is(err, ErrEmptyUpdate) {
		t.Errorf("expected ErrEmptyUpdate, got %v", err)
	}
}

func TestApplyCopiesInput(t *testing.T) {
	r := New()
	update := []byte("mutable")
	mustApply(t, r, update)
	update[0] = 'M'

	if !r.Contains([]byte("mutable")) {
		t.Error("replica aliased the caller's buffer")
	}
}

func TestMissing(t *testing.T) {
	local := New()
	mustApply(t, local, []byte("offline-1"))
	mustApply(t, local, []byte("shared"))
	mustApply(t, local, []byte("offline-2"))

	server := New()
	mustApply(t, server, []byte("shared"))
	mustApply(t, server, []byte("remote"))

	missing := local.Missing(server)
	if len(missing) != 2 {
		t.Fatalf("Missing length: got %d, want 2", len(missing))
	}
	for _, update := range missing {
		if server.Contains(update) {
			t.Errorf("Missing returned %q which the server already has", update)
		}
	}

	if got := len(local.Missing(nil)); got != 3 {
		t.Errorf("Missing(nil): got %d, want 3", got)
	}
}

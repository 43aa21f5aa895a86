package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Allocator Tests
// ---------------------------------------------------------------------------

func TestSystemAllocatorResizePreservesBytes(t *testing.T) {
	b, err := SystemAllocator.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(b.Bytes(), "ruby")

	nb, err := SystemAllocator.Resize(b, 8)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if nb.Size() != 8 {
		t.Errorf("Size() = %d, want 8", nb.Size())
	}
	if got := string(nb.Bytes()[:4]); got != "ruby" {
		t.Errorf("contents after resize = %q, want %q", got, "ruby")
	}

	SystemAllocator.Release(nb)
	if !nb.Released() {
		t.Error("block should be released")
	}
	if nb.Bytes() != nil {
		t.Error("released block should have no bytes")
	}
}

func TestTrackingAllocatorLimit(t *testing.T) {
	a := NewTrackingAllocator(nil, 100)

	b, err := a.Allocate(60)
	if err != nil {
		t.Fatalf("Allocate(60): %v", err)
	}
	if _, err := a.Allocate(50); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Allocate(50) over limit: got %v, want ErrNoMemory", err)
	}

	var ae *AllocationError
	_, err = a.Resize(b, 200)
	if !errors.As(err, &ae) {
		t.Fatalf("Resize over limit: got %v, want *AllocationError", err)
	}
	if a.InUse() != 60 {
		t.Errorf("InUse() after refused resize = %d, want 60", a.InUse())
	}

	a.Release(b)
	if a.Live() != 0 || a.InUse() != 0 {
		t.Errorf("after release: Live=%d InUse=%d, want 0/0", a.Live(), a.InUse())
	}
	if st := a.Stats(); st.Refused != 2 || st.Peak != 60 {
		t.Errorf("Stats() = %+v, want Refused=2 Peak=60", st)
	}
}

func TestTrackingAllocatorFailAt(t *testing.T) {
	a := NewTrackingAllocator(nil, 0)
	a.FailAt(3)

	for i := 1; i <= 2; i++ {
		if _, err := a.Allocate(8); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	if _, err := a.Allocate(8); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("request 3: got %v, want ErrNoMemory", err)
	}
	if _, err := a.Allocate(8); err != nil {
		t.Fatalf("request 4: injection should fire once, got %v", err)
	}
	if a.Live() != 3 {
		t.Errorf("Live() = %d, want 3", a.Live())
	}
}

func TestTrackingAllocatorBadRelease(t *testing.T) {
	a := NewTrackingAllocator(nil, 0)
	b, _ := a.Allocate(16)
	a.Release(b)
	a.Release(b)
	a.Release(&Block{size: 4})

	if got := a.Stats().BadReleases; got != 2 {
		t.Errorf("BadReleases = %d, want 2", got)
	}
}

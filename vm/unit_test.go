package vm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// ---------------------------------------------------------------------------
// Unit Tests
// ---------------------------------------------------------------------------

func newTestUnit(t *testing.T, alloc Allocator) *Unit {
	t.Helper()
	u, err := NewUnit(alloc)
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	return u
}

func TestUnitReleasedExactlyWhenCountReachesZero(t *testing.T) {
	alloc := NewTrackingAllocator(nil, 0)
	u := newTestUnit(t, alloc)
	if err := u.SetCode([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SetCode: %v", err)
	}
	if _, err := u.AddString("hello"); err != nil {
		t.Fatalf("AddString: %v", err)
	}

	const extra = 5
	for i := 0; i < extra; i++ {
		u.IncRef()
	}
	for i := 0; i < extra; i++ {
		u.DecRef()
		if u.Freed() {
			t.Fatalf("unit freed after %d of %d extra decrements", i+1, extra)
		}
	}
	if u.RefCount() != 1 {
		t.Fatalf("RefCount() = %d, want 1", u.RefCount())
	}

	u.DecRef()
	if !u.Freed() {
		t.Fatal("unit should be freed at count zero")
	}
	if alloc.Live() != 0 {
		t.Errorf("live blocks after free = %d, want 0", alloc.Live())
	}
	if alloc.Stats().BadReleases != 0 {
		t.Errorf("BadReleases = %d, want 0", alloc.Stats().BadReleases)
	}
}

func TestUnitDecRefUnderflowPanics(t *testing.T) {
	u := newTestUnit(t, nil)
	u.DecRef()

	defer func() {
		if r := recover(); r == nil {
			t.Error("DecRef on a freed unit should panic")
		}
	}()
	u.DecRef()
}

func TestUnitSharedChildSurvivesParent(t *testing.T) {
	alloc := NewTrackingAllocator(nil, 0)
	a := newTestUnit(t, alloc)
	b := newTestUnit(t, alloc)
	c := newTestUnit(t, alloc)

	if _, err := a.AddChild(c); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	c.IncRef()
	if _, err := b.AddChild(c); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if c.RefCount() != 2 {
		t.Fatalf("shared child RefCount() = %d, want 2", c.RefCount())
	}

	a.DecRef()
	if c.Freed() {
		t.Fatal("child freed while still owned by the second parent")
	}
	if c.RefCount() != 1 {
		t.Errorf("child RefCount() = %d, want 1", c.RefCount())
	}

	b.DecRef()
	if !c.Freed() {
		t.Error("child should be freed once both parents are gone")
	}
	if alloc.Live() != 0 {
		t.Errorf("live blocks = %d, want 0", alloc.Live())
	}
}

func TestUnitDetachChildrenNoDoubleDecrement(t *testing.T) {
	parent := newTestUnit(t, nil)
	child := newTestUnit(t, nil)
	child.IncRef() // keep our own reference
	if _, err := parent.AddChild(child); err != nil {
		t.Fatalf("AddChild: %v", err)
	}

	parent.DetachChildren()
	if child.RefCount() != 1 {
		t.Fatalf("after detach RefCount() = %d, want 1", child.RefCount())
	}
	if parent.Freed() {
		t.Fatal("DetachChildren must not free the parent")
	}
	if parent.Child(0) != nil {
		t.Error("detached slot should be nil")
	}

	parent.DetachChildren()
	parent.DecRef()
	if child.RefCount() != 1 || child.Freed() {
		t.Errorf("child decremented again by parent free: RefCount()=%d freed=%v", child.RefCount(), child.Freed())
	}
	child.DecRef()
	if !child.Freed() {
		t.Error("child should be freed by its last owner")
	}
}

func TestUnitCycleBrokenByDetach(t *testing.T) {
	alloc := NewTrackingAllocator(nil, 0)
	a := newTestUnit(t, alloc)
	b := newTestUnit(t, alloc)

	if _, err := a.AddChild(b); err != nil {
		t.Fatal(err)
	}
	a.IncRef()
	if _, err := b.AddChild(a); err != nil {
		t.Fatal(err)
	}

	// Our reference on a goes; the cycle keeps both alive.
	a.DecRef()
	if a.Freed() || b.Freed() {
		t.Fatal("cycle members freed without being detached")
	}

	b.DetachChildren()
	if !a.Freed() || !b.Freed() {
		t.Errorf("after detach: a freed=%v b freed=%v, want both", a.Freed(), b.Freed())
	}
	if alloc.Live() != 0 {
		t.Errorf("live blocks = %d, want 0", alloc.Live())
	}
}

func TestUnitDetachFreesParentMidWalk(t *testing.T) {
	alloc := NewTrackingAllocator(nil, 0)
	a := newTestUnit(t, alloc)
	b := newTestUnit(t, alloc)
	x := newTestUnit(t, alloc)

	// a -> b, b -> {a, x}; b is owned only by the edge from a.
	if _, err := a.AddChild(b); err != nil {
		t.Fatal(err)
	}
	a.IncRef()
	if _, err := b.AddChild(a); err != nil {
		t.Fatal(err)
	}
	x.IncRef()
	if _, err := b.AddChild(x); err != nil {
		t.Fatal(err)
	}
	a.DecRef()

	// Dropping b's edge to a frees a, which frees b before x is reached.
	b.DetachChildren()
	if !a.Freed() || !b.Freed() {
		t.Errorf("after detach: a freed=%v b freed=%v, want both", a.Freed(), b.Freed())
	}
	if x.Freed() || x.RefCount() != 1 {
		t.Errorf("x decremented twice: freed=%v RefCount()=%d", x.Freed(), x.RefCount())
	}

	x.DecRef()
	if alloc.Live() != 0 {
		t.Errorf("live blocks = %d, want 0", alloc.Live())
	}
	if st := alloc.Stats(); st.BadReleases != 0 {
		t.Errorf("bad releases = %d, want 0", st.BadReleases)
	}
}

func TestDetachGraphReleasesNestedCycle(t *testing.T) {
	alloc := NewTrackingAllocator(nil, 0)
	root := newTestUnit(t, alloc)
	a := newTestUnit(t, alloc)
	b := newTestUnit(t, alloc)

	// root -> a, a -> b, b -> a
	root.AddChild(a)
	a.AddChild(b)
	a.IncRef()
	b.AddChild(a)

	DetachGraph(root)
	if !a.Freed() || !b.Freed() {
		t.Errorf("cycle below root not released: a freed=%v b freed=%v", a.Freed(), b.Freed())
	}
	if root.Freed() || root.RefCount() != 1 {
		t.Errorf("root lost its owner: freed=%v RefCount()=%d", root.Freed(), root.RefCount())
	}

	root.DecRef()
	DetachGraph(root)
	if alloc.Live() != 0 {
		t.Errorf("live blocks = %d, want 0", alloc.Live())
	}
}

func TestUnitBorrowedCodeIsNotReleased(t *testing.T) {
	alloc := NewTrackingAllocator(nil, 0)
	u := newTestUnit(t, alloc)
	static := []byte{0x01, 0x02}
	u.BorrowCode(static)

	if u.Flags()&UnitNoFreeCode == 0 {
		t.Fatal("BorrowCode should set UnitNoFreeCode")
	}
	u.DecRef()
	if static[0] != 0x01 {
		t.Error("borrowed code was modified")
	}
	if st := alloc.Stats(); st.BadReleases != 0 || st.LiveBlocks != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestUnitLiterals(t *testing.T) {
	u := newTestUnit(t, nil)
	defer u.DecRef()

	if _, err := u.AddInt(42); err != nil {
		t.Fatal(err)
	}
	if _, err := u.AddFloat(2.5); err != nil {
		t.Fatal(err)
	}
	if _, err := u.AddString("sym"); err != nil {
		t.Fatal(err)
	}

	var got []string
	for i := 0; i < u.LiteralCount(); i++ {
		l := u.Literal(i)
		got = append(got, l.Kind.String())
	}
	if diff := cmp.Diff([]string{"int", "float", "string"}, got); diff != "" {
		t.Errorf("literal kinds (-want +got):\n%s", diff)
	}
	if u.Literal(0).Int != 42 || u.Literal(1).Float != 2.5 || u.Literal(2).Str() != "sym" {
		t.Errorf("literal values wrong: %+v %+v %q", u.Literal(0), u.Literal(1), u.Literal(2).Str())
	}
}

func TestUnitLiteralIndexOutOfRangePanics(t *testing.T) {
	u := newTestUnit(t, nil)
	defer u.DecRef()
	defer func() {
		if r := recover(); r == nil {
			t.Error("Literal(0) on empty pool should panic")
		}
	}()
	u.Literal(0)
}

func TestUnitBuilderAllocationFailure(t *testing.T) {
	alloc := NewTrackingAllocator(nil, 0)
	u := newTestUnit(t, alloc)

	alloc.FailAt(1)
	_, err := u.AddString("lost")
	var ae *AllocationError
	if !errors.As(err, &ae) || ae.What != "string literal" {
		t.Fatalf("AddString: got %v, want string literal *AllocationError", err)
	}
	if u.LiteralCount() != 0 {
		t.Errorf("LiteralCount() = %d, want 0", u.LiteralCount())
	}

	u.DecRef()
	if alloc.Live() != 0 {
		t.Errorf("live blocks = %d, want 0", alloc.Live())
	}
}

func TestUnitDebugInfoLineFor(t *testing.T) {
	u := newTestUnit(t, nil)
	defer u.DecRef()

	err := u.SetDebugInfo(&DebugInfo{
		Filename: "main.rb",
		Lines:    []LineEntry{{Offset: 0, Line: 1}, {Offset: 4, Line: 2}, {Offset: 10, Line: 5}},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		offset, want int
	}{
		{0, 1}, {3, 1}, {4, 2}, {9, 2}, {10, 5}, {40, 5},
	}
	for _, tt := range tests {
		if got := u.DebugInfo().LineFor(tt.offset); got != tt.want {
			t.Errorf("LineFor(%d) = %d, want %d", tt.offset, got, tt.want)
		}
	}
}

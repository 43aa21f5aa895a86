package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// ---------------------------------------------------------------------------
// ClassTable tests
// ---------------------------------------------------------------------------

func TestClassTableRegisterReplaces(t *testing.T) {
	ct := NewClassTable()
	object := &Class{Name: "Object"}
	first := &Class{Name: "Point", Superclass: object}
	second := &Class{Name: "Point", Superclass: object}

	ct.Register(object)
	if old := ct.Register(first); old != nil {
		t.Errorf("Register(first) returned %v, want nil", old)
	}
	if old := ct.Register(second); old != first {
		t.Errorf("Register(second) returned %v, want first", old)
	}
	if ct.Len() != 2 {
		t.Errorf("Len() = %d, want 2", ct.Len())
	}
	if ct.Lookup("Point") != second {
		t.Error("Lookup should return the replacement")
	}

	ct.Clear()
	if ct.Has("Object") || ct.Len() != 0 {
		t.Error("Clear should drop every class")
	}
}

func TestClassSuperclasses(t *testing.T) {
	s := openTestState(t, Config{})

	var got []string
	for _, c := range s.Class("ZeroDivisionError").Superclasses() {
		got = append(got, c.Name)
	}
	want := []string{"StandardError", "Exception", "Object", "BasicObject"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Superclasses() (-want +got):\n%s", diff)
	}
}

func TestDefineClassIsIdempotent(t *testing.T) {
	s := openTestState(t, Config{})
	n := s.Classes().Len()

	a := s.DefineClass("Widget", s.ObjectClass)
	b := s.DefineClass("Widget", nil)
	if a != b {
		t.Error("DefineClass should return the existing class")
	}
	if s.Classes().Len() != n+1 {
		t.Errorf("Len() = %d, want %d", s.Classes().Len(), n+1)
	}
	if name := s.Symbols().Name(a.Sym); name != "Widget" {
		t.Errorf("class symbol names %q", name)
	}
}

package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Exception Class Hierarchy Tests
// ---------------------------------------------------------------------------

func TestExceptionHierarchyIsComplete(t *testing.T) {
	s := openTestState(t, Config{})

	for _, e := range exceptionHierarchy {
		cls := s.Class(e.name)
		if cls == nil {
			t.Errorf("%s not bootstrapped", e.name)
			continue
		}
		if cls.Superclass == nil || cls.Superclass.Name != e.super {
			t.Errorf("%s superclass = %v, want %s", e.name, cls.Superclass, e.super)
		}
	}
	if s.ExceptionClass != s.Class("Exception") {
		t.Error("ExceptionClass not set")
	}
}

func TestExceptionErrorString(t *testing.T) {
	s := openTestState(t, Config{})

	tests := []struct {
		cls, msg, want string
	}{
		{"RuntimeError", "", "RuntimeError"},
		{"ArgumentError", "wrong number of arguments", "wrong number of arguments (ArgumentError)"},
	}
	for _, tt := range tests {
		e := s.NewException(s.Class(tt.cls), tt.msg)
		if got := e.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestPendingExceptionIsRoot(t *testing.T) {
	s := openTestState(t, Config{})

	idx := s.GC().ArenaSave()
	e := s.ExceptionFor(errors.New("boom"))
	s.GC().ArenaRestore(idx)
	s.SetException(e)

	live := s.Heap().Live()
	s.GarbageCollect()
	if s.Heap().Live() != live {
		t.Errorf("pending exception collected: Live() = %d, want %d", s.Heap().Live(), live)
	}

	s.SetException(nil)
	s.GarbageCollect()
	if s.Heap().Live() != live-1 {
		t.Errorf("cleared exception survived: Live() = %d, want %d", s.Heap().Live(), live-1)
	}
}

package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// ExceptionObject
// ---------------------------------------------------------------------------

// ExceptionObject is a raised or raisable exception instance.
type ExceptionObject struct {
	Class   *Class
	Message string
	Cause   error // Go error the exception was built from, if any
}

// Children implements Object.
func (e *ExceptionObject) Children(fn func(Object)) {
	if e.Class != nil {
		fn(e.Class)
	}
}

// Error implements error.
func (e *ExceptionObject) Error() string {
	name := "Exception"
	if e.Class != nil {
		name = e.Class.Name
	}
	if e.Message == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", e.Message, name)
}

// Unwrap returns the Go error the exception was built from.
func (e *ExceptionObject) Unwrap() error {
	return e.Cause
}

// NewException allocates an exception of class cls on the State's collector.
func (s *State) NewException(cls *Class, msg string) *ExceptionObject {
	e := &ExceptionObject{Class: cls, Message: msg}
	s.gc.Track(e)
	return e
}

// ExceptionFor maps a core error onto the exception the interpreter loop
// should raise: allocation failures become NoMemoryError, stack overflows
// SystemStackError, fiber misuse FiberError, anything else RuntimeError.
func (s *State) ExceptionFor(err error) *ExceptionObject {
	if err == nil {
		return nil
	}
	var exc *ExceptionObject
	if errors.As(err, &exc) {
		return exc
	}

	name := "RuntimeError"
	msg := err.Error()
	switch {
	case errors.Is(err, ErrNoMemory):
		name = "NoMemoryError"
		msg = "failed to allocate memory"
	case errors.Is(err, ErrStackOverflow):
		name = "SystemStackError"
		msg = "stack level too deep"
	case errors.Is(err, ErrFiberDead), errors.Is(err, ErrDoubleResume), errors.Is(err, ErrNotCurrent):
		name = "FiberError"
	}
	e := s.NewException(s.classes.Lookup(name), msg)
	e.Cause = err
	return e
}

// ---------------------------------------------------------------------------
// Exception class hierarchy
// ---------------------------------------------------------------------------

// exceptionHierarchy lists core exception classes, each after its superclass.
var exceptionHierarchy = []struct {
	name, super string
}{
	{"Exception", "Object"},
	{"NoMemoryError", "Exception"},
	{"ScriptError", "Exception"},
	{"LoadError", "ScriptError"},
	{"NotImplementedError", "ScriptError"},
	{"SyntaxError", "ScriptError"},
	{"SecurityError", "Exception"},
	{"SignalException", "Exception"},
	{"Interrupt", "SignalException"},
	{"StandardError", "Exception"}, // default for rescue
	{"ArgumentError", "StandardError"},
	{"UncaughtThrowError", "ArgumentError"},
	{"EncodingError", "StandardError"},
	{"FiberError", "StandardError"},
	{"IOError", "StandardError"},
	{"EOFError", "IOError"},
	{"IndexError", "StandardError"},
	{"KeyError", "IndexError"},
	{"StopIteration", "IndexError"},
	{"LocalJumpError", "StandardError"},
	{"NameError", "StandardError"},
	{"NoMethodError", "NameError"},
	{"RangeError", "StandardError"},
	{"FloatDomainError", "RangeError"},
	{"RegexpError", "StandardError"},
	{"RuntimeError", "StandardError"}, // default for raise
	{"FrozenError", "RuntimeError"},
	{"SystemCallError", "StandardError"},
	{"ThreadError", "StandardError"},
	{"TypeError", "StandardError"},
	{"ZeroDivisionError", "StandardError"},
	{"SystemExit", "Exception"},
	{"SystemStackError", "Exception"},
	{"fatal", "Exception"}, // impossible to rescue
}

func (s *State) bootstrapExceptionClasses() {
	for _, e := range exceptionHierarchy {
		s.DefineClass(e.name, s.classes.Lookup(e.super))
	}
}

package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrNoMemory is wrapped by every AllocationError.
	ErrNoMemory = errors.New("vm: out of memory")

	// ErrFinalizerCapacity is wrapped by CapacityError.
	ErrFinalizerCapacity = errors.New("vm: exceeded fixed state finalizer stack limit")

	// ErrClosed is returned by operations on a closed State.
	ErrClosed = errors.New("vm: state is closed")

	// ErrStackOverflow is returned when a stack would grow past its maximum.
	ErrStackOverflow = errors.New("vm: stack level too deep")

	// ErrRootContext is returned when a caller tries to free the root context.
	ErrRootContext = errors.New("vm: root context is owned by the state")

	// ErrContextFreed is returned by operations on a freed context.
	ErrContextFreed = errors.New("vm: context has been freed")

	// ErrFiberDead is returned when resuming a terminated fiber.
	ErrFiberDead = errors.New("vm: dead fiber called")

	// ErrDoubleResume is returned when resuming a fiber that is already running.
	ErrDoubleResume = errors.New("vm: double resume")

	// ErrNotCurrent is returned when a fiber yields while not the current one.
	ErrNotCurrent = errors.New("vm: fiber is not the current context")
)

// AllocationError reports that an allocator could not satisfy a request.
type AllocationError struct {
	What string // what was being allocated, if known
	Size int
	Err  error
}

func (e *AllocationError) Error() string {
	if e.What == "" {
		return fmt.Sprintf("vm: cannot allocate %d bytes: %v", e.Size, e.Err)
	}
	return fmt.Sprintf("vm: cannot allocate %s (%d bytes): %v", e.What, e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// allocationFailure tags an allocator error with what was being allocated.
func allocationFailure(what string, size int, err error) error {
	var ae *AllocationError
	if errors.As(err, &ae) {
		if ae.What == "" {
			return &AllocationError{What: what, Size: ae.Size, Err: ae.Err}
		}
		return ae
	}
	return &AllocationError{What: what, Size: size, Err: err}
}

// CapacityError reports that a bounded finalizer stack is full.
type CapacityError struct {
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v (capacity %d)", ErrFinalizerCapacity, e.Capacity)
}

func (e *CapacityError) Unwrap() error {
	return ErrFinalizerCapacity
}

// TeardownFault reports a failure during Close. There is no way to roll a
// half-closed State back, so these are always routed to the fatal handler.
type TeardownFault struct {
	Stage string
	Err   error
}

func (e *TeardownFault) Error() string {
	return fmt.Sprintf("vm: fatal fault during %s: %v", e.Stage, e.Err)
}

func (e *TeardownFault) Unwrap() error {
	return e.Err
}

// panicError converts a recovered panic value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}

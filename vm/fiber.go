package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Fiber: cooperative thread owning a derived context
// ---------------------------------------------------------------------------

// FiberState is the lifecycle state of a fiber.
type FiberState uint8

const (
	FiberCreated FiberState = iota
	FiberResumed
	FiberSuspended
	FiberTerminated
)

func (fs FiberState) String() string {
	switch fs {
	case FiberCreated:
		return "created"
	case FiberResumed:
		return "resumed"
	case FiberSuspended:
		return "suspended"
	case FiberTerminated:
		return "terminated"
	}
	return fmt.Sprintf("FiberState(%d)", uint8(fs))
}

// Fiber owns a derived context. Running a fiber swaps the State's current
// context; nothing runs in parallel. When a fiber terminates, or is
// reclaimed without terminating, its context is freed and every unit
// reference held by its frames is dropped.
type Fiber struct {
	owner  *State
	ctx    *Context
	proc   *Closure
	status FiberState
}

// NewFiber creates a fiber whose context starts inside proc.
func (s *State) NewFiber(proc *Closure) (*Fiber, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if proc == nil || proc.Unit() == nil {
		return nil, fmt.Errorf("vm: fiber needs a live closure")
	}
	c, err := s.NewContext()
	if err != nil {
		return nil, err
	}
	f := &Fiber{owner: s, ctx: c, proc: proc}
	c.fiber = f
	if _, err := c.PushCall(proc.Unit(), proc, 0); err != nil {
		c.Free()
		return nil, err
	}
	s.gc.Track(f)
	log.Debugf("state %s: fiber created", s.id)
	return f, nil
}

// Status returns the fiber's lifecycle state.
func (f *Fiber) Status() FiberState {
	return f.status
}

// Context returns the fiber's context. It is freed once the fiber terminates.
func (f *Fiber) Context() *Context {
	return f.ctx
}

// Proc returns the closure the fiber was created with.
func (f *Fiber) Proc() *Closure {
	return f.proc
}

// Resume makes the fiber's context current. The context that was current
// becomes the one Yield returns to.
func (f *Fiber) Resume() error {
	switch f.status {
	case FiberTerminated:
		return ErrFiberDead
	case FiberResumed:
		return ErrDoubleResume
	}
	f.ctx.prev = f.owner.SwitchContext(f.ctx)
	f.status = FiberResumed
	return nil
}

// Yield switches back to the context that resumed the fiber.
func (f *Fiber) Yield() error {
	if f.status != FiberResumed || f.owner.c != f.ctx {
		return ErrNotCurrent
	}
	prev := f.ctx.prev
	f.ctx.prev = nil
	f.owner.SwitchContext(prev)
	f.status = FiberSuspended
	return nil
}

// Terminate ends the fiber, whether or not it ran to completion. If it is
// the current context, control returns to whoever resumed it.
func (f *Fiber) Terminate() {
	if f.status == FiberTerminated {
		return
	}
	if f.owner.c == f.ctx {
		prev := f.ctx.prev
		f.ctx.prev = nil
		f.owner.SwitchContext(prev)
	}
	f.status = FiberTerminated
	f.ctx.Free()
}

// Children implements Object.
func (f *Fiber) Children(fn func(Object)) {
	if f.proc != nil {
		fn(f.proc)
	}
	f.ctx.markValues(func(v Value) {
		if o, ok := v.(Object); ok {
			fn(o)
		}
	})
}

// Finalize implements Finalizable. An abandoned fiber is not current, so
// this only frees its context.
func (f *Fiber) Finalize() error {
	if f.status != FiberTerminated {
		f.status = FiberTerminated
		f.ctx.Free()
	}
	return nil
}

package vm

// ---------------------------------------------------------------------------
// FinalizerStack: shutdown callbacks
// ---------------------------------------------------------------------------

// Finalizer is a shutdown callback. It runs during Close while the collector
// and symbol table are still alive, so it may allocate and inspect objects.
type Finalizer func(s *State)

// FinalizerCapacity selects the storage policy of a FinalizerStack.
type FinalizerCapacity struct {
	limit int
}

// Unbounded is a growable finalizer stack with no ceiling.
var Unbounded = FinalizerCapacity{}

// Bounded returns a fixed-capacity policy. Registration fails with a
// CapacityError once n finalizers are registered. n <= 0 means Unbounded.
func Bounded(n int) FinalizerCapacity {
	if n <= 0 {
		return Unbounded
	}
	return FinalizerCapacity{limit: n}
}

// Limit returns the fixed capacity, or 0 when unbounded.
func (c FinalizerCapacity) Limit() int {
	return c.limit
}

// IsBounded reports whether the policy has a fixed capacity.
func (c FinalizerCapacity) IsBounded() bool {
	return c.limit > 0
}

const (
	finalizerSlotSize  = 8
	finalizerStackInit = 4
)

// FinalizerStack holds finalizers in registration order. Its slot table is
// charged to an Allocator, so a memory limit can refuse a registration.
type FinalizerStack struct {
	capacity FinalizerCapacity
	alloc    Allocator
	block    *Block
	slots    int
	fns      []Finalizer
}

// NewFinalizerStack creates an empty stack with the given policy. Slots are
// reserved from alloc (SystemAllocator if nil) on first use.
func NewFinalizerStack(alloc Allocator, capacity FinalizerCapacity) *FinalizerStack {
	if alloc == nil {
		alloc = SystemAllocator
	}
	fs := &FinalizerStack{capacity: capacity, alloc: alloc}
	if capacity.IsBounded() {
		fs.fns = make([]Finalizer, 0, capacity.limit)
	}
	return fs
}

// Push appends fn. A nil fn is ignored. A full bounded stack returns a
// *CapacityError; an allocator refusal while growing returns an
// *AllocationError and leaves the stack unchanged.
func (fs *FinalizerStack) Push(fn Finalizer) error {
	if fn == nil {
		return nil
	}
	if fs.capacity.IsBounded() && len(fs.fns) >= fs.capacity.limit {
		return &CapacityError{Capacity: fs.capacity.limit}
	}
	if len(fs.fns) >= fs.slots {
		if err := fs.grow(); err != nil {
			return err
		}
	}
	fs.fns = append(fs.fns, fn)
	return nil
}

func (fs *FinalizerStack) grow() error {
	n := fs.slots * 2
	if n == 0 {
		n = finalizerStackInit
	}
	if fs.capacity.IsBounded() && n > fs.capacity.limit {
		n = fs.capacity.limit
	}
	size := n * finalizerSlotSize
	b, err := fs.alloc.Resize(fs.block, size)
	if err != nil {
		return allocationFailure("finalizer stack", size, err)
	}
	fs.block = b
	fs.slots = n
	return nil
}

// Release returns the slot table to the allocator and forgets any
// finalizers still registered.
func (fs *FinalizerStack) Release() {
	fs.alloc.Release(fs.block)
	fs.block = nil
	fs.slots = 0
	fs.fns = nil
}

// Len returns the number of registered finalizers.
func (fs *FinalizerStack) Len() int {
	return len(fs.fns)
}

// Capacity returns the stack's storage policy.
func (fs *FinalizerStack) Capacity() FinalizerCapacity {
	return fs.capacity
}

// RunAll invokes every finalizer, newest first, and leaves the stack empty.
// The stack is drained before the first callback runs, so a finalizer that
// registers another finalizer does not extend this run.
func (fs *FinalizerStack) RunAll(s *State) {
	fns := fs.fns
	fs.fns = nil
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i](s)
	}
}

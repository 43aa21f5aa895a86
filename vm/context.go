package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// StackLimits: initial sizes and ceilings of a context's stores
// ---------------------------------------------------------------------------

// Accounting sizes charged to the allocator per stack entry.
const (
	valueSlotSize   = 16
	callInfoSize    = 64
	rescueEntrySize = 16
	ensureEntrySize = 8
)

// StackLimits configures the four stores of a Context. Zero fields take the
// defaults from DefaultStackLimits.
type StackLimits struct {
	StackInit    int // operand stack slots allocated up front
	StackMax     int // operand stack ceiling
	CallInfoInit int // call-info entries allocated up front
	CallDepthMax int // call-info ceiling
	RescueInit   int
	EnsureInit   int
}

// DefaultStackLimits returns the limits used when none are configured.
func DefaultStackLimits() StackLimits {
	return StackLimits{
		StackInit:    128,
		StackMax:     0x40000,
		CallInfoInit: 32,
		CallDepthMax: 512,
		RescueInit:   16,
		EnsureInit:   16,
	}
}

func (l StackLimits) withDefaults() StackLimits {
	d := DefaultStackLimits()
	if l.StackInit <= 0 {
		l.StackInit = d.StackInit
	}
	if l.StackMax <= 0 {
		l.StackMax = d.StackMax
	}
	if l.CallInfoInit <= 0 {
		l.CallInfoInit = d.CallInfoInit
	}
	if l.CallDepthMax <= 0 {
		l.CallDepthMax = d.CallDepthMax
	}
	if l.RescueInit <= 0 {
		l.RescueInit = d.RescueInit
	}
	if l.EnsureInit <= 0 {
		l.EnsureInit = d.EnsureInit
	}
	if l.StackInit > l.StackMax {
		l.StackInit = l.StackMax
	}
	if l.CallInfoInit > l.CallDepthMax {
		l.CallInfoInit = l.CallDepthMax
	}
	return l
}

// ---------------------------------------------------------------------------
// CallInfo and handlers
// ---------------------------------------------------------------------------

// CallInfo is one active call. Each frame holds a reference on its unit for
// as long as it is on the call-info stack.
type CallInfo struct {
	Unit *Unit    // unit being executed
	Proc *Closure // closure being executed, nil for top-level code
	Base int      // operand stack index of the frame's first register
	Argc int
	PC   int // instruction offset into Unit.Code()

	rescueDepth int
	ensureDepth int
}

// RescueHandler is an installed rescue clause.
type RescueHandler struct {
	Target int // instruction offset of the rescue clause
	Depth  int // call depth the handler was installed at
}

// ---------------------------------------------------------------------------
// Context: one call stack
// ---------------------------------------------------------------------------

// Context is the execution state of one logical thread: operand stack,
// call-info stack, rescue stack and ensure stack. The four stores are
// allocated together and released together.
type Context struct {
	alloc  Allocator
	limits StackLimits
	owner  *State
	root   bool
	freed  bool

	stack      []Value
	stackBlock *Block

	calls     []CallInfo
	callBlock *Block

	rescues     []RescueHandler
	rescueBlock *Block

	ensures     []*Closure
	ensureBlock *Block

	prev  *Context // context to switch back to when a fiber yields
	fiber *Fiber
}

// NewContext allocates an empty context. Either all four stores are
// allocated or none are.
func NewContext(alloc Allocator, limits StackLimits) (*Context, error) {
	if alloc == nil {
		alloc = SystemAllocator
	}
	limits = limits.withDefaults()

	c := &Context{alloc: alloc, limits: limits}
	var err error
	if c.stackBlock, err = c.reserve("operand stack", limits.StackInit*valueSlotSize); err != nil {
		c.releaseStores()
		return nil, err
	}
	if c.callBlock, err = c.reserve("call-info stack", limits.CallInfoInit*callInfoSize); err != nil {
		c.releaseStores()
		return nil, err
	}
	if c.rescueBlock, err = c.reserve("rescue stack", limits.RescueInit*rescueEntrySize); err != nil {
		c.releaseStores()
		return nil, err
	}
	if c.ensureBlock, err = c.reserve("ensure stack", limits.EnsureInit*ensureEntrySize); err != nil {
		c.releaseStores()
		return nil, err
	}

	c.stack = make([]Value, 0, limits.StackInit)
	c.calls = make([]CallInfo, 0, limits.CallInfoInit)
	c.rescues = make([]RescueHandler, 0, limits.RescueInit)
	c.ensures = make([]*Closure, 0, limits.EnsureInit)
	return c, nil
}

func (c *Context) reserve(what string, size int) (*Block, error) {
	b, err := c.alloc.Allocate(size)
	if err != nil {
		return nil, allocationFailure(what, size, err)
	}
	return b, nil
}

func (c *Context) releaseStores() {
	c.alloc.Release(c.stackBlock)
	c.alloc.Release(c.callBlock)
	c.alloc.Release(c.rescueBlock)
	c.alloc.Release(c.ensureBlock)
	c.stackBlock, c.callBlock, c.rescueBlock, c.ensureBlock = nil, nil, nil, nil
}

// Free releases the context. Frames still on the call-info stack drop their
// unit references first, so abandoning a context never leaks compiled code.
// Free is a no-op on a nil or already freed context. The root context is
// only freed by State.Close.
func (c *Context) Free() {
	if c == nil || c.freed {
		return
	}
	if c.root && c.owner != nil && !c.owner.closing {
		log.Warningf("state %s: refusing to free the root context", c.owner.id)
		return
	}

	for i := len(c.calls) - 1; i >= 0; i-- {
		if u := c.calls[i].Unit; u != nil {
			u.DecRef()
		}
		c.calls[i] = CallInfo{}
	}

	c.releaseStores()
	c.stack = nil
	c.calls = nil
	c.rescues = nil
	c.ensures = nil
	c.prev = nil
	c.freed = true

	if c.owner != nil {
		c.owner.forgetContext(c)
	}
}

// Freed reports whether the context has been released.
func (c *Context) Freed() bool {
	return c.freed
}

// IsRoot reports whether this is its State's root context.
func (c *Context) IsRoot() bool {
	return c.root
}

// Fiber returns the fiber owning this context, or nil.
func (c *Context) Fiber() *Fiber {
	return c.fiber
}

// ---------------------------------------------------------------------------
// Growth
// ---------------------------------------------------------------------------

// growStore doubles a store's capacity (at least to need), reallocating its
// reservation through the allocator.
func growStore[T any](c *Context, items []T, blk *Block, need, max, entrySize int, what string) ([]T, *Block, error) {
	if need <= cap(items) {
		return items, blk, nil
	}
	if need > max {
		return items, blk, fmt.Errorf("%s: %w", what, ErrStackOverflow)
	}
	newCap := cap(items) * 2
	if newCap < need {
		newCap = need
	}
	if newCap > max {
		newCap = max
	}
	nb, err := c.alloc.Resize(blk, newCap*entrySize)
	if err != nil {
		return items, blk, allocationFailure(what, newCap*entrySize, err)
	}
	grown := make([]T, len(items), newCap)
	copy(grown, items)
	return grown, nb, nil
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// Push pushes v onto the operand stack.
func (c *Context) Push(v Value) error {
	if c.freed {
		return ErrContextFreed
	}
	stack, blk, err := growStore(c, c.stack, c.stackBlock, len(c.stack)+1, c.limits.StackMax, valueSlotSize, "operand stack")
	if err != nil {
		return err
	}
	c.stack, c.stackBlock = stack, blk
	c.stack = append(c.stack, v)
	return nil
}

// Pop removes and returns the top of the operand stack.
func (c *Context) Pop() Value {
	if len(c.stack) == 0 {
		panic("stack underflow")
	}
	v := c.stack[len(c.stack)-1]
	c.stack[len(c.stack)-1] = nil
	c.stack = c.stack[:len(c.stack)-1]
	return v
}

// Top returns the top of the operand stack without removing it.
func (c *Context) Top() Value {
	if len(c.stack) == 0 {
		panic("stack underflow")
	}
	return c.stack[len(c.stack)-1]
}

// Reserve extends the operand stack by n nil slots.
func (c *Context) Reserve(n int) error {
	if c.freed {
		return ErrContextFreed
	}
	if n <= 0 {
		return nil
	}
	stack, blk, err := growStore(c, c.stack, c.stackBlock, len(c.stack)+n, c.limits.StackMax, valueSlotSize, "operand stack")
	if err != nil {
		return err
	}
	c.stack, c.stackBlock = stack, blk
	c.stack = c.stack[:len(c.stack)+n]
	return nil
}

// StackLen returns the number of occupied operand stack slots.
func (c *Context) StackLen() int {
	return len(c.stack)
}

// StackCap returns the operand stack's current capacity.
func (c *Context) StackCap() int {
	return cap(c.stack)
}

// Register returns slot i of the current frame.
func (c *Context) Register(i int) Value {
	return c.stack[c.frameBase()+i]
}

// SetRegister sets slot i of the current frame.
func (c *Context) SetRegister(i int, v Value) {
	c.stack[c.frameBase()+i] = v
}

func (c *Context) frameBase() int {
	if len(c.calls) == 0 {
		return 0
	}
	return c.calls[len(c.calls)-1].Base
}

// ---------------------------------------------------------------------------
// Call-info stack
// ---------------------------------------------------------------------------

// PushCall enters u and returns a copy of the new frame. The frame takes a
// reference on u and reserves the unit's registers on the operand stack.
// proc may be nil. Use CurrentCall to update the live frame.
func (c *Context) PushCall(u *Unit, proc *Closure, argc int) (CallInfo, error) {
	if c.freed {
		return CallInfo{}, ErrContextFreed
	}
	if u == nil {
		return CallInfo{}, fmt.Errorf("vm: call of nil unit")
	}
	calls, blk, err := growStore(c, c.calls, c.callBlock, len(c.calls)+1, c.limits.CallDepthMax, callInfoSize, "call-info stack")
	if err != nil {
		return CallInfo{}, err
	}
	c.calls, c.callBlock = calls, blk

	base := len(c.stack)
	if err := c.Reserve(int(u.Registers())); err != nil {
		return CallInfo{}, err
	}

	u.IncRef()
	ci := CallInfo{
		Unit:        u,
		Proc:        proc,
		Base:        base,
		Argc:        argc,
		rescueDepth: len(c.rescues),
		ensureDepth: len(c.ensures),
	}
	c.calls = append(c.calls, ci)
	return ci, nil
}

// PopCall leaves the current frame: the operand stack is cut back to the
// frame's base, handlers installed by the frame are discarded, and the frame's
// unit reference is dropped. It returns false if no frame is active.
func (c *Context) PopCall() (CallInfo, bool) {
	if len(c.calls) == 0 {
		return CallInfo{}, false
	}
	ci := c.calls[len(c.calls)-1]
	c.calls[len(c.calls)-1] = CallInfo{}
	c.calls = c.calls[:len(c.calls)-1]

	for i := ci.Base; i < len(c.stack); i++ {
		c.stack[i] = nil
	}
	if ci.Base < len(c.stack) {
		c.stack = c.stack[:ci.Base]
	}
	for i := ci.rescueDepth; i < len(c.rescues); i++ {
		c.rescues[i] = RescueHandler{}
	}
	if ci.rescueDepth < len(c.rescues) {
		c.rescues = c.rescues[:ci.rescueDepth]
	}
	for i := ci.ensureDepth; i < len(c.ensures); i++ {
		c.ensures[i] = nil
	}
	if ci.ensureDepth < len(c.ensures) {
		c.ensures = c.ensures[:ci.ensureDepth]
	}

	ci.Unit.DecRef()
	return ci, true
}

// CurrentCall returns the innermost frame, or nil. The pointer is only valid
// until the next PushCall or PopCall on this context.
func (c *Context) CurrentCall() *CallInfo {
	if len(c.calls) == 0 {
		return nil
	}
	return &c.calls[len(c.calls)-1]
}

// CallDepth returns the number of active frames.
func (c *Context) CallDepth() int {
	return len(c.calls)
}

// ---------------------------------------------------------------------------
// Rescue and ensure stacks
// ---------------------------------------------------------------------------

// PushRescue installs a rescue clause at the current call depth.
func (c *Context) PushRescue(target int) error {
	if c.freed {
		return ErrContextFreed
	}
	rescues, blk, err := growStore(c, c.rescues, c.rescueBlock, len(c.rescues)+1, c.limits.CallDepthMax*4, rescueEntrySize, "rescue stack")
	if err != nil {
		return err
	}
	c.rescues, c.rescueBlock = rescues, blk
	c.rescues = append(c.rescues, RescueHandler{Target: target, Depth: len(c.calls)})
	return nil
}

// PopRescue removes the innermost rescue clause.
func (c *Context) PopRescue() (RescueHandler, bool) {
	if len(c.rescues) == 0 {
		return RescueHandler{}, false
	}
	h := c.rescues[len(c.rescues)-1]
	c.rescues[len(c.rescues)-1] = RescueHandler{}
	c.rescues = c.rescues[:len(c.rescues)-1]
	return h, true
}

// RescueDepth returns the number of installed rescue clauses.
func (c *Context) RescueDepth() int {
	return len(c.rescues)
}

// PushEnsure installs an ensure block.
func (c *Context) PushEnsure(proc *Closure) error {
	if c.freed {
		return ErrContextFreed
	}
	ensures, blk, err := growStore(c, c.ensures, c.ensureBlock, len(c.ensures)+1, c.limits.CallDepthMax*4, ensureEntrySize, "ensure stack")
	if err != nil {
		return err
	}
	c.ensures, c.ensureBlock = ensures, blk
	c.ensures = append(c.ensures, proc)
	return nil
}

// PopEnsure removes and returns the innermost ensure block, or nil.
func (c *Context) PopEnsure() *Closure {
	if len(c.ensures) == 0 {
		return nil
	}
	p := c.ensures[len(c.ensures)-1]
	c.ensures[len(c.ensures)-1] = nil
	c.ensures = c.ensures[:len(c.ensures)-1]
	return p
}

// EnsureDepth returns the number of installed ensure blocks.
func (c *Context) EnsureDepth() int {
	return len(c.ensures)
}

// ---------------------------------------------------------------------------
// Root scanning
// ---------------------------------------------------------------------------

// markValues reports every value the context keeps alive.
func (c *Context) markValues(mark func(Value)) {
	if c.freed {
		return
	}
	for _, v := range c.stack {
		if v != nil {
			mark(v)
		}
	}
	for i := range c.calls {
		if p := c.calls[i].Proc; p != nil {
			mark(p)
		}
	}
	for _, p := range c.ensures {
		if p != nil {
			mark(p)
		}
	}
}

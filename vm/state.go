package vm

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// stateBlockSize is what the State itself is charged to the allocator.
const stateBlockSize = 512

// FatalExitCode is the process exit status used by the default fatal handler.
const FatalExitCode = 70

// Config configures Open. The zero Config is valid.
type Config struct {
	// Allocator backs every State-owned store. Defaults to SystemAllocator.
	Allocator Allocator

	// FinalizerCapacity selects the finalizer stack policy. Defaults to
	// Unbounded.
	FinalizerCapacity FinalizerCapacity

	// Collector replaces the default Heap. Heap is ignored when it is set.
	Collector Collector
	Heap      HeapConfig

	Stack StackLimits

	// Extensions are loaded in order once the core is bootstrapped.
	Extensions []Extension

	// Stdout receives Print and Puts when output is not captured.
	// Defaults to os.Stdout.
	Stdout io.Writer

	// Fatal is called with a *TeardownFault when Close cannot complete.
	// The default logs and exits the process. If the handler returns, Close
	// stops where the fault happened.
	Fatal func(error)
}

// Extension is a unit of functionality loaded into a State after the core.
type Extension interface {
	Name() string
	Init(s *State) error
}

type extensionFunc struct {
	name string
	init func(*State) error
}

func (e extensionFunc) Name() string        { return e.name }
func (e extensionFunc) Init(s *State) error { return e.init(s) }

// NewExtension wraps a function as an Extension.
func NewExtension(name string, init func(*State) error) Extension {
	return extensionFunc{name: name, init: init}
}

// EvalContext describes code being evaluated.
type EvalContext struct {
	Filename string
}

// TopFilename is reported when no eval context is pushed.
const TopFilename = "(eval)"

// ---------------------------------------------------------------------------
// State: one interpreter instance
// ---------------------------------------------------------------------------

// State owns everything one interpreter instance needs: the collector, the
// root context, the finalizer stack, symbols, classes and globals. States
// share nothing, so several can live in one process.
type State struct {
	id    uuid.UUID
	alloc Allocator
	block *Block
	gc    Collector

	c        *Context // current context
	rootC    *Context
	contexts map[*Context]struct{} // live derived contexts
	limits   StackLimits

	finalizers *FinalizerStack
	symbols    *SymbolTable
	classes    *ClassTable
	globals    map[Symbol]Value
	exc        *ExceptionObject
	topSelf    *InstanceObject

	evalStack  []EvalContext
	extensions map[string]struct{}
	extOrder   []string

	stdout   io.Writer
	captured *strings.Builder

	fatal   func(error)
	closing bool
	closed  bool

	// Well-known classes
	BasicObjectClass *Class
	ObjectClass      *Class
	ModuleClass      *Class
	ClassClass       *Class
	ProcClass        *Class
	FiberClass       *Class
	StringClass      *Class
	ArrayClass       *Class
	ExceptionClass   *Class
}

// Open creates and bootstraps a State. If the allocator refuses the state
// block, Open returns an *AllocationError. Any later failure tears down what
// was built, so a failed Open leaves no live allocator blocks behind.
func Open(cfg Config) (*State, error) {
	alloc := cfg.Allocator
	if alloc == nil {
		alloc = SystemAllocator
	}
	block, err := alloc.Allocate(stateBlockSize)
	if err != nil {
		return nil, allocationFailure("state", stateBlockSize, err)
	}

	s := &State{
		id:         uuid.New(),
		alloc:      alloc,
		block:      block,
		contexts:   make(map[*Context]struct{}),
		limits:     cfg.Stack.withDefaults(),
		finalizers: NewFinalizerStack(alloc, cfg.FinalizerCapacity),
		symbols:    NewSymbolTable(),
		classes:    NewClassTable(),
		globals:    make(map[Symbol]Value),
		extensions: make(map[string]struct{}),
		stdout:     cfg.Stdout,
		fatal:      cfg.Fatal,
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.fatal == nil {
		s.fatal = defaultFatal
	}

	s.gc = cfg.Collector
	if s.gc == nil {
		s.gc = NewHeap(cfg.Heap)
	}
	if err := s.gc.Init(s, true); err != nil {
		alloc.Release(block)
		return nil, fmt.Errorf("vm: init collector: %w", err)
	}

	root, err := NewContext(alloc, s.limits)
	if err != nil {
		if derr := s.gc.Destroy(); derr != nil {
			log.Errorf("state %s: destroy collector after failed open: %s", s.id, derr)
		}
		alloc.Release(block)
		return nil, err
	}
	root.owner = s
	root.root = true
	s.rootC = root
	s.c = root

	// The collector stays disabled until the core graph is complete.
	s.bootstrap()
	s.gc.Enable()
	log.Infof("state %s: opened (%d classes, %d symbols)", s.id, s.classes.Len(), s.symbols.Len())

	for _, ext := range cfg.Extensions {
		if err := s.LoadExtension(ext); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.gc.ArenaRestore(0)
	return s, nil
}

// Close tears the State down: finalizers run newest first, the collector
// reclaims every object, the root context is freed, then globals, symbols
// and the state block go. Close on a nil or closed State does nothing.
func (s *State) Close() {
	if s == nil || s.closed || s.closing {
		return
	}
	s.closing = true
	log.Infof("state %s: closing", s.id)

	if err := s.runFinalizers(); err != nil {
		s.fail(&TeardownFault{Stage: "finalizers", Err: err})
		return
	}
	s.finalizers.Release()
	if err := s.gc.Destroy(); err != nil {
		s.fail(&TeardownFault{Stage: "collector destroy", Err: err})
		return
	}

	for c := range s.contexts {
		log.Debugf("state %s: freeing leftover context", s.id)
		c.Free()
	}
	s.rootC.Free()
	s.c, s.rootC = nil, nil

	s.globals = nil
	s.exc = nil
	s.topSelf = nil
	s.symbols.Destroy()
	s.classes.Clear()
	s.evalStack = nil

	s.alloc.Release(s.block)
	s.block = nil
	s.closing = false
	s.closed = true
	log.Infof("state %s: closed", s.id)
}

func (s *State) runFinalizers() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	s.finalizers.RunAll(s)
	return nil
}

// fail hands a teardown fault to the fatal handler. The State is marked
// closed either way; it cannot be used again.
func (s *State) fail(err error) {
	s.closing = false
	s.closed = true
	log.Criticalf("state %s: %s", s.id, err)
	s.fatal(err)
}

func defaultFatal(err error) {
	fmt.Fprintf(os.Stderr, "ember: %s\n", err)
	os.Exit(FatalExitCode)
}

// Closed reports whether Close has run.
func (s *State) Closed() bool {
	return s.closed
}

// ID returns the State's instance ID.
func (s *State) ID() uuid.UUID {
	return s.id
}

// RegisterFinalizer adds fn to the finalizer stack. It fails with a
// *CapacityError when a bounded stack is full and with an *AllocationError
// when the allocator refuses to grow it.
func (s *State) RegisterFinalizer(fn Finalizer) error {
	if s.closed || s.closing {
		return ErrClosed
	}
	return s.finalizers.Push(fn)
}

// Finalizers returns the finalizer stack.
func (s *State) Finalizers() *FinalizerStack {
	return s.finalizers
}

// Allocator returns the State's allocator.
func (s *State) Allocator() Allocator {
	return s.alloc
}

// GC returns the State's collector.
func (s *State) GC() Collector {
	return s.gc
}

// Heap returns the default collector, or nil if a custom one is configured.
func (s *State) Heap() *Heap {
	h, _ := s.gc.(*Heap)
	return h
}

// Symbols returns the State's symbol table.
func (s *State) Symbols() *SymbolTable {
	return s.symbols
}

// Classes returns the State's class table.
func (s *State) Classes() *ClassTable {
	return s.classes
}

// ---------------------------------------------------------------------------
// Contexts
// ---------------------------------------------------------------------------

// Context returns the current context.
func (s *State) Context() *Context {
	return s.c
}

// RootContext returns the context created by Open.
func (s *State) RootContext() *Context {
	return s.rootC
}

// SwitchContext makes c current and returns the previously current context.
// A nil c switches back to the root context.
func (s *State) SwitchContext(c *Context) *Context {
	prev := s.c
	if c == nil || c.freed {
		c = s.rootC
	}
	s.c = c
	return prev
}

// NewContext allocates a derived context owned by the State.
func (s *State) NewContext() (*Context, error) {
	if s.closed {
		return nil, ErrClosed
	}
	c, err := NewContext(s.alloc, s.limits)
	if err != nil {
		return nil, err
	}
	c.owner = s
	s.contexts[c] = struct{}{}
	return c, nil
}

// FreeContext frees a derived context.
func (s *State) FreeContext(c *Context) error {
	if c == s.rootC {
		return ErrRootContext
	}
	c.Free()
	return nil
}

func (s *State) forgetContext(c *Context) {
	delete(s.contexts, c)
	if s.c == c {
		s.c = s.rootC
	}
}

// ScanRoots implements RootScanner. Roots are the root context, derived
// contexts not owned by a fiber, the fibers on the current resume chain,
// globals, classes, the pending exception and the top-level self.
func (s *State) ScanRoots(mark func(Value)) {
	if s.rootC != nil {
		s.rootC.markValues(mark)
	}
	for c := range s.contexts {
		if c.fiber == nil {
			c.markValues(mark)
		}
	}
	for c := s.c; c != nil; c = c.prev {
		if c.fiber != nil {
			mark(c.fiber)
		}
	}
	for _, v := range s.globals {
		mark(v)
	}
	for _, c := range s.classes.order {
		mark(c)
	}
	if s.exc != nil {
		mark(s.exc)
	}
	if s.topSelf != nil {
		mark(s.topSelf)
	}
}

// TopSelf returns the top-level self, the Object instance that receives
// calls made outside any method.
func (s *State) TopSelf() *InstanceObject {
	return s.topSelf
}

// GarbageCollect runs a full collection.
func (s *State) GarbageCollect() CollectStats {
	return s.gc.Collect()
}

// ---------------------------------------------------------------------------
// Globals and the pending exception
// ---------------------------------------------------------------------------

// SetGlobal binds a global variable.
func (s *State) SetGlobal(name string, v Value) {
	s.globals[s.symbols.Intern(name)] = v
}

// Global returns the value of a global variable.
func (s *State) Global(name string) (Value, bool) {
	sym, ok := s.symbols.Lookup(name)
	if !ok {
		return nil, false
	}
	v, ok := s.globals[sym]
	return v, ok
}

// RemoveGlobal unbinds a global variable.
func (s *State) RemoveGlobal(name string) {
	if sym, ok := s.symbols.Lookup(name); ok {
		delete(s.globals, sym)
	}
}

// SetException records the exception being raised; nil clears it.
func (s *State) SetException(e *ExceptionObject) {
	s.exc = e
}

// Exception returns the pending exception, or nil.
func (s *State) Exception() *ExceptionObject {
	return s.exc
}

// ---------------------------------------------------------------------------
// Eval contexts
// ---------------------------------------------------------------------------

// PushEvalContext records that code from ctx.Filename is being evaluated.
func (s *State) PushEvalContext(ctx EvalContext) {
	s.evalStack = append(s.evalStack, ctx)
}

// PopEvalContext removes the innermost eval context.
func (s *State) PopEvalContext() (EvalContext, bool) {
	if len(s.evalStack) == 0 {
		return EvalContext{}, false
	}
	ctx := s.evalStack[len(s.evalStack)-1]
	s.evalStack = s.evalStack[:len(s.evalStack)-1]
	return ctx, true
}

// PeekEvalContext returns the innermost eval context, or one naming
// TopFilename.
func (s *State) PeekEvalContext() EvalContext {
	if len(s.evalStack) == 0 {
		return EvalContext{Filename: TopFilename}
	}
	return s.evalStack[len(s.evalStack)-1]
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// CaptureOutput redirects Print and Puts into a buffer until
// TakeCapturedOutput is called.
func (s *State) CaptureOutput() {
	if s.captured == nil {
		s.captured = &strings.Builder{}
	}
}

// TakeCapturedOutput returns everything captured and stops capturing.
func (s *State) TakeCapturedOutput() string {
	if s.captured == nil {
		return ""
	}
	out := s.captured.String()
	s.captured = nil
	return out
}

// Print writes str to the captured buffer or the configured writer.
func (s *State) Print(str string) error {
	if s.captured != nil {
		s.captured.WriteString(str)
		return nil
	}
	_, err := io.WriteString(s.stdout, str)
	return err
}

// Puts is Print with a trailing newline unless str already ends in one.
func (s *State) Puts(str string) error {
	if !strings.HasSuffix(str, "\n") {
		str += "\n"
	}
	return s.Print(str)
}

// ---------------------------------------------------------------------------
// Extensions
// ---------------------------------------------------------------------------

// LoadExtension initializes ext unless an extension with the same name is
// already loaded. Objects it creates are protected by the arena until it
// returns.
func (s *State) LoadExtension(ext Extension) error {
	if s.closed {
		return ErrClosed
	}
	name := ext.Name()
	if _, ok := s.extensions[name]; ok {
		return nil
	}
	idx := s.gc.ArenaSave()
	err := ext.Init(s)
	s.gc.ArenaRestore(idx)
	if err != nil {
		return fmt.Errorf("vm: load extension %s: %w", name, err)
	}
	s.extensions[name] = struct{}{}
	s.extOrder = append(s.extOrder, name)
	log.Debugf("state %s: loaded extension %s", s.id, name)
	return nil
}

// Extensions returns the names of loaded extensions in load order.
func (s *State) Extensions() []string {
	out := make([]string, len(s.extOrder))
	copy(out, s.extOrder)
	return out
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// StateStats is a snapshot of a State for tooling.
type StateStats struct {
	ID         string
	Symbols    int
	Classes    int
	Globals    int
	Contexts   int // derived contexts, the root excluded
	Finalizers int
	CallDepth  int
	Extensions int
	Heap       *HeapStats // nil for custom collectors
}

// Stats returns a snapshot of the State.
func (s *State) Stats() StateStats {
	st := StateStats{
		ID:         s.id.String(),
		Symbols:    s.symbols.Len(),
		Classes:    s.classes.Len(),
		Globals:    len(s.globals),
		Contexts:   len(s.contexts),
		Finalizers: s.finalizers.Len(),
		Extensions: len(s.extOrder),
	}
	if s.c != nil {
		st.CallDepth = s.c.CallDepth()
	}
	if h := s.Heap(); h != nil {
		hs := h.Stats()
		st.Heap = &hs
	}
	return st
}

package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Unit: reference-counted compiled code
// ---------------------------------------------------------------------------

// Accounting sizes charged to the allocator for a unit's tables.
const (
	unitHeaderSize   = 128
	childSlotSize    = 8
	localEntrySize   = 16
	lineEntrySize    = 8
	literalEntrySize = 16
)

// UnitFlags describe how a unit owns its storage.
type UnitFlags uint8

const (
	// UnitNoFreeCode marks the instruction bytes as borrowed, e.g. statically
	// embedded bytecode. They are never released by the unit.
	UnitNoFreeCode UnitFlags = 1 << iota
)

// LiteralKind tags an entry of the literal pool.
type LiteralKind uint8

const (
	LiteralInt LiteralKind = iota
	LiteralFloat
	LiteralString
)

func (k LiteralKind) String() string {
	switch k {
	case LiteralInt:
		return "int"
	case LiteralFloat:
		return "float"
	case LiteralString:
		return "string"
	}
	return fmt.Sprintf("LiteralKind(%d)", uint8(k))
}

// Literal is one entry of a unit's constant pool. String literals own their
// storage, which is released when the unit is freed.
type Literal struct {
	Kind  LiteralKind
	Int   int64
	Float float64
	str   *Block
}

// Str returns the contents of a string literal.
func (l Literal) Str() string {
	if l.Kind != LiteralString {
		return ""
	}
	return string(l.str.Bytes())
}

// LocalVar describes one captured local variable.
type LocalVar struct {
	Name     string
	Register uint16
}

// LineEntry maps an instruction offset to a source line.
type LineEntry struct {
	Offset int
	Line   int
}

// DebugInfo is per-unit source metadata.
type DebugInfo struct {
	Filename string
	Lines    []LineEntry
}

// LineFor returns the line of the most recent entry at or before offset,
// or 0 if there is none.
func (d *DebugInfo) LineFor(offset int) int {
	if d == nil {
		return 0
	}
	line := 0
	for _, e := range d.Lines {
		if e.Offset > offset {
			break
		}
		line = e.Line
	}
	return line
}

// Unit is an immutable compiled lexical scope (method, block or top level).
//
// A unit is shared by its parent's child list and by every context frame or
// closure executing or capturing it. It is created with a count of 1 and
// freed exactly when the count drops to zero. Units may form cycles; those
// must be broken by the owner with DetachChildren.
//
// The builder methods (SetCode, AddString, AddChild, ...) belong to the
// compiler and must not be used once the unit is shared.
type Unit struct {
	refcnt int
	flags  UnitFlags
	freed  bool

	alloc  Allocator
	header *Block

	code      []byte
	codeBlock *Block

	literals  []Literal
	poolBlock *Block

	syms []string

	children   []*Unit
	childBlock *Block

	locals     []LocalVar
	localBlock *Block

	debug      *DebugInfo
	debugBlock *Block

	nregs uint16
}

// NewUnit allocates an empty unit with a reference count of 1.
func NewUnit(alloc Allocator) (*Unit, error) {
	if alloc == nil {
		alloc = SystemAllocator
	}
	header, err := alloc.Allocate(unitHeaderSize)
	if err != nil {
		return nil, allocationFailure("unit", unitHeaderSize, err)
	}
	return &Unit{
		refcnt: 1,
		alloc:  alloc,
		header: header,
	}, nil
}

// RefCount returns the current reference count.
func (u *Unit) RefCount() int {
	return u.refcnt
}

// Freed reports whether the unit's storage has been released.
func (u *Unit) Freed() bool {
	return u.freed
}

// Flags returns the unit's ownership flags.
func (u *Unit) Flags() UnitFlags {
	return u.flags
}

// IncRef records a new owner.
func (u *Unit) IncRef() {
	if u.freed {
		panic("Unit.IncRef: unit already freed")
	}
	u.refcnt++
}

// DecRef drops one owner. When the last owner goes away the unit releases
// its code (unless borrowed), its owned literals, one reference on each
// child, its locals and debug metadata, and finally its own storage.
//
// Dropping a reference on a freed unit is a refcount underflow and panics.
func (u *Unit) DecRef() {
	if u.freed || u.refcnt <= 0 {
		panic("Unit.DecRef: reference count underflow")
	}
	u.refcnt--
	if u.refcnt == 0 {
		u.free()
	}
}

// DetachChildren severs every child edge, dropping the reference each edge
// held. Whether a child survives depends on its other owners. The parent
// itself is untouched, and a later free of the parent will not decrement the
// detached children again. Calling it twice is harmless.
//
// Every slot is cleared before any reference is dropped: a dropped child may
// be the parent's last owner, and the parent's free must see no edges left.
func (u *Unit) DetachChildren() {
	children := u.children
	detached := make([]*Unit, 0, len(children))
	for i, child := range children {
		if child != nil {
			detached = append(detached, child)
		}
		children[i] = nil
	}
	for _, child := range detached {
		child.DecRef()
	}
}

// DetachGraph severs every child edge in the graph reachable from root.
// Units owned only by those edges are freed; root keeps its own owners.
// This is how a graph with cycles is released.
func DetachGraph(root *Unit) {
	if root == nil || root.freed {
		return
	}
	seen := map[*Unit]bool{root: true}
	order := []*Unit{root}
	for i := 0; i < len(order); i++ {
		for _, c := range order[i].children {
			if c != nil && !seen[c] {
				seen[c] = true
				order = append(order, c)
			}
		}
	}
	for _, u := range order {
		u.DetachChildren()
	}
}

func (u *Unit) free() {
	u.freed = true

	if u.flags&UnitNoFreeCode == 0 {
		u.alloc.Release(u.codeBlock)
	}
	u.code = nil
	u.codeBlock = nil

	for i := range u.literals {
		if u.literals[i].str != nil {
			u.alloc.Release(u.literals[i].str)
			u.literals[i].str = nil
		}
	}
	u.literals = nil
	u.alloc.Release(u.poolBlock)
	u.poolBlock = nil
	u.syms = nil

	// Children may be shared elsewhere; drop our edge only.
	children := u.children
	u.children = nil
	for _, child := range children {
		if child != nil {
			child.DecRef()
		}
	}
	u.alloc.Release(u.childBlock)
	u.childBlock = nil

	u.locals = nil
	u.alloc.Release(u.localBlock)
	u.localBlock = nil

	u.debug = nil
	u.alloc.Release(u.debugBlock)
	u.debugBlock = nil

	u.alloc.Release(u.header)
	u.header = nil
}

// ---------------------------------------------------------------------------
// Code
// ---------------------------------------------------------------------------

// SetCode copies code into storage owned by the unit.
func (u *Unit) SetCode(code []byte) error {
	b, err := u.alloc.Allocate(len(code))
	if err != nil {
		return allocationFailure("instruction sequence", len(code), err)
	}
	copy(b.Bytes(), code)
	u.releaseCode()
	u.flags &^= UnitNoFreeCode
	u.code = b.Bytes()
	u.codeBlock = b
	return nil
}

// BorrowCode points the unit at code it does not own. The unit never
// releases borrowed code.
func (u *Unit) BorrowCode(code []byte) {
	u.releaseCode()
	u.flags |= UnitNoFreeCode
	u.code = code
	u.codeBlock = nil
}

func (u *Unit) releaseCode() {
	if u.codeBlock != nil && u.flags&UnitNoFreeCode == 0 {
		u.alloc.Release(u.codeBlock)
	}
	u.codeBlock = nil
}

// Code returns the instruction bytes.
func (u *Unit) Code() []byte {
	return u.code
}

// SetRegisters sets the number of operand stack slots a frame of this unit
// reserves.
func (u *Unit) SetRegisters(n uint16) {
	u.nregs = n
}

// Registers returns the number of operand stack slots a frame reserves.
func (u *Unit) Registers() uint16 {
	return u.nregs
}

// ---------------------------------------------------------------------------
// Literal pool
// ---------------------------------------------------------------------------

func (u *Unit) reservePool(n int) error {
	size := n * literalEntrySize
	b, err := u.alloc.Resize(u.poolBlock, size)
	if err != nil {
		return allocationFailure("literal pool", size, err)
	}
	u.poolBlock = b
	return nil
}

// AddInt appends an integer literal and returns its index.
func (u *Unit) AddInt(v int64) (int, error) {
	if err := u.reservePool(len(u.literals) + 1); err != nil {
		return -1, err
	}
	u.literals = append(u.literals, Literal{Kind: LiteralInt, Int: v})
	return len(u.literals) - 1, nil
}

// AddFloat appends a float literal and returns its index.
func (u *Unit) AddFloat(v float64) (int, error) {
	if err := u.reservePool(len(u.literals) + 1); err != nil {
		return -1, err
	}
	u.literals = append(u.literals, Literal{Kind: LiteralFloat, Float: v})
	return len(u.literals) - 1, nil
}

// AddString appends a string literal with storage owned by the unit and
// returns its index.
func (u *Unit) AddString(s string) (int, error) {
	b, err := u.alloc.Allocate(len(s))
	if err != nil {
		return -1, allocationFailure("string literal", len(s), err)
	}
	copy(b.Bytes(), s)
	if err := u.reservePool(len(u.literals) + 1); err != nil {
		u.alloc.Release(b)
		return -1, err
	}
	u.literals = append(u.literals, Literal{Kind: LiteralString, str: b})
	return len(u.literals) - 1, nil
}

// Literal returns the literal at index. Panics if index is out of range.
func (u *Unit) Literal(index int) Literal {
	if index < 0 || index >= len(u.literals) {
		panic("Unit.Literal: index out of range")
	}
	return u.literals[index]
}

// LiteralCount returns the number of literals.
func (u *Unit) LiteralCount() int {
	return len(u.literals)
}

// AddSymbol appends a symbol name and returns its index.
func (u *Unit) AddSymbol(name string) int {
	u.syms = append(u.syms, name)
	return len(u.syms) - 1
}

// Symbols returns the unit's symbol names.
func (u *Unit) Symbols() []string {
	return u.syms
}

// ---------------------------------------------------------------------------
// Children
// ---------------------------------------------------------------------------

// AddChild appends child to the child list and returns its index. The parent
// takes over the caller's reference: a freshly created child keeps a count
// of 1, now owned by this edge. Call child.IncRef first to keep a reference
// of your own.
func (u *Unit) AddChild(child *Unit) (int, error) {
	if child == nil {
		return -1, fmt.Errorf("vm: nil child unit")
	}
	size := (len(u.children) + 1) * childSlotSize
	b, err := u.alloc.Resize(u.childBlock, size)
	if err != nil {
		return -1, allocationFailure("child table", size, err)
	}
	u.childBlock = b
	u.children = append(u.children, child)
	return len(u.children) - 1, nil
}

// Child returns the child at index, or nil if the slot has been detached.
// Panics if index is out of range.
func (u *Unit) Child(index int) *Unit {
	if index < 0 || index >= len(u.children) {
		panic("Unit.Child: index out of range")
	}
	return u.children[index]
}

// ChildCount returns the number of child slots, detached ones included.
func (u *Unit) ChildCount() int {
	return len(u.children)
}

// ---------------------------------------------------------------------------
// Locals and debug metadata
// ---------------------------------------------------------------------------

// SetLocals replaces the local-variable descriptor table.
func (u *Unit) SetLocals(locals []LocalVar) error {
	size := len(locals) * localEntrySize
	b, err := u.alloc.Resize(u.localBlock, size)
	if err != nil {
		return allocationFailure("local variable table", size, err)
	}
	u.localBlock = b
	u.locals = append([]LocalVar(nil), locals...)
	return nil
}

// Locals returns the local-variable descriptors.
func (u *Unit) Locals() []LocalVar {
	return u.locals
}

// SetDebugInfo replaces the unit's debug metadata. A nil info clears it.
func (u *Unit) SetDebugInfo(info *DebugInfo) error {
	if info == nil {
		u.alloc.Release(u.debugBlock)
		u.debugBlock = nil
		u.debug = nil
		return nil
	}
	size := len(info.Filename) + len(info.Lines)*lineEntrySize
	b, err := u.alloc.Resize(u.debugBlock, size)
	if err != nil {
		return allocationFailure("debug info", size, err)
	}
	u.debugBlock = b
	cp := &DebugInfo{Filename: info.Filename, Lines: append([]LineEntry(nil), info.Lines...)}
	u.debug = cp
	return nil
}

// DebugInfo returns the unit's debug metadata, or nil.
func (u *Unit) DebugInfo() *DebugInfo {
	return u.debug
}

// String implements the Stringer interface.
func (u *Unit) String() string {
	name := "unit"
	if u.debug != nil && u.debug.Filename != "" {
		name = u.debug.Filename
	}
	return fmt.Sprintf("<%s refs=%d code=%d lits=%d children=%d>",
		name, u.refcnt, len(u.code), len(u.literals), len(u.children))
}

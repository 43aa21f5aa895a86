package vm

// ---------------------------------------------------------------------------
// SymbolTable: Interned symbols
// ---------------------------------------------------------------------------

// Symbol is an interned name. The zero Symbol is never handed out.
type Symbol uint32

// SymbolTable interns names to unique IDs. It is owned by one State and is
// not safe for concurrent use.
type SymbolTable struct {
	byName    map[string]Symbol
	byID      []string
	destroyed bool
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]Symbol),
		byID:   make([]string, 1, 256), // slot 0 reserved
	}
}

// Intern returns the symbol for name, creating it if needed.
// Panics if the table has been destroyed.
func (st *SymbolTable) Intern(name string) Symbol {
	if st.destroyed {
		panic("SymbolTable.Intern: table destroyed")
	}
	if id, ok := st.byName[name]; ok {
		return id
	}
	id := Symbol(len(st.byID))
	st.byName[name] = id
	st.byID = append(st.byID, name)
	return id
}

// Lookup returns the symbol for name without creating it.
func (st *SymbolTable) Lookup(name string) (Symbol, bool) {
	id, ok := st.byName[name]
	return id, ok
}

// Name returns the name of sym, or "" if sym is unknown.
func (st *SymbolTable) Name(sym Symbol) string {
	if sym == 0 || int(sym) >= len(st.byID) {
		return ""
	}
	return st.byID[sym]
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	if st.destroyed {
		return 0
	}
	return len(st.byID) - 1
}

// All returns all symbol names in ID order.
func (st *SymbolTable) All() []string {
	if st.destroyed {
		return nil
	}
	result := make([]string, len(st.byID)-1)
	copy(result, st.byID[1:])
	return result
}

// Destroy drops every symbol. The table cannot be used afterwards.
func (st *SymbolTable) Destroy() {
	st.byName = nil
	st.byID = nil
	st.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (st *SymbolTable) Destroyed() bool {
	return st.destroyed
}

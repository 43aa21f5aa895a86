package vm

// ---------------------------------------------------------------------------
// Class: core class objects
// ---------------------------------------------------------------------------

// Class is a heap-managed class object. Method tables belong to the dispatch
// subsystem; the core only records names and the superclass chain.
type Class struct {
	Name       string
	Sym        Symbol
	Superclass *Class
}

// Children implements Object.
func (c *Class) Children(fn func(Object)) {
	if c.Superclass != nil {
		fn(c.Superclass)
	}
}

// IsSubclassOf returns true if c is a subclass of other (or is the same class).
func (c *Class) IsSubclassOf(other *Class) bool {
	for current := c; current != nil; current = current.Superclass {
		if current == other {
			return true
		}
	}
	return false
}

// Superclasses returns all superclasses from immediate parent to root.
func (c *Class) Superclasses() []*Class {
	var result []*Class
	for current := c.Superclass; current != nil; current = current.Superclass {
		result = append(result, current)
	}
	return result
}

// String implements the Stringer interface.
func (c *Class) String() string {
	return c.Name
}

// ---------------------------------------------------------------------------
// ClassTable: per-State class registry
// ---------------------------------------------------------------------------

// ClassTable maps class names to classes in definition order.
type ClassTable struct {
	classes map[string]*Class
	order   []*Class
}

// NewClassTable creates a new empty class table.
func NewClassTable() *ClassTable {
	return &ClassTable{
		classes: make(map[string]*Class),
	}
}

// Register adds a class to the table.
// Returns the previous class with this name, or nil.
func (ct *ClassTable) Register(c *Class) *Class {
	old := ct.classes[c.Name]
	ct.classes[c.Name] = c
	if old != nil {
		for i, o := range ct.order {
			if o == old {
				ct.order[i] = c
				return old
			}
		}
	}
	ct.order = append(ct.order, c)
	return old
}

// Lookup finds a class by name.
func (ct *ClassTable) Lookup(name string) *Class {
	return ct.classes[name]
}

// Has returns true if a class with this name is registered.
func (ct *ClassTable) Has(name string) bool {
	_, ok := ct.classes[name]
	return ok
}

// All returns all registered classes in definition order.
func (ct *ClassTable) All() []*Class {
	result := make([]*Class, len(ct.order))
	copy(result, ct.order)
	return result
}

// Len returns the number of registered classes.
func (ct *ClassTable) Len() int {
	return len(ct.order)
}

// Clear drops every class.
func (ct *ClassTable) Clear() {
	ct.classes = make(map[string]*Class)
	ct.order = nil
}

// ---------------------------------------------------------------------------
// Class creation
// ---------------------------------------------------------------------------

// DefineClass creates and registers a class. If a class with this name
// already exists it is returned unchanged.
func (s *State) DefineClass(name string, superclass *Class) *Class {
	if c := s.classes.Lookup(name); c != nil {
		return c
	}
	c := &Class{
		Name:       name,
		Sym:        s.symbols.Intern(name),
		Superclass: superclass,
	}
	s.gc.Track(c)
	s.classes.Register(c)
	return c
}

// Class returns the class registered under name, or nil.
func (s *State) Class(name string) *Class {
	return s.classes.Lookup(name)
}

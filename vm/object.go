package vm

// ---------------------------------------------------------------------------
// Values and heap objects
// ---------------------------------------------------------------------------

// Value is anything an operand stack slot, global or capture can hold.
// Values implementing Object are managed by the collector; everything else
// (integers, floats, nil) is immediate.
type Value any

// Object is a collector-managed value. Implementations must be pointers.
type Object interface {
	// Children calls fn for every object directly reachable from this one.
	Children(fn func(Object))
}

// Finalizable objects release resources the collector does not own, such as
// unit references, when they are reclaimed.
type Finalizable interface {
	Object
	Finalize() error
}

// ---------------------------------------------------------------------------
// Closure: a unit plus captured values
// ---------------------------------------------------------------------------

// Closure is a callable object. It holds one reference on its unit from
// creation until it is released or reclaimed.
type Closure struct {
	unit     *Unit
	Captures []Value
	released bool
}

// NewClosure creates a closure over u, taking a reference on it, and hands
// the closure to the State's collector.
func (s *State) NewClosure(u *Unit, captures ...Value) *Closure {
	u.IncRef()
	c := &Closure{unit: u, Captures: captures}
	s.gc.Track(c)
	return c
}

// Unit returns the closure's unit, or nil once released.
func (c *Closure) Unit() *Unit {
	if c.released {
		return nil
	}
	return c.unit
}

// Release drops the closure's unit reference. Later calls do nothing.
func (c *Closure) Release() {
	if c.released {
		return
	}
	c.released = true
	u := c.unit
	c.unit = nil
	c.Captures = nil
	u.DecRef()
}

// Released reports whether the closure has let go of its unit.
func (c *Closure) Released() bool {
	return c.released
}

// Children implements Object.
func (c *Closure) Children(fn func(Object)) {
	for _, v := range c.Captures {
		if o, ok := v.(Object); ok {
			fn(o)
		}
	}
}

// Finalize implements Finalizable.
func (c *Closure) Finalize() error {
	c.Release()
	return nil
}

// ---------------------------------------------------------------------------
// StringObject
// ---------------------------------------------------------------------------

// StringObject is a heap string.
type StringObject struct {
	Value string
}

// NewString allocates a heap string on the State's collector.
func (s *State) NewString(str string) *StringObject {
	o := &StringObject{Value: str}
	s.gc.Track(o)
	return o
}

// Children implements Object.
func (o *StringObject) Children(fn func(Object)) {}

// ---------------------------------------------------------------------------
// ArrayObject
// ---------------------------------------------------------------------------

// ArrayObject is a heap array.
type ArrayObject struct {
	Elements []Value
}

// NewArray allocates a heap array on the State's collector.
func (s *State) NewArray(elems ...Value) *ArrayObject {
	o := &ArrayObject{Elements: elems}
	s.gc.Track(o)
	return o
}

// Children implements Object.
func (o *ArrayObject) Children(fn func(Object)) {
	for _, v := range o.Elements {
		if c, ok := v.(Object); ok {
			fn(c)
		}
	}
}

// ---------------------------------------------------------------------------
// InstanceObject
// ---------------------------------------------------------------------------

// InstanceObject is a plain instance of a class with instance variables.
type InstanceObject struct {
	Class *Class
	Ivars map[Symbol]Value
}

// NewObject allocates an instance of cls on the State's collector.
func (s *State) NewObject(cls *Class) *InstanceObject {
	o := &InstanceObject{Class: cls}
	s.gc.Track(o)
	return o
}

// SetIvar binds an instance variable.
func (o *InstanceObject) SetIvar(name Symbol, v Value) {
	if o.Ivars == nil {
		o.Ivars = make(map[Symbol]Value)
	}
	o.Ivars[name] = v
}

// Ivar returns an instance variable and whether it is bound.
func (o *InstanceObject) Ivar(name Symbol) (Value, bool) {
	v, ok := o.Ivars[name]
	return v, ok
}

// Children implements Object.
func (o *InstanceObject) Children(fn func(Object)) {
	if o.Class != nil {
		fn(o.Class)
	}
	for _, v := range o.Ivars {
		if c, ok := v.(Object); ok {
			fn(c)
		}
	}
}

func (o *InstanceObject) String() string {
	if o.Class == nil {
		return "#<?>"
	}
	return "#<" + o.Class.Name + ">"
}

package irep

import (
	"fmt"
	"os"

	"github.com/chazu/ember/vm"
	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("irep: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode flattens the graph reachable from root. Units are numbered in
// breadth-first order with the root at index 0. Detached child slots are
// skipped.
func Encode(root *vm.Unit) (*File, error) {
	if root == nil || root.Freed() {
		return nil, fmt.Errorf("irep: encode: no live root unit")
	}
	index := map[*vm.Unit]int{root: 0}
	order := []*vm.Unit{root}
	for i := 0; i < len(order); i++ {
		u := order[i]
		for j := 0; j < u.ChildCount(); j++ {
			c := u.Child(j)
			if c == nil {
				continue
			}
			if _, seen := index[c]; !seen {
				index[c] = len(order)
				order = append(order, c)
			}
		}
	}

	f := &File{Version: Version, Root: 0, Units: make([]Record, len(order))}
	for i, u := range order {
		f.Units[i] = record(u, index)
	}
	return f, nil
}

func record(u *vm.Unit, index map[*vm.Unit]int) Record {
	r := Record{
		Code:      append([]byte(nil), u.Code()...),
		Registers: u.Registers(),
		Symbols:   append([]string(nil), u.Symbols()...),
	}
	for i := 0; i < u.LiteralCount(); i++ {
		l := u.Literal(i)
		r.Literals = append(r.Literals, Literal{Kind: uint8(l.Kind), Int: l.Int, Float: l.Float, Str: l.Str()})
	}
	for _, lv := range u.Locals() {
		r.Locals = append(r.Locals, Local{Name: lv.Name, Register: lv.Register})
	}
	if d := u.DebugInfo(); d != nil {
		r.Debug = &Debug{Filename: d.Filename}
		for _, e := range d.Lines {
			r.Debug.Lines = append(r.Debug.Lines, Line{Offset: e.Offset, Line: e.Line})
		}
	}
	for j := 0; j < u.ChildCount(); j++ {
		if c := u.Child(j); c != nil {
			r.Children = append(r.Children, index[c])
		}
	}
	return r
}

// Marshal serializes the graph reachable from root.
func Marshal(root *vm.Unit) ([]byte, error) {
	f, err := Encode(root)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(f)
}

// WriteFile serializes root to path.
func WriteFile(path string, root *vm.Unit) error {
	data, err := Marshal(root)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("irep: write %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode rebuilds a unit graph. Every child edge holds one reference, and
// the returned root holds the caller's reference, so a single DecRef on an
// acyclic root frees the whole graph. Graphs with cycles must be broken with
// DetachChildren. On error nothing is left allocated.
func Decode(alloc vm.Allocator, f *File) (*vm.Unit, error) {
	if err := validate(f); err != nil {
		return nil, err
	}

	units := make([]*vm.Unit, 0, len(f.Units))
	fail := func(err error) (*vm.Unit, error) {
		for _, u := range units {
			u.DetachChildren()
		}
		for _, u := range units {
			u.DecRef()
		}
		return nil, err
	}

	for i := range f.Units {
		u, err := vm.NewUnit(alloc)
		if err != nil {
			return fail(fmt.Errorf("irep: unit %d: %w", i, err))
		}
		units = append(units, u)
		if err := fill(u, &f.Units[i]); err != nil {
			return fail(fmt.Errorf("irep: unit %d: %w", i, err))
		}
	}

	for i := range f.Units {
		for _, ci := range f.Units[i].Children {
			child := units[ci]
			child.IncRef()
			if _, err := units[i].AddChild(child); err != nil {
				child.DecRef()
				return fail(fmt.Errorf("irep: unit %d: %w", i, err))
			}
		}
	}

	// Edges now own the non-root units.
	for i, u := range units {
		if i != f.Root {
			u.DecRef()
		}
	}
	log.Debugf("decoded %d units", len(units))
	return units[f.Root], nil
}

func validate(f *File) error {
	if f.Version != Version {
		return fmt.Errorf("irep: unsupported version %d", f.Version)
	}
	if len(f.Units) == 0 {
		return fmt.Errorf("irep: file has no units")
	}
	if f.Root < 0 || f.Root >= len(f.Units) {
		return fmt.Errorf("irep: root index %d out of range", f.Root)
	}
	for i := range f.Units {
		r := &f.Units[i]
		for _, ci := range r.Children {
			if ci < 0 || ci >= len(f.Units) {
				return fmt.Errorf("irep: unit %d: child index %d out of range", i, ci)
			}
		}
		for j, l := range r.Literals {
			if vm.LiteralKind(l.Kind) > vm.LiteralString {
				return fmt.Errorf("irep: unit %d: literal %d has unknown kind %d", i, j, l.Kind)
			}
		}
	}

	// Units the root cannot reach would have no owner once decoded.
	reached := make([]bool, len(f.Units))
	reached[f.Root] = true
	queue := []int{f.Root}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, ci := range f.Units[i].Children {
			if !reached[ci] {
				reached[ci] = true
				queue = append(queue, ci)
			}
		}
	}
	for i, ok := range reached {
		if !ok {
			return fmt.Errorf("irep: unit %d is not reachable from the root", i)
		}
	}
	return nil
}

func fill(u *vm.Unit, r *Record) error {
	if len(r.Code) > 0 {
		if err := u.SetCode(r.Code); err != nil {
			return err
		}
	}
	u.SetRegisters(r.Registers)
	for _, l := range r.Literals {
		var err error
		switch vm.LiteralKind(l.Kind) {
		case vm.LiteralInt:
			_, err = u.AddInt(l.Int)
		case vm.LiteralFloat:
			_, err = u.AddFloat(l.Float)
		case vm.LiteralString:
			_, err = u.AddString(l.Str)
		}
		if err != nil {
			return err
		}
	}
	for _, s := range r.Symbols {
		u.AddSymbol(s)
	}
	if len(r.Locals) > 0 {
		locals := make([]vm.LocalVar, len(r.Locals))
		for i, l := range r.Locals {
			locals[i] = vm.LocalVar{Name: l.Name, Register: l.Register}
		}
		if err := u.SetLocals(locals); err != nil {
			return err
		}
	}
	if r.Debug != nil {
		info := &vm.DebugInfo{Filename: r.Debug.Filename}
		for _, e := range r.Debug.Lines {
			info.Lines = append(info.Lines, vm.LineEntry{Offset: e.Offset, Line: e.Line})
		}
		if err := u.SetDebugInfo(info); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal deserializes a unit graph, allocating through alloc.
func Unmarshal(alloc vm.Allocator, data []byte) (*vm.Unit, error) {
	var f File
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("irep: unmarshal: %w", err)
	}
	return Decode(alloc, &f)
}

// ReadFile deserializes the unit graph stored at path.
func ReadFile(alloc vm.Allocator, path string) (*vm.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("irep: read %s: %w", path, err)
	}
	u, err := Unmarshal(alloc, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return u, nil
}

// Package irep reads and writes unit graphs in a serialized form. A file
// holds every unit reachable from a root, with child edges stored as indices
// so shared children and cycles survive a round trip. Files are CBOR in
// canonical mode, so equal graphs encode to equal bytes.
package irep

// Version is the format version written by this package.
const Version = 1

// File is a serialized unit graph.
type File struct {
	Version int      `cbor:"1,keyasint"`
	Root    int      `cbor:"2,keyasint"` // index into Units
	Units   []Record `cbor:"3,keyasint"`
}

// Record is one serialized unit.
type Record struct {
	Code      []byte    `cbor:"1,keyasint,omitempty"`
	Registers uint16    `cbor:"2,keyasint,omitempty"`
	Literals  []Literal `cbor:"3,keyasint,omitempty"`
	Symbols   []string  `cbor:"4,keyasint,omitempty"`
	Locals    []Local   `cbor:"5,keyasint,omitempty"`
	Debug     *Debug    `cbor:"6,keyasint,omitempty"`
	Children  []int     `cbor:"7,keyasint,omitempty"` // indices into File.Units
}

// Literal is a serialized constant pool entry. Kind matches vm.LiteralKind.
type Literal struct {
	Kind  uint8   `cbor:"1,keyasint"`
	Int   int64   `cbor:"2,keyasint,omitempty"`
	Float float64 `cbor:"3,keyasint,omitempty"`
	Str   string  `cbor:"4,keyasint,omitempty"`
}

// Local is a serialized local-variable descriptor.
type Local struct {
	Name     string `cbor:"1,keyasint"`
	Register uint16 `cbor:"2,keyasint"`
}

// Debug is serialized source metadata.
type Debug struct {
	Filename string `cbor:"1,keyasint"`
	Lines    []Line `cbor:"2,keyasint,omitempty"`
}

// Line maps an instruction offset to a source line.
type Line struct {
	Offset int `cbor:"1,keyasint"`
	Line   int `cbor:"2,keyasint"`
}

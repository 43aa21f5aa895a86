package vm

// ---------------------------------------------------------------------------
// Bootstrap: core classes and symbols
// ---------------------------------------------------------------------------

// coreSymbols are interned before any user code runs.
var coreSymbols = []string{
	"initialize",
	"method_missing",
	"respond_to_missing?",
	"to_s",
	"inspect",
	"call",
	"new",
	"each",
	"raise",
	"__id__",
	"__send__",
}

// bootstrap builds the core class graph. It runs with the collector disabled.
func (s *State) bootstrap() {
	// Phase 1: the class graph roots
	s.BasicObjectClass = s.DefineClass("BasicObject", nil)
	s.ObjectClass = s.DefineClass("Object", s.BasicObjectClass)
	s.ModuleClass = s.DefineClass("Module", s.ObjectClass)
	s.ClassClass = s.DefineClass("Class", s.ModuleClass)

	// Phase 2: immediates
	s.DefineClass("NilClass", s.ObjectClass)
	s.DefineClass("TrueClass", s.ObjectClass)
	s.DefineClass("FalseClass", s.ObjectClass)
	numeric := s.DefineClass("Numeric", s.ObjectClass)
	s.DefineClass("Integer", numeric)
	s.DefineClass("Float", numeric)
	s.DefineClass("Symbol", s.ObjectClass)

	// Phase 3: heap values
	s.StringClass = s.DefineClass("String", s.ObjectClass)
	s.ArrayClass = s.DefineClass("Array", s.ObjectClass)
	s.DefineClass("Hash", s.ObjectClass)
	s.ProcClass = s.DefineClass("Proc", s.ObjectClass)
	s.FiberClass = s.DefineClass("Fiber", s.ObjectClass)
	s.DefineClass("Enumerator", s.ObjectClass)

	// Phase 4: exceptions
	s.bootstrapExceptionClasses()
	s.ExceptionClass = s.classes.Lookup("Exception")

	// Phase 5: well-known symbols, globals and the top-level self
	for _, name := range coreSymbols {
		s.symbols.Intern(name)
	}
	s.SetGlobal("$0", s.NewString(TopFilename))
	s.topSelf = s.NewObject(s.ObjectClass)
}

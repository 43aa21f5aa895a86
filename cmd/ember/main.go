// Ember CLI - loads serialized units into a fresh runtime state
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chazu/ember/manifest"
	"github.com/chazu/ember/vm"
	"github.com/chazu/ember/vm/irep"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("ember.cmd")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ember", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("C", ".", "Directory to start searching for ember.toml")
	verbose := fs.Bool("v", false, "Verbose output")
	dump := fs.Bool("dump", false, "Print the unit tree of each loaded file")
	stats := fs.Bool("stats", false, "Print state statistics before closing")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ember [options] [files...]\n\n")
		fmt.Fprintf(stderr, "Opens a runtime state, loads each .irep file and enters its top-level unit.\n")
		fmt.Fprintf(stderr, "Without files, the units listed in ember.toml are loaded.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  ember main.irep            # Load and enter main.irep\n")
		fmt.Fprintf(stderr, "  ember -C app -dump         # Load app/ember.toml units, print their trees\n")
		fmt.Fprintf(stderr, "  ember -stats lib.irep      # Print state statistics\n")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	m, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	verbosity := 0
	var logPath *string
	if m != nil {
		verbosity = m.Log.Verbosity
		logPath = m.LogPath()
	}
	if *verbose && verbosity < 2 {
		verbosity = 2
	}
	commonlog.Configure(verbosity, logPath)

	cfg := vm.Config{}
	if m != nil {
		cfg = m.Config()
	}
	cfg.Stdout = stdout

	paths := fs.Args()
	if len(paths) == 0 && m != nil {
		paths = m.UnitPaths()
	}
	if len(paths) == 0 {
		fs.Usage()
		return 2
	}

	s, err := vm.Open(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer s.Close()

	for _, path := range paths {
		if err := runFile(s, path, *dump, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if *stats {
		printStats(stdout, s.Stats())
	}
	return 0
}

// runFile loads path and enters its root unit once on the current context.
func runFile(s *vm.State, path string, dump bool, w io.Writer) error {
	s.PushEvalContext(vm.EvalContext{Filename: path})
	defer s.PopEvalContext()

	root, err := irep.ReadFile(s.Allocator(), path)
	if err != nil {
		return err
	}
	// The closure owns the graph from here on. Edges are cut at close so
	// cyclic graphs are released with it.
	proc := s.NewClosure(root)
	root.DecRef()
	if err := s.RegisterFinalizer(func(*vm.State) { vm.DetachGraph(root) }); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if dump {
		fmt.Fprintf(w, "%s:\n", path)
		writeTree(w, root)
	}

	ctx := s.Context()
	if _, err := ctx.PushCall(root, proc, 0); err != nil {
		return fmt.Errorf("%s: %w", path, s.ExceptionFor(err))
	}
	ctx.PopCall()
	log.Infof("%s: entered %s", s.PeekEvalContext().Filename, root)
	return nil
}

// writeTree prints the unit graph under root, one unit per line. Units seen
// before are printed once and referenced afterwards.
func writeTree(w io.Writer, root *vm.Unit) {
	ids := make(map[*vm.Unit]int)
	var walk func(u *vm.Unit, depth int)
	walk = func(u *vm.Unit, depth int) {
		indent := fmt.Sprintf("%*s", depth*2, "")
		if id, seen := ids[u]; seen {
			fmt.Fprintf(w, "%s#%d (see above)\n", indent, id)
			return
		}
		id := len(ids)
		ids[u] = id
		fmt.Fprintf(w, "%s#%d %s\n", indent, id, u)
		for i := 0; i < u.ChildCount(); i++ {
			if c := u.Child(i); c != nil {
				walk(c, depth+1)
			}
		}
	}
	walk(root, 1)
}

func printStats(w io.Writer, st vm.StateStats) {
	fmt.Fprintf(w, "state %s\n", st.ID)
	fmt.Fprintf(w, "  symbols:     %d\n", st.Symbols)
	fmt.Fprintf(w, "  classes:     %d\n", st.Classes)
	fmt.Fprintf(w, "  globals:     %d\n", st.Globals)
	fmt.Fprintf(w, "  contexts:    %d\n", st.Contexts)
	fmt.Fprintf(w, "  finalizers:  %d\n", st.Finalizers)
	fmt.Fprintf(w, "  extensions:  %d\n", st.Extensions)
	if st.Heap != nil {
		fmt.Fprintf(w, "  heap live:   %d\n", st.Heap.Live)
		fmt.Fprintf(w, "  collections: %d\n", st.Heap.Collections)
	}
}

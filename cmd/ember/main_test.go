package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/ember/vm"
	"github.com/chazu/ember/vm/irep"
)

func writeIrep(t *testing.T, dir, name string) string {
	t.Helper()
	root, err := vm.NewUnit(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer root.DecRef()
	child, err := vm.NewUnit(nil)
	if err != nil {
		t.Fatal(err)
	}
	root.SetCode([]byte{0x01})
	root.SetRegisters(2)
	root.AddChild(child)

	path := filepath.Join(dir, name)
	if err := irep.WriteFile(path, root); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunLoadsFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeIrep(t, dir, "main.irep")

	var stdout, stderr bytes.Buffer
	code := run([]string{"-C", dir, "-dump", "-stats", path}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"main.irep:", "#0 <unit", "#1 <unit", "state ", "classes:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunUsesManifestUnits(t *testing.T) {
	dir := t.TempDir()
	writeIrep(t, dir, "app.irep")
	manifest := "[load]\nunits = [\"app.irep\"]\n"
	if err := os.WriteFile(filepath.Join(dir, "ember.toml"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-C", dir, "-dump"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "app.irep:") {
		t.Errorf("manifest unit not loaded:\n%s", stdout.String())
	}
}

func TestRunReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.irep")
	if err := os.WriteFile(bad, []byte("not cbor"), 0644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-C", dir, bad}, &stdout, &stderr); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "bad.irep") {
		t.Errorf("stderr does not name the file: %s", stderr.String())
	}
}

func TestRunWithoutInputShowsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-C", t.TempDir()}, &stdout, &stderr); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "Usage: ember") {
		t.Errorf("usage not printed: %s", stderr.String())
	}
}

func TestRunFileReleasesCyclicGraph(t *testing.T) {
	root, err := vm.NewUnit(nil)
	if err != nil {
		t.Fatal(err)
	}
	child, err := vm.NewUnit(nil)
	if err != nil {
		t.Fatal(err)
	}
	root.AddChild(child)
	root.IncRef()
	child.AddChild(root)
	path := filepath.Join(t.TempDir(), "cycle.irep")
	if err := irep.WriteFile(path, root); err != nil {
		t.Fatal(err)
	}
	vm.DetachGraph(root)
	root.DecRef()

	alloc := vm.NewTrackingAllocator(nil, 0)
	s, err := vm.Open(vm.Config{Allocator: alloc})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := runFile(s, path, true, &out); err != nil {
		t.Fatalf("runFile: %v", err)
	}
	if !strings.Contains(out.String(), "(see above)") {
		t.Errorf("dump should mark the back edge:\n%s", out.String())
	}

	s.Close()
	if alloc.Live() != 0 {
		t.Errorf("live blocks after close = %d, want 0", alloc.Live())
	}
}

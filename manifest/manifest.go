// Package manifest handles ember.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/ember/vm"
	"github.com/tliron/commonlog"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "ember.toml"

var log = commonlog.GetLogger("ember.manifest")

// Manifest represents an ember.toml configuration.
type Manifest struct {
	Runtime Runtime `toml:"runtime"`
	Stack   Stack   `toml:"stack"`
	GC      GC      `toml:"gc"`
	Memory  Memory  `toml:"memory"`
	Log     Log     `toml:"log"`
	Load    LoadSet `toml:"load"`

	// Dir is the directory containing the ember.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime contains State-wide settings.
type Runtime struct {
	Name              string `toml:"name"`
	FinalizerCapacity int    `toml:"finalizer-capacity"` // 0 = unbounded
}

// Stack configures context store sizes.
type Stack struct {
	Init         int `toml:"init"`
	Max          int `toml:"max"`
	CallInfoInit int `toml:"callinfo-init"`
	CallDepthMax int `toml:"call-depth-max"`
	RescueInit   int `toml:"rescue-init"`
	EnsureInit   int `toml:"ensure-init"`
}

// GC configures the default collector.
type GC struct {
	Threshold int `toml:"threshold"`
	Arena     int `toml:"arena"`
}

// Memory configures the allocator.
type Memory struct {
	Limit int `toml:"limit"` // bytes, 0 = no limit
}

// Log configures logging for the command-line tools.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// LoadSet lists serialized units to load at startup.
type LoadSet struct {
	Units []string `toml:"units"`
}

// Load parses an ember.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warningf("%s: unknown key %s", path, key)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Defaults
	defaults := vm.DefaultStackLimits()
	if m.Stack.Init == 0 {
		m.Stack.Init = defaults.StackInit
	}
	if m.Stack.Max == 0 {
		m.Stack.Max = defaults.StackMax
	}
	if m.Stack.CallInfoInit == 0 {
		m.Stack.CallInfoInit = defaults.CallInfoInit
	}
	if m.Stack.CallDepthMax == 0 {
		m.Stack.CallDepthMax = defaults.CallDepthMax
	}
	if m.Stack.RescueInit == 0 {
		m.Stack.RescueInit = defaults.RescueInit
	}
	if m.Stack.EnsureInit == 0 {
		m.Stack.EnsureInit = defaults.EnsureInit
	}
	if m.GC.Threshold == 0 {
		m.GC.Threshold = vm.DefaultGCThreshold
	}
	if m.GC.Arena == 0 {
		m.GC.Arena = vm.DefaultArenaSize
	}
	if m.Runtime.Name == "" {
		m.Runtime.Name = filepath.Base(m.Dir)
	}

	log.Debugf("loaded %s", path)
	return &m, nil
}

func (m *Manifest) validate() error {
	checks := []struct {
		key string
		val int
	}{
		{"runtime.finalizer-capacity", m.Runtime.FinalizerCapacity},
		{"stack.init", m.Stack.Init},
		{"stack.max", m.Stack.Max},
		{"stack.callinfo-init", m.Stack.CallInfoInit},
		{"stack.call-depth-max", m.Stack.CallDepthMax},
		{"stack.rescue-init", m.Stack.RescueInit},
		{"stack.ensure-init", m.Stack.EnsureInit},
		{"gc.arena", m.GC.Arena},
		{"memory.limit", m.Memory.Limit},
	}
	for _, c := range checks {
		if c.val < 0 {
			return fmt.Errorf("%s must not be negative, got %d", c.key, c.val)
		}
	}
	if m.Stack.Max != 0 && m.Stack.Init > m.Stack.Max {
		return fmt.Errorf("stack.init (%d) exceeds stack.max (%d)", m.Stack.Init, m.Stack.Max)
	}
	return nil
}

// FindAndLoad walks up from startDir to find an ember.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Config returns the vm.Config described by the manifest. A memory limit
// installs a TrackingAllocator over the system allocator.
func (m *Manifest) Config() vm.Config {
	cfg := vm.Config{
		FinalizerCapacity: vm.Bounded(m.Runtime.FinalizerCapacity),
		Heap: vm.HeapConfig{
			Threshold: m.GC.Threshold,
			ArenaSize: m.GC.Arena,
		},
		Stack: vm.StackLimits{
			StackInit:    m.Stack.Init,
			StackMax:     m.Stack.Max,
			CallInfoInit: m.Stack.CallInfoInit,
			CallDepthMax: m.Stack.CallDepthMax,
			RescueInit:   m.Stack.RescueInit,
			EnsureInit:   m.Stack.EnsureInit,
		},
	}
	if m.Memory.Limit > 0 {
		cfg.Allocator = vm.NewTrackingAllocator(vm.SystemAllocator, m.Memory.Limit)
	}
	return cfg
}

// UnitPaths returns absolute paths for the configured unit files.
func (m *Manifest) UnitPaths() []string {
	var paths []string
	for _, u := range m.Load.Units {
		if filepath.IsAbs(u) {
			paths = append(paths, u)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, u))
	}
	return paths
}

// LogPath returns the configured log file path, or nil for stderr.
func (m *Manifest) LogPath() *string {
	if m.Log.Path == "" {
		return nil
	}
	p := m.Log.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(m.Dir, p)
	}
	return &p
}

package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Collector: the contract between the State and the memory reclaimer
// ---------------------------------------------------------------------------

// RootScanner reports the values a collector must treat as live.
type RootScanner interface {
	ScanRoots(mark func(Value))
}

// Collector is the reclaimer a State drives. The State calls Init (disabled)
// at open, Enable once bootstrap is done, and Destroy at close. Destroy must
// reclaim every object still tracked.
type Collector interface {
	Init(roots RootScanner, disabled bool) error
	Enable()
	Disable()
	Disabled() bool

	// Track hands a newly created object to the collector.
	Track(obj Object)
	// Collect runs a full collection unless the collector is disabled.
	Collect() CollectStats

	// ArenaSave and ArenaRestore bracket a region whose new objects are
	// protected from collection until the arena is restored.
	ArenaSave() int
	ArenaRestore(idx int)

	Destroy() error
}

// CollectStats describes one collection.
type CollectStats struct {
	Skipped        bool // collector was disabled or not initialized
	Marked         int
	Swept          int
	FinalizeErrors int
	Duration       time.Duration
	Timestamp      time.Time
}

// HeapStats is a snapshot of a Heap's counters.
type HeapStats struct {
	Live           int
	Collections    uint64
	Swept          uint64
	FinalizeErrors uint64
	ArenaLen       int
	ArenaOverflows uint64
	Last           CollectStats
}

// ---------------------------------------------------------------------------
// Heap: default mark-sweep collector
// ---------------------------------------------------------------------------

// DefaultGCThreshold is the number of tracked objects between automatic
// collections.
const DefaultGCThreshold = 1024

// DefaultArenaSize is the arena capacity before it counts as an overflow.
const DefaultArenaSize = 100

// HeapConfig configures a Heap. Zero fields take defaults.
type HeapConfig struct {
	Threshold int // objects tracked between automatic collections; <0 disables
	ArenaSize int
}

// Heap is a mark-sweep collector over explicitly tracked objects.
type Heap struct {
	threshold int
	arenaCap  int

	roots       RootScanner
	disabled    bool
	initialized bool
	destroyed   bool

	objects []Object
	tracked map[Object]struct{}
	arena   []Object
	pending int

	stats HeapStats
}

// NewHeap creates an uninitialized heap. It rejects objects until Init.
func NewHeap(cfg HeapConfig) *Heap {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultGCThreshold
	}
	arena := cfg.ArenaSize
	if arena <= 0 {
		arena = DefaultArenaSize
	}
	return &Heap{
		threshold: threshold,
		arenaCap:  arena,
		disabled:  true,
	}
}

// Init implements Collector.
func (h *Heap) Init(roots RootScanner, disabled bool) error {
	if h.initialized {
		return fmt.Errorf("vm: heap already initialized")
	}
	h.roots = roots
	h.disabled = disabled
	h.initialized = true
	h.tracked = make(map[Object]struct{})
	h.arena = make([]Object, 0, h.arenaCap)
	return nil
}

// Enable implements Collector.
func (h *Heap) Enable() {
	if h.destroyed {
		return
	}
	h.disabled = false
}

// Disable implements Collector.
func (h *Heap) Disable() {
	h.disabled = true
}

// Disabled implements Collector.
func (h *Heap) Disabled() bool {
	return h.disabled
}

// Track implements Collector. Objects tracked after Destroy are finalized
// immediately.
func (h *Heap) Track(obj Object) {
	if obj == nil {
		return
	}
	if h.destroyed {
		if f, ok := obj.(Finalizable); ok {
			if err := finalize(f); err != nil {
				log.Errorf("finalizer of %T after heap destroy: %s", obj, err)
			}
		}
		return
	}
	if !h.initialized {
		panic("Heap.Track: heap not initialized")
	}
	if _, dup := h.tracked[obj]; dup {
		return
	}
	h.tracked[obj] = struct{}{}
	h.objects = append(h.objects, obj)

	if len(h.arena) == h.arenaCap {
		h.stats.ArenaOverflows++
		h.arenaCap *= 2
		log.Debugf("gc arena grown to %d", h.arenaCap)
	}
	h.arena = append(h.arena, obj)

	h.pending++
	if !h.disabled && h.threshold > 0 && h.pending >= h.threshold {
		h.Collect()
	}
}

// ArenaSave implements Collector.
func (h *Heap) ArenaSave() int {
	return len(h.arena)
}

// ArenaRestore implements Collector.
func (h *Heap) ArenaRestore(idx int) {
	if idx < 0 || idx >= len(h.arena) {
		return
	}
	for i := idx; i < len(h.arena); i++ {
		h.arena[i] = nil
	}
	h.arena = h.arena[:idx]
}

// Collect implements Collector.
func (h *Heap) Collect() CollectStats {
	if h.disabled || !h.initialized || h.destroyed {
		return CollectStats{Skipped: true}
	}
	start := time.Now()
	h.pending = 0

	// Mark
	marked := make(map[Object]struct{}, len(h.objects))
	var gray []Object
	shade := func(o Object) {
		if o == nil {
			return
		}
		if _, done := marked[o]; done {
			return
		}
		marked[o] = struct{}{}
		gray = append(gray, o)
	}
	if h.roots != nil {
		h.roots.ScanRoots(func(v Value) {
			if o, ok := v.(Object); ok {
				shade(o)
			}
		})
	}
	for _, o := range h.arena {
		shade(o)
	}
	for len(gray) > 0 {
		o := gray[len(gray)-1]
		gray = gray[:len(gray)-1]
		o.Children(shade)
	}

	// Sweep. The live list is rebuilt before any finalizer runs, so objects a
	// finalizer creates land in the new list.
	var garbage []Object
	live := make([]Object, 0, len(h.objects))
	for _, o := range h.objects {
		if _, ok := marked[o]; ok {
			live = append(live, o)
			continue
		}
		garbage = append(garbage, o)
		delete(h.tracked, o)
	}
	h.objects = live

	stats := CollectStats{Marked: len(marked), Swept: len(garbage), Timestamp: start}
	for _, o := range garbage {
		f, ok := o.(Finalizable)
		if !ok {
			continue
		}
		if err := finalize(f); err != nil {
			stats.FinalizeErrors++
			log.Errorf("finalizer of %T: %s", o, err)
		}
	}
	stats.Duration = time.Since(start)

	h.stats.Collections++
	h.stats.Swept += uint64(stats.Swept)
	h.stats.FinalizeErrors += uint64(stats.FinalizeErrors)
	h.stats.Last = stats
	log.Debugf("gc: marked %d, swept %d in %s", stats.Marked, stats.Swept, stats.Duration)
	return stats
}

// Destroy implements Collector. Every tracked object is finalized, newest
// first. The first finalizer failure stops the teardown and is returned.
func (h *Heap) Destroy() error {
	if h.destroyed {
		return nil
	}
	h.destroyed = true
	h.disabled = true

	objs := h.objects
	h.objects = nil
	h.tracked = nil
	h.arena = nil
	for i := len(objs) - 1; i >= 0; i-- {
		f, ok := objs[i].(Finalizable)
		if !ok {
			continue
		}
		if err := finalize(f); err != nil {
			return fmt.Errorf("finalize %T: %w", f, err)
		}
	}
	return nil
}

// Destroyed reports whether Destroy has run.
func (h *Heap) Destroyed() bool {
	return h.destroyed
}

// Live returns the number of tracked objects.
func (h *Heap) Live() int {
	return len(h.objects)
}

// Stats returns a snapshot of the heap's counters.
func (h *Heap) Stats() HeapStats {
	s := h.stats
	s.Live = len(h.objects)
	s.ArenaLen = len(h.arena)
	return s
}

// finalize runs f.Finalize, converting a panic into an error.
func finalize(f Finalizable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return f.Finalize()
}

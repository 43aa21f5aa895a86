package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Allocator: pluggable storage provider
// ---------------------------------------------------------------------------

// Block is one allocation handed out by an Allocator. Byte storage is only
// materialized for callers that ask for it with Bytes; stores that keep Go
// values (stacks, tables) use the block purely as a size reservation.
type Block struct {
	size     int
	data     []byte
	released bool
}

// Size returns the number of bytes reserved by this block.
func (b *Block) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Bytes returns the block's byte storage, creating it on first use.
func (b *Block) Bytes() []byte {
	if b == nil || b.released {
		return nil
	}
	if b.data == nil {
		b.data = make([]byte, b.size)
	}
	return b.data
}

// Released reports whether the block has been returned to its allocator.
func (b *Block) Released() bool {
	return b != nil && b.released
}

// Allocator is the storage contract the runtime core allocates through.
// Embedders may supply their own to impose limits or account usage.
type Allocator interface {
	// Allocate reserves size bytes.
	Allocate(size int) (*Block, error)
	// Resize grows or shrinks b to size bytes, preserving its contents.
	// The returned block replaces b; b must not be used afterwards.
	Resize(b *Block, size int) (*Block, error)
	// Release returns b to the allocator.
	Release(b *Block)
}

// SystemAllocator is the default allocator. It never refuses a request.
var SystemAllocator Allocator = systemAllocator{}

type systemAllocator struct{}

func (systemAllocator) Allocate(size int) (*Block, error) {
	if size < 0 {
		return nil, &AllocationError{Size: size, Err: ErrNoMemory}
	}
	return &Block{size: size}, nil
}

func (systemAllocator) Resize(b *Block, size int) (*Block, error) {
	if size < 0 {
		return nil, &AllocationError{Size: size, Err: ErrNoMemory}
	}
	if b == nil {
		return &Block{size: size}, nil
	}
	if b.data != nil {
		data := make([]byte, size)
		copy(data, b.data)
		b.data = data
	}
	b.size = size
	return b, nil
}

func (systemAllocator) Release(b *Block) {
	if b == nil {
		return
	}
	b.data = nil
	b.released = true
}

// ---------------------------------------------------------------------------
// TrackingAllocator: accounting, limits and failure injection
// ---------------------------------------------------------------------------

// AllocatorStats is a snapshot of a TrackingAllocator's counters.
type AllocatorStats struct {
	Allocations int // successful Allocate calls
	Resizes     int // successful Resize calls
	Releases    int // Release calls on live blocks
	Refused     int // requests refused by limit or injected failure
	BadReleases int // Release calls on unknown or already released blocks
	LiveBlocks  int
	InUse       int // bytes held by live blocks
	Peak        int // high-water mark of InUse
}

// TrackingAllocator wraps another allocator and records every live block.
// It can refuse requests above a byte limit or at a chosen request number,
// which makes allocation failure paths testable.
type TrackingAllocator struct {
	base   Allocator
	limit  int
	failAt int

	requests int
	live     map[*Block]int
	stats    AllocatorStats
}

// NewTrackingAllocator wraps base (SystemAllocator if nil). A limit of zero
// or less disables the byte ceiling.
func NewTrackingAllocator(base Allocator, limit int) *TrackingAllocator {
	if base == nil {
		base = SystemAllocator
	}
	return &TrackingAllocator{
		base:  base,
		limit: limit,
		live:  make(map[*Block]int),
	}
}

// FailAt makes the n-th request from now (1-based, counting Allocate and
// Resize) fail. Zero disables injection.
func (a *TrackingAllocator) FailAt(n int) {
	if n <= 0 {
		a.failAt = 0
		return
	}
	a.failAt = a.requests + n
}

// Allocate implements Allocator.
func (a *TrackingAllocator) Allocate(size int) (*Block, error) {
	if err := a.admit(size, 0); err != nil {
		return nil, err
	}
	b, err := a.base.Allocate(size)
	if err != nil {
		a.stats.Refused++
		return nil, err
	}
	a.live[b] = size
	a.stats.Allocations++
	a.grow(size)
	return b, nil
}

// Resize implements Allocator.
func (a *TrackingAllocator) Resize(b *Block, size int) (*Block, error) {
	if b == nil {
		return a.Allocate(size)
	}
	old, ok := a.live[b]
	if !ok {
		a.stats.BadReleases++
		return nil, fmt.Errorf("vm: resize of unknown block: %w", ErrNoMemory)
	}
	if err := a.admit(size, old); err != nil {
		return nil, err
	}
	nb, err := a.base.Resize(b, size)
	if err != nil {
		a.stats.Refused++
		return nil, err
	}
	delete(a.live, b)
	a.live[nb] = size
	a.stats.Resizes++
	a.stats.InUse -= old
	a.grow(size)
	return nb, nil
}

// Release implements Allocator.
func (a *TrackingAllocator) Release(b *Block) {
	if b == nil {
		return
	}
	size, ok := a.live[b]
	if !ok {
		a.stats.BadReleases++
		return
	}
	delete(a.live, b)
	a.stats.Releases++
	a.stats.InUse -= size
	a.base.Release(b)
}

// Live returns the number of blocks not yet released.
func (a *TrackingAllocator) Live() int {
	return len(a.live)
}

// InUse returns the number of bytes held by live blocks.
func (a *TrackingAllocator) InUse() int {
	return a.stats.InUse
}

// Stats returns a snapshot of the allocator's counters.
func (a *TrackingAllocator) Stats() AllocatorStats {
	s := a.stats
	s.LiveBlocks = len(a.live)
	return s
}

func (a *TrackingAllocator) admit(size, replacing int) error {
	a.requests++
	if a.failAt != 0 && a.requests == a.failAt {
		a.failAt = 0
		a.stats.Refused++
		return &AllocationError{Size: size, Err: ErrNoMemory}
	}
	if a.limit > 0 && a.stats.InUse-replacing+size > a.limit {
		a.stats.Refused++
		return &AllocationError{Size: size, Err: ErrNoMemory}
	}
	return nil
}

func (a *TrackingAllocator) grow(size int) {
	a.stats.InUse += size
	if a.stats.InUse > a.stats.Peak {
		a.stats.Peak = a.stats.InUse
	}
}

// Package region reserves the address space instances run in and hands out
// per-instance slots from a fixed-capacity pool.
//
// A region is one contiguous mapping carved into identical slots. Every
// sub-range of every slot is PROT_NONE between uses; instantiation commits
// exactly the ranges the module's heap spec asks for. Dropping an allocation
// zeroes and re-protects its memory and returns the slot to the free list;
// the virtual address range itself is never unmapped until the region is
// released.
package region

import (
	"errors"
	"fmt"

	"github.com/golucet/golucet/internal/artifact"
	"github.com/golucet/golucet/internal/moduledata"
	"github.com/golucet/golucet/internal/platform"
)

var (
	// ErrRegionFull is returned when no free slot remains.
	ErrRegionFull = errors.New("region has no free slots")
	// ErrLimitsExceeded is returned when a module's heap spec does not fit
	// the region's limits, or a heap expansion would pass its bounds.
	ErrLimitsExceeded = errors.New("limits exceeded")
)

// Limits bound every instance in a region. Slot geometry is computed from
// these once, at region creation.
type Limits struct {
	// HeapMemorySize is the most committed heap an instance may have.
	HeapMemorySize uint64
	// HeapAddressSpaceSize is the reserved span per slot holding the heap
	// and its tail guard; a module's reserved_size+guard_size must fit.
	HeapAddressSpaceSize uint64
	// StackSize is the guest stack size.
	StackSize uint64
	// GlobalsSize is the space for guest globals, 8 bytes per global.
	GlobalsSize uint64
}

// DefaultLimits matches the compiler's default heap settings: 4 MiB reserved
// plus 4 MiB guard.
func DefaultLimits() Limits {
	return Limits{
		HeapMemorySize:       4 << 20,
		HeapAddressSpaceSize: 8 << 20,
		StackSize:            128 << 10,
		GlobalsSize:          platform.PageSize,
	}
}

// Validate checks the limits are usable.
func (l Limits) Validate() error {
	if l.HeapMemorySize%moduledata.WasmPageSize != 0 {
		return fmt.Errorf("heap memory size %d is not a multiple of the wasm page size", l.HeapMemorySize)
	}
	if l.HeapAddressSpaceSize < l.HeapMemorySize {
		return fmt.Errorf("heap address space %d is smaller than heap memory size %d",
			l.HeapAddressSpaceSize, l.HeapMemorySize)
	}
	if l.StackSize == 0 || l.StackSize%platform.PageSize != 0 {
		return fmt.Errorf("stack size %d is not a positive multiple of the page size", l.StackSize)
	}
	if l.GlobalsSize%platform.PageSize != 0 {
		return fmt.Errorf("globals size %d is not a multiple of the page size", l.GlobalsSize)
	}
	return nil
}

// CheckModule verifies a module fits these limits: heap spec within the
// memory and address-space bounds, globals within the globals span.
func (l Limits) CheckModule(data *moduledata.ModuleData) error {
	h := data.HeapSpec
	if h.InitialSize > l.HeapMemorySize {
		return fmt.Errorf("initial heap %d over memory limit %d: %w", h.InitialSize, l.HeapMemorySize, ErrLimitsExceeded)
	}
	if h.ReservedSize+h.GuardSize > l.HeapAddressSpaceSize {
		return fmt.Errorf("reserved+guard %d over address space limit %d: %w",
			h.ReservedSize+h.GuardSize, l.HeapAddressSpaceSize, ErrLimitsExceeded)
	}
	if need := uint64(len(data.GlobalsSpec)) * 8; need > l.GlobalsSize {
		return fmt.Errorf("%d globals need %d bytes, over the %d globals span: %w",
			len(data.GlobalsSpec), need, l.GlobalsSize, ErrLimitsExceeded)
	}
	return nil
}

// Region is the capability set a slot-allocation strategy implements. The
// mmap strategy is the default; alternatives (for example one backed by
// lazily-faulted pages) plug in behind the same set.
type Region interface {
	// NewAlloc pops a free slot, validates the module against the region
	// limits, resets the heap to the module's initial contents, and installs
	// the globals' initial values.
	NewAlloc(module *artifact.Module) (*Alloc, error)
	// ExpandHeap grows the committed heap prefix by addedBytes, returning
	// the previous committed size.
	ExpandHeap(a *Alloc, addedBytes uint64) (uint64, error)
	// ResetHeap re-establishes the module's initial heap and globals.
	ResetHeap(a *Alloc) error
	// DropAlloc zeroes and re-protects the allocation's memory and returns
	// the slot to the free list.
	DropAlloc(a *Alloc)
	// Free reports the number of free slots.
	Free() int
	// Release unmaps the whole region. All allocations must be dropped.
	Release() error
}

// slotGeometry is the byte layout of one slot, identical across a region:
//
//	[ guard | instance | stack guard | stack | heap guard | vmdata
//	  | heap address space | tail guard | globals | sigstack ]
//
// The vmdata page sits directly below the heap base so the VM-context
// negative offsets land in committed memory; everything else between regions
// stays PROT_NONE while unused.
type slotGeometry struct {
	instanceOff uint64
	stackOff    uint64
	stackLen    uint64
	vmdataOff   uint64
	heapOff     uint64
	heapSpan    uint64
	globalsOff  uint64
	globalsLen  uint64
	sigstackOff uint64
	stride      uint64
}

// sigStackSize matches SIGSTKSZ on common hosts.
const sigStackSize = 2 * platform.PageSize

func computeGeometry(l Limits) slotGeometry {
	const pg = platform.PageSize
	var g slotGeometry
	off := uint64(pg) // leading guard page
	g.instanceOff = off
	off += pg
	off += pg // stack guard
	g.stackOff = off
	g.stackLen = platform.RoundUpToPage(l.StackSize)
	off += g.stackLen
	off += pg // heap guard
	g.vmdataOff = off
	off += pg
	g.heapOff = off
	g.heapSpan = platform.RoundUpToPage(l.HeapAddressSpaceSize)
	off += g.heapSpan
	off += pg // heap tail guard
	g.globalsOff = off
	g.globalsLen = platform.RoundUpToPage(l.GlobalsSize)
	off += g.globalsLen
	g.sigstackOff = off
	off += sigStackSize
	g.stride = platform.RoundUpToPage(off)
	return g
}

// Slot is a non-owning view of one slot's spans, handed to one allocation at
// a time.
type Slot struct {
	index   int
	backing []byte // the whole slot span within the region mapping
	geo     *slotGeometry
}

func (s *Slot) span(off, length uint64) []byte {
	return s.backing[off : off+length : off+length]
}

// Stack returns the guest stack span.
func (s *Slot) Stack() []byte { return s.span(s.geo.stackOff, s.geo.stackLen) }

// VMData returns the vmdata page directly below the heap base.
func (s *Slot) VMData() []byte { return s.span(s.geo.vmdataOff, platform.PageSize) }

// HeapSpan returns the full heap address-space span, committed or not.
func (s *Slot) HeapSpan() []byte { return s.span(s.geo.heapOff, s.geo.heapSpan) }

// Globals returns the globals span.
func (s *Slot) Globals() []byte { return s.span(s.geo.globalsOff, s.geo.globalsLen) }

// Sigstack returns the alternate signal stack span.
func (s *Slot) Sigstack() []byte { return s.span(s.geo.sigstackOff, sigStackSize) }

// InstanceArea returns the slot's instance scratch page.
func (s *Slot) InstanceArea() []byte { return s.span(s.geo.instanceOff, platform.PageSize) }

// Alloc is one instance's allocation: a slot bound to a module.
type Alloc struct {
	Slot   *Slot
	Module *artifact.Module
	// HeapLen is the committed heap prefix in bytes.
	HeapLen uint64

	region Region
	live   bool
}

// Heap returns the committed heap as a byte slice.
func (a *Alloc) Heap() []byte { return a.Slot.HeapSpan()[:a.HeapLen] }

// HeapPages returns the committed heap size in WebAssembly pages.
func (a *Alloc) HeapPages() uint32 { return uint32(a.HeapLen / moduledata.WasmPageSize) }

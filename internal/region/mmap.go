package region

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/golucet/golucet/internal/artifact"
	"github.com/golucet/golucet/internal/moduledata"
	"github.com/golucet/golucet/internal/platform"
)

// mmapRegion is the default Region strategy: one anonymous PROT_NONE mapping
// for all slots, with mprotect committing and revoking spans as instances
// come and go.
type mmapRegion struct {
	limits Limits
	geo    slotGeometry
	// mapping is the whole reservation; never remapped until Release.
	mapping []byte
	slots   []Slot
	log     logrus.FieldLogger

	mu       sync.Mutex
	freeList []int
}

// Create reserves address space for capacity slots under the given limits.
func Create(capacity int, limits Limits, log logrus.FieldLogger) (Region, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("region capacity must be positive, was %d", capacity)
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "region")

	geo := computeGeometry(limits)
	total := geo.stride * uint64(capacity)
	mapping, err := platform.ReserveRegion(total)
	if err != nil {
		return nil, fmt.Errorf("reserving %d bytes of address space: %w", total, err)
	}

	r := &mmapRegion{
		limits:   limits,
		geo:      geo,
		mapping:  mapping,
		slots:    make([]Slot, capacity),
		freeList: make([]int, 0, capacity),
		log:      log,
	}
	for i := 0; i < capacity; i++ {
		r.slots[i] = Slot{
			index:   i,
			backing: mapping[uint64(i)*geo.stride : uint64(i+1)*geo.stride],
			geo:     &r.geo,
		}
		r.freeList = append(r.freeList, i)
	}

	log.WithFields(logrus.Fields{
		"capacity":    capacity,
		"slot_stride": geo.stride,
		"total_bytes": total,
	}).Debug("region created")
	return r, nil
}

// NewAlloc implements Region.
func (r *mmapRegion) NewAlloc(module *artifact.Module) (*Alloc, error) {
	if err := r.limits.CheckModule(module.Data); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.freeList) == 0 {
		r.mu.Unlock()
		return nil, ErrRegionFull
	}
	idx := r.freeList[len(r.freeList)-1]
	r.freeList = r.freeList[:len(r.freeList)-1]
	r.mu.Unlock()

	slot := &r.slots[idx]
	a := &Alloc{Slot: slot, Module: module, region: r, live: true}

	if err := r.commit(a); err != nil {
		r.returnSlot(idx)
		return nil, err
	}
	r.log.WithField("slot", idx).Debug("slot allocated")
	return a, nil
}

// commit makes the allocation's spans accessible and installs the module's
// initial heap and globals.
func (r *mmapRegion) commit(a *Alloc) error {
	slot := a.Slot
	spec := a.Module.Data.HeapSpec

	for _, span := range [][]byte{slot.Stack(), slot.VMData(), slot.Globals(), slot.InstanceArea()} {
		if err := platform.ProtectReadWrite(span); err != nil {
			return fmt.Errorf("committing slot span: %w", err)
		}
	}
	if spec.InitialSize > 0 {
		if err := platform.ProtectReadWrite(slot.HeapSpan()[:spec.InitialSize]); err != nil {
			return fmt.Errorf("committing initial heap: %w", err)
		}
	}
	a.HeapLen = spec.InitialSize

	if err := a.Module.Data.SparseData.Materialize(a.Heap()); err != nil {
		return err
	}
	installGlobals(slot.Globals(), a.Module.Data.GlobalsSpec)
	return nil
}

// installGlobals writes the initial values, 8 bytes per global in guest
// index order. Imported globals start at zero; their values are the
// embedder's to set before running.
func installGlobals(globals []byte, specs []moduledata.GlobalSpec) {
	for i, g := range specs {
		var v int64
		if g.Kind == moduledata.GlobalDef {
			v = g.InitVal
		}
		binary.LittleEndian.PutUint64(globals[i*8:], uint64(v))
	}
}

// ExpandHeap implements Region.
func (r *mmapRegion) ExpandHeap(a *Alloc, addedBytes uint64) (uint64, error) {
	if !a.live {
		return 0, fmt.Errorf("expand_heap on a dropped allocation")
	}
	prev := a.HeapLen
	if addedBytes == 0 {
		return prev, nil
	}
	newLen := prev + addedBytes
	if newLen < prev {
		return 0, ErrLimitsExceeded
	}
	spec := a.Module.Data.HeapSpec
	if newLen > spec.ReservedSize || (spec.HasMax && newLen > spec.Max) || newLen > r.limits.HeapMemorySize {
		return 0, ErrLimitsExceeded
	}

	// Newly committed pages were PROT_NONE; contents were zeroed on the
	// previous drop, so expansion exposes zeros.
	span := a.Slot.HeapSpan()[prev:newLen]
	if err := platform.ProtectReadWrite(span); err != nil {
		return 0, fmt.Errorf("committing expanded heap: %w", err)
	}
	a.HeapLen = newLen
	return prev, nil
}

// ResetHeap implements Region.
func (r *mmapRegion) ResetHeap(a *Alloc) error {
	if !a.live {
		return fmt.Errorf("reset_heap on a dropped allocation")
	}
	// Zero whatever the instance committed and wrote, shrink back to the
	// initial size, and replay the sparse data and globals.
	zero(a.Slot.HeapSpan()[:a.HeapLen])
	zero(a.Slot.VMData())
	zero(a.Slot.Stack())

	spec := a.Module.Data.HeapSpec
	if a.HeapLen > spec.InitialSize {
		if err := platform.ProtectNone(a.Slot.HeapSpan()[spec.InitialSize:a.HeapLen]); err != nil {
			return err
		}
	}
	a.HeapLen = spec.InitialSize
	if err := a.Module.Data.SparseData.Materialize(a.Heap()); err != nil {
		return err
	}
	installGlobals(a.Slot.Globals(), a.Module.Data.GlobalsSpec)
	return nil
}

// DropAlloc implements Region.
func (r *mmapRegion) DropAlloc(a *Alloc) {
	if !a.live {
		return
	}
	a.live = false
	slot := a.Slot

	// Nothing the instance wrote survives for the slot's next tenant.
	zero(slot.HeapSpan()[:a.HeapLen])
	zero(slot.Stack())
	zero(slot.VMData())
	zero(slot.Globals())
	zero(slot.InstanceArea())

	for _, span := range [][]byte{
		slot.HeapSpan()[:a.HeapLen], slot.Stack(), slot.VMData(), slot.Globals(), slot.InstanceArea(),
	} {
		if len(span) == 0 {
			continue
		}
		if err := platform.ProtectNone(span); err != nil {
			// mprotect on our own mapping only fails if the mapping is gone,
			// which is unrecoverable.
			panic(fmt.Errorf("re-protecting dropped slot %d: %w", slot.index, err))
		}
	}
	a.HeapLen = 0
	r.returnSlot(slot.index)
	r.log.WithField("slot", slot.index).Debug("slot returned")
}

func (r *mmapRegion) returnSlot(idx int) {
	r.mu.Lock()
	r.freeList = append(r.freeList, idx)
	r.mu.Unlock()
}

// Free implements Region.
func (r *mmapRegion) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.freeList)
}

// Release implements Region.
func (r *mmapRegion) Release() error {
	r.mu.Lock()
	free := len(r.freeList)
	r.mu.Unlock()
	if free != len(r.slots) {
		return fmt.Errorf("%d allocations still live", len(r.slots)-free)
	}
	mapping := r.mapping
	r.mapping = nil
	return platform.ReleaseRegion(mapping)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// VMCtxPtr returns the heap base address: the pointer guest code receives as
// its VM context.
func (a *Alloc) VMCtxPtr() uintptr {
	return uintptr(unsafe.Pointer(&a.Slot.HeapSpan()[0]))
}

package instance

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// Vmctx is the scoped view a hostcall gets of its guest: heap access with
// bounds checks and borrow discipline, the embed context, and termination.
// A Vmctx is only valid for the duration of one hostcall.
type Vmctx struct {
	inst    *Instance
	dead    bool
	yield   bool
	borrows []borrow
}

type borrow struct {
	start, end uint64
	mutable    bool
}

func (vm *Vmctx) check() {
	if vm.dead {
		panic("Vmctx used outside its hostcall")
	}
}

// invalidate ends the Vmctx's life; borrow state is reset with it.
func (vm *Vmctx) invalidate() {
	vm.dead = true
	vm.borrows = nil
}

// Instance returns the instance being called into.
func (vm *Vmctx) Instance() *Instance {
	vm.check()
	return vm.inst
}

// CheckHeap reports whether [ptr, ptr+len) lies inside the committed heap.
// Every read or write of guest memory must pass through this check or one
// of the borrowing accessors, which perform it.
func (vm *Vmctx) CheckHeap(ptr, length uint64) bool {
	vm.check()
	end := ptr + length
	return end >= ptr && end <= vm.inst.alloc.HeapLen
}

// Borrow returns a shared view of guest memory. Shared borrows may overlap
// each other but not a mutable borrow.
func (vm *Vmctx) Borrow(ptr, length uint64) ([]byte, error) {
	return vm.borrow(ptr, length, false)
}

// BorrowMut returns an exclusive view of guest memory. Overlap with any
// outstanding borrow fails with ErrBorrowOverlap.
func (vm *Vmctx) BorrowMut(ptr, length uint64) ([]byte, error) {
	return vm.borrow(ptr, length, true)
}

func (vm *Vmctx) borrow(ptr, length uint64, mutable bool) ([]byte, error) {
	vm.check()
	if !vm.CheckHeap(ptr, length) {
		return nil, fmt.Errorf("guest pointer %#x+%d outside heap of %d bytes", ptr, length, vm.inst.alloc.HeapLen)
	}
	for _, b := range vm.borrows {
		if ptr < b.end && b.start < ptr+length && (mutable || b.mutable) {
			return nil, ErrBorrowOverlap
		}
	}
	vm.borrows = append(vm.borrows, borrow{start: ptr, end: ptr + length, mutable: mutable})
	return vm.inst.alloc.Heap()[ptr : ptr+length : ptr+length], nil
}

// OutstandingBorrows reports the live borrow count, for tests and
// assertions.
func (vm *Vmctx) OutstandingBorrows() int { return len(vm.borrows) }

// ReadU32 is a bounds-checked little-endian read.
func (vm *Vmctx) ReadU32(ptr uint64) (uint32, error) {
	b, err := vm.Borrow(ptr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteU32 is a bounds-checked little-endian write.
func (vm *Vmctx) WriteU32(ptr uint64, v uint32) error {
	b, err := vm.BorrowMut(ptr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// ReadU64 is a bounds-checked little-endian read.
func (vm *Vmctx) ReadU64(ptr uint64) (uint64, error) {
	b, err := vm.Borrow(ptr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteU64 is a bounds-checked little-endian write.
func (vm *Vmctx) WriteU64(ptr uint64, v uint64) error {
	b, err := vm.BorrowMut(ptr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// EmbedCtx retrieves the host value stored under the value's type; see
// SetEmbedCtx. The second result is false when nothing is stored.
func (vm *Vmctx) EmbedCtx(key interface{}) (interface{}, bool) {
	vm.check()
	v, ok := vm.inst.embedCtx[reflect.TypeOf(key)]
	return v, ok
}

// SetEmbedCtx stores a host value keyed by its dynamic type: at most one
// value per type.
func (vm *Vmctx) SetEmbedCtx(value interface{}) {
	vm.check()
	vm.inst.embedCtx[reflect.TypeOf(value)] = value
}

// Terminate unwinds the guest back to the caller of Run, which receives a
// *RuntimeTerminated carrying details. It does not return.
func (vm *Vmctx) Terminate(details interface{}) {
	vm.check()
	panic(terminateSentinel{details: details})
}

// Yield suspends the instance once this hostcall returns: the caller of Run
// receives *RuntimeYielded and may Resume later. The hostcall's result is
// delivered to the guest on resumption.
func (vm *Vmctx) Yield() {
	vm.check()
	vm.yield = true
}

// SetEmbedCtxValue stores a value on the instance from outside a hostcall,
// for embedders priming state before the first run.
func (i *Instance) SetEmbedCtxValue(value interface{}) {
	i.embedCtx[reflect.TypeOf(value)] = value
}

// EmbedCtxValue retrieves a value stored under the sample's type.
func (i *Instance) EmbedCtxValue(sample interface{}) (interface{}, bool) {
	v, ok := i.embedCtx[reflect.TypeOf(sample)]
	return v, ok
}

//go:build linux || darwin || freebsd

package instance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testVmctx(t *testing.T) *Vmctx {
	r := testRegion(t)
	inst, err := New(r, testModule(t), noopHostcalls())
	require.NoError(t, err)
	t.Cleanup(inst.Drop)
	return &Vmctx{inst: inst}
}

func TestCheckHeap(t *testing.T) {
	vm := testVmctx(t)
	heapLen := vm.inst.alloc.HeapLen

	require.True(t, vm.CheckHeap(0, 0))
	require.True(t, vm.CheckHeap(0, heapLen))
	require.True(t, vm.CheckHeap(heapLen-4, 4))
	require.False(t, vm.CheckHeap(heapLen-3, 4))
	require.False(t, vm.CheckHeap(heapLen, 1))
	// Overflowing pointers do not wrap into validity.
	require.False(t, vm.CheckHeap(^uint64(0), 8))
}

func TestBorrowDiscipline(t *testing.T) {
	vm := testVmctx(t)

	// Two shared borrows may overlap.
	a, err := vm.Borrow(0, 64)
	require.NoError(t, err)
	_, err = vm.Borrow(32, 64)
	require.NoError(t, err)

	// A mutable borrow may not overlap anything outstanding.
	_, err = vm.BorrowMut(48, 16)
	require.ErrorIs(t, err, ErrBorrowOverlap)

	// Disjoint mutable borrows are fine.
	b, err := vm.BorrowMut(128, 64)
	require.NoError(t, err)
	b[0] = 0xaa
	require.Equal(t, byte(0xaa), vm.inst.Heap()[128])

	// Overlapping the mutable borrow fails even for a shared one.
	_, err = vm.Borrow(160, 8)
	require.ErrorIs(t, err, ErrBorrowOverlap)

	// Two overlapping mutable borrows fail.
	_, err = vm.BorrowMut(128, 8)
	require.ErrorIs(t, err, ErrBorrowOverlap)

	require.Equal(t, 3, vm.OutstandingBorrows())
	_ = a

	// Borrow state is reset when the hostcall ends.
	vm.invalidate()
	require.Zero(t, vm.OutstandingBorrows())
	require.Panics(t, func() { vm.CheckHeap(0, 1) })
	require.Panics(t, func() { _, _ = vm.Borrow(0, 1) })
}

func TestVmctxReadWrite(t *testing.T) {
	vm := testVmctx(t)

	// The sparse data placed 17 at offset 0.
	v, err := vm.ReadU32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(17), v)

	require.NoError(t, vm.WriteU64(8, 0xdeadbeefcafe))
	// A later call gets fresh borrow state and sees the write.
	vm2 := &Vmctx{inst: vm.inst}
	got, err := vm2.ReadU64(8)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeefcafe), got)

	heapLen := vm.inst.alloc.HeapLen
	_, err = vm.ReadU32(heapLen - 2)
	require.Error(t, err)
	require.Error(t, vm.WriteU32(heapLen, 1))
}

func TestVmctxEmbedCtx(t *testing.T) {
	type timerState struct{ ticks int }

	vm := testVmctx(t)
	vm.SetEmbedCtx(&timerState{ticks: 12})
	v, ok := vm.EmbedCtx(&timerState{})
	require.True(t, ok)
	require.Equal(t, 12, v.(*timerState).ticks)

	_, ok = vm.EmbedCtx("a string key type")
	require.False(t, ok)
}

func TestTerminatePanicsWithSentinel(t *testing.T) {
	vm := testVmctx(t)
	require.PanicsWithValue(t, terminateSentinel{details: 42}, func() {
		vm.Terminate(42)
	})
}

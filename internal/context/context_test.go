package context

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// TestVerifyOffsetValue pins the struct offsets the assembly depends on.
func TestVerifyOffsetValue(t *testing.T) {
	var ctx Context
	require.Equal(t, uintptr(ctxRBXOffset), unsafe.Offsetof(ctx.RBX))
	require.Equal(t, uintptr(8), unsafe.Offsetof(ctx.RBP))
	require.Equal(t, uintptr(16), unsafe.Offsetof(ctx.R12))
	require.Equal(t, uintptr(24), unsafe.Offsetof(ctx.R13))
	require.Equal(t, uintptr(32), unsafe.Offsetof(ctx.R14))
	require.Equal(t, uintptr(40), unsafe.Offsetof(ctx.R15))
	require.Equal(t, uintptr(ctxRSPOffset), unsafe.Offsetof(ctx.RSP))
	require.Equal(t, uintptr(ctxRIPOffset), unsafe.Offsetof(ctx.RIP))
	require.Equal(t, uintptr(ctxMXCSROffset), unsafe.Offsetof(ctx.MXCSR))
	require.Equal(t, uintptr(ctxFPUCWOffset), unsafe.Offsetof(ctx.FPUCW))
	require.Equal(t, uintptr(ctxExitDataOffset), unsafe.Offsetof(ctx.ExitData))

	var exit ExitData
	require.Equal(t, uintptr(exitVMCtxOffset), unsafe.Offsetof(exit.VMCtx))
	require.Equal(t, uintptr(exitEntryAddrOffset), unsafe.Offsetof(exit.EntryAddr))
	require.Equal(t, uintptr(exitParentOffset), unsafe.Offsetof(exit.Parent))
	require.Equal(t, uintptr(exitChildOffset), unsafe.Offsetof(exit.Child))
	require.Equal(t, uintptr(exitRetValOffset), unsafe.Offsetof(exit.RetVal))
	require.Equal(t, uintptr(exitRetValFloatOffset), unsafe.Offsetof(exit.RetValFloat))
	require.Equal(t, uintptr(exitGPArgsOffset), unsafe.Offsetof(exit.GPArgs))
	require.Equal(t, uintptr(exitFPArgsOffset), unsafe.Offsetof(exit.FPArgs))
}

// alignedStack returns a stack slice whose top is 16-byte aligned.
func alignedStack(words int) []uint64 {
	stack := make([]uint64, words+1)
	if stackTop(stack)%16 != 0 {
		return stack[:words]
	}
	return stack[1 : words+1]
}

func TestNewValidation(t *testing.T) {
	if guestEntryAddr() == 0 {
		t.Skip("unsupported platform")
	}
	const entry = uintptr(0x1000)

	t.Run("ok", func(t *testing.T) {
		stack := alignedStack(MinStackLen)
		child, exit, err := New(stack, 0x2000, entry, []uint64{1, 2}, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(stackTop(stack)), child.RSP)
		require.Equal(t, uint64(guestEntryAddr()), child.RIP)
		require.Equal(t, uint64(exitDataPtr(exit)), child.R12)
		require.Equal(t, uint64(0x2000), exit.VMCtx)
		require.Equal(t, uint64(entry), exit.EntryAddr)
		require.Equal(t, uint64(1), exit.GPArgs[0])
		require.Equal(t, uint64(2), exit.GPArgs[1])
		require.Same(t, child, exit.Child)
	})

	t.Run("unaligned stack", func(t *testing.T) {
		stack := alignedStack(MinStackLen + 2)
		stack = stack[:len(stack)-1] // shifts the top by one word
		_, _, err := New(stack, 0x2000, entry, nil, nil)
		require.ErrorIs(t, err, ErrUnalignedStack)
	})

	t.Run("short stack", func(t *testing.T) {
		_, _, err := New(make([]uint64, 8), 0x2000, entry, nil, nil)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("nil entry", func(t *testing.T) {
		_, _, err := New(alignedStack(MinStackLen), 0x2000, 0, nil, nil)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("too many args", func(t *testing.T) {
		_, _, err := New(alignedStack(MinStackLen), 0x2000, entry, make([]uint64, 6), nil)
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, _, err = New(alignedStack(MinStackLen), 0x2000, entry, nil, make([]uint64, 9))
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestBackstopAddr(t *testing.T) {
	if guestEntryAddr() == 0 {
		t.Skip("unsupported platform")
	}
	require.NotZero(t, BackstopAddr())
	require.NotEqual(t, BackstopAddr(), guestEntryAddr())
}

// Package context implements the cooperative switch between a host (parent)
// context and a guest (child) context running on its own stack.
//
// A Context snapshot stores the callee-saved general registers, the
// floating-point control state, stack and instruction pointers, and a pointer
// to the ExitData block. The struct offsets are part of the ABI: the
// assembly in arch_amd64.s reads them, as does generated guest code on its
// exit paths.
package context

import (
	"errors"
)

var (
	// ErrUnalignedStack is returned when the guest stack top is not 16-byte
	// aligned.
	ErrUnalignedStack = errors.New("context initialized with unaligned stack")
	// ErrInvalidArgument is returned for a zero-length stack or missing
	// entry point.
	ErrInvalidArgument = errors.New("invalid context argument")
	// ErrUnsupported is returned on platforms without a switch
	// implementation.
	ErrUnsupported = errors.New("context switching is not supported on this platform")
)

// Context is a register snapshot either side of a switch.
//
// The assembly reads fields by the offsets below; do not reorder.
type Context struct {
	RBX   uint64 // offset 0
	RBP   uint64 // offset 8
	R12   uint64 // offset 16
	R13   uint64 // offset 24
	R14   uint64 // offset 32
	R15   uint64 // offset 40
	RSP   uint64 // offset 48
	RIP   uint64 // offset 56
	MXCSR uint32 // offset 64
	FPUCW uint32 // offset 68; x87 control word in the low 16 bits

	// ExitData is not touched by the switch itself but travels with the
	// context so the backstop can find it.
	ExitData *ExitData // offset 72
}

// ExitData is the block the guest-entry and backstop trampolines exchange
// state through: entry arguments on the way in, return values on the way
// out, and the two context pointers the backstop swaps between.
//
// Offsets are ABI, read from arch_amd64.s.
type ExitData struct {
	VMCtx     uint64 // offset 0: heap-base pointer passed as the hidden first argument
	EntryAddr uint64 // offset 8: guest function to enter on the first switch

	Parent *Context // offset 16: restored by the backstop
	Child  *Context // offset 24: saved by the backstop

	RetVal      uint64 // offset 32: integer return register
	RetValFloat uint64 // offset 40: float return register bit pattern

	// GPArgs feed RSI, RDX, RCX, R8, R9 on guest entry; FPArgs feed
	// XMM0..XMM7. Unused slots are ignored by the callee.
	GPArgs [5]uint64 // offset 48
	FPArgs [8]uint64 // offset 88
}

// Offsets into Context and ExitData, mirrored by the assembly.
const (
	ctxRBXOffset      = 0
	ctxRSPOffset      = 48
	ctxRIPOffset      = 56
	ctxMXCSROffset    = 64
	ctxFPUCWOffset    = 68
	ctxExitDataOffset = 72

	exitVMCtxOffset       = 0
	exitEntryAddrOffset   = 8
	exitParentOffset      = 16
	exitChildOffset       = 24
	exitRetValOffset      = 32
	exitRetValFloatOffset = 40
	exitGPArgsOffset      = 48
	exitFPArgsOffset      = 88
)

// MinStackLen is the minimum guest stack length in 8-byte words.
const MinStackLen = 64

// New prepares a child Context so the first Swap into it enters entryAddr
// with vmctx as the hidden first argument and the given guest arguments in
// the platform calling convention. The stack slice becomes the guest stack;
// its top must be 16-byte aligned.
//
// Initialization snapshots and re-installs the signal mask unchanged. That
// round-trip looks like a no-op but is load-bearing: it forces the kernel to
// materialize the mask state this thread will carry across switches, keeping
// signal routing deterministic afterward.
func New(stack []uint64, vmctx uintptr, entryAddr uintptr, gpArgs []uint64, fpArgs []uint64) (*Context, *ExitData, error) {
	if len(stack) < MinStackLen || entryAddr == 0 {
		return nil, nil, ErrInvalidArgument
	}
	entryTrampoline := guestEntryAddr()
	if entryTrampoline == 0 {
		return nil, nil, ErrUnsupported
	}
	if len(gpArgs) > len(ExitData{}.GPArgs) || len(fpArgs) > len(ExitData{}.FPArgs) {
		return nil, nil, ErrInvalidArgument
	}
	top := stackTop(stack)
	if top%16 != 0 {
		return nil, nil, ErrUnalignedStack
	}

	if err := snapshotSignalMask(); err != nil {
		return nil, nil, err
	}

	exit := &ExitData{
		VMCtx:     uint64(vmctx),
		EntryAddr: uint64(entryAddr),
	}
	copy(exit.GPArgs[:], gpArgs)
	copy(exit.FPArgs[:], fpArgs)

	child := &Context{
		RSP:      uint64(top),
		RIP:      uint64(entryTrampoline),
		R12:      uint64(exitDataPtr(exit)),
		MXCSR:    defaultMXCSR,
		FPUCW:    defaultFPUCW,
		ExitData: exit,
	}
	exit.Child = child
	return child, exit, nil
}

// defaultMXCSR masks all SSE exceptions, round-to-nearest; defaultFPUCW is
// the x87 default with 64-bit precision, matching what the C runtime
// establishes at process start.
const (
	defaultMXCSR = 0x1f80
	defaultFPUCW = 0x037f
)

// Swap stores the caller's state in parent and resumes child. It returns
// when something switches back into parent: the backstop on guest exit, or a
// later Swap on resume.
func Swap(parent, child *Context) {
	swapContext(parent, child)
}

// BackstopAddr returns the address of the backstop trampoline, which
// generated code jumps to on its exit paths via the VM context.
func BackstopAddr() uintptr {
	return backstopAddr()
}

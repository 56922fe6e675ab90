//go:build amd64 && (linux || darwin || freebsd)

package context

import (
	"unsafe"
)

// swapContext saves the callee-saved state into from and resumes to.
// Implemented in arch_amd64.s.
//
//go:noescape
func swapContext(from, to *Context)

// trampolineAddrs returns the addresses of the file-local guestEntry and
// backstop trampolines. Implemented in arch_amd64.s.
func trampolineAddrs() (entry, backstop uintptr)

func guestEntryAddr() uintptr {
	entry, _ := trampolineAddrs()
	return entry
}

func backstopAddr() uintptr {
	_, backstop := trampolineAddrs()
	return backstop
}

func stackTop(stack []uint64) uintptr {
	return uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))*8
}

func exitDataPtr(e *ExitData) uintptr {
	return uintptr(unsafe.Pointer(e))
}

//go:build !(amd64 && (linux || darwin || freebsd))

package context

import (
	"fmt"
	"runtime"
	"unsafe"
)

func swapContext(from, to *Context) {
	panic(fmt.Sprintf("BUG: context switch on %s/%s", runtime.GOOS, runtime.GOARCH))
}

func guestEntryAddr() uintptr { return 0 }

func backstopAddr() uintptr { return 0 }

func stackTop(stack []uint64) uintptr {
	return uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))*8
}

func exitDataPtr(e *ExitData) uintptr {
	return uintptr(unsafe.Pointer(e))
}

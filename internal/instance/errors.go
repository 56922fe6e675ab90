package instance

import (
	"errors"
	"fmt"

	"github.com/golucet/golucet/api"
)

var (
	// ErrSymbolNotFound is returned when a hostcall symbol a module imports
	// was never registered.
	ErrSymbolNotFound = errors.New("hostcall symbol not registered")
	// ErrFuncNotFound is returned when an entry point name resolves to
	// nothing.
	ErrFuncNotFound = errors.New("function not found")
	// ErrInvalidArgument is returned for argument count or type mismatches
	// and calls in the wrong state.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBorrowOverlap is returned when a hostcall takes overlapping mutable
	// guest-memory borrows.
	ErrBorrowOverlap = errors.New("overlapping guest memory borrows")
	// ErrNotYielded is returned by Resume on an instance that is not
	// suspended.
	ErrNotYielded = errors.New("instance is not yielded")
)

// SignalDetails is the synthesized signal-style description of a fault.
type SignalDetails struct {
	// Signo is the signal number the trap kind corresponds to.
	Signo int
	// Addr is the faulting code address.
	Addr uintptr
}

// FaultDetails describes a guest trap.
type FaultDetails struct {
	TrapCode api.TrapCode
	// FuncSymbol is the text symbol of the faulting function, resolved
	// post-hoc from the function manifest.
	FuncSymbol string
	// CodeOffset is the function-relative offset of the trap site.
	CodeOffset uint32
	// IP is the absolute address of the trapping instruction.
	IP uintptr
	Signal SignalDetails
}

// String implements fmt.Stringer.
func (f *FaultDetails) String() string {
	return fmt.Sprintf("%v at %s+%#x", f.TrapCode, f.FuncSymbol, f.CodeOffset)
}

// RuntimeFault is the error a guest trap surfaces as: a trap never crosses
// the boundary as anything but this value.
type RuntimeFault struct {
	Details FaultDetails
}

// Error implements error.
func (e *RuntimeFault) Error() string {
	return fmt.Sprintf("runtime fault: %s", e.Details.String())
}

// RuntimeTerminated is returned when a hostcall terminates the guest. The
// payload is whatever the hostcall passed to Terminate.
type RuntimeTerminated struct {
	Details interface{}
}

// Error implements error.
func (e *RuntimeTerminated) Error() string {
	return fmt.Sprintf("runtime terminated: %v", e.Details)
}

// RuntimeYielded is returned by Run when the instruction budget is
// exhausted; Resume continues the guest.
type RuntimeYielded struct{}

// Error implements error.
func (e *RuntimeYielded) Error() string { return "runtime yielded" }

// terminateSentinel carries a Terminate payload through the hostcall panic
// path.
type terminateSentinel struct {
	details interface{}
}

package golucet

import (
	"github.com/golucet/golucet/internal/artifact"
	"github.com/golucet/golucet/internal/instance"
	"github.com/golucet/golucet/internal/region"
)

// Instance is one sandboxed guest; see the instance lifecycle on Run, Reset
// and Drop.
type Instance = instance.Instance

// Hostcall is a registered host function.
type Hostcall = instance.Hostcall

// Vmctx is the scoped guest view a hostcall receives.
type Vmctx = instance.Vmctx

// FaultDetails describes a guest trap.
type FaultDetails = instance.FaultDetails

// RuntimeFault is the error any guest trap surfaces as.
type RuntimeFault = instance.RuntimeFault

// RuntimeTerminated carries a hostcall's Terminate payload.
type RuntimeTerminated = instance.RuntimeTerminated

// RuntimeYielded reports instruction-budget exhaustion; Resume continues.
type RuntimeYielded = instance.RuntimeYielded

// ModuleError is an artifact loading failure.
type ModuleError = artifact.ModuleError

// Module error kinds.
const (
	MissingSymbol        = artifact.MissingSymbol
	VersionMismatch      = artifact.VersionMismatch
	DeserializationError = artifact.DeserializationError
)

var (
	// ErrRegionFull is returned when a region has no free slots.
	ErrRegionFull = region.ErrRegionFull
	// ErrLimitsExceeded is returned when a module or heap expansion does
	// not fit the region limits.
	ErrLimitsExceeded = region.ErrLimitsExceeded
	// ErrSymbolNotFound is returned when a module imports an unregistered
	// hostcall symbol.
	ErrSymbolNotFound = instance.ErrSymbolNotFound
	// ErrFuncNotFound is returned when an entry point does not resolve.
	ErrFuncNotFound = instance.ErrFuncNotFound
	// ErrInvalidArgument covers argument mismatches and wrong-state calls.
	ErrInvalidArgument = instance.ErrInvalidArgument
	// ErrBorrowOverlap is returned for overlapping mutable guest borrows.
	ErrBorrowOverlap = instance.ErrBorrowOverlap
)

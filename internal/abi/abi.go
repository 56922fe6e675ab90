// Package abi pins down the contract between generated guest code and the
// runtime: the VM-context layout, the exit-status protocol, and the symbol
// naming conventions inside compiled artifacts.
//
// The VM-context pointer handed to every guest function equals the heap
// base: guest code addresses linear memory as vmctx+offset. The runtime data
// the generated code needs lives at negative offsets from that pointer, in
// the read-write page immediately preceding the heap (the "vmdata" page).
// Offsets here are read from generated machine code, so changing any of them
// is an ABI break with previously compiled artifacts.
package abi

import "strconv"

// VMDataSize is the size of the read-write page holding the runtime data
// block and the hostcall scratch area, placed directly before the heap base.
const VMDataSize = 4096

// Negative offsets from the VM-context (heap base) pointer. The guest-visible
// block mirrors the four-field instance runtime data: globals pointer,
// instruction count split, stack limit.
const (
	VMCtxGlobalsOffset         = -8  // *i64: first element of the globals array
	VMCtxInstrCountAdjOffset   = -16 // i64: see the two-field count scheme below
	VMCtxInstrCountBoundOffset = -24 // i64
	VMCtxStackLimitOffset      = -32 // u64: lowest valid guest stack address

	// Host-private fields follow. Generated code writes these only on exit
	// paths; the runtime reads them after a switch back to the parent.

	VMCtxExitStatusOffset = -40 // u64: ExitStatus
	VMCtxExitArgOffset    = -48 // u64: trap code / hostcall index / grow delta
	VMCtxExitArg2Offset   = -56 // u64: trap site (function index << 32 | trap-site ordinal)
	VMCtxRetValOffset     = -64 // u64: guest return value bit pattern
	VMCtxParentCtxOffset  = -72 // *context: where the backstop swaps back to
	VMCtxBackstopOffset   = -80 // code address of the backstop trampoline
	VMCtxHeapLenOffset    = -88 // u64: current committed heap bytes (bounds checks)
	VMCtxTableOffset      = -96 // *TableElement: indirect-call table base
	VMCtxTableLenOffset   = -104 // u64: elements in the table
	VMCtxTextBaseOffset   = -112 // code address of the text section base
	VMCtxGuestEntryOffset = -120 // code address the first switch enters

	// VMCtxScratchBase is the bottom of the hostcall argument scratch area,
	// growing upward toward the runtime data block.
	VMCtxScratchBase = -VMDataSize
)

// ScratchMaxArgs bounds hostcall arity: arguments and results are exchanged
// through the scratch area, 8 bytes each.
const ScratchMaxArgs = 16

// The instruction count is split into a signed adjustment and a bound so the
// generated per-block increment is two instructions: add, then test sign.
// Execution begins with adj = -bound; when adj turns positive the guest has
// exceeded the bound and yields. Total executed = bound + adj.

// ExitStatus is how generated code tells the runtime why it switched back.
type ExitStatus uint64

const (
	// ExitStatusNone means the guest has not exited; the zero state.
	ExitStatusNone ExitStatus = iota
	// ExitStatusReturned means the entry function returned normally.
	ExitStatusReturned
	// ExitStatusTrap means the guest hit a trap site. ExitArg holds the trap
	// code; ExitArg2 holds the function index in its high 32 bits and the
	// trap-site ordinal within that function's trap table in its low 32 bits.
	ExitStatusTrap
	// ExitStatusHostcall means the guest called an imported function.
	// ExitArg holds the import index; arguments are in the scratch area.
	ExitStatusHostcall
	// ExitStatusYield means the instruction-count bound was exceeded.
	ExitStatusYield
	// ExitStatusGrowMemory means the guest executed memory.grow. ExitArg
	// holds the page delta; the result is passed back in RetVal.
	ExitStatusGrowMemory
)

// String implements fmt.Stringer.
func (s ExitStatus) String() string {
	switch s {
	case ExitStatusNone:
		return "none"
	case ExitStatusReturned:
		return "returned"
	case ExitStatusTrap:
		return "trap"
	case ExitStatusHostcall:
		return "hostcall"
	case ExitStatusYield:
		return "yield"
	case ExitStatusGrowMemory:
		return "grow_memory"
	}
	return "invalid"
}

// VMDataIndex converts a negative VM-context offset into an index within the
// vmdata page, for runtime-side access through the slot's byte slice.
func VMDataIndex(vmctxOffset int) int {
	return VMDataSize + vmctxOffset
}

// Artifact symbol conventions. The runtime resolves these by name from the
// artifact's symbol table, the moral equivalent of dlsym.
const (
	ModuleSym              = "lucet_module"
	ModuleDataSym          = "lucet_module_data"
	ModuleDataLenSym       = "lucet_module_data_len"
	FunctionManifestSym    = "lucet_function_manifest"
	FunctionManifestLenSym = "lucet_function_manifest_len"
	VersionInfoSym         = "lucet_version_info"
	ProbestackSym          = "lucet_probestack"
	TrapTableSymPrefix     = "lucet_trap_table_"
	TextSym                = "lucet_text"
	TablesSym              = "lucet_tables"
)

// FuncSym names the text symbol for the function at the given index.
func FuncSym(index uint32) string {
	return "guest_func_" + strconv.FormatUint(uint64(index), 10)
}

// StartFuncSym is the symbol of the start-section function, named by
// convention so the runtime finds it without parsing module data.
const StartFuncSym = "guest_start_func"

// TrapTableSym names the trap-table symbol for a function symbol.
func TrapTableSym(funcSym string) string {
	return TrapTableSymPrefix + funcSym
}

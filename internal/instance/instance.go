// Package instance runs guest code inside a slot: the run/yield/fault/
// terminate state machine, the host-call dispatch loop, and the typed view
// hostcalls get of guest memory.
package instance

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/artifact"
	ctx "github.com/golucet/golucet/internal/context"
	"github.com/golucet/golucet/internal/moduledata"
	"github.com/golucet/golucet/internal/region"
)

// State is the instance lifecycle state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateYielded
	StateFaulted
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateYielded:
		return "yielded"
	case StateFaulted:
		return "faulted"
	case StateTerminated:
		return "terminated"
	}
	return "invalid"
}

// Hostcall is a registered host function. Arguments arrive typed per the
// import's signature; the result is ignored for void imports. Returning an
// error faults the guest; calling vm.Terminate never returns.
type Hostcall func(vm *Vmctx, args []api.Val) (api.Val, error)

// defaultInstrBound keeps the yield check unreachable when no budget was
// set while still producing exact counts.
const defaultInstrBound = int64(1) << 62

// Instance is one sandboxed guest. It is not safe for concurrent use: at
// most one goroutine may hold it at a time.
type Instance struct {
	module *artifact.Module
	region region.Region
	alloc  *region.Alloc

	state       State
	fault       *FaultDetails
	termination interface{}

	// hostcalls is index-correlated with the module's import table.
	hostcalls []Hostcall

	embedCtx map[reflect.Type]interface{}

	instrBound int64

	// parent and child are the two switch contexts while running or
	// yielded.
	parent   *ctx.Context
	child    *ctx.Context
	exitData *ctx.ExitData
	// retType is the running entry's result type, zero for none.
	retType api.ValueType
}

// vmctxRegistry maps heap-base addresses back to instances, the pointer
// arithmetic the host-call boundary uses to reconstruct an Instance from a
// raw VM context. sync.Map keeps the lookup lock-free.
var vmctxRegistry sync.Map

// FromVMCtx resolves the instance owning a VM context pointer.
func FromVMCtx(vmctx uintptr) (*Instance, bool) {
	v, ok := vmctxRegistry.Load(vmctx)
	if !ok {
		return nil, false
	}
	return v.(*Instance), true
}

// New creates an instance of module inside a fresh slot of r. hostcalls
// maps host symbol names to implementations; every imported symbol must be
// present.
func New(r region.Region, module *artifact.Module, hostcalls map[string]Hostcall) (*Instance, error) {
	resolved := make([]Hostcall, len(module.Data.ImportFunctions))
	for i, imp := range module.Data.ImportFunctions {
		fn, ok := hostcalls[imp.HostSymbol]
		if !ok {
			return nil, fmt.Errorf("%s for %s::%s: %w", imp.HostSymbol, imp.Module, imp.Field, ErrSymbolNotFound)
		}
		resolved[i] = fn
	}

	alloc, err := r.NewAlloc(module)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		module:     module,
		region:     r,
		alloc:      alloc,
		hostcalls:  resolved,
		embedCtx:   map[reflect.Type]interface{}{},
		instrBound: defaultInstrBound,
	}
	inst.installVMData()
	vmctxRegistry.Store(alloc.VMCtxPtr(), inst)
	return inst, nil
}

// Drop zeroes and re-protects the instance's memory and returns its slot to
// the region. The instance is unusable afterward.
func (i *Instance) Drop() {
	if i.alloc == nil {
		return
	}
	vmctxRegistry.Delete(i.alloc.VMCtxPtr())
	i.region.DropAlloc(i.alloc)
	i.alloc = nil
}

// State returns the current lifecycle state.
func (i *Instance) State() State { return i.state }

// FaultDetails returns the details of the last fault, if any.
func (i *Instance) FaultDetails() *FaultDetails { return i.fault }

// TerminationDetails returns the payload passed to Terminate, preserved for
// the caller to inspect.
func (i *Instance) TerminationDetails() interface{} { return i.termination }

// Heap returns the committed heap. The view is invalidated by GrowMemory,
// Reset and Drop.
func (i *Instance) Heap() []byte { return i.alloc.Heap() }

// CurrentMemory returns the committed heap size in WebAssembly pages.
func (i *Instance) CurrentMemory() uint32 { return i.alloc.HeapPages() }

// GrowMemory grows the heap by the given number of WebAssembly pages,
// returning the previous page count, or -1 per WebAssembly semantics when
// the limits do not allow it.
func (i *Instance) GrowMemory(addedPages uint32) int32 {
	prev, err := i.region.ExpandHeap(i.alloc, uint64(addedPages)*moduledata.WasmPageSize)
	if err != nil {
		return -1
	}
	i.writeVMData(abi.VMCtxHeapLenOffset, i.alloc.HeapLen)
	return int32(prev / moduledata.WasmPageSize)
}

// SetInstructionBound sets the instruction budget for subsequent runs. The
// guest yields once it executes more than bound instructions.
func (i *Instance) SetInstructionBound(bound int64) {
	if bound <= 0 {
		bound = defaultInstrBound
	}
	i.instrBound = bound
}

// InstructionCount returns the instructions executed by the last run, when
// the module was compiled with counting enabled.
func (i *Instance) InstructionCount() int64 {
	adj := int64(i.readVMData(abi.VMCtxInstrCountAdjOffset))
	bound := int64(i.readVMData(abi.VMCtxInstrCountBoundOffset))
	return bound + adj
}

// Reset clears any fault or termination, re-establishes the module's
// initial heap and globals, and returns the instance to Ready. The embed
// context is preserved.
func (i *Instance) Reset() error {
	if i.state == StateRunning {
		return fmt.Errorf("reset while running: %w", ErrInvalidArgument)
	}
	if err := i.region.ResetHeap(i.alloc); err != nil {
		return err
	}
	i.state = StateReady
	i.fault = nil
	i.termination = nil
	i.parent, i.child, i.exitData = nil, nil, nil
	i.installVMData()
	return nil
}

// Run resolves the exported entry point, type-checks the arguments against
// its signature, and executes it on the instance's own stack. Guest traps
// surface as *RuntimeFault, termination as *RuntimeTerminated, and budget
// exhaustion as *RuntimeYielded.
func (i *Instance) Run(entry string, args []api.Val) (api.Val, error) {
	if i.state != StateReady {
		return api.Val{}, fmt.Errorf("run in state %v: %w", i.state, ErrInvalidArgument)
	}
	funcIdx, ok := i.module.Data.FindExport(entry)
	if !ok {
		return api.Val{}, fmt.Errorf("%q: %w", entry, ErrFuncNotFound)
	}
	sig, err := i.module.Data.SignatureOf(funcIdx)
	if err != nil {
		return api.Val{}, err
	}
	if len(args) != len(sig.Params) {
		return api.Val{}, fmt.Errorf("%q takes %d args, got %d: %w", entry, len(sig.Params), len(args), ErrInvalidArgument)
	}
	for n, a := range args {
		if a.Type != sig.Params[n] {
			return api.Val{}, fmt.Errorf("%q arg %d is %s, want %s: %w",
				entry, n, api.ValueTypeName(a.Type), api.ValueTypeName(sig.Params[n]), ErrInvalidArgument)
		}
	}

	manifestIdx := int(funcIdx) - len(i.module.Data.ImportFunctions)
	if manifestIdx < 0 || manifestIdx >= len(i.module.FuncAddrs) {
		return api.Val{}, fmt.Errorf("%q resolves to an import: %w", entry, ErrFuncNotFound)
	}
	return i.run(i.module.FuncAddrs[manifestIdx], sig.Ret, args)
}

// RunStart executes the module's start function, when it has one. Instances
// of modules with a start section should run it before anything else.
func (i *Instance) RunStart() error {
	if i.module.StartAddr == 0 {
		return nil
	}
	if i.state != StateReady {
		return fmt.Errorf("start in state %v: %w", i.state, ErrInvalidArgument)
	}
	_, err := i.run(i.module.StartAddr, 0, nil)
	return err
}

func (i *Instance) run(entryAddr uintptr, retType api.ValueType, args []api.Val) (api.Val, error) {
	gpArgs := make([]uint64, len(args))
	for n, a := range args {
		gpArgs[n] = a.Bits
	}

	stack := i.stackWords()
	child, exitData, err := ctx.New(stack, i.alloc.VMCtxPtr(), entryAddr, gpArgs, nil)
	if err != nil {
		return api.Val{}, err
	}
	parent := &ctx.Context{}
	exitData.Parent = parent

	i.parent, i.child, i.exitData = parent, child, exitData
	i.retType = retType

	// Arm the instruction budget: the count is the bound plus the (negative
	// at rest) adjustment.
	i.writeVMData(abi.VMCtxInstrCountAdjOffset, uint64(-i.instrBound))
	i.writeVMData(abi.VMCtxInstrCountBoundOffset, uint64(i.instrBound))
	i.writeVMData(abi.VMCtxExitStatusOffset, uint64(abi.ExitStatusNone))
	i.writeVMData(abi.VMCtxParentCtxOffset, uint64(uintptr(unsafe.Pointer(parent))))

	i.state = StateRunning
	return i.dispatchLoop()
}

// Resume continues a yielded instance.
func (i *Instance) Resume() (api.Val, error) {
	if i.state != StateYielded {
		return api.Val{}, ErrNotYielded
	}
	// Re-arm the budget for another slice.
	i.writeVMData(abi.VMCtxInstrCountAdjOffset, uint64(-i.instrBound))
	i.writeVMData(abi.VMCtxInstrCountBoundOffset, uint64(i.instrBound))
	i.state = StateRunning
	return i.dispatchLoop()
}

// dispatchLoop switches into the guest and services its exits until one is
// terminal.
func (i *Instance) dispatchLoop() (api.Val, error) {
	for {
		ctx.Swap(i.parent, i.child)

		status := abi.ExitStatus(i.readVMData(abi.VMCtxExitStatusOffset))
		switch status {
		case abi.ExitStatusReturned:
			i.state = StateReady
			ret := api.Val{Type: i.retType, Bits: i.exitData.RetVal}
			if i.retType == 0 {
				ret = api.Val{}
			}
			return ret, nil

		case abi.ExitStatusTrap:
			fault := i.resolveFault()
			i.fault = fault
			i.state = StateFaulted
			return api.Val{}, &RuntimeFault{Details: *fault}

		case abi.ExitStatusHostcall:
			result, yield, err := i.dispatchHostcall()
			if err != nil {
				if term, ok := err.(*RuntimeTerminated); ok {
					i.termination = term.Details
					i.state = StateTerminated
					return api.Val{}, term
				}
				fault := i.hostcallFault(err)
				i.fault = fault
				i.state = StateFaulted
				return api.Val{}, &RuntimeFault{Details: *fault}
			}
			i.exitData.RetVal = result
			if yield {
				// The hostcall asked to suspend; its result is delivered
				// when the guest resumes.
				i.state = StateYielded
				return api.Val{}, &RuntimeYielded{}
			}
			// Loop: the next swap resumes the guest after its call site.

		case abi.ExitStatusYield:
			i.state = StateYielded
			return api.Val{}, &RuntimeYielded{}

		case abi.ExitStatusGrowMemory:
			pages := uint32(i.readVMData(abi.VMCtxExitArgOffset))
			i.exitData.RetVal = uint64(uint32(i.GrowMemory(pages)))

		default:
			i.state = StateFaulted
			return api.Val{}, fmt.Errorf("guest exited with invalid status %d", status)
		}
	}
}

// dispatchHostcall services one ExitStatusHostcall exit.
func (i *Instance) dispatchHostcall() (result uint64, yield bool, err error) {
	importIdx := i.readVMData(abi.VMCtxExitArgOffset)
	if importIdx >= uint64(len(i.hostcalls)) {
		return 0, false, fmt.Errorf("hostcall index %d out of range", importIdx)
	}
	sig := i.module.Data.Signatures[i.module.Data.FunctionSignatures[importIdx]]

	args := make([]api.Val, len(sig.Params))
	scratch := i.vmdata()[abi.VMDataIndex(abi.VMCtxScratchBase):]
	for n, typ := range sig.Params {
		args[n] = api.Val{Type: typ, Bits: binary.LittleEndian.Uint64(scratch[8*n:])}
	}

	vm := &Vmctx{inst: i}
	defer vm.invalidate() // borrow state dies with the call

	defer func() {
		if r := recover(); r != nil {
			if t, ok := r.(terminateSentinel); ok {
				err = &RuntimeTerminated{Details: t.details}
				return
			}
			panic(r)
		}
	}()

	ret, err := i.hostcalls[importIdx](vm, args)
	if err != nil {
		return 0, false, err
	}
	if sig.HasRet() && ret.Type != sig.Ret {
		return 0, false, fmt.Errorf("hostcall %d returned %s, want %s",
			importIdx, api.ValueTypeName(ret.Type), api.ValueTypeName(sig.Ret))
	}
	return ret.Bits, vm.yield, nil
}

// resolveFault turns a trap exit into structured details: the exit protocol
// names the function and trap site; the function's trap table supplies the
// offset, cross-checked by the same binary search a PC lookup would do.
func (i *Instance) resolveFault() *FaultDetails {
	code := api.TrapCode(i.readVMData(abi.VMCtxExitArgOffset))
	site := i.readVMData(abi.VMCtxExitArg2Offset)
	funcIdx := int(site >> 32)
	siteIdx := int(uint32(site))

	d := &FaultDetails{TrapCode: code, Signal: SignalDetails{Signo: trapSigno(code)}}
	manifestIdx := funcIdx - len(i.module.Data.ImportFunctions)
	if manifestIdx < 0 || manifestIdx >= len(i.module.TrapTables) {
		return d
	}
	table := i.module.TrapTables[manifestIdx]
	if siteIdx >= len(table.Traps) {
		return d
	}
	d.CodeOffset = table.Traps[siteIdx].Offset
	d.FuncSymbol = i.module.FuncSymName(manifestIdx)
	d.IP = i.module.FuncAddrs[manifestIdx] + uintptr(d.CodeOffset)
	d.Signal.Addr = d.IP
	if found, ok := table.LookupAddr(d.CodeOffset); !ok || found != code {
		// The table and the exit protocol disagree; trust the protocol but
		// drop the location, which is no longer meaningful.
		d.CodeOffset = 0
		d.IP = 0
		d.Signal.Addr = 0
	}
	return d
}

func (i *Instance) hostcallFault(err error) *FaultDetails {
	return &FaultDetails{
		TrapCode:   api.TrapCodeHostCallError,
		FuncSymbol: fmt.Sprintf("hostcall: %v", err),
	}
}

// trapSigno maps trap kinds to the signal a hardware fault for that kind
// would have raised.
func trapSigno(code api.TrapCode) int {
	const (
		sigill  = 4
		sigfpe  = 8
		sigsegv = 11
	)
	switch code {
	case api.TrapCodeIntegerOverflow, api.TrapCodeIntegerDivByZero, api.TrapCodeBadConversionToInteger:
		return sigfpe
	case api.TrapCodeStackOverflow, api.TrapCodeHeapOutOfBounds, api.TrapCodeOutOfBounds,
		api.TrapCodeTableOutOfBounds:
		return sigsegv
	default:
		return sigill
	}
}

// installVMData writes the per-instance constants generated code reads
// through the VM context.
func (i *Instance) installVMData() {
	slot := i.alloc.Slot

	globalsAddr := uint64(0)
	if len(i.module.Data.GlobalsSpec) > 0 {
		globalsAddr = uint64(uintptr(unsafe.Pointer(&slot.Globals()[0])))
	}
	i.writeVMData(abi.VMCtxGlobalsOffset, globalsAddr)

	stack := slot.Stack()
	// The limit leaves the backstop room below the deepest guest frame.
	i.writeVMData(abi.VMCtxStackLimitOffset, uint64(uintptr(unsafe.Pointer(&stack[0]))))
	i.writeVMData(abi.VMCtxHeapLenOffset, i.alloc.HeapLen)
	i.writeVMData(abi.VMCtxBackstopOffset, uint64(ctx.BackstopAddr()))

	if len(i.module.Table) > 0 {
		i.writeVMData(abi.VMCtxTableOffset, uint64(uintptr(unsafe.Pointer(&i.module.Table[0]))))
		i.writeVMData(abi.VMCtxTableLenOffset, uint64(len(i.module.Table)))
	}
	if len(i.module.Text) > 0 {
		i.writeVMData(abi.VMCtxTextBaseOffset, uint64(uintptr(unsafe.Pointer(&i.module.Text[0]))))
	}
	i.writeVMData(abi.VMCtxInstrCountAdjOffset, uint64(-i.instrBound))
	i.writeVMData(abi.VMCtxInstrCountBoundOffset, uint64(i.instrBound))
}

func (i *Instance) vmdata() []byte { return i.alloc.Slot.VMData() }

func (i *Instance) readVMData(vmctxOffset int) uint64 {
	return binary.LittleEndian.Uint64(i.vmdata()[abi.VMDataIndex(vmctxOffset):])
}

func (i *Instance) writeVMData(vmctxOffset int, v uint64) {
	binary.LittleEndian.PutUint64(i.vmdata()[abi.VMDataIndex(vmctxOffset):], v)
}

// stackWords views the slot stack as the word slice the context package
// expects.
func (i *Instance) stackWords() []uint64 {
	b := i.alloc.Slot.Stack()
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

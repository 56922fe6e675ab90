//go:build linux || darwin || freebsd

package instance

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/artifact"
	"github.com/golucet/golucet/internal/moduledata"
	"github.com/golucet/golucet/internal/region"
	"github.com/golucet/golucet/internal/version"
)

var testVersion = version.New(0, 5, 0, [8]byte{})

// testModule builds and loads an artifact with one import, two functions
// and a small initialized heap. The machine code is never executed by these
// tests.
func testModule(t *testing.T) *artifact.Module {
	sd, err := moduledata.EncodeSparseData(moduledata.WasmPageSize, []moduledata.DataInitializer{
		{Offset: 0, Bytes: []byte{17, 0, 0, 0}},
	})
	require.NoError(t, err)

	data := &moduledata.ModuleData{
		HeapSpec: moduledata.HeapSpec{
			ReservedSize: 4 << 20,
			GuardSize:    4 << 20,
			InitialSize:  moduledata.WasmPageSize,
			Max:          4 * moduledata.WasmPageSize,
			HasMax:       true,
		},
		SparseData: sd,
		GlobalsSpec: []moduledata.GlobalSpec{
			moduledata.DefGlobal(7),
		},
		Signatures: []moduledata.Signature{
			{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Ret: api.ValueTypeI32},
			{Params: []api.ValueType{api.ValueTypeI32}},
		},
		FunctionSignatures: []uint32{1, 0, 1},
		ImportFunctions: []moduledata.ImportFunction{
			{Module: "env", Field: "log", HostSymbol: "hostcall_env_log"},
		},
		ExportFunctions: []moduledata.ExportFunction{
			{Name: "add", FuncIndex: 1},
			{Name: "logit", FuncIndex: 2},
		},
	}

	w := artifact.NewWriter(data, testVersion)
	w.AddFunction(artifact.FunctionEntry{
		Sym:  abi.FuncSym(1),
		Code: []byte{0x48, 0x89, 0xf0, 0xc3},
		Traps: []moduledata.TrapSite{
			{Offset: 1, Code: api.TrapCodeIntegerDivByZero},
			{Offset: 3, Code: api.TrapCodeUnreachable},
		},
	})
	w.AddFunction(artifact.FunctionEntry{Sym: abi.FuncSym(2), Code: []byte{0xc3}})
	w.SetProbestack([]byte{0xc3})

	buf, err := w.Encode()
	require.NoError(t, err)
	m, err := artifact.Load(buf, testVersion, false)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testRegion(t *testing.T) region.Region {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	r, err := region.Create(2, region.DefaultLimits(), l)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Release()) })
	return r
}

func noopHostcalls() map[string]Hostcall {
	return map[string]Hostcall{
		"hostcall_env_log": func(vm *Vmctx, args []api.Val) (api.Val, error) {
			return api.Val{}, nil
		},
	}
}

func TestNewResolvesHostcalls(t *testing.T) {
	r := testRegion(t)
	mod := testModule(t)

	_, err := New(r, mod, nil)
	require.ErrorIs(t, err, ErrSymbolNotFound)

	inst, err := New(r, mod, noopHostcalls())
	require.NoError(t, err)
	defer inst.Drop()
	require.Equal(t, StateReady, inst.State())

	// Initial heap came from the sparse data.
	require.Equal(t, uint32(17), binary.LittleEndian.Uint32(inst.Heap()))
	require.Equal(t, uint32(1), inst.CurrentMemory())

	// The VM context registry finds the instance.
	got, ok := FromVMCtx(instVMCtx(inst))
	require.True(t, ok)
	require.Same(t, inst, got)
}

func instVMCtx(i *Instance) uintptr { return i.alloc.VMCtxPtr() }

func TestRunValidation(t *testing.T) {
	r := testRegion(t)
	inst, err := New(r, testModule(t), noopHostcalls())
	require.NoError(t, err)
	defer inst.Drop()

	_, err = inst.Run("nope", nil)
	require.ErrorIs(t, err, ErrFuncNotFound)

	_, err = inst.Run("add", []api.Val{api.I32Val(1)})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = inst.Run("add", []api.Val{api.I32Val(1), api.I64Val(2)})
	require.ErrorIs(t, err, ErrInvalidArgument)

	inst.state = StateFaulted
	_, err = inst.Run("add", []api.Val{api.I32Val(1), api.I32Val(2)})
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, inst.Reset())
	require.Equal(t, StateReady, inst.State())
}

func TestGrowMemory(t *testing.T) {
	r := testRegion(t)
	inst, err := New(r, testModule(t), noopHostcalls())
	require.NoError(t, err)
	defer inst.Drop()

	prev := inst.GrowMemory(2)
	require.Equal(t, int32(1), prev)
	require.Equal(t, uint32(3), inst.CurrentMemory())
	// The committed length generated code bounds-checks against tracks the
	// growth.
	require.Equal(t, uint64(3*moduledata.WasmPageSize), inst.readVMData(abi.VMCtxHeapLenOffset))

	// Past the module max: -1, nothing changes.
	require.Equal(t, int32(-1), inst.GrowMemory(100))
	require.Equal(t, uint32(3), inst.CurrentMemory())

	require.NoError(t, inst.Reset())
	require.Equal(t, uint32(1), inst.CurrentMemory())
	require.Equal(t, uint32(17), binary.LittleEndian.Uint32(inst.Heap()))
}

func TestResolveFault(t *testing.T) {
	r := testRegion(t)
	inst, err := New(r, testModule(t), noopHostcalls())
	require.NoError(t, err)
	defer inst.Drop()

	// Simulate the exit protocol for a trap in guest_func_1 (manifest entry
	// 0), trap site 1: the unreachable at offset 3.
	inst.writeVMData(abi.VMCtxExitArgOffset, uint64(api.TrapCodeUnreachable))
	inst.writeVMData(abi.VMCtxExitArg2Offset, uint64(1)<<32|1)

	d := inst.resolveFault()
	require.Equal(t, api.TrapCodeUnreachable, d.TrapCode)
	require.Equal(t, uint32(3), d.CodeOffset)
	require.Equal(t, "guest_func_1", d.FuncSymbol)
	require.Equal(t, 4, d.Signal.Signo) // SIGILL
	require.NotZero(t, d.IP)
	require.Equal(t, d.IP, d.Signal.Addr)

	// A divide trap maps to SIGFPE.
	inst.writeVMData(abi.VMCtxExitArgOffset, uint64(api.TrapCodeIntegerDivByZero))
	inst.writeVMData(abi.VMCtxExitArg2Offset, uint64(1)<<32|0)
	d = inst.resolveFault()
	require.Equal(t, 8, d.Signal.Signo)
	require.Equal(t, uint32(1), d.CodeOffset)

	// Out-of-range site indices degrade to kind-only details.
	inst.writeVMData(abi.VMCtxExitArg2Offset, uint64(1)<<32|99)
	d = inst.resolveFault()
	require.Equal(t, api.TrapCodeIntegerDivByZero, d.TrapCode)
	require.Zero(t, d.CodeOffset)
}

func TestDispatchHostcall(t *testing.T) {
	r := testRegion(t)
	mod := testModule(t)

	var gotArgs []api.Val
	calls := map[string]Hostcall{
		"hostcall_env_log": func(vm *Vmctx, args []api.Val) (api.Val, error) {
			gotArgs = append([]api.Val{}, args...)
			require.True(t, vm.CheckHeap(0, 4))
			v, err := vm.ReadU32(0)
			require.NoError(t, err)
			require.Equal(t, uint32(17), v)
			return api.Val{}, nil
		},
	}
	inst, err := New(r, mod, calls)
	require.NoError(t, err)
	defer inst.Drop()

	// Simulate the guest's hostcall exit: import 0 with one i32 argument in
	// the scratch area.
	scratch := inst.vmdata()[abi.VMDataIndex(abi.VMCtxScratchBase):]
	binary.LittleEndian.PutUint64(scratch, 42)
	inst.writeVMData(abi.VMCtxExitArgOffset, 0)

	_, yield, err := inst.dispatchHostcall()
	require.NoError(t, err)
	require.False(t, yield)
	require.Equal(t, []api.Val{api.I32Val(42)}, gotArgs)
}

func TestDispatchHostcallTerminate(t *testing.T) {
	r := testRegion(t)
	calls := map[string]Hostcall{
		"hostcall_env_log": func(vm *Vmctx, args []api.Val) (api.Val, error) {
			vm.Terminate("deadline exceeded")
			return api.Val{}, nil // unreachable
		},
	}
	inst, err := New(r, testModule(t), calls)
	require.NoError(t, err)
	defer inst.Drop()

	inst.writeVMData(abi.VMCtxExitArgOffset, 0)
	_, _, err = inst.dispatchHostcall()
	var term *RuntimeTerminated
	require.ErrorAs(t, err, &term)
	require.Equal(t, "deadline exceeded", term.Details)
}

func TestDispatchHostcallYield(t *testing.T) {
	r := testRegion(t)
	calls := map[string]Hostcall{
		"hostcall_env_log": func(vm *Vmctx, args []api.Val) (api.Val, error) {
			vm.Yield()
			return api.Val{}, nil
		},
	}
	inst, err := New(r, testModule(t), calls)
	require.NoError(t, err)
	defer inst.Drop()

	inst.writeVMData(abi.VMCtxExitArgOffset, 0)
	_, yield, err := inst.dispatchHostcall()
	require.NoError(t, err)
	require.True(t, yield)
}

func TestInstructionBudgetFields(t *testing.T) {
	r := testRegion(t)
	inst, err := New(r, testModule(t), noopHostcalls())
	require.NoError(t, err)
	defer inst.Drop()

	// At rest the split is adj = -bound, so the observable count is zero.
	require.Zero(t, inst.InstructionCount())

	inst.SetInstructionBound(1000)
	inst.installVMData()
	require.Zero(t, inst.InstructionCount())
	require.Equal(t, uint64(1000), inst.readVMData(abi.VMCtxInstrCountBoundOffset))

	// Simulate the guest having executed 640 instructions.
	adj := int64(-1000 + 640)
	inst.writeVMData(abi.VMCtxInstrCountAdjOffset, uint64(adj))
	require.Equal(t, int64(640), inst.InstructionCount())
}

func TestDropReturnsSlot(t *testing.T) {
	r := testRegion(t)
	mod := testModule(t)

	for k := 0; k < 5; k++ {
		a, err := New(r, mod, noopHostcalls())
		require.NoError(t, err)
		b, err := New(r, mod, noopHostcalls())
		require.NoError(t, err)
		require.Zero(t, r.Free())

		// Scribble and drop: the next iteration must see pristine heaps.
		a.Heap()[100] = 0xee
		b.Heap()[100] = 0xee
		a.Drop()
		b.Drop()
		require.Equal(t, 2, r.Free())
	}

	inst, err := New(r, mod, noopHostcalls())
	require.NoError(t, err)
	require.Equal(t, byte(0), inst.Heap()[100])
	_, ok := FromVMCtx(instVMCtx(inst))
	require.True(t, ok)
	vmctx := instVMCtx(inst)
	inst.Drop()
	_, ok = FromVMCtx(vmctx)
	require.False(t, ok)
}

func TestEmbedCtx(t *testing.T) {
	type wasiCtx struct{ exitCode int }

	r := testRegion(t)
	inst, err := New(r, testModule(t), noopHostcalls())
	require.NoError(t, err)
	defer inst.Drop()

	inst.SetEmbedCtxValue(&wasiCtx{exitCode: 3})
	v, ok := inst.EmbedCtxValue(&wasiCtx{})
	require.True(t, ok)
	require.Equal(t, 3, v.(*wasiCtx).exitCode)

	// One value per type: storing again replaces.
	inst.SetEmbedCtxValue(&wasiCtx{exitCode: 9})
	v, _ = inst.EmbedCtxValue(&wasiCtx{})
	require.Equal(t, 9, v.(*wasiCtx).exitCode)

	// Reset preserves the embed context.
	require.NoError(t, inst.Reset())
	_, ok = inst.EmbedCtxValue(&wasiCtx{})
	require.True(t, ok)
}

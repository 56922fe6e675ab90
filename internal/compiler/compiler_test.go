package compiler

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/artifact"
	"github.com/golucet/golucet/internal/bindings"
	"github.com/golucet/golucet/internal/platform"
	"github.com/golucet/golucet/internal/version"
)

var testVersion = version.New(0, 5, 0, [8]byte{})

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func compileOK(t *testing.T, src string, cfg Config) *artifact.Module {
	t.Helper()
	if !platform.CompilerSupported() {
		t.Skip("compiler unsupported on this platform")
	}
	if cfg.Logger == nil {
		cfg.Logger = quiet()
	}
	cfg.Version = testVersion
	art, err := Compile([]byte(src), cfg)
	require.NoError(t, err)

	m, err := artifact.Load(art, testVersion, true)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

const addWat = `
(module
  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add))
`

func TestCompileAdd(t *testing.T) {
	m := compileOK(t, addWat, Config{})

	require.Len(t, m.Manifest, 1)
	require.NotZero(t, m.Manifest[0].CodeLength)
	require.True(t, m.HasSymbol("guest_func_add"))
	require.True(t, m.HasSymbol(abi.FuncSym(0)))
	require.True(t, m.HasSymbol(abi.ProbestackSym))

	idx, ok := m.Data.FindExport("add")
	require.True(t, ok)
	sig, err := m.Data.SignatureOf(idx)
	require.NoError(t, err)
	require.Equal(t, api.ValueTypeI32, sig.Ret)
	require.Len(t, sig.Params, 2)

	// No memory section: the heap spec still reserves the default range.
	require.Zero(t, m.Data.HeapSpec.InitialSize)
	require.Equal(t, uint64(4<<20), m.Data.HeapSpec.ReservedSize)
	require.Equal(t, uint64(4<<20), m.Data.HeapSpec.GuardSize)

	// Every function entry has a stack-overflow probe trap.
	traps := m.TrapTables[0].Traps
	require.NotEmpty(t, traps)
	require.Equal(t, api.TrapCodeStackOverflow, traps[0].Code)
}

func TestCompileTrapsAnnotated(t *testing.T) {
	m := compileOK(t, `
		(module
		  (func (export "div") (param i32 i32) (result i32)
		    local.get 0
		    local.get 1
		    i32.div_s)
		  (func (export "boom")
		    unreachable))
	`, Config{})

	require.Len(t, m.Manifest, 2)

	var kinds []api.TrapCode
	for _, site := range m.TrapTables[0].Traps {
		kinds = append(kinds, site.Code)
	}
	require.Contains(t, kinds, api.TrapCodeIntegerDivByZero)
	require.Contains(t, kinds, api.TrapCodeIntegerOverflow)

	// Every annotated offset resolves back to its own kind through the
	// binary search the runtime uses.
	for fn, table := range m.TrapTables {
		require.True(t, table.Sorted(), "function %d", fn)
		for _, site := range table.Traps {
			code, ok := table.LookupAddr(site.Offset)
			require.True(t, ok)
			require.Equal(t, site.Code, code)
		}
	}

	kinds = nil
	for _, site := range m.TrapTables[1].Traps {
		kinds = append(kinds, site.Code)
	}
	require.Contains(t, kinds, api.TrapCodeUnreachable)
}

func TestCompileMemoryAndData(t *testing.T) {
	m := compileOK(t, `
		(module
		  (memory (export "memory") 2 16)
		  (data (i32.const 0) "\11\00\00\00")
		  (data (i32.const 65536) "tail")
		  (func (export "peek") (param i32) (result i32)
		    local.get 0
		    i32.load))
	`, Config{})

	spec := m.Data.HeapSpec
	require.Equal(t, uint64(2*65536), spec.InitialSize)
	require.True(t, spec.HasMax)
	require.Equal(t, uint64(16*65536), spec.Max)
	require.Equal(t, 2*16, m.Data.SparseData.PageCount())
	require.NotNil(t, m.Data.SparseData.Pages[0])
	require.Equal(t, byte(0x11), m.Data.SparseData.Pages[0][0])
	require.NotNil(t, m.Data.SparseData.Pages[16])
	require.Equal(t, []byte("tail"), m.Data.SparseData.Pages[16][:4])

	// The load instruction carries a heap bounds trap.
	var kinds []api.TrapCode
	for _, site := range m.TrapTables[0].Traps {
		kinds = append(kinds, site.Code)
	}
	require.Contains(t, kinds, api.TrapCodeHeapOutOfBounds)
}

func TestCompileImportsViaBindings(t *testing.T) {
	src := `
		(module
		  (import "env" "log" (func $log (param i32)))
		  (func (export "run") (param i32)
		    local.get 0
		    call $log))
	`
	if !platform.CompilerSupported() {
		t.Skip("compiler unsupported on this platform")
	}

	// Unbound imports abort compilation.
	_, err := Compile([]byte(src), Config{Logger: quiet(), Version: testVersion})
	require.Error(t, err)

	m := compileOK(t, src, Config{
		Bindings: bindings.New(map[string]map[string]string{"env": {"log": "hostcall_env_log"}}),
	})
	require.Len(t, m.Data.ImportFunctions, 1)
	require.Equal(t, "hostcall_env_log", m.Data.ImportFunctions[0].HostSymbol)
	// One defined function, preceded by the import in the index space.
	require.Len(t, m.Manifest, 1)
	require.Len(t, m.Data.FunctionSignatures, 2)
}

func TestCompileStartSection(t *testing.T) {
	m := compileOK(t, `
		(module
		  (memory 1)
		  (func $init
		    i32.const 0
		    i32.const 17
		    i32.store)
		  (start $init))
	`, Config{})
	require.NotZero(t, m.StartAddr)
	require.True(t, m.HasSymbol(abi.StartFuncSym))
}

func TestCompileInstructionCounting(t *testing.T) {
	plain := compileOK(t, addWat, Config{})
	counted := compileOK(t, addWat, Config{InstructionCounting: true})

	require.NotZero(t, counted.Data.Features&1)
	require.Zero(t, plain.Data.Features&1)
	// The instrumented body carries the budget check.
	require.Greater(t, counted.Manifest[0].CodeLength, plain.Manifest[0].CodeLength)
}

func TestCompileSignatureDedup(t *testing.T) {
	m := compileOK(t, `
		(module
		  (func (export "a") (param i32 i32) (result i32)
		    local.get 0)
		  (func (export "b") (param i32 i32) (result i32)
		    local.get 1)
		  (func (export "c") (param i64) (result i64)
		    local.get 0))
	`, Config{})

	require.Len(t, m.Data.Signatures, 2)
	require.Equal(t, m.Data.FunctionSignatures[0], m.Data.FunctionSignatures[1])
	require.NotEqual(t, m.Data.FunctionSignatures[0], m.Data.FunctionSignatures[2])
}

func TestCompileErrors(t *testing.T) {
	if !platform.CompilerSupported() {
		t.Skip("compiler unsupported on this platform")
	}

	t.Run("empty input", func(t *testing.T) {
		_, err := Compile(nil, Config{Logger: quiet()})
		var ce *Error
		require.ErrorAs(t, err, &ce)
		require.Equal(t, ErrInput, ce.Kind)
	})

	t.Run("garbage binary", func(t *testing.T) {
		_, err := Compile([]byte{0x00, 0x61, 0x73, 0x6d, 0xff}, Config{Logger: quiet()})
		var ce *Error
		require.ErrorAs(t, err, &ce)
		require.Equal(t, ErrValidation, ce.Kind)
	})

	t.Run("unparseable text", func(t *testing.T) {
		_, err := Compile([]byte("(module"), Config{Logger: quiet()})
		var ce *Error
		require.ErrorAs(t, err, &ce)
		require.Equal(t, ErrInput, ce.Kind)
	})
}

func TestHeapSpecFromMemoryBounds(t *testing.T) {
	settings := DefaultHeapSettings()

	spec, err := heapSpecFromMemory(nil, settings)
	require.NoError(t, err)
	require.Zero(t, spec.InitialSize)
	require.Equal(t, settings.MinReserved, spec.ReservedSize)

	settings.MaxReserved = 1 << 20
	_, err = heapSpecFromMemory(nil, settings)
	require.NoError(t, err) // no memory section never exceeds

	// A module demanding more than MaxReserved is rejected at the memory
	// specs stage; exercised end-to-end through Compile.
	if platform.CompilerSupported() {
		_, err := Compile([]byte(`(module (memory 100 100))`), Config{
			Logger:  quiet(),
			Heap:    HeapSettings{MinReserved: 1 << 20, MaxReserved: 2 << 20, Guard: 1 << 20},
			Version: testVersion,
		})
		var ce *Error
		require.ErrorAs(t, err, &ce)
		require.Equal(t, ErrMemorySpecs, ce.Kind)
	}
}

func TestErrorKinds(t *testing.T) {
	err := funcErr(ErrFunctionTranslation, 3, errors.New("bad op"))
	require.Contains(t, err.Error(), "function[3]")
	require.Contains(t, err.Error(), "bad op")
	require.Equal(t, "unsupported", ErrUnsupported.String())
}

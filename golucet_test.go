//go:build linux || darwin || freebsd

package golucet

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/platform"
	"github.com/golucet/golucet/internal/version"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

const addWat = `
(module
  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add))
`

// memWat initializes linear memory without needing a start function, so the
// initial heap is observable immediately after instantiation.
const memWat = `
(module
  (memory 1 4)
  (data (i32.const 0) "\11\00\00\00")
  (func (export "grow") (param i32) (result i32)
    local.get 0
    memory.grow))
`

func compileModule(t *testing.T, src string, cfg CompileConfig) *Module {
	t.Helper()
	if !platform.CompilerSupported() {
		t.Skip("compiler unsupported on this platform")
	}
	if cfg.Logger == nil {
		cfg.Logger = quiet()
	}
	art, err := NewCompiler(cfg).Compile([]byte(src))
	require.NoError(t, err)
	mod, err := LoadModule(art, LoadConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mod.Close()) })
	return mod
}

func testRegion(t *testing.T, capacity int) *Region {
	r, err := NewRegion(capacity, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Release()) })
	return r
}

func TestCompileLoadInstantiate(t *testing.T) {
	mod := compileModule(t, addWat, CompileConfig{})
	require.Equal(t, []string{"add"}, mod.Exports())
	require.False(t, mod.HasStart())

	r := testRegion(t, 2)
	inst, err := r.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Drop()

	// No memory section: the committed heap is empty until grown.
	require.Zero(t, inst.CurrentMemory())

	// Argument validation happens before any guest code runs.
	_, err = inst.Run("add", []api.Val{api.I32Val(420)})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = inst.Run("missing", nil)
	require.ErrorIs(t, err, ErrFuncNotFound)
}

func TestInitialHeapFromDataSegments(t *testing.T) {
	mod := compileModule(t, memWat, CompileConfig{})
	r := testRegion(t, 1)

	inst, err := r.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Drop()

	// The data segment is present before anything ran.
	require.Equal(t, uint32(17), binary.LittleEndian.Uint32(inst.Heap()))
	require.Equal(t, uint32(1), inst.CurrentMemory())

	// Public grow mirrors the guest's memory.grow semantics.
	require.Equal(t, int32(1), inst.GrowMemory(1))
	require.Equal(t, int32(-1), inst.GrowMemory(1000))

	// Reset restores the initial image.
	inst.Heap()[0] = 0xff
	require.NoError(t, inst.Reset())
	require.Equal(t, uint32(17), binary.LittleEndian.Uint32(inst.Heap()))
}

func TestRegionExhaustion(t *testing.T) {
	mod := compileModule(t, addWat, CompileConfig{})
	r := testRegion(t, 1)

	inst, err := r.NewInstance(mod)
	require.NoError(t, err)
	require.Zero(t, r.Free())

	_, err = r.NewInstance(mod)
	require.ErrorIs(t, err, ErrRegionFull)

	inst.Drop()
	require.Equal(t, 1, r.Free())
}

func TestHostcallRegistration(t *testing.T) {
	src := `
		(module
		  (import "env" "log" (func $log (param i32)))
		  (func (export "run") (param i32)
		    local.get 0
		    call $log))
	`
	mod := compileModule(t, src, CompileConfig{
		Bindings: map[string]map[string]string{"env": {"log": "hostcall_env_log"}},
	})

	r := testRegion(t, 1)
	_, err := r.NewInstance(mod)
	require.ErrorIs(t, err, ErrSymbolNotFound)

	r.RegisterHostcall("hostcall_env_log", func(vm *Vmctx, args []api.Val) (api.Val, error) {
		return api.Val{}, nil
	})
	inst, err := r.NewInstance(mod)
	require.NoError(t, err)
	inst.Drop()
}

func TestCompileCache(t *testing.T) {
	if !platform.CompilerSupported() {
		t.Skip("compiler unsupported on this platform")
	}
	cache, err := NewCache(8)
	require.NoError(t, err)

	c := NewCompiler(CompileConfig{Logger: quiet(), Cache: cache})
	first, err := c.Compile([]byte(addWat))
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	again, err := c.Compile([]byte(addWat))
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, cache.Len())

	// Instruction counting changes the key: no false sharing.
	counted := NewCompiler(CompileConfig{Logger: quiet(), Cache: cache, InstructionCounting: true})
	other, err := counted.Compile([]byte(addWat))
	require.NoError(t, err)
	require.NotEqual(t, first, other)
	require.Equal(t, 2, cache.Len())
}

func TestVersionMismatchOnLoad(t *testing.T) {
	if !platform.CompilerSupported() {
		t.Skip("compiler unsupported on this platform")
	}
	art, err := NewCompiler(CompileConfig{Logger: quiet()}).Compile([]byte(addWat))
	require.NoError(t, err)

	// A loader from a different release refuses the artifact.
	_, err = LoadModule(art, LoadConfig{Version: version.New(9, 9, 9, [8]byte{})})
	var me *ModuleError
	require.ErrorAs(t, err, &me)
	require.Equal(t, VersionMismatch, me.Kind)

	// This build's own version accepts it.
	mod, err := LoadModule(art, LoadConfig{})
	require.NoError(t, err)
	require.NoError(t, mod.Close())
}

func TestCompileToFileAndLoadFile(t *testing.T) {
	if !platform.CompilerSupported() {
		t.Skip("compiler unsupported on this platform")
	}
	path := filepath.Join(t.TempDir(), "add.so")
	require.NoError(t, NewCompiler(CompileConfig{Logger: quiet()}).CompileToFile([]byte(addWat), path))

	mod, err := LoadModuleFile(path, LoadConfig{})
	require.NoError(t, err)
	require.Equal(t, []string{"add"}, mod.Exports())
	require.NoError(t, mod.Close())
}

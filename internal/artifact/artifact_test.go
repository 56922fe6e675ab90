//go:build linux || darwin || freebsd

package artifact

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/moduledata"
	"github.com/golucet/golucet/internal/version"
)

var testVersion = version.New(1, 2, 3, [8]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})

func testWriter(t *testing.T) *Writer {
	sd, err := moduledata.EncodeSparseData(moduledata.WasmPageSize, []moduledata.DataInitializer{
		{Offset: 0, Bytes: []byte{17, 0, 0, 0}},
	})
	require.NoError(t, err)

	data := &moduledata.ModuleData{
		HeapSpec: moduledata.HeapSpec{
			ReservedSize: 4 << 20,
			GuardSize:    4 << 20,
			InitialSize:  moduledata.WasmPageSize,
		},
		SparseData: sd,
		Signatures: []moduledata.Signature{
			{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Ret: api.ValueTypeI32},
			{},
		},
		FunctionSignatures: []uint32{0, 0, 1},
		ImportFunctions: []moduledata.ImportFunction{
			{Module: "env", Field: "log", HostSymbol: "hostcall_env_log"},
		},
		ExportFunctions: []moduledata.ExportFunction{{Name: "add", FuncIndex: 1}},
	}

	w := NewWriter(data, testVersion)
	w.AddFunction(FunctionEntry{
		Sym:     abi.FuncSym(1),
		Aliases: []string{"guest_func_add"},
		Code:    []byte{0x48, 0x89, 0xf8, 0xc3}, // mov rax, rdi; ret
		Traps: []moduledata.TrapSite{
			{Offset: 1, Code: api.TrapCodeIntegerDivByZero},
			{Offset: 3, Code: api.TrapCodeUnreachable},
		},
	})
	w.AddFunction(FunctionEntry{
		Sym:  abi.FuncSym(2),
		Code: []byte{0xc3},
	})
	w.SetTable([]moduledata.TableElement{
		{SignatureIndex: 0, FunctionPointer: 1}, // guest_func_1
		{SignatureIndex: 0, FunctionPointer: 0}, // null
	})
	w.SetProbestack([]byte{0xc3})
	w.SetStartFunc(abi.FuncSym(2))
	return w
}

func TestArtifactRoundTrip(t *testing.T) {
	w := testWriter(t)
	path := filepath.Join(t.TempDir(), "mod.so")
	require.NoError(t, w.WriteFile(path))

	m, err := LoadFile(path, testVersion, true)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, testVersion, m.Version)
	require.Len(t, m.Manifest, 2)
	require.Len(t, m.FuncAddrs, 2)
	require.NotZero(t, m.StartAddr)
	require.NotZero(t, m.ProbestackAddr)
	require.Equal(t, m.FuncAddrs[1], m.StartAddr)

	// Function starts stay aligned.
	for _, a := range m.FuncAddrs {
		require.Zero(t, a%16)
	}

	// Export aliases resolve as symbols.
	require.True(t, m.HasSymbol("guest_func_add"))
	require.True(t, m.HasSymbol(abi.FuncSym(1)))
	require.False(t, m.HasSymbol("guest_func_nope"))

	// The table was rebased: entry 0 points at guest_func_1, entry 1 is null.
	require.Equal(t, uint64(m.FuncAddrs[0]), m.Table[0].FunctionPointer)
	require.True(t, m.Table[1].Null())

	// Module data survived.
	idx, ok := m.Data.FindExport("add")
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)
}

func TestResolveTrap(t *testing.T) {
	buf, err := testWriter(t).Encode()
	require.NoError(t, err)
	m, err := Load(buf, testVersion, true)
	require.NoError(t, err)
	defer m.Close()

	// guest_func_1 is the first manifest entry at text offset 0; its trap
	// sites are at relative offsets 1 and 3.
	funcIdx, code, ok := m.ResolveTrap(m.Manifest[0].CodeOffset + 1)
	require.True(t, ok)
	require.Equal(t, 0, funcIdx)
	require.Equal(t, api.TrapCodeIntegerDivByZero, code)

	_, code, ok = m.ResolveTrap(m.Manifest[0].CodeOffset + 3)
	require.True(t, ok)
	require.Equal(t, api.TrapCodeUnreachable, code)

	// An unannotated offset inside the function does not resolve.
	_, _, ok = m.ResolveTrap(m.Manifest[0].CodeOffset + 2)
	require.False(t, ok)

	require.Equal(t, "guest_func_1", m.FuncSymName(0))
}

func TestLoadVersionChecks(t *testing.T) {
	buf, err := testWriter(t).Encode()
	require.NoError(t, err)

	imprecise := version.New(1, 2, 3, [8]byte{})

	// Precise-match off: an imprecise loader accepts the stamped artifact.
	m, err := Load(buf, imprecise, false)
	require.NoError(t, err)
	m.Close()

	// A loader on the same commit accepts with precise-match on.
	m, err = Load(buf, testVersion, true)
	require.NoError(t, err)
	m.Close()

	// Precise-match on with a hashless loader rejects.
	_, err = Load(buf, imprecise, true)
	var me *ModuleError
	require.ErrorAs(t, err, &me)
	require.Equal(t, VersionMismatch, me.Kind)

	// Different release rejects either way.
	_, err = Load(buf, version.New(9, 9, 9, [8]byte{}), false)
	require.ErrorAs(t, err, &me)
	require.Equal(t, VersionMismatch, me.Kind)
}

func TestLoadErrors(t *testing.T) {
	buf, err := testWriter(t).Encode()
	require.NoError(t, err)

	t.Run("not an artifact", func(t *testing.T) {
		_, err := Load([]byte("definitely not"), testVersion, false)
		var me *ModuleError
		require.ErrorAs(t, err, &me)
		require.Equal(t, DeserializationError, me.Kind)
	})

	t.Run("truncated", func(t *testing.T) {
		for _, n := range []int{0, 4, 12, len(buf) / 2, len(buf) - 1} {
			_, err := Load(buf[:n], testVersion, false)
			require.Error(t, err, "length %d", n)
		}
	})

	t.Run("missing symbol", func(t *testing.T) {
		// Rebuild the container without the manifest symbol.
		syms, payload, err := decodeContainer(buf)
		require.NoError(t, err)
		var kept []Symbol
		for _, s := range syms {
			if s.Name != abi.FunctionManifestSym {
				kept = append(kept, s)
			}
		}
		_, err = Load(encodeContainer(kept, payload), testVersion, false)
		var me *ModuleError
		require.ErrorAs(t, err, &me)
		require.Equal(t, MissingSymbol, me.Kind)
		require.Equal(t, abi.FunctionManifestSym, me.Sym)
	})
}

package moduledata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golucet/golucet/api"
)

func TestSignatureTableDedup(t *testing.T) {
	tbl := NewSignatureTable()

	sig1 := Signature{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Ret: api.ValueTypeI32}
	sig2 := Signature{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Ret: api.ValueTypeI32}
	sig3 := Signature{Params: []api.ValueType{api.ValueTypeI64}, Ret: api.ValueTypeI32}
	sig4 := Signature{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}}

	i1 := tbl.Intern(sig1)
	i2 := tbl.Intern(sig2)
	i3 := tbl.Intern(sig3)
	i4 := tbl.Intern(sig4)

	// Structurally equal signatures share one index.
	require.Equal(t, i1, i2)
	require.NotEqual(t, i1, i3)
	require.NotEqual(t, i1, i4)
	require.Len(t, tbl.Signatures(), 3)

	require.True(t, sig1.Equal(sig2))
	require.False(t, sig1.Equal(sig3))
	require.False(t, sig1.Equal(sig4))
}

func TestHeapSpecValidate(t *testing.T) {
	valid := HeapSpec{ReservedSize: 4 << 20, GuardSize: 4 << 20, InitialSize: WasmPageSize}
	require.NoError(t, valid.Validate())

	t.Run("initial not page multiple", func(t *testing.T) {
		h := valid
		h.InitialSize = WasmPageSize + 5
		require.Error(t, h.Validate())
	})
	t.Run("reserved below initial", func(t *testing.T) {
		h := valid
		h.ReservedSize = WasmPageSize / 2
		require.Error(t, h.Validate())
	})
	t.Run("max below initial", func(t *testing.T) {
		h := valid
		h.HasMax = true
		h.Max = 0
		require.Error(t, h.Validate())
	})
}

func testModuleData(t *testing.T) *ModuleData {
	sd, err := EncodeSparseData(WasmPageSize, []DataInitializer{
		{Offset: 0, Bytes: []byte("guten tag")},
		{Offset: PageSize * 3, Bytes: []byte{0xff}},
	})
	require.NoError(t, err)

	return &ModuleData{
		HeapSpec: HeapSpec{
			ReservedSize: 4 << 20,
			GuardSize:    4 << 20,
			InitialSize:  WasmPageSize,
			Max:          16 * WasmPageSize,
			HasMax:       true,
		},
		SparseData: sd,
		GlobalsSpec: []GlobalSpec{
			DefGlobal(17).WithExport("g"),
			ImportGlobal("env", "imported_global"),
		},
		Signatures: []Signature{
			{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Ret: api.ValueTypeI32},
			{Params: nil, Ret: 0},
		},
		FunctionSignatures: []uint32{0, 1, 0},
		ImportFunctions: []ImportFunction{
			{Module: "env", Field: "log", HostSymbol: "hostcall_env_log"},
		},
		ExportFunctions: []ExportFunction{
			{Name: "add", FuncIndex: 2},
			{Name: "main", FuncIndex: 1},
		},
		Features: FeatureInstructionCount,
	}
}

func TestModuleDataSerializeRoundTrip(t *testing.T) {
	m := testModuleData(t)
	buf, err := m.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(buf)
	require.NoError(t, err)
	require.Equal(t, m.HeapSpec, got.HeapSpec)
	require.Equal(t, m.GlobalsSpec, got.GlobalsSpec)
	require.Equal(t, m.FunctionSignatures, got.FunctionSignatures)
	require.Equal(t, m.ImportFunctions, got.ImportFunctions)
	require.Equal(t, m.ExportFunctions, got.ExportFunctions)
	require.Equal(t, m.Features, got.Features)
	require.Equal(t, len(m.Signatures), len(got.Signatures))
	for i := range m.Signatures {
		require.True(t, m.Signatures[i].Equal(got.Signatures[i]), "signature %d", i)
	}
	require.Equal(t, m.SparseData.Pages, got.SparseData.Pages)

	// Deterministic: serializing again yields identical bytes.
	buf2, err := got.Serialize()
	require.NoError(t, err)
	require.Equal(t, buf, buf2)
}

func TestDeserializeErrors(t *testing.T) {
	m := testModuleData(t)
	buf, err := m.Serialize()
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		for _, n := range []int{0, 1, 7, len(buf) / 2, len(buf) - 1} {
			_, err := Deserialize(buf[:n])
			require.Error(t, err, "length %d", n)
		}
	})

	t.Run("trailing garbage", func(t *testing.T) {
		_, err := Deserialize(append(append([]byte{}, buf...), 0xcc))
		require.Error(t, err)
	})
}

func TestFindExport(t *testing.T) {
	m := testModuleData(t)
	idx, ok := m.FindExport("add")
	require.True(t, ok)
	require.Equal(t, uint32(2), idx)

	_, ok = m.FindExport("nope")
	require.False(t, ok)

	sig, err := m.SignatureOf(idx)
	require.NoError(t, err)
	require.Equal(t, api.ValueTypeI32, sig.Ret)

	_, err = m.SignatureOf(99)
	require.Error(t, err)
}

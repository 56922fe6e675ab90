package moduledata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golucet/golucet/api"
)

func TestTrapManifestLookup(t *testing.T) {
	traps := []TrapSite{
		{Offset: 4, Code: api.TrapCodeIntegerDivByZero},
		{Offset: 11, Code: api.TrapCodeHeapOutOfBounds},
		{Offset: 30, Code: api.TrapCodeUnreachable},
	}
	m := NewTrapManifest(traps)
	require.True(t, m.Sorted())

	// Every annotated offset resolves to its own code.
	for _, site := range traps {
		code, ok := m.LookupAddr(site.Offset)
		require.True(t, ok)
		require.Equal(t, site.Code, code)
	}

	// Offsets between and outside sites do not resolve.
	for _, off := range []uint32{0, 5, 10, 12, 31, 1 << 30} {
		_, ok := m.LookupAddr(off)
		require.False(t, ok, "offset %d", off)
	}

	_, ok := TrapManifest{}.LookupAddr(0)
	require.False(t, ok)
}

func TestTrapTableEncoding(t *testing.T) {
	traps := []TrapSite{
		{Offset: 0, Code: api.TrapCodeStackOverflow},
		{Offset: 0xdeadbeef, Code: api.TrapCodeBadConversionToInteger},
	}
	raw := EncodeTrapTable(traps)
	require.Equal(t, len(traps)*TrapSiteSize, len(raw))

	got, err := DecodeTrapTable(raw)
	require.NoError(t, err)
	require.Equal(t, traps, got)

	_, err = DecodeTrapTable(raw[:TrapSiteSize+1])
	require.Error(t, err)
}

func TestFunctionManifestEncoding(t *testing.T) {
	specs := []FunctionSpec{
		{CodeOffset: 0, CodeLength: 64, TrapTableOffset: 0, TrapTableLength: 2},
		{CodeOffset: 64, CodeLength: 128, TrapTableOffset: 16, TrapTableLength: 0},
	}
	raw := EncodeFunctionManifest(specs)
	require.Equal(t, len(specs)*FunctionSpecSize, len(raw))

	got, err := DecodeFunctionManifest(raw)
	require.NoError(t, err)
	require.Equal(t, specs, got)
}

func TestFindFunctionByOffset(t *testing.T) {
	specs := []FunctionSpec{
		{CodeOffset: 0, CodeLength: 64},
		{CodeOffset: 64, CodeLength: 32},
		// A gap: alignment padding between functions.
		{CodeOffset: 128, CodeLength: 16},
	}

	for _, tc := range []struct {
		off   uint64
		want  int
		found bool
	}{
		{off: 0, want: 0, found: true},
		{off: 63, want: 0, found: true},
		{off: 64, want: 1, found: true},
		{off: 95, want: 1, found: true},
		{off: 96, found: false}, // inside the padding gap
		{off: 130, want: 2, found: true},
		{off: 144, found: false}, // past the end
	} {
		got, ok := FindFunctionByOffset(specs, tc.off)
		require.Equal(t, tc.found, ok, "offset %d", tc.off)
		if ok {
			require.Equal(t, tc.want, got, "offset %d", tc.off)
		}
	}

	_, ok := FindFunctionByOffset(nil, 0)
	require.False(t, ok)
}

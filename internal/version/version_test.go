package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompatibleWith(t *testing.T) {
	precise := New(0, 1, 2, [8]byte{0x61, 0x61, 0x61, 0x61, 0x61, 0x61, 0x61, 0x61})
	imprecise := New(0, 1, 2, [8]byte{})

	require.NotEqual(t, precise, imprecise)

	// A loader only as detailed as `major.minor.patch` accepts a matching
	// artifact that includes a commit hash.
	require.True(t, imprecise.CompatibleWith(precise))

	// A loader pinned to `major.minor.patch-commit` rejects anything less
	// specific.
	require.False(t, precise.CompatibleWith(imprecise))

	// Same commit matches itself.
	require.True(t, precise.CompatibleWith(precise))

	// Version triple mismatches reject in both directions.
	other := New(0, 2, 2, [8]byte{})
	require.False(t, other.CompatibleWith(precise))
	require.False(t, imprecise.CompatibleWith(New(1, 1, 2, [8]byte{0x61})))
}

func TestMarshalRoundTrip(t *testing.T) {
	i := New(1, 2, 3, [8]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11})
	buf, err := i.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, serializedSize, len(buf))

	var got Info
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, i, got)
}

func TestUnmarshalRejectsUnstamped(t *testing.T) {
	i := New(1, 2, 3, [8]byte{})
	buf, err := i.MarshalBinary()
	require.NoError(t, err)

	// Clearing the reserved bit marks the artifact as too old to load.
	buf[3] &^= 0x80
	var got Info
	require.Error(t, got.UnmarshalBinary(buf))

	require.Error(t, got.UnmarshalBinary(buf[:4]))
}

func TestCurrent(t *testing.T) {
	i := Current()
	require.False(t, i.Precise()) // dev builds carry no commit stamp
	require.NotEqual(t, Info{}, i)
}

//go:build linux || darwin || freebsd

package platform

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

var testCodeBuf, _ = io.ReadAll(io.LimitReader(rand.Reader, 8*1024))

func TestMmapCodeSegment(t *testing.T) {
	testCodeReader := bytes.NewReader(testCodeBuf)
	newCode, err := MmapCodeSegment(testCodeReader, testCodeReader.Len())
	require.NoError(t, err)
	// The mapping holds the same bytes as the original.
	require.Equal(t, testCodeBuf, newCode)
	require.NoError(t, MunmapCodeSegment(newCode))

	t.Run("panic on zero length", func(t *testing.T) {
		require.Panics(t, func() {
			_, _ = MmapCodeSegment(bytes.NewBuffer(nil), 0)
		})
	})

	t.Run("short reader", func(t *testing.T) {
		_, err := MmapCodeSegment(bytes.NewReader(testCodeBuf[:10]), len(testCodeBuf))
		require.Error(t, err)
	})
}

func TestReserveRegion(t *testing.T) {
	region, err := ReserveRegion(16 * PageSize)
	require.NoError(t, err)
	require.Equal(t, 16*PageSize, len(region))

	// A PROT_NONE reservation cannot be touched, but pages flipped to
	// read-write can.
	span := region[4*PageSize : 6*PageSize]
	require.NoError(t, ProtectReadWrite(span))
	span[0] = 0xaa
	span[len(span)-1] = 0xbb
	require.Equal(t, byte(0xaa), span[0])

	require.NoError(t, ProtectNone(span))
	require.NoError(t, ProtectReadWrite(span))

	require.NoError(t, ReleaseRegion(region))
}

func TestRoundUpToPage(t *testing.T) {
	require.Equal(t, uint64(0), RoundUpToPage(0))
	require.Equal(t, uint64(PageSize), RoundUpToPage(1))
	require.Equal(t, uint64(PageSize), RoundUpToPage(PageSize))
	require.Equal(t, uint64(2*PageSize), RoundUpToPage(PageSize+1))
}

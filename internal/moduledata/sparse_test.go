package moduledata

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSparseData(t *testing.T) {
	t.Run("empty heap", func(t *testing.T) {
		sd, err := EncodeSparseData(0, nil)
		require.NoError(t, err)
		require.Zero(t, sd.PageCount())
	})

	t.Run("untouched pages are nil", func(t *testing.T) {
		sd, err := EncodeSparseData(WasmPageSize, []DataInitializer{
			{Offset: 0, Bytes: []byte("hola")},
		})
		require.NoError(t, err)
		require.Equal(t, 16, sd.PageCount())
		require.NotNil(t, sd.Pages[0])
		for _, p := range sd.Pages[1:] {
			require.Nil(t, p)
		}
		require.Equal(t, []byte("hola"), sd.Pages[0][:4])
	})

	t.Run("initializer crossing page boundary", func(t *testing.T) {
		data := make([]byte, PageSize)
		for i := range data {
			data[i] = byte(i)
		}
		sd, err := EncodeSparseData(WasmPageSize, []DataInitializer{
			{Offset: PageSize / 2, Bytes: data},
		})
		require.NoError(t, err)
		require.NotNil(t, sd.Pages[0])
		require.NotNil(t, sd.Pages[1])
		require.Nil(t, sd.Pages[2])
		require.Equal(t, data[:PageSize/2], sd.Pages[0][PageSize/2:])
		require.Equal(t, data[PageSize/2:], sd.Pages[1][:PageSize/2])
	})

	t.Run("later initializers win", func(t *testing.T) {
		sd, err := EncodeSparseData(WasmPageSize, []DataInitializer{
			{Offset: 0, Bytes: []byte{1, 1, 1, 1}},
			{Offset: 2, Bytes: []byte{2, 2}},
		})
		require.NoError(t, err)
		require.Equal(t, []byte{1, 1, 2, 2}, sd.Pages[0][:4])
	})

	t.Run("touched but zero page stays present", func(t *testing.T) {
		sd, err := EncodeSparseData(WasmPageSize, []DataInitializer{
			{Offset: PageSize, Bytes: make([]byte, 8)},
		})
		require.NoError(t, err)
		require.NotNil(t, sd.Pages[1])
	})

	t.Run("out of bounds", func(t *testing.T) {
		_, err := EncodeSparseData(WasmPageSize, []DataInitializer{
			{Offset: WasmPageSize - 2, Bytes: []byte{1, 2, 3}},
		})
		require.ErrorIs(t, err, ErrOutOfBoundsInit)
	})
}

// TestSparseDataRoundTrip checks that encoding then materializing equals
// applying the initializers in order to a zero-filled buffer.
func TestSparseDataRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		initialSize := uint64(1+rng.Intn(4)) * WasmPageSize

		var inits []DataInitializer
		for i, n := 0, rng.Intn(10); i < n; i++ {
			length := rng.Intn(3 * PageSize)
			offset := rng.Int63n(int64(initialSize) - int64(length))
			b := make([]byte, length)
			rng.Read(b)
			inits = append(inits, DataInitializer{Offset: uint64(offset), Bytes: b})
		}

		want := make([]byte, initialSize)
		for _, init := range inits {
			copy(want[init.Offset:], init.Bytes)
		}

		sd, err := EncodeSparseData(initialSize, inits)
		require.NoError(t, err)
		require.NoError(t, sd.Validate())
		require.Equal(t, int(initialSize/PageSize), sd.PageCount())

		got := make([]byte, initialSize)
		require.NoError(t, sd.Materialize(got))
		require.True(t, bytes.Equal(want, got), "trial %d", trial)
	}
}

func TestSparseDataValidate(t *testing.T) {
	require.NoError(t, SparseData{Pages: [][]byte{nil, make([]byte, PageSize)}}.Validate())
	require.ErrorIs(t, SparseData{Pages: [][]byte{make([]byte, 100)}}.Validate(), ErrIncorrectPageSize)
}

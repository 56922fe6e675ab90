package moduledata

import "fmt"

// SparseData is a page-indexed representation of a heap's initial contents.
// Pages[i] corresponds to heap offset i*PageSize; a nil entry is a zero page
// that needs no explicit copy at instance creation.
type SparseData struct {
	Pages [][]byte
}

// Validate checks that every present page is exactly one host page.
func (s SparseData) Validate() error {
	for _, p := range s.Pages {
		if p != nil && len(p) != PageSize {
			return ErrIncorrectPageSize
		}
	}
	return nil
}

// PageCount returns the number of pages, present or not.
func (s SparseData) PageCount() int { return len(s.Pages) }

// DataInitializer is one write of bytes at a byte offset into linear memory,
// as found in a guest module's data segments. Initializers may overlap; later
// ones win.
type DataInitializer struct {
	Offset uint64
	Bytes  []byte
}

// EncodeSparseData applies initializers in order onto a zero heap of
// initialSize bytes and returns the page-indexed result. Pages never touched
// come out nil; a touched page is kept even if its final bytes are all zero,
// preserving observable write-through ordering.
//
// An initializer extending past initialSize fails with ErrOutOfBoundsInit.
func EncodeSparseData(initialSize uint64, initializers []DataInitializer) (SparseData, error) {
	if initialSize%WasmPageSize != 0 {
		return SparseData{}, fmt.Errorf("initial size %d is not a multiple of the wasm page size", initialSize)
	}
	numPages := initialSize / PageSize
	pages := make([][]byte, numPages)

	for _, init := range initializers {
		if init.Offset+uint64(len(init.Bytes)) > initialSize {
			return SparseData{}, fmt.Errorf("initializer at offset %d, length %d: %w",
				init.Offset, len(init.Bytes), ErrOutOfBoundsInit)
		}
		// Split the initializer into per-page chunks.
		off := init.Offset
		data := init.Bytes
		for len(data) > 0 {
			page := off / PageSize
			pageOff := off % PageSize
			n := PageSize - pageOff
			if n > uint64(len(data)) {
				n = uint64(len(data))
			}
			if pages[page] == nil {
				pages[page] = make([]byte, PageSize)
			}
			copy(pages[page][pageOff:], data[:n])
			off += n
			data = data[n:]
		}
	}
	return SparseData{Pages: pages}, nil
}

// Materialize writes the sparse contents over dst, which must be at least
// PageCount()*PageSize long and is assumed zeroed. Used by the runtime's
// reset_heap and by tests verifying the round-trip property.
func (s SparseData) Materialize(dst []byte) error {
	if need := len(s.Pages) * PageSize; len(dst) < need {
		return fmt.Errorf("destination %d bytes, need %d", len(dst), need)
	}
	for i, p := range s.Pages {
		if p == nil {
			continue
		}
		copy(dst[i*PageSize:(i+1)*PageSize], p)
	}
	return nil
}

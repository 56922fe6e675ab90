package moduledata

import "fmt"

// HeapSpec describes the linear memory layout an instance's slot must
// provide. All sizes are byte counts.
type HeapSpec struct {
	// ReservedSize is the virtual address space reserved for the heap,
	// whether or not it is committed. Guest bounds checks are against this
	// plus GuardSize, so the whole range must be mapped (PROT_NONE when not
	// committed).
	ReservedSize uint64
	// GuardSize is the PROT_NONE span following the reserved area.
	GuardSize uint64
	// InitialSize is the committed, initialized heap prefix at instance
	// creation. Always a multiple of WasmPageSize.
	InitialSize uint64
	// Max is the guest-declared maximum heap size; valid only if HasMax.
	Max    uint64
	HasMax bool
}

// Validate checks the HeapSpec invariants.
func (h HeapSpec) Validate() error {
	if h.InitialSize%WasmPageSize != 0 {
		return fmt.Errorf("initial heap size %d is not a multiple of the wasm page size", h.InitialSize)
	}
	if h.ReservedSize < h.InitialSize {
		return fmt.Errorf("heap reserved size %d is smaller than initial size %d", h.ReservedSize, h.InitialSize)
	}
	if h.HasMax && h.Max < h.InitialSize {
		return fmt.Errorf("heap max size %d is smaller than initial size %d", h.Max, h.InitialSize)
	}
	return nil
}

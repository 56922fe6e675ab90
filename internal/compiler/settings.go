package compiler

import (
	"fmt"

	"github.com/tetratelabs/wabin/wasm"

	"github.com/golucet/golucet/internal/moduledata"
)

// HeapSettings bound the heap spec the compiler derives from a module's
// memory section.
type HeapSettings struct {
	// MinReserved and MaxReserved clamp the reserved (bounds-checked)
	// address range per instance.
	MinReserved uint64
	MaxReserved uint64
	// Guard is the PROT_NONE span after the reserved range.
	Guard uint64
}

// DefaultHeapSettings returns the standard bounds: 4 MiB minimum reservation,
// 6 GiB maximum, 4 MiB guard.
func DefaultHeapSettings() HeapSettings {
	return HeapSettings{
		MinReserved: 4 << 20,
		MaxReserved: 6 << 30,
		Guard:       4 << 20,
	}
}

// heapSpecFromMemory derives the module's HeapSpec from its memory section,
// clamping the reservation into [MinReserved, MaxReserved].
func heapSpecFromMemory(mem *wasm.Memory, s HeapSettings) (moduledata.HeapSpec, error) {
	spec := moduledata.HeapSpec{
		ReservedSize: s.MinReserved,
		GuardSize:    s.Guard,
	}
	if mem == nil {
		return spec, nil
	}

	spec.InitialSize = uint64(mem.Min) * moduledata.WasmPageSize
	if mem.IsMaxEncoded {
		spec.HasMax = true
		spec.Max = uint64(mem.Max) * moduledata.WasmPageSize
	}

	reserved := spec.InitialSize
	if spec.HasMax && spec.Max > reserved {
		reserved = spec.Max
	}
	if reserved < s.MinReserved {
		reserved = s.MinReserved
	}
	if reserved > s.MaxReserved {
		return spec, fmt.Errorf("memory requires %d reserved bytes, over the %d maximum", reserved, s.MaxReserved)
	}
	spec.ReservedSize = reserved

	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

package moduledata

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/golucet/golucet/api"
)

// TrapSite is trap information for one code offset within a compiled
// function. Offsets are relative to the function's first byte.
type TrapSite struct {
	Offset uint32
	Code   api.TrapCode
}

// TrapSiteSize is the serialized byte length of one TrapSite. The on-disk
// form is two little-endian u32s, enabling zero-copy reads from the mapped
// artifact.
const TrapSiteSize = 8

// TrapManifest is a function's trap table: TrapSites sorted by offset.
type TrapManifest struct {
	Traps []TrapSite
}

// NewTrapManifest wraps traps, which must already be sorted by offset.
func NewTrapManifest(traps []TrapSite) TrapManifest {
	return TrapManifest{Traps: traps}
}

// LookupAddr finds the trap code recorded at exactly the given
// function-relative offset via binary search.
func (m TrapManifest) LookupAddr(addr uint32) (api.TrapCode, bool) {
	i := sort.Search(len(m.Traps), func(i int) bool { return m.Traps[i].Offset >= addr })
	if i < len(m.Traps) && m.Traps[i].Offset == addr {
		return m.Traps[i].Code, true
	}
	return 0, false
}

// Sorted reports whether the table satisfies the sorted-by-offset invariant.
func (m TrapManifest) Sorted() bool {
	return sort.SliceIsSorted(m.Traps, func(i, j int) bool { return m.Traps[i].Offset < m.Traps[j].Offset })
}

// EncodeTrapTable serializes traps into the fixed on-disk layout.
func EncodeTrapTable(traps []TrapSite) []byte {
	out := make([]byte, len(traps)*TrapSiteSize)
	for i, t := range traps {
		binary.LittleEndian.PutUint32(out[i*TrapSiteSize:], t.Offset)
		binary.LittleEndian.PutUint32(out[i*TrapSiteSize+4:], uint32(t.Code))
	}
	return out
}

// DecodeTrapTable is the inverse of EncodeTrapTable.
func DecodeTrapTable(raw []byte) ([]TrapSite, error) {
	if len(raw)%TrapSiteSize != 0 {
		return nil, fmt.Errorf("trap table length %d is not a multiple of %d", len(raw), TrapSiteSize)
	}
	traps := make([]TrapSite, len(raw)/TrapSiteSize)
	for i := range traps {
		traps[i].Offset = binary.LittleEndian.Uint32(raw[i*TrapSiteSize:])
		traps[i].Code = api.TrapCode(binary.LittleEndian.Uint32(raw[i*TrapSiteSize+4:]))
	}
	return traps, nil
}

// FunctionSpec is one entry of the function manifest, ordered by function
// index. Offsets are relative to the artifact's text section for code and to
// the trap section for trap tables.
type FunctionSpec struct {
	CodeOffset      uint64
	CodeLength      uint32
	TrapTableOffset uint64
	TrapTableLength uint32 // in TrapSites, not bytes
}

// FunctionSpecSize is the serialized byte length of one FunctionSpec: the
// fields packed little-endian with no padding.
const FunctionSpecSize = 24

// EncodeFunctionManifest serializes the manifest into its fixed layout.
func EncodeFunctionManifest(specs []FunctionSpec) []byte {
	out := make([]byte, len(specs)*FunctionSpecSize)
	for i, s := range specs {
		b := out[i*FunctionSpecSize:]
		binary.LittleEndian.PutUint64(b, s.CodeOffset)
		binary.LittleEndian.PutUint32(b[8:], s.CodeLength)
		binary.LittleEndian.PutUint64(b[12:], s.TrapTableOffset)
		binary.LittleEndian.PutUint32(b[20:], s.TrapTableLength)
	}
	return out
}

// DecodeFunctionManifest is the inverse of EncodeFunctionManifest.
func DecodeFunctionManifest(raw []byte) ([]FunctionSpec, error) {
	if len(raw)%FunctionSpecSize != 0 {
		return nil, fmt.Errorf("function manifest length %d is not a multiple of %d", len(raw), FunctionSpecSize)
	}
	specs := make([]FunctionSpec, len(raw)/FunctionSpecSize)
	for i := range specs {
		b := raw[i*FunctionSpecSize:]
		specs[i].CodeOffset = binary.LittleEndian.Uint64(b)
		specs[i].CodeLength = binary.LittleEndian.Uint32(b[8:])
		specs[i].TrapTableOffset = binary.LittleEndian.Uint64(b[12:])
		specs[i].TrapTableLength = binary.LittleEndian.Uint32(b[20:])
	}
	return specs, nil
}

// FindFunctionByOffset returns the index of the function containing the given
// text-section offset, via binary search over the manifest, which is ordered
// by CodeOffset.
func FindFunctionByOffset(specs []FunctionSpec, off uint64) (int, bool) {
	i := sort.Search(len(specs), func(i int) bool { return specs[i].CodeOffset > off })
	if i == 0 {
		return 0, false
	}
	i--
	if off >= specs[i].CodeOffset+uint64(specs[i].CodeLength) {
		return 0, false
	}
	return i, true
}

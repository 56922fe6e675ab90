// Package moduledata holds the metadata a compiled module carries alongside
// its machine code: the heap specification, initial heap contents, globals,
// the function manifest, trap tables and the deduplicated signature table.
//
// The compiler writes these, the runtime reads them; the serialized layout is
// the contract between the two and must stay bit-exact across releases.
package moduledata

import (
	"errors"
	"fmt"

	"github.com/golucet/golucet/api"
)

var (
	// ErrIncorrectPageSize is returned when sparse data contains a page with
	// length other than PageSize.
	ErrIncorrectPageSize = errors.New("sparse data contained a page with length other than 4096")
	// ErrOutOfBoundsInit is returned when a data initializer writes past the
	// initial heap size.
	ErrOutOfBoundsInit = errors.New("data initializer out of bounds of initial heap")
)

const (
	// PageSize is the host page size assumed by the sparse-data layout.
	PageSize = 4096
	// WasmPageSize is the WebAssembly linear memory page size. One
	// WebAssembly page equals 16 host pages.
	WasmPageSize = 65536
)

// ModuleData is everything the runtime needs to know about a compiled module
// other than the machine code itself.
type ModuleData struct {
	HeapSpec   HeapSpec
	SparseData SparseData
	// GlobalsSpec is order-preserving: index is the guest global index.
	GlobalsSpec []GlobalSpec
	// Signatures is the deduplicated signature table.
	Signatures []Signature
	// FunctionSignatures maps each function index (imports first, then
	// defined functions) to its index in Signatures.
	FunctionSignatures []uint32
	// ImportFunctions lists the host symbols imported functions were bound
	// to, by import index. Instance creation refuses modules importing
	// symbols the embedder never registered.
	ImportFunctions []ImportFunction
	// ExportFunctions maps export names to function indices.
	ExportFunctions []ExportFunction
	Features        Features
}

// Features is a bitset of optional behaviors compiled into a module.
type Features uint32

const (
	// FeatureInstructionCount marks a module compiled with instruction-count
	// instrumentation.
	FeatureInstructionCount Features = 1 << iota
)

// ImportFunction records the host symbol an import was resolved to.
type ImportFunction struct {
	Module string
	Field  string
	// HostSymbol is the bound symbol name from the bindings map.
	HostSymbol string
}

// ExportFunction names a function index for entry-point resolution.
type ExportFunction struct {
	Name      string
	FuncIndex uint32
}

// FindExport returns the function index exported under name.
func (m *ModuleData) FindExport(name string) (uint32, bool) {
	for i := range m.ExportFunctions {
		if m.ExportFunctions[i].Name == name {
			return m.ExportFunctions[i].FuncIndex, true
		}
	}
	return 0, false
}

// SignatureOf returns the signature of the function at index.
func (m *ModuleData) SignatureOf(funcIndex uint32) (Signature, error) {
	if funcIndex >= uint32(len(m.FunctionSignatures)) {
		return Signature{}, fmt.Errorf("function index %d out of range", funcIndex)
	}
	return m.Signatures[m.FunctionSignatures[funcIndex]], nil
}

// Validate checks the internal consistency of the module data.
func (m *ModuleData) Validate() error {
	if err := m.HeapSpec.Validate(); err != nil {
		return err
	}
	if err := m.SparseData.Validate(); err != nil {
		return err
	}
	if got, want := uint64(len(m.SparseData.Pages))*PageSize, m.HeapSpec.InitialSize; got != want {
		return fmt.Errorf("sparse data covers %d bytes, heap spec initial size is %d", got, want)
	}
	for i, sigIdx := range m.FunctionSignatures {
		if sigIdx >= uint32(len(m.Signatures)) {
			return fmt.Errorf("function %d references signature %d beyond table length %d", i, sigIdx, len(m.Signatures))
		}
	}
	for _, e := range m.ExportFunctions {
		if e.FuncIndex >= uint32(len(m.FunctionSignatures)) {
			return fmt.Errorf("export %q references function %d beyond manifest", e.Name, e.FuncIndex)
		}
	}
	return nil
}

// Signature is a function type: parameter list and an optional single result.
type Signature struct {
	Params []api.ValueType
	// Ret is zero when the function returns nothing.
	Ret api.ValueType
}

// HasRet returns true when the signature produces a result.
func (s Signature) HasRet() bool { return s.Ret != 0 }

// Equal reports structural equality.
func (s Signature) Equal(other Signature) bool {
	if s.Ret != other.Ret || len(s.Params) != len(other.Params) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != other.Params[i] {
			return false
		}
	}
	return true
}

// Key returns a string usable as a dedup map key. Params and result bytes
// cannot collide because 0 never appears as a parameter type.
func (s Signature) Key() string {
	b := make([]byte, 0, len(s.Params)+1)
	b = append(b, s.Params...)
	b = append(b, s.Ret)
	return string(b)
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	out := "("
	for i, p := range s.Params {
		if i > 0 {
			out += ", "
		}
		out += api.ValueTypeName(p)
	}
	out += ")"
	if s.HasRet() {
		out += " -> " + api.ValueTypeName(s.Ret)
	}
	return out
}

// SignatureTable deduplicates signatures by structural equality, assigning
// each distinct signature one index.
type SignatureTable struct {
	sigs    []Signature
	indices map[string]uint32
}

// NewSignatureTable returns an empty table.
func NewSignatureTable() *SignatureTable {
	return &SignatureTable{indices: map[string]uint32{}}
}

// Intern returns the index for sig, adding it if unseen.
func (t *SignatureTable) Intern(sig Signature) uint32 {
	key := sig.Key()
	if idx, ok := t.indices[key]; ok {
		return idx
	}
	idx := uint32(len(t.sigs))
	t.sigs = append(t.sigs, sig)
	t.indices[key] = idx
	return idx
}

// Signatures returns the interned table in insertion order.
func (t *SignatureTable) Signatures() []Signature { return t.sigs }

// TableElement is one entry of the indirect-call table. A zero
// FunctionPointer is a null entry.
type TableElement struct {
	SignatureIndex uint32
	FunctionPointer uint64
}

// Null reports whether the element is uninitialized.
func (e TableElement) Null() bool { return e.FunctionPointer == 0 }

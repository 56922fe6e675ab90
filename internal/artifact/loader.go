package artifact

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/moduledata"
	"github.com/golucet/golucet/internal/platform"
	"github.com/golucet/golucet/internal/version"
)

// Module is a loaded artifact: metadata decoded, text section mapped
// executable, symbols resolved. A Module is read-only after load and safe for
// concurrent use by many instances.
type Module struct {
	Data     *moduledata.ModuleData
	Manifest []moduledata.FunctionSpec
	// TrapTables is index-correlated with Manifest.
	TrapTables []moduledata.TrapManifest
	// Text is the executable mapping of the text section.
	Text []byte
	// FuncAddrs is the absolute entry address of each manifest entry.
	FuncAddrs []uintptr
	// Table is the indirect-call table with pointers rebased to absolute
	// code addresses; zero remains the null entry.
	Table []moduledata.TableElement
	// StartAddr is the start-section function address, or zero when the
	// module has no start section.
	StartAddr uintptr
	// ProbestackAddr is the stack-probe trampoline address.
	ProbestackAddr uintptr
	// Version is the artifact's toolchain stamp.
	Version version.Info

	symbols map[string]Symbol
}

// requiredSyms must be present in every loadable artifact.
var requiredSyms = []string{
	abi.ModuleSym,
	abi.ModuleDataSym,
	abi.ModuleDataLenSym,
	abi.FunctionManifestSym,
	abi.FunctionManifestLenSym,
	abi.VersionInfoSym,
	abi.ProbestackSym,
	abi.TextSym,
}

// LoadFile reads and loads an artifact from disk.
func LoadFile(path string, loaderVersion version.Info, precise bool) (*Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(raw, loaderVersion, precise)
}

// Load parses raw artifact bytes, checks the version stamp against the
// loader's, and maps the text section executable.
func Load(raw []byte, loaderVersion version.Info, precise bool) (*Module, error) {
	syms, payload, err := decodeContainer(raw)
	if err != nil {
		return nil, &ModuleError{Kind: DeserializationError, Err: err}
	}

	for _, name := range requiredSyms {
		if _, ok := syms[name]; !ok {
			return nil, &ModuleError{Kind: MissingSymbol, Sym: name}
		}
	}
	sym := func(name string) []byte {
		s := syms[name]
		return payload[s.Offset : s.Offset+s.Length]
	}

	var artifactVersion version.Info
	if err := artifactVersion.UnmarshalBinary(sym(abi.VersionInfoSym)); err != nil {
		return nil, &ModuleError{Kind: DeserializationError, Sym: abi.VersionInfoSym, Err: err}
	}
	if err := checkVersion(loaderVersion, artifactVersion, precise); err != nil {
		return nil, err
	}

	sm, err := decodeSerializedModule(sym(abi.ModuleSym))
	if err != nil {
		return nil, &ModuleError{Kind: DeserializationError, Sym: abi.ModuleSym, Err: err}
	}
	if sm.ModuleDataOffset+sm.ModuleDataLen > uint64(len(payload)) ||
		sm.FunctionManifestOffset+sm.FunctionManifestLen*moduledata.FunctionSpecSize > uint64(len(payload)) ||
		sm.TablesOffset+sm.TablesLen*16 > uint64(len(payload)) {
		return nil, &ModuleError{Kind: DeserializationError, Sym: abi.ModuleSym,
			Err: fmt.Errorf("module struct spans exceed payload")}
	}

	data, err := moduledata.Deserialize(payload[sm.ModuleDataOffset : sm.ModuleDataOffset+sm.ModuleDataLen])
	if err != nil {
		return nil, &ModuleError{Kind: DeserializationError, Sym: abi.ModuleDataSym, Err: err}
	}

	manifest, err := moduledata.DecodeFunctionManifest(sym(abi.FunctionManifestSym))
	if err != nil {
		return nil, &ModuleError{Kind: DeserializationError, Sym: abi.FunctionManifestSym, Err: err}
	}

	m := &Module{
		Data:     data,
		Manifest: manifest,
		Version:  artifactVersion,
		symbols:  syms,
	}

	// Trap tables, one per manifest entry.
	m.TrapTables = make([]moduledata.TrapManifest, len(manifest))
	for i := range manifest {
		name := abi.TrapTableSym(abi.FuncSym(uint32(i) + uint32(len(data.ImportFunctions))))
		s, ok := syms[name]
		if !ok {
			return nil, &ModuleError{Kind: MissingSymbol, Sym: name}
		}
		traps, err := moduledata.DecodeTrapTable(payload[s.Offset : s.Offset+s.Length])
		if err != nil {
			return nil, &ModuleError{Kind: DeserializationError, Sym: name, Err: err}
		}
		tm := moduledata.NewTrapManifest(traps)
		if !tm.Sorted() {
			return nil, &ModuleError{Kind: DeserializationError, Sym: name,
				Err: fmt.Errorf("trap table is not sorted by offset")}
		}
		m.TrapTables[i] = tm
	}

	// Map the text section executable.
	textSym := syms[abi.TextSym]
	if textSym.Length == 0 {
		return nil, &ModuleError{Kind: DeserializationError, Sym: abi.TextSym,
			Err: fmt.Errorf("empty text section")}
	}
	text := payload[textSym.Offset : textSym.Offset+textSym.Length]
	mapped, err := platform.MmapCodeSegment(bytes.NewReader(text), len(text))
	if err != nil {
		return nil, fmt.Errorf("mapping text section: %w", err)
	}
	m.Text = mapped
	textBase := uintptr(unsafe.Pointer(&mapped[0]))

	m.FuncAddrs = make([]uintptr, len(manifest))
	for i, spec := range manifest {
		m.FuncAddrs[i] = textBase + uintptr(spec.CodeOffset)
	}
	probeSym := syms[abi.ProbestackSym]
	m.ProbestackAddr = textBase + uintptr(probeSym.Offset-textSym.Offset)
	if s, ok := syms[abi.StartFuncSym]; ok {
		m.StartAddr = textBase + uintptr(s.Offset-textSym.Offset)
	}

	// Rebase the indirect-call table.
	rawTable := sym(abi.TablesSym)
	m.Table = make([]moduledata.TableElement, sm.TablesLen)
	for i := range m.Table {
		sigIdx := binary.LittleEndian.Uint64(rawTable[i*16:])
		fnIdx := binary.LittleEndian.Uint64(rawTable[i*16+8:])
		elem := moduledata.TableElement{SignatureIndex: uint32(sigIdx)}
		if fnIdx != 0 {
			defined := fnIdx - 1
			if defined >= uint64(len(m.FuncAddrs)) {
				m.close()
				return nil, &ModuleError{Kind: DeserializationError, Sym: abi.TablesSym,
					Err: fmt.Errorf("table element %d references function %d beyond manifest", i, defined)}
			}
			elem.FunctionPointer = uint64(m.FuncAddrs[defined])
		}
		m.Table[i] = elem
	}

	return m, nil
}

// HasSymbol reports whether the artifact defines the named symbol.
func (m *Module) HasSymbol(name string) bool {
	_, ok := m.symbols[name]
	return ok
}

// ResolveTrap maps an absolute-text-offset fault to its function index and
// trap code, via binary search over the manifest and the function's trap
// table.
func (m *Module) ResolveTrap(textOff uint64) (funcIdx int, code api.TrapCode, ok bool) {
	funcIdx, ok = moduledata.FindFunctionByOffset(m.Manifest, textOff)
	if !ok {
		return 0, 0, false
	}
	rel := uint32(textOff - m.Manifest[funcIdx].CodeOffset)
	code, ok = m.TrapTables[funcIdx].LookupAddr(rel)
	if !ok {
		return 0, 0, false
	}
	return funcIdx, code, true
}

// FuncSymName resolves a manifest index back to its symbol name, used to
// attach symbol names to fault details.
func (m *Module) FuncSymName(manifestIdx int) string {
	return abi.FuncSym(uint32(manifestIdx) + uint32(len(m.Data.ImportFunctions)))
}

// Close unmaps the text section. The module must not be used afterward.
func (m *Module) Close() error {
	return m.close()
}

func (m *Module) close() error {
	if m.Text == nil {
		return nil
	}
	text := m.Text
	m.Text = nil
	return platform.MunmapCodeSegment(text)
}

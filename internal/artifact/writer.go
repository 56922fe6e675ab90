package artifact

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/moduledata"
	"github.com/golucet/golucet/internal/version"
)

// FunctionEntry is one compiled function handed to the writer, in function
// index order (imports excluded: imports have no code).
type FunctionEntry struct {
	// Sym is the text symbol, abi.FuncSym(index) plus any export aliases.
	Sym     string
	Aliases []string
	Code    []byte
	// Traps are function-relative, sorted by offset.
	Traps []moduledata.TrapSite
}

// Writer assembles an artifact from the compiler's outputs.
type Writer struct {
	data       *moduledata.ModuleData
	functions  []FunctionEntry
	table      []moduledata.TableElement
	probestack []byte
	version    version.Info
	startSym   string
}

// NewWriter returns a writer for the given module data and toolchain version.
func NewWriter(data *moduledata.ModuleData, v version.Info) *Writer {
	return &Writer{data: data, version: v}
}

// AddFunction appends the next compiled function. Order defines the function
// manifest order.
func (w *Writer) AddFunction(f FunctionEntry) {
	w.functions = append(w.functions, f)
}

// SetTable installs the indirect-call table. Element function pointers hold
// defined-function index + 1 at this stage (zero stays the null entry); the
// loader rebases them to absolute code addresses.
func (w *Writer) SetTable(table []moduledata.TableElement) { w.table = table }

// SetProbestack installs the stack-probe trampoline code.
func (w *Writer) SetProbestack(code []byte) { w.probestack = code }

// SetStartFunc marks the function symbol the start section names.
func (w *Writer) SetStartFunc(funcSym string) { w.startSym = funcSym }

// codeAlign keeps function starts at a fixed alignment, matching what a
// linker would do for text symbols.
const codeAlign = 16

// Encode produces the artifact bytes.
func (w *Writer) Encode() ([]byte, error) {
	if w.probestack == nil {
		return nil, fmt.Errorf("artifact requires a probestack trampoline")
	}

	var payload []byte
	var syms []Symbol
	addSym := func(name string, off, length uint64) {
		syms = append(syms, Symbol{Name: name, Offset: off, Length: length})
	}
	pad := func() {
		for len(payload)%codeAlign != 0 {
			payload = append(payload, 0xcc) // int3 filler between functions
		}
	}

	// Text section: functions in manifest order, then the probestack.
	textStart := uint64(len(payload))
	manifest := make([]moduledata.FunctionSpec, 0, len(w.functions))
	var trapSection []byte
	for _, f := range w.functions {
		pad()
		codeOff := uint64(len(payload)) - textStart
		payload = append(payload, f.Code...)

		trapOff := uint64(len(trapSection))
		trapSection = append(trapSection, moduledata.EncodeTrapTable(f.Traps)...)

		manifest = append(manifest, moduledata.FunctionSpec{
			CodeOffset:      codeOff,
			CodeLength:      uint32(len(f.Code)),
			TrapTableOffset: trapOff,
			TrapTableLength: uint32(len(f.Traps)),
		})
		addSym(f.Sym, textStart+codeOff, uint64(len(f.Code)))
		for _, alias := range f.Aliases {
			addSym(alias, textStart+codeOff, uint64(len(f.Code)))
		}
	}
	pad()
	probestackOff := uint64(len(payload))
	payload = append(payload, w.probestack...)
	addSym(abi.ProbestackSym, probestackOff, uint64(len(w.probestack)))
	textLen := uint64(len(payload)) - textStart
	addSym(abi.TextSym, textStart, textLen)

	if w.startSym != "" {
		found := false
		for _, s := range syms {
			if s.Name == w.startSym {
				addSym(abi.StartFuncSym, s.Offset, s.Length)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("start function symbol %q has no text symbol", w.startSym)
		}
	}

	// Trap tables: one symbol per function into a shared section.
	trapStart := uint64(len(payload))
	payload = append(payload, trapSection...)
	for i, f := range w.functions {
		spec := manifest[i]
		addSym(abi.TrapTableSym(f.Sym),
			trapStart+spec.TrapTableOffset,
			uint64(spec.TrapTableLength)*moduledata.TrapSiteSize)
	}

	// Function manifest.
	manifestStart := uint64(len(payload))
	payload = append(payload, moduledata.EncodeFunctionManifest(manifest)...)
	addSym(abi.FunctionManifestSym, manifestStart, uint64(len(manifest))*moduledata.FunctionSpecSize)
	manifestLenOff := uint64(len(payload))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(manifest)))
	addSym(abi.FunctionManifestLenSym, manifestLenOff, 4)

	// Indirect-call table.
	tablesStart := uint64(len(payload))
	for _, e := range w.table {
		payload = binary.LittleEndian.AppendUint64(payload, uint64(e.SignatureIndex))
		payload = binary.LittleEndian.AppendUint64(payload, e.FunctionPointer)
	}
	addSym(abi.TablesSym, tablesStart, uint64(len(w.table))*16)

	// Module data.
	moduleData, err := w.data.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serializing module data: %w", err)
	}
	dataStart := uint64(len(payload))
	payload = append(payload, moduleData...)
	addSym(abi.ModuleDataSym, dataStart, uint64(len(moduleData)))
	dataLenOff := uint64(len(payload))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(moduleData)))
	addSym(abi.ModuleDataLenSym, dataLenOff, 4)

	// Version stamp.
	vbuf, err := w.version.MarshalBinary()
	if err != nil {
		return nil, err
	}
	versionOff := uint64(len(payload))
	payload = append(payload, vbuf...)
	addSym(abi.VersionInfoSym, versionOff, uint64(len(vbuf)))

	// The module struct ties it all together.
	sm := SerializedModule{
		ModuleDataOffset:       dataStart,
		ModuleDataLen:          uint64(len(moduleData)),
		TablesOffset:           tablesStart,
		TablesLen:              uint64(len(w.table)),
		FunctionManifestOffset: manifestStart,
		FunctionManifestLen:    uint64(len(manifest)),
	}
	moduleOff := uint64(len(payload))
	payload = append(payload, sm.encode()...)
	addSym(abi.ModuleSym, moduleOff, serializedModuleSize)

	return encodeContainer(syms, payload), nil
}

// WriteFile encodes the artifact and writes it to path.
func (w *Writer) WriteFile(path string) error {
	buf, err := w.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

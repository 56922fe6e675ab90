package compiler

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/artifact"
	"github.com/golucet/golucet/internal/asm/amd64"
	"github.com/golucet/golucet/internal/bindings"
	"github.com/golucet/golucet/internal/moduledata"
	"github.com/golucet/golucet/internal/version"
)

// translation carries the module through the pipeline stages.
type translation struct {
	mod         *wasm.Module
	binds       *bindings.Bindings
	heap        HeapSettings
	instrCount  bool
	version     version.Info
	importCount uint32

	sigTable   *moduledata.SignatureTable
	sigIndices []uint32 // type-section index -> signature index
	data       *moduledata.ModuleData
	funcs      []*compiledFunc
	table      []moduledata.TableElement
	startSym   string
}

// translate runs every stage after load/validate and returns the artifact
// writer, ready to encode.
func translate(mod *wasm.Module, binds *bindings.Bindings, heap HeapSettings, instrCount bool, v version.Info) (*artifact.Writer, error) {
	t := &translation{
		mod:        mod,
		binds:      binds,
		heap:       heap,
		instrCount: instrCount,
		version:    v,
		sigTable:   moduledata.NewSignatureTable(),
	}

	for _, stage := range []func() error{
		t.buildSignatures,
		t.resolveImports,
		t.buildModuleData,
		t.compileFunctions,
		t.buildTable,
		t.resolveStart,
	} {
		if err := stage(); err != nil {
			return nil, err
		}
	}
	return t.emit()
}

func (t *translation) buildSignatures() error {
	t.sigIndices = make([]uint32, len(t.mod.TypeSection))
	for i, typ := range t.mod.TypeSection {
		if len(typ.Results) > 1 {
			return errf(ErrUnsupported, "multi-value signature at type %d", i)
		}
		sig := moduledata.Signature{
			// Value type encodings match the wasm binary format on both
			// sides, so the parameter bytes copy over directly.
			Params: append([]api.ValueType{}, typ.Params...),
		}
		if len(typ.Results) == 1 {
			sig.Ret = typ.Results[0]
		}
		for _, p := range sig.Params {
			if !validValueType(p) {
				return errf(ErrUnsupported, "value type %#x at type %d", p, i)
			}
		}
		if sig.Ret != 0 && !validValueType(sig.Ret) {
			return errf(ErrUnsupported, "result type %#x at type %d", sig.Ret, i)
		}
		t.sigIndices[i] = t.sigTable.Intern(sig)
	}
	return nil
}

func validValueType(v api.ValueType) bool {
	switch v {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		return true
	}
	return false
}

// resolveImports maps every imported function through the bindings file.
// Imports of anything else are not supported.
func (t *translation) resolveImports() error {
	t.data = &moduledata.ModuleData{}
	for _, imp := range t.mod.ImportSection {
		switch imp.Type {
		case wasm.ExternTypeFunc:
			sym, err := t.binds.Translate(imp.Module, imp.Name)
			if err != nil {
				return &Error{Kind: ErrTranslatingModule, Err: err}
			}
			t.data.ImportFunctions = append(t.data.ImportFunctions, moduledata.ImportFunction{
				Module:     imp.Module,
				Field:      imp.Name,
				HostSymbol: sym,
			})
			t.importCount++
		case wasm.ExternTypeGlobal:
			t.data.GlobalsSpec = append(t.data.GlobalsSpec,
				moduledata.ImportGlobal(imp.Module, imp.Name))
		default:
			return errf(ErrUnsupported, "import kind %#x for %s::%s", imp.Type, imp.Module, imp.Name)
		}
	}
	return nil
}

func (t *translation) buildModuleData() error {
	spec, err := heapSpecFromMemory(t.mod.MemorySection, t.heap)
	if err != nil {
		return &Error{Kind: ErrMemorySpecs, Err: err}
	}
	t.data.HeapSpec = spec

	// Data segments become the sparse initial heap image.
	var inits []moduledata.DataInitializer
	for i, seg := range t.mod.DataSection {
		off, err := evalConstExpr(seg.OffsetExpression)
		if err != nil {
			return errf(ErrTranslatingModule, "data segment %d offset: %v", i, err)
		}
		inits = append(inits, moduledata.DataInitializer{Offset: uint64(uint32(off)), Bytes: seg.Init})
	}
	sparse, err := moduledata.EncodeSparseData(spec.InitialSize, inits)
	if err != nil {
		return &Error{Kind: ErrModuleData, Err: err}
	}
	t.data.SparseData = sparse

	// Defined globals follow the imported ones, preserving guest index
	// order.
	for i, g := range t.mod.GlobalSection {
		init, err := evalConstExpr(g.Init)
		if err != nil {
			return errf(ErrTranslatingModule, "global %d initializer: %v", i, err)
		}
		t.data.GlobalsSpec = append(t.data.GlobalsSpec, moduledata.DefGlobal(init))
	}

	t.data.Signatures = t.sigTable.Signatures()

	// Function signature indices: imports first, then defined functions.
	for _, imp := range t.mod.ImportSection {
		if imp.Type == wasm.ExternTypeFunc {
			t.data.FunctionSignatures = append(t.data.FunctionSignatures, t.sigIndices[imp.DescFunc])
		}
	}
	for _, typeIdx := range t.mod.FunctionSection {
		t.data.FunctionSignatures = append(t.data.FunctionSignatures, t.sigIndices[typeIdx])
	}

	// Exports: functions enter the export table; globals get their export
	// name recorded.
	for _, exp := range t.mod.ExportSection {
		switch exp.Type {
		case wasm.ExternTypeFunc:
			if exp.Index < t.importCount {
				return errf(ErrUnsupported, "export %q re-exports an import", exp.Name)
			}
			t.data.ExportFunctions = append(t.data.ExportFunctions, moduledata.ExportFunction{
				Name:      exp.Name,
				FuncIndex: exp.Index,
			})
		case wasm.ExternTypeGlobal:
			if int(exp.Index) >= len(t.data.GlobalsSpec) {
				return errf(ErrTranslatingModule, "export %q references global %d beyond count", exp.Name, exp.Index)
			}
			t.data.GlobalsSpec[exp.Index] = t.data.GlobalsSpec[exp.Index].WithExport(exp.Name)
		case wasm.ExternTypeMemory:
			// The heap is reachable through the VM context regardless.
		default:
			return errf(ErrUnsupported, "export kind %#x for %q", exp.Type, exp.Name)
		}
	}

	if t.instrCount {
		t.data.Features |= moduledata.FeatureInstructionCount
	}
	return nil
}

func (t *translation) compileFunctions() error {
	t.funcs = make([]*compiledFunc, len(t.mod.FunctionSection))
	for i := range t.mod.FunctionSection {
		funcIdx := t.importCount + uint32(i)
		cf, err := compileFunction(t.mod, funcIdx, t.importCount, t.sigIndices, t.instrCount)
		if err != nil {
			return funcErr(ErrFunctionTranslation, funcIdx, err)
		}
		t.funcs[i] = cf
	}
	return nil
}

func (t *translation) buildTable() error {
	if len(t.mod.TableSection) == 0 {
		if len(t.mod.ElementSection) > 0 {
			return errf(ErrTranslatingModule, "element section without a table")
		}
		return nil
	}
	if len(t.mod.TableSection) > 1 {
		return errf(ErrUnsupported, "multiple tables")
	}

	t.table = make([]moduledata.TableElement, t.mod.TableSection[0].Min)
	for i, seg := range t.mod.ElementSection {
		off, err := evalConstExpr(seg.OffsetExpr)
		if err != nil {
			return errf(ErrTranslatingModule, "element segment %d offset: %v", i, err)
		}
		for j, fn := range seg.Init {
			if fn == nil {
				continue
			}
			pos := int(off) + j
			if pos < 0 || pos >= len(t.table) {
				return errf(ErrTranslatingModule, "element segment %d writes out of table bounds", i)
			}
			funcIdx := *fn
			if funcIdx < t.importCount {
				return errf(ErrUnsupported, "imported function in table")
			}
			t.table[pos] = moduledata.TableElement{
				SignatureIndex: t.data.FunctionSignatures[funcIdx],
				// Defined-function index + 1; the loader rebases to code
				// addresses and keeps zero as the null entry.
				FunctionPointer: uint64(funcIdx-t.importCount) + 1,
			}
		}
	}
	return nil
}

func (t *translation) resolveStart() error {
	if t.mod.StartSection == nil {
		return nil
	}
	idx := *t.mod.StartSection
	if idx < t.importCount {
		return errf(ErrUnsupported, "start section names an imported function")
	}
	t.startSym = abi.FuncSym(idx)
	return nil
}

// emit lays out the text section, patches direct-call relocations, and
// hands everything to the artifact writer.
func (t *translation) emit() (*artifact.Writer, error) {
	if err := t.data.Validate(); err != nil {
		return nil, &Error{Kind: ErrModuleData, Err: err}
	}

	// Function offsets mirror the writer's alignment rule so relocations
	// can be patched before handing the code over.
	offsets := make([]uint64, len(t.funcs))
	var off uint64
	for i, cf := range t.funcs {
		off = (off + 15) &^ 15
		offsets[i] = off
		off += uint64(len(cf.code))
	}
	for _, cf := range t.funcs {
		for _, rel := range cf.relocs {
			if int(rel.target) >= len(offsets) {
				return nil, errf(ErrTranslatingModule, "call target %d beyond function count", rel.target)
			}
			immEnd := rel.immEnd.OffsetInBinary()
			binary.LittleEndian.PutUint32(cf.code[immEnd-4:immEnd], uint32(offsets[rel.target]))
		}
	}

	w := artifact.NewWriter(t.data, t.version)
	for i, cf := range t.funcs {
		funcIdx := t.importCount + uint32(i)
		entry := artifact.FunctionEntry{
			Sym:   abi.FuncSym(funcIdx),
			Code:  cf.code,
			Traps: cf.traps,
		}
		for _, exp := range t.data.ExportFunctions {
			if exp.FuncIndex == funcIdx {
				entry.Aliases = append(entry.Aliases, "guest_func_"+exp.Name)
			}
		}
		w.AddFunction(entry)
	}
	w.SetTable(t.table)

	probestack, err := emitProbestack()
	if err != nil {
		return nil, &Error{Kind: ErrOutput, Err: err}
	}
	w.SetProbestack(probestack)
	if t.startSym != "" {
		w.SetStartFunc(t.startSym)
	}
	return w, nil
}

// emitProbestack builds the exported stack-probe trampoline: AX carries the
// requested frame size; every page down to it is touched so the guard page
// faults deterministically.
func emitProbestack() ([]byte, error) {
	a, err := amd64.NewAssembler()
	if err != nil {
		return nil, err
	}
	a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegSP, amd64.RegR11)
	head := a.CompileConstToRegister(amd64.SUBQ, 4096, amd64.RegR11)
	a.CompileConstToMemory(amd64.MOVQ, 0, amd64.RegR11, 0)
	a.CompileConstToRegister(amd64.SUBQ, 4096, amd64.RegAX)
	a.CompileConstToRegister(amd64.CMPQ, 4096, amd64.RegAX)
	again := a.CompileJump(amd64.JCS) // while 4096 < remaining
	again.AssignJumpTarget(head)
	a.CompileStandAlone(amd64.RET)
	return a.Assemble()
}

// evalConstExpr evaluates the constant-expression subset used by offsets and
// global initializers. The value is returned as the raw 64-bit pattern.
func evalConstExpr(expr *wasm.ConstantExpression) (int64, error) {
	if expr == nil {
		return 0, fmt.Errorf("missing constant expression")
	}
	switch expr.Opcode {
	case wasm.OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(bytes.NewReader(expr.Data))
		return int64(v), err
	case wasm.OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(bytes.NewReader(expr.Data))
		return v, err
	case wasm.OpcodeF32Const:
		if len(expr.Data) != 4 {
			return 0, fmt.Errorf("f32 constant with %d bytes", len(expr.Data))
		}
		return int64(binary.LittleEndian.Uint32(expr.Data)), nil
	case wasm.OpcodeF64Const:
		if len(expr.Data) != 8 {
			return 0, fmt.Errorf("f64 constant with %d bytes", len(expr.Data))
		}
		return int64(binary.LittleEndian.Uint64(expr.Data)), nil
	default:
		return 0, fmt.Errorf("unsupported constant expression opcode %#x", expr.Opcode)
	}
}

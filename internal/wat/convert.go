package wat

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tetratelabs/wabin/leb128"
)

// ToBinary converts text-format source to a binary-format module.
func ToBinary(src []byte) ([]byte, error) {
	toks, err := lex(string(src))
	if err != nil {
		return nil, err
	}
	root, err := parse(toks)
	if err != nil {
		return nil, err
	}
	if root.head() != "module" {
		return nil, fmt.Errorf("expected (module ...)")
	}
	m := newModuleBuilder()
	if err := m.addFields(root.list[1:]); err != nil {
		return nil, err
	}
	return m.encode()
}

type funcDecl struct {
	name      string
	typeKey   string
	imported  bool
	impModule string
	impField  string
	exports   []string
	// body state for defined functions
	paramNames map[string]uint32
	numParams  int
	locals     []byte // value types of non-param locals
	body       []*sexpr
}

type globalDecl struct {
	name    string
	valType byte
	mutable bool
	init    *sexpr
	exports []string
}

type moduleBuilder struct {
	typeKeys   []string // serialized functype, deduplicated
	typeIndex  map[string]uint32
	funcs      []*funcDecl
	funcNames  map[string]uint32
	globals    []*globalDecl
	globalName map[string]uint32
	hasMemory  bool
	memMin     uint32
	memMax     uint32
	hasMemMax  bool
	memExports []string
	data       []dataDecl
	start      string // name or index, empty when absent
}

type dataDecl struct {
	offset *sexpr
	bytes  []byte
}

func newModuleBuilder() *moduleBuilder {
	return &moduleBuilder{
		typeIndex:  map[string]uint32{},
		funcNames:  map[string]uint32{},
		globalName: map[string]uint32{},
	}
}

func (m *moduleBuilder) addFields(fields []*sexpr) error {
	for _, f := range fields {
		switch f.head() {
		case "func":
			if err := m.addFunc(f, nil); err != nil {
				return err
			}
		case "import":
			if err := m.addImport(f); err != nil {
				return err
			}
		case "memory":
			if err := m.addMemory(f); err != nil {
				return err
			}
		case "global":
			if err := m.addGlobal(f); err != nil {
				return err
			}
		case "data":
			if err := m.addData(f); err != nil {
				return err
			}
		case "start":
			if len(f.list) != 2 {
				return fmt.Errorf("line %d: start needs one function", f.line)
			}
			m.start = f.list[1].atom
		case "export":
			if err := m.addExport(f); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: unsupported module field %q", f.line, f.head())
		}
	}
	// Imported functions must precede defined ones in index space; reorder
	// and rebuild the name table.
	var imported, defined []*funcDecl
	for _, fn := range m.funcs {
		if fn.imported {
			imported = append(imported, fn)
		} else {
			defined = append(defined, fn)
		}
	}
	m.funcs = append(imported, defined...)
	for i, fn := range m.funcs {
		if fn.name != "" {
			m.funcNames[fn.name] = uint32(i)
		}
	}
	return nil
}

func valType(atom string) (byte, bool) {
	switch atom {
	case "i32":
		return 0x7f, true
	case "i64":
		return 0x7e, true
	case "f32":
		return 0x7d, true
	case "f64":
		return 0x7c, true
	}
	return 0, false
}

// internType returns the type index for the given functype key, interning
// new ones.
func (m *moduleBuilder) internType(key string) uint32 {
	if idx, ok := m.typeIndex[key]; ok {
		return idx
	}
	idx := uint32(len(m.typeKeys))
	m.typeKeys = append(m.typeKeys, key)
	m.typeIndex[key] = idx
	return idx
}

// parseFuncSignature consumes (param ...) and (result ...) lists, returning
// the functype key and the remaining fields.
func parseFuncSignature(fields []*sexpr, paramNames map[string]uint32) (key string, rest []*sexpr, numParams int, err error) {
	var params, results []byte
	i := 0
	for ; i < len(fields); i++ {
		f := fields[i]
		switch f.head() {
		case "param":
			entries := f.list[1:]
			if len(entries) == 2 && entries[0].isAtom && strings.HasPrefix(entries[0].atom, "$") {
				t, ok := valType(entries[1].atom)
				if !ok {
					return "", nil, 0, fmt.Errorf("line %d: bad param type", f.line)
				}
				if paramNames != nil {
					paramNames[entries[0].atom] = uint32(len(params))
				}
				params = append(params, t)
				continue
			}
			for _, e := range entries {
				t, ok := valType(e.atom)
				if !ok {
					return "", nil, 0, fmt.Errorf("line %d: bad param type %q", f.line, e.atom)
				}
				params = append(params, t)
			}
		case "result":
			for _, e := range f.list[1:] {
				t, ok := valType(e.atom)
				if !ok {
					return "", nil, 0, fmt.Errorf("line %d: bad result type %q", f.line, e.atom)
				}
				results = append(results, t)
			}
		default:
			goto done
		}
	}
done:
	var b strings.Builder
	b.WriteByte(byte(len(params)))
	b.Write(params)
	b.WriteByte(byte(len(results)))
	b.Write(results)
	return b.String(), fields[i:], len(params), nil
}

func (m *moduleBuilder) addFunc(f *sexpr, imp *sexpr) error {
	fields := f.list[1:]
	fn := &funcDecl{paramNames: map[string]uint32{}}

	if len(fields) > 0 && fields[0].isAtom && strings.HasPrefix(fields[0].atom, "$") {
		fn.name = fields[0].atom
		fields = fields[1:]
	}
	for len(fields) > 0 && fields[0].head() == "export" {
		fn.exports = append(fn.exports, fields[0].list[1].atom)
		fields = fields[1:]
	}

	key, rest, numParams, err := parseFuncSignature(fields, fn.paramNames)
	if err != nil {
		return err
	}
	fn.typeKey = key
	fn.numParams = numParams

	if imp != nil {
		fn.imported = true
		fn.impModule = imp.list[1].atom
		fn.impField = imp.list[2].atom
		if len(rest) != 0 {
			return fmt.Errorf("line %d: imported function with a body", f.line)
		}
	} else {
		for len(rest) > 0 && rest[0].head() == "local" {
			for _, e := range rest[0].list[1:] {
				if strings.HasPrefix(e.atom, "$") {
					return fmt.Errorf("line %d: named locals are not supported", rest[0].line)
				}
				t, ok := valType(e.atom)
				if !ok {
					return fmt.Errorf("line %d: bad local type %q", rest[0].line, e.atom)
				}
				fn.locals = append(fn.locals, t)
			}
			rest = rest[1:]
		}
		fn.body = rest
	}

	m.internType(key)
	m.funcs = append(m.funcs, fn)
	return nil
}

func (m *moduleBuilder) addImport(f *sexpr) error {
	if len(f.list) != 4 || !f.list[1].isStr || !f.list[2].isStr {
		return fmt.Errorf("line %d: malformed import", f.line)
	}
	desc := f.list[3]
	if desc.head() != "func" {
		return fmt.Errorf("line %d: only function imports are supported", f.line)
	}
	return m.addFunc(desc, f)
}

func (m *moduleBuilder) addMemory(f *sexpr) error {
	if m.hasMemory {
		return fmt.Errorf("line %d: multiple memories", f.line)
	}
	m.hasMemory = true
	fields := f.list[1:]
	for len(fields) > 0 && fields[0].head() == "export" {
		m.memExports = append(m.memExports, fields[0].list[1].atom)
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return fmt.Errorf("line %d: memory needs a minimum size", f.line)
	}
	min, err := parseU32(fields[0].atom)
	if err != nil {
		return fmt.Errorf("line %d: bad memory minimum: %v", f.line, err)
	}
	m.memMin = min
	if len(fields) > 1 {
		max, err := parseU32(fields[1].atom)
		if err != nil {
			return fmt.Errorf("line %d: bad memory maximum: %v", f.line, err)
		}
		m.memMax, m.hasMemMax = max, true
	}
	return nil
}

func (m *moduleBuilder) addGlobal(f *sexpr) error {
	fields := f.list[1:]
	g := &globalDecl{}
	if len(fields) > 0 && fields[0].isAtom && strings.HasPrefix(fields[0].atom, "$") {
		g.name = fields[0].atom
		fields = fields[1:]
	}
	for len(fields) > 0 && fields[0].head() == "export" {
		g.exports = append(g.exports, fields[0].list[1].atom)
		fields = fields[1:]
	}
	if len(fields) != 2 {
		return fmt.Errorf("line %d: malformed global", f.line)
	}
	typeField := fields[0]
	if typeField.head() == "mut" {
		g.mutable = true
		typeField = typeField.list[1]
	}
	t, ok := valType(typeField.atom)
	if !ok {
		return fmt.Errorf("line %d: bad global type", f.line)
	}
	g.valType = t
	g.init = fields[1]
	if g.name != "" {
		m.globalName[g.name] = uint32(len(m.globals))
	}
	m.globals = append(m.globals, g)
	return nil
}

func (m *moduleBuilder) addData(f *sexpr) error {
	if len(f.list) < 2 {
		return fmt.Errorf("line %d: malformed data segment", f.line)
	}
	d := dataDecl{offset: f.list[1]}
	for _, s := range f.list[2:] {
		if !s.isStr {
			return fmt.Errorf("line %d: data segment expects strings", f.line)
		}
		d.bytes = append(d.bytes, s.atom...)
	}
	m.data = append(m.data, d)
	return nil
}

func (m *moduleBuilder) addExport(f *sexpr) error {
	if len(f.list) != 3 || !f.list[1].isStr {
		return fmt.Errorf("line %d: malformed export", f.line)
	}
	desc := f.list[2]
	name := f.list[1].atom
	switch desc.head() {
	case "func":
		// Resolution happens at encode time, after reordering.
		for _, fn := range m.funcs {
			if fn.name == desc.list[1].atom {
				fn.exports = append(fn.exports, name)
				return nil
			}
		}
		return fmt.Errorf("line %d: export of unknown function %s", f.line, desc.list[1].atom)
	case "memory":
		m.memExports = append(m.memExports, name)
		return nil
	case "global":
		for _, g := range m.globals {
			if g.name == desc.list[1].atom {
				g.exports = append(g.exports, name)
				return nil
			}
		}
		return fmt.Errorf("line %d: export of unknown global %s", f.line, desc.list[1].atom)
	}
	return fmt.Errorf("line %d: unsupported export kind %q", f.line, desc.head())
}

func (m *moduleBuilder) resolveFunc(atom string, line int) (uint32, error) {
	if strings.HasPrefix(atom, "$") {
		idx, ok := m.funcNames[atom]
		if !ok {
			return 0, fmt.Errorf("line %d: unknown function %s", line, atom)
		}
		return idx, nil
	}
	return parseU32(atom)
}

func (m *moduleBuilder) resolveGlobal(atom string, line int) (uint32, error) {
	if strings.HasPrefix(atom, "$") {
		idx, ok := m.globalName[atom]
		if !ok {
			return 0, fmt.Errorf("line %d: unknown global %s", line, atom)
		}
		return idx, nil
	}
	return parseU32(atom)
}

// encode serializes the builder into the binary format.
func (m *moduleBuilder) encode() ([]byte, error) {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	section := func(id byte, contents []byte) {
		out = append(out, id)
		out = append(out, leb128.EncodeUint32(uint32(len(contents)))...)
		out = append(out, contents...)
	}

	// Type section.
	var types []byte
	types = append(types, leb128.EncodeUint32(uint32(len(m.typeKeys)))...)
	for _, key := range m.typeKeys {
		b := []byte(key)
		numParams := int(b[0])
		params := b[1 : 1+numParams]
		results := b[2+numParams:]
		types = append(types, 0x60)
		types = append(types, leb128.EncodeUint32(uint32(numParams))...)
		types = append(types, params...)
		types = append(types, leb128.EncodeUint32(uint32(len(results)))...)
		types = append(types, results...)
	}
	section(1, types)

	// Import section.
	var importCount uint32
	var imports []byte
	for _, fn := range m.funcs {
		if fn.imported {
			importCount++
		}
	}
	if importCount > 0 {
		imports = append(imports, leb128.EncodeUint32(importCount)...)
		for _, fn := range m.funcs {
			if !fn.imported {
				continue
			}
			imports = appendName(imports, fn.impModule)
			imports = appendName(imports, fn.impField)
			imports = append(imports, 0x00) // func
			imports = append(imports, leb128.EncodeUint32(m.typeIndex[fn.typeKey])...)
		}
		section(2, imports)
	}

	// Function section.
	var defined []*funcDecl
	for _, fn := range m.funcs {
		if !fn.imported {
			defined = append(defined, fn)
		}
	}
	if len(defined) > 0 {
		var funcs []byte
		funcs = append(funcs, leb128.EncodeUint32(uint32(len(defined)))...)
		for _, fn := range defined {
			funcs = append(funcs, leb128.EncodeUint32(m.typeIndex[fn.typeKey])...)
		}
		section(3, funcs)
	}

	// Memory section.
	if m.hasMemory {
		var mem []byte
		mem = append(mem, 1)
		if m.hasMemMax {
			mem = append(mem, 0x01)
			mem = append(mem, leb128.EncodeUint32(m.memMin)...)
			mem = append(mem, leb128.EncodeUint32(m.memMax)...)
		} else {
			mem = append(mem, 0x00)
			mem = append(mem, leb128.EncodeUint32(m.memMin)...)
		}
		section(5, mem)
	}

	// Global section.
	if len(m.globals) > 0 {
		var globals []byte
		globals = append(globals, leb128.EncodeUint32(uint32(len(m.globals)))...)
		for _, g := range m.globals {
			globals = append(globals, g.valType)
			if g.mutable {
				globals = append(globals, 0x01)
			} else {
				globals = append(globals, 0x00)
			}
			expr, err := m.encodeConstExpr(g.init)
			if err != nil {
				return nil, err
			}
			globals = append(globals, expr...)
		}
		section(6, globals)
	}

	// Export section.
	var exports []byte
	var exportCount uint32
	appendExport := func(name string, kind byte, idx uint32) {
		exports = appendName(exports, name)
		exports = append(exports, kind)
		exports = append(exports, leb128.EncodeUint32(idx)...)
		exportCount++
	}
	for i, fn := range m.funcs {
		for _, name := range fn.exports {
			appendExport(name, 0x00, uint32(i))
		}
	}
	for _, name := range m.memExports {
		appendExport(name, 0x02, 0)
	}
	for i, g := range m.globals {
		for _, name := range g.exports {
			appendExport(name, 0x03, uint32(i))
		}
	}
	if exportCount > 0 {
		section(7, append(leb128.EncodeUint32(exportCount), exports...))
	}

	// Start section.
	if m.start != "" {
		idx, err := m.resolveFunc(m.start, 0)
		if err != nil {
			return nil, err
		}
		section(8, leb128.EncodeUint32(idx))
	}

	// Code section.
	if len(defined) > 0 {
		var code []byte
		code = append(code, leb128.EncodeUint32(uint32(len(defined)))...)
		for _, fn := range defined {
			body, err := m.encodeBody(fn)
			if err != nil {
				return nil, err
			}
			code = append(code, leb128.EncodeUint32(uint32(len(body)))...)
			code = append(code, body...)
		}
		section(10, code)
	}

	// Data section.
	if len(m.data) > 0 {
		var data []byte
		data = append(data, leb128.EncodeUint32(uint32(len(m.data)))...)
		for _, d := range m.data {
			data = append(data, 0x00) // active, memory 0
			expr, err := m.encodeConstExpr(d.offset)
			if err != nil {
				return nil, err
			}
			data = append(data, expr...)
			data = append(data, leb128.EncodeUint32(uint32(len(d.bytes)))...)
			data = append(data, d.bytes...)
		}
		section(11, data)
	}

	return out, nil
}

func appendName(b []byte, name string) []byte {
	b = append(b, leb128.EncodeUint32(uint32(len(name)))...)
	return append(b, name...)
}

// encodeConstExpr handles the (i32.const n) style initializers.
func (m *moduleBuilder) encodeConstExpr(e *sexpr) ([]byte, error) {
	if !e.isList() || len(e.list) != 2 {
		return nil, fmt.Errorf("line %d: expected a constant expression", e.line)
	}
	var out []byte
	switch e.head() {
	case "i32.const":
		v, err := parseI32(e.list[1].atom)
		if err != nil {
			return nil, err
		}
		out = append(out, 0x41)
		out = append(out, leb128.EncodeInt32(v)...)
	case "i64.const":
		v, err := parseI64(e.list[1].atom)
		if err != nil {
			return nil, err
		}
		out = append(out, 0x42)
		out = append(out, leb128.EncodeInt64(v)...)
	case "f32.const":
		v, err := strconv.ParseFloat(e.list[1].atom, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, 0x43)
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
	case "f64.const":
		v, err := strconv.ParseFloat(e.list[1].atom, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, 0x44)
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	default:
		return nil, fmt.Errorf("line %d: unsupported constant expression %q", e.line, e.head())
	}
	return append(out, 0x0b), nil
}

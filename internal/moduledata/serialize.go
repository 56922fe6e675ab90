package moduledata

import (
	"encoding/binary"
	"fmt"

	"github.com/golucet/golucet/api"
)

// The serialized ModuleData layout is a flat little-endian encoding with u32
// length prefixes, the same "write the fields in order" style as the trap
// and manifest sections. Optional values carry a one-byte presence tag.

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}
func (e *encoder) str(s string) { e.bytes([]byte(s)) }

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.fail("truncated module data at offset %d (need %d bytes)", d.off, n)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) str() string { return string(d.bytes()) }

// Serialize encodes the module data into its canonical byte form.
func (m *ModuleData) Serialize() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("serializing invalid module data: %w", err)
	}
	e := &encoder{}

	e.u64(m.HeapSpec.ReservedSize)
	e.u64(m.HeapSpec.GuardSize)
	e.u64(m.HeapSpec.InitialSize)
	e.bool(m.HeapSpec.HasMax)
	e.u64(m.HeapSpec.Max)

	e.u32(uint32(len(m.SparseData.Pages)))
	for _, p := range m.SparseData.Pages {
		if p == nil {
			e.bool(false)
			continue
		}
		e.bool(true)
		e.buf = append(e.buf, p...)
	}

	e.u32(uint32(len(m.GlobalsSpec)))
	for _, g := range m.GlobalsSpec {
		e.u8(uint8(g.Kind))
		e.u64(uint64(g.InitVal))
		e.str(g.Module)
		e.str(g.Field)
		e.str(g.Export)
	}

	e.u32(uint32(len(m.Signatures)))
	for _, s := range m.Signatures {
		e.bytes(s.Params)
		e.u8(s.Ret)
	}

	e.u32(uint32(len(m.FunctionSignatures)))
	for _, idx := range m.FunctionSignatures {
		e.u32(idx)
	}

	e.u32(uint32(len(m.ImportFunctions)))
	for _, imp := range m.ImportFunctions {
		e.str(imp.Module)
		e.str(imp.Field)
		e.str(imp.HostSymbol)
	}

	e.u32(uint32(len(m.ExportFunctions)))
	for _, exp := range m.ExportFunctions {
		e.str(exp.Name)
		e.u32(exp.FuncIndex)
	}

	e.u32(uint32(m.Features))
	return e.buf, nil
}

// Deserialize decodes module data previously produced by Serialize.
func Deserialize(buf []byte) (*ModuleData, error) {
	d := &decoder{buf: buf}
	m := &ModuleData{}

	m.HeapSpec.ReservedSize = d.u64()
	m.HeapSpec.GuardSize = d.u64()
	m.HeapSpec.InitialSize = d.u64()
	m.HeapSpec.HasMax = d.bool()
	m.HeapSpec.Max = d.u64()

	numPages := d.u32()
	if d.err == nil && uint64(numPages) > uint64(len(buf)-d.off) {
		// Every page takes at least its presence byte, so a page count beyond
		// the remaining buffer means corrupt input; fail before allocating
		// for it.
		d.fail("implausible page count %d", numPages)
	}
	if d.err == nil {
		m.SparseData.Pages = make([][]byte, numPages)
		for i := range m.SparseData.Pages {
			if !d.bool() {
				continue
			}
			raw := d.take(PageSize)
			if raw == nil {
				break
			}
			page := make([]byte, PageSize)
			copy(page, raw)
			m.SparseData.Pages[i] = page
		}
	}

	numGlobals := d.u32()
	for i := uint32(0); i < numGlobals && d.err == nil; i++ {
		g := GlobalSpec{
			Kind:    GlobalKind(d.u8()),
			InitVal: int64(d.u64()),
			Module:  d.str(),
			Field:   d.str(),
			Export:  d.str(),
		}
		m.GlobalsSpec = append(m.GlobalsSpec, g)
	}

	numSigs := d.u32()
	for i := uint32(0); i < numSigs && d.err == nil; i++ {
		s := Signature{Params: d.bytes(), Ret: api.ValueType(d.u8())}
		m.Signatures = append(m.Signatures, s)
	}

	numFuncs := d.u32()
	for i := uint32(0); i < numFuncs && d.err == nil; i++ {
		m.FunctionSignatures = append(m.FunctionSignatures, d.u32())
	}

	numImports := d.u32()
	for i := uint32(0); i < numImports && d.err == nil; i++ {
		m.ImportFunctions = append(m.ImportFunctions, ImportFunction{
			Module: d.str(), Field: d.str(), HostSymbol: d.str(),
		})
	}

	numExports := d.u32()
	for i := uint32(0); i < numExports && d.err == nil; i++ {
		m.ExportFunctions = append(m.ExportFunctions, ExportFunction{
			Name: d.str(), FuncIndex: d.u32(),
		})
	}

	m.Features = Features(d.u32())

	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(buf) {
		return nil, fmt.Errorf("%d trailing bytes after module data", len(buf)-d.off)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

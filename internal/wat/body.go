package wat

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tetratelabs/wabin/leb128"
)

// plainOps are the opcodes without immediates.
var plainOps = map[string]byte{
	"unreachable": 0x00,
	"nop":         0x01,
	"else":        0x05,
	"end":         0x0b,
	"return":      0x0f,
	"drop":        0x1a,
	"select":      0x1b,

	"i32.eqz": 0x45, "i32.eq": 0x46, "i32.ne": 0x47,
	"i32.lt_s": 0x48, "i32.lt_u": 0x49, "i32.gt_s": 0x4a, "i32.gt_u": 0x4b,
	"i32.le_s": 0x4c, "i32.le_u": 0x4d, "i32.ge_s": 0x4e, "i32.ge_u": 0x4f,
	"i64.eqz": 0x50, "i64.eq": 0x51, "i64.ne": 0x52,
	"i64.lt_s": 0x53, "i64.lt_u": 0x54, "i64.gt_s": 0x55, "i64.gt_u": 0x56,
	"i64.le_s": 0x57, "i64.le_u": 0x58, "i64.ge_s": 0x59, "i64.ge_u": 0x5a,
	"f32.eq": 0x5b, "f32.ne": 0x5c, "f32.lt": 0x5d, "f32.gt": 0x5e, "f32.le": 0x5f, "f32.ge": 0x60,
	"f64.eq": 0x61, "f64.ne": 0x62, "f64.lt": 0x63, "f64.gt": 0x64, "f64.le": 0x65, "f64.ge": 0x66,

	"i32.clz": 0x67, "i32.ctz": 0x68, "i32.popcnt": 0x69,
	"i32.add": 0x6a, "i32.sub": 0x6b, "i32.mul": 0x6c,
	"i32.div_s": 0x6d, "i32.div_u": 0x6e, "i32.rem_s": 0x6f, "i32.rem_u": 0x70,
	"i32.and": 0x71, "i32.or": 0x72, "i32.xor": 0x73,
	"i32.shl": 0x74, "i32.shr_s": 0x75, "i32.shr_u": 0x76, "i32.rotl": 0x77, "i32.rotr": 0x78,
	"i64.clz": 0x79, "i64.ctz": 0x7a, "i64.popcnt": 0x7b,
	"i64.add": 0x7c, "i64.sub": 0x7d, "i64.mul": 0x7e,
	"i64.div_s": 0x7f, "i64.div_u": 0x80, "i64.rem_s": 0x81, "i64.rem_u": 0x82,
	"i64.and": 0x83, "i64.or": 0x84, "i64.xor": 0x85,
	"i64.shl": 0x86, "i64.shr_s": 0x87, "i64.shr_u": 0x88, "i64.rotl": 0x89, "i64.rotr": 0x8a,

	"f32.abs": 0x8b, "f32.neg": 0x8c, "f32.ceil": 0x8d, "f32.floor": 0x8e,
	"f32.trunc": 0x8f, "f32.nearest": 0x90, "f32.sqrt": 0x91,
	"f32.add": 0x92, "f32.sub": 0x93, "f32.mul": 0x94, "f32.div": 0x95,
	"f32.min": 0x96, "f32.max": 0x97, "f32.copysign": 0x98,
	"f64.abs": 0x99, "f64.neg": 0x9a, "f64.ceil": 0x9b, "f64.floor": 0x9c,
	"f64.trunc": 0x9d, "f64.nearest": 0x9e, "f64.sqrt": 0x9f,
	"f64.add": 0xa0, "f64.sub": 0xa1, "f64.mul": 0xa2, "f64.div": 0xa3,
	"f64.min": 0xa4, "f64.max": 0xa5, "f64.copysign": 0xa6,

	"i32.wrap_i64": 0xa7,
	"i32.trunc_f32_s": 0xa8, "i32.trunc_f32_u": 0xa9,
	"i32.trunc_f64_s": 0xaa, "i32.trunc_f64_u": 0xab,
	"i64.extend_i32_s": 0xac, "i64.extend_i32_u": 0xad,
	"i64.trunc_f32_s": 0xae, "i64.trunc_f32_u": 0xaf,
	"i64.trunc_f64_s": 0xb0, "i64.trunc_f64_u": 0xb1,
	"f32.convert_i32_s": 0xb2, "f32.convert_i32_u": 0xb3,
	"f32.convert_i64_s": 0xb4, "f32.convert_i64_u": 0xb5,
	"f32.demote_f64": 0xb6,
	"f64.convert_i32_s": 0xb7, "f64.convert_i32_u": 0xb8,
	"f64.convert_i64_s": 0xb9, "f64.convert_i64_u": 0xba,
	"f64.promote_f32": 0xbb,
	"i32.reinterpret_f32": 0xbc, "i64.reinterpret_f64": 0xbd,
	"f32.reinterpret_i32": 0xbe, "f64.reinterpret_i64": 0xbf,
	"i32.extend8_s": 0xc0, "i32.extend16_s": 0xc1,
	"i64.extend8_s": 0xc2, "i64.extend16_s": 0xc3, "i64.extend32_s": 0xc4,
}

// memOps are the opcodes followed by a memarg.
var memOps = map[string]byte{
	"i32.load": 0x28, "i64.load": 0x29, "f32.load": 0x2a, "f64.load": 0x2b,
	"i32.load8_s": 0x2c, "i32.load8_u": 0x2d, "i32.load16_s": 0x2e, "i32.load16_u": 0x2f,
	"i64.load8_s": 0x30, "i64.load8_u": 0x31, "i64.load16_s": 0x32, "i64.load16_u": 0x33,
	"i64.load32_s": 0x34, "i64.load32_u": 0x35,
	"i32.store": 0x36, "i64.store": 0x37, "f32.store": 0x38, "f64.store": 0x39,
	"i32.store8": 0x3a, "i32.store16": 0x3b,
	"i64.store8": 0x3c, "i64.store16": 0x3d, "i64.store32": 0x3e,
}

// naturalAlign is the log2 alignment a memarg defaults to.
var naturalAlign = map[string]uint32{
	"i32.load": 2, "i64.load": 3, "f32.load": 2, "f64.load": 3,
	"i32.load8_s": 0, "i32.load8_u": 0, "i32.load16_s": 1, "i32.load16_u": 1,
	"i64.load8_s": 0, "i64.load8_u": 0, "i64.load16_s": 1, "i64.load16_u": 1,
	"i64.load32_s": 2, "i64.load32_u": 2,
	"i32.store": 2, "i64.store": 3, "f32.store": 2, "f64.store": 3,
	"i32.store8": 0, "i32.store16": 1,
	"i64.store8": 0, "i64.store16": 1, "i64.store32": 2,
}

// encodeBody serializes one function's locals and instruction sequence.
func (m *moduleBuilder) encodeBody(fn *funcDecl) ([]byte, error) {
	var out []byte

	// Locals, compressed into runs of equal types.
	type run struct {
		count uint32
		typ   byte
	}
	var runs []run
	for _, t := range fn.locals {
		if len(runs) > 0 && runs[len(runs)-1].typ == t {
			runs[len(runs)-1].count++
		} else {
			runs = append(runs, run{count: 1, typ: t})
		}
	}
	out = append(out, leb128.EncodeUint32(uint32(len(runs)))...)
	for _, r := range runs {
		out = append(out, leb128.EncodeUint32(r.count)...)
		out = append(out, r.typ)
	}

	e := &bodyEncoder{m: m, fn: fn, items: fn.body}
	code, err := e.encode()
	if err != nil {
		return nil, err
	}
	out = append(out, code...)
	out = append(out, 0x0b) // function end
	return out, nil
}

type bodyEncoder struct {
	m     *moduleBuilder
	fn    *funcDecl
	items []*sexpr
	pos   int
	out   []byte
	// labels tracks enclosing block labels, innermost last.
	labels []string
}

func (e *bodyEncoder) encode() ([]byte, error) {
	for e.pos < len(e.items) {
		item := e.items[e.pos]
		e.pos++
		if !item.isAtom {
			return nil, fmt.Errorf("line %d: folded expressions are not supported: %s", item.line, item)
		}
		if err := e.instr(item); err != nil {
			return nil, err
		}
	}
	if len(e.labels) != 0 {
		return nil, fmt.Errorf("unclosed block in function body")
	}
	return e.out, nil
}

func (e *bodyEncoder) peek() *sexpr {
	if e.pos < len(e.items) {
		return e.items[e.pos]
	}
	return nil
}

func (e *bodyEncoder) takeAtom() (*sexpr, error) {
	n := e.peek()
	if n == nil || !n.isAtom {
		return nil, fmt.Errorf("expected an immediate operand")
	}
	e.pos++
	return n, nil
}

func (e *bodyEncoder) u32(v uint32) { e.out = append(e.out, leb128.EncodeUint32(v)...) }

func (e *bodyEncoder) instr(item *sexpr) error {
	op := item.atom
	switch op {
	case "block", "loop", "if":
		switch op {
		case "block":
			e.out = append(e.out, 0x02)
		case "loop":
			e.out = append(e.out, 0x03)
		case "if":
			e.out = append(e.out, 0x04)
		}
		label := ""
		if n := e.peek(); n != nil && n.isAtom && strings.HasPrefix(n.atom, "$") {
			label = n.atom
			e.pos++
		}
		blockType := byte(0x40)
		if n := e.peek(); n != nil && n.head() == "result" {
			t, ok := valType(n.list[1].atom)
			if !ok {
				return fmt.Errorf("line %d: bad block result type", n.line)
			}
			blockType = t
			e.pos++
		}
		e.out = append(e.out, blockType)
		e.labels = append(e.labels, label)
	case "else":
		e.out = append(e.out, 0x05)
	case "end":
		if len(e.labels) == 0 {
			return fmt.Errorf("line %d: end without a block", item.line)
		}
		e.labels = e.labels[:len(e.labels)-1]
		e.out = append(e.out, 0x0b)
	case "br", "br_if":
		if op == "br" {
			e.out = append(e.out, 0x0c)
		} else {
			e.out = append(e.out, 0x0d)
		}
		imm, err := e.takeAtom()
		if err != nil {
			return err
		}
		depth, err := e.resolveLabel(imm)
		if err != nil {
			return err
		}
		e.u32(depth)
	case "call":
		imm, err := e.takeAtom()
		if err != nil {
			return err
		}
		idx, err := e.m.resolveFunc(imm.atom, imm.line)
		if err != nil {
			return err
		}
		e.out = append(e.out, 0x10)
		e.u32(idx)
	case "local.get", "local.set", "local.tee":
		imm, err := e.takeAtom()
		if err != nil {
			return err
		}
		idx, err := e.resolveLocal(imm)
		if err != nil {
			return err
		}
		switch op {
		case "local.get":
			e.out = append(e.out, 0x20)
		case "local.set":
			e.out = append(e.out, 0x21)
		case "local.tee":
			e.out = append(e.out, 0x22)
		}
		e.u32(idx)
	case "global.get", "global.set":
		imm, err := e.takeAtom()
		if err != nil {
			return err
		}
		idx, err := e.m.resolveGlobal(imm.atom, imm.line)
		if err != nil {
			return err
		}
		if op == "global.get" {
			e.out = append(e.out, 0x23)
		} else {
			e.out = append(e.out, 0x24)
		}
		e.u32(idx)
	case "memory.size":
		e.out = append(e.out, 0x3f, 0x00)
	case "memory.grow":
		e.out = append(e.out, 0x40, 0x00)
	case "i32.const":
		imm, err := e.takeAtom()
		if err != nil {
			return err
		}
		v, err := parseI32(imm.atom)
		if err != nil {
			return fmt.Errorf("line %d: bad i32 constant %q", imm.line, imm.atom)
		}
		e.out = append(e.out, 0x41)
		e.out = append(e.out, leb128.EncodeInt32(v)...)
	case "i64.const":
		imm, err := e.takeAtom()
		if err != nil {
			return err
		}
		v, err := parseI64(imm.atom)
		if err != nil {
			return fmt.Errorf("line %d: bad i64 constant %q", imm.line, imm.atom)
		}
		e.out = append(e.out, 0x42)
		e.out = append(e.out, leb128.EncodeInt64(v)...)
	case "f32.const":
		imm, err := e.takeAtom()
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(imm.atom, 32)
		if err != nil {
			return fmt.Errorf("line %d: bad f32 constant %q", imm.line, imm.atom)
		}
		e.out = append(e.out, 0x43)
		e.out = binary.LittleEndian.AppendUint32(e.out, math.Float32bits(float32(v)))
	case "f64.const":
		imm, err := e.takeAtom()
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(imm.atom, 64)
		if err != nil {
			return fmt.Errorf("line %d: bad f64 constant %q", imm.line, imm.atom)
		}
		e.out = append(e.out, 0x44)
		e.out = binary.LittleEndian.AppendUint64(e.out, math.Float64bits(v))
	default:
		if opcode, ok := memOps[op]; ok {
			return e.memArg(op, opcode)
		}
		if opcode, ok := plainOps[op]; ok {
			e.out = append(e.out, opcode)
			return nil
		}
		return fmt.Errorf("line %d: unsupported instruction %q", item.line, op)
	}
	return nil
}

func (e *bodyEncoder) memArg(op string, opcode byte) error {
	offset := uint32(0)
	align := naturalAlign[op]
	for {
		n := e.peek()
		if n == nil || !n.isAtom {
			break
		}
		if v, ok := strings.CutPrefix(n.atom, "offset="); ok {
			parsed, err := parseU32(v)
			if err != nil {
				return fmt.Errorf("line %d: bad offset: %v", n.line, err)
			}
			offset = parsed
			e.pos++
			continue
		}
		if v, ok := strings.CutPrefix(n.atom, "align="); ok {
			parsed, err := parseU32(v)
			if err != nil {
				return fmt.Errorf("line %d: bad align: %v", n.line, err)
			}
			// The binary format wants the exponent.
			exp := uint32(0)
			for parsed > 1 {
				parsed >>= 1
				exp++
			}
			align = exp
			e.pos++
			continue
		}
		break
	}
	e.out = append(e.out, opcode)
	e.u32(align)
	e.u32(offset)
	return nil
}

func (e *bodyEncoder) resolveLabel(imm *sexpr) (uint32, error) {
	if strings.HasPrefix(imm.atom, "$") {
		for i := len(e.labels) - 1; i >= 0; i-- {
			if e.labels[i] == imm.atom {
				return uint32(len(e.labels) - 1 - i), nil
			}
		}
		return 0, fmt.Errorf("line %d: unknown label %s", imm.line, imm.atom)
	}
	return parseU32(imm.atom)
}

func (e *bodyEncoder) resolveLocal(imm *sexpr) (uint32, error) {
	if strings.HasPrefix(imm.atom, "$") {
		idx, ok := e.fn.paramNames[imm.atom]
		if !ok {
			return 0, fmt.Errorf("line %d: unknown local %s", imm.line, imm.atom)
		}
		return idx, nil
	}
	return parseU32(imm.atom)
}

// Package api includes constants and types used by both end-users and internal implementations.
package api

import (
	"fmt"
	"math"
)

// ValueType describes a numeric type used by guest functions. Function
// parameters and results are only definable as a value type.
//
// Note: This is a type alias as it is easier to encode and decode in the
// binary format, and the values match the WebAssembly binary encoding so
// decoded modules translate without a mapping table.
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
//
// Note: This returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// Val is a single typed guest value: an argument to or the result of a guest
// function call. The bit pattern is held in a uint64 regardless of type, the
// same representation guest code uses in registers.
type Val struct {
	Type ValueType
	Bits uint64
}

// I32Val returns a Val holding a 32-bit integer.
func I32Val(v int32) Val { return Val{Type: ValueTypeI32, Bits: uint64(uint32(v))} }

// I64Val returns a Val holding a 64-bit integer.
func I64Val(v int64) Val { return Val{Type: ValueTypeI64, Bits: uint64(v)} }

// F32Val returns a Val holding a 32-bit float.
func F32Val(v float32) Val { return Val{Type: ValueTypeF32, Bits: uint64(math.Float32bits(v))} }

// F64Val returns a Val holding a 64-bit float.
func F64Val(v float64) Val { return Val{Type: ValueTypeF64, Bits: math.Float64bits(v)} }

// I32 interprets the value as a 32-bit integer.
func (v Val) I32() int32 { return int32(uint32(v.Bits)) }

// I64 interprets the value as a 64-bit integer.
func (v Val) I64() int64 { return int64(v.Bits) }

// F32 interprets the value as a 32-bit float.
func (v Val) F32() float32 { return math.Float32frombits(uint32(v.Bits)) }

// F64 interprets the value as a 64-bit float.
func (v Val) F64() float64 { return math.Float64frombits(v.Bits) }

// String implements fmt.Stringer.
func (v Val) String() string {
	switch v.Type {
	case ValueTypeI32:
		return fmt.Sprintf("i32:%d", v.I32())
	case ValueTypeI64:
		return fmt.Sprintf("i64:%d", v.I64())
	case ValueTypeF32:
		return fmt.Sprintf("f32:%g", v.F32())
	case ValueTypeF64:
		return fmt.Sprintf("f64:%g", v.F64())
	}
	return fmt.Sprintf("unknown:%#x", v.Bits)
}

// TrapCode is the type of a guest-observable runtime error. The numeric
// values are stable: they are serialized into compiled artifacts and must not
// be reordered.
type TrapCode uint32

const (
	TrapCodeStackOverflow TrapCode = iota
	TrapCodeHeapOutOfBounds
	// TrapCodeOutOfBounds covers table and generic addressable-region bounds,
	// as opposed to TrapCodeHeapOutOfBounds which is specifically the linear
	// memory bound.
	TrapCodeOutOfBounds
	TrapCodeIndirectCallToNull
	TrapCodeBadSignature
	TrapCodeIntegerOverflow
	TrapCodeIntegerDivByZero
	TrapCodeBadConversionToInteger
	TrapCodeInterrupt
	TrapCodeTableOutOfBounds
	TrapCodeUnreachable

	// TrapCodeHostCallError is not emitted by compiled code: it marks a fault
	// surfaced by a host call returning an error.
	TrapCodeHostCallError TrapCode = 0xffff
)

// String implements fmt.Stringer.
func (t TrapCode) String() string {
	switch t {
	case TrapCodeStackOverflow:
		return "stack_overflow"
	case TrapCodeHeapOutOfBounds:
		return "heap_out_of_bounds"
	case TrapCodeOutOfBounds:
		return "out_of_bounds"
	case TrapCodeIndirectCallToNull:
		return "indirect_call_to_null"
	case TrapCodeBadSignature:
		return "bad_signature"
	case TrapCodeIntegerOverflow:
		return "integer_overflow"
	case TrapCodeIntegerDivByZero:
		return "integer_div_by_zero"
	case TrapCodeBadConversionToInteger:
		return "bad_conversion_to_integer"
	case TrapCodeInterrupt:
		return "interrupt"
	case TrapCodeTableOutOfBounds:
		return "table_out_of_bounds"
	case TrapCodeUnreachable:
		return "unreachable"
	case TrapCodeHostCallError:
		return "hostcall_error"
	}
	return fmt.Sprintf("trap(%d)", uint32(t))
}

package compiler

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tetratelabs/wabin/wasm"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/asm"
	"github.com/golucet/golucet/internal/asm/amd64"
)

func (c *funcCompiler) compileOp(op wasm.Opcode) error {
	switch op {
	case wasm.OpcodeUnreachable:
		c.flushInstrCount()
		c.emitTrap(api.TrapCodeUnreachable)
		c.unreachable = true
	case wasm.OpcodeNop:
	case wasm.OpcodeBlock:
		hasResult, err := c.readBlockType()
		if err != nil {
			return err
		}
		c.flushInstrCount()
		c.frames = append(c.frames, ctrlFrame{kind: ctrlBlock, hasResult: hasResult, entrySP: c.sp})
	case wasm.OpcodeLoop:
		hasResult, err := c.readBlockType()
		if err != nil {
			return err
		}
		c.flushInstrCount()
		head := c.a.CompileStandAlone(amd64.NOP)
		c.frames = append(c.frames, ctrlFrame{kind: ctrlLoop, hasResult: hasResult, entrySP: c.sp, loopHead: head})
	case wasm.OpcodeIf:
		hasResult, err := c.readBlockType()
		if err != nil {
			return err
		}
		c.flushInstrCount()
		c.pop(amd64.RegAX)
		c.a.CompileRegisterToRegister(amd64.TESTL, amd64.RegAX, amd64.RegAX)
		elseJump := c.a.CompileJump(amd64.JEQ)
		c.frames = append(c.frames, ctrlFrame{kind: ctrlIf, hasResult: hasResult, entrySP: c.sp, elseJump: elseJump})
	case wasm.OpcodeElse:
		return c.compileElse()
	case wasm.OpcodeEnd:
		return c.compileEnd(false)
	case wasm.OpcodeBr:
		depth, err := c.readU32()
		if err != nil {
			return err
		}
		c.flushInstrCount()
		if err := c.emitBranch(depth); err != nil {
			return err
		}
		c.unreachable = true
	case wasm.OpcodeBrIf:
		depth, err := c.readU32()
		if err != nil {
			return err
		}
		c.flushInstrCount()
		c.pop(amd64.RegAX)
		c.a.CompileRegisterToRegister(amd64.TESTL, amd64.RegAX, amd64.RegAX)
		skip := c.a.CompileJump(amd64.JEQ)
		if err := c.emitBranch(depth); err != nil {
			return err
		}
		c.a.SetJumpTargetOnNext(skip)
	case wasm.OpcodeReturn:
		c.emitEpilogue()
		c.unreachable = true
	case wasm.OpcodeCall:
		funcIdx, err := c.readU32()
		if err != nil {
			return err
		}
		return c.compileCall(funcIdx)
	case wasm.OpcodeCallIndirect:
		typeIdx, err := c.readU32()
		if err != nil {
			return err
		}
		if _, err := c.readU32(); err != nil { // table index, always 0 in MVP
			return err
		}
		return c.compileCallIndirect(typeIdx)
	case wasm.OpcodeDrop:
		c.a.CompileConstToRegister(amd64.ADDQ, 8, amd64.RegSP)
		c.sp--
	case wasm.OpcodeSelect:
		c.pop(amd64.RegAX) // condition
		c.pop(amd64.RegCX) // value if zero
		c.pop(amd64.RegDX) // value if non-zero
		c.a.CompileRegisterToRegister(amd64.TESTL, amd64.RegAX, amd64.RegAX)
		keep := c.a.CompileJump(amd64.JNE)
		c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegCX, amd64.RegDX)
		c.a.SetJumpTargetOnNext(keep)
		c.push(amd64.RegDX)

	case wasm.OpcodeLocalGet:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegBP, int64(8*idx), amd64.RegAX)
		c.push(amd64.RegAX)
	case wasm.OpcodeLocalSet:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		c.pop(amd64.RegAX)
		c.a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, amd64.RegBP, int64(8*idx))
	case wasm.OpcodeLocalTee:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegSP, 0, amd64.RegAX)
		c.a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, amd64.RegBP, int64(8*idx))
	case wasm.OpcodeGlobalGet:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxGlobalsOffset, amd64.RegR10)
		c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR10, int64(8*idx), amd64.RegAX)
		c.push(amd64.RegAX)
	case wasm.OpcodeGlobalSet:
		idx, err := c.readU32()
		if err != nil {
			return err
		}
		c.pop(amd64.RegAX)
		c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxGlobalsOffset, amd64.RegR10)
		c.a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, amd64.RegR10, int64(8*idx))

	case wasm.OpcodeMemorySize:
		c.pc++ // reserved
		c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxHeapLenOffset, amd64.RegAX)
		c.a.CompileConstToRegister(amd64.SHRQ, 16, amd64.RegAX)
		c.push(amd64.RegAX)
	case wasm.OpcodeMemoryGrow:
		c.pc++ // reserved
		c.flushInstrCount()
		c.pop(amd64.RegAX)
		c.a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, amd64.RegR15, abi.VMCtxExitArgOffset)
		c.a.CompileConstToMemory(amd64.MOVQ, int64(abi.ExitStatusGrowMemory), amd64.RegR15, abi.VMCtxExitStatusOffset)
		c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxBackstopOffset, amd64.RegR11)
		c.a.CompileJumpToRegister(amd64.CALL, amd64.RegR11)
		c.push(amd64.RegAX)

	case wasm.OpcodeI32Const:
		v, err := c.readI32()
		if err != nil {
			return err
		}
		c.a.CompileConstToRegister(amd64.MOVQ, int64(uint32(v)), amd64.RegAX)
		c.push(amd64.RegAX)
	case wasm.OpcodeI64Const:
		v, err := c.readI64()
		if err != nil {
			return err
		}
		c.a.CompileConstToRegister(amd64.MOVQ, v, amd64.RegAX)
		c.push(amd64.RegAX)
	case wasm.OpcodeF32Const:
		bits := binary.LittleEndian.Uint32(c.body[c.pc:])
		c.pc += 4
		c.a.CompileConstToRegister(amd64.MOVQ, int64(bits), amd64.RegAX)
		c.push(amd64.RegAX)
	case wasm.OpcodeF64Const:
		bits := binary.LittleEndian.Uint64(c.body[c.pc:])
		c.pc += 8
		c.a.CompileConstToRegister(amd64.MOVQ, int64(bits), amd64.RegAX)
		c.push(amd64.RegAX)

	default:
		if err, handled := c.compileMemAccess(op); handled {
			return err
		}
		if err, handled := c.compileNumeric(op); handled {
			return err
		}
		return fmt.Errorf("unsupported opcode %#x", op)
	}
	return nil
}

func (c *funcCompiler) compileElse() error {
	f := &c.frames[len(c.frames)-1]
	if f.kind != ctrlIf {
		return fmt.Errorf("else outside an if")
	}
	// Terminate the then-arm with a jump to end, then land the false branch
	// here.
	c.flushInstrCount()
	endJump := c.a.CompileJump(amd64.JMP)
	f.endJumps = append(f.endJumps, endJump)
	c.a.SetJumpTargetOnNext(f.elseJump)
	f.sawElse = true
	c.sp = f.entrySP
	return nil
}

// compileEnd closes the innermost frame. fromUnreachable is true when the
// frame body ended in unreachable code, in which case the operand stack was
// already reconciled by the caller.
func (c *funcCompiler) compileEnd(fromUnreachable bool) error {
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]

	if f.kind == ctrlFunc {
		if !fromUnreachable {
			c.emitEpilogue()
		}
		if c.pc != len(c.body) {
			return fmt.Errorf("trailing bytes after function end")
		}
		return nil
	}

	c.flushInstrCount()
	if f.kind == ctrlIf && !f.sawElse {
		// An if without else: the false branch falls through to here.
		c.a.SetJumpTargetOnNext(f.elseJump)
	}
	if len(f.endJumps) > 0 {
		c.a.SetJumpTargetOnNext(f.endJumps...)
	}
	return nil
}

// emitBranch compiles a br to the frame depth levels up: unwind the operand
// stack to the target depth, carrying the block result when there is one.
func (c *funcCompiler) emitBranch(depth uint32) error {
	if int(depth) >= len(c.frames) {
		return fmt.Errorf("branch depth %d exceeds nesting", depth)
	}
	f := &c.frames[len(c.frames)-1-int(depth)]

	if f.kind == ctrlFunc {
		c.emitEpilogue()
		return nil
	}
	if f.kind == ctrlLoop {
		// Loops take no parameters: drop everything above the loop entry.
		if drop := c.sp - f.entrySP; drop > 0 {
			c.a.CompileConstToRegister(amd64.ADDQ, int64(8*drop), amd64.RegSP)
		}
		j := c.a.CompileJump(amd64.JMP)
		j.AssignJumpTarget(f.loopHead)
		return nil
	}

	targetSP := f.entrySP
	if f.hasResult {
		targetSP++
	}
	drop := c.sp - targetSP
	if drop < 0 {
		return fmt.Errorf("operand stack underflow on branch")
	}
	if f.hasResult && drop > 0 {
		c.a.CompileNoneToRegister(amd64.POPQ, amd64.RegAX)
		c.a.CompileConstToRegister(amd64.ADDQ, int64(8*drop), amd64.RegSP)
		c.a.CompileRegisterToNone(amd64.PUSHQ, amd64.RegAX)
	} else if drop > 0 {
		c.a.CompileConstToRegister(amd64.ADDQ, int64(8*drop), amd64.RegSP)
	}
	j := c.a.CompileJump(amd64.JMP)
	f.endJumps = append(f.endJumps, j)
	return nil
}

func (c *funcCompiler) funcType(funcIdx uint32) (*wasm.FunctionType, error) {
	if funcIdx < c.importCount {
		n := uint32(0)
		for _, imp := range c.mod.ImportSection {
			if imp.Type != wasm.ExternTypeFunc {
				continue
			}
			if n == funcIdx {
				return c.mod.TypeSection[imp.DescFunc], nil
			}
			n++
		}
		return nil, fmt.Errorf("import index %d not found", funcIdx)
	}
	defined := funcIdx - c.importCount
	if defined >= uint32(len(c.mod.FunctionSection)) {
		return nil, fmt.Errorf("function index %d out of range", funcIdx)
	}
	return c.mod.TypeSection[c.mod.FunctionSection[defined]], nil
}

func (c *funcCompiler) compileCall(funcIdx uint32) error {
	typ, err := c.funcType(funcIdx)
	if err != nil {
		return err
	}
	c.flushInstrCount()

	if funcIdx < c.importCount {
		// Hostcall: arguments go through the scratch area, the exit
		// protocol carries the import index, and the backstop switches to
		// the host. The result comes back in AX on resume.
		if len(typ.Params) > abi.ScratchMaxArgs {
			return fmt.Errorf("hostcall with %d args, over the %d maximum", len(typ.Params), abi.ScratchMaxArgs)
		}
		for i := len(typ.Params) - 1; i >= 0; i-- {
			c.pop(amd64.RegAX)
			c.a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, amd64.RegR15, int64(abi.VMCtxScratchBase+8*i))
		}
		c.a.CompileConstToMemory(amd64.MOVQ, int64(abi.ExitStatusHostcall), amd64.RegR15, abi.VMCtxExitStatusOffset)
		c.a.CompileConstToMemory(amd64.MOVQ, int64(funcIdx), amd64.RegR15, abi.VMCtxExitArgOffset)
		c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxBackstopOffset, amd64.RegR11)
		c.a.CompileJumpToRegister(amd64.CALL, amd64.RegR11)
		if len(typ.Results) == 1 {
			c.push(amd64.RegAX)
		}
		return nil
	}

	if len(typ.Params) > maxParams {
		return fmt.Errorf("call with %d params, over the %d maximum", len(typ.Params), maxParams)
	}
	for i := len(typ.Params) - 1; i >= 0; i-- {
		c.pop(gpArgRegs[i])
	}
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegR15, amd64.RegDI)
	c.a.CompileRegisterToNone(amd64.PUSHQ, amd64.RegBP)
	// The callee's address is text base plus its code offset, which is not
	// known until layout: the ADDQ immediate is patched then.
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxTextBaseOffset, amd64.RegR11)
	c.a.CompileConstToRegister(amd64.ADDQ, relocPlaceholder, amd64.RegR11)
	call := c.a.CompileJumpToRegister(amd64.CALL, amd64.RegR11)
	c.relocs = append(c.relocs, callReloc{immEnd: call, target: funcIdx - c.importCount})
	c.a.CompileNoneToRegister(amd64.POPQ, amd64.RegBP)
	if len(typ.Results) == 1 {
		c.push(amd64.RegAX)
	}
	return nil
}

// relocPlaceholder forces the 32-bit immediate form of ADDQ so the patcher
// has four bytes to rewrite.
const relocPlaceholder = int64(0x7fffffff)

func (c *funcCompiler) compileCallIndirect(typeIdx uint32) error {
	if typeIdx >= uint32(len(c.mod.TypeSection)) {
		return fmt.Errorf("type index %d out of range", typeIdx)
	}
	typ := c.mod.TypeSection[typeIdx]
	if len(typ.Params) > maxParams {
		return fmt.Errorf("call_indirect with %d params, over the %d maximum", len(typ.Params), maxParams)
	}
	c.flushInstrCount()

	c.pop(amd64.RegAX) // table index

	// Bounds check against the table length.
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxTableLenOffset, amd64.RegR11)
	c.guardedTrap(amd64.CMPQ, amd64.RegAX, amd64.RegR11, amd64.JCS, api.TrapCodeTableOutOfBounds)

	// Entry address: table base + idx*16.
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxTableOffset, amd64.RegR11)
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegAX, amd64.RegR10)
	c.a.CompileConstToRegister(amd64.SHLQ, 4, amd64.RegR10)
	c.a.CompileRegisterToRegister(amd64.ADDQ, amd64.RegR11, amd64.RegR10)

	// Signature indices must match exactly.
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR10, 0, amd64.RegR11)
	sigIdx := c.sigIndices[typeIdx]
	c.a.CompileConstToRegister(amd64.CMPQ, int64(sigIdx), amd64.RegR11)
	sigOK := c.a.CompileJump(amd64.JEQ)
	c.emitTrap(api.TrapCodeBadSignature)
	c.a.SetJumpTargetOnNext(sigOK)

	// Null entries have a zero function pointer.
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR10, 8, amd64.RegR10)
	c.a.CompileRegisterToRegister(amd64.TESTQ, amd64.RegR10, amd64.RegR10)
	notNull := c.a.CompileJump(amd64.JNE)
	c.emitTrap(api.TrapCodeIndirectCallToNull)
	c.a.SetJumpTargetOnNext(notNull)

	for i := len(typ.Params) - 1; i >= 0; i-- {
		c.pop(gpArgRegs[i])
	}
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegR15, amd64.RegDI)
	c.a.CompileRegisterToNone(amd64.PUSHQ, amd64.RegBP)
	c.a.CompileJumpToRegister(amd64.CALL, amd64.RegR10)
	c.a.CompileNoneToRegister(amd64.POPQ, amd64.RegBP)
	if len(typ.Results) == 1 {
		c.push(amd64.RegAX)
	}
	return nil
}

// memAccessSpec describes one load/store opcode.
type memAccessSpec struct {
	inst  asm.Instruction
	size  int64
	store bool
}

var memAccessSpecs = map[wasm.Opcode]memAccessSpec{
	wasm.OpcodeI32Load:    {inst: amd64.MOVL, size: 4},
	wasm.OpcodeI64Load:    {inst: amd64.MOVQ, size: 8},
	wasm.OpcodeF32Load:    {inst: amd64.MOVL, size: 4},
	wasm.OpcodeF64Load:    {inst: amd64.MOVQ, size: 8},
	wasm.OpcodeI32Load8S:  {inst: amd64.MOVBLSX, size: 1},
	wasm.OpcodeI32Load8U:  {inst: amd64.MOVBLZX, size: 1},
	wasm.OpcodeI32Load16S: {inst: amd64.MOVWLSX, size: 2},
	wasm.OpcodeI32Load16U: {inst: amd64.MOVWLZX, size: 2},
	wasm.OpcodeI64Load8S:  {inst: amd64.MOVBQSX, size: 1},
	wasm.OpcodeI64Load8U:  {inst: amd64.MOVBQZX, size: 1},
	wasm.OpcodeI64Load16S: {inst: amd64.MOVWQSX, size: 2},
	wasm.OpcodeI64Load16U: {inst: amd64.MOVWQZX, size: 2},
	wasm.OpcodeI64Load32S: {inst: amd64.MOVLQSX, size: 4},
	wasm.OpcodeI64Load32U: {inst: amd64.MOVLQZX, size: 4},
	wasm.OpcodeI32Store:   {inst: amd64.MOVL, size: 4, store: true},
	wasm.OpcodeI64Store:   {inst: amd64.MOVQ, size: 8, store: true},
	wasm.OpcodeF32Store:   {inst: amd64.MOVL, size: 4, store: true},
	wasm.OpcodeF64Store:   {inst: amd64.MOVQ, size: 8, store: true},
	wasm.OpcodeI32Store8:  {inst: amd64.MOVB, size: 1, store: true},
	wasm.OpcodeI32Store16: {inst: amd64.MOVW, size: 2, store: true},
	wasm.OpcodeI64Store8:  {inst: amd64.MOVB, size: 1, store: true},
	wasm.OpcodeI64Store16: {inst: amd64.MOVW, size: 2, store: true},
	wasm.OpcodeI64Store32: {inst: amd64.MOVL, size: 4, store: true},
}

// compileMemAccess emits a bounds-checked linear memory access. The heap
// base is the VM context itself.
func (c *funcCompiler) compileMemAccess(op wasm.Opcode) (error, bool) {
	spec, ok := memAccessSpecs[op]
	if !ok {
		return nil, false
	}
	off, err := c.readMemArg()
	if err != nil {
		return err, true
	}

	if spec.store {
		c.pop(amd64.RegCX) // value
	}
	c.pop(amd64.RegAX) // address, zero-extended 32-bit

	// end = addr + offset + size must not pass the committed heap length.
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegAX, amd64.RegR10)
	c.a.CompileConstToRegister(amd64.ADDQ, int64(off)+spec.size, amd64.RegR10)
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxHeapLenOffset, amd64.RegR11)
	c.guardedTrap(amd64.CMPQ, amd64.RegR10, amd64.RegR11, amd64.JLS, api.TrapCodeHeapOutOfBounds)

	if spec.store {
		c.a.CompileRegisterToMemoryWithIndex(spec.inst, amd64.RegCX, amd64.RegR15, int64(off), amd64.RegAX, 1)
	} else {
		c.a.CompileMemoryWithIndexToRegister(spec.inst, amd64.RegR15, int64(off), amd64.RegAX, 1, amd64.RegAX)
		c.push(amd64.RegAX)
	}
	return nil, true
}

// f32SignMask and friends are the bit masks float sign tricks use; floats
// live as bit patterns in general registers outside arithmetic.
const (
	f32SignMask = int64(0x80000000)
	f32AbsMask  = int64(0x7fffffff)
)

var (
	f64SignMask = int64(math.MinInt64)
	f64AbsMask  = int64(math.MaxInt64)
)

func (c *funcCompiler) compileNumeric(op wasm.Opcode) (error, bool) {
	switch op {
	// Integer comparisons.
	case wasm.OpcodeI32Eqz:
		c.pop(amd64.RegAX)
		c.a.CompileRegisterToRegister(amd64.TESTL, amd64.RegAX, amd64.RegAX)
		c.setccPush(amd64.SETEQ)
	case wasm.OpcodeI64Eqz:
		c.pop(amd64.RegAX)
		c.a.CompileRegisterToRegister(amd64.TESTQ, amd64.RegAX, amd64.RegAX)
		c.setccPush(amd64.SETEQ)
	case wasm.OpcodeI32Eq:
		c.intCmp(amd64.CMPL, amd64.SETEQ)
	case wasm.OpcodeI32Ne:
		c.intCmp(amd64.CMPL, amd64.SETNE)
	case wasm.OpcodeI32LtS:
		c.intCmp(amd64.CMPL, amd64.SETLT)
	case wasm.OpcodeI32LtU:
		c.intCmp(amd64.CMPL, amd64.SETCS)
	case wasm.OpcodeI32GtS:
		c.intCmp(amd64.CMPL, amd64.SETGT)
	case wasm.OpcodeI32GtU:
		c.intCmp(amd64.CMPL, amd64.SETHI)
	case wasm.OpcodeI32LeS:
		c.intCmp(amd64.CMPL, amd64.SETLE)
	case wasm.OpcodeI32LeU:
		c.intCmp(amd64.CMPL, amd64.SETLS)
	case wasm.OpcodeI32GeS:
		c.intCmp(amd64.CMPL, amd64.SETGE)
	case wasm.OpcodeI32GeU:
		c.intCmp(amd64.CMPL, amd64.SETCC)
	case wasm.OpcodeI64Eq:
		c.intCmp(amd64.CMPQ, amd64.SETEQ)
	case wasm.OpcodeI64Ne:
		c.intCmp(amd64.CMPQ, amd64.SETNE)
	case wasm.OpcodeI64LtS:
		c.intCmp(amd64.CMPQ, amd64.SETLT)
	case wasm.OpcodeI64LtU:
		c.intCmp(amd64.CMPQ, amd64.SETCS)
	case wasm.OpcodeI64GtS:
		c.intCmp(amd64.CMPQ, amd64.SETGT)
	case wasm.OpcodeI64GtU:
		c.intCmp(amd64.CMPQ, amd64.SETHI)
	case wasm.OpcodeI64LeS:
		c.intCmp(amd64.CMPQ, amd64.SETLE)
	case wasm.OpcodeI64LeU:
		c.intCmp(amd64.CMPQ, amd64.SETLS)
	case wasm.OpcodeI64GeS:
		c.intCmp(amd64.CMPQ, amd64.SETGE)
	case wasm.OpcodeI64GeU:
		c.intCmp(amd64.CMPQ, amd64.SETCC)

	// Float comparisons, with the parity guard for unordered inputs.
	case wasm.OpcodeF32Eq:
		c.floatCmp(amd64.UCOMISS, amd64.SETEQ, 0)
	case wasm.OpcodeF32Ne:
		c.floatCmp(amd64.UCOMISS, amd64.SETNE, 1)
	case wasm.OpcodeF32Lt:
		c.floatCmp(amd64.UCOMISS, amd64.SETCS, 0)
	case wasm.OpcodeF32Gt:
		c.floatCmp(amd64.UCOMISS, amd64.SETHI, 0)
	case wasm.OpcodeF32Le:
		c.floatCmp(amd64.UCOMISS, amd64.SETLS, 0)
	case wasm.OpcodeF32Ge:
		c.floatCmp(amd64.UCOMISS, amd64.SETCC, 0)
	case wasm.OpcodeF64Eq:
		c.floatCmp(amd64.UCOMISD, amd64.SETEQ, 0)
	case wasm.OpcodeF64Ne:
		c.floatCmp(amd64.UCOMISD, amd64.SETNE, 1)
	case wasm.OpcodeF64Lt:
		c.floatCmp(amd64.UCOMISD, amd64.SETCS, 0)
	case wasm.OpcodeF64Gt:
		c.floatCmp(amd64.UCOMISD, amd64.SETHI, 0)
	case wasm.OpcodeF64Le:
		c.floatCmp(amd64.UCOMISD, amd64.SETLS, 0)
	case wasm.OpcodeF64Ge:
		c.floatCmp(amd64.UCOMISD, amd64.SETCC, 0)

	// Integer bit counting.
	case wasm.OpcodeI32Clz:
		c.unaryInt(amd64.LZCNTL)
	case wasm.OpcodeI32Ctz:
		c.unaryInt(amd64.TZCNTL)
	case wasm.OpcodeI32Popcnt:
		c.unaryInt(amd64.POPCNTL)
	case wasm.OpcodeI64Clz:
		c.unaryInt(amd64.LZCNTQ)
	case wasm.OpcodeI64Ctz:
		c.unaryInt(amd64.TZCNTQ)
	case wasm.OpcodeI64Popcnt:
		c.unaryInt(amd64.POPCNTQ)

	// Integer arithmetic. 32-bit forms leave the upper half zero.
	case wasm.OpcodeI32Add:
		c.binaryInt(amd64.ADDL)
	case wasm.OpcodeI32Sub:
		c.binaryInt(amd64.SUBL)
	case wasm.OpcodeI32Mul:
		c.binaryInt(amd64.IMULL)
	case wasm.OpcodeI32And:
		c.binaryInt(amd64.ANDL)
	case wasm.OpcodeI32Or:
		c.binaryInt(amd64.ORL)
	case wasm.OpcodeI32Xor:
		c.binaryInt(amd64.XORL)
	case wasm.OpcodeI64Add:
		c.binaryInt(amd64.ADDQ)
	case wasm.OpcodeI64Sub:
		c.binaryInt(amd64.SUBQ)
	case wasm.OpcodeI64Mul:
		c.binaryInt(amd64.IMULQ)
	case wasm.OpcodeI64And:
		c.binaryInt(amd64.ANDQ)
	case wasm.OpcodeI64Or:
		c.binaryInt(amd64.ORQ)
	case wasm.OpcodeI64Xor:
		c.binaryInt(amd64.XORQ)

	case wasm.OpcodeI32Shl:
		c.shift(amd64.SHLL)
	case wasm.OpcodeI32ShrS:
		c.shift(amd64.SARL)
	case wasm.OpcodeI32ShrU:
		c.shift(amd64.SHRL)
	case wasm.OpcodeI32Rotl:
		c.shift(amd64.ROLL)
	case wasm.OpcodeI32Rotr:
		c.shift(amd64.RORL)
	case wasm.OpcodeI64Shl:
		c.shift(amd64.SHLQ)
	case wasm.OpcodeI64ShrS:
		c.shift(amd64.SARQ)
	case wasm.OpcodeI64ShrU:
		c.shift(amd64.SHRQ)
	case wasm.OpcodeI64Rotl:
		c.shift(amd64.ROLQ)
	case wasm.OpcodeI64Rotr:
		c.shift(amd64.RORQ)

	case wasm.OpcodeI32DivS:
		c.divide(true, true, false)
	case wasm.OpcodeI32DivU:
		c.divide(true, false, false)
	case wasm.OpcodeI32RemS:
		c.divide(true, true, true)
	case wasm.OpcodeI32RemU:
		c.divide(true, false, true)
	case wasm.OpcodeI64DivS:
		c.divide(false, true, false)
	case wasm.OpcodeI64DivU:
		c.divide(false, false, false)
	case wasm.OpcodeI64RemS:
		c.divide(false, true, true)
	case wasm.OpcodeI64RemU:
		c.divide(false, false, true)

	// Float arithmetic.
	case wasm.OpcodeF32Add:
		c.binaryFloat(amd64.ADDSS)
	case wasm.OpcodeF32Sub:
		c.binaryFloat(amd64.SUBSS)
	case wasm.OpcodeF32Mul:
		c.binaryFloat(amd64.MULSS)
	case wasm.OpcodeF32Div:
		c.binaryFloat(amd64.DIVSS)
	case wasm.OpcodeF64Add:
		c.binaryFloat(amd64.ADDSD)
	case wasm.OpcodeF64Sub:
		c.binaryFloat(amd64.SUBSD)
	case wasm.OpcodeF64Mul:
		c.binaryFloat(amd64.MULSD)
	case wasm.OpcodeF64Div:
		c.binaryFloat(amd64.DIVSD)
	case wasm.OpcodeF32Sqrt:
		c.unaryFloat(amd64.SQRTSS)
	case wasm.OpcodeF64Sqrt:
		c.unaryFloat(amd64.SQRTSD)

	case wasm.OpcodeF32Min:
		c.minMaxFloat(amd64.UCOMISS, amd64.MINSS, amd64.ADDSS, amd64.ORPS)
	case wasm.OpcodeF32Max:
		c.minMaxFloat(amd64.UCOMISS, amd64.MAXSS, amd64.ADDSS, amd64.ANDPS)
	case wasm.OpcodeF64Min:
		c.minMaxFloat(amd64.UCOMISD, amd64.MINSD, amd64.ADDSD, amd64.ORPD)
	case wasm.OpcodeF64Max:
		c.minMaxFloat(amd64.UCOMISD, amd64.MAXSD, amd64.ADDSD, amd64.ANDPD)

	case wasm.OpcodeF32Ceil:
		c.roundFloat(amd64.ROUNDSS, 0b10)
	case wasm.OpcodeF32Floor:
		c.roundFloat(amd64.ROUNDSS, 0b01)
	case wasm.OpcodeF32Trunc:
		c.roundFloat(amd64.ROUNDSS, 0b11)
	case wasm.OpcodeF32Nearest:
		c.roundFloat(amd64.ROUNDSS, 0b00)
	case wasm.OpcodeF64Ceil:
		c.roundFloat(amd64.ROUNDSD, 0b10)
	case wasm.OpcodeF64Floor:
		c.roundFloat(amd64.ROUNDSD, 0b01)
	case wasm.OpcodeF64Trunc:
		c.roundFloat(amd64.ROUNDSD, 0b11)
	case wasm.OpcodeF64Nearest:
		c.roundFloat(amd64.ROUNDSD, 0b00)

	// Sign tricks on the bit pattern, no SSE needed.
	case wasm.OpcodeF32Abs:
		c.maskTop(amd64.ANDQ, f32AbsMask)
	case wasm.OpcodeF32Neg:
		c.maskTop(amd64.XORQ, f32SignMask)
	case wasm.OpcodeF64Abs:
		c.maskTop(amd64.ANDQ, f64AbsMask)
	case wasm.OpcodeF64Neg:
		c.maskTop(amd64.XORQ, f64SignMask)
	case wasm.OpcodeF32Copysign:
		c.copysign(f32AbsMask, f32SignMask)
	case wasm.OpcodeF64Copysign:
		c.copysign(f64AbsMask, f64SignMask)

	// Conversions.
	case wasm.OpcodeI32WrapI64:
		c.pop(amd64.RegAX)
		c.a.CompileRegisterToRegister(amd64.MOVLQZX, amd64.RegAX, amd64.RegAX)
		c.push(amd64.RegAX)
	case wasm.OpcodeI64ExtendI32S:
		c.pop(amd64.RegAX)
		c.a.CompileRegisterToRegister(amd64.MOVLQSX, amd64.RegAX, amd64.RegAX)
		c.push(amd64.RegAX)
	case wasm.OpcodeI64ExtendI32U:
		// Already zero-extended in its slot.
	case wasm.OpcodeI32Extend8S:
		c.unaryInt(amd64.MOVBLSX)
	case wasm.OpcodeI32Extend16S:
		c.unaryInt(amd64.MOVWLSX)
	case wasm.OpcodeI64Extend8S:
		c.unaryInt(amd64.MOVBQSX)
	case wasm.OpcodeI64Extend16S:
		c.unaryInt(amd64.MOVWQSX)
	case wasm.OpcodeI64Extend32S:
		c.unaryInt(amd64.MOVLQSX)

	case wasm.OpcodeI32TruncF32S:
		c.truncFloat(amd64.CVTTSS2SL, amd64.UCOMISS, int64(math.Float32bits(math.MinInt32)), true)
	case wasm.OpcodeI32TruncF64S:
		c.truncFloat(amd64.CVTTSD2SL, amd64.UCOMISD, int64(math.Float64bits(math.MinInt32)), true)
	case wasm.OpcodeI64TruncF32S:
		c.truncFloat(amd64.CVTTSS2SQ, amd64.UCOMISS, int64(math.Float32bits(math.MinInt64)), false)
	case wasm.OpcodeI64TruncF64S:
		c.truncFloat(amd64.CVTTSD2SQ, amd64.UCOMISD, int64(math.Float64bits(math.MinInt64)), false)
	case wasm.OpcodeI32TruncF32U:
		c.truncFloatU32(amd64.CVTTSS2SQ)
	case wasm.OpcodeI32TruncF64U:
		c.truncFloatU32(amd64.CVTTSD2SQ)

	case wasm.OpcodeF32ConvertI32S:
		c.convertInt(amd64.CVTSL2SS, false)
	case wasm.OpcodeF32ConvertI32U:
		c.convertInt(amd64.CVTSQ2SS, false) // zero-extended slot makes this exact
	case wasm.OpcodeF32ConvertI64S:
		c.convertInt(amd64.CVTSQ2SS, false)
	case wasm.OpcodeF64ConvertI32S:
		c.convertInt(amd64.CVTSL2SD, true)
	case wasm.OpcodeF64ConvertI32U:
		c.convertInt(amd64.CVTSQ2SD, true)
	case wasm.OpcodeF64ConvertI64S:
		c.convertInt(amd64.CVTSQ2SD, true)

	case wasm.OpcodeF32DemoteF64:
		c.popFloat(amd64.RegX0)
		c.a.CompileRegisterToRegister(amd64.CVTSD2SS, amd64.RegX0, amd64.RegX0)
		c.pushFloat32(amd64.RegX0)
	case wasm.OpcodeF64PromoteF32:
		c.popFloat(amd64.RegX0)
		c.a.CompileRegisterToRegister(amd64.CVTSS2SD, amd64.RegX0, amd64.RegX0)
		c.pushFloat(amd64.RegX0)

	case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeF32ReinterpretI32,
		wasm.OpcodeI64ReinterpretF64, wasm.OpcodeF64ReinterpretI64:
		// Values are bit patterns already.

	default:
		return nil, false
	}
	return nil, true
}

// setccPush materializes a condition into a 0/1 operand.
func (c *funcCompiler) setccPush(setcc asm.Instruction) {
	c.a.CompileNoneToRegister(setcc, amd64.RegAX)
	c.a.CompileRegisterToRegister(amd64.MOVBLZX, amd64.RegAX, amd64.RegAX)
	c.push(amd64.RegAX)
}

func (c *funcCompiler) intCmp(cmp, setcc asm.Instruction) {
	c.pop(amd64.RegCX) // b
	c.pop(amd64.RegAX) // a
	c.a.CompileRegisterToRegister(cmp, amd64.RegAX, amd64.RegCX)
	c.setccPush(setcc)
}

// floatCmp pushes `a cond b` with NaN inputs producing nanResult.
func (c *funcCompiler) floatCmp(ucomi, setcc asm.Instruction, nanResult int64) {
	c.popFloat(amd64.RegX1) // b
	c.popFloat(amd64.RegX0) // a
	c.a.CompileConstToRegister(amd64.MOVQ, nanResult, amd64.RegAX)
	c.a.CompileRegisterToRegister(ucomi, amd64.RegX1, amd64.RegX0) // flags: a ? b
	done := c.a.CompileJump(amd64.JPS)
	c.a.CompileNoneToRegister(setcc, amd64.RegAX)
	c.a.CompileRegisterToRegister(amd64.MOVBLZX, amd64.RegAX, amd64.RegAX)
	c.a.SetJumpTargetOnNext(done)
	c.push(amd64.RegAX)
}

func (c *funcCompiler) unaryInt(inst asm.Instruction) {
	c.pop(amd64.RegAX)
	c.a.CompileRegisterToRegister(inst, amd64.RegAX, amd64.RegAX)
	c.push(amd64.RegAX)
}

func (c *funcCompiler) binaryInt(inst asm.Instruction) {
	c.pop(amd64.RegCX)
	c.pop(amd64.RegAX)
	c.a.CompileRegisterToRegister(inst, amd64.RegCX, amd64.RegAX)
	c.push(amd64.RegAX)
}

func (c *funcCompiler) shift(inst asm.Instruction) {
	c.pop(amd64.RegCX) // count, taken mod width by the instruction
	c.pop(amd64.RegAX)
	c.a.CompileRegisterToRegister(inst, amd64.RegCX, amd64.RegAX)
	c.push(amd64.RegAX)
}

// divide emits the div/rem family with its divide-by-zero and overflow
// traps.
func (c *funcCompiler) divide(is32 bool, signed, rem bool) {
	cmp, test, div, idiv := amd64.CMPQ, amd64.TESTQ, amd64.DIVQ, amd64.IDIVQ
	signExtend := amd64.CQO
	var intMin int64 = math.MinInt64
	if is32 {
		cmp, test, div, idiv = amd64.CMPL, amd64.TESTL, amd64.DIVL, amd64.IDIVL
		signExtend = amd64.CDQ
		intMin = math.MinInt32
	}

	c.pop(amd64.RegCX) // divisor
	c.pop(amd64.RegAX) // dividend

	c.a.CompileRegisterToRegister(test, amd64.RegCX, amd64.RegCX)
	nz := c.a.CompileJump(amd64.JNE)
	c.emitTrap(api.TrapCodeIntegerDivByZero)
	c.a.SetJumpTargetOnNext(nz)

	if signed {
		// Divisor -1 needs care: INT_MIN / -1 overflows; INT_MIN % -1 is 0.
		c.a.CompileConstToRegister(cmp, -1, amd64.RegCX) // flags: -1 ? divisor
		notMinusOne := c.a.CompileJump(amd64.JNE)
		if rem {
			c.a.CompileRegisterToRegister(amd64.XORQ, amd64.RegDX, amd64.RegDX)
			zeroDone := c.a.CompileJump(amd64.JMP)
			c.a.SetJumpTargetOnNext(notMinusOne)
			c.a.CompileStandAlone(signExtend)
			c.a.CompileRegisterToNone(idiv, amd64.RegCX)
			c.a.SetJumpTargetOnNext(zeroDone)
			c.push(amd64.RegDX)
			return
		}
		c.a.CompileConstToRegister(cmp, intMin, amd64.RegAX) // flags: INT_MIN ? dividend
		notOverflow := c.a.CompileJump(amd64.JNE)
		c.emitTrap(api.TrapCodeIntegerOverflow)
		c.a.SetJumpTargetOnNext(notOverflow, notMinusOne)
		c.a.CompileStandAlone(signExtend)
		c.a.CompileRegisterToNone(idiv, amd64.RegCX)
		c.push(amd64.RegAX)
		return
	}

	c.a.CompileRegisterToRegister(amd64.XORQ, amd64.RegDX, amd64.RegDX)
	c.a.CompileRegisterToNone(div, amd64.RegCX)
	if rem {
		c.push(amd64.RegDX)
	} else {
		c.push(amd64.RegAX)
	}
}

func (c *funcCompiler) binaryFloat(inst asm.Instruction) {
	c.popFloat(amd64.RegX1)
	c.popFloat(amd64.RegX0)
	c.a.CompileRegisterToRegister(inst, amd64.RegX1, amd64.RegX0)
	if inst == amd64.ADDSS || inst == amd64.SUBSS || inst == amd64.MULSS || inst == amd64.DIVSS {
		c.pushFloat32(amd64.RegX0)
	} else {
		c.pushFloat(amd64.RegX0)
	}
}

func (c *funcCompiler) unaryFloat(inst asm.Instruction) {
	c.popFloat(amd64.RegX0)
	c.a.CompileRegisterToRegister(inst, amd64.RegX0, amd64.RegX0)
	if inst == amd64.SQRTSS {
		c.pushFloat32(amd64.RegX0)
	} else {
		c.pushFloat(amd64.RegX0)
	}
}

// pushFloat32 pushes the low 32 bits of an XMM register, keeping f32 slots
// zero-extended like every other 32-bit value.
func (c *funcCompiler) pushFloat32(xmm asm.Register) {
	c.a.CompileRegisterToRegister(amd64.MOVQ, xmm, amd64.RegAX)
	c.a.CompileRegisterToRegister(amd64.MOVLQZX, amd64.RegAX, amd64.RegAX)
	c.push(amd64.RegAX)
}

// minMaxFloat implements wasm min/max semantics: NaN propagates, and the
// equal case merges sign bits so ±0 resolves the right way.
func (c *funcCompiler) minMaxFloat(ucomi, minmax, nanOp, equalOp asm.Instruction) {
	c.popFloat(amd64.RegX1) // b
	c.popFloat(amd64.RegX0) // a
	c.a.CompileRegisterToRegister(ucomi, amd64.RegX1, amd64.RegX0)
	nan := c.a.CompileJump(amd64.JPS)
	equal := c.a.CompileJump(amd64.JEQ)
	c.a.CompileRegisterToRegister(minmax, amd64.RegX1, amd64.RegX0)
	done := c.a.CompileJump(amd64.JMP)
	c.a.SetJumpTargetOnNext(nan)
	// Adding propagates a NaN from either side.
	c.a.CompileRegisterToRegister(nanOp, amd64.RegX1, amd64.RegX0)
	done2 := c.a.CompileJump(amd64.JMP)
	c.a.SetJumpTargetOnNext(equal)
	// Equal operands: bitwise or picks -0 for min, and picks +0 for max.
	c.a.CompileRegisterToRegister(equalOp, amd64.RegX1, amd64.RegX0)
	c.a.SetJumpTargetOnNext(done, done2)
	if minmax == amd64.MINSS || minmax == amd64.MAXSS {
		c.pushFloat32(amd64.RegX0)
	} else {
		c.pushFloat(amd64.RegX0)
	}
}

func (c *funcCompiler) roundFloat(inst asm.Instruction, mode byte) {
	c.popFloat(amd64.RegX0)
	c.a.CompileRegisterToRegisterWithMode(inst, amd64.RegX0, amd64.RegX0, mode)
	if inst == amd64.ROUNDSS {
		c.pushFloat32(amd64.RegX0)
	} else {
		c.pushFloat(amd64.RegX0)
	}
}

// maskTop applies an and/xor mask to the top operand's bit pattern.
func (c *funcCompiler) maskTop(inst asm.Instruction, mask int64) {
	c.pop(amd64.RegAX)
	c.a.CompileConstToRegister(amd64.MOVQ, mask, amd64.RegCX)
	c.a.CompileRegisterToRegister(inst, amd64.RegCX, amd64.RegAX)
	c.push(amd64.RegAX)
}

// copysign combines a's magnitude with b's sign, all in general registers.
func (c *funcCompiler) copysign(absMask, signMask int64) {
	c.pop(amd64.RegCX) // b
	c.pop(amd64.RegAX) // a
	c.a.CompileConstToRegister(amd64.MOVQ, absMask, amd64.RegDX)
	c.a.CompileRegisterToRegister(amd64.ANDQ, amd64.RegDX, amd64.RegAX)
	c.a.CompileConstToRegister(amd64.MOVQ, signMask, amd64.RegDX)
	c.a.CompileRegisterToRegister(amd64.ANDQ, amd64.RegDX, amd64.RegCX)
	c.a.CompileRegisterToRegister(amd64.ORQ, amd64.RegCX, amd64.RegAX)
	c.push(amd64.RegAX)
}

// truncFloat converts float to signed integer, trapping on NaN or range
// overflow. The hardware returns the sentinel INT_MIN on any invalid input;
// distinguishing a genuine INT_MIN needs one exact source compare against
// minBits (the float representation of INT_MIN).
func (c *funcCompiler) truncFloat(cvt, ucomi asm.Instruction, minBits int64, is32 bool) {
	c.popFloat(amd64.RegX0)
	c.a.CompileRegisterToRegister(cvt, amd64.RegX0, amd64.RegAX)
	if is32 {
		c.a.CompileConstToRegister(amd64.CMPL, int64(math.MinInt32), amd64.RegAX)
	} else {
		// The 64-bit sentinel does not fit an immediate; compare through DX.
		c.a.CompileConstToRegister(amd64.MOVQ, math.MinInt64, amd64.RegDX)
		c.a.CompileRegisterToRegister(amd64.CMPQ, amd64.RegDX, amd64.RegAX)
	}
	ok := c.a.CompileJump(amd64.JNE)
	c.a.CompileConstToRegister(amd64.MOVQ, minBits, amd64.RegCX)
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegCX, amd64.RegX1)
	c.a.CompileRegisterToRegister(ucomi, amd64.RegX1, amd64.RegX0)
	exactMin := c.a.CompileJump(amd64.JEQ) // NaN fails this via parity
	c.emitTrap(api.TrapCodeBadConversionToInteger)
	c.a.SetJumpTargetOnNext(ok, exactMin)
	if is32 {
		c.a.CompileRegisterToRegister(amd64.MOVLQZX, amd64.RegAX, amd64.RegAX)
	}
	c.push(amd64.RegAX)
}

// truncFloatU32 converts through a 64-bit signed conversion, then requires
// the result to fit in 32 unsigned bits. NaN and out-of-range inputs leave
// high bits set and trap.
func (c *funcCompiler) truncFloatU32(cvt asm.Instruction) {
	c.popFloat(amd64.RegX0)
	c.a.CompileRegisterToRegister(cvt, amd64.RegX0, amd64.RegAX)
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegAX, amd64.RegCX)
	c.a.CompileConstToRegister(amd64.SHRQ, 32, amd64.RegCX)
	c.a.CompileRegisterToRegister(amd64.TESTQ, amd64.RegCX, amd64.RegCX)
	ok := c.a.CompileJump(amd64.JEQ)
	c.emitTrap(api.TrapCodeBadConversionToInteger)
	c.a.SetJumpTargetOnNext(ok)
	c.push(amd64.RegAX)
}

// convertInt converts an integer operand to float. 32-bit unsigned sources
// are exact through the 64-bit signed path because slots are zero-extended.
func (c *funcCompiler) convertInt(cvt asm.Instruction, isF64 bool) {
	c.pop(amd64.RegAX)
	c.a.CompileRegisterToRegister(cvt, amd64.RegAX, amd64.RegX0)
	if isF64 {
		c.pushFloat(amd64.RegX0)
	} else {
		c.pushFloat32(amd64.RegX0)
	}
}

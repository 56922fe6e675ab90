package compiler

import (
	"bytes"
	"fmt"
	"math"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/golucet/golucet/api"
	"github.com/golucet/golucet/internal/abi"
	"github.com/golucet/golucet/internal/asm"
	"github.com/golucet/golucet/internal/asm/amd64"
	"github.com/golucet/golucet/internal/moduledata"
)

// Register conventions for generated code, shared with the context-switch
// trampolines: R15 pins the VM context (heap base), R12 is owned by the
// trampolines and never touched here, RBP addresses the locals frame, and
// the wasm operand stack lives on the native stack via push/pop. Arguments
// travel in SI, DX, CX, R8, R9 with the VM context in DI, all values as
// 64-bit bit patterns.
var gpArgRegs = []asm.Register{amd64.RegSI, amd64.RegDX, amd64.RegCX, amd64.RegR8, amd64.RegR9}

// maxParams is the most parameters a guest function may take: one per
// argument register.
const maxParams = 5

// callReloc records a direct-call displacement to patch once the final text
// layout is known: the 32-bit immediate ending at immEnd becomes the
// callee's text offset.
type callReloc struct {
	immEnd asm.Node
	target uint32 // defined-function index
}

// compiledFunc is one translated function body.
type compiledFunc struct {
	code   []byte
	traps  []moduledata.TrapSite
	relocs []callReloc
}

type ctrlKind byte

const (
	ctrlBlock ctrlKind = iota
	ctrlLoop
	ctrlIf
	ctrlFunc
)

type ctrlFrame struct {
	kind      ctrlKind
	hasResult bool
	// entrySP is the operand depth at frame entry.
	entrySP int
	// endJumps are patched to the instruction after the frame's end.
	endJumps []asm.Node
	// loopHead is the back-edge target for loops.
	loopHead asm.Node
	// elseJump is the branch taken when an if's condition is false.
	elseJump asm.Node
	sawElse  bool
	// dead marks a frame opened inside unreachable code.
	dead bool
}

type funcCompiler struct {
	a   amd64.Assembler
	mod *wasm.Module
	typ *wasm.FunctionType

	body      []byte
	pc        int
	numParams int
	numLocals int

	sp          int
	frames      []ctrlFrame
	unreachable bool

	traps  []trapRecord
	relocs []callReloc

	instrCounting bool
	pending       int64

	funcIdx     uint32
	importCount uint32
	// sigIndices maps type-section indices to module signature indices.
	sigIndices []uint32
}

type trapRecord struct {
	node asm.Node
	code api.TrapCode
}

// compileFunction translates one defined function into machine code.
func compileFunction(mod *wasm.Module, funcIdx uint32, importCount uint32, sigIndices []uint32, instrCounting bool) (*compiledFunc, error) {
	a, err := amd64.NewAssembler()
	if err != nil {
		return nil, err
	}

	code := mod.CodeSection[funcIdx-importCount]
	typ := mod.TypeSection[mod.FunctionSection[funcIdx-importCount]]
	if len(typ.Params) > maxParams {
		return nil, fmt.Errorf("function has %d params, over the %d maximum", len(typ.Params), maxParams)
	}
	if len(typ.Results) > 1 {
		return nil, fmt.Errorf("multi-value results are not supported")
	}

	c := &funcCompiler{
		a:             a,
		mod:           mod,
		typ:           typ,
		funcIdx:       funcIdx,
		body:          code.Body,
		numParams:     len(typ.Params),
		numLocals:     len(typ.Params) + len(code.LocalTypes),
		importCount:   importCount,
		sigIndices:    sigIndices,
		instrCounting: instrCounting,
	}

	c.emitPrologue()
	c.frames = append(c.frames, ctrlFrame{kind: ctrlFunc, hasResult: len(typ.Results) == 1})
	if err := c.compileBody(); err != nil {
		return nil, err
	}

	out, err := a.Assemble()
	if err != nil {
		return nil, err
	}

	cf := &compiledFunc{code: out, relocs: c.relocs}
	for _, t := range c.traps {
		cf.traps = append(cf.traps, moduledata.TrapSite{
			Offset: uint32(t.node.OffsetInBinary()),
			Code:   t.code,
		})
	}
	return cf, nil
}

// emitPrologue pins the VM context, checks the stack bound, and builds the
// locals frame.
func (c *funcCompiler) emitPrologue() {
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegDI, amd64.RegR15)

	// Stack probe: trap before overrunning into the guard page. The slack
	// covers this frame's locals plus breathing room for operands.
	slack := int64(8*c.numLocals) + 4096
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxStackLimitOffset, amd64.RegAX)
	c.a.CompileConstToRegister(amd64.ADDQ, slack, amd64.RegAX)
	ok := c.cmpJump(amd64.CMPQ, amd64.RegSP, amd64.RegAX, amd64.JHI)
	c.emitTrap(api.TrapCodeStackOverflow)
	c.a.SetJumpTargetOnNext(ok)

	if c.numLocals > 0 {
		c.a.CompileConstToRegister(amd64.SUBQ, int64(8*c.numLocals), amd64.RegSP)
	}
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegSP, amd64.RegBP)
	for i := 0; i < c.numParams; i++ {
		c.a.CompileRegisterToMemory(amd64.MOVQ, gpArgRegs[i], amd64.RegBP, int64(8*i))
	}
	if c.numLocals > c.numParams {
		c.a.CompileRegisterToRegister(amd64.XORQ, amd64.RegAX, amd64.RegAX)
		for i := c.numParams; i < c.numLocals; i++ {
			c.a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, amd64.RegBP, int64(8*i))
		}
	}
}

// cmpJump emits a compare and a conditional jump, returning the jump node to
// target later. The jump is taken when `a cond b` holds.
func (c *funcCompiler) cmpJump(cmp asm.Instruction, a, b asm.Register, cond asm.Instruction) asm.Node {
	c.a.CompileRegisterToRegister(cmp, a, b)
	return c.a.CompileJump(cond)
}

// emitTrap writes the trap exit protocol: status, trap code, and the
// faulting site (function index in the high half, trap-site index in the
// low) into the VM context, then a jump through the backstop. The first
// emitted instruction is the recorded trap site.
func (c *funcCompiler) emitTrap(code api.TrapCode) {
	idx := int64(c.funcIdx)<<32 | int64(len(c.traps))
	n := c.a.CompileConstToMemory(amd64.MOVQ, int64(abi.ExitStatusTrap), amd64.RegR15, abi.VMCtxExitStatusOffset)
	c.a.CompileConstToMemory(amd64.MOVQ, int64(code), amd64.RegR15, abi.VMCtxExitArgOffset)
	c.a.CompileConstToMemory(amd64.MOVQ, idx, amd64.RegR15, abi.VMCtxExitArg2Offset)
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxBackstopOffset, amd64.RegR11)
	c.a.CompileJumpToRegister(amd64.JMP, amd64.RegR11)
	c.traps = append(c.traps, trapRecord{node: n, code: code})
}

// guardedTrap emits "if !cond(a, b) then trap": cond is the jump taken in
// the fine case.
func (c *funcCompiler) guardedTrap(cmp asm.Instruction, a, b asm.Register, okCond asm.Instruction, code api.TrapCode) {
	ok := c.cmpJump(cmp, a, b, okCond)
	c.emitTrap(code)
	c.a.SetJumpTargetOnNext(ok)
}

func (c *funcCompiler) push(reg asm.Register) {
	c.a.CompileRegisterToNone(amd64.PUSHQ, reg)
	c.sp++
}

func (c *funcCompiler) pop(reg asm.Register) {
	c.a.CompileNoneToRegister(amd64.POPQ, reg)
	c.sp--
}

// popFloat pops into an XMM register through AX.
func (c *funcCompiler) popFloat(xmm asm.Register) {
	c.pop(amd64.RegAX)
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegAX, xmm)
}

func (c *funcCompiler) pushFloat(xmm asm.Register) {
	c.a.CompileRegisterToRegister(amd64.MOVQ, xmm, amd64.RegAX)
	c.push(amd64.RegAX)
}

// flushInstrCount materializes the pending instruction count into the
// two-field scheme and yields when the bound is exceeded: one add and one
// sign test on the fast path.
func (c *funcCompiler) flushInstrCount() {
	if !c.instrCounting || c.pending == 0 {
		return
	}
	c.a.CompileConstToMemory(amd64.ADDQ, c.pending, amd64.RegR15, abi.VMCtxInstrCountAdjOffset)
	c.pending = 0
	skip := c.a.CompileJump(amd64.JLE)
	c.a.CompileConstToMemory(amd64.MOVQ, int64(abi.ExitStatusYield), amd64.RegR15, abi.VMCtxExitStatusOffset)
	c.a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, abi.VMCtxBackstopOffset, amd64.RegR11)
	c.a.CompileJumpToRegister(amd64.CALL, amd64.RegR11)
	c.a.SetJumpTargetOnNext(skip)
}

// emitEpilogue pops the result, unwinds the frame, and returns.
func (c *funcCompiler) emitEpilogue() {
	c.flushInstrCount()
	if len(c.typ.Results) == 1 {
		c.a.CompileNoneToRegister(amd64.POPQ, amd64.RegAX)
	}
	c.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegBP, amd64.RegSP)
	if c.numLocals > 0 {
		c.a.CompileConstToRegister(amd64.ADDQ, int64(8*c.numLocals), amd64.RegSP)
	}
	c.a.CompileStandAlone(amd64.RET)
}

func (c *funcCompiler) readU32() (uint32, error) {
	v, n, err := leb128.DecodeUint32(bytes.NewReader(c.body[c.pc:]))
	if err != nil {
		return 0, err
	}
	c.pc += int(n)
	return v, nil
}

func (c *funcCompiler) readI32() (int32, error) {
	v, n, err := leb128.DecodeInt32(bytes.NewReader(c.body[c.pc:]))
	if err != nil {
		return 0, err
	}
	c.pc += int(n)
	return v, nil
}

func (c *funcCompiler) readI64() (int64, error) {
	v, n, err := leb128.DecodeInt64(bytes.NewReader(c.body[c.pc:]))
	if err != nil {
		return 0, err
	}
	c.pc += int(n)
	return v, nil
}

// readBlockType accepts only the single-byte forms: empty or one value type.
func (c *funcCompiler) readBlockType() (hasResult bool, err error) {
	b := c.body[c.pc]
	c.pc++
	switch b {
	case 0x40:
		return false, nil
	case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64:
		return true, nil
	}
	return false, fmt.Errorf("multi-value block types are not supported")
}

// readMemArg reads alignment (ignored) and offset.
func (c *funcCompiler) readMemArg() (uint32, error) {
	if _, err := c.readU32(); err != nil {
		return 0, err
	}
	off, err := c.readU32()
	if err != nil {
		return 0, err
	}
	if off > math.MaxInt32 {
		return 0, fmt.Errorf("memory offset %d over the supported maximum", off)
	}
	return off, nil
}

func (c *funcCompiler) compileBody() error {
	for c.pc < len(c.body) {
		op := c.body[c.pc]
		c.pc++

		if c.unreachable {
			if done, err := c.skipUnreachable(op); err != nil {
				return err
			} else if done {
				continue
			}
			// fallthrough: op is an else/end that re-activates emission and
			// was already handled by skipUnreachable.
			continue
		}

		c.pending++
		if err := c.compileOp(op); err != nil {
			return err
		}
	}
	if len(c.frames) != 0 {
		return fmt.Errorf("function body ended inside a block")
	}
	return nil
}

// skipUnreachable tracks nesting without emitting code, until the frame that
// went unreachable is closed (end) or switched (else).
func (c *funcCompiler) skipUnreachable(op wasm.Opcode) (bool, error) {
	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop:
		if _, err := c.readBlockType(); err != nil {
			return false, err
		}
		c.frames = append(c.frames, ctrlFrame{dead: true})
		return true, nil
	case wasm.OpcodeIf:
		if _, err := c.readBlockType(); err != nil {
			return false, err
		}
		c.frames = append(c.frames, ctrlFrame{kind: ctrlIf, dead: true})
		return true, nil
	case wasm.OpcodeElse:
		f := &c.frames[len(c.frames)-1]
		if f.dead {
			return true, nil
		}
		c.unreachable = false
		return false, c.compileElse()
	case wasm.OpcodeEnd:
		f := c.frames[len(c.frames)-1]
		if f.dead {
			c.frames = c.frames[:len(c.frames)-1]
			return true, nil
		}
		c.unreachable = false
		c.sp = f.entrySP
		if f.hasResult {
			// The live predecessors that branched here left the result;
			// account for it without emitting anything.
			c.sp++
		}
		return false, c.compileEnd(true)
	default:
		return true, c.skipImmediates(op)
	}
}

// skipImmediates consumes an opcode's immediates without generating code.
func (c *funcCompiler) skipImmediates(op wasm.Opcode) error {
	switch op {
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall,
		wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
		wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		_, err := c.readU32()
		return err
	case wasm.OpcodeCallIndirect:
		if _, err := c.readU32(); err != nil {
			return err
		}
		_, err := c.readU32()
		return err
	case wasm.OpcodeBrTable:
		n, err := c.readU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := c.readU32(); err != nil {
				return err
			}
		}
		return nil
	case wasm.OpcodeI32Const:
		_, err := c.readI32()
		return err
	case wasm.OpcodeI64Const:
		_, err := c.readI64()
		return err
	case wasm.OpcodeF32Const:
		c.pc += 4
		return nil
	case wasm.OpcodeF64Const:
		c.pc += 8
		return nil
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		c.pc++ // reserved byte
		return nil
	default:
		if op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32 {
			if _, err := c.readU32(); err != nil {
				return err
			}
			_, err := c.readU32()
			return err
		}
		return nil
	}
}

// Package amd64 implements the assembler interface for x86-64 on top of the
// golang-asm library, which reuses the Go toolchain's instruction encoder.
package amd64

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/golucet/golucet/internal/asm"
)

// Assembler is the amd64-specific assembler surface: the common base plus
// the few shapes only this architecture needs.
type Assembler interface {
	asm.AssemblerBase
	// CompileRegisterToNone adds an instruction with a register source and
	// no destination, e.g. PUSHQ and the one-operand divides.
	CompileRegisterToNone(instruction asm.Instruction, register asm.Register)
	// CompileNoneToRegister adds an instruction with only a register
	// destination, e.g. POPQ and SETcc.
	CompileNoneToRegister(instruction asm.Instruction, register asm.Register)
	// CompileRegisterToRegisterWithMode adds an instruction carrying an
	// extra immediate mode, e.g. ROUNDSD's rounding mode.
	CompileRegisterToRegisterWithMode(instruction asm.Instruction, from, to asm.Register, mode byte)
	// CompileConstToMemory adds an instruction with a constant source and
	// the memory destination baseReg+offset.
	CompileConstToMemory(instruction asm.Instruction, value asm.ConstantValue, baseReg asm.Register, offset asm.ConstantValue) asm.Node
}

// NewAssembler returns an Assembler backed by golang-asm.
func NewAssembler() (Assembler, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("creating assembly builder: %w", err)
	}
	return &assemblerImpl{builder: b}, nil
}

// node implements asm.Node over an obj.Prog.
type node struct {
	prog *obj.Prog
}

// String implements fmt.Stringer.
func (n *node) String() string { return n.prog.String() }

// OffsetInBinary implements asm.Node.
func (n *node) OffsetInBinary() asm.NodeOffsetInBinary {
	return asm.NodeOffsetInBinary(n.prog.Pc)
}

// AssignJumpTarget implements asm.Node.
func (n *node) AssignJumpTarget(target asm.Node) {
	n.prog.To.SetTarget(target.(*node).prog)
}

type assemblerImpl struct {
	builder *goasm.Builder
	// pendingJumpTargets holds branch nodes whose destination is the next
	// instruction added.
	pendingJumpTargets []asm.Node
	err                error
}

func (a *assemblerImpl) newProg(inst asm.Instruction) *obj.Prog {
	p := a.builder.NewProg()
	as, ok := castAsGolangAsmInstruction[inst]
	if !ok && a.err == nil {
		a.err = fmt.Errorf("unsupported instruction %d", inst)
	}
	p.As = as
	return p
}

func (a *assemblerImpl) addInstruction(p *obj.Prog) {
	a.builder.AddInstruction(p)
	for _, n := range a.pendingJumpTargets {
		n.(*node).prog.To.SetTarget(p)
	}
	a.pendingJumpTargets = a.pendingJumpTargets[:0]
}

// Assemble implements asm.AssemblerBase.
func (a *assemblerImpl) Assemble() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	if len(a.pendingJumpTargets) > 0 {
		return nil, fmt.Errorf("%d branches have no jump target", len(a.pendingJumpTargets))
	}
	return a.builder.Assemble(), nil
}

// SetJumpTargetOnNext implements asm.AssemblerBase.
func (a *assemblerImpl) SetJumpTargetOnNext(nodes ...asm.Node) {
	a.pendingJumpTargets = append(a.pendingJumpTargets, nodes...)
}

// CompileStandAlone implements asm.AssemblerBase.
func (a *assemblerImpl) CompileStandAlone(inst asm.Instruction) asm.Node {
	p := a.newProg(inst)
	a.addInstruction(p)
	return &node{prog: p}
}

// CompileConstToRegister implements asm.AssemblerBase.
func (a *assemblerImpl) CompileConstToRegister(inst asm.Instruction, value asm.ConstantValue, dst asm.Register) asm.Node {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[dst]
	a.addInstruction(p)
	return &node{prog: p}
}

// CompileRegisterToRegister implements asm.AssemblerBase.
func (a *assemblerImpl) CompileRegisterToRegister(inst asm.Instruction, from, to asm.Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[from]
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[to]
	a.addInstruction(p)
}

// CompileMemoryToRegister implements asm.AssemblerBase.
func (a *assemblerImpl) CompileMemoryToRegister(inst asm.Instruction, srcBase asm.Register, srcOffset asm.ConstantValue, dst asm.Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister[srcBase]
	p.From.Offset = srcOffset
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[dst]
	a.addInstruction(p)
}

// CompileRegisterToMemory implements asm.AssemblerBase.
func (a *assemblerImpl) CompileRegisterToMemory(inst asm.Instruction, src, dstBase asm.Register, dstOffset asm.ConstantValue) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[src]
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister[dstBase]
	p.To.Offset = dstOffset
	a.addInstruction(p)
}

// CompileJump implements asm.AssemblerBase.
func (a *assemblerImpl) CompileJump(inst asm.Instruction) asm.Node {
	p := a.newProg(inst)
	p.To.Type = obj.TYPE_BRANCH
	a.addInstruction(p)
	return &node{prog: p}
}

// CompileJumpToRegister implements asm.AssemblerBase.
func (a *assemblerImpl) CompileJumpToRegister(inst asm.Instruction, reg asm.Register) asm.Node {
	p := a.newProg(inst)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[reg]
	a.addInstruction(p)
	return &node{prog: p}
}

// CompileMemoryWithIndexToRegister implements asm.AssemblerBase.
func (a *assemblerImpl) CompileMemoryWithIndexToRegister(inst asm.Instruction, srcBase asm.Register, srcOffset asm.ConstantValue, srcIndex asm.Register, srcScale int16, dst asm.Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister[srcBase]
	p.From.Offset = srcOffset
	p.From.Index = castAsGolangAsmRegister[srcIndex]
	p.From.Scale = srcScale
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[dst]
	a.addInstruction(p)
}

// CompileRegisterToMemoryWithIndex implements asm.AssemblerBase.
func (a *assemblerImpl) CompileRegisterToMemoryWithIndex(inst asm.Instruction, src, dstBase asm.Register, dstOffset asm.ConstantValue, dstIndex asm.Register, dstScale int16) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[src]
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister[dstBase]
	p.To.Offset = dstOffset
	p.To.Index = castAsGolangAsmRegister[dstIndex]
	p.To.Scale = dstScale
	a.addInstruction(p)
}

// CompileConstToMemory implements Assembler.
func (a *assemblerImpl) CompileConstToMemory(inst asm.Instruction, value asm.ConstantValue, baseReg asm.Register, offset asm.ConstantValue) asm.Node {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister[baseReg]
	p.To.Offset = offset
	a.addInstruction(p)
	return &node{prog: p}
}

// CompileRegisterToNone implements Assembler.
func (a *assemblerImpl) CompileRegisterToNone(inst asm.Instruction, reg asm.Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[reg]
	p.To.Type = obj.TYPE_NONE
	a.addInstruction(p)
}

// CompileNoneToRegister implements Assembler.
func (a *assemblerImpl) CompileNoneToRegister(inst asm.Instruction, reg asm.Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_NONE
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[reg]
	a.addInstruction(p)
}

// CompileRegisterToRegisterWithMode implements Assembler.
func (a *assemblerImpl) CompileRegisterToRegisterWithMode(inst asm.Instruction, from, to asm.Register, mode byte) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(mode)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[to]
	p.RestArgs = append(p.RestArgs,
		obj.Addr{Reg: castAsGolangAsmRegister[from], Type: obj.TYPE_REG})
	a.addInstruction(p)
}

// castAsGolangAsmRegister maps our registers to golang-asm register values.
var castAsGolangAsmRegister = [...]int16{
	RegAX:  x86.REG_AX,
	RegCX:  x86.REG_CX,
	RegDX:  x86.REG_DX,
	RegBX:  x86.REG_BX,
	RegSP:  x86.REG_SP,
	RegBP:  x86.REG_BP,
	RegSI:  x86.REG_SI,
	RegDI:  x86.REG_DI,
	RegR8:  x86.REG_R8,
	RegR9:  x86.REG_R9,
	RegR10: x86.REG_R10,
	RegR11: x86.REG_R11,
	RegR12: x86.REG_R12,
	RegR13: x86.REG_R13,
	RegR14: x86.REG_R14,
	RegR15: x86.REG_R15,
	RegX0:  x86.REG_X0,
	RegX1:  x86.REG_X1,
	RegX2:  x86.REG_X2,
	RegX3:  x86.REG_X3,
	RegX4:  x86.REG_X4,
	RegX5:  x86.REG_X5,
	RegX6:  x86.REG_X6,
	RegX7:  x86.REG_X7,
}

// castAsGolangAsmInstruction maps our instructions to golang-asm values.
var castAsGolangAsmInstruction = map[asm.Instruction]obj.As{
	NOP:       obj.ANOP,
	RET:       obj.ARET,
	JMP:       obj.AJMP,
	CALL:      obj.ACALL,
	UD2:       x86.AUD2,
	MOVB:      x86.AMOVB,
	MOVW:      x86.AMOVW,
	MOVL:      x86.AMOVL,
	MOVQ:      x86.AMOVQ,
	MOVBLSX:   x86.AMOVBLSX,
	MOVBLZX:   x86.AMOVBLZX,
	MOVBQSX:   x86.AMOVBQSX,
	MOVBQZX:   x86.AMOVBQZX,
	MOVWLSX:   x86.AMOVWLSX,
	MOVWLZX:   x86.AMOVWLZX,
	MOVWQSX:   x86.AMOVWQSX,
	MOVWQZX:   x86.AMOVWQZX,
	MOVLQSX:   x86.AMOVLQSX,
	MOVLQZX:   x86.AMOVLQZX,
	ADDL:      x86.AADDL,
	ADDQ:      x86.AADDQ,
	SUBL:      x86.ASUBL,
	SUBQ:      x86.ASUBQ,
	IMULL:     x86.AIMULL,
	IMULQ:     x86.AIMULQ,
	ANDL:      x86.AANDL,
	ANDQ:      x86.AANDQ,
	ORL:       x86.AORL,
	ORQ:       x86.AORQ,
	XORL:      x86.AXORL,
	XORQ:      x86.AXORQ,
	SHLL:      x86.ASHLL,
	SHLQ:      x86.ASHLQ,
	SHRL:      x86.ASHRL,
	SHRQ:      x86.ASHRQ,
	SARL:      x86.ASARL,
	SARQ:      x86.ASARQ,
	ROLL:      x86.AROLL,
	ROLQ:      x86.AROLQ,
	RORL:      x86.ARORL,
	RORQ:      x86.ARORQ,
	NEGL:      x86.ANEGL,
	NEGQ:      x86.ANEGQ,
	CMPL:      x86.ACMPL,
	CMPQ:      x86.ACMPQ,
	TESTL:     x86.ATESTL,
	TESTQ:     x86.ATESTQ,
	CDQ:       x86.ACDQ,
	CQO:       x86.ACQO,
	DIVL:      x86.ADIVL,
	DIVQ:      x86.ADIVQ,
	IDIVL:     x86.AIDIVL,
	IDIVQ:     x86.AIDIVQ,
	LZCNTL:    x86.ALZCNTL,
	LZCNTQ:    x86.ALZCNTQ,
	TZCNTL:    x86.ATZCNTL,
	TZCNTQ:    x86.ATZCNTQ,
	POPCNTL:   x86.APOPCNTL,
	POPCNTQ:   x86.APOPCNTQ,
	PUSHQ:     x86.APUSHQ,
	POPQ:      x86.APOPQ,
	LEAQ:      x86.ALEAQ,
	SETEQ:     x86.ASETEQ,
	SETNE:     x86.ASETNE,
	SETLT:     x86.ASETLT,
	SETLE:     x86.ASETLE,
	SETGT:     x86.ASETGT,
	SETGE:     x86.ASETGE,
	SETCS:     x86.ASETCS,
	SETLS:     x86.ASETLS,
	SETHI:     x86.ASETHI,
	SETCC:     x86.ASETCC,
	JEQ:       x86.AJEQ,
	JNE:       x86.AJNE,
	JLT:       x86.AJLT,
	JLE:       x86.AJLE,
	JGT:       x86.AJGT,
	JGE:       x86.AJGE,
	JCS:       x86.AJCS,
	JLS:       x86.AJLS,
	JHI:       x86.AJHI,
	JCC:       x86.AJCC,
	JMI:       x86.AJMI,
	JPL:       x86.AJPL,
	JPS:       x86.AJPS,
	MOVSS:     x86.AMOVSS,
	MOVSD:     x86.AMOVSD,
	ADDSS:     x86.AADDSS,
	ADDSD:     x86.AADDSD,
	SUBSS:     x86.ASUBSS,
	SUBSD:     x86.ASUBSD,
	MULSS:     x86.AMULSS,
	MULSD:     x86.AMULSD,
	DIVSS:     x86.ADIVSS,
	DIVSD:     x86.ADIVSD,
	SQRTSS:    x86.ASQRTSS,
	SQRTSD:    x86.ASQRTSD,
	MINSS:     x86.AMINSS,
	MINSD:     x86.AMINSD,
	MAXSS:     x86.AMAXSS,
	MAXSD:     x86.AMAXSD,
	UCOMISS:   x86.AUCOMISS,
	UCOMISD:   x86.AUCOMISD,
	XORPS:     x86.AXORPS,
	XORPD:     x86.AXORPD,
	ANDPS:     x86.AANDPS,
	ANDPD:     x86.AANDPD,
	ORPS:      x86.AORPS,
	ORPD:      x86.AORPD,
	ROUNDSS:   x86.AROUNDSS,
	ROUNDSD:   x86.AROUNDSD,
	CVTSS2SD:  x86.ACVTSS2SD,
	CVTSD2SS:  x86.ACVTSD2SS,
	CVTSL2SS:  x86.ACVTSL2SS,
	CVTSL2SD:  x86.ACVTSL2SD,
	CVTSQ2SS:  x86.ACVTSQ2SS,
	CVTSQ2SD:  x86.ACVTSQ2SD,
	CVTTSS2SL: x86.ACVTTSS2SL,
	CVTTSS2SQ: x86.ACVTTSS2SQ,
	CVTTSD2SL: x86.ACVTTSD2SL,
	CVTTSD2SQ: x86.ACVTTSD2SQ,
}

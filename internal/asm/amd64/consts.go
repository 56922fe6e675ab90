package amd64

import "github.com/golucet/golucet/internal/asm"

// amd64 general-purpose and SSE registers.
const (
	RegAX asm.Register = iota + 1 // zero is asm.NilRegister
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegX0
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
)

// amd64 instructions, the subset the code generator emits.
const (
	NOP asm.Instruction = iota
	RET
	JMP
	UD2
	CALL

	MOVB
	MOVW
	MOVL
	MOVQ
	MOVBLSX
	MOVBLZX
	MOVBQSX
	MOVBQZX
	MOVWLSX
	MOVWLZX
	MOVWQSX
	MOVWQZX
	MOVLQSX
	MOVLQZX

	ADDL
	ADDQ
	SUBL
	SUBQ
	IMULL
	IMULQ
	ANDL
	ANDQ
	ORL
	ORQ
	XORL
	XORQ
	SHLL
	SHLQ
	SHRL
	SHRQ
	SARL
	SARQ
	ROLL
	ROLQ
	RORL
	RORQ
	NEGL
	NEGQ

	CMPL
	CMPQ
	TESTL
	TESTQ

	CDQ
	CQO
	DIVL
	DIVQ
	IDIVL
	IDIVQ

	LZCNTL
	LZCNTQ
	TZCNTL
	TZCNTQ
	POPCNTL
	POPCNTQ

	PUSHQ
	POPQ
	LEAQ

	SETEQ
	SETNE
	SETLT
	SETLE
	SETGT
	SETGE
	SETCS
	SETLS
	SETHI
	SETCC

	JEQ
	JNE
	JLT
	JLE
	JGT
	JGE
	JCS
	JLS
	JHI
	JCC
	JMI
	JPL
	JPS

	MOVSS
	MOVSD
	ADDSS
	ADDSD
	SUBSS
	SUBSD
	MULSS
	MULSD
	DIVSS
	DIVSD
	SQRTSS
	SQRTSD
	MINSS
	MINSD
	MAXSS
	MAXSD
	UCOMISS
	UCOMISD
	XORPS
	XORPD
	ANDPS
	ANDPD
	ORPS
	ORPD
	ROUNDSS
	ROUNDSD
	CVTSS2SD
	CVTSD2SS
	CVTSL2SS
	CVTSL2SD
	CVTSQ2SS
	CVTSQ2SD
	CVTTSS2SL
	CVTTSS2SQ
	CVTTSD2SL
	CVTTSD2SQ

	instructionEnd
)

// Package asm declares the architecture-independent assembler surface the
// compiler emits code through. Architecture packages (amd64) provide the
// implementation on top of the golang-asm library.
package asm

import "fmt"

// Register represents architecture-specific registers.
type Register byte

// NilRegister is the only architecture-independent register, and can be used
// to indicate that no register is specified.
const NilRegister Register = 0

// Instruction represents architecture-specific instructions.
type Instruction byte

// ConstantValue represents a constant value used in an instruction.
type ConstantValue = int64

// NodeOffsetInBinary represents an offset of a node in the final binary.
type NodeOffsetInBinary = uint64

// Node represents a node in the linked list of assembled operations.
type Node interface {
	fmt.Stringer
	// AssignJumpTarget assigns the given target node as the destination of
	// jump instruction for this node.
	AssignJumpTarget(target Node)
	// OffsetInBinary returns the offset of this node in the assembled
	// binary. Only valid after Assemble.
	OffsetInBinary() NodeOffsetInBinary
}

// AssemblerBase is the common interface among architectures.
type AssemblerBase interface {
	// Assemble produces the final binary for the assembled operations.
	Assemble() ([]byte, error)
	// SetJumpTargetOnNext instructs the assembler that the next node must be
	// assigned as the given nodes' jump destination.
	SetJumpTargetOnNext(nodes ...Node)
	// CompileStandAlone adds an instruction taking no arguments.
	CompileStandAlone(instruction Instruction) Node
	// CompileConstToRegister adds an instruction with a constant source and
	// register destination.
	CompileConstToRegister(instruction Instruction, value ConstantValue, destinationReg Register) Node
	// CompileRegisterToRegister adds an instruction with register source and
	// destination.
	CompileRegisterToRegister(instruction Instruction, from, to Register)
	// CompileMemoryToRegister adds an instruction whose source is the memory
	// address sourceBaseReg+sourceOffsetConst.
	CompileMemoryToRegister(instruction Instruction, sourceBaseReg Register, sourceOffsetConst ConstantValue, destinationReg Register)
	// CompileRegisterToMemory adds an instruction whose destination is the
	// memory address destinationBaseReg+destinationOffsetConst.
	CompileRegisterToMemory(instruction Instruction, sourceRegister, destinationBaseReg Register, destinationOffsetConst ConstantValue)
	// CompileJump adds a jump-type instruction whose target is assigned
	// later, and returns its Node.
	CompileJump(jmpInstruction Instruction) Node
	// CompileJumpToRegister adds a jump- or call-type instruction whose
	// destination is held in reg, returning its Node.
	CompileJumpToRegister(jmpInstruction Instruction, reg Register) Node
	// CompileMemoryWithIndexToRegister adds an instruction whose source is
	// the memory address sourceBaseReg + sourceOffsetConst +
	// sourceIndexReg*sourceScale.
	CompileMemoryWithIndexToRegister(instruction Instruction, sourceBaseReg Register, sourceOffsetConst ConstantValue, sourceIndexReg Register, sourceScale int16, destinationReg Register)
	// CompileRegisterToMemoryWithIndex adds an instruction whose destination
	// is the memory address dstBaseReg + dstOffsetConst + dstIndexReg*dstScale.
	CompileRegisterToMemoryWithIndex(instruction Instruction, srcReg, dstBaseReg Register, dstOffsetConst ConstantValue, dstIndexReg Register, dstScale int16)
}

package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssembleBasicSequence(t *testing.T) {
	a, err := NewAssembler()
	require.NoError(t, err)

	a.CompileConstToRegister(MOVQ, 42, RegAX)
	a.CompileRegisterToRegister(ADDQ, RegCX, RegAX)
	mark := a.CompileStandAlone(NOP)
	a.CompileStandAlone(RET)

	code, err := a.Assemble()
	require.NoError(t, err)
	require.NotEmpty(t, code)
	// The marker sits after the mov and add encodings.
	require.Greater(t, mark.OffsetInBinary(), uint64(0))
	require.Less(t, mark.OffsetInBinary(), uint64(len(code)))
}

func TestAssembleForwardJump(t *testing.T) {
	a, err := NewAssembler()
	require.NoError(t, err)

	a.CompileRegisterToRegister(TESTQ, RegAX, RegAX)
	j := a.CompileJump(JEQ)
	a.CompileConstToRegister(MOVQ, 1, RegAX)
	a.SetJumpTargetOnNext(j)
	a.CompileStandAlone(RET)

	code, err := a.Assemble()
	require.NoError(t, err)
	require.NotEmpty(t, code)
}

func TestAssembleDanglingJumpTarget(t *testing.T) {
	a, err := NewAssembler()
	require.NoError(t, err)

	j := a.CompileJump(JMP)
	a.SetJumpTargetOnNext(j)

	// No instruction ever followed, so the branch has no destination.
	_, err = a.Assemble()
	require.Error(t, err)
}

func TestUnsupportedInstruction(t *testing.T) {
	a, err := NewAssembler()
	require.NoError(t, err)
	a.CompileStandAlone(instructionEnd)
	_, err = a.Assemble()
	require.Error(t, err)
}

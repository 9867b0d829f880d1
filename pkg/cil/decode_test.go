package cil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_OperandSizes(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		expected []Instruction
	}{
		{
			name: "no operand",
			code: []byte{0x00, 0x2A},
			expected: []Instruction{
				{Offset: 0, OpCode: Nop, size: 1},
				{Offset: 1, OpCode: Ret, size: 1},
			},
		},
		{
			name: "short var and short immediate",
			code: []byte{0x11, 0x05, 0x1F, 0xFE},
			expected: []Instruction{
				{Offset: 0, OpCode: LdlocS, Operand: 5, size: 2},
				{Offset: 2, OpCode: 0x1F, Operand: -2, size: 2},
			},
		},
		{
			name: "four byte immediate and token",
			code: []byte{0x20, 0x78, 0x56, 0x34, 0x12, 0x28, 0x01, 0x00, 0x00, 0x06},
			expected: []Instruction{
				{Offset: 0, OpCode: LdcI4, Operand: 0x12345678, size: 5},
				{Offset: 5, OpCode: Call, Operand: 0x06000001, size: 5},
			},
		},
		{
			name: "eight byte immediate",
			code: []byte{0x21, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			expected: []Instruction{
				{Offset: 0, OpCode: 0x21, Operand: -1, size: 9},
			},
		},
		{
			name: "two byte opcodes",
			code: []byte{0xFE, 0x1A, 0xFE, 0x0C, 0x02, 0x01},
			expected: []Instruction{
				{Offset: 0, OpCode: Rethrow, size: 2},
				{Offset: 2, OpCode: Ldloc, Operand: 0x0102, size: 4},
			},
		},
		{
			name: "switch table",
			code: []byte{0x45, 0x02, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0x00},
			expected: []Instruction{
				{Offset: 0, OpCode: Switch, Operand: 2, Switch: []int32{1, -1}, size: 13},
				{Offset: 13, OpCode: Nop, size: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAll(tt.code)
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		offset int
		valid  int
	}{
		{name: "unknown single byte opcode", code: []byte{0x00, 0x24}, offset: 1, valid: 1},
		{name: "unknown two byte opcode", code: []byte{0xFE, 0x08}, offset: 0},
		{name: "truncated prefix", code: []byte{0x2A, 0xFE}, offset: 1, valid: 1},
		{name: "truncated token", code: []byte{0x28, 0x01, 0x00}, offset: 0},
		{name: "switch count exceeds body", code: []byte{0x45, 0x10, 0x00, 0x00, 0x00, 0x00}, offset: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAll(tt.code)
			require.ErrorIs(t, err, ErrMalformedBytecode)
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, tt.offset, decErr.Offset)
			assert.Len(t, got, tt.valid)
		})
	}
}

func TestDecode_StopsEarly(t *testing.T) {
	var seen int
	for range Decode([]byte{0x00, 0x00, 0x00, 0x24}) {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestInstruction_Targets(t *testing.T) {
	ins, err := DecodeAll([]byte{0x2B, 0x02, 0x00, 0x00, 0xDD, 0xF6, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	require.Len(t, ins, 4)

	assert.Equal(t, 4, ins[0].BranchTarget())
	assert.Equal(t, 9, ins[3].Next())
	assert.Equal(t, -1, ins[3].BranchTarget())
	assert.True(t, ins[3].OpCode.IsLeave())
	assert.Equal(t, "IL_0000: br.s IL_0004", ins[0].String())
}

func TestOpCode_Table(t *testing.T) {
	info, ok := Lookup("stloc.s")
	require.True(t, ok)
	assert.Equal(t, StlocS, info.Code)
	assert.Equal(t, 1, info.Pop)

	info, ok = Lookup("rethrow")
	require.True(t, ok)
	assert.True(t, info.Code.IsTwoByte())
	assert.Equal(t, 2, info.Code.Size())

	assert.Nil(t, OpCode(0x24).Info())
	assert.True(t, Constrained.IsPrefix())
	assert.Equal(t, Varies, Call.Info().Pop)
	assert.Equal(t, -1, InlineSwitch.Size())
}

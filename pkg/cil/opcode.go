// Package cil decodes CLI (ECMA-335) method bodies into instructions.
package cil

import "fmt"

// OpCode identifies an instruction. Single-byte opcodes use their byte value;
// opcodes in the two-byte space are encoded as 0xFE00 | second byte.
type OpCode uint16

// prefix is the first byte of every two-byte opcode.
const prefix = 0xFE

// OperandKind describes how an opcode's inline operand is encoded.
type OperandKind uint8

const (
	InlineNone OperandKind = iota
	ShortInlineVar
	ShortInlineI
	ShortInlineBrTarget
	InlineVar
	InlineI
	ShortInlineR
	InlineBrTarget
	InlineI8
	InlineR
	InlineMethod
	InlineField
	InlineType
	InlineTok
	InlineString
	InlineSig
	InlineSwitch
)

var operandNames = [...]string{
	InlineNone:          "InlineNone",
	ShortInlineVar:      "ShortInlineVar",
	ShortInlineI:        "ShortInlineI",
	ShortInlineBrTarget: "ShortInlineBrTarget",
	InlineVar:           "InlineVar",
	InlineI:             "InlineI",
	ShortInlineR:        "ShortInlineR",
	InlineBrTarget:      "InlineBrTarget",
	InlineI8:            "InlineI8",
	InlineR:             "InlineR",
	InlineMethod:        "InlineMethod",
	InlineField:         "InlineField",
	InlineType:          "InlineType",
	InlineTok:           "InlineTok",
	InlineString:        "InlineString",
	InlineSig:           "InlineSig",
	InlineSwitch:        "InlineSwitch",
}

func (k OperandKind) String() string {
	if int(k) < len(operandNames) {
		return operandNames[k]
	}
	return fmt.Sprintf("OperandKind(%d)", k)
}

// Size returns the encoded size of an operand in bytes. Switch tables have a
// variable size and report -1, as do unknown kinds.
func (k OperandKind) Size() int {
	switch k {
	case InlineNone:
		return 0
	case ShortInlineVar, ShortInlineI, ShortInlineBrTarget:
		return 1
	case InlineVar:
		return 2
	case InlineI, ShortInlineR, InlineBrTarget, InlineMethod, InlineField,
		InlineType, InlineTok, InlineString, InlineSig:
		return 4
	case InlineI8, InlineR:
		return 8
	default:
		return -1
	}
}

// IsToken reports whether the operand is a metadata token.
func (k OperandKind) IsToken() bool {
	switch k {
	case InlineMethod, InlineField, InlineType, InlineTok, InlineString, InlineSig:
		return true
	}
	return false
}

// Varies marks a pop or push count that depends on the operand (calls, ret).
const Varies = -1

// Opcodes with dedicated handling in the decoder, assembler or interpreter.
const (
	Nop        OpCode = 0x00
	Break      OpCode = 0x01
	Ldarg0     OpCode = 0x02
	Ldarg1     OpCode = 0x03
	Ldarg2     OpCode = 0x04
	Ldarg3     OpCode = 0x05
	Ldloc0     OpCode = 0x06
	Ldloc1     OpCode = 0x07
	Ldloc2     OpCode = 0x08
	Ldloc3     OpCode = 0x09
	Stloc0     OpCode = 0x0A
	Stloc1     OpCode = 0x0B
	Stloc2     OpCode = 0x0C
	Stloc3     OpCode = 0x0D
	LdargS     OpCode = 0x0E
	LdargaS    OpCode = 0x0F
	LdlocS     OpCode = 0x11
	LdlocaS    OpCode = 0x12
	StlocS     OpCode = 0x13
	Ldnull     OpCode = 0x14
	LdcI4      OpCode = 0x20
	Dup        OpCode = 0x25
	Pop        OpCode = 0x26
	Jmp        OpCode = 0x27
	Call       OpCode = 0x28
	Calli      OpCode = 0x29
	Ret        OpCode = 0x2A
	BrS        OpCode = 0x2B
	Br         OpCode = 0x38
	Switch     OpCode = 0x45
	Callvirt   OpCode = 0x6F
	Ldstr      OpCode = 0x72
	Newobj     OpCode = 0x73
	Castclass  OpCode = 0x74
	Isinst     OpCode = 0x75
	Throw      OpCode = 0x7A
	Ldfld      OpCode = 0x7B
	Ldflda     OpCode = 0x7C
	Stfld      OpCode = 0x7D
	Ldsfld     OpCode = 0x7E
	Ldsflda    OpCode = 0x7F
	Stsfld     OpCode = 0x80
	Newarr     OpCode = 0x8D
	UnboxAny   OpCode = 0xA5
	Endfinally OpCode = 0xDC
	Leave      OpCode = 0xDD
	LeaveS     OpCode = 0xDE

	Ldarg       OpCode = 0xFE09
	Ldarga      OpCode = 0xFE0A
	Ldloc       OpCode = 0xFE0C
	Ldloca      OpCode = 0xFE0D
	Stloc       OpCode = 0xFE0E
	Endfilter   OpCode = 0xFE11
	Unaligned   OpCode = 0xFE12
	Volatile    OpCode = 0xFE13
	Tail        OpCode = 0xFE14
	Constrained OpCode = 0xFE16
	No          OpCode = 0xFE19
	Rethrow     OpCode = 0xFE1A
	Readonly    OpCode = 0xFE1E
)

// Info describes an opcode: its mnemonic, operand encoding and the number of
// stack slots it pops and pushes.
type Info struct {
	Code    OpCode
	Name    string
	Operand OperandKind
	Pop     int
	Push    int
}

var (
	oneByte [256]*Info
	twoByte [256]*Info
	byName  = make(map[string]*Info)
)

func init() {
	type row struct {
		code    OpCode
		name    string
		operand OperandKind
		pop     int
		push    int
	}
	rows := []row{
		{Nop, "nop", InlineNone, 0, 0},
		{Break, "break", InlineNone, 0, 0},
		{Ldarg0, "ldarg.0", InlineNone, 0, 1},
		{Ldarg1, "ldarg.1", InlineNone, 0, 1},
		{Ldarg2, "ldarg.2", InlineNone, 0, 1},
		{Ldarg3, "ldarg.3", InlineNone, 0, 1},
		{Ldloc0, "ldloc.0", InlineNone, 0, 1},
		{Ldloc1, "ldloc.1", InlineNone, 0, 1},
		{Ldloc2, "ldloc.2", InlineNone, 0, 1},
		{Ldloc3, "ldloc.3", InlineNone, 0, 1},
		{Stloc0, "stloc.0", InlineNone, 1, 0},
		{Stloc1, "stloc.1", InlineNone, 1, 0},
		{Stloc2, "stloc.2", InlineNone, 1, 0},
		{Stloc3, "stloc.3", InlineNone, 1, 0},
		{LdargS, "ldarg.s", ShortInlineVar, 0, 1},
		{LdargaS, "ldarga.s", ShortInlineVar, 0, 1},
		{0x10, "starg.s", ShortInlineVar, 1, 0},
		{LdlocS, "ldloc.s", ShortInlineVar, 0, 1},
		{LdlocaS, "ldloca.s", ShortInlineVar, 0, 1},
		{StlocS, "stloc.s", ShortInlineVar, 1, 0},
		{Ldnull, "ldnull", InlineNone, 0, 1},
		{0x15, "ldc.i4.m1", InlineNone, 0, 1},
		{0x16, "ldc.i4.0", InlineNone, 0, 1},
		{0x17, "ldc.i4.1", InlineNone, 0, 1},
		{0x18, "ldc.i4.2", InlineNone, 0, 1},
		{0x19, "ldc.i4.3", InlineNone, 0, 1},
		{0x1A, "ldc.i4.4", InlineNone, 0, 1},
		{0x1B, "ldc.i4.5", InlineNone, 0, 1},
		{0x1C, "ldc.i4.6", InlineNone, 0, 1},
		{0x1D, "ldc.i4.7", InlineNone, 0, 1},
		{0x1E, "ldc.i4.8", InlineNone, 0, 1},
		{0x1F, "ldc.i4.s", ShortInlineI, 0, 1},
		{LdcI4, "ldc.i4", InlineI, 0, 1},
		{0x21, "ldc.i8", InlineI8, 0, 1},
		{0x22, "ldc.r4", ShortInlineR, 0, 1},
		{0x23, "ldc.r8", InlineR, 0, 1},
		{Dup, "dup", InlineNone, 1, 2},
		{Pop, "pop", InlineNone, 1, 0},
		{Jmp, "jmp", InlineMethod, 0, 0},
		{Call, "call", InlineMethod, Varies, Varies},
		{Calli, "calli", InlineSig, Varies, Varies},
		{Ret, "ret", InlineNone, Varies, 0},
		{BrS, "br.s", ShortInlineBrTarget, 0, 0},
		{0x2C, "brfalse.s", ShortInlineBrTarget, 1, 0},
		{0x2D, "brtrue.s", ShortInlineBrTarget, 1, 0},
		{0x2E, "beq.s", ShortInlineBrTarget, 2, 0},
		{0x2F, "bge.s", ShortInlineBrTarget, 2, 0},
		{0x30, "bgt.s", ShortInlineBrTarget, 2, 0},
		{0x31, "ble.s", ShortInlineBrTarget, 2, 0},
		{0x32, "blt.s", ShortInlineBrTarget, 2, 0},
		{0x33, "bne.un.s", ShortInlineBrTarget, 2, 0},
		{0x34, "bge.un.s", ShortInlineBrTarget, 2, 0},
		{0x35, "bgt.un.s", ShortInlineBrTarget, 2, 0},
		{0x36, "ble.un.s", ShortInlineBrTarget, 2, 0},
		{0x37, "blt.un.s", ShortInlineBrTarget, 2, 0},
		{Br, "br", InlineBrTarget, 0, 0},
		{0x39, "brfalse", InlineBrTarget, 1, 0},
		{0x3A, "brtrue", InlineBrTarget, 1, 0},
		{0x3B, "beq", InlineBrTarget, 2, 0},
		{0x3C, "bge", InlineBrTarget, 2, 0},
		{0x3D, "bgt", InlineBrTarget, 2, 0},
		{0x3E, "ble", InlineBrTarget, 2, 0},
		{0x3F, "blt", InlineBrTarget, 2, 0},
		{0x40, "bne.un", InlineBrTarget, 2, 0},
		{0x41, "bge.un", InlineBrTarget, 2, 0},
		{0x42, "bgt.un", InlineBrTarget, 2, 0},
		{0x43, "ble.un", InlineBrTarget, 2, 0},
		{0x44, "blt.un", InlineBrTarget, 2, 0},
		{Switch, "switch", InlineSwitch, 1, 0},
		{0x46, "ldind.i1", InlineNone, 1, 1},
		{0x47, "ldind.u1", InlineNone, 1, 1},
		{0x48, "ldind.i2", InlineNone, 1, 1},
		{0x49, "ldind.u2", InlineNone, 1, 1},
		{0x4A, "ldind.i4", InlineNone, 1, 1},
		{0x4B, "ldind.u4", InlineNone, 1, 1},
		{0x4C, "ldind.i8", InlineNone, 1, 1},
		{0x4D, "ldind.i", InlineNone, 1, 1},
		{0x4E, "ldind.r4", InlineNone, 1, 1},
		{0x4F, "ldind.r8", InlineNone, 1, 1},
		{0x50, "ldind.ref", InlineNone, 1, 1},
		{0x51, "stind.ref", InlineNone, 2, 0},
		{0x52, "stind.i1", InlineNone, 2, 0},
		{0x53, "stind.i2", InlineNone, 2, 0},
		{0x54, "stind.i4", InlineNone, 2, 0},
		{0x55, "stind.i8", InlineNone, 2, 0},
		{0x56, "stind.r4", InlineNone, 2, 0},
		{0x57, "stind.r8", InlineNone, 2, 0},
		{0x58, "add", InlineNone, 2, 1},
		{0x59, "sub", InlineNone, 2, 1},
		{0x5A, "mul", InlineNone, 2, 1},
		{0x5B, "div", InlineNone, 2, 1},
		{0x5C, "div.un", InlineNone, 2, 1},
		{0x5D, "rem", InlineNone, 2, 1},
		{0x5E, "rem.un", InlineNone, 2, 1},
		{0x5F, "and", InlineNone, 2, 1},
		{0x60, "or", InlineNone, 2, 1},
		{0x61, "xor", InlineNone, 2, 1},
		{0x62, "shl", InlineNone, 2, 1},
		{0x63, "shr", InlineNone, 2, 1},
		{0x64, "shr.un", InlineNone, 2, 1},
		{0x65, "neg", InlineNone, 1, 1},
		{0x66, "not", InlineNone, 1, 1},
		{0x67, "conv.i1", InlineNone, 1, 1},
		{0x68, "conv.i2", InlineNone, 1, 1},
		{0x69, "conv.i4", InlineNone, 1, 1},
		{0x6A, "conv.i8", InlineNone, 1, 1},
		{0x6B, "conv.r4", InlineNone, 1, 1},
		{0x6C, "conv.r8", InlineNone, 1, 1},
		{0x6D, "conv.u4", InlineNone, 1, 1},
		{0x6E, "conv.u8", InlineNone, 1, 1},
		{Callvirt, "callvirt", InlineMethod, Varies, Varies},
		{0x70, "cpobj", InlineType, 2, 0},
		{0x71, "ldobj", InlineType, 1, 1},
		{Ldstr, "ldstr", InlineString, 0, 1},
		{Newobj, "newobj", InlineMethod, Varies, 1},
		{Castclass, "castclass", InlineType, 1, 1},
		{Isinst, "isinst", InlineType, 1, 1},
		{0x76, "conv.r.un", InlineNone, 1, 1},
		{0x79, "unbox", InlineType, 1, 1},
		{Throw, "throw", InlineNone, 1, 0},
		{Ldfld, "ldfld", InlineField, 1, 1},
		{Ldflda, "ldflda", InlineField, 1, 1},
		{Stfld, "stfld", InlineField, 2, 0},
		{Ldsfld, "ldsfld", InlineField, 0, 1},
		{Ldsflda, "ldsflda", InlineField, 0, 1},
		{Stsfld, "stsfld", InlineField, 1, 0},
		{0x81, "stobj", InlineType, 2, 0},
		{0x82, "conv.ovf.i1.un", InlineNone, 1, 1},
		{0x83, "conv.ovf.i2.un", InlineNone, 1, 1},
		{0x84, "conv.ovf.i4.un", InlineNone, 1, 1},
		{0x85, "conv.ovf.i8.un", InlineNone, 1, 1},
		{0x86, "conv.ovf.u1.un", InlineNone, 1, 1},
		{0x87, "conv.ovf.u2.un", InlineNone, 1, 1},
		{0x88, "conv.ovf.u4.un", InlineNone, 1, 1},
		{0x89, "conv.ovf.u8.un", InlineNone, 1, 1},
		{0x8A, "conv.ovf.i.un", InlineNone, 1, 1},
		{0x8B, "conv.ovf.u.un", InlineNone, 1, 1},
		{0x8C, "box", InlineType, 1, 1},
		{Newarr, "newarr", InlineType, 1, 1},
		{0x8E, "ldlen", InlineNone, 1, 1},
		{0x8F, "ldelema", InlineType, 2, 1},
		{0x90, "ldelem.i1", InlineNone, 2, 1},
		{0x91, "ldelem.u1", InlineNone, 2, 1},
		{0x92, "ldelem.i2", InlineNone, 2, 1},
		{0x93, "ldelem.u2", InlineNone, 2, 1},
		{0x94, "ldelem.i4", InlineNone, 2, 1},
		{0x95, "ldelem.u4", InlineNone, 2, 1},
		{0x96, "ldelem.i8", InlineNone, 2, 1},
		{0x97, "ldelem.i", InlineNone, 2, 1},
		{0x98, "ldelem.r4", InlineNone, 2, 1},
		{0x99, "ldelem.r8", InlineNone, 2, 1},
		{0x9A, "ldelem.ref", InlineNone, 2, 1},
		{0x9B, "stelem.i", InlineNone, 3, 0},
		{0x9C, "stelem.i1", InlineNone, 3, 0},
		{0x9D, "stelem.i2", InlineNone, 3, 0},
		{0x9E, "stelem.i4", InlineNone, 3, 0},
		{0x9F, "stelem.i8", InlineNone, 3, 0},
		{0xA0, "stelem.r4", InlineNone, 3, 0},
		{0xA1, "stelem.r8", InlineNone, 3, 0},
		{0xA2, "stelem.ref", InlineNone, 3, 0},
		{0xA3, "ldelem", InlineType, 2, 1},
		{0xA4, "stelem", InlineType, 3, 0},
		{UnboxAny, "unbox.any", InlineType, 1, 1},
		{0xB3, "conv.ovf.i1", InlineNone, 1, 1},
		{0xB4, "conv.ovf.u1", InlineNone, 1, 1},
		{0xB5, "conv.ovf.i2", InlineNone, 1, 1},
		{0xB6, "conv.ovf.u2", InlineNone, 1, 1},
		{0xB7, "conv.ovf.i4", InlineNone, 1, 1},
		{0xB8, "conv.ovf.u4", InlineNone, 1, 1},
		{0xB9, "conv.ovf.i8", InlineNone, 1, 1},
		{0xBA, "conv.ovf.u8", InlineNone, 1, 1},
		{0xC2, "refanyval", InlineType, 1, 1},
		{0xC3, "ckfinite", InlineNone, 1, 1},
		{0xC6, "mkrefany", InlineType, 1, 1},
		{0xD0, "ldtoken", InlineTok, 0, 1},
		{0xD1, "conv.u2", InlineNone, 1, 1},
		{0xD2, "conv.u1", InlineNone, 1, 1},
		{0xD3, "conv.i", InlineNone, 1, 1},
		{0xD4, "conv.ovf.i", InlineNone, 1, 1},
		{0xD5, "conv.ovf.u", InlineNone, 1, 1},
		{0xD6, "add.ovf", InlineNone, 2, 1},
		{0xD7, "add.ovf.un", InlineNone, 2, 1},
		{0xD8, "mul.ovf", InlineNone, 2, 1},
		{0xD9, "mul.ovf.un", InlineNone, 2, 1},
		{0xDA, "sub.ovf", InlineNone, 2, 1},
		{0xDB, "sub.ovf.un", InlineNone, 2, 1},
		{Endfinally, "endfinally", InlineNone, 0, 0},
		{Leave, "leave", InlineBrTarget, 0, 0},
		{LeaveS, "leave.s", ShortInlineBrTarget, 0, 0},
		{0xDF, "stind.i", InlineNone, 2, 0},
		{0xE0, "conv.u", InlineNone, 1, 1},

		{0xFE00, "arglist", InlineNone, 0, 1},
		{0xFE01, "ceq", InlineNone, 2, 1},
		{0xFE02, "cgt", InlineNone, 2, 1},
		{0xFE03, "cgt.un", InlineNone, 2, 1},
		{0xFE04, "clt", InlineNone, 2, 1},
		{0xFE05, "clt.un", InlineNone, 2, 1},
		{0xFE06, "ldftn", InlineMethod, 0, 1},
		{0xFE07, "ldvirtftn", InlineMethod, 1, 1},
		{Ldarg, "ldarg", InlineVar, 0, 1},
		{Ldarga, "ldarga", InlineVar, 0, 1},
		{0xFE0B, "starg", InlineVar, 1, 0},
		{Ldloc, "ldloc", InlineVar, 0, 1},
		{Ldloca, "ldloca", InlineVar, 0, 1},
		{Stloc, "stloc", InlineVar, 1, 0},
		{0xFE0F, "localloc", InlineNone, 1, 1},
		{Endfilter, "endfilter", InlineNone, 1, 0},
		{Unaligned, "unaligned.", ShortInlineI, 0, 0},
		{Volatile, "volatile.", InlineNone, 0, 0},
		{Tail, "tail.", InlineNone, 0, 0},
		{0xFE15, "initobj", InlineType, 1, 0},
		{Constrained, "constrained.", InlineType, 0, 0},
		{0xFE17, "cpblk", InlineNone, 3, 0},
		{0xFE18, "initblk", InlineNone, 3, 0},
		{No, "no.", ShortInlineI, 0, 0},
		{Rethrow, "rethrow", InlineNone, 0, 0},
		{0xFE1C, "sizeof", InlineType, 0, 1},
		{0xFE1D, "refanytype", InlineNone, 1, 1},
		{Readonly, "readonly.", InlineNone, 0, 0},
	}
	for _, r := range rows {
		info := &Info{Code: r.code, Name: r.name, Operand: r.operand, Pop: r.pop, Push: r.push}
		if r.code.IsTwoByte() {
			twoByte[byte(r.code)] = info
		} else {
			oneByte[byte(r.code)] = info
		}
		byName[r.name] = info
	}
}

// IsTwoByte reports whether the opcode lives in the 0xFE-prefixed space.
func (op OpCode) IsTwoByte() bool {
	return op>>8 == prefix
}

// Size returns the encoded size of the opcode itself.
func (op OpCode) Size() int {
	if op.IsTwoByte() {
		return 2
	}
	return 1
}

// Info returns the table entry for the opcode, or nil if it is not defined.
func (op OpCode) Info() *Info {
	if op.IsTwoByte() {
		return twoByte[byte(op)]
	}
	if op > 0xFF {
		return nil
	}
	return oneByte[byte(op)]
}

func (op OpCode) String() string {
	if info := op.Info(); info != nil {
		return info.Name
	}
	return fmt.Sprintf("OpCode(0x%X)", uint16(op))
}

// Lookup returns the table entry for a mnemonic such as "ldloc.s".
func Lookup(name string) (*Info, bool) {
	info, ok := byName[name]
	return info, ok
}

// IsPrefix reports whether the opcode is an instruction prefix that only
// annotates the instruction after it.
func (op OpCode) IsPrefix() bool {
	switch op {
	case Unaligned, Volatile, Tail, Constrained, No, Readonly:
		return true
	}
	return false
}

// IsBranch reports whether the opcode transfers control to an inline target.
func (op OpCode) IsBranch() bool {
	info := op.Info()
	return info != nil && (info.Operand == ShortInlineBrTarget || info.Operand == InlineBrTarget)
}

// IsLeave reports whether the opcode is leave or leave.s.
func (op OpCode) IsLeave() bool {
	return op == Leave || op == LeaveS
}

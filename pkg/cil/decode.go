package cil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
)

// ErrMalformedBytecode is returned when a method body cannot be decoded.
var ErrMalformedBytecode = errors.New("malformed bytecode")

// DecodeError describes where decoding stopped.
type DecodeError struct {
	Offset int
	OpCode OpCode
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s at IL_%04X (%s): %s", ErrMalformedBytecode, e.Offset, e.OpCode, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedBytecode
}

// Instruction is a single decoded instruction.
type Instruction struct {
	// Offset is the byte offset of the first opcode byte.
	Offset int
	OpCode OpCode
	// Operand holds the raw inline operand: immediates sign-extended, tokens
	// and float bit patterns zero-extended, branch displacements relative to
	// the next instruction.
	Operand int64
	// Switch holds the relative displacements of a switch table.
	Switch []int32

	size int
}

// Info returns the opcode table entry for the instruction.
func (in Instruction) Info() *Info {
	return in.OpCode.Info()
}

// Size returns the encoded size of the instruction including its operand.
func (in Instruction) Size() int {
	return in.size
}

// Next returns the offset of the instruction that follows in the stream.
func (in Instruction) Next() int {
	return in.Offset + in.size
}

// Token returns the operand as a metadata token.
func (in Instruction) Token() uint32 {
	return uint32(in.Operand)
}

// Float returns the operand of ldc.r4/ldc.r8.
func (in Instruction) Float() float64 {
	if in.Info().Operand == ShortInlineR {
		return float64(math.Float32frombits(uint32(in.Operand)))
	}
	return math.Float64frombits(uint64(in.Operand))
}

// BranchTarget returns the absolute target offset of a branch instruction.
func (in Instruction) BranchTarget() int {
	return in.Next() + int(in.Operand)
}

// SwitchTargets returns the absolute target offsets of a switch instruction.
func (in Instruction) SwitchTargets() []int {
	targets := make([]int, len(in.Switch))
	for i, d := range in.Switch {
		targets[i] = in.Next() + int(d)
	}
	return targets
}

func (in Instruction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "IL_%04X: %s", in.Offset, in.OpCode)
	info := in.Info()
	if info == nil {
		return b.String()
	}
	switch op := info.Operand; {
	case op == InlineNone:
	case op == InlineSwitch:
		b.WriteString(" (")
		for i, t := range in.SwitchTargets() {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "IL_%04X", t)
		}
		b.WriteString(")")
	case op == ShortInlineBrTarget || op == InlineBrTarget:
		fmt.Fprintf(&b, " IL_%04X", in.BranchTarget())
	case op.IsToken():
		fmt.Fprintf(&b, " 0x%08X", in.Token())
	case op == ShortInlineR || op == InlineR:
		fmt.Fprintf(&b, " %g", in.Float())
	default:
		fmt.Fprintf(&b, " %d", in.Operand)
	}
	return b.String()
}

// Decode returns a forward-only sequence over the instructions in code. The
// sequence stops after yielding the first error; an unknown opcode or a
// truncated operand is reported as ErrMalformedBytecode because the size of
// what follows cannot be known.
func Decode(code []byte) iter.Seq2[Instruction, error] {
	return func(yield func(Instruction, error) bool) {
		r := reader{code: code}
		for r.pos < len(code) {
			in, err := r.next()
			if err != nil {
				yield(Instruction{}, err)
				return
			}
			if !yield(in, nil) {
				return
			}
		}
	}
}

// DecodeAll decodes the whole body eagerly.
func DecodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	for in, err := range Decode(code) {
		if err != nil {
			return out, err
		}
		out = append(out, in)
	}
	return out, nil
}

type reader struct {
	code []byte
	pos  int
}

func (r *reader) next() (Instruction, error) {
	start := r.pos
	op := OpCode(r.code[r.pos])
	r.pos++
	if op == prefix {
		if r.pos >= len(r.code) {
			return Instruction{}, &DecodeError{Offset: start, OpCode: op, Reason: "truncated two-byte opcode"}
		}
		op = prefix<<8 | OpCode(r.code[r.pos])
		r.pos++
	}

	info := op.Info()
	if info == nil {
		return Instruction{}, &DecodeError{Offset: start, OpCode: op, Reason: "unknown opcode"}
	}

	in := Instruction{Offset: start, OpCode: op}
	switch info.Operand {
	case InlineSwitch:
		n, err := r.fixed(start, op, 4)
		if err != nil {
			return Instruction{}, err
		}
		count := binary.LittleEndian.Uint32(n)
		if int64(count)*4 > int64(len(r.code)-r.pos) {
			return Instruction{}, &DecodeError{Offset: start, OpCode: op, Reason: fmt.Sprintf("switch table of %d entries exceeds body", count)}
		}
		in.Operand = int64(count)
		in.Switch = make([]int32, count)
		for i := range in.Switch {
			in.Switch[i] = int32(binary.LittleEndian.Uint32(r.code[r.pos:]))
			r.pos += 4
		}
	default:
		size := info.Operand.Size()
		if size < 0 {
			return Instruction{}, &DecodeError{Offset: start, OpCode: op, Reason: "unsupported operand kind " + info.Operand.String()}
		}
		raw, err := r.fixed(start, op, size)
		if err != nil {
			return Instruction{}, err
		}
		in.Operand = operandValue(info.Operand, raw)
	}
	in.size = r.pos - start
	return in, nil
}

func (r *reader) fixed(start int, op OpCode, n int) ([]byte, error) {
	if r.pos+n > len(r.code) {
		return nil, &DecodeError{Offset: start, OpCode: op, Reason: fmt.Sprintf("operand needs %d bytes, %d left", n, len(r.code)-r.pos)}
	}
	b := r.code[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func operandValue(kind OperandKind, raw []byte) int64 {
	switch kind {
	case InlineNone:
		return 0
	case ShortInlineI, ShortInlineBrTarget:
		return int64(int8(raw[0]))
	case ShortInlineVar:
		return int64(raw[0])
	case InlineVar:
		return int64(binary.LittleEndian.Uint16(raw))
	case InlineI, InlineBrTarget:
		return int64(int32(binary.LittleEndian.Uint32(raw)))
	case InlineI8, InlineR:
		return int64(binary.LittleEndian.Uint64(raw))
	default:
		// Tokens and ShortInlineR keep their unsigned bit pattern.
		return int64(binary.LittleEndian.Uint32(raw))
	}
}

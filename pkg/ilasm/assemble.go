// Package ilasm assembles textual IL into raw method-body bytes.
//
// One instruction per line, optionally preceded by "label:". Comments start
// with "//". Branch operands name labels, switch takes "(L1, L2, ...)",
// strings are Go-quoted and member operands are passed to a Symbols table.
package ilasm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/715d/excfinder/pkg/cil"
)

// Symbols maps symbolic operands to metadata tokens.
type Symbols interface {
	MethodToken(ref string) (uint32, error)
	FieldToken(ref string) (uint32, error)
	TypeToken(ref string) (uint32, error)
	StringToken(s string) (uint32, error)
	SignatureToken(sig string) (uint32, error)
}

// Program is an assembled method body.
type Program struct {
	Code   []byte
	Labels map[string]int
}

// Label returns the offset of a label, or of the end of the body for "end".
func (p *Program) Label(name string) (int, bool) {
	if off, ok := p.Labels[name]; ok {
		return off, true
	}
	if name == "end" {
		return len(p.Code), true
	}
	return 0, false
}

var (
	// labelPattern matches a leading "name:" on a line.
	labelPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.$]*)\s*:\s*(.*)$`)

	// switchPattern matches a parenthesized switch target list.
	switchPattern = regexp.MustCompile(`^\(\s*(.*?)\s*\)$`)
)

type line struct {
	num     int
	info    *cil.Info
	operand string
	offset  int
	size    int
}

// Assemble assembles src. Symbols may be nil when no member operands are used.
func Assemble(src string, syms Symbols) (*Program, error) {
	lines, labels, err := scan(src)
	if err != nil {
		return nil, err
	}

	code := make([]byte, 0, 64)
	for _, l := range lines {
		code, err = encode(code, l, labels, syms)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", l.num, l.info.Name, err)
		}
	}
	return &Program{Code: code, Labels: labels}, nil
}

// scan parses lines and assigns offsets so that labels are known before
// encoding.
func scan(src string) ([]line, map[string]int, error) {
	var (
		lines  []line
		labels = make(map[string]int)
		offset int
		num    int
	)
	scanner := bufio.NewScanner(strings.NewReader(src))
	for scanner.Scan() {
		num++
		text := stripComment(scanner.Text())
		for {
			m := labelPattern.FindStringSubmatch(text)
			if m == nil || isMnemonic(m[1]) {
				break
			}
			if _, dup := labels[m[1]]; dup {
				return nil, nil, fmt.Errorf("line %d: duplicate label %q", num, m[1])
			}
			labels[m[1]] = offset
			text = m[2]
		}
		if text == "" {
			continue
		}

		mnemonic, operand, _ := strings.Cut(text, " ")
		info, ok := cil.Lookup(mnemonic)
		if !ok {
			return nil, nil, fmt.Errorf("line %d: unknown mnemonic %q", num, mnemonic)
		}
		l := line{num: num, info: info, operand: strings.TrimSpace(operand), offset: offset}
		l.size = info.Code.Size()
		if info.Operand == cil.InlineSwitch {
			targets, err := switchTargets(l.operand)
			if err != nil {
				return nil, nil, fmt.Errorf("line %d: %w", num, err)
			}
			l.size += 4 + 4*len(targets)
		} else {
			l.size += info.Operand.Size()
		}
		offset += l.size
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return lines, labels, nil
}

func stripComment(s string) string {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && s[i] == '/' && i+1 < len(s) && s[i+1] == '/':
			return strings.TrimSpace(s[:i])
		}
	}
	return strings.TrimSpace(s)
}

// isMnemonic rejects labels that collide with opcode names.
func isMnemonic(s string) bool {
	_, ok := cil.Lookup(s)
	return ok
}

func switchTargets(operand string) ([]string, error) {
	m := switchPattern.FindStringSubmatch(operand)
	if m == nil {
		return nil, fmt.Errorf("switch operand %q must be a parenthesized label list", operand)
	}
	if m[1] == "" {
		return nil, nil
	}
	parts := strings.Split(m[1], ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

func encode(code []byte, l line, labels map[string]int, syms Symbols) ([]byte, error) {
	op := l.info.Code
	if op.IsTwoByte() {
		code = append(code, byte(op>>8), byte(op))
	} else {
		code = append(code, byte(op))
	}

	kind := l.info.Operand
	if kind == cil.InlineNone {
		if l.operand != "" {
			return nil, fmt.Errorf("unexpected operand %q", l.operand)
		}
		return code, nil
	}
	if l.operand == "" {
		return nil, fmt.Errorf("missing %s operand", kind)
	}

	next := l.offset + l.size
	switch kind {
	case cil.ShortInlineVar, cil.ShortInlineI, cil.InlineVar, cil.InlineI, cil.InlineI8:
		n, err := strconv.ParseInt(l.operand, 0, 64)
		if err != nil {
			return nil, err
		}
		return appendInt(code, kind, n)
	case cil.ShortInlineR:
		f, err := strconv.ParseFloat(l.operand, 32)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(code, math.Float32bits(float32(f))), nil
	case cil.InlineR:
		f, err := strconv.ParseFloat(l.operand, 64)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(code, math.Float64bits(f)), nil
	case cil.ShortInlineBrTarget, cil.InlineBrTarget:
		target, ok := labels[l.operand]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", l.operand)
		}
		disp := int64(target - next)
		if kind == cil.ShortInlineBrTarget && (disp < math.MinInt8 || disp > math.MaxInt8) {
			return nil, fmt.Errorf("label %q out of short branch range", l.operand)
		}
		return appendInt(code, kind, disp)
	case cil.InlineSwitch:
		targets, err := switchTargets(l.operand)
		if err != nil {
			return nil, err
		}
		code = binary.LittleEndian.AppendUint32(code, uint32(len(targets)))
		for _, name := range targets {
			target, ok := labels[name]
			if !ok {
				return nil, fmt.Errorf("undefined label %q", name)
			}
			code = binary.LittleEndian.AppendUint32(code, uint32(int32(target-next)))
		}
		return code, nil
	}

	token, err := symbolToken(kind, l.operand, syms)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(code, token), nil
}

func appendInt(code []byte, kind cil.OperandKind, n int64) ([]byte, error) {
	switch kind.Size() {
	case 1:
		if n < math.MinInt8 || n > math.MaxUint8 {
			return nil, fmt.Errorf("operand %d does not fit in one byte", n)
		}
		return append(code, byte(n)), nil
	case 2:
		if n < 0 || n > math.MaxUint16 {
			return nil, fmt.Errorf("operand %d does not fit in two bytes", n)
		}
		return binary.LittleEndian.AppendUint16(code, uint16(n)), nil
	case 4:
		if n < math.MinInt32 || n > math.MaxUint32 {
			return nil, fmt.Errorf("operand %d does not fit in four bytes", n)
		}
		return binary.LittleEndian.AppendUint32(code, uint32(n)), nil
	default:
		return binary.LittleEndian.AppendUint64(code, uint64(n)), nil
	}
}

func symbolToken(kind cil.OperandKind, operand string, syms Symbols) (uint32, error) {
	if strings.HasPrefix(operand, "0x") {
		// Raw tokens pass through untouched.
		n, err := strconv.ParseUint(operand, 0, 32)
		if err != nil {
			return 0, err
		}
		return uint32(n), nil
	}
	if syms == nil {
		return 0, fmt.Errorf("symbolic operand %q without a symbol table", operand)
	}
	switch kind {
	case cil.InlineMethod:
		return syms.MethodToken(operand)
	case cil.InlineField:
		return syms.FieldToken(operand)
	case cil.InlineType:
		return syms.TypeToken(operand)
	case cil.InlineTok:
		if strings.Contains(operand, "::") {
			if tok, err := syms.MethodToken(operand); err == nil {
				return tok, nil
			}
			return syms.FieldToken(operand)
		}
		return syms.TypeToken(operand)
	case cil.InlineString:
		s, err := strconv.Unquote(operand)
		if err != nil {
			return 0, fmt.Errorf("string operand: %w", err)
		}
		return syms.StringToken(s)
	case cil.InlineSig:
		return syms.SignatureToken(operand)
	}
	return 0, fmt.Errorf("unsupported operand kind %s", kind)
}

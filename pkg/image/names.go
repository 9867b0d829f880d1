package image

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/715d/excfinder/pkg/metadata"
)

// namedFunc returns the type with the given namespace-qualified name. The
// assembly hint comes from an optional "[Asm]" prefix.
type namedFunc func(assembly, fullName string) *metadata.Type

// memberRef is a parsed "Type::Name<Args>(Params)" reference.
type memberRef struct {
	decl        *metadata.Type
	name        string
	genericArgs []*metadata.Type
	params      []*metadata.Type
	// hasParams distinguishes "M()" from a bare "M" that matches any overload.
	hasParams bool
}

// refParser is a small recursive-descent parser for type, member and
// signature references:
//
//	type   := ["[" asm "]"] (param | name ["<" type {"," type} ">"]) {"[]" | "&"}
//	param  := "!" digits | "!!" digits
//	member := type "::" name ["<" types ">"] ["(" [types] ")"]
//	sig    := ["instance"] type "(" [types] ")"
type refParser struct {
	s     string
	pos   int
	named namedFunc
}

func parseType(s string, named namedFunc) (*metadata.Type, error) {
	p := &refParser{s: strings.TrimSpace(s), named: named}
	t, err := p.typeRef()
	if err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseMember(s string, named namedFunc) (*memberRef, error) {
	s = strings.TrimSpace(s)
	i := strings.Index(s, "::")
	if i < 0 {
		return nil, fmt.Errorf("member reference %q: missing '::'", s)
	}
	decl, err := parseType(s[:i], named)
	if err != nil {
		return nil, fmt.Errorf("member reference %q: %w", s, err)
	}
	p := &refParser{s: s, pos: i + 2, named: named}
	ref := &memberRef{decl: decl, name: p.memberName()}
	if ref.name == "" {
		return nil, fmt.Errorf("member reference %q: missing name", s)
	}
	if p.peek('<') {
		if ref.genericArgs, err = p.list('<', '>'); err != nil {
			return nil, fmt.Errorf("member reference %q: %w", s, err)
		}
	}
	if p.peek('(') {
		ref.hasParams = true
		if ref.params, err = p.list('(', ')'); err != nil {
			return nil, fmt.Errorf("member reference %q: %w", s, err)
		}
	}
	if err := p.end(); err != nil {
		return nil, fmt.Errorf("member reference %q: %w", s, err)
	}
	return ref, nil
}

func parseSignature(s string, named namedFunc) (*metadata.Signature, error) {
	s = strings.TrimSpace(s)
	sig := &metadata.Signature{}
	if rest, ok := strings.CutPrefix(s, "instance "); ok {
		sig.HasThis = true
		s = strings.TrimSpace(rest)
	}
	p := &refParser{s: s, named: named}
	ret, err := p.typeRef()
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", s, err)
	}
	if !isVoid(ret) {
		sig.Return = ret
	}
	if sig.Params, err = p.list('(', ')'); err != nil {
		return nil, fmt.Errorf("signature %q: %w", s, err)
	}
	if err := p.end(); err != nil {
		return nil, fmt.Errorf("signature %q: %w", s, err)
	}
	return sig, nil
}

func isVoid(t *metadata.Type) bool {
	return t != nil && t.Namespace == "System" && t.Name == "Void" && t.Elem == nil
}

func (p *refParser) typeRef() (*metadata.Type, error) {
	p.skipSpace()
	var asm string
	if p.peek('[') && !strings.HasPrefix(p.s[p.pos:], "[]") {
		end := strings.IndexByte(p.s[p.pos:], ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated assembly name at %d", p.pos)
		}
		asm = p.s[p.pos+1 : p.pos+end]
		p.pos += end + 1
	}

	var t *metadata.Type
	if p.peek('!') {
		p.pos++
		method := p.peek('!')
		if method {
			p.pos++
		}
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.Atoi(p.s[start:p.pos])
		if err != nil {
			return nil, fmt.Errorf("generic parameter index at %d", start)
		}
		t = &metadata.Type{Param: &metadata.GenericParam{Index: n, Method: method}}
	} else {
		name := p.typeName()
		if name == "" {
			return nil, fmt.Errorf("expected type name at %d in %q", p.pos, p.s)
		}
		t = p.named(asm, name)
		if p.peek('<') {
			args, err := p.list('<', '>')
			if err != nil {
				return nil, err
			}
			inst := *t
			inst.GenericArgs = args
			t = &inst
		}
	}

	for {
		switch {
		case strings.HasPrefix(p.s[p.pos:], "[]"):
			p.pos += 2
			t = metadata.ArrayOf(t)
		case p.peek('&'):
			p.pos++
			t = metadata.ByRefOf(t)
		default:
			return t, nil
		}
	}
}

// list parses open [type {"," type}] close.
func (p *refParser) list(open, close byte) ([]*metadata.Type, error) {
	p.skipSpace()
	if !p.peek(open) {
		return nil, fmt.Errorf("expected %q at %d in %q", open, p.pos, p.s)
	}
	p.pos++
	p.skipSpace()
	var out []*metadata.Type
	if p.peek(close) {
		p.pos++
		return out, nil
	}
	for {
		t, err := p.typeRef()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		p.skipSpace()
		switch {
		case p.peek(','):
			p.pos++
		case p.peek(close):
			p.pos++
			return out, nil
		default:
			return nil, fmt.Errorf("expected ',' or %q at %d in %q", close, p.pos, p.s)
		}
	}
}

func (p *refParser) typeName() string {
	start := p.pos
	for p.pos < len(p.s) && isNameByte(p.s[p.pos]) {
		p.pos++
	}
	return p.s[start:p.pos]
}

// memberName accepts the same characters as typeName, which covers
// ".ctor" and ".cctor".
func (p *refParser) memberName() string {
	return p.typeName()
}

func isNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return c == '_' || c == '.' || c == '`' || c == '+' || c == '$'
}

func (p *refParser) peek(c byte) bool {
	return p.pos < len(p.s) && p.s[p.pos] == c
}

func (p *refParser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *refParser) end() error {
	p.skipSpace()
	if p.pos != len(p.s) {
		return fmt.Errorf("unexpected %q in %q", p.s[p.pos:], p.s)
	}
	return nil
}

// splitName splits "Ns.Sub.Name" into namespace and name.
func splitName(full string) (string, string) {
	if i := strings.LastIndexByte(full, '.'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

// defName returns the name of the generic definition of t.
func defName(t *metadata.Type) string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

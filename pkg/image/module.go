package image

import (
	"errors"
	"fmt"
	"strings"

	"github.com/715d/excfinder/pkg/cil"
	"github.com/715d/excfinder/pkg/ilasm"
	"github.com/715d/excfinder/pkg/metadata"
)

// module holds one assembly's metadata tables. Row ids are 1-based indices
// into the slices.
type module struct {
	name string
	u    *Universe

	typeDefs    []*typeEntry
	methodDefs  []*methodEntry
	fieldDefs   []*metadata.Field
	memberRefs  []*memberRef
	typeRefs    []*metadata.Type
	typeSpecs   []*metadata.Type
	methodSpecs []methodSpec
	sigs        []*metadata.Signature
	strings     []string

	// interned maps operand text to its token so repeated references share
	// a row.
	interned map[string]uint32
}

type methodSpec struct {
	parent uint32
	args   []*metadata.Type
}

var _ ilasm.Symbols = (*module)(nil)

func newModule(u *Universe, name string) *module {
	return &module{name: name, u: u, interned: make(map[string]uint32)}
}

func token(table byte, rid int) uint32 {
	return uint32(table)<<24 | uint32(rid)
}

func (m *module) parseType(s string) (*metadata.Type, error) {
	return parseType(s, m.u.named)
}

func (m *module) parseTypes(ss []string) ([]*metadata.Type, error) {
	out := make([]*metadata.Type, 0, len(ss))
	for _, s := range ss {
		t, err := m.parseType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// declareMembers links the base type and interfaces of e and creates its
// field, method and property descriptors.
func (m *module) declareMembers(e *typeEntry) error {
	var err error
	if e.def.Base != "" {
		if e.typ.Base, err = m.parseType(e.def.Base); err != nil {
			return fmt.Errorf("base: %w", err)
		}
	}
	if e.typ.Interfaces, err = m.parseTypes(e.def.Interfaces); err != nil {
		return fmt.Errorf("interfaces: %w", err)
	}

	for _, fd := range e.def.Fields {
		ft, err := m.parseType(fd.Type)
		if err != nil {
			return fmt.Errorf("field %s: %w", fd.Name, err)
		}
		f := &metadata.Field{
			Token:         token(metadata.TableField, len(m.fieldDefs)+1),
			DeclaringType: e.typ,
			Name:          fd.Name,
			Type:          ft,
			Static:        fd.Static,
		}
		m.fieldDefs = append(m.fieldDefs, f)
		e.fields = append(e.fields, f)
	}

	accessors := make(map[string]bool)
	for _, pd := range e.def.Properties {
		for _, name := range []string{pd.Get, pd.Set} {
			if name != "" {
				accessors[name] = true
			}
		}
	}

	for _, md := range e.def.Methods {
		params, err := m.parseTypes(md.Params)
		if err != nil {
			return fmt.Errorf("method %s: params: %w", md.Name, err)
		}
		var ret *metadata.Type
		if md.Returns != "" {
			if ret, err = m.parseType(md.Returns); err != nil {
				return fmt.Errorf("method %s: returns: %w", md.Name, err)
			}
			if isVoid(ret) {
				ret = nil
			}
		}
		me := &methodEntry{
			method: &metadata.Method{
				Token:         token(metadata.TableMethod, len(m.methodDefs)+1),
				DeclaringType: e.typ,
				Name:          md.Name,
				Params:        params,
				Return:        ret,
				Static:        md.Static,
				Abstract:      md.Abstract,
				SpecialName:   md.Special || accessors[md.Name],
			},
			def: md,
		}
		m.methodDefs = append(m.methodDefs, me)
		e.methods = append(e.methods, me)
	}

	for _, pd := range e.def.Properties {
		p := &metadata.Property{DeclaringType: e.typ, Name: pd.Name}
		for _, me := range e.methods {
			switch me.method.Name {
			case pd.Get:
				p.Getter = me.method
			case pd.Set:
				p.Setter = me.method
			}
		}
		if p.Getter == nil && p.Setter == nil {
			return fmt.Errorf("property %s has no accessors", pd.Name)
		}
		e.props = append(e.props, p)
	}
	return nil
}

func (m *module) assembleBodies() error {
	for _, me := range m.methodDefs {
		body, err := m.assembleBody(me)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", m.name, me.method.FullName(), err)
		}
		me.body = body
	}
	return nil
}

func (m *module) assembleBody(me *methodEntry) (*metadata.Body, error) {
	md := me.def
	if md.Abstract || (md.IL == "" && md.Hex == "") {
		return nil, nil
	}
	if md.IL != "" && md.Hex != "" {
		return nil, errors.New("both il and hex given")
	}

	var (
		prog *ilasm.Program
		code []byte
		err  error
	)
	if md.IL != "" {
		if prog, err = ilasm.Assemble(md.IL, m); err != nil {
			return nil, err
		}
		code = prog.Code
	} else if code, err = decodeHex(md.Hex); err != nil {
		return nil, fmt.Errorf("hex body: %w", err)
	}

	body := &metadata.Body{Code: code}
	if body.Locals, err = m.parseTypes(md.Locals); err != nil {
		return nil, fmt.Errorf("locals: %w", err)
	}
	for i, hd := range md.Handlers {
		h, err := m.handler(hd, prog, len(code))
		if err != nil {
			return nil, fmt.Errorf("handler %d: %w", i, err)
		}
		body.Handlers = append(body.Handlers, h)
	}
	return body, nil
}

func (m *module) handler(hd HandlerDef, prog *ilasm.Program, size int) (metadata.HandlerClause, error) {
	var h metadata.HandlerClause
	switch hd.Kind {
	case "catch":
		h.Kind = metadata.Catch
	case "filter":
		h.Kind = metadata.Filter
	case "finally":
		h.Kind = metadata.Finally
	case "fault":
		h.Kind = metadata.Fault
	default:
		return h, fmt.Errorf("unknown handler kind %q", hd.Kind)
	}

	bounds := [4]int{}
	for i, label := range []string{hd.Try[0], hd.Try[1], hd.Handler[0], hd.Handler[1]} {
		off, err := offsetOf(label, prog, size)
		if err != nil {
			return h, err
		}
		bounds[i] = off
	}
	if bounds[1] < bounds[0] || bounds[3] < bounds[2] {
		return h, errors.New("handler range ends before it starts")
	}
	h.TryOffset, h.TryLength = bounds[0], bounds[1]-bounds[0]
	h.HandlerOffset, h.HandlerLength = bounds[2], bounds[3]-bounds[2]

	switch h.Kind {
	case metadata.Catch:
		if hd.Type == "" {
			return h, errors.New("catch handler without a type")
		}
		t, err := m.parseType(hd.Type)
		if err != nil {
			return h, err
		}
		h.CatchType = t
	case metadata.Filter:
		if hd.Filter == "" {
			return h, errors.New("filter handler without a filter label")
		}
		off, err := offsetOf(hd.Filter, prog, size)
		if err != nil {
			return h, err
		}
		h.FilterOffset = off
	}
	return h, nil
}

func (m *module) intern(key string, add func() uint32) uint32 {
	if tok, ok := m.interned[key]; ok {
		return tok
	}
	tok := add()
	m.interned[key] = tok
	return tok
}

// local reports whether t is a non-generic type defined in this module.
func (m *module) local(t *metadata.Type) bool {
	return t.Defined && t.Assembly == m.name && len(t.GenericArgs) == 0 && t.Elem == nil && t.Param == nil
}

// MethodToken implements ilasm.Symbols. Methods of local types resolve to
// MethodDef rows, everything else to MemberRef rows resolved on use.
func (m *module) MethodToken(ref string) (uint32, error) {
	mr, err := parseMember(ref, m.u.named)
	if err != nil {
		return 0, err
	}
	var parent uint32
	if m.local(mr.decl) {
		def, err := m.u.findMethod(&memberRef{decl: mr.decl, name: mr.name, params: mr.params, hasParams: mr.hasParams})
		if err != nil {
			return 0, err
		}
		parent = def.Token
	} else {
		parent = m.intern("member:"+ref, func() uint32 {
			m.memberRefs = append(m.memberRefs, &memberRef{decl: mr.decl, name: mr.name, params: mr.params, hasParams: mr.hasParams})
			return token(metadata.TableMemberRef, len(m.memberRefs))
		})
	}
	if len(mr.genericArgs) == 0 {
		return parent, nil
	}
	return m.intern("methodspec:"+ref, func() uint32 {
		m.methodSpecs = append(m.methodSpecs, methodSpec{parent: parent, args: mr.genericArgs})
		return token(metadata.TableMethodSpec, len(m.methodSpecs))
	}), nil
}

// FieldToken implements ilasm.Symbols.
func (m *module) FieldToken(ref string) (uint32, error) {
	mr, err := parseMember(ref, m.u.named)
	if err != nil {
		return 0, err
	}
	if m.local(mr.decl) {
		f, err := m.u.findField(mr)
		if err != nil {
			return 0, err
		}
		return f.Token, nil
	}
	return m.intern("member:"+ref, func() uint32 {
		m.memberRefs = append(m.memberRefs, mr)
		return token(metadata.TableMemberRef, len(m.memberRefs))
	}), nil
}

// TypeToken implements ilasm.Symbols.
func (m *module) TypeToken(ref string) (uint32, error) {
	t, err := m.parseType(ref)
	if err != nil {
		return 0, err
	}
	if m.local(t) {
		for i, e := range m.typeDefs {
			if e.typ == t {
				return token(metadata.TableTypeDef, i+1), nil
			}
		}
	}
	if len(t.GenericArgs) > 0 || t.Elem != nil || t.Param != nil {
		return m.intern("spec:"+ref, func() uint32 {
			m.typeSpecs = append(m.typeSpecs, t)
			return token(metadata.TableTypeSpec, len(m.typeSpecs))
		}), nil
	}
	return m.intern("type:"+t.FullName(), func() uint32 {
		m.typeRefs = append(m.typeRefs, t)
		return token(metadata.TableTypeRef, len(m.typeRefs))
	}), nil
}

// StringToken implements ilasm.Symbols.
func (m *module) StringToken(s string) (uint32, error) {
	return m.intern("string:"+s, func() uint32 {
		m.strings = append(m.strings, s)
		return token(metadata.TableUserString, len(m.strings))
	}), nil
}

// SignatureToken implements ilasm.Symbols.
func (m *module) SignatureToken(sig string) (uint32, error) {
	s, err := parseSignature(sig, m.u.named)
	if err != nil {
		return 0, err
	}
	return m.intern("sig:"+sig, func() uint32 {
		m.sigs = append(m.sigs, s)
		return token(metadata.TableStandAloneSig, len(m.sigs))
	}), nil
}

// disassemble renders body as one instruction per line followed by its
// handler table. Decoding stops at the first malformed instruction.
func disassemble(body *metadata.Body) (string, error) {
	var b strings.Builder
	for in, err := range cil.Decode(body.Code) {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(in.String())
		b.WriteByte('\n')
	}
	for _, h := range body.Handlers {
		fmt.Fprintf(&b, ".try IL_%04X to IL_%04X %s", h.TryOffset, h.TryOffset+h.TryLength, h.Kind)
		if h.CatchType != nil {
			fmt.Fprintf(&b, " %s", h.CatchType.FullName())
		}
		if h.Kind == metadata.Filter {
			fmt.Fprintf(&b, " IL_%04X", h.FilterOffset)
		}
		fmt.Fprintf(&b, " handler IL_%04X to IL_%04X\n", h.HandlerOffset, h.HandlerOffset+h.HandlerLength)
	}
	return b.String(), nil
}

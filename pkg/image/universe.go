package image

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/715d/excfinder/pkg/ilasm"
	"github.com/715d/excfinder/pkg/metadata"
)

// Universe is a set of loaded assemblies. References between assemblies
// resolve lazily, so a reference into an assembly that was not loaded
// fails with metadata.ErrUnresolvedToken when it is used.
type Universe struct {
	modules map[string]*module
	order   []string
	types   map[string]*typeEntry

	// placeholders holds one Type per referenced but undefined name.
	placeholders *xsync.Map[string, *metadata.Type]
}

var (
	_ metadata.Provider = (*Universe)(nil)
	_ metadata.Catalog  = (*Universe)(nil)
)

type typeEntry struct {
	typ     *metadata.Type
	def     TypeDef
	methods []*methodEntry
	fields  []*metadata.Field
	props   []*metadata.Property
}

type methodEntry struct {
	method *metadata.Method
	def    MethodDef
	body   *metadata.Body
}

// Build links the given images into a Universe and assembles every method
// body.
func Build(files ...*File) (*Universe, error) {
	u := &Universe{
		modules:      make(map[string]*module),
		types:        make(map[string]*typeEntry),
		placeholders: xsync.NewMap[string, *metadata.Type](),
	}

	// Step 1: declare assemblies and types so that references between them
	// can be linked regardless of file order.
	for _, f := range files {
		if _, dup := u.modules[f.Assembly]; dup {
			return nil, fmt.Errorf("assembly %s loaded twice", f.Assembly)
		}
		mod := newModule(u, f.Assembly)
		u.modules[f.Assembly] = mod
		u.order = append(u.order, f.Assembly)
		for _, td := range f.Types {
			full := td.Name
			if td.Namespace != "" {
				full = td.Namespace + "." + td.Name
			}
			if prev, dup := u.types[full]; dup {
				return nil, fmt.Errorf("type %s defined in both %s and %s", full, prev.typ.Assembly, f.Assembly)
			}
			e := &typeEntry{
				typ: &metadata.Type{Assembly: f.Assembly, Namespace: td.Namespace, Name: td.Name, Defined: true},
				def: td,
			}
			u.types[full] = e
			mod.typeDefs = append(mod.typeDefs, e)
		}
	}

	// Step 2: link base types, interfaces and member signatures.
	for _, name := range u.order {
		mod := u.modules[name]
		for _, e := range mod.typeDefs {
			if err := mod.declareMembers(e); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", name, e.typ.FullName(), err)
			}
		}
	}

	// Step 3: assemble bodies. Each module owns its token tables, so modules
	// are assembled independently.
	var g errgroup.Group
	for _, name := range u.order {
		mod := u.modules[name]
		g.Go(mod.assembleBodies)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slog.Debug("built universe", "assemblies", len(u.order), "types", len(u.types))
	return u, nil
}

// named returns the defined type called full, or a shared placeholder.
func (u *Universe) named(assembly, full string) *metadata.Type {
	if e, ok := u.types[full]; ok {
		return e.typ
	}
	if t, ok := u.placeholders.Load(full); ok {
		return t
	}
	ns, name := splitName(full)
	t, _ := u.placeholders.LoadOrStore(full, &metadata.Type{Assembly: assembly, Namespace: ns, Name: name})
	return t
}

// TypeByName parses a type reference such as "System.IO.IOException".
// Unknown names yield undefined placeholders.
func (u *Universe) TypeByName(name string) *metadata.Type {
	t, err := parseType(name, u.named)
	if err != nil {
		return nil
	}
	return t
}

// Assemblies returns the loaded assembly names in load order.
func (u *Universe) Assemblies() []string {
	return slices.Clone(u.order)
}

// Types returns the types an assembly defines, in declaration order.
func (u *Universe) Types(assembly string) []*metadata.Type {
	mod, ok := u.modules[assembly]
	if !ok {
		return nil
	}
	out := make([]*metadata.Type, len(mod.typeDefs))
	for i, e := range mod.typeDefs {
		out[i] = e.typ
	}
	return out
}

// Methods returns the methods t declares.
func (u *Universe) Methods(t *metadata.Type) []*metadata.Method {
	e, ok := u.types[defName(t)]
	if !ok {
		return nil
	}
	out := make([]*metadata.Method, len(e.methods))
	for i, me := range e.methods {
		out[i] = me.method
	}
	return out
}

// Properties returns the properties t declares.
func (u *Universe) Properties(t *metadata.Type) []*metadata.Property {
	e, ok := u.types[defName(t)]
	if !ok {
		return nil
	}
	return slices.Clone(e.props)
}

// FindMethod looks up a method by reference, e.g. "Ns.T::Run" or
// "Ns.T::Run(System.String)".
func (u *Universe) FindMethod(ref string) (*metadata.Method, error) {
	mr, err := parseMember(ref, u.named)
	if err != nil {
		return nil, err
	}
	return u.findMethod(mr)
}

func (u *Universe) findMethod(ref *memberRef) (*metadata.Method, error) {
	e, err := u.entryFor(ref)
	if err != nil {
		return nil, err
	}
	for _, me := range e.methods {
		m := me.method
		if m.Name != ref.name || (ref.hasParams && !sameTypes(m.Params, ref.params)) {
			continue
		}
		if len(ref.decl.GenericArgs) > 0 {
			cp := *m
			cp.DeclaringType = ref.decl
			m = &cp
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: no method %s::%s in %s", metadata.ErrUnresolvedToken, ref.decl.FullName(), ref.name, e.typ.Assembly)
}

func (u *Universe) findField(ref *memberRef) (*metadata.Field, error) {
	e, err := u.entryFor(ref)
	if err != nil {
		return nil, err
	}
	for _, f := range e.fields {
		if f.Name != ref.name {
			continue
		}
		if len(ref.decl.GenericArgs) > 0 {
			cp := *f
			cp.DeclaringType = ref.decl
			cp.Type = metadata.Substitute(f.Type, metadata.GenericContext{TypeArgs: ref.decl.GenericArgs})
			f = &cp
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: no field %s::%s", metadata.ErrUnresolvedToken, ref.decl.FullName(), ref.name)
}

func (u *Universe) entryFor(ref *memberRef) (*typeEntry, error) {
	if ref.decl.Elem != nil || ref.decl.Param != nil {
		return nil, fmt.Errorf("%w: members of %s", metadata.ErrUnresolvedToken, ref.decl.FullName())
	}
	e, ok := u.types[defName(ref.decl)]
	if !ok {
		asm := ref.decl.Assembly
		if asm == "" {
			asm = "unknown assembly"
		}
		return nil, fmt.Errorf("%w: type %s (%s not loaded)", metadata.ErrUnresolvedToken, defName(ref.decl), asm)
	}
	return e, nil
}

func (u *Universe) module(name string) (*module, error) {
	mod, ok := u.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: module %q not loaded", metadata.ErrUnresolvedToken, name)
	}
	return mod, nil
}

// ResolveMethod implements metadata.Provider.
func (u *Universe) ResolveMethod(module string, token uint32) (*metadata.Method, error) {
	mod, err := u.module(module)
	if err != nil {
		return nil, err
	}
	rid := int(token & 0x00FFFFFF)
	switch metadata.TokenTable(token) {
	case metadata.TableMethod:
		if rid < 1 || rid > len(mod.methodDefs) {
			break
		}
		return mod.methodDefs[rid-1].method, nil
	case metadata.TableMemberRef:
		if rid < 1 || rid > len(mod.memberRefs) {
			break
		}
		return u.findMethod(mod.memberRefs[rid-1])
	case metadata.TableMethodSpec:
		if rid < 1 || rid > len(mod.methodSpecs) {
			break
		}
		spec := mod.methodSpecs[rid-1]
		m, err := u.ResolveMethod(module, spec.parent)
		if err != nil {
			return nil, err
		}
		cp := *m
		cp.GenericArgs = spec.args
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: no method for token 0x%08X", metadata.ErrUnresolvedToken, token)
}

// ResolveField implements metadata.Provider.
func (u *Universe) ResolveField(module string, token uint32) (*metadata.Field, error) {
	mod, err := u.module(module)
	if err != nil {
		return nil, err
	}
	rid := int(token & 0x00FFFFFF)
	switch metadata.TokenTable(token) {
	case metadata.TableField:
		if rid >= 1 && rid <= len(mod.fieldDefs) {
			return mod.fieldDefs[rid-1], nil
		}
	case metadata.TableMemberRef:
		if rid >= 1 && rid <= len(mod.memberRefs) {
			return u.findField(mod.memberRefs[rid-1])
		}
	}
	return nil, fmt.Errorf("%w: no field for token 0x%08X", metadata.ErrUnresolvedToken, token)
}

// ResolveType implements metadata.Provider.
func (u *Universe) ResolveType(module string, token uint32) (*metadata.Type, error) {
	mod, err := u.module(module)
	if err != nil {
		return nil, err
	}
	rid := int(token & 0x00FFFFFF)
	switch metadata.TokenTable(token) {
	case metadata.TableTypeDef:
		if rid >= 1 && rid <= len(mod.typeDefs) {
			return mod.typeDefs[rid-1].typ, nil
		}
	case metadata.TableTypeRef:
		if rid >= 1 && rid <= len(mod.typeRefs) {
			t := mod.typeRefs[rid-1]
			if !t.Defined {
				return nil, fmt.Errorf("%w: type %s is not loaded", metadata.ErrUnresolvedToken, t.FullName())
			}
			return t, nil
		}
	case metadata.TableTypeSpec:
		if rid >= 1 && rid <= len(mod.typeSpecs) {
			return mod.typeSpecs[rid-1], nil
		}
	}
	return nil, fmt.Errorf("%w: no type for token 0x%08X", metadata.ErrUnresolvedToken, token)
}

// ResolveSignature implements metadata.Provider.
func (u *Universe) ResolveSignature(module string, token uint32) (*metadata.Signature, error) {
	mod, err := u.module(module)
	if err != nil {
		return nil, err
	}
	rid := int(token & 0x00FFFFFF)
	if metadata.TokenTable(token) == metadata.TableStandAloneSig && rid >= 1 && rid <= len(mod.sigs) {
		return mod.sigs[rid-1], nil
	}
	return nil, fmt.Errorf("%w: no signature for token 0x%08X", metadata.ErrUnresolvedToken, token)
}

// MethodBody implements metadata.Provider.
func (u *Universe) MethodBody(m *metadata.Method) (*metadata.Body, error) {
	mod, ok := u.modules[m.Module()]
	rid := int(m.Token & 0x00FFFFFF)
	if !ok || metadata.TokenTable(m.Token) != metadata.TableMethod || rid < 1 || rid > len(mod.methodDefs) {
		return nil, fmt.Errorf("%s: %w", m.FullName(), metadata.ErrNoBody)
	}
	body := mod.methodDefs[rid-1].body
	if body == nil {
		return nil, fmt.Errorf("%s: %w", m.FullName(), metadata.ErrNoBody)
	}
	return body, nil
}

// Disassemble returns the decoded instructions of m, one per line.
func (u *Universe) Disassemble(m *metadata.Method) (string, error) {
	body, err := u.MethodBody(m)
	if err != nil {
		return "", err
	}
	return disassemble(body)
}

func sameTypes(a, b []*metadata.Type) bool {
	return slices.EqualFunc(a, b, metadata.SameType)
}

// offsetOf resolves a handler boundary. Hex bodies have no labels and use
// numeric offsets.
func offsetOf(label string, prog *ilasm.Program, size int) (int, error) {
	if label == "end" {
		return size, nil
	}
	if prog != nil {
		if off, ok := prog.Label(label); ok {
			return off, nil
		}
	}
	n, err := strconv.ParseInt(label, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("undefined label %q", label)
	}
	return int(n), nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	return hex.DecodeString(s)
}

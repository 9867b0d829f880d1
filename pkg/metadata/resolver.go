package metadata

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedToken is returned when a token's target cannot be located,
	// for example because the assembly that defines it is not loaded.
	ErrUnresolvedToken = errors.New("unresolved token")

	// ErrNoBody is returned for abstract, extern and runtime methods.
	ErrNoBody = errors.New("method has no body")
)

// Token tables that can appear in instruction operands.
const (
	TableTypeRef       = 0x01
	TableTypeDef       = 0x02
	TableField         = 0x04
	TableMethod        = 0x06
	TableMemberRef     = 0x0A
	TableStandAloneSig = 0x11
	TableTypeSpec      = 0x1B
	TableMethodSpec    = 0x2B
	TableUserString    = 0x70
)

// TokenTable returns the metadata table a token indexes.
func TokenTable(token uint32) byte {
	return byte(token >> 24)
}

// Provider supplies metadata and method bodies. Tokens are interpreted in
// the scope of the named module.
type Provider interface {
	ResolveMethod(module string, token uint32) (*Method, error)
	ResolveField(module string, token uint32) (*Field, error)
	ResolveType(module string, token uint32) (*Type, error)
	ResolveSignature(module string, token uint32) (*Signature, error)
	// MethodBody returns ErrNoBody when the method has no IL.
	MethodBody(m *Method) (*Body, error)
}

// MemberKind tags the result of Resolve.
type MemberKind uint8

const (
	MemberMethod MemberKind = iota + 1
	MemberField
	MemberType
	MemberSignature
)

// Member is a resolved token.
type Member struct {
	Kind      MemberKind
	Method    *Method
	Field     *Field
	Type      *Type
	Signature *Signature
}

// GenericContext carries the generic arguments of the enclosing method.
type GenericContext struct {
	TypeArgs   []*Type
	MethodArgs []*Type
}

// ContextOf returns the generic context of a method.
func ContextOf(m *Method) GenericContext {
	if m == nil {
		return GenericContext{}
	}
	var ctx GenericContext
	if m.DeclaringType != nil {
		ctx.TypeArgs = m.DeclaringType.GenericArgs
	}
	ctx.MethodArgs = m.GenericArgs
	return ctx
}

// Resolver resolves instruction tokens against a Provider, substituting the
// enclosing method's generic arguments into the result.
type Resolver struct {
	provider Provider
}

// NewResolver creates a resolver over p.
func NewResolver(p Provider) *Resolver {
	return &Resolver{provider: p}
}

// Provider returns the underlying provider.
func (r *Resolver) Provider() Provider {
	return r.provider
}

// Resolve resolves token in module scope. Any lookup failure is reported as
// ErrUnresolvedToken.
func (r *Resolver) Resolve(module string, token uint32, ctx GenericContext) (Member, error) {
	var (
		m   Member
		err error
	)
	switch TokenTable(token) {
	case TableMethod, TableMethodSpec:
		m.Kind = MemberMethod
		m.Method, err = r.provider.ResolveMethod(module, token)
	case TableMemberRef:
		// Member references name either a method or a field.
		m.Kind = MemberMethod
		m.Method, err = r.provider.ResolveMethod(module, token)
		if err != nil {
			if f, ferr := r.provider.ResolveField(module, token); ferr == nil {
				m.Kind, m.Field, m.Method, err = MemberField, f, nil, nil
			}
		}
	case TableField:
		m.Kind = MemberField
		m.Field, err = r.provider.ResolveField(module, token)
	case TableTypeDef, TableTypeRef, TableTypeSpec:
		m.Kind = MemberType
		m.Type, err = r.provider.ResolveType(module, token)
	case TableStandAloneSig:
		m.Kind = MemberSignature
		m.Signature, err = r.provider.ResolveSignature(module, token)
	default:
		err = fmt.Errorf("token table 0x%02X", TokenTable(token))
	}
	if err != nil {
		if errors.Is(err, ErrUnresolvedToken) {
			return Member{}, fmt.Errorf("token 0x%08X in %s: %w", token, module, err)
		}
		return Member{}, fmt.Errorf("token 0x%08X in %s: %w: %w", token, module, ErrUnresolvedToken, err)
	}
	return substituteMember(m, ctx), nil
}

// ResolveMethod resolves a token that must name a method.
func (r *Resolver) ResolveMethod(module string, token uint32, ctx GenericContext) (*Method, error) {
	m, err := r.Resolve(module, token, ctx)
	if err != nil {
		return nil, err
	}
	if m.Kind != MemberMethod {
		return nil, fmt.Errorf("token 0x%08X is not a method: %w", token, ErrUnresolvedToken)
	}
	return m.Method, nil
}

// ResolveField resolves a token that must name a field.
func (r *Resolver) ResolveField(module string, token uint32, ctx GenericContext) (*Field, error) {
	m, err := r.Resolve(module, token, ctx)
	if err != nil {
		return nil, err
	}
	if m.Kind != MemberField {
		return nil, fmt.Errorf("token 0x%08X is not a field: %w", token, ErrUnresolvedToken)
	}
	return m.Field, nil
}

// ResolveType resolves a token that must name a type.
func (r *Resolver) ResolveType(module string, token uint32, ctx GenericContext) (*Type, error) {
	m, err := r.Resolve(module, token, ctx)
	if err != nil {
		return nil, err
	}
	if m.Kind != MemberType {
		return nil, fmt.Errorf("token 0x%08X is not a type: %w", token, ErrUnresolvedToken)
	}
	return m.Type, nil
}

// ResolveSignature resolves a stand-alone signature token.
func (r *Resolver) ResolveSignature(module string, token uint32, ctx GenericContext) (*Signature, error) {
	m, err := r.Resolve(module, token, ctx)
	if err != nil {
		return nil, err
	}
	if m.Kind != MemberSignature {
		return nil, fmt.Errorf("token 0x%08X is not a signature: %w", token, ErrUnresolvedToken)
	}
	return m.Signature, nil
}

// Catalog enumerates the loaded assemblies and their members.
type Catalog interface {
	Assemblies() []string
	Types(assembly string) []*Type
	Methods(t *Type) []*Method
	Properties(t *Type) []*Property
}

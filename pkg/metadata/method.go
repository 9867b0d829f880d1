package metadata

import (
	"strings"
)

// Method describes a method or constructor.
type Method struct {
	Token         uint32
	DeclaringType *Type
	Name          string
	Params        []*Type
	// Return is nil for methods returning void.
	Return   *Type
	Static   bool
	Abstract bool
	// SpecialName is set on property and event accessors and operators.
	SpecialName bool
	GenericArgs []*Type
}

// Module returns the assembly that declares the method.
func (m *Method) Module() string {
	if m.DeclaringType == nil {
		return ""
	}
	return m.DeclaringType.Assembly
}

// IsConstructor reports whether m is an instance or type initializer.
func (m *Method) IsConstructor() bool {
	return m.Name == ".ctor" || m.Name == ".cctor"
}

// HasThis reports whether calls to m pass a receiver.
func (m *Method) HasThis() bool {
	return !m.Static
}

// Signature returns the return type, name and parameter list, which together
// with the declaring type identify the method within its module.
func (m *Method) Signature() string {
	var b strings.Builder
	if m.Return == nil {
		b.WriteString("System.Void")
	} else {
		b.WriteString(m.Return.FullName())
	}
	b.WriteByte(' ')
	b.WriteString(m.Name)
	if len(m.GenericArgs) > 0 {
		b.WriteByte('<')
		for i, a := range m.GenericArgs {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(a.FullName())
		}
		b.WriteByte('>')
	}
	b.WriteByte('(')
	for i, p := range m.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.FullName())
	}
	b.WriteByte(')')
	return b.String()
}

// FullName returns the declaring type and method name, e.g. "Ns.T::Run".
func (m *Method) FullName() string {
	return m.DeclaringType.FullName() + "::" + m.Name
}

func (m *Method) String() string {
	return m.FullName()
}

// IsAccessor reports whether m is a property or event accessor.
func (m *Method) IsAccessor() bool {
	if !m.SpecialName {
		return false
	}
	for _, p := range []string{"get_", "set_", "add_", "remove_", "raise_"} {
		if strings.HasPrefix(m.Name, p) {
			return true
		}
	}
	return false
}

// HandlerKind is the kind of an exception-handling clause.
type HandlerKind uint8

const (
	Catch HandlerKind = iota
	Filter
	Finally
	Fault
)

func (k HandlerKind) String() string {
	switch k {
	case Catch:
		return "catch"
	case Filter:
		return "filter"
	case Finally:
		return "finally"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// HandlerClause is one entry of a method body's exception-handling table.
type HandlerClause struct {
	Kind          HandlerKind
	TryOffset     int
	TryLength     int
	HandlerOffset int
	HandlerLength int
	// FilterOffset is the start of the filter block for Filter clauses.
	FilterOffset int
	// CatchType is set for Catch clauses.
	CatchType *Type
}

// Body is a method body: raw IL, declared locals and handler clauses.
type Body struct {
	Code     []byte
	Locals   []*Type
	Handlers []HandlerClause
}

// Property groups the accessor methods of a property.
type Property struct {
	DeclaringType *Type
	Name          string
	Getter        *Method
	Setter        *Method
}

// Accessors returns the property's accessor methods in declaration order.
func (p *Property) Accessors() []*Method {
	var out []*Method
	for _, m := range []*Method{p.Getter, p.Setter} {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

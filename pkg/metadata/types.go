// Package metadata describes the types, members and method bodies that the
// exception-flow analysis consumes, and resolves instruction tokens to them.
package metadata

import (
	"strconv"
	"strings"
)

// GenericParam marks a type as a generic parameter placeholder (!n or !!n).
type GenericParam struct {
	Index int
	// Method is true for method-level parameters (!!n).
	Method bool
}

// Type describes a runtime type. Identity is by Key, not by pointer.
type Type struct {
	Assembly   string
	Namespace  string
	Name       string
	Base       *Type
	Interfaces []*Type

	// Elem is set for by-reference and array types.
	Elem  *Type
	ByRef bool
	Array bool

	Param       *GenericParam
	GenericArgs []*Type

	// Defined is false for placeholders that no loaded assembly declares.
	Defined bool
}

// FullName returns the namespace-qualified name without decorations.
func (t *Type) FullName() string {
	if t == nil {
		return ""
	}
	if t.Elem != nil {
		suffix := "[]"
		if t.ByRef {
			suffix = "&"
		}
		return t.Elem.FullName() + suffix
	}
	if t.Param != nil {
		if t.Param.Method {
			return "!!" + strconv.Itoa(t.Param.Index)
		}
		return "!" + strconv.Itoa(t.Param.Index)
	}
	name := t.Name
	if t.Namespace != "" {
		name = t.Namespace + "." + t.Name
	}
	if len(t.GenericArgs) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('<')
	for i, a := range t.GenericArgs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.FullName())
	}
	b.WriteByte('>')
	return b.String()
}

// Key returns the identity of the type.
func (t *Type) Key() string {
	return t.FullName()
}

func (t *Type) String() string {
	return t.FullName()
}

// SameType reports whether a and b denote the same type.
func SameType(a, b *Type) bool {
	if a == nil || b == nil {
		return false
	}
	return a == b || a.Key() == b.Key()
}

// IsAssignableFrom reports whether a value of type from can be stored in a
// location of type t: from equals t, derives from t, or implements t.
func (t *Type) IsAssignableFrom(from *Type) bool {
	if t == nil || from == nil {
		return false
	}
	if t.ByRef || from.ByRef {
		return t.ByRef && from.ByRef && SameType(t.Elem, from.Elem)
	}
	if SameType(t, from) {
		return true
	}
	if t.Namespace == "System" && t.Name == "Object" {
		return true
	}
	if t.Array || from.Array {
		return t.Array && from.Array && t.Elem.IsAssignableFrom(from.Elem)
	}
	seen := make(map[string]struct{})
	for cur := from; cur != nil; cur = cur.Base {
		if SameType(t, cur) {
			return true
		}
		if implements(cur, t, seen) {
			return true
		}
	}
	return false
}

func implements(t, iface *Type, seen map[string]struct{}) bool {
	for _, i := range t.Interfaces {
		k := i.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if SameType(i, iface) || implements(i, iface, seen) {
			return true
		}
	}
	return false
}

// Related reports whether a and b are related by subtyping in either
// direction.
func Related(a, b *Type) bool {
	return a.IsAssignableFrom(b) || b.IsAssignableFrom(a)
}

// ByRefOf returns the managed pointer type to t.
func ByRefOf(t *Type) *Type {
	if t == nil {
		return nil
	}
	return &Type{Assembly: t.Assembly, Elem: t, ByRef: true, Defined: t.Defined}
}

// ArrayOf returns the single-dimensional array type of t.
func ArrayOf(t *Type) *Type {
	if t == nil {
		return nil
	}
	return &Type{Assembly: t.Assembly, Elem: t, Array: true, Defined: t.Defined}
}

// Field describes a field.
type Field struct {
	Token         uint32
	DeclaringType *Type
	Name          string
	Type          *Type
	Static        bool
}

func (f *Field) String() string {
	return f.DeclaringType.FullName() + "::" + f.Name
}

// Signature describes a stand-alone call signature used by calli.
type Signature struct {
	HasThis bool
	Params  []*Type
	Return  *Type
}

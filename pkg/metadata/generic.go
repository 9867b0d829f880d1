package metadata

// Substitute replaces generic parameters in t with the arguments in ctx.
// Parameters without a matching argument are left in place.
func Substitute(t *Type, ctx GenericContext) *Type {
	if t == nil || (len(ctx.TypeArgs) == 0 && len(ctx.MethodArgs) == 0) {
		return t
	}
	switch {
	case t.Param != nil:
		args := ctx.TypeArgs
		if t.Param.Method {
			args = ctx.MethodArgs
		}
		if t.Param.Index >= 0 && t.Param.Index < len(args) && args[t.Param.Index] != nil {
			return args[t.Param.Index]
		}
		return t
	case t.Elem != nil:
		elem := Substitute(t.Elem, ctx)
		if elem == t.Elem {
			return t
		}
		cp := *t
		cp.Elem = elem
		return &cp
	case len(t.GenericArgs) > 0:
		args, changed := substituteAll(t.GenericArgs, ctx)
		if !changed {
			return t
		}
		cp := *t
		cp.GenericArgs = args
		return &cp
	}
	return t
}

func substituteAll(ts []*Type, ctx GenericContext) ([]*Type, bool) {
	var out []*Type
	for i, t := range ts {
		s := Substitute(t, ctx)
		if s != t && out == nil {
			out = make([]*Type, len(ts))
			copy(out, ts[:i])
		}
		if out != nil {
			out[i] = s
		}
	}
	if out == nil {
		return ts, false
	}
	return out, true
}

func substituteMember(m Member, ctx GenericContext) Member {
	switch m.Kind {
	case MemberMethod:
		m.Method = substituteMethod(m.Method, ctx)
	case MemberField:
		if t := Substitute(m.Field.Type, ctx); t != m.Field.Type {
			cp := *m.Field
			cp.Type = t
			m.Field = &cp
		}
	case MemberType:
		m.Type = Substitute(m.Type, ctx)
	case MemberSignature:
		params, changed := substituteAll(m.Signature.Params, ctx)
		ret := Substitute(m.Signature.Return, ctx)
		if changed || ret != m.Signature.Return {
			m.Signature = &Signature{HasThis: m.Signature.HasThis, Params: params, Return: ret}
		}
	}
	return m
}

// substituteMethod substitutes the caller's context into the call target's
// signature. The target's own generic arguments are applied first so that
// a MethodSpec such as Foo<!!0> picks up the caller's method arguments.
func substituteMethod(m *Method, ctx GenericContext) *Method {
	margs, margsChanged := substituteAll(m.GenericArgs, ctx)
	decl := Substitute(m.DeclaringType, ctx)
	own := GenericContext{MethodArgs: margs}
	if decl != nil {
		own.TypeArgs = decl.GenericArgs
	}

	params, paramsChanged := substituteAll(m.Params, own)
	ret := Substitute(m.Return, own)
	if !margsChanged && !paramsChanged && decl == m.DeclaringType && ret == m.Return {
		return m
	}
	cp := *m
	cp.GenericArgs = margs
	cp.DeclaringType = decl
	cp.Params = params
	cp.Return = ret
	return &cp
}

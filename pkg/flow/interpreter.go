package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/715d/excfinder/internal/analysis"
	"github.com/715d/excfinder/pkg/cil"
	"github.com/715d/excfinder/pkg/metadata"
)

var stringType = &metadata.Type{Namespace: "System", Name: "String", Defined: true}

// interpreter walks one method body in offset order. Stack slots hold the
// static type of the value, or nil when it is unknown.
type interpreter struct {
	f       *Finder
	rec     *analysis.Method
	method  *metadata.Method
	module  string
	gctx    metadata.GenericContext
	regions *Regions
	code    []byte

	declared []*metadata.Type
	locals   []*metadata.Type
	stack    []*metadata.Type
}

func newInterpreter(f *Finder, rec *analysis.Method, body *metadata.Body) *interpreter {
	m := rec.Desc
	gctx := metadata.ContextOf(m)
	declared := make([]*metadata.Type, len(body.Locals))
	for i, t := range body.Locals {
		declared[i] = metadata.Substitute(t, gctx)
	}
	return &interpreter{
		f:        f,
		rec:      rec,
		method:   m,
		module:   m.Module(),
		gctx:     gctx,
		regions:  NewRegions(body.Handlers),
		declared: declared,
		locals:   make([]*metadata.Type, len(body.Locals)),
		code:     body.Code,
	}
}

// run interprets the body. Cancellation is observed before every
// instruction and is the only error returned; a malformed body stops the
// walk and is recorded on the method.
func (in *interpreter) run(ctx context.Context) error {
	for ins, err := range cil.Decode(in.code) {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			in.f.anomalies.malformedBodies.Add(1)
			in.f.fail(in.rec, fmt.Errorf("%s: %w", in.method.FullName(), err))
			return nil
		}
		if err := in.step(ctx, ins); err != nil {
			return err
		}
	}
	return nil
}

func (in *interpreter) step(ctx context.Context, ins cil.Instruction) error {
	if t, ok := in.regions.EntryAt(ins.Offset); ok {
		// The CLI enters a handler with only the exception object on the stack.
		in.stack = append(in.stack[:0], t)
	}

	switch op := ins.OpCode; op {
	case cil.Nop, cil.Break, cil.Jmp,
		cil.Unaligned, cil.Volatile, cil.Tail, cil.Constrained, cil.No, cil.Readonly:

	case cil.Ldarg0, cil.Ldarg1, cil.Ldarg2, cil.Ldarg3:
		in.push(in.arg(int(op - cil.Ldarg0)))
	case cil.LdargS, cil.Ldarg:
		in.push(in.arg(int(ins.Operand)))
	case cil.LdargaS, cil.Ldarga:
		in.push(metadata.ByRefOf(in.arg(int(ins.Operand))))

	case cil.Ldloc0, cil.Ldloc1, cil.Ldloc2, cil.Ldloc3:
		in.push(in.local(int(op - cil.Ldloc0)))
	case cil.LdlocS, cil.Ldloc:
		in.push(in.local(int(ins.Operand)))
	case cil.LdlocaS, cil.Ldloca:
		in.push(metadata.ByRefOf(in.local(int(ins.Operand))))
	case cil.Stloc0, cil.Stloc1, cil.Stloc2, cil.Stloc3:
		in.store(ins, int(op-cil.Stloc0))
	case cil.StlocS, cil.Stloc:
		in.store(ins, int(ins.Operand))

	case cil.Ldstr:
		in.push(stringType)
	case cil.Dup:
		v := in.pop(ins, 1)
		in.push(v)
		in.push(v)

	case cil.Ldfld, cil.Ldflda, cil.Ldsfld, cil.Ldsflda, cil.Stfld, cil.Stsfld:
		in.field(ins)

	case cil.Call, cil.Callvirt, cil.Newobj:
		return in.call(ctx, ins)
	case cil.Calli:
		in.calli(ins)
	case cil.Ret:
		if in.method.Return != nil {
			in.pop(ins, 1)
		}

	case cil.Castclass, cil.Isinst, cil.UnboxAny, cil.Newarr:
		in.pop(ins, 1)
		t := in.resolveType(ins)
		if op == cil.Newarr {
			t = metadata.ArrayOf(t)
		}
		in.push(t)

	case cil.Throw:
		if t := in.pop(ins, 1); t != nil {
			in.raise(ins.Offset, t)
		}
	case cil.Rethrow:
		if h, ok := in.regions.EnclosingHandler(ins.Offset); ok && h.CatchType != nil {
			in.raise(ins.Offset, h.CatchType)
		}

	case cil.Leave, cil.LeaveS, cil.Endfinally:
		in.stack = in.stack[:0]

	default:
		in.generic(ins)
	}
	return nil
}

// generic applies the opcode's fixed stack behaviour, pushing unknowns.
func (in *interpreter) generic(ins cil.Instruction) {
	info := ins.Info()
	if info == nil {
		return
	}
	if info.Pop > 0 {
		in.pop(ins, info.Pop)
	}
	for range max(info.Push, 0) {
		in.push(nil)
	}
}

func (in *interpreter) push(t *metadata.Type) {
	in.stack = append(in.stack, t)
}

// pop removes n slots and returns the deepest one removed, which is the top
// of the stack when n is 1. Popping past the bottom is counted as an anomaly
// and clamped.
func (in *interpreter) pop(ins cil.Instruction, n int) *metadata.Type {
	if n > len(in.stack) {
		in.f.anomalies.stackUnderflows.Add(1)
		slog.Debug("modeling anomaly",
			"method", in.method.FullName(),
			"offset", ins.Offset,
			"err", fmt.Errorf("%w: %s pops %d from depth %d", ErrStackUnderflow, ins.OpCode, n, len(in.stack)))
		n = len(in.stack)
	}
	if n == 0 {
		return nil
	}
	v := in.stack[len(in.stack)-n]
	in.stack = in.stack[:len(in.stack)-n]
	return v
}

func (in *interpreter) arg(i int) *metadata.Type {
	if in.method.HasThis() {
		if i == 0 {
			return in.method.DeclaringType
		}
		i--
	}
	if i < 0 || i >= len(in.method.Params) {
		return nil
	}
	return metadata.Substitute(in.method.Params[i], in.gctx)
}

func (in *interpreter) local(i int) *metadata.Type {
	if i < 0 || i >= len(in.locals) {
		return nil
	}
	if in.locals[i] != nil {
		return in.locals[i]
	}
	return in.declared[i]
}

func (in *interpreter) store(ins cil.Instruction, i int) {
	v := in.pop(ins, 1)
	if i < 0 || i >= len(in.locals) {
		return
	}
	if decl := in.declared[i]; v != nil && decl != nil && !metadata.Related(decl, v) {
		in.f.anomalies.localTypeMismatches.Add(1)
		slog.Debug("modeling anomaly",
			"method", in.method.FullName(),
			"offset", ins.Offset,
			"local", i,
			"declared", decl.FullName(),
			"stored", v.FullName())
	}
	in.locals[i] = v
}

func (in *interpreter) unresolved(ins cil.Instruction, err error) {
	in.f.anomalies.unresolvedTokens.Add(1)
	slog.Debug("unresolved token",
		"method", in.method.FullName(),
		"offset", ins.Offset,
		"op", ins.OpCode.String(),
		"err", err)
}

func (in *interpreter) resolveType(ins cil.Instruction) *metadata.Type {
	t, err := in.f.resolver.ResolveType(in.module, ins.Token(), in.gctx)
	if err != nil {
		in.unresolved(ins, err)
		return nil
	}
	return t
}

func (in *interpreter) field(ins cil.Instruction) {
	f, err := in.f.resolver.ResolveField(in.module, ins.Token(), in.gctx)
	if err != nil {
		in.unresolved(ins, err)
		in.generic(ins)
		return
	}
	switch ins.OpCode {
	case cil.Ldfld:
		in.pop(ins, 1)
		in.push(f.Type)
	case cil.Ldflda:
		in.pop(ins, 1)
		in.push(metadata.ByRefOf(f.Type))
	case cil.Ldsfld:
		in.push(f.Type)
	case cil.Ldsflda:
		in.push(metadata.ByRefOf(f.Type))
	case cil.Stfld:
		in.pop(ins, 2)
	case cil.Stsfld:
		in.pop(ins, 1)
	}
}

// call analyses a call target, merges its unhandled exceptions and applies
// the call's stack effect. Only cancellation is returned as an error.
func (in *interpreter) call(ctx context.Context, ins cil.Instruction) error {
	target, err := in.f.resolver.ResolveMethod(in.module, ins.Token(), in.gctx)
	if err != nil {
		in.unresolved(ins, err)
		in.push(nil)
		return nil
	}

	pops := len(target.Params)
	if target.HasThis() && ins.OpCode != cil.Newobj {
		pops++
	}
	in.pop(ins, pops)

	if in.f.permitted(in.method, target) {
		if err := in.follow(ctx, ins.Offset, target); err != nil {
			return err
		}
	}

	switch {
	case ins.OpCode == cil.Newobj:
		in.push(target.DeclaringType)
	case target.Return != nil:
		in.push(target.Return)
	}
	return nil
}

func (in *interpreter) follow(ctx context.Context, offset int, target *metadata.Method) error {
	f := in.f
	if f.table.Names().MethodKey(target) == in.rec.Key {
		// Self-recursion adds nothing the method does not already raise.
		f.mu.Lock()
		in.rec.AddCall(in.rec.ID, offset)
		f.mu.Unlock()
		return nil
	}

	callee, err := f.analyze(ctx, target)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	in.rec.AddCall(callee.ID, offset)
	for _, e := range callee.UnhandledExceptions {
		if !in.regions.Catches(offset, e.Type) {
			in.rec.AddUnhandled(e)
		}
	}
	return nil
}

func (in *interpreter) calli(ins cil.Instruction) {
	sig, err := in.f.resolver.ResolveSignature(in.module, ins.Token(), in.gctx)
	if err != nil {
		in.unresolved(ins, err)
		in.pop(ins, 1)
		in.push(nil)
		return
	}
	pops := len(sig.Params) + 1
	if sig.HasThis {
		pops++
	}
	in.pop(ins, pops)
	if sig.Return != nil {
		in.push(sig.Return)
	}
}

// raise records an exception thrown by this method at offset unless an
// enclosing handler catches it.
func (in *interpreter) raise(offset int, t *metadata.Type) {
	if in.regions.Catches(offset, t) {
		return
	}
	e := analysis.ThrownException{Method: in.rec.ID, Offset: offset, Type: t}
	in.f.mu.Lock()
	defer in.f.mu.Unlock()
	in.rec.AddThrown(e)
	in.rec.AddUnhandled(e)
}

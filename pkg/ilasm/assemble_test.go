package ilasm

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/excfinder/pkg/cil"
)

type fakeSymbols struct {
	calls []string
}

func (f *fakeSymbols) MethodToken(ref string) (uint32, error) {
	f.calls = append(f.calls, "method "+ref)
	if strings.HasPrefix(ref, "Missing") {
		return 0, fmt.Errorf("no method %s", ref)
	}
	return 0x06000001, nil
}

func (f *fakeSymbols) FieldToken(ref string) (uint32, error) {
	f.calls = append(f.calls, "field "+ref)
	return 0x04000002, nil
}

func (f *fakeSymbols) TypeToken(ref string) (uint32, error) {
	f.calls = append(f.calls, "type "+ref)
	return 0x02000003, nil
}

func (f *fakeSymbols) StringToken(s string) (uint32, error) {
	f.calls = append(f.calls, "string "+s)
	return 0x70000001, nil
}

func (f *fakeSymbols) SignatureToken(sig string) (uint32, error) {
	f.calls = append(f.calls, "sig "+sig)
	return 0x11000001, nil
}

func TestAssemble_RoundTrip(t *testing.T) {
	src := `
		// try block
		start:  ldstr "a // not a comment"
		        newobj Sample.Error::.ctor(System.String)
		        throw
		handler: stloc.0
		        leave.s done
		        ldloc.s 4
		        switch (start, done)
		        ldsfld Sample.Worker::count
		        rethrow
		done:   ret
	`
	syms := &fakeSymbols{}
	prog, err := Assemble(src, syms)
	require.NoError(t, err)

	require.Equal(t, []string{
		"string a // not a comment",
		"method Sample.Error::.ctor(System.String)",
		"field Sample.Worker::count",
	}, syms.calls)

	ins, err := cil.DecodeAll(prog.Code)
	require.NoError(t, err)

	ops := make([]cil.OpCode, len(ins))
	for i, in := range ins {
		ops[i] = in.OpCode
	}
	require.Equal(t, []cil.OpCode{
		cil.Ldstr, cil.Newobj, cil.Throw, cil.Stloc0, cil.LeaveS,
		cil.LdlocS, cil.Switch, cil.Ldsfld, cil.Rethrow, cil.Ret,
	}, ops)

	require.Equal(t, 0, prog.Labels["start"])
	require.Equal(t, 11, prog.Labels["handler"])
	require.Equal(t, prog.Labels["done"], ins[4].BranchTarget())
	require.Equal(t, []int{0, prog.Labels["done"]}, ins[6].SwitchTargets())
	require.Equal(t, uint32(0x70000001), ins[0].Token())

	end, ok := prog.Label("end")
	require.True(t, ok)
	require.Equal(t, len(prog.Code), end)
}

func TestAssemble_Errors(t *testing.T) {
	tests := []struct {
		name          string
		src           string
		errorContains string
	}{
		{name: "unknown mnemonic", src: "frobnicate", errorContains: "unknown mnemonic"},
		{name: "undefined label", src: "br nowhere", errorContains: "undefined label"},
		{name: "duplicate label", src: "a: nop\na: nop", errorContains: "duplicate label"},
		{name: "missing operand", src: "ldc.i4", errorContains: "missing"},
		{name: "unexpected operand", src: "ret 1", errorContains: "unexpected operand"},
		{name: "operand too large", src: "ldc.i4.s 300", errorContains: "one byte"},
		{name: "unresolved symbol", src: "call Missing::Run", errorContains: "no method"},
		{name: "bad switch", src: "switch a, b", errorContains: "parenthesized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.src, &fakeSymbols{})
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestAssemble_RawTokensWithoutSymbols(t *testing.T) {
	prog, err := Assemble("call 0x0A000004\nret", nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x28, 0x04, 0x00, 0x00, 0x0A, 0x2A}, prog.Code)
}

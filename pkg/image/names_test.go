package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/excfinder/pkg/metadata"
)

func plainNamed(assembly, full string) *metadata.Type {
	ns, name := splitName(full)
	return &metadata.Type{Assembly: assembly, Namespace: ns, Name: name}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in       string
		want     string
		assembly string
		wantErr  bool
	}{
		{in: "System.String", want: "System.String"},
		{in: "[mscorlib]System.String", want: "System.String", assembly: "mscorlib"},
		{in: "System.String[]&", want: "System.String[]&"},
		{in: "!0", want: "!0"},
		{in: "!!1[]", want: "!!1[]"},
		{in: "Ns.Map`2<System.String, Ns.Box`1<!0>>", want: "Ns.Map`2<System.String,Ns.Box`1<!0>>"},
		{in: "Outer+Inner", want: "Outer+Inner"},
		{in: "", wantErr: true},
		{in: "Ns.Box`1<System.String", wantErr: true},
		{in: "System.String junk", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseType(tt.in, plainNamed)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.FullName())
			if tt.assembly != "" {
				assert.Equal(t, tt.assembly, got.Assembly)
			}
		})
	}
}

func TestParseMember(t *testing.T) {
	ref, err := parseMember("System.Exception::.ctor(System.String)", plainNamed)
	require.NoError(t, err)
	assert.Equal(t, "System.Exception", ref.decl.FullName())
	assert.Equal(t, ".ctor", ref.name)
	assert.True(t, ref.hasParams)
	require.Len(t, ref.params, 1)

	ref, err = parseMember("Ns.T::Convert<System.Int32>()", plainNamed)
	require.NoError(t, err)
	assert.Equal(t, "Convert", ref.name)
	require.Len(t, ref.genericArgs, 1)
	assert.True(t, ref.hasParams)
	assert.Empty(t, ref.params)

	ref, err = parseMember("Ns.T::field", plainNamed)
	require.NoError(t, err)
	assert.False(t, ref.hasParams)

	_, err = parseMember("Ns.T.Run", plainNamed)
	require.Error(t, err)
}

func TestParseSignature(t *testing.T) {
	sig, err := parseSignature("instance System.Void(System.String, System.Int32)", plainNamed)
	require.NoError(t, err)
	assert.True(t, sig.HasThis)
	assert.Nil(t, sig.Return)
	assert.Len(t, sig.Params, 2)

	sig, err = parseSignature("System.Int32()", plainNamed)
	require.NoError(t, err)
	assert.Equal(t, "System.Int32", sig.Return.FullName())
	assert.Empty(t, sig.Params)
}

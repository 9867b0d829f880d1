package xmldoc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/excfinder/pkg/metadata"
)

const workerDoc = `<?xml version="1.0"?>
<doc>
  <assembly><name>App</name></assembly>
  <members>
    <member name="T:App.Worker">
      <summary>Does work.</summary>
    </member>
    <member name="M:App.Worker.Run(System.String)">
      <exception cref="T:System.ArgumentNullException">name is null</exception>
      <exception cref="T:System.InvalidOperationException">not started</exception>
      <exception cref="T:System.ArgumentNullException">duplicate</exception>
    </member>
    <member name="M:App.Worker.#ctor">
      <exception cref="!:Missing">unresolved</exception>
      <exception cref="T:System.IO.IOException"/>
    </member>
    <member name="P:App.Worker.Count">
      <exception cref="T:System.Exception"/>
    </member>
  </members>
</doc>`

var (
	worker = &metadata.Type{Assembly: "App", Namespace: "App", Name: "Worker", Defined: true}
	str    = &metadata.Type{Namespace: "System", Name: "String", Defined: true}
)

func TestParse(t *testing.T) {
	d, err := Parse(strings.NewReader(workerDoc))
	require.NoError(t, err)

	assert.Equal(t, 2, d.Len(), "only method members are kept")
	assert.Equal(t, []string{"System.ArgumentNullException", "System.InvalidOperationException"},
		d.Exceptions("M:App.Worker.Run(System.String)"))
	assert.Equal(t, []string{"System.IO.IOException"}, d.Exceptions("M:App.Worker.#ctor"))
	assert.Empty(t, d.Exceptions("P:App.Worker.Count"))
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse(strings.NewReader("<doc><members>"))
	require.Error(t, err)
}

func TestLoad_Merges(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.xml")
	second := filepath.Join(dir, "b.xml")
	require.NoError(t, os.WriteFile(first, []byte(workerDoc), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`<doc><members>
		<member name="M:App.Worker.Run(System.String)"><exception cref="T:System.TimeoutException"/></member>
	</members></doc>`), 0o644))

	d, err := Load(first, second)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"System.ArgumentNullException",
		"System.InvalidOperationException",
		"System.TimeoutException",
	}, d.Exceptions("M:App.Worker.Run(System.String)"))

	_, err = Load(filepath.Join(dir, "missing.xml"))
	require.Error(t, err)
}

func TestMethodID(t *testing.T) {
	list := &metadata.Type{Namespace: "System.Collections.Generic", Name: "List`1", GenericArgs: []*metadata.Type{str}}
	tests := []struct {
		method *metadata.Method
		want   string
	}{
		{&metadata.Method{DeclaringType: worker, Name: "Stop"}, "M:App.Worker.Stop"},
		{&metadata.Method{DeclaringType: worker, Name: ".ctor"}, "M:App.Worker.#ctor"},
		{&metadata.Method{DeclaringType: worker, Name: ".cctor", Static: true}, "M:App.Worker.#cctor"},
		{&metadata.Method{DeclaringType: worker, Name: "Run", Params: []*metadata.Type{str}}, "M:App.Worker.Run(System.String)"},
		{
			&metadata.Method{DeclaringType: worker, Name: "Fill", Params: []*metadata.Type{
				metadata.ArrayOf(str), metadata.ByRefOf(str), list,
			}},
			"M:App.Worker.Fill(System.String[],System.String@,System.Collections.Generic.List{System.String})",
		},
		{
			&metadata.Method{
				DeclaringType: &metadata.Type{Namespace: "App", Name: "Box`1", GenericArgs: []*metadata.Type{str}},
				Name:          "Put",
				Params: []*metadata.Type{
					{Param: &metadata.GenericParam{Index: 0}},
					{Param: &metadata.GenericParam{Index: 0, Method: true}},
				},
				GenericArgs: []*metadata.Type{str},
			},
			"M:App.Box`1.Put``1(`0,``0)",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MethodID(tt.method))
	}
}

type types map[string]*metadata.Type

func (ts types) TypeByName(name string) *metadata.Type {
	return ts[name]
}

func TestLookup(t *testing.T) {
	d, err := Parse(strings.NewReader(workerDoc))
	require.NoError(t, err)

	argNull := &metadata.Type{Namespace: "System", Name: "ArgumentNullException", Defined: true}
	l := NewLookup(d, types{"System.ArgumentNullException": argNull})

	got := l.DocumentedExceptions(&metadata.Method{DeclaringType: worker, Name: "Run", Params: []*metadata.Type{str}})
	assert.Equal(t, []*metadata.Type{argNull}, got, "unresolvable names are skipped")

	assert.Nil(t, l.DocumentedExceptions(&metadata.Method{DeclaringType: worker, Name: "Stop"}))
}

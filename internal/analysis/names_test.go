package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/excfinder/pkg/metadata"
)

func TestMethodKeyConsistency(t *testing.T) {
	nameCache := NewNameCache()
	str := &metadata.Type{Namespace: "System", Name: "String"}
	worker := &metadata.Type{Assembly: "App", Namespace: "App", Name: "Worker"}
	m := &metadata.Method{DeclaringType: worker, Name: "Run", Params: []*metadata.Type{str}}

	key1 := nameCache.MethodKey(m)
	key2 := nameCache.MethodKey(m)
	require.Equal(t, key1, key2)
	require.Equal(t, "App|App.Worker|System.Void Run(System.String)", key1)

	// A separate descriptor for the same method has the same identity.
	cp := *m
	require.Equal(t, key1, nameCache.MethodKey(&cp))
}

func TestMethodKeyDistinguishesOverloadsAndInstantiations(t *testing.T) {
	nameCache := NewNameCache()
	str := &metadata.Type{Namespace: "System", Name: "String"}
	i32 := &metadata.Type{Namespace: "System", Name: "Int32"}
	box := &metadata.Type{Assembly: "App", Namespace: "App", Name: "Box`1"}
	boxOfString := &metadata.Type{Assembly: "App", Namespace: "App", Name: "Box`1", GenericArgs: []*metadata.Type{str}}

	keys := map[string]struct{}{}
	for _, m := range []*metadata.Method{
		{DeclaringType: box, Name: "Put", Params: []*metadata.Type{str}},
		{DeclaringType: box, Name: "Put", Params: []*metadata.Type{i32}},
		{DeclaringType: boxOfString, Name: "Put", Params: []*metadata.Type{str}},
		{DeclaringType: box, Name: "Put", Params: []*metadata.Type{str}, GenericArgs: []*metadata.Type{i32}},
	} {
		keys[nameCache.MethodKey(m)] = struct{}{}
	}
	require.Len(t, keys, 4)
}

func TestNameCacheNil(t *testing.T) {
	nameCache := NewNameCache()
	require.Empty(t, nameCache.MethodKey(nil))
	require.Empty(t, nameCache.TypeName(nil))
}

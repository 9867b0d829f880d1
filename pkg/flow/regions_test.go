package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/excfinder/pkg/metadata"
)

func TestRegions(t *testing.T) {
	object := &metadata.Type{Namespace: "System", Name: "Object", Defined: true}
	exception := &metadata.Type{Namespace: "System", Name: "Exception", Base: object, Defined: true}
	argument := &metadata.Type{Namespace: "System", Name: "ArgumentException", Base: exception, Defined: true}
	invalid := &metadata.Type{Namespace: "System", Name: "InvalidOperationException", Base: exception, Defined: true}

	// try {                       0..30
	//   try { } catch (Argument)  4..10, handler 10..16
	//   try { } finally { }       16..20, handler 20..24
	// } catch (Exception)         handler 30..40
	// filter clause               try 40..50, filter 50, handler 54..60
	r := NewRegions([]metadata.HandlerClause{
		{Kind: metadata.Catch, TryOffset: 4, TryLength: 6, HandlerOffset: 10, HandlerLength: 6, CatchType: argument},
		{Kind: metadata.Finally, TryOffset: 16, TryLength: 4, HandlerOffset: 20, HandlerLength: 4},
		{Kind: metadata.Catch, TryOffset: 0, TryLength: 30, HandlerOffset: 30, HandlerLength: 10, CatchType: exception},
		{Kind: metadata.Filter, TryOffset: 40, TryLength: 10, FilterOffset: 50, HandlerOffset: 54, HandlerLength: 6},
	})

	t.Run("covering", func(t *testing.T) {
		got := r.Covering(5)
		require.Len(t, got, 2)
		assert.Same(t, argument, got[0].CatchType)
		assert.Same(t, exception, got[1].CatchType)

		assert.Len(t, r.Covering(17), 1, "finally clauses are not listed")
		assert.Empty(t, r.Covering(30))
	})

	t.Run("catches", func(t *testing.T) {
		tests := []struct {
			offset int
			typ    *metadata.Type
			want   bool
		}{
			{5, argument, true},
			{5, invalid, true},
			{17, invalid, true},
			{30, invalid, false},
			{45, exception, false},
			{5, object, false},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.want, r.Catches(tt.offset, tt.typ), "offset %d, %s", tt.offset, tt.typ)
		}
	})

	t.Run("enclosing handler", func(t *testing.T) {
		h, ok := r.EnclosingHandler(12)
		require.True(t, ok)
		assert.Same(t, argument, h.CatchType)

		h, ok = r.EnclosingHandler(35)
		require.True(t, ok)
		assert.Same(t, exception, h.CatchType)

		h, ok = r.EnclosingHandler(55)
		require.True(t, ok)
		assert.Nil(t, h.CatchType)

		_, ok = r.EnclosingHandler(21)
		assert.False(t, ok, "finally blocks do not name a rethrown type")
	})

	t.Run("entry", func(t *testing.T) {
		typ, ok := r.EntryAt(10)
		require.True(t, ok)
		assert.Same(t, argument, typ)

		for _, off := range []int{50, 54} {
			typ, ok = r.EntryAt(off)
			require.True(t, ok)
			assert.Nil(t, typ)
		}

		_, ok = r.EntryAt(20)
		assert.False(t, ok)
	})
}

func TestRegions_EqualTryRanges(t *testing.T) {
	exception := &metadata.Type{Namespace: "System", Name: "Exception", Defined: true}
	argument := &metadata.Type{Namespace: "System", Name: "ArgumentException", Base: exception, Defined: true}

	r := NewRegions([]metadata.HandlerClause{
		{Kind: metadata.Catch, TryOffset: 0, TryLength: 8, HandlerOffset: 8, HandlerLength: 4, CatchType: argument},
		{Kind: metadata.Catch, TryOffset: 0, TryLength: 8, HandlerOffset: 12, HandlerLength: 4, CatchType: exception},
	})
	got := r.Covering(2)
	require.Len(t, got, 2)
	assert.Same(t, argument, got[0].CatchType, "table order breaks ties")
}

func TestFramework(t *testing.T) {
	tests := []struct {
		ns   string
		want bool
	}{
		{"System", true},
		{"System.Collections.Generic", true},
		{"Microsoft.Win32", true},
		{"Mono.Cecil", true},
		{"Windows.Storage", true},
		{"SystemX", false},
		{"App", false},
		{"", false},
	}
	for _, tt := range tests {
		typ := &metadata.Type{Namespace: tt.ns, Name: "T"}
		assert.Equal(t, tt.want, isFramework(typ), tt.ns)
		assert.Equal(t, tt.want, isFramework(metadata.ArrayOf(typ)), tt.ns+"[]")
	}

	a := &metadata.Type{Namespace: "App", Name: "List`1", GenericArgs: []*metadata.Type{{Name: "A"}}}
	b := &metadata.Type{Namespace: "App", Name: "List`1", GenericArgs: []*metadata.Type{{Name: "B"}}}
	assert.True(t, sameDefinition(a, b))
	assert.False(t, sameDefinition(a, &metadata.Type{Namespace: "App", Name: "Other"}))
}

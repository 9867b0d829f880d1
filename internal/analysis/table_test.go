package analysis

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/excfinder/pkg/metadata"
)

func testMethod(name string) *metadata.Method {
	decl := &metadata.Type{Assembly: "App", Namespace: "App", Name: "Worker"}
	return &metadata.Method{DeclaringType: decl, Name: name}
}

func TestTable_InsertAndLookup(t *testing.T) {
	table := NewTable(nil)

	_, ok := table.Lookup(testMethod("Run"))
	require.False(t, ok)

	run, created := table.Insert(testMethod("Run"))
	require.True(t, created)
	require.NotEqual(t, NoMethod, run.ID)

	again, created := table.Insert(testMethod("Run"))
	require.False(t, created)
	require.Same(t, run, again)

	found, ok := table.Lookup(testMethod("Run"))
	require.True(t, ok)
	require.Same(t, run, found)

	byID, ok := table.Get(run.ID)
	require.True(t, ok)
	require.Same(t, run, byID)

	other, _ := table.Insert(testMethod("Stop"))
	assert.NotEqual(t, run.ID, other.ID)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, []*Method{run, other}, table.All())
}

func TestTable_Reset(t *testing.T) {
	table := NewTable(nil)
	first, _ := table.Insert(testMethod("Run"))
	table.Reset()

	assert.Equal(t, 0, table.Len())
	_, ok := table.Get(first.ID)
	assert.False(t, ok)

	second, created := table.Insert(testMethod("Run"))
	require.True(t, created)
	assert.NotEqual(t, first.ID, second.ID, "IDs are not reused after a reset")
}

func TestTable_ConcurrentInsert(t *testing.T) {
	table := NewTable(nil)
	var wg sync.WaitGroup
	ids := make([]MethodID, 16)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _ := table.Insert(testMethod("Run"))
			ids[i] = m.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, table.Len())
}

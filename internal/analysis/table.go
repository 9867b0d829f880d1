package analysis

import (
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/excfinder/pkg/metadata"
)

// Table is the memo table: an arena of Method records indexed by MethodID
// and by method identity.
type Table struct {
	names   *NameCache
	byKey   *xsync.Map[string, MethodID]
	records *xsync.Map[MethodID, *Method]
	next    atomic.Int32
}

func NewTable(names *NameCache) *Table {
	if names == nil {
		names = NewNameCache()
	}
	return &Table{
		names:   names,
		byKey:   xsync.NewMap[string, MethodID](),
		records: xsync.NewMap[MethodID, *Method](),
	}
}

// Names returns the table's name cache.
func (t *Table) Names() *NameCache {
	return t.names
}

// Lookup returns the record for desc, if one exists.
func (t *Table) Lookup(desc *metadata.Method) (*Method, bool) {
	id, ok := t.byKey.Load(t.names.MethodKey(desc))
	if !ok {
		return nil, false
	}
	return t.records.Load(id)
}

// Insert returns the record for desc, creating an empty one when absent.
// The boolean reports whether the record was created by this call.
func (t *Table) Insert(desc *metadata.Method) (*Method, bool) {
	key := t.names.MethodKey(desc)
	if id, ok := t.byKey.Load(key); ok {
		if m, ok := t.records.Load(id); ok {
			return m, false
		}
	}
	m := &Method{ID: MethodID(t.next.Add(1)), Key: key, Desc: desc}
	t.records.Store(m.ID, m)
	if id, loaded := t.byKey.LoadOrStore(key, m.ID); loaded {
		t.records.Delete(m.ID)
		existing, _ := t.records.Load(id)
		return existing, false
	}
	return m, true
}

// Get returns the record with the given id.
func (t *Table) Get(id MethodID) (*Method, bool) {
	return t.records.Load(id)
}

// Len returns the number of records.
func (t *Table) Len() int {
	return t.records.Size()
}

// All returns every record ordered by ID.
func (t *Table) All() []*Method {
	out := make([]*Method, 0, t.records.Size())
	t.records.Range(func(_ MethodID, m *Method) bool {
		out = append(out, m)
		return true
	})
	slices.SortFunc(out, func(a, b *Method) int { return int(a.ID) - int(b.ID) })
	return out
}

// Reset drops every record. IDs are not reused.
func (t *Table) Reset() {
	t.byKey.Clear()
	t.records.Clear()
}

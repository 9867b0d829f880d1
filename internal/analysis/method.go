// Package analysis holds the per-method records of the exception-flow
// analysis and the memo table that owns them.
package analysis

import (
	"slices"

	"github.com/715d/excfinder/pkg/metadata"
)

// MethodID is the stable index of a Method record in a Table.
type MethodID int32

// NoMethod is the zero MethodID; real IDs start at 1.
const NoMethod MethodID = 0

// DocOffset is the offset recorded for exceptions that come from
// documentation rather than bytecode.
const DocOffset = -1

// ThrownException records that an exception of Type may leave Method.
type ThrownException struct {
	// Method is the method whose bytecode (or documentation) raises it.
	Method MethodID

	// Offset is the throw site in Method, or DocOffset.
	Offset int

	// Type is the exception type.
	Type *metadata.Type

	// IsXmlDoc is set when the exception was taken from documentation.
	IsXmlDoc bool
}

// Equal compares by value, with types compared by name.
func (e ThrownException) Equal(o ThrownException) bool {
	return e.Method == o.Method && e.Offset == o.Offset && e.IsXmlDoc == o.IsXmlDoc && metadata.SameType(e.Type, o.Type)
}

// Method is the analysis record of one method. Records are owned by a Table
// and mutated only by the analysis holding the global analysis lock.
type Method struct {
	ID   MethodID
	Key  string
	Desc *metadata.Method

	// Calls maps each callee to the offsets of its call sites, in order.
	Calls map[MethodID][]int

	// ThrownExceptions are raised by the method itself and not caught locally.
	ThrownExceptions []ThrownException

	// UnhandledExceptions are ThrownExceptions plus uncaught exceptions
	// propagated from callees.
	UnhandledExceptions []ThrownException

	// DocumentedThrownExceptions come from documentation.
	DocumentedThrownExceptions []ThrownException

	Analysing bool
	Complete  bool

	// Err is set when the body could not be analysed in full. The record
	// keeps whatever was gathered before the failure.
	Err error

	callOrder []MethodID
}

// AddCall records a call to callee at offset.
func (m *Method) AddCall(callee MethodID, offset int) {
	if m.Calls == nil {
		m.Calls = make(map[MethodID][]int)
	}
	if _, ok := m.Calls[callee]; !ok {
		m.callOrder = append(m.callOrder, callee)
	}
	m.Calls[callee] = append(m.Calls[callee], offset)
}

// Callees returns the called methods in first-call order.
func (m *Method) Callees() []MethodID {
	return slices.Clone(m.callOrder)
}

// AddThrown appends e to ThrownExceptions unless already present.
func (m *Method) AddThrown(e ThrownException) bool {
	return addUnique(&m.ThrownExceptions, e)
}

// AddUnhandled appends e to UnhandledExceptions unless already present.
func (m *Method) AddUnhandled(e ThrownException) bool {
	return addUnique(&m.UnhandledExceptions, e)
}

// AddDocumented appends e to DocumentedThrownExceptions unless already present.
func (m *Method) AddDocumented(e ThrownException) bool {
	return addUnique(&m.DocumentedThrownExceptions, e)
}

func addUnique(list *[]ThrownException, e ThrownException) bool {
	for _, x := range *list {
		if x.Equal(e) {
			return false
		}
	}
	*list = append(*list, e)
	return true
}

// HasUnhandledFrom reports whether an unhandled exception of m was produced
// by producer.
func (m *Method) HasUnhandledFrom(producer MethodID) bool {
	for _, e := range m.UnhandledExceptions {
		if e.Method == producer {
			return true
		}
	}
	return false
}

// DistinctTypes returns the distinct unhandled exception types, in first
// occurrence order.
func (m *Method) DistinctTypes() []*metadata.Type {
	return DistinctTypes(m.UnhandledExceptions)
}

// DistinctTypes returns the distinct types of es, in first occurrence order.
func DistinctTypes(es []ThrownException) []*metadata.Type {
	var out []*metadata.Type
	seen := make(map[string]struct{})
	for _, e := range es {
		k := e.Type.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e.Type)
	}
	return out
}

// Restart clears everything gathered by a previous, abandoned analysis.
func (m *Method) Restart() {
	m.Calls = nil
	m.callOrder = nil
	m.ThrownExceptions = nil
	m.UnhandledExceptions = nil
	m.DocumentedThrownExceptions = nil
	m.Analysing = false
	m.Complete = false
	m.Err = nil
}

// Clone returns a deep copy of m that shares only the immutable type and
// method descriptors.
func (m *Method) Clone() *Method {
	cp := *m
	if m.Calls != nil {
		cp.Calls = make(map[MethodID][]int, len(m.Calls))
		for k, v := range m.Calls {
			cp.Calls[k] = slices.Clone(v)
		}
	}
	cp.callOrder = slices.Clone(m.callOrder)
	cp.ThrownExceptions = slices.Clone(m.ThrownExceptions)
	cp.UnhandledExceptions = slices.Clone(m.UnhandledExceptions)
	cp.DocumentedThrownExceptions = slices.Clone(m.DocumentedThrownExceptions)
	return &cp
}

func (m *Method) String() string {
	if m.Desc == nil {
		return m.Key
	}
	return m.Desc.FullName()
}

package excfinder

import (
	"slices"

	"github.com/715d/excfinder/internal/analysis"
)

// EventKind tells what an Event reports.
type EventKind uint8

const (
	// MethodCompleted reports a method whose analysis finished.
	MethodCompleted EventKind = iota + 1
	// ContainerCompleted reports a tree node all of whose methods have been
	// analysed.
	ContainerCompleted
)

func (k EventKind) String() string {
	switch k {
	case MethodCompleted:
		return "method-completed"
	case ContainerCompleted:
		return "container-completed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers as results become available.
type Event struct {
	Kind EventKind
	// Method is set for MethodCompleted. It is a copy owned by the receiver.
	Method *analysis.Method
	// Node and Summary are set for ContainerCompleted.
	Node    *Node
	Summary Summary
}

type subscriber struct {
	id int
	fn func(Event)
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. Method events are delivered while an analysis is running,
// so fn must not call back into the Analyzer.
func (a *Analyzer) Subscribe(fn func(Event)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextSub++
	id := a.nextSub
	a.subs = append(a.subs, subscriber{id: id, fn: fn})
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.subs = slices.DeleteFunc(a.subs, func(s subscriber) bool { return s.id == id })
	}
}

func (a *Analyzer) publish(e Event) {
	a.mu.Lock()
	subs := slices.Clone(a.subs)
	a.mu.Unlock()
	for _, s := range subs {
		s.fn(e)
	}
}

// Package callpath finds the call chain along which an exception travels from
// the method that raises it to a method that leaves it unhandled.
package callpath

import (
	"golang.org/x/tools/container/intsets"

	"github.com/715d/excfinder/internal/analysis"
)

// Graph gives access to analysed method records by ID.
type Graph interface {
	Get(id analysis.MethodID) (*analysis.Method, bool)
}

// Shortest returns the shortest chain of calls from from to to, both
// included, or nil when there is none. Only edges into callees that leave an
// exception produced by to unhandled are followed, so the result is the
// path the exception escapes along.
//
// The search is a depth-first walk that abandons any branch as long as the
// best chain found so far. Ties keep the chain found first, which follows
// callees in the order their first call site appears.
func Shortest(g Graph, from, to analysis.MethodID) []analysis.MethodID {
	if from == to {
		if _, ok := g.Get(from); ok {
			return []analysis.MethodID{from}
		}
		return nil
	}
	s := &search{g: g, to: to}
	s.visit(from)
	return s.best
}

type search struct {
	g      Graph
	to     analysis.MethodID
	onPath intsets.Sparse
	path   []analysis.MethodID
	best   []analysis.MethodID
}

func (s *search) visit(id analysis.MethodID) {
	if s.best != nil && len(s.path)+1 >= len(s.best) {
		return
	}
	rec, ok := s.g.Get(id)
	if !ok {
		return
	}

	s.path = append(s.path, id)
	s.onPath.Insert(int(id))
	defer func() {
		s.path = s.path[:len(s.path)-1]
		s.onPath.Remove(int(id))
	}()

	if id == s.to {
		s.best = append(s.best[:0:0], s.path...)
		return
	}
	for _, callee := range rec.Callees() {
		if s.onPath.Has(int(callee)) {
			continue
		}
		next, ok := s.g.Get(callee)
		if !ok || !next.HasUnhandledFrom(s.to) {
			continue
		}
		s.visit(callee)
	}
}

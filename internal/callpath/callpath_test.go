package callpath

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/715d/excfinder/internal/analysis"
	"github.com/715d/excfinder/pkg/metadata"
)

type graph map[analysis.MethodID]*analysis.Method

func (g graph) Get(id analysis.MethodID) (*analysis.Method, bool) {
	m, ok := g[id]
	return m, ok
}

var boom = &metadata.Type{Namespace: "System", Name: "Exception", Defined: true}

// build creates records 1..n. edges maps a caller to its callees in call
// order; leaks lists the methods through which producer's exception
// escapes.
func build(n int, edges map[analysis.MethodID][]analysis.MethodID, producer analysis.MethodID, leaks ...analysis.MethodID) graph {
	g := graph{}
	for i := range n {
		id := analysis.MethodID(i + 1)
		g[id] = &analysis.Method{ID: id}
	}
	for caller, callees := range edges {
		for off, callee := range callees {
			g[caller].AddCall(callee, off*5)
		}
	}
	for _, id := range append(leaks, producer) {
		g[id].AddUnhandled(analysis.ThrownException{Method: producer, Offset: 0, Type: boom})
	}
	return g
}

func TestShortest(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		edges    map[analysis.MethodID][]analysis.MethodID
		leaks    []analysis.MethodID
		from, to analysis.MethodID
		want     []analysis.MethodID
	}{
		{
			name: "direct",
			n:    2,
			edges: map[analysis.MethodID][]analysis.MethodID{
				1: {2},
			},
			leaks: []analysis.MethodID{1},
			from:  1, to: 2,
			want: []analysis.MethodID{1, 2},
		},
		{
			name: "prefers the shorter branch found later",
			n:    5,
			edges: map[analysis.MethodID][]analysis.MethodID{
				1: {2, 4},
				2: {3},
				3: {5},
				4: {5},
			},
			leaks: []analysis.MethodID{1, 2, 3, 4},
			from:  1, to: 5,
			want: []analysis.MethodID{1, 4, 5},
		},
		{
			name: "ties keep call order",
			n:    4,
			edges: map[analysis.MethodID][]analysis.MethodID{
				1: {3, 2},
				2: {4},
				3: {4},
			},
			leaks: []analysis.MethodID{1, 2, 3},
			from:  1, to: 4,
			want: []analysis.MethodID{1, 3, 4},
		},
		{
			name: "skips callees that catch the exception",
			n:    4,
			edges: map[analysis.MethodID][]analysis.MethodID{
				1: {2, 3},
				2: {4},
				3: {2},
			},
			leaks: []analysis.MethodID{1, 3},
			from:  1, to: 4,
		},
		{
			name: "cycles terminate",
			n:    4,
			edges: map[analysis.MethodID][]analysis.MethodID{
				1: {2},
				2: {3, 1},
				3: {2, 4},
			},
			leaks: []analysis.MethodID{1, 2, 3},
			from:  1, to: 4,
			want: []analysis.MethodID{1, 2, 3, 4},
		},
		{
			name: "same method",
			n:    1,
			from: 1, to: 1,
			want: []analysis.MethodID{1},
		},
		{
			name: "unknown start",
			n:    2,
			from: 9, to: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := build(tt.n, tt.edges, tt.to, tt.leaks...)
			assert.Equal(t, tt.want, Shortest(g, tt.from, tt.to))
		})
	}
}

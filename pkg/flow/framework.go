package flow

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/715d/excfinder/pkg/metadata"
)

type Set[T comparable] map[T]struct{}

// getFrameworkRoots returns the root namespaces of the base class library.
var getFrameworkRoots = sync.OnceValue(func() Set[string] {
	m := Set[string]{
		"System":    {},
		"Microsoft": {},
		"Windows":   {},
		"Mono":      {},
	}
	slog.Debug("loaded framework namespaces", "num", len(m))
	return m
})

// isFramework reports whether t lives in a framework namespace.
func isFramework(t *metadata.Type) bool {
	for t != nil && t.Elem != nil {
		t = t.Elem
	}
	if t == nil {
		return false
	}
	root, _, _ := strings.Cut(t.Namespace, ".")
	_, ok := getFrameworkRoots()[root]
	return ok
}

// sameDefinition reports whether a and b name the same type definition,
// ignoring generic arguments.
func sameDefinition(a, b *metadata.Type) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Namespace == b.Namespace && a.Name == b.Name
}

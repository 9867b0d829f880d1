package analysis

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/excfinder/pkg/metadata"
)

// NameCache caches the canonical identity strings of method descriptors.
// Resolution of generic instantiations creates a fresh descriptor per call
// site, so identities are compared by string, never by pointer.
type NameCache struct {
	methodCache *xsync.Map[*metadata.Method, string]
	typeCache   *xsync.Map[*metadata.Type, string]
}

func NewNameCache() *NameCache {
	return &NameCache{
		methodCache: xsync.NewMap[*metadata.Method, string](),
		typeCache:   xsync.NewMap[*metadata.Type, string](),
	}
}

// MethodKey returns the stable identity of m: its module, the full name of
// its declaring type and its signature, e.g.
// "App|App.Worker|System.Void Run(System.String)".
func (c *NameCache) MethodKey(m *metadata.Method) string {
	if m == nil {
		return ""
	}
	key, ok := c.methodCache.Load(m)
	if ok {
		return key
	}
	key = c.computeMethodKey(m)
	c.methodCache.Store(m, key)
	return key
}

// TypeName returns the full name of t, or "" for an unknown slot.
func (c *NameCache) TypeName(t *metadata.Type) string {
	if t == nil {
		return ""
	}
	name, ok := c.typeCache.Load(t)
	if ok {
		return name
	}
	name = t.FullName()
	c.typeCache.Store(t, name)
	return name
}

func (c *NameCache) computeMethodKey(m *metadata.Method) string {
	module := m.Module()
	decl := c.TypeName(m.DeclaringType)
	sig := m.Signature()

	var builder strings.Builder
	builder.Grow(len(module) + len(decl) + len(sig) + 2)
	builder.WriteString(module)
	builder.WriteByte('|')
	builder.WriteString(decl)
	builder.WriteByte('|')
	builder.WriteString(sig)
	return builder.String()
}

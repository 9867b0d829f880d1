// Package xmldoc reads the exceptions declared in .NET XML documentation
// files.
//
// A documentation file lists members by documentation ID and attaches
// <exception cref="T:..."> elements to those that throw:
//
//	<doc>
//	  <members>
//	    <member name="M:App.Worker.Run(System.String)">
//	      <exception cref="T:System.ArgumentNullException">name is null</exception>
//	    </member>
//	  </members>
//	</doc>
package xmldoc

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/715d/excfinder/pkg/metadata"
)

// Docs maps method documentation IDs to the full names of the exception
// types they declare.
type Docs struct {
	members map[string][]string
}

type docFile struct {
	Members []struct {
		Name       string `xml:"name,attr"`
		Exceptions []struct {
			Cref string `xml:"cref,attr"`
		} `xml:"exception"`
	} `xml:"members>member"`
}

// New returns an empty Docs.
func New() *Docs {
	return &Docs{members: make(map[string][]string)}
}

// Parse reads one documentation file.
func Parse(r io.Reader) (*Docs, error) {
	var f docFile
	if err := xml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing documentation: %w", err)
	}

	d := New()
	for _, m := range f.Members {
		if !strings.HasPrefix(m.Name, "M:") {
			continue
		}
		for _, e := range m.Exceptions {
			// "!:" marks a cref the compiler could not resolve.
			name, ok := strings.CutPrefix(e.Cref, "T:")
			if !ok || name == "" {
				continue
			}
			d.add(m.Name, name)
		}
	}
	return d, nil
}

// Load reads and merges the documentation files at paths.
func Load(paths ...string) (*Docs, error) {
	d := New()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		parsed, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		d.Merge(parsed)
		slog.Debug("loaded documentation", "path", path, "members", len(parsed.members))
	}
	return d, nil
}

func (d *Docs) add(id, typeName string) {
	if !slices.Contains(d.members[id], typeName) {
		d.members[id] = append(d.members[id], typeName)
	}
}

// Merge adds every entry of o to d.
func (d *Docs) Merge(o *Docs) {
	for id, names := range o.members {
		for _, name := range names {
			d.add(id, name)
		}
	}
}

// Len returns the number of documented methods.
func (d *Docs) Len() int {
	return len(d.members)
}

// Exceptions returns the exception type names documented for id.
func (d *Docs) Exceptions(id string) []string {
	return d.members[id]
}

// MethodID returns the documentation ID of m, e.g.
// "M:App.Worker.Run(System.String)".
func MethodID(m *metadata.Method) string {
	var b strings.Builder
	b.WriteString("M:")
	writeDefinition(&b, m.DeclaringType)
	b.WriteByte('.')
	name := m.Name
	if strings.HasPrefix(name, ".") {
		// .ctor and .cctor
		name = "#" + name[1:]
	}
	b.WriteString(name)
	if n := len(m.GenericArgs); n > 0 {
		b.WriteString("``")
		b.WriteString(strconv.Itoa(n))
	}
	if len(m.Params) > 0 {
		b.WriteByte('(')
		for i, p := range m.Params {
			if i > 0 {
				b.WriteByte(',')
			}
			writeParam(&b, p)
		}
		b.WriteByte(')')
	}
	return b.String()
}

func writeDefinition(b *strings.Builder, t *metadata.Type) {
	if t.Namespace != "" {
		b.WriteString(t.Namespace)
		b.WriteByte('.')
	}
	b.WriteString(t.Name)
}

func writeParam(b *strings.Builder, t *metadata.Type) {
	switch {
	case t == nil:
		b.WriteString("System.Object")
	case t.ByRef:
		writeParam(b, t.Elem)
		b.WriteByte('@')
	case t.Array:
		writeParam(b, t.Elem)
		b.WriteString("[]")
	case t.Param != nil:
		b.WriteByte('`')
		if t.Param.Method {
			b.WriteByte('`')
		}
		b.WriteString(strconv.Itoa(t.Param.Index))
	case len(t.GenericArgs) > 0:
		if t.Namespace != "" {
			b.WriteString(t.Namespace)
			b.WriteByte('.')
		}
		name, _, _ := strings.Cut(t.Name, "`")
		b.WriteString(name)
		b.WriteByte('{')
		for i, a := range t.GenericArgs {
			if i > 0 {
				b.WriteByte(',')
			}
			writeParam(b, a)
		}
		b.WriteByte('}')
	default:
		writeDefinition(b, t)
	}
}

// TypeResolver turns a full type name into a type.
type TypeResolver interface {
	TypeByName(name string) *metadata.Type
}

// Lookup answers documented-exception queries for analysed methods.
type Lookup struct {
	docs  *Docs
	types TypeResolver
}

// NewLookup returns a Lookup that resolves documented type names through
// types.
func NewLookup(docs *Docs, types TypeResolver) *Lookup {
	return &Lookup{docs: docs, types: types}
}

// DocumentedExceptions returns the exception types documented for m. Names
// that do not resolve are skipped.
func (l *Lookup) DocumentedExceptions(m *metadata.Method) []*metadata.Type {
	names := l.docs.Exceptions(MethodID(m))
	if len(names) == 0 {
		return nil
	}
	out := make([]*metadata.Type, 0, len(names))
	for _, name := range names {
		t := l.types.TypeByName(name)
		if t == nil {
			slog.Debug("skipping documented exception", "method", m.FullName(), "cref", name)
			continue
		}
		out = append(out, t)
	}
	return out
}

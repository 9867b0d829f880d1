package excfinder

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/715d/excfinder/internal/analysis"
	"github.com/715d/excfinder/pkg/metadata"
)

// Kind is the variant of a Node.
type Kind uint8

const (
	KindAssembly Kind = iota + 1
	KindNamespace
	KindClass
	KindProperty
	KindMethod
)

var kindNames = map[Kind]string{
	KindAssembly:  "assembly",
	KindNamespace: "namespace",
	KindClass:     "class",
	KindProperty:  "property",
	KindMethod:    "method",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Node is one entry of the browsable tree of loaded code: assemblies
// contain namespaces, namespaces contain classes, classes contain
// properties and methods, and properties contain their accessors.
//
// Children are loaded on first request.
type Node struct {
	Kind     Kind
	Name     string
	Assembly string
	// Type is set for classes, Property for properties and Method for
	// methods.
	Type     *metadata.Type
	Property *metadata.Property
	Method   *metadata.Method

	an *Analyzer

	mu       sync.Mutex
	loaded   bool
	children []*Node
}

// Summary aggregates the analysis of every method beneath a node.
type Summary struct {
	// Unhandled lists the distinct exception types left unhandled, in first
	// occurrence order.
	Unhandled []*metadata.Type
	// Complete is true when every method beneath the node has been analysed.
	Complete bool
	Methods  int
	Failed   int
}

// Roots returns one node per loaded assembly.
func (a *Analyzer) Roots() []*Node {
	var out []*Node
	for _, asm := range a.src.Assemblies() {
		out = append(out, &Node{Kind: KindAssembly, Name: asm, Assembly: asm, an: a})
	}
	return out
}

// LoadChildren returns the node's children, computing them once. If ctx is
// done first the error is returned and a later call starts over.
func (n *Node) LoadChildren(ctx context.Context) ([]*Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.loaded {
		return n.children, nil
	}

	var (
		children []*Node
		err      error
	)
	switch n.Kind {
	case KindAssembly:
		children, err = n.namespaces(ctx)
	case KindNamespace:
		children, err = n.classes(ctx)
	case KindClass:
		children, err = n.members(ctx)
	case KindProperty:
		for _, m := range n.Property.Accessors() {
			children = append(children, n.child(KindMethod, m.Name, func(c *Node) { c.Method = m }))
		}
	case KindMethod:
	}
	if err != nil {
		return nil, err
	}
	n.children, n.loaded = children, true
	return children, nil
}

func (n *Node) child(kind Kind, name string, set func(*Node)) *Node {
	c := &Node{Kind: kind, Name: name, Assembly: n.Assembly, an: n.an}
	if set != nil {
		set(c)
	}
	return c
}

func (n *Node) namespaces(ctx context.Context) ([]*Node, error) {
	var names []string
	for _, t := range n.an.src.Types(n.Assembly) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !slices.Contains(names, t.Namespace) {
			names = append(names, t.Namespace)
		}
	}
	slices.Sort(names)
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, n.child(KindNamespace, name, nil))
	}
	return out, nil
}

func (n *Node) classes(ctx context.Context) ([]*Node, error) {
	var out []*Node
	for _, t := range n.an.src.Types(n.Assembly) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.Namespace != n.Name {
			continue
		}
		out = append(out, n.child(KindClass, t.Name, func(c *Node) { c.Type = t }))
	}
	slices.SortFunc(out, func(a, b *Node) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// members lists properties first, then the methods that are not accessors
// of a listed property.
func (n *Node) members(ctx context.Context) ([]*Node, error) {
	var (
		out       []*Node
		accessors = make(map[*metadata.Method]struct{})
	)
	for _, p := range n.an.src.Properties(n.Type) {
		out = append(out, n.child(KindProperty, p.Name, func(c *Node) { c.Property = p }))
		for _, m := range p.Accessors() {
			accessors[m] = struct{}{}
		}
	}
	for _, m := range n.an.src.Methods(n.Type) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := accessors[m]; ok {
			continue
		}
		out = append(out, n.child(KindMethod, m.Name, func(c *Node) { c.Method = m }))
	}
	return out, nil
}

// Methods returns every method beneath the node, loading children as
// needed. A method node returns itself.
func (n *Node) Methods(ctx context.Context) ([]*metadata.Method, error) {
	if n.Kind == KindMethod {
		return []*metadata.Method{n.Method}, nil
	}
	children, err := n.LoadChildren(ctx)
	if err != nil {
		return nil, err
	}
	var out []*metadata.Method
	for _, c := range children {
		ms, err := c.Methods(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, ms...)
	}
	return out, nil
}

// Analyze analyses every method beneath the node. Each container node
// publishes a ContainerCompleted event once all of its methods are done,
// innermost first.
func (n *Node) Analyze(ctx context.Context) (Summary, error) {
	if n.Kind == KindMethod {
		rec, err := n.an.Analyze(ctx, n.Method)
		if err != nil {
			return Summary{}, err
		}
		return summarize([]*analysis.Method{rec}), nil
	}

	children, err := n.LoadChildren(ctx)
	if err != nil {
		return Summary{}, err
	}
	for _, c := range children {
		if _, err := c.Analyze(ctx); err != nil {
			return Summary{}, err
		}
	}
	s, err := n.Summary(ctx)
	if err != nil {
		return Summary{}, err
	}
	n.an.publish(Event{Kind: ContainerCompleted, Node: n, Summary: s})
	return s, nil
}

// Summary aggregates the results memoized so far for the node's methods.
func (n *Node) Summary(ctx context.Context) (Summary, error) {
	methods, err := n.Methods(ctx)
	if err != nil {
		return Summary{}, err
	}
	recs := make([]*analysis.Method, 0, len(methods))
	for _, m := range methods {
		rec, ok := n.an.Lookup(m)
		if !ok {
			rec = &analysis.Method{Desc: m}
		}
		recs = append(recs, rec)
	}
	return summarize(recs), nil
}

func summarize(recs []*analysis.Method) Summary {
	s := Summary{Complete: true, Methods: len(recs)}
	var all []analysis.ThrownException
	for _, rec := range recs {
		if !rec.Complete {
			s.Complete = false
		}
		if rec.Err != nil {
			s.Failed++
		}
		all = append(all, rec.UnhandledExceptions...)
	}
	s.Unhandled = analysis.DistinctTypes(all)
	return s
}

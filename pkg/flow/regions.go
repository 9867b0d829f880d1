package flow

import (
	"cmp"
	"slices"

	"github.com/715d/excfinder/pkg/metadata"
)

// Regions indexes a method body's exception-handling clauses. It is built
// once per body and never modified.
type Regions struct {
	// catching holds Catch and Filter clauses, innermost first.
	catching []metadata.HandlerClause
}

// NewRegions builds the index for clauses.
func NewRegions(clauses []metadata.HandlerClause) *Regions {
	r := &Regions{}
	for _, c := range clauses {
		if c.Kind == metadata.Catch || c.Kind == metadata.Filter {
			r.catching = append(r.catching, c)
		}
	}
	// Smallest try range first. Equal ranges keep table order, which lists
	// inner clauses before outer ones.
	slices.SortStableFunc(r.catching, func(a, b metadata.HandlerClause) int {
		if c := cmp.Compare(a.TryLength, b.TryLength); c != 0 {
			return c
		}
		return cmp.Compare(b.TryOffset, a.TryOffset)
	})
	return r
}

// Covering returns the Catch and Filter clauses whose try range contains
// offset, innermost first. Finally and Fault clauses never catch.
func (r *Regions) Covering(offset int) []metadata.HandlerClause {
	var out []metadata.HandlerClause
	for _, c := range r.catching {
		if offset >= c.TryOffset && offset < c.TryOffset+c.TryLength {
			out = append(out, c)
		}
	}
	return out
}

// Catches reports whether an exception of type t raised at offset is caught
// by an enclosing clause. Filter clauses have no declared type and never
// count as catching.
func (r *Regions) Catches(offset int, t *metadata.Type) bool {
	for _, c := range r.Covering(offset) {
		if c.CatchType != nil && c.CatchType.IsAssignableFrom(t) {
			return true
		}
	}
	return false
}

// EnclosingHandler returns the Catch or Filter clause whose handler block
// contains offset. When handler blocks nest, the smallest one wins, and of
// equal sizes the one starting later.
func (r *Regions) EnclosingHandler(offset int) (metadata.HandlerClause, bool) {
	var (
		best  metadata.HandlerClause
		found bool
	)
	for _, c := range r.catching {
		if offset < c.HandlerOffset || offset >= c.HandlerOffset+c.HandlerLength {
			continue
		}
		if !found || c.HandlerLength < best.HandlerLength ||
			(c.HandlerLength == best.HandlerLength && c.HandlerOffset > best.HandlerOffset) {
			best, found = c, true
		}
	}
	return best, found
}

// EntryAt reports what the CLI places on the evaluation stack when control
// enters a handler or filter block starting at offset. The type is nil for
// filters, whose exception type is not declared.
func (r *Regions) EntryAt(offset int) (t *metadata.Type, ok bool) {
	for _, c := range r.catching {
		switch {
		case c.Kind == metadata.Catch && c.HandlerOffset == offset:
			return c.CatchType, true
		case c.Kind == metadata.Filter && (c.HandlerOffset == offset || c.FilterOffset == offset):
			return nil, true
		}
	}
	return nil, false
}

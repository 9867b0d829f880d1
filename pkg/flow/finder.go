// Package flow computes which exception types can leave a method uncaught.
//
// A Finder walks a method's bytecode with an abstract evaluation stack that
// tracks value types, analyses call targets recursively and filters every
// exception through the method's handler table. Results are memoized per
// method identity in an analysis.Table.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/715d/excfinder/internal/analysis"
	"github.com/715d/excfinder/pkg/metadata"
)

// ErrStackUnderflow describes an instruction that pops more values than the
// abstract stack holds. It is counted and logged, never returned.
var ErrStackUnderflow = errors.New("abstract stack underflow")

// DocPolicy controls how documented exceptions are combined with bytecode
// analysis.
type DocPolicy uint8

const (
	// DocNever ignores documentation.
	DocNever DocPolicy = iota
	// DocPrefer uses documentation when a method has any and analyses
	// bytecode otherwise.
	DocPrefer
	// DocOnly uses documentation and never analyses bytecode.
	DocOnly
	// DocCombine uses both.
	DocCombine
)

var docPolicyNames = [...]string{"never", "prefer", "only", "combine"}

func (p DocPolicy) String() string {
	if int(p) < len(docPolicyNames) {
		return docPolicyNames[p]
	}
	return fmt.Sprintf("DocPolicy(%d)", p)
}

// ParseDocPolicy parses the String form of a DocPolicy.
func ParseDocPolicy(s string) (DocPolicy, error) {
	for i, name := range docPolicyNames {
		if name == s {
			return DocPolicy(i), nil
		}
	}
	return DocNever, fmt.Errorf("unknown documentation policy %q", s)
}

// Settings select which calls are followed and how documentation is used.
type Settings struct {
	SameClassOnly             bool
	SameAssemblyOnly          bool
	IgnoreFrameworkNamespaces bool
	IgnoreAccessorMethods     bool
	DocumentationPolicy       DocPolicy
}

// Documentation supplies exception types declared by external
// documentation.
type Documentation interface {
	DocumentedExceptions(m *metadata.Method) []*metadata.Type
}

// Anomalies counts modeling anomalies seen since the last reset. They mark
// places where the abstract state is imprecise; analysis continues past
// all of them.
type Anomalies struct {
	StackUnderflows     int64 `json:"stack_underflows"`
	LocalTypeMismatches int64 `json:"local_type_mismatches"`
	UnresolvedTokens    int64 `json:"unresolved_tokens"`
	MalformedBodies     int64 `json:"malformed_bodies"`
}

type anomalyCounters struct {
	stackUnderflows     atomic.Int64
	localTypeMismatches atomic.Int64
	unresolvedTokens    atomic.Int64
	malformedBodies     atomic.Int64
}

// Finder is the analysis context. It owns the memo table and the lock that
// serializes top-level analyses.
type Finder struct {
	provider metadata.Provider
	resolver *metadata.Resolver
	docs     Documentation
	settings Settings
	table    *analysis.Table

	// lock admits one top-level analysis at a time. Recursive analysis of
	// callees runs under the caller's hold.
	lock *semaphore.Weighted

	onComplete func(*analysis.Method)
	anomalies  anomalyCounters
	mu         sync.Mutex
}

// Option configures a Finder.
type Option func(*Finder)

// WithSettings sets the call filter and documentation policy.
func WithSettings(s Settings) Option {
	return func(f *Finder) { f.settings = s }
}

// WithDocumentation sets the documented-exceptions source.
func WithDocumentation(d Documentation) Option {
	return func(f *Finder) { f.docs = d }
}

// WithTable shares an existing memo table.
func WithTable(t *analysis.Table) Option {
	return func(f *Finder) { f.table = t }
}

// WithCompletion registers fn to receive a copy of every record as its
// analysis completes.
func WithCompletion(fn func(*analysis.Method)) Option {
	return func(f *Finder) { f.onComplete = fn }
}

// NewFinder creates a Finder over p.
func NewFinder(p metadata.Provider, opts ...Option) *Finder {
	f := &Finder{
		provider: p,
		resolver: metadata.NewResolver(p),
		lock:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.table == nil {
		f.table = analysis.NewTable(nil)
	}
	return f
}

// Table returns the memo table.
func (f *Finder) Table() *analysis.Table {
	return f.table
}

// Settings returns the active settings.
func (f *Finder) Settings() Settings {
	return f.settings
}

// Anomalies returns the current anomaly counts.
func (f *Finder) Anomalies() Anomalies {
	return Anomalies{
		StackUnderflows:     f.anomalies.stackUnderflows.Load(),
		LocalTypeMismatches: f.anomalies.localTypeMismatches.Load(),
		UnresolvedTokens:    f.anomalies.unresolvedTokens.Load(),
		MalformedBodies:     f.anomalies.malformedBodies.Load(),
	}
}

// Analyze returns the analysis of m, computing it on first request. The
// returned record is a copy; later analyses do not modify it.
//
// Analyze blocks while another top-level analysis runs. If ctx is cancelled,
// the methods being analysed are left incomplete and are analysed afresh by
// the next request.
func (f *Finder) Analyze(ctx context.Context, m *metadata.Method) (*analysis.Method, error) {
	if err := f.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.lock.Release(1)

	rec, err := f.analyze(ctx, m)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Reset drops every memoized result and the anomaly counts. It waits for a
// running analysis to finish, or for ctx to be done.
func (f *Finder) Reset(ctx context.Context) error {
	if err := f.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.lock.Release(1)

	f.table.Reset()
	f.anomalies.stackUnderflows.Store(0)
	f.anomalies.localTypeMismatches.Store(0)
	f.anomalies.unresolvedTokens.Store(0)
	f.anomalies.malformedBodies.Store(0)
	slog.Debug("reset analysis results")
	return nil
}

// View runs fn with exclusive access to the memo table. Records read inside
// fn must not be retained after it returns.
func (f *Finder) View(ctx context.Context, fn func(*analysis.Table)) error {
	if err := f.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.lock.Release(1)
	fn(f.table)
	return nil
}

// Lookup returns a copy of the memoized record of m, if any.
func (f *Finder) Lookup(m *metadata.Method) (*analysis.Method, bool) {
	rec, ok := f.table.Lookup(m)
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return rec.Clone(), true
}

// analyze is the memoized recursive step. The caller holds f.lock.
func (f *Finder) analyze(ctx context.Context, m *metadata.Method) (*analysis.Method, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, created := f.table.Insert(m)
	if !created {
		if rec.Complete || rec.Analysing {
			// Complete records are final. Analysing ones belong to a frame
			// further up this call chain, which is a cycle.
			return rec, nil
		}
		// Abandoned by a cancelled analysis.
		f.mu.Lock()
		rec.Restart()
		f.mu.Unlock()
	}

	f.setState(rec, true, false)
	err := f.run(ctx, rec)
	if err != nil {
		f.setState(rec, false, false)
		return rec, err
	}
	f.setState(rec, false, true)

	slog.Debug("analysed method", "method", rec.String(), "unhandled", len(rec.UnhandledExceptions))
	if f.onComplete != nil {
		f.mu.Lock()
		cp := rec.Clone()
		f.mu.Unlock()
		f.onComplete(cp)
	}
	return rec, nil
}

func (f *Finder) setState(rec *analysis.Method, analysing, complete bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Analysing = analysing
	rec.Complete = complete
}

// run gathers documented exceptions and interprets the body per the
// documentation policy. It only fails on cancellation; other failures are
// recorded in rec.Err.
func (f *Finder) run(ctx context.Context, rec *analysis.Method) error {
	m := rec.Desc
	policy := f.settings.DocumentationPolicy

	var documented []*metadata.Type
	if policy != DocNever && f.docs != nil {
		documented = f.docs.DocumentedExceptions(m)
	}
	f.mu.Lock()
	for _, t := range documented {
		e := analysis.ThrownException{Method: rec.ID, Offset: analysis.DocOffset, Type: t, IsXmlDoc: true}
		rec.AddDocumented(e)
		rec.AddUnhandled(e)
	}
	f.mu.Unlock()

	if policy == DocOnly || (policy == DocPrefer && len(documented) > 0) {
		return nil
	}

	body, err := f.provider.MethodBody(m)
	if errors.Is(err, metadata.ErrNoBody) {
		return nil
	}
	if err != nil {
		f.fail(rec, err)
		return nil
	}
	return newInterpreter(f, rec, body).run(ctx)
}

func (f *Finder) fail(rec *analysis.Method, err error) {
	f.mu.Lock()
	rec.Err = err
	f.mu.Unlock()
	slog.Warn("method analysis failed", "method", rec.String(), "err", err)
}

// permitted applies the call filter to a call from caller to target.
func (f *Finder) permitted(caller, target *metadata.Method) bool {
	s := f.settings
	switch {
	case s.SameClassOnly && !sameDefinition(caller.DeclaringType, target.DeclaringType):
		return false
	case s.SameAssemblyOnly && caller.Module() != target.Module():
		return false
	case s.IgnoreFrameworkNamespaces && isFramework(target.DeclaringType):
		return false
	case s.IgnoreAccessorMethods && target.IsAccessor():
		return false
	}
	return true
}

// Package excfinder finds the exceptions a CLI method can leave unhandled.
//
// An Analyzer wraps a flow.Finder over a loaded set of assemblies. Results
// are memoized until ResetAll or SetSettings, both of which cancel the work
// in flight.
package excfinder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/715d/excfinder/internal/analysis"
	"github.com/715d/excfinder/internal/callpath"
	"github.com/715d/excfinder/pkg/flow"
	"github.com/715d/excfinder/pkg/metadata"
)

// Source supplies the assemblies to analyse.
type Source interface {
	metadata.Provider
	metadata.Catalog
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithSettings sets the initial settings.
func WithSettings(s Settings) Option {
	return func(a *Analyzer) { a.settings = s }
}

// WithDocumentation sets the source of documented exceptions.
func WithDocumentation(d flow.Documentation) Option {
	return func(a *Analyzer) { a.docs = d }
}

// Analyzer orchestrates exception-flow analysis over a Source.
type Analyzer struct {
	src   Source
	docs  flow.Documentation
	names *analysis.NameCache

	mu       sync.Mutex
	settings Settings
	finder   *flow.Finder
	// inflight holds the cancel functions of running calls.
	inflight map[int]context.CancelFunc
	nextCall int
	subs     []subscriber
	nextSub  int
}

// New creates an Analyzer over src.
func New(src Source, opts ...Option) (*Analyzer, error) {
	a := &Analyzer{
		src:      src,
		names:    analysis.NewNameCache(),
		inflight: make(map[int]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	fs, err := a.settings.flow()
	if err != nil {
		return nil, err
	}
	a.finder = a.newFinder(fs)
	return a, nil
}

func (a *Analyzer) newFinder(fs flow.Settings) *flow.Finder {
	opts := []flow.Option{
		flow.WithSettings(fs),
		flow.WithTable(analysis.NewTable(a.names)),
		flow.WithCompletion(func(m *analysis.Method) {
			a.publish(Event{Kind: MethodCompleted, Method: m})
		}),
	}
	if a.docs != nil {
		opts = append(opts, flow.WithDocumentation(a.docs))
	}
	return flow.NewFinder(a.src, opts...)
}

// Settings returns the active settings.
func (a *Analyzer) Settings() Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// SetSettings replaces the settings. Every memoized result is discarded and
// analyses in flight are cancelled.
func (a *Analyzer) SetSettings(s Settings) error {
	fs, err := s.flow()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = s
	a.cancelLocked()
	a.finder = a.newFinder(fs)
	slog.Debug("settings changed", "settings", fmt.Sprintf("%+v", s))
	return nil
}

func (a *Analyzer) cancelLocked() {
	for id, cancel := range a.inflight {
		cancel()
		delete(a.inflight, id)
	}
}

// ResetAll cancels analyses in flight and discards every result. It waits
// for the cancelled work to unwind, or for ctx to be done.
func (a *Analyzer) ResetAll(ctx context.Context) error {
	a.mu.Lock()
	a.cancelLocked()
	f := a.finder
	a.mu.Unlock()
	return f.Reset(ctx)
}

// current returns the finder together with a context that is also
// cancelled by the next reset.
func (a *Analyzer) current(ctx context.Context) (*flow.Finder, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextCall++
	id := a.nextCall
	a.inflight[id] = cancel
	return a.finder, ctx, func() {
		a.mu.Lock()
		delete(a.inflight, id)
		a.mu.Unlock()
		cancel()
	}
}

// Analyze returns the analysis of m.
func (a *Analyzer) Analyze(ctx context.Context, m *metadata.Method) (*analysis.Method, error) {
	f, ctx, done := a.current(ctx)
	defer done()
	return f.Analyze(ctx, m)
}

// AnalyzeAll analyses every method in turn. Methods whose bodies could not
// be analysed are still returned; their failures are combined into the
// error. Cancellation stops the batch and returns the results so far.
func (a *Analyzer) AnalyzeAll(ctx context.Context, methods []*metadata.Method) ([]*analysis.Method, error) {
	f, ctx, done := a.current(ctx)
	defer done()

	var (
		out    = make([]*analysis.Method, 0, len(methods))
		errs   *multierror.Error
		failed int
	)
	for _, m := range methods {
		rec, err := f.Analyze(ctx, m)
		if err != nil {
			return out, err
		}
		if rec.Err != nil {
			errs = multierror.Append(errs, rec.Err)
			failed++
		}
		out = append(out, rec)
	}
	slog.Info("analysed methods", "num", len(out), "failed", failed)
	return out, errs.ErrorOrNil()
}

// Lookup returns the memoized record of m without analysing it.
func (a *Analyzer) Lookup(m *metadata.Method) (*analysis.Method, bool) {
	a.mu.Lock()
	f := a.finder
	a.mu.Unlock()
	return f.Lookup(m)
}

// Anomalies returns the modeling anomalies counted in this session.
func (a *Analyzer) Anomalies() flow.Anomalies {
	a.mu.Lock()
	f := a.finder
	a.mu.Unlock()
	return f.Anomalies()
}

// ShortestPath returns the shortest chain of analysed calls from from to
// to along which an exception raised by to escapes. It is empty when there
// is none or either method has not been analysed.
func (a *Analyzer) ShortestPath(ctx context.Context, from, to *metadata.Method) ([]*metadata.Method, error) {
	f, ctx, done := a.current(ctx)
	defer done()

	var out []*metadata.Method
	err := f.View(ctx, func(t *analysis.Table) {
		src, ok := t.Lookup(from)
		if !ok {
			return
		}
		dst, ok := t.Lookup(to)
		if !ok {
			return
		}
		for _, id := range callpath.Shortest(t, src.ID, dst.ID) {
			rec, _ := t.Get(id)
			out = append(out, rec.Desc)
		}
	})
	return out, err
}

// Report renders rec for display. With callStacks set, each unhandled
// exception carries the call chain to the method that raised it.
func (a *Analyzer) Report(ctx context.Context, rec *analysis.Method, callStacks bool) (MethodReport, error) {
	f, ctx, done := a.current(ctx)
	defer done()

	var r MethodReport
	err := f.View(ctx, func(t *analysis.Table) {
		r = newReport(t, rec, callStacks)
	})
	return r, err
}

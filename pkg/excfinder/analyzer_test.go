package excfinder

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/715d/excfinder/internal/analysis"
	"github.com/715d/excfinder/pkg/image"
	"github.com/715d/excfinder/pkg/metadata"
	"github.com/715d/excfinder/pkg/xmldoc"
)

const corlib = `
assembly: mscorlib
types:
  - {namespace: System, name: Object}
  - namespace: System
    name: Exception
    base: System.Object
  - namespace: System
    name: InvalidOperationException
    base: System.Exception
    methods: [{name: .ctor}]
  - namespace: System
    name: ArgumentException
    base: System.Exception
`

const app = `
assembly: App
types:
  - namespace: App
    name: Worker
    base: System.Object
    properties:
      - {name: Size, get: get_Size}
    methods:
      - name: Thrower
        static: true
        il: |
          newobj System.InvalidOperationException::.ctor()
          throw
      - name: Mid
        static: true
        il: |
          call App.Worker::Thrower()
          ret
      - name: Top
        static: true
        il: |
          call App.Worker::Mid()
          nop
          ret
      - name: get_Size
        static: true
        returns: System.Int32
        il: |
          ldc.i4.0
          ret
      - name: Broken
        static: true
        hex: "FE"
  - namespace: App.Util
    name: Helper
    base: System.Object
    methods:
      - name: Safe
        static: true
        il: ret
`

func loadUniverse(t *testing.T) *image.Universe {
	t.Helper()
	var files []*image.File
	for _, src := range []string{corlib, app} {
		f, err := image.Parse([]byte(src))
		require.NoError(t, err)
		files = append(files, f)
	}
	u, err := image.Build(files...)
	require.NoError(t, err)
	return u
}

func method(t *testing.T, u *image.Universe, ref string) *metadata.Method {
	t.Helper()
	m, err := u.FindMethod(ref)
	require.NoError(t, err)
	return m
}

func names(ts []*metadata.Type) []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.FullName())
	}
	return out
}

func nodeNames(ns []*Node) []string {
	var out []string
	for _, n := range ns {
		out = append(out, n.Kind.String()+":"+n.Name)
	}
	return out
}

func TestNew_InvalidSettings(t *testing.T) {
	_, err := New(loadUniverse(t), WithSettings(Settings{DocumentationPolicy: "sometimes"}))
	require.Error(t, err)
}

func TestSettings_YAML(t *testing.T) {
	var s Settings
	require.NoError(t, yaml.Unmarshal([]byte(`
same_class_only: true
ignore_framework_namespaces: true
documentation_policy: combine
`), &s))
	assert.Equal(t, Settings{SameClassOnly: true, IgnoreFrameworkNamespaces: true, DocumentationPolicy: "combine"}, s)

	fs, err := s.flow()
	require.NoError(t, err)
	assert.Equal(t, "combine", fs.DocumentationPolicy.String())
}

func TestTree(t *testing.T) {
	ctx := context.Background()
	a, err := New(loadUniverse(t))
	require.NoError(t, err)

	roots := a.Roots()
	require.Equal(t, []string{"assembly:mscorlib", "assembly:App"}, nodeNames(roots))

	namespaces, err := roots[1].LoadChildren(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"namespace:App", "namespace:App.Util"}, nodeNames(namespaces))

	classes, err := namespaces[0].LoadChildren(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"class:Worker"}, nodeNames(classes))

	members, err := classes[0].LoadChildren(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"property:Size",
		"method:Thrower",
		"method:Mid",
		"method:Top",
		"method:Broken",
	}, nodeNames(members))

	accessors, err := members[0].LoadChildren(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"method:get_Size"}, nodeNames(accessors))

	again, err := classes[0].LoadChildren(ctx)
	require.NoError(t, err)
	assert.Same(t, members[0], again[0], "children are loaded once")

	leaf, err := members[1].LoadChildren(ctx)
	require.NoError(t, err)
	assert.Empty(t, leaf)
}

func TestTree_CancelledLoadRetries(t *testing.T) {
	a, err := New(loadUniverse(t))
	require.NoError(t, err)
	root := a.Roots()[1]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = root.LoadChildren(ctx)
	require.ErrorIs(t, err, context.Canceled)

	children, err := root.LoadChildren(context.Background())
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestNode_AnalyzePublishesEvents(t *testing.T) {
	ctx := context.Background()
	a, err := New(loadUniverse(t))
	require.NoError(t, err)

	var (
		methodsDone []string
		containers  []string
	)
	stop := a.Subscribe(func(e Event) {
		switch e.Kind {
		case MethodCompleted:
			methodsDone = append(methodsDone, e.Method.Desc.FullName())
		case ContainerCompleted:
			containers = append(containers, e.Node.Kind.String()+":"+e.Node.Name)
		}
	})

	root := a.Roots()[1]
	namespaces, err := root.LoadChildren(ctx)
	require.NoError(t, err)
	classes, err := namespaces[0].LoadChildren(ctx)
	require.NoError(t, err)

	s, err := classes[0].Analyze(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{
		Unhandled: s.Unhandled,
		Complete:  true,
		Methods:   5,
		Failed:    1,
	}, s)
	assert.Equal(t, []string{"System.InvalidOperationException"}, names(s.Unhandled))

	assert.Equal(t, []string{"property:Size", "class:Worker"}, containers)
	assert.Contains(t, methodsDone, "App.Worker::Top")
	assert.Contains(t, methodsDone, "App.Worker::get_Size")
	assert.Contains(t, methodsDone, "System.InvalidOperationException::.ctor")

	stop()
	_, err = namespaces[1].Analyze(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"property:Size", "class:Worker"}, containers, "unsubscribed")
}

func TestAnalyzeAll_CollectsFailures(t *testing.T) {
	u := loadUniverse(t)
	a, err := New(u)
	require.NoError(t, err)

	methods := []*metadata.Method{
		method(t, u, "App.Worker::Broken"),
		method(t, u, "App.Worker::Top"),
	}
	recs, err := a.AnalyzeAll(context.Background(), methods)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 1)

	require.Len(t, recs, 2)
	assert.Error(t, recs[0].Err)
	assert.True(t, recs[0].Complete)
	assert.Equal(t, []string{"System.InvalidOperationException"}, names(recs[1].DistinctTypes()))
	assert.Equal(t, int64(1), a.Anomalies().MalformedBodies)
}

func TestShortestPathAndReport(t *testing.T) {
	ctx := context.Background()
	u := loadUniverse(t)
	a, err := New(u)
	require.NoError(t, err)

	top := method(t, u, "App.Worker::Top")
	thrower := method(t, u, "App.Worker::Thrower")

	path, err := a.ShortestPath(ctx, top, thrower)
	require.NoError(t, err)
	assert.Empty(t, path, "nothing analysed yet")

	rec, err := a.Analyze(ctx, top)
	require.NoError(t, err)

	path, err = a.ShortestPath(ctx, top, thrower)
	require.NoError(t, err)
	var got []string
	for _, m := range path {
		got = append(got, m.Name)
	}
	assert.Equal(t, []string{"Top", "Mid", "Thrower"}, got)

	r, err := a.Report(ctx, rec, true)
	require.NoError(t, err)
	assert.Equal(t, MethodReport{
		Method:   "App.Worker::Top",
		Complete: true,
		Calls:    []string{"App.Worker::Mid"},
		Unhandled: []ExceptionReport{{
			Type:      "System.InvalidOperationException",
			Producer:  "App.Worker::Thrower",
			Offset:    5,
			CallStack: []string{"App.Worker::Top", "App.Worker::Mid", "App.Worker::Thrower"},
		}},
	}, r)

	plain, err := a.Report(ctx, rec, false)
	require.NoError(t, err)
	assert.Nil(t, plain.Unhandled[0].CallStack)
}

func TestSetSettings_Resets(t *testing.T) {
	ctx := context.Background()
	u := loadUniverse(t)
	a, err := New(u)
	require.NoError(t, err)
	top := method(t, u, "App.Worker::Top")

	rec, err := a.Analyze(ctx, top)
	require.NoError(t, err)
	require.NotEmpty(t, rec.UnhandledExceptions)

	require.Error(t, a.SetSettings(Settings{DocumentationPolicy: "bogus"}))
	_, ok := a.Lookup(top)
	assert.True(t, ok, "invalid settings change nothing")

	require.NoError(t, a.SetSettings(Settings{DocumentationPolicy: "only"}))
	assert.Equal(t, "only", a.Settings().DocumentationPolicy)
	_, ok = a.Lookup(top)
	assert.False(t, ok)

	rec, err = a.Analyze(ctx, top)
	require.NoError(t, err)
	assert.Empty(t, rec.UnhandledExceptions)
}

func TestSetSettings_CancelsInFlight(t *testing.T) {
	u := loadUniverse(t)
	a, err := New(u)
	require.NoError(t, err)

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	a.Subscribe(func(e Event) {
		if e.Kind == MethodCompleted && e.Method.Desc.Name == "Mid" {
			once.Do(func() {
				close(reached)
				<-release
			})
		}
	})

	top := method(t, u, "App.Worker::Top")
	errc := make(chan error, 1)
	go func() {
		_, err := a.Analyze(context.Background(), top)
		errc <- err
	}()

	<-reached
	require.NoError(t, a.SetSettings(Settings{SameClassOnly: true}))
	close(release)
	require.ErrorIs(t, <-errc, context.Canceled)

	rec, err := a.Analyze(context.Background(), top)
	require.NoError(t, err)
	assert.True(t, rec.Complete)
	assert.Equal(t, []string{"System.InvalidOperationException"}, names(rec.DistinctTypes()))
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	u := loadUniverse(t)
	a, err := New(u)
	require.NoError(t, err)
	broken := method(t, u, "App.Worker::Broken")

	_, err = a.Analyze(ctx, broken)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Anomalies().MalformedBodies)

	require.NoError(t, a.ResetAll(ctx))
	_, ok := a.Lookup(broken)
	assert.False(t, ok)
	assert.Zero(t, a.Anomalies().MalformedBodies)

	rec, err := a.Analyze(ctx, broken)
	require.NoError(t, err)
	assert.Error(t, rec.Err, "failed methods are retried after a reset")
}

func TestAnalyzer_Documentation(t *testing.T) {
	ctx := context.Background()
	u := loadUniverse(t)
	docs, err := xmldoc.Parse(strings.NewReader(`<doc><members>
		<member name="M:App.Worker.Thrower"><exception cref="T:System.ArgumentException"/></member>
	</members></doc>`))
	require.NoError(t, err)

	a, err := New(u,
		WithDocumentation(xmldoc.NewLookup(docs, u)),
		WithSettings(Settings{DocumentationPolicy: "combine"}))
	require.NoError(t, err)

	rec, err := a.Analyze(ctx, method(t, u, "App.Worker::Top"))
	require.NoError(t, err)
	assert.Equal(t, []string{"System.ArgumentException", "System.InvalidOperationException"}, names(rec.DistinctTypes()))

	r, err := a.Report(ctx, rec, false)
	require.NoError(t, err)
	require.Len(t, r.Unhandled, 2)
	assert.True(t, r.Unhandled[0].Documented)
	assert.Equal(t, analysis.DocOffset, r.Unhandled[0].Offset)
}

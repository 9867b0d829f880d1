// Package harness runs the image-based integration cases under testdata.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/715d/excfinder/internal/analysis"
	"github.com/715d/excfinder/pkg/excfinder"
	"github.com/715d/excfinder/pkg/image"
	"github.com/715d/excfinder/pkg/xmldoc"
)

// TestHarness runs test cases against one testdata root.
type TestHarness struct {
	root    string
	timeout time.Duration
}

// TestResult is the outcome of one test case.
type TestResult struct {
	Success bool
	Skipped bool
	Message string
	Results []ConfigurationResult
}

// ConfigurationResult holds the mismatches of one configuration.
type ConfigurationResult struct {
	Name     string
	Failures []string
	Duration time.Duration
}

// NewHarness creates a harness over the testdata root.
func NewHarness(root string) *TestHarness {
	return &TestHarness{root: root, timeout: 30 * time.Second}
}

// Run loads the case images and checks every configuration in order on one
// analyzer, switching settings between them.
func (h *TestHarness) Run(t *testing.T, tc *TestCase) TestResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	u, err := image.Load(ctx, tc.imagePaths(h.root)...)
	if err != nil {
		return TestResult{Message: fmt.Sprintf("load images: %v", err)}
	}

	var opts []excfinder.Option
	if len(tc.Docs) > 0 {
		docs, err := xmldoc.Load(tc.docPaths()...)
		if err != nil {
			return TestResult{Message: fmt.Sprintf("load docs: %v", err)}
		}
		opts = append(opts, excfinder.WithDocumentation(xmldoc.NewLookup(docs, u)))
	}
	a, err := excfinder.New(u, opts...)
	if err != nil {
		return TestResult{Message: fmt.Sprintf("create analyzer: %v", err)}
	}

	result := TestResult{Success: true}
	for _, c := range tc.Configurations {
		start := time.Now()
		cr := ConfigurationResult{Name: c.Name}
		if err := a.SetSettings(c.Settings); err != nil {
			cr.Failures = append(cr.Failures, fmt.Sprintf("settings: %v", err))
		} else {
			cr.Failures = h.runConfiguration(ctx, a, u, c)
		}
		cr.Duration = time.Since(start)
		slog.Debug("configuration done", "case", tc.Dir, "config", c.Name, "failures", len(cr.Failures), "dur", cr.Duration)

		for _, f := range cr.Failures {
			t.Errorf("[%s] %s", c.Name, f)
		}
		if len(cr.Failures) > 0 {
			result.Success = false
		}
		result.Results = append(result.Results, cr)
	}

	if !result.Success {
		var failed []string
		for _, cr := range result.Results {
			if len(cr.Failures) > 0 {
				failed = append(failed, cr.Name)
			}
		}
		result.Message = "configurations failed: " + strings.Join(failed, ", ")
	}
	return result
}

func (h *TestHarness) runConfiguration(ctx context.Context, a *excfinder.Analyzer, u *image.Universe, c Configuration) []string {
	var failures []string
	for _, want := range c.Expected {
		m, err := u.FindMethod(want.Method)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", want.Method, err))
			continue
		}
		rec, err := a.Analyze(ctx, m)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: analyze: %v", want.Method, err))
			continue
		}
		failures = append(failures, validateResults(want, rec)...)
	}
	return failures
}

// validateResults compares one record against its expectation and
// describes every difference.
func validateResults(want ExpectedMethod, rec *analysis.Method) []string {
	var failures []string
	report := func(kind string, expected []string, got []analysis.ThrownException) {
		missing, unexpected := diff(expected, typeNames(got))
		for _, name := range missing {
			failures = append(failures, fmt.Sprintf("%s: missing %s exception %s", want.Method, kind, name))
		}
		for _, name := range unexpected {
			failures = append(failures, fmt.Sprintf("%s: unexpected %s exception %s", want.Method, kind, name))
		}
	}

	report("unhandled", want.Unhandled, rec.UnhandledExceptions)
	if want.Thrown != nil {
		report("thrown", want.Thrown, rec.ThrownExceptions)
	}

	if !rec.Complete {
		failures = append(failures, fmt.Sprintf("%s: analysis incomplete", want.Method))
	}
	switch {
	case want.Failed && rec.Err == nil:
		failures = append(failures, fmt.Sprintf("%s: expected a malformed body", want.Method))
	case !want.Failed && rec.Err != nil:
		failures = append(failures, fmt.Sprintf("%s: unexpected error: %v", want.Method, rec.Err))
	}
	return failures
}

func typeNames(es []analysis.ThrownException) []string {
	types := analysis.DistinctTypes(es)
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.FullName())
	}
	return names
}

// diff returns the names only in want and the names only in got, sorted.
func diff(want, got []string) (missing, unexpected []string) {
	for _, name := range want {
		if !slices.Contains(got, name) {
			missing = append(missing, name)
		}
	}
	for _, name := range got {
		if !slices.Contains(want, name) {
			unexpected = append(unexpected, name)
		}
	}
	slices.Sort(missing)
	slices.Sort(unexpected)
	return missing, unexpected
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/715d/excfinder/pkg/excfinder"
	"github.com/715d/excfinder/pkg/flow"
	"github.com/715d/excfinder/pkg/image"
	"github.com/715d/excfinder/pkg/metadata"
	"github.com/715d/excfinder/pkg/xmldoc"
)

type analyzeOptions struct {
	methods    []string
	callStacks bool
}

func newAnalyzeCmd() *cobra.Command {
	var opts analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze IMAGE...",
		Short: "Report the unhandled exceptions of every method in the given images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args, opts)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.methods, "method", "m", nil, "Analyse only these methods, e.g. App.Worker::Run")
	cmd.Flags().BoolVar(&opts.callStacks, "call-stacks", false, "Show the call chain to the method that raises each exception")
	return cmd
}

// Result is the output of the analyze command.
type Result struct {
	Methods   []excfinder.MethodReport `json:"methods"`
	Anomalies flow.Anomalies           `json:"anomalies"`
	Stats     struct {
		TotalMethods     int           `json:"total_methods"`
		UnhandledMethods int           `json:"unhandled_methods"`
		FailedMethods    int           `json:"failed_methods"`
		AnalysisDuration time.Duration `json:"analysis_duration"`
	} `json:"stats"`
}

func runAnalyze(cmd *cobra.Command, images []string, opts analyzeOptions) error {
	ctx := cmd.Context()
	start := time.Now()

	u, err := loadImages(ctx, images)
	if err != nil {
		return errWithCode(err, exitError)
	}
	analyzer, err := newAnalyzer(u)
	if err != nil {
		return errWithCode(err, exitError)
	}

	methods, err := selectMethods(ctx, analyzer, u, images, opts.methods)
	if err != nil {
		return errWithCode(err, exitError)
	}
	slog.Info("running analysis", "methods", len(methods), "settings", fmt.Sprintf("%+v", cfg.Settings))

	recs, err := analyzer.AnalyzeAll(ctx, methods)
	if err != nil {
		// Per-method failures are reported with their method below.
		slog.Warn("some methods could not be analysed", "err", err)
		if ctx.Err() != nil {
			return errWithCode(err, exitError)
		}
	}

	var r Result
	for _, rec := range recs {
		report, err := analyzer.Report(ctx, rec, opts.callStacks)
		if err != nil {
			return errWithCode(err, exitError)
		}
		r.Methods = append(r.Methods, report)
		r.Stats.TotalMethods++
		if len(report.Unhandled) > 0 {
			r.Stats.UnhandledMethods++
		}
		if report.Error != "" {
			r.Stats.FailedMethods++
		}
	}
	r.Anomalies = analyzer.Anomalies()
	r.Stats.AnalysisDuration = time.Since(start)
	slog.Info("analysis completed", "dur", r.Stats.AnalysisDuration)

	if err := writeResult(cmd.OutOrStdout(), &r); err != nil {
		return errWithCode(fmt.Errorf("format results: %w", err), exitError)
	}
	if r.Stats.UnhandledMethods > 0 {
		return errWithCode(nil, exitUnhandledFound)
	}
	return nil
}

func loadImages(ctx context.Context, images []string) (*image.Universe, error) {
	paths := append(slices.Clone(images), cfg.Refs...)
	slog.Info("loading images", "images", images, "refs", cfg.Refs)
	u, err := image.Load(ctx, paths...)
	if err != nil {
		return nil, fmt.Errorf("loading images: %w", err)
	}
	return u, nil
}

func newAnalyzer(u *image.Universe) (*excfinder.Analyzer, error) {
	opts := []excfinder.Option{excfinder.WithSettings(cfg.Settings)}
	if len(cfg.DocFiles) > 0 {
		docs, err := xmldoc.Load(cfg.DocFiles...)
		if err != nil {
			return nil, fmt.Errorf("loading documentation: %w", err)
		}
		opts = append(opts, excfinder.WithDocumentation(xmldoc.NewLookup(docs, u)))
	}
	return excfinder.New(u, opts...)
}

// selectMethods resolves the requested methods, or lists every method of
// the assemblies declared by images when none are requested.
func selectMethods(ctx context.Context, a *excfinder.Analyzer, u *image.Universe, images, refs []string) ([]*metadata.Method, error) {
	if len(refs) > 0 {
		out := make([]*metadata.Method, 0, len(refs))
		for _, ref := range refs {
			m, err := u.FindMethod(ref)
			if err != nil {
				return nil, fmt.Errorf("method %s: %w", ref, err)
			}
			out = append(out, m)
		}
		return out, nil
	}

	// Images come before references in load order.
	reported := u.Assemblies()[:len(images)]

	var out []*metadata.Method
	for _, root := range a.Roots() {
		if !slices.Contains(reported, root.Assembly) {
			continue
		}
		ms, err := root.Methods(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, ms...)
	}
	return out, nil
}

// Package main implements the CLI driver for the excfinder analyzer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/715d/excfinder/pkg/excfinder"
)

// Config holds the options shared by every subcommand.
type Config struct {
	Verbose  bool     // enables debug logging on stderr
	JSON     bool     // enables JSON output format
	NoColor  bool     // disables colored output
	Profile  bool     // enables CPU and memory profiling
	Refs     []string // images loaded for resolution but not reported
	DocFiles []string // XML documentation files
	Settings excfinder.Settings
}

const (
	exitUnhandledFound = 1
	exitError          = 2

	defaultConfigFile = ".excfinder.yaml"
)

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	cfg        Config
	configFile string
)

// settingFlags maps flag names to the configuration keys they override.
var settingFlags = map[string]string{
	"same-class-only":    "same_class_only",
	"same-assembly-only": "same_assembly_only",
	"ignore-framework":   "ignore_framework_namespaces",
	"ignore-accessors":   "ignore_accessor_methods",
	"doc-policy":         "documentation_policy",
}

func main() {
	// Interrupting cancels the analysis in flight.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	rootCmd := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
		}
		var cErr *codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "excfinder",
		Short: "Find exceptions that CLI methods can leave unhandled",
		Long: `excfinder analyses CLI bytecode and reports, for each method, the
exception types that may propagate out of it uncaught.

Calls are followed recursively and every exception is filtered through the
enclosing try/catch regions of the method that raises or propagates it.`,
		Example: `  excfinder analyze app.yaml --ref corlib.yaml
  excfinder analyze app.yaml --method App.Worker::Run --call-stacks
  excfinder analyze app.yaml --doc app.xml --doc-policy combine --json
  excfinder disasm app.yaml --method App.Worker::Run`,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("excfinder version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", defaultConfigFile, "Configuration file")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	flags.BoolVar(&cfg.JSON, "json", false, "Output in JSON format")
	flags.BoolVar(&cfg.NoColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&cfg.Profile, "profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")
	flags.StringSliceVar(&cfg.Refs, "ref", nil, "Images to load for reference resolution only")
	flags.StringSliceVar(&cfg.DocFiles, "doc", nil, "XML documentation files")
	flags.Bool("same-class-only", false, "Follow only calls within the caller's class")
	flags.Bool("same-assembly-only", false, "Follow only calls within the caller's assembly")
	flags.Bool("ignore-framework", false, "Do not follow calls into System, Microsoft, Windows and Mono namespaces")
	flags.Bool("ignore-accessors", false, "Do not follow calls to property and event accessors")
	flags.String("doc-policy", "never", "How documented exceptions are used: never, prefer, only or combine")

	rootCmd.AddCommand(newAnalyzeCmd(), newDisasmCmd())
	return rootCmd
}

// loadConfig merges the configuration file, EXCFINDER_* environment
// variables and flags, in increasing order of precedence.
func loadConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("EXCFINDER")

	flags := cmd.Flags()
	for flag, key := range settingFlags {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding environment for %s: %w", key, err)
		}
	}

	// A missing default file is fine; a missing explicit one is not.
	if _, err := os.Stat(configFile); err == nil || configFile != defaultConfigFile {
		v.SetConfigType("yaml")
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", configFile, err)
		}
		slog.Debug("loaded configuration", "file", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg.Settings); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}
	return nil
}

var cpuProfile *os.File

func setup(cmd *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if cfg.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if cfg.JSON {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		slog.SetDefault(slog.New(handler))
	}

	if cfg.NoColor || !isTerminal(os.Stdout) {
		color.NoColor = true
	}

	if err := loadConfig(cmd); err != nil {
		return errWithCode(err, exitError)
	}

	if !cfg.Profile {
		return nil
	}

	// Start CPU profiling.
	var err error
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	slog.Info("cpu profiling started", "file", "cpu.prof")
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if !cfg.Profile || cpuProfile == nil {
		return nil
	}

	pprof.StopCPUProfile()
	defer cpuProfile.Close()
	cpuProfile = nil
	slog.Info("cpu profiling stopped", "file", "cpu.prof")

	memFile, err := os.Create("mem.prof")
	if err != nil {
		return fmt.Errorf("creating mem.prof: %w", err)
	}
	defer memFile.Close()
	runtime.GC() // Get up-to-date statistics
	if err := pprof.WriteHeapProfile(memFile); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	slog.Info("memory profiling completed", "file", "mem.prof")
	return nil
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func errWithCode(err error, code int) error {
	return &codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e *codedError) Unwrap() error {
	return e.err
}

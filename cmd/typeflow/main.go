// Package main implements the CLI driver for the typeflow analyzer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/spf13/cobra"

	"github.com/715d/typeflow/pkg/typeflow"
)

// Flags holds the command-line options. Analysis settings override the
// values of the config file when set explicitly.
type Flags struct {
	Packages   []string // the Go packages to analyze
	Verbose    bool     // enables debug logging
	JSON       bool     // enables JSON output format
	BuildTags  []string // build tags to use during package loading
	Profile    bool     // enables CPU and memory profiling
	ConfigPath string   // optional YAML config file
	Workers    int
	Context    string
	Depth      int
	Funcs      []string
	Tests      bool
	CallGraph  bool
}

const (
	exitProblemsFound = 1
	exitError         = 2
)

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var flags Flags

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr *codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "typeflow [packages...]",
		Short: "Compute the runtime types Go values may hold",
		Long: `typeflow runs an interprocedural, context-sensitive type-flow analysis.

For every reached function it reports the concrete types and nullability of
its parameters and results, and for every interface or function-value call
the functions it may dispatch to. Calls whose receiver is always nil are
reported as problems.`,
		Example: `  typeflow ./...                          # Analyze all packages
  typeflow --context callsite --depth 2 .  # 2-call-site sensitive analysis
  typeflow --func Handler ./cmd/server     # Only report matching functions
  typeflow --callgraph --func main .       # Call edges out of main
  typeflow --json ./... > report.json      # JSON output to file`,
		Args:               cobra.ArbitraryArgs,
		RunE:               runCommand,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("typeflow version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable verbose output")
	pf.BoolVar(&flags.JSON, "json", false, "Output in JSON format")
	pf.StringSliceVar(&flags.BuildTags, "build-tags", []string{}, "Build tags to use during package loading")
	pf.BoolVar(&flags.Profile, "profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")
	pf.StringVar(&flags.ConfigPath, "config", "", "YAML config file")
	pf.IntVar(&flags.Workers, "workers", 0, "Solver goroutines (0 means GOMAXPROCS)")
	pf.StringVar(&flags.Context, "context", "insensitive", "Context policy: insensitive, callsite or receiver")
	pf.IntVar(&flags.Depth, "depth", typeflow.DefaultDepth, "Context depth for callsite and receiver policies")
	pf.StringSliceVar(&flags.Funcs, "func", nil, "Only report functions whose name contains one of these patterns")
	pf.BoolVar(&flags.Tests, "tests", false, "Load test files and use test functions as roots")
	pf.BoolVar(&flags.CallGraph, "callgraph", false, "Include the call edges of reported functions")
	return rootCmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	flags.Packages = args
	if len(flags.Packages) == 0 {
		flags.Packages = []string{"./..."}
	}

	cfg, err := resolveConfig(cmd, &flags)
	if err != nil {
		return errWithCode(err, exitError)
	}

	rep, err := runAnalysis(cmd.Context(), flags.Packages, cfg)
	if err != nil {
		return errWithCode(fmt.Errorf("analyze: %w", err), exitError)
	}

	if err := writeReport(cmd.OutOrStdout(), rep, flags.JSON); err != nil {
		return errWithCode(fmt.Errorf("format results: %w", err), exitError)
	}

	if len(rep.NilCalls()) > 0 {
		return errWithCode(nil, exitProblemsFound)
	}
	return nil
}

// resolveConfig loads the config file, if any, and applies the flags the
// user set explicitly.
func resolveConfig(cmd *cobra.Command, f *Flags) (typeflow.Config, error) {
	cfg := typeflow.Config{}
	if f.ConfigPath != "" {
		loaded, err := typeflow.LoadConfig(f.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	set := cmd.Flags().Changed
	if set("workers") || f.ConfigPath == "" {
		cfg.Workers = f.Workers
	}
	if set("context") || f.ConfigPath == "" {
		cfg.Context = f.Context
	}
	if set("depth") || f.ConfigPath == "" {
		cfg.Depth = f.Depth
	}
	if set("build-tags") {
		cfg.BuildTags = f.BuildTags
	}
	if set("func") {
		cfg.Funcs = f.Funcs
	}
	if set("tests") {
		cfg.Tests = f.Tests
	}
	if set("callgraph") {
		cfg.CallGraph = f.CallGraph
	}
	return cfg, cfg.Validate()
}

func runAnalysis(ctx context.Context, patterns []string, cfg typeflow.Config) (*typeflow.Report, error) {
	start := time.Now()

	slog.Info("loading packages", "packages", patterns)
	if len(cfg.BuildTags) > 0 {
		slog.Info("using build tags", "tags", cfg.BuildTags)
	}
	pkgs, err := typeflow.LoadPackages(ctx, typeflow.LoaderOptions{
		Packages:  patterns,
		BuildTags: cfg.BuildTags,
		Tests:     cfg.Tests,
	})
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}
	slog.Info("loaded packages", "num", len(pkgs))

	rep, err := typeflow.NewAnalyzer(cfg, slog.Default()).Analyze(ctx, pkgs)
	if err != nil {
		return nil, fmt.Errorf("analyze packages: %w", err)
	}
	slog.Info("analysis completed",
		"dur", time.Since(start),
		"functions", len(rep.Functions),
		"instances", rep.Stats.Instances,
		"steps", rep.Stats.Steps)
	return rep, nil
}

func writeReport(w io.Writer, rep *typeflow.Report, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(jOutput{
			Report:    rep,
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling json output: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := io.WriteString(w, formatText(rep, newPalette(w)))
	return err
}

type jOutput struct {
	*typeflow.Report
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

var cpuProfile *os.File

func setup(_ *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if flags.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if flags.JSON {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		slog.SetDefault(slog.New(handler))
	}

	if !flags.Profile {
		return nil
	}

	var err error
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		cpuProfile = nil
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	slog.Info("cpu profiling started", "file", "cpu.prof")
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if !flags.Profile || cpuProfile == nil {
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

func (e *codedError) Unwrap() error { return e.err }

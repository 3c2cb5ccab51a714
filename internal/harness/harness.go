// Package harness provides testing utilities for the typeflow analyzer.
package harness

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/typeflow"
)

// BuildConfiguration represents a single build configuration to test.
type BuildConfiguration struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name"`

	// Context is the context policy to solve with. Empty means insensitive.
	Context string `yaml:"context,omitempty"`

	// Depth is the context depth of the callsite and receiver policies.
	Depth int `yaml:"depth,omitempty"`

	// BuildTags are the build tags to use when loading packages.
	BuildTags []string `yaml:"build_tags"`

	// EnableCGo indicates whether CGo should be enabled.
	EnableCGo bool `yaml:"enable_cgo"`

	// GOOS sets the target operating system.
	GOOS string `yaml:"goos,omitempty"`

	// GOARCH sets the target architecture.
	GOARCH string `yaml:"goarch,omitempty"`

	// SkipExported disables exported functions of library packages as roots.
	SkipExported bool `yaml:"skip_exported,omitempty"`

	// ExpectedFunctions lists facts the report must contain.
	ExpectedFunctions []ExpectedFunc `yaml:"expected_functions"`

	// ExpectedUnreached lists functions the report must not contain.
	ExpectedUnreached []string `yaml:"expected_unreached"`

	// ExpectedNilCalls lists the call sites that always call through nil.
	// The list is exhaustive.
	ExpectedNilCalls []ExpectedSite `yaml:"expected_nil_calls"`

	// ExpectedRecursive lists the recursive components among the
	// reported functions. The list is exhaustive.
	ExpectedRecursive [][]string `yaml:"expected_recursive"`

	// ExpectedErrors lists any expected error messages for this configuration.
	ExpectedErrors []string `yaml:"expected_errors"`
}

// TestCase represents a single test scenario.
type TestCase struct {
	// Dir is the directory containing the test code.
	Dir string `yaml:"-"`

	// BuildConfigurations defines multiple build configurations to test.
	BuildConfigurations []BuildConfiguration `yaml:"build_configurations"`
}

// ExpectedFunc holds the expected facts of one reached function. Only the
// listed params, results and calls are checked.
type ExpectedFunc struct {
	// FuncName is the canonical name of the function.
	FuncName string `yaml:"func"`

	Params  []ExpectedValue `yaml:"params,omitempty"`
	Results []ExpectedValue `yaml:"results,omitempty"`
	Calls   []ExpectedCall  `yaml:"calls,omitempty"`
}

// ExpectedValue is the expected type state of a parameter or result.
type ExpectedValue struct {
	Name     string   `yaml:"name"`
	Types    []string `yaml:"types"`
	Nullable bool     `yaml:"nullable"`
}

// ExpectedCall is the expected callee set of the dynamic call on a line.
type ExpectedCall struct {
	Line    int      `yaml:"line"`
	Callees []string `yaml:"callees"`
}

// ExpectedSite locates a call site.
type ExpectedSite struct {
	// File is the path of the file relative to the test dir.
	File string `yaml:"file"`
	Line int    `yaml:"line"`
}

// TestHarness manages test execution.
type TestHarness struct {
	// root is the root directory for test data
	root string
}

// NewHarness creates a new test harness.
func NewHarness(root string) *TestHarness {
	return &TestHarness{root: root}
}

// Run executes a test case with all its build configurations.
func (h *TestHarness) Run(t *testing.T, tc *TestCase) *TestResult {
	t.Helper()
	require.NotEmpty(t, tc.BuildConfigurations, "test case has no build configurations")

	var results []ConfigurationResult
	var allSuccess = true

	// Run each configuration.
	for _, cfg := range tc.BuildConfigurations {
		cfgResult := h.runConfiguration(t, tc, cfg)
		results = append(results, *cfgResult)
		if !cfgResult.Success {
			allSuccess = false
		}
	}

	// Create overall result message.
	var resultMsg string
	if allSuccess {
		resultMsg = fmt.Sprintf("All %d configurations passed", len(tc.BuildConfigurations))
	} else {
		failedCount := 0
		var msgs []string
		for _, cr := range results {
			if !cr.Success {
				failedCount++
				msgs = append(msgs, fmt.Sprintf("[%s] %s:\n  %s",
					cr.Configuration.Name, cr.Message, strings.Join(cr.Details, "\n  ")))
			}
		}
		resultMsg = fmt.Sprintf("%d/%d configurations failed:\n%s",
			failedCount, len(tc.BuildConfigurations), strings.Join(msgs, "\n"))
	}

	return &TestResult{
		TestCase:             tc,
		ConfigurationResults: results,
		Success:              allSuccess,
		Message:              resultMsg,
	}
}

// runConfiguration executes analysis for a single build configuration
func (h *TestHarness) runConfiguration(t *testing.T, tc *TestCase, cfg BuildConfiguration) *ConfigurationResult {
	t.Helper()
	dir := filepath.Join(h.root, tc.Dir)
	pkgs := LoadPackages(t, &LoaderConfig{
		Dir:       dir,
		BuildTags: cfg.BuildTags,
		EnableCGo: cfg.EnableCGo,
		GOOS:      cfg.GOOS,
		GOARCH:    cfg.GOARCH,
	})

	rep, err := typeflow.NewAnalyzer(typeflow.Config{
		Context:      cfg.Context,
		Depth:        cfg.Depth,
		BuildTags:    cfg.BuildTags,
		SkipExported: cfg.SkipExported,
	}, slog.Default()).Analyze(t.Context(), pkgs)
	if err != nil {
		// Check if this error was expected.
		for _, expectedErr := range cfg.ExpectedErrors {
			if strings.Contains(err.Error(), expectedErr) {
				return &ConfigurationResult{
					Configuration: cfg,
					Success:       true,
					Message:       fmt.Sprintf("Got expected error: %v", err),
				}
			}
		}
		require.NoError(t, err)
	}
	return validateConfigurationResults(cfg, rep, dir)
}

// validateConfigurationResults compares the report with the expectations
// of a build configuration.
func validateConfigurationResults(cfg BuildConfiguration, rep *typeflow.Report, dir string) *ConfigurationResult {
	cfgResult := ConfigurationResult{
		Configuration: cfg,
		Report:        rep,
	}

	// First validate the configuration has valid expected functions.
	if err := validateExpectedFunctions(cfg.ExpectedFunctions); err != nil {
		cfgResult.Success = false
		cfgResult.Message = fmt.Sprintf("Invalid expected.yaml: %v", err)
		cfgResult.Details = []string{err.Error()}
		return &cfgResult
	}

	var details []string
	for _, exp := range cfg.ExpectedFunctions {
		details = append(details, compareFunction(rep, exp)...)
	}
	for _, name := range cfg.ExpectedUnreached {
		if rep.Function(name) != nil {
			details = append(details, "Should not have been reached: "+name)
		}
	}
	details = append(details, compareNilCalls(rep, cfg.ExpectedNilCalls, dir)...)
	details = append(details, compareRecursive(rep, cfg.ExpectedRecursive)...)

	cfgResult.Success = len(details) == 0
	cfgResult.Details = details
	if cfgResult.Success {
		cfgResult.Message = fmt.Sprintf("All %d expected functions matched", len(cfg.ExpectedFunctions))
	} else {
		cfgResult.Message = fmt.Sprintf("Test failed: %d mismatches", len(details))
	}
	return &cfgResult
}

// ConfigurationResult represents the result of running a single build configuration.
type ConfigurationResult struct {
	// Configuration is the build configuration that was run.
	Configuration BuildConfiguration

	// Report is the raw result from the analyzer.
	Report *typeflow.Report

	// Success indicates if this configuration passed.
	Success bool

	// Message provides a summary of the result for this configuration.
	Message string

	// Details provides detailed information about failures for this configuration.
	Details []string
}

// TestResult represents the result of running a test case.
type TestResult struct {
	// TestCase is the test case that was run.
	TestCase *TestCase

	// ConfigurationResults contains results for each build configuration.
	ConfigurationResults []ConfigurationResult

	// Success indicates if the test passed (all configurations passed)
	Success bool

	// Message provides a summary of the result.
	Message string
}

// validateExpectedFunctions validates that expected functions have required fields
func validateExpectedFunctions(expected []ExpectedFunc) error {
	for i, exp := range expected {
		if strings.TrimSpace(exp.FuncName) == "" {
			return fmt.Errorf("expected function at index %d has empty or missing 'func' field", i)
		}
		for _, c := range exp.Calls {
			if c.Line <= 0 {
				return fmt.Errorf("expected call of %s has no line", exp.FuncName)
			}
		}
	}
	return nil
}

func compareFunction(rep *typeflow.Report, exp ExpectedFunc) []string {
	fr := rep.Function(exp.FuncName)
	if fr == nil {
		return []string{"Should have been reached: " + exp.FuncName}
	}
	var details []string
	details = append(details, compareValues(exp.FuncName, "param", fr.Params, exp.Params)...)
	details = append(details, compareValues(exp.FuncName, "result", fr.Results, exp.Results)...)
	for _, c := range exp.Calls {
		want := slices.Sorted(slices.Values(c.Callees))
		var got [][]string
		found := false
		for _, cr := range fr.Calls {
			if cr.Position.Line != c.Line {
				continue
			}
			got = append(got, cr.Callees)
			if slices.Equal(cr.Callees, want) {
				found = true
			}
		}
		switch {
		case len(got) == 0:
			details = append(details, fmt.Sprintf("%s: no dynamic call site on line %d",
				exp.FuncName, c.Line))
		case !found:
			details = append(details, fmt.Sprintf("%s: call on line %d: expected callees %v, got %v",
				exp.FuncName, c.Line, want, got))
		}
	}
	return details
}

func compareValues(fn, kind string, actual []typeflow.ValueReport, expected []ExpectedValue) []string {
	var details []string
	for _, exp := range expected {
		i := slices.IndexFunc(actual, func(v typeflow.ValueReport) bool { return v.Name == exp.Name })
		if i < 0 {
			details = append(details, fmt.Sprintf("%s: missing %s %s", fn, kind, exp.Name))
			continue
		}
		got := actual[i]
		want := slices.Sorted(slices.Values(exp.Types))
		if !slices.Equal(got.Types, want) {
			details = append(details, fmt.Sprintf("%s: %s %s: expected types %v, got %v",
				fn, kind, exp.Name, want, got.Types))
		}
		if got.Nullable != exp.Nullable {
			details = append(details, fmt.Sprintf("%s: %s %s: expected nullable %t, got %t",
				fn, kind, exp.Name, exp.Nullable, got.Nullable))
		}
	}
	return details
}

func compareNilCalls(rep *typeflow.Report, expected []ExpectedSite, dir string) []string {
	key := func(file string, line int) string { return fmt.Sprintf("%s:%d", filepath.ToSlash(file), line) }

	want := make(map[string]bool)
	for _, e := range expected {
		want[key(e.File, e.Line)] = true
	}
	got := make(map[string]bool)
	for _, c := range rep.NilCalls() {
		file := c.Position.Filename
		if rel, err := filepath.Rel(dir, file); err == nil {
			file = rel
		}
		got[key(file, c.Position.Line)] = true
	}

	var details []string
	for k := range want {
		if !got[k] {
			details = append(details, "Should have been a nil call: "+k)
		}
	}
	for k := range got {
		if !want[k] {
			details = append(details, "Should not have been a nil call: "+k)
		}
	}
	slices.Sort(details)
	return details
}

// compareRecursive checks the recursive components that contain a
// reported function, which leaves out the standard library.
func compareRecursive(rep *typeflow.Report, expected [][]string) []string {
	var got [][]string
	for _, comp := range rep.Recursive {
		if slices.ContainsFunc(comp, func(name string) bool { return rep.Function(name) != nil }) {
			got = append(got, comp)
		}
	}
	want := make([][]string, 0, len(expected))
	for _, comp := range expected {
		want = append(want, slices.Sorted(slices.Values(comp)))
	}
	slices.SortFunc(want, func(x, y []string) int { return strings.Compare(x[0], y[0]) })

	if slices.EqualFunc(got, want, slices.Equal[[]string]) {
		return nil
	}
	return []string{fmt.Sprintf("Recursive components: expected %v, got %v", want, got)}
}

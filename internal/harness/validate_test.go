package harness

import (
	"go/token"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/typeflow"
)

func fakeReport(dir string) *typeflow.Report {
	return &typeflow.Report{
		Functions: []typeflow.FunctionReport{
			{
				Name: "example.com/app.total",
				Params: []typeflow.ValueReport{
					{Name: "s", Types: []string{"*example.com/app.Circle", "*example.com/app.Square"}},
				},
				Calls: []typeflow.CallReport{{
					Position: token.Position{Filename: filepath.Join(dir, "main.go"), Line: 7},
					Callees:  []string{"example.com/app.*Circle.Area", "example.com/app.*Square.Area"},
				}},
			},
			{
				Name: "example.com/app.broken",
				Calls: []typeflow.CallReport{{
					Position:    token.Position{Filename: filepath.Join(dir, "main.go"), Line: 12},
					Callees:     []string{},
					NilReceiver: true,
				}},
			},
		},
		Recursive: [][]string{{"example.com/app.total"}, {"fmt.doPrint"}},
	}
}

func TestValidateConfigurationResults(t *testing.T) {
	dir := t.TempDir()
	pass := BuildConfiguration{
		Name: "default",
		ExpectedFunctions: []ExpectedFunc{{
			FuncName: "example.com/app.total",
			Params: []ExpectedValue{
				{Name: "s", Types: []string{"*example.com/app.Square", "*example.com/app.Circle"}},
			},
			Calls: []ExpectedCall{
				{Line: 7, Callees: []string{"example.com/app.*Square.Area", "example.com/app.*Circle.Area"}},
			},
		}},
		ExpectedUnreached: []string{"example.com/app.dead"},
		ExpectedNilCalls:  []ExpectedSite{{File: "main.go", Line: 12}},
		ExpectedRecursive: [][]string{{"example.com/app.total"}},
	}

	res := validateConfigurationResults(pass, fakeReport(dir), dir)
	assert.True(t, res.Success, res.Details)
	assert.Empty(t, res.Details)

	tests := []struct {
		name   string
		mutate func(*BuildConfiguration)
		want   string
	}{
		{
			name: "missing function",
			mutate: func(c *BuildConfiguration) {
				c.ExpectedFunctions = append(c.ExpectedFunctions, ExpectedFunc{FuncName: "example.com/app.gone"})
			},
			want: "Should have been reached: example.com/app.gone",
		},
		{
			name: "nullable mismatch",
			mutate: func(c *BuildConfiguration) {
				c.ExpectedFunctions[0].Params[0].Nullable = true
			},
			want: "expected nullable true, got false",
		},
		{
			name: "callee mismatch",
			mutate: func(c *BuildConfiguration) {
				c.ExpectedFunctions[0].Calls[0].Callees = []string{"example.com/app.*Circle.Area"}
			},
			want: "call on line 7",
		},
		{
			name: "no call on line",
			mutate: func(c *BuildConfiguration) {
				c.ExpectedFunctions[0].Calls[0].Line = 6
			},
			want: "example.com/app.total: no dynamic call site on line 6",
		},
		{
			name: "reached",
			mutate: func(c *BuildConfiguration) {
				c.ExpectedUnreached = []string{"example.com/app.broken"}
			},
			want: "Should not have been reached: example.com/app.broken",
		},
		{
			name: "extra nil call",
			mutate: func(c *BuildConfiguration) {
				c.ExpectedNilCalls = nil
			},
			want: "Should not have been a nil call: main.go:12",
		},
		{
			name: "recursion",
			mutate: func(c *BuildConfiguration) {
				c.ExpectedRecursive = nil
			},
			want: "Recursive components",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pass
			cfg.ExpectedFunctions = []ExpectedFunc{{
				FuncName: pass.ExpectedFunctions[0].FuncName,
				Params:   []ExpectedValue{pass.ExpectedFunctions[0].Params[0]},
				Calls:    []ExpectedCall{pass.ExpectedFunctions[0].Calls[0]},
			}}
			tt.mutate(&cfg)
			res := validateConfigurationResults(cfg, fakeReport(dir), dir)
			require.False(t, res.Success)
			assert.Contains(t, res.Details[0], tt.want)
		})
	}
}

func TestValidateExpectedFunctions(t *testing.T) {
	require.NoError(t, validateExpectedFunctions([]ExpectedFunc{{FuncName: "a.b"}}))
	require.Error(t, validateExpectedFunctions([]ExpectedFunc{{FuncName: " "}}))
	require.Error(t, validateExpectedFunctions([]ExpectedFunc{{FuncName: "a.b", Calls: []ExpectedCall{{}}}}))
}

func TestUpdateEnv(t *testing.T) {
	env := updateEnv([]string{"CGO_ENABLED=1", "HOME=/root"}, "CGO_ENABLED", "0")
	assert.Equal(t, []string{"CGO_ENABLED=0", "HOME=/root"}, env)
	assert.Equal(t, []string{"HOME=/root", "GOOS=linux"}, updateEnv([]string{"HOME=/root"}, "GOOS", "linux"))
}

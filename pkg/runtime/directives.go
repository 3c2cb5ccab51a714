// Package runtime detects functions that the Go toolchain or runtime can
// call without a visible Go call site.
package runtime

import (
	"go/ast"
	"strings"
)

// DirectiveType is a compiler directive that makes a function reachable
// from outside the analyzed Go code.
type DirectiveType int

const (
	DirectiveNone DirectiveType = iota
	DirectiveLinkname
	DirectiveCGoExport // //export Name
)

func (d DirectiveType) String() string {
	switch d {
	case DirectiveLinkname:
		return "go:linkname"
	case DirectiveCGoExport:
		return "export"
	}
	return "none"
}

// Directive is a root directive found on a function declaration.
type Directive struct {
	Type DirectiveType
	// Target is the argument naming the linked or exported symbol.
	Target string
}

// runtimeHookFunctions are called by the runtime by name.
var runtimeHookFunctions = map[string]bool{
	"mallocHook":      true,
	"freeHook":        true,
	"gcCallback":      true,
	"runGCCallbacks":  true,
	"panicHook":       true,
	"recoverHook":     true,
	"scheduleHook":    true,
	"preemptHook":     true,
	"sighandler":      true,
	"cpuProfilerHook": true,
	"memprofHook":     true,
}

// RootDirective returns the first root directive in the doc comment of fn.
func RootDirective(fn *ast.FuncDecl) (Directive, bool) {
	if fn == nil || fn.Doc == nil {
		return Directive{}, false
	}
	for _, c := range fn.Doc.List {
		if d := parseDirective(c.Text); d.Type != DirectiveNone {
			return d, true
		}
	}
	return Directive{}, false
}

// parseDirective parses one comment line. Directives have no space after
// the slashes.
func parseDirective(comment string) Directive {
	text, ok := strings.CutPrefix(comment, "//")
	if !ok || strings.HasPrefix(text, " ") {
		return Directive{}
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Directive{}
	}
	var d Directive
	switch fields[0] {
	case "export":
		d.Type = DirectiveCGoExport
	case "go:linkname":
		d.Type = DirectiveLinkname
	default:
		return Directive{}
	}
	if len(fields) > 1 {
		d.Target = fields[len(fields)-1]
	}
	return d
}

// IsRuntimeHookFunction reports whether name is a known runtime hook.
func IsRuntimeHookFunction(name string) bool {
	return runtimeHookFunctions[name]
}

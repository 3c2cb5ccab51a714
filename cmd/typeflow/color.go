package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/715d/typeflow/pkg/typeflow"
)

// palette colors text output when it goes to a terminal.
type palette struct {
	enabled bool
}

func newPalette(w io.Writer) palette {
	f, ok := w.(*os.File)
	return palette{enabled: ok && term.IsTerminal(int(f.Fd()))}
}

func (p palette) wrap(code, s string) string {
	if !p.enabled {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func (p palette) bold(s string) string  { return p.wrap("1", s) }
func (p palette) faint(s string) string { return p.wrap("2", s) }
func (p palette) red(s string) string   { return p.wrap("1;31", s) }
func (p palette) green(s string) string { return p.wrap("1;32", s) }
func (p palette) cyan(s string) string  { return p.wrap("1;36", s) }

// formatText renders a report as one block per function:
//
//	file:line:col pkg.Func (2 contexts)
//	  param p: {*T, *U} | nil
//	  result r0: {*T}
//	  call file:line:col invoke t0.M() -> pkg.*T.M, pkg.*U.M
func formatText(rep *typeflow.Report, p palette) string {
	var b strings.Builder
	for _, f := range rep.Functions {
		fmt.Fprintf(&b, "%s %s", p.faint(f.Position.String()), p.bold(f.Name))
		if f.Contexts > 1 {
			fmt.Fprintf(&b, " (%d contexts)", f.Contexts)
		}
		b.WriteByte('\n')
		for _, v := range f.Params {
			fmt.Fprintf(&b, "  param %s: %s\n", v.Name, formatValue(v, p))
		}
		for _, v := range f.Results {
			fmt.Fprintf(&b, "  result %s: %s\n", v.Name, formatValue(v, p))
		}
		for _, c := range f.Calls {
			callees := strings.Join(c.Callees, ", ")
			switch {
			case c.NilReceiver && c.Suppressed != "":
				callees = p.faint("nil receiver (suppressed: " + c.Suppressed + ")")
			case c.NilReceiver:
				callees = p.red("nil receiver")
			case len(c.Callees) == 0:
				callees = p.faint("none")
			case c.Monomorphic():
				callees = p.green(callees)
			}
			fmt.Fprintf(&b, "  call %s %s -> %s\n", p.faint(c.Position.String()), c.Call, callees)
		}
	}
	for _, comp := range rep.Recursive {
		fmt.Fprintf(&b, "%s %s\n", p.cyan("recursive:"), strings.Join(comp, ", "))
	}
	for _, e := range rep.CallGraph {
		fmt.Fprintf(&b, "%s %s -> %s %s\n", p.cyan("edge:"), e.Caller, e.Callee, p.faint(e.Position.String()))
	}
	return b.String()
}

func formatValue(v typeflow.ValueReport, p palette) string {
	if v.Empty() {
		return p.faint("unreached")
	}
	s := "{" + strings.Join(v.Types, ", ") + "}"
	if v.Nullable {
		s += " | nil"
	}
	return s
}

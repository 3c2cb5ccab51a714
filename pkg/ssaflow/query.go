package ssaflow

import (
	"cmp"
	"slices"

	"golang.org/x/tools/go/ssa"

	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/pointsto"
	"github.com/715d/typeflow/pkg/typestate"
)

// ParamState returns the state of fn.Params[i] merged over all contexts.
// It reports false if fn was never reached or the parameter is not
// tracked.
func (f *Frontend) ParamState(res *pointsto.Result, fn *ssa.Function, i int) (typestate.State, bool) {
	tmpl, ok := f.reached(res, fn)
	if !ok {
		return typestate.Empty(), false
	}
	id := tmpl.Param(ParamIndex(fn, i))
	if id == flow.NoNode {
		return typestate.Empty(), false
	}
	return res.Merged(tmpl.Method(), id), true
}

// ResultState returns the state of the i-th result of fn merged over all
// contexts.
func (f *Frontend) ResultState(res *pointsto.Result, fn *ssa.Function, i int) (typestate.State, bool) {
	tmpl, ok := f.reached(res, fn)
	if !ok {
		return typestate.Empty(), false
	}
	id := tmpl.Return(i)
	if id == flow.NoNode {
		return typestate.Empty(), false
	}
	return res.Merged(tmpl.Method(), id), true
}

// Instances returns the analyzed instances of fn, one per context.
func (f *Frontend) Instances(res *pointsto.Result, fn *ssa.Function) []*pointsto.Instance {
	f.mu.RLock()
	m, ok := f.methods[fn]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	return res.InstancesOf(m)
}

func (f *Frontend) reached(res *pointsto.Result, fn *ssa.Function) (*flow.Template, bool) {
	f.mu.RLock()
	m, ok := f.methods[fn]
	f.mu.RUnlock()
	if !ok || !res.Reached(m) {
		return nil, false
	}
	tmpl, err := f.prog.Template(m)
	if err != nil || tmpl == nil {
		return nil, false
	}
	return tmpl, true
}

// SiteCallees lists the functions one call site may invoke.
type SiteCallees struct {
	Site    ssa.CallInstruction
	Callees []*ssa.Function

	// Receiver is the merged state of the receiver or function value of a
	// dispatched call.
	Receiver typestate.State
}

// Callees returns the resolved callees of every call site of fn that the
// solver linked, ordered by position. Dynamic reports only the sites whose
// callee depends on a receiver or function value.
func (f *Frontend) Callees(res *pointsto.Result, fn *ssa.Function, dynamic bool) []SiteCallees {
	tmpl, ok := f.reached(res, fn)
	if !ok {
		return nil
	}
	var out []SiteCallees
	for _, site := range tmpl.Invokes() {
		call := tmpl.Node(site).Call
		if dynamic && !call.IsDispatched() {
			continue
		}
		instr := f.Site(tmpl.Method(), site)
		if instr == nil {
			continue
		}
		sc := SiteCallees{Site: instr}
		if call.IsDispatched() && len(call.Args) > 0 && call.Args[0] != flow.NoNode {
			sc.Receiver = res.Merged(tmpl.Method(), call.Args[0])
		}
		for _, m := range res.Callees(tmpl.Method(), site) {
			if callee := f.Function(m); callee != nil {
				sc.Callees = append(sc.Callees, callee)
			}
		}
		slices.SortFunc(sc.Callees, func(a, b *ssa.Function) int { return cmp.Compare(a.String(), b.String()) })
		out = append(out, sc)
	}
	slices.SortStableFunc(out, func(a, b SiteCallees) int { return cmp.Compare(a.Site.Pos(), b.Site.Pos()) })
	return out
}

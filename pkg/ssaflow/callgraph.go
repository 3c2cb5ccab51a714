package ssaflow

import (
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/ssa"

	"github.com/715d/typeflow/pkg/pointsto"
)

// CallGraph converts the call edges discovered by the solver into a
// callgraph.Graph. Edges are merged over contexts and receiver types. The
// root node has an edge without a site to every root function.
func (f *Frontend) CallGraph(res *pointsto.Result) *callgraph.Graph {
	g := callgraph.New(nil)

	type edgeKey struct {
		caller, callee *ssa.Function
		site           ssa.CallInstruction
	}
	seen := make(map[edgeKey]bool)
	for _, e := range res.CallEdges() {
		method := res.Instance(e.Caller).Method()
		caller, callee := f.Function(method), f.Function(e.Method)
		site := f.Site(method, e.Site)
		if caller == nil || callee == nil || site == nil {
			continue
		}
		k := edgeKey{caller, callee, site}
		if seen[k] {
			continue
		}
		seen[k] = true
		callgraph.AddEdge(g.CreateNode(caller), site, g.CreateNode(callee))
	}

	roots := make(map[*ssa.Function]bool)
	for _, inst := range res.Roots() {
		fn := f.Function(inst.Method())
		if fn == nil || roots[fn] {
			continue
		}
		roots[fn] = true
		callgraph.AddEdge(g.Root, nil, g.CreateNode(fn))
	}
	return g
}

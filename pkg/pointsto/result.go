package pointsto

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/yourbasic/graph"

	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/typestate"
)

// Stats summarizes a solver run.
type Stats struct {
	Methods   int   `json:"methods"`
	Instances int   `json:"instances"`
	Nodes     int   `json:"nodes"`
	Fields    int   `json:"fields"`
	CallEdges int   `json:"call_edges"`
	Steps     int64 `json:"steps"`
}

// Result is the converged fixpoint of a Solver. It is read-only.
type Result struct {
	prog      *flow.Program
	instances []*Instance
	roots     []InstanceID
	byMethod  map[flow.MethodID][]*Instance
	byKey     map[instanceKey]*Instance
	fields    map[flow.FieldID]typestate.State
	edges     []CallEdge
	steps     int64
}

func newResult(s *Solver, arena []*Instance, roots []InstanceID) *Result {
	r := &Result{
		prog:      s.prog,
		instances: arena,
		roots:     roots,
		byMethod:  make(map[flow.MethodID][]*Instance),
		byKey:     make(map[instanceKey]*Instance, len(arena)),
		fields:    make(map[flow.FieldID]typestate.State),
		steps:     s.steps.Load(),
	}
	for _, inst := range arena {
		r.byMethod[inst.method] = append(r.byMethod[inst.method], inst)
		r.byKey[instanceKey{inst.method, inst.ctx}] = inst
	}
	s.fields.Range(func(id flow.FieldID, n *node) bool {
		r.fields[id] = n.get()
		return true
	})
	s.edges.Range(func(e CallEdge, _ struct{}) bool {
		r.edges = append(r.edges, e)
		return true
	})
	slices.SortFunc(r.edges, func(a, b CallEdge) int {
		return cmp.Or(
			cmp.Compare(a.Caller, b.Caller),
			cmp.Compare(a.Site, b.Site),
			cmp.Compare(a.Method, b.Method),
			cmp.Compare(a.Callee, b.Callee),
			cmp.Compare(a.Receiver, b.Receiver),
		)
	})
	return r
}

// Program returns the solved program.
func (r *Result) Program() *flow.Program { return r.prog }

// Instances returns every instance in creation order.
func (r *Result) Instances() []*Instance { return r.instances }

// Instance returns the instance with the given id.
func (r *Result) Instance(id InstanceID) *Instance {
	if id < 0 || int(id) >= len(r.instances) {
		return nil
	}
	return r.instances[id]
}

// Roots returns the root instances.
func (r *Result) Roots() []*Instance {
	out := make([]*Instance, 0, len(r.roots))
	for _, id := range r.roots {
		out = append(out, r.instances[id])
	}
	return out
}

// InstancesOf returns the instances of method.
func (r *Result) InstancesOf(method flow.MethodID) []*Instance { return r.byMethod[method] }

// Reached reports whether any instance of method was created.
func (r *Result) Reached(method flow.MethodID) bool { return len(r.byMethod[method]) > 0 }

// State returns the state of a node of the instance of method under ctx.
func (r *Result) State(method flow.MethodID, ctx Context, id flow.NodeID) (typestate.State, bool) {
	inst, ok := r.byKey[instanceKey{method, ctx}]
	if !ok || id < 0 || int(id) >= len(inst.nodes) {
		return typestate.Empty(), false
	}
	return inst.nodes[id].state, true
}

// Merged returns the join of a node's states over all instances of method.
func (r *Result) Merged(method flow.MethodID, id flow.NodeID) typestate.State {
	var out typestate.State
	for _, inst := range r.byMethod[method] {
		if id >= 0 && int(id) < len(inst.nodes) {
			out = typestate.Merge(out, inst.nodes[id].state)
		}
	}
	return out
}

// Field returns the state of a program-wide field flow.
func (r *Result) Field(id flow.FieldID) typestate.State { return r.fields[id] }

// CallEdges returns the discovered call edges in a deterministic order.
func (r *Result) CallEdges() []CallEdge { return r.edges }

// Callees returns the methods the call site of method may invoke, over all
// contexts.
func (r *Result) Callees(method flow.MethodID, site flow.NodeID) []flow.MethodID {
	var out []flow.MethodID
	for _, inst := range r.byMethod[method] {
		for _, e := range r.edgesFrom(inst.id) {
			if e.Site == site {
				out = append(out, e.Method)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (r *Result) edgesFrom(caller InstanceID) []CallEdge {
	lo, _ := slices.BinarySearchFunc(r.edges, caller, func(e CallEdge, id InstanceID) int {
		return cmp.Compare(e.Caller, id)
	})
	hi := lo
	for hi < len(r.edges) && r.edges[hi].Caller == caller {
		hi++
	}
	return r.edges[lo:hi]
}

// RecursiveComponents returns the sets of methods that call each other
// recursively: the strongly connected components of the method-level call
// graph with more than one member or a self call. Members are sorted.
func (r *Result) RecursiveComponents() [][]flow.MethodID {
	g := graph.New(r.prog.NumMethods())
	self := make(map[flow.MethodID]bool)
	for _, e := range r.edges {
		from := r.instances[e.Caller].method
		g.Add(int(from), int(e.Method))
		if from == e.Method {
			self[from] = true
		}
	}
	var out [][]flow.MethodID
	for _, comp := range graph.StrongComponents(g) {
		if len(comp) == 1 && !self[flow.MethodID(comp[0])] {
			continue
		}
		ids := make([]flow.MethodID, len(comp))
		for i, v := range comp {
			ids[i] = flow.MethodID(v)
		}
		slices.Sort(ids)
		out = append(out, ids)
	}
	slices.SortFunc(out, func(a, b []flow.MethodID) int { return cmp.Compare(a[0], b[0]) })
	return out
}

// Check verifies that every node state includes the transfer of its
// current inputs, which holds at a fixpoint.
func (r *Result) Check() error {
	for _, inst := range r.instances {
		for _, n := range inst.nodes {
			if want := n.filter(n.inputs()); !n.state.Includes(want) {
				return fmt.Errorf("%s%s: %s: state %s misses %s", inst.tmpl.Name(), inst.ctx, n.tmpl, n.state, want)
			}
		}
	}
	return nil
}

// Stats returns run statistics.
func (r *Result) Stats() Stats {
	st := Stats{
		Methods:   len(r.byMethod),
		Instances: len(r.instances),
		Fields:    len(r.fields),
		CallEdges: len(r.edges),
		Steps:     r.steps,
	}
	for _, inst := range r.instances {
		st.Nodes += len(inst.nodes)
	}
	return st
}

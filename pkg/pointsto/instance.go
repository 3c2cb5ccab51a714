package pointsto

import (
	"sync"
	"sync/atomic"

	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/typestate"
)

// InstanceID indexes an Instance in the solver's arena.
type InstanceID int32

// NoInstance marks an absent instance, such as the callee of an opaque
// call.
const NoInstance InstanceID = -1

// Instance is the clone of a method's template under one context.
type Instance struct {
	id     InstanceID
	method flow.MethodID
	ctx    Context
	tmpl   *flow.Template
	nodes  []*node
}

// ID returns the arena index of the instance.
func (in *Instance) ID() InstanceID { return in.id }

// Method returns the method the instance was cloned from.
func (in *Instance) Method() flow.MethodID { return in.method }

// Context returns the context of the instance.
func (in *Instance) Context() Context { return in.ctx }

// Template returns the template the instance was cloned from.
func (in *Instance) Template() *flow.Template { return in.tmpl }

// State returns the current state of the node with the given template id.
func (in *Instance) State(id flow.NodeID) typestate.State {
	if id < 0 || int(id) >= len(in.nodes) {
		return typestate.Empty()
	}
	return in.nodes[id].get()
}

// node is a live flow node: a template node of one instance, or a
// program-wide field node (tmpl nil).
//
// mu guards the state and the link lists. step serializes propagation
// steps of the node. No goroutine holds the mu of two nodes at once.
type node struct {
	inst  *Instance
	tmpl  *flow.Node
	field flow.FieldID

	step sync.Mutex

	mu      sync.Mutex
	state   typestate.State
	seed    typestate.State
	lastOut typestate.State
	ins     []*node
	outs    []*node

	queued atomic.Bool
	linked atomic.Bool
}

func (n *node) get() typestate.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// addSeed merges s into the intrinsic input of n and reports whether it
// grew.
func (n *node) addSeed(s typestate.State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	seed := typestate.Merge(n.seed, s)
	if seed.Equal(n.seed) {
		return false
	}
	n.seed = seed
	return true
}

// addState merges fact into the state of n and reports whether it grew.
func (n *node) addState(fact typestate.State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := typestate.Merge(n.state, fact)
	if next.Equal(n.state) {
		return false
	}
	n.state = next
	return true
}

// inputs returns the join of the seed and the states of all inputs.
func (n *node) inputs() typestate.State {
	n.mu.Lock()
	in, ins := n.seed, n.ins
	n.mu.Unlock()
	for _, src := range ins {
		in = typestate.Merge(in, src.get())
	}
	return in
}

func (n *node) successors() []*node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outs
}

func (n *node) kind() flow.Kind {
	if n.tmpl == nil {
		return flow.KindMerge
	}
	return n.tmpl.Kind
}

func (n *node) filter(in typestate.State) typestate.State {
	if n.tmpl == nil {
		return in
	}
	return n.tmpl.Filter(in)
}

// clone creates the instance nodes of t with the local edge topology and
// empty states. Intrinsic seeds and links are added by the solver.
func clone(id InstanceID, method flow.MethodID, ctx Context, t *flow.Template) *Instance {
	inst := &Instance{id: id, method: method, ctx: ctx, tmpl: t}
	inst.nodes = make([]*node, t.Len())
	for i, tn := range t.Nodes() {
		inst.nodes[i] = &node{inst: inst, tmpl: tn, field: tn.Field}
	}
	for i, tn := range t.Nodes() {
		n := inst.nodes[i]
		for _, in := range tn.Inputs {
			n.ins = append(n.ins, inst.nodes[in])
		}
		for _, out := range t.Outputs(tn.ID) {
			n.outs = append(n.outs, inst.nodes[out])
		}
	}
	return inst
}

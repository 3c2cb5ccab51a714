package flow

import (
	"fmt"
	"strings"
)

// Template is the immutable flow graph of one method body.
//
// Templates are built once per method with a Builder and never modified
// afterwards. The nodes returned by Node must be treated as read-only.
type Template struct {
	method  MethodID
	name    string
	nodes   []*Node
	outputs [][]NodeID
	params  []NodeID
	returns []NodeID
	invokes []NodeID
	loads   []NodeID
	stores  []NodeID
}

// Method returns the method the template was built for.
func (t *Template) Method() MethodID { return t.method }

// Name returns the method name.
func (t *Template) Name() string { return t.name }

// Len returns the number of nodes.
func (t *Template) Len() int { return len(t.nodes) }

// Node returns the node with the given id.
func (t *Template) Node(id NodeID) *Node { return t.nodes[id] }

// Nodes returns all nodes, indexed by NodeID.
func (t *Template) Nodes() []*Node { return t.nodes }

// Outputs returns the local nodes observing id.
func (t *Template) Outputs(id NodeID) []NodeID { return t.outputs[id] }

// Param returns the parameter node with the given index, or NoNode.
func (t *Template) Param(index int) NodeID {
	if index < 0 || index >= len(t.params) {
		return NoNode
	}
	return t.params[index]
}

// NumParams returns one more than the highest parameter index.
func (t *Template) NumParams() int { return len(t.params) }

// Return returns the formal result node with the given index, or NoNode.
func (t *Template) Return(index int) NodeID {
	if index < 0 || index >= len(t.returns) {
		return NoNode
	}
	return t.returns[index]
}

// NumReturns returns one more than the highest result index.
func (t *Template) NumReturns() int { return len(t.returns) }

// Invokes returns the call-site nodes.
func (t *Template) Invokes() []NodeID { return t.invokes }

// FieldLoads returns the KindFieldLoad nodes.
func (t *Template) FieldLoads() []NodeID { return t.loads }

// FieldStores returns the KindFieldStore nodes.
func (t *Template) FieldStores() []NodeID { return t.stores }

// Dump renders the graph, one node per line, for debugging.
func (t *Template) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", t.name)
	for _, n := range t.nodes {
		fmt.Fprintf(&b, "  %s", n)
		if len(n.Inputs) > 0 {
			fmt.Fprintf(&b, " <- %v", n.Inputs)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

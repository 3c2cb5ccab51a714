// Package flow defines the per-method flow graphs of the type-flow analysis.
//
// A Template is the immutable blueprint of one method body: one Node per
// flow-relevant value or operation, with the data dependencies as edges.
// Templates hold no live state. The solver clones them into per-context
// instances (see package pointsto).
package flow

import (
	"fmt"

	"github.com/715d/typeflow/pkg/typestate"
)

// NodeID indexes a node within its Template.
type NodeID int32

// NoNode marks an absent node reference.
const NoNode NodeID = -1

// MethodID identifies a method within a Program.
type MethodID int32

// NoMethod marks an absent method reference.
const NoMethod MethodID = -1

// FieldID identifies a program-wide field flow.
type FieldID int32

// Kind selects the transfer function of a node. The set is closed.
type Kind uint8

const (
	// KindSource holds an intrinsic state seeded at instantiation, such as
	// an allocation site or the nil constant.
	KindSource Kind = iota
	// KindParameter is a formal parameter; linked call sites feed it.
	KindParameter
	// KindMerge joins its inputs.
	KindMerge
	// KindNullCheck passes only the non-null part, or only the null part,
	// of its input.
	KindNullCheck
	// KindTypeCheck passes the part of its input inside (or outside) an
	// allowed type bound.
	KindTypeCheck
	// KindFieldLoad observes a program-wide field flow.
	KindFieldLoad
	// KindFieldStore forwards its input into a program-wide field flow.
	KindFieldStore
	// KindArgument is an actual argument of a call site.
	KindArgument
	// KindInvoke is a call site. Its input, if any, is the receiver.
	KindInvoke
	// KindCallResult is the i-th result value of a call site.
	KindCallResult
	// KindReturn is the i-th formal result of the method.
	KindReturn
)

var kindNames = [...]string{
	KindSource:     "source",
	KindParameter:  "param",
	KindMerge:      "merge",
	KindNullCheck:  "nullcheck",
	KindTypeCheck:  "typecheck",
	KindFieldLoad:  "load",
	KindFieldStore: "store",
	KindArgument:   "arg",
	KindInvoke:     "invoke",
	KindCallResult: "result",
	KindReturn:     "return",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsSink reports whether nodes of kind k forward their state to linked
// nodes outside their own flow graph.
func (k Kind) IsSink() bool {
	switch k {
	case KindFieldStore, KindArgument, KindReturn:
		return true
	}
	return false
}

// Call describes the target of a KindInvoke node.
type Call struct {
	// Static is the callee of a statically bound call, or NoMethod.
	Static MethodID

	// Selector names the dispatched method when Static is NoMethod. The
	// receiver type of each value reaching the invoke node picks the callee.
	Selector string

	// Args are the KindArgument nodes, in callee parameter order. For a
	// dispatched call Args[0] is the receiver. NoNode marks an argument
	// that carries no tracked value.
	Args []NodeID

	// Results are the KindCallResult nodes by result index; NoNode for an
	// untracked result.
	Results []NodeID
}

// IsDispatched reports whether the callee depends on the receiver state.
func (c *Call) IsDispatched() bool { return c.Static == NoMethod }

// Node is one immutable node of a Template.
type Node struct {
	ID    NodeID
	Kind  Kind
	Label string

	// Inputs are the local nodes this node observes.
	Inputs []NodeID

	// Declared is the static upper bound supplied by the front end.
	Declared typestate.State

	// NonNull is set when the front end proved the value is never null.
	NonNull bool

	// Seed is the intrinsic state of a KindSource node.
	Seed typestate.State

	// Index is the parameter index of a KindParameter node, or the result
	// index of KindReturn and KindCallResult nodes.
	Index int

	// PassNonNull selects the branch of a KindNullCheck node.
	PassNonNull bool

	// Allowed is the type bound of a KindTypeCheck node; Pass selects
	// whether values inside (true) or outside (false) the bound pass.
	// OrNull adds null to the output once any value reaches the node.
	Allowed typestate.State
	Pass    bool
	OrNull  bool

	// Field is the field flow of KindFieldLoad and KindFieldStore nodes.
	Field FieldID

	// Call is set for KindInvoke nodes.
	Call *Call

	// Site is the invoke node of a KindCallResult node.
	Site NodeID
}

// Filter computes the contribution of n given the join of its inputs.
// It is pure and monotone in in.
func (n *Node) Filter(in typestate.State) typestate.State {
	var out typestate.State
	switch n.Kind {
	case KindNullCheck:
		if n.PassNonNull {
			out = in.ForNonNull()
		} else {
			out = in.ForNull()
		}
	case KindTypeCheck:
		if n.Pass {
			out = in.ForNonNull().Intersect(n.Allowed)
		} else {
			out = in.Without(n.Allowed)
		}
		if n.OrNull && !in.IsEmpty() {
			out = out.WithNull()
		}
	case KindInvoke:
		out = in.ForNonNull()
	default:
		out = in
	}
	if n.NonNull {
		out = out.ForNonNull()
	}
	return out
}

func (n *Node) String() string {
	if n.Label == "" {
		return fmt.Sprintf("n%d:%s", n.ID, n.Kind)
	}
	return fmt.Sprintf("n%d:%s(%s)", n.ID, n.Kind, n.Label)
}

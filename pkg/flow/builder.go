package flow

import (
	"errors"
	"fmt"

	"github.com/715d/typeflow/pkg/typestate"
)

// ErrMalformed is wrapped by every template validation error.
var ErrMalformed = errors.New("malformed flow graph")

// CallSpec describes a call site to Builder.Invoke.
type CallSpec struct {
	// Static is the callee of a statically bound call. Use NoMethod for a
	// dispatched call.
	Static MethodID

	// Selector names the dispatched method.
	Selector string

	// Args are the operand nodes by callee parameter index; for a dispatched
	// call Args[0] is the receiver. NoNode marks an untracked operand.
	Args []NodeID

	// Results are the declared bounds of the call results by index.
	Results []typestate.State

	// Untracked marks result indexes that need no node.
	Untracked []bool
}

// Builder constructs a Template. A Builder is not safe for concurrent use.
type Builder struct {
	method  MethodID
	name    string
	nodes   []*Node
	returns map[int]NodeID
	err     error
}

// NewBuilder returns a builder for the body of method.
func NewBuilder(method MethodID, name string) *Builder {
	return &Builder{method: method, name: name, returns: make(map[int]NodeID)}
}

func (b *Builder) add(n *Node) NodeID {
	n.ID = NodeID(len(b.nodes))
	if !n.Declared.HasTypes() && !n.Declared.CanBeNull() {
		n.Declared = typestate.Full()
	}
	b.nodes = append(b.nodes, n)
	return n.ID
}

func (b *Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("%s: %s: %w", b.name, fmt.Sprintf(format, args...), ErrMalformed)
	}
}

// Source adds a node with an intrinsic state, such as an allocation.
func (b *Builder) Source(label string, seed typestate.State) NodeID {
	return b.add(&Node{Kind: KindSource, Label: label, Seed: seed})
}

// Parameter adds the formal parameter with the given index.
func (b *Builder) Parameter(label string, index int, declared typestate.State) NodeID {
	return b.add(&Node{Kind: KindParameter, Label: label, Index: index, Declared: declared})
}

// Merge adds a node joining inputs. More inputs may be added later with
// AddInput, which is how loop phis refer to values defined after them.
func (b *Builder) Merge(label string, inputs ...NodeID) NodeID {
	return b.add(&Node{Kind: KindMerge, Label: label, Inputs: inputs})
}

// NullCheck adds a null-check filter on input.
func (b *Builder) NullCheck(label string, input NodeID, passNonNull bool) NodeID {
	return b.add(&Node{Kind: KindNullCheck, Label: label, Inputs: []NodeID{input}, PassNonNull: passNonNull})
}

// TypeCheck adds a type filter on input. With pass set, only types in
// allowed pass; otherwise only types outside allowed pass. orNull makes the
// node produce null as soon as any value reaches it, as a failed comma-ok
// type assertion does.
func (b *Builder) TypeCheck(label string, input NodeID, allowed typestate.State, pass, orNull bool) NodeID {
	return b.add(&Node{
		Kind:    KindTypeCheck,
		Label:   label,
		Inputs:  []NodeID{input},
		Allowed: allowed,
		Pass:    pass,
		OrNull:  orNull,
	})
}

// FieldLoad adds a read of the field flow.
func (b *Builder) FieldLoad(label string, field FieldID) NodeID {
	return b.add(&Node{Kind: KindFieldLoad, Label: label, Field: field})
}

// FieldStore adds a write of value into the field flow.
func (b *Builder) FieldStore(label string, field FieldID, value NodeID) NodeID {
	return b.add(&Node{Kind: KindFieldStore, Label: label, Field: field, Inputs: []NodeID{value}})
}

// Invoke adds a call site. It returns the invoke node and the result nodes
// by index (NoNode for untracked results).
func (b *Builder) Invoke(label string, spec CallSpec) (NodeID, []NodeID) {
	call := &Call{Static: spec.Static, Selector: spec.Selector}
	if call.IsDispatched() && (len(spec.Args) == 0 || spec.Args[0] == NoNode) {
		b.fail("dispatched call %q has no receiver", label)
	}
	for i, operand := range spec.Args {
		if operand == NoNode {
			call.Args = append(call.Args, NoNode)
			continue
		}
		arg := b.add(&Node{Kind: KindArgument, Label: fmt.Sprintf("%s#%d", label, i), Inputs: []NodeID{operand}, Index: i})
		call.Args = append(call.Args, arg)
	}

	site := &Node{Kind: KindInvoke, Label: label, Call: call}
	if call.IsDispatched() && len(call.Args) > 0 && call.Args[0] != NoNode {
		site.Inputs = []NodeID{call.Args[0]}
	}
	siteID := b.add(site)

	for i, declared := range spec.Results {
		if i < len(spec.Untracked) && spec.Untracked[i] {
			call.Results = append(call.Results, NoNode)
			continue
		}
		r := b.add(&Node{
			Kind:     KindCallResult,
			Label:    fmt.Sprintf("%s.%d", label, i),
			Index:    i,
			Site:     siteID,
			Declared: declared,
		})
		call.Results = append(call.Results, r)
	}
	return siteID, call.Results
}

// Return adds values to the formal result with the given index. Repeated
// calls for the same index extend a single return node.
func (b *Builder) Return(index int, values ...NodeID) NodeID {
	if id, ok := b.returns[index]; ok {
		b.nodes[id].Inputs = append(b.nodes[id].Inputs, values...)
		return id
	}
	id := b.add(&Node{Kind: KindReturn, Label: fmt.Sprintf("return.%d", index), Index: index, Inputs: values})
	b.returns[index] = id
	return id
}

// AddInput makes node observe input.
func (b *Builder) AddInput(node, input NodeID) {
	if !b.valid(node) {
		b.fail("add input to unknown node %d", node)
		return
	}
	b.nodes[node].Inputs = append(b.nodes[node].Inputs, input)
}

// SetDeclared records the front end's static facts for node.
func (b *Builder) SetDeclared(node NodeID, declared typestate.State, nonNull bool) {
	if !b.valid(node) {
		b.fail("declare unknown node %d", node)
		return
	}
	b.nodes[node].Declared = declared
	b.nodes[node].NonNull = nonNull
}

func (b *Builder) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(b.nodes)
}

// Len returns the number of nodes added so far.
func (b *Builder) Len() int { return len(b.nodes) }

// Build validates the graph and returns the template. The builder must not
// be used afterwards.
func (b *Builder) Build() (*Template, error) {
	if b.err != nil {
		return nil, b.err
	}
	t := &Template{
		method:  b.method,
		name:    b.name,
		nodes:   b.nodes,
		outputs: make([][]NodeID, len(b.nodes)),
	}
	for _, n := range b.nodes {
		if err := b.check(n); err != nil {
			return nil, err
		}
		for _, in := range n.Inputs {
			t.outputs[in] = append(t.outputs[in], n.ID)
		}
		switch n.Kind {
		case KindParameter:
			t.params = growTo(t.params, n.Index)
			if t.params[n.Index] != NoNode {
				return nil, fmt.Errorf("%s: duplicate parameter %d: %w", b.name, n.Index, ErrMalformed)
			}
			t.params[n.Index] = n.ID
		case KindReturn:
			t.returns = growTo(t.returns, n.Index)
			t.returns[n.Index] = n.ID
		case KindInvoke:
			t.invokes = append(t.invokes, n.ID)
		case KindFieldLoad:
			t.loads = append(t.loads, n.ID)
		case KindFieldStore:
			t.stores = append(t.stores, n.ID)
		}
	}
	b.nodes = nil
	return t, nil
}

func (b *Builder) check(n *Node) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%s: %s: %s: %w", b.name, n, fmt.Sprintf(format, args...), ErrMalformed)
	}
	for _, in := range n.Inputs {
		if !b.valid(in) {
			return bad("input %d out of range", in)
		}
	}
	switch n.Kind {
	case KindSource, KindParameter, KindFieldLoad, KindCallResult:
		if len(n.Inputs) > 0 {
			return bad("kind takes no inputs")
		}
	case KindNullCheck, KindTypeCheck, KindFieldStore, KindArgument:
		if len(n.Inputs) != 1 {
			return bad("kind takes exactly one input, got %d", len(n.Inputs))
		}
	case KindInvoke:
		if n.Call == nil {
			return bad("missing call")
		}
		if len(n.Inputs) > 1 {
			return bad("invoke takes at most the receiver as input")
		}
	}
	switch n.Kind {
	case KindParameter, KindReturn, KindCallResult:
		if n.Index < 0 {
			return bad("negative %s index %d", n.Kind, n.Index)
		}
	}
	if n.Kind == KindCallResult && (!b.valid(n.Site) || b.nodes[n.Site].Kind != KindInvoke) {
		return bad("result is not attached to a call site")
	}
	return nil
}

func growTo(ids []NodeID, index int) []NodeID {
	for len(ids) <= index {
		ids = append(ids, NoNode)
	}
	return ids
}

package pointsto

import (
	"strconv"
	"strings"

	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/typestate"
)

// Context distinguishes instances of the same method. Contexts are
// comparable values; two equal contexts denote the same instance.
type Context struct {
	key   string
	depth int
}

// EmptyContext is the context of roots and of every instance under the
// context-insensitive policy.
var EmptyContext = Context{}

const ctxSep = "/"

// Depth returns the number of elements of c.
func (c Context) Depth() int { return c.depth }

// Elements returns the elements of c, oldest first.
func (c Context) Elements() []string {
	if c.depth == 0 {
		return nil
	}
	return strings.Split(c.key, ctxSep)
}

func (c Context) String() string { return "[" + c.key + "]" }

// push appends elem to c and keeps the k most recent elements.
func (c Context) push(elem string, k int) Context {
	if k <= 0 {
		return EmptyContext
	}
	elems := append(c.Elements(), elem)
	if len(elems) > k {
		elems = elems[len(elems)-k:]
	}
	return Context{key: strings.Join(elems, ctxSep), depth: len(elems)}
}

// CallSite identifies a call-site node within a method body.
type CallSite struct {
	Method flow.MethodID
	Node   flow.NodeID
}

func (s CallSite) String() string {
	return strconv.Itoa(int(s.Method)) + ":" + strconv.Itoa(int(s.Node))
}

// ContextPolicy computes the context of a callee instance.
//
// The number of contexts a policy can produce must be finite for the
// solver to terminate; the provided policies are k-limited.
type ContextPolicy interface {
	// Callee returns the context for the callee of site when called from
	// an instance with context caller. Receiver is the dispatched receiver
	// type, or typestate.NoType for a statically bound call.
	Callee(caller Context, site CallSite, receiver typestate.TypeID) Context
	Name() string
}

// Insensitive merges all calls of a method into one instance.
type Insensitive struct{}

func (Insensitive) Callee(Context, CallSite, typestate.TypeID) Context { return EmptyContext }

func (Insensitive) Name() string { return "insensitive" }

// CallString distinguishes callees by the K most recent call sites.
type CallString struct {
	K int
}

func (p CallString) Callee(caller Context, site CallSite, _ typestate.TypeID) Context {
	return caller.push(site.String(), p.K)
}

func (p CallString) Name() string { return "callsite-" + strconv.Itoa(p.K) }

// ReceiverType distinguishes callees by the K most recent dispatched
// receiver types. Statically bound calls inherit the caller's context.
type ReceiverType struct {
	K int
}

func (p ReceiverType) Callee(caller Context, _ CallSite, receiver typestate.TypeID) Context {
	if receiver == typestate.NoType {
		return caller
	}
	return caller.push("t"+strconv.Itoa(int(receiver)), p.K)
}

func (p ReceiverType) Name() string { return "receiver-" + strconv.Itoa(p.K) }

// ParsePolicy returns the policy called name ("insensitive", "callsite",
// "receiver") with depth k.
func ParsePolicy(name string, k int) (ContextPolicy, bool) {
	switch name {
	case "", "insensitive":
		return Insensitive{}, true
	case "callsite", "callstring":
		return CallString{K: k}, true
	case "receiver", "object":
		return ReceiverType{K: k}, true
	}
	return nil, false
}

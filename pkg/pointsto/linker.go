package pointsto

import (
	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/typestate"
)

// CallEdge is a discovered call: the call site of a caller instance bound
// to a callee method, for one receiver type (typestate.NoType for static
// calls). Callee is NoInstance when the callee method is opaque.
type CallEdge struct {
	Caller   InstanceID
	Site     flow.NodeID
	Method   flow.MethodID
	Callee   InstanceID
	Receiver typestate.TypeID
}

// linkCall binds the call site n to callee: actual arguments flow into the
// callee's parameters and its formal results flow back into the call
// results. A dispatched receiver reaches the callee only as the singleton
// receiver type.
func (s *Solver) linkCall(n *node, callee flow.MethodID, receiver typestate.TypeID) error {
	caller := n.inst
	call := n.tmpl.Call
	site := CallSite{Method: caller.method, Node: n.tmpl.ID}
	ctx := s.policy.Callee(caller.ctx, site, receiver)

	target, err := s.instantiate(callee, ctx)
	if err != nil {
		return err
	}
	edge := CallEdge{
		Caller:   caller.id,
		Site:     n.tmpl.ID,
		Method:   callee,
		Callee:   NoInstance,
		Receiver: receiver,
	}
	if target != nil {
		edge.Callee = target.id
	}
	if _, loaded := s.edges.LoadOrStore(edge, struct{}{}); loaded {
		return nil
	}
	s.logger.Debug("call edge",
		"caller", caller.tmpl.Name(),
		"site", n.tmpl.String(),
		"callee", s.prog.MethodName(callee),
		"context", ctx.String(),
		"opaque", target == nil)

	if target == nil {
		for _, r := range call.Results {
			if r == flow.NoNode {
				continue
			}
			res := caller.nodes[r]
			if res.addSeed(res.tmpl.Declared) {
				s.queue.push(res)
			}
		}
		return nil
	}

	for i, arg := range call.Args {
		param := target.tmpl.Param(i)
		if param == flow.NoNode {
			continue
		}
		if i == 0 && call.IsDispatched() {
			p := target.nodes[param]
			if p.addSeed(typestate.Single(receiver)) {
				s.queue.push(p)
			}
			continue
		}
		if arg == flow.NoNode {
			p := target.nodes[param]
			if p.addSeed(p.tmpl.Declared) {
				s.queue.push(p)
			}
			continue
		}
		s.link(caller.nodes[arg], target.nodes[param])
	}
	for i, r := range call.Results {
		ret := target.tmpl.Return(i)
		if r == flow.NoNode || ret == flow.NoNode {
			continue
		}
		s.link(target.nodes[ret], caller.nodes[r])
	}
	return nil
}

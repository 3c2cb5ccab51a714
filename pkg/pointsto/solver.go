// Package pointsto implements the interprocedural type-flow solver.
//
// A Solver clones the flow-graph templates of a flow.Program into
// per-context instances, links call sites to their callees as receiver
// types are discovered, and propagates type states over the resulting
// graph until nothing changes. The fixpoint is computed by a pool of
// workers draining a shared deduplicating worklist.
package pointsto

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/typestate"
)

// Phase is the lifecycle state of a Solver.
type Phase int32

const (
	Pending Phase = iota
	Running
	Converged
	Failed
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Converged:
		return "converged"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Options configures a Solver.
type Options struct {
	// Workers is the number of propagation goroutines. Zero means
	// GOMAXPROCS.
	Workers int

	// Policy selects callee contexts. Nil means Insensitive.
	Policy ContextPolicy

	// Logger receives debug output. Nil means slog.Default().
	Logger *slog.Logger
}

type instanceKey struct {
	method flow.MethodID
	ctx    Context
}

type linkKey struct {
	from, to *node
}

type dispatchKey struct {
	inst     InstanceID
	site     flow.NodeID
	receiver typestate.TypeID
}

// Solver computes the type-flow fixpoint of a Program.
type Solver struct {
	prog   *flow.Program
	policy ContextPolicy
	work   int
	logger *slog.Logger

	phase atomic.Int32
	queue *worklist

	arenaMu sync.RWMutex
	arena   []*Instance

	instances  *xsync.Map[instanceKey, *Instance]
	fields     *xsync.Map[flow.FieldID, *node]
	links      *xsync.Map[linkKey, struct{}]
	dispatched *xsync.Map[dispatchKey, struct{}]
	edges      *xsync.Map[CallEdge, struct{}]

	rootsMu sync.Mutex
	roots   []InstanceID

	steps atomic.Int64
	err   error
}

// NewSolver returns a pending solver for prog.
func NewSolver(prog *flow.Program, opts Options) *Solver {
	if opts.Policy == nil {
		opts.Policy = Insensitive{}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Solver{
		prog:       prog,
		policy:     opts.Policy,
		work:       opts.Workers,
		logger:     opts.Logger,
		queue:      newWorklist(),
		instances:  xsync.NewMap[instanceKey, *Instance](),
		fields:     xsync.NewMap[flow.FieldID, *node](),
		links:      xsync.NewMap[linkKey, struct{}](),
		dispatched: xsync.NewMap[dispatchKey, struct{}](),
		edges:      xsync.NewMap[CallEdge, struct{}](),
	}
}

// Phase returns the lifecycle state of s.
func (s *Solver) Phase() Phase { return Phase(s.phase.Load()) }

// Program returns the program being solved.
func (s *Solver) Program() *flow.Program { return s.prog }

// Instantiate returns the instance of method under ctx, cloning the
// method's template on first request. Repeated calls with the same
// arguments return the same instance.
func (s *Solver) Instantiate(method flow.MethodID, ctx Context) (*Instance, error) {
	inst, err := s.instantiate(method, ctx)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, &InvariantError{Method: s.prog.MethodName(method), Context: ctx, Err: ErrNoTemplate}
	}
	return inst, nil
}

// instantiate returns nil without error for an opaque method.
func (s *Solver) instantiate(method flow.MethodID, ctx Context) (*Instance, error) {
	key := instanceKey{method, ctx}
	if inst, ok := s.instances.Load(key); ok {
		return inst, nil
	}
	tmpl, err := s.prog.Template(method)
	if err != nil {
		return nil, &InvariantError{
			Method:  s.prog.MethodName(method),
			Context: ctx,
			Detail:  err.Error(),
			Err:     ErrBadTemplate,
		}
	}
	if tmpl == nil {
		return nil, nil
	}
	inst, loaded := s.instances.LoadOrCompute(key, func() (*Instance, bool) {
		s.arenaMu.Lock()
		defer s.arenaMu.Unlock()
		inst := clone(InstanceID(len(s.arena)), method, ctx, tmpl)
		s.arena = append(s.arena, inst)
		return inst, false
	})
	if !loaded {
		s.wire(inst)
	}
	return inst, nil
}

// wire seeds the intrinsic states of a fresh instance and connects it to
// the program-wide field nodes. Static call sites are queued and linked
// when the worklist reaches them.
func (s *Solver) wire(inst *Instance) {
	s.logger.Debug("instantiate", "method", inst.tmpl.Name(), "context", inst.ctx.String(), "nodes", len(inst.nodes))
	for _, n := range inst.nodes {
		switch n.tmpl.Kind {
		case flow.KindSource:
			if n.addSeed(n.tmpl.Seed) {
				s.queue.push(n)
			}
		case flow.KindFieldStore:
			s.link(n, s.fieldNode(n.tmpl.Field))
		case flow.KindFieldLoad:
			s.link(s.fieldNode(n.tmpl.Field), n)
		case flow.KindInvoke:
			if !n.tmpl.Call.IsDispatched() {
				s.queue.push(n)
			}
		}
	}
}

func (s *Solver) fieldNode(id flow.FieldID) *node {
	n, _ := s.fields.LoadOrCompute(id, func() (*node, bool) {
		return &node{field: id}, false
	})
	return n
}

// link makes to observe from.
func (s *Solver) link(from, to *node) {
	if _, loaded := s.links.LoadOrStore(linkKey{from, to}, struct{}{}); loaded {
		return
	}
	to.mu.Lock()
	to.ins = append(to.ins, from)
	to.mu.Unlock()
	from.mu.Lock()
	from.outs = append(from.outs, to)
	from.mu.Unlock()
	s.queue.push(to)
}

func (s *Solver) lookup(inst *Instance, id flow.NodeID) (*node, error) {
	s.arenaMu.RLock()
	ok := inst != nil && inst.id >= 0 && int(inst.id) < len(s.arena) && s.arena[inst.id] == inst
	s.arenaMu.RUnlock()
	if !ok {
		return nil, &InvariantError{Detail: "foreign instance", Err: ErrUnknownNode}
	}
	if id < 0 || int(id) >= len(inst.nodes) {
		return nil, s.invariant(inst, nil, ErrUnknownNode, fmt.Sprintf("node %d out of range", id))
	}
	return inst.nodes[id], nil
}

// Seed adds state to the intrinsic input of a node. Seeding is only
// allowed before Run.
func (s *Solver) Seed(inst *Instance, id flow.NodeID, state typestate.State) error {
	if s.Phase() != Pending {
		return s.invariant(inst, nil, ErrNotPending, "seed after run")
	}
	n, err := s.lookup(inst, id)
	if err != nil {
		return err
	}
	if n.addSeed(state) {
		s.queue.push(n)
	}
	return nil
}

// AddRoot instantiates method under the empty context and seeds its
// parameters with their declared bounds.
func (s *Solver) AddRoot(method flow.MethodID) (*Instance, error) {
	if s.Phase() != Pending {
		return nil, &InvariantError{Method: s.prog.MethodName(method), Err: ErrNotPending}
	}
	inst, err := s.Instantiate(method, EmptyContext)
	if err != nil {
		return nil, err
	}
	for i := range inst.tmpl.NumParams() {
		id := inst.tmpl.Param(i)
		if id == flow.NoNode {
			continue
		}
		if err := s.Seed(inst, id, inst.tmpl.Node(id).Declared); err != nil {
			return nil, err
		}
	}
	s.rootsMu.Lock()
	s.roots = append(s.roots, inst.id)
	s.rootsMu.Unlock()
	return inst, nil
}

// Run propagates states until the fixpoint is reached, ctx is canceled,
// or an invariant is violated. Calling Run on a converged solver returns
// immediately.
func (s *Solver) Run(ctx context.Context) error {
	if !s.phase.CompareAndSwap(int32(Pending), int32(Running)) {
		switch s.Phase() {
		case Converged:
			return nil
		case Failed:
			return s.err
		}
		return &InvariantError{Detail: "concurrent run", Err: ErrNotPending}
	}
	s.logger.Debug("solver start", "workers", s.work, "policy", s.policy.Name(), "queued", s.queue.len())

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, s.queue.abort)
	defer stop()
	for range s.work {
		g.Go(func() error {
			for {
				n, ok := s.queue.pop()
				if !ok {
					return nil
				}
				err := s.process(n)
				s.queue.finish()
				if err != nil {
					return err
				}
			}
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.err = err
		s.phase.Store(int32(Failed))
		s.logger.Debug("solver failed", "error", err)
		return err
	}
	s.phase.Store(int32(Converged))
	s.logger.Debug("solver converged", "steps", s.steps.Load(), "instances", len(s.arena), "edges", s.edges.Size())
	return nil
}

// process runs one propagation step of n.
func (s *Solver) process(n *node) error {
	n.step.Lock()
	defer n.step.Unlock()
	s.steps.Add(1)

	out := n.filter(n.inputs())
	n.mu.Lock()
	if !out.Includes(n.lastOut) {
		prev := n.lastOut
		n.mu.Unlock()
		return s.invariant(n.inst, n, ErrNonMonotone, fmt.Sprintf("output %s does not include %s", out, prev))
	}
	n.lastOut = out
	n.mu.Unlock()

	changed := n.addState(out)
	if changed {
		for _, succ := range n.successors() {
			s.queue.push(succ)
		}
	}
	if n.kind() != flow.KindInvoke {
		return nil
	}
	call := n.tmpl.Call
	if !call.IsDispatched() {
		if n.linked.CompareAndSwap(false, true) {
			return s.linkCall(n, call.Static, typestate.NoType)
		}
		return nil
	}
	if !changed {
		return nil
	}
	return s.dispatch(n, call)
}

// dispatch links the call site n to the callee of every receiver type it
// has not seen before.
func (s *Solver) dispatch(n *node, call *flow.Call) error {
	receivers := s.prog.Types.Expand(n.get())
	for _, t := range receivers.Types() {
		key := dispatchKey{n.inst.id, n.tmpl.ID, t}
		if _, seen := s.dispatched.LoadOrStore(key, struct{}{}); seen {
			continue
		}
		callee, ok := s.prog.Resolve(t, call.Selector)
		if !ok {
			s.logger.Debug("no callee", "site", n.tmpl.String(), "receiver", s.prog.Types.Name(t), "selector", call.Selector)
			continue
		}
		if err := s.linkCall(n, callee, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Solver) invariant(inst *Instance, n *node, err error, detail string) error {
	e := &InvariantError{Detail: detail, Err: err}
	if inst != nil {
		e.Method = inst.tmpl.Name()
		e.Context = inst.ctx
	}
	if n != nil {
		if n.tmpl != nil {
			e.Node = n.tmpl.String()
		} else {
			e.Node = s.prog.FieldName(n.field)
		}
	}
	return e
}

// Result returns the converged result.
func (s *Solver) Result() (*Result, error) {
	if p := s.Phase(); p != Converged {
		return nil, fmt.Errorf("solver is %s: %w", p, ErrNotConverged)
	}
	s.arenaMu.RLock()
	arena := s.arena
	s.arenaMu.RUnlock()
	s.rootsMu.Lock()
	roots := append([]InstanceID(nil), s.roots...)
	s.rootsMu.Unlock()
	return newResult(s, arena, roots), nil
}

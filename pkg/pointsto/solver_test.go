package pointsto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/typestate"
)

type fixture struct {
	t     *testing.T
	prog  *flow.Program
	types map[string]typestate.TypeID
}

func newFixture(t *testing.T, types ...string) *fixture {
	t.Helper()
	u := typestate.NewUniverse()
	f := &fixture{t: t, types: make(map[string]typestate.TypeID)}
	for _, name := range types {
		f.types[name] = u.MustRegister(name)
	}
	u.Seal()
	f.prog = flow.NewProgram(u)
	return f
}

func (f *fixture) typ(name string) typestate.TypeID {
	id, ok := f.types[name]
	require.True(f.t, ok, "unknown type %s", name)
	return id
}

func (f *fixture) single(name string) typestate.State { return typestate.Single(f.typ(name)) }

// define builds and registers the template of name.
func (f *fixture) define(name string, body func(b *flow.Builder, self flow.MethodID)) flow.MethodID {
	f.t.Helper()
	m := f.prog.Method(name)
	b := flow.NewBuilder(m, name)
	body(b, m)
	tmpl, err := b.Build()
	require.NoError(f.t, err)
	require.NoError(f.t, f.prog.AddTemplate(tmpl))
	return m
}

func (f *fixture) solve(opts Options, roots ...flow.MethodID) *Result {
	f.t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := NewSolver(f.prog, opts)
	for _, m := range roots {
		_, err := s.AddRoot(m)
		require.NoError(f.t, err)
	}
	require.NoError(f.t, s.Run(context.Background()))
	res, err := s.Result()
	require.NoError(f.t, err)
	require.NoError(f.t, res.Check())
	return res
}

func requireState(t *testing.T, want, got typestate.State) {
	t.Helper()
	require.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func TestSolver_AllocationNullCheckFieldStore(t *testing.T) {
	f := newFixture(t, "A")
	field := f.prog.Field("Holder.f")
	var alloc, check flow.NodeID
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		alloc = b.Source("new A", f.single("A"))
		check = b.NullCheck("a != nil", alloc, true)
		b.FieldStore("h.f = a", field, check)
	})

	res := f.solve(Options{Workers: 1}, main)

	requireState(t, f.single("A"), res.Field(field))
	require.False(t, res.Field(field).CanBeNull())
	got, ok := res.State(main, EmptyContext, check)
	require.True(t, ok)
	requireState(t, f.single("A"), got)
	require.Empty(t, res.CallEdges())
	require.Empty(t, res.RecursiveComponents())
}

func TestSolver_NullBranches(t *testing.T) {
	f := newFixture(t, "A")
	var nonNull, onlyNull flow.NodeID
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		phi := b.Merge("phi", b.Source("new A", f.single("A")), b.Source("nil", typestate.Null()))
		nonNull = b.NullCheck("x != nil", phi, true)
		onlyNull = b.NullCheck("x == nil", phi, false)
	})

	res := f.solve(Options{}, main)

	requireState(t, f.single("A"), res.Merged(main, nonNull))
	requireState(t, typestate.Null(), res.Merged(main, onlyNull))
}

func TestSolver_LoadsObserveStores(t *testing.T) {
	f := newFixture(t, "A", "B")
	field := f.prog.Field("T.next")
	writer := f.define("writer", func(b *flow.Builder, _ flow.MethodID) {
		b.FieldStore("store A", field, b.Source("new A", f.single("A")))
	})
	var load flow.NodeID
	reader := f.define("reader", func(b *flow.Builder, _ flow.MethodID) {
		b.FieldStore("store B", field, b.Source("new B", f.single("B")))
		load = b.FieldLoad("load", field)
	})

	res := f.solve(Options{}, reader, writer)

	requireState(t, typestate.Of(false, f.typ("A"), f.typ("B")), res.Merged(reader, load))
}

func TestSolver_Dispatch(t *testing.T) {
	f := newFixture(t, "A", "B", "C", "D")
	runA := f.define("A.Run", func(b *flow.Builder, _ flow.MethodID) {
		b.Parameter("recv", 0, f.single("A"))
		b.Return(0, b.Source("new C", f.single("C")))
	})
	runB := f.define("B.Run", func(b *flow.Builder, _ flow.MethodID) {
		b.Parameter("recv", 0, f.single("B"))
		b.Return(0, b.Source("new D", f.single("D")))
	})
	f.prog.AddDispatch(f.typ("A"), "Run", runA)
	f.prog.AddDispatch(f.typ("B"), "Run", runB)

	var site, result flow.NodeID
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		x := b.Merge("x", b.Source("new A", f.single("A")), b.Source("new B", f.single("B")), b.Source("nil", typestate.Null()))
		var results []flow.NodeID
		site, results = b.Invoke("x.Run()", flow.CallSpec{
			Static:   flow.NoMethod,
			Selector: "Run",
			Args:     []flow.NodeID{x},
			Results:  []typestate.State{typestate.Full()},
		})
		result = results[0]
	})

	res := f.solve(Options{Workers: 4}, main)

	requireState(t, typestate.Of(false, f.typ("C"), f.typ("D")), res.Merged(main, result))
	require.Equal(t, []flow.MethodID{runA, runB}, res.Callees(main, site))
	requireState(t, f.single("A"), res.Merged(runA, 0))
	requireState(t, f.single("B"), res.Merged(runB, 0))
	require.Len(t, res.CallEdges(), 2)
}

func TestSolver_ContextSensitivity(t *testing.T) {
	build := func(t *testing.T) (*fixture, flow.MethodID, flow.MethodID, flow.MethodID, flow.NodeID, flow.NodeID) {
		f := newFixture(t, "A", "B")
		id := f.define("id", func(b *flow.Builder, _ flow.MethodID) {
			b.Return(0, b.Parameter("p", 0, typestate.Full()))
		})
		caller := func(name, typ string) (flow.MethodID, flow.NodeID) {
			var r flow.NodeID
			m := f.define(name, func(b *flow.Builder, _ flow.MethodID) {
				_, results := b.Invoke("id(x)", flow.CallSpec{
					Static:  id,
					Args:    []flow.NodeID{b.Source("new "+typ, f.single(typ))},
					Results: []typestate.State{typestate.Full()},
				})
				r = results[0]
			})
			return m, r
		}
		useA, ra := caller("useA", "A")
		useB, rb := caller("useB", "B")
		return f, id, useA, useB, ra, rb
	}

	tests := []struct {
		name      string
		policy    ContextPolicy
		wantA     []string
		wantB     []string
		instances int
	}{
		{name: "insensitive", policy: Insensitive{}, wantA: []string{"A", "B"}, wantB: []string{"A", "B"}, instances: 1},
		{name: "call string", policy: CallString{K: 1}, wantA: []string{"A"}, wantB: []string{"B"}, instances: 2},
		{name: "receiver type", policy: ReceiverType{K: 1}, wantA: []string{"A", "B"}, wantB: []string{"A", "B"}, instances: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, id, useA, useB, ra, rb := build(t)
			res := f.solve(Options{Policy: tt.policy}, useA, useB)

			want := func(names []string) typestate.State {
				var ids []typestate.TypeID
				for _, n := range names {
					ids = append(ids, f.typ(n))
				}
				return typestate.Of(false, ids...)
			}
			requireState(t, want(tt.wantA), res.Merged(useA, ra))
			requireState(t, want(tt.wantB), res.Merged(useB, rb))
			require.Len(t, res.InstancesOf(id), tt.instances)
		})
	}
}

func TestSolver_InstantiateIdempotent(t *testing.T) {
	f := newFixture(t, "A")
	m := f.define("m", func(b *flow.Builder, _ flow.MethodID) {
		b.Return(0, b.Source("new A", f.single("A")))
	})
	s := NewSolver(f.prog, Options{})
	ctx := CallString{K: 2}.Callee(EmptyContext, CallSite{Method: m, Node: 3}, typestate.NoType)

	var wg sync.WaitGroup
	got := make([]*Instance, 32)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := s.Instantiate(m, ctx)
			assert.NoError(t, err)
			got[i] = inst
		}()
	}
	wg.Wait()
	for _, inst := range got {
		require.Same(t, got[0], inst)
	}
	other, err := s.Instantiate(m, EmptyContext)
	require.NoError(t, err)
	require.NotSame(t, got[0], other)
	require.NotEqual(t, got[0].ID(), other.ID())
}

func TestSolver_Recursion(t *testing.T) {
	for _, policy := range []ContextPolicy{Insensitive{}, CallString{K: 3}, ReceiverType{K: 2}} {
		t.Run(policy.Name(), func(t *testing.T) {
			f := newFixture(t, "A", "B")
			var fRet, hRes flow.NodeID
			var gM, hM flow.MethodID
			gM = f.prog.Method("g")
			hM = f.prog.Method("h")
			self := f.define("f", func(b *flow.Builder, self flow.MethodID) {
				p := b.Parameter("p", 0, typestate.Full())
				_, r := b.Invoke("f(p)", flow.CallSpec{
					Static:  self,
					Args:    []flow.NodeID{p},
					Results: []typestate.State{typestate.Full()},
				})
				fRet = b.Return(0, p, r[0])
			})
			f.define("g", func(b *flow.Builder, _ flow.MethodID) {
				p := b.Parameter("p", 0, typestate.Full())
				_, r := b.Invoke("h(p)", flow.CallSpec{Static: hM, Args: []flow.NodeID{p}, Results: []typestate.State{typestate.Full()}})
				b.Return(0, r[0], b.Source("new B", f.single("B")))
			})
			f.define("h", func(b *flow.Builder, _ flow.MethodID) {
				p := b.Parameter("p", 0, typestate.Full())
				_, r := b.Invoke("g(p)", flow.CallSpec{Static: gM, Args: []flow.NodeID{p}, Results: []typestate.State{typestate.Full()}})
				hRes = r[0]
				b.Return(0, p, r[0])
			})
			main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
				a := b.Source("new A", f.single("A"))
				b.Invoke("f(a)", flow.CallSpec{Static: self, Args: []flow.NodeID{a}, Results: []typestate.State{typestate.Full()}})
				b.Invoke("g(a)", flow.CallSpec{Static: gM, Args: []flow.NodeID{a}, Results: []typestate.State{typestate.Full()}})
			})

			res := f.solve(Options{Policy: policy, Workers: 3}, main)

			requireState(t, f.single("A"), res.Merged(self, fRet))
			requireState(t, typestate.Of(false, f.typ("A"), f.typ("B")), res.Merged(hM, hRes))
			require.Equal(t, [][]flow.MethodID{{gM, hM}, {self}}, res.RecursiveComponents())
		})
	}
}

func TestSolver_OpaqueCallee(t *testing.T) {
	f := newFixture(t, "A")
	ext := f.prog.Method("ext")
	var r flow.NodeID
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		_, results := b.Invoke("ext()", flow.CallSpec{
			Static:  ext,
			Results: []typestate.State{typestate.Of(true, f.typ("A"))},
		})
		r = results[0]
	})

	res := f.solve(Options{}, main)

	requireState(t, typestate.Of(true, f.typ("A")), res.Merged(main, r))
	require.Equal(t, []CallEdge{{Caller: 0, Site: 0, Method: ext, Callee: NoInstance, Receiver: typestate.NoType}}, res.CallEdges())

	s := NewSolver(f.prog, Options{})
	_, err := s.Instantiate(ext, EmptyContext)
	require.ErrorIs(t, err, ErrNoTemplate)
}

func TestSolver_RootParametersUseDeclaredBound(t *testing.T) {
	f := newFixture(t, "A", "B")
	var p flow.NodeID
	root := f.define("root", func(b *flow.Builder, _ flow.MethodID) {
		p = b.Parameter("p", 0, typestate.Of(true, f.typ("B")))
	})
	res := f.solve(Options{}, root)
	requireState(t, typestate.Of(true, f.typ("B")), res.Merged(root, p))
}

// chain builds n methods where each stores its parameter and passes it on.
func chain(t *testing.T, n int) (*fixture, flow.MethodID, []flow.FieldID) {
	f := newFixture(t, "A", "B", "C")
	ids := make([]flow.MethodID, n)
	for i := range ids {
		ids[i] = f.prog.Method(fmt.Sprintf("m%d", i))
	}
	fields := make([]flow.FieldID, n)
	for i := range fields {
		fields[i] = f.prog.Field(fmt.Sprintf("f%d", i))
	}
	for i := range ids {
		f.define(fmt.Sprintf("m%d", i), func(b *flow.Builder, _ flow.MethodID) {
			p := b.Parameter("p", 0, typestate.Full())
			v := b.Merge("v", p, b.FieldLoad("load", fields[(i+n-1)%n]))
			b.FieldStore("store", fields[i], v)
			if i+1 < n {
				b.Invoke("next", flow.CallSpec{Static: ids[i+1], Args: []flow.NodeID{v}})
			}
		})
	}
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		for _, typ := range []string{"A", "B", "C"} {
			b.Invoke("m0", flow.CallSpec{Static: ids[0], Args: []flow.NodeID{b.Source("new "+typ, f.single(typ))}})
		}
	})
	return f, main, fields
}

func TestSolver_ConcurrentMatchesSequential(t *testing.T) {
	const n = 64
	f1, main1, fields := chain(t, n)
	seq := f1.solve(Options{Workers: 1, Policy: CallString{K: 2}}, main1)
	f8, main8, _ := chain(t, n)
	par := f8.solve(Options{Workers: 8, Policy: CallString{K: 2}}, main8)

	all := typestate.Of(false, f1.typ("A"), f1.typ("B"), f1.typ("C"))
	for _, field := range fields {
		requireState(t, all, seq.Field(field))
		requireState(t, seq.Field(field), par.Field(field))
	}
	require.Equal(t, seq.Stats().Instances, par.Stats().Instances)
	require.Equal(t, seq.Stats().CallEdges, par.Stats().CallEdges)
}

func TestSolver_RunIsIdempotent(t *testing.T) {
	f, main, fields := chain(t, 8)
	s := NewSolver(f.prog, Options{Workers: 2})
	_, err := s.AddRoot(main)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	first, err := s.Result()
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	second, err := s.Result()
	require.NoError(t, err)
	for _, field := range fields {
		requireState(t, first.Field(field), second.Field(field))
	}
	require.Equal(t, first.CallEdges(), second.CallEdges())

	again := f.solve(Options{Workers: 2}, main)
	for _, field := range fields {
		requireState(t, first.Field(field), again.Field(field))
	}
	require.Equal(t, first.Stats().Nodes, again.Stats().Nodes)
}

func TestSolver_Lifecycle(t *testing.T) {
	f := newFixture(t, "A")
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		b.Source("new A", f.single("A"))
	})
	s := NewSolver(f.prog, Options{})
	require.Equal(t, Pending, s.Phase())
	_, err := s.Result()
	require.ErrorIs(t, err, ErrNotConverged)

	inst, err := s.AddRoot(main)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, Converged, s.Phase())

	err = s.Seed(inst, 0, typestate.Null())
	require.ErrorIs(t, err, ErrNotPending)
	require.ErrorIs(t, err, ErrInvariant)
	_, err = s.AddRoot(main)
	require.ErrorIs(t, err, ErrNotPending)
}

func TestSolver_SeedForeignNode(t *testing.T) {
	f := newFixture(t, "A")
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		b.Source("new A", f.single("A"))
	})
	other := NewSolver(f.prog, Options{})
	foreign, err := other.Instantiate(main, EmptyContext)
	require.NoError(t, err)

	s := NewSolver(f.prog, Options{})
	inst, err := s.Instantiate(main, EmptyContext)
	require.NoError(t, err)

	err = s.Seed(foreign, 0, typestate.Null())
	require.ErrorIs(t, err, ErrUnknownNode)
	err = s.Seed(inst, 7, typestate.Null())
	require.ErrorIs(t, err, ErrUnknownNode)

	var ierr *InvariantError
	require.True(t, errors.As(err, &ierr))
	require.Equal(t, "main", ierr.Method)
}

func TestSolver_Canceled(t *testing.T) {
	f, main, _ := chain(t, 16)
	s := NewSolver(f.prog, Options{Workers: 2})
	_, err := s.AddRoot(main)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Failed, s.Phase())
	_, err = s.Result()
	require.ErrorIs(t, err, ErrNotConverged)
	require.ErrorIs(t, s.Run(context.Background()), context.Canceled)
}

func TestSolver_NonMonotoneTransfer(t *testing.T) {
	f := newFixture(t, "A", "B")
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		b.Merge("m", b.Source("new A", f.single("A")))
	})
	s := NewSolver(f.prog, Options{Workers: 1})
	inst, err := s.AddRoot(main)
	require.NoError(t, err)
	inst.nodes[1].lastOut = f.single("B")

	err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrNonMonotone)
	require.ErrorIs(t, err, ErrInvariant)
	require.Contains(t, err.Error(), "main")
	require.Equal(t, Failed, s.Phase())
}

type brokenSource struct{}

func (brokenSource) Build(p *flow.Program, m flow.MethodID) (*flow.Template, error) {
	b := flow.NewBuilder(m, p.MethodName(m))
	b.Merge("bad", 42)
	return b.Build()
}

func TestSolver_BadTemplate(t *testing.T) {
	f := newFixture(t, "A")
	broken := f.prog.Method("broken")
	f.prog.SetSource(brokenSource{})
	main := f.define("main", func(b *flow.Builder, _ flow.MethodID) {
		b.Invoke("broken()", flow.CallSpec{Static: broken})
	})
	s := NewSolver(f.prog, Options{})
	_, err := s.AddRoot(main)
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrBadTemplate)
	require.Contains(t, err.Error(), "broken")
}

func TestContext_Policies(t *testing.T) {
	site := func(m, n int) CallSite { return CallSite{Method: flow.MethodID(m), Node: flow.NodeID(n)} }

	c := EmptyContext
	cs := CallString{K: 2}
	c = cs.Callee(c, site(1, 1), typestate.NoType)
	c = cs.Callee(c, site(2, 5), typestate.NoType)
	c = cs.Callee(c, site(3, 7), typestate.NoType)
	require.Equal(t, []string{"2:5", "3:7"}, c.Elements())
	require.Equal(t, 2, c.Depth())
	require.Equal(t, c, cs.Callee(cs.Callee(EmptyContext, site(2, 5), typestate.NoType), site(3, 7), typestate.NoType))

	rt := ReceiverType{K: 1}
	r := rt.Callee(EmptyContext, site(1, 1), 4)
	require.Equal(t, []string{"t4"}, r.Elements())
	require.Equal(t, r, rt.Callee(r, site(9, 9), typestate.NoType))

	require.Equal(t, EmptyContext, Insensitive{}.Callee(c, site(1, 1), 3))
	require.Equal(t, EmptyContext, CallString{}.Callee(c, site(1, 1), 3))

	p, ok := ParsePolicy("callsite", 3)
	require.True(t, ok)
	require.Equal(t, CallString{K: 3}, p)
	_, ok = ParsePolicy("bogus", 1)
	require.False(t, ok)
}

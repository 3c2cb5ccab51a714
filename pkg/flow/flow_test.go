package flow

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/typestate"
)

func TestNode_Filter(t *testing.T) {
	const t1, t2, t3 typestate.TypeID = 1, 2, 3
	in := typestate.Of(true, t1, t2)

	tests := []struct {
		name string
		node Node
		in   typestate.State
		want typestate.State
	}{
		{
			name: "non-null pass drops null",
			node: Node{Kind: KindNullCheck, PassNonNull: true},
			in:   in,
			want: typestate.Of(false, t1, t2),
		},
		{
			name: "null pass keeps only null",
			node: Node{Kind: KindNullCheck, PassNonNull: false},
			in:   in,
			want: typestate.Null(),
		},
		{
			name: "null pass without null yields empty",
			node: Node{Kind: KindNullCheck, PassNonNull: false},
			in:   typestate.Of(false, t1, t2),
			want: typestate.Empty(),
		},
		{
			name: "type check pass",
			node: Node{Kind: KindTypeCheck, Pass: true, Allowed: typestate.Of(false, t2, t3)},
			in:   in,
			want: typestate.Single(t2),
		},
		{
			name: "type check fail branch keeps null",
			node: Node{Kind: KindTypeCheck, Pass: false, Allowed: typestate.Of(false, t2, t3)},
			in:   in,
			want: typestate.Of(true, t1),
		},
		{
			name: "comma-ok type check adds null",
			node: Node{Kind: KindTypeCheck, Pass: true, OrNull: true, Allowed: typestate.Single(t3)},
			in:   typestate.Single(t1),
			want: typestate.Null(),
		},
		{
			name: "comma-ok type check on empty input",
			node: Node{Kind: KindTypeCheck, Pass: true, OrNull: true, Allowed: typestate.Single(t3)},
			in:   typestate.Empty(),
			want: typestate.Empty(),
		},
		{
			name: "merge is identity",
			node: Node{Kind: KindMerge},
			in:   in,
			want: in,
		},
		{
			name: "invoke ignores null receivers",
			node: Node{Kind: KindInvoke},
			in:   in,
			want: typestate.Of(false, t1, t2),
		},
		{
			name: "statically non-null value",
			node: Node{Kind: KindMerge, NonNull: true},
			in:   in,
			want: typestate.Of(false, t1, t2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.node.Filter(tt.in)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
		})
	}
}

func TestNode_FilterNeverWidens(t *testing.T) {
	inputs := []typestate.State{
		typestate.Empty(), typestate.Null(), typestate.Of(true, 1, 2), typestate.Of(false, 4),
	}
	nodes := []Node{
		{Kind: KindNullCheck, PassNonNull: true},
		{Kind: KindNullCheck},
		{Kind: KindTypeCheck, Pass: true, Allowed: typestate.Of(false, 1, 4)},
		{Kind: KindTypeCheck, Allowed: typestate.Of(false, 1, 4)},
	}
	for _, n := range nodes {
		for _, in := range inputs {
			require.True(t, in.Includes(n.Filter(in)), "%s widened %s to %s", n.Kind, in, n.Filter(in))
		}
	}
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder(0, "m")
	p := b.Parameter("p", 0, typestate.Full())
	alloc := b.Source("new A", typestate.Single(1))
	phi := b.Merge("phi", p)
	b.AddInput(phi, alloc)
	check := b.NullCheck("p != nil", phi, true)
	store := b.FieldStore("A.f", 0, check)
	site, results := b.Invoke("call", CallSpec{
		Static:    NoMethod,
		Selector:  "Run",
		Args:      []NodeID{check, NoNode},
		Results:   []typestate.State{typestate.Full(), typestate.Full()},
		Untracked: []bool{false, true},
	})
	ret := b.Return(0, results[0])
	require.Equal(t, ret, b.Return(0, alloc), "return nodes are shared per index")

	tmpl, err := b.Build()
	require.NoError(t, err)

	require.Equal(t, "m", tmpl.Name())
	require.Equal(t, p, tmpl.Param(0))
	require.Equal(t, NoNode, tmpl.Param(1))
	require.Equal(t, ret, tmpl.Return(0))
	require.Equal(t, []NodeID{site}, tmpl.Invokes())
	require.Equal(t, []NodeID{store}, tmpl.FieldStores())
	require.ElementsMatch(t, []NodeID{phi}, tmpl.Outputs(p))
	require.ElementsMatch(t, []NodeID{phi, ret}, tmpl.Outputs(alloc))

	call := tmpl.Node(site).Call
	require.True(t, call.IsDispatched())
	require.Len(t, call.Args, 2)
	require.Equal(t, NoNode, call.Args[1])
	require.Equal(t, KindArgument, tmpl.Node(call.Args[0]).Kind)
	require.Equal(t, []NodeID{call.Args[0]}, tmpl.Node(site).Inputs, "receiver argument feeds the invoke node")
	require.Equal(t, NoNode, results[1])
	require.Equal(t, site, tmpl.Node(results[0]).Site)
	require.Contains(t, tmpl.Dump(), "nullcheck(p != nil)")
}

func TestBuilder_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
	}{
		{
			name: "input out of range",
			build: func(b *Builder) {
				b.Merge("m", 7)
			},
		},
		{
			name: "dispatched call without receiver",
			build: func(b *Builder) {
				b.Invoke("call", CallSpec{Static: NoMethod, Selector: "Run"})
			},
		},
		{
			name: "duplicate parameter",
			build: func(b *Builder) {
				b.Parameter("a", 0, typestate.Full())
				b.Parameter("b", 0, typestate.Full())
			},
		},
		{
			name: "negative return index",
			build: func(b *Builder) {
				b.Return(-1, b.Merge("x"))
			},
		},
		{
			name: "source with inputs",
			build: func(b *Builder) {
				s := b.Source("s", typestate.Null())
				b.AddInput(s, s)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(0, "bad")
			tt.build(b)
			var err error
			require.NotPanics(t, func() { _, err = b.Build() })
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformed), "unexpected error: %v", err)
		})
	}
}

type countingSource struct {
	built atomic.Int32
}

func (s *countingSource) Build(p *Program, m MethodID) (*Template, error) {
	s.built.Add(1)
	if p.MethodName(m) == "opaque" {
		return nil, nil
	}
	b := NewBuilder(m, p.MethodName(m))
	b.Return(0, b.Source("new", typestate.Single(0)))
	return b.Build()
}

func TestProgram_TemplateBuiltOnce(t *testing.T) {
	u := typestate.NewUniverse()
	u.MustRegister("A")
	u.Seal()
	p := NewProgram(u)
	src := &countingSource{}
	p.SetSource(src)
	m := p.Method("make")
	require.Equal(t, m, p.Method("make"))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tmpl, err := p.Template(m)
			assert.NoError(t, err)
			assert.NotNil(t, tmpl)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), src.built.Load())

	tmpl, err := p.Template(p.Method("opaque"))
	require.NoError(t, err)
	require.Nil(t, tmpl)
}

func TestProgram_DispatchAndFields(t *testing.T) {
	u := typestate.NewUniverse()
	a := u.MustRegister("A")
	b := u.MustRegister("B")
	u.Seal()
	p := NewProgram(u)
	run := p.Method("A.Run")
	p.AddDispatch(a, "Run", run)
	p.SetResolver(ResolverFunc(func(recv typestate.TypeID, sel string) (MethodID, bool) {
		if recv == b && sel == "Run" {
			return p.Method("B.Run"), true
		}
		return NoMethod, false
	}))

	got, ok := p.Resolve(a, "Run")
	require.True(t, ok)
	require.Equal(t, run, got)
	got, ok = p.Resolve(b, "Run")
	require.True(t, ok)
	require.Equal(t, "B.Run", p.MethodName(got))
	_, ok = p.Resolve(a, "Stop")
	require.False(t, ok)

	f := p.Field("A.next")
	require.Equal(t, f, p.Field("A.next"))
	require.Equal(t, "A.next", p.FieldName(f))

	tb := NewBuilder(run, "A.Run")
	tmpl, err := tb.Build()
	require.NoError(t, err)
	require.NoError(t, p.AddTemplate(tmpl))
	require.Error(t, p.AddTemplate(tmpl))
	registered, err := p.Template(run)
	require.NoError(t, err)
	require.Same(t, tmpl, registered)
}

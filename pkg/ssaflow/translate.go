package ssaflow

import (
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/typestate"
)

// translator builds the template of one function.
type translator struct {
	f  *Frontend
	fn *ssa.Function
	b  *flow.Builder

	vals   map[ssa.Value]flow.NodeID
	tuples map[ssa.Value][]flow.NodeID
	// refine holds the null-check nodes that replace a value in the blocks
	// dominated by a nil-comparison branch.
	refine map[*ssa.BasicBlock]map[ssa.Value]flow.NodeID
	phis   []*ssa.Phi
	sites  map[flow.NodeID]ssa.CallInstruction
}

func translate(f *Frontend, m flow.MethodID, fn *ssa.Function) (*flow.Template, map[flow.NodeID]ssa.CallInstruction, error) {
	tr := &translator{
		f:      f,
		fn:     fn,
		b:      flow.NewBuilder(m, f.prog.MethodName(m)),
		vals:   make(map[ssa.Value]flow.NodeID),
		tuples: make(map[ssa.Value][]flow.NodeID),
		refine: make(map[*ssa.BasicBlock]map[ssa.Value]flow.NodeID),
		sites:  make(map[flow.NodeID]ssa.CallInstruction),
	}
	for i, p := range fn.Params {
		if shapeOf(p.Type()) == untracked {
			continue
		}
		tr.vals[p] = tr.b.Parameter(p.Name(), ParamIndex(fn, i), f.types.bound(p.Type()))
	}

	// Dominator preorder visits every definition before its non-phi uses.
	visited := make(map[*ssa.BasicBlock]bool, len(fn.Blocks))
	for _, blk := range fn.DomPreorder() {
		visited[blk] = true
		tr.block(blk)
	}
	for _, blk := range fn.Blocks {
		if !visited[blk] {
			tr.block(blk)
		}
	}
	for _, phi := range tr.phis {
		id := tr.vals[phi]
		for i, edge := range phi.Edges {
			if in := tr.operand(edge, phi.Block().Preds[i]); in != flow.NoNode {
				tr.b.AddInput(id, in)
			}
		}
	}

	tmpl, err := tr.b.Build()
	if err != nil {
		return nil, nil, err
	}
	return tmpl, tr.sites, nil
}

func (tr *translator) block(blk *ssa.BasicBlock) {
	tr.refineEntry(blk)
	for _, instr := range blk.Instrs {
		tr.instr(instr)
	}
}

// refineEntry adds a null-check node when blk is the sole successor edge
// of a branch on v == nil or v != nil.
func (tr *translator) refineEntry(blk *ssa.BasicBlock) {
	if len(blk.Preds) != 1 {
		return
	}
	pred := blk.Preds[0]
	if len(pred.Instrs) == 0 {
		return
	}
	br, ok := pred.Instrs[len(pred.Instrs)-1].(*ssa.If)
	if !ok || pred.Succs[0] == pred.Succs[1] {
		return
	}
	v, eq := nilComparison(br.Cond)
	if v == nil || shapeOf(v.Type()) == untracked {
		return
	}
	in := tr.operand(v, pred)
	if in == flow.NoNode {
		return
	}
	onTrue := pred.Succs[0] == blk
	nonNull := onTrue != eq
	desc := v.Name() + " != nil"
	if !nonNull {
		desc = v.Name() + " == nil"
	}
	if tr.refine[blk] == nil {
		tr.refine[blk] = make(map[ssa.Value]flow.NodeID)
	}
	tr.refine[blk][v] = tr.b.NullCheck(desc, in, nonNull)
}

// nilComparison returns the operand compared against nil by cond, and
// whether the comparison is ==.
func nilComparison(cond ssa.Value) (ssa.Value, bool) {
	op, ok := cond.(*ssa.BinOp)
	if !ok || (op.Op != token.EQL && op.Op != token.NEQ) {
		return nil, false
	}
	eq := op.Op == token.EQL
	if isNil(op.Y) {
		return op.X, eq
	}
	if isNil(op.X) {
		return op.Y, eq
	}
	return nil, false
}

func isNil(v ssa.Value) bool {
	c, ok := v.(*ssa.Const)
	return ok && c.IsNil()
}

// operand returns the node holding v as seen from blk, or NoNode if v is
// not tracked.
func (tr *translator) operand(v ssa.Value, blk *ssa.BasicBlock) flow.NodeID {
	for b := blk; b != nil; b = b.Idom() {
		if id, ok := tr.refine[b][v]; ok {
			return id
		}
	}
	if id, ok := tr.vals[v]; ok {
		return id
	}
	if shapeOf(v.Type()) == untracked {
		return flow.NoNode
	}
	var id flow.NodeID
	switch v := v.(type) {
	case *ssa.Const:
		if v.IsNil() {
			id = tr.b.Source("nil", typestate.Null())
		} else {
			id = tr.b.Source(v.String(), tr.f.types.bound(v.Type()))
		}
	case *ssa.Function:
		id = tr.b.Source(v.String(), tr.f.types.funcValue(v))
	case *ssa.Global:
		id = tr.b.Source("&"+v.Name(), tr.f.types.single(v.Type()))
	default:
		id = tr.b.Source(v.Name(), tr.f.types.bound(v.Type()))
	}
	tr.vals[v] = id
	return id
}

// required is like operand but never returns NoNode.
func (tr *translator) required(v ssa.Value, blk *ssa.BasicBlock) flow.NodeID {
	if id := tr.operand(v, blk); id != flow.NoNode {
		return id
	}
	return tr.b.Source(v.Name(), typestate.Unknown())
}

func label(v ssa.Value) string { return v.Name() + " = " + v.String() }

func (tr *translator) source(v ssa.Value, seed typestate.State) {
	tr.vals[v] = tr.b.Source(label(v), seed)
}

// declared makes v a source of its declared bound.
func (tr *translator) declared(v ssa.Value) {
	if shapeOf(v.Type()) == untracked {
		return
	}
	tr.source(v, tr.f.types.bound(v.Type()))
}

func (tr *translator) copyOf(v, from ssa.Value) {
	if shapeOf(v.Type()) == untracked {
		return
	}
	in := tr.operand(from, v.(ssa.Instruction).Block())
	if in == flow.NoNode {
		tr.declared(v)
		return
	}
	tr.vals[v] = tr.b.Merge(label(v), in)
}

func (tr *translator) instr(instr ssa.Instruction) {
	blk := instr.Block()
	switch instr := instr.(type) {
	case *ssa.Alloc:
		tr.source(instr, tr.f.types.single(instr.Type()))
	case *ssa.MakeMap:
		tr.source(instr, tr.f.types.single(instr.Type()))
	case *ssa.MakeSlice:
		tr.source(instr, tr.f.types.single(instr.Type()))
	case *ssa.MakeChan:
		tr.source(instr, tr.f.types.single(instr.Type()))
	case *ssa.MakeInterface:
		tr.source(instr, tr.f.types.single(instr.X.Type()))
	case *ssa.MakeClosure:
		tr.source(instr, tr.f.types.funcValue(instr.Fn.(*ssa.Function)))
	case *ssa.Phi:
		if shapeOf(instr.Type()) != untracked {
			tr.vals[instr] = tr.b.Merge(instr.Name())
			tr.phis = append(tr.phis, instr)
		}
	case *ssa.ChangeType:
		tr.copyOf(instr, instr.X)
	case *ssa.ChangeInterface:
		tr.copyOf(instr, instr.X)
	case *ssa.Slice:
		if _, ok := instr.X.Type().Underlying().(*types.Slice); ok {
			tr.copyOf(instr, instr.X)
		} else if shapeOf(instr.Type()) != untracked {
			tr.source(instr, tr.f.types.single(instr.Type()))
		}
	case *ssa.TypeAssert:
		tr.typeAssert(instr)
	case *ssa.UnOp:
		if instr.Op == token.MUL {
			tr.load(instr)
		} else {
			tr.declared(instr)
		}
	case *ssa.Extract:
		tr.extract(instr)
	case *ssa.Call:
		tr.call(instr, instr)
	case *ssa.Go:
		tr.call(instr, nil)
	case *ssa.Defer:
		tr.call(instr, nil)
	case *ssa.Store:
		tr.store(instr)
	case *ssa.Return:
		for i, r := range instr.Results {
			if in := tr.operand(r, blk); in != flow.NoNode {
				tr.b.Return(i, in)
			}
		}
	case ssa.Value:
		// Field and element reads, map lookups, channel receives,
		// conversions and the like hold whatever their static type allows.
		tr.declared(instr)
	}
}

func (tr *translator) typeAssert(instr *ssa.TypeAssert) {
	asserted := instr.AssertedType
	var id flow.NodeID
	switch shapeOf(asserted) {
	case untracked:
		return
	case function:
		id = tr.b.Source(label(instr), tr.f.types.bound(asserted))
	default:
		in := tr.required(instr.X, instr.Block())
		id = tr.b.TypeCheck(label(instr), in, tr.f.types.allowed(asserted), true, instr.CommaOk)
	}
	if instr.CommaOk {
		tr.tuples[instr] = []flow.NodeID{id, flow.NoNode}
		return
	}
	tr.vals[instr] = id
}

func (tr *translator) extract(instr *ssa.Extract) {
	if ids, ok := tr.tuples[instr.Tuple]; ok && instr.Index < len(ids) && ids[instr.Index] != flow.NoNode {
		tr.vals[instr] = ids[instr.Index]
		return
	}
	tr.declared(instr)
}

// fieldOf returns the field flow of an address, if it names a struct
// field or a global.
func (tr *translator) fieldOf(addr ssa.Value) (flow.FieldID, bool) {
	switch a := addr.(type) {
	case *ssa.Global:
		return tr.f.prog.Field("global " + a.String()), true
	case *ssa.FieldAddr:
		ptr, ok := a.X.Type().Underlying().(*types.Pointer)
		if !ok {
			return 0, false
		}
		st, ok := ptr.Elem().Underlying().(*types.Struct)
		if !ok {
			return 0, false
		}
		name := tr.f.names.ComputeTypeName(ptr.Elem()) + "." + st.Field(a.Field).Name()
		return tr.f.prog.Field("field " + name), true
	}
	return 0, false
}

// indirect returns the field flow of values of type t stored through
// addresses that name no field or global.
func (tr *translator) indirect(t types.Type) flow.FieldID {
	return tr.f.prog.Field("indirect " + tr.f.names.ComputeTypeName(t))
}

func (tr *translator) load(instr *ssa.UnOp) {
	if shapeOf(instr.Type()) == untracked {
		return
	}
	field, ok := tr.fieldOf(instr.X)
	if !ok {
		tr.declared(instr)
		return
	}
	direct := tr.b.FieldLoad(label(instr), field)
	via := tr.b.FieldLoad(label(instr)+" (indirect)", tr.indirect(instr.Type()))
	tr.vals[instr] = tr.b.Merge(label(instr), direct, via)
}

func (tr *translator) store(instr *ssa.Store) {
	in := tr.operand(instr.Val, instr.Block())
	if in == flow.NoNode {
		return
	}
	field, ok := tr.fieldOf(instr.Addr)
	if !ok {
		field = tr.indirect(instr.Val.Type())
	}
	tr.b.FieldStore(instr.String(), field, in)
}

func (tr *translator) operands(vs []ssa.Value, blk *ssa.BasicBlock) []flow.NodeID {
	ids := make([]flow.NodeID, len(vs))
	for i, v := range vs {
		ids[i] = tr.operand(v, blk)
	}
	return ids
}

func (tr *translator) call(instr ssa.CallInstruction, value *ssa.Call) {
	blk := instr.Block()
	cc := instr.Common()
	if b, ok := cc.Value.(*ssa.Builtin); ok {
		tr.builtin(b, cc, value)
		return
	}

	spec := flow.CallSpec{Static: flow.NoMethod}
	switch {
	case cc.IsInvoke():
		spec.Selector = cc.Method.Id()
		spec.Args = append([]flow.NodeID{tr.required(cc.Value, blk)}, tr.operands(cc.Args, blk)...)
	case cc.StaticCallee() != nil:
		callee := cc.StaticCallee()
		spec.Static = tr.f.Method(callee)
		spec.Args = tr.operands(cc.Args, blk)
		if callee.Signature.Recv() == nil {
			spec.Args = append([]flow.NodeID{flow.NoNode}, spec.Args...)
		}
	default:
		spec.Selector = callSelector
		spec.Args = append([]flow.NodeID{tr.required(cc.Value, blk)}, tr.operands(cc.Args, blk)...)
	}

	var results *types.Tuple
	if value != nil {
		results = cc.Signature().Results()
		for i := range results.Len() {
			t := results.At(i).Type()
			spec.Results = append(spec.Results, tr.f.types.bound(t))
			spec.Untracked = append(spec.Untracked, shapeOf(t) == untracked)
		}
	}

	site, ids := tr.b.Invoke(instr.String(), spec)
	tr.sites[site] = instr
	switch {
	case value == nil:
	case results.Len() == 1:
		if ids[0] != flow.NoNode {
			tr.vals[value] = ids[0]
		}
	case results.Len() > 1:
		tr.tuples[value] = ids
	}
}

func (tr *translator) builtin(b *ssa.Builtin, cc *ssa.CallCommon, value *ssa.Call) {
	if value == nil || shapeOf(value.Type()) == untracked {
		return
	}
	blk := value.Block()
	switch b.Name() {
	case "ssa:wrapnilchk":
		// Panics on nil, otherwise returns its first argument.
		in := tr.required(cc.Args[0], blk)
		tr.vals[value] = tr.b.NullCheck(label(value), in, true)
	case "append":
		grown := tr.b.Source(label(value), tr.f.types.single(value.Type()))
		merged := tr.b.Merge(label(value), grown)
		if in := tr.operand(cc.Args[0], blk); in != flow.NoNode {
			tr.b.AddInput(merged, in)
		}
		tr.vals[value] = merged
	default:
		tr.declared(value)
	}
}

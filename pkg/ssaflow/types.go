package ssaflow

import (
	"context"
	"go/types"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/types/typeutil"

	"github.com/715d/typeflow/internal/analysis"
	"github.com/715d/typeflow/pkg/typestate"
)

// shape classifies the static type of a value.
type shape uint8

const (
	untracked shape = iota
	// concrete values (pointers, maps, slices, chans) carry their static
	// type at run time.
	concrete
	// iface values carry any concrete type implementing the interface.
	iface
	// function values carry a function with an identical signature.
	function
)

func shapeOf(t types.Type) shape {
	if _, ok := t.(*types.TypeParam); ok {
		return untracked
	}
	switch t.Underlying().(type) {
	case *types.Pointer, *types.Map, *types.Slice, *types.Chan:
		return concrete
	case *types.Interface:
		return iface
	case *types.Signature:
		return function
	}
	return untracked
}

// typeTable maps Go types and function values to the TypeIDs of the
// universe. Lookups are safe for concurrent use.
type typeTable struct {
	u     *typestate.Universe
	names *analysis.NameCache

	mu       sync.Mutex
	concrete typeutil.Map // types.Type -> typestate.TypeID
	abstract typeutil.Map // interface or signature -> typestate.TypeID
	byID     []types.Type // nil for function values
	funcs    map[*ssa.Function]typestate.TypeID
	funcOf   map[typestate.TypeID]*ssa.Function
	used     map[string]bool
}

func newTypeTable(names *analysis.NameCache) *typeTable {
	tt := &typeTable{
		u:      typestate.NewUniverse(),
		names:  names,
		funcs:  make(map[*ssa.Function]typestate.TypeID),
		funcOf: make(map[typestate.TypeID]*ssa.Function),
		used:   make(map[string]bool),
	}
	hasher := typeutil.MakeHasher()
	tt.concrete.SetHasher(hasher)
	tt.abstract.SetHasher(hasher)
	return tt
}

// scanned is what one function contributes to the universe.
type scanned struct {
	concrete []types.Type
	abstract []types.Type
	funcs    []*ssa.Function
}

func (s *scanned) addValue(t types.Type) {
	if tup, ok := t.(*types.Tuple); ok {
		for i := range tup.Len() {
			s.addValue(tup.At(i).Type())
		}
		return
	}
	switch shapeOf(t) {
	case concrete:
		s.concrete = append(s.concrete, t)
	case iface:
		s.abstract = append(s.abstract, t)
	case function:
		s.abstract = append(s.abstract, t.Underlying())
	}
}

// scanFunc collects the dynamic types fn may create or observe.
func scanFunc(fn *ssa.Function) *scanned {
	s := &scanned{}
	for _, p := range fn.Params {
		s.addValue(p.Type())
	}
	for _, fv := range fn.FreeVars {
		s.addValue(fv.Type())
	}
	var space [32]*ssa.Value
	for _, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			if v, ok := instr.(ssa.Value); ok {
				s.addValue(v.Type())
			}
			rands := instr.Operands(space[:0])
			switch instr := instr.(type) {
			case ssa.CallInstruction:
				// The callee position is not an address-taken function.
				if !instr.Common().IsInvoke() && len(rands) > 0 {
					rands = rands[1:]
				}
			case *ssa.MakeInterface:
				s.concrete = append(s.concrete, instr.X.Type())
			case *ssa.TypeAssert:
				s.addValue(instr.AssertedType)
			}
			for _, op := range rands {
				if g, ok := (*op).(*ssa.Function); ok {
					s.funcs = append(s.funcs, g)
				}
			}
		}
	}
	return s
}

// scan registers the types of every function in fns, scanning them in
// parallel, then relates concrete types to the interfaces they implement
// and seals the universe.
func (tt *typeTable) scan(ctx context.Context, fns []*ssa.Function, globals []*ssa.Global) error {
	results := make([]*scanned, len(fns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, fn := range fns {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = scanFunc(fn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var extra scanned
	for _, gl := range globals {
		extra.addValue(gl.Type())
		extra.addValue(gl.Type().Underlying().(*types.Pointer).Elem())
	}
	results = append(results, &extra)

	tt.mu.Lock()
	defer tt.mu.Unlock()
	for _, s := range results {
		for _, t := range s.concrete {
			if _, err := tt.registerConcrete(t); err != nil {
				return err
			}
		}
		for _, t := range s.abstract {
			if _, err := tt.registerAbstract(t); err != nil {
				return err
			}
		}
		for _, fn := range s.funcs {
			if _, err := tt.registerFunc(fn); err != nil {
				return err
			}
		}
	}
	if err := tt.relate(); err != nil {
		return err
	}
	tt.u.Seal()
	return nil
}

// unique returns a universe name for t that no other type uses.
func (tt *typeTable) unique(name string) string {
	candidate := name
	for i := 2; tt.used[candidate]; i++ {
		candidate = name + "#" + strconv.Itoa(i)
	}
	tt.used[candidate] = true
	return candidate
}

func (tt *typeTable) registerConcrete(t types.Type) (typestate.TypeID, error) {
	if id, ok := tt.concrete.At(t).(typestate.TypeID); ok {
		return id, nil
	}
	id, err := tt.u.Register(tt.unique(tt.names.ComputeTypeName(t)))
	if err != nil {
		return typestate.NoType, err
	}
	tt.concrete.Set(t, id)
	tt.setType(id, t)
	return id, nil
}

func (tt *typeTable) registerAbstract(t types.Type) (typestate.TypeID, error) {
	if id, ok := tt.abstract.At(t).(typestate.TypeID); ok {
		return id, nil
	}
	name := tt.names.ComputeTypeName(t)
	if _, ok := t.(*types.Signature); ok {
		name = "sig " + name
	}
	id, err := tt.u.RegisterAbstract(tt.unique(name))
	if err != nil {
		return typestate.NoType, err
	}
	tt.abstract.Set(t, id)
	tt.setType(id, t)
	return id, nil
}

func (tt *typeTable) registerFunc(fn *ssa.Function) (typestate.TypeID, error) {
	if id, ok := tt.funcs[fn]; ok {
		return id, nil
	}
	id, err := tt.u.Register(tt.unique("func " + tt.names.ComputeFuncName(fn)))
	if err != nil {
		return typestate.NoType, err
	}
	tt.funcs[fn] = id
	tt.funcOf[id] = fn
	tt.setType(id, nil)
	return id, nil
}

func (tt *typeTable) setType(id typestate.TypeID, t types.Type) {
	for len(tt.byID) <= int(id) {
		tt.byID = append(tt.byID, nil)
	}
	tt.byID[id] = t
}

// relate adds the subtype edges: concrete types under the interfaces they
// implement, functions under their signature.
func (tt *typeTable) relate() error {
	var ifaces []typestate.TypeID
	tt.abstract.Iterate(func(t types.Type, v any) {
		if _, ok := t.Underlying().(*types.Interface); ok {
			ifaces = append(ifaces, v.(typestate.TypeID))
		}
	})
	var err error
	tt.concrete.Iterate(func(t types.Type, v any) {
		for _, i := range ifaces {
			it := tt.byID[i].Underlying().(*types.Interface)
			if types.Implements(t, it) && err == nil {
				err = tt.u.AddSubtype(v.(typestate.TypeID), i)
			}
		}
	})
	for fn, id := range tt.funcs {
		if sig, ok := tt.abstract.At(fn.Signature).(typestate.TypeID); ok && err == nil {
			err = tt.u.AddSubtype(id, sig)
		}
	}
	return err
}

// bound returns the declared bound of a value of static type t: every
// registered dynamic type it may hold, or null.
func (tt *typeTable) bound(t types.Type) typestate.State {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	id := typestate.NoType
	switch shapeOf(t) {
	case concrete:
		if v, ok := tt.concrete.At(t).(typestate.TypeID); ok {
			id = v
		}
	case iface:
		if v, ok := tt.abstract.At(t).(typestate.TypeID); ok {
			id = v
		}
	case function:
		if v, ok := tt.abstract.At(t.Underlying()).(typestate.TypeID); ok {
			id = v
		}
	default:
		return typestate.Empty()
	}
	return tt.u.Cone(id, true)
}

// single returns the non-null singleton of the concrete type t.
func (tt *typeTable) single(t types.Type) typestate.State {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if id, ok := tt.concrete.At(t).(typestate.TypeID); ok {
		return typestate.Single(id)
	}
	return typestate.Unknown()
}

// allowed returns the filter bound of a type assertion to t.
func (tt *typeTable) allowed(t types.Type) typestate.State {
	if shapeOf(t) == iface {
		return tt.bound(t).ForNonNull()
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if id, ok := tt.concrete.At(t).(typestate.TypeID); ok {
		return typestate.Single(id)
	}
	return typestate.Empty()
}

// funcValue returns the singleton state of the function value fn.
func (tt *typeTable) funcValue(fn *ssa.Function) typestate.State {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if id, ok := tt.funcs[fn]; ok {
		return typestate.Single(id)
	}
	return typestate.Unknown()
}

// typeOf returns the Go type of id, or nil for function values.
func (tt *typeTable) typeOf(id typestate.TypeID) types.Type {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if id < 0 || int(id) >= len(tt.byID) {
		return nil
	}
	return tt.byID[id]
}

// function returns the function value registered as id.
func (tt *typeTable) function(id typestate.TypeID) *ssa.Function {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.funcOf[id]
}

// Package ssaflow translates Go SSA into type-flow graphs.
//
// A Frontend registers the dynamic types of an *ssa.Program in a sealed
// universe, then serves as the template source and dispatch resolver of a
// flow.Program: each function body is translated into a flow.Template the
// first time the solver reaches it.
//
// Function values are modeled as types: every *ssa.Function that is used
// as a value gets a TypeID below the abstract type of its signature, and
// a call through a function value dispatches on it like an interface
// method call dispatches on the receiver type.
package ssaflow

import (
	"cmp"
	"context"
	"fmt"
	"go/types"
	"log/slog"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/715d/typeflow/internal/analysis"
	"github.com/715d/typeflow/pkg/flow"
	"github.com/715d/typeflow/pkg/typestate"
)

// callSelector is the dispatch selector of calls through function values.
const callSelector = "()"

// Options configures a Frontend.
type Options struct {
	// Logger receives debug output. Nil means slog.Default().
	Logger *slog.Logger

	// Names canonicalizes function and type names. Nil means a fresh cache.
	Names *analysis.NameCache
}

type siteKey struct {
	method flow.MethodID
	node   flow.NodeID
}

// Frontend builds the flow program of an SSA program.
type Frontend struct {
	ssa    *ssa.Program
	prog   *flow.Program
	types  *typeTable
	names  *analysis.NameCache
	logger *slog.Logger

	mu      sync.RWMutex
	methods map[*ssa.Function]flow.MethodID
	funcs   map[flow.MethodID]*ssa.Function

	sites *xsync.Map[siteKey, ssa.CallInstruction]
}

// New scans every function of prog, seals the type universe and returns
// a Frontend whose Program is ready for solving. prog must be built.
func New(ctx context.Context, prog *ssa.Program, opts Options) (*Frontend, error) {
	if prog == nil {
		return nil, fmt.Errorf("nil ssa program")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Names == nil {
		opts.Names = analysis.NewNameCache()
	}
	f := &Frontend{
		ssa:     prog,
		names:   opts.Names,
		logger:  opts.Logger,
		types:   newTypeTable(opts.Names),
		methods: make(map[*ssa.Function]flow.MethodID),
		funcs:   make(map[flow.MethodID]*ssa.Function),
		sites:   xsync.NewMap[siteKey, ssa.CallInstruction](),
	}

	fns := analyzable(prog)
	globals := globalsOf(prog)
	if err := f.types.scan(ctx, fns, globals); err != nil {
		return nil, fmt.Errorf("scan types: %w", err)
	}
	f.logger.Debug("type universe sealed", "functions", len(fns), "globals", len(globals), "types", f.types.u.Len())

	f.prog = flow.NewProgram(f.types.u)
	f.prog.SetSource(f)
	f.prog.SetResolver(f)
	return f, nil
}

// analyzable returns the functions of prog with a body, minus generic
// templates, in a deterministic order.
func analyzable(prog *ssa.Program) []*ssa.Function {
	var fns []*ssa.Function
	for fn := range ssautil.AllFunctions(prog) {
		if isGenericTemplate(fn) {
			continue
		}
		fns = append(fns, fn)
	}
	slices.SortFunc(fns, func(a, b *ssa.Function) int { return cmp.Compare(a.String(), b.String()) })
	return fns
}

func isGenericTemplate(fn *ssa.Function) bool {
	return fn.TypeParams().Len() > 0 && len(fn.TypeArgs()) == 0
}

func globalsOf(prog *ssa.Program) []*ssa.Global {
	var out []*ssa.Global
	for _, pkg := range prog.AllPackages() {
		for _, m := range pkg.Members {
			if g, ok := m.(*ssa.Global); ok {
				out = append(out, g)
			}
		}
	}
	slices.SortFunc(out, func(a, b *ssa.Global) int { return cmp.Compare(a.String(), b.String()) })
	return out
}

// Program returns the flow program.
func (f *Frontend) Program() *flow.Program { return f.prog }

// SSA returns the SSA program.
func (f *Frontend) SSA() *ssa.Program { return f.ssa }

// Universe returns the sealed type universe.
func (f *Frontend) Universe() *typestate.Universe { return f.types.u }

// Names returns the name cache.
func (f *Frontend) Names() *analysis.NameCache { return f.names }

// Method returns the flow method of fn, declaring it on first use.
func (f *Frontend) Method(fn *ssa.Function) flow.MethodID {
	f.mu.RLock()
	id, ok := f.methods[fn]
	f.mu.RUnlock()
	if ok {
		return id
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.methods[fn]; ok {
		return id
	}
	base := f.names.ComputeFuncName(fn)
	name := base
	for i := 2; ; i++ {
		if _, taken := f.prog.LookupMethod(name); !taken {
			break
		}
		name = fmt.Sprintf("%s#%d", base, i)
	}
	id = f.prog.Method(name)
	f.methods[fn] = id
	f.funcs[id] = fn
	return id
}

// Function returns the function of a method declared through Method.
func (f *Frontend) Function(m flow.MethodID) *ssa.Function {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.funcs[m]
}

// Site returns the call instruction of an invoke node.
func (f *Frontend) Site(m flow.MethodID, node flow.NodeID) ssa.CallInstruction {
	instr, _ := f.sites.Load(siteKey{m, node})
	return instr
}

// Bound returns the declared bound of a value of static type t.
func (f *Frontend) Bound(t types.Type) typestate.State { return f.types.bound(t) }

// ParamIndex returns the flow parameter index of fn.Params[i]. Index 0 is
// reserved for the receiver, so the parameters of plain functions start
// at 1.
func ParamIndex(fn *ssa.Function, i int) int {
	if fn.Signature.Recv() != nil {
		return i
	}
	return i + 1
}

// Build translates the body of m. It implements flow.TemplateSource.
func (f *Frontend) Build(_ *flow.Program, m flow.MethodID) (*flow.Template, error) {
	fn := f.Function(m)
	if fn == nil || len(fn.Blocks) == 0 {
		return nil, nil
	}
	tmpl, sites, err := translate(f, m, fn)
	if err != nil {
		return nil, fmt.Errorf("translate %s: %w", fn, err)
	}
	for node, instr := range sites {
		f.sites.Store(siteKey{m, node}, instr)
	}
	f.logger.Debug("template built", "function", fn.String(), "nodes", tmpl.Len())
	return tmpl, nil
}

// Resolve returns the callee of selector for a receiver type. It
// implements flow.Resolver.
func (f *Frontend) Resolve(receiver typestate.TypeID, selector string) (flow.MethodID, bool) {
	if selector == callSelector {
		fn := f.types.function(receiver)
		if fn == nil {
			return flow.NoMethod, false
		}
		return f.Method(fn), true
	}
	t := f.types.typeOf(receiver)
	if t == nil {
		return flow.NoMethod, false
	}
	mset := f.ssa.MethodSets.MethodSet(t)
	for i := range mset.Len() {
		sel := mset.At(i)
		if sel.Obj().Id() != selector {
			continue
		}
		fn := f.ssa.MethodValue(sel)
		if fn == nil {
			return flow.NoMethod, false
		}
		return f.Method(fn), true
	}
	return flow.NoMethod, false
}

package typeflow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/types"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/715d/typeflow/internal/analysis"
	"github.com/715d/typeflow/pkg/assembly"
	"github.com/715d/typeflow/pkg/pointsto"
	"github.com/715d/typeflow/pkg/runtime"
	"github.com/715d/typeflow/pkg/ssaflow"
	"github.com/715d/typeflow/pkg/suppress"
	"github.com/715d/typeflow/pkg/typestate"
)

const mainPkg = "main"

var (
	// ErrNoRoots is returned when the packages contain no function to
	// start the analysis from.
	ErrNoRoots = errors.New("no analysis roots")

	// ErrUnknownRoot is returned for a configured root that names no
	// function.
	ErrUnknownRoot = errors.New("unknown root function")
)

// Analyzer runs the type-flow analysis over loaded packages.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger
	names  *analysis.NameCache
}

// NewAnalyzer returns an analyzer. A nil logger means slog.Default().
func NewAnalyzer(cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{cfg: cfg, logger: logger, names: analysis.NewNameCache()}
}

// Analyze builds the SSA program of pkgs, solves it from the roots of the
// target packages and reports the facts about their functions.
func (a *Analyzer) Analyze(ctx context.Context, pkgs []*packages.Package) (*Report, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := a.cfg.Policy()
	if err != nil {
		return nil, err
	}

	valid := make([]*packages.Package, 0, len(pkgs))
	for _, pkg := range pkgs {
		if pkg != nil {
			valid = append(valid, pkg)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no packages provided")
	}

	prog, ssaPkgs := ssautil.AllPackages(valid, ssa.InstantiateGenerics|ssa.BareInits)
	if prog == nil {
		return nil, fmt.Errorf("SSA program construction failed")
	}
	prog.Build()

	targets := make(map[*ssa.Package]*packages.Package)
	for i, pkg := range valid {
		if ssaPkgs[i] != nil && isTargetPackage(pkg) {
			targets[ssaPkgs[i]] = pkg
		}
	}

	front, err := ssaflow.New(ctx, prog, ssaflow.Options{Logger: a.logger, Names: a.names})
	if err != nil {
		return nil, fmt.Errorf("build flow program: %w", err)
	}

	roots, err := a.roots(prog, targets)
	if err != nil {
		return nil, err
	}

	solver := pointsto.NewSolver(front.Program(), pointsto.Options{
		Workers: a.cfg.Workers,
		Policy:  policy,
		Logger:  a.logger,
	})
	var added []*ssa.Function
	for _, fn := range roots {
		if _, err := solver.AddRoot(front.Method(fn)); err != nil {
			if errors.Is(err, pointsto.ErrNoTemplate) {
				a.logger.Debug("skipping root without body", "function", fn.String())
				continue
			}
			return nil, fmt.Errorf("add root %s: %w", fn, err)
		}
		added = append(added, fn)
	}
	if len(added) == 0 {
		return nil, ErrNoRoots
	}
	a.logger.Debug("solving", "roots", len(added), "policy", policy.Name())

	if err := solver.Run(ctx); err != nil {
		return nil, fmt.Errorf("solve: %w", err)
	}
	res, err := solver.Result()
	if err != nil {
		return nil, fmt.Errorf("solve: %w", err)
	}
	sc := suppress.NewChecker()
	for _, pkg := range targets {
		if err := sc.Load(prog.Fset, pkg.Syntax); err != nil {
			return nil, fmt.Errorf("load suppressions: %w", err)
		}
	}
	return a.report(front, res, policy, added, targets, sc), nil
}

// roots returns the entry points of the target packages: main and init,
// the exported API of library packages, functions carrying root
// directives or called from assembly, runtime hooks, test functions when
// enabled, and the configured extra roots.
func (a *Analyzer) roots(prog *ssa.Program, targets map[*ssa.Package]*packages.Package) ([]*ssa.Function, error) {
	seen := make(map[*ssa.Function]bool)
	var roots []*ssa.Function
	add := func(fn *ssa.Function) {
		if fn == nil || seen[fn] || isGeneric(fn) {
			return
		}
		seen[fn] = true
		roots = append(roots, fn)
	}

	for ssaPkg, pkg := range targets {
		if fn := ssaPkg.Func("main"); fn != nil && ssaPkg.Pkg.Name() == mainPkg {
			add(fn)
		}
		add(ssaPkg.Func("init"))

		library := ssaPkg.Pkg.Name() != mainPkg && !a.cfg.SkipExported
		for _, member := range ssaPkg.Members {
			switch m := member.(type) {
			case *ssa.Function:
				if library && m.Object() != nil && m.Object().Exported() {
					add(m)
				}
				if runtime.IsRuntimeHookFunction(m.Name()) {
					add(m)
				}
				if a.cfg.Tests && isTestFunction(m) {
					add(m)
				}
			case *ssa.Type:
				if library && m.Object().Exported() {
					for _, fn := range exportedMethods(prog, m.Type()) {
						add(fn)
					}
				}
			}
		}

		for _, fn := range directiveRoots(prog, pkg) {
			add(fn)
		}

		syms, err := assembly.ScanPackage(pkg)
		if err != nil {
			return nil, err
		}
		for _, name := range syms.CalledNames() {
			add(ssaPkg.Func(name))
		}
		if len(syms.Implemented) > 0 {
			a.logger.Debug("functions implemented in assembly", "package", pkg.PkgPath, "count", len(syms.Implemented))
		}
	}

	if len(a.cfg.Roots) > 0 {
		byName := make(map[string]*ssa.Function)
		for fn := range ssautil.AllFunctions(prog) {
			byName[a.names.ComputeFuncName(fn)] = fn
		}
		for _, name := range a.cfg.Roots {
			fn, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("%s: %w", name, ErrUnknownRoot)
			}
			add(fn)
		}
	}

	slices.SortFunc(roots, func(x, y *ssa.Function) int { return cmp.Compare(x.String(), y.String()) })
	return roots, nil
}

func isGeneric(fn *ssa.Function) bool {
	return fn.TypeParams().Len() > 0 && len(fn.TypeArgs()) == 0
}

// exportedMethods returns the exported methods of T and *T.
func exportedMethods(prog *ssa.Program, t types.Type) []*ssa.Function {
	named, ok := t.(*types.Named)
	if !ok || named.TypeParams().Len() > 0 {
		return nil
	}
	if _, ok := named.Underlying().(*types.Interface); ok {
		return nil
	}
	var out []*ssa.Function
	for _, typ := range []types.Type{named, types.NewPointer(named)} {
		mset := prog.MethodSets.MethodSet(typ)
		for i := range mset.Len() {
			sel := mset.At(i)
			if !sel.Obj().Exported() {
				continue
			}
			if fn := prog.MethodValue(sel); fn != nil {
				out = append(out, fn)
			}
		}
	}
	return out
}

// directiveRoots returns the functions of pkg marked //go:linkname or
// //export.
func directiveRoots(prog *ssa.Program, pkg *packages.Package) []*ssa.Function {
	if pkg.TypesInfo == nil {
		return nil
	}
	var out []*ssa.Function
	for _, file := range pkg.Syntax {
		for _, decl := range file.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok {
				continue
			}
			if _, ok := runtime.RootDirective(fd); !ok {
				continue
			}
			obj, ok := pkg.TypesInfo.Defs[fd.Name].(*types.Func)
			if !ok {
				continue
			}
			if fn := prog.FuncValue(obj); fn != nil {
				out = append(out, fn)
			}
		}
	}
	return out
}

// isTestFunction reports whether fn is a Test, Benchmark, Fuzz or Example
// function declared in a _test.go file.
func isTestFunction(fn *ssa.Function) bool {
	if fn.Signature.Recv() != nil || fn.Pos() == 0 {
		return false
	}
	file := fn.Prog.Fset.Position(fn.Pos()).Filename
	if !strings.HasSuffix(file, "_test.go") {
		return false
	}
	for _, prefix := range []string{"Test", "Benchmark", "Fuzz", "Example"} {
		if strings.HasPrefix(fn.Name(), prefix) {
			return true
		}
	}
	return false
}

func (a *Analyzer) report(front *ssaflow.Frontend, res *pointsto.Result, policy pointsto.ContextPolicy, roots []*ssa.Function, targets map[*ssa.Package]*packages.Package, sc *suppress.Checker) *Report {
	rep := &Report{Policy: policy.Name(), Stats: res.Stats()}
	for _, fn := range roots {
		rep.Roots = append(rep.Roots, a.names.ComputeFuncName(fn))
	}

	u := front.Universe()
	value := func(name string, static types.Type, s typestate.State) ValueReport {
		held := u.Names(s)
		if held == nil {
			held = []string{}
		}
		return ValueReport{
			Name:     name,
			Static:   a.names.ComputeTypeName(static),
			Types:    held,
			Nullable: s.CanBeNull(),
		}
	}

	fset := front.SSA().Fset
	for fn := range ssautil.AllFunctions(front.SSA()) {
		if fn.Pkg == nil || targets[fn.Pkg] == nil || fn.Synthetic != "" {
			continue
		}
		insts := front.Instances(res, fn)
		if len(insts) == 0 {
			continue
		}
		name := a.names.ComputeFuncName(fn)
		if !a.matches(name) {
			continue
		}
		fr := FunctionReport{
			Name:     name,
			Package:  fn.Pkg.Pkg.Path(),
			Position: fset.Position(fn.Pos()),
			Contexts: len(insts),
		}
		for i, p := range fn.Params {
			if s, ok := front.ParamState(res, fn, i); ok {
				fr.Params = append(fr.Params, value(p.Name(), p.Type(), s))
			}
		}
		results := fn.Signature.Results()
		for i := range results.Len() {
			if s, ok := front.ResultState(res, fn, i); ok {
				r := results.At(i)
				rname := r.Name()
				if rname == "" {
					rname = fmt.Sprintf("r%d", i)
				}
				fr.Results = append(fr.Results, value(rname, r.Type(), s))
			}
		}
		for _, site := range front.Callees(res, fn, true) {
			cr := CallReport{
				Position:    fset.Position(site.Site.Pos()),
				Call:        site.Site.String(),
				Callees:     []string{},
				NilReceiver: site.Receiver.CanBeNull() && !site.Receiver.HasTypes(),
			}
			for _, callee := range site.Callees {
				cr.Callees = append(cr.Callees, a.names.ComputeFuncName(callee))
			}
			if cr.NilReceiver {
				if ok, reason := sc.IsSuppressed(cr.Position); ok {
					cr.Suppressed = reason
				}
			}
			fr.Calls = append(fr.Calls, cr)
		}
		rep.Functions = append(rep.Functions, fr)
	}
	slices.SortFunc(rep.Functions, func(x, y FunctionReport) int {
		return cmp.Or(cmp.Compare(x.Package, y.Package), cmp.Compare(x.Name, y.Name))
	})

	for _, comp := range res.RecursiveComponents() {
		var names []string
		for _, m := range comp {
			if fn := front.Function(m); fn != nil {
				names = append(names, a.names.ComputeFuncName(fn))
			}
		}
		slices.Sort(names)
		if len(names) > 0 {
			rep.Recursive = append(rep.Recursive, names)
		}
	}
	slices.SortFunc(rep.Recursive, func(x, y []string) int { return cmp.Compare(x[0], y[0]) })

	if a.cfg.CallGraph {
		rep.CallGraph = a.edges(front, res, targets)
	}
	return rep
}

// edges lists the call-graph edges leaving reported functions.
func (a *Analyzer) edges(front *ssaflow.Frontend, res *pointsto.Result, targets map[*ssa.Package]*packages.Package) []EdgeReport {
	g := front.CallGraph(res)
	fset := front.SSA().Fset
	var out []EdgeReport
	_ = callgraph.GraphVisitEdges(g, func(e *callgraph.Edge) error {
		caller := e.Caller.Func
		if caller == nil || e.Site == nil || caller.Pkg == nil || targets[caller.Pkg] == nil {
			return nil
		}
		name := a.names.ComputeFuncName(caller)
		if !a.matches(name) {
			return nil
		}
		out = append(out, EdgeReport{
			Caller:   name,
			Callee:   a.names.ComputeFuncName(e.Callee.Func),
			Position: fset.Position(e.Site.Pos()),
		})
		return nil
	})
	slices.SortFunc(out, func(x, y EdgeReport) int {
		return cmp.Or(
			cmp.Compare(x.Caller, y.Caller),
			cmp.Compare(x.Position.Filename, y.Position.Filename),
			cmp.Compare(x.Position.Offset, y.Position.Offset),
			cmp.Compare(x.Callee, y.Callee))
	})
	return out
}

// matches applies the function filter of the config.
func (a *Analyzer) matches(name string) bool {
	if len(a.cfg.Funcs) == 0 {
		return true
	}
	for _, pattern := range a.cfg.Funcs {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

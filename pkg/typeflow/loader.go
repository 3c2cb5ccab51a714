// Package typeflow runs the type-flow analysis over Go packages.
package typeflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/tools/go/packages"
)

// defaultLoadMode loads everything SSA construction needs, plus module
// information to tell target packages from dependencies.
const defaultLoadMode = packages.NeedDeps |
	packages.NeedName |
	packages.NeedFiles |
	packages.NeedCompiledGoFiles |
	packages.NeedImports |
	packages.NeedTypes |
	packages.NeedSyntax |
	packages.NeedTypesInfo |
	packages.NeedModule

// LoaderOptions configures package loading.
type LoaderOptions struct {
	// Packages are the package patterns to load. Empty means "./...".
	Packages []string

	// BuildTags are build tags to apply during loading.
	BuildTags []string

	// Dir is the directory to load packages from.
	// If empty, uses the current working directory.
	Dir string

	// Env is the environment to use for loading.
	// If nil, uses os.Environ().
	Env []string

	// Tests also loads the test variants of the packages.
	Tests bool
}

// LoadPackages loads Go packages for analysis. Any package error fails the
// load.
func LoadPackages(ctx context.Context, opts LoaderOptions) ([]*packages.Package, error) {
	patterns := opts.Packages
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	cfg := &packages.Config{
		Context: ctx,
		Mode:    defaultLoadMode,
		Tests:   opts.Tests,
		Env:     opts.Env,
		Dir:     opts.Dir,
	}
	if len(opts.BuildTags) > 0 {
		cfg.BuildFlags = append(cfg.BuildFlags, "-tags", strings.Join(opts.BuildTags, ","))
	}

	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found matching patterns: %v", patterns)
	}

	var msgs []string
	for _, pkg := range pkgs {
		for _, err := range pkg.Errors {
			msgs = append(msgs, fmt.Sprintf("package %s: %v", pkg.PkgPath, err))
		}
	}
	if len(msgs) > 0 {
		return nil, fmt.Errorf("package errors:\n%s", strings.Join(msgs, "\n"))
	}

	return deduplicatePackages(pkgs), nil
}

// deduplicatePackages keeps one package per import path, preferring test
// variants, which are supersets of the plain package. Generated test
// mains are dropped. The result is sorted by import path.
func deduplicatePackages(pkgs []*packages.Package) []*packages.Package {
	best := make(map[string]*packages.Package)
	for _, pkg := range pkgs {
		if strings.HasSuffix(pkg.ID, ".test") && !strings.Contains(pkg.ID, "[") {
			continue
		}
		existing, ok := best[pkg.PkgPath]
		if !ok || (isTestVariant(pkg) && !isTestVariant(existing)) {
			best[pkg.PkgPath] = pkg
		}
	}
	out := slices.Collect(maps.Values(best))
	slices.SortFunc(out, func(a, b *packages.Package) int { return strings.Compare(a.PkgPath, b.PkgPath) })
	return out
}

func isTestVariant(pkg *packages.Package) bool {
	return strings.Contains(pkg.ID, "[")
}

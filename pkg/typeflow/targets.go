package typeflow

import (
	"log/slog"
	"sync"

	"golang.org/x/tools/go/packages"
)

var stdlib = sync.OnceValue(func() map[string]bool {
	pkgs, _ := packages.Load(&packages.Config{Mode: packages.NeedName}, "std")
	m := make(map[string]bool, len(pkgs)+1)
	for _, p := range pkgs {
		m[p.PkgPath] = true
	}
	m["unsafe"] = true // not in `go list std`
	slog.Debug("loaded std lib packages", "num", len(m))
	return m
})

// isTargetPackage reports whether p belongs to the code under analysis as
// opposed to its dependencies. Only target packages contribute roots and
// report entries.
func isTargetPackage(p *packages.Package) bool {
	if stdlib()[p.PkgPath] {
		return false
	}
	if p.Module != nil {
		return p.Module.Main
	}
	// GOPATH fallback: anything outside stdlib is user code.
	return true
}

// Package assembly scans the Go assembly files of a package for the
// functions they implement and the Go functions they call.
package assembly

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/tools/go/packages"
)

// Symbols lists the package-level functions an assembly file refers to.
type Symbols struct {
	// Implemented are declared in Go without a body and defined by a
	// TEXT directive.
	Implemented map[string]struct{}

	// Called are Go functions invoked by a CALL or JMP instruction.
	Called map[string]struct{}
}

func newSymbols() *Symbols {
	return &Symbols{
		Implemented: make(map[string]struct{}),
		Called:      make(map[string]struct{}),
	}
}

// CalledNames returns the called functions in sorted order.
func (s *Symbols) CalledNames() []string {
	names := make([]string, 0, len(s.Called))
	for name := range s.Called {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var (
	// TEXT ·name(SB): the middle dot marks a symbol of the current package.
	textPattern = regexp.MustCompile(`^TEXT\s+·([a-zA-Z_][a-zA-Z0-9_]*)(?:<[^>]*>)?\(SB\)`)

	callPattern = regexp.MustCompile(`\b(?:CALL|JMP|B|BL)\s+·([a-zA-Z_][a-zA-Z0-9_]*)(?:<[^>]*>)?\(SB\)`)
)

// ScanPackage scans the assembly files of pkg. OtherFiles is already
// filtered by the build configuration used to load the package.
func ScanPackage(pkg *packages.Package) (*Symbols, error) {
	syms := newSymbols()
	if pkg == nil {
		return syms, nil
	}
	for _, file := range pkg.OtherFiles {
		if !strings.HasSuffix(file, ".s") {
			continue
		}
		if err := scanFile(file, syms); err != nil {
			return syms, fmt.Errorf("scan assembly file: %s: %w", file, err)
		}
	}
	return syms, nil
}

func scanFile(filename string, syms *Symbols) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return scanReader(file, syms)
}

func scanReader(r io.Reader, syms *Symbols) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "//"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if m := textPattern.FindStringSubmatch(line); m != nil {
			syms.Implemented[m[1]] = struct{}{}
		}
		if m := callPattern.FindStringSubmatch(line); m != nil {
			syms.Called[m[1]] = struct{}{}
		}
	}
	return scanner.Err()
}

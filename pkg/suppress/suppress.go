// Package suppress implements comment-based suppression of analyzer findings.
package suppress

import (
	"fmt"
	"go/ast"
	"go/token"
	"regexp"
	"strings"
)

// Checker handles nolint and lint:ignore comment suppression. A comment
// suppresses findings on its own line and on the line below it.
type Checker struct {
	// suppressions maps file and line to the suppression reason.
	suppressions map[lineKey]string
}

type lineKey struct {
	file string
	line int
}

// Suppression represents a parsed suppression directive.
type Suppression struct {
	Reason string
	Type   SuppressionType
}

// SuppressionType represents different types of suppression comments.
type SuppressionType int

const (
	// SuppressionNolint represents //nolint:typeflow comments.
	SuppressionNolint SuppressionType = iota

	// SuppressionLintIgnore represents //lint:ignore typeflow comments.
	SuppressionLintIgnore
)

const linterName = "typeflow"

var (
	// nolintPattern matches //nolint:a,b,c with an optional // reason.
	nolintPattern = regexp.MustCompile(`^//\s*nolint:([^/\s]+)(?:\s*//\s*(.+))?`)

	// genericNolintPattern matches //nolint comments without specific linter
	genericNolintPattern = regexp.MustCompile(`^//\s*nolint(?:\s|$)`)

	lintIgnorePattern = regexp.MustCompile(`^//\s*lint:ignore\s+(\S+)(?:\s+(.+))?`)
)

// NewChecker creates a new suppression checker.
func NewChecker() *Checker {
	return &Checker{suppressions: make(map[lineKey]string)}
}

// Load parses suppression comments from AST files.
func (sc *Checker) Load(fset *token.FileSet, files []*ast.File) error {
	if fset == nil {
		return fmt.Errorf("fset cannot be nil")
	}
	for _, file := range files {
		for _, group := range file.Comments {
			for _, comment := range group.List {
				s, ok := ParseComment(comment.Text)
				if !ok {
					continue
				}
				reason := s.Reason
				if reason == "" {
					reason = "suppressed"
				}
				pos := fset.Position(comment.Pos())
				sc.suppressions[lineKey{pos.Filename, pos.Line}] = reason
			}
		}
	}
	return nil
}

// ParseComment reports whether comment suppresses typeflow findings.
func ParseComment(comment string) (Suppression, bool) {
	if m := lintIgnorePattern.FindStringSubmatch(comment); m != nil {
		if !hasLinter(m[1]) {
			return Suppression{}, false
		}
		return Suppression{Reason: strings.TrimSpace(m[2]), Type: SuppressionLintIgnore}, true
	}
	if m := nolintPattern.FindStringSubmatch(comment); m != nil {
		if !hasLinter(m[1]) {
			return Suppression{}, false
		}
		return Suppression{Reason: strings.TrimSpace(m[2]), Type: SuppressionNolint}, true
	}
	if genericNolintPattern.MatchString(comment) {
		return Suppression{Type: SuppressionNolint}, true
	}
	return Suppression{}, false
}

func hasLinter(list string) bool {
	for rule := range strings.SplitSeq(list, ",") {
		if strings.TrimSpace(rule) == linterName {
			return true
		}
	}
	return false
}

// IsSuppressed checks if a finding at pos is suppressed.
func (sc *Checker) IsSuppressed(pos token.Position) (bool, string) {
	if reason, ok := sc.suppressions[lineKey{pos.Filename, pos.Line}]; ok {
		return true, reason
	}
	if reason, ok := sc.suppressions[lineKey{pos.Filename, pos.Line - 1}]; ok {
		return true, reason
	}
	return false, ""
}

// Len returns the number of suppression comments loaded.
func (sc *Checker) Len() int { return len(sc.suppressions) }

package pointsto

import (
	"errors"
	"fmt"
)

// ErrInvariant is matched by every *InvariantError.
var ErrInvariant = errors.New("type-flow invariant violated")

var (
	ErrNonMonotone  = errors.New("non-monotone transfer")
	ErrUnknownNode  = errors.New("node does not belong to this solver")
	ErrNotPending   = errors.New("solver already started")
	ErrBadTemplate  = errors.New("invalid flow graph")
	ErrNoTemplate   = errors.New("method has no flow graph")
	ErrNotConverged = errors.New("solver has not converged")
)

// InvariantError reports a fatal violation of the solver's invariants.
// It matches both ErrInvariant and its specific cause under errors.Is.
type InvariantError struct {
	Method  string
	Node    string
	Context Context
	Detail  string
	Err     error
}

func (e *InvariantError) Error() string {
	msg := e.Err.Error()
	if e.Method != "" {
		msg = fmt.Sprintf("%s: %s%s", msg, e.Method, e.Context)
	}
	if e.Node != "" {
		msg += " at " + e.Node
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InvariantError) Unwrap() []error { return []error{ErrInvariant, e.Err} }

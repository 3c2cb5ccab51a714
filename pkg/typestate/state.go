// Package typestate implements the abstract value lattice of the type-flow
// analysis: a set of concrete runtime types plus a nullability bit.
//
// A State is an immutable value. Every operation returns a new State and
// never writes to the type set of its operands, so States may be shared
// freely between goroutines once constructed.
package typestate

import (
	"slices"
	"strconv"
	"strings"

	"golang.org/x/tools/container/intsets"
)

// TypeID identifies a type registered in a Universe.
type TypeID int

// NoType is the TypeID of "no particular type".
const NoType TypeID = -1

// State is an element of the type-state lattice.
//
// The zero State is Empty, the bottom element.
type State struct {
	// set holds the concrete types. It is nil for the empty set and is
	// never modified after the State is built.
	set *intsets.Sparse

	// unknown marks the symbolic top of the type dimension: every type of
	// the universe. When unknown is set, set is nil.
	unknown bool

	null bool
}

// Empty returns the bottom element: no types, cannot be null.
func Empty() State { return State{} }

// Null returns the state holding only the null value.
func Null() State { return State{null: true} }

// Full returns the top element: any type, or null.
func Full() State { return State{unknown: true, null: true} }

// Unknown returns the state holding any non-null type of the universe.
func Unknown() State { return State{unknown: true} }

// Single returns the non-null state holding exactly id.
func Single(id TypeID) State { return Of(false, id) }

// Of returns the state holding the given types, nullable if canBeNull.
// Negative ids are ignored.
func Of(canBeNull bool, ids ...TypeID) State {
	var set intsets.Sparse
	for _, id := range ids {
		if id >= 0 {
			set.Insert(int(id))
		}
	}
	return fromSet(&set, false, canBeNull)
}

func fromSet(set *intsets.Sparse, unknown, null bool) State {
	if unknown || set == nil || set.IsEmpty() {
		return State{unknown: unknown, null: null}
	}
	return State{set: set, null: null}
}

// Merge returns the lattice join of a and b.
func Merge(a, b State) State {
	null := a.null || b.null
	switch {
	case a.unknown || b.unknown:
		return State{unknown: true, null: null}
	case b.set == nil:
		return State{set: a.set, null: null}
	case a.set == nil:
		return State{set: b.set, null: null}
	case b.set.SubsetOf(a.set):
		return State{set: a.set, null: null}
	case a.set.SubsetOf(b.set):
		return State{set: b.set, null: null}
	}
	var set intsets.Sparse
	set.Union(a.set, b.set)
	return State{set: &set, null: null}
}

// MergeAll returns the join of all states.
func MergeAll(states ...State) State {
	var out State
	for _, s := range states {
		out = Merge(out, s)
	}
	return out
}

// ForNonNull returns s without its null component.
func (s State) ForNonNull() State {
	s.null = false
	return s
}

// ForNull returns Null if s can be null and Empty otherwise.
func (s State) ForNull() State {
	if s.null {
		return Null()
	}
	return Empty()
}

// WithNull returns s with the null component added.
func (s State) WithNull() State {
	s.null = true
	return s
}

// IsEmpty reports whether s is the bottom element.
func (s State) IsEmpty() bool { return !s.null && !s.unknown && s.set == nil }

// CanBeNull reports whether s includes the null value.
func (s State) CanBeNull() bool { return s.null }

// IsUnknown reports whether the type dimension of s is the symbolic top.
func (s State) IsUnknown() bool { return s.unknown }

// HasTypes reports whether s holds at least one type.
func (s State) HasTypes() bool { return s.unknown || s.set != nil }

// Len returns the number of concrete types in s, or -1 if s is unknown.
func (s State) Len() int {
	if s.unknown {
		return -1
	}
	if s.set == nil {
		return 0
	}
	return s.set.Len()
}

// Contains reports whether s may hold a value of type id.
func (s State) Contains(id TypeID) bool {
	if s.unknown {
		return id >= 0
	}
	return s.set != nil && s.set.Has(int(id))
}

// Types returns the concrete types of s in increasing order.
// An unknown state has no enumeration; use Universe.Expand first.
func (s State) Types() []TypeID {
	if s.set == nil {
		return nil
	}
	ints := s.set.AppendTo(nil)
	ids := make([]TypeID, len(ints))
	for i, x := range ints {
		ids[i] = TypeID(x)
	}
	return ids
}

// AsSingleton returns the only type of s, if s holds exactly one type.
// The null component is ignored.
func (s State) AsSingleton() (TypeID, bool) {
	if s.unknown || s.set == nil || s.set.Len() != 1 {
		return NoType, false
	}
	return TypeID(s.set.Min()), true
}

// Includes reports whether s is a superset of other in both dimensions.
func (s State) Includes(other State) bool {
	if other.null && !s.null {
		return false
	}
	if s.unknown {
		return true
	}
	if other.unknown {
		return false
	}
	if other.set == nil {
		return true
	}
	return s.set != nil && other.set.SubsetOf(s.set)
}

// Equal reports whether s and other denote the same lattice element.
func (s State) Equal(other State) bool {
	if s.null != other.null || s.unknown != other.unknown {
		return false
	}
	if s.set == nil || other.set == nil {
		return s.set == nil && other.set == nil
	}
	return s.set.Equals(other.set)
}

// Intersect returns the types present in both s and allowed. The result
// can be null only if both operands can be null.
func (s State) Intersect(allowed State) State {
	null := s.null && allowed.null
	switch {
	case s.unknown:
		return fromSet(allowed.set, allowed.unknown, null)
	case allowed.unknown:
		return fromSet(s.set, false, null)
	case s.set == nil || allowed.set == nil:
		return State{null: null}
	}
	var set intsets.Sparse
	set.Intersection(s.set, allowed.set)
	return fromSet(&set, false, null)
}

// Without returns the types of s that are not in excluded. The null
// component of s is kept unless excluded can be null.
//
// An unknown s stays unknown: the symbolic top cannot be narrowed without
// enumerating the universe.
func (s State) Without(excluded State) State {
	null := s.null && !excluded.null
	switch {
	case excluded.unknown:
		return State{null: null}
	case s.unknown:
		return State{unknown: true, null: null}
	case s.set == nil || excluded.set == nil:
		return fromSet(s.set, false, null)
	}
	var set intsets.Sparse
	set.Difference(s.set, excluded.set)
	return fromSet(&set, false, null)
}

// String formats s with numeric type IDs. Use Universe.Format for names.
func (s State) String() string {
	return s.format(func(id TypeID) string { return "t" + strconv.Itoa(int(id)) })
}

func (s State) format(name func(TypeID) string) string {
	var parts []string
	switch {
	case s.unknown:
		parts = append(parts, "*")
	default:
		for _, id := range s.Types() {
			parts = append(parts, name(id))
		}
	}
	if s.null {
		parts = append(parts, "null")
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// names returns the sorted names of the concrete types of s.
func (s State) names(name func(TypeID) string) []string {
	ids := s.Types()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, name(id))
	}
	slices.Sort(out)
	return out
}

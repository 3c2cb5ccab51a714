package typestate

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSealed is returned when registering into a sealed Universe.
var ErrSealed = errors.New("universe is sealed")

// Universe is the finite registry of types a program may hold at run time.
//
// Types are registered up front, then the universe is sealed; the analysis
// assumes no type appears afterwards. Abstract types (interfaces, abstract
// classes) never occur in a State but can bound one through Cone.
type Universe struct {
	mu       sync.RWMutex
	sealed   bool
	names    []string
	abstract []bool
	subtypes [][]TypeID // direct subtypes
	byName   map[string]TypeID
	cones    map[TypeID]State
	all      State
}

// NewUniverse returns an empty, unsealed universe.
func NewUniverse() *Universe {
	return &Universe{
		byName: make(map[string]TypeID),
		cones:  make(map[TypeID]State),
	}
}

// Register returns the TypeID of the concrete type name, registering it
// on first use.
func (u *Universe) Register(name string) (TypeID, error) {
	return u.register(name, false)
}

// RegisterAbstract returns the TypeID of the abstract type name.
func (u *Universe) RegisterAbstract(name string) (TypeID, error) {
	return u.register(name, true)
}

func (u *Universe) register(name string, abstract bool) (TypeID, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if id, ok := u.byName[name]; ok {
		if u.abstract[id] != abstract {
			return NoType, fmt.Errorf("type %q registered as both abstract and concrete", name)
		}
		return id, nil
	}
	if u.sealed {
		return NoType, fmt.Errorf("register %q: %w", name, ErrSealed)
	}
	id := TypeID(len(u.names))
	u.names = append(u.names, name)
	u.abstract = append(u.abstract, abstract)
	u.subtypes = append(u.subtypes, nil)
	u.byName[name] = id
	return id, nil
}

// MustRegister is like Register but panics on error.
func (u *Universe) MustRegister(name string) TypeID {
	id, err := u.Register(name)
	if err != nil {
		panic(err)
	}
	return id
}

// AddSubtype records that sub is a direct subtype of super.
func (u *Universe) AddSubtype(sub, super TypeID) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sealed {
		return fmt.Errorf("add subtype %d <: %d: %w", sub, super, ErrSealed)
	}
	if !u.valid(sub) || !u.valid(super) {
		return fmt.Errorf("add subtype %d <: %d: unknown type", sub, super)
	}
	u.subtypes[super] = append(u.subtypes[super], sub)
	return nil
}

// Seal closes the universe. It is idempotent.
func (u *Universe) Seal() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sealed {
		return
	}
	u.sealed = true
	var ids []TypeID
	for id, abstract := range u.abstract {
		if !abstract {
			ids = append(ids, TypeID(id))
		}
	}
	u.all = Of(false, ids...)
}

// Sealed reports whether Seal has been called.
func (u *Universe) Sealed() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.sealed
}

// Len returns the number of registered types.
func (u *Universe) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.names)
}

// Lookup returns the TypeID registered under name.
func (u *Universe) Lookup(name string) (TypeID, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	id, ok := u.byName[name]
	return id, ok
}

// Name returns the name of id.
func (u *Universe) Name(id TypeID) string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if !u.valid(id) {
		return fmt.Sprintf("<type %d>", id)
	}
	return u.names[id]
}

// IsAbstract reports whether id was registered as an abstract type.
func (u *Universe) IsAbstract(id TypeID) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.valid(id) && u.abstract[id]
}

func (u *Universe) valid(id TypeID) bool {
	return id >= 0 && int(id) < len(u.names)
}

// All returns the non-null state holding every concrete type. It is only
// meaningful once the universe is sealed.
func (u *Universe) All() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.all
}

// Expand replaces the symbolic top of s by the concrete types of the
// sealed universe.
func (u *Universe) Expand(s State) State {
	if !s.IsUnknown() {
		return s
	}
	all := u.All()
	if s.CanBeNull() {
		return all.WithNull()
	}
	return all
}

// Cone returns the state of all concrete types that are id or a transitive
// subtype of id, nullable if canBeNull. NoType yields the full universe.
func (u *Universe) Cone(id TypeID, canBeNull bool) State {
	if id == NoType {
		if canBeNull {
			return Full()
		}
		return Unknown()
	}
	u.mu.RLock()
	cone, ok := u.cones[id]
	sealed := u.sealed
	u.mu.RUnlock()
	if !ok {
		cone = u.computeCone(id)
		if sealed {
			u.mu.Lock()
			u.cones[id] = cone
			u.mu.Unlock()
		}
	}
	if canBeNull {
		return cone.WithNull()
	}
	return cone
}

func (u *Universe) computeCone(root TypeID) State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if !u.valid(root) {
		return Empty()
	}
	var ids []TypeID
	seen := map[TypeID]bool{root: true}
	stack := []TypeID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !u.abstract[id] {
			ids = append(ids, id)
		}
		for _, sub := range u.subtypes[id] {
			if !seen[sub] {
				seen[sub] = true
				stack = append(stack, sub)
			}
		}
	}
	return Of(false, ids...)
}

// Format renders s with type names.
func (u *Universe) Format(s State) string {
	return s.format(u.Name)
}

// Names returns the sorted names of the concrete types held by s. The
// symbolic top is expanded over the universe.
func (u *Universe) Names(s State) []string {
	return u.Expand(s).names(u.Name)
}

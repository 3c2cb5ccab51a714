package flow

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/typeflow/pkg/typestate"
)

// TemplateSource builds templates on demand. Build returns a nil template
// and a nil error for a method without an analyzable body; calls to such a
// method are treated as opaque.
type TemplateSource interface {
	Build(p *Program, method MethodID) (*Template, error)
}

// Resolver picks the callee of a dispatched call for one receiver type.
type Resolver interface {
	Resolve(receiver typestate.TypeID, selector string) (MethodID, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(receiver typestate.TypeID, selector string) (MethodID, bool)

// Resolve calls f.
func (f ResolverFunc) Resolve(receiver typestate.TypeID, selector string) (MethodID, bool) {
	return f(receiver, selector)
}

type dispatchKey struct {
	receiver typestate.TypeID
	selector string
}

type lazyTemplate struct {
	once sync.Once
	t    *Template
	err  error
}

// Program is the input of the solver: the type universe, the methods with
// their templates, the field flows and the dispatch relation.
//
// Methods, fields and dispatch entries may be added concurrently. Every
// template is built at most once.
type Program struct {
	Types *typestate.Universe

	mu          sync.RWMutex
	names       []string
	byName      map[string]MethodID
	fields      []string
	fieldByName map[string]FieldID
	dispatch    map[dispatchKey]MethodID

	templates *xsync.Map[MethodID, *lazyTemplate]
	source    TemplateSource
	resolver  Resolver
}

// NewProgram returns an empty program over the universe u.
func NewProgram(u *typestate.Universe) *Program {
	return &Program{
		Types:       u,
		byName:      make(map[string]MethodID),
		fieldByName: make(map[string]FieldID),
		dispatch:    make(map[dispatchKey]MethodID),
		templates:   xsync.NewMap[MethodID, *lazyTemplate](),
	}
}

// SetSource installs the on-demand template builder.
func (p *Program) SetSource(src TemplateSource) { p.source = src }

// SetResolver installs a dispatch resolver consulted after the explicit
// dispatch table.
func (p *Program) SetResolver(r Resolver) { p.resolver = r }

// Method returns the id of the method called name, declaring it on first
// use.
func (p *Program) Method(name string) MethodID {
	p.mu.RLock()
	id, ok := p.byName[name]
	p.mu.RUnlock()
	if ok {
		return id
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.byName[name]; ok {
		return id
	}
	id = MethodID(len(p.names))
	p.names = append(p.names, name)
	p.byName[name] = id
	return id
}

// LookupMethod returns the id of a declared method.
func (p *Program) LookupMethod(name string) (MethodID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byName[name]
	return id, ok
}

// MethodName returns the name of id.
func (p *Program) MethodName(id MethodID) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id < 0 || int(id) >= len(p.names) {
		return fmt.Sprintf("<method %d>", id)
	}
	return p.names[id]
}

// NumMethods returns the number of declared methods.
func (p *Program) NumMethods() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.names)
}

// Field returns the id of the field flow called name, declaring it on
// first use.
func (p *Program) Field(name string) FieldID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.fieldByName[name]; ok {
		return id
	}
	id := FieldID(len(p.fields))
	p.fields = append(p.fields, name)
	p.fieldByName[name] = id
	return id
}

// LookupField returns the id of a declared field flow.
func (p *Program) LookupField(name string) (FieldID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.fieldByName[name]
	return id, ok
}

// FieldName returns the name of id.
func (p *Program) FieldName(id FieldID) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id < 0 || int(id) >= len(p.fields) {
		return fmt.Sprintf("<field %d>", id)
	}
	return p.fields[id]
}

// AddTemplate registers the template of its method.
func (p *Program) AddTemplate(t *Template) error {
	if int(t.Method()) >= p.NumMethods() || t.Method() < 0 {
		return fmt.Errorf("template %s: undeclared method %d", t.Name(), t.Method())
	}
	lt := &lazyTemplate{t: t}
	lt.once.Do(func() {})
	if _, loaded := p.templates.LoadOrStore(t.Method(), lt); loaded {
		return fmt.Errorf("template %s: already registered", t.Name())
	}
	return nil
}

// Template returns the template of method, building it through the
// installed source on first use. A nil template without error denotes an
// opaque method.
func (p *Program) Template(method MethodID) (*Template, error) {
	lt, _ := p.templates.LoadOrCompute(method, func() (*lazyTemplate, bool) {
		return &lazyTemplate{}, false
	})
	lt.once.Do(func() {
		if p.source == nil {
			return
		}
		lt.t, lt.err = p.source.Build(p, method)
		if lt.err == nil && lt.t != nil && lt.t.Method() != method {
			lt.t, lt.err = nil, fmt.Errorf("template for %s built for method %d", p.MethodName(method), lt.t.Method())
		}
	})
	return lt.t, lt.err
}

// AddDispatch records that calls of selector on a receiver of type
// receiver run method.
func (p *Program) AddDispatch(receiver typestate.TypeID, selector string, method MethodID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatch[dispatchKey{receiver, selector}] = method
}

// Resolve returns the callee of selector for the receiver type.
func (p *Program) Resolve(receiver typestate.TypeID, selector string) (MethodID, bool) {
	p.mu.RLock()
	m, ok := p.dispatch[dispatchKey{receiver, selector}]
	p.mu.RUnlock()
	if ok {
		return m, true
	}
	if p.resolver != nil {
		return p.resolver.Resolve(receiver, selector)
	}
	return NoMethod, false
}

// Package analysis holds naming helpers shared by the SSA front end and
// the reports.
package analysis

import (
	"go/types"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/tools/go/ssa"
)

// NameCache computes canonical names for objects, types and SSA functions.
// Names are stable across runs and are used as universe type names, flow
// method names and report keys. It is safe for concurrent use.
type NameCache struct {
	objects *xsync.Map[types.Object, string]
	types   *xsync.Map[types.Type, string]
	funcs   *xsync.Map[*ssa.Function, string]
}

func NewNameCache() *NameCache {
	return &NameCache{
		objects: xsync.NewMap[types.Object, string](),
		types:   xsync.NewMap[types.Type, string](),
		funcs:   xsync.NewMap[*ssa.Function, string](),
	}
}

// ComputeObjectName returns packagePath.Name for package-level objects.
// Methods include the receiver: "packagePath.*Person.GetName". Generic
// functions carry their type parameters: "packagePath.Map[K, V]".
func (c *NameCache) ComputeObjectName(obj types.Object) string {
	if obj == nil {
		return ""
	}
	name, _ := c.objects.LoadOrCompute(obj, func() (string, bool) {
		return objectName(obj), false
	})
	return name
}

// ComputeTypeName returns the canonical name of typ. Named types are
// qualified by their package path, pointers are "*" followed by the
// element name, and everything else uses types.Type.String.
func (c *NameCache) ComputeTypeName(typ types.Type) string {
	if typ == nil {
		return ""
	}
	if name, ok := c.types.Load(typ); ok {
		return name
	}
	name := c.typeName(typ)
	c.types.Store(typ, name)
	return name
}

// ComputeFuncName returns the canonical name of an SSA function. Declared
// functions and methods are named by their object; closures, wrappers,
// bound methods and instantiations fall back to the SSA name, which
// already encodes how they were derived.
func (c *NameCache) ComputeFuncName(fn *ssa.Function) string {
	if fn == nil {
		return ""
	}
	name, _ := c.funcs.LoadOrCompute(fn, func() (string, bool) {
		if fn.Object() != nil && fn.Synthetic == "" && fn.Parent() == nil && len(fn.TypeArgs()) == 0 {
			return c.ComputeObjectName(fn.Object()), false
		}
		return fn.String(), false
	})
	return name
}

func objectName(obj types.Object) string {
	var b strings.Builder
	if pkg := obj.Pkg(); pkg != nil {
		b.WriteString(pkg.Path())
		b.WriteByte('.')
	}
	fn, ok := obj.(*types.Func)
	if !ok {
		b.WriteString(obj.Name())
		return b.String()
	}
	sig, ok := fn.Type().(*types.Signature)
	if !ok {
		b.WriteString(obj.Name())
		return b.String()
	}
	if recv := sig.Recv(); recv != nil {
		b.WriteString(receiverName(recv.Type()))
		b.WriteByte('.')
		b.WriteString(obj.Name())
		return b.String()
	}
	b.WriteString(obj.Name())
	writeTypeParams(&b, sig.TypeParams())
	return b.String()
}

// receiverName returns the unqualified receiver type: "*Person" or
// "Container[T]".
func receiverName(t types.Type) string {
	prefix := ""
	if ptr, ok := t.(*types.Pointer); ok {
		t, prefix = ptr.Elem(), "*"
	}
	return prefix + genericName(t)
}

func (c *NameCache) typeName(typ types.Type) string {
	switch typ := typ.(type) {
	case *types.Pointer:
		elem := c.ComputeTypeName(typ.Elem())
		if elem == "" {
			return ""
		}
		return "*" + elem
	case *types.Named:
		obj := typ.Obj()
		if obj == nil {
			return typ.String()
		}
		if pkg := obj.Pkg(); pkg != nil {
			return pkg.Path() + "." + genericName(typ)
		}
		return genericName(typ)
	}
	return typ.String()
}

// genericName returns the name of a named type with its type arguments,
// or its type parameters for an uninstantiated generic type.
func genericName(typ types.Type) string {
	named, ok := typ.(*types.Named)
	if !ok {
		return typ.String()
	}
	var b strings.Builder
	b.WriteString(named.Obj().Name())
	if args := named.TypeArgs(); args != nil && args.Len() > 0 {
		b.WriteByte('[')
		for i := range args.Len() {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(args.At(i).String())
		}
		b.WriteByte(']')
		return b.String()
	}
	writeTypeParams(&b, named.TypeParams())
	return b.String()
}

func writeTypeParams(b *strings.Builder, params *types.TypeParamList) {
	if params == nil || params.Len() == 0 {
		return
	}
	b.WriteByte('[')
	for i := range params.Len() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(params.At(i).Obj().Name())
	}
	b.WriteByte(']')
}

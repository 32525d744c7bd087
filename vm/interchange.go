package vm

import (
	"fmt"
)

// HostValue is a value in a form Go code can hold across runtimes. Strings
// are Go strings; objects keep their runtime so an import into another
// runtime can merge the heaps first.
type HostValue struct {
	Type    Type
	Bool    bool
	Number  float64
	String  string
	Object  *Object
	Runtime *Runtime
}

// Export converts v for use outside the runtime.
func (rt *Runtime) Export(v Value) HostValue {
	switch v.typ {
	case TypeBoolean:
		return HostValue{Type: TypeBoolean, Bool: v.i != 0}
	case TypeInt32:
		return HostValue{Type: TypeDouble, Number: float64(v.i)}
	case TypeDouble:
		return HostValue{Type: TypeDouble, Number: v.d}
	case TypeString:
		return HostValue{Type: TypeString, String: v.ref.(*String).s}
	case TypeObject:
		return HostValue{Type: TypeObject, Object: v.ref.(*Object), Runtime: rt}
	}
	return HostValue{Type: v.typ}
}

// Import converts hv into a value of rt. Strings are copied onto rt's heap.
// An object allocated on another heap makes the two heaps share one
// allocator, so either runtime's collections trace both object graphs. The
// owning heap is read from the object's page; Runtime only serves to reject
// objects of closed runtimes.
func (rt *Runtime) Import(hv HostValue) (Value, error) {
	switch hv.Type {
	case TypeUndefined:
		return Undefined, nil
	case TypeNull:
		return Null, nil
	case TypeBoolean:
		return FromBool(hv.Bool), nil
	case TypeInt32, TypeDouble:
		return FromFloat64(hv.Number), nil
	case TypeString:
		s, err := rt.ctx.NewString(hv.String)
		if err != nil {
			return Undefined, err
		}
		return FromString(s), nil
	case TypeObject:
		o := hv.Object
		if o == nil {
			return Null, nil
		}
		if owner := hv.Runtime; owner != nil && owner != rt && owner.closed {
			return Undefined, fmt.Errorf("importing object from closed runtime %s", owner.id)
		}
		page := o.hdr.Page()
		if page == nil || page.Heap() == nil {
			return Undefined, fmt.Errorf("importing %s object that is not allocated on any heap", o.kind)
		}
		if err := rt.heap.Merge(page.Heap()); err != nil {
			return Undefined, fmt.Errorf("importing object from heap %s: %w", page.Heap().ID(), err)
		}
		return FromObject(o), nil
	}
	return Undefined, fmt.Errorf("cannot import %s value", hv.Type)
}

// Package clone serializes a restricted subset of script values so they can
// outlive the runtime that created them: undefined, null, booleans,
// numbers, strings, plain objects, arrays and byte arrays. Object identity
// inside one clone is preserved, including cycles. Everything else is
// rejected with ErrNotCloneable.
package clone

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/esrt/vm"
)

// ErrNotCloneable is returned for values outside the cloneable subset.
var ErrNotCloneable = errors.New("clone: value is not cloneable")

// formatVersion is bumped on incompatible changes of the wire layout.
const formatVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("clone: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type nodeKind uint8

const (
	nodeUndefined nodeKind = iota
	nodeNull
	nodeBool
	nodeNumber
	nodeString
	nodeRef
)

// node is one value. Objects are stored once in document.Objects and
// referenced by index.
type node struct {
	Kind nodeKind `cbor:"1,keyasint"`
	Bool bool     `cbor:"2,keyasint,omitempty"`
	Num  *float64 `cbor:"3,keyasint,omitempty"`
	Str  string   `cbor:"4,keyasint,omitempty"`
	Ref  int      `cbor:"5,keyasint,omitempty"`
}

type objectKind uint8

const (
	objectPlain objectKind = iota
	objectArray
	objectBytes
)

type object struct {
	Kind     objectKind `cbor:"1,keyasint"`
	Keys     []string   `cbor:"2,keyasint,omitempty"`
	Values   []node     `cbor:"3,keyasint,omitempty"`
	Elements []node     `cbor:"4,keyasint,omitempty"`
	Bytes    []byte     `cbor:"5,keyasint,omitempty"`
}

type document struct {
	Version int      `cbor:"1,keyasint"`
	Root    node     `cbor:"2,keyasint"`
	Objects []object `cbor:"3,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Marshal
// ---------------------------------------------------------------------------

type encoder struct {
	proto *vm.Object
	index map[*vm.Object]int
	doc   document
}

// Marshal encodes v in canonical CBOR. Plain objects keep their enumerable
// data properties and arrays their elements plus enumerable named
// properties; prototypes and attributes are not recorded.
func Marshal(ctx *vm.ExecutionContext, v vm.Value) ([]byte, error) {
	e := &encoder{
		proto: ctx.Runtime().ObjectPrototype(),
		index: make(map[*vm.Object]int),
		doc:   document{Version: formatVersion},
	}
	root, err := e.value(v)
	if err != nil {
		return nil, err
	}
	e.doc.Root = root
	data, err := cborEncMode.Marshal(&e.doc)
	if err != nil {
		return nil, fmt.Errorf("clone: marshal: %w", err)
	}
	return data, nil
}

func (e *encoder) value(v vm.Value) (node, error) {
	switch v.Type() {
	case vm.TypeUndefined:
		return node{Kind: nodeUndefined}, nil
	case vm.TypeNull:
		return node{Kind: nodeNull}, nil
	case vm.TypeBoolean:
		return node{Kind: nodeBool, Bool: v.Bool()}, nil
	case vm.TypeInt32, vm.TypeDouble:
		d := v.Number()
		return node{Kind: nodeNumber, Num: &d}, nil
	case vm.TypeString:
		return node{Kind: nodeString, Str: v.String().Go()}, nil
	case vm.TypeObject:
		i, err := e.object(v.Object())
		if err != nil {
			return node{}, err
		}
		return node{Kind: nodeRef, Ref: i}, nil
	}
	return node{}, fmt.Errorf("%w: %s value", ErrNotCloneable, v.Type())
}

func (e *encoder) object(o *vm.Object) (int, error) {
	if i, ok := e.index[o]; ok {
		return i, nil
	}
	i := len(e.doc.Objects)
	e.index[o] = i
	e.doc.Objects = append(e.doc.Objects, object{})

	var rec object
	switch o.Kind() {
	case vm.KindPlain:
		if o.HostLink() != nil || o.Prototype() != e.proto {
			return 0, fmt.Errorf("%w: object with prototype %s", ErrNotCloneable, o.ClassName())
		}
		rec.Kind = objectPlain
	case vm.KindArray:
		rec.Kind = objectArray
		rec.Elements = make([]node, o.Length())
		for k := range rec.Elements {
			n, err := e.value(o.GetIndex(k))
			if err != nil {
				return 0, err
			}
			rec.Elements[k] = n
		}
	case vm.KindByteArray:
		rec.Kind = objectBytes
		rec.Bytes = append([]byte{}, o.Bytes()...)
		e.doc.Objects[i] = rec
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s object", ErrNotCloneable, o.Kind())
	}

	cls := o.Class()
	for k := 0; k < cls.Count(); k++ {
		p := cls.Property(k)
		if p.Attributes&vm.DontEnum != 0 {
			continue
		}
		if p.Attributes&vm.Accessor != 0 {
			return 0, fmt.Errorf("%w: accessor property %q", ErrNotCloneable, p.Name)
		}
		pv, _ := o.GetOwn(p.Name)
		n, err := e.value(pv)
		if err != nil {
			return 0, err
		}
		rec.Keys = append(rec.Keys, p.Name)
		rec.Values = append(rec.Values, n)
	}
	e.doc.Objects[i] = rec
	return i, nil
}

// ---------------------------------------------------------------------------
// Unmarshal
// ---------------------------------------------------------------------------

// Unmarshal decodes data produced by Marshal into fresh objects allocated
// by ctx. The result is not rooted; callers keep it alive themselves.
func Unmarshal(ctx *vm.ExecutionContext, data []byte) (vm.Value, error) {
	var doc document
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return vm.Undefined, fmt.Errorf("clone: unmarshal: %w", err)
	}
	if doc.Version != formatVersion {
		return vm.Undefined, fmt.Errorf("clone: unsupported format version %d", doc.Version)
	}

	// No collection may run while the graph is only reachable from Go.
	lock := ctx.Lock()
	defer lock.Release()

	objs := make([]*vm.Object, len(doc.Objects))
	for i, rec := range doc.Objects {
		var o *vm.Object
		var err error
		switch rec.Kind {
		case objectPlain:
			o, err = ctx.NewObject()
		case objectArray:
			o, err = ctx.NewArray(make([]vm.Value, len(rec.Elements)))
		case objectBytes:
			o, err = ctx.NewByteArray(rec.Bytes)
		default:
			return vm.Undefined, fmt.Errorf("clone: unknown object kind %d", rec.Kind)
		}
		if err != nil {
			return vm.Undefined, err
		}
		objs[i] = o
	}

	d := &decoder{ctx: ctx, objs: objs}
	for i, rec := range doc.Objects {
		o := objs[i]
		for k, n := range rec.Elements {
			v, err := d.value(n)
			if err != nil {
				return vm.Undefined, err
			}
			o.PutIndex(k, v)
		}
		if len(rec.Keys) != len(rec.Values) {
			return vm.Undefined, fmt.Errorf("clone: object %d has %d keys but %d values", i, len(rec.Keys), len(rec.Values))
		}
		for k, name := range rec.Keys {
			v, err := d.value(rec.Values[k])
			if err != nil {
				return vm.Undefined, err
			}
			if _, err := o.DefineOwnProperty(ctx, name, v, vm.AttrNone); err != nil {
				return vm.Undefined, err
			}
		}
	}
	return d.value(doc.Root)
}

type decoder struct {
	ctx  *vm.ExecutionContext
	objs []*vm.Object
}

func (d *decoder) value(n node) (vm.Value, error) {
	switch n.Kind {
	case nodeUndefined:
		return vm.Undefined, nil
	case nodeNull:
		return vm.Null, nil
	case nodeBool:
		return vm.FromBool(n.Bool), nil
	case nodeNumber:
		if n.Num == nil {
			return vm.FromInt32(0), nil
		}
		return vm.FromFloat64(*n.Num), nil
	case nodeString:
		s, err := d.ctx.NewString(n.Str)
		if err != nil {
			return vm.Undefined, err
		}
		return vm.FromString(s), nil
	case nodeRef:
		if n.Ref < 0 || n.Ref >= len(d.objs) {
			return vm.Undefined, fmt.Errorf("clone: reference %d out of range", n.Ref)
		}
		return vm.FromObject(d.objs[n.Ref]), nil
	}
	return vm.Undefined, fmt.Errorf("clone: unknown value kind %d", n.Kind)
}

package vm

import (
	"fmt"
	"math"

	"github.com/chazu/esrt/heap"
)

// Type is the tag of a Value.
type Type uint8

const (
	TypeUndefined Type = iota
	TypeNull
	TypeBoolean
	TypeInt32
	TypeDouble
	TypeString
	TypeObject
	TypeBoxed
)

var typeNames = [...]string{
	TypeUndefined: "undefined",
	TypeNull:      "null",
	TypeBoolean:   "boolean",
	TypeInt32:     "int32",
	TypeDouble:    "double",
	TypeString:    "string",
	TypeObject:    "object",
	TypeBoxed:     "boxed",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Value is the tagged union passed around by the interpreter. Values are
// plain data: copying one never copies the heap entity it refers to, and
// holding one does not keep that entity alive unless the holder is traced.
//
// Exactly one payload field is meaningful for each tag. Doubles that are
// exact int32 values other than -0 are stored as Int32.
type Value struct {
	typ Type
	i   int32
	d   float64
	ref heap.Boxed
}

// Pre-defined constant values.
var (
	Undefined = Value{typ: TypeUndefined}
	Null      = Value{typ: TypeNull}
	True      = Value{typ: TypeBoolean, i: 1}
	False     = Value{typ: TypeBoolean}
)

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// FromBool returns True or False.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromInt32 creates an Int32 value.
func FromInt32(i int32) Value {
	return Value{typ: TypeInt32, i: i}
}

// FromFloat64 creates a number value, normalizing exact int32 doubles
// (except -0) to Int32.
func FromFloat64(d float64) Value {
	if i := int32(d); float64(i) == d && !(d == 0 && math.Signbit(d)) {
		return Value{typ: TypeInt32, i: i}
	}
	return Value{typ: TypeDouble, d: d}
}

// FromInt creates a number value from a Go int.
func FromInt(i int) Value {
	if i >= math.MinInt32 && i <= math.MaxInt32 {
		return FromInt32(int32(i))
	}
	return Value{typ: TypeDouble, d: float64(i)}
}

// FromString creates a string value. A nil string is the empty string.
func FromString(s *String) Value {
	if s == nil {
		s = emptyString
	}
	return Value{typ: TypeString, ref: s}
}

// FromObject creates an object value. A nil object yields Null.
func FromObject(o *Object) Value {
	if o == nil {
		return Null
	}
	return Value{typ: TypeObject, ref: o}
}

// FromBoxed wraps an internal heap entity that is neither a string nor an
// object.
func FromBoxed(b heap.Boxed) Value {
	if b == nil {
		return Undefined
	}
	return Value{typ: TypeBoxed, ref: b}
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// Type returns the value's tag.
func (v Value) Type() Type { return v.typ }

func (v Value) IsUndefined() bool { return v.typ == TypeUndefined }
func (v Value) IsNull() bool      { return v.typ == TypeNull }
func (v Value) IsBoolean() bool   { return v.typ == TypeBoolean }
func (v Value) IsInt32() bool     { return v.typ == TypeInt32 }
func (v Value) IsDouble() bool    { return v.typ == TypeDouble }
func (v Value) IsString() bool    { return v.typ == TypeString }
func (v Value) IsObject() bool    { return v.typ == TypeObject }
func (v Value) IsBoxed() bool     { return v.typ == TypeBoxed }

// IsNullOrUndefined reports whether v is null or undefined.
func (v Value) IsNullOrUndefined() bool {
	return v.typ == TypeUndefined || v.typ == TypeNull
}

// IsNumber reports whether v is an Int32 or a Double.
func (v Value) IsNumber() bool {
	return v.typ == TypeInt32 || v.typ == TypeDouble
}

// IsPrimitive reports whether v is not an object.
func (v Value) IsPrimitive() bool { return v.typ != TypeObject }

// IsCallable reports whether v is a function object.
func (v Value) IsCallable() bool {
	return v.typ == TypeObject && v.ref.(*Object).IsFunction()
}

// ---------------------------------------------------------------------------
// Accessors (panic on tag mismatch)
// ---------------------------------------------------------------------------

func (v Value) mustBe(t Type) {
	if v.typ != t {
		panic(fmt.Sprintf("vm: value is %s, not %s", v.typ, t))
	}
}

// Bool returns the boolean payload.
func (v Value) Bool() bool {
	v.mustBe(TypeBoolean)
	return v.i != 0
}

// Int32 returns the int32 payload.
func (v Value) Int32() int32 {
	v.mustBe(TypeInt32)
	return v.i
}

// Float64 returns the double payload.
func (v Value) Float64() float64 {
	v.mustBe(TypeDouble)
	return v.d
}

// Number returns the numeric payload of an Int32 or Double.
func (v Value) Number() float64 {
	switch v.typ {
	case TypeInt32:
		return float64(v.i)
	case TypeDouble:
		return v.d
	}
	panic(fmt.Sprintf("vm: value is %s, not a number", v.typ))
}

// String returns the string payload.
func (v Value) String() *String {
	v.mustBe(TypeString)
	return v.ref.(*String)
}

// Object returns the object payload.
func (v Value) Object() *Object {
	v.mustBe(TypeObject)
	return v.ref.(*Object)
}

// Boxed returns the heap entity of a String, Object or Boxed value.
func (v Value) Boxed() heap.Boxed {
	switch v.typ {
	case TypeString, TypeObject, TypeBoxed:
		return v.ref
	}
	panic(fmt.Sprintf("vm: value is %s, not a heap reference", v.typ))
}

// GoString renders the value for debugging without running any script.
func (v Value) GoString() string {
	switch v.typ {
	case TypeUndefined, TypeNull:
		return v.typ.String()
	case TypeBoolean:
		if v.i != 0 {
			return "true"
		}
		return "false"
	case TypeInt32:
		return fmt.Sprintf("%d", v.i)
	case TypeDouble:
		return NumberToString(v.d)
	case TypeString:
		return fmt.Sprintf("%q", v.ref.(*String).s)
	case TypeObject:
		o := v.ref.(*Object)
		return fmt.Sprintf("[object %s]", o.ClassName())
	default:
		return fmt.Sprintf("[boxed %s]", v.ref.GCHeader().Tag())
	}
}

func (v Value) trace(t *heap.Tracer) {
	if v.ref != nil {
		t.Mark(v.ref)
	}
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// SameValue distinguishes +0 from -0 and treats NaN as equal to itself.
func SameValue(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		x, y := a.Number(), b.Number()
		if math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
		if x == 0 && y == 0 {
			return math.Signbit(x) == math.Signbit(y)
		}
		return x == y
	}
	return sameNonNumber(a, b)
}

// SameValueZero is SameValue except that +0 and -0 are equal.
func SameValueZero(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		x, y := a.Number(), b.Number()
		if math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
		return x == y
	}
	return sameNonNumber(a, b)
}

// StrictEquals implements ===: NaN is unequal to everything and +0 == -0.
func StrictEquals(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return a.Number() == b.Number()
	}
	return sameNonNumber(a, b)
}

func sameNonNumber(a, b Value) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TypeUndefined, TypeNull:
		return true
	case TypeBoolean:
		return a.i == b.i
	case TypeString:
		return a.ref.(*String).s == b.ref.(*String).s
	default:
		return a.ref == b.ref
	}
}

package vm

import (
	"math"
	"strconv"
	"time"
)

// Hint is the preferred type passed to ToPrimitive.
type Hint uint8

const (
	HintDefault Hint = iota
	HintNumber
	HintString
)

// ToBoolean converts v without side effects.
func ToBoolean(v Value) bool {
	switch v.typ {
	case TypeUndefined, TypeNull:
		return false
	case TypeBoolean:
		return v.i != 0
	case TypeInt32:
		return v.i != 0
	case TypeDouble:
		return !(v.d == 0 || math.IsNaN(v.d))
	case TypeString:
		return v.ref.(*String).Len() > 0
	}
	return true
}

// TypeOf returns the typeof string of v.
func TypeOf(v Value) string {
	switch v.typ {
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "object"
	case TypeBoolean:
		return "boolean"
	case TypeInt32, TypeDouble:
		return "number"
	case TypeString:
		return "string"
	case TypeObject:
		if v.ref.(*Object).IsFunction() {
			return "function"
		}
		return "object"
	}
	return "undefined"
}

// ToNumber converts v to a number, calling valueOf/toString on objects.
func (ctx *ExecutionContext) ToNumber(v Value) (float64, error) {
	switch v.typ {
	case TypeUndefined:
		return math.NaN(), nil
	case TypeNull:
		return 0, nil
	case TypeBoolean:
		return float64(v.i), nil
	case TypeInt32:
		return float64(v.i), nil
	case TypeDouble:
		return v.d, nil
	case TypeString:
		return ctx.rt.stringToNumber(v.ref.(*String)), nil
	case TypeObject:
		p, err := ctx.ToPrimitive(v, HintNumber)
		if err != nil {
			return 0, err
		}
		return ctx.ToNumber(p)
	}
	return math.NaN(), nil
}

// ToInt32 converts v with ToNumber and the int32 wrap-around.
func (ctx *ExecutionContext) ToInt32(v Value) (int32, error) {
	if v.typ == TypeInt32 {
		return v.i, nil
	}
	d, err := ctx.ToNumber(v)
	return ToInt32(d), err
}

// ToUint32 converts v with ToNumber and the uint32 wrap-around.
func (ctx *ExecutionContext) ToUint32(v Value) (uint32, error) {
	d, err := ctx.ToNumber(v)
	return ToUint32(d), err
}

// ToString converts v to a string. Small non-negative integers come from
// the runtime's cache; other results are heap allocated.
func (ctx *ExecutionContext) ToString(v Value) (*String, error) {
	switch v.typ {
	case TypeUndefined:
		return ctx.rt.Intern("undefined"), nil
	case TypeNull:
		return ctx.rt.Intern("null"), nil
	case TypeBoolean:
		if v.i != 0 {
			return ctx.rt.Intern("true"), nil
		}
		return ctx.rt.Intern("false"), nil
	case TypeInt32, TypeDouble:
		d := v.Number()
		if s := ctx.rt.numberString(d); s != nil {
			return s, nil
		}
		return ctx.NewString(NumberToString(d))
	case TypeString:
		return v.ref.(*String), nil
	case TypeObject:
		p, err := ctx.ToPrimitive(v, HintString)
		if err != nil {
			return nil, err
		}
		return ctx.ToString(p)
	}
	return ctx.rt.Intern(""), nil
}

// ToPropertyName converts v to a property key.
func (ctx *ExecutionContext) ToPropertyName(v Value) (string, error) {
	switch v.typ {
	case TypeInt32:
		if v.i >= 0 {
			return strconv.Itoa(int(v.i)), nil
		}
	case TypeString:
		return v.ref.(*String).s, nil
	}
	s, err := ctx.ToString(v)
	if err != nil {
		return "", err
	}
	return s.s, nil
}

// ToObject converts v to an object, wrapping primitives. Null and undefined
// throw a TypeError.
func (ctx *ExecutionContext) ToObject(v Value) (*Object, error) {
	rt := ctx.rt
	var cls *Class
	var kind ObjectKind
	switch v.typ {
	case TypeObject:
		return v.ref.(*Object), nil
	case TypeUndefined, TypeNull:
		return nil, ctx.Throw(KindTypeError, "cannot convert %s to object", v.typ)
	case TypeBoolean:
		cls, kind = rt.booleanRoot, KindBoolean
	case TypeInt32, TypeDouble:
		cls, kind = rt.numberRoot, KindNumber
	case TypeString:
		cls, kind = rt.stringRoot, KindString
	default:
		return nil, ctx.Throw(KindTypeError, "cannot convert internal value to object")
	}
	o, err := ctx.newObject(cls, kind)
	if err != nil {
		return nil, err
	}
	o.internal = v
	return o, nil
}

// ToPrimitive converts an object to a primitive, trying valueOf and
// toString in hint order. Wrapper and date objects whose methods are the
// unmodified built-ins are converted directly from their internal value,
// and a built-in Object.prototype.valueOf is skipped since it can only
// return the object itself.
func (ctx *ExecutionContext) ToPrimitive(v Value, hint Hint) (Value, error) {
	if v.typ != TypeObject {
		return v, nil
	}
	o := v.ref.(*Object)
	if hint == HintDefault {
		hint = HintNumber
		if o.kind == KindDate {
			hint = HintString
		}
	}
	order := [2]string{"valueOf", "toString"}
	if hint == HintString {
		order = [2]string{"toString", "valueOf"}
	}

	for _, name := range order {
		m, err := o.Get(ctx, name)
		if err != nil {
			return Undefined, err
		}
		if !m.IsCallable() {
			continue
		}
		if p, ok := ctx.builtinPrimitive(o, m.Object().fn.builtin); ok {
			if p.typ == TypeObject {
				continue
			}
			return p, nil
		}
		r, err := ctx.Call(m, v, nil)
		if err != nil {
			return Undefined, err
		}
		if r.typ != TypeObject {
			return r, nil
		}
	}
	return Undefined, ctx.Throw(KindTypeError, "cannot convert object to primitive value")
}

// builtinPrimitive evaluates a built-in conversion method without a call.
// An object result means the method would not produce a primitive. Wrapper
// methods applied to another kind of object are left to the real call,
// which throws.
func (ctx *ExecutionContext) builtinPrimitive(o *Object, id builtinID) (Value, bool) {
	switch id {
	case builtinObjectValueOf:
		return FromObject(o), true
	case builtinNumberValueOf, builtinStringValueOf, builtinBooleanValueOf, builtinDateValueOf, builtinStringToString:
		if o.kind == id.receiverKind() {
			return o.internal, true
		}
	case builtinBooleanToString:
		if o.kind == KindBoolean {
			return FromString(ctx.rt.Intern(strconv.FormatBool(o.internal.Bool()))), true
		}
	}
	return Undefined, false
}

// formatDate renders a time value the way Date.prototype.toString does.
func formatDate(ms float64) string {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return "Invalid Date"
	}
	return time.UnixMilli(int64(ms)).UTC().Format("Mon Jan 02 2006 15:04:05 GMT-0700")
}

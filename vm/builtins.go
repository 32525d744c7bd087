package vm

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// prototypes created by setupBuiltins
type builtins struct {
	objectProto    *Object
	functionProto  *Object
	arrayProto     *Object
	numberProto    *Object
	stringProto    *Object
	booleanProto   *Object
	dateProto      *Object
	byteArrayProto *Object
	errorProtos    [numErrorKinds]*Object
	global         *Object

	plainRoot     *Class
	functionRoot  *Class
	arrayRoot     *Class
	numberRoot    *Class
	stringRoot    *Class
	booleanRoot   *Class
	dateRoot      *Class
	byteArrayRoot *Class
	argumentsRoot *Class
	variablesRoot *Class
	errorRoots    [numErrorKinds]*Class
}

func (b *builtins) trace(mark func(*Object)) {
	for _, o := range []*Object{b.objectProto, b.functionProto, b.arrayProto, b.numberProto,
		b.stringProto, b.booleanProto, b.dateProto, b.byteArrayProto, b.global} {
		mark(o)
	}
	for _, o := range b.errorProtos {
		mark(o)
	}
}

// ObjectPrototype returns Object.prototype.
func (rt *Runtime) ObjectPrototype() *Object { return rt.objectProto }

// FunctionPrototype returns Function.prototype.
func (rt *Runtime) FunctionPrototype() *Object { return rt.functionProto }

// ArrayPrototype returns Array.prototype.
func (rt *Runtime) ArrayPrototype() *Object { return rt.arrayProto }

// ErrorPrototype returns the prototype of the given error kind.
func (rt *Runtime) ErrorPrototype(kind ErrorKind) *Object { return rt.errorProtos[kind] }

// Global returns the global object.
func (rt *Runtime) Global() *Object { return rt.global }

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

func (rt *Runtime) setupBuiltins(ctx *ExecutionContext) error {
	t := rt.classes
	var err error
	proto := func(parent *Object, name string, kind ObjectKind, internal Value) *Object {
		if err != nil {
			return nil
		}
		var o *Object
		o, err = ctx.newObject(t.Root(parent, name), kind)
		if o != nil {
			o.internal = internal
		}
		return o
	}

	rt.objectProto = proto(nil, "Object", KindPlain, Undefined)
	rt.plainRoot = t.Root(rt.objectProto, "Object")
	rt.functionProto = proto(rt.objectProto, "Function", KindFunction, Undefined)
	if err != nil {
		return err
	}
	rt.functionProto.fn = &Function{native: func(*ExecutionContext, Value, []Value) (Value, error) {
		return Undefined, nil
	}}
	rt.functionRoot = t.Root(rt.functionProto, "Function")

	rt.arrayProto = proto(rt.objectProto, "Array", KindArray, Undefined)
	rt.numberProto = proto(rt.objectProto, "Number", KindNumber, FromInt32(0))
	rt.stringProto = proto(rt.objectProto, "String", KindString, FromString(emptyString))
	rt.booleanProto = proto(rt.objectProto, "Boolean", KindBoolean, False)
	rt.dateProto = proto(rt.objectProto, "Date", KindDate, FromFloat64(math.NaN()))
	rt.byteArrayProto = proto(rt.objectProto, "ByteArray", KindPlain, Undefined)
	rt.errorProtos[KindPlainError] = proto(rt.objectProto, "Error", KindError, Undefined)
	for k := KindPlainError + 1; k < numErrorKinds; k++ {
		rt.errorProtos[k] = proto(rt.errorProtos[KindPlainError], "Error", KindError, Undefined)
	}
	rt.global = proto(rt.objectProto, "global", KindPlain, Undefined)
	if err != nil {
		return err
	}

	rt.arrayRoot = t.Root(rt.arrayProto, "Array")
	rt.numberRoot = t.Root(rt.numberProto, "Number")
	rt.stringRoot = t.Root(rt.stringProto, "String")
	rt.booleanRoot = t.Root(rt.booleanProto, "Boolean")
	rt.dateRoot = t.Root(rt.dateProto, "Date")
	rt.byteArrayRoot = t.Root(rt.byteArrayProto, "ByteArray")
	rt.argumentsRoot = t.Root(rt.objectProto, "Arguments")
	rt.variablesRoot = t.Root(nil, "Variables")
	for k := range rt.errorProtos {
		rt.errorRoots[k] = t.Root(rt.errorProtos[k], "Error")
	}

	for _, step := range []func(*ExecutionContext) error{
		rt.setupObject, rt.setupFunction, rt.setupArray, rt.setupWrappers,
		rt.setupDate, rt.setupErrors, rt.setupGlobal,
	} {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

type method struct {
	name    string
	length  int
	builtin builtinID
	fn      NativeFunc
}

func (ctx *ExecutionContext) defineMethods(o *Object, methods []method) error {
	for _, m := range methods {
		f, err := ctx.newFunctionObject(&Function{name: m.name, native: m.fn, builtin: m.builtin}, m.length)
		if err != nil {
			return err
		}
		if _, err := o.DefineOwnProperty(ctx, m.name, FromObject(f), DontEnum); err != nil {
			return err
		}
	}
	return nil
}

// defineConstructor installs a global constructor linked with its
// prototype.
func (ctx *ExecutionContext) defineConstructor(name string, length int, proto *Object, call, construct NativeFunc) error {
	c, err := ctx.NewNativeConstructor(name, length, call, construct)
	if err != nil {
		return err
	}
	if _, err := c.DefineOwnProperty(ctx, "prototype", FromObject(proto), AttrFrozen|DontEnum); err != nil {
		return err
	}
	if _, err := proto.DefineOwnProperty(ctx, "constructor", FromObject(c), DontEnum); err != nil {
		return err
	}
	_, err = ctx.rt.global.DefineOwnProperty(ctx, name, FromObject(c), DontEnum)
	return err
}

func arg(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return Undefined
}

// thisKind returns this as an object of the given kind, or throws.
func (ctx *ExecutionContext) thisKind(this Value, kind ObjectKind, method string) (*Object, error) {
	if this.IsObject() && this.Object().kind == kind {
		return this.Object(), nil
	}
	return nil, ctx.Throw(KindTypeError, "%s.prototype.%s called on incompatible receiver", kind, method)
}

// ---------------------------------------------------------------------------
// Object, Function, Array
// ---------------------------------------------------------------------------

func (rt *Runtime) setupObject(ctx *ExecutionContext) error {
	if err := ctx.defineMethods(rt.objectProto, []method{
		{"valueOf", 0, builtinObjectValueOf, func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			o, err := ctx.ToObject(this)
			return FromObject(o), err
		}},
		{"toString", 0, builtinObjectToString, func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			var name string
			switch {
			case this.IsUndefined():
				name = "Undefined"
			case this.IsNull():
				name = "Null"
			default:
				o, err := ctx.ToObject(this)
				if err != nil {
					return Undefined, err
				}
				name = o.ClassName()
			}
			return FromString(ctx.rt.Intern("[object " + name + "]")), nil
		}},
		{"hasOwnProperty", 1, builtinNone, func(ctx *ExecutionContext, this Value, args []Value) (Value, error) {
			name, err := ctx.ToPropertyName(arg(args, 0))
			if err != nil {
				return Undefined, err
			}
			o, err := ctx.ToObject(this)
			if err != nil {
				return Undefined, err
			}
			return FromBool(o.HasOwnProperty(name)), nil
		}},
	}); err != nil {
		return err
	}
	return ctx.defineConstructor("Object", 1, rt.objectProto,
		func(ctx *ExecutionContext, _ Value, args []Value) (Value, error) {
			v := arg(args, 0)
			if v.IsNullOrUndefined() {
				o, err := ctx.NewObject()
				return FromObject(o), err
			}
			o, err := ctx.ToObject(v)
			return FromObject(o), err
		},
		func(ctx *ExecutionContext, this Value, args []Value) (Value, error) {
			if v := arg(args, 0); !v.IsNullOrUndefined() {
				o, err := ctx.ToObject(v)
				return FromObject(o), err
			}
			return this, nil
		})
}

func (rt *Runtime) setupFunction(ctx *ExecutionContext) error {
	return ctx.defineMethods(rt.functionProto, []method{
		{"call", 1, builtinNone, func(ctx *ExecutionContext, this Value, args []Value) (Value, error) {
			if len(args) == 0 {
				return ctx.Call(this, Undefined, nil)
			}
			return ctx.Call(this, args[0], args[1:])
		}},
		{"toString", 0, builtinNone, func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			fo, err := ctx.thisKind(this, KindFunction, "toString")
			if err != nil {
				return Undefined, err
			}
			body := "[native code]"
			if fo.fn.code != nil {
				body = "[bytecode]"
			}
			return ctx.stringValue("function " + fo.fn.name + "() { " + body + " }")
		}},
	})
}

func (rt *Runtime) setupArray(ctx *ExecutionContext) error {
	if err := ctx.defineMethods(rt.arrayProto, []method{
		{"push", 1, builtinNone, func(ctx *ExecutionContext, this Value, args []Value) (Value, error) {
			a, err := ctx.thisKind(this, KindArray, "push")
			if err != nil {
				return Undefined, err
			}
			a.elements = append(a.elements, args...)
			return FromInt(len(a.elements)), nil
		}},
		{"join", 1, builtinNone, func(ctx *ExecutionContext, this Value, args []Value) (Value, error) {
			a, err := ctx.thisKind(this, KindArray, "join")
			if err != nil {
				return Undefined, err
			}
			sep := ","
			if v := arg(args, 0); !v.IsUndefined() {
				s, err := ctx.ToString(v)
				if err != nil {
					return Undefined, err
				}
				sep = s.s
			}
			parts := make([]string, len(a.elements))
			for i, e := range a.elements {
				if e.IsNullOrUndefined() {
					continue
				}
				s, err := ctx.ToString(e)
				if err != nil {
					return Undefined, err
				}
				parts[i] = s.s
			}
			return ctx.stringValue(strings.Join(parts, sep))
		}},
	}); err != nil {
		return err
	}
	return ctx.defineConstructor("Array", 1, rt.arrayProto,
		func(ctx *ExecutionContext, _ Value, args []Value) (Value, error) {
			a, err := ctx.NewArray(args)
			return FromObject(a), err
		},
		func(ctx *ExecutionContext, _ Value, args []Value) (Value, error) {
			a, err := ctx.NewArray(args)
			return FromObject(a), err
		})
}

func (ctx *ExecutionContext) stringValue(s string) (Value, error) {
	str, err := ctx.NewString(s)
	if err != nil {
		return Undefined, err
	}
	return FromString(str), nil
}

// ---------------------------------------------------------------------------
// Number, String, Boolean wrappers
// ---------------------------------------------------------------------------

func (rt *Runtime) setupWrappers(ctx *ExecutionContext) error {
	// primitiveThis accepts a primitive of the wrapper's type or a wrapper.
	primitiveThis := func(ctx *ExecutionContext, this Value, kind ObjectKind, method string) (Value, error) {
		switch {
		case kind == KindNumber && this.IsNumber(),
			kind == KindString && this.IsString(),
			kind == KindBoolean && this.IsBoolean():
			return this, nil
		}
		o, err := ctx.thisKind(this, kind, method)
		if err != nil {
			return Undefined, err
		}
		return o.internal, nil
	}
	valueOf := func(kind ObjectKind) NativeFunc {
		return func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			return primitiveThis(ctx, this, kind, "valueOf")
		}
	}

	if err := ctx.defineMethods(rt.numberProto, []method{
		{"valueOf", 0, builtinNumberValueOf, valueOf(KindNumber)},
		{"toString", 1, builtinNone, func(ctx *ExecutionContext, this Value, args []Value) (Value, error) {
			v, err := primitiveThis(ctx, this, KindNumber, "toString")
			if err != nil {
				return Undefined, err
			}
			radix := 10
			if r := arg(args, 0); !r.IsUndefined() {
				n, err := ctx.ToInt32(r)
				if err != nil {
					return Undefined, err
				}
				if n < 2 || n > 36 {
					return Undefined, ctx.Throw(KindRangeError, "toString() radix must be between 2 and 36")
				}
				radix = int(n)
			}
			if radix == 10 {
				s, err := ctx.ToString(v)
				return FromString(s), err
			}
			return ctx.stringValue(NumberToStringRadix(v.Number(), radix))
		}},
	}); err != nil {
		return err
	}
	if err := ctx.defineMethods(rt.stringProto, []method{
		{"valueOf", 0, builtinStringValueOf, valueOf(KindString)},
		{"toString", 0, builtinStringToString, valueOf(KindString)},
	}); err != nil {
		return err
	}
	if err := ctx.defineMethods(rt.booleanProto, []method{
		{"valueOf", 0, builtinBooleanValueOf, valueOf(KindBoolean)},
		{"toString", 0, builtinBooleanToString, func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			v, err := primitiveThis(ctx, this, KindBoolean, "toString")
			if err != nil {
				return Undefined, err
			}
			return FromString(ctx.rt.Intern(strconv.FormatBool(v.Bool()))), nil
		}},
	}); err != nil {
		return err
	}

	wrap := func(convert func(*ExecutionContext, []Value) (Value, error)) (NativeFunc, NativeFunc) {
		call := func(ctx *ExecutionContext, _ Value, args []Value) (Value, error) {
			return convert(ctx, args)
		}
		construct := func(ctx *ExecutionContext, _ Value, args []Value) (Value, error) {
			v, err := convert(ctx, args)
			if err != nil {
				return Undefined, err
			}
			o, err := ctx.ToObject(v)
			return FromObject(o), err
		}
		return call, construct
	}
	numCall, numNew := wrap(func(ctx *ExecutionContext, args []Value) (Value, error) {
		if len(args) == 0 {
			return FromInt32(0), nil
		}
		d, err := ctx.ToNumber(args[0])
		return FromFloat64(d), err
	})
	strCall, strNew := wrap(func(ctx *ExecutionContext, args []Value) (Value, error) {
		if len(args) == 0 {
			return FromString(emptyString), nil
		}
		s, err := ctx.ToString(args[0])
		return FromString(s), err
	})
	boolCall, boolNew := wrap(func(_ *ExecutionContext, args []Value) (Value, error) {
		return FromBool(ToBoolean(arg(args, 0))), nil
	})
	if err := ctx.defineConstructor("Number", 1, rt.numberProto, numCall, numNew); err != nil {
		return err
	}
	if err := ctx.defineConstructor("String", 1, rt.stringProto, strCall, strNew); err != nil {
		return err
	}
	return ctx.defineConstructor("Boolean", 1, rt.booleanProto, boolCall, boolNew)
}

// ---------------------------------------------------------------------------
// Date
// ---------------------------------------------------------------------------

// NewDate allocates a date object holding ms since the epoch.
func (ctx *ExecutionContext) NewDate(ms float64) (*Object, error) {
	o, err := ctx.newObject(ctx.rt.dateRoot, KindDate)
	if err != nil {
		return nil, err
	}
	o.internal = FromFloat64(ms)
	return o, nil
}

func (rt *Runtime) setupDate(ctx *ExecutionContext) error {
	timeValue := func(ctx *ExecutionContext, this Value, method string) (float64, error) {
		o, err := ctx.thisKind(this, KindDate, method)
		if err != nil {
			return 0, err
		}
		return o.internal.Number(), nil
	}
	if err := ctx.defineMethods(rt.dateProto, []method{
		{"valueOf", 0, builtinDateValueOf, func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			ms, err := timeValue(ctx, this, "valueOf")
			return FromFloat64(ms), err
		}},
		{"getTime", 0, builtinNone, func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			ms, err := timeValue(ctx, this, "getTime")
			return FromFloat64(ms), err
		}},
		{"toString", 0, builtinDateToString, func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			ms, err := timeValue(ctx, this, "toString")
			if err != nil {
				return Undefined, err
			}
			return ctx.stringValue(formatDate(ms))
		}},
	}); err != nil {
		return err
	}
	now := func() float64 { return float64(time.Now().UnixMilli()) }
	return ctx.defineConstructor("Date", 1, rt.dateProto,
		func(ctx *ExecutionContext, _ Value, _ []Value) (Value, error) {
			return ctx.stringValue(formatDate(now()))
		},
		func(ctx *ExecutionContext, _ Value, args []Value) (Value, error) {
			ms := now()
			if len(args) > 0 {
				d, err := ctx.ToNumber(args[0])
				if err != nil {
					return Undefined, err
				}
				ms = math.Trunc(d)
			}
			o, err := ctx.NewDate(ms)
			return FromObject(o), err
		})
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func (rt *Runtime) setupErrors(ctx *ExecutionContext) error {
	base := rt.errorProtos[KindPlainError]
	if err := ctx.defineMethods(base, []method{
		{"toString", 0, builtinNone, func(ctx *ExecutionContext, this Value, _ []Value) (Value, error) {
			if !this.IsObject() {
				return Undefined, ctx.Throw(KindTypeError, "Error.prototype.toString called on non-object")
			}
			return ctx.stringValue(describeThrown(this))
		}},
	}); err != nil {
		return err
	}
	for k := KindPlainError; k < numErrorKinds; k++ {
		kind := k
		p := rt.errorProtos[kind]
		if _, err := p.DefineOwnProperty(ctx, "name", FromString(rt.Intern(kind.String())), DontEnum); err != nil {
			return err
		}
		if kind == KindPlainError {
			if _, err := p.DefineOwnProperty(ctx, "message", FromString(emptyString), DontEnum); err != nil {
				return err
			}
		}
		build := func(ctx *ExecutionContext, _ Value, args []Value) (Value, error) {
			msg := ""
			if v := arg(args, 0); !v.IsUndefined() {
				s, err := ctx.ToString(v)
				if err != nil {
					return Undefined, err
				}
				msg = s.s
			}
			o, err := ctx.NewError(kind, msg)
			return FromObject(o), err
		}
		if err := ctx.defineConstructor(kind.String(), 1, p, build, build); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) setupGlobal(ctx *ExecutionContext) error {
	g := rt.global
	const fixed = ReadOnly | DontEnum | DontDelete
	for _, c := range []struct {
		name string
		v    Value
	}{
		{"undefined", Undefined},
		{"NaN", FromFloat64(math.NaN())},
		{"Infinity", FromFloat64(math.Inf(1))},
	} {
		if _, err := g.DefineOwnProperty(ctx, c.name, c.v, fixed); err != nil {
			return err
		}
	}
	_, err := g.DefineOwnProperty(ctx, "globalThis", FromObject(g), DontEnum)
	return err
}

package vm

// NativeFunc implements a function in Go. It receives the calling context,
// the this value and the arguments, which alias the caller's registers and
// must not be retained.
type NativeFunc func(ctx *ExecutionContext, this Value, args []Value) (Value, error)

type builtinID uint8

const (
	builtinNone builtinID = iota
	builtinObjectValueOf
	builtinObjectToString
	builtinNumberValueOf
	builtinStringValueOf
	builtinBooleanValueOf
	builtinDateValueOf
	builtinStringToString
	builtinBooleanToString
	builtinDateToString
)

// receiverKind returns the wrapper kind a built-in conversion method reads
// its internal value from.
func (id builtinID) receiverKind() ObjectKind {
	switch id {
	case builtinNumberValueOf:
		return KindNumber
	case builtinStringValueOf, builtinStringToString:
		return KindString
	case builtinBooleanValueOf, builtinBooleanToString:
		return KindBoolean
	case builtinDateValueOf, builtinDateToString:
		return KindDate
	}
	return KindPlain
}

// Function is the callable part of a function object: either native Go
// code or compiled Code.
type Function struct {
	name    string
	native  NativeFunc
	ctor    NativeFunc
	code    *Code
	builtin builtinID
}

// Name returns the function name.
func (f *Function) Name() string { return f.name }

// Code returns the compiled body, or nil for native functions.
func (f *Function) Code() *Code { return f.code }

// IsNative reports whether the function is implemented in Go.
func (f *Function) IsNative() bool { return f.native != nil }

// Function returns the callable part of a function object, or nil.
func (o *Object) Function() *Function { return o.fn }

func (ctx *ExecutionContext) newFunctionObject(f *Function, length int) (*Object, error) {
	o, err := ctx.newObject(ctx.rt.functionRoot, KindFunction)
	if err != nil {
		return nil, err
	}
	o.fn = f
	if _, err := o.DefineOwnProperty(ctx, "length", FromInt(length), ReadOnly|DontEnum|DontDelete); err != nil {
		return nil, err
	}
	name := ctx.rt.Intern(f.name)
	if _, err := o.DefineOwnProperty(ctx, "name", FromString(name), ReadOnly|DontEnum|DontDelete); err != nil {
		return nil, err
	}
	return o, nil
}

// NewNativeFunction wraps fn in a function object.
func (ctx *ExecutionContext) NewNativeFunction(name string, length int, fn NativeFunc) (*Object, error) {
	return ctx.newFunctionObject(&Function{name: name, native: fn}, length)
}

// NewNativeConstructor wraps a native function with separate call and
// construct behaviour. construct receives the freshly created this object.
func (ctx *ExecutionContext) NewNativeConstructor(name string, length int, call, construct NativeFunc) (*Object, error) {
	return ctx.newFunctionObject(&Function{name: name, native: call, ctor: construct}, length)
}

// NewFunction creates a function object for compiled code, with a fresh
// prototype object whose constructor property points back at it.
func (ctx *ExecutionContext) NewFunction(code *Code) (*Object, error) {
	lock := ctx.Lock()
	defer lock.Release()

	fo, err := ctx.newFunctionObject(&Function{name: code.Name, code: code}, code.NumParams)
	if err != nil {
		return nil, err
	}
	proto, err := ctx.NewObject()
	if err != nil {
		return nil, err
	}
	if _, err := proto.DefineOwnProperty(ctx, "constructor", FromObject(fo), DontEnum); err != nil {
		return nil, err
	}
	if _, err := fo.DefineOwnProperty(ctx, "prototype", FromObject(proto), DontEnum|DontDelete); err != nil {
		return nil, err
	}
	return fo, nil
}

// ---------------------------------------------------------------------------
// Calling
// ---------------------------------------------------------------------------

// Call invokes fn with the given this value and arguments. Called from Go
// with no script running, it is an entry point: aborts are recorded on the
// context and every collector lock it holds is released.
func (ctx *ExecutionContext) Call(fn, this Value, args []Value) (Value, error) {
	if ctx.entries == 0 {
		return ctx.enter(func() (Value, error) { return ctx.call(fn, this, args, 0) })
	}
	return ctx.call(fn, this, args, 0)
}

// call dispatches to native or compiled code. overlap is the number of
// this+argument values already in place at the top of the register stack.
func (ctx *ExecutionContext) call(fn, this Value, args []Value, overlap int) (Value, error) {
	if !fn.IsCallable() {
		return Undefined, ctx.Throw(KindTypeError, "%s is not a function", fn.GoString())
	}
	fo := fn.Object()
	f := fo.fn
	if f.native != nil {
		ctx.EnterNative(f.name)
		defer ctx.LeaveNative()
		return f.native(ctx, this, args)
	}
	return ctx.run(fo, f.code, this, args, overlap, 0)
}

// Construct invokes fn as a constructor.
func (ctx *ExecutionContext) Construct(fn Value, args []Value) (Value, error) {
	if ctx.entries == 0 {
		return ctx.enter(func() (Value, error) { return ctx.construct(fn, args) })
	}
	return ctx.construct(fn, args)
}

func (ctx *ExecutionContext) construct(fn Value, args []Value) (Value, error) {
	if !fn.IsCallable() {
		return Undefined, ctx.Throw(KindTypeError, "%s is not a constructor", fn.GoString())
	}
	fo := fn.Object()
	f := fo.fn

	protoVal, err := fo.Get(ctx, "prototype")
	if err != nil {
		return Undefined, err
	}
	var obj *Object
	if protoVal.IsObject() {
		obj, err = ctx.NewObjectWithPrototype(protoVal.Object())
	} else {
		obj, err = ctx.NewObject()
	}
	if err != nil {
		return Undefined, err
	}
	ctx.PushTemp(FromObject(obj))
	defer ctx.PopTemp()

	var result Value
	switch {
	case f.ctor != nil:
		ctx.EnterNative(f.name)
		result, err = f.ctor(ctx, FromObject(obj), args)
		ctx.LeaveNative()
	case f.native != nil:
		ctx.EnterNative(f.name)
		result, err = f.native(ctx, FromObject(obj), args)
		ctx.LeaveNative()
	default:
		result, err = ctx.run(fo, f.code, FromObject(obj), args, 0, InConstructor)
	}
	if err != nil {
		return Undefined, err
	}
	if result.IsObject() {
		return result, nil
	}
	return FromObject(obj), nil
}

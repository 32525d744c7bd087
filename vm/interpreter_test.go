package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCode(t *testing.T, rt *Runtime, code *Code) Value {
	t.Helper()
	v, err := rt.Execute(code)
	require.NoError(t, err)
	return v
}

// ---------------------------------------------------------------------------
// Arithmetic and control flow
// ---------------------------------------------------------------------------

func TestInterpreterLoop(t *testing.T) {
	rt := newTestRuntime(t)

	b := NewCodeBuilder("sum")
	i := b.Var("i")
	s := b.Var("s")
	n, one, c := b.Temp(), b.Temp(), b.Temp()
	b.Emit(OpLoadInt, i, 0)
	b.Emit(OpLoadInt, s, 0)
	b.Emit(OpLoadInt, n, 100)
	b.Emit(OpLoadInt, one, 1)
	top, end := b.NewLabel(), b.NewLabel()
	b.Mark(top)
	b.Emit(OpLt, c, i, n)
	b.JumpIfFalse(c, end)
	b.Emit(OpAdd, s, s, i)
	b.Emit(OpAdd, i, i, one)
	b.Jump(top)
	b.Mark(end)
	b.Emit(OpReturn, s)

	v := runCode(t, rt, b.Build())
	assert.Equal(t, int32(4950), v.Int32())
	assert.Equal(t, 0, rt.Context().FrameDepth())
}

func TestInterpreterArithmetic(t *testing.T) {
	rt := newTestRuntime(t)

	binary := func(op Opcode, x, y Value) Value {
		b := NewCodeBuilder("op")
		r := b.Temps(3)
		b.Emit(OpLoadConst, r, b.Const(x))
		b.Emit(OpLoadConst, r+1, b.Const(y))
		b.Emit(op, r+2, r, r+1)
		b.Emit(OpReturn, r+2)
		return runCode(t, rt, b.Build())
	}

	v := binary(OpAdd, FromInt32(math.MaxInt32), FromInt32(1))
	assert.True(t, v.IsDouble(), "int32 overflow should produce a double")
	assert.Equal(t, float64(math.MaxInt32)+1, v.Number())

	v = binary(OpMul, FromInt32(0), FromInt32(-1))
	assert.True(t, math.Signbit(v.Float64()), "0 * -1 is -0")

	v = binary(OpDiv, FromInt32(1), FromInt32(0))
	assert.True(t, math.IsInf(v.Number(), 1))

	v = binary(OpDiv, FromInt32(6), FromInt32(3))
	assert.True(t, v.IsInt32(), "exact quotients normalize to int32")

	v = binary(OpSub, FromFloat64(0.5), str("0.25"))
	assert.Equal(t, 0.25, v.Number())

	v = binary(OpAdd, str("a"), FromInt32(1))
	assert.Equal(t, "a1", v.String().Go())

	v = binary(OpAdd, True, FromInt32(1))
	assert.Equal(t, int32(2), v.Int32())

	v = binary(OpLt, str("abc"), str("abd"))
	assert.Equal(t, True, v)

	v = binary(OpLt, FromFloat64(math.NaN()), FromInt32(1))
	assert.Equal(t, False, v)

	v = binary(OpStrictEq, FromInt32(1), FromFloat64(1))
	assert.Equal(t, True, v)
}

func TestInterpreterTypeofAndNot(t *testing.T) {
	rt := newTestRuntime(t)

	b := NewCodeBuilder("t")
	r := b.Temps(3)
	b.Emit(OpLoadNull, r)
	b.Emit(OpTypeof, r+1, r)
	b.Emit(OpNot, r+2, r)
	b.Emit(OpNewArray, r, r+1, 2)
	b.Emit(OpReturn, r)

	v := runCode(t, rt, b.Build())
	arr := v.Object()
	require.Equal(t, KindArray, arr.Kind())
	assert.Equal(t, "object", arr.GetIndex(0).String().Go())
	assert.Equal(t, True, arr.GetIndex(1))
}

func TestInterpreterFallsOffEnd(t *testing.T) {
	rt := newTestRuntime(t)
	b := NewCodeBuilder("empty")
	b.Emit(OpNop)
	assert.True(t, runCode(t, rt, b.Build()).IsUndefined())
}

func TestInterpreterInvalidOpcode(t *testing.T) {
	rt := newTestRuntime(t)
	code := &Code{Name: "bad", Instructions: []Instruction{{Op: Opcode(0xEE)}}, NumRegisters: 1}
	_, err := rt.Execute(code)
	var te *ThrowError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Error(), "SyntaxError: invalid opcode")
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func addCode() *Code {
	b := NewCodeBuilder("add", "a", "b")
	r := b.Temp()
	b.Emit(OpAdd, r, 1, 2)
	b.Emit(OpReturn, r)
	return b.Build()
}

func TestInterpreterCallWithOverlap(t *testing.T) {
	rt := newTestRuntime(t)

	b := NewCodeBuilder("main")
	res := b.Temp()
	base := b.Temps(4)
	b.Emit(OpNewFunction, base, b.Function(addCode()))
	b.Emit(OpLoadUndefined, base+1)
	b.Emit(OpLoadInt, base+2, 2)
	b.Emit(OpLoadInt, base+3, 3)
	b.Emit(OpCall, res, base, 2)
	b.Emit(OpReturn, res)

	v := runCode(t, rt, b.Build())
	assert.Equal(t, int32(5), v.Int32())
	assert.Equal(t, 0, rt.Context().FrameDepth())
}

func fibCode() *Code {
	b := NewCodeBuilder("fib", "n")
	two, c, r1 := b.Temp(), b.Temp(), b.Temp()
	base := b.Temps(3)
	rec := b.NewLabel()

	b.Emit(OpLoadInt, two, 2)
	b.Emit(OpLt, c, 1, two)
	b.JumpIfFalse(c, rec)
	b.Emit(OpReturn, 1)
	b.Mark(rec)
	for i, k := range []int{1, 2} {
		dst := r1
		if i == 1 {
			dst = c
		}
		b.Emit(OpGetGlobal, base, b.Name("fib"))
		b.Emit(OpLoadUndefined, base+1)
		b.Emit(OpLoadInt, two, k)
		b.Emit(OpSub, base+2, 1, two)
		b.Emit(OpCall, dst, base, 1)
	}
	b.Emit(OpAdd, r1, r1, c)
	b.Emit(OpReturn, r1)
	return b.Build()
}

func TestInterpreterRecursion(t *testing.T) {
	rt := newTestRuntime(t, WithStackOptions(StackOptions{InitialBlock: 16}))

	b := NewCodeBuilder("main")
	res := b.Temp()
	base := b.Temps(3)
	b.Emit(OpNewFunction, base, b.Function(fibCode()))
	b.Emit(OpPutGlobal, b.Name("fib"), base)
	b.Emit(OpLoadUndefined, base+1)
	b.Emit(OpLoadInt, base+2, 15)
	b.Emit(OpCall, res, base, 1)
	b.Emit(OpReturn, res)

	v := runCode(t, rt, b.Build())
	assert.Equal(t, int32(610), v.Int32())
	assert.Equal(t, 0, rt.Context().FrameDepth())
	assert.Greater(t, rt.Context().registers.Blocks(), 1, "small blocks should force block overflow")
}

func TestInterpreterStackOverflow(t *testing.T) {
	rt := newTestRuntime(t, WithStackOptions(StackOptions{MaxFrames: 50}))

	loop := NewCodeBuilder("loop")
	base := loop.Temps(2)
	loop.Emit(OpGetGlobal, base, loop.Name("loop"))
	loop.Emit(OpCall, base, base, 0)
	loop.Emit(OpReturn, base)

	b := NewCodeBuilder("main")
	r := b.Temps(2)
	b.Emit(OpNewFunction, r, b.Function(loop.Build()))
	b.Emit(OpPutGlobal, b.Name("loop"), r)
	b.Emit(OpCall, r, r, 0)
	b.Emit(OpReturn, r)

	_, err := rt.Execute(b.Build())
	var te *ThrowError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Error(), "RangeError")
	assert.Equal(t, 0, rt.Context().FrameDepth())
}

func TestInterpreterNativeCall(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	var gotThis Value
	var depth int
	fn, err := ctx.NewNativeFunction("probe", 1, func(ctx *ExecutionContext, this Value, args []Value) (Value, error) {
		gotThis = this
		depth = ctx.NativeDepth()
		return FromInt(len(args)), nil
	})
	require.NoError(t, err)
	require.NoError(t, rt.Global().Put(ctx, "probe", FromObject(fn)))

	b := NewCodeBuilder("main")
	base := b.Temps(4)
	b.Emit(OpGetGlobal, base, b.Name("probe"))
	b.Emit(OpLoadTrue, base+1)
	b.Emit(OpLoadInt, base+2, 1)
	b.Emit(OpLoadInt, base+3, 2)
	b.Emit(OpCall, base, base, 2)
	b.Emit(OpReturn, base)

	v := runCode(t, rt, b.Build())
	assert.Equal(t, int32(2), v.Int32())
	assert.Equal(t, True, gotThis)
	assert.Equal(t, 1, depth)
	assert.Equal(t, 0, ctx.NativeDepth())
}

func TestInterpreterCallNonFunction(t *testing.T) {
	rt := newTestRuntime(t)
	b := NewCodeBuilder("main")
	base := b.Temps(2)
	b.Emit(OpLoadInt, base, 3)
	b.Emit(OpCall, base, base, 0)
	b.Emit(OpReturn, base)

	_, err := rt.Execute(b.Build())
	var te *ThrowError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Error(), "TypeError")
}

func TestInterpreterArgumentsOpcode(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	b := NewCodeBuilder("count", "a")
	r := b.Temp()
	b.Emit(OpArguments, r)
	b.Emit(OpGetName, r, r, b.Name("length"))
	b.Emit(OpReturn, r)
	fn, err := ctx.NewFunction(b.Build())
	require.NoError(t, err)

	v, err := ctx.Call(FromObject(fn), Undefined, []Value{FromInt32(1), FromInt32(2), FromInt32(3)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), v.Int32())
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestInterpreterConstruct(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	b := NewCodeBuilder("Point", "x")
	b.Emit(OpPutName, 0, b.Name("x"), 1)
	fn, err := ctx.NewFunction(b.Build())
	require.NoError(t, err)

	v, err := ctx.Construct(FromObject(fn), []Value{FromInt32(4)})
	require.NoError(t, err)
	o := v.Object()
	x, _ := o.Get(ctx, "x")
	assert.Equal(t, int32(4), x.Int32())

	proto, _ := fn.Get(ctx, "prototype")
	assert.Same(t, proto.Object(), o.Prototype())
	ctor, _ := proto.Object().Get(ctx, "constructor")
	assert.Same(t, fn, ctor.Object())

	// The same construct opcode path from script.
	require.NoError(t, rt.Global().Put(ctx, "Point", FromObject(fn)))
	m := NewCodeBuilder("main")
	res := m.Temp()
	base := m.Temps(3)
	m.Emit(OpGetGlobal, base, m.Name("Point"))
	m.Emit(OpLoadInt, base+2, 9)
	m.Emit(OpConstruct, res, base, 1)
	m.Emit(OpGetName, res, res, m.Name("x"))
	m.Emit(OpReturn, res)
	assert.Equal(t, int32(9), runCode(t, rt, m.Build()).Int32())
}

func TestInterpreterConstructReturningObject(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	b := NewCodeBuilder("Factory")
	r := b.Temp()
	b.Emit(OpNewArray, r, r, 0)
	b.Emit(OpReturn, r)
	fn, _ := ctx.NewFunction(b.Build())

	v, err := ctx.Construct(FromObject(fn), nil)
	require.NoError(t, err)
	assert.Equal(t, KindArray, v.Object().Kind())
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func TestInterpreterTryCatch(t *testing.T) {
	rt := newTestRuntime(t)

	b := NewCodeBuilder("main").File("t.js").Line(2)
	exc, r := b.Temp(), b.Temp()
	start := b.Pos()
	b.Emit(OpGetGlobal, r, b.Name("nope"))
	end := b.Pos()
	b.Emit(OpReturn, r)
	h := b.NewLabel()
	b.Mark(h)
	b.Emit(OpReturn, exc)
	b.Try(start, end, h, exc)

	v := runCode(t, rt, b.Build())
	require.True(t, v.IsObject())
	assert.Equal(t, "ReferenceError: nope is not defined", describeThrown(v))
}

func TestInterpreterThrowAcrossCalls(t *testing.T) {
	rt := newTestRuntime(t)

	thrower := NewCodeBuilder("thrower").File("lib.js").Line(7)
	tr := thrower.Temp()
	thrower.Emit(OpLoadConst, tr, thrower.Const(str("boom")))
	thrower.Emit(OpThrow, tr)

	b := NewCodeBuilder("main").File("main.js").Line(1)
	exc := b.Temp()
	base := b.Temps(2)
	b.Emit(OpNewFunction, base, b.Function(thrower.Build()))
	start := b.Pos()
	b.Emit(OpCall, base, base, 0)
	end := b.Pos()
	b.Emit(OpReturn, base)
	h := b.NewLabel()
	b.Mark(h)
	b.Emit(OpReturn, exc)
	b.Try(start, end, h, exc)

	v := runCode(t, rt, b.Build())
	assert.Equal(t, "boom", v.String().Go())
	assert.Equal(t, 0, rt.Context().FrameDepth())
}

func TestInterpreterUncaughtThrow(t *testing.T) {
	rt := newTestRuntime(t)

	b := NewCodeBuilder("main").File("x.js").Line(12)
	r := b.Temp()
	b.Emit(OpLoadInt, r, 5)
	b.Emit(OpThrow, r)

	_, err := rt.Execute(b.Build())
	var te *ThrowError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, int32(5), te.Value.Int32())
	assert.Equal(t, "x.js", te.File)
	assert.Equal(t, 12, te.Line)
	assert.Contains(t, te.Stack, "at main (x.js:12)")
	assert.NoError(t, rt.Context().Err(), "script exceptions are not aborts")
}

func TestInterpreterNativeThrowCaught(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	fn, _ := ctx.NewNativeFunction("fail", 0, func(ctx *ExecutionContext, _ Value, _ []Value) (Value, error) {
		return Undefined, ctx.Throw(KindTypeError, "native failure")
	})
	rt.Global().Put(ctx, "fail", FromObject(fn))

	b := NewCodeBuilder("main")
	exc := b.Temp()
	base := b.Temps(2)
	b.Emit(OpGetGlobal, base, b.Name("fail"))
	start := b.Pos()
	b.Emit(OpCall, base, base, 0)
	end := b.Pos()
	b.Emit(OpReturn, base)
	h := b.NewLabel()
	b.Mark(h)
	b.Emit(OpReturn, exc)
	b.Try(start, end, h, exc)

	v := runCode(t, rt, b.Build())
	assert.Equal(t, "TypeError: native failure", describeThrown(v))
}

// ---------------------------------------------------------------------------
// Property access sites
// ---------------------------------------------------------------------------

func TestInterpreterPropertyCache(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	b := NewCodeBuilder("getX", "o")
	r := b.Temp()
	site := b.Emit(OpGetName, r, 1, b.Name("x"))
	b.Emit(OpReturn, r)
	code := b.Build()
	fn, err := ctx.NewFunction(code)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		o, _ := ctx.NewObject()
		o.Put(ctx, "x", FromInt(i))
		o.Put(ctx, "y", True)
		v, err := ctx.Call(FromObject(fn), Undefined, []Value{FromObject(o)})
		require.NoError(t, err)
		assert.Equal(t, int32(i), v.Int32())
	}
	pc := code.Cache(site)
	assert.Equal(t, CacheMonomorphic, pc.State)
	assert.Equal(t, uint64(9), pc.Hits)
	assert.Equal(t, uint64(1), pc.Misses)

	// A second shape makes the site polymorphic.
	other, _ := ctx.NewObject()
	other.Put(ctx, "y", False)
	other.Put(ctx, "x", str("second"))
	v, err := ctx.Call(FromObject(fn), Undefined, []Value{FromObject(other)})
	require.NoError(t, err)
	assert.Equal(t, "second", v.String().Go())
	assert.Equal(t, CachePolymorphic, pc.State)

	stats := code.CacheStats()
	assert.Equal(t, 1, stats.Sites)
	assert.Equal(t, 1, stats.Polymorphic)
}

func TestInterpreterPropertyCacheSkipsAccessorsAndPrototypes(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	b := NewCodeBuilder("getX", "o")
	r := b.Temp()
	site := b.Emit(OpGetName, r, 1, b.Name("x"))
	b.Emit(OpReturn, r)
	code := b.Build()
	fn, _ := ctx.NewFunction(code)

	proto, _ := ctx.NewObject()
	proto.Put(ctx, "x", FromInt32(1))
	o, _ := ctx.NewObjectWithPrototype(proto)
	for i := 0; i < 3; i++ {
		v, err := ctx.Call(FromObject(fn), Undefined, []Value{FromObject(o)})
		require.NoError(t, err)
		assert.Equal(t, int32(1), v.Int32())
	}
	// Inherited values are not cached; changing the prototype shows
	// through immediately.
	proto.Put(ctx, "x", FromInt32(2))
	v, _ := ctx.Call(FromObject(fn), Undefined, []Value{FromObject(o)})
	assert.Equal(t, int32(2), v.Int32())
	assert.Equal(t, CacheEmpty, code.Cache(site).State)
}

func TestInterpreterPutCache(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	b := NewCodeBuilder("setX", "o", "v")
	site := b.Emit(OpPutName, 1, b.Name("x"), 2)
	code := b.Build()
	fn, _ := ctx.NewFunction(code)

	o, _ := ctx.NewObject()
	o.Put(ctx, "x", FromInt32(0))
	for i := 1; i <= 4; i++ {
		_, err := ctx.Call(FromObject(fn), Undefined, []Value{FromObject(o), FromInt(i)})
		require.NoError(t, err)
	}
	x, _ := o.Get(ctx, "x")
	assert.Equal(t, int32(4), x.Int32())
	assert.Equal(t, uint64(3), code.Cache(site).Hits)

	// A value the slot's storage cannot hold goes through the slow path
	// and widens the class.
	_, err := ctx.Call(FromObject(fn), Undefined, []Value{FromObject(o), str("s")})
	require.NoError(t, err)
	x, _ = o.Get(ctx, "x")
	assert.Equal(t, "s", x.String().Go())

	// Read-only properties are never written through the cache.
	ro, _ := ctx.NewObject()
	ro.DefineOwnProperty(ctx, "x", FromInt32(1), ReadOnly)
	ctx.Call(FromObject(fn), Undefined, []Value{FromObject(ro), FromInt32(2)})
	x, _ = ro.Get(ctx, "x")
	assert.Equal(t, int32(1), x.Int32())
}

func TestInterpreterIndexAccess(t *testing.T) {
	rt := newTestRuntime(t)

	b := NewCodeBuilder("main")
	r := b.Temps(5)
	b.Emit(OpLoadInt, r+1, 10)
	b.Emit(OpLoadInt, r+2, 20)
	b.Emit(OpNewArray, r, r+1, 2)
	b.Emit(OpLoadInt, r+3, 5)
	b.Emit(OpLoadInt, r+4, 50)
	b.Emit(OpPutIndex, r, r+3, r+4)
	b.Emit(OpLoadConst, r+3, b.Const(str("1")))
	b.Emit(OpGetIndex, r+1, r, r+3)
	b.Emit(OpGetName, r+2, r, b.Name("length"))
	b.Emit(OpNewArray, r, r+1, 2)
	b.Emit(OpReturn, r)

	arr := runCode(t, rt, b.Build()).Object()
	assert.Equal(t, int32(20), arr.GetIndex(0).Int32())
	assert.Equal(t, int32(6), arr.GetIndex(1).Int32())
}

func TestInterpreterPrimitiveReceivers(t *testing.T) {
	rt := newTestRuntime(t)
	before := rt.Heap().Objects()

	b := NewCodeBuilder("main")
	r := b.Temps(3)
	b.Emit(OpLoadConst, r, b.Const(str("hello")))
	b.Emit(OpGetName, r+1, r, b.Name("length"))
	b.Emit(OpLoadInt, r+2, 1)
	b.Emit(OpGetIndex, r+2, r, r+2)
	b.Emit(OpPutName, r, b.Name("ignored"), r+1)
	b.Emit(OpNewArray, r, r+1, 2)
	b.Emit(OpReturn, r)

	arr := runCode(t, rt, b.Build()).Object()
	assert.Equal(t, int32(5), arr.GetIndex(0).Int32())
	assert.Equal(t, "e", arr.GetIndex(1).String().Go())
	// Only the result array and the one-character string were allocated.
	assert.LessOrEqual(t, rt.Heap().Objects()-before, 2)

	n := NewCodeBuilder("null")
	nr := n.Temps(2)
	n.Emit(OpLoadNull, nr)
	n.Emit(OpGetName, nr+1, nr, n.Name("x"))
	_, err := rt.Execute(n.Build())
	var te *ThrowError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Error(), "TypeError")
}

func TestInterpreterVariablesOpcode(t *testing.T) {
	rt := newTestRuntime(t)

	b := NewCodeBuilder("main")
	x := b.Var("x")
	r := b.Temp()
	b.Emit(OpLoadInt, x, 3)
	b.Emit(OpVariables, r)
	b.Emit(OpLoadInt, x, 4)
	b.Emit(OpGetName, r, r, b.Name("x"))
	b.Emit(OpReturn, r)

	assert.Equal(t, int32(4), runCode(t, rt, b.Build()).Int32())
}

func TestDisassemble(t *testing.T) {
	b := NewCodeBuilder("f", "a")
	r := b.Temp()
	b.Emit(OpLoadInt, r, 7)
	b.Emit(OpReturn, r)
	out := b.Build().Disassemble()
	assert.Contains(t, out, "LOAD_INT")
	assert.Contains(t, out, "RETURN")
	assert.Equal(t, "UNKNOWN_EE", Opcode(0xEE).String())
}

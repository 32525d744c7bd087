package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/esrt/heap"
)

func twoParamCode() *Code {
	b := NewCodeBuilder("f", "a", "b").File("f.js").Line(1)
	b.Var("v")
	b.Temp()
	return b.Build()
}

func TestPushPopFrameRestoresState(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()
	outer := twoParamCode()
	inner := NewCodeBuilder("g").Build()

	require.NoError(t, ctx.PushFrame(nil, outer, str("this"), []Value{FromInt32(1), FromInt32(2)}, 0))
	regs := ctx.Registers()
	assert.Equal(t, "this", regs[0].String().Go())
	assert.Equal(t, int32(1), regs[1].Int32())
	assert.Equal(t, int32(2), regs[2].Int32())
	assert.True(t, regs[3].IsUndefined(), "variables start undefined")
	ctx.Registers()[3] = FromInt32(99)

	require.NoError(t, ctx.PushFrame(nil, inner, Undefined, nil, InConstructor))
	assert.Equal(t, 2, ctx.FrameDepth())
	assert.Same(t, inner, ctx.CurrentCode())
	assert.True(t, ctx.Flags()&InConstructor != 0)

	ctx.PopFrame()
	assert.Same(t, outer, ctx.CurrentCode())
	assert.Equal(t, 2, ctx.Argc())
	assert.Equal(t, int32(99), ctx.Registers()[3].Int32())
	assert.False(t, ctx.Flags()&InConstructor != 0)

	ctx.PopFrame()
	assert.Equal(t, 0, ctx.FrameDepth())
	assert.Nil(t, ctx.CurrentCode())
}

func TestPushFrameExtraArguments(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()
	code := twoParamCode()

	args := []Value{FromInt32(1), FromInt32(2), FromInt32(3), FromInt32(4)}
	require.NoError(t, ctx.PushFrame(nil, code, Undefined, args, 0))
	defer ctx.PopFrame()

	regs := ctx.Registers()
	require.Len(t, regs, code.NumRegisters+2)
	assert.Equal(t, int32(3), regs[code.NumRegisters].Int32())
	assert.Equal(t, int32(4), regs[code.NumRegisters+1].Int32())
}

func TestPopFrameWithoutPush(t *testing.T) {
	rt := newTestRuntime(t)
	assert.Panics(t, func() { rt.Context().PopFrame() })
}

func TestMaxFrames(t *testing.T) {
	rt := newTestRuntime(t, WithStackOptions(StackOptions{MaxFrames: 3}))
	ctx := rt.Context()
	code := NewCodeBuilder("r").Build()

	for i := 0; i < 3; i++ {
		require.NoError(t, ctx.PushFrame(nil, code, Undefined, nil, 0))
	}
	err := ctx.PushFrame(nil, code, Undefined, nil, 0)
	var te *ThrowError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "RangeError: Maximum call stack size exceeded", te.Error())
	assert.Equal(t, 3, ctx.FrameDepth())

	ctx.unwindTo(0)
	assert.Equal(t, 0, ctx.FrameDepth())
}

// ---------------------------------------------------------------------------
// Arguments and variables objects
// ---------------------------------------------------------------------------

func TestArgumentsAliasRegisters(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()
	code := twoParamCode()

	require.NoError(t, ctx.PushFrame(nil, code, Undefined, []Value{FromInt32(1), FromInt32(2), FromInt32(3)}, 0))
	args, err := ctx.Arguments()
	require.NoError(t, err)
	again, _ := ctx.Arguments()
	assert.Same(t, args, again)

	assert.True(t, args.Attached())
	assert.Equal(t, 3, args.Length())
	assert.Equal(t, int32(3), args.GetIndex(2).Int32())

	// Writes go both ways while attached.
	require.NoError(t, args.Put(ctx, "0", FromInt32(10)))
	assert.Equal(t, int32(10), ctx.Registers()[1].Int32())
	ctx.Registers()[2] = FromInt32(20)
	v, _ := args.Get(ctx, "1")
	assert.Equal(t, int32(20), v.Int32())

	ctx.PopFrame()
	assert.False(t, args.Attached())
	assert.Equal(t, 3, args.Length())
	assert.Equal(t, int32(10), args.GetIndex(0).Int32())
	assert.Equal(t, int32(20), args.GetIndex(1).Int32())
	assert.Equal(t, int32(3), args.GetIndex(2).Int32())
}

func TestVariablesAliasRegisters(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()
	code := twoParamCode()

	require.NoError(t, ctx.PushFrame(nil, code, Undefined, []Value{FromInt32(1)}, 0))
	vars, err := ctx.Variables()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "v"}, vars.OwnKeys())

	require.NoError(t, vars.Put(ctx, "v", str("set")))
	assert.Equal(t, "set", ctx.Registers()[3].String().Go())
	v, _ := vars.Get(ctx, "b")
	assert.True(t, v.IsUndefined(), "missing parameter")

	require.NoError(t, ctx.PopFrame())
	assert.False(t, vars.Attached())
	v, _ = vars.Get(ctx, "v")
	assert.Equal(t, "set", v.String().Go())
	assert.False(t, vars.Delete("a"), "detached variables are not deletable")
}

func TestDetachNonExtensibleVariables(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	require.NoError(t, ctx.PushFrame(nil, twoParamCode(), Undefined, []Value{FromInt32(1)}, 0))
	vars, err := ctx.Variables()
	require.NoError(t, err)
	vars.PreventExtensions()

	err = ctx.PopFrame()
	assert.ErrorContains(t, err, "not extensible")
	assert.Equal(t, 0, ctx.FrameDepth(), "the frame is popped anyway")
	assert.False(t, vars.Attached())
}

func TestArgumentsOutsideFunction(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Context().Arguments()
	var te *ThrowError
	require.True(t, errors.As(err, &te))
}

func TestDetachedObjectsSurviveCollection(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	require.NoError(t, ctx.PushFrame(nil, twoParamCode(), Undefined, []Value{str("kept")}, 0))
	args, _ := ctx.Arguments()
	ctx.PopFrame()

	ctx.PushTemp(FromObject(args))
	defer ctx.PopTemp()
	rt.Heap().Collect(heap.ReasonExplicit)
	require.NoError(t, rt.Heap().Verify())
	assert.Equal(t, "kept", args.GetIndex(0).String().Go())
}

// ---------------------------------------------------------------------------
// Frame iteration
// ---------------------------------------------------------------------------

func TestFramesInterleavesNatives(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	outer := NewCodeBuilder("outer").File("a.js").Line(4)
	outer.Emit(OpNop)
	inner := NewCodeBuilder("inner").File("b.js").Line(9)
	inner.Emit(OpNop)

	require.NoError(t, ctx.PushFrame(nil, outer.Build(), Undefined, nil, 0))
	ctx.ip = 1
	ctx.EnterNative("forEach")
	require.NoError(t, ctx.PushFrame(nil, inner.Build(), Undefined, nil, 0))
	ctx.ip = 1
	ctx.EnterNative("host")

	var names []string
	it := ctx.Frames()
	for it.Next() {
		names = append(names, it.Name())
	}
	assert.Equal(t, []string{"host", "inner", "forEach", "outer"}, names)

	trace := ctx.StackTrace()
	assert.Equal(t, strings.Join([]string{
		"  at host (native)",
		"  at inner (b.js:9)",
		"  at forEach (native)",
		"  at outer (a.js:4)",
		"",
	}, "\n"), trace)

	ctx.LeaveNative()
	ctx.PopFrame()
	ctx.LeaveNative()
	ctx.PopFrame()
	assert.Equal(t, 0, ctx.NativeDepth())
	assert.Panics(t, ctx.LeaveNative)
}

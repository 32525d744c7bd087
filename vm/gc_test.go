package vm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/esrt/heap"
)

// allocLoopCode builds a function that fills an array with n objects whose
// "i" property holds their index.
func allocLoopCode(n int) *Code {
	b := NewCodeBuilder("fill")
	arr := b.Var("arr")
	i := b.Var("i")
	lim, one, c, o := b.Temp(), b.Temp(), b.Temp(), b.Temp()
	b.Emit(OpNewArray, arr, arr, 0)
	b.Emit(OpLoadInt, i, 0)
	b.Emit(OpLoadInt, lim, n)
	b.Emit(OpLoadInt, one, 1)
	top, end := b.NewLabel(), b.NewLabel()
	b.Mark(top)
	b.Emit(OpLt, c, i, lim)
	b.JumpIfFalse(c, end)
	b.Emit(OpNewObject, o)
	b.Emit(OpPutName, o, b.Name("i"), i)
	b.Emit(OpPutIndex, arr, i, o)
	b.Emit(OpAdd, i, i, one)
	b.Jump(top)
	b.Mark(end)
	b.Emit(OpReturn, arr)
	return b.Build()
}

func TestScriptObjectsSurviveCheckpointCollections(t *testing.T) {
	rt := newTestRuntime(t, WithHeapOptions(heap.Options{PageSize: 4096, MinCollectBytes: 4096}))
	ctx := rt.Context()
	before := rt.Heap().Collections()

	v, err := rt.Execute(allocLoopCode(2000))
	require.NoError(t, err)
	assert.Greater(t, rt.Heap().Collections(), before, "backward jumps should reach the collector")

	arr := v.Object()
	ctx.PushTemp(v)
	defer ctx.PopTemp()
	require.Equal(t, 2000, arr.Length())
	for k := 0; k < arr.Length(); k += 97 {
		got, err := arr.GetIndex(k).Object().Get(ctx, "i")
		require.NoError(t, err)
		assert.Equal(t, int32(k), got.Int32())
	}
	require.NoError(t, rt.Heap().Verify())
}

func TestUnreachableObjectsAreReclaimed(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()
	require.True(t, rt.Heap().Collect(heap.ReasonExplicit))
	baseline := rt.Heap().Objects()

	for i := 0; i < 100; i++ {
		_, err := ctx.NewObject()
		require.NoError(t, err)
	}
	kept, _ := ctx.NewObject()
	h := rt.Heap().NewHandle(kept)
	defer h.Release()

	require.True(t, rt.Heap().Collect(heap.ReasonExplicit))
	assert.Equal(t, baseline+1, rt.Heap().Objects())
	assert.GreaterOrEqual(t, rt.Heap().LastStats().Swept, 100)
}

func TestCollectionDeferredUnderLock(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	lock := ctx.Lock()
	assert.False(t, rt.Heap().Collect(heap.ReasonExplicit))
	assert.Equal(t, 1, ctx.HeldLocks())
	lock.Release()
	assert.Equal(t, 0, ctx.HeldLocks())
	assert.True(t, rt.Heap().Collect(heap.ReasonExplicit))
}

// ---------------------------------------------------------------------------
// Out of memory
// ---------------------------------------------------------------------------

func TestOutOfMemoryAbortsTurn(t *testing.T) {
	rt := newTestRuntime(t, WithHeapOptions(heap.Options{MaxChunks: 1}))
	ctx := rt.Context()

	hog, err := ctx.NewNativeFunction("hog", 0, func(ctx *ExecutionContext, _ Value, _ []Value) (Value, error) {
		ctx.Lock()
		o, err := ctx.NewByteArray(make([]byte, 4<<20))
		if err != nil {
			return Undefined, err
		}
		return FromObject(o), nil
	})
	require.NoError(t, err)
	require.NoError(t, rt.Global().Put(ctx, "hog", FromObject(hog)))

	b := NewCodeBuilder("main")
	exc := b.Temp()
	base := b.Temps(2)
	b.Emit(OpGetGlobal, base, b.Name("hog"))
	start := b.Pos()
	b.Emit(OpCall, base, base, 0)
	end := b.Pos()
	b.Emit(OpReturn, base)
	h := b.NewLabel()
	b.Mark(h)
	b.Emit(OpReturn, exc)
	b.Try(start, end, h, exc)

	_, err = rt.Execute(b.Build())
	require.Error(t, err)
	assert.True(t, errors.Is(err, heap.ErrOutOfMemory), "script handlers must not catch aborts: %v", err)
	assert.True(t, ctx.OutOfMemory())
	assert.ErrorIs(t, ctx.Err(), heap.ErrOutOfMemory)
	assert.Equal(t, 0, ctx.HeldLocks())
	assert.False(t, rt.Heap().Locked())
	assert.Equal(t, 0, ctx.FrameDepth())
	assert.Equal(t, 0, ctx.NativeDepth())

	ctx.ClearError()
	assert.False(t, ctx.OutOfMemory())
	assert.NoError(t, ctx.Err())

	// The context stays usable.
	v, err := rt.Execute(allocLoopCode(3))
	require.NoError(t, err)
	assert.Equal(t, 3, v.Object().Length())
}

func TestClosedContextRefusesEntry(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.NewContext()
	ctx.Close()

	_, err := ctx.Execute(allocLoopCode(1), Undefined, nil)
	a, ok := heap.IsAbort(err)
	require.True(t, ok)
	assert.Equal(t, heap.AbortFatal, a.Kind)
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

func TestMaintenanceCollectsAtCheckpoint(t *testing.T) {
	rt := newTestRuntime(t,
		WithHeapOptions(heap.Options{MaintenanceInterval: 5 * time.Millisecond}),
		WithMaintenance())

	require.Eventually(t, rt.Heap().MaintenancePending, time.Second, time.Millisecond)
	before := rt.Heap().Collections()

	_, err := rt.Execute(allocLoopCode(1))
	require.NoError(t, err)
	assert.Greater(t, rt.Heap().Collections(), before)
	assert.Equal(t, heap.ReasonMaintenance, rt.Heap().LastStats().Reason)
}

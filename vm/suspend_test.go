package vm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/esrt/heap"
)

func TestSuspendedCallRunsDirectlyOutsidePseudoThread(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	ran := false
	ctx.SuspendedCall(SuspendFunc(func(*ExecutionContext) { ran = true }))
	assert.True(t, ran)
	assert.Equal(t, 0, ctx.Suspensions())
	assert.False(t, ctx.InPseudoThread())
}

func TestPseudoThreadServicesSuspendedCalls(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()
	p := NewPseudoThread()

	var order []string
	err := p.Run(ctx, func(ctx *ExecutionContext) error {
		assert.True(t, ctx.InPseudoThread())
		for i := 0; i < 4; i++ {
			ctx.SuspendedCall(SuspendFunc(func(*ExecutionContext) { order = append(order, "call") }))
		}
		order = append(order, "done")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ctx.InPseudoThread())
	assert.Equal(t, []string{"call", "call", "call", "call", "done"}, order)
	assert.Equal(t, uint64(4), p.Suspensions())
	assert.Equal(t, 4, ctx.Suspensions())
}

func TestPseudoThreadReturnsBodyError(t *testing.T) {
	rt := newTestRuntime(t)
	boom := errors.New("boom")
	err := NewPseudoThread().Run(rt.Context(), func(*ExecutionContext) error { return boom })
	assert.Same(t, boom, err)
}

func TestPseudoThreadRefusesNesting(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	var inner error
	err := NewPseudoThread().Run(ctx, func(ctx *ExecutionContext) error {
		inner = NewPseudoThread().Run(ctx, func(*ExecutionContext) error { return nil })
		return nil
	})
	require.NoError(t, err)
	require.Error(t, inner)
	assert.Contains(t, inner.Error(), "already runs in a pseudo-thread")
}

func TestPseudoThreadPanics(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := rt.Context()

	assert.PanicsWithValue(t, "in body", func() {
		NewPseudoThread().Run(ctx, func(*ExecutionContext) error { panic("in body") })
	})
	assert.False(t, ctx.InPseudoThread())

	// A panic in a suspended call surfaces in the body, then on the caller.
	assert.PanicsWithValue(t, "in call", func() {
		NewPseudoThread().Run(ctx, func(ctx *ExecutionContext) error {
			ctx.SuspendedCall(SuspendFunc(func(*ExecutionContext) { panic("in call") }))
			return nil
		})
	})
}

func TestChunkCreationSuspendsPseudoThread(t *testing.T) {
	rt := newTestRuntime(t, WithHeapOptions(heap.Options{PageSize: 4096, PagesPerChunk: 2}))
	ctx := rt.Context()
	p := NewPseudoThread()
	chunks := rt.Heap().Allocator().Chunks()

	var n int
	err := p.Run(ctx, func(ctx *ExecutionContext) error {
		v, err := ctx.Execute(allocLoopCode(500), Undefined, nil)
		if err == nil {
			n = v.Object().Length()
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 500, n)
	assert.Greater(t, rt.Heap().Allocator().Chunks(), chunks)
	assert.Greater(t, p.Suspensions(), uint64(0))
	assert.Equal(t, int(p.Suspensions()), ctx.Suspensions())
}

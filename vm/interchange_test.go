package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/esrt/heap"
)

func TestExportPrimitives(t *testing.T) {
	rt := newTestRuntime(t)

	assert.Equal(t, HostValue{Type: TypeUndefined}, rt.Export(Undefined))
	assert.Equal(t, HostValue{Type: TypeNull}, rt.Export(Null))
	assert.Equal(t, HostValue{Type: TypeBoolean, Bool: true}, rt.Export(True))
	assert.Equal(t, HostValue{Type: TypeDouble, Number: 7}, rt.Export(FromInt32(7)))
	assert.Equal(t, HostValue{Type: TypeDouble, Number: 2.5}, rt.Export(FromFloat64(2.5)))
	assert.Equal(t, HostValue{Type: TypeString, String: "hi"}, rt.Export(str("hi")))
}

func TestImportPrimitives(t *testing.T) {
	src := newTestRuntime(t)
	dst := newTestRuntime(t)

	for _, v := range []Value{Undefined, Null, False, FromInt32(3), FromFloat64(0.5), str("copied")} {
		got, err := dst.Import(src.Export(v))
		require.NoError(t, err)
		assert.True(t, SameValue(v, got), "%v", v)
	}
	assert.False(t, dst.Heap().SharesAllocator(src.Heap()), "primitives never merge heaps")

	got, err := dst.Import(HostValue{Type: TypeObject})
	require.NoError(t, err)
	assert.True(t, got.IsNull())

	_, err = dst.Import(HostValue{Type: TypeBoxed})
	assert.Error(t, err)
}

func TestImportObjectMergesHeaps(t *testing.T) {
	a := newTestRuntime(t)
	b := newTestRuntime(t)
	ctxA, ctxB := a.Context(), b.Context()

	o, err := ctxA.NewObject()
	require.NoError(t, err)
	require.NoError(t, o.Put(ctxA, "x", FromInt32(42)))
	hA := a.Heap().NewHandle(o)
	defer hA.Release()

	v, err := b.Import(a.Export(FromObject(o)))
	require.NoError(t, err)
	assert.Same(t, o, v.Object())
	assert.True(t, a.Heap().SharesAllocator(b.Heap()))
	assert.Equal(t, 2, a.Heap().Allocator().Heaps())
	require.NoError(t, b.Global().Put(ctxB, "shared", v))

	// Importing again is a no-op merge.
	_, err = b.Import(a.Export(FromObject(o)))
	require.NoError(t, err)

	// A collection from either side traces both graphs.
	require.True(t, b.Heap().Collect(heap.ReasonExplicit))
	require.NoError(t, a.Heap().Verify())
	require.NoError(t, b.Heap().Verify())
	got, err := o.Get(ctxA, "x")
	require.NoError(t, err)
	assert.Equal(t, int32(42), got.Int32())

	// Once a is closed, b's global still keeps the object alive.
	hA.Release()
	a.Close()
	require.True(t, b.Heap().Collect(heap.ReasonExplicit))
	require.NoError(t, b.Heap().Verify())
	shared, err := b.Global().Get(ctxB, "shared")
	require.NoError(t, err)
	got, err = shared.Object().Get(ctxB, "x")
	require.NoError(t, err)
	assert.Equal(t, int32(42), got.Int32())
}

func TestImportWithoutRuntimeMergesOwningHeap(t *testing.T) {
	a := newTestRuntime(t)
	b := newTestRuntime(t)

	o, err := a.Context().NewObject()
	require.NoError(t, err)
	h := a.Heap().NewHandle(o)
	defer h.Release()

	hv := a.Export(FromObject(o))
	hv.Runtime = nil
	v, err := b.Import(hv)
	require.NoError(t, err)
	assert.Same(t, o, v.Object())
	assert.True(t, b.Heap().SharesAllocator(a.Heap()), "ownership comes from the object's page")

	_, err = b.Import(HostValue{Type: TypeObject, Object: &Object{kind: KindPlain}})
	assert.ErrorContains(t, err, "not allocated")
}

func TestImportFromClosedRuntime(t *testing.T) {
	a := newTestRuntime(t)
	b := newTestRuntime(t)

	o, err := a.Context().NewObject()
	require.NoError(t, err)
	hv := a.Export(FromObject(o))
	a.Close()

	_, err = b.Import(hv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed runtime")
	assert.False(t, b.Heap().SharesAllocator(a.Heap()))
}

func TestImportRefusesMismatchedGeometry(t *testing.T) {
	a := newTestRuntime(t, WithHeapOptions(heap.Options{PageSize: 4096}))
	b := newTestRuntime(t)

	o, err := a.Context().NewObject()
	require.NoError(t, err)
	h := a.Heap().NewHandle(o)
	defer h.Release()

	_, err = b.Import(a.Export(FromObject(o)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page geometry")
}

func TestRuntimesSharingHeap(t *testing.T) {
	h := heap.New(heap.Options{})
	a := newTestRuntime(t, WithHeap(h))
	b := newTestRuntime(t, WithHeap(h))

	o, err := a.Context().NewObject()
	require.NoError(t, err)
	require.NoError(t, a.Global().Put(a.Context(), "o", FromObject(o)))

	v, err := b.Import(a.Export(FromObject(o)))
	require.NoError(t, err)
	assert.Same(t, o, v.Object())
	assert.Equal(t, 1, h.Allocator().Heaps())

	require.True(t, h.Collect(heap.ReasonExplicit))
	require.NoError(t, h.Verify())
}

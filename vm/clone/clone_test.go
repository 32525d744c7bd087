package clone

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/esrt/vm"
)

func newRuntime(t *testing.T) *vm.Runtime {
	t.Helper()
	rt, err := vm.NewRuntime()
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func str(s string) vm.Value { return vm.FromString(vm.NewString(s)) }

func roundTrip(t *testing.T, ctx *vm.ExecutionContext, v vm.Value) vm.Value {
	t.Helper()
	data, err := Marshal(ctx, v)
	require.NoError(t, err)
	got, err := Unmarshal(ctx, data)
	require.NoError(t, err)
	return got
}

func get(t *testing.T, ctx *vm.ExecutionContext, o *vm.Object, name string) vm.Value {
	t.Helper()
	v, err := o.Get(ctx, name)
	require.NoError(t, err)
	return v
}

func TestPrimitives(t *testing.T) {
	rt := newRuntime(t)
	ctx := rt.Context()

	tests := []struct {
		name string
		in   vm.Value
	}{
		{"undefined", vm.Undefined},
		{"null", vm.Null},
		{"true", vm.True},
		{"false", vm.False},
		{"int", vm.FromInt32(-7)},
		{"double", vm.FromFloat64(2.5)},
		{"negative zero", vm.FromFloat64(math.Copysign(0, -1))},
		{"NaN", vm.FromFloat64(math.NaN())},
		{"infinity", vm.FromFloat64(math.Inf(1))},
		{"empty string", str("")},
		{"string", str("héllo wörld")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, ctx, tt.in)
			assert.True(t, vm.SameValue(tt.in, got), "got %v", got)
		})
	}
}

func TestObjectGraph(t *testing.T) {
	rt := newRuntime(t)
	ctx := rt.Context()

	shared, err := ctx.NewObject()
	require.NoError(t, err)
	require.NoError(t, shared.Put(ctx, "c", vm.True))

	list, err := ctx.NewArray([]vm.Value{vm.FromInt32(1), vm.FromObject(shared), vm.FromObject(shared)})
	require.NoError(t, err)
	require.NoError(t, list.Put(ctx, "tag", str("named")))

	root, err := ctx.NewObject()
	require.NoError(t, err)
	require.NoError(t, root.Put(ctx, "a", vm.FromInt32(1)))
	require.NoError(t, root.Put(ctx, "b", str("x")))
	require.NoError(t, root.Put(ctx, "list", vm.FromObject(list)))
	require.NoError(t, root.Put(ctx, "self", vm.FromObject(root)))
	_, err = root.DefineOwnProperty(ctx, "hidden", vm.True, vm.AttrHidden)
	require.NoError(t, err)

	got := roundTrip(t, ctx, vm.FromObject(root)).Object()
	require.NotNil(t, got)
	assert.NotSame(t, root, got)
	assert.Same(t, rt.ObjectPrototype(), got.Prototype())
	assert.Equal(t, []string{"a", "b", "list", "self"}, got.OwnKeys())

	assert.Equal(t, int32(1), get(t, ctx, got, "a").Int32())
	assert.Equal(t, "x", get(t, ctx, got, "b").String().Go())
	assert.Same(t, got, get(t, ctx, got, "self").Object(), "cycles are preserved")
	assert.False(t, got.HasOwnProperty("hidden"))

	gl := get(t, ctx, got, "list").Object()
	require.Equal(t, vm.KindArray, gl.Kind())
	require.Equal(t, 3, gl.Length())
	assert.Equal(t, int32(1), gl.GetIndex(0).Int32())
	assert.Same(t, gl.GetIndex(1).Object(), gl.GetIndex(2).Object(), "shared references are preserved")
	assert.Equal(t, vm.True, get(t, ctx, gl.GetIndex(1).Object(), "c"))
	assert.Equal(t, "named", get(t, ctx, gl, "tag").String().Go())

	require.NoError(t, rt.Heap().Verify())
}

func TestByteArray(t *testing.T) {
	rt := newRuntime(t)
	ctx := rt.Context()

	b, err := ctx.NewByteArray([]byte{0, 1, 254, 255})
	require.NoError(t, err)
	got := roundTrip(t, ctx, vm.FromObject(b)).Object()
	assert.Equal(t, vm.KindByteArray, got.Kind())
	assert.Equal(t, []byte{0, 1, 254, 255}, got.Bytes())
}

func TestArrayHoles(t *testing.T) {
	rt := newRuntime(t)
	ctx := rt.Context()

	a, err := ctx.NewArray(nil)
	require.NoError(t, err)
	a.PutIndex(3, str("last"))
	got := roundTrip(t, ctx, vm.FromObject(a)).Object()
	require.Equal(t, 4, got.Length())
	assert.True(t, got.GetIndex(0).IsUndefined())
	assert.Equal(t, "last", got.GetIndex(3).String().Go())
}

func TestFrozenArray(t *testing.T) {
	rt := newRuntime(t)
	ctx := rt.Context()

	a, err := ctx.NewArray([]vm.Value{vm.FromInt32(1), str("two")})
	require.NoError(t, err)
	a.PreventExtensions()
	a.Freeze()

	got := roundTrip(t, ctx, vm.FromObject(a)).Object()
	require.Equal(t, vm.KindArray, got.Kind())
	require.Equal(t, 2, got.Length())
	assert.Equal(t, "two", got.GetIndex(1).String().Go())
	assert.False(t, got.IsFrozen(), "clones drop integrity levels")
}

type nopShadow struct{}

func (nopShadow) GetName(*vm.ExecutionContext, string) (vm.GetResult, vm.Value) {
	return vm.GetNotFound, vm.Undefined
}
func (nopShadow) PutName(*vm.ExecutionContext, string, vm.Value) vm.PutResult { return vm.PutNotFound }
func (nopShadow) ObjectDestroyed()                                            {}

func TestNotCloneable(t *testing.T) {
	rt := newRuntime(t)
	ctx := rt.Context()

	fn, err := ctx.NewNativeFunction("f", 0, func(*vm.ExecutionContext, vm.Value, []vm.Value) (vm.Value, error) {
		return vm.Undefined, nil
	})
	require.NoError(t, err)
	host, _, err := rt.MakeHostObject(nil, nopShadow{}, "Host")
	require.NoError(t, err)
	errObj, err := rt.NewError(vm.KindTypeError, "nope")
	require.NoError(t, err)
	withAccessor, _ := ctx.NewObject()
	_, err = withAccessor.DefineAccessor(ctx, "x", fn, nil, vm.AttrNone)
	require.NoError(t, err)
	proto, _ := ctx.NewObject()
	derived, err := ctx.NewObjectWithPrototype(proto)
	require.NoError(t, err)
	nested, _ := ctx.NewObject()
	require.NoError(t, nested.Put(ctx, "deep", vm.FromObject(fn)))

	tests := []struct {
		name string
		in   *vm.Object
	}{
		{"function", fn},
		{"host object", host},
		{"error", errObj},
		{"accessor", withAccessor},
		{"foreign prototype", derived},
		{"nested function", nested},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(ctx, vm.FromObject(tt.in))
			assert.True(t, errors.Is(err, ErrNotCloneable), "got %v", err)
		})
	}
}

func TestCanonicalEncoding(t *testing.T) {
	rt := newRuntime(t)
	ctx := rt.Context()

	o, _ := ctx.NewObject()
	require.NoError(t, o.Put(ctx, "z", vm.FromInt32(1)))
	require.NoError(t, o.Put(ctx, "a", str("two")))

	first, err := Marshal(ctx, vm.FromObject(o))
	require.NoError(t, err)
	second, err := Marshal(ctx, vm.FromObject(o))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestUnmarshalIntoAnotherRuntime(t *testing.T) {
	src := newRuntime(t)
	dst := newRuntime(t)

	o, _ := src.Context().NewObject()
	require.NoError(t, o.Put(src.Context(), "k", str("v")))
	data, err := Marshal(src.Context(), vm.FromObject(o))
	require.NoError(t, err)

	got, err := Unmarshal(dst.Context(), data)
	require.NoError(t, err)
	assert.Same(t, dst.ObjectPrototype(), got.Object().Prototype())
	assert.Equal(t, "v", get(t, dst.Context(), got.Object(), "k").String().Go())
	assert.False(t, dst.Heap().SharesAllocator(src.Heap()), "clones never merge heaps")
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	rt := newRuntime(t)
	ctx := rt.Context()

	_, err := Unmarshal(ctx, []byte{0xff, 0x00})
	assert.Error(t, err)

	data, err := cborEncMode.Marshal(&document{Version: formatVersion + 1})
	require.NoError(t, err)
	_, err = Unmarshal(ctx, data)
	assert.ErrorContains(t, err, "unsupported format version")

	data, err = cborEncMode.Marshal(&document{Version: formatVersion, Root: node{Kind: nodeRef, Ref: 3}})
	require.NoError(t, err)
	_, err = Unmarshal(ctx, data)
	assert.ErrorContains(t, err, "out of range")

	data, err = cborEncMode.Marshal(&document{
		Version: formatVersion,
		Objects: []object{{Kind: objectPlain, Keys: []string{"a", "b"}, Values: []node{{Kind: nodeNull}}}},
	})
	require.NoError(t, err)
	_, err = Unmarshal(ctx, data)
	assert.ErrorContains(t, err, "keys but")

	assert.Equal(t, 0, ctx.HeldLocks(), "failed decodes release the collector lock")
}

package main

import (
	"fmt"

	"github.com/chazu/esrt/vm"
)

// Workload describes the synthetic program run by the CLI.
type Workload struct {
	Objects int // loop iterations; each creates one object per shape
	Shapes  int // distinct property orders, one hidden class chain each
	Ring    int // live window: objects older than Ring*Shapes become garbage
	Depth   int // recursion depth of the stack exercise
}

// shapeName is the global holding shape constructor k.
func shapeName(k int) string { return fmt.Sprintf("shape%d", k) }

// shapeCode builds shape k(i): an object whose properties p0..pN-1, all set
// to i, are added in an order rotated by k, so every shape ends in a
// different class. The object's sum property is p0 + 1.
func shapeCode(k, shapes int) *vm.Code {
	b := vm.NewCodeBuilder(shapeName(k), "i").File("workload").Line(1)
	o := b.Var("o")
	t, one := b.Temp(), b.Temp()
	b.Emit(vm.OpNewObject, o)
	for m := 0; m < shapes; m++ {
		b.Emit(vm.OpPutName, o, b.Name(fmt.Sprintf("p%d", (m+k)%shapes)), 1)
	}
	b.Line(2)
	b.Emit(vm.OpGetName, t, o, b.Name("p0"))
	b.Emit(vm.OpLoadInt, one, 1)
	b.Emit(vm.OpAdd, t, t, one)
	b.Emit(vm.OpPutName, o, b.Name("sum"), t)
	b.Emit(vm.OpReturn, o)
	return b.Build()
}

// mainCode builds the driver loop. It calls every shape constructor per
// iteration, keeps results in a ring array and returns the ring.
func mainCode(w Workload) *vm.Code {
	b := vm.NewCodeBuilder("main").File("workload").Line(10)
	ring := b.Var("ring")
	i := b.Var("i")
	s := b.Var("slot")
	n, size, one, c := b.Temp(), b.Temp(), b.Temp(), b.Temp()
	call := b.Temps(3)

	b.Emit(vm.OpNewArray, ring, ring, 0)
	b.Emit(vm.OpLoadInt, i, 0)
	b.Emit(vm.OpLoadInt, s, 0)
	b.Emit(vm.OpLoadInt, n, w.Objects)
	b.Emit(vm.OpLoadInt, size, max(w.Ring*w.Shapes, 1))
	b.Emit(vm.OpLoadInt, one, 1)

	top, end := b.NewLabel(), b.NewLabel()
	b.Mark(top)
	b.Line(11)
	b.Emit(vm.OpLt, c, i, n)
	b.JumpIfFalse(c, end)
	for k := 0; k < w.Shapes; k++ {
		b.Line(12 + k)
		b.Emit(vm.OpGetGlobal, call, b.Name(shapeName(k)))
		b.Emit(vm.OpLoadUndefined, call+1)
		b.Emit(vm.OpMove, call+2, i)
		b.Emit(vm.OpCall, call, call, 1)
		b.Emit(vm.OpPutIndex, ring, s, call)
		b.Emit(vm.OpAdd, s, s, one)
		b.Emit(vm.OpLt, c, s, size)
		wrap := b.NewLabel()
		b.JumpIfTrue(c, wrap)
		b.Emit(vm.OpLoadInt, s, 0)
		b.Mark(wrap)
	}
	b.Emit(vm.OpAdd, i, i, one)
	b.Jump(top)
	b.Mark(end)
	b.Emit(vm.OpReturn, ring)
	return b.Build()
}

// depthCode builds depth(n): returns n after recursing n frames deep.
func depthCode() *vm.Code {
	b := vm.NewCodeBuilder("depth", "n").File("workload").Line(30)
	one, c := b.Temp(), b.Temp()
	call := b.Temps(3)
	b.Emit(vm.OpLoadInt, one, 1)
	b.Emit(vm.OpLt, c, 1, one)
	rec := b.NewLabel()
	b.JumpIfFalse(c, rec)
	b.Emit(vm.OpLoadInt, c, 0)
	b.Emit(vm.OpReturn, c)
	b.Mark(rec)
	b.Line(31)
	b.Emit(vm.OpGetGlobal, call, b.Name("depth"))
	b.Emit(vm.OpLoadUndefined, call+1)
	b.Emit(vm.OpSub, call+2, 1, one)
	b.Emit(vm.OpCall, call, call, 1)
	b.Emit(vm.OpAdd, c, call, one)
	b.Emit(vm.OpReturn, c)
	return b.Build()
}

// Program holds the compiled workload and its installed functions.
type Program struct {
	Main   *vm.Code
	Depth  *vm.Code
	Shapes []*vm.Code
}

// Install compiles w and binds its functions as globals of rt.
func Install(rt *vm.Runtime, w Workload) (*Program, error) {
	ctx := rt.Context()
	p := &Program{Main: mainCode(w), Depth: depthCode()}
	bind := func(name string, code *vm.Code) error {
		fn, err := ctx.NewFunction(code)
		if err != nil {
			return err
		}
		return rt.Global().Put(ctx, name, vm.FromObject(fn))
	}
	for k := 0; k < w.Shapes; k++ {
		code := shapeCode(k, w.Shapes)
		if err := bind(shapeName(k), code); err != nil {
			return nil, fmt.Errorf("installing %s: %w", shapeName(k), err)
		}
		p.Shapes = append(p.Shapes, code)
	}
	if err := bind("depth", p.Depth); err != nil {
		return nil, fmt.Errorf("installing depth: %w", err)
	}
	return p, nil
}

// Run executes the allocation loop and then the recursion, returning the
// ring of surviving objects.
func (p *Program) Run(ctx *vm.ExecutionContext, depth int) (vm.Value, error) {
	ring, err := ctx.Execute(p.Main, vm.Undefined, nil)
	if err != nil {
		return vm.Undefined, err
	}
	if depth > 0 {
		ctx.PushTemp(ring)
		defer ctx.PopTemp()
		fn, err := ctx.Runtime().Global().Get(ctx, "depth")
		if err != nil {
			return vm.Undefined, err
		}
		got, err := ctx.Call(fn, vm.Undefined, []vm.Value{vm.FromInt(depth)})
		if err != nil {
			return vm.Undefined, err
		}
		if got.Number() != float64(depth) {
			return vm.Undefined, fmt.Errorf("depth(%d) returned %v", depth, got.Number())
		}
	}
	return ring, nil
}

// CacheStats sums the property cache statistics of every workload function.
func (p *Program) CacheStats() vm.CacheStats {
	total := p.Main.CacheStats()
	for _, c := range append([]*vm.Code{p.Depth}, p.Shapes...) {
		s := c.CacheStats()
		total.Sites += s.Sites
		total.Monomorphic += s.Monomorphic
		total.Polymorphic += s.Polymorphic
		total.Megamorphic += s.Megamorphic
		total.Empty += s.Empty
		total.Hits += s.Hits
		total.Misses += s.Misses
	}
	return total
}

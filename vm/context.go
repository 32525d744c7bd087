package vm

import (
	"fmt"

	"github.com/chazu/esrt/heap"
)

// ExecutionContext is one thread of script execution within a Runtime. It
// owns the register and frame stacks and is a heap root set. A context is
// used from one goroutine at a time.
type ExecutionContext struct {
	rt   *Runtime
	heap *heap.Heap
	opts StackOptions

	registers *BlockStack[Value]
	frames    *BlockStack[Frame]
	frame     Window[Frame]
	natives   []nativeFrame

	// Running activation.
	ip        int
	code      *Code
	fn        *Object
	regs      Window[Value]
	variables *Object
	arguments *Object
	argc      int
	flags     FrameFlags

	temps   []Value
	locks   []*heap.CollectorLock
	entries int

	thread        *PseudoThread
	suspensions   int
	restartState  any
	hostException Value

	outOfMemory bool
	lastError   error
	closed      bool
}

func newExecutionContext(rt *Runtime) *ExecutionContext {
	opts := rt.stackOpts
	ctx := &ExecutionContext{
		rt:        rt,
		heap:      rt.heap,
		opts:      opts,
		registers: NewBlockStack[Value](opts.InitialBlock, opts.GrowRatio),
		frames:    NewBlockStack[Frame](opts.InitialBlock/8+1, opts.GrowRatio),
	}
	rt.heap.AddRoots(ctx)
	return ctx
}

// Runtime returns the owning runtime.
func (ctx *ExecutionContext) Runtime() *Runtime { return ctx.rt }

// Heap returns the heap the context allocates from.
func (ctx *ExecutionContext) Heap() *heap.Heap { return ctx.heap }

// Close detaches the context from the heap's root sets.
func (ctx *ExecutionContext) Close() {
	if ctx.closed {
		return
	}
	ctx.closed = true
	ctx.releaseLocks()
	ctx.heap.RemoveRoots(ctx)
}

// TraceRoots marks everything the context keeps alive: live registers,
// saved frames, the running activation and temporaries.
func (ctx *ExecutionContext) TraceRoots(t *heap.Tracer) {
	ctx.registers.Each(func(v *Value) { v.trace(t) })
	ctx.frames.Each(func(f *Frame) {
		markObject(t, f.fn)
		markObject(t, f.variables)
		markObject(t, f.arguments)
	})
	markObject(t, ctx.fn)
	markObject(t, ctx.variables)
	markObject(t, ctx.arguments)
	for _, v := range ctx.temps {
		v.trace(t)
	}
	ctx.hostException.trace(t)
}

func markObject(t *heap.Tracer, o *Object) {
	if o != nil {
		t.Mark(o)
	}
}

// alloc places a vm entity on the heap, routing chunk creation through the
// context's suspension path.
func (ctx *ExecutionContext) alloc(obj heap.Boxed, tag heap.GCTag, payload int) error {
	if err := ctx.heap.Allocate(ctx, obj, tag, payload); err != nil {
		return fmt.Errorf("allocating %s: %w", tag, err)
	}
	return nil
}

// checkpoint is the routine collection point of the interpreter.
func (ctx *ExecutionContext) checkpoint() {
	ctx.heap.MaybeCollect()
}

// ---------------------------------------------------------------------------
// Temporary roots and collector locks
// ---------------------------------------------------------------------------

// PushTemp keeps v alive until the matching PopTemp.
func (ctx *ExecutionContext) PushTemp(v Value) {
	ctx.temps = append(ctx.temps, v)
}

// PopTemp drops the most recent temporary root.
func (ctx *ExecutionContext) PopTemp() {
	ctx.temps[len(ctx.temps)-1] = Undefined
	ctx.temps = ctx.temps[:len(ctx.temps)-1]
}

// Lock acquires a collector lock on the context's heap. Locks still held
// when an entry point unwinds are released there.
func (ctx *ExecutionContext) Lock() *heap.CollectorLock {
	if len(ctx.locks) >= 16 {
		ctx.pruneLocks()
	}
	l := ctx.heap.Lock()
	ctx.locks = append(ctx.locks, l)
	return l
}

// HeldLocks returns the number of locks taken through the context that are
// still held.
func (ctx *ExecutionContext) HeldLocks() int {
	n := 0
	for _, l := range ctx.locks {
		if l.Held() {
			n++
		}
	}
	return n
}

func (ctx *ExecutionContext) releaseLocks() {
	for _, l := range ctx.locks {
		l.Release()
	}
	ctx.locks = ctx.locks[:0]
}

// pruneLocks forgets released locks so the list does not grow across
// entries.
func (ctx *ExecutionContext) pruneLocks() {
	kept := ctx.locks[:0]
	for _, l := range ctx.locks {
		if l.Held() {
			kept = append(kept, l)
		}
	}
	ctx.locks = kept
}

// ---------------------------------------------------------------------------
// Entry points and abort state
// ---------------------------------------------------------------------------

// enter runs body as an outermost entry from Go. Aborts, returned or
// panicked, unwind every frame pushed since entry, record the context's
// error state and release the collector locks it holds.
func (ctx *ExecutionContext) enter(body func() (Value, error)) (result Value, err error) {
	if ctx.closed {
		return Undefined, heap.NewFatal("execution context is closed", nil)
	}
	depth := ctx.frames.Depth()
	natives := len(ctx.natives)
	temps := len(ctx.temps)
	ctx.entries++
	defer func() {
		ctx.entries--
		if r := recover(); r != nil {
			a, ok := r.(*heap.Abort)
			if !ok {
				panic(r)
			}
			result, err = Undefined, a
		}
		if err != nil && isAbort(err) {
			ctx.unwindTo(depth)
			ctx.natives = ctx.natives[:natives]
			clear(ctx.temps[temps:])
			ctx.temps = ctx.temps[:temps]
			a, _ := heap.IsAbort(err)
			if a.Kind == heap.AbortOutOfMemory {
				ctx.SetOutOfMemory()
			} else {
				ctx.SetError(err)
			}
		}
		ctx.pruneLocks()
	}()
	return body()
}

// SetOutOfMemory records that the current turn was aborted by allocation
// failure and releases every collector lock the context holds.
func (ctx *ExecutionContext) SetOutOfMemory() {
	ctx.outOfMemory = true
	ctx.lastError = heap.ErrOutOfMemory
	ctx.releaseLocks()
	log.Errorf("execution aborted: out of memory")
}

// SetError records a fatal error for the current turn and releases every
// collector lock the context holds.
func (ctx *ExecutionContext) SetError(err error) {
	ctx.lastError = err
	ctx.releaseLocks()
	log.Errorf("execution aborted: %s", err)
}

// OutOfMemory reports whether the last turn ran out of memory.
func (ctx *ExecutionContext) OutOfMemory() bool { return ctx.outOfMemory }

// Err returns the error recorded by the last aborted turn.
func (ctx *ExecutionContext) Err() error { return ctx.lastError }

// ClearError resets the abort state.
func (ctx *ExecutionContext) ClearError() {
	ctx.outOfMemory = false
	ctx.lastError = nil
}

// Execute runs top-level code with the given this value and arguments. It
// is an entry point: see Call.
func (ctx *ExecutionContext) Execute(code *Code, this Value, args []Value) (Value, error) {
	if ctx.entries > 0 {
		return ctx.run(nil, code, this, args, 0, 0)
	}
	return ctx.enter(func() (Value, error) {
		return ctx.run(nil, code, this, args, 0, 0)
	})
}

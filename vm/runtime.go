package vm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/esrt/config"
	"github.com/chazu/esrt/heap"
)

var log = commonlog.GetLogger("esrt.vm")

// DefaultSmallIntCache is the number of small integers whose strings are
// precomputed.
const DefaultSmallIntCache = 256

// UncaughtHandler receives exceptions reported with ReportUncaught.
type UncaughtHandler func(err *ThrowError)

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Runtime is one ECMAScript environment: a heap, a class tree, the built-in
// objects and a default execution context. It is a heap root set for the
// built-ins.
type Runtime struct {
	id      uuid.UUID
	heap    *heap.Heap
	classes *ClassTree
	builtins

	stackOpts   StackOptions
	strings     map[string]*String
	numbers     []*String
	numberIndex map[string]int32

	ctx         *ExecutionContext
	contexts    []*ExecutionContext
	maintenance *heap.Maintenance
	uncaught    UncaughtHandler
	closed      bool
}

type runtimeOptions struct {
	heapOpts    heap.Options
	heap        *heap.Heap
	classOpts   ClassOptions
	stackOpts   StackOptions
	smallInts   int
	maintenance bool
	uncaught    UncaughtHandler
}

// Option configures NewRuntime.
type Option func(*runtimeOptions)

// WithHeapOptions sets the options of the runtime's private heap.
func WithHeapOptions(o heap.Options) Option {
	return func(ro *runtimeOptions) { ro.heapOpts = o }
}

// WithHeap makes the runtime allocate from an existing heap.
func WithHeap(h *heap.Heap) Option {
	return func(ro *runtimeOptions) { ro.heap = h }
}

// WithClassOptions sets the class tree options.
func WithClassOptions(o ClassOptions) Option {
	return func(ro *runtimeOptions) { ro.classOpts = o }
}

// WithStackOptions sets the register and frame stack options.
func WithStackOptions(o StackOptions) Option {
	return func(ro *runtimeOptions) { ro.stackOpts = o }
}

// WithSmallIntCache sets how many small integer strings are precomputed.
func WithSmallIntCache(n int) Option {
	return func(ro *runtimeOptions) { ro.smallInts = n }
}

// WithMaintenance starts the heap's idle maintenance scheduler.
func WithMaintenance() Option {
	return func(ro *runtimeOptions) { ro.maintenance = true }
}

// WithUncaughtHandler installs h for ReportUncaught.
func WithUncaughtHandler(h UncaughtHandler) Option {
	return func(ro *runtimeOptions) { ro.uncaught = h }
}

// NewRuntime creates a runtime with its built-ins set up.
func NewRuntime(opts ...Option) (*Runtime, error) {
	ro := runtimeOptions{smallInts: DefaultSmallIntCache}
	for _, o := range opts {
		o(&ro)
	}
	h := ro.heap
	if h == nil {
		h = heap.New(ro.heapOpts)
	}
	rt := &Runtime{
		id:        uuid.New(),
		heap:      h,
		classes:   NewClassTree(ro.classOpts),
		stackOpts: ro.stackOpts.withDefaults(),
		strings:   make(map[string]*String),
		uncaught:  ro.uncaught,
	}
	rt.numbers, rt.numberIndex = newNumberCache(ro.smallInts)
	h.AddRoots(rt)
	rt.ctx = rt.NewContext()

	lock := rt.ctx.Lock()
	err := rt.setupBuiltins(rt.ctx)
	lock.Release()
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("setting up built-ins: %w", err)
	}
	if ro.maintenance {
		rt.maintenance = heap.NewMaintenance(h, 0)
		rt.maintenance.Start()
	}
	log.Debugf("created runtime %s on heap %s", rt.id, h.ID())
	return rt, nil
}

// NewRuntimeWithConfig creates a runtime tuned by cfg.
func NewRuntimeWithConfig(cfg *config.Config, opts ...Option) (*Runtime, error) {
	base := []Option{
		WithHeapOptions(cfg.HeapOptions()),
		WithClassOptions(ClassOptions{
			LinearGrowthLimit: cfg.Classes.LinearGrowthLimit,
			GrowthRate:        cfg.Classes.GrowthRate,
			HashThreshold:     cfg.Classes.HashThreshold,
		}),
		WithStackOptions(StackOptions{
			InitialBlock: cfg.Stack.InitialBlock,
			GrowRatio:    cfg.Stack.GrowRatio,
			MaxFrames:    cfg.Stack.MaxFrames,
		}),
	}
	if cfg.Numbers.SmallIntCache > 0 {
		base = append(base, WithSmallIntCache(cfg.Numbers.SmallIntCache))
	}
	if cfg.Heap.MaintenanceInterval > 0 {
		base = append(base, WithMaintenance())
	}
	return NewRuntime(append(base, opts...)...)
}

// ID returns the runtime's unique id.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Heap returns the heap the runtime allocates from.
func (rt *Runtime) Heap() *heap.Heap { return rt.heap }

// Classes returns the runtime's class tree.
func (rt *Runtime) Classes() *ClassTree { return rt.classes }

// Context returns the runtime's default execution context.
func (rt *Runtime) Context() *ExecutionContext { return rt.ctx }

// NewContext creates an additional execution context.
func (rt *Runtime) NewContext() *ExecutionContext {
	ctx := newExecutionContext(rt)
	rt.contexts = append(rt.contexts, ctx)
	return ctx
}

// Close stops maintenance and detaches the runtime and its contexts from
// the heap's root sets. Objects of a closed runtime are reclaimed by the
// next collection unless another runtime still refers to them.
func (rt *Runtime) Close() {
	if rt.closed {
		return
	}
	rt.closed = true
	if rt.maintenance != nil {
		rt.maintenance.Stop()
	}
	for _, ctx := range rt.contexts {
		ctx.Close()
	}
	rt.contexts = nil
	rt.heap.RemoveRoots(rt)
	log.Debugf("closed runtime %s", rt.id)
}

// TraceRoots marks the built-in objects.
func (rt *Runtime) TraceRoots(t *heap.Tracer) {
	rt.builtins.trace(func(o *Object) { markObject(t, o) })
}

// NewError creates an error object through the default context.
func (rt *Runtime) NewError(kind ErrorKind, msg string) (*Object, error) {
	return rt.ctx.NewError(kind, msg)
}

// Execute runs code on the default context.
func (rt *Runtime) Execute(code *Code) (Value, error) {
	return rt.ctx.Execute(code, FromObject(rt.global), nil)
}

// SetUncaughtHandler replaces the handler called by ReportUncaught.
func (rt *Runtime) SetUncaughtHandler(h UncaughtHandler) { rt.uncaught = h }

// ReportUncaught logs a script exception that reached the embedder and
// passes it to the uncaught handler. Other errors are ignored and reported
// as false.
func (rt *Runtime) ReportUncaught(err error) bool {
	var te *ThrowError
	if !errors.As(err, &te) {
		return false
	}
	log.Warningf("uncaught exception: %s", te.Error())
	if rt.uncaught != nil {
		rt.uncaught(te)
	}
	return true
}

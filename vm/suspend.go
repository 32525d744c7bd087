package vm

import (
	"fmt"
	"sync/atomic"
)

// SuspendedCall is work that must run with the host's stack, outside a
// constrained pseudo-thread: chunk creation, host callbacks and restarts.
type SuspendedCall interface {
	DoCall(ctx *ExecutionContext)
}

// SuspendFunc adapts a function to SuspendedCall.
type SuspendFunc func(ctx *ExecutionContext)

// DoCall calls f(ctx).
func (f SuspendFunc) DoCall(ctx *ExecutionContext) { f(ctx) }

// SuspendedCall runs call. On an unconstrained context it runs directly;
// inside a PseudoThread the pseudo-thread blocks while the host goroutine
// runs the call.
func (ctx *ExecutionContext) SuspendedCall(call SuspendedCall) {
	p := ctx.thread
	if p == nil {
		call.DoCall(ctx)
		return
	}
	ctx.suspensions++
	p.suspensions.Add(1)
	reply := make(chan any, 1)
	p.calls <- func() {
		defer func() { reply <- recover() }()
		call.DoCall(ctx)
	}
	if r := <-reply; r != nil {
		panic(r)
	}
}

// Suspend implements heap.Suspender.
func (ctx *ExecutionContext) Suspend(fn func()) {
	ctx.SuspendedCall(SuspendFunc(func(*ExecutionContext) { fn() }))
}

// Suspensions returns the number of calls the context handed to a host
// goroutine.
func (ctx *ExecutionContext) Suspensions() int { return ctx.suspensions }

// InPseudoThread reports whether the context is running inside Run.
func (ctx *ExecutionContext) InPseudoThread() bool { return ctx.thread != nil }

// ---------------------------------------------------------------------------
// PseudoThread
// ---------------------------------------------------------------------------

// PseudoThread runs script on its own goroutine while the calling goroutine
// services suspended calls, so work that needs the host's stack (and any
// host state bound to it) happens there.
type PseudoThread struct {
	calls       chan func()
	suspensions atomic.Uint64
}

// NewPseudoThread creates an idle pseudo-thread.
func NewPseudoThread() *PseudoThread {
	return &PseudoThread{calls: make(chan func())}
}

// Suspensions returns the number of suspended calls serviced.
func (p *PseudoThread) Suspensions() uint64 { return p.suspensions.Load() }

// Run executes body on a new goroutine with ctx bound to the pseudo-thread,
// servicing suspended calls on the calling goroutine until body returns. A
// panic in body is re-raised on the caller.
func (p *PseudoThread) Run(ctx *ExecutionContext, body func(ctx *ExecutionContext) error) error {
	if ctx.thread != nil {
		return fmt.Errorf("vm: context already runs in a pseudo-thread")
	}
	ctx.thread = p
	defer func() { ctx.thread = nil }()

	type outcome struct {
		err   error
		panic any
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			out.panic = recover()
			done <- out
		}()
		out.err = body(ctx)
	}()

	for {
		select {
		case fn := <-p.calls:
			fn()
		case out := <-done:
			if out.panic != nil {
				panic(out.panic)
			}
			return out.err
		}
	}
}

package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// FrameFlags describe an activation.
type FrameFlags uint8

const (
	InConstructor FrameFlags = 1 << iota
	FirstInBlock
)

// Frame holds the caller's state saved by PushFrame. The running
// activation's own state lives on the ExecutionContext.
type Frame struct {
	ip        int
	code      *Code
	fn        *Object
	regs      Window[Value]
	variables *Object
	arguments *Object
	argc      int
	flags     FrameFlags
	prev      Window[Frame]
}

// IP returns the saved instruction pointer.
func (f *Frame) IP() int { return f.ip }

// Code returns the saved code, nil when the caller was native.
func (f *Frame) Code() *Code { return f.code }

// Flags returns the saved activation flags.
func (f *Frame) Flags() FrameFlags { return f.flags }

// ---------------------------------------------------------------------------
// Push and pop
// ---------------------------------------------------------------------------

// PushFrame saves the current activation and starts a new one for code.
// Arguments are copied into the new register window.
func (ctx *ExecutionContext) PushFrame(fn *Object, code *Code, this Value, args []Value, flags FrameFlags) error {
	return ctx.pushFrame(fn, code, this, args, 0, flags)
}

func (ctx *ExecutionContext) pushFrame(fn *Object, code *Code, this Value, args []Value, overlap int, flags FrameFlags) error {
	if ctx.frames.Depth() >= ctx.opts.MaxFrames {
		return ctx.Throw(KindRangeError, "Maximum call stack size exceeded")
	}
	fw := ctx.frames.Allocate(1, 0)
	fw.Items()[0] = Frame{
		ip:        ctx.ip,
		code:      ctx.code,
		fn:        ctx.fn,
		regs:      ctx.regs,
		variables: ctx.variables,
		arguments: ctx.arguments,
		argc:      ctx.argc,
		flags:     ctx.flags,
		prev:      ctx.frame,
	}
	ctx.frame = fw

	n := code.NumRegisters
	if extra := len(args) - code.NumParams; extra > 0 {
		n += extra
	}
	if overlap > 0 && len(args) > code.NumParams {
		overlap = 0
	}
	w := ctx.registers.Allocate(n, overlap)
	regs := w.Items()
	regs[0] = this
	for i, a := range args {
		if i < code.NumParams {
			regs[1+i] = a
		} else {
			regs[code.NumRegisters+i-code.NumParams] = a
		}
	}

	ctx.ip = 0
	ctx.code = code
	ctx.fn = fn
	ctx.regs = w
	ctx.variables = nil
	ctx.arguments = nil
	ctx.argc = len(args)
	ctx.flags = flags
	if w.FirstInBlock() {
		ctx.flags |= FirstInBlock
	}
	return nil
}

// PopFrame ends the current activation and restores the caller's state.
// Arguments and variables objects created for the activation are detached
// and keep a copy of the register values they aliased. The frame is popped
// even when detaching fails; the error is returned.
func (ctx *ExecutionContext) PopFrame() error {
	if !ctx.frame.Valid() {
		panic("vm: PopFrame without PushFrame")
	}
	var err error
	if ctx.arguments != nil {
		err = ctx.arguments.detach()
	}
	if ctx.variables != nil {
		if verr := ctx.variables.detach(); err == nil {
			err = verr
		}
	}
	ctx.registers.Free(ctx.regs)

	fw := ctx.frame
	f := &fw.Items()[0]
	ctx.ip = f.ip
	ctx.code = f.code
	ctx.fn = f.fn
	ctx.regs = f.regs
	ctx.variables = f.variables
	ctx.arguments = f.arguments
	ctx.argc = f.argc
	ctx.flags = f.flags
	ctx.frame = f.prev
	ctx.frames.Free(fw)
	return err
}

// FrameDepth returns the number of pushed frames.
func (ctx *ExecutionContext) FrameDepth() int { return ctx.frames.Depth() }

// CurrentCode returns the code of the running activation, or nil.
func (ctx *ExecutionContext) CurrentCode() *Code { return ctx.code }

// IP returns the instruction pointer of the running activation.
func (ctx *ExecutionContext) IP() int { return ctx.ip }

// Registers returns the register window of the running activation.
func (ctx *ExecutionContext) Registers() []Value { return ctx.regs.Items() }

// Argc returns the argument count of the running activation.
func (ctx *ExecutionContext) Argc() int { return ctx.argc }

// Flags returns the flags of the running activation.
func (ctx *ExecutionContext) Flags() FrameFlags { return ctx.flags }

// unwindTo pops frames until depth remain.
func (ctx *ExecutionContext) unwindTo(depth int) {
	for ctx.frames.Depth() > depth {
		ctx.PopFrame()
	}
}

// ---------------------------------------------------------------------------
// Arguments and variables objects
// ---------------------------------------------------------------------------

// frameAlias connects an arguments or variables object to the registers of
// a live activation.
type frameAlias struct {
	regs      []Value
	code      *Code
	argc      int
	variables bool
}

func (a *frameAlias) argRegister(i int) int {
	if i < a.code.NumParams {
		return 1 + i
	}
	return a.code.NumRegisters + i - a.code.NumParams
}

func (a *frameAlias) arg(i int) Value {
	if i < 0 || i >= a.argc {
		return Undefined
	}
	return a.regs[a.argRegister(i)]
}

func (a *frameAlias) setArg(i int, v Value) bool {
	if i < 0 || i >= a.argc {
		return false
	}
	a.regs[a.argRegister(i)] = v
	return true
}

func (a *frameAlias) get(name string) (Value, bool) {
	if a.variables {
		if r, ok := a.code.variableRegister(name); ok {
			return a.regs[r], true
		}
		return Undefined, false
	}
	if i, ok := ArrayIndex(name); ok && i < a.argc {
		return a.arg(i), true
	}
	return Undefined, false
}

func (a *frameAlias) set(name string, v Value) bool {
	if a.variables {
		if r, ok := a.code.variableRegister(name); ok {
			a.regs[r] = v
			return true
		}
		return false
	}
	if i, ok := ArrayIndex(name); ok {
		return a.setArg(i, v)
	}
	return false
}

func (a *frameAlias) names() []string {
	if !a.variables {
		return nil
	}
	out := make([]string, 0, len(a.code.ParamNames)+len(a.code.VarNames))
	out = append(out, a.code.ParamNames...)
	return append(out, a.code.VarNames...)
}

// detach copies the aliased register values into the object.
func (o *Object) detach() error {
	a := o.alias
	if a == nil {
		return nil
	}
	o.alias = nil
	if a.variables {
		for _, name := range a.names() {
			if _, dup := o.class.Find(name); dup {
				continue
			}
			r, _ := a.code.variableRegister(name)
			ok, err := o.addProperty(name, a.regs[r], DontDelete)
			if err != nil {
				return fmt.Errorf("detaching variable %q: %w", name, err)
			}
			if !ok {
				return fmt.Errorf("detaching variable %q: variables object is not extensible", name)
			}
		}
		return nil
	}
	o.elements = make([]Value, a.argc)
	for i := range o.elements {
		o.elements[i] = a.arg(i)
	}
	return nil
}

// Attached reports whether an arguments or variables object still aliases
// a live activation.
func (o *Object) Attached() bool { return o.alias != nil }

// Arguments returns the arguments object of the running activation,
// creating it on first use.
func (ctx *ExecutionContext) Arguments() (*Object, error) {
	if ctx.arguments != nil {
		return ctx.arguments, nil
	}
	if ctx.code == nil {
		return nil, ctx.Throw(KindReferenceError, "arguments is not defined")
	}
	o, err := ctx.newObject(ctx.rt.argumentsRoot, KindArguments)
	if err != nil {
		return nil, err
	}
	o.alias = &frameAlias{regs: ctx.regs.Items(), code: ctx.code, argc: ctx.argc}
	ctx.arguments = o
	return o, nil
}

// Variables returns the variables object of the running activation,
// creating it on first use. Its properties alias the named registers.
func (ctx *ExecutionContext) Variables() (*Object, error) {
	if ctx.variables != nil {
		return ctx.variables, nil
	}
	if ctx.code == nil {
		return nil, ctx.Throw(KindReferenceError, "no active function")
	}
	o, err := ctx.newObject(ctx.rt.variablesRoot, KindVariables)
	if err != nil {
		return nil, err
	}
	o.alias = &frameAlias{regs: ctx.regs.Items(), code: ctx.code, argc: ctx.argc, variables: true}
	ctx.variables = o
	return o, nil
}

// ---------------------------------------------------------------------------
// Native frames
// ---------------------------------------------------------------------------

type nativeFrame struct {
	name  string
	depth int
}

// EnterNative records a native activation at the current depth so stack
// walks can interleave it with script frames.
func (ctx *ExecutionContext) EnterNative(name string) {
	ctx.natives = append(ctx.natives, nativeFrame{name: name, depth: ctx.frames.Depth()})
}

// LeaveNative removes the most recent native activation.
func (ctx *ExecutionContext) LeaveNative() {
	if len(ctx.natives) == 0 {
		panic("vm: LeaveNative without EnterNative")
	}
	ctx.natives = ctx.natives[:len(ctx.natives)-1]
}

// NativeDepth returns the number of native activations.
func (ctx *ExecutionContext) NativeDepth() int { return len(ctx.natives) }

// ---------------------------------------------------------------------------
// FrameIterator
// ---------------------------------------------------------------------------

type frameRef struct {
	native bool
	name   string
	code   *Code
	ip     int
}

// FrameIterator walks activations from the innermost outwards, merging
// script and native frames.
type FrameIterator struct {
	refs []frameRef
	pos  int
}

// Frames returns an iterator positioned before the innermost activation.
func (ctx *ExecutionContext) Frames() *FrameIterator {
	// Saved script activations by depth, innermost first.
	type saved struct {
		code *Code
		ip   int
	}
	depth := ctx.frames.Depth()
	activations := make([]saved, 0, depth+1)
	activations = append(activations, saved{ctx.code, ctx.ip})
	for fw := ctx.frame; fw.Valid(); {
		f := &fw.Items()[0]
		activations = append(activations, saved{f.code, f.ip})
		fw = f.prev
	}

	it := &FrameIterator{pos: -1}
	n := len(ctx.natives) - 1
	for i, a := range activations {
		d := depth - i
		for n >= 0 && ctx.natives[n].depth >= d {
			it.refs = append(it.refs, frameRef{native: true, name: ctx.natives[n].name})
			n--
		}
		if a.code != nil {
			it.refs = append(it.refs, frameRef{name: a.code.displayName(), code: a.code, ip: a.ip})
		}
	}
	for ; n >= 0; n-- {
		it.refs = append(it.refs, frameRef{native: true, name: ctx.natives[n].name})
	}
	return it
}

// Next advances to the next outer activation.
func (it *FrameIterator) Next() bool {
	it.pos++
	return it.pos < len(it.refs)
}

func (it *FrameIterator) cur() frameRef { return it.refs[it.pos] }

// IsNative reports whether the activation is a native frame.
func (it *FrameIterator) IsNative() bool { return it.cur().native }

// Name returns the function name.
func (it *FrameIterator) Name() string { return it.cur().name }

// Code returns the code of a script activation.
func (it *FrameIterator) Code() *Code { return it.cur().code }

// Line returns the current source line of a script activation.
func (it *FrameIterator) Line() int {
	r := it.cur()
	if r.code == nil {
		return 0
	}
	// ip already points past the executing instruction.
	pc := r.ip - 1
	if pc < 0 {
		pc = 0
	}
	return r.code.Line(pc)
}

// StackTrace renders the activations, one per line.
func (ctx *ExecutionContext) StackTrace() string {
	var sb strings.Builder
	it := ctx.Frames()
	for it.Next() {
		if it.IsNative() {
			fmt.Fprintf(&sb, "  at %s (native)\n", it.Name())
			continue
		}
		loc := it.Code().File
		if loc == "" {
			loc = "<unknown>"
		}
		sb.WriteString("  at " + it.Name() + " (" + loc + ":" + strconv.Itoa(it.Line()) + ")\n")
	}
	return sb.String()
}

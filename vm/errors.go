package vm

import (
	"fmt"

	"github.com/chazu/esrt/heap"
)

// ErrorKind selects a built-in error prototype.
type ErrorKind uint8

const (
	KindPlainError ErrorKind = iota
	KindTypeError
	KindRangeError
	KindReferenceError
	KindSyntaxError
	numErrorKinds
)

var errorKindNames = [numErrorKinds]string{
	KindPlainError:     "Error",
	KindTypeError:      "TypeError",
	KindRangeError:     "RangeError",
	KindReferenceError: "ReferenceError",
	KindSyntaxError:    "SyntaxError",
}

func (k ErrorKind) String() string {
	if k < numErrorKinds {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ThrowError carries a thrown script value out of the interpreter. It is
// the only error script code can catch.
type ThrowError struct {
	Value Value
	File  string
	Line  int
	Stack string
}

func (e *ThrowError) Error() string {
	msg := describeThrown(e.Value)
	if e.File != "" {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, msg)
	}
	return msg
}

// describeThrown renders a thrown value without running script: error
// objects as "Name: message", everything else as its debug form.
func describeThrown(v Value) string {
	if !v.IsObject() {
		if v.IsString() {
			return v.String().Go()
		}
		return v.GoString()
	}
	o := v.Object()
	name, _ := o.lookupData("name")
	msg, _ := o.lookupData("message")
	if !name.IsString() {
		return v.GoString()
	}
	if !msg.IsString() || msg.String().Len() == 0 {
		return name.String().Go()
	}
	return name.String().Go() + ": " + msg.String().Go()
}

// lookupData finds a data property on o or its prototypes without running
// getters or host code.
func (o *Object) lookupData(name string) (Value, bool) {
	for p := o; p != nil; p = p.class.prototype {
		if i, ok := p.class.Find(name); ok {
			if p.class.Property(i).Attributes&Accessor != 0 {
				return Undefined, false
			}
			return p.slots[i], true
		}
	}
	return Undefined, false
}

// NewError allocates an error object of the given kind.
func (ctx *ExecutionContext) NewError(kind ErrorKind, msg string) (*Object, error) {
	o, err := ctx.newObject(ctx.rt.errorRoots[kind], KindError)
	if err != nil {
		return nil, err
	}
	ctx.PushTemp(FromObject(o))
	defer ctx.PopTemp()
	s, err := ctx.NewString(msg)
	if err != nil {
		return nil, err
	}
	if _, err := o.DefineOwnProperty(ctx, "message", FromString(s), DontEnum); err != nil {
		return nil, err
	}
	return o, nil
}

// Throw builds an error of the given kind and returns it as a *ThrowError
// located at the current instruction. Allocation failure returns the abort
// instead.
func (ctx *ExecutionContext) Throw(kind ErrorKind, format string, args ...any) error {
	o, err := ctx.NewError(kind, fmt.Sprintf(format, args...))
	if err != nil {
		return err
	}
	return ctx.ThrowValue(FromObject(o))
}

// ThrowValue wraps v in a *ThrowError located at the current instruction.
func (ctx *ExecutionContext) ThrowValue(v Value) error {
	te := &ThrowError{Value: v, Stack: ctx.StackTrace()}
	if ctx.code != nil {
		te.File = ctx.code.File
		te.Line = ctx.code.Line(ctx.ip - 1)
	}
	return te
}

// isAbort reports whether err must unwind past script handlers.
func isAbort(err error) bool {
	_, ok := heap.IsAbort(err)
	return ok
}

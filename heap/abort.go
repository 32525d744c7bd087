package heap

import (
	"errors"
	"fmt"
)

// AbortKind classifies conditions that unwind the current execution turn
// instead of being reported to script.
type AbortKind int

const (
	AbortOutOfMemory AbortKind = iota + 1
	AbortFatal
)

func (k AbortKind) String() string {
	switch k {
	case AbortOutOfMemory:
		return "out of memory"
	case AbortFatal:
		return "fatal error"
	default:
		return fmt.Sprintf("AbortKind(%d)", int(k))
	}
}

// Abort is the error returned (or, for broken invariants, panicked) when
// allocation fails or the heap detects internal corruption. It is never
// catchable by script.
type Abort struct {
	Kind AbortKind
	Msg  string
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrOutOfMemory = &Abort{Kind: AbortOutOfMemory, Msg: "out of memory"}
	ErrFatal       = &Abort{Kind: AbortFatal, Msg: "fatal error"}
)

func newAbort(kind AbortKind, msg string, err error) *Abort {
	return &Abort{Kind: kind, Msg: msg, Err: err}
}

// NewFatal returns a fatal abort for an invariant violation detected outside
// the heap.
func NewFatal(msg string, err error) *Abort {
	return newAbort(AbortFatal, msg, err)
}

func (a *Abort) Error() string {
	if a.Err != nil {
		return fmt.Sprintf("%s: %s: %v", a.Kind, a.Msg, a.Err)
	}
	if a.Msg == "" || a.Msg == a.Kind.String() {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s: %s", a.Kind, a.Msg)
}

func (a *Abort) Unwrap() error { return a.Err }

// Is matches any abort of the same kind.
func (a *Abort) Is(target error) bool {
	t, ok := target.(*Abort)
	return ok && t.Kind == a.Kind
}

// IsAbort reports whether err is (or wraps) an Abort and returns it.
func IsAbort(err error) (*Abort, bool) {
	var a *Abort
	if errors.As(err, &a) {
		return a, true
	}
	return nil, false
}

package vm

import (
	"strings"

	"github.com/chazu/esrt/heap"
)

// GC tags for vm entities.
const (
	TagObject heap.GCTag = heap.TagFirstUser + iota
	TagString
	TagAccessor
)

func init() {
	heap.RegisterTagName(TagObject, "object")
	heap.RegisterTagName(TagString, "string")
	heap.RegisterTagName(TagAccessor, "accessor")
}

// String is an immutable string. Strings made with NewString are static:
// they are never placed on a heap and live as long as something in Go
// refers to them (constant pools, the intern table). Strings produced while
// running script are heap allocated through ExecutionContext.NewString.
type String struct {
	hdr heap.Header
	s   string
}

var emptyString = &String{}

// NewString returns a static string.
func NewString(s string) *String {
	if s == "" {
		return emptyString
	}
	return &String{s: s}
}

func (s *String) GCHeader() *heap.Header { return &s.hdr }
func (s *String) GCTrace(*heap.Tracer)   {}

// Go returns the string contents.
func (s *String) Go() string { return s.s }

// Len returns the length in bytes.
func (s *String) Len() int { return len(s.s) }

// Static reports whether the string lives outside the heap.
func (s *String) Static() bool { return !s.hdr.Allocated() }

// NewString allocates a string on the heap.
func (ctx *ExecutionContext) NewString(s string) (*String, error) {
	if s == "" {
		return emptyString, nil
	}
	str := &String{s: s}
	if err := ctx.alloc(str, TagString, len(s)); err != nil {
		return nil, err
	}
	return str, nil
}

// Concat allocates the concatenation of a and b.
func (ctx *ExecutionContext) Concat(a, b *String) (*String, error) {
	switch {
	case a.s == "":
		return b, nil
	case b.s == "":
		return a, nil
	}
	var sb strings.Builder
	sb.Grow(len(a.s) + len(b.s))
	sb.WriteString(a.s)
	sb.WriteString(b.s)
	return ctx.NewString(sb.String())
}

// ---------------------------------------------------------------------------
// Intern table
// ---------------------------------------------------------------------------

// Intern returns the runtime's unique static string for name.
func (rt *Runtime) Intern(name string) *String {
	if s, ok := rt.strings[name]; ok {
		return s
	}
	s := NewString(name)
	rt.strings[name] = s
	return s
}

// InternedStrings returns the number of interned strings.
func (rt *Runtime) InternedStrings() int { return len(rt.strings) }

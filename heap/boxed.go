// Package heap implements the garbage-collected arena beneath the runtime:
// fixed-size pages grouped into chunks, dedicated large pages, and a
// stop-the-world mark-sweep collector over anything implementing Boxed.
//
// The heap does not know what it stores. Embedders give every heap entity a
// Header (usually as an embedded field), report references to other heap
// entities from GCTrace, and optionally implement Destroyer for native
// teardown run during sweep.
package heap

import (
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("esrt.heap")

// GCTag is the runtime type discriminator stored in every Header.
type GCTag uint8

const (
	TagFree     GCTag = iota // reclaimed slot, reusable through the free lists
	TagSentinel              // zero-size end-of-page marker
	TagRaw                   // untyped boxed data

	// TagFirstUser is the first tag available to embedders.
	TagFirstUser GCTag = 16
)

// String returns a short name for the built-in tags.
func (t GCTag) String() string {
	switch t {
	case TagFree:
		return "free"
	case TagSentinel:
		return "sentinel"
	case TagRaw:
		return "raw"
	default:
		tagNamesMu.RLock()
		name, ok := tagNames[t]
		tagNamesMu.RUnlock()
		if ok {
			return name
		}
		return "user"
	}
}

var (
	tagNamesMu sync.RWMutex
	tagNames   = map[GCTag]string{}
)

// RegisterTagName associates a debug name with an embedder tag. It is safe
// to call from any goroutine.
func RegisterTagName(t GCTag, name string) {
	tagNamesMu.Lock()
	tagNames[t] = name
	tagNamesMu.Unlock()
}

type headerFlags uint8

const (
	flagMarked headerFlags = 1 << iota
	flagNeedsDestroy
	flagLarge
)

// Header is the per-object bookkeeping the collector needs. It records the
// owning page and slot explicitly instead of deriving them from addresses.
type Header struct {
	tag   GCTag
	flags headerFlags
	size  uint32
	page  *Page
	slot  int32
}

// HeaderSize is the number of bytes accounted to every object for its header.
const HeaderSize = 16

// Alignment is the allocation granularity inside a page.
const Alignment = 8

// Tag returns the object's GC tag.
func (h *Header) Tag() GCTag { return h.tag }

// Size returns the number of bytes the object occupies, header included.
func (h *Header) Size() int { return int(h.size) }

// Page returns the page holding the object, or nil once it has been swept.
func (h *Header) Page() *Page { return h.page }

// Marked reports whether the mark bit is set.
func (h *Header) Marked() bool { return h.flags&flagMarked != 0 }

// IsLarge reports whether the object lives on a dedicated large page.
func (h *Header) IsLarge() bool { return h.flags&flagLarge != 0 }

// NeedsDestroy reports whether sweep must call GCDestroy before reuse.
func (h *Header) NeedsDestroy() bool { return h.flags&flagNeedsDestroy != 0 }

// SetNeedsDestroy flags the object for teardown during sweep.
func (h *Header) SetNeedsDestroy(v bool) {
	if v {
		h.flags |= flagNeedsDestroy
	} else {
		h.flags &^= flagNeedsDestroy
	}
}

// Allocated reports whether the object currently occupies a heap slot.
func (h *Header) Allocated() bool { return h.page != nil }

func (h *Header) setMark()   { h.flags |= flagMarked }
func (h *Header) clearMark() { h.flags &^= flagMarked }

// Boxed is any heap-allocated, collector-traced entity.
type Boxed interface {
	GCHeader() *Header
	GCTrace(t *Tracer)
}

// Destroyer is implemented by boxed objects with native teardown. It is only
// called for objects whose header has the needs-destroy bit set.
type Destroyer interface {
	GCDestroy()
}

// RootSet contributes roots at the start of every collection.
type RootSet interface {
	TraceRoots(t *Tracer)
}

// RootFunc adapts a function to RootSet.
type RootFunc func(t *Tracer)

// TraceRoots calls f(t).
func (f RootFunc) TraceRoots(t *Tracer) { f(t) }

// Suspender runs stack-hungry work on a stack with guaranteed headroom. The
// allocator routes chunk creation through it when one is supplied.
type Suspender interface {
	Suspend(fn func())
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

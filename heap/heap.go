package heap

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// maxQuickClasses bounds the quick lists to one bit per size class in a
// uint64 bitmap.
const maxQuickClasses = 64

type freeRef struct {
	page *Page
	slot int
}

// ---------------------------------------------------------------------------
// Heap: allocation front end for one runtime
// ---------------------------------------------------------------------------

// Heap allocates boxed objects for one runtime. Several heaps may share a
// PageAllocator after a merge, in which case a collection triggered from any
// of them traces and sweeps all of them.
type Heap struct {
	id        uuid.UUID
	allocator *PageAllocator
	opts      Options

	current *Page
	pages   []*Page

	quick     [maxQuickClasses][]freeRef
	quickBits uint64
	general   []freeRef

	roots     []RootSet
	protected map[Boxed]int
	handles   map[*Handle]struct{}

	objects int

	// young holds objects allocated since the last checkpoint. They are
	// roots of collections forced by allocation failure.
	young []Boxed

	maintenance atomic.Bool
}

// New creates a heap with a private page allocator.
func New(opts Options) *Heap {
	opts = opts.withDefaults()
	h := &Heap{
		id:        uuid.New(),
		opts:      opts,
		protected: make(map[Boxed]int),
		handles:   make(map[*Handle]struct{}),
	}
	h.allocator = newPageAllocator(opts)
	h.allocator.heaps = append(h.allocator.heaps, h)
	return h
}

// ID returns the heap's unique id.
func (h *Heap) ID() uuid.UUID { return h.id }

// Allocator returns the page allocator currently backing the heap.
func (h *Heap) Allocator() *PageAllocator { return h.allocator }

// Options returns the effective options.
func (h *Heap) Options() Options { return h.opts }

// SharesAllocator reports whether h and other collect as one graph.
func (h *Heap) SharesAllocator(other *Heap) bool {
	return other != nil && h.allocator == other.allocator
}

// LargeThreshold is the object size above which allocation bypasses pages.
func (h *Heap) LargeThreshold() int { return h.allocator.pageSize }

// Objects returns the number of objects currently allocated on this heap.
func (h *Heap) Objects() int { return h.objects }

// Pages returns the number of pages (fixed and large) in use by this heap.
func (h *Heap) Pages() int { return len(h.pages) }

// BytesLive returns the group's live bytes after the last collection plus
// everything allocated since.
func (h *Heap) BytesLive() int { return h.allocator.live + h.allocator.allocated }

// AllocatedSinceCollect returns the group's allocation volume since the last
// collection.
func (h *Heap) AllocatedSinceCollect() int { return h.allocator.allocated }

// ObjectSize returns the bytes accounted for an object with payload bytes.
func ObjectSize(payload int) int {
	if payload < 0 {
		payload = 0
	}
	return roundUp(HeaderSize+payload, Alignment)
}

// Allocate places obj on the heap, accounting payload bytes plus the header.
// The only failure is an *Abort of kind AbortOutOfMemory. When s is non-nil
// and a new chunk is needed, chunk creation runs through s.Suspend.
//
// At the chunk limit Allocate collects once and retries. That collection
// treats every object allocated since the last checkpoint as a root, so
// values held only by the allocating code survive it.
func (h *Heap) Allocate(s Suspender, obj Boxed, tag GCTag, payload int) error {
	if obj.GCHeader().page != nil {
		panic(newAbort(AbortFatal, "object allocated twice", nil))
	}
	size := ObjectSize(payload)
	err := h.place(s, obj, tag, size)
	if errors.Is(err, ErrOutOfMemory) {
		log.Infof("allocation of %d bytes hit the chunk limit, collecting before retry", size)
		if h.Collect(ReasonExhausted) {
			err = h.place(s, obj, tag, size)
		}
	}
	if err != nil {
		return err
	}
	h.young = append(h.young, obj)
	return nil
}

func (h *Heap) place(s Suspender, obj Boxed, tag GCTag, size int) error {
	if size > h.LargeThreshold() {
		p, err := h.allocator.allocateLarge(h, size)
		if err != nil {
			return err
		}
		p.bump(obj, tag, size)
		h.pages = append(h.pages, p)
		h.allocated(size)
		return nil
	}

	if ref, ok := h.takeFree(size); ok {
		ref.page.reuse(ref.slot, obj, tag)
		h.allocated(ref.page.slots[ref.slot].size)
		return nil
	}

	if h.current == nil || h.current.Remaining() < size {
		p, err := h.allocator.allocatePage(s, h)
		if err != nil {
			return err
		}
		h.current = p
		h.pages = append(h.pages, p)
	}
	h.current.bump(obj, tag, size)
	h.allocated(size)
	return nil
}

// Checkpoint marks a point where every object the caller still needs is
// reachable from roots. Objects allocated before it are no longer rooted by
// allocation-failure collections.
func (h *Heap) Checkpoint() {
	clear(h.young)
	h.young = h.young[:0]
}

// pruneYoung drops young objects freed by a collection.
func (h *Heap) pruneYoung() {
	kept := h.young[:0]
	for _, b := range h.young {
		if b.GCHeader().Allocated() {
			kept = append(kept, b)
		}
	}
	clear(h.young[len(kept):])
	h.young = kept
}

func (h *Heap) allocated(size int) {
	h.objects++
	h.allocator.allocated += size
}

func quickClass(size int) int { return size/Alignment - 1 }

func (h *Heap) takeFree(size int) (freeRef, bool) {
	if size <= h.opts.QuickListMax {
		c := quickClass(size)
		if h.quickBits&(1<<uint(c)) == 0 {
			return freeRef{}, false
		}
		list := h.quick[c]
		ref := list[len(list)-1]
		h.quick[c] = list[:len(list)-1]
		if len(h.quick[c]) == 0 {
			h.quickBits &^= 1 << uint(c)
		}
		return ref, true
	}
	for i, ref := range h.general {
		if ref.page.slots[ref.slot].size >= size {
			last := len(h.general) - 1
			h.general[i] = h.general[last]
			h.general = h.general[:last]
			return ref, true
		}
	}
	return freeRef{}, false
}

func (h *Heap) addFree(p *Page, idx int) {
	size := p.slots[idx].size
	if size <= h.opts.QuickListMax {
		c := quickClass(size)
		h.quick[c] = append(h.quick[c], freeRef{page: p, slot: idx})
		h.quickBits |= 1 << uint(c)
		return
	}
	h.general = append(h.general, freeRef{page: p, slot: idx})
}

func (h *Heap) clearFreeLists() {
	for c := range h.quick {
		h.quick[c] = h.quick[c][:0]
	}
	h.quickBits = 0
	h.general = h.general[:0]
}

// QuickListBitmap returns the bitmap of non-empty quick lists.
func (h *Heap) QuickListBitmap() uint64 { return h.quickBits }

// FreeSlots returns the number of reclaimed slots waiting for reuse.
func (h *Heap) FreeSlots() int {
	n := len(h.general)
	for c := range h.quick {
		n += len(h.quick[c])
	}
	return n
}

// IsLive reports whether b is currently allocated on a heap.
func IsLive(b Boxed) bool {
	hd := b.GCHeader()
	if hd.page == nil {
		return false
	}
	return hd.page.slots[hd.slot].obj == b
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// AddRoots registers a root set traced at the start of every collection.
func (h *Heap) AddRoots(r RootSet) {
	h.roots = append(h.roots, r)
}

// RemoveRoots unregisters a root set.
func (h *Heap) RemoveRoots(r RootSet) {
	for i, x := range h.roots {
		if x == r {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// Protect adds b to the dynamic roots. Calls nest; each Protect needs a
// matching Unprotect.
func (h *Heap) Protect(b Boxed) {
	if b == nil {
		return
	}
	h.protected[b]++
}

// Unprotect removes one protection of b.
func (h *Heap) Unprotect(b Boxed) {
	if n, ok := h.protected[b]; ok {
		if n <= 1 {
			delete(h.protected, b)
		} else {
			h.protected[b] = n - 1
		}
	}
}

// Protected returns the number of distinct dynamically rooted objects.
func (h *Heap) Protected() int { return len(h.protected) }

func (h *Heap) traceRoots(t *Tracer) {
	for _, r := range h.roots {
		r.TraceRoots(t)
	}
	for b := range h.protected {
		t.Mark(b)
	}
	for hd := range h.handles {
		t.Mark(hd.target)
	}
}

// Handle is a persistent root owned by host code.
type Handle struct {
	heap   *Heap
	target Boxed
}

// NewHandle creates a rooted handle to b.
func (h *Heap) NewHandle(b Boxed) *Handle {
	hd := &Handle{heap: h, target: b}
	h.handles[hd] = struct{}{}
	return hd
}

// Get returns the handle's target.
func (hd *Handle) Get() Boxed { return hd.target }

// Set replaces the handle's target.
func (hd *Handle) Set(b Boxed) { hd.target = b }

// Heap returns the heap the handle roots into.
func (hd *Handle) Heap() *Heap { return hd.heap }

// Release unroots the handle. Releasing twice is harmless.
func (hd *Handle) Release() {
	if hd.heap != nil {
		delete(hd.heap.handles, hd)
		hd.heap = nil
	}
	hd.target = nil
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

// Merge unifies the allocators of h and other so that a collection started
// from either traces the combined object graph. Merging heaps that already
// share an allocator is a no-op. A merge is refused while a collection is
// running.
func (h *Heap) Merge(other *Heap) error {
	if other == nil || h.SharesAllocator(other) {
		return nil
	}
	a, donor := h.allocator, other.allocator
	if a.collecting || donor.collecting {
		return fmt.Errorf("heap: merge during collection")
	}
	if donor.opts.PageSize != a.opts.PageSize || donor.opts.PagesPerChunk != a.opts.PagesPerChunk {
		return fmt.Errorf("heap: cannot merge allocators with different page geometry (%d×%d vs %d×%d)",
			a.opts.PagesPerChunk, a.opts.PageSize, donor.opts.PagesPerChunk, donor.opts.PageSize)
	}
	n := len(donor.heaps)
	a.merge(donor)
	log.Infof("merged %d heap(s) into allocator of heap %s (%d heaps, %d chunks)", n, h.id, len(a.heaps), a.Chunks())
	return nil
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// Verify checks the heap's structural invariants and returns the first
// violation found.
func (h *Heap) Verify() error {
	if err := h.allocator.verify(); err != nil {
		return err
	}
	for _, hh := range h.allocator.heaps {
		objects := 0
		for _, p := range hh.pages {
			if p.heap != hh {
				return fmt.Errorf("heap %s: page %d owned by another heap", hh.id, p.index)
			}
			if p.chunk != nil && p.chunk.allocator != h.allocator {
				return fmt.Errorf("heap %s: page %d in chunk of another allocator", hh.id, p.index)
			}
			if p.IsLarge() && int(p.raw[p.header-1]) != p.header {
				return fmt.Errorf("heap %s: large page offset byte corrupted", hh.id)
			}
			if err := p.verify(); err != nil {
				return fmt.Errorf("heap %s: %w", hh.id, err)
			}
			objects += p.Objects()
		}
		if objects != hh.objects {
			return fmt.Errorf("heap %s: object count %d, pages hold %d", hh.id, hh.objects, objects)
		}
		for c := range hh.quick {
			for _, ref := range hh.quick[c] {
				s := ref.page.slots[ref.slot]
				if s.obj != nil || s.tag != TagFree || quickClass(s.size) != c {
					return fmt.Errorf("heap %s: quick list %d holds a bad slot", hh.id, c)
				}
			}
			if (len(hh.quick[c]) > 0) != (hh.quickBits&(1<<uint(c)) != 0) {
				return fmt.Errorf("heap %s: quick list bitmap out of sync at class %d", hh.id, c)
			}
		}
	}
	return nil
}

func (h *Heap) mustVerify() {
	if err := h.Verify(); err != nil {
		panic(newAbort(AbortFatal, "heap corrupted", err))
	}
}

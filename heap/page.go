package heap

import "fmt"

// slot is one entry in a page's object walk. Free slots keep their offset and
// size so the free lists can hand them out again; the last slot of every page
// is a zero-size sentinel.
type slot struct {
	obj  Boxed
	tag  GCTag
	off  int
	size int
}

// Page is a fixed-capacity arena carved up by bump allocation. Fixed pages
// belong to exactly one Chunk; large pages are self-contained and hold a
// single object.
type Page struct {
	heap     *Heap
	chunk    *Chunk
	index    int
	capacity int
	top      int
	slots    []slot
	live     int

	// Large pages only: the raw allocation and the index of the aligned
	// page header inside it. raw[header-1] records the distance back to the
	// start of the raw block.
	raw    []byte
	header int
}

func newPage(chunk *Chunk, index, capacity int) *Page {
	p := &Page{chunk: chunk, index: index, capacity: capacity}
	p.reset()
	return p
}

func (p *Page) reset() {
	p.heap = nil
	p.top = 0
	p.live = 0
	p.slots = append(p.slots[:0], slot{tag: TagSentinel})
}

// Capacity returns the page's usable size in bytes.
func (p *Page) Capacity() int { return p.capacity }

// Used returns the number of bytes handed out by bump allocation.
func (p *Page) Used() int { return p.top }

// Remaining returns the bytes still available to bump allocation.
func (p *Page) Remaining() int { return p.capacity - p.top }

// Live returns the bytes found live by the last sweep, plus anything
// allocated since.
func (p *Page) Live() int { return p.live }

// Chunk returns the owning chunk, or nil for large pages.
func (p *Page) Chunk() *Chunk { return p.chunk }

// IsLarge reports whether this is a dedicated large-object page.
func (p *Page) IsLarge() bool { return p.raw != nil }

// Heap returns the heap currently using the page.
func (p *Page) Heap() *Heap { return p.heap }

// bump places obj at the top of the page. The caller has checked Remaining.
func (p *Page) bump(obj Boxed, tag GCTag, size int) {
	idx := len(p.slots) - 1
	p.slots[idx] = slot{obj: obj, tag: tag, off: p.top, size: size}
	p.slots = append(p.slots, slot{tag: TagSentinel, off: p.top + size})
	p.top += size
	p.live += size
	p.install(obj, tag, idx, size)
}

// reuse places obj into a previously freed slot.
func (p *Page) reuse(idx int, obj Boxed, tag GCTag) {
	s := &p.slots[idx]
	s.obj = obj
	s.tag = tag
	p.live += s.size
	p.install(obj, tag, idx, s.size)
}

func (p *Page) install(obj Boxed, tag GCTag, idx, size int) {
	h := obj.GCHeader()
	h.tag = tag
	h.size = uint32(size)
	h.page = p
	h.slot = int32(idx)
	h.flags &^= flagMarked
	if p.IsLarge() {
		h.flags |= flagLarge
	} else {
		h.flags &^= flagLarge
	}
}

// release frees slot idx, returning the object that occupied it.
func (p *Page) release(idx int) Boxed {
	s := &p.slots[idx]
	obj := s.obj
	s.obj = nil
	s.tag = TagFree
	p.live -= s.size
	if obj != nil {
		h := obj.GCHeader()
		h.page = nil
		h.slot = -1
		h.flags &^= flagMarked
	}
	return obj
}

// Walk visits every allocated object on the page in address order, stopping
// at the sentinel. Returning false from fn stops the walk.
func (p *Page) Walk(fn func(obj Boxed) bool) {
	for i := 0; ; i++ {
		s := p.slots[i]
		if s.tag == TagSentinel {
			return
		}
		if s.obj == nil {
			continue
		}
		if !fn(s.obj) {
			return
		}
	}
}

// Objects returns the number of allocated objects on the page.
func (p *Page) Objects() int {
	n := 0
	p.Walk(func(Boxed) bool { n++; return true })
	return n
}

// verify checks the page's slot walk: contiguous offsets, a terminating
// sentinel, headers pointing back at their slots and a consistent live count.
func (p *Page) verify() error {
	if len(p.slots) == 0 {
		return fmt.Errorf("page %d: empty slot list", p.index)
	}
	off, live := 0, 0
	for i, s := range p.slots {
		if s.off != off {
			return fmt.Errorf("page %d: slot %d at offset %d, expected %d", p.index, i, s.off, off)
		}
		if s.tag == TagSentinel {
			if i != len(p.slots)-1 {
				return fmt.Errorf("page %d: sentinel at slot %d of %d", p.index, i, len(p.slots))
			}
			if s.size != 0 {
				return fmt.Errorf("page %d: sentinel has size %d", p.index, s.size)
			}
			break
		}
		if s.obj != nil {
			h := s.obj.GCHeader()
			if h.page != p || int(h.slot) != i {
				return fmt.Errorf("page %d: slot %d header points elsewhere", p.index, i)
			}
			live += s.size
		}
		off += s.size
	}
	if p.slots[len(p.slots)-1].tag != TagSentinel {
		return fmt.Errorf("page %d: missing sentinel", p.index)
	}
	if off != p.top {
		return fmt.Errorf("page %d: slots cover %d bytes, top is %d", p.index, off, p.top)
	}
	if live != p.live {
		return fmt.Errorf("page %d: live count %d, slots hold %d", p.index, p.live, live)
	}
	return nil
}

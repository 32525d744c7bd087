package heap

import "fmt"

// ---------------------------------------------------------------------------
// PageAllocator: chunk lists shared by one or more heaps
// ---------------------------------------------------------------------------

// largeAlign is the alignment of a large page's header inside its raw block.
const largeAlign = 16

// PageAllocator hands out pages from chunks and owns the collector state of
// every heap that shares it. Heaps start with a private allocator; merging
// two heaps unifies their allocators so one collection covers both graphs.
type PageAllocator struct {
	opts          Options
	pageSize      int
	pagesPerChunk int

	current []*Chunk // chunks with at least one free page
	full    []*Chunk // chunks with none

	nextChunkID     int
	chunksCreated   int
	chunksDestroyed int

	largePages int
	largeBytes int

	heaps []*Heap

	// Collector state for the whole group.
	locks      int
	collecting bool
	allocated  int // bytes allocated since the last collection
	live       int // bytes live after the last collection
	markStack  *MarkStack
	stats      Stats
	collected  uint64
	weak       []*WeakRef
}

func newPageAllocator(opts Options) *PageAllocator {
	return &PageAllocator{
		opts:          opts,
		pageSize:      opts.PageSize,
		pagesPerChunk: opts.PagesPerChunk,
		markStack:     NewMarkStack(opts.MarkStackSegment),
	}
}

// Chunks returns the number of live chunks.
func (a *PageAllocator) Chunks() int { return len(a.current) + len(a.full) }

// CurrentChunks returns the number of chunks with free pages.
func (a *PageAllocator) CurrentChunks() int { return len(a.current) }

// FullChunks returns the number of chunks without free pages.
func (a *PageAllocator) FullChunks() int { return len(a.full) }

// ChunksCreated returns the number of chunks ever created.
func (a *PageAllocator) ChunksCreated() int { return a.chunksCreated }

// ChunksDestroyed returns the number of chunks returned after becoming free.
func (a *PageAllocator) ChunksDestroyed() int { return a.chunksDestroyed }

// LargePages returns the number of live large pages.
func (a *PageAllocator) LargePages() int { return a.largePages }

// Heaps returns the number of heaps sharing the allocator.
func (a *PageAllocator) Heaps() int { return len(a.heaps) }

// PageSize returns the capacity of a fixed page.
func (a *PageAllocator) PageSize() int { return a.pageSize }

func (a *PageAllocator) chunkBytes() int { return a.pageSize * a.pagesPerChunk }

func (a *PageAllocator) committed() int {
	return a.Chunks()*a.chunkBytes() + a.largeBytes
}

func (a *PageAllocator) wouldExceed(extra int) bool {
	if a.opts.MaxChunks <= 0 {
		return false
	}
	return a.committed()+extra > a.opts.MaxChunks*a.chunkBytes()
}

// allocatePage returns a fresh page for h, creating a chunk if no current
// chunk has a free page. Chunk creation goes through s when it is non-nil.
func (a *PageAllocator) allocatePage(s Suspender, h *Heap) (*Page, error) {
	for len(a.current) > 0 {
		c := a.current[len(a.current)-1]
		p := c.takePage()
		if len(c.free) == 0 {
			a.moveToFull(c)
		}
		if p != nil {
			p.heap = h
			return p, nil
		}
	}

	if a.wouldExceed(a.chunkBytes()) {
		log.Errorf("chunk limit reached (%d chunks, %d large bytes)", a.Chunks(), a.largeBytes)
		return nil, newAbort(AbortOutOfMemory, "chunk limit reached", nil)
	}

	var c *Chunk
	create := func() { c = newChunk(a, a.nextChunkID) }
	if s != nil {
		s.Suspend(create)
	} else {
		create()
	}
	if c == nil {
		return nil, newAbort(AbortOutOfMemory, "chunk creation failed", nil)
	}
	a.nextChunkID++
	a.chunksCreated++
	a.current = append(a.current, c)
	log.Debugf("created chunk %d (%d pages of %d bytes)", c.id, len(c.pages), a.pageSize)

	p := c.takePage()
	if len(c.free) == 0 {
		a.moveToFull(c)
	}
	p.heap = h
	return p, nil
}

// freePage returns a fixed page to its chunk. A chunk leaving the full list
// goes back to current; a chunk with every page free is destroyed.
func (a *PageAllocator) freePage(p *Page) {
	c := p.chunk
	if c == nil || c.allocator != a {
		panic(newAbort(AbortFatal, "freeing page not owned by this allocator", nil))
	}
	c.returnPage(p)
	if c.full {
		a.removeChunk(&a.full, c)
		c.full = false
		a.current = append(a.current, c)
	}
	if c.AllFree() {
		a.removeChunk(&a.current, c)
		a.chunksDestroyed++
		c.allocator = nil
		log.Debugf("destroyed chunk %d", c.id)
	}
}

func (a *PageAllocator) moveToFull(c *Chunk) {
	if c.full {
		return
	}
	a.removeChunk(&a.current, c)
	c.full = true
	a.full = append(a.full, c)
}

func (a *PageAllocator) removeChunk(list *[]*Chunk, c *Chunk) {
	l := *list
	for i, x := range l {
		if x == c {
			copy(l[i:], l[i+1:])
			l[len(l)-1] = nil
			*list = l[:len(l)-1]
			return
		}
	}
}

// allocateLarge creates a dedicated page for one object of size bytes. The
// page header sits at the first aligned index past the start of the raw
// block and the byte before it records that distance.
func (a *PageAllocator) allocateLarge(h *Heap, size int) (*Page, error) {
	rawSize := size + largeAlign
	if a.wouldExceed(rawSize) {
		log.Errorf("large allocation of %d bytes exceeds chunk limit", size)
		return nil, newAbort(AbortOutOfMemory, fmt.Sprintf("large allocation of %d bytes", size), nil)
	}
	raw := make([]byte, rawSize)
	header := largeAlign
	raw[header-1] = byte(header)
	p := &Page{
		heap:     h,
		index:    -1,
		capacity: size,
		raw:      raw,
		header:   header,
	}
	p.slots = []slot{{tag: TagSentinel}}
	a.largePages++
	a.largeBytes += rawSize
	return p, nil
}

// rawBlock recovers the original raw allocation of a large page from the
// offset byte preceding its header.
func (p *Page) rawBlock() []byte {
	off := int(p.raw[p.header-1])
	return p.raw[p.header-off:]
}

func (a *PageAllocator) freeLarge(p *Page) {
	raw := p.rawBlock()
	a.largePages--
	a.largeBytes -= len(raw)
	p.raw = nil
	p.heap = nil
	p.slots = nil
}

// merge moves everything owned by donor into a. Every heap of the donor
// group is re-pointed at a.
func (a *PageAllocator) merge(donor *PageAllocator) {
	if donor == a {
		return
	}
	for _, c := range donor.current {
		c.allocator = a
		c.id = a.nextChunkID
		a.nextChunkID++
		a.current = append(a.current, c)
	}
	for _, c := range donor.full {
		c.allocator = a
		c.id = a.nextChunkID
		a.nextChunkID++
		a.full = append(a.full, c)
	}
	a.chunksCreated += donor.chunksCreated
	a.chunksDestroyed += donor.chunksDestroyed
	a.largePages += donor.largePages
	a.largeBytes += donor.largeBytes
	a.locks += donor.locks
	a.allocated += donor.allocated
	a.live += donor.live
	a.weak = append(a.weak, donor.weak...)
	for _, h := range donor.heaps {
		h.allocator = a
		a.heaps = append(a.heaps, h)
	}

	*donor = PageAllocator{opts: donor.opts, pageSize: donor.pageSize, pagesPerChunk: donor.pagesPerChunk}
}

func (a *PageAllocator) verify() error {
	for _, c := range a.current {
		if c.allocator != a {
			return fmt.Errorf("chunk %d on current list belongs to another allocator", c.id)
		}
		if err := c.verify(); err != nil {
			return err
		}
		if c.AllFree() {
			return fmt.Errorf("chunk %d is entirely free but was not destroyed", c.id)
		}
	}
	for _, c := range a.full {
		if c.allocator != a {
			return fmt.Errorf("chunk %d on full list belongs to another allocator", c.id)
		}
		if err := c.verify(); err != nil {
			return err
		}
	}
	for _, h := range a.heaps {
		if h.allocator != a {
			return fmt.Errorf("heap %s points at another allocator", h.id)
		}
	}
	return nil
}

package heap

import "fmt"

// ---------------------------------------------------------------------------
// Chunk: a fixed group of contiguous pages
// ---------------------------------------------------------------------------

// Chunk owns a fixed number of pages and tracks which are free. A chunk sits
// on its allocator's current list while it has free pages and on the full
// list otherwise.
type Chunk struct {
	id        int
	allocator *PageAllocator
	pages     []*Page
	free      []int
	full      bool
}

func newChunk(a *PageAllocator, id int) *Chunk {
	c := &Chunk{id: id, allocator: a}
	c.pages = make([]*Page, a.pagesPerChunk)
	c.free = make([]int, 0, a.pagesPerChunk)
	for i := range c.pages {
		c.pages[i] = newPage(c, i, a.pageSize)
	}
	// Hand out low pages first.
	for i := len(c.pages) - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	return c
}

// ID returns the chunk's allocator-unique id.
func (c *Chunk) ID() int { return c.id }

// Pages returns the number of pages in the chunk.
func (c *Chunk) Pages() int { return len(c.pages) }

// FreePages returns the number of pages not in use.
func (c *Chunk) FreePages() int { return len(c.free) }

// AllFree reports whether no page of the chunk is in use. The allocator
// destroys the chunk when this becomes true.
func (c *Chunk) AllFree() bool { return len(c.free) == len(c.pages) }

func (c *Chunk) takePage() *Page {
	n := len(c.free)
	if n == 0 {
		return nil
	}
	idx := c.free[n-1]
	c.free = c.free[:n-1]
	return c.pages[idx]
}

func (c *Chunk) returnPage(p *Page) {
	p.reset()
	c.free = append(c.free, p.index)
}

func (c *Chunk) verify() error {
	if len(c.free) > len(c.pages) {
		return fmt.Errorf("chunk %d: %d free pages of %d", c.id, len(c.free), len(c.pages))
	}
	seen := make(map[int]bool, len(c.free))
	for _, idx := range c.free {
		if idx < 0 || idx >= len(c.pages) {
			return fmt.Errorf("chunk %d: free page index %d out of range", c.id, idx)
		}
		if seen[idx] {
			return fmt.Errorf("chunk %d: page %d freed twice", c.id, idx)
		}
		seen[idx] = true
		if c.pages[idx].heap != nil || c.pages[idx].top != 0 {
			return fmt.Errorf("chunk %d: free page %d still in use", c.id, idx)
		}
	}
	if c.full != (len(c.free) == 0) {
		return fmt.Errorf("chunk %d: on wrong list (full=%v, free=%d)", c.id, c.full, len(c.free))
	}
	return nil
}

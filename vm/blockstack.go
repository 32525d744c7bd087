package vm

// StackOptions size the register and frame stacks.
type StackOptions struct {
	// InitialBlock is the capacity of the first block.
	InitialBlock int
	// GrowRatio scales the capacity of each new block over the previous one.
	GrowRatio float64
	// MaxFrames bounds script call depth; exceeding it throws a RangeError.
	MaxFrames int
}

// DefaultStackOptions returns the options used for zero fields.
func DefaultStackOptions() StackOptions {
	return StackOptions{InitialBlock: 1024, GrowRatio: 2, MaxFrames: 10000}
}

func (o StackOptions) withDefaults() StackOptions {
	d := DefaultStackOptions()
	if o.InitialBlock <= 0 {
		o.InitialBlock = d.InitialBlock
	}
	if o.GrowRatio < 1 {
		o.GrowRatio = d.GrowRatio
	}
	if o.MaxFrames <= 0 {
		o.MaxFrames = d.MaxFrames
	}
	return o
}

// Block is one fixed-capacity segment of a BlockStack. Its backing array
// never moves, so windows into it stay valid while allocated.
type Block[T any] struct {
	items []T
	used  int
	prev  *Block[T]
	next  *Block[T]
}

// Capacity returns the block's fixed capacity.
func (b *Block[T]) Capacity() int { return len(b.items) }

// Used returns the number of allocated items.
func (b *Block[T]) Used() int { return b.used }

// Window is an allocated run of items in one block.
type Window[T any] struct {
	block   *Block[T]
	offset  int
	size    int
	overlap int
	first   bool // the window opened a new block
}

// Items returns the window contents. The slice aliases the stack.
func (w Window[T]) Items() []T {
	if w.block == nil {
		return nil
	}
	return w.block.items[w.offset : w.offset+w.size : w.offset+w.size]
}

// Len returns the window size.
func (w Window[T]) Len() int { return w.size }

// FirstInBlock reports whether the window started a new block.
func (w Window[T]) FirstInBlock() bool { return w.first }

// Valid reports whether the window refers to allocated storage.
func (w Window[T]) Valid() bool { return w.block != nil }

// BlockStack is a stack of T allocated in windows out of a doubly linked
// list of blocks. Blocks past the active one are kept for reuse until Trim.
type BlockStack[T any] struct {
	first   *Block[T]
	current *Block[T]
	ratio   float64
	blocks  int
	windows int
}

// NewBlockStack creates a stack whose first block holds initial items.
func NewBlockStack[T any](initial int, ratio float64) *BlockStack[T] {
	if initial <= 0 {
		initial = DefaultStackOptions().InitialBlock
	}
	if ratio < 1 {
		ratio = DefaultStackOptions().GrowRatio
	}
	b := &Block[T]{items: make([]T, initial)}
	return &BlockStack[T]{first: b, current: b, ratio: ratio, blocks: 1}
}

// Allocate returns a window of n items. The first overlap items of the
// window are the last overlap items allocated before it: in the same block
// they are shared, otherwise they are copied into the new block.
func (s *BlockStack[T]) Allocate(n, overlap int) Window[T] {
	if overlap > n {
		overlap = n
	}
	cur := s.current
	if overlap > cur.used {
		overlap = cur.used
	}
	if cur.used-overlap+n <= len(cur.items) {
		w := Window[T]{block: cur, offset: cur.used - overlap, size: n, overlap: overlap}
		cur.used += n - overlap
		s.windows++
		return w
	}

	next := cur.next
	if next == nil || len(next.items) < n {
		capacity := int(float64(len(cur.items)) * s.ratio)
		if capacity < n {
			capacity = n
		}
		next = &Block[T]{items: make([]T, capacity), prev: cur, next: cur.next}
		if cur.next != nil {
			cur.next.prev = next
		}
		cur.next = next
		s.blocks++
	}
	copy(next.items[:overlap], cur.items[cur.used-overlap:cur.used])
	next.used = n
	s.current = next
	s.windows++
	return Window[T]{block: next, offset: 0, size: n, overlap: overlap, first: true}
}

// Free releases w, which must be the most recent live window. Items are
// zeroed so released references do not linger. Overlapping items shared
// with the previous window stay allocated.
func (s *BlockStack[T]) Free(w Window[T]) {
	if w.block == nil {
		return
	}
	b := w.block
	var zero T
	if w.first {
		if w.overlap > 0 && b.prev != nil {
			// Propagate values written into copied overlap items.
			prev := b.prev
			copy(prev.items[prev.used-w.overlap:prev.used], b.items[:w.overlap])
		}
		for i := 0; i < b.used; i++ {
			b.items[i] = zero
		}
		b.used = 0
		if b.prev != nil {
			s.current = b.prev
		}
	} else {
		end := w.offset + w.size
		for i := w.offset + w.overlap; i < end; i++ {
			b.items[i] = zero
		}
		b.used = w.offset + w.overlap
	}
	s.windows--
}

// Trim releases every block after the active one.
func (s *BlockStack[T]) Trim() int {
	n := 0
	for b := s.current.next; b != nil; b = b.next {
		n++
	}
	s.current.next = nil
	s.blocks -= n
	return n
}

// Top returns the active block.
func (s *BlockStack[T]) Top() *Block[T] { return s.current }

// Depth returns the number of live windows.
func (s *BlockStack[T]) Depth() int { return s.windows }

// Blocks returns the number of blocks, including spare ones.
func (s *BlockStack[T]) Blocks() int { return s.blocks }

// Each calls fn for every allocated item from the bottom of the stack up.
func (s *BlockStack[T]) Each(fn func(*T)) {
	for b := s.first; b != nil; b = b.next {
		for i := 0; i < b.used; i++ {
			fn(&b.items[i])
		}
		if b == s.current {
			return
		}
	}
}

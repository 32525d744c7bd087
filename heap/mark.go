package heap

// ---------------------------------------------------------------------------
// MarkStack: explicit, segmented stack of grey objects
// ---------------------------------------------------------------------------

// MarkStack holds objects that are marked but not yet traced. It grows by
// whole segments so deep object graphs never recurse on the native stack.
type MarkStack struct {
	segSize  int
	segs     [][]Boxed
	top      int // entries used in the last segment
	spare    []Boxed
	peak     int
	overflow int
}

// NewMarkStack creates a mark stack with segments of segSize entries.
func NewMarkStack(segSize int) *MarkStack {
	if segSize <= 0 {
		segSize = DefaultOptions().MarkStackSegment
	}
	return &MarkStack{
		segSize: segSize,
		segs:    [][]Boxed{make([]Boxed, segSize)},
	}
}

// Push adds an object, growing into a new segment when the current one is
// full.
func (m *MarkStack) Push(b Boxed) {
	if m.top == m.segSize {
		m.grow()
	}
	m.segs[len(m.segs)-1][m.top] = b
	m.top++
}

// Pop removes the most recently pushed object. It returns nil when empty.
func (m *MarkStack) Pop() Boxed {
	if m.top == 0 {
		if len(m.segs) == 1 {
			return nil
		}
		m.shrink()
	}
	m.top--
	seg := m.segs[len(m.segs)-1]
	b := seg[m.top]
	seg[m.top] = nil
	return b
}

// Empty reports whether the stack holds no objects.
func (m *MarkStack) Empty() bool {
	return m.top == 0 && len(m.segs) == 1
}

// Len returns the number of objects on the stack.
func (m *MarkStack) Len() int {
	return (len(m.segs)-1)*m.segSize + m.top
}

// Segments returns the number of segments currently in use.
func (m *MarkStack) Segments() int { return len(m.segs) }

// PeakSegments returns the largest number of segments used at once.
func (m *MarkStack) PeakSegments() int {
	if m.peak == 0 {
		return 1
	}
	return m.peak
}

// Overflows returns how many times the stack grew a segment.
func (m *MarkStack) Overflows() int { return m.overflow }

func (m *MarkStack) grow() {
	seg := m.spare
	m.spare = nil
	if seg == nil {
		seg = make([]Boxed, m.segSize)
	}
	m.segs = append(m.segs, seg)
	m.top = 0
	m.overflow++
	if len(m.segs) > m.peak {
		m.peak = len(m.segs)
	}
}

func (m *MarkStack) shrink() {
	n := len(m.segs) - 1
	m.spare = m.segs[n]
	m.segs[n] = nil
	m.segs = m.segs[:n]
	m.top = m.segSize
}

// ---------------------------------------------------------------------------
// Tracer: marking visitor handed to roots and GCTrace
// ---------------------------------------------------------------------------

// Tracer marks objects reachable from roots. GCTrace implementations call
// Mark for every heap reference they hold.
type Tracer struct {
	stack  *MarkStack
	marked int
	bytes  int
}

func newTracer(stack *MarkStack) *Tracer {
	return &Tracer{stack: stack}
}

// Mark flags b as reachable and queues it for tracing. Nil references and
// objects that are not allocated on a heap are ignored.
func (t *Tracer) Mark(b Boxed) {
	if b == nil {
		return
	}
	h := b.GCHeader()
	if h.page == nil || h.Marked() {
		return
	}
	h.setMark()
	t.marked++
	t.bytes += int(h.size)
	t.stack.Push(b)
}

// Marked returns the number of objects marked so far.
func (t *Tracer) Marked() int { return t.marked }

func (t *Tracer) drain() {
	for {
		b := t.stack.Pop()
		if b == nil {
			return
		}
		b.GCTrace(t)
	}
}

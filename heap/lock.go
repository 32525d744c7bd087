package heap

// CollectorLock keeps the collector from running while it is held. Code
// holding freshly allocated objects that are not yet reachable from a root
// takes one and releases it on every exit path, usually with defer.
type CollectorLock struct {
	heap *Heap
}

// Lock acquires a collector lock on h's allocator group.
func (h *Heap) Lock() *CollectorLock {
	h.allocator.locks++
	return &CollectorLock{heap: h}
}

// Release gives the lock back. Releasing an already released lock does
// nothing. A lock taken before a merge is released against the allocator the
// heap uses now.
func (l *CollectorLock) Release() {
	if l == nil || l.heap == nil {
		return
	}
	a := l.heap.allocator
	if a.locks <= 0 {
		panic(newAbort(AbortFatal, "collector lock count underflow", nil))
	}
	a.locks--
	l.heap = nil
}

// Held reports whether the lock has not been released.
func (l *CollectorLock) Held() bool { return l != nil && l.heap != nil }

// Locked reports whether any collector lock is held on h's group.
func (h *Heap) Locked() bool { return h.allocator.locks > 0 }

// LockCount returns the number of collector locks held on h's group.
func (h *Heap) LockCount() int { return h.allocator.locks }

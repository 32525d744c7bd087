package heap

// ---------------------------------------------------------------------------
// WeakRef: a reference that does not keep its target alive
// ---------------------------------------------------------------------------

// WeakRef holds a reference the collector does not trace. When a collection
// finds the target unmarked, the reference is cleared and its finalizer, if
// any, runs before the target is swept.
type WeakRef struct {
	target    Boxed
	finalizer func(Boxed)
	released  bool
}

// NewWeakRef registers a weak reference to target with h's allocator group.
func (h *Heap) NewWeakRef(target Boxed) *WeakRef {
	wr := &WeakRef{target: target}
	h.allocator.weak = append(h.allocator.weak, wr)
	return wr
}

// Get returns the target, or nil once it has been collected.
func (wr *WeakRef) Get() Boxed { return wr.target }

// IsAlive reports whether the target has not been collected.
func (wr *WeakRef) IsAlive() bool { return wr.target != nil }

// SetFinalizer installs a callback run when the target is collected. The
// callback must not store the target anywhere reachable.
func (wr *WeakRef) SetFinalizer(fn func(Boxed)) { wr.finalizer = fn }

// Release drops the reference; the next collection unregisters it.
func (wr *WeakRef) Release() {
	wr.target = nil
	wr.finalizer = nil
	wr.released = true
}

// clearWeak runs after mark. It clears references to unmarked targets,
// runs their finalizers and compacts the registry.
func (a *PageAllocator) clearWeak() int {
	cleared := 0
	var finalize []*WeakRef
	kept := a.weak[:0]
	for _, wr := range a.weak {
		if wr.released {
			continue
		}
		if wr.target != nil && !wr.target.GCHeader().Marked() {
			if wr.finalizer != nil {
				finalize = append(finalize, &WeakRef{target: wr.target, finalizer: wr.finalizer})
			}
			wr.target = nil
			cleared++
		}
		if wr.target != nil {
			kept = append(kept, wr)
		}
	}
	for i := len(kept); i < len(a.weak); i++ {
		a.weak[i] = nil
	}
	a.weak = kept

	for _, f := range finalize {
		f.finalizer(f.target)
	}
	return cleared
}

// WeakRefs returns the number of registered weak references.
func (h *Heap) WeakRefs() int { return len(h.allocator.weak) }

package heap

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Collector: stop-the-world mark-sweep over an allocator group
// ---------------------------------------------------------------------------

// Reason records what triggered a collection.
type Reason int

const (
	ReasonExplicit Reason = iota
	ReasonPolicy
	ReasonMaintenance
	ReasonExhausted
)

func (r Reason) String() string {
	switch r {
	case ReasonExplicit:
		return "explicit"
	case ReasonPolicy:
		return "load factor"
	case ReasonMaintenance:
		return "maintenance"
	case ReasonExhausted:
		return "chunk limit"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Stats holds statistics from a single collection.
type Stats struct {
	Reason        Reason
	Heaps         int
	Marked        int
	MarkedBytes   int
	Swept         int
	SweptBytes    int
	Destroyed     int
	PagesReleased int
	LargeReleased int
	WeakCleared   int
	MarkSegments  int
	LiveBytes     int
	NextLimit     int
	MarkDuration  time.Duration
	SweepDuration time.Duration
	Timestamp     time.Time
}

// Collect runs a full collection over every heap sharing h's allocator. It
// returns false without doing anything while a collector lock is held or a
// collection is already running.
func (h *Heap) Collect(reason Reason) bool {
	a := h.allocator
	if a.locks > 0 || a.collecting {
		log.Debugf("collection (%s) deferred: %d lock(s) held", reason, a.locks)
		return false
	}
	a.collecting = true
	defer func() { a.collecting = false }()

	stats := Stats{Reason: reason, Heaps: len(a.heaps), Timestamp: time.Now()}

	// Mark.
	t := newTracer(a.markStack)
	for _, hh := range a.heaps {
		hh.traceRoots(t)
		if reason == ReasonExhausted {
			for _, b := range hh.young {
				t.Mark(b)
			}
		}
	}
	t.drain()
	stats.Marked = t.marked
	stats.MarkedBytes = t.bytes
	stats.MarkSegments = a.markStack.PeakSegments()
	stats.WeakCleared = a.clearWeak()
	stats.MarkDuration = time.Since(stats.Timestamp)

	// Sweep. Mark is complete for the whole group before any slot is freed.
	sweepStart := time.Now()
	live := 0
	for _, hh := range a.heaps {
		live += hh.sweep(&stats)
	}
	stats.SweepDuration = time.Since(sweepStart)

	a.live = live
	a.allocated = 0
	stats.LiveBytes = live
	stats.NextLimit = a.limit()
	a.stats = stats
	a.collected++
	for _, hh := range a.heaps {
		hh.maintenance.Store(false)
		hh.pruneYoung()
	}

	log.Debugf("collection (%s): marked %d (%d bytes), swept %d (%d bytes), destroyed %d, released %d pages, live %d bytes, mark %s, sweep %s",
		reason, stats.Marked, stats.MarkedBytes, stats.Swept, stats.SweptBytes, stats.Destroyed,
		stats.PagesReleased+stats.LargeReleased, live, stats.MarkDuration, stats.SweepDuration)
	return true
}

// sweep reclaims unmarked objects on h's pages and returns the live bytes
// left behind. Empty pages go back to the allocator; surviving pages donate
// their free slots to the free lists.
func (h *Heap) sweep(stats *Stats) int {
	a := h.allocator
	h.clearFreeLists()
	live := 0
	kept := h.pages[:0]
	for _, p := range h.pages {
		swept := p.sweep(stats)
		h.objects -= swept

		if p.live == 0 {
			if p == h.current {
				h.current = nil
			}
			if p.IsLarge() {
				a.freeLarge(p)
				stats.LargeReleased++
			} else {
				a.freePage(p)
				stats.PagesReleased++
			}
			continue
		}

		if !p.IsLarge() {
			p.trimTail()
			for i := 0; p.slots[i].tag != TagSentinel; i++ {
				if p.slots[i].obj == nil {
					h.addFree(p, i)
				}
			}
		}
		live += p.live
		kept = append(kept, p)
	}
	for i := len(kept); i < len(h.pages); i++ {
		h.pages[i] = nil
	}
	h.pages = kept
	return live
}

// sweep frees every unmarked object on the page, running teardown for
// needs-destroy objects first, and clears the mark on survivors.
func (p *Page) sweep(stats *Stats) int {
	swept := 0
	for i := 0; p.slots[i].tag != TagSentinel; i++ {
		obj := p.slots[i].obj
		if obj == nil {
			continue
		}
		hd := obj.GCHeader()
		if hd.Marked() {
			hd.clearMark()
			continue
		}
		if hd.NeedsDestroy() {
			if d, ok := obj.(Destroyer); ok {
				d.GCDestroy()
				stats.Destroyed++
			}
			hd.SetNeedsDestroy(false)
		}
		stats.SweptBytes += p.slots[i].size
		p.release(i)
		swept++
	}
	stats.Swept += swept
	return swept
}

// trimTail hands trailing free slots back to bump allocation.
func (p *Page) trimTail() {
	n := len(p.slots) - 1 // sentinel
	for n > 0 && p.slots[n-1].obj == nil {
		n--
	}
	if n == len(p.slots)-1 {
		return
	}
	top := p.slots[n].off
	p.slots = append(p.slots[:n], slot{tag: TagSentinel, off: top})
	p.top = top
}

// ---------------------------------------------------------------------------
// Policy
// ---------------------------------------------------------------------------

func (a *PageAllocator) limit() int {
	l := int((a.opts.LoadFactor - 1) * float64(a.live))
	if l < a.opts.MinCollectBytes {
		l = a.opts.MinCollectBytes
	}
	return l
}

// ShouldCollect reports whether the load-factor policy or a pending
// maintenance request calls for a collection.
func (h *Heap) ShouldCollect() bool {
	return h.allocator.allocated > h.allocator.limit() || h.maintenance.Load()
}

// MaybeCollect is the routine checkpoint: it ends the young window and
// collects when ShouldCollect says so, reporting whether a collection ran.
func (h *Heap) MaybeCollect() bool {
	h.Checkpoint()
	if !h.ShouldCollect() {
		return false
	}
	reason := ReasonPolicy
	if h.maintenance.Load() && h.allocator.allocated <= h.allocator.limit() {
		reason = ReasonMaintenance
	}
	return h.Collect(reason)
}

// RequestMaintenance asks for a collection at the next checkpoint. It is
// safe to call from any goroutine.
func (h *Heap) RequestMaintenance() { h.maintenance.Store(true) }

// MaintenancePending reports whether a maintenance collection is requested.
func (h *Heap) MaintenancePending() bool { return h.maintenance.Load() }

// LastStats returns statistics from the group's most recent collection.
func (h *Heap) LastStats() Stats { return h.allocator.stats }

// Collections returns how many collections the group has run.
func (h *Heap) Collections() uint64 { return h.allocator.collected }

// Collecting reports whether a collection is in progress.
func (h *Heap) Collecting() bool { return h.allocator.collecting }

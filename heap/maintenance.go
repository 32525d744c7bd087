package heap

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Maintenance: periodic idle-collection requests
// ---------------------------------------------------------------------------

// DefaultMaintenanceInterval is used when Start is called on a scheduler
// created with a zero interval.
const DefaultMaintenanceInterval = 30 * time.Second

// Maintenance periodically asks a heap for a collection. The ticker
// goroutine never touches heap state itself: it raises the heap's
// maintenance flag and the interpreter thread collects at its next
// checkpoint.
type Maintenance struct {
	heap     *Heap
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex

	requests atomic.Uint64
}

// NewMaintenance creates a scheduler for h. A non-positive interval selects
// the heap's MaintenanceInterval, or DefaultMaintenanceInterval if that is
// zero too.
func NewMaintenance(h *Heap, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = h.opts.MaintenanceInterval
	}
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	m := &Maintenance{heap: h, interval: interval}
	m.enabled.Store(true)
	return m
}

// Start begins the ticker goroutine. Calling Start on a running scheduler
// does nothing.
func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.loop(m.stop, m.stopped)
}

// Stop halts the ticker goroutine and waits for it to exit. It is safe to
// call Stop more than once or on a scheduler that never started.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	stopCh, stoppedCh := m.stop, m.stopped
	m.stop, m.stopped = nil, nil
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled pauses or resumes requests without stopping the goroutine.
func (m *Maintenance) SetEnabled(enabled bool) { m.enabled.Store(enabled) }

// Interval returns the tick period.
func (m *Maintenance) Interval() time.Duration { return m.interval }

// Requests returns how many maintenance requests have been raised.
func (m *Maintenance) Requests() uint64 { return m.requests.Load() }

func (m *Maintenance) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if m.enabled.Load() {
				m.heap.RequestMaintenance()
				m.requests.Add(1)
			}
		}
	}
}

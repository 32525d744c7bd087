package heap

import "time"

// Options are the heap's tuning knobs. None of them affect correctness; they
// trade memory for collection frequency and allocation speed.
type Options struct {
	// PageSize is the usable capacity of a fixed page in bytes. Objects
	// larger than a page get a dedicated large page.
	PageSize int

	// PagesPerChunk is the number of pages a chunk owns.
	PagesPerChunk int

	// MaxChunks bounds the committed memory to MaxChunks full chunks,
	// large pages included. Zero means unbounded.
	MaxChunks int

	// LoadFactor is the target ratio of heap size to live bytes. A
	// collection runs once the bytes allocated since the last one exceed
	// (LoadFactor-1) * live.
	LoadFactor float64

	// MinCollectBytes is the least allocation volume between collections.
	MinCollectBytes int

	// QuickListMax is the largest object size (header included) served by
	// the segregated quick lists. Clamped to 64 size classes.
	QuickListMax int

	// MarkStackSegment is the number of entries per mark stack segment.
	MarkStackSegment int

	// MaintenanceInterval is the period of the idle maintenance collector.
	// Zero disables it.
	MaintenanceInterval time.Duration
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		PageSize:            32 * 1024,
		PagesPerChunk:       16,
		LoadFactor:          2.0,
		MinCollectBytes:     256 * 1024,
		QuickListMax:        256,
		MarkStackSegment:    1024,
		MaintenanceInterval: 0,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	o.PageSize = roundUp(o.PageSize, Alignment)
	if o.PagesPerChunk <= 0 {
		o.PagesPerChunk = d.PagesPerChunk
	}
	if o.LoadFactor <= 1 {
		o.LoadFactor = d.LoadFactor
	}
	if o.MinCollectBytes <= 0 {
		o.MinCollectBytes = d.MinCollectBytes
	}
	if o.QuickListMax <= 0 {
		o.QuickListMax = d.QuickListMax
	}
	if o.QuickListMax > maxQuickClasses*Alignment {
		o.QuickListMax = maxQuickClasses * Alignment
	}
	if o.MarkStackSegment <= 0 {
		o.MarkStackSegment = d.MarkStackSegment
	}
	return o
}

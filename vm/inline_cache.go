package vm

// Inline caching for property access.
//
// Each get/put site in a Code owns a PropertyCache indexed by instruction
// position. Entries are keyed by class id, so any structural change that
// invalidates a class makes its entries miss. Entries also record the
// property serial, which changes when a method slot is redefined.

// CacheState is the state of a property cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // no lookup recorded
	CacheMonomorphic                   // one class seen
	CachePolymorphic                   // 2 to MaxPICEntries classes
	CacheMegamorphic                   // too many classes, always miss
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	default:
		return "megamorphic"
	}
}

// MaxPICEntries is the number of classes a polymorphic cache holds.
const MaxPICEntries = 6

// CacheEntry is one cached own-property lookup.
type CacheEntry struct {
	ID     uint32
	Index  int
	Serial uint32
}

// PropertyCache is the cache of a single access site. It moves from empty
// to monomorphic to polymorphic to megamorphic and never back, except
// through Reset.
type PropertyCache struct {
	State   CacheState
	Entries [MaxPICEntries]CacheEntry
	Count   int

	Hits   uint64
	Misses uint64
}

// Lookup returns the entry recorded for cls, checking the serial of the
// cached property.
func (pc *PropertyCache) Lookup(cls *Class) (CacheEntry, bool) {
	if pc.State == CacheMonomorphic || pc.State == CachePolymorphic {
		id := cls.ID()
		for i := 0; i < pc.Count; i++ {
			e := pc.Entries[i]
			if e.ID == id && cls.Serial(e.Index) == e.Serial {
				pc.Hits++
				return e, true
			}
		}
	}
	pc.Misses++
	return CacheEntry{}, false
}

// Update records a lookup result for cls. An entry for the same class id
// is replaced in place.
func (pc *PropertyCache) Update(cls *Class, e CacheEntry) {
	e.ID = cls.ID()
	e.Serial = cls.Serial(e.Index)
	for i := 0; i < pc.Count; i++ {
		if pc.Entries[i].ID == e.ID {
			pc.Entries[i] = e
			return
		}
	}
	switch pc.State {
	case CacheEmpty:
		pc.State = CacheMonomorphic
		pc.Entries[0] = e
		pc.Count = 1
	case CacheMonomorphic, CachePolymorphic:
		if pc.Count < MaxPICEntries {
			pc.Entries[pc.Count] = e
			pc.Count++
			pc.State = CachePolymorphic
			return
		}
		pc.State = CacheMegamorphic
		pc.Entries = [MaxPICEntries]CacheEntry{}
		pc.Count = 0
	}
}

// HitRate returns the hit percentage.
func (pc *PropertyCache) HitRate() float64 {
	total := pc.Hits + pc.Misses
	if total == 0 {
		return 0
	}
	return float64(pc.Hits) * 100 / float64(total)
}

// Reset returns the cache to the empty state.
func (pc *PropertyCache) Reset() {
	*pc = PropertyCache{}
}

// ---------------------------------------------------------------------------
// CacheTable
// ---------------------------------------------------------------------------

// CacheTable maps instruction positions of a Code to their caches.
type CacheTable struct {
	caches map[int]*PropertyCache
}

// NewCacheTable creates an empty table.
func NewCacheTable() *CacheTable {
	return &CacheTable{caches: make(map[int]*PropertyCache)}
}

// GetOrCreate returns the cache for pc, creating it if needed.
func (t *CacheTable) GetOrCreate(pc int) *PropertyCache {
	if c := t.caches[pc]; c != nil {
		return c
	}
	c := &PropertyCache{}
	t.caches[pc] = c
	return c
}

// Get returns the cache for pc, or nil.
func (t *CacheTable) Get(pc int) *PropertyCache { return t.caches[pc] }

// CacheStats aggregates a table's caches.
type CacheStats struct {
	Sites       int
	Monomorphic int
	Polymorphic int
	Megamorphic int
	Empty       int
	Hits        uint64
	Misses      uint64
}

// HitRate returns the aggregate hit percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}

// Stats returns aggregate statistics.
func (t *CacheTable) Stats() CacheStats {
	var s CacheStats
	for _, c := range t.caches {
		s.Sites++
		switch c.State {
		case CacheEmpty:
			s.Empty++
		case CacheMonomorphic:
			s.Monomorphic++
		case CachePolymorphic:
			s.Polymorphic++
		case CacheMegamorphic:
			s.Megamorphic++
		}
		s.Hits += c.Hits
		s.Misses += c.Misses
	}
	return s
}

// Reset clears every cache.
func (t *CacheTable) Reset() {
	for _, c := range t.caches {
		c.Reset()
	}
}

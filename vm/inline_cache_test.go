package vm

import (
	"fmt"
	"testing"
)

// distinctClasses returns n classes with different ids, each with one
// property at index 0.
func distinctClasses(n int) []*Class {
	tree, root := newTestTree()
	out := make([]*Class, n)
	for i := range out {
		out[i] = tree.ClassFor(root, fmt.Sprintf("p%d", i), AttrNone, StorageWhatever)
	}
	return out
}

func TestPropertyCacheEmpty(t *testing.T) {
	pc := &PropertyCache{}
	cls := distinctClasses(1)[0]

	if _, ok := pc.Lookup(cls); ok {
		t.Error("Expected miss from empty cache")
	}
	if pc.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", pc.Misses)
	}
}

func TestPropertyCacheMonomorphic(t *testing.T) {
	pc := &PropertyCache{}
	classes := distinctClasses(2)

	pc.Update(classes[0], CacheEntry{Index: 0})
	if pc.State != CacheMonomorphic {
		t.Errorf("Expected monomorphic state, got %v", pc.State)
	}
	if pc.Count != 1 {
		t.Errorf("Expected count 1, got %d", pc.Count)
	}

	e, ok := pc.Lookup(classes[0])
	if !ok || e.Index != 0 {
		t.Error("Expected cache hit")
	}
	if pc.Hits != 1 {
		t.Errorf("Expected 1 hit, got %d", pc.Hits)
	}

	if _, ok := pc.Lookup(classes[1]); ok {
		t.Error("Expected cache miss for different class")
	}
	if pc.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", pc.Misses)
	}
}

func TestPropertyCacheUpgradeToPolymorphic(t *testing.T) {
	pc := &PropertyCache{}
	classes := distinctClasses(2)

	pc.Update(classes[0], CacheEntry{Index: 0})
	pc.Update(classes[1], CacheEntry{Index: 0})
	if pc.State != CachePolymorphic {
		t.Errorf("Expected polymorphic, got %v", pc.State)
	}
	if pc.Count != 2 {
		t.Errorf("Expected count 2, got %d", pc.Count)
	}
	for i, cls := range classes {
		if _, ok := pc.Lookup(cls); !ok {
			t.Errorf("class %d should hit", i)
		}
	}
}

func TestPropertyCacheUpdateSameClassReplaces(t *testing.T) {
	pc := &PropertyCache{}
	cls := distinctClasses(1)[0]

	pc.Update(cls, CacheEntry{Index: 0})
	pc.Update(cls, CacheEntry{Index: 0})
	if pc.State != CacheMonomorphic || pc.Count != 1 {
		t.Errorf("state = %v, count = %d; want monomorphic, 1", pc.State, pc.Count)
	}
}

func TestPropertyCacheUpgradeToMegamorphic(t *testing.T) {
	pc := &PropertyCache{}
	classes := distinctClasses(MaxPICEntries + 1)

	for _, cls := range classes[:MaxPICEntries] {
		pc.Update(cls, CacheEntry{Index: 0})
	}
	if pc.State != CachePolymorphic || pc.Count != MaxPICEntries {
		t.Fatalf("state = %v, count = %d", pc.State, pc.Count)
	}

	pc.Update(classes[MaxPICEntries], CacheEntry{Index: 0})
	if pc.State != CacheMegamorphic {
		t.Errorf("Expected megamorphic, got %v", pc.State)
	}
	if pc.Count != 0 {
		t.Errorf("megamorphic cache kept %d entries", pc.Count)
	}
	if _, ok := pc.Lookup(classes[0]); ok {
		t.Error("megamorphic cache should always miss")
	}

	// Megamorphic is terminal.
	pc.Update(classes[0], CacheEntry{Index: 0})
	if pc.State != CacheMegamorphic {
		t.Errorf("state = %v after update, want megamorphic", pc.State)
	}

	pc.Reset()
	if pc.State != CacheEmpty || pc.Hits != 0 || pc.Misses != 0 {
		t.Error("Reset should clear state and counters")
	}
}

func TestPropertyCacheInvalidation(t *testing.T) {
	pc := &PropertyCache{}
	cls := distinctClasses(1)[0]

	pc.Update(cls, CacheEntry{Index: 0})
	cls.Invalidate()
	if _, ok := pc.Lookup(cls); ok {
		t.Error("invalidated class should miss")
	}
}

func TestPropertyCacheSerial(t *testing.T) {
	pc := &PropertyCache{}
	cls := distinctClasses(1)[0]

	pc.Update(cls, CacheEntry{Index: 0})
	cls.BumpSerial(0)
	if _, ok := pc.Lookup(cls); ok {
		t.Error("redefined property should miss")
	}
	pc.Update(cls, CacheEntry{Index: 0})
	if _, ok := pc.Lookup(cls); !ok {
		t.Error("refreshed entry should hit")
	}
}

func TestPropertyCacheHitRate(t *testing.T) {
	pc := &PropertyCache{}
	if pc.HitRate() != 0 {
		t.Error("empty cache hit rate should be 0")
	}
	cls := distinctClasses(1)[0]
	pc.Lookup(cls)
	pc.Update(cls, CacheEntry{Index: 0})
	pc.Lookup(cls)
	pc.Lookup(cls)
	pc.Lookup(cls)
	if got := pc.HitRate(); got != 75 {
		t.Errorf("HitRate() = %v, want 75", got)
	}
}

func TestCacheStateString(t *testing.T) {
	tests := map[CacheState]string{
		CacheEmpty:       "empty",
		CacheMonomorphic: "monomorphic",
		CachePolymorphic: "polymorphic",
		CacheMegamorphic: "megamorphic",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

// ---------------------------------------------------------------------------
// CacheTable
// ---------------------------------------------------------------------------

func TestCacheTable(t *testing.T) {
	table := NewCacheTable()
	classes := distinctClasses(MaxPICEntries + 1)

	if table.Get(3) != nil {
		t.Error("Get on an unused site should return nil")
	}
	a := table.GetOrCreate(3)
	if table.GetOrCreate(3) != a {
		t.Error("GetOrCreate should return the same cache")
	}
	a.Update(classes[0], CacheEntry{Index: 0})
	a.Lookup(classes[0])

	b := table.GetOrCreate(7)
	b.Update(classes[0], CacheEntry{Index: 0})
	b.Update(classes[1], CacheEntry{Index: 0})

	c := table.GetOrCreate(9)
	for _, cls := range classes {
		c.Update(cls, CacheEntry{Index: 0})
	}
	c.Lookup(classes[0])

	table.GetOrCreate(11)

	s := table.Stats()
	if s.Sites != 4 || s.Monomorphic != 1 || s.Polymorphic != 1 || s.Megamorphic != 1 || s.Empty != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
	if s.HitRate() != 50 {
		t.Errorf("HitRate() = %v, want 50", s.HitRate())
	}

	table.Reset()
	if s := table.Stats(); s.Empty != 4 || s.Hits != 0 {
		t.Errorf("after Reset: %+v", s)
	}
}

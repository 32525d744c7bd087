package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var classLog = commonlog.GetLogger("esrt.vm.class")

// ---------------------------------------------------------------------------
// Class: hidden class describing an object's property layout
// ---------------------------------------------------------------------------

// ClassKind distinguishes the three class representations.
type ClassKind uint8

const (
	// ClassNode owns an exact-size private table. Its single child becomes
	// a child map on the second distinct extension.
	ClassNode ClassKind = iota
	// ClassCompact views a prefix of a table shared along a linear chain.
	ClassCompact
	// ClassHash belongs to one object and is mutated in place.
	ClassHash
)

func (k ClassKind) String() string {
	switch k {
	case ClassNode:
		return "node"
	case ClassCompact:
		return "compact"
	case ClassHash:
		return "hash"
	}
	return fmt.Sprintf("ClassKind(%d)", int(k))
}

// ClassOptions tune class tree growth. None of them affect which class an
// object ends up with, only how tables are shared and sized.
type ClassOptions struct {
	// LinearGrowthLimit is the table capacity below which tables grow by a
	// fixed step, and the level below which a diverging extension copies
	// its prefix into a private node table.
	LinearGrowthLimit int
	// GrowthRate is the geometric table growth factor past the limit.
	GrowthRate float64
	// HashThreshold is the property count at which an object switches to
	// a private hash class.
	HashThreshold int
}

// DefaultClassOptions returns the options used for zero fields.
func DefaultClassOptions() ClassOptions {
	return ClassOptions{LinearGrowthLimit: 8, GrowthRate: 1.5, HashThreshold: 64}
}

func (o ClassOptions) withDefaults() ClassOptions {
	d := DefaultClassOptions()
	if o.LinearGrowthLimit <= 0 {
		o.LinearGrowthLimit = d.LinearGrowthLimit
	}
	if o.GrowthRate <= 1 {
		o.GrowthRate = d.GrowthRate
	}
	if o.HashThreshold <= 0 {
		o.HashThreshold = d.HashThreshold
	}
	return o
}

type transitionOp uint8

const (
	opAdd transitionOp = iota
	opPreventExtensions
)

// transition keys a child edge: the same base and key always yield the
// same child.
type transition struct {
	op      transitionOp
	name    string
	attrs   Attributes
	storage StorageType
}

// classIDs hands out ids unique across every class tree in the process, so
// caches stay sound when objects from merged runtimes meet at one site.
var classIDs atomic.Uint32

// Class is a hidden class. Node and compact classes are never changed once
// published: every structural change produces a different class. Hash
// classes are owned by a single object and change in place, invalidating
// their id each time.
type Class struct {
	tree      *ClassTree
	kind      ClassKind
	name      string
	prototype *Object

	parent *Class
	edge   transition
	level  int
	table  *PropertyTable

	child    *Class
	children map[transition]*Class

	extensible bool

	id            uint32
	assignedAt    uint64
	checkedAt     uint64
	invalidatedAt uint64

	serials []uint32
}

// Kind returns the class representation.
func (c *Class) Kind() ClassKind { return c.kind }

// Name returns the class name used by Object.prototype.toString.
func (c *Class) Name() string { return c.name }

// Prototype returns the prototype shared by instances of the class.
func (c *Class) Prototype() *Object { return c.prototype }

// Parent returns the class this one was extended from, or nil for roots and
// hash classes.
func (c *Class) Parent() *Class { return c.parent }

// Tree returns the owning class tree.
func (c *Class) Tree() *ClassTree { return c.tree }

// Count returns the number of properties.
func (c *Class) Count() int {
	if c.kind == ClassHash {
		return c.table.Len()
	}
	return c.level
}

// Table returns the property table the class views.
func (c *Class) Table() *PropertyTable { return c.table }

// Extensible reports whether properties may be added.
func (c *Class) Extensible() bool { return c.extensible }

// Find returns the index of property name.
func (c *Class) Find(name string) (int, bool) {
	return c.table.find(name, c.Count())
}

// Property returns property i.
func (c *Class) Property(i int) PropertyInfo { return c.table.Property(i) }

// Layout returns the layout of property i.
func (c *Class) Layout(i int) LayoutInfo { return c.table.Layout(i) }

// StorageSize returns the packed size of an instance's property storage.
func (c *Class) StorageSize() int { return c.table.end(c.Count()) }

// Children returns the number of child edges.
func (c *Class) Children() int {
	if c.children != nil {
		return len(c.children)
	}
	if c.child != nil {
		return 1
	}
	return 0
}

// Frozen reports whether the class is non-extensible with every property
// non-configurable and every data property read-only.
func (c *Class) Frozen() bool {
	if c.extensible {
		return false
	}
	for i := 0; i < c.Count(); i++ {
		a := c.table.props[i].Attributes
		if !a.Has(DontDelete) || (a&Accessor == 0 && !a.Has(ReadOnly)) {
			return false
		}
	}
	return true
}

// Sealed reports whether the class is non-extensible with every property
// non-configurable.
func (c *Class) Sealed() bool {
	if c.extensible {
		return false
	}
	for i := 0; i < c.Count(); i++ {
		if !c.table.props[i].Attributes.Has(DontDelete) {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether c lies on other's parent chain (or is other).
func (c *Class) IsAncestorOf(other *Class) bool {
	for a := other; a != nil; a = a.parent {
		if a == c {
			return true
		}
	}
	return false
}

func (c *Class) String() string {
	return fmt.Sprintf("%s class %q (%d properties)", c.kind, c.name, c.Count())
}

// ---------------------------------------------------------------------------
// Ids and invalidation
// ---------------------------------------------------------------------------

// ID returns the class id, assigning a fresh one if the class or any
// ancestor was invalidated since the current id was handed out. Between
// invalidations the check is a single epoch comparison.
func (c *Class) ID() uint32 {
	t := c.tree
	if c.id != 0 && c.checkedAt == t.epoch {
		return c.id
	}
	var newest uint64
	for a := c; a != nil; a = a.parent {
		if a.invalidatedAt > newest {
			newest = a.invalidatedAt
		}
	}
	if c.id == 0 || newest > c.assignedAt {
		c.id = classIDs.Add(1)
		c.assignedAt = t.epoch
		t.stats.IDsAssigned++
	}
	c.checkedAt = t.epoch
	return c.id
}

// Invalidate retires the ids of c and every class below it. Inline cache
// entries recorded against those ids miss from now on.
func (c *Class) Invalidate() {
	t := c.tree
	t.epoch++
	c.invalidatedAt = t.epoch
	t.stats.Invalidations++
	classLog.Debugf("invalidated %s at epoch %d", c, t.epoch)
}

// Serial returns the redefinition serial of property i.
func (c *Class) Serial(i int) uint32 {
	if i < len(c.serials) {
		return c.serials[i]
	}
	return 0
}

// BumpSerial records a redefinition of property i.
func (c *Class) BumpSerial(i int) {
	for len(c.serials) <= i {
		c.serials = append(c.serials, 0)
	}
	c.serials[i]++
}

// ---------------------------------------------------------------------------
// ClassTree
// ---------------------------------------------------------------------------

// ClassStats counts class tree activity.
type ClassStats struct {
	Roots            int
	Nodes            int
	Compacts         int
	Hashes           int
	SharedExtensions int // compact extensions appended to a shared table
	Branches         int // extensions that copied a prefix
	Invalidations    int
	IDsAssigned      int
}

// ClassTree owns every class of one runtime.
type ClassTree struct {
	opts  ClassOptions
	roots map[*Object]map[string]*Class
	epoch uint64
	stats ClassStats
}

// NewClassTree creates an empty tree.
func NewClassTree(opts ClassOptions) *ClassTree {
	return &ClassTree{
		opts:  opts.withDefaults(),
		roots: make(map[*Object]map[string]*Class),
		epoch: 1,
	}
}

// Options returns the effective options.
func (t *ClassTree) Options() ClassOptions { return t.opts }

// Stats returns the tree's counters.
func (t *ClassTree) Stats() ClassStats { return t.stats }

// Epoch returns the current invalidation epoch.
func (t *ClassTree) Epoch() uint64 { return t.epoch }

// Root returns the shared root class for objects with the given prototype
// and class name, creating it on first use.
func (t *ClassTree) Root(proto *Object, name string) *Class {
	byName := t.roots[proto]
	if c, ok := byName[name]; ok {
		return c
	}
	if byName == nil {
		byName = make(map[string]*Class)
		t.roots[proto] = byName
		if proto != nil {
			proto.prototypeOf = t
			proto.hdr.SetNeedsDestroy(true)
		}
	}
	c := t.newClass(ClassCompact, name, proto)
	c.table = newPropertyTable(4)
	c.table.owners = 1
	byName[name] = c
	t.stats.Roots++
	return c
}

// NewHashClass returns a fresh hash class for a single object.
func (t *ClassTree) NewHashClass(proto *Object, name string) *Class {
	c := t.newClass(ClassHash, name, proto)
	c.table = newPropertyTable(t.opts.LinearGrowthLimit)
	c.table.owners = 1
	return c
}

func (t *ClassTree) forgetPrototype(proto *Object) {
	delete(t.roots, proto)
}

func (t *ClassTree) newClass(kind ClassKind, name string, proto *Object) *Class {
	switch kind {
	case ClassNode:
		t.stats.Nodes++
	case ClassCompact:
		t.stats.Compacts++
	case ClassHash:
		t.stats.Hashes++
	}
	return &Class{tree: t, kind: kind, name: name, prototype: proto, extensible: true}
}

func (c *Class) findChild(key transition) *Class {
	if c.children != nil {
		return c.children[key]
	}
	if c.child != nil && c.child.edge == key {
		return c.child
	}
	return nil
}

func (c *Class) addChild(child *Class) {
	switch {
	case c.children != nil:
		c.children[child.edge] = child
	case c.child == nil:
		c.child = child
	default:
		c.children = map[transition]*Class{c.child.edge: c.child, child.edge: child}
		c.child = nil
	}
}

// ClassFor returns the class reached from base by adding property name.
// The result depends only on base and the (name, attrs, storage) key, so
// objects adding the same properties in the same order share classes. A
// hash class base is extended in place and returned. ClassFor returns nil
// if base is not extensible or already has the property.
func (t *ClassTree) ClassFor(base *Class, name string, attrs Attributes, st StorageType) *Class {
	if !base.extensible {
		return nil
	}
	if _, ok := base.Find(name); ok {
		return nil
	}
	if base.kind == ClassHash {
		base.table.append(t.opts, name, attrs, st)
		base.Invalidate()
		return base
	}
	key := transition{op: opAdd, name: name, attrs: attrs, storage: st}
	if c := base.findChild(key); c != nil {
		return c
	}
	child := t.extend(base, key)
	base.addChild(child)
	return child
}

// extend creates the child of base for key. A compact base whose table ends
// at its own level and that has no children yet shares its table with the
// child. Otherwise the child copies the prefix: small prefixes become node
// classes with exact-size tables, large ones start a new compact chain.
func (t *ClassTree) extend(base *Class, key transition) *Class {
	var child *Class
	switch {
	case base.kind == ClassCompact && base.table.Len() == base.level && base.Children() == 0:
		child = t.newClass(ClassCompact, base.name, base.prototype)
		child.table = base.table
		child.table.owners++
		t.stats.SharedExtensions++
	case base.level < t.opts.LinearGrowthLimit:
		child = t.newClass(ClassNode, base.name, base.prototype)
		child.table = base.table.copyPrefix(base.level, base.level+1)
		child.table.owners = 1
		t.stats.Branches++
	default:
		child = t.newClass(ClassCompact, base.name, base.prototype)
		child.table = base.table.copyPrefix(base.level, int(float64(base.level+1)*t.opts.GrowthRate))
		child.table.owners = 1
		t.stats.Branches++
	}
	child.parent = base
	child.edge = key
	child.level = base.level + 1
	child.table.append(t.opts, key.name, key.attrs, key.storage)
	return child
}

// PreventExtensions returns the non-extensible variant of c. Hash classes
// change in place.
func (t *ClassTree) PreventExtensions(c *Class) *Class {
	if !c.extensible {
		return c
	}
	if c.kind == ClassHash {
		c.extensible = false
		c.Invalidate()
		return c
	}
	key := transition{op: opPreventExtensions}
	if child := c.findChild(key); child != nil {
		return child
	}
	child := t.newClass(c.kind, c.name, c.prototype)
	child.table = c.table
	child.table.owners++
	child.parent = c
	child.edge = key
	child.level = c.level
	child.extensible = false
	c.addChild(child)
	return child
}

// ancestorAt returns the class on c's chain that holds exactly the first
// index properties.
func (c *Class) ancestorAt(index int) *Class {
	a := c
	for a.level > index || !a.extensible {
		a = a.parent
	}
	return a
}

type replayEntry struct {
	name    string
	attrs   Attributes
	storage StorageType
}

// replay rebuilds c with properties [from, Count) replaced by entries,
// starting at the nearest unaffected ancestor.
func (t *ClassTree) replay(c *Class, from int, entries []replayEntry) *Class {
	cur := c.ancestorAt(from)
	for _, e := range entries {
		cur = t.ClassFor(cur, e.name, e.attrs, e.storage)
	}
	if !c.extensible {
		cur = t.PreventExtensions(cur)
	}
	return cur
}

func (c *Class) entriesFrom(i int) []replayEntry {
	n := c.Count()
	out := make([]replayEntry, 0, n-i)
	for j := i; j < n; j++ {
		p, l := c.table.props[j], c.table.layout[j]
		out = append(out, replayEntry{name: p.Name, attrs: p.Attributes, storage: l.Storage})
	}
	return out
}

// ChangeAttributes returns the class of an object whose property index now
// has attrs. The ids of c and its subtree are invalidated.
func (t *ClassTree) ChangeAttributes(c *Class, index int, attrs Attributes) *Class {
	if c.table.props[index].Attributes == attrs {
		return c
	}
	if c.kind == ClassHash {
		c.table.props[index].Attributes = attrs
		c.BumpSerial(index)
		c.Invalidate()
		return c
	}
	c.Invalidate()
	entries := c.entriesFrom(index)
	entries[0].attrs = attrs
	return t.replay(c, index, entries)
}

// ChangeType returns the class of an object whose property index now needs
// storage type st.
func (t *ClassTree) ChangeType(c *Class, index int, st StorageType) *Class {
	if c.table.layout[index].Storage == st {
		return c
	}
	if c.kind == ClassHash {
		c.table.layout[index].Storage = st
		c.table.relayout(index)
		c.Invalidate()
		return c
	}
	c.Invalidate()
	entries := c.entriesFrom(index)
	entries[0].storage = st
	return t.replay(c, index, entries)
}

// Delete returns the class of an object after property index is removed.
// Later properties move down one index.
func (t *ClassTree) Delete(c *Class, index int) *Class {
	if c.kind == ClassHash {
		c.table.remove(index)
		if index < len(c.serials) {
			c.serials = append(c.serials[:index], c.serials[index+1:]...)
		}
		c.Invalidate()
		return c
	}
	c.Invalidate()
	return t.replay(c, index, c.entriesFrom(index+1))
}

// ToHash converts c into a private hash class with the same properties.
func (t *ClassTree) ToHash(c *Class) *Class {
	if c.kind == ClassHash {
		return c
	}
	n := c.Count()
	h := t.newClass(ClassHash, c.name, c.prototype)
	h.table = c.table.copyPrefix(n, n+n/2)
	h.table.owners = 1
	h.extensible = c.extensible
	h.serials = append([]uint32(nil), c.serials...)
	return h
}

// Freeze returns the frozen variant of c.
func (t *ClassTree) Freeze(c *Class) *Class {
	for i := 0; i < c.Count(); i++ {
		a := c.table.props[i].Attributes | DontDelete
		if a&Accessor == 0 {
			a |= ReadOnly
		}
		c = t.ChangeAttributes(c, i, a)
	}
	return t.PreventExtensions(c)
}

// Seal returns the sealed variant of c.
func (t *ClassTree) Seal(c *Class) *Class {
	for i := 0; i < c.Count(); i++ {
		c = t.ChangeAttributes(c, i, c.table.props[i].Attributes|DontDelete)
	}
	return t.PreventExtensions(c)
}

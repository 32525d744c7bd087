package vm

import (
	"fmt"
	"strings"
)

// Attributes are the per-property attribute bits.
type Attributes uint8

const (
	ReadOnly Attributes = 1 << iota
	DontEnum
	DontDelete
	Accessor // value slot holds an *AccessorPair
	MethodHint // the slot usually holds a function
)

// Default attribute sets.
const (
	AttrNone   Attributes = 0
	AttrHidden            = DontEnum
	AttrFrozen            = ReadOnly | DontDelete
)

func (a Attributes) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Attributes
		name string
	}{{ReadOnly, "readonly"}, {DontEnum, "dontenum"}, {DontDelete, "dontdelete"}, {Accessor, "accessor"}, {MethodHint, "method"}} {
		if a&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether all bits of b are set.
func (a Attributes) Has(b Attributes) bool { return a&b == b }

// ---------------------------------------------------------------------------
// Storage types
// ---------------------------------------------------------------------------

// StorageType describes what a property slot is known to hold. Slots start
// typed by their first value and widen when a later store does not fit.
type StorageType uint8

const (
	StorageWhatever StorageType = iota
	StorageUndefined
	StorageNull
	StorageBoolean
	StorageInt32
	StorageDouble
	StorageInt32OrDouble
	StorageString
	StorageStringOrNull
	StorageObject
	StorageObjectOrNull
	StorageBoxed
)

var storageNames = [...]string{
	StorageWhatever:      "whatever",
	StorageUndefined:     "undefined",
	StorageNull:          "null",
	StorageBoolean:       "boolean",
	StorageInt32:         "int32",
	StorageDouble:        "double",
	StorageInt32OrDouble: "int32|double",
	StorageString:        "string",
	StorageStringOrNull:  "string|null",
	StorageObject:        "object",
	StorageObjectOrNull:  "object|null",
	StorageBoxed:         "boxed",
}

func (s StorageType) String() string {
	if int(s) < len(storageNames) {
		return storageNames[s]
	}
	return fmt.Sprintf("StorageType(%d)", int(s))
}

// Size returns the bytes a slot of this type occupies in packed storage.
func (s StorageType) Size() int {
	switch s {
	case StorageUndefined, StorageNull:
		return 0
	case StorageBoolean, StorageInt32:
		return 4
	case StorageWhatever:
		return 16
	default:
		return 8
	}
}

// Alignment returns the slot alignment in packed storage.
func (s StorageType) Alignment() int {
	switch sz := s.Size(); sz {
	case 0:
		return 1
	case 16:
		return 8
	default:
		return sz
	}
}

// Nullable reports whether the type admits null alongside its main type.
func (s StorageType) Nullable() bool {
	return s == StorageStringOrNull || s == StorageObjectOrNull || s == StorageNull || s == StorageWhatever
}

// StorageFor returns the narrowest storage type holding v.
func StorageFor(v Value) StorageType {
	switch v.typ {
	case TypeUndefined:
		return StorageUndefined
	case TypeNull:
		return StorageNull
	case TypeBoolean:
		return StorageBoolean
	case TypeInt32:
		return StorageInt32
	case TypeDouble:
		return StorageDouble
	case TypeString:
		return StorageString
	case TypeObject:
		return StorageObject
	default:
		return StorageBoxed
	}
}

// Accepts reports whether a slot of type s can hold v without widening.
func (s StorageType) Accepts(v Value) bool {
	switch s {
	case StorageWhatever:
		return true
	case StorageInt32OrDouble:
		return v.IsNumber()
	case StorageStringOrNull:
		return v.IsString() || v.IsNull()
	case StorageObjectOrNull:
		return v.IsObject() || v.IsNull()
	}
	return StorageFor(v) == s
}

// Widen returns the narrowest type holding both a and b.
func Widen(a, b StorageType) StorageType {
	if a == b {
		return a
	}
	if a > b {
		a, b = b, a
	}
	switch {
	case a == StorageInt32 && (b == StorageDouble || b == StorageInt32OrDouble),
		a == StorageDouble && b == StorageInt32OrDouble:
		return StorageInt32OrDouble
	case a == StorageNull && (b == StorageString || b == StorageStringOrNull):
		return StorageStringOrNull
	case a == StorageString && b == StorageStringOrNull:
		return StorageStringOrNull
	case a == StorageNull && (b == StorageObject || b == StorageObjectOrNull):
		return StorageObjectOrNull
	case a == StorageObject && b == StorageObjectOrNull:
		return StorageObjectOrNull
	}
	return StorageWhatever
}

// ---------------------------------------------------------------------------
// PropertyTable
// ---------------------------------------------------------------------------

// PropertyInfo is the logical half of a property description.
type PropertyInfo struct {
	Name       string
	Index      int
	Attributes Attributes
}

// LayoutInfo is the physical half: where the slot sits in packed storage.
type LayoutInfo struct {
	Offset   int
	Storage  StorageType
	Nullable bool
}

// PropertyTable holds parallel property and layout arrays. Tables are
// append-only, so a class that views the prefix [0, n) never sees it change
// even when the table is shared with longer classes.
type PropertyTable struct {
	props  []PropertyInfo
	layout []LayoutInfo
	names  map[string]int
	owners int // classes viewing the table
}

func newPropertyTable(capacity int) *PropertyTable {
	return &PropertyTable{
		props:  make([]PropertyInfo, 0, capacity),
		layout: make([]LayoutInfo, 0, capacity),
		names:  make(map[string]int, capacity),
	}
}

// Len returns the number of properties in the table.
func (t *PropertyTable) Len() int { return len(t.props) }

// Capacity returns the number of entries the table can hold before growing.
func (t *PropertyTable) Capacity() int { return cap(t.props) }

// Shared reports whether more than one class views the table.
func (t *PropertyTable) Shared() bool { return t.owners > 1 }

// Property returns entry i.
func (t *PropertyTable) Property(i int) PropertyInfo { return t.props[i] }

// Layout returns the layout of entry i.
func (t *PropertyTable) Layout(i int) LayoutInfo { return t.layout[i] }

// find returns the index of name if it is below limit.
func (t *PropertyTable) find(name string, limit int) (int, bool) {
	i, ok := t.names[name]
	if !ok || i >= limit {
		return 0, false
	}
	return i, true
}

// end returns the first free byte offset after the first n entries.
func (t *PropertyTable) end(n int) int {
	if n == 0 {
		return 0
	}
	l := t.layout[n-1]
	return l.Offset + l.Storage.Size()
}

// append adds a property; growth follows the class options.
func (t *PropertyTable) append(opts ClassOptions, name string, attrs Attributes, st StorageType) int {
	if len(t.props) == cap(t.props) {
		t.grow(opts)
	}
	idx := len(t.props)
	off := alignTo(t.end(idx), st.Alignment())
	t.props = append(t.props, PropertyInfo{Name: name, Index: idx, Attributes: attrs})
	t.layout = append(t.layout, LayoutInfo{Offset: off, Storage: st, Nullable: st.Nullable()})
	t.names[name] = idx
	return idx
}

// grow extends capacity linearly up to the linear growth limit and
// geometrically after that.
func (t *PropertyTable) grow(opts ClassOptions) {
	c := cap(t.props)
	var n int
	if c < opts.LinearGrowthLimit {
		n = c + 4
	} else {
		n = int(float64(c) * opts.GrowthRate)
	}
	if n <= c {
		n = c + 1
	}
	props := make([]PropertyInfo, len(t.props), n)
	copy(props, t.props)
	layout := make([]LayoutInfo, len(t.layout), n)
	copy(layout, t.layout)
	t.props, t.layout = props, layout
}

// copyPrefix returns a private copy of the first n entries.
func (t *PropertyTable) copyPrefix(n, capacity int) *PropertyTable {
	if capacity < n {
		capacity = n
	}
	c := newPropertyTable(capacity)
	c.props = append(c.props, t.props[:n]...)
	c.layout = append(c.layout, t.layout[:n]...)
	for i := 0; i < n; i++ {
		c.names[c.props[i].Name] = i
	}
	return c
}

// relayout recomputes offsets from index i on, after a type change.
func (t *PropertyTable) relayout(i int) {
	for ; i < len(t.layout); i++ {
		t.layout[i].Offset = alignTo(t.end(i), t.layout[i].Storage.Alignment())
		t.layout[i].Nullable = t.layout[i].Storage.Nullable()
	}
}

// remove deletes entry i, shifting later entries down. Only owned (hash
// class) tables are ever mutated this way.
func (t *PropertyTable) remove(i int) {
	delete(t.names, t.props[i].Name)
	t.props = append(t.props[:i], t.props[i+1:]...)
	t.layout = append(t.layout[:i], t.layout[i+1:]...)
	for j := i; j < len(t.props); j++ {
		t.props[j].Index = j
		t.names[t.props[j].Name] = j
	}
	t.relayout(i)
}

func alignTo(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

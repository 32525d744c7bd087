package vm

import (
	"strconv"

	"github.com/chazu/esrt/heap"
)

// ObjectKind selects the internal behaviour of an object.
type ObjectKind uint8

const (
	KindPlain ObjectKind = iota
	KindArray
	KindFunction
	KindNumber
	KindString
	KindBoolean
	KindDate
	KindError
	KindArguments
	KindVariables
	KindHost
	KindByteArray
)

var kindNames = [...]string{
	KindPlain:     "Object",
	KindArray:     "Array",
	KindFunction:  "Function",
	KindNumber:    "Number",
	KindString:    "String",
	KindBoolean:   "Boolean",
	KindDate:      "Date",
	KindError:     "Error",
	KindArguments: "Arguments",
	KindVariables: "Variables",
	KindHost:      "Host",
	KindByteArray: "ByteArray",
}

func (k ObjectKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Object"
}

// sparseLimit bounds how far past the end an index store may extend an
// array's dense elements; further indices become named properties.
const sparseLimit = 1024

// elementLock restricts writes to an array's dense elements.
type elementLock uint8

const (
	elementsOpen   elementLock = iota
	elementsSealed             // no deletion, no truncation
	elementsFrozen             // read-only
)

// Object is a script object. Its named properties live in slots indexed by
// the class's property indices; arrays, arguments and byte arrays keep
// their indexed data separately.
type Object struct {
	hdr   heap.Header
	kind  ObjectKind
	class *Class
	slots []Value

	elements []Value
	elemLock elementLock
	bytes    []byte
	internal Value // wrapper primitive or date time value

	fn    *Function
	host  *HostLink
	alias *frameAlias

	prototypeOf *ClassTree
}

func (o *Object) GCHeader() *heap.Header { return &o.hdr }

func (o *Object) GCTrace(t *heap.Tracer) {
	if p := o.class.prototype; p != nil {
		t.Mark(p)
	}
	for _, v := range o.slots {
		v.trace(t)
	}
	for _, v := range o.elements {
		v.trace(t)
	}
	o.internal.trace(t)
}

// GCDestroy notifies a linked host shadow and unregisters the object as a
// class tree prototype.
func (o *Object) GCDestroy() {
	if o.host != nil {
		link := o.host
		o.host = nil
		link.object = nil
		if link.shadow != nil {
			link.shadow.ObjectDestroyed()
			link.shadow = nil
		}
	}
	if o.prototypeOf != nil {
		o.prototypeOf.forgetPrototype(o)
		o.prototypeOf = nil
	}
}

// Kind returns the object kind.
func (o *Object) Kind() ObjectKind { return o.kind }

// Class returns the object's current hidden class.
func (o *Object) Class() *Class { return o.class }

// ClassName returns the [[Class]] name.
func (o *Object) ClassName() string { return o.class.name }

// Prototype returns the object's prototype, or nil.
func (o *Object) Prototype() *Object { return o.class.prototype }

// IsFunction reports whether the object is callable.
func (o *Object) IsFunction() bool { return o.kind == KindFunction }

// Internal returns the primitive held by a wrapper or date object.
func (o *Object) Internal() Value { return o.internal }

// Bytes returns the contents of a byte array.
func (o *Object) Bytes() []byte { return o.bytes }

func (o *Object) payloadSize() int {
	return 48 + o.class.StorageSize() + 16*len(o.elements) + len(o.bytes)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func (ctx *ExecutionContext) newObject(cls *Class, kind ObjectKind) (*Object, error) {
	o := &Object{kind: kind, class: cls}
	if n := cls.Count(); n > 0 {
		o.slots = make([]Value, n)
	}
	if err := ctx.alloc(o, TagObject, o.payloadSize()); err != nil {
		return nil, err
	}
	return o, nil
}

// NewObject allocates a plain object inheriting from Object.prototype.
func (ctx *ExecutionContext) NewObject() (*Object, error) {
	return ctx.newObject(ctx.rt.plainRoot, KindPlain)
}

// NewObjectWithPrototype allocates a plain object with the given prototype.
func (ctx *ExecutionContext) NewObjectWithPrototype(proto *Object) (*Object, error) {
	return ctx.newObject(ctx.rt.classes.Root(proto, "Object"), KindPlain)
}

// NewArray allocates an array holding a copy of values.
func (ctx *ExecutionContext) NewArray(values []Value) (*Object, error) {
	o := &Object{kind: KindArray, class: ctx.rt.arrayRoot}
	o.elements = append(make([]Value, 0, len(values)), values...)
	if err := ctx.alloc(o, TagObject, o.payloadSize()); err != nil {
		return nil, err
	}
	return o, nil
}

// NewByteArray allocates a byte array holding a copy of b.
func (ctx *ExecutionContext) NewByteArray(b []byte) (*Object, error) {
	o := &Object{kind: KindByteArray, class: ctx.rt.byteArrayRoot}
	o.bytes = append(make([]byte, 0, len(b)), b...)
	if err := ctx.alloc(o, TagObject, o.payloadSize()); err != nil {
		return nil, err
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Own property access
// ---------------------------------------------------------------------------

// GetOwn returns an own data property without running getters or host
// code. Accessor properties yield their AccessorPair as a boxed value.
func (o *Object) GetOwn(name string) (Value, bool) {
	if v, ok := o.getIndexed(name); ok {
		return v, true
	}
	if o.alias != nil {
		if v, ok := o.alias.get(name); ok {
			return v, true
		}
	}
	if i, ok := o.class.Find(name); ok {
		return o.slots[i], true
	}
	return Undefined, false
}

// HasOwnProperty reports whether name is an own property.
func (o *Object) HasOwnProperty(name string) bool {
	_, ok := o.GetOwn(name)
	return ok
}

// HasProperty reports whether name is found on the object or its prototype
// chain.
func (o *Object) HasProperty(name string) bool {
	for p := o; p != nil; p = p.class.prototype {
		if p.HasOwnProperty(name) {
			return true
		}
	}
	return false
}

// Attributes returns the attributes of an own named property.
func (o *Object) Attributes(name string) (Attributes, bool) {
	if o.kind == KindArray {
		if name == "length" {
			if o.elemLock == elementsFrozen {
				return DontEnum | DontDelete | ReadOnly, true
			}
			return DontEnum | DontDelete, true
		}
		if i, ok := ArrayIndex(name); ok && i < len(o.elements) {
			return o.elementAttributes(), true
		}
	}
	if i, ok := o.class.Find(name); ok {
		return o.class.Property(i).Attributes, true
	}
	return 0, false
}

func (o *Object) getIndexed(name string) (Value, bool) {
	switch o.kind {
	case KindArray, KindArguments:
		if name == "length" {
			return FromInt(o.Length()), true
		}
		if i, ok := ArrayIndex(name); ok && i < len(o.elements) {
			return o.elements[i], true
		}
	case KindString:
		s := o.internal.String().s
		if name == "length" {
			return FromInt(len(s)), true
		}
		if i, ok := ArrayIndex(name); ok && i < len(s) {
			return FromString(NewString(s[i : i+1])), true
		}
	case KindByteArray:
		if name == "length" {
			return FromInt(len(o.bytes)), true
		}
		if i, ok := ArrayIndex(name); ok && i < len(o.bytes) {
			return FromInt32(int32(o.bytes[i])), true
		}
	}
	return Undefined, false
}

// Length returns the length of an array, arguments object or byte array.
func (o *Object) Length() int {
	switch o.kind {
	case KindByteArray:
		return len(o.bytes)
	case KindArguments:
		if o.alias != nil {
			return o.alias.argc
		}
	}
	return len(o.elements)
}

// GetIndex returns element i of an array-like object.
func (o *Object) GetIndex(i int) Value {
	if o.kind == KindArguments && o.alias != nil {
		return o.alias.arg(i)
	}
	v, _ := o.getIndexed(strconv.Itoa(i))
	return v
}

func (o *Object) elementAttributes() Attributes {
	switch o.elemLock {
	case elementsFrozen:
		return AttrFrozen
	case elementsSealed:
		return DontDelete
	}
	return AttrNone
}

// elementWritable reports whether element i of an array may be stored.
// Non-extensible arrays keep their length.
func (o *Object) elementWritable(i int) bool {
	if o.elemLock == elementsFrozen {
		return false
	}
	return i < len(o.elements) || o.class.extensible
}

// PutIndex stores element i of an array or byte array, growing arrays as
// needed. It reports false if the element is read-only or out of range.
func (o *Object) PutIndex(i int, v Value) bool {
	switch o.kind {
	case KindArguments:
		if o.alias != nil {
			return o.alias.setArg(i, v)
		}
		fallthrough
	case KindArray:
		if i < 0 || i > len(o.elements)+sparseLimit || !o.elementWritable(i) {
			return false
		}
		for len(o.elements) <= i {
			o.elements = append(o.elements, Undefined)
		}
		o.elements[i] = v
		return true
	case KindByteArray:
		if i < 0 || i >= len(o.bytes) || !v.IsNumber() {
			return false
		}
		o.bytes[i] = byte(ToUint32(v.Number()))
		return true
	}
	return false
}

// SetLength truncates or extends an array. It reports false when the
// array's integrity level forbids the change.
func (o *Object) SetLength(n int) bool {
	if o.kind != KindArray || n < 0 {
		return false
	}
	switch {
	case n == len(o.elements):
		return true
	case o.elemLock == elementsFrozen:
		return false
	case n < len(o.elements):
		if o.elemLock == elementsSealed {
			return false
		}
		clear(o.elements[n:])
		o.elements = o.elements[:n]
		return true
	case !o.class.extensible:
		return false
	}
	for len(o.elements) < n {
		o.elements = append(o.elements, Undefined)
	}
	return true
}

// OwnKeys returns the own property names: indices first, then named
// properties in insertion order.
func (o *Object) OwnKeys() []string {
	var keys []string
	for i := 0; i < o.Length(); i++ {
		keys = append(keys, strconv.Itoa(i))
	}
	if o.alias != nil {
		keys = append(keys, o.alias.names()...)
	}
	for i := 0; i < o.class.Count(); i++ {
		keys = append(keys, o.class.Property(i).Name)
	}
	return keys
}

// EnumerableKeys returns OwnKeys without DontEnum properties.
func (o *Object) EnumerableKeys() []string {
	var keys []string
	for i := 0; i < o.Length(); i++ {
		keys = append(keys, strconv.Itoa(i))
	}
	for i := 0; i < o.class.Count(); i++ {
		if p := o.class.Property(i); p.Attributes&DontEnum == 0 {
			keys = append(keys, p.Name)
		}
	}
	return keys
}

// ---------------------------------------------------------------------------
// [[Get]] and [[Put]]
// ---------------------------------------------------------------------------

// Get reads a property, consulting host shadows, running getters and
// walking the prototype chain.
func (o *Object) Get(ctx *ExecutionContext, name string) (Value, error) {
	return o.getWithReceiver(ctx, name, FromObject(o))
}

func (o *Object) getWithReceiver(ctx *ExecutionContext, name string, receiver Value) (Value, error) {
	return o.lookup(ctx, name, receiver, true)
}

// getNoHost reads a property without asking o's own shadow.
func (o *Object) getNoHost(ctx *ExecutionContext, name string) (Value, error) {
	return o.lookup(ctx, name, FromObject(o), false)
}

func (o *Object) lookup(ctx *ExecutionContext, name string, receiver Value, askHost bool) (Value, error) {
	for p := o; p != nil; p = p.class.prototype {
		if p.host != nil && (askHost || p != o) {
			v, found, err := ctx.hostGet(p, name)
			if err != nil || found {
				return v, err
			}
		}
		if v, ok := p.getIndexed(name); ok {
			return v, nil
		}
		if p.alias != nil {
			if v, ok := p.alias.get(name); ok {
				return v, nil
			}
		}
		if i, ok := p.class.Find(name); ok {
			return p.loadSlot(ctx, i, receiver)
		}
	}
	return Undefined, nil
}

// loadSlot reads slot i, calling the getter of accessor properties.
func (o *Object) loadSlot(ctx *ExecutionContext, i int, receiver Value) (Value, error) {
	v := o.slots[i]
	if o.class.Property(i).Attributes&Accessor == 0 {
		return v, nil
	}
	pair, _ := v.ref.(*AccessorPair)
	if pair == nil || pair.getter == nil {
		return Undefined, nil
	}
	return ctx.Call(FromObject(pair.getter), receiver, nil)
}

// Put writes a property with non-strict semantics: writes to read-only
// properties and additions to non-extensible objects are silently ignored.
func (o *Object) Put(ctx *ExecutionContext, name string, v Value) error {
	if o.host != nil {
		handled, err := ctx.hostPut(o, name, v)
		if err != nil || handled {
			return err
		}
	}
	return o.putNoHost(ctx, name, v)
}

// putNoHost writes a property without asking o's shadow.
func (o *Object) putNoHost(ctx *ExecutionContext, name string, v Value) error {
	if handled, _ := o.putIndexed(name, v); handled {
		return nil
	}
	if o.alias != nil && o.alias.set(name, v) {
		return nil
	}
	if i, ok := o.class.Find(name); ok {
		return o.storeSlot(ctx, i, v)
	}

	// Inherited read-only properties block the write; inherited setters
	// receive it.
	for p := o.class.prototype; p != nil; p = p.class.prototype {
		i, ok := p.class.Find(name)
		if !ok {
			continue
		}
		a := p.class.Property(i).Attributes
		if a&Accessor != 0 {
			return p.callSetter(ctx, i, FromObject(o), v)
		}
		if a&ReadOnly != 0 {
			return nil
		}
		break
	}
	_, err := o.addProperty(name, v, AttrNone)
	return err
}

// putIndexed writes length or an element of an array-like object. handled
// reports whether name addresses indexed storage; stored whether the write
// took effect.
func (o *Object) putIndexed(name string, v Value) (handled, stored bool) {
	switch o.kind {
	case KindArray, KindArguments:
		if name == "length" && o.kind == KindArray {
			if !v.IsNumber() {
				return true, false
			}
			return true, o.SetLength(int(ToUint32(v.Number())))
		}
		if i, ok := ArrayIndex(name); ok {
			if o.alias == nil && i <= len(o.elements)+sparseLimit && !o.elementWritable(i) {
				return true, false
			}
			if o.PutIndex(i, v) {
				return true, true
			}
		}
	case KindByteArray:
		if i, ok := ArrayIndex(name); ok {
			return true, o.PutIndex(i, v)
		}
	case KindString:
		if name == "length" {
			return true, false
		}
		if i, ok := ArrayIndex(name); ok && i < len(o.internal.String().s) {
			return true, false
		}
	}
	return false, false
}

// storeSlot writes v into own slot i, honouring attributes, calling
// setters, widening the storage type and bumping the serial of method
// slots.
func (o *Object) storeSlot(ctx *ExecutionContext, i int, v Value) error {
	a := o.class.Property(i).Attributes
	if a&Accessor != 0 {
		return o.callSetter(ctx, i, FromObject(o), v)
	}
	if a&ReadOnly != 0 {
		return nil
	}
	o.writeSlot(i, v)
	return nil
}

func (o *Object) writeSlot(i int, v Value) {
	st := o.class.Layout(i).Storage
	if !st.Accepts(v) {
		o.class = o.class.tree.ChangeType(o.class, i, Widen(st, StorageFor(v)))
	}
	if o.class.Property(i).Attributes&MethodHint != 0 && !SameValue(o.slots[i], v) {
		o.class.BumpSerial(i)
	}
	o.slots[i] = v
}

func (o *Object) callSetter(ctx *ExecutionContext, i int, receiver, v Value) error {
	pair, _ := o.slots[i].ref.(*AccessorPair)
	if pair == nil || pair.setter == nil {
		return nil
	}
	_, err := ctx.Call(FromObject(pair.setter), receiver, []Value{v})
	return err
}

// addProperty appends a new own property, switching to a hash class once
// the object reaches the hash threshold. It reports false if the object is
// not extensible.
func (o *Object) addProperty(name string, v Value, attrs Attributes) (bool, error) {
	if !o.class.extensible {
		return false, nil
	}
	tree := o.class.tree
	if isFunctionValue(v) && attrs&Accessor == 0 {
		attrs |= MethodHint
	}
	cls := o.class
	if cls.kind != ClassHash && cls.Count() >= tree.opts.HashThreshold {
		cls = tree.ToHash(cls)
	}
	next := tree.ClassFor(cls, name, attrs, StorageFor(v))
	if next == nil {
		return false, heap.NewFatal("class transition failed for "+strconv.Quote(name), nil)
	}
	o.class = next
	o.slots = append(o.slots, v)
	return true, nil
}

func isFunctionValue(v Value) bool {
	return v.typ == TypeObject && v.ref.(*Object).kind == KindFunction
}

// DefineOwnProperty creates or redefines an own data property with the
// given attributes. Redefinition bumps the property's serial.
func (o *Object) DefineOwnProperty(ctx *ExecutionContext, name string, v Value, attrs Attributes) (bool, error) {
	if handled, stored := o.putIndexed(name, v); handled {
		return stored, nil
	}
	i, ok := o.class.Find(name)
	if !ok {
		return o.addProperty(name, v, attrs&^MethodHint)
	}
	old := o.class.Property(i).Attributes
	if old.Has(DontDelete) && old.Has(ReadOnly) && !SameValue(o.slots[i], v) {
		return false, nil
	}
	if isFunctionValue(v) && attrs&Accessor == 0 {
		attrs |= MethodHint
	}
	o.class = o.class.tree.ChangeAttributes(o.class, i, attrs)
	if !o.class.Layout(i).Storage.Accepts(v) {
		o.class = o.class.tree.ChangeType(o.class, i, Widen(o.class.Layout(i).Storage, StorageFor(v)))
	}
	o.slots[i] = v
	o.class.BumpSerial(i)
	return true, nil
}

// DefineAccessor creates or replaces an accessor property.
func (o *Object) DefineAccessor(ctx *ExecutionContext, name string, getter, setter *Object, attrs Attributes) (bool, error) {
	pair := &AccessorPair{getter: getter, setter: setter}
	if err := ctx.alloc(pair, TagAccessor, 16); err != nil {
		return false, err
	}
	return o.DefineOwnProperty(ctx, name, FromBoxed(pair), attrs|Accessor)
}

// Delete removes an own property. It returns false for non-configurable
// properties.
func (o *Object) Delete(name string) bool {
	switch o.kind {
	case KindArray:
		if i, ok := ArrayIndex(name); ok && i < len(o.elements) {
			if o.elemLock != elementsOpen {
				return false
			}
			o.elements[i] = Undefined
			return true
		}
		if name == "length" {
			return false
		}
	}
	i, ok := o.class.Find(name)
	if !ok {
		return true
	}
	if o.class.Property(i).Attributes&DontDelete != 0 {
		return false
	}
	o.class = o.class.tree.Delete(o.class, i)
	copy(o.slots[i:], o.slots[i+1:])
	o.slots[len(o.slots)-1] = Undefined
	o.slots = o.slots[:len(o.slots)-1]
	return true
}

// ---------------------------------------------------------------------------
// Integrity levels
// ---------------------------------------------------------------------------

// PreventExtensions disables adding properties.
func (o *Object) PreventExtensions() {
	o.class = o.class.tree.PreventExtensions(o.class)
}

// Seal makes every property non-configurable and disables extension.
// Array elements can still be written but not deleted.
func (o *Object) Seal() {
	if o.kind == KindArray && o.elemLock < elementsSealed {
		o.elemLock = elementsSealed
	}
	o.class = o.class.tree.Seal(o.class)
}

// Freeze makes every property non-configurable and every data property
// read-only, and disables extension. Array elements and length become
// read-only in place.
func (o *Object) Freeze() {
	if o.kind == KindArray {
		o.elemLock = elementsFrozen
	}
	o.class = o.class.tree.Freeze(o.class)
}

// IsExtensible reports whether properties can be added.
func (o *Object) IsExtensible() bool { return o.class.extensible }

// IsFrozen reports whether the object is frozen.
func (o *Object) IsFrozen() bool {
	return o.class.Frozen() && (o.kind != KindArray || len(o.elements) == 0 || o.elemLock == elementsFrozen)
}

// IsSealed reports whether the object is sealed.
func (o *Object) IsSealed() bool {
	return o.class.Sealed() && (o.kind != KindArray || len(o.elements) == 0 || o.elemLock >= elementsSealed)
}

// ---------------------------------------------------------------------------
// AccessorPair
// ---------------------------------------------------------------------------

// AccessorPair is the boxed getter/setter stored in an accessor property's
// slot.
type AccessorPair struct {
	hdr    heap.Header
	getter *Object
	setter *Object
}

func (p *AccessorPair) GCHeader() *heap.Header { return &p.hdr }

func (p *AccessorPair) GCTrace(t *heap.Tracer) {
	if p.getter != nil {
		t.Mark(p.getter)
	}
	if p.setter != nil {
		t.Mark(p.setter)
	}
}

// Getter returns the getter function, or nil.
func (p *AccessorPair) Getter() *Object { return p.getter }

// Setter returns the setter function, or nil.
func (p *AccessorPair) Setter() *Object { return p.setter }

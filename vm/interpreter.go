package vm

import (
	"errors"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Interpreter: register machine execution
// ---------------------------------------------------------------------------

// run pushes an activation for code, executes it to completion and pops it
// again. Script exceptions raised inside a protected range transfer control
// to the range's handler; everything else ends the activation and is
// returned. Aborts raised as panics leave the frame for the entry point to
// unwind.
func (ctx *ExecutionContext) run(fn *Object, code *Code, this Value, args []Value, overlap int, flags FrameFlags) (Value, error) {
	if err := ctx.pushFrame(fn, code, this, args, overlap, flags); err != nil {
		return Undefined, err
	}
	ctx.checkpoint()
	v, err := ctx.loop()
	if perr := ctx.PopFrame(); err == nil {
		err = perr
	}
	return v, err
}

// loop executes the running activation until it returns or fails.
func (ctx *ExecutionContext) loop() (Value, error) {
	code := ctx.code
	regs := ctx.regs.Items()
	insts := code.Instructions
	rt := ctx.rt

	for {
		if ctx.ip >= len(insts) {
			return Undefined, nil
		}
		pc := ctx.ip
		in := insts[pc]
		ctx.ip++

		var err error
		switch in.Op {
		case OpNop:

		case OpLoadConst:
			regs[in.A] = code.Constants[in.B]
		case OpLoadUndefined:
			regs[in.A] = Undefined
		case OpLoadNull:
			regs[in.A] = Null
		case OpLoadTrue:
			regs[in.A] = True
		case OpLoadFalse:
			regs[in.A] = False
		case OpLoadInt:
			regs[in.A] = FromInt32(in.B)
		case OpMove:
			regs[in.A] = regs[in.B]

		case OpNewObject:
			var o *Object
			if o, err = ctx.NewObject(); err == nil {
				regs[in.A] = FromObject(o)
			}
		case OpNewArray:
			var o *Object
			if o, err = ctx.NewArray(regs[in.B : in.B+in.C]); err == nil {
				regs[in.A] = FromObject(o)
			}
		case OpNewFunction:
			var o *Object
			if o, err = ctx.NewFunction(code.Functions[in.B]); err == nil {
				regs[in.A] = FromObject(o)
			}

		case OpGetName:
			err = ctx.getNameCached(code, pc, regs, in)
		case OpPutName:
			err = ctx.putNameCached(code, pc, regs, in)
		case OpGetIndex:
			var v Value
			if v, err = ctx.getIndexValue(regs[in.B], regs[in.C]); err == nil {
				regs[in.A] = v
			}
		case OpPutIndex:
			err = ctx.putIndexValue(regs[in.A], regs[in.B], regs[in.C])

		case OpGetGlobal:
			name := code.Names[in.B]
			g := rt.global
			if !g.HasProperty(name) {
				err = ctx.Throw(KindReferenceError, "%s is not defined", name)
				break
			}
			var v Value
			if v, err = g.Get(ctx, name); err == nil {
				regs[in.A] = v
			}
		case OpPutGlobal:
			err = rt.global.Put(ctx, code.Names[in.A], regs[in.B])

		case OpArguments:
			var o *Object
			if o, err = ctx.Arguments(); err == nil {
				regs[in.A] = FromObject(o)
			}
		case OpVariables:
			var o *Object
			if o, err = ctx.Variables(); err == nil {
				regs[in.A] = FromObject(o)
			}

		case OpAdd:
			var v Value
			if v, err = ctx.add(regs[in.B], regs[in.C]); err == nil {
				regs[in.A] = v
			}
		case OpSub, OpMul, OpDiv:
			var v Value
			if v, err = ctx.arith(in.Op, regs[in.B], regs[in.C]); err == nil {
				regs[in.A] = v
			}
		case OpLt:
			var lt bool
			if lt, err = ctx.lessThan(regs[in.B], regs[in.C]); err == nil {
				regs[in.A] = FromBool(lt)
			}
		case OpStrictEq:
			regs[in.A] = FromBool(StrictEquals(regs[in.B], regs[in.C]))
		case OpNot:
			regs[in.A] = FromBool(!ToBoolean(regs[in.B]))
		case OpTypeof:
			regs[in.A] = FromString(rt.Intern(TypeOf(regs[in.B])))

		case OpJump:
			if int(in.A) <= pc {
				ctx.checkpoint()
			}
			ctx.ip = int(in.A)
		case OpJumpIfFalse:
			if !ToBoolean(regs[in.A]) {
				if int(in.B) <= pc {
					ctx.checkpoint()
				}
				ctx.ip = int(in.B)
			}
		case OpJumpIfTrue:
			if ToBoolean(regs[in.A]) {
				if int(in.B) <= pc {
					ctx.checkpoint()
				}
				ctx.ip = int(in.B)
			}

		case OpCall:
			b, argc := int(in.B), int(in.C)
			overlap := 0
			if b+2+argc == len(regs) {
				overlap = argc + 1
			}
			var v Value
			if v, err = ctx.call(regs[b], regs[b+1], regs[b+2:b+2+argc], overlap); err == nil {
				regs[in.A] = v
			}
		case OpConstruct:
			b, argc := int(in.B), int(in.C)
			var v Value
			if v, err = ctx.construct(regs[b], regs[b+2:b+2+argc]); err == nil {
				regs[in.A] = v
			}
		case OpReturn:
			return regs[in.A], nil
		case OpThrow:
			err = ctx.ThrowValue(regs[in.A])

		default:
			return Undefined, ctx.Throw(KindSyntaxError, "invalid opcode %s at %d", in.Op, pc)
		}

		if err != nil {
			var te *ThrowError
			if isAbort(err) || !errors.As(err, &te) {
				return Undefined, err
			}
			h, ok := code.handlerFor(pc)
			if !ok {
				return Undefined, err
			}
			regs[h.Register] = te.Value
			ctx.ip = h.Target
		}
	}
}

// ---------------------------------------------------------------------------
// Property access sites
// ---------------------------------------------------------------------------

// cacheable reports whether o's named properties all live in class slots.
func (o *Object) cacheable() bool {
	if o.host != nil || o.alias != nil {
		return false
	}
	switch o.kind {
	case KindArray, KindArguments, KindString, KindByteArray:
		return false
	}
	return true
}

func (ctx *ExecutionContext) getNameCached(code *Code, pc int, regs []Value, in Instruction) error {
	recv := regs[in.B]
	name := code.Names[in.C]
	if recv.typ != TypeObject {
		v, err := ctx.GetValue(recv, name)
		if err == nil {
			regs[in.A] = v
		}
		return err
	}
	o := recv.ref.(*Object)
	if !o.cacheable() {
		v, err := o.Get(ctx, name)
		if err == nil {
			regs[in.A] = v
		}
		return err
	}

	cache := code.Cache(pc)
	if e, ok := cache.Lookup(o.class); ok {
		regs[in.A] = o.slots[e.Index]
		return nil
	}
	if i, ok := o.class.Find(name); ok && o.class.Property(i).Attributes&Accessor == 0 {
		cls := o.class
		cache.Update(cls, CacheEntry{ID: cls.ID(), Index: i, Serial: cls.Serial(i)})
		regs[in.A] = o.slots[i]
		return nil
	}
	v, err := o.Get(ctx, name)
	if err == nil {
		regs[in.A] = v
	}
	return err
}

func (ctx *ExecutionContext) putNameCached(code *Code, pc int, regs []Value, in Instruction) error {
	target := regs[in.A]
	name := code.Names[in.B]
	v := regs[in.C]
	if target.typ != TypeObject {
		return ctx.PutValue(target, name, v)
	}
	o := target.ref.(*Object)
	if !o.cacheable() {
		return o.Put(ctx, name, v)
	}

	cache := code.Cache(pc)
	if e, ok := cache.Lookup(o.class); ok && o.class.Layout(e.Index).Storage.Accepts(v) {
		o.slots[e.Index] = v
		return nil
	}
	cls := o.class
	if i, ok := cls.Find(name); ok {
		a := cls.Property(i).Attributes
		if a&(ReadOnly|Accessor|MethodHint) == 0 && cls.Layout(i).Storage.Accepts(v) {
			cache.Update(cls, CacheEntry{ID: cls.ID(), Index: i, Serial: cls.Serial(i)})
			o.slots[i] = v
			return nil
		}
	}
	return o.Put(ctx, name, v)
}

// GetValue reads a property of any value. Primitive receivers use their
// wrapper prototype without allocating a wrapper.
func (ctx *ExecutionContext) GetValue(v Value, name string) (Value, error) {
	var proto *Object
	switch v.typ {
	case TypeObject:
		return v.ref.(*Object).Get(ctx, name)
	case TypeUndefined, TypeNull:
		return Undefined, ctx.Throw(KindTypeError, "cannot read property %q of %s", name, v.typ)
	case TypeString:
		s := v.ref.(*String).s
		if name == "length" {
			return FromInt(len(s)), nil
		}
		if i, ok := ArrayIndex(name); ok {
			if i < len(s) {
				return ctx.stringValue(s[i : i+1])
			}
			return Undefined, nil
		}
		proto = ctx.rt.stringProto
	case TypeInt32, TypeDouble:
		proto = ctx.rt.numberProto
	case TypeBoolean:
		proto = ctx.rt.booleanProto
	default:
		return Undefined, nil
	}
	return proto.getWithReceiver(ctx, name, v)
}

// PutValue writes a property of any value. Writes to primitives are
// dropped.
func (ctx *ExecutionContext) PutValue(target Value, name string, v Value) error {
	switch target.typ {
	case TypeObject:
		return target.ref.(*Object).Put(ctx, name, v)
	case TypeUndefined, TypeNull:
		return ctx.Throw(KindTypeError, "cannot set property %q of %s", name, target.typ)
	}
	return nil
}

func (ctx *ExecutionContext) getIndexValue(recv, key Value) (Value, error) {
	if recv.typ == TypeObject && key.typ == TypeInt32 && key.i >= 0 {
		if o := recv.ref.(*Object); o.kind == KindArray && int(key.i) < len(o.elements) {
			return o.elements[key.i], nil
		}
	}
	name, err := ctx.ToPropertyName(key)
	if err != nil {
		return Undefined, err
	}
	return ctx.GetValue(recv, name)
}

func (ctx *ExecutionContext) putIndexValue(target, key, v Value) error {
	if target.typ == TypeObject && key.typ == TypeInt32 && key.i >= 0 {
		if o := target.ref.(*Object); o.kind == KindArray && o.class.extensible {
			if o.PutIndex(int(key.i), v) {
				return nil
			}
		}
	}
	name, err := ctx.ToPropertyName(key)
	if err != nil {
		return err
	}
	return ctx.PutValue(target, name, v)
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func (ctx *ExecutionContext) add(a, b Value) (Value, error) {
	if a.typ == TypeInt32 && b.typ == TypeInt32 {
		return FromInt(int(a.i) + int(b.i)), nil
	}
	if a.typ == TypeString && b.typ == TypeString {
		s, err := ctx.Concat(a.ref.(*String), b.ref.(*String))
		return FromString(s), err
	}
	pa, err := ctx.ToPrimitive(a, HintDefault)
	if err != nil {
		return Undefined, err
	}
	ctx.PushTemp(pa)
	defer ctx.PopTemp()
	pb, err := ctx.ToPrimitive(b, HintDefault)
	if err != nil {
		return Undefined, err
	}
	if pa.typ == TypeString || pb.typ == TypeString {
		ctx.PushTemp(pb)
		defer ctx.PopTemp()
		sa, err := ctx.ToString(pa)
		if err != nil {
			return Undefined, err
		}
		ctx.PushTemp(FromString(sa))
		defer ctx.PopTemp()
		sb, err := ctx.ToString(pb)
		if err != nil {
			return Undefined, err
		}
		s, err := ctx.Concat(sa, sb)
		return FromString(s), err
	}
	da, err := ctx.ToNumber(pa)
	if err != nil {
		return Undefined, err
	}
	db, err := ctx.ToNumber(pb)
	if err != nil {
		return Undefined, err
	}
	return FromFloat64(da + db), nil
}

func (ctx *ExecutionContext) arith(op Opcode, a, b Value) (Value, error) {
	if a.typ == TypeInt32 && b.typ == TypeInt32 {
		x, y := int(a.i), int(b.i)
		switch op {
		case OpSub:
			return FromInt(x - y), nil
		case OpMul:
			if p := x * y; p != 0 {
				return FromInt(p), nil
			}
		}
	}
	da, err := ctx.ToNumber(a)
	if err != nil {
		return Undefined, err
	}
	db, err := ctx.ToNumber(b)
	if err != nil {
		return Undefined, err
	}
	switch op {
	case OpSub:
		return FromFloat64(da - db), nil
	case OpMul:
		return FromFloat64(da * db), nil
	default:
		return FromFloat64(da / db), nil
	}
}

func (ctx *ExecutionContext) lessThan(a, b Value) (bool, error) {
	if a.typ == TypeInt32 && b.typ == TypeInt32 {
		return a.i < b.i, nil
	}
	pa, err := ctx.ToPrimitive(a, HintNumber)
	if err != nil {
		return false, err
	}
	ctx.PushTemp(pa)
	defer ctx.PopTemp()
	pb, err := ctx.ToPrimitive(b, HintNumber)
	if err != nil {
		return false, err
	}
	if pa.typ == TypeString && pb.typ == TypeString {
		return strings.Compare(pa.ref.(*String).s, pb.ref.(*String).s) < 0, nil
	}
	da, err := ctx.ToNumber(pa)
	if err != nil {
		return false, err
	}
	db, err := ctx.ToNumber(pb)
	if err != nil {
		return false, err
	}
	if math.IsNaN(da) || math.IsNaN(db) {
		return false, nil
	}
	return da < db, nil
}

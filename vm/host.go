package vm

import (
	"fmt"

	"github.com/chazu/esrt/heap"
)

// GetResult is a host shadow's answer to a property read.
type GetResult uint8

const (
	GetFound GetResult = iota
	GetNotFound
	GetSuspend
	GetSecurityViolation
	GetNoMemory
	GetException
)

var getResultNames = [...]string{"found", "not found", "suspend", "security violation", "no memory", "exception"}

func (r GetResult) String() string {
	if int(r) < len(getResultNames) {
		return getResultNames[r]
	}
	return fmt.Sprintf("GetResult(%d)", int(r))
}

// PutResult is a host shadow's answer to a property write.
type PutResult uint8

const (
	PutSuccess PutResult = iota
	PutNotFound
	PutReadOnly
	PutNeedsNumber
	PutNeedsString
	PutNeedsBoolean
	PutSuspend
	PutSecurityViolation
	PutNoMemory
	PutException
)

var putResultNames = [...]string{"success", "not found", "read only", "needs number", "needs string",
	"needs boolean", "suspend", "security violation", "no memory", "exception"}

func (r PutResult) String() string {
	if int(r) < len(putResultNames) {
		return putResultNames[r]
	}
	return fmt.Sprintf("PutResult(%d)", int(r))
}

// HostShadow is the native side of a host object. GetName returns the
// value for GetFound and the thrown value for GetException. For
// PutException the thrown value is left with ctx.SetHostException.
type HostShadow interface {
	GetName(ctx *ExecutionContext, name string) (GetResult, Value)
	PutName(ctx *ExecutionContext, name string, v Value) PutResult
	ObjectDestroyed()
}

// HostRestarter is implemented by shadows that resume suspended accesses
// from the state they left with SetRestartState. Shadows without it see a
// plain repeated GetName or PutName.
type HostRestarter interface {
	GetNameRestart(ctx *ExecutionContext, name string, state any) (GetResult, Value)
	PutNameRestart(ctx *ExecutionContext, name string, v Value, state any) PutResult
}

// HostLink joins a host object and its shadow. Either side may sever it.
type HostLink struct {
	object *Object
	shadow HostShadow
}

// Object returns the linked object, or nil once severed or collected.
func (l *HostLink) Object() *Object { return l.object }

// Shadow returns the linked shadow, or nil once severed.
func (l *HostLink) Shadow() HostShadow { return l.shadow }

// Sever breaks the link from the host side. The object stays valid and
// behaves as a plain object from then on; the shadow gets no destroy
// notification.
func (l *HostLink) Sever() {
	if l.object != nil {
		l.object.host = nil
		if l.object.prototypeOf == nil {
			l.object.hdr.SetNeedsDestroy(false)
		}
	}
	l.object = nil
	l.shadow = nil
}

// SeverHost breaks the link from the script side.
func (o *Object) SeverHost() {
	if o.host != nil {
		o.host.Sever()
	}
}

// HostLink returns the object's host link, or nil.
func (o *Object) HostLink() *HostLink { return o.host }

// MakeHostObject allocates an object with the given prototype and class
// name, linked to shadow. The shadow is told when the object is collected.
func (ctx *ExecutionContext) MakeHostObject(proto *Object, shadow HostShadow, className string) (*Object, *HostLink, error) {
	if proto == nil {
		proto = ctx.rt.objectProto
	}
	o, err := ctx.newObject(ctx.rt.classes.Root(proto, className), KindHost)
	if err != nil {
		return nil, nil, err
	}
	link := &HostLink{object: o, shadow: shadow}
	o.host = link
	o.hdr.SetNeedsDestroy(true)
	return o, link, nil
}

// MakeHostObject allocates a host object through the runtime's default
// context.
func (rt *Runtime) MakeHostObject(proto *Object, shadow HostShadow, className string) (*Object, *HostLink, error) {
	return rt.ctx.MakeHostObject(proto, shadow, className)
}

// SetRestartState records state for the restart of a suspending access.
// Shadows call it before returning GetSuspend or PutSuspend.
func (ctx *ExecutionContext) SetRestartState(state any) { ctx.restartState = state }

// SetHostException records the value a shadow throws with PutException.
func (ctx *ExecutionContext) SetHostException(v Value) { ctx.hostException = v }

// ---------------------------------------------------------------------------
// Restart tokens
// ---------------------------------------------------------------------------

// RestartToken identifies a suspended host access. The object and value
// it refers to stay protected from collection until the restart finishes
// or the token is released.
type RestartToken struct {
	ctx    *ExecutionContext
	object *Object
	name   string
	value  Value
	put    bool
	state  any
	done   bool
}

// Name returns the property name of the suspended access.
func (t *RestartToken) Name() string { return t.name }

// State returns the state the shadow recorded with SetRestartState.
func (t *RestartToken) State() any { return t.state }

// Release drops the token without restarting.
func (t *RestartToken) Release() {
	if t.done {
		return
	}
	t.done = true
	h := t.ctx.heap
	h.Unprotect(t.object)
	if t.value.ref != nil {
		h.Unprotect(t.value.ref)
	}
}

func (ctx *ExecutionContext) newRestartToken(o *Object, name string, v Value, put bool) *RestartToken {
	t := &RestartToken{ctx: ctx, object: o, name: name, value: v, put: put, state: ctx.restartState}
	ctx.restartState = nil
	ctx.heap.Protect(o)
	if v.ref != nil {
		ctx.heap.Protect(v.ref)
	}
	return t
}

// ---------------------------------------------------------------------------
// Property protocol
// ---------------------------------------------------------------------------

// GetName reads a property through the host protocol. Host objects answer
// first; other objects and GetNotFound fall back to ordinary lookup, which
// reports GetFound or GetNotFound. GetSuspend comes with a token for
// GetNameRestart. Script exceptions are reported as GetException with the
// thrown value.
func (ctx *ExecutionContext) GetName(o *Object, name string) (GetResult, Value, *RestartToken) {
	if o.host != nil {
		r, v := o.host.shadow.GetName(ctx, name)
		if res, val, tok, done := ctx.finishGet(o, name, r, v); done {
			return res, val, tok
		}
	}
	return ctx.getNative(o, name)
}

// GetNameRestart resumes a read suspended by GetName.
func (ctx *ExecutionContext) GetNameRestart(tok *RestartToken) (GetResult, Value, *RestartToken) {
	if tok.done || tok.put {
		panic("vm: invalid get restart token")
	}
	o, name, state := tok.object, tok.name, tok.state
	defer tok.Release()
	if o.host == nil {
		return ctx.getNative(o, name)
	}
	var r GetResult
	var v Value
	if rs, ok := o.host.shadow.(HostRestarter); ok {
		r, v = rs.GetNameRestart(ctx, name, state)
	} else {
		r, v = o.host.shadow.GetName(ctx, name)
	}
	if res, val, next, done := ctx.finishGet(o, name, r, v); done {
		return res, val, next
	}
	return ctx.getNative(o, name)
}

func (ctx *ExecutionContext) finishGet(o *Object, name string, r GetResult, v Value) (GetResult, Value, *RestartToken, bool) {
	switch r {
	case GetNotFound:
		return r, Undefined, nil, false
	case GetSuspend:
		return r, Undefined, ctx.newRestartToken(o, name, Undefined, false), true
	default:
		return r, v, nil, true
	}
}

func (ctx *ExecutionContext) getNative(o *Object, name string) (GetResult, Value, *RestartToken) {
	if !o.HasProperty(name) {
		return GetNotFound, Undefined, nil
	}
	v, err := o.getNoHost(ctx, name)
	if err != nil {
		return ctx.getFailure(err)
	}
	return GetFound, v, nil
}

func (ctx *ExecutionContext) getFailure(err error) (GetResult, Value, *RestartToken) {
	if te, ok := err.(*ThrowError); ok {
		return GetException, te.Value, nil
	}
	if a, ok := heap.IsAbort(err); ok && a.Kind == heap.AbortOutOfMemory {
		return GetNoMemory, Undefined, nil
	}
	panic(err)
}

// PutName writes a property through the host protocol. PutNeedsNumber,
// PutNeedsString and PutNeedsBoolean make the runtime convert the value and
// ask again. PutSuspend comes with a token for PutNameRestart.
func (ctx *ExecutionContext) PutName(o *Object, name string, v Value) (PutResult, *RestartToken) {
	if o.host != nil {
		r, err := ctx.hostPutConverted(o, name, v, false, nil)
		if err != nil {
			return ctx.putFailure(err), nil
		}
		switch r {
		case PutNotFound:
		case PutSuspend:
			return r, ctx.newRestartToken(o, name, v, true)
		default:
			return r, nil
		}
	}
	return ctx.putNative(o, name, v), nil
}

// PutNameRestart resumes a write suspended by PutName.
func (ctx *ExecutionContext) PutNameRestart(tok *RestartToken) (PutResult, *RestartToken) {
	if tok.done || !tok.put {
		panic("vm: invalid put restart token")
	}
	o, name, v, state := tok.object, tok.name, tok.value, tok.state
	defer tok.Release()
	if o.host == nil {
		return ctx.putNative(o, name, v), nil
	}
	r, err := ctx.hostPutConverted(o, name, v, true, state)
	if err != nil {
		return ctx.putFailure(err), nil
	}
	switch r {
	case PutNotFound:
		return ctx.putNative(o, name, v), nil
	case PutSuspend:
		return r, ctx.newRestartToken(o, name, v, true)
	}
	return r, nil
}

// hostPutConverted asks the shadow, converting the value for PutNeeds*
// answers. Each conversion is applied at most once.
func (ctx *ExecutionContext) hostPutConverted(o *Object, name string, v Value, restart bool, state any) (PutResult, error) {
	shadow := o.host.shadow
	ask := func(v Value) PutResult {
		if restart {
			if rs, ok := shadow.(HostRestarter); ok {
				return rs.PutNameRestart(ctx, name, v, state)
			}
		}
		return shadow.PutName(ctx, name, v)
	}
	r := ask(v)
	for tries := 0; tries < 3; tries++ {
		var converted Value
		switch r {
		case PutNeedsNumber:
			d, err := ctx.ToNumber(v)
			if err != nil {
				return PutException, err
			}
			converted = FromFloat64(d)
		case PutNeedsString:
			s, err := ctx.ToString(v)
			if err != nil {
				return PutException, err
			}
			converted = FromString(s)
		case PutNeedsBoolean:
			converted = FromBool(ToBoolean(v))
		default:
			return r, nil
		}
		if SameValue(converted, v) && converted.typ == v.typ {
			return PutException, ctx.Throw(KindTypeError, "host rejected converted value for %q", name)
		}
		v = converted
		r = ask(v)
	}
	return r, nil
}

func (ctx *ExecutionContext) putNative(o *Object, name string, v Value) PutResult {
	if i, ok := o.class.Find(name); ok && o.class.Property(i).Attributes&ReadOnly != 0 {
		return PutReadOnly
	}
	if err := o.putNoHost(ctx, name, v); err != nil {
		return ctx.putFailure(err)
	}
	return PutSuccess
}

func (ctx *ExecutionContext) putFailure(err error) PutResult {
	if te, ok := err.(*ThrowError); ok {
		ctx.hostException = te.Value
		return PutException
	}
	if a, ok := heap.IsAbort(err); ok && a.Kind == heap.AbortOutOfMemory {
		return PutNoMemory
	}
	panic(err)
}

// HostException returns the value thrown by the last PutException.
func (ctx *ExecutionContext) HostException() Value { return ctx.hostException }

// ---------------------------------------------------------------------------
// Host hooks used by Object.Get and Object.Put
// ---------------------------------------------------------------------------

// maxHostRestarts bounds how often one access may suspend in a row.
const maxHostRestarts = 8

// hostGet asks o's shadow for name on behalf of script. Suspensions are
// serviced through SuspendedCall and restarted in place.
func (ctx *ExecutionContext) hostGet(o *Object, name string) (Value, bool, error) {
	r, v := o.host.shadow.GetName(ctx, name)
	for tries := 0; r == GetSuspend; tries++ {
		if tries == maxHostRestarts {
			return Undefined, false, ctx.Throw(KindPlainError, "host access to %q did not complete", name)
		}
		tok := ctx.newRestartToken(o, name, Undefined, false)
		ctx.SuspendedCall(SuspendFunc(func(ctx *ExecutionContext) {
			defer tok.Release()
			if o.host == nil {
				r, v = GetNotFound, Undefined
				return
			}
			if rs, ok := o.host.shadow.(HostRestarter); ok {
				r, v = rs.GetNameRestart(ctx, name, tok.state)
			} else {
				r, v = o.host.shadow.GetName(ctx, name)
			}
		}))
	}
	switch r {
	case GetFound:
		return v, true, nil
	case GetNotFound:
		return Undefined, false, nil
	case GetSecurityViolation:
		return Undefined, false, ctx.Throw(KindPlainError, "security error: access to property %q denied", name)
	case GetNoMemory:
		return Undefined, false, fmt.Errorf("host get %q: %w", name, heap.ErrOutOfMemory)
	default:
		return Undefined, false, ctx.ThrowValue(v)
	}
}

// hostPut offers a write to o's shadow on behalf of script. It reports
// whether the shadow handled it.
func (ctx *ExecutionContext) hostPut(o *Object, name string, v Value) (bool, error) {
	r, err := ctx.hostPutConverted(o, name, v, false, nil)
	for tries := 0; err == nil && r == PutSuspend; tries++ {
		if tries == maxHostRestarts {
			return true, ctx.Throw(KindPlainError, "host access to %q did not complete", name)
		}
		state := ctx.restartState
		ctx.restartState = nil
		ctx.SuspendedCall(SuspendFunc(func(ctx *ExecutionContext) {
			if o.host == nil {
				r = PutNotFound
				return
			}
			r, err = ctx.hostPutConverted(o, name, v, true, state)
		}))
	}
	if err != nil {
		return true, err
	}
	switch r {
	case PutSuccess, PutReadOnly:
		return true, nil
	case PutNotFound:
		return false, nil
	case PutSecurityViolation:
		return true, ctx.Throw(KindPlainError, "security error: access to property %q denied", name)
	case PutNoMemory:
		return true, fmt.Errorf("host put %q: %w", name, heap.ErrOutOfMemory)
	default:
		return true, ctx.ThrowValue(ctx.hostException)
	}
}

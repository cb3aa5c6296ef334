// Package jsclass registers native-backed JavaScript classes on top of the
// engine boundary. A registered class gets a JS constructor whose instances
// carry an integer handle into a Go-side payload table; methods and fields
// dispatch through generic trampolines carrying (classId, magic, handle).
//
// JS values held by a native payload (callbacks, buffers) are parked in
// globalThis.__classRefs under ref ids recorded in the payload. That is the
// traversal contract: a parked value is reachable to the engine GC for
// exactly as long as the payload records its id, and the registry drops the
// entry when the payload is finalized.
package jsclass

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cryguy/jsloop/internal/core"
	"github.com/cryguy/jsloop/internal/eventloop"
)

// Arg is one decoded JS argument.
type Arg struct {
	Kind   string // "num", "str", "bool", "null", "undefined", "buf", "ref", "handle", "json"
	Num    float64
	Str    string
	Bool   bool
	Bytes  []byte
	Ref    uint64 // id into globalThis.__classRefs
	Handle uint64 // another native-backed instance
	Class  int
	JSON   string // raw JSON for plain objects/arrays
}

// Int returns the argument as an int (zero when not a number).
func (a Arg) Int() int { return int(a.Num) }

// Result is the value a method, getter, or constructor helper hands back
// across the boundary.
type Result struct {
	kind  string
	num   float64
	str   string
	b     bool
	bytes []byte
	h     uint64
	cls   int
	token uint64
	raw   string
}

// Undefined returns the JS undefined result.
func Undefined() Result { return Result{kind: "undefined"} }

// Null returns the JS null result.
func Null() Result { return Result{kind: "null"} }

// Number returns a numeric result.
func Number(f float64) Result { return Result{kind: "num", num: f} }

// Int returns a numeric result from an int.
func Int(n int) Result { return Number(float64(n)) }

// String returns a string result.
func String(s string) Result { return Result{kind: "str", str: s} }

// Bool returns a boolean result.
func Bool(b bool) Result { return Result{kind: "bool", b: b} }

// Buf returns an ArrayBuffer result.
func Buf(b []byte) Result { return Result{kind: "buf", bytes: b} }

// RawJSON returns a result decoded from a JSON literal.
func RawJSON(raw string) Result { return Result{kind: "json", raw: raw} }

// Handle returns another native-backed instance.
func Handle(cls *Class, h uint64) Result { return Result{kind: "handle", h: h, cls: cls.id} }

// TokenPromise returns a Promise wired to the given callback token: the JS
// side parks the resolver pair in __cbTokens[id] for the loop to settle.
func TokenPromise(id uint64) Result { return Result{kind: "token", token: id} }

func (r Result) encode() string {
	out := map[string]any{"k": r.kind}
	switch r.kind {
	case "num":
		out["v"] = r.num
	case "str":
		out["v"] = r.str
	case "bool":
		out["v"] = r.b
	case "buf":
		out["b64"] = base64.StdEncoding.EncodeToString(r.bytes)
	case "json":
		out["v"] = r.raw
	case "handle":
		out["h"] = r.h
		out["cls"] = r.cls
	case "token":
		out["id"] = r.token
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// Ctx is handed to every constructor, method, and accessor.
type Ctx struct {
	RT   core.JSRuntime
	Loop *eventloop.Loop
	reg  *Registry
}

// ReleaseRef drops a parked JS value, making it collectable.
func (c *Ctx) ReleaseRef(id uint64) {
	_ = c.RT.Eval(fmt.Sprintf("delete globalThis.__classRefs[%d];", id))
}

// CallRef invokes a parked JS callback with the given argument expression
// (raw JS, caller-quoted).
func (c *Ctx) CallRef(id uint64, argsExpr string) {
	_ = c.RT.Eval(fmt.Sprintf(
		"if (globalThis.__classRefs[%d]) globalThis.__classRefs[%d].apply(null, [%s]);",
		id, id, argsExpr))
	c.RT.RunMicrotasks()
}

// NewInstance stores a payload and returns a result that materialises as a
// JS instance of cls.
func (c *Ctx) NewInstance(cls *Class, payload any) Result {
	h := c.reg.store(cls, payload)
	return Handle(cls, h)
}

// CtorFunc builds the native payload for a new instance.
type CtorFunc func(ctx *Ctx, args []Arg) (any, error)

// MethodFunc implements one method. An error return throws a TypeError at
// the call site.
type MethodFunc func(ctx *Ctx, payload any, args []Arg) (Result, error)

// GetterFunc reads a field.
type GetterFunc func(ctx *Ctx, payload any) (Result, error)

// SetterFunc writes a field.
type SetterFunc func(ctx *Ctx, payload any, val Arg) error

// FinalizerFunc releases a payload. loop may be nil during engine
// shutdown. Finalizers must be idempotent and must not panic; panics are
// recovered and logged to keep GC invariants.
type FinalizerFunc func(payload any, loop *eventloop.Loop)

// RefsFunc enumerates the ref ids of JS values the payload holds, so the
// registry can release them with the payload.
type RefsFunc func(payload any) []uint64

// Method declares one prototype method.
type Method struct {
	Name  string
	Arity int
	Fn    MethodFunc
}

// Field declares one accessor pair.
type Field struct {
	Name string
	Get  GetterFunc
	Set  SetterFunc
}

// ClassSpec declares a native-backed class.
type ClassSpec struct {
	Name      string
	CtorArity int
	Ctor      CtorFunc
	Methods   []Method
	Fields    []Field
	Finalizer FinalizerFunc
	Refs      RefsFunc
	Extends   string // registered base class name, "" for none
}

// Class is a registered class record. Method and field tables are the
// base's followed by the spec's own, so a magic number is stable across
// the subclass chain.
type Class struct {
	id      int
	name    string
	spec    ClassSpec
	base    *Class
	methods []Method
	fields  []Field
}

// Name returns the registered class name.
func (c *Class) Name() string { return c.name }

func (c *Class) isa(target *Class) bool {
	for x := c; x != nil; x = x.base {
		if x == target {
			return true
		}
	}
	return false
}

type instance struct {
	cls     *Class
	payload any
}

// Registry holds every registered class and live instance payload. It is
// process-wide state initialised explicitly by the embedder, and confined
// to the loop goroutine like everything that touches the engine.
type Registry struct {
	rt         core.JSRuntime
	loop       *eventloop.Loop
	classes    []*Class
	byName     map[string]*Class
	instances  map[uint64]*instance
	nextHandle uint64
}

// New creates the registry and installs its trampolines and glue.
func New(rt core.JSRuntime, loop *eventloop.Loop) (*Registry, error) {
	r := &Registry{
		rt:        rt,
		loop:      loop,
		byName:    make(map[string]*Class),
		instances: make(map[uint64]*instance),
	}
	if err := rt.RegisterFunc("__classCtor", r.ctorTrampoline); err != nil {
		return nil, fmt.Errorf("registering constructor trampoline: %w", err)
	}
	if err := rt.RegisterFunc("__classInvoke", r.invokeTrampoline); err != nil {
		return nil, fmt.Errorf("registering method trampoline: %w", err)
	}
	if err := rt.RegisterFunc("__classGet", r.getTrampoline); err != nil {
		return nil, fmt.Errorf("registering getter trampoline: %w", err)
	}
	if err := rt.RegisterFunc("__classSet", r.setTrampoline); err != nil {
		return nil, fmt.Errorf("registering setter trampoline: %w", err)
	}
	if err := rt.RegisterFunc("__classFinalize", func(classID, handle int) (int, error) {
		r.finalize(uint64(handle), r.loop)
		return 0, nil
	}); err != nil {
		return nil, fmt.Errorf("registering finalizer trampoline: %w", err)
	}
	if err := rt.Eval(classGlueJS); err != nil {
		return nil, fmt.Errorf("installing class glue: %w", err)
	}
	return r, nil
}

func (r *Registry) ctx() *Ctx { return &Ctx{RT: r.rt, Loop: r.loop, reg: r} }

// Lookup returns the registered class by name.
func (r *Registry) Lookup(name string) *Class {
	return r.byName[name]
}

// Register installs a class and exposes its constructor as a global under
// the class name.
func (r *Registry) Register(spec ClassSpec) (*Class, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("class name is required")
	}
	if _, dup := r.byName[spec.Name]; dup {
		return nil, fmt.Errorf("class %q already registered", spec.Name)
	}
	var base *Class
	if spec.Extends != "" {
		base = r.byName[spec.Extends]
		if base == nil {
			return nil, fmt.Errorf("base class %q not registered", spec.Extends)
		}
	}

	cls := &Class{
		id:   len(r.classes) + 1,
		name: spec.Name,
		spec: spec,
		base: base,
	}
	if base != nil {
		cls.methods = append(cls.methods, base.methods...)
		cls.fields = append(cls.fields, base.fields...)
	}
	cls.methods = append(cls.methods, spec.Methods...)
	cls.fields = append(cls.fields, spec.Fields...)

	if err := r.rt.Eval(r.defineJS(cls)); err != nil {
		return nil, fmt.Errorf("defining class %q: %w", spec.Name, err)
	}
	r.classes = append(r.classes, cls)
	r.byName[spec.Name] = cls
	return cls, nil
}

// defineJS builds the per-class definition: constructor, prototype
// methods/fields, and the base prototype chain.
func (r *Registry) defineJS(cls *Class) string {
	var b strings.Builder
	fmt.Fprintf(&b, `(function() {
	var C = function() {
		if (!new.target) throw new TypeError(%q + " is a constructor");
		var h = __classCtor(%d, JSON.stringify(__clsEncodeArgs(arguments)));
		Object.defineProperty(this, '__h', { value: h });
		Object.defineProperty(this, '__cls', { value: %d });
		if (globalThis.__clsFinReg) globalThis.__clsFinReg.register(this, [%d, h]);
	};
`, cls.name, cls.id, cls.id, cls.id)

	// Only the spec's own entries go on this prototype; inherited ones are
	// reached through the chain. Magic numbers index the combined table.
	baseMethods := len(cls.methods) - len(cls.spec.Methods)
	for i, m := range cls.spec.Methods {
		magic := baseMethods + i
		fmt.Fprintf(&b, `	C.prototype[%q] = function() {
		return __clsDecode(__classInvoke(%d, %d, this.__h, JSON.stringify(__clsEncodeArgs(arguments))));
	};
`, m.Name, cls.id, magic)
	}
	baseFields := len(cls.fields) - len(cls.spec.Fields)
	for i, f := range cls.spec.Fields {
		magic := baseFields + i
		fmt.Fprintf(&b, `	Object.defineProperty(C.prototype, %q, {
		configurable: true,
		get: function() { return __clsDecode(__classGet(%d, %d, this.__h)); },
		set: function(v) { __classSet(%d, %d, this.__h, JSON.stringify(__clsEncodeVal(v))); }
	});
`, f.Name, cls.id, magic, cls.id, magic)
	}
	if cls.base != nil {
		fmt.Fprintf(&b, `	Object.setPrototypeOf(C.prototype, globalThis.__classes[%d].prototype);
	Object.setPrototypeOf(C, globalThis.__classes[%d]);
`, cls.base.id, cls.base.id)
	}
	fmt.Fprintf(&b, `	Object.defineProperty(C, 'name', { value: %q });
	globalThis.__classes[%d] = C;
	globalThis[%q] = C;
})();`, cls.name, cls.id, cls.name)
	return b.String()
}

func (r *Registry) class(id int) *Class {
	if id < 1 || id > len(r.classes) {
		return nil
	}
	return r.classes[id-1]
}

func (r *Registry) store(cls *Class, payload any) uint64 {
	r.nextHandle++
	r.instances[r.nextHandle] = &instance{cls: cls, payload: payload}
	return r.nextHandle
}

// payloadFor retrieves the payload behind a handle, checking that the
// instance's class is the requested class or derives from it. A wrong
// class yields nil, surfaced as "Invalid Class".
func (r *Registry) payloadFor(cls *Class, handle uint64) any {
	inst := r.instances[handle]
	if inst == nil || cls == nil || !inst.cls.isa(cls) {
		return nil
	}
	return inst.payload
}

func (r *Registry) ctorTrampoline(classID int, argsJSON string) (int, error) {
	cls := r.class(classID)
	if cls == nil {
		return 0, fmt.Errorf("unknown class id %d", classID)
	}
	if cls.spec.Ctor == nil {
		return 0, fmt.Errorf("%s cannot be constructed", cls.name)
	}
	args, err := decodeArgs(argsJSON)
	if err != nil {
		return 0, err
	}
	payload, err := cls.spec.Ctor(r.ctx(), args)
	if err != nil {
		return 0, err
	}
	return int(r.store(cls, payload)), nil
}

func (r *Registry) invokeTrampoline(classID, magic, handle int, argsJSON string) (string, error) {
	cls := r.class(classID)
	if cls == nil {
		return "", fmt.Errorf("unknown class id %d", classID)
	}
	payload := r.payloadFor(cls, uint64(handle))
	if payload == nil {
		return "", fmt.Errorf("Invalid Class")
	}
	if magic < 0 || magic >= len(cls.methods) {
		return "", fmt.Errorf("%s: no method at index %d", cls.name, magic)
	}
	args, err := decodeArgs(argsJSON)
	if err != nil {
		return "", err
	}
	res, err := cls.methods[magic].Fn(r.ctx(), payload, args)
	if err != nil {
		return "", err
	}
	return res.encode(), nil
}

func (r *Registry) getTrampoline(classID, magic, handle int) (string, error) {
	cls := r.class(classID)
	if cls == nil {
		return "", fmt.Errorf("unknown class id %d", classID)
	}
	payload := r.payloadFor(cls, uint64(handle))
	if payload == nil {
		return "", fmt.Errorf("Invalid Class")
	}
	if magic < 0 || magic >= len(cls.fields) {
		return "", fmt.Errorf("%s: no field at index %d", cls.name, magic)
	}
	res, err := cls.fields[magic].Get(r.ctx(), payload)
	if err != nil {
		return "", err
	}
	return res.encode(), nil
}

func (r *Registry) setTrampoline(classID, magic, handle int, valJSON string) (int, error) {
	cls := r.class(classID)
	if cls == nil {
		return 0, fmt.Errorf("unknown class id %d", classID)
	}
	payload := r.payloadFor(cls, uint64(handle))
	if payload == nil {
		return 0, fmt.Errorf("Invalid Class")
	}
	if magic < 0 || magic >= len(cls.fields) {
		return 0, fmt.Errorf("%s: no field at index %d", cls.name, magic)
	}
	f := cls.fields[magic]
	if f.Set == nil {
		return 0, fmt.Errorf("%s.%s is read-only", cls.name, f.Name)
	}
	val, err := decodeArg(valJSON)
	if err != nil {
		return 0, err
	}
	if err := f.Set(r.ctx(), payload, val); err != nil {
		return 0, err
	}
	return 0, nil
}

// finalize runs the payload's finalizer chain (subclass first, then base)
// and releases its parked refs. Idempotent; a nil loop means shutdown.
func (r *Registry) finalize(handle uint64, loop *eventloop.Loop) {
	inst := r.instances[handle]
	if inst == nil {
		return
	}
	delete(r.instances, handle)

	defer func() {
		if p := recover(); p != nil {
			core.Diag().Log("error", fmt.Sprintf("finalizer for %s panicked: %v", inst.cls.name, p))
		}
	}()

	for c := inst.cls; c != nil; c = c.base {
		if c.spec.Refs != nil {
			for _, id := range c.spec.Refs(inst.payload) {
				_ = r.rt.Eval(fmt.Sprintf("delete globalThis.__classRefs[%d];", id))
			}
		}
	}
	for c := inst.cls; c != nil; c = c.base {
		if c.spec.Finalizer != nil {
			c.spec.Finalizer(inst.payload, loop)
		}
	}
}

// FinalizeAll finalizes every live payload. Called at engine shutdown,
// when the loop may already be gone.
func (r *Registry) FinalizeAll() {
	for h := range r.instances {
		r.finalize(h, nil)
	}
}

// LiveInstances reports payloads not yet finalized.
func (r *Registry) LiveInstances() int { return len(r.instances) }

type jsArg struct {
	K   string          `json:"k"`
	V   json.RawMessage `json:"v,omitempty"`
	ID  uint64          `json:"id,omitempty"`
	H   uint64          `json:"h,omitempty"`
	Cls int             `json:"cls,omitempty"`
	B64 string          `json:"b64,omitempty"`
}

func decodeArgs(argsJSON string) ([]Arg, error) {
	var raw []jsArg
	if err := json.Unmarshal([]byte(argsJSON), &raw); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	args := make([]Arg, len(raw))
	for i, ja := range raw {
		a, err := convertArg(ja)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}
	return args, nil
}

func decodeArg(valJSON string) (Arg, error) {
	var ja jsArg
	if err := json.Unmarshal([]byte(valJSON), &ja); err != nil {
		return Arg{}, fmt.Errorf("decoding value: %w", err)
	}
	return convertArg(ja)
}

func convertArg(ja jsArg) (Arg, error) {
	a := Arg{Kind: ja.K}
	switch ja.K {
	case "num":
		if err := json.Unmarshal(ja.V, &a.Num); err != nil {
			return a, err
		}
	case "str":
		if err := json.Unmarshal(ja.V, &a.Str); err != nil {
			return a, err
		}
	case "bool":
		if err := json.Unmarshal(ja.V, &a.Bool); err != nil {
			return a, err
		}
	case "buf":
		b, err := base64.StdEncoding.DecodeString(ja.B64)
		if err != nil {
			return a, fmt.Errorf("decoding buffer argument: %w", err)
		}
		a.Bytes = b
	case "ref":
		a.Ref = ja.ID
	case "handle":
		a.Handle = ja.H
		a.Class = ja.Cls
	case "json":
		var s string
		if err := json.Unmarshal(ja.V, &s); err != nil {
			return a, err
		}
		a.JSON = s
	case "null", "undefined":
	default:
		return a, fmt.Errorf("unknown argument kind %q", ja.K)
	}
	return a, nil
}

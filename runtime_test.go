package jsloop

import (
	"strings"
	"testing"

	"github.com/cryguy/jsloop/internal/eventloop"
	"github.com/cryguy/jsloop/internal/jsclass"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func logMessages(r *Runtime) []string {
	var out []string
	for _, e := range r.Logs() {
		out = append(out, e.Message)
	}
	return out
}

func requireLog(t *testing.T, r *Runtime, want string) {
	t.Helper()
	for _, m := range logMessages(r) {
		if m == want {
			return
		}
	}
	t.Fatalf("log %q not found in %v", want, logMessages(r))
}

func TestRuntime_RunPlainScript(t *testing.T) {
	r := newTestRuntime(t)
	if err := r.Run(`console.log("hello " + (1 + 1));`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	requireLog(t, r, "hello 2")
}

func TestRuntime_RunESModule(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Run(`
		const greeting = "from esm";
		export default { greeting };
		console.log(greeting);
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	requireLog(t, r, "from esm")
}

func TestRuntime_TimerOrdering(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Run(`
		setTimeout(function() { console.log("A"); }, 50);
		setTimeout(function() { console.log("B"); }, 10);
		setTimeout(function() { console.log("C"); }, 10);
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.Join(logMessages(r), ",")
	if got != "B,C,A" {
		t.Errorf("firing order = %q, want B,C,A", got)
	}
}

func TestRuntime_TimerArgsForwarded(t *testing.T) {
	r := newTestRuntime(t)
	if err := r.Run(`setTimeout(function(a, b) { console.log(a + ":" + b); }, 1, "x", 7);`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	requireLog(t, r, "x:7")
}

func TestRuntime_ClearTimeout(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Run(`
		var id = setTimeout(function() { console.log("nope"); }, 20);
		clearTimeout(id);
		setTimeout(function() { console.log("done"); }, 30);
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := strings.Join(logMessages(r), ",")
	if msgs != "done" {
		t.Errorf("logs = %q, want only done", msgs)
	}
}

func TestRuntime_NextTickBeforeZeroTimeout(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Run(`
		setTimeout(function() {
			nextTick(function() { console.log("f"); });
			setTimeout(function() { console.log("g"); }, 0);
		}, 1);
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.Join(logMessages(r), ",")
	if got != "f,g" {
		t.Errorf("order = %q, want f,g", got)
	}
}

func TestRuntime_SetIntervalRepeatsAndClears(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Run(`
		var n = 0;
		var id = setInterval(function() {
			n++;
			console.log("tick" + n);
			if (n === 3) clearInterval(id);
		}, 10);
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	requireLog(t, r, "tick3")
	for _, m := range logMessages(r) {
		if m == "tick4" {
			t.Fatal("interval fired after clearInterval")
		}
	}
}

func TestRuntime_SleepResolvesPromise(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Run(`
		(async function() {
			console.log("before");
			await sleep(10);
			console.log("after");
		})();
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.Join(logMessages(r), ",")
	if got != "before,after" {
		t.Errorf("logs = %q", got)
	}
}

func TestRuntime_PromiseMicrotasksBeforeTimers(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Run(`
		setTimeout(function() { console.log("timer"); }, 5);
		Promise.resolve().then(function() { console.log("micro"); });
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.Join(logMessages(r), ",")
	if got != "micro,timer" {
		t.Errorf("order = %q, want micro,timer", got)
	}
}

func TestRuntime_NotifyRace(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Run(`
		(async function() {
			var n = new Notify();
			setTimeout(function() { n.notify(); }, 10);
			await n.wait();
			console.log("woken");
		})();
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	requireLog(t, r, "woken")
}

func TestRuntime_RegisterClassFieldRoundTrip(t *testing.T) {
	r := newTestRuntime(t)

	type point struct{ x float64 }
	err := r.RegisterClass(jsclass.ClassSpec{
		Name: "Point",
		Ctor: func(ctx *jsclass.Ctx, args []jsclass.Arg) (any, error) {
			p := &point{}
			if len(args) > 0 {
				p.x = args[0].Num
			}
			return p, nil
		},
		Fields: []jsclass.Field{{
			Name: "x",
			Get: func(ctx *jsclass.Ctx, payload any) (jsclass.Result, error) {
				return jsclass.Number(payload.(*point).x), nil
			},
			Set: func(ctx *jsclass.Ctx, payload any, val jsclass.Arg) error {
				payload.(*point).x = val.Num
				return nil
			},
		}},
	})
	if err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}

	if err := r.Eval(`var p = new Point(3); p.x = 9;`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	n, err := r.EvalInt("p.x")
	if err != nil || n != 9 {
		t.Errorf("p.x = %d, %v, want 9", n, err)
	}
}

func registerShapePair(t *testing.T, r *Runtime) {
	t.Helper()
	type payload struct{}
	err := r.RegisterClass(jsclass.ClassSpec{
		Name: "Base",
		Ctor: func(ctx *jsclass.Ctx, args []jsclass.Arg) (any, error) { return &payload{}, nil },
		Methods: []jsclass.Method{{
			Name: "m",
			Fn: func(ctx *jsclass.Ctx, p any, args []jsclass.Arg) (jsclass.Result, error) {
				return jsclass.Int(1), nil
			},
		}},
	})
	if err != nil {
		t.Fatalf("register Base: %v", err)
	}
	err = r.RegisterClass(jsclass.ClassSpec{
		Name:    "Sub",
		Extends: "Base",
		Ctor:    func(ctx *jsclass.Ctx, args []jsclass.Arg) (any, error) { return &payload{}, nil },
		Methods: []jsclass.Method{
			{Name: "m", Fn: func(ctx *jsclass.Ctx, p any, args []jsclass.Arg) (jsclass.Result, error) {
				return jsclass.Int(2), nil
			}},
			{Name: "k", Fn: func(ctx *jsclass.Ctx, p any, args []jsclass.Arg) (jsclass.Result, error) {
				return jsclass.Int(3), nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("register Sub: %v", err)
	}
}

func TestRuntime_SubclassMethodDispatch(t *testing.T) {
	r := newTestRuntime(t)
	registerShapePair(t, r)

	if err := r.Eval(`var inst = new Sub();`); err != nil {
		t.Fatalf("construct: %v", err)
	}
	if n, err := r.EvalInt("inst.m()"); err != nil || n != 2 {
		t.Errorf("inst.m() = %d, %v, want 2", n, err)
	}
	if n, err := r.EvalInt("inst.k()"); err != nil || n != 3 {
		t.Errorf("inst.k() = %d, %v, want 3", n, err)
	}
	if n, err := r.EvalInt("Base.prototype.m.call(inst)"); err != nil || n != 1 {
		t.Errorf("Base.prototype.m.call(inst) = %d, %v, want 1", n, err)
	}
}

func TestRuntime_SubclassInstanceOf(t *testing.T) {
	r := newTestRuntime(t)
	registerShapePair(t, r)

	ok, err := r.EvalBool(`(function() {
		var s = new Sub();
		return s instanceof Sub && s instanceof Base;
	})()`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Error("instanceof does not hold across the registered chain")
	}
}

func TestRuntime_WrongClassThrows(t *testing.T) {
	r := newTestRuntime(t)
	registerShapePair(t, r)
	err := r.RegisterClass(jsclass.ClassSpec{
		Name: "Other",
		Ctor: func(ctx *jsclass.Ctx, args []jsclass.Arg) (any, error) { return struct{}{}, nil },
		Methods: []jsclass.Method{{
			Name: "only",
			Fn: func(ctx *jsclass.Ctx, p any, args []jsclass.Arg) (jsclass.Result, error) {
				return jsclass.Undefined(), nil
			},
		}},
	})
	if err != nil {
		t.Fatalf("register Other: %v", err)
	}

	got, err := r.EvalString(`(function() {
		var b = new Base();
		try { Other.prototype.only.call(b); return "no-throw"; }
		catch (e) { return e instanceof TypeError ? "typeerror" : String(e); }
	})()`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "typeerror" {
		t.Errorf("wrong-class dispatch yielded %q, want typeerror", got)
	}
}

func TestRuntime_FinalizeAllOnClose(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	finalized := 0
	err = r.RegisterClass(jsclass.ClassSpec{
		Name: "Res",
		Ctor: func(ctx *jsclass.Ctx, args []jsclass.Arg) (any, error) { return struct{}{}, nil },
		Finalizer: func(payload any, loop *eventloop.Loop) {
			finalized++
			if loop != nil {
				t.Error("shutdown finalizer received a live loop reference")
			}
		},
	})
	if err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}
	if err := r.Eval(`var a = new Res(); var b = new Res();`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	r.Close()
	if finalized != 2 {
		t.Errorf("finalized = %d at close, want 2", finalized)
	}
}

func TestRuntime_ConsoleCapture(t *testing.T) {
	r := newTestRuntime(t)
	if err := r.Run(`console.warn("careful", 1, {a: 2});`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	logs := r.Logs()
	if len(logs) != 1 || logs[0].Level != "warn" {
		t.Fatalf("logs = %+v", logs)
	}
	if !strings.Contains(logs[0].Message, "careful 1") {
		t.Errorf("message = %q", logs[0].Message)
	}
}

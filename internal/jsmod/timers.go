package jsmod

import (
	"fmt"
	"strconv"

	"github.com/cryguy/jsloop/internal/core"
	"github.com/cryguy/jsloop/internal/eventloop"
)

// timersJS wraps the Go-backed scheduling functions in the standard timer
// API. Callbacks live in globalThis.__timerCallbacks keyed by the wheel
// slot id; Go tracks only scheduling metadata.
const timersJS = `
(function() {
	globalThis.setTimeout = function(fn, delay) {
		if (arguments.length === 0 || typeof fn !== 'function') {
			return 0;
		}
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(Math.floor(delay) || 0, false);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args };
		return id;
	};
	globalThis.setInterval = function(fn, interval) {
		if (arguments.length === 0 || typeof fn !== 'function') {
			return 0;
		}
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(Math.floor(interval) || 0, true);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args };
		return id;
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (arguments.length === 0 || typeof id !== 'number') {
			return;
		}
		__timerClear(id);
	};
	globalThis.setImmediate = function(fn) {
		if (typeof fn !== 'function') return 0;
		var args = [];
		for (var i = 1; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(0, false);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args };
		return id;
	};
	globalThis.nextTick = function(fn) {
		if (typeof fn !== 'function') return;
		var args = [];
		for (var i = 1; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(0, false);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args };
	};
	globalThis.sleep = function(ms) {
		return __tokenPromise(__sleepRegister(Math.floor(ms) || 0));
	};
})();
`

// SetupTimers registers the Go-backed scheduling hooks and evaluates the
// timer API. A zero delay maps to a next-tick enqueue, so it runs before
// any I/O completion of the same cycle.
func SetupTimers(rt core.JSRuntime, loop *eventloop.Loop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) (int, error) {
		if isInterval {
			return loop.SetInterval(delayMs), nil
		}
		return loop.SetTimeout(delayMs), nil
	}); err != nil {
		return fmt.Errorf("registering __timerRegister: %w", err)
	}

	if err := rt.RegisterFunc("__timerClear", func(id int) (int, error) {
		loop.ClearTimer(id)
		return 0, nil
	}); err != nil {
		return fmt.Errorf("registering __timerClear: %w", err)
	}

	if err := rt.RegisterFunc("__sleepRegister", func(delayMs int) (string, error) {
		return strconv.FormatUint(loop.Sleep(delayMs), 10), nil
	}); err != nil {
		return fmt.Errorf("registering __sleepRegister: %w", err)
	}

	return rt.Eval(timersJS)
}

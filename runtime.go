// Package jsloop embeds a QuickJS engine and extends it with an
// asynchronous I/O, timer, and callback runtime, so sandboxed JS programs
// can express non-blocking servers, clients, and timed computations.
//
// The runtime is single-threaded and cooperative: all engine interaction
// happens on the goroutine that calls Run (or drives the loop manually),
// while socket I/O runs on background workers that report completions
// through a queue the loop drains between JS turns.
package jsloop

import (
	"fmt"
	"time"

	"github.com/cryguy/jsloop/internal/core"
	"github.com/cryguy/jsloop/internal/eventloop"
	"github.com/cryguy/jsloop/internal/jsclass"
	"github.com/cryguy/jsloop/internal/jsmod"
	"github.com/cryguy/jsloop/internal/quickjs"
)

const maxLogEntries = 1000
const maxLogMessageSize = 4096

// Config holds runtime construction options.
type Config struct {
	MemoryLimitMB  int // per-VM memory limit, 0 = engine default
	MaxReadBufSize int // cap on a single socket read, 0 = default (2 KiB)
}

// LogEntry is a single captured console line.
type LogEntry = core.LogEntry

// Runtime owns one engine, its event loop, and its class registry. Not
// safe for concurrent use; everything runs on the caller's goroutine.
type Runtime struct {
	rt      *quickjs.Runtime
	loop    *eventloop.Loop
	classes *jsclass.Registry
	logs    []core.LogEntry
}

// New creates a runtime and performs all global initialisation explicitly,
// in dependency order: encoding and globals first, then the loop glue, the
// JS-facing modules, and the class registry with the built-in classes.
func New(cfg Config) (*Runtime, error) {
	engine, err := quickjs.New(cfg.MemoryLimitMB)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	loop := eventloop.New(engine, core.Config{MaxReadBufSize: cfg.MaxReadBufSize})
	r := &Runtime{rt: engine, loop: loop}

	setup := []struct {
		name string
		fn   func() error
	}{
		{"encoding", func() error { return jsmod.SetupEncoding(engine) }},
		{"globals", func() error { return jsmod.SetupGlobals(engine) }},
		{"console", func() error { return jsmod.SetupConsole(engine, r.addLog) }},
		{"loop glue", loop.Setup},
		{"timers", func() error { return jsmod.SetupTimers(engine, loop) }},
		{"net", func() error { return jsmod.SetupNet(engine, loop) }},
		{"classes", func() error {
			reg, err := jsclass.New(engine, loop)
			if err != nil {
				return err
			}
			r.classes = reg
			return nil
		}},
		{"notify", func() error { return jsmod.RegisterNotify(r.classes) }},
	}
	for _, s := range setup {
		if err := s.fn(); err != nil {
			engine.Close()
			return nil, fmt.Errorf("setting up %s: %w", s.name, err)
		}
	}
	return r, nil
}

func (r *Runtime) addLog(level, message string) {
	if len(r.logs) >= maxLogEntries {
		return
	}
	if len(message) > maxLogMessageSize {
		message = message[:maxLogMessageSize] + "...(truncated)"
	}
	r.logs = append(r.logs, core.LogEntry{Level: level, Message: message, Time: time.Now()})
}

// Run evaluates a script (ES modules are wrapped first) and drives the
// event loop until no timers, descriptors, or queued callbacks remain.
func (r *Runtime) Run(source string) error {
	if err := r.rt.Eval(wrapESModule(source)); err != nil {
		return fmt.Errorf("evaluating script: %w", err)
	}
	r.rt.RunMicrotasks()
	return r.loop.RunToCompletion()
}

// Eval evaluates JavaScript without driving the loop.
func (r *Runtime) Eval(js string) error {
	if err := r.rt.Eval(js); err != nil {
		return err
	}
	r.rt.RunMicrotasks()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a string.
func (r *Runtime) EvalString(js string) (string, error) {
	return r.rt.EvalString(js)
}

// EvalBool evaluates JavaScript and returns the result as a bool.
func (r *Runtime) EvalBool(js string) (bool, error) {
	return r.rt.EvalBool(js)
}

// EvalInt evaluates JavaScript and returns the result as an int.
func (r *Runtime) EvalInt(js string) (int, error) {
	return r.rt.EvalInt(js)
}

// RegisterClass registers a native-backed class; its constructor becomes a
// global under the class name.
func (r *Runtime) RegisterClass(spec jsclass.ClassSpec) error {
	_, err := r.classes.Register(spec)
	return err
}

// Loop exposes the event loop for embedders that drive cycles manually.
func (r *Runtime) Loop() *eventloop.Loop { return r.loop }

// Classes exposes the class registry.
func (r *Runtime) Classes() *jsclass.Registry { return r.classes }

// Logs returns the captured console output.
func (r *Runtime) Logs() []core.LogEntry { return r.logs }

// Close finalizes all live native payloads (with no loop reference, as
// during engine shutdown), force-closes descriptors, and releases the
// engine.
func (r *Runtime) Close() {
	if r.classes != nil {
		r.classes.FinalizeAll()
	}
	r.loop.Shutdown()
	r.rt.Close()
}

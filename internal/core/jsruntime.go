package core

// JSRuntime abstracts the JavaScript engine behind a common interface used
// by the event loop, the class registry, and the JS-facing modules. The
// engine is single-threaded: every method must be called from the goroutine
// that owns the runtime (the event-loop goroutine), except Interrupt.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// The function's Go types are automatically marshaled to/from JS types.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context. Basic Go types
	// (string, int, float64, bool) are auto-converted to JS types.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	RunMicrotasks()

	// Interrupt requests that the currently executing script stop.
	// Safe to call from any goroutine.
	Interrupt()

	// Close releases the engine. No method may be called afterwards.
	Close()
}

// BinaryTransferer moves raw bytes across the JS boundary as ArrayBuffers,
// avoiding base64 for bulk payloads. Implemented by engines that can reach
// their C API directly; callers must handle its absence.
type BinaryTransferer interface {
	// WriteBinaryToJS creates globalThis[globalName] as an ArrayBuffer
	// holding a copy of data.
	WriteBinaryToJS(globalName string, data []byte) error

	// ReadBinaryFromJS copies the ArrayBuffer at globalThis[globalName]
	// into Go bytes and deletes the global.
	ReadBinaryFromJS(globalName string) ([]byte, error)
}

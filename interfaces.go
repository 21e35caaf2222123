package filtervm

import "errors"

// Origin tags attached to compiled scripts, used purely for diagnostics.
const (
	PreambleOrigin = "preamble"
	ScriptOrigin   = "<script>"
)

// ErrNoEntryPoint is returned by Context.Entry when the requested name
// is absent from the global namespace or is not a callable function.
var ErrNoEntryPoint = errors.New("entry point is not a callable function")

// Engine is the boundary to one embedded script-engine instance. A
// single Engine may back several Filters; every interaction with the
// underlying isolate happens under the Engine's internal exclusivity
// lock, so independent Filters can run on separate goroutines.
type Engine interface {
	// NewContext allocates a fresh isolated execution context. The
	// caller owns the context and must Close it.
	NewContext() (Context, error)

	// RequestTermination asks the engine to abort in-flight execution
	// as soon as possible. Safe to call from any goroutine, including
	// while another goroutine is blocked inside Context.Run or
	// Context.Invoke. The running script cannot intercept it.
	RequestTermination(reason string)

	// Dispose releases the engine. All contexts must be closed first.
	Dispose()
}

// Invocation is the outcome of one entry-point call. Every field is
// captured while the engine's exclusivity lock is still held, so the
// per-run state it reflects (the callback log and the termination
// signal) cannot be disturbed by other filters sharing the engine.
type Invocation struct {
	// Result is the textual return value, or "" for any other shape.
	Result string
	// Frames is the callback log recorded during this call; nil unless
	// recording was requested.
	Frames []CallbackFrame
	// Terminated reports that the host aborted this call; Reason says
	// why. Termination empties the engine's exception state, so Reason
	// replaces the message a thrown value would have carried.
	Terminated bool
	Reason     string
}

// Context is one isolated global namespace plus the per-run state of a
// single filter: the callback-log buffer belongs to the context, not
// the engine, so concurrent filters on a shared engine cannot read or
// reset each other's logs. A Context is owned by exactly one Filter
// for its whole lifetime.
type Context interface {
	// Bind exposes fn as a callable global function under name.
	// Invocations from script forward to fn with this context's host
	// state.
	Bind(name string, fn CallbackFunc) error

	// Run compiles and executes script, tagging it with origin for
	// diagnostics. Engine-level failures are returned as *EngineError.
	Run(script, origin string) error

	// Entry looks up name in the global namespace as a callable and
	// returns an opaque handle to it. Returns ErrNoEntryPoint when the
	// name is absent or not a function.
	Entry(name string) (Callable, error)

	// Invoke calls fn with no arguments inside one engine critical
	// section: it resets this context's per-run state (recording
	// enabled when withLog is true), clears any stale termination
	// signal, runs the call, and captures the Invocation before the
	// lock is released.
	Invoke(fn Callable, withLog bool) (Invocation, error)

	// Close releases the context. Idempotent.
	Close()
}

// Callable is an opaque handle to a function inside a Context. It is
// valid only for the lifetime of the context that produced it.
type Callable any

// EngineError is a failure reported by the script engine, carrying the
// rendered thrown/compile value and optional source location metadata.
// An EngineError with no message and no location is the signature of a
// forced termination: V8 leaves its exception state empty when the
// host aborts execution.
type EngineError struct {
	Message  string
	Location *SourceLocation
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return "script execution failed"
	}
	return e.Message
}

// ScriptLoader retrieves filter definitions by name. Implemented by
// the SQLite-backed store in internal/store.
type ScriptLoader interface {
	GetFilterScript(name string) (script, entryPoint string, callbackNames []string, err error)
}

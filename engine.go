package filtervm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	v8 "github.com/tommie/v8go"
)

// defaultTerminationReason is reported when a run was aborted without
// an explicit reason from the host.
const defaultTerminationReason = "filter execution terminated by host"

// V8Engine implements Engine on a single v8go isolate. The isolate is
// not thread-safe, so every interaction happens under mu, the scoped
// exclusivity lock that lets independent filters share one engine from
// separate goroutines. RequestTermination is the exception: V8's
// TerminateExecution is the one thread-safe isolate call, which is what
// makes cross-goroutine cancellation of an in-flight run possible.
type V8Engine struct {
	mu  sync.Mutex
	iso *v8.Isolate

	terminated atomic.Bool
	// termMu guards reason, and the isolate pointer against a
	// RequestTermination racing Dispose. It is never held while a
	// script runs, so RequestTermination stays non-blocking.
	termMu sync.Mutex
	reason string
}

var _ Engine = (*V8Engine)(nil)

// NewV8Engine creates an engine instance. cfg.MemoryLimitMB caps the
// isolate heap; zero means the V8 default.
func NewV8Engine(cfg Config) *V8Engine {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapSize := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &V8Engine{iso: iso}
}

// NewContext allocates a fresh context, with its own host state, in
// this engine's isolate.
func (e *V8Engine) NewContext() (Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.iso == nil {
		return nil, errors.New("engine is disposed")
	}
	return &v8Context{eng: e, ctx: v8.NewContext(e.iso), host: &HostState{}}, nil
}

// RequestTermination aborts in-flight execution. Safe from any
// goroutine; it deliberately does not take e.mu, which the blocked
// runner is holding.
func (e *V8Engine) RequestTermination(reason string) {
	e.termMu.Lock()
	defer e.termMu.Unlock()
	e.reason = reason
	e.terminated.Store(true)
	if e.iso != nil {
		e.iso.TerminateExecution()
	}
}

// Terminated reports whether a termination was requested since the
// start of the current (or last) invocation.
func (e *V8Engine) Terminated() bool { return e.terminated.Load() }

// TerminationReason returns the most recent termination reason.
func (e *V8Engine) TerminationReason() string {
	e.termMu.Lock()
	defer e.termMu.Unlock()
	if e.reason == "" {
		return defaultTerminationReason
	}
	return e.reason
}

// clearStaleTermination resets the termination signal at the start of
// an invocation and reports whether one was pending. Callers hold
// e.mu, so no script is executing: any signal found here was a request
// that landed after its run had already returned.
func (e *V8Engine) clearStaleTermination() bool {
	e.termMu.Lock()
	defer e.termMu.Unlock()
	e.reason = ""
	return e.terminated.Swap(false)
}

// Dispose releases the isolate. All contexts must be closed first.
func (e *V8Engine) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.termMu.Lock()
	defer e.termMu.Unlock()
	if e.iso == nil {
		return
	}
	e.iso.Dispose()
	e.iso = nil
}

// v8Context implements Context on one v8go context inside a V8Engine.
// host is this context's own per-run state; filters sharing the engine
// each record into their own context's buffer.
type v8Context struct {
	eng    *V8Engine
	ctx    *v8.Context
	host   *HostState
	closed bool
}

var _ Context = (*v8Context)(nil)

// Bind installs fn as a global function. The wrapper runs on the
// isolate thread while the engine lock is already held by the active
// Run/Invoke, so it must not reacquire it.
func (c *v8Context) Bind(name string, fn CallbackFunc) error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	iso := c.eng.iso
	tmpl := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		params := decodeArgs(c.ctx, info.Args())
		result, err := fn(c.host, params)
		if err != nil {
			c.host.Record(name, params, nil)
			throwString(iso, fmt.Sprintf("%s: %s", name, err))
			return nil
		}
		c.host.Record(name, params, result)
		val, err := encodeValue(iso, c.ctx, result)
		if err != nil {
			throwString(iso, fmt.Sprintf("%s: encoding result: %s", name, err))
			return nil
		}
		return val
	})
	return c.ctx.Global().Set(name, tmpl.GetFunction(c.ctx))
}

// Run compiles and executes script under the given origin tag.
func (c *v8Context) Run(script, origin string) error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if _, err := c.ctx.RunScript(script, origin); err != nil {
		return toEngineError(err)
	}
	return nil
}

// Entry looks up name as a callable global function.
func (c *v8Context) Entry(name string) (Callable, error) {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	val, err := c.ctx.Global().Get(name)
	if err != nil {
		return nil, toEngineError(err)
	}
	if val == nil || !val.IsFunction() {
		return nil, ErrNoEntryPoint
	}
	fn, err := val.AsFunction()
	if err != nil {
		return nil, ErrNoEntryPoint
	}
	return fn, nil
}

// Invoke calls the stored entry point with no arguments. Per-run state
// is armed and the outcome captured inside one critical section, so a
// concurrent filter on the same engine can neither clear this run's
// log and termination signal nor observe them half-written.
func (c *v8Context) Invoke(fn Callable, withLog bool) (Invocation, error) {
	v8fn, ok := fn.(*v8.Function)
	if !ok {
		return Invocation{}, fmt.Errorf("invalid callable handle %T", fn)
	}
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()

	c.host.Reset(withLog)
	if c.eng.clearStaleTermination() {
		// A termination request that landed after its run returned
		// leaves the isolate with a pending terminate that would kill
		// this call on entry; a throwaway script consumes it.
		_, _ = c.ctx.RunScript("undefined", "reset")
	}

	result, err := v8fn.Call(c.ctx.Global())

	inv := Invocation{
		Terminated: c.eng.terminated.Load(),
		Reason:     c.eng.TerminationReason(),
	}
	if withLog {
		inv.Frames = c.host.Frames()
	}
	if err != nil {
		return inv, toEngineError(err)
	}
	if result != nil && result.IsString() {
		inv.Result = result.String()
	}
	return inv, nil
}

// Close releases the context.
func (c *v8Context) Close() {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ctx.Close()
}

func throwString(iso *v8.Isolate, msg string) {
	val, err := v8.NewValue(iso, msg)
	if err != nil {
		return
	}
	iso.ThrowException(val)
}

// toEngineError converts a v8go failure into the engine-agnostic
// EngineError consumed by the diagnostics reporter.
func toEngineError(err error) *EngineError {
	var jsErr *v8.JSError
	if !errors.As(err, &jsErr) {
		return &EngineError{Message: err.Error()}
	}
	return &EngineError{
		Message:  jsErr.Message,
		Location: parseLocation(jsErr.Location),
	}
}

// parseLocation splits v8go's "origin:line:column" location string.
// V8 reports 1-based lines; the diagnostic contract is 0-based.
func parseLocation(loc string) *SourceLocation {
	if loc == "" {
		return nil
	}
	parts := strings.Split(loc, ":")
	if len(parts) < 3 {
		return nil
	}
	line, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return nil
	}
	col, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return nil
	}
	return &SourceLocation{
		Source:      strings.Join(parts[:len(parts)-2], ":"),
		Line:        line - 1,
		StartColumn: col,
		EndColumn:   col,
	}
}

// decodeArgs converts script-supplied arguments to Go values.
func decodeArgs(ctx *v8.Context, vals []*v8.Value) []any {
	out := make([]any, len(vals))
	for i, val := range vals {
		out[i] = decodeValue(ctx, val)
	}
	return out
}

func decodeValue(ctx *v8.Context, val *v8.Value) any {
	switch {
	case val.IsNullOrUndefined():
		return nil
	case val.IsBoolean():
		return val.Boolean()
	case val.IsNumber():
		return val.Number()
	case val.IsString():
		return val.String()
	default:
		// Objects and arrays round-trip through JSON.
		text, err := v8.JSONStringify(ctx, val)
		if err != nil {
			return val.String()
		}
		var parsed any
		if json.Unmarshal([]byte(text), &parsed) == nil {
			return parsed
		}
		return text
	}
}

// encodeValue converts a host-callback return value to a JS value.
// Complex types are serialized to JSON and parsed in JS.
func encodeValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	if value == nil {
		return v8.Undefined(iso), nil
	}
	switch v := value.(type) {
	case string:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, int32(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return v8.NewValue(iso, v)
	case float64:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		script := fmt.Sprintf("JSON.parse(%s)", strconv.Quote(string(data)))
		return ctx.RunScript(script, "encode_value.js")
	}
}

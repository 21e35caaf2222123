package filtervm

import (
	"fmt"
	"sort"
	"sync"
)

// CallbackFunc is a host capability function exposed to scripts. host
// is the owning context's per-run state used to record invocations;
// args are the script-supplied arguments decoded to Go values. A
// returned error is re-thrown inside the script as an exception.
type CallbackFunc func(host *HostState, args []any) (any, error)

// Registry is a closed table of named host capability functions. It is
// populated once at construction time and read-only afterwards, so
// concurrent lookups need no locking.
type Registry struct {
	entries map[string]CallbackFunc
}

// NewRegistry creates an empty callback registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]CallbackFunc)}
}

// Register adds a named host function. Registration happens before the
// registry is shared; duplicate names are rejected.
func (r *Registry) Register(name string, fn CallbackFunc) error {
	if name == "" {
		return fmt.Errorf("callback name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("callback %q must not be nil", name)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("callback %q is already registered", name)
	}
	r.entries[name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (CallbackFunc, bool) {
	fn, ok := r.entries[name]
	return fn, ok
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind resolves names against the registry and installs each as a
// global function in ctx. Binding is atomic: every name is validated
// before the context is touched, so an unknown name fails without any
// global-namespace mutation.
func (r *Registry) Bind(ctx Context, names []string) Diagnostic {
	fns := make([]CallbackFunc, len(names))
	for i, name := range names {
		fn, ok := r.entries[name]
		if !ok {
			return infraFailure(CodeUnknownCallback, "undefined callback name: %s", name)
		}
		fns[i] = fn
	}
	for i, name := range names {
		if err := ctx.Bind(name, fns[i]); err != nil {
			return infraFailure(CodeNone, "binding callback %q: %s", name, err)
		}
	}
	return Diagnostic{}
}

// HostState buffers the callback invocations recorded during a single
// run. Each execution context owns one, shared by all callbacks bound
// into it; Context.Invoke re-arms the buffer and captures it before
// releasing the engine lock.
type HostState struct {
	mu     sync.Mutex
	armed  bool
	frames []CallbackFrame
}

// Reset clears the buffer and enables or disables recording.
func (h *HostState) Reset(armed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.armed = armed
	h.frames = nil
}

// Record appends one invocation if recording is armed.
func (h *HostState) Record(method string, params []any, result any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.armed {
		return
	}
	h.frames = append(h.frames, CallbackFrame{Method: method, Params: params, Result: result})
}

// Frames returns a copy of the recorded invocations in call order.
func (h *HostState) Frames() []CallbackFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]CallbackFrame, len(h.frames))
	copy(out, h.frames)
	return out
}

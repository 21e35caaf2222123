package filtervm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Filter drives one script through its lifecycle:
//
//	Uninitialized --Initialize(ok)--> Loaded
//	Loaded --Run(start)--> Running --Run(end)--> Loaded
//	any state --Terminate--> Terminated (absorbing)
//
// A Filter owns exactly one execution context for its whole lifetime
// and never executes two invocations concurrently. Terminate may be
// called from any goroutine, including while a Run is in flight. A run
// that was forcibly terminated (by Terminate or the watchdog) leaves
// the filter Terminated: after a forced abort no further invocation is
// possible on that context.
type Filter struct {
	mu    sync.Mutex
	state ExecutionState
	ctx   Context
	entry Callable

	engine   Engine
	registry *Registry
	cfg      Config
	log      *zap.Logger
	metrics  *Metrics
	id       string
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger attaches a structured logger. The default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(f *Filter) {
		if log != nil {
			f.log = log
		}
	}
}

// WithMetrics attaches an execution metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// NewFilter creates a filter bound to engine. registry may be nil when
// the filter needs no host callbacks.
func NewFilter(engine Engine, registry *Registry, cfg Config, opts ...Option) *Filter {
	if registry == nil {
		registry = NewRegistry()
	}
	f := &Filter{
		state:    StateUninitialized,
		engine:   engine,
		registry: registry,
		cfg:      cfg,
		log:      zap.NewNop(),
		id:       uuid.NewString(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the current lifecycle state.
func (f *Filter) State() ExecutionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Initialize allocates a fresh execution context, binds the requested
// callbacks, runs the determinism preamble, compiles script, and, when
// entryPoint is non-empty, stores its handle. The filter moves to
// Loaded only if every step succeeds; any failure releases the
// partially built context and leaves the filter Uninitialized.
func (f *Filter) Initialize(script, entryPoint string, callbackNames []string) Diagnostic {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateUninitialized {
		return infraFailure(CodeInvalidState, "cannot initialize a filter in state %s", f.state)
	}

	f.log.Debug("initializing filter",
		zap.String("filter", f.id),
		zap.String("entry_point", entryPoint),
		zap.Strings("callbacks", callbackNames))

	// Unknown callback names fail before any engine interaction.
	for _, name := range callbackNames {
		if _, ok := f.registry.Lookup(name); !ok {
			return infraFailure(CodeUnknownCallback, "undefined callback name: %s", name)
		}
	}

	ctx, err := f.engine.NewContext()
	if err != nil {
		return infraFailure(CodeNone, "allocating execution context: %s", err)
	}

	if diag := f.registry.Bind(ctx, callbackNames); !diag.OK() {
		ctx.Close()
		return diag
	}

	if err := ctx.Run(Preamble(f.cfg.LimitedMath), PreambleOrigin); err != nil {
		ctx.Close()
		// A failing preamble is never attributable to the caller's script.
		diag := extractDiagnostic(err, CodeCompileError, defaultTerminationReason)
		diag.Disposition = InfrastructureError
		return diag
	}

	if err := ctx.Run(script, ScriptOrigin); err != nil {
		ctx.Close()
		return extractDiagnostic(err, CodeCompileError, defaultTerminationReason)
	}

	if entryPoint != "" {
		entry, err := ctx.Entry(entryPoint)
		if err != nil {
			ctx.Close()
			if errors.Is(err, ErrNoEntryPoint) {
				return scriptFailure(CodeMissingEntryPoint, "cannot find function %q in script", entryPoint)
			}
			return extractDiagnostic(err, CodeScriptException, defaultTerminationReason)
		}
		f.entry = entry
	}

	f.ctx = ctx
	f.state = StateLoaded
	return Diagnostic{}
}

// InitializeFrom fetches the definition stored under name from loader
// and initializes the filter with it.
func (f *Filter) InitializeFrom(loader ScriptLoader, name string) Diagnostic {
	script, entryPoint, callbackNames, err := loader.GetFilterScript(name)
	if err != nil {
		return infraFailure(CodeNone, "loading filter %q: %s", name, err)
	}
	return f.Initialize(script, entryPoint, callbackNames)
}

// Run invokes the stored entry point with no arguments. A textual
// return value becomes the result string; any other return shape
// yields "" with an Ok diagnostic.
func (f *Filter) Run() (string, Diagnostic) {
	result, _, diag := f.run(false)
	return result, diag
}

// RunWithCallbackLog is Run with callback recording armed; it also
// returns the callback invocations recorded during this invocation.
func (f *Filter) RunWithCallbackLog() (string, []CallbackFrame, Diagnostic) {
	return f.run(true)
}

func (f *Filter) run(withLog bool) (string, []CallbackFrame, Diagnostic) {
	f.mu.Lock()
	if f.state != StateLoaded {
		state := f.state
		f.mu.Unlock()
		return "", nil, infraFailure(CodeInvalidState, "cannot run a filter in state %s", state)
	}
	if f.entry == nil {
		f.mu.Unlock()
		return "", nil, infraFailure(CodeInvalidState, "filter was loaded without an entry point")
	}
	f.state = StateRunning
	ctx, entry := f.ctx, f.entry
	f.mu.Unlock()

	runID := uuid.NewString()
	start := time.Now()

	// The watchdog body is gated so it cannot fire once the run has
	// returned: an unguarded late TerminateExecution would leave the
	// isolate with a pending terminate that kills the next run.
	var watchdog *time.Timer
	var wdMu sync.Mutex
	wdDone := false
	if f.cfg.ExecutionTimeout > 0 {
		limit := time.Duration(f.cfg.ExecutionTimeout) * time.Millisecond
		watchdog = time.AfterFunc(limit, func() {
			wdMu.Lock()
			defer wdMu.Unlock()
			if wdDone {
				return
			}
			f.engine.RequestTermination(fmt.Sprintf("filter exceeded the %v execution limit", limit))
		})
	}

	inv, err := ctx.Invoke(entry, withLog)

	if watchdog != nil {
		wdMu.Lock()
		wdDone = true
		wdMu.Unlock()
		watchdog.Stop()
	}

	f.mu.Lock()
	if f.state == StateRunning {
		if inv.Terminated {
			// A forcibly terminated context is never reused.
			f.state = StateTerminated
		} else {
			f.state = StateLoaded
		}
	}
	release := f.state == StateTerminated
	f.mu.Unlock()

	var result string
	var diag Diagnostic
	switch {
	case inv.Terminated:
		// Termination empties the engine's exception state and takes
		// precedence over whatever the unwinding call reported.
		diag = scriptFailure(CodeTerminatedByHost, "%s", inv.Reason)
	case err == nil:
		result = inv.Result
	default:
		diag = extractDiagnostic(err, CodeScriptException, inv.Reason)
	}

	if release {
		f.releaseContext()
	}

	elapsed := time.Since(start)
	f.metrics.observeRun(diag, elapsed)
	f.log.Debug("filter run finished",
		zap.String("filter", f.id),
		zap.String("run", runID),
		zap.String("disposition", diag.Disposition.String()),
		zap.String("code", diag.Code.String()),
		zap.Duration("elapsed", elapsed))

	return result, inv.Frames, diag
}

// Terminate moves the filter to Terminated and releases its execution
// context. If a Run is in flight, the engine is asked to abort it and
// the context is released by the unwinding runner. Idempotent; safe
// from any goroutine.
func (f *Filter) Terminate() {
	f.mu.Lock()
	if f.state == StateTerminated {
		f.mu.Unlock()
		return
	}
	running := f.state == StateRunning
	f.state = StateTerminated
	f.mu.Unlock()

	f.log.Debug("terminating filter", zap.String("filter", f.id), zap.Bool("in_flight", running))
	f.metrics.observeTermination()

	if running {
		f.engine.RequestTermination(defaultTerminationReason)
		return
	}
	f.releaseContext()
}

func (f *Filter) releaseContext() {
	f.mu.Lock()
	ctx := f.ctx
	f.ctx = nil
	f.entry = nil
	f.mu.Unlock()
	if ctx != nil {
		ctx.Close()
	}
}

package filtervm

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockEngine implements Engine with call-count probes so tests can
// verify that invalid operations never touch the engine.
type mockEngine struct {
	mu              sync.Mutex
	contexts        []*mockContext
	newContextCalls int
	newContextErr   error
	terminateCalls  int
	terminated      bool
	reason          string
}

func (m *mockEngine) NewContext() (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newContextCalls++
	if m.newContextErr != nil {
		return nil, m.newContextErr
	}
	ctx := &mockContext{eng: m, runErr: make(map[string]error)}
	m.contexts = append(m.contexts, ctx)
	return ctx, nil
}

func (m *mockEngine) RequestTermination(reason string) {
	m.mu.Lock()
	m.terminateCalls++
	m.terminated = true
	m.reason = reason
	contexts := m.contexts
	m.mu.Unlock()
	for _, ctx := range contexts {
		ctx.unblock()
	}
}

func (m *mockEngine) Dispose() {}

func (m *mockEngine) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newContextCalls + m.terminateCalls
}

func (m *mockEngine) terminations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateCalls
}

func (m *mockEngine) isTerminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

func (m *mockEngine) clearTermination() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = false
	m.reason = ""
}

func (m *mockEngine) reasonOrDefault() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reason == "" {
		return defaultTerminationReason
	}
	return m.reason
}

// mockContext records binds and runs; Invoke can be made to block
// until a termination request arrives.
type mockContext struct {
	eng          *mockEngine
	bound        []string
	runs         []string
	runErr       map[string]error
	entryErr     error
	invokeResult string
	invokeErr    error
	invokeCalls  int
	lastWithLog  bool
	closed       bool

	blockInvoke   bool
	invokeStarted chan struct{}
	release       chan struct{}
	releaseOnce   sync.Once
}

func (c *mockContext) Bind(name string, fn CallbackFunc) error {
	c.bound = append(c.bound, name)
	return nil
}

func (c *mockContext) Run(script, origin string) error {
	c.runs = append(c.runs, origin)
	return c.runErr[origin]
}

func (c *mockContext) Entry(name string) (Callable, error) {
	if c.entryErr != nil {
		return nil, c.entryErr
	}
	return "entry:" + name, nil
}

func (c *mockContext) Invoke(fn Callable, withLog bool) (Invocation, error) {
	c.invokeCalls++
	c.lastWithLog = withLog
	c.eng.clearTermination()
	if c.blockInvoke {
		if c.invokeStarted != nil {
			close(c.invokeStarted)
			c.invokeStarted = nil
		}
		<-c.release
		// Termination empties the engine's exception state.
		return Invocation{
			Terminated: c.eng.isTerminated(),
			Reason:     c.eng.reasonOrDefault(),
		}, &EngineError{}
	}
	inv := Invocation{
		Result:     c.invokeResult,
		Terminated: c.eng.isTerminated(),
		Reason:     c.eng.reasonOrDefault(),
	}
	return inv, c.invokeErr
}

func (c *mockContext) Close() { c.closed = true }

func (c *mockContext) unblock() {
	if c.release == nil {
		return
	}
	c.releaseOnce.Do(func() { close(c.release) })
}

func TestRun_BeforeInitialize_NoEngineInteraction(t *testing.T) {
	engine := &mockEngine{}
	filter := NewFilter(engine, nil, Config{})

	_, diag := filter.Run()
	if diag.Code != CodeInvalidState {
		t.Fatalf("code = %s, want %s", diag.Code, CodeInvalidState)
	}
	if diag.Disposition != InfrastructureError {
		t.Errorf("disposition = %s, want %s", diag.Disposition, InfrastructureError)
	}
	if calls := engine.totalCalls(); calls != 0 {
		t.Errorf("engine saw %d calls, want 0", calls)
	}
}

func TestRunWithCallbackLog_InvalidState_NoLog(t *testing.T) {
	engine := &mockEngine{}
	filter := NewFilter(engine, nil, Config{})

	_, frames, diag := filter.RunWithCallbackLog()
	if diag.Code != CodeInvalidState {
		t.Fatalf("code = %s, want %s", diag.Code, CodeInvalidState)
	}
	if frames != nil {
		t.Errorf("frames = %v, want nil", frames)
	}
	if calls := engine.totalCalls(); calls != 0 {
		t.Errorf("engine saw %d calls, want 0", calls)
	}
}

func TestInitialize_UnknownCallback_NoContextAllocated(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("known", func(host *HostState, args []any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}

	engine := &mockEngine{}
	filter := NewFilter(engine, registry, Config{})

	diag := filter.Initialize("script", "main", []string{"known", "unknown"})
	if diag.Code != CodeUnknownCallback {
		t.Fatalf("code = %s, want %s", diag.Code, CodeUnknownCallback)
	}
	if !strings.Contains(diag.Message, "unknown") {
		t.Errorf("message %q does not name the offending callback", diag.Message)
	}
	if engine.newContextCalls != 0 {
		t.Errorf("NewContext called %d times, want 0", engine.newContextCalls)
	}
	if state := filter.State(); state != StateUninitialized {
		t.Errorf("state = %s, want %s", state, StateUninitialized)
	}
}

func TestRegistryBind_Atomic(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("known", func(host *HostState, args []any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx := &mockContext{runErr: make(map[string]error)}
	diag := registry.Bind(ctx, []string{"known", "unknown"})
	if diag.Code != CodeUnknownCallback {
		t.Fatalf("code = %s, want %s", diag.Code, CodeUnknownCallback)
	}
	if len(ctx.bound) != 0 {
		t.Errorf("context was mutated before validation finished: bound %v", ctx.bound)
	}
}

func TestInitialize_RunsPreambleBeforeScript(t *testing.T) {
	engine := &mockEngine{}
	filter := NewFilter(engine, nil, Config{})

	if diag := filter.Initialize("script", "main", nil); !diag.OK() {
		t.Fatalf("Initialize failed: %s", diag)
	}
	ctx := engine.contexts[0]
	if len(ctx.runs) != 2 || ctx.runs[0] != PreambleOrigin || ctx.runs[1] != ScriptOrigin {
		t.Fatalf("runs = %v, want [%s %s]", ctx.runs, PreambleOrigin, ScriptOrigin)
	}
}

func TestInitialize_PreambleFailure_Infrastructure(t *testing.T) {
	engine := &seedingEngine{preambleErr: &EngineError{Message: "preamble broke"}}
	filter := NewFilter(engine, nil, Config{})

	diag := filter.Initialize("script", "main", nil)
	if diag.Disposition != InfrastructureError {
		t.Errorf("disposition = %s, want %s", diag.Disposition, InfrastructureError)
	}
	if !engine.ctx.closed {
		t.Error("failed Initialize leaked the context")
	}
	if state := filter.State(); state != StateUninitialized {
		t.Errorf("state = %s, want %s", state, StateUninitialized)
	}
}

// seedingEngine hands out one mockContext pre-seeded with errors.
type seedingEngine struct {
	mockEngine
	preambleErr error
	scriptErr   error
	entryErr    error
	ctx         *mockContext
}

func (s *seedingEngine) NewContext() (Context, error) {
	ctx, err := s.mockEngine.NewContext()
	if err != nil {
		return nil, err
	}
	mc := ctx.(*mockContext)
	if s.preambleErr != nil {
		mc.runErr[PreambleOrigin] = s.preambleErr
	}
	if s.scriptErr != nil {
		mc.runErr[ScriptOrigin] = s.scriptErr
	}
	mc.entryErr = s.entryErr
	s.ctx = mc
	return mc, nil
}

func TestInitialize_CompileFailure_ReleasesContext(t *testing.T) {
	engine := &seedingEngine{scriptErr: &EngineError{
		Message:  "unexpected token",
		Location: &SourceLocation{Source: ScriptOrigin, Line: 2, StartColumn: 4, EndColumn: 9},
	}}
	filter := NewFilter(engine, nil, Config{})

	diag := filter.Initialize("bad script", "main", nil)
	if diag.Disposition != ScriptError || diag.Code != CodeCompileError {
		t.Fatalf("diag = %s, want script compile error", diag)
	}
	if diag.Location == nil || diag.Location.Line != 2 || diag.Location.EndColumn != 9 {
		t.Errorf("location = %+v, want the engine-reported span", diag.Location)
	}
	if !engine.ctx.closed {
		t.Error("failed Initialize leaked the context")
	}
	if state := filter.State(); state != StateUninitialized {
		t.Errorf("state = %s, want %s", state, StateUninitialized)
	}
}

func TestInitialize_MissingEntry_ReleasesContext(t *testing.T) {
	engine := &seedingEngine{entryErr: ErrNoEntryPoint}
	filter := NewFilter(engine, nil, Config{})

	diag := filter.Initialize("script", "main", nil)
	if diag.Code != CodeMissingEntryPoint {
		t.Fatalf("code = %s, want %s", diag.Code, CodeMissingEntryPoint)
	}
	if !engine.ctx.closed {
		t.Error("failed Initialize leaked the context")
	}
}

func TestInitialize_NewContextError(t *testing.T) {
	engine := &mockEngine{newContextErr: errors.New("isolate exhausted")}
	filter := NewFilter(engine, nil, Config{})

	diag := filter.Initialize("script", "main", nil)
	if diag.Disposition != InfrastructureError {
		t.Errorf("disposition = %s, want %s", diag.Disposition, InfrastructureError)
	}
	if !strings.Contains(diag.Message, "isolate exhausted") {
		t.Errorf("message = %q, want the engine error", diag.Message)
	}
}

func TestInitialize_EmptyEntryPointName(t *testing.T) {
	engine := &mockEngine{}
	filter := NewFilter(engine, nil, Config{})

	if diag := filter.Initialize("script", "", nil); !diag.OK() {
		t.Fatalf("Initialize without entry point failed: %s", diag)
	}
	if state := filter.State(); state != StateLoaded {
		t.Fatalf("state = %s, want %s", state, StateLoaded)
	}

	_, diag := filter.Run()
	if diag.Code != CodeInvalidState {
		t.Errorf("code = %s, want %s", diag.Code, CodeInvalidState)
	}
}

func TestRun_ArmsCallbackLogOnlyWhenRequested(t *testing.T) {
	engine := &mockEngine{}
	filter := NewFilter(engine, nil, Config{})
	if diag := filter.Initialize("script", "main", nil); !diag.OK() {
		t.Fatalf("Initialize failed: %s", diag)
	}
	ctx := engine.contexts[0]

	if _, diag := filter.Run(); !diag.OK() {
		t.Fatalf("Run failed: %s", diag)
	}
	if ctx.lastWithLog {
		t.Error("plain Run armed the callback log")
	}

	if _, _, diag := filter.RunWithCallbackLog(); !diag.OK() {
		t.Fatalf("RunWithCallbackLog failed: %s", diag)
	}
	if !ctx.lastWithLog {
		t.Error("RunWithCallbackLog did not arm the callback log")
	}
}

func TestRun_SuccessRestoresLoaded(t *testing.T) {
	engine := &seedingEngine{}
	filter := NewFilter(engine, nil, Config{})
	if diag := filter.Initialize("script", "main", nil); !diag.OK() {
		t.Fatalf("Initialize failed: %s", diag)
	}
	engine.ctx.invokeResult = "accept"

	for i := 0; i < 2; i++ {
		result, diag := filter.Run()
		if !diag.OK() {
			t.Fatalf("Run %d failed: %s", i, diag)
		}
		if result != "accept" {
			t.Errorf("result = %q, want %q", result, "accept")
		}
		if state := filter.State(); state != StateLoaded {
			t.Errorf("state after run %d = %s, want %s", i, state, StateLoaded)
		}
	}
	if engine.ctx.invokeCalls != 2 {
		t.Errorf("invoke calls = %d, want 2", engine.ctx.invokeCalls)
	}
}

func TestTerminate_MidRun_ReleasesContextAfterUnwind(t *testing.T) {
	engine := &seedingEngine{}
	filter := NewFilter(engine, nil, Config{})
	if diag := filter.Initialize("script", "main", nil); !diag.OK() {
		t.Fatalf("Initialize failed: %s", diag)
	}
	ctx := engine.ctx
	ctx.blockInvoke = true
	ctx.invokeStarted = make(chan struct{})
	ctx.release = make(chan struct{})
	started := ctx.invokeStarted

	done := make(chan Diagnostic, 1)
	go func() {
		_, diag := filter.Run()
		done <- diag
	}()

	<-started
	filter.Terminate()

	select {
	case diag := <-done:
		if diag.Code != CodeTerminatedByHost {
			t.Errorf("code = %s, want %s", diag.Code, CodeTerminatedByHost)
		}
		if diag.Message != defaultTerminationReason {
			t.Errorf("message = %q, want %q", diag.Message, defaultTerminationReason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not unwind after Terminate")
	}

	if !ctx.closed {
		t.Error("context was not released after the terminated run unwound")
	}
	if state := filter.State(); state != StateTerminated {
		t.Errorf("state = %s, want %s", state, StateTerminated)
	}
}

type mapLoader map[string]struct {
	script     string
	entryPoint string
	callbacks  []string
}

func (m mapLoader) GetFilterScript(name string) (string, string, []string, error) {
	def, ok := m[name]
	if !ok {
		return "", "", nil, errors.New("filter not found")
	}
	return def.script, def.entryPoint, def.callbacks, nil
}

func TestInitializeFrom(t *testing.T) {
	loader := mapLoader{
		"pay-limit": {script: "script", entryPoint: "main", callbacks: []string{"getHeight"}},
	}
	registry := NewRegistry()
	if err := registry.Register("getHeight", noopCallback); err != nil {
		t.Fatal(err)
	}

	engine := &seedingEngine{}
	filter := NewFilter(engine, registry, Config{})
	if diag := filter.InitializeFrom(loader, "pay-limit"); !diag.OK() {
		t.Fatalf("InitializeFrom failed: %s", diag)
	}
	if len(engine.ctx.bound) != 1 || engine.ctx.bound[0] != "getHeight" {
		t.Errorf("bound = %v, want [getHeight]", engine.ctx.bound)
	}
	if state := filter.State(); state != StateLoaded {
		t.Errorf("state = %s, want %s", state, StateLoaded)
	}
}

func TestInitializeFrom_LoaderError(t *testing.T) {
	engine := &mockEngine{}
	filter := NewFilter(engine, nil, Config{})

	diag := filter.InitializeFrom(mapLoader{}, "absent")
	if diag.Disposition != InfrastructureError {
		t.Errorf("disposition = %s, want %s", diag.Disposition, InfrastructureError)
	}
	if calls := engine.totalCalls(); calls != 0 {
		t.Errorf("engine saw %d calls, want 0", calls)
	}
	if state := filter.State(); state != StateUninitialized {
		t.Errorf("state = %s, want %s", state, StateUninitialized)
	}
}

func TestWatchdog_UsesConfiguredLimit(t *testing.T) {
	engine := &seedingEngine{}
	filter := NewFilter(engine, nil, Config{ExecutionTimeout: 20})
	if diag := filter.Initialize("script", "main", nil); !diag.OK() {
		t.Fatalf("Initialize failed: %s", diag)
	}
	ctx := engine.ctx
	ctx.blockInvoke = true
	ctx.release = make(chan struct{})

	_, diag := filter.Run()
	if diag.Code != CodeTerminatedByHost {
		t.Fatalf("code = %s, want %s", diag.Code, CodeTerminatedByHost)
	}
	if !strings.Contains(diag.Message, "execution limit") {
		t.Errorf("message = %q, want it to mention the execution limit", diag.Message)
	}
	if state := filter.State(); state != StateTerminated {
		t.Errorf("state = %s, want %s", state, StateTerminated)
	}
	if !ctx.closed {
		t.Error("timed-out context was not released")
	}
}

func TestWatchdog_DoesNotFireAfterRunReturns(t *testing.T) {
	engine := &seedingEngine{}
	filter := NewFilter(engine, nil, Config{ExecutionTimeout: 30})
	if diag := filter.Initialize("script", "main", nil); !diag.OK() {
		t.Fatalf("Initialize failed: %s", diag)
	}
	engine.ctx.invokeResult = "fast"

	result, diag := filter.Run()
	if !diag.OK() {
		t.Fatalf("Run failed: %s", diag)
	}
	if result != "fast" {
		t.Errorf("result = %q, want %q", result, "fast")
	}

	// Well past the limit: the stopped watchdog must not deliver a
	// termination that would poison the next run.
	time.Sleep(80 * time.Millisecond)
	if n := engine.terminations(); n != 0 {
		t.Errorf("engine saw %d termination requests after the run returned, want 0", n)
	}
	if state := filter.State(); state != StateLoaded {
		t.Errorf("state = %s, want %s", state, StateLoaded)
	}
}

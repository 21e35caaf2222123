package filtervm

import "fmt"

// Disposition classifies the overall outcome of one engine interaction.
type Disposition int

const (
	// Ok means the operation completed; the script may still have
	// produced a rejection string, but nothing went wrong.
	Ok Disposition = iota
	// ScriptError means the script itself failed: it did not compile,
	// threw a value, lacked the requested entry point, or was
	// terminated by the host. Re-running the same script yields the
	// same outcome.
	ScriptError
	// InfrastructureError means the host side failed: an unknown
	// callback name, an operation in the wrong state, or an engine
	// fault unrelated to the script's content.
	InfrastructureError
)

func (d Disposition) String() string {
	switch d {
	case Ok:
		return "ok"
	case ScriptError:
		return "script_error"
	case InfrastructureError:
		return "infrastructure_error"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Code identifies the specific failure behind a non-Ok diagnostic.
// CodeNone is used for Ok diagnostics and for infrastructure faults
// that fall outside the fixed taxonomy.
type Code int

const (
	CodeNone Code = iota
	CodeCompileError
	CodeScriptException
	CodeMissingEntryPoint
	CodeUnknownCallback
	CodeTerminatedByHost
	CodeInvalidState
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeCompileError:
		return "compile_error"
	case CodeScriptException:
		return "script_exception"
	case CodeMissingEntryPoint:
		return "missing_entry_point"
	case CodeUnknownCallback:
		return "unknown_callback"
	case CodeTerminatedByHost:
		return "terminated_by_host"
	case CodeInvalidState:
		return "invalid_state"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// SourceLocation points into a script. Line is 0-based; columns span
// [StartColumn, EndColumn]. Source is the origin tag the script was
// compiled under (PreambleOrigin or ScriptOrigin).
type SourceLocation struct {
	Source      string
	Line        int
	StartColumn int
	EndColumn   int
}

// Diagnostic is the uniform outcome record for every engine interaction.
// A zero Diagnostic means success.
type Diagnostic struct {
	Disposition Disposition
	Code        Code
	Message     string
	Location    *SourceLocation
}

// OK reports whether the operation succeeded.
func (d Diagnostic) OK() bool { return d.Disposition == Ok }

func (d Diagnostic) String() string {
	if d.OK() {
		return "ok"
	}
	if d.Location != nil {
		return fmt.Sprintf("%s at %s:%d:%d: %s", d.Code, d.Location.Source, d.Location.Line, d.Location.StartColumn, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// CallbackFrame records one host-callback invocation during a run.
type CallbackFrame struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	Result any    `json:"result,omitempty"`
}

// ExecutionState is the lifecycle state of a Filter.
type ExecutionState int

const (
	StateUninitialized ExecutionState = iota
	StateLoaded
	StateRunning
	// StateTerminated is absorbing: no operation is valid afterwards.
	StateTerminated
)

func (s ExecutionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func scriptFailure(code Code, format string, args ...any) Diagnostic {
	return Diagnostic{Disposition: ScriptError, Code: code, Message: fmt.Sprintf(format, args...)}
}

func infraFailure(code Code, format string, args ...any) Diagnostic {
	return Diagnostic{Disposition: InfrastructureError, Code: code, Message: fmt.Sprintf(format, args...)}
}

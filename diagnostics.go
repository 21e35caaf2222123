package filtervm

import "errors"

// extractDiagnostic projects an engine failure onto the uniform
// Diagnostic shape. code says which taxonomy case a script-level
// failure maps to (CodeCompileError for load-time failures,
// CodeScriptException for invocation failures). terminationReason is
// reported when the failure carries the forced-termination signature:
// no message and no location, because termination empties the engine's
// exception state.
func extractDiagnostic(err error, code Code, terminationReason string) Diagnostic {
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		// Not a script-level failure at all.
		return infraFailure(CodeNone, "engine fault: %s", err)
	}

	if engErr.Message == "" && engErr.Location == nil {
		return scriptFailure(CodeTerminatedByHost, "%s", terminationReason)
	}

	diag := Diagnostic{Disposition: ScriptError, Code: code, Message: engErr.Message}
	if loc := engErr.Location; loc != nil {
		if loc.Line < 0 || loc.StartColumn < 0 || loc.EndColumn < 0 {
			// The engine contract guarantees non-negative positions;
			// a violation is an internal fault, not a script error.
			return infraFailure(CodeNone, "engine reported negative source location %s:%d:%d-%d",
				loc.Source, loc.Line, loc.StartColumn, loc.EndColumn)
		}
		cp := *loc
		diag.Location = &cp
	}
	return diag
}

package filtervm

import (
	esbuild "github.com/evanw/esbuild/pkg/api"
)

// Lint checks a filter script for syntax errors without allocating an
// execution context. The diagnostic carries the same shape as
// compile-time engine failures; esbuild supplies a real column span,
// which V8 diagnostics cannot.
func Lint(script string) Diagnostic {
	result := esbuild.Transform(script, esbuild.TransformOptions{
		Loader:   esbuild.LoaderJS,
		Target:   esbuild.ES2017,
		LogLevel: esbuild.LogLevelSilent,
	})
	if len(result.Errors) == 0 {
		return Diagnostic{}
	}

	msg := result.Errors[0]
	diag := scriptFailure(CodeCompileError, "%s", msg.Text)
	if msg.Location != nil {
		diag.Location = &SourceLocation{
			Source:      ScriptOrigin,
			Line:        msg.Location.Line - 1, // esbuild reports 1-based lines
			StartColumn: msg.Location.Column,
			EndColumn:   msg.Location.Column + msg.Location.Length,
		}
	}
	return diag
}

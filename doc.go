// Package filtervm executes short untrusted JavaScript filters
// deterministically inside a host-controlled V8 sandbox.
//
// A Filter owns one isolated execution context. Before the caller's
// script runs, a generated preamble replaces the nondeterministic
// built-ins (Math.random, Date.now, Date construction) with fixed
// stubs and optionally narrows Math to a small allow-list, so that
// every node evaluating the same filter against the same inputs
// derives a bit-identical result. Scripts reach host functionality
// only through callbacks bound from a closed Registry, and a runaway
// script can always be terminated from another goroutine. All
// failures, from compile errors to forced terminations, are reported
// through the one Diagnostic shape.
package filtervm

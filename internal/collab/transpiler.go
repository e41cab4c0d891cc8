// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package collab

import "github.com/nodebooks/kernel/internal/protocol"

// Transpiler converts a cell's source plus language tag into executable
// module source the worker's evaluator can run directly. Implementations
// own all source-to-source responsibility, including the scope-capture
// rewrite described in the worker process design: top-level `let`/`const`
// declarations must become assignments onto a `__scope__` object so their
// values survive into the Job's returned globals.
type Transpiler interface {
	Transpile(source string, lang protocol.Language) (TranspileResult, error)
}

// TranspileResult is a Transpiler's output.
type TranspileResult struct {
	Code        string
	Diagnostics []protocol.Diagnostic
}

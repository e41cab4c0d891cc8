// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"regexp"

	"github.com/nodebooks/kernel/internal/protocol"
)

// topLevelDecl matches a single-statement top-level let/const/var
// declaration: `let name = expr;`. It deliberately does not attempt
// destructuring, multi-declarator lists ("let a, b = 1, 2"), or
// declarations nested inside blocks — those are left as later work for
// whatever Transpiler a real deployment injects.
var topLevelDecl = regexp.MustCompile(`(?m)^(let|const|var)\s+([A-Za-z_$][\w$]*)\s*=\s*([^;\n]*);?\s*$`)

// NaiveTranspiler is a reference Transpiler implementation: it performs
// the scope-capture rewrite for simple top-level declarations using
// regular expressions rather than a real parser. It exists so the kernel
// execution core is testable end-to-end without a production TypeScript
// or JavaScript compiler; it is NOT suitable for real notebook content
// (template literals, multi-line expressions, and nested declarations
// with the same shape as a top-level one will confuse it).
type NaiveTranspiler struct{}

// Transpile implements Transpiler.
func (NaiveTranspiler) Transpile(source string, lang protocol.Language) (TranspileResult, error) {
	var diags []protocol.Diagnostic
	if lang == protocol.LanguageTS {
		diags = append(diags, protocol.Diagnostic{
			Severity: "warning",
			Message:  "naive transpiler does not strip TypeScript type annotations",
		})
	}

	code := topLevelDecl.ReplaceAllString(source, "$1 $2 = $3;\n__scope__.$2 = $2;")
	return TranspileResult{Code: code, Diagnostics: diags}, nil
}

// Package jsinsert adds a bare top-level import statement for a module if
// the source doesn't already import it. Like jsimport and jspin, it works
// at the source/line level rather than through a full AST: there is no
// ESTree-equivalent Go parser in this module's dependency tree, and a
// parse/pretty-print round trip would reformat code that must pass
// through untouched.
package jsinsert

import (
	"strings"

	"github.com/starryskadi/snack-sdk/jsimport"
)

// isDirective reports whether line is a "use strict"/"use client" style
// directive, which must stay the first statement in the file.
func isDirective(line string) bool {
	t := strings.TrimSpace(line)
	return t == `"use strict";` || t == `'use strict';` ||
		t == `"use client";` || t == `'use client';` ||
		t == `"use strict"` || t == `'use strict'` ||
		t == `"use client"` || t == `'use client'`
}

// Insert ensures code contains a top-level `import 'from';` statement,
// prepending one (after any leading directive prologue) if jsimport.Scan
// does not already report from as an imported specifier. Insert is
// idempotent: calling it twice with the same from is the same as calling
// it once.
//
// A source file jsimport cannot scan (a parse failure) is returned
// unmodified with the scan error, matching the scanner's own contract: the
// inserter does not speculate about code it cannot analyze.
func Insert(code string, from string) (string, error) {
	existing, err := jsimport.Scan(code)
	if err != nil {
		return code, err
	}
	if _, ok := existing[from]; ok {
		return code, nil
	}

	lines := strings.SplitAfter(code, "\n")
	insertAt := 0
	for insertAt < len(lines) && isDirective(lines[insertAt]) {
		insertAt++
	}

	statement := "import '" + from + "';\n"
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insertAt]...)
	out = append(out, statement)
	out = append(out, lines[insertAt:]...)
	return strings.Join(out, ""), nil
}

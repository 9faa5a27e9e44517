// Package jsimport statically discovers third-party module specifiers in a
// JavaScript/TypeScript source string, along with any pinned version
// recorded as a trailing "// <version>" comment on the same statement.
//
// This is deliberately not a full ESTree parser: no such parser exists as a
// third-party Go library anywhere in this module's dependency tree, and the
// version writer (package jspin) requires byte-for-byte preservation of
// every non-comment token, which rules out a parse/pretty-print round trip
// in the first place. A line-oriented scanner that never touches tokens it
// doesn't recognize is the only approach that satisfies both constraints.
package jsimport

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// importOrRequire recognizes, on a single logical line:
//   - import <anything not containing 'from'>? from '<spec>'
//   - import '<spec>'                     (bare import)
//   - export <anything not containing 'from'> from '<spec>'
//
// The statement must end (module whitespace and an optional semicolon and
// trailing "// version" comment aside) with the quoted specifier: this is
// what naturally excludes "export { x };" (no specifier) without extra
// bookkeeping.
var importOrRequire = regexp.MustCompile(
	`^(?:import|export)\s+(?:(?:(?:from)?[^'"` + "`" + `\n])*?\bfrom\s+)?(?:'([^'\n]*)'|"([^"\n]*)")\s*;?\s*(//\s*(\S.*?)\s*)?$`,
)

// requireCall recognizes `require(<single string literal>)` with no other
// arguments, anywhere on a logical line. A trailing "// <version>" comment
// is picked up separately once the call's end position is known, so the
// call need not be the last thing on the line.
var requireCall = regexp.MustCompile(
	"require\\(\\s*(?:'([^'\\n]*)'|\"([^\"\\n]*)\"|`([^`\\n]*)`)\\s*\\)",
)

var trailingVersionComment = regexp.MustCompile(`^;?\s*//\s*(\S.*?)\s*$`)

// Scan extracts module specifiers from src. The returned map has one entry
// per recognized, non-relative, non-absolute specifier; the value is the
// pinned version string from a trailing "// <version>" comment, or nil if
// there is none. Relative specifiers ("./x", "../x"), absolute specifiers
// ("/x"), and malformed require() calls are silently omitted, never an
// error. Scan returns an error only when the source itself cannot be
// tokenized into logical statements (e.g. an unterminated import with
// unbalanced braces).
func Scan(src string) (map[string]*string, error) {
	lines, err := logicalLines(src)
	if err != nil {
		return nil, errors.Wrap(err, "jsimport: scan")
	}

	out := map[string]*string{}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if spec, version, ok := matchImportExport(trimmed); ok {
			addSpecifier(out, spec, version)
		}
		for _, idx := range requireCall.FindAllStringSubmatchIndex(line, -1) {
			var quote, spec string
			switch {
			case idx[2] != -1:
				quote, spec = "'", line[idx[2]:idx[3]]
			case idx[4] != -1:
				quote, spec = "\"", line[idx[4]:idx[5]]
			default:
				quote, spec = "`", line[idx[6]:idx[7]]
			}
			if quote == "`" && strings.Contains(spec, "${") {
				continue
			}
			var version *string
			if vm := trailingVersionComment.FindStringSubmatch(line[idx[1]:]); vm != nil {
				version = versionPtr(vm[1])
			}
			addSpecifier(out, spec, version)
		}
	}
	return out, nil
}

func matchImportExport(line string) (spec string, version *string, ok bool) {
	m := importOrRequire.FindStringSubmatch(line)
	if m == nil {
		return "", nil, false
	}
	spec = m[1]
	if spec == "" {
		spec = m[2]
	}
	return spec, versionPtr(m[4]), true
}

// MatchImportExport is the exported form of the same single-logical-line
// match Scan uses, for callers (package jspin) that need to locate the
// specifier within an already-folded statement rather than re-scan it.
func MatchImportExport(line string) (spec string, version *string, ok bool) {
	return matchImportExport(line)
}

func versionPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func addSpecifier(out map[string]*string, spec string, version *string) {
	if spec == "" || isRelativeOrAbsolute(spec) {
		return
	}
	out[spec] = version
}

func isRelativeOrAbsolute(spec string) bool {
	return strings.HasPrefix(spec, "./") ||
		strings.HasPrefix(spec, "../") ||
		strings.HasPrefix(spec, "/")
}

// LogicalLine is one statement produced by Fold: either a single physical
// line passed through untouched, or a run of physical lines folded into one
// import/export statement.
type LogicalLine struct {
	// Text is the line (or, for a folded statement, the continuation lines
	// joined with single spaces) that the single-line regexes match against.
	Text string
	// Folded is true when Text was assembled from more than one physical
	// line.
	Folded bool
	// Start and End are the zero-based indices, into strings.Split(src,
	// "\n"), of the first and last physical line this statement spans. For
	// an unfolded line Start == End.
	Start, End int
}

// Fold joins continuation lines of a multi-line import/export statement
// (e.g. a named-import list split across lines) into one logical line, so
// the single-line regexes above can match them, while recording which
// physical lines each logical line came from. A line is folded into the
// statement it continues when a prior import/export line left curly-brace
// nesting open. An import/export statement that never closes its braces is
// a parse failure.
func Fold(src string) ([]LogicalLine, error) {
	rawLines := strings.Split(src, "\n")
	out := make([]LogicalLine, 0, len(rawLines))

	var buf strings.Builder
	buffering := false
	depth := 0
	start := 0

	flush := func(end int) {
		out = append(out, LogicalLine{Text: buf.String(), Folded: start != end, Start: start, End: end})
		buf.Reset()
		buffering = false
		depth = 0
	}

	for i, line := range rawLines {
		t := strings.TrimSpace(line)
		startsStatement := strings.HasPrefix(t, "import") || strings.HasPrefix(t, "export")

		if !buffering && !startsStatement {
			out = append(out, LogicalLine{Text: line, Start: i, End: i})
			continue
		}

		if !buffering {
			buf.Reset()
			buf.WriteString(t)
			buffering = true
			start = i
		} else {
			buf.WriteString(" ")
			buf.WriteString(t)
		}

		depth += braceDelta(t)

		if depth <= 0 {
			flush(i)
		}
	}

	if buffering {
		return nil, errors.New("unterminated import/export statement: unbalanced braces")
	}
	return out, nil
}

// logicalLines is Scan's view of Fold: just the joined text of each
// statement, physical-line bookkeeping discarded.
func logicalLines(src string) ([]string, error) {
	folded, err := Fold(src)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(folded))
	for i, l := range folded {
		out[i] = l.Text
	}
	return out, nil
}

// braceDelta counts unquoted '{' minus '}' on a line. Quoting awareness is
// intentionally shallow (it does not distinguish template-literal
// interpolation braces); import/export statements never legitimately
// contain string literals before their terminal specifier, so this is
// sufficient for the forms this scanner recognizes.
func braceDelta(line string) int {
	delta := 0
	inQuote := byte(0)
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inQuote != 0 {
			if c == inQuote && (i == 0 || line[i-1] != '\\') {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inQuote = c
		case '{':
			delta++
		case '}':
			delta--
		}
	}
	return delta
}

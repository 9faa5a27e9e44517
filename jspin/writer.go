// Package jspin rewrites the trailing "// <version>" pin comment on
// import/require statements recognized by package jsimport.
//
// Write only ever touches the comment suffix of a matched line: every
// non-comment token, and all surrounding whitespace, is copied through
// verbatim. That is what makes write(write(c, p), p) == write(c, p) hold.
// A multi-line import/export statement is folded the same way
// jsimport.Scan folds it to find its specifier, but the comment is always
// written on the statement's terminal physical line, since that is the
// line jsimport.Scan itself re-reads the pin from — see DESIGN.md.
package jspin

import (
	"regexp"
	"strings"

	"github.com/starryskadi/snack-sdk/jsimport"
)

var reImportExportLine = regexp.MustCompile(
	`^(\s*)((?:import|export)\s+(?:(?:(?:from)?[^'"` + "`" + `\n])*?\bfrom\s+)?(['"])([^'"\n]*)(['"])\s*;?)\s*(//\s*\S.*)?$`,
)

var reRequireLine = regexp.MustCompile(
	`^(\s*)(.*?require\(\s*(['"` + "`" + `])([^'"` + "`" + `\n]*)(['"` + "`" + `])\s*\)\s*;?)\s*(//\s*\S.*)?$`,
)

// tailPattern splits whatever follows a specifier's closing quote into the
// non-comment remainder (semicolon and whitespace) and a discarded trailing
// comment. Unlike reImportExportLine it is applied only to that remainder,
// never to the whole line, so a specifier containing "//" (a URL import)
// can never be mistaken for a comment.
var tailPattern = regexp.MustCompile(`^(\s*;?)\s*(//\s*\S.*)?$`)

// Write returns code with a trailing "// <version>" comment ensured on
// every recognized import/require line whose specifier is a key in pins.
// A divergent existing comment is overwritten; unpinned lines are returned
// unchanged, including whatever comment (if any) they already carried.
func Write(code string, pins map[string]string) string {
	if len(pins) == 0 {
		return code
	}
	lines := splitKeepEnding(code)
	rewritten := make(map[int]bool)

	if folded, err := jsimport.Fold(code); err == nil {
		for _, stmt := range folded {
			spec, _, ok := jsimport.MatchImportExport(stmt.Text)
			if !ok {
				continue
			}
			version, ok := pins[spec]
			if !ok {
				continue
			}
			terminal := lines[stmt.End]
			if body, ok := rewriteSpecTail(terminal.body, spec, version); ok {
				lines[stmt.End] = taggedLine{body, terminal.ending}
				rewritten[stmt.End] = true
			}
		}
	} else {
		// Source doesn't fold cleanly (unbalanced braces somewhere); fall
		// back to matching whichever single physical lines look like a
		// complete import/export statement on their own.
		for i, line := range lines {
			if m := reImportExportLine.FindStringSubmatch(line.body); m != nil {
				if body, ok := applyPin(m[1], m[2], m[4], pins); ok {
					lines[i] = taggedLine{body, line.ending}
					rewritten[i] = true
				}
			}
		}
	}

	for i, line := range lines {
		if rewritten[i] {
			continue
		}
		if m := reRequireLine.FindStringSubmatch(line.body); m != nil {
			if body, ok := applyPin(m[1], m[2], m[4], pins); ok {
				lines[i] = taggedLine{body, line.ending}
			}
		}
	}
	return joinLines(lines)
}

// rewriteSpecTail rewrites the pin comment following spec's closing quote
// on a statement's terminal physical line. It locates the quote pair by
// literal search rather than regex, so a specifier itself containing "//"
// never confuses the comment boundary.
func rewriteSpecTail(line, spec, version string) (string, bool) {
	for _, q := range []string{"'", "\"", "`"} {
		token := q + spec + q
		idx := strings.LastIndex(line, token)
		if idx < 0 {
			continue
		}
		head := line[:idx+len(token)]
		tail := line[idx+len(token):]
		m := tailPattern.FindStringSubmatch(tail)
		if m == nil {
			return "", false
		}
		return head + m[1] + " // " + version, true
	}
	return "", false
}

func applyPin(leadingWS, core, spec string, pins map[string]string) (string, bool) {
	version, ok := pins[spec]
	if !ok {
		return "", false
	}
	return leadingWS + core + " // " + version, true
}

// taggedLine keeps a line's original line-ending style ("\n", "\r\n", or ""
// for the final line of a file with no trailing newline) so Write never
// changes line-ending bytes it didn't need to.
type taggedLine struct {
	body   string
	ending string
}

func splitKeepEnding(s string) []taggedLine {
	var out []taggedLine
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			end := i
			ending := "\n"
			if end > start && s[end-1] == '\r' {
				end--
				ending = "\r\n"
			}
			out = append(out, taggedLine{s[start:end], ending})
			start = i + 1
		}
	}
	out = append(out, taggedLine{s[start:], ""})
	return out
}

func joinLines(lines []taggedLine) string {
	var b []byte
	for _, l := range lines {
		b = append(b, l.body...)
		b = append(b, l.ending...)
	}
	return string(b)
}

// Package filediff computes line-level patches between file snapshots and
// estimates the wire size of a publish payload. The patch pipeline mirrors
// the line-diff approach used elsewhere in the ecosystem for large blob
// diffing: hash each line to a rune, diff the rune streams, then expand
// back into a patch over the original text.
package filediff

import (
	"encoding/json"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff returns a patch string that transforms prev into next. The device
// side is assumed to apply this against the prev contents it already has
// (or against the empty string, when prev is "").
//
// Diff("", s) reproduces s up to the constant overhead of the patch
// envelope; len(Diff(a, b)) is bounded by len(a)+len(b) because the
// underlying patch format never stores more than the two input texts.
func Diff(prev, next string) string {
	if prev == next {
		return ""
	}
	dmp := diffmatchpatch.New()
	src, dst, lines := dmp.DiffLinesToRunes(prev, next)
	diffs := dmp.DiffMainRunes(src, dst, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	patches := dmp.PatchMake(prev, diffs)
	return dmp.PatchToText(patches)
}

// Apply is provided for completeness and for exercising Diff in tests; the
// device-side applier is not part of the core, but round-tripping locally
// is how the diff/spill behavior is verified here.
func Apply(prev, patch string) (string, error) {
	if patch == "" {
		return prev, nil
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patch)
	if err != nil {
		return "", err
	}
	out, _ := dmp.PatchApply(patches, prev)
	return out, nil
}

// envelope is the shape whose marshaled size Size estimates. It mirrors the
// publish message shapes in package publish without importing it, to avoid
// a dependency cycle (Size is a pure estimator, usable before a message is
// fully constructed).
type envelope struct {
	Channel string      `json:"channel"`
	Payload interface{} `json:"payload"`
}

// Size estimates the number of bytes the transport will charge to publish
// payload on channel, including envelope overhead. It is an estimate: the
// real transport may apply its own framing, but JSON-encoding the envelope
// gives a stable, reproducible upper bound suitable for the spill decision.
func Size(channel string, payload interface{}) int {
	b, err := json.Marshal(envelope{Channel: channel, Payload: payload})
	if err != nil {
		// A payload that fails to marshal can never be published; treat it
		// as infinitely oversized so the caller spills everything it can.
		return 1 << 30
	}
	return len(b)
}

package foundation

import "strings"

// ComputeGuidedDelta implements spec.md §4.4's guided-streaming rule:
// "yields cumulative snapshots of the structured JSON. Compute an
// append-only delta when the new snapshot extends the previous; otherwise
// emit the full new snapshot (rare structural mutation)."
//
// Snapshots are compared as serialized text: a guided generator emits a
// growing JSON document one token at a time, so the common case is that
// `current` is `previous` plus a literal suffix.
func ComputeGuidedDelta(previous, current string) (delta string, appendOnly bool) {
	if strings.HasPrefix(current, previous) {
		return current[len(previous):], true
	}
	return current, false
}

// Package reconcile computes the new portion of a recognition result relative
// to text that has already been emitted.
package reconcile

import "unicode"

// Reconcile returns the text to emit for current given the previously emitted
// text, and the value previous should take for the next call.
//
// A current shorter than previous is taken as a correction and emitted whole.
// Otherwise a case-insensitive prefix match emits the remainder, the longest
// suffix of previous that prefixes current is stripped, and anything else is
// emitted unchanged.
func Reconcile(previous, current string) (emit, next string) {
	prev := []rune(previous)
	cur := []rune(current)

	if len(cur) < len(prev) {
		return current, current
	}
	if hasFoldPrefix(cur, prev) {
		emit = string(cur[len(prev):])
		return emit, previous + emit
	}
	for n := min(len(prev), len(cur)); n > 0; n-- {
		if foldEqual(prev[len(prev)-n:], cur[:n]) {
			emit = string(cur[n:])
			return emit, previous + emit
		}
	}
	return current, previous + current
}

// Reconciler threads the emitted-text state across a session's chunks. It is
// not safe for concurrent use.
type Reconciler struct {
	previous string
}

// Next reconciles current against the state and returns the text to emit.
func (r *Reconciler) Next(current string) string {
	emit, next := Reconcile(r.previous, current)
	r.previous = next
	return emit
}

func (r *Reconciler) Previous() string {
	return r.previous
}

func (r *Reconciler) Reset() {
	r.previous = ""
}

func hasFoldPrefix(s, prefix []rune) bool {
	if len(prefix) > len(s) {
		return false
	}
	return foldEqual(s[:len(prefix)], prefix)
}

func foldEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] && unicode.ToLower(a[i]) != unicode.ToLower(b[i]) {
			return false
		}
	}
	return true
}

// Package match selects controls from inline menu snapshots.
package match

import "strings"

// Control is one clickable element of a bot menu. Payload is the opaque
// callback token the bot expects back when the control is pressed.
// Position identifies a control within its menu; a control is never
// mutated, edits produce a fresh snapshot.
type Control struct {
	Label   string
	Payload []byte
	Row     int
	Col     int
}

// First returns the control at position (0,0) when present, otherwise the
// first control in list order. ok is false for an empty list.
func First(controls []Control) (Control, bool) {
	if len(controls) == 0 {
		return Control{}, false
	}
	for _, c := range controls {
		if c.Row == 0 && c.Col == 0 {
			return c, true
		}
	}
	return controls[0], true
}

// ByKeywords returns the first control in list order whose label contains
// any of the keywords as a case-insensitive substring. Keywords are checked
// in the order supplied, so the scan is deterministic: first control with a
// matching keyword wins.
func ByKeywords(controls []Control, keywords []string) (Control, bool) {
	if len(controls) == 0 || len(keywords) == 0 {
		return Control{}, false
	}
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	for _, c := range controls {
		label := strings.ToLower(c.Label)
		for _, kw := range lowered {
			if kw != "" && strings.Contains(label, kw) {
				return c, true
			}
		}
	}
	return Control{}, false
}

// At returns the control at the exact (row, col) position.
func At(controls []Control, row, col int) (Control, bool) {
	for _, c := range controls {
		if c.Row == row && c.Col == col {
			return c, true
		}
	}
	return Control{}, false
}

// Labels returns the control labels in list order. Used to detect "same
// menu as last time" without comparing payloads, which the bot rotates on
// every edit.
func Labels(controls []Control) []string {
	if len(controls) == 0 {
		return nil
	}
	out := make([]string, len(controls))
	for i, c := range controls {
		out[i] = c.Label
	}
	return out
}

// SameStructure reports whether two control lists are identical in length
// and in (label, row, col) at every position. Payload differences are
// ignored: an edit that only rotates callback tokens is not a new menu.
func SameStructure(a, b []Control) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Label != b[i].Label || a[i].Row != b[i].Row || a[i].Col != b[i].Col {
			return false
		}
	}
	return true
}

// Package sanitize enforces invariant I4 of the design specification: no
// string persisted anywhere by this subsystem may contain a NUL byte, and no
// control bytes may appear outside of tab, newline, and carriage return.
package sanitize

import "strings"

// String strips NUL and disallowed control bytes from s, in place of the
// rune-by-rune scan a naive implementation would do, using strings.Map which
// the standard library already optimizes for the common case of no changes.
func String(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return r
		case 0:
			return -1
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// Truncate sanitizes s and then truncates it to at most n runes, as required
// by the metadata extractor's field-length limits (section 4.2).
func Truncate(s string, n int) string {
	clean := String(s)
	if n <= 0 {
		return ""
	}
	runes := []rune(clean)
	if len(runes) <= n {
		return clean
	}
	return string(runes[:n])
}

// Clean is a convenience check used by tests and invariant assertions: it
// reports whether s already satisfies I4.
func Clean(s string) bool {
	return String(s) == s
}

// Package utils provides shared utilities for text, math, and logging.
package utils

import "unicode/utf8"

// Truncate returns s cut to maxLen characters with "..." appended when cut.
// It is used for log previews. If maxLen is 0 or negative, s is returned unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return Clip(s, maxLen) + "..."
}

// Clip returns at most maxLen characters (runes) of s, never splitting a multi-byte character.
// If maxLen is 0 or negative, s is returned unchanged.
func Clip(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i]
		}
		n++
	}
	return s
}

// Package stringutil provides helper functions for string
package stringutil

import "unicode/utf8"

// Truncate truncates a string to the specified length.
func Truncate(str string, length int) string {
	if length <= 0 {
		return ""
	}

	if utf8.RuneCountInString(str) <= length {
		return str
	}

	return string([]rune(str)[:length])
}

// Ellipsis truncates str to length runes, marking the cut with "...".
func Ellipsis(str string, length int) string {
	if utf8.RuneCountInString(str) <= length {
		return str
	}
	if length <= 3 {
		return Truncate(str, length)
	}
	return Truncate(str, length-3) + "..."
}

// Tail keeps the last length runes of str, where error messages usually end up.
func Tail(str string, length int) string {
	if length <= 0 {
		return ""
	}
	runes := []rune(str)
	if len(runes) <= length {
		return str
	}
	return string(runes[len(runes)-length:])
}

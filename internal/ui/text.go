// Package ui provides terminal styling for adferry CLI output.
package ui

import (
	"strconv"
	"unicode/utf8"
)

// Truncate performs end truncation with an ellipsis suffix. UTF-8 safe.
// Long warehouse error messages would otherwise wreck table layout.
func Truncate(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(text)
	return string(runes[:maxLen-3]) + "..."
}

// Pluralize appends "s" for counts other than one.
func Pluralize(n int, noun string) string {
	if n == 1 {
		return strconv.Itoa(n) + " " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}

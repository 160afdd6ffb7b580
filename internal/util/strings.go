// Package util provides small string helpers shared by the runner and CLI.
package util

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// TruncateString shortens s to at most maxLen runes, ending in "..." when cut.
// It is not ANSI aware; use TruncateANSI for styled terminal output.
func TruncateString(s string, maxLen int) string {
	if maxLen <= len(ellipsis) {
		return ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(ellipsis)]) + ellipsis
}

// ClipRunes keeps the first limit runes of s and appends "..." when anything
// was dropped, so the result may be up to limit+3 runes long. Tool input
// summaries use this form.
func ClipRunes(s string, limit int) string {
	if limit < 0 {
		limit = 0
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + ellipsis
}

// TruncateLeft keeps the end of s, which is the informative part of a long
// file path, prefixing "..." when cut.
func TruncateLeft(s string, maxLen int) string {
	if maxLen <= len(ellipsis) {
		return ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return ellipsis + string(runes[len(runes)-(maxLen-len(ellipsis)):])
}

// TruncateANSI truncates s to maxWidth visual columns, preserving escape
// sequences and accounting for wide characters.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, ellipsis)
}

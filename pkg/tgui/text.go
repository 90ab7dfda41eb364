package tgui

import (
	"strings"
	"unicode/utf8"
)

// TruncRunes cuts s to n runes, the last one being "…" when anything was dropped.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

// OneLine collapses whitespace runs (newlines included) to single spaces and
// truncates. Used for titles and provider error text shown in lists.
func OneLine(s string, n int) string {
	return TruncRunes(strings.Join(strings.Fields(s), " "), n)
}

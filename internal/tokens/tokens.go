// Package tokens estimates model token counts and truncates text to fit.
//
// Estimates use the rough 4 bytes per token proxy. The estimate only has to be
// consistent: every budget decision in the engine goes through Count, so a
// bundle whose sections were sized with Count never exceeds its budget.
package tokens

import "unicode/utf8"

// BytesPerToken is the estimation ratio.
const BytesPerToken = 4

const ellipsis = "..."

// Count returns the estimated token count of s, rounded up.
func Count(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + BytesPerToken - 1) / BytesPerToken
}

// Truncate cuts s from the end so that Count(result) <= max. The cut lands on
// a rune boundary and, when there is room, ends with "...". The boolean
// reports whether anything was removed.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 {
		return "", s != ""
	}
	if Count(s) <= max {
		return s, false
	}
	limit := max * BytesPerToken
	if limit > len(ellipsis)*2 {
		return cut(s, limit-len(ellipsis)) + ellipsis, true
	}
	return cut(s, limit), true
}

// cut returns the longest prefix of s that is at most n bytes and valid UTF-8.
func cut(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

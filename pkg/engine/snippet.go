package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// snippet returns at most maxRunes runes of text around byte offset at. The
// result is always a substring of text; it is widened to whole runes and
// trimmed of surrounding space.
func snippet(text string, at, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return strings.TrimSpace(text)
	}
	at = max(0, min(at, len(text)))
	for at > 0 && !utf8.RuneStart(text[at]) {
		at--
	}

	// a third of the window goes before the anchor
	before := maxRunes / 3
	start := at
	for i := 0; i < before && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		start -= size
	}
	end := start
	for i := 0; i < maxRunes && end < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[end:])
		end += size
	}
	return strings.TrimFunc(text[start:end], unicode.IsSpace)
}

// firstMatch returns the byte offset of the earliest whole-token match of
// any term in text, ignoring case, or -1.
func firstMatch(text string, terms []string) int {
	if len(terms) == 0 {
		return -1
	}
	want := make(map[string]bool, len(terms))
	for _, t := range terms {
		want[t] = true
	}
	start := -1
	for i, r := range text {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case word && start < 0:
			start = i
		case !word && start >= 0:
			if want[strings.ToLower(text[start:i])] {
				return start
			}
			start = -1
		}
	}
	if start >= 0 && want[strings.ToLower(text[start:])] {
		return start
	}
	return -1
}

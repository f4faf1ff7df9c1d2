package engine

import (
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
)

// languageMinRunes is the shortest text whose language is detected. Shorter
// messages ("ok", "call me") give unreliable guesses.
const languageMinRunes = 20

// detectLanguage returns the ISO 639-1 code of text, or "" when the text is
// too short or the guess is unreliable.
func detectLanguage(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < languageMinRunes {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

func normalizeLanguages(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}

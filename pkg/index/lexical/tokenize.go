package lexical

import (
	"strings"
	"unicode"
)

// Tokenize lower-cases s and splits it on every rune that is neither a
// letter nor a digit. Stop words are kept; forensic text is short and the
// rare word is often the interesting one.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// QueryTerms tokenizes a query and drops repeated terms, keeping the first
// occurrence order.
func QueryTerms(q string) []string {
	tokens := Tokenize(q)
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

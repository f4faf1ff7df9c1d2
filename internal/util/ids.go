package util

import (
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const nanoidLength = 21

// NewID returns a fresh nanoid, optionally prefixed as "<prefix>_<nanoid>".
func NewID(prefix string) string {
	id, err := gonanoid.New()
	if err != nil {
		// only fails when the system random source is broken
		panic(err)
	}
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// SplitID separates a prefixed ID. ok is false when the nanoid part is
// malformed.
func SplitID(s string) (prefix string, id string, ok bool) {
	idx := strings.LastIndexByte(s, '_')
	for idx >= 0 && !isNanoid(s[idx+1:]) {
		idx = strings.LastIndexByte(s[:idx], '_')
	}
	if idx < 0 {
		return "", s, isNanoid(s)
	}
	return s[:idx], s[idx+1:], true
}

// HasPrefix reports whether s is a well formed ID with the given prefix.
func HasPrefix(s, prefix string) bool {
	p, _, ok := SplitID(s)
	return ok && p == prefix
}

func isNanoid(s string) bool {
	if len(s) != nanoidLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

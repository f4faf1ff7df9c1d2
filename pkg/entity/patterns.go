package entity

import (
	"context"
	"net/netip"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/casetrace/backend/pkg/common"
)

var (
	phonePattern    = regexp.MustCompile(`\+?\(?\d[\d\s\-\(\)]{5,20}\d`)
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	ipv4Pattern     = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
	ipv6Pattern     = regexp.MustCompile(`(?i)\b[0-9a-f]{0,4}(?::[0-9a-f]{0,4}){2,7}\b`)
	cryptoPattern   = regexp.MustCompile(`\b(?:bc1[a-zA-HJ-NP-Z0-9]{25,62}|0x[a-fA-F0-9]{40}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})\b`)
	emailPattern    = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	urlPattern      = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'\x60]+`)
	imeiPattern     = regexp.MustCompile(`\b\d{15}\b`)
	devicePrefixed  = regexp.MustCompile(`(?i)\b(?:imei|device(?:[ _\-]?id)?)\s*[:#=]\s*([A-Za-z0-9][A-Za-z0-9\-]{5,39})`)
	urlTrailingJunk = ".,;:!?)]}"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// PatternDetector finds structured identifiers with regular expressions.
// Every candidate is checked further (netip parsing, digit counts, Luhn)
// before it is reported.
type PatternDetector struct {
	types map[common.EntityType]bool
}

// NewPatternDetector returns a detector for the given types, or for every
// pattern-backed type when none are given.
func NewPatternDetector(types ...common.EntityType) *PatternDetector {
	d := &PatternDetector{}
	if len(types) > 0 {
		d.types = make(map[common.EntityType]bool, len(types))
		for _, t := range types {
			d.types[t] = true
		}
	}
	return d
}

func (d *PatternDetector) Name() string { return "pattern" }

func (d *PatternDetector) enabled(t common.EntityType) bool {
	return d.types == nil || d.types[t]
}

func (d *PatternDetector) Detect(ctx context.Context, text string) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Detection
	add := func(t common.EntityType, start, end int, conf float64) {
		out = append(out, Detection{
			Type:        t,
			SurfaceForm: text[start:end],
			Offset:      start,
			Confidence:  conf,
			Detector:    d.Name(),
		})
	}

	if d.enabled(common.EntityCryptoAddress) {
		for _, m := range cryptoPattern.FindAllStringIndex(text, -1) {
			if validCrypto(text[m[0]:m[1]]) {
				add(common.EntityCryptoAddress, m[0], m[1], 0.95)
			}
		}
	}
	if d.enabled(common.EntityEmail) {
		for _, m := range emailPattern.FindAllStringIndex(text, -1) {
			add(common.EntityEmail, m[0], m[1], 0.95)
		}
	}
	if d.enabled(common.EntityURL) {
		for _, m := range urlPattern.FindAllStringIndex(text, -1) {
			end := m[1]
			for end > m[0] && strings.ContainsRune(urlTrailingJunk, rune(text[end-1])) {
				end--
			}
			add(common.EntityURL, m[0], end, 0.9)
		}
	}
	if d.enabled(common.EntityIP) {
		for _, m := range ipv4Pattern.FindAllStringIndex(text, -1) {
			if _, err := netip.ParseAddr(text[m[0]:m[1]]); err == nil {
				add(common.EntityIP, m[0], m[1], 0.9)
			}
		}
		for _, m := range ipv6Pattern.FindAllStringIndex(text, -1) {
			s := text[m[0]:m[1]]
			if strings.Count(s, ":") < 2 {
				continue
			}
			if _, err := netip.ParseAddr(s); err == nil {
				add(common.EntityIP, m[0], m[1], 0.85)
			}
		}
	}
	if d.enabled(common.EntityDeviceID) {
		for _, m := range devicePrefixed.FindAllStringSubmatchIndex(text, -1) {
			add(common.EntityDeviceID, m[2], m[3], 0.95)
		}
		for _, m := range imeiPattern.FindAllStringIndex(text, -1) {
			if luhnValid(text[m[0]:m[1]]) {
				add(common.EntityDeviceID, m[0], m[1], 0.9)
			}
		}
	}
	if d.enabled(common.EntityPhone) {
		for _, m := range phonePattern.FindAllStringIndex(text, -1) {
			start, end := m[0], m[1]
			s := text[start:end]
			if datePattern.MatchString(s) || !boundary(text, start, end) {
				continue
			}
			digits := countDigits(s)
			if digits < minPhoneDigits || digits > maxPhoneDigits {
				continue
			}
			conf := 0.7
			if strings.HasPrefix(s, "+") {
				conf = 0.8
			}
			add(common.EntityPhone, start, end, conf)
		}
	}
	return out, nil
}

// boundary reports whether the span is not glued to surrounding letters or
// digits, which keeps phone matches out of hashes and ids.
func boundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

// validCrypto filters base58 look-alikes that are plain words.
func validCrypto(s string) bool {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(strings.ToLower(s), "bc1") {
		return true
	}
	var letters, digits int
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case unicode.IsLetter(r):
			letters++
		}
	}
	return letters > 0 && digits > 0
}

// luhnValid checks the Luhn checksum carried by IMEI numbers.
func luhnValid(s string) bool {
	sum := 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

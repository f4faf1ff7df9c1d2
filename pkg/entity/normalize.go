package entity

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"unicode"

	"github.com/casetrace/backend/pkg/common"
)

// Normalize maps a surface form to the canonical value entities are keyed
// by. Surface forms that do not form a valid identifier of type t are
// rejected.
//
//	Normalize(common.EntityPhone, "+91-98765-43210") // "919876543210"
//	Normalize(common.EntityPhone, "0044 7700 900123") // "447700900123"
//	Normalize(common.EntityIP, "::ffff:10.0.0.1")     // "10.0.0.1"
func Normalize(t common.EntityType, surface string) (string, error) {
	s := strings.TrimSpace(surface)
	if s == "" {
		return "", fmt.Errorf("empty %s value", t)
	}

	switch t {
	case common.EntityPhone:
		digits := make([]byte, 0, len(s))
		for i := 0; i < len(s); i++ {
			if s[i] >= '0' && s[i] <= '9' {
				digits = append(digits, s[i])
			}
		}
		out := string(digits)
		if strings.HasPrefix(s, "00") {
			out = strings.TrimPrefix(out, "00")
		}
		if len(out) < minPhoneDigits || len(out) > maxPhoneDigits {
			return "", fmt.Errorf("phone %q has %d digits", surface, len(out))
		}
		return out, nil

	case common.EntityIP:
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return "", fmt.Errorf("invalid ip %q: %w", surface, err)
		}
		return addr.Unmap().String(), nil

	case common.EntityCryptoAddress:
		lower := strings.ToLower(s)
		if strings.HasPrefix(lower, "bc1") || strings.HasPrefix(lower, "0x") {
			return lower, nil
		}
		// base58 is case sensitive
		return s, nil

	case common.EntityEmail:
		if !strings.Contains(s, "@") {
			return "", fmt.Errorf("invalid email %q", surface)
		}
		return strings.ToLower(s), nil

	case common.EntityURL:
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid url %q", surface)
		}
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		u.Fragment = ""
		out := u.String()
		if u.RawQuery == "" {
			out = strings.TrimSuffix(out, "/")
		}
		return out, nil

	case common.EntityDeviceID:
		var b strings.Builder
		for _, r := range s {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(unicode.ToUpper(r))
			}
		}
		if b.Len() == 0 {
			return "", fmt.Errorf("invalid device id %q", surface)
		}
		return b.String(), nil

	case common.EntityPerson:
		return strings.ToLower(strings.Join(strings.Fields(s), " ")), nil
	}
	return "", fmt.Errorf("unknown entity type %q", t)
}

package util

import (
	"testing"
)

const (
	id1 = "sGvgBXbBcVCjBIKCLS2Os"
	id2 = "tHwhCYcCdWDkCJLDMT3Pt"
)

func TestIsNanoid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"Valid21Chars", id1, true},
		{"Valid21CharsAlt", id2, true},
		{"TooShort", "abc123", false},
		{"TooLong", "sGvgBXbBcVCjBIKCLS2OsX", false},
		{"WithSpace", "sGvgBXbBcVCjBIKCL 2Os", false},
		{"WithComma", "sGvgBXbBcVCjBIKCL,2Os", false},
		{"Empty", "", false},
		{"AllDashes", "---------------------", true},
		{"MixedValid", "Aa0_-Bb1_-Cc2_-Dd3_-E", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := isNanoid(tc.in)
			if got != tc.want {
				t.Fatalf("isNanoid(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestNewID(t *testing.T) {
	id := NewID("aud")
	if !HasPrefix(id, "aud") {
		t.Fatalf("expected aud prefix, got %q", id)
	}
	if NewID("aud") == id {
		t.Fatal("expected distinct ids")
	}

	bare := NewID("")
	if !isNanoid(bare) {
		t.Fatalf("expected bare nanoid, got %q", bare)
	}
}

func TestSplitID(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantPrefix string
		wantID     string
		wantOK     bool
	}{
		{"Prefixed", "mc_" + id1, "mc", id1, true},
		{"MultiPartPrefix", "merge_candidate_" + id1, "merge_candidate", id1, true},
		{"Bare", id1, "", id1, true},
		{"Malformed", "mc_short", "", "mc_short", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prefix, id, ok := SplitID(tc.in)
			if prefix != tc.wantPrefix || id != tc.wantID || ok != tc.wantOK {
				t.Fatalf("SplitID(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tc.in, prefix, id, ok, tc.wantPrefix, tc.wantID, tc.wantOK)
			}
		})
	}
}

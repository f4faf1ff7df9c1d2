package util

import "testing"

func TestSanitizePostgresText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain utf8",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "contains null byte",
			input: "hel\x00lo",
			want:  "hello",
		},
		{
			name:  "contains invalid utf8",
			input: string([]byte{'a', 0xff, 'b'}),
			want:  "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizePostgresText(tt.input)
			if got != tt.want {
				t.Fatalf("unexpected sanitized value: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain text untouched",
			input: "send 0.5 BTC to bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh",
			want:  "send 0.5 BTC to bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh",
		},
		{
			name:  "highlight span removed",
			input: `call me <span style="background-color: #98FB98; padding: 1px 4px;" title="Phone">+91 98765 43210</span> now`,
			want:  "call me +91 98765 43210 now",
		},
		{
			name:  "entities decoded",
			input: "a &amp; b",
			want:  "a & b",
		},
		{
			name:  "script dropped",
			input: "hi<script>alert(1)</script> there",
			want:  "hi there",
		},
		{
			name:  "broken style fragment",
			input: `meet 1span style= at the dock`,
			want:  "meet at the dock",
		},
		{
			name:  "line breaks kept",
			input: "first line<br>second  line",
			want:  "first line\nsecond line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanText(tt.input)
			if got != tt.want {
				t.Fatalf("unexpected cleaned value: got %q, want %q", got, tt.want)
			}
		})
	}
}

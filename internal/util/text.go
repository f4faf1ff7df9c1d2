package util

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

var (
	reStyleAttr = regexp.MustCompile(`(?i)\b(?:style|title|class)\s*=\s*["'][^"'>]*["']`)
	reCSSDecl   = regexp.MustCompile(`(?i)\b(?:background-color|padding|border-radius|font-weight|color|margin|text-[a-z-]+)\s*:\s*[^;\s]+;?`)
	reSpanFrag  = regexp.MustCompile(`(?i)\d*span\s*style\s*=`)
	reSpaces    = regexp.MustCompile(`[ \t]+`)
)

// StripHTML drops markup and decodes entities. Text inside script and style
// elements is discarded.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if n := string(name); (n == "script" || n == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// CleanText removes HTML and leftover inline-styling fragments from chat
// exports and collapses runs of blanks. Line breaks are preserved.
func CleanText(s string) string {
	if s == "" {
		return s
	}
	s = StripHTML(s)
	s = reSpanFrag.ReplaceAllString(s, "")
	s = reStyleAttr.ReplaceAllString(s, "")
	s = reCSSDecl.ReplaceAllString(s, "")
	s = reSpaces.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Package sanitize cleans untrusted text before it is rendered into
// outbound messages or persisted as user-visible error detail.
package sanitize

import (
	"html"
	"regexp"
	"strings"
)

const (
	// ValueMaxLen bounds a single substituted template value.
	ValueMaxLen = 500
	// ErrorMaxLen bounds persisted error detail.
	ErrorMaxLen = 300
)

var (
	urlRe   = regexp.MustCompile(`https?://[^\s"']+`)
	ipv4Re  = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)
	tokenRe = regexp.MustCompile(`\b[A-Za-z0-9_\-]{24,}\b`)
)

// Value sanitizes a template variable value: characters usable for command
// or markup injection are stripped, the rest is HTML-escaped and truncated.
func Value(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '`', '|', '<', '>', '$', ';', '&', '\n', '\r', '\x00':
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := html.EscapeString(b.String())
	return truncate(out, ValueMaxLen)
}

// ErrorText sanitizes gateway or exception detail before it is persisted or
// surfaced: URLs, IP addresses and long opaque tokens may carry secrets and
// are redacted, control characters stripped, length capped.
func ErrorText(s string) string {
	s = urlRe.ReplaceAllString(s, "[url]")
	s = ipv4Re.ReplaceAllString(s, "[ip]")
	s = tokenRe.ReplaceAllString(s, "[redacted]")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(' ')
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return truncate(strings.TrimSpace(b.String()), ErrorMaxLen)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

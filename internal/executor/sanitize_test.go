package executor

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeRedactsSecrets(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"login failed: password=hunter2", "login failed: password=[redacted]"},
		{"TOKEN=abc123 rejected", "TOKEN=[redacted] rejected"},
		{"api key = s3cret", "api key=[redacted]"},
		{"no secrets here", "no secrets here"},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeStripsMarkup(t *testing.T) {
	got := Sanitize(`<script>alert(1)</script> a & b`)
	if strings.ContainsAny(got, "<>") {
		t.Errorf("Sanitize left angle brackets: %q", got)
	}
	if !strings.Contains(got, "&amp;") {
		t.Errorf("Sanitize did not escape ampersand: %q", got)
	}
}

func TestSanitizeCapsLength(t *testing.T) {
	got := Sanitize(strings.Repeat("x", maxSanitizedLen*2))
	if len(got) != maxSanitizedLen {
		t.Errorf("len = %d, want %d", len(got), maxSanitizedLen)
	}
}

func TestSanitizeCapOnRuneBoundary(t *testing.T) {
	got := Sanitize(strings.Repeat("é", maxSanitizedLen+10))
	if !utf8.ValidString(got) {
		t.Fatal("sanitized output is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != maxSanitizedLen {
		t.Errorf("rune count = %d, want %d", n, maxSanitizedLen)
	}
}

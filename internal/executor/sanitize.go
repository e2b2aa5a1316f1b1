package executor

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxSanitizedLen caps sanitized process output before it is embedded in
// an action message.
const maxSanitizedLen = 1000

// secretAssignment matches password=..., token=... and key=... style
// assignments so credential material in stderr never reaches the store.
var secretAssignment = regexp.MustCompile(`(?i)\b(password|token|key)\s*=\s*\S+`)

// Sanitize prepares untrusted process output for storage and later
// rendering: angle brackets are stripped, ampersands escaped, secret
// assignments redacted, and the result length-capped.
func Sanitize(s string) string {
	s = secretAssignment.ReplaceAllStringFunc(s, func(m string) string {
		name := m[:strings.IndexAny(m, "=")]
		return strings.TrimSpace(name) + "=[redacted]"
	})
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "")
	s = strings.ReplaceAll(s, ">", "")
	if len(s) > maxSanitizedLen && utf8.RuneCountInString(s) > maxSanitizedLen {
		s = string([]rune(s)[:maxSanitizedLen])
	}
	return s
}

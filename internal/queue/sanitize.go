package queue

import (
	"regexp"
	"strings"
)

const (
	maxErrorLength = 512
	truncated      = "... (truncated)"
	redacted       = "[REDACTED]"
)

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`), `$1=` + redacted},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`), redacted},
	{regexp.MustCompile(`\+[1-9]\d{7,14}\b`), redacted},
}

// SanitizeError redacts credentials and recipient addresses from a provider
// error and bounds its length before it is stored as last_error.
func SanitizeError(msg string) string {
	msg = strings.TrimSpace(msg)
	for _, p := range secretPatterns {
		msg = p.re.ReplaceAllString(msg, p.repl)
	}

	runes := []rune(msg)
	if len(runes) <= maxErrorLength {
		return msg
	}
	return string(runes[:maxErrorLength-len(truncated)]) + truncated
}

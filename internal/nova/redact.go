package nova

import "regexp"

// Response bodies get logged on failure for diagnosability; these patterns
// strip the secrets they tend to contain.
var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	hexPattern    = regexp.MustCompile(`[0-9a-fA-F]{16,}`)
)

const maxSnippet = 512

// Redact masks bearer tokens, email addresses, and long hex identifiers in
// s, and truncates the result to a log-friendly snippet.
func Redact(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer [REDACTED]")
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = hexPattern.ReplaceAllString(s, "[HEX]")
	if len(s) > maxSnippet {
		s = s[:maxSnippet] + "..."
	}
	return s
}

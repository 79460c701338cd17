package term

import "regexp"

// redacted replaces matched secret material on the wire.
const redacted = "***"

// secretPatterns match common secret shapes in terminal output: long hex
// runs, well-known API key prefixes, bearer tokens, and JWT triplets. Order
// matters: the JWT pattern must run before the bare hex pattern would eat a
// segment.
var secretPatterns = []*regexp.Regexp{
	// JWT: three base64url segments, first one starting with eyJ.
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),
	// Bearer tokens.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{8,}=*`),
	// Common API key prefixes (OpenAI/Anthropic sk-, GitHub gh?_, AWS AKIA).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// Long hex runs (32+ chars): tokens, digests used as credentials.
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
}

// Redact scrubs secret-shaped substrings from terminal output before it goes
// on the wire. The ring buffer keeps the raw bytes; reattach output is passed
// through Redact again so both paths look identical to the client.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

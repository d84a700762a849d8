package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a regexp with whether its first capture group is a
// harmless prefix to keep (e.g. "api_key = ") while the value is scrubbed.
type secretPattern struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretPatterns = []secretPattern{
	// key-like assignments: api_key = "...", auth_token: ...
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), true},
	// Authorization headers
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), true},
	// OpenRouter API keys
	{regexp.MustCompile(`sk-or-[A-Za-z0-9_\-]{20,}`), false},
	// Telegram bot tokens (bot id, colon, token body)
	{regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`), false},
	// UUID-shaped tokens behind auth-ish labels
	{regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), true},
}

// Redact scrubs secret-bearing substrings before they reach a log line, an
// event record or an operator reply.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.keepPrefix {
				if groups := p.re.FindStringSubmatch(match); len(groups) >= 3 {
					return groups[1] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return out
}

// RedactEnvValue hides the value of environment variables whose names look
// secret-bearing.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, marker := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(lower, marker) {
			return redactedPlaceholder
		}
	}
	return value
}

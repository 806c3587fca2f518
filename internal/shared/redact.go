package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule pairs a secret-bearing pattern with its replacement template.
// Templates keep the key-like prefix (capture group 1) so an operator can
// still tell which credential leaked without seeing its value.
type redactRule struct {
	pattern *regexp.Regexp
	replace string
}

var redactRules = []redactRule{
	// key=value and key: value assignments for common credential names
	{
		pattern: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		replace: "${1}" + redactedPlaceholder,
	},
	// Authorization-header style bearer tokens
	{
		pattern: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
		replace: "${1}" + redactedPlaceholder,
	},
	// UUID-shaped values assigned to token/secret keys
	{
		pattern: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
		replace: "${1}" + redactedPlaceholder,
	},
}

// Redact masks credential-looking values in a string. Audit entries and
// persisted error messages pass through here before storage.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, rule := range redactRules {
		input = rule.pattern.ReplaceAllString(input, rule.replace)
	}
	return input
}

// TruncateError bounds an error message for persistence. Stored task and
// intent errors keep enough context for operators without growing rows
// unboundedly.
func TruncateError(msg string, limit int) string {
	if limit <= 0 {
		limit = 512
	}
	msg = strings.TrimSpace(msg)
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit] + "…"
}

package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials that can leak through engine errors,
// connection strings and LLM provider messages.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password|passwd)\s*[:=]\s*"?([^\s"&;,]{4,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// user:password@ in database and JDBC URLs
	regexp.MustCompile(`(?i)([a-z][a-z0-9+.\-]*://[^:/@\s]+:)([^@\s]+)@`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// Redact replaces secret-bearing substrings with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) < 3 {
				return redactedPlaceholder
			}
			// Keep the prefix group, and the '@' for URL credentials.
			suffix := ""
			if strings.HasSuffix(match, "@") {
				suffix = "@"
			}
			return sub[1] + redactedPlaceholder + suffix
		})
	}
	return result
}

// RedactEnvValue returns [REDACTED] when the key name looks secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}

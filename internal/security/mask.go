// Package security redacts secret-shaped substrings out of log content
// before it leaves the process boundary — specifically, before a log
// message is embedded in the RCA prompt sent to an external LLM (spec
// §4.9). Adapted from the teacher's broader header/URL/field masking
// utility, narrowed to the one pattern-matching concern this domain
// actually exercises: an application log line can legitimately contain
// an accidentally-logged credential, and that must not be forwarded to
// a third party verbatim.
package security

import "regexp"

// secretPatterns match common secret shapes: "key=value"/"key: value"
// assignments for API keys, tokens, secrets, and passwords, plus bearer
// auth headers. The value is replaced, the key name is kept so the
// redacted text still reads naturally in a prompt.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)([=:]\s*)["']?([a-zA-Z0-9_-]{12,})["']?`),
	regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_.-]{16,})`),
	regexp.MustCompile(`(?i)(secret|token)([=:]\s*)["']?([a-zA-Z0-9_-]{12,})["']?`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)([=:]\s*)["']?([^"'\s&]+)["']?`),
}

// RedactSecrets returns s with any secret-shaped substring replaced by
// "***REDACTED***", preserving the surrounding text so the redacted
// message still scans naturally in a prompt or log line.
func RedactSecrets(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			if len(parts) >= 2 {
				return parts[1] + "***REDACTED***"
			}
			return "***REDACTED***"
		})
	}
	return result
}

package logger

import (
	"regexp"
	"strings"
)

// RedactEmail masks an email address for safe logging.
// "alerts.team@example.com" → "al***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactMailValue(key, val string) string {
	key = strings.ToLower(key)
	// Alert digests carry recipient lists; never log them verbatim.
	if strings.Contains(key, "recipient") || strings.Contains(key, "email") {
		return RedactEmail(val)
	}
	// Redact any embedded addresses in generic fields.
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}

package logger

import (
	"log/slog"
	"strings"
)

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "[invalid-email]"
	}

	username := parts[0]
	domain := parts[1]

	// keep first rune of the local part
	if r := []rune(username); len(r) > 1 {
		username = string(r[0]) + strings.Repeat("*", len(r)-1)
	}

	// mask all but the TLD
	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len([]rune(domainParts[i])))
		}
		domain = strings.Join(domainParts, ".")
	}

	return username + "@" + domain
}

// EmailAttr returns a masked email attribute
func EmailAttr(email string) slog.Attr {
	return slog.String("email", SanitizedEmail(email))
}

// RedactedAttr returns a redacted slog attribute for sensitive values.
// In production, returns "[REDACTED]"; in development, returns the actual value.
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

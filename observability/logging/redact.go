package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder emitted for sensitive fields.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"authorization":   {},
	"token":           {},
	"admin_token":     {},
	"secret":          {},
	"idempotency_key": {},
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts value when key is sensitive. Empty
// values are passed through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

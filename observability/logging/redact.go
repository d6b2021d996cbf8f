package logging

import (
	"encoding/hex"
	"log/slog"
	"strings"

	"lukechampine.com/blake3"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are attribute keys whose values never reach a log sink.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"bearer":        {},
	"hmac_secret":   {},
	"passphrase":    {},
	"password":      {},
	"secret":        {},
	"token":         {},
}

// IsSensitive reports whether key names a secret. Keys are matched case
// insensitively, and dashes count as underscores.
func IsSensitive(key string) bool {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField returns key=value, or key=[REDACTED] when key is sensitive and the
// value is non-empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// TokenFingerprint identifies a credential in logs without revealing it: the
// first 8 bytes of its blake3 hash.
func TokenFingerprint(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// redactAttr masks sensitive string attributes as they pass through the handler.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || !IsSensitive(attr.Key) {
		return attr
	}
	return MaskField(attr.Key, attr.Value.String())
}

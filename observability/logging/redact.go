package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys that identify public protocol data and are always logged verbatim.
var publicKeys = map[string]struct{}{
	"subject":      {},
	"loop":         {},
	"chainid":      {},
	"signer":       {},
	"scheme":       {},
	"targetperiod": {},
	"tx":           {},
}

// IsPublic reports whether key names public protocol data.
func IsPublic(key string) bool {
	_, ok := publicKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField logs value under key, replacing it with RedactedValue unless the
// key is public. Empty values are kept so an unset secret stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsPublic(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL keeps the scheme, host and path of raw but drops credentials and
// query parameters. Unparseable input is masked entirely.
func MaskURL(key, raw string) slog.Attr {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slog.String(key, "")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return slog.String(key, RedactedValue)
	}
	if parsed.User != nil {
		parsed.User = url.User("redacted")
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = ""
	}
	return slog.String(key, parsed.String())
}

// Package audit emits security-relevant events as structured log records.
package audit

import (
	"context"
	"log/slog"
	"strings"
)

// RecordName is the message every audit record carries.
const RecordName = "security.audit"

// Event names.
const (
	RoleGranted        = "role.granted"
	ConnectRateLimited = "ws.connect_rate_limited"
	ConnectDenied      = "ws.connect_denied"
)

const masked = "***"

var sensitive = []string{"token", "password", "secret", "cookie", "authorization"}

// Logger writes audit records. A nil *Logger discards them.
type Logger struct {
	logger *slog.Logger
}

// New creates a Logger writing through logger.
func New(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "audit")}
}

// Event records name with key-value attrs, as accepted by slog. Values of
// sensitive keys are masked.
func (l *Logger) Event(ctx context.Context, name string, attrs ...any) {
	if l == nil {
		return
	}
	record := []slog.Attr{slog.String("event", name)}
	for _, attr := range argsToAttrs(attrs) {
		record = append(record, mask(attr))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, RecordName, record...)
}

func argsToAttrs(args []any) []slog.Attr {
	var attrs []slog.Attr
	for len(args) > 0 {
		switch key := args[0].(type) {
		case slog.Attr:
			attrs = append(attrs, key)
			args = args[1:]
		case string:
			if len(args) == 1 {
				attrs = append(attrs, slog.String("!BADKEY", key))
				return attrs
			}
			attrs = append(attrs, slog.Any(key, args[1]))
			args = args[2:]
		default:
			attrs = append(attrs, slog.Any("!BADKEY", key))
			args = args[1:]
		}
	}
	return attrs
}

func mask(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		out := make([]any, 0, len(group))
		for _, a := range group {
			out = append(out, mask(a))
		}
		return slog.Group(attr.Key, out...)
	}
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, masked)
	}
	return attr
}

// IsSensitive reports whether values under key must not be logged.
func IsSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

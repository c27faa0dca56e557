package logger

import (
	"context"
	"log/slog"
	"strings"
)

const redactedValue = "[redacted]"

// secretKeys are attribute keys whose values never reach the log output.
// Matching is on the final key segment, case-insensitively.
var secretKeys = map[string]struct{}{
	"token":         {},
	"secret":        {},
	"password":      {},
	"authorization": {},
	"webhook_token": {},
	"api_key":       {},
}

// redactingHandler masks secret-looking attributes before delegating.
type redactingHandler struct {
	next slog.Handler
}

func (h redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redactAttr(attr))
		return true
	})

	return h.next.Handle(ctx, clean)
}

func (h redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, redactAttr(attr))
	}

	return redactingHandler{next: h.next.WithAttrs(clean)}
}

func (h redactingHandler) WithGroup(name string) slog.Handler {
	return redactingHandler{next: h.next.WithGroup(name)}
}

func redactAttr(attr slog.Attr) slog.Attr {
	if isSecretKey(attr.Key) {
		return slog.String(attr.Key, redactedValue)
	}

	value := attr.Value.Resolve()
	if value.Kind() != slog.KindGroup {
		return attr
	}

	group := value.Group()
	clean := make([]any, 0, len(group))
	for _, item := range group {
		clean = append(clean, redactAttr(item))
	}

	return slog.Group(attr.Key, clean...)
}

func isSecretKey(key string) bool {
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		key = key[idx+1:]
	}

	_, ok := secretKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

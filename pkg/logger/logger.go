// Package logger builds the relay's slog logger: charm-rendered text for
// terminals, or one JSON LogEntry per line for log collectors.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	charmLog "github.com/charmbracelet/log"

	"tgrelay/pkg/config"
)

const (
	formatText = "text"
	formatJSON = "json"

	defaultLevel = "info"
)

// LogEntry is one line of the JSON format. Attributes that identify a
// dispatch are lifted out of Fields so collectors can index them.
type LogEntry struct {
	Level      string         `json:"level"`
	Timestamp  string         `json:"timestamp"`
	Component  string         `json:"component,omitempty"`
	DispatchID string         `json:"dispatch_id,omitempty"`
	ChatID     string         `json:"chat_id,omitempty"`
	Publisher  string         `json:"publisher,omitempty"`
	Index      *int           `json:"index,omitempty"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
	Caller     string         `json:"caller,omitempty"`
}

// envSettings are the TGRELAY_LOG_* variables. Set values win over the file.
type envSettings struct {
	Format    string `env:"TGRELAY_LOG_FORMAT"`
	Level     string `env:"TGRELAY_LOG_LEVEL"`
	AddSource string `env:"TGRELAY_LOG_ADD_SOURCE"`
}

type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

// New builds the process logger from config, honoring TGRELAY_LOG_* overrides.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}

	var next slog.Handler
	switch s.format {
	case formatText:
		next = charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLog.Level(s.level),
			ReportTimestamp: true,
			ReportCaller:    s.addSource,
			Formatter:       charmLog.TextFormatter,
		})
	default:
		next = &entryHandler{level: s.level, addSource: s.addSource, writer: writer, mu: &sync.Mutex{}}
	}

	return slog.New(redactingHandler{next: next}), nil
}

func resolveSettings(cfg config.LoggingConfig) (settings, error) {
	var overrides envSettings
	if err := env.Parse(&overrides); err != nil {
		return settings{}, fmt.Errorf("parse logging env: %w", err)
	}

	s := settings{
		format:    strings.ToLower(firstSet(overrides.Format, cfg.Format, formatText)),
		addSource: cfg.AddSource,
	}
	if s.format != formatText && s.format != formatJSON {
		return settings{}, fmt.Errorf("unsupported log format %q", s.format)
	}

	level, err := parseLevel(firstSet(overrides.Level, cfg.Level, defaultLevel))
	if err != nil {
		return settings{}, err
	}
	s.level = level

	if value := strings.TrimSpace(overrides.AddSource); value != "" {
		s.addSource = parseBool(value)
	}

	return s, nil
}

func firstSet(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// parseLevel accepts slog level names in any case, plus "warning".
func parseLevel(text string) (slog.Level, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "warning" {
		return slog.LevelWarn, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
	return level, nil
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// entryHandler writes LogEntry lines. Handlers derived through WithAttrs and
// WithGroup share the writer lock.
type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
		Fields:    map[string]any{},
	}

	for _, attr := range h.attrs {
		h.apply(&entry, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.apply(&entry, attr)
		return true
	})
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		// An attribute value json cannot encode must not cost the whole line.
		for key, value := range entry.Fields {
			entry.Fields[key] = fmt.Sprint(value)
		}
		if line, err = json.Marshal(entry); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *entryHandler) apply(entry *LogEntry, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}

	if promote(entry, key, attr.Value) {
		return
	}
	entry.Fields[key] = plainValue(attr.Value)
}

// promote lifts dispatch-scoped attributes onto the entry and reports
// whether it did. Values of an unexpected kind stay in Fields.
func promote(entry *LogEntry, key string, value slog.Value) bool {
	switch key {
	case "component":
		return setText(&entry.Component, value)
	case "dispatch_id":
		return setText(&entry.DispatchID, value)
	case "chat_id":
		return setText(&entry.ChatID, value)
	case "publisher":
		return setText(&entry.Publisher, value)
	case "index":
		if value.Kind() != slog.KindInt64 {
			return false
		}
		index := int(value.Int64())
		entry.Index = &index
		return true
	default:
		return false
	}
}

func setText(dst *string, value slog.Value) bool {
	switch value.Kind() {
	case slog.KindString:
		*dst = value.String()
	case slog.KindInt64:
		*dst = strconv.FormatInt(value.Int64(), 10)
	default:
		return false
	}
	return true
}

func plainValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = plainValue(item.Value.Resolve())
		}
		return result
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"tgrelay/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "relay.dispatcher").Info("Message forwarded", "dispatch_id", "42", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Message forwarded" {
		t.Fatalf("message = %q, want %q", entry.Message, "Message forwarded")
	}
	if entry.Component != "relay.dispatcher" {
		t.Fatalf("component = %q, want %q", entry.Component, "relay.dispatcher")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if entry.DispatchID != "42" {
		t.Fatalf("dispatch_id = %q, want %q", entry.DispatchID, "42")
	}
	if _, ok := entry.Fields["dispatch_id"]; ok {
		t.Fatal("dispatch_id should not be repeated in fields")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv("TGRELAY_LOG_LEVEL", "debug")
	t.Setenv("TGRELAY_LOG_FORMAT", "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerRejectsUnknownFormat(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if _, err := newWithWriter(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported level")
	}
}

func TestLoggerPromotesPublisherFailureAttributes(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("dispatch_id", "d-1").Error("Publisher failed",
		"index", 1,
		"publisher", "webhook",
		"chat_id", int64(12345),
		"error", errors.New("connect: connection refused"),
		"elapsed", 1500*time.Millisecond,
	)

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Index == nil || *entry.Index != 1 {
		t.Fatalf("index = %v, want 1", entry.Index)
	}
	if entry.Publisher != "webhook" {
		t.Fatalf("publisher = %q, want webhook", entry.Publisher)
	}
	if entry.ChatID != "12345" {
		t.Fatalf("chat_id = %q, want 12345", entry.ChatID)
	}
	if entry.DispatchID != "d-1" {
		t.Fatalf("dispatch_id = %q, want d-1", entry.DispatchID)
	}
	if got := entry.Fields["error"]; got != "connect: connection refused" {
		t.Fatalf("fields.error = %v, want error text", got)
	}
	if got := entry.Fields["elapsed"]; got != "1.5s" {
		t.Fatalf("fields.elapsed = %v, want 1.5s", got)
	}
}

func TestLoggerGroupedKeysStayInFields(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("redis").Info("Entry appended", "publisher", "redis", "index", "zero")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.Publisher != "" || entry.Index != nil {
		t.Fatalf("grouped attributes promoted: %+v", entry)
	}
	if got := entry.Fields["redis.publisher"]; got != "redis" {
		t.Fatalf("fields[redis.publisher] = %v", got)
	}
}

func TestLoggerUnencodableValueKeepsLine(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Odd value", "callback", func() {})

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.Message != "Odd value" {
		t.Fatalf("message = %q", entry.Message)
	}
	if _, ok := entry.Fields["callback"].(string); !ok {
		t.Fatalf("fields.callback = %T, want string", entry.Fields["callback"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for input, want := range tests {
		got, err := parseLevel(input)
		if err != nil {
			t.Fatalf("parseLevel(%q) error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoggerAddSourceFromEnvironment(t *testing.T) {
	unsetLoggingEnv(t)
	t.Setenv("TGRELAY_LOG_ADD_SOURCE", "yes")

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("With caller")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if !strings.HasPrefix(entry.Caller, "logger_test.go:") {
		t.Fatalf("caller = %q, want logger_test.go:<line>", entry.Caller)
	}
}

func TestDiscardDropsRecords(t *testing.T) {
	log := Discard()
	if log.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected discard logger to drop error records")
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv("TGRELAY_LOG_LEVEL")
	_ = os.Unsetenv("TGRELAY_LOG_FORMAT")
	_ = os.Unsetenv("TGRELAY_LOG_ADD_SOURCE")
}

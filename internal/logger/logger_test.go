package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Format: "json"}, &buf)

	l.Debug("hidden")
	l.Info("request denied", "tier", "minute")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["tier"] != "minute" {
		t.Errorf("expected tier attribute, got %v", entry)
	}
}

func TestNew_TextWithoutColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug"}, &buf)

	l.Error("store failed", "error", errors.New("connection refused"))

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Errorf("expected no ANSI colors for non-terminal writer: %q", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Errorf("expected error text in output: %q", out)
	}
}

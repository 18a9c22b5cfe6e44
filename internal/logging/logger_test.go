package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("info", "json", &buf)
	l.Debug("hidden")
	l.Info("cache hit", "tier", "exact")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["msg"] != "cache hit" || rec["tier"] != "exact" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", "console", &buf)
	l.Debug("semantic lookup", "distance", 0.2)
	if !strings.Contains(buf.String(), "semantic lookup") {
		t.Errorf("console output missing message: %q", buf.String())
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New("info", "text", &buf)
	ctx := With(context.Background(), l.With("request_id", "r-1"))

	From(ctx).Info("resolved")
	if !strings.Contains(buf.String(), "request_id=r-1") {
		t.Errorf("context logger lost attrs: %q", buf.String())
	}

	if From(context.Background()) != slog.Default() {
		t.Error("From(empty ctx) should return slog.Default()")
	}
}

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("hello", slog.String("k", "v"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "hello" || entry["k"] != "v" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewTextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatText, Output: &buf})

	logger.Debug("detail")
	if !strings.Contains(buf.String(), "detail") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn line missing")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("APIFUSE_DEBUG", "1")
	cfg := FromEnv()
	if cfg.Level != "debug" || !cfg.AddSource {
		t.Errorf("debug env not honored: %+v", cfg)
	}

	t.Setenv("APIFUSE_DEBUG", "")
	t.Setenv("APIFUSE_LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "text")
	cfg = FromEnv()
	if cfg.Level != "error" || cfg.Format != FormatText {
		t.Errorf("env config not honored: %+v", cfg)
	}
}

func TestWithConnectorAndCallID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithCallID(WithConnector(logger, "github"), "call-1").Info("x")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry[ConnectorKey] != "github" || entry[CallIDKey] != "call-1" {
		t.Errorf("entry = %v", entry)
	}
}

func TestSanitizers(t *testing.T) {
	if got := SanitizeAPIKey("sk_live_abcdef123456"); got != "...3456" {
		t.Errorf("SanitizeAPIKey = %q", got)
	}
	if got := SanitizeAPIKey("abc"); got != "[REDACTED]" {
		t.Errorf("short key = %q", got)
	}
	if got := SanitizeSecret("anything"); got != "[REDACTED]" {
		t.Errorf("SanitizeSecret = %q", got)
	}
}

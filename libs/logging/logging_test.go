package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONCarriesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json", "dealrouter", "test")
	logger.Info("hello", "deal_id", "d-1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "dealrouter" || line["env"] != "test" {
		t.Fatalf("missing service fields: %v", line)
	}
	if line["deal_id"] != "d-1" {
		t.Fatalf("expected deal_id attr, got %v", line["deal_id"])
	}
}

func TestNewTextFormatFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text", "dealrouter", "dev")
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "msg=kept") {
		t.Fatalf("expected text formatted warn line, got %s", out)
	}
}

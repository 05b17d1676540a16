package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		level     string
		enabled   slog.Level
		disabled  slog.Level
		skipBelow bool
	}{
		{level: "debug", enabled: slog.LevelDebug},
		{level: "info", enabled: slog.LevelInfo, disabled: slog.LevelDebug, skipBelow: true},
		{level: "WARN", enabled: slog.LevelWarn, disabled: slog.LevelInfo, skipBelow: true},
		{level: "error", enabled: slog.LevelError, disabled: slog.LevelWarn, skipBelow: true},
		{level: "bogus", enabled: slog.LevelInfo, disabled: slog.LevelDebug, skipBelow: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log := NewWithWriter(&bytes.Buffer{}, tt.level, "text")
			if !log.Enabled(context.Background(), tt.enabled) {
				t.Errorf("level %s not enabled", tt.enabled)
			}
			if tt.skipBelow && log.Enabled(context.Background(), tt.disabled) {
				t.Errorf("level %s enabled", tt.disabled)
			}
		})
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info", "json")
	log.Info("domain defined", slog.String("name", "guest"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if record["msg"] != "domain defined" || record["name"] != "guest" {
		t.Errorf("record = %v", record)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info", "")
	log.Info("domain defined", slog.String("name", "guest"))

	if !strings.Contains(buf.String(), `msg="domain defined" name=guest`) {
		t.Errorf("output = %q", buf.String())
	}
}
